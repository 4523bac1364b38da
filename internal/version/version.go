// Package version carries build metadata stamped in with -ldflags.
package version

// Set via -ldflags "-X github.com/doeshing/sidekick/internal/version.Version=...".
var (
	Version   = "dev"
	Commit    = ""
	BuildDate = ""
)
