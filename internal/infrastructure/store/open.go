package store

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"

	"github.com/doeshing/sidekick/internal/domain"
	"github.com/doeshing/sidekick/internal/pkg/filesystem"
	"github.com/doeshing/sidekick/internal/ports"
)

// DefaultSQLitePath is where the sqlite backend lives when no DSN is given.
func DefaultSQLitePath(home string) string {
	return filepath.Join(home, ".sidekick", "commands.db")
}

// Open builds the backend selected by settings. home is used to place the
// sqlite database when settings.DSN is empty.
func Open(ctx context.Context, settings domain.StoreSettings, home string, opts ...Option) (ports.CommandStore, error) {
	driver := strings.ToLower(strings.TrimSpace(settings.Driver))
	switch driver {
	case "", domain.StoreDriverMemory:
		return NewMemoryStore(opts...), nil
	case domain.StoreDriverSQLite:
		path := settings.DSN
		if path == "" {
			path = DefaultSQLitePath(home)
		}
		return NewSQLiteStore(filesystem.ExpandPath(path, home), opts...)
	case domain.StoreDriverMongo:
		return NewMongoStore(ctx, MongoSettings{
			URI:        settings.DSN,
			Database:   settings.Database,
			Collection: settings.Collection,
		}, opts...)
	case domain.StoreDriverRedis:
		return NewRedisStore(ctx, settings.DSN, settings.Collection, opts...)
	default:
		return nil, fmt.Errorf("%w: unknown store driver %q", domain.ErrInvalidInput, settings.Driver)
	}
}
