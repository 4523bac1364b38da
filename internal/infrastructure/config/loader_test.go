package config

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/doeshing/sidekick/internal/domain"
)

func newLoader(t *testing.T) (*FileLoader, string) {
	t.Helper()
	home := t.TempDir()
	t.Setenv(EnvConfigPath, "")
	for _, key := range []string{EnvStoreDriver, EnvStoreDSN, EnvListenAddr, EnvDefaultModel} {
		t.Setenv(key, "")
		os.Unsetenv(key)
	}
	return &FileLoader{home: home, goos: "linux"}, home
}

func TestLoadWritesDefaultsOnFirstRun(t *testing.T) {
	loader, home := newLoader(t)

	cfg, err := loader.Load(context.Background())
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	path := filepath.Join(home, ".sidekick", "config.yaml")
	if loader.Path() != path {
		t.Fatalf("Path() = %s, want %s", loader.Path(), path)
	}
	if _, err := os.Stat(path); err != nil {
		t.Fatalf("default config not written: %v", err)
	}

	if cfg.Classifier.DefaultModel != "heuristic" {
		t.Fatalf("default model = %q", cfg.Classifier.DefaultModel)
	}
	if cfg.Store.Driver != domain.StoreDriverSQLite || cfg.Store.RetentionDays != 30 {
		t.Fatalf("store = %+v", cfg.Store)
	}
	if cfg.Execution.Commands["open_app"] == "" || cfg.Execution.Commands["search"] == "" {
		t.Fatalf("platform commands missing: %v", cfg.Execution.Commands)
	}
	if cfg.Assistant.Greeting != domain.DefaultGreeting {
		t.Fatalf("greeting = %q", cfg.Assistant.Greeting)
	}

	again, err := loader.Load(context.Background())
	if err != nil {
		t.Fatalf("second Load() error = %v", err)
	}
	if again.Server.ListenAddr != cfg.Server.ListenAddr {
		t.Fatalf("reload changed listen addr: %s vs %s", again.Server.ListenAddr, cfg.Server.ListenAddr)
	}
}

func TestLoadAppliesEnvOverrides(t *testing.T) {
	loader, _ := newLoader(t)
	t.Setenv(EnvStoreDriver, "memory")
	t.Setenv(EnvListenAddr, "0.0.0.0:9000")

	cfg, err := loader.Load(context.Background())
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Store.Driver != "memory" || cfg.Server.ListenAddr != "0.0.0.0:9000" {
		t.Fatalf("overrides not applied: store=%s addr=%s", cfg.Store.Driver, cfg.Server.ListenAddr)
	}
}

func TestLoadReadsDotEnvBesideConfig(t *testing.T) {
	loader, home := newLoader(t)
	dir := filepath.Join(home, ".sidekick")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(dir, ".env"), []byte("SIDEKICK_DEFAULT_MODEL=claude-haiku\n"), 0o600); err != nil {
		t.Fatal(err)
	}

	cfg, err := loader.Load(context.Background())
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Classifier.DefaultModel != "claude-haiku" {
		t.Fatalf("default model = %q, want value from .env", cfg.Classifier.DefaultModel)
	}
}

func TestLoadKeepsExplicitSettings(t *testing.T) {
	loader, home := newLoader(t)
	path := filepath.Join(home, "custom.yaml")
	raw := `
models:
  - name: local
    provider: ollama
    endpoint: http://localhost:11434/api/chat
execution:
  commands: {}
store:
  driver: sqlite
  dsn: ~/data/commands.db
`
	if err := os.WriteFile(path, []byte(raw), 0o600); err != nil {
		t.Fatal(err)
	}
	t.Setenv(EnvConfigPath, path)

	cfg, err := loader.Load(context.Background())
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Classifier.DefaultModel != "local" {
		t.Fatalf("default model = %q, want first model", cfg.Classifier.DefaultModel)
	}
	if len(cfg.Execution.Commands) != 0 {
		t.Fatalf("explicit empty commands replaced: %v", cfg.Execution.Commands)
	}
	if want := filepath.Join(home, "data", "commands.db"); cfg.Store.DSN != want {
		t.Fatalf("dsn = %s, want %s", cfg.Store.DSN, want)
	}
	if cfg.Classifier.TimeoutSeconds != 30 || cfg.Execution.Shell != "auto" {
		t.Fatalf("defaults not hydrated: %+v %+v", cfg.Classifier, cfg.Execution)
	}
}

func TestSaveRoundTrips(t *testing.T) {
	loader, _ := newLoader(t)
	cfg, err := loader.Load(context.Background())
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	cfg.Server.ListenAddr = "127.0.0.1:8123"
	if err := loader.Save(cfg); err != nil {
		t.Fatalf("Save() error = %v", err)
	}
	reloaded, err := loader.Load(context.Background())
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if reloaded.Server.ListenAddr != "127.0.0.1:8123" {
		t.Fatalf("listen addr = %s", reloaded.Server.ListenAddr)
	}
}

func TestDefaultCommandsPerPlatform(t *testing.T) {
	if got := defaultCommands("darwin")["open_app"]; got != "open -a {{quote .Target}}" {
		t.Fatalf("darwin open_app = %q", got)
	}
	if got := defaultCommands("windows"); len(got) != 0 {
		t.Fatalf("windows commands = %v", got)
	}
}
