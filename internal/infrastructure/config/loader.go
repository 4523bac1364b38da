// Package config loads ~/.sidekick/config.yaml (or $SIDEKICK_CONFIG), writing
// the embedded defaults on first run, and applies environment overrides.
package config

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"runtime"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/doeshing/sidekick/assets"
	"github.com/doeshing/sidekick/internal/domain"
	"github.com/doeshing/sidekick/internal/pkg/filesystem"
	"github.com/doeshing/sidekick/internal/ports"
)

// Environment variables read by the loader.
const (
	EnvConfigPath   = "SIDEKICK_CONFIG"
	EnvStoreDriver  = "SIDEKICK_STORE_DRIVER"
	EnvStoreDSN     = "SIDEKICK_STORE_DSN"
	EnvListenAddr   = "SIDEKICK_LISTEN_ADDR"
	EnvDefaultModel = "SIDEKICK_DEFAULT_MODEL"
)

// FileLoader loads YAML configuration from ~/.sidekick/config.yaml
// (overridable via SIDEKICK_CONFIG).
type FileLoader struct {
	overridePath string
	home         string
	goos         string
}

// NewFileLoader builds a new loader. An empty path uses the default location.
func NewFileLoader(path string) *FileLoader {
	return &FileLoader{overridePath: path, home: filesystem.UserHomeDir(), goos: runtime.GOOS}
}

// Load implements ports.ConfigProvider. A .env file next to the config file
// or in the working directory is loaded first; variables already set win.
func (l *FileLoader) Load(context.Context) (domain.Config, error) {
	path := l.Path()
	if err := ensureConfigDir(path); err != nil {
		return domain.Config{}, fmt.Errorf("ensure config dir: %w", err)
	}
	if err := loadDotEnv(filepath.Join(filepath.Dir(path), ".env"), ".env"); err != nil {
		return domain.Config{}, err
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if !errors.Is(err, fs.ErrNotExist) {
			return domain.Config{}, err
		}
		data = assets.DefaultConfigYAML
		if err := os.WriteFile(path, data, domain.SecureFilePermissions); err != nil {
			return domain.Config{}, fmt.Errorf("write default config: %w", err)
		}
	}

	var cfg domain.Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return domain.Config{}, fmt.Errorf("parse %s: %w", path, err)
	}
	cfg = applyEnv(cfg)
	return l.hydrateDefaults(cfg), nil
}

// Path returns the resolved config file path.
func (l *FileLoader) Path() string {
	if l.overridePath != "" {
		return l.expandPath(l.overridePath)
	}
	if custom := os.Getenv(EnvConfigPath); custom != "" {
		return l.expandPath(custom)
	}
	return filepath.Join(l.home, ".sidekick", "config.yaml")
}

// Home is the directory relative paths such as the sqlite database hang off.
func (l *FileLoader) Home() string {
	return l.home
}

// Save writes cfg back to disk.
func (l *FileLoader) Save(cfg domain.Config) error {
	raw, err := yaml.Marshal(cfg)
	if err != nil {
		return err
	}
	path := l.Path()
	if err := ensureConfigDir(path); err != nil {
		return err
	}
	return os.WriteFile(path, raw, domain.SecureFilePermissions)
}

func ensureConfigDir(path string) error {
	return os.MkdirAll(filepath.Dir(path), domain.DirectoryPermissions)
}

func loadDotEnv(paths ...string) error {
	for _, path := range paths {
		if _, err := os.Stat(path); err != nil {
			continue
		}
		if err := godotenv.Load(path); err != nil {
			return fmt.Errorf("load %s: %w", path, err)
		}
	}
	return nil
}

func applyEnv(cfg domain.Config) domain.Config {
	if v := os.Getenv(EnvStoreDriver); v != "" {
		cfg.Store.Driver = v
	}
	if v := os.Getenv(EnvStoreDSN); v != "" {
		cfg.Store.DSN = v
	}
	if v := os.Getenv(EnvListenAddr); v != "" {
		cfg.Server.ListenAddr = v
	}
	if v := os.Getenv(EnvDefaultModel); v != "" {
		cfg.Classifier.DefaultModel = v
	}
	return cfg
}

func (l *FileLoader) hydrateDefaults(cfg domain.Config) domain.Config {
	if cfg.ConfigFormatVersion == "" {
		cfg.ConfigFormatVersion = "1"
	}
	if cfg.Assistant.Greeting == "" {
		cfg.Assistant.Greeting = domain.DefaultGreeting
	}
	if len(cfg.Models) == 0 {
		cfg.Models = []domain.ModelDefinition{{Name: "heuristic", Provider: string(domain.ProviderKindHeuristic)}}
	}
	if cfg.Classifier.DefaultModel == "" {
		cfg.Classifier.DefaultModel = cfg.Models[0].Name
	}
	if cfg.Classifier.TimeoutSeconds == 0 {
		cfg.Classifier.TimeoutSeconds = int(domain.DefaultClassifierTimeout.Seconds())
	}
	if cfg.Execution.TimeoutSeconds == 0 {
		cfg.Execution.TimeoutSeconds = int(domain.DefaultExecutionTimeout.Seconds())
	}
	if cfg.Execution.Shell == "" {
		cfg.Execution.Shell = "auto"
	}
	if cfg.Execution.Commands == nil {
		cfg.Execution.Commands = defaultCommands(l.goos)
	}
	if cfg.Store.Driver == "" {
		cfg.Store.Driver = domain.StoreDriverSQLite
	}
	if cfg.Store.Driver == domain.StoreDriverSQLite && cfg.Store.DSN != "" {
		cfg.Store.DSN = l.expandPath(cfg.Store.DSN)
	}
	if cfg.Store.Driver == domain.StoreDriverMongo && cfg.Store.Database == "" {
		cfg.Store.Database = "sidekick"
	}
	if cfg.Store.RetentionDays < 0 {
		cfg.Store.RetentionDays = 0
	}
	if cfg.Server.ListenAddr == "" {
		cfg.Server.ListenAddr = "127.0.0.1:7420"
	}
	if cfg.Voice.TimeoutSeconds == 0 {
		cfg.Voice.TimeoutSeconds = int(domain.DefaultVoiceTimeout.Seconds())
	}
	return cfg
}

// defaultCommands are the shell templates used when the config file has no
// execution.commands section.
func defaultCommands(goos string) map[string]string {
	const searchURL = `{{quote (printf "https://duckduckgo.com/?q=%s" (urlquery .Target))}}`
	switch goos {
	case "darwin":
		return map[string]string{
			"open_app": "open -a {{quote .Target}}",
			"search":   "open " + searchURL,
		}
	case "linux":
		return map[string]string{
			"open_app": "gtk-launch {{quote .Target}} || xdg-open {{quote .Target}}",
			"search":   "xdg-open " + searchURL,
		}
	default:
		return map[string]string{}
	}
}

func (l *FileLoader) expandPath(path string) string {
	return filesystem.ExpandPath(path, l.home)
}

var _ ports.ConfigProvider = (*FileLoader)(nil)
