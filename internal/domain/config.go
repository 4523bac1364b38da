package domain

import "fmt"

// Config mirrors ~/.sidekick/config.yaml.
type Config struct {
	ConfigFormatVersion string             `yaml:"config_format_version"`
	Assistant           AssistantSettings  `yaml:"assistant"`
	Classifier          ClassifierSettings `yaml:"classifier"`
	Models              []ModelDefinition  `yaml:"models"`
	Execution           ExecutionSettings  `yaml:"execution"`
	Store               StoreSettings      `yaml:"store"`
	Server              ServerSettings     `yaml:"server"`
	Voice               VoiceSettings      `yaml:"voice"`
}

// AssistantSettings controls the conversational surface.
type AssistantSettings struct {
	Greeting string `yaml:"greeting"`
}

// ClassifierSettings selects and tunes the intent classifier chain.
type ClassifierSettings struct {
	DefaultModel    string   `yaml:"default_model"`
	FallbackModels  []string `yaml:"fallback_models,omitempty"`
	TimeoutSeconds  int      `yaml:"timeout"`
	CacheTTLSeconds int      `yaml:"cache_ttl"`
}

// ExecutionSettings controls how intents are carried out.
type ExecutionSettings struct {
	TimeoutSeconds     int               `yaml:"timeout"`
	Shell              string            `yaml:"shell"`
	Commands           map[string]string `yaml:"commands,omitempty"`
	AutomationEndpoint string            `yaml:"automation_endpoint,omitempty"`
	AutomationKinds    []string          `yaml:"automation_kinds,omitempty"`
	AutomationAuthEnv  string            `yaml:"automation_auth_env,omitempty"`
	Guardrails         []GuardrailRule   `yaml:"guardrails,omitempty"`
}

// GuardrailRule blocks rendered shell commands matching Pattern.
type GuardrailRule struct {
	Pattern string `yaml:"pattern"`
	Message string `yaml:"message"`
}

// StoreSettings selects the command record backend.
type StoreSettings struct {
	Driver        string `yaml:"driver"`
	DSN           string `yaml:"dsn,omitempty"`
	Database      string `yaml:"database,omitempty"`
	Collection    string `yaml:"collection,omitempty"`
	RetentionDays int    `yaml:"retention_days"`
	PruneSchedule string `yaml:"prune_schedule,omitempty"`
}

// ServerSettings configures the HTTP/WebSocket surface.
type ServerSettings struct {
	ListenAddr     string   `yaml:"listen_addr"`
	AllowedOrigins []string `yaml:"allowed_origins,omitempty"`
}

// VoiceSettings configures the speech recognizer.
type VoiceSettings struct {
	Enabled        bool   `yaml:"enabled"`
	Endpoint       string `yaml:"endpoint"`
	AuthEnvVar     string `yaml:"auth_env_var"`
	Model          string `yaml:"model"`
	Language       string `yaml:"language,omitempty"`
	TimeoutSeconds int    `yaml:"timeout"`
}

// Store drivers.
const (
	StoreDriverMemory = "memory"
	StoreDriverSQLite = "sqlite"
	StoreDriverMongo  = "mongo"
	StoreDriverRedis  = "redis"
)

// FindModel searches for a model by its name.
func (c *Config) FindModel(name string) (ModelDefinition, bool) {
	for _, model := range c.Models {
		if model.Name == name {
			return model, true
		}
	}
	return ModelDefinition{}, false
}

// DefaultModel resolves the configured default model.
func (c *Config) DefaultModel() (ModelDefinition, error) {
	name := c.Classifier.DefaultModel
	if name == "" {
		if len(c.Models) == 0 {
			return ModelDefinition{}, fmt.Errorf("no models configured")
		}
		return c.Models[0], nil
	}
	if model, ok := c.FindModel(name); ok {
		return model, nil
	}
	return ModelDefinition{}, fmt.Errorf("default model %s not found in configuration", name)
}

// ClassifierChain returns the default model followed by the configured
// fallbacks, skipping unknown names and duplicates.
func (c *Config) ClassifierChain() ([]ModelDefinition, error) {
	primary, err := c.DefaultModel()
	if err != nil {
		return nil, err
	}
	chain := []ModelDefinition{primary}
	seen := map[string]bool{primary.Name: true}
	for _, name := range c.Classifier.FallbackModels {
		if seen[name] {
			continue
		}
		if model, ok := c.FindModel(name); ok {
			chain = append(chain, model)
			seen[name] = true
		}
	}
	return chain, nil
}
