package domain

// ModelDefinition describes a language-model classifier endpoint declared in the config file.
type ModelDefinition struct {
	Name       string          `yaml:"name"`
	Provider   string          `yaml:"provider,omitempty"`
	Endpoint   string          `yaml:"endpoint"`
	AuthEnvVar string          `yaml:"auth_env_var,omitempty"`
	OrgEnvVar  string          `yaml:"org_env_var,omitempty"`
	ModelID    string          `yaml:"model_id"`
	MaxTokens  int             `yaml:"max_tokens,omitempty"`
	Prompt     []PromptMessage `yaml:"prompt,omitempty"`
}

// PromptMessage follows the role/content pair required by most chat APIs.
type PromptMessage struct {
	Role    string `yaml:"role"`
	Content string `yaml:"content"`
}

// ProviderKind identifies which wire adapter talks to a model endpoint.
type ProviderKind string

const (
	ProviderKindAnthropic ProviderKind = "anthropic"
	ProviderKindOpenAI    ProviderKind = "openai"
	ProviderKindOllama    ProviderKind = "ollama"
	ProviderKindHeuristic ProviderKind = "heuristic"
	ProviderKindUnknown   ProviderKind = ""
)
