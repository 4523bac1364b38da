// Package ai provides intent classifiers.
//
// Model definitions from the config file become HTTP classifiers speaking the
// Anthropic, OpenAI or Ollama chat dialects; anything else falls back to the
// offline heuristic classifier. Build composes the configured chain with
// fallback and caching.
package ai

import (
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/doeshing/sidekick/internal/domain"
	"github.com/doeshing/sidekick/internal/ports"
)

// Factory creates classifier instances from model definitions. One HTTP
// client is shared by every classifier it builds.
type Factory struct {
	httpClient *http.Client
}

// NewFactory returns a factory with the default HTTP timeout.
func NewFactory() *Factory {
	return &Factory{
		httpClient: &http.Client{Timeout: domain.DefaultHTTPClientTimeout},
	}
}

// NewFactoryWithClient is for tests and callers that need their own transport.
func NewFactoryWithClient(client *http.Client) *Factory {
	return &Factory{httpClient: client}
}

// ForModel implements ports.ClassifierFactory.
func (f *Factory) ForModel(model domain.ModelDefinition) (ports.IntentClassifier, error) {
	providerKind := inferProviderKind(model)

	switch providerKind {
	case domain.ProviderKindAnthropic:
		return newHTTPClassifier("anthropic", model, f.httpClient, anthropicAdapter()), nil
	case domain.ProviderKindOpenAI:
		return newHTTPClassifier("openai", model, f.httpClient, openaiAdapter()), nil
	case domain.ProviderKindOllama:
		return newHTTPClassifier("ollama", model, f.httpClient, ollamaAdapter()), nil
	case domain.ProviderKindHeuristic, domain.ProviderKindUnknown:
		return NewHeuristic(), nil
	default:
		return nil, fmt.Errorf("unsupported provider kind: %s", providerKind)
	}
}

func inferProviderKind(model domain.ModelDefinition) domain.ProviderKind {
	if explicit := domain.ProviderKind(strings.ToLower(strings.TrimSpace(model.Provider))); explicit != "" {
		return explicit
	}
	endpoint := model.Endpoint
	nameLower := strings.ToLower(model.Name)

	switch {
	case strings.Contains(endpoint, "anthropic.com"):
		return domain.ProviderKindAnthropic
	case strings.Contains(endpoint, "openai.com"):
		return domain.ProviderKindOpenAI
	case strings.Contains(nameLower, "ollama"), strings.Contains(endpoint, "11434"), strings.Contains(endpoint, "localhost"):
		return domain.ProviderKindOllama
	default:
		return domain.ProviderKindUnknown
	}
}

// Build assembles the classifier described by cfg: the default model, then
// its fallbacks, behind a result cache when classifier.cache_ttl is positive.
func Build(factory ports.ClassifierFactory, cfg domain.Config, logger ports.Logger) (ports.IntentClassifier, error) {
	chain, err := cfg.ClassifierChain()
	if err != nil {
		return nil, err
	}
	classifiers := make([]ports.IntentClassifier, 0, len(chain))
	for _, model := range chain {
		classifier, err := factory.ForModel(model)
		if err != nil {
			return nil, fmt.Errorf("model %s: %w", model.Name, err)
		}
		classifiers = append(classifiers, classifier)
	}

	var classifier ports.IntentClassifier = classifiers[0]
	if len(classifiers) > 1 {
		classifier = NewFallback(classifiers, logger)
	}
	if ttl := time.Duration(cfg.Classifier.CacheTTLSeconds) * time.Second; ttl > 0 {
		classifier = NewCached(classifier, ttl)
	}
	return classifier, nil
}

var _ ports.ClassifierFactory = (*Factory)(nil)
