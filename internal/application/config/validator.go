// Package config validates a loaded configuration before the container
// wires anything from it.
package config

import (
	"errors"
	"fmt"
	"net"
	"regexp"
	"strings"

	"github.com/robfig/cron/v3"

	"github.com/doeshing/sidekick/internal/domain"
)

// Validate ensures config structure is consistent. Every problem found is
// reported, joined into one error.
func Validate(cfg domain.Config) error {
	var errs []error
	errs = append(errs, validateModels(cfg)...)
	errs = append(errs, validateClassifier(cfg)...)
	errs = append(errs, validateExecution(cfg.Execution)...)
	errs = append(errs, validateStore(cfg.Store)...)
	errs = append(errs, validateServer(cfg.Server)...)
	errs = append(errs, validateVoice(cfg.Voice)...)
	return errors.Join(errs...)
}

func validateModels(cfg domain.Config) []error {
	if len(cfg.Models) == 0 {
		return []error{errors.New("at least one model must be configured")}
	}
	var errs []error
	seen := make(map[string]bool, len(cfg.Models))
	for i, model := range cfg.Models {
		if model.Name == "" {
			errs = append(errs, fmt.Errorf("models[%d].name must be set", i))
			continue
		}
		if seen[model.Name] {
			errs = append(errs, fmt.Errorf("model %s is declared twice", model.Name))
		}
		seen[model.Name] = true

		switch domain.ProviderKind(strings.ToLower(model.Provider)) {
		case domain.ProviderKindHeuristic:
		case domain.ProviderKindAnthropic, domain.ProviderKindOpenAI, domain.ProviderKindOllama:
			if model.Endpoint == "" {
				errs = append(errs, fmt.Errorf("model %s: endpoint must be set for provider %s", model.Name, model.Provider))
			}
		case domain.ProviderKindUnknown:
			// Inferred from the endpoint; no endpoint means heuristic.
		default:
			errs = append(errs, fmt.Errorf("model %s: unsupported provider %q", model.Name, model.Provider))
		}
		if model.MaxTokens < 0 {
			errs = append(errs, fmt.Errorf("model %s: max_tokens must be >= 0", model.Name))
		}
	}
	return errs
}

func validateClassifier(cfg domain.Config) []error {
	var errs []error
	settings := cfg.Classifier
	if settings.DefaultModel != "" {
		if _, ok := cfg.FindModel(settings.DefaultModel); !ok {
			errs = append(errs, fmt.Errorf("default model %s not found in models list", settings.DefaultModel))
		}
	}
	for _, name := range settings.FallbackModels {
		if _, ok := cfg.FindModel(name); !ok {
			errs = append(errs, fmt.Errorf("fallback model %s not found", name))
		}
	}
	if settings.TimeoutSeconds < 0 {
		errs = append(errs, errors.New("classifier.timeout must be >= 0"))
	}
	if settings.CacheTTLSeconds < 0 {
		errs = append(errs, errors.New("classifier.cache_ttl must be >= 0"))
	}
	return errs
}

func validateExecution(exec domain.ExecutionSettings) []error {
	var errs []error
	if exec.TimeoutSeconds < 0 {
		errs = append(errs, errors.New("execution.timeout must be >= 0"))
	}
	for kind := range exec.Commands {
		if !knownKind(kind) {
			errs = append(errs, fmt.Errorf("execution.commands: unknown intent kind %q", kind))
		}
	}
	for _, kind := range exec.AutomationKinds {
		if !knownKind(kind) {
			errs = append(errs, fmt.Errorf("execution.automation_kinds: unknown intent kind %q", kind))
		}
	}
	if len(exec.AutomationKinds) > 0 && exec.AutomationEndpoint == "" {
		errs = append(errs, errors.New("execution.automation_endpoint must be set when automation_kinds is not empty"))
	}
	for i, rule := range exec.Guardrails {
		if _, err := regexp.Compile(rule.Pattern); err != nil {
			errs = append(errs, fmt.Errorf("execution.guardrails[%d]: %w", i, err))
		}
	}
	return errs
}

func knownKind(raw string) bool {
	return domain.ParseIntentKind(raw) != domain.IntentUnknown
}

func validateStore(store domain.StoreSettings) []error {
	var errs []error
	switch strings.ToLower(store.Driver) {
	case "", domain.StoreDriverMemory, domain.StoreDriverSQLite:
	case domain.StoreDriverMongo, domain.StoreDriverRedis:
		if store.DSN == "" {
			errs = append(errs, fmt.Errorf("store.dsn must be set for driver %s", store.Driver))
		}
	default:
		errs = append(errs, fmt.Errorf("store.driver must be memory|sqlite|mongo|redis, got %s", store.Driver))
	}
	if store.RetentionDays < 0 {
		errs = append(errs, errors.New("store.retention_days must be >= 0"))
	}
	if store.PruneSchedule != "" {
		if _, err := cron.ParseStandard(store.PruneSchedule); err != nil {
			errs = append(errs, fmt.Errorf("store.prune_schedule invalid: %w", err))
		}
	}
	return errs
}

func validateServer(server domain.ServerSettings) []error {
	if server.ListenAddr == "" {
		return nil
	}
	if _, _, err := net.SplitHostPort(server.ListenAddr); err != nil {
		return []error{fmt.Errorf("server.listen_addr invalid: %w", err)}
	}
	return nil
}

func validateVoice(voice domain.VoiceSettings) []error {
	var errs []error
	if voice.TimeoutSeconds < 0 {
		errs = append(errs, errors.New("voice.timeout must be >= 0"))
	}
	if voice.Enabled && voice.Endpoint == "" {
		errs = append(errs, errors.New("voice.endpoint must be set when voice is enabled"))
	}
	return errs
}
