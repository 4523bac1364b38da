// Package doctor runs environment diagnostics for the assistant.
package doctor

import (
	"context"
	"fmt"
	"os"
	"sort"
	"strings"

	configapp "github.com/doeshing/sidekick/internal/application/config"
	"github.com/doeshing/sidekick/internal/domain"
	"github.com/doeshing/sidekick/internal/ports"
)

// RouteLister reports which intent kinds have an executor.
type RouteLister interface {
	Kinds() []domain.IntentKind
}

// Service runs environment diagnostics. Getenv defaults to os.Getenv.
type Service struct {
	Config domain.Config
	Store  ports.CommandStore
	Routes RouteLister
	Getenv func(string) string
}

// Run executes every check. It never stops early; the report says what failed.
func (s *Service) Run(ctx context.Context) domain.HealthReport {
	getenv := s.Getenv
	if getenv == nil {
		getenv = os.Getenv
	}
	checks := []domain.HealthCheck{s.configCheck()}
	checks = append(checks, s.storeCheck(ctx))
	checks = append(checks, s.classifierChecks(getenv)...)
	checks = append(checks, s.routeCheck())
	checks = append(checks, s.voiceCheck(getenv))
	return domain.HealthReport{Checks: checks}
}

func (s *Service) configCheck() domain.HealthCheck {
	if err := configapp.Validate(s.Config); err != nil {
		return fail("Config", strings.ReplaceAll(err.Error(), "\n", "; "))
	}
	return ok("Config", "format "+s.Config.ConfigFormatVersion)
}

func (s *Service) storeCheck(ctx context.Context) domain.HealthCheck {
	name := "Store (" + s.Config.Store.Driver + ")"
	if s.Store == nil {
		return fail(name, "not opened")
	}
	records, err := s.Store.List(ctx, domain.CommandQuery{Limit: 1})
	if err != nil {
		return fail(name, err.Error())
	}
	if len(records) == 0 {
		return ok(name, "reachable, no commands yet")
	}
	return ok(name, "reachable, last command "+string(records[0].Status))
}

func (s *Service) classifierChecks(getenv func(string) string) []domain.HealthCheck {
	chain, err := s.Config.ClassifierChain()
	if err != nil {
		return []domain.HealthCheck{fail("Classifier", err.Error())}
	}
	checks := make([]domain.HealthCheck, 0, len(chain))
	for _, model := range chain {
		name := "Classifier " + model.Name
		switch {
		case model.Provider == string(domain.ProviderKindHeuristic):
			checks = append(checks, ok(name, "built-in keyword matcher"))
		case model.AuthEnvVar != "" && getenv(model.AuthEnvVar) == "":
			checks = append(checks, warn(name, model.AuthEnvVar+" missing"))
		default:
			checks = append(checks, ok(name, model.Endpoint))
		}
	}
	return checks
}

func (s *Service) routeCheck() domain.HealthCheck {
	if s.Routes == nil {
		return fail("Executors", "not configured")
	}
	routed := map[domain.IntentKind]bool{}
	for _, kind := range s.Routes.Kinds() {
		routed[kind] = true
	}
	var missing []string
	for _, kind := range domain.ActionableIntentKinds() {
		if !routed[kind] {
			missing = append(missing, string(kind))
		}
	}
	if len(missing) == 0 {
		return ok("Executors", "every intent kind is routed")
	}
	sort.Strings(missing)
	return warn("Executors", fmt.Sprintf("no executor for %s", strings.Join(missing, ", ")))
}

func (s *Service) voiceCheck(getenv func(string) string) domain.HealthCheck {
	voice := s.Config.Voice
	switch {
	case !voice.Enabled:
		return ok("Voice", "disabled")
	case voice.AuthEnvVar != "" && getenv(voice.AuthEnvVar) == "":
		return warn("Voice", voice.AuthEnvVar+" missing")
	default:
		return ok("Voice", voice.Endpoint)
	}
}

func ok(name, details string) domain.HealthCheck {
	return domain.HealthCheck{Name: name, Status: domain.HealthOK, Details: details}
}

func warn(name, details string) domain.HealthCheck {
	return domain.HealthCheck{Name: name, Status: domain.HealthWarn, Details: details}
}

func fail(name, details string) domain.HealthCheck {
	return domain.HealthCheck{Name: name, Status: domain.HealthError, Details: details}
}
