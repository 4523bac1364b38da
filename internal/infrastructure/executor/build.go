package executor

import (
	"fmt"
	"net/http"

	"github.com/doeshing/sidekick/internal/domain"
)

// Build routes every kind the settings cover. Schedule intents go to agenda
// and type intents to the clipboard unless a shell template or the
// automation endpoint claims them; automation kinds take precedence over
// shell templates for the same kind.
func Build(settings domain.ExecutionSettings, agenda *AgendaExecutor, client *http.Client) (*Router, error) {
	router := NewRouter()
	if agenda != nil {
		router.Handle(domain.IntentSchedule, agenda)
	}
	if clipboard := NewClipboardExecutor(); clipboard.Enabled() {
		router.Handle(domain.IntentType, clipboard)
	}

	if len(settings.Commands) > 0 {
		shell, err := NewShellExecutor(settings.Shell, settings.Commands)
		if err != nil {
			return nil, err
		}
		guard, err := NewGuard(settings.Guardrails)
		if err != nil {
			return nil, err
		}
		shell.WithGuard(guard)
		for _, kind := range shell.Kinds() {
			router.Handle(kind, shell)
		}
	}

	if settings.AutomationEndpoint != "" {
		automation := NewAutomationExecutor(settings.AutomationEndpoint, settings.AutomationAuthEnv, client)
		for _, raw := range settings.AutomationKinds {
			kind := domain.ParseIntentKind(raw)
			if kind == domain.IntentUnknown {
				return nil, fmt.Errorf("%w: automation kind %q", domain.ErrInvalidInput, raw)
			}
			router.Handle(kind, automation)
		}
	}
	return router, nil
}
