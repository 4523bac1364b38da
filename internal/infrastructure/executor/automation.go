package executor

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"

	"github.com/doeshing/sidekick/internal/domain"
	"github.com/doeshing/sidekick/internal/ports"
)

const maxAutomationResponse = 1 << 20

// AutomationExecutor forwards intents to a desktop automation service that
// drives the UI (opening apps, typing text) on the user's machine.
type AutomationExecutor struct {
	endpoint   string
	authEnvVar string
	httpClient *http.Client
}

// NewAutomationExecutor posts to endpoint. When authEnvVar names a set
// variable its value is sent as a bearer token.
func NewAutomationExecutor(endpoint, authEnvVar string, client *http.Client) *AutomationExecutor {
	if client == nil {
		client = &http.Client{Timeout: domain.DefaultHTTPClientTimeout}
	}
	return &AutomationExecutor{endpoint: endpoint, authEnvVar: authEnvVar, httpClient: client}
}

type automationRequest struct {
	Kind       domain.IntentKind `json:"kind"`
	Action     string            `json:"action"`
	Target     *string           `json:"target"`
	Parameters map[string]any    `json:"parameters"`
}

type automationResponse struct {
	Output string         `json:"output"`
	Data   map[string]any `json:"data"`
	Error  string         `json:"error"`
}

// Execute implements ports.ActionExecutor.
func (e *AutomationExecutor) Execute(ctx context.Context, intent domain.Intent) (domain.CommandResult, error) {
	result, err := e.execute(ctx, intent)
	if err != nil {
		return domain.CommandResult{}, &domain.ExecutionError{Kind: intent.Kind, Err: err}
	}
	return result, nil
}

func (e *AutomationExecutor) execute(ctx context.Context, intent domain.Intent) (domain.CommandResult, error) {
	payload, err := json.Marshal(automationRequest{
		Kind:       intent.Kind,
		Action:     intent.Action,
		Target:     intent.Target,
		Parameters: intent.Parameters,
	})
	if err != nil {
		return domain.CommandResult{}, fmt.Errorf("encode automation request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, e.endpoint, bytes.NewReader(payload))
	if err != nil {
		return domain.CommandResult{}, err
	}
	req.Header.Set("content-type", "application/json")
	if e.authEnvVar != "" {
		if token := os.Getenv(e.authEnvVar); token != "" {
			req.Header.Set("authorization", "Bearer "+token)
		}
	}

	resp, err := e.httpClient.Do(req)
	if err != nil {
		return domain.CommandResult{}, fmt.Errorf("automation request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxAutomationResponse))
	if err != nil {
		return domain.CommandResult{}, fmt.Errorf("read automation response: %w", err)
	}

	var decoded automationResponse
	if len(bytes.TrimSpace(body)) > 0 {
		if err := json.Unmarshal(body, &decoded); err != nil && resp.StatusCode < 400 {
			return domain.CommandResult{}, fmt.Errorf("decode automation response: %w", err)
		}
	}
	if resp.StatusCode >= 400 {
		if decoded.Error != "" {
			return domain.CommandResult{}, fmt.Errorf("automation service: %s: %s", resp.Status, decoded.Error)
		}
		return domain.CommandResult{}, fmt.Errorf("automation service: %s", resp.Status)
	}
	if decoded.Error != "" {
		return domain.CommandResult{}, fmt.Errorf("automation service: %s", decoded.Error)
	}

	output := strings.TrimSpace(decoded.Output)
	if output == "" {
		output = "Done: " + intent.Summary()
	}
	return domain.CommandResult{Output: output, Data: decoded.Data}, nil
}

var _ ports.ActionExecutor = (*AutomationExecutor)(nil)
