package executor

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strings"
	"text/template"
	"time"

	"github.com/doeshing/sidekick/internal/domain"
	"github.com/doeshing/sidekick/internal/ports"
)

const pipeWaitDelay = 500 * time.Millisecond

// ShellExecutor runs a command rendered from a per-kind template on the
// host shell.
type ShellExecutor struct {
	shell     string
	templates map[domain.IntentKind]*template.Template
	guard     *Guard
}

// commandData is what command templates see.
type commandData struct {
	Kind   string
	Action string
	Target string
	Params map[string]any
}

var templateFuncs = template.FuncMap{
	"quote": shellQuote,
}

// NewShellExecutor parses commands (intent kind to template). An empty or
// "auto" shell means $SHELL, then /bin/sh.
func NewShellExecutor(shell string, commands map[string]string) (*ShellExecutor, error) {
	if shell == "auto" {
		shell = ""
	}
	if shell == "" {
		shell = os.Getenv("SHELL")
	}
	if shell == "" {
		shell = "/bin/sh"
	}
	templates := make(map[domain.IntentKind]*template.Template, len(commands))
	for rawKind, raw := range commands {
		kind := domain.ParseIntentKind(rawKind)
		if kind == domain.IntentUnknown {
			return nil, fmt.Errorf("%w: command template for unknown intent kind %q", domain.ErrInvalidInput, rawKind)
		}
		tmpl, err := template.New(string(kind)).Funcs(templateFuncs).Parse(raw)
		if err != nil {
			return nil, fmt.Errorf("parse %s command template: %w", kind, err)
		}
		templates[kind] = tmpl
	}
	return &ShellExecutor{shell: shell, templates: templates}, nil
}

// WithGuard makes Execute refuse commands the guard blocks.
func (e *ShellExecutor) WithGuard(g *Guard) *ShellExecutor {
	e.guard = g
	return e
}

// Kinds lists the intent kinds this executor has templates for.
func (e *ShellExecutor) Kinds() []domain.IntentKind {
	kinds := make([]domain.IntentKind, 0, len(e.templates))
	for kind := range e.templates {
		kinds = append(kinds, kind)
	}
	return kinds
}

// Render returns the command line for intent without running it.
func (e *ShellExecutor) Render(intent domain.Intent) (string, error) {
	tmpl, ok := e.templates[intent.Kind]
	if !ok {
		return "", domain.ErrUnsupportedIntent
	}
	params := intent.Parameters
	if params == nil {
		params = map[string]any{}
	}
	var buf bytes.Buffer
	if err := tmpl.Execute(&buf, commandData{
		Kind:   string(intent.Kind),
		Action: intent.Action,
		Target: intent.TargetOr(""),
		Params: params,
	}); err != nil {
		return "", fmt.Errorf("render command: %w", err)
	}
	command := strings.TrimSpace(buf.String())
	if command == "" {
		return "", errors.New("command template rendered an empty command")
	}
	return command, nil
}

// Execute implements ports.ActionExecutor.
func (e *ShellExecutor) Execute(ctx context.Context, intent domain.Intent) (domain.CommandResult, error) {
	command, err := e.Render(intent)
	if err != nil {
		return domain.CommandResult{}, &domain.ExecutionError{Kind: intent.Kind, Err: err}
	}
	if err := e.guard.Check(command); err != nil {
		return domain.CommandResult{Data: map[string]any{"command": command}}, &domain.ExecutionError{Kind: intent.Kind, Err: err}
	}

	c := exec.CommandContext(ctx, e.shell, "-c", command)
	// Children of the shell may keep the output pipes open after it is killed.
	c.WaitDelay = pipeWaitDelay
	var stdout, stderr bytes.Buffer
	c.Stdout = &stdout
	c.Stderr = &stderr

	start := time.Now()
	err = c.Run()
	duration := time.Since(start).Milliseconds()

	result := domain.CommandResult{
		Output: strings.TrimSpace(stdout.String()),
		Data: map[string]any{
			"command":    command,
			"durationMs": duration,
			"exitCode":   0,
		},
	}
	if stderrText := strings.TrimSpace(stderr.String()); stderrText != "" {
		result.Data["stderr"] = stderrText
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		result.Data["exitCode"] = exitErr.ExitCode()
	}
	if err != nil {
		return result, &domain.ExecutionError{Kind: intent.Kind, Err: fmt.Errorf("run %q: %w", command, err)}
	}
	return result, nil
}

// shellQuote wraps s in single quotes for POSIX shells.
func shellQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}

var _ ports.ActionExecutor = (*ShellExecutor)(nil)
