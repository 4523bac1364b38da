package executor

import (
	"context"
	"fmt"
	"os/exec"
	"runtime"
	"strings"

	"github.com/doeshing/sidekick/internal/domain"
	"github.com/doeshing/sidekick/internal/ports"
)

type clipboardTool struct {
	name string
	args []string
}

// ClipboardExecutor handles type intents by putting the text on the system
// clipboard, ready to paste.
type ClipboardExecutor struct {
	tools    []clipboardTool
	lookPath func(string) (string, error)
}

// NewClipboardExecutor picks the clipboard tools for the running platform.
func NewClipboardExecutor() *ClipboardExecutor {
	return &ClipboardExecutor{tools: clipboardTools(runtime.GOOS), lookPath: exec.LookPath}
}

func clipboardTools(goos string) []clipboardTool {
	switch goos {
	case "darwin":
		return []clipboardTool{{name: "pbcopy"}}
	case "linux":
		return []clipboardTool{
			{name: "wl-copy"},
			{name: "xclip", args: []string{"-selection", "clipboard"}},
			{name: "xsel", args: []string{"--clipboard", "--input"}},
		}
	default:
		return nil
	}
}

// Enabled reports whether the platform has clipboard tools at all.
func (c *ClipboardExecutor) Enabled() bool {
	return len(c.tools) > 0
}

// Execute implements ports.ActionExecutor.
func (c *ClipboardExecutor) Execute(ctx context.Context, intent domain.Intent) (domain.CommandResult, error) {
	text := intent.TargetOr("")
	if text == "" {
		text = intent.Param("text")
	}
	if strings.TrimSpace(text) == "" {
		return domain.CommandResult{}, &domain.ExecutionError{Kind: intent.Kind, Err: fmt.Errorf("%w: nothing to type", domain.ErrInvalidInput)}
	}

	for _, tool := range c.tools {
		path, err := c.lookPath(tool.name)
		if err != nil {
			continue
		}
		cmd := exec.CommandContext(ctx, path, tool.args...)
		cmd.Stdin = strings.NewReader(text)
		if out, err := cmd.CombinedOutput(); err != nil {
			return domain.CommandResult{}, &domain.ExecutionError{
				Kind: intent.Kind,
				Err:  fmt.Errorf("%s: %w: %s", tool.name, err, strings.TrimSpace(string(out))),
			}
		}
		return domain.CommandResult{
			Output: "Copied to the clipboard, ready to paste.",
			Data:   map[string]any{"tool": tool.name, "chars": len([]rune(text))},
		}, nil
	}
	return domain.CommandResult{}, &domain.ExecutionError{Kind: intent.Kind, Err: fmt.Errorf("clipboard utilities not found on %s", runtime.GOOS)}
}

var _ ports.ActionExecutor = (*ClipboardExecutor)(nil)
