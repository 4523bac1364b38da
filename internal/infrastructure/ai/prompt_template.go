package ai

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"text/template"

	"github.com/doeshing/sidekick/internal/domain"
	"github.com/doeshing/sidekick/internal/ports"
)

// renderPromptMessages expands the model's prompt templates with the
// utterance and ensures a user message exists.
func renderPromptMessages(model domain.ModelDefinition, text string) ([]domain.PromptMessage, error) {
	data := templateData{
		Prompt: strings.TrimSpace(text),
		Kinds:  kindList(),
	}
	messages := model.Prompt
	if len(messages) == 0 {
		messages = defaultTemplateMessages()
	}

	rendered := make([]domain.PromptMessage, 0, len(messages)+1)
	for _, msg := range messages {
		content, err := executeTemplate(msg.Content, data)
		if err != nil {
			return nil, err
		}
		rendered = append(rendered, domain.PromptMessage{
			Role:    msg.Role,
			Content: strings.TrimSpace(content),
		})
	}

	if !hasUserMessage(rendered) {
		rendered = append(rendered, domain.PromptMessage{Role: "user", Content: data.Prompt})
	}
	return rendered, nil
}

type templateData struct {
	Prompt string
	Kinds  string
}

func kindList() string {
	kinds := []domain.IntentKind{
		domain.IntentOpenApp,
		domain.IntentSummarize,
		domain.IntentSearch,
		domain.IntentType,
		domain.IntentFetchData,
		domain.IntentSchedule,
		domain.IntentUnknown,
	}
	names := make([]string, len(kinds))
	for i, kind := range kinds {
		names[i] = string(kind)
	}
	return strings.Join(names, ", ")
}

func executeTemplate(raw string, data templateData) (string, error) {
	tmpl, err := template.New("prompt").Parse(raw)
	if err != nil {
		return "", err
	}
	var buf bytes.Buffer
	if err := tmpl.Execute(&buf, data); err != nil {
		return "", err
	}
	return buf.String(), nil
}

func hasUserMessage(messages []domain.PromptMessage) bool {
	for _, msg := range messages {
		if strings.EqualFold(msg.Role, "user") {
			return true
		}
	}
	return false
}

func defaultTemplateMessages() []domain.PromptMessage {
	return []domain.PromptMessage{
		{
			Role: "system",
			Content: `You are a desktop assistant that turns one user request into a structured intent.
Reply with a single JSON object and nothing else:
{"kind": "<one of: {{.Kinds}}>", "action": "<short snake_case verb>", "target": "<main object or null>", "parameters": {}, "reply": "<one friendly sentence confirming what you will do>"}
Use "unknown" when the request does not fit any kind.`,
		},
		{
			Role:    "user",
			Content: "{{.Prompt}}",
		},
	}
}

// intentPayload is the JSON object the prompt asks models to produce.
type intentPayload struct {
	Kind       string         `json:"kind"`
	Action     string         `json:"action"`
	Target     *string        `json:"target"`
	Parameters map[string]any `json:"parameters"`
	Reply      string         `json:"reply"`
}

var errNoIntent = errors.New("response contains no intent object")

// parseClassification pulls the intent object out of a model reply, which
// may wrap it in a code fence or surrounding prose.
func parseClassification(content string) (ports.Classification, error) {
	raw := extractJSONObject(content)
	if raw == "" {
		return ports.Classification{}, fmt.Errorf("%w: %s", errNoIntent, snippet([]byte(content)))
	}
	var payload intentPayload
	if err := json.Unmarshal([]byte(raw), &payload); err != nil {
		return ports.Classification{}, fmt.Errorf("decode intent: %w", err)
	}

	intent := domain.Intent{
		Kind:       domain.ParseIntentKind(payload.Kind),
		Action:     strings.TrimSpace(payload.Action),
		Parameters: payload.Parameters,
	}
	if payload.Target != nil {
		if target := strings.TrimSpace(*payload.Target); target != "" && !strings.EqualFold(target, "null") {
			intent.Target = &target
		}
	}
	if intent.Action == "" {
		intent.Action = string(intent.Kind)
	}
	if intent.Parameters == nil {
		intent.Parameters = map[string]any{}
	}
	return ports.Classification{Intent: intent, Reply: strings.TrimSpace(payload.Reply)}, nil
}

func extractJSONObject(content string) string {
	if block := extractCodeBlock(content); block != "" {
		content = block
	}
	start := strings.Index(content, "{")
	end := strings.LastIndex(content, "}")
	if start == -1 || end <= start {
		return ""
	}
	return content[start : end+1]
}

func extractCodeBlock(content string) string {
	start := strings.Index(content, "```")
	if start == -1 {
		return ""
	}
	suffix := content[start+3:]
	end := strings.Index(suffix, "```")
	if end == -1 {
		return ""
	}

	block := suffix[:end]
	lines := strings.Split(block, "\n")
	if len(lines) > 0 && strings.HasPrefix(strings.TrimSpace(lines[0]), "json") {
		lines = lines[1:]
	}
	return strings.TrimSpace(strings.Join(lines, "\n"))
}
