package executor

import (
	"fmt"
	"regexp"

	"github.com/doeshing/sidekick/internal/domain"
)

// Guard refuses rendered shell commands that match a deny rule. Commands
// run unattended, so a match always blocks.
type Guard struct {
	rules []compiledRule
}

type compiledRule struct {
	re   *regexp.Regexp
	rule domain.GuardrailRule
}

// BlockedError reports the rule a command tripped.
type BlockedError struct {
	Command string
	Rule    domain.GuardrailRule
}

func (e *BlockedError) Error() string {
	return fmt.Sprintf("blocked %q: %s", e.Command, e.Rule.Message)
}

// NewGuard compiles rules; an empty list uses DefaultGuardrails.
func NewGuard(rules []domain.GuardrailRule) (*Guard, error) {
	if len(rules) == 0 {
		rules = DefaultGuardrails()
	}
	compiled := make([]compiledRule, 0, len(rules))
	for _, rule := range rules {
		re, err := regexp.Compile(rule.Pattern)
		if err != nil {
			return nil, fmt.Errorf("%w: guardrail pattern %q: %v", domain.ErrInvalidInput, rule.Pattern, err)
		}
		compiled = append(compiled, compiledRule{re: re, rule: rule})
	}
	return &Guard{rules: compiled}, nil
}

// Check returns a *BlockedError for the first rule command matches.
func (g *Guard) Check(command string) error {
	if g == nil {
		return nil
	}
	for _, r := range g.rules {
		if r.re.MatchString(command) {
			return &BlockedError{Command: command, Rule: r.rule}
		}
	}
	return nil
}

// DefaultGuardrails covers the destructive commands a template should never
// produce.
func DefaultGuardrails() []domain.GuardrailRule {
	return []domain.GuardrailRule{
		{Pattern: `rm\s+-[a-zA-Z]*r[a-zA-Z]*f?\s+(/|~|\$HOME)(\s|$)`, Message: "recursive delete of root or home"},
		{Pattern: `dd\s+if=`, Message: "raw disk write"},
		{Pattern: `mkfs\.`, Message: "formatting a filesystem"},
		{Pattern: `>\s*/dev/(sd[a-z]|nvme|disk)`, Message: "writing to a block device"},
		{Pattern: `(curl|wget)[^|]*\|\s*(sudo\s+)?(ba|z)?sh`, Message: "piping a remote script to a shell"},
		{Pattern: `:\(\)\s*\{\s*:\|:&\s*\};:`, Message: "fork bomb"},
	}
}
