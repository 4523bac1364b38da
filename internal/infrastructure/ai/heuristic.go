package ai

import (
	"context"
	"regexp"
	"strings"

	"github.com/doeshing/sidekick/internal/domain"
	"github.com/doeshing/sidekick/internal/ports"
)

// Heuristic classifies with keyword rules. It needs no credentials or
// network and is the default when no model is configured.
type Heuristic struct{}

// NewHeuristic returns the offline classifier.
func NewHeuristic() *Heuristic {
	return &Heuristic{}
}

func (*Heuristic) Name() string {
	return "heuristic"
}

type rule struct {
	kind     domain.IntentKind
	action   string
	prefixes []string
	keywords []string
	reply    func(target string, params map[string]any) string
}

var whenPattern = regexp.MustCompile(`\b(today|tonight|tomorrow|next week|next month|this (?:morning|afternoon|evening)|on (?:monday|tuesday|wednesday|thursday|friday|saturday|sunday)|at \d{1,2}(?::\d{2})?\s*(?:am|pm)?)\b`)

var rules = []rule{
	{
		kind:     domain.IntentSchedule,
		action:   "schedule_event",
		prefixes: []string{"schedule ", "remind me to ", "remind me ", "book ", "set up "},
		keywords: []string{"schedule", "meeting", "appointment", "remind", "calendar"},
		reply: func(target string, params map[string]any) string {
			when, _ := params["when"].(string)
			if when == "" {
				return "Okay, I've scheduled " + target + "."
			}
			return "Okay, I've scheduled " + target + " for " + when + "."
		},
	},
	{
		kind:     domain.IntentOpenApp,
		action:   "open_app",
		prefixes: []string{"open ", "launch ", "start "},
		reply: func(target string, _ map[string]any) string {
			return "Opening " + target + "."
		},
	},
	{
		kind:     domain.IntentSummarize,
		action:   "summarize",
		prefixes: []string{"summarize ", "summarise ", "give me a summary of ", "tl;dr "},
		keywords: []string{"summarize", "summarise", "summary", "tl;dr"},
		reply: func(target string, _ map[string]any) string {
			return "Summarizing " + target + "."
		},
	},
	{
		kind:     domain.IntentSearch,
		action:   "web_search",
		prefixes: []string{"search for ", "search ", "look up ", "google ", "find "},
		reply: func(target string, _ map[string]any) string {
			return "Searching for " + target + "."
		},
	},
	{
		kind:     domain.IntentType,
		action:   "type_text",
		prefixes: []string{"type ", "write ", "dictate "},
		reply: func(string, map[string]any) string {
			return "Typing that out for you."
		},
	},
	{
		kind:     domain.IntentFetchData,
		action:   "fetch_data",
		prefixes: []string{"fetch ", "get me ", "show me ", "what's the ", "what is the "},
		keywords: []string{"weather", "stock", "price", "news", "forecast"},
		reply: func(target string, _ map[string]any) string {
			return "Fetching " + target + "."
		},
	},
}

// Classify implements ports.IntentClassifier. Prefix rules are tried
// before keyword rules so "open the calendar" opens an app.
func (*Heuristic) Classify(_ context.Context, text string) (ports.Classification, error) {
	original := strings.TrimSpace(text)
	lower := strings.ToLower(original)

	for _, byPrefix := range []bool{true, false} {
		for _, r := range rules {
			target, ok := r.match(lower, original, byPrefix)
			if ok {
				return r.classify(target, original), nil
			}
		}
	}

	return ports.Classification{
		Intent: domain.UnknownIntent(),
		Reply:  "I'm not sure how to help with that yet.",
	}, nil
}

func (r rule) classify(target, original string) ports.Classification {
	params := map[string]any{}
	if r.kind == domain.IntentSchedule {
		lowerTarget := strings.ToLower(target)
		if loc := whenPattern.FindStringIndex(lowerTarget); loc != nil && len(lowerTarget) == len(target) {
			params["when"] = lowerTarget[loc[0]:loc[1]]
			target = strings.TrimSpace(target[:loc[0]] + target[loc[1]:])
		}
	}
	if target == "" {
		target = original
	}
	intent := domain.Intent{
		Kind:       r.kind,
		Action:     r.action,
		Target:     domain.StringPtr(target),
		Parameters: params,
	}
	return ports.Classification{Intent: intent, Reply: r.reply(target, params)}
}

func (r rule) match(lower, original string, byPrefix bool) (string, bool) {
	if byPrefix {
		src := original
		if len(src) != len(lower) {
			src = lower
		}
		for _, prefix := range r.prefixes {
			if strings.HasPrefix(lower, prefix) {
				return strings.TrimSpace(src[len(prefix):]), true
			}
		}
		return "", false
	}
	for _, keyword := range r.keywords {
		if containsWord(lower, keyword) {
			return original, true
		}
	}
	return "", false
}

func containsWord(text, word string) bool {
	for _, field := range strings.FieldsFunc(text, func(r rune) bool {
		return r == ' ' || r == ',' || r == '.' || r == '?' || r == '!'
	}) {
		if field == word || strings.HasPrefix(field, word) {
			return true
		}
	}
	return false
}

var _ ports.IntentClassifier = (*Heuristic)(nil)
