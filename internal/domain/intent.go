// Package domain defines the core entities and value objects of sidekick.
//
// The types here are the data contract between classification, execution,
// storage and the UI-facing projections. The package holds no I/O and only the
// small amount of logic needed to keep the entities valid (status transitions,
// ring-buffer capacity, cloning).
package domain

import "strings"

// IntentKind is the closed-ish tag used for executor dispatch and UI routing.
type IntentKind string

const (
	IntentOpenApp   IntentKind = "open_app"
	IntentSummarize IntentKind = "summarize"
	IntentSearch    IntentKind = "search"
	IntentType      IntentKind = "type"
	IntentFetchData IntentKind = "fetch_data"
	IntentSchedule  IntentKind = "schedule"
	IntentUnknown   IntentKind = "unknown"
)

var knownIntentKinds = map[IntentKind]bool{
	IntentOpenApp:   true,
	IntentSummarize: true,
	IntentSearch:    true,
	IntentType:      true,
	IntentFetchData: true,
	IntentSchedule:  true,
	IntentUnknown:   true,
}

// ActionableIntentKinds lists every kind an executor can be routed to.
func ActionableIntentKinds() []IntentKind {
	return []IntentKind{IntentOpenApp, IntentSummarize, IntentSearch, IntentType, IntentFetchData, IntentSchedule}
}

// Valid reports whether k is one of the known kinds.
func (k IntentKind) Valid() bool {
	return knownIntentKinds[k]
}

// ParseIntentKind normalises free-form classifier output into a known kind.
// Anything unrecognised maps to IntentUnknown.
func ParseIntentKind(raw string) IntentKind {
	kind := IntentKind(strings.ToLower(strings.TrimSpace(raw)))
	kind = IntentKind(strings.ReplaceAll(string(kind), "-", "_"))
	if kind.Valid() {
		return kind
	}
	return IntentUnknown
}

// Intent is the structured representation of what a command asks for.
// It is produced once by a classifier and never modified afterwards.
type Intent struct {
	Kind       IntentKind     `json:"kind" bson:"kind"`
	Action     string         `json:"action" bson:"action"`
	Target     *string        `json:"target" bson:"target"`
	Parameters map[string]any `json:"parameters" bson:"parameters"`
}

// TargetOr returns the target, or def when the intent has none.
func (i Intent) TargetOr(def string) string {
	if i.Target == nil {
		return def
	}
	return *i.Target
}

// Param returns a string parameter, or "" when absent or not a string.
func (i Intent) Param(key string) string {
	if i.Parameters == nil {
		return ""
	}
	if v, ok := i.Parameters[key].(string); ok {
		return v
	}
	return ""
}

// Clone returns a deep-enough copy: the target pointer and the parameter map
// are not shared with the receiver.
func (i Intent) Clone() Intent {
	out := Intent{Kind: i.Kind, Action: i.Action}
	if i.Target != nil {
		target := *i.Target
		out.Target = &target
	}
	if i.Parameters != nil {
		out.Parameters = cloneMap(i.Parameters)
	}
	return out
}

// Summary renders a short single-line description, used for the action feed.
func (i Intent) Summary() string {
	action := strings.TrimSpace(i.Action)
	if action == "" {
		action = string(i.Kind)
	}
	action = strings.ReplaceAll(action, "_", " ")
	if i.Target != nil && strings.TrimSpace(*i.Target) != "" {
		return action + ": " + strings.TrimSpace(*i.Target)
	}
	return action
}

// StringPtr is a small helper for building intents with a target.
func StringPtr(s string) *string {
	return &s
}

// UnknownIntent is the intent recorded when classification produced nothing usable.
func UnknownIntent() Intent {
	return Intent{Kind: IntentUnknown, Action: "unknown", Parameters: map[string]any{}}
}

func cloneMap(in map[string]any) map[string]any {
	out := make(map[string]any, len(in))
	for k, v := range in {
		switch typed := v.(type) {
		case map[string]any:
			out[k] = cloneMap(typed)
		case []any:
			cp := make([]any, len(typed))
			copy(cp, typed)
			out[k] = cp
		default:
			out[k] = v
		}
	}
	return out
}
