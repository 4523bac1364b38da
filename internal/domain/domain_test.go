package domain

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
)

func TestCanTransitionTo(t *testing.T) {
	tests := []struct {
		from, to CommandStatus
		want     bool
	}{
		{StatusPending, StatusRunning, true},
		{StatusPending, StatusFailed, true},
		{StatusPending, StatusCompleted, false},
		{StatusRunning, StatusCompleted, true},
		{StatusRunning, StatusFailed, true},
		{StatusRunning, StatusPending, false},
		{StatusCompleted, StatusFailed, false},
		{StatusFailed, StatusRunning, false},
	}
	for _, tt := range tests {
		if got := tt.from.CanTransitionTo(tt.to); got != tt.want {
			t.Errorf("%s -> %s = %v, want %v", tt.from, tt.to, got, tt.want)
		}
	}
}

func TestValidateTransition(t *testing.T) {
	now := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	pending := NewCommandRecord("c1", "open notes", Intent{Kind: IntentOpenApp}, "ok", now)
	running := pending
	running.Status = StatusRunning
	completed := running
	completed.Status = StatusCompleted
	completed.Result = &CommandResult{Output: "done"}

	tests := []struct {
		name       string
		prev, next CommandRecord
		wantErr    bool
	}{
		{"claim", pending, running, false},
		{"finish", running, completed, false},
		{"same status edit", pending, pending, false},
		{"skip running", pending, completed, true},
		{"after terminal", completed, completed, true},
		{"id change", pending, func() CommandRecord { r := running; r.ID = "c2"; return r }(), true},
		{"unknown status", pending, func() CommandRecord { r := pending; r.Status = "paused"; return r }(), true},
		{"result before terminal", pending, func() CommandRecord { r := running; r.Result = &CommandResult{}; return r }(), true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateTransition(tt.prev, tt.next)
			if tt.wantErr != (err != nil) {
				t.Fatalf("ValidateTransition() error = %v, wantErr %v", err, tt.wantErr)
			}
			if err != nil && !errors.Is(err, ErrInvalidTransition) {
				t.Fatalf("error %v does not wrap ErrInvalidTransition", err)
			}
		})
	}
}

func TestRecordCloneIsIndependent(t *testing.T) {
	rec := NewCommandRecord("c1", "search cats", Intent{
		Kind:       IntentSearch,
		Target:     StringPtr("cats"),
		Parameters: map[string]any{"filters": map[string]any{"safe": true}},
	}, "Searching", time.Now())
	rec.Result = &CommandResult{Data: map[string]any{"hits": []any{1, 2}}}

	cp := rec.Clone()
	*cp.Intent.Target = "dogs"
	cp.Intent.Parameters["filters"].(map[string]any)["safe"] = false
	cp.Result.Data["hits"].([]any)[0] = 9

	if rec.Intent.TargetOr("") != "cats" {
		t.Fatalf("target shared: %s", rec.Intent.TargetOr(""))
	}
	if rec.Intent.Parameters["filters"].(map[string]any)["safe"] != true {
		t.Fatal("nested parameters shared")
	}
	if rec.Result.Data["hits"].([]any)[0] != 1 {
		t.Fatal("result data shared")
	}
}

func TestParseIntentKind(t *testing.T) {
	tests := map[string]IntentKind{
		"open_app":   IntentOpenApp,
		" Open-App ": IntentOpenApp,
		"FETCH_DATA": IntentFetchData,
		"schedule":   IntentSchedule,
		"dance":      IntentUnknown,
		"":           IntentUnknown,
	}
	for raw, want := range tests {
		if got := ParseIntentKind(raw); got != want {
			t.Errorf("ParseIntentKind(%q) = %s, want %s", raw, got, want)
		}
	}
}

func TestIntentSummaryAndParams(t *testing.T) {
	tests := []struct {
		intent Intent
		want   string
	}{
		{Intent{Kind: IntentOpenApp, Action: "open_app", Target: StringPtr(" Calculator ")}, "open app: Calculator"},
		{Intent{Kind: IntentSummarize}, "summarize"},
		{Intent{Kind: IntentSearch, Action: "web_search", Target: StringPtr("  ")}, "web search"},
		{UnknownIntent(), "unknown"},
	}
	for _, tt := range tests {
		if got := tt.intent.Summary(); got != tt.want {
			t.Errorf("Summary() = %q, want %q", got, tt.want)
		}
	}

	in := Intent{Parameters: map[string]any{"when": "tomorrow", "count": 3}}
	if in.Param("when") != "tomorrow" || in.Param("count") != "" || in.Param("missing") != "" {
		t.Fatalf("Param() lookups wrong: %v", in.Parameters)
	}
	if (Intent{}).TargetOr("fallback") != "fallback" {
		t.Fatal("TargetOr default not used")
	}
}

func TestErrorsUnwrapToSentinelAndCause(t *testing.T) {
	cause := context.DeadlineExceeded
	classify := error(&ClassificationError{Provider: "openai:gpt", Err: cause})
	execute := error(&ExecutionError{Kind: IntentType, Err: cause})

	for _, err := range []error{classify, execute} {
		if !errors.Is(err, cause) {
			t.Errorf("%v does not wrap its cause", err)
		}
	}
	if !errors.Is(classify, ErrClassification) || errors.Is(classify, ErrExecution) {
		t.Errorf("classification error sentinel wrong: %v", classify)
	}
	if !errors.Is(execute, ErrExecution) {
		t.Errorf("execution error sentinel wrong: %v", execute)
	}
	if got := classify.Error(); got != "classification failed (openai:gpt): context deadline exceeded" {
		t.Errorf("Error() = %q", got)
	}
	if !errors.Is(NotFound("x"), ErrNotFound) {
		t.Error("NotFound should wrap ErrNotFound")
	}
}

func TestActionLogEntryLabel(t *testing.T) {
	now := time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)
	tests := []struct {
		at   time.Time
		want string
	}{
		{time.Time{}, ""},
		{now.Add(-3 * time.Second), "just now"},
		{now.Add(-5 * time.Minute), "5 minutes ago"},
		{now.Add(-2 * time.Hour), "2 hours ago"},
	}
	for _, tt := range tests {
		if got := (ActionLogEntry{At: tt.at}).Label(now); got != tt.want {
			t.Errorf("Label(%v) = %q, want %q", tt.at, got, tt.want)
		}
	}
}

func TestClassifierChain(t *testing.T) {
	cfg := Config{
		Classifier: ClassifierSettings{DefaultModel: "claude", FallbackModels: []string{"claude", "missing", "heuristic", "heuristic"}},
		Models:     []ModelDefinition{{Name: "heuristic"}, {Name: "claude"}},
	}
	chain, err := cfg.ClassifierChain()
	if err != nil {
		t.Fatalf("ClassifierChain() error = %v", err)
	}
	var names []string
	for _, model := range chain {
		names = append(names, model.Name)
	}
	if diff := cmp.Diff([]string{"claude", "heuristic"}, names); diff != "" {
		t.Fatalf("chain mismatch (-want +got):\n%s", diff)
	}

	cfg.Classifier.DefaultModel = "gpt"
	if _, err := cfg.ClassifierChain(); err == nil {
		t.Fatal("unknown default model should fail")
	}
}

func TestHealthReportFailed(t *testing.T) {
	report := HealthReport{Checks: []HealthCheck{{Status: HealthOK}, {Status: HealthWarn}}}
	if report.Failed() {
		t.Fatal("warnings should not fail")
	}
	report.Checks = append(report.Checks, HealthCheck{Status: HealthError})
	if !report.Failed() {
		t.Fatal("error check should fail")
	}
}
