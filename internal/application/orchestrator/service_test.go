package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"go.uber.org/goleak"

	"github.com/doeshing/sidekick/internal/application/notify"
	"github.com/doeshing/sidekick/internal/domain"
	"github.com/doeshing/sidekick/internal/infrastructure/store"
	"github.com/doeshing/sidekick/internal/pkg/logger"
	"github.com/doeshing/sidekick/internal/ports"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

type fixture struct {
	svc      *Service
	store    *store.MemoryStore
	notifier *notify.Notifier
	journal  *stubJournal
	executor *stubExecutor
}

func newFixture(t *testing.T, classifier ports.IntentClassifier, executor *stubExecutor) *fixture {
	t.Helper()
	st := store.NewMemoryStore()
	n := notify.New(st, logger.NewNop())
	journal := &stubJournal{}
	svc, err := New(Dependencies{
		Classifier: classifier,
		Executor:   executor,
		Store:      st,
		Notifier:   n,
		Journal:    journal,
		Logger:     logger.NewNop(),
	})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	t.Cleanup(func() {
		executor.release()
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		if err := svc.Close(ctx); err != nil {
			t.Errorf("Close() error = %v", err)
		}
		n.Close()
		st.Close()
	})
	return &fixture{svc: svc, store: st, notifier: n, journal: journal, executor: executor}
}

func wait(t *testing.T, h *Handle) domain.CommandRecord {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	rec, err := h.Wait(ctx)
	if err != nil {
		t.Fatalf("Wait(%s) error = %v (latest %+v)", h.ID(), err, rec)
	}
	return rec
}

func TestSubmitReturnsPendingRecordBeforeExecution(t *testing.T) {
	executor := newStubExecutor(true)
	f := newFixture(t, openAppClassifier{}, executor)

	handle, err := f.svc.Submit(context.Background(), "  open calculator  ")
	if err != nil {
		t.Fatalf("Submit() error = %v", err)
	}
	initial := handle.Initial()
	if initial.Status != domain.StatusPending {
		t.Fatalf("Initial().Status = %s, want pending", initial.Status)
	}
	if initial.Text != "open calculator" {
		t.Fatalf("Initial().Text = %q, want trimmed text", initial.Text)
	}
	stored, err := f.store.Get(context.Background(), handle.ID())
	if err != nil {
		t.Fatalf("record not persisted on return: %v", err)
	}
	if stored.Status.Terminal() {
		t.Fatalf("record finished before executor was released: %s", stored.Status)
	}

	executor.release()
	final := wait(t, handle)
	if final.Status != domain.StatusCompleted {
		t.Fatalf("final status = %s, want completed", final.Status)
	}
	if final.Result == nil || final.Result.Output != "opened Calculator" {
		t.Fatalf("final result = %+v", final.Result)
	}
}

func TestSubmitRejectsBlankText(t *testing.T) {
	f := newFixture(t, openAppClassifier{}, newStubExecutor(false))

	_, err := f.svc.Submit(context.Background(), "   ")
	if !errors.Is(err, domain.ErrInvalidInput) {
		t.Fatalf("Submit() error = %v, want ErrInvalidInput", err)
	}
	records, err := f.store.List(context.Background(), domain.CommandQuery{})
	if err != nil {
		t.Fatalf("List() error = %v", err)
	}
	if len(records) != 0 {
		t.Fatalf("records = %d, want 0", len(records))
	}
	if got := f.journal.messageCount(); got != 0 {
		t.Fatalf("journal messages = %d, want 0", got)
	}
}

func TestStatusSequenceFollowsLegalPath(t *testing.T) {
	executor := newStubExecutor(true)
	f := newFixture(t, openAppClassifier{}, executor)

	handle, err := f.svc.Submit(context.Background(), "open calculator")
	if err != nil {
		t.Fatalf("Submit() error = %v", err)
	}
	var mu sync.Mutex
	var seen []domain.CommandStatus
	sub, err := handle.Subscribe(context.Background(), func(rec domain.CommandRecord) {
		mu.Lock()
		seen = append(seen, rec.Status)
		mu.Unlock()
	})
	if err != nil {
		t.Fatalf("Subscribe() error = %v", err)
	}
	executor.release()
	wait(t, handle)
	<-sub.Done()

	mu.Lock()
	defer mu.Unlock()
	legal := []domain.CommandStatus{domain.StatusPending, domain.StatusRunning, domain.StatusCompleted}
	if !isSubsequence(seen, legal) || seen[len(seen)-1] != domain.StatusCompleted {
		t.Fatalf("status sequence %v is not a suffix-complete subsequence of %v", seen, legal)
	}
}

func TestClassificationFailureFailsRecord(t *testing.T) {
	executor := newStubExecutor(false)
	f := newFixture(t, failingClassifier{}, executor)

	handle, err := f.svc.Submit(context.Background(), "asdkjhaskjdh")
	if err != nil {
		t.Fatalf("Submit() error = %v", err)
	}
	if handle.Initial().Status != domain.StatusPending {
		t.Fatalf("Initial().Status = %s, want pending", handle.Initial().Status)
	}
	final := wait(t, handle)
	if final.Status != domain.StatusFailed {
		t.Fatalf("final status = %s, want failed", final.Status)
	}
	if final.Result == nil || !strings.Contains(final.Result.Error, "model unavailable") {
		t.Fatalf("final result = %+v, want classification error", final.Result)
	}
	if final.ResponseText != domain.FailureResponse {
		t.Fatalf("responseText = %q", final.ResponseText)
	}
	if executor.callCount() != 0 {
		t.Fatalf("executor called %d times, want 0", executor.callCount())
	}
	if diff := cmp.Diff([]string{"user:asdkjhaskjdh", "assistant:" + domain.FailureResponse}, f.journal.messageLog()); diff != "" {
		t.Fatalf("journal mismatch (-want +got):\n%s", diff)
	}
	if got := f.journal.actionCount(); got != 1 {
		t.Fatalf("actions = %d, want exactly 1", got)
	}
}

func TestExecutionFailureFailsRecord(t *testing.T) {
	executor := newStubExecutor(false)
	executor.err = &domain.ExecutionError{Kind: domain.IntentOpenApp, Err: errors.New("no such app")}
	f := newFixture(t, openAppClassifier{}, executor)

	handle, err := f.svc.Submit(context.Background(), "open calculator")
	if err != nil {
		t.Fatalf("Submit() error = %v", err)
	}
	final := wait(t, handle)
	if final.Status != domain.StatusFailed || final.Result == nil || !strings.Contains(final.Result.Error, "no such app") {
		t.Fatalf("final = %+v", final)
	}
	if final.ResponseText != domain.FailureResponse {
		t.Fatalf("responseText = %q, want failure response", final.ResponseText)
	}
}

func TestConcurrentSubmitsAreIsolated(t *testing.T) {
	f := newFixture(t, openAppClassifier{}, newStubExecutor(false))

	const n = 10
	handles := make([]*Handle, n)
	var wg sync.WaitGroup
	errs := make(chan error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			h, err := f.svc.Submit(context.Background(), fmt.Sprintf("open app %d", i))
			if err != nil {
				errs <- err
				return
			}
			handles[i] = h
		}(i)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Fatalf("Submit() error = %v", err)
	}

	ids := map[string]bool{}
	for i, h := range handles {
		final := wait(t, h)
		if final.Text != fmt.Sprintf("open app %d", i) {
			t.Fatalf("handle %d got record for %q", i, final.Text)
		}
		if ids[final.ID] {
			t.Fatalf("duplicate id %s", final.ID)
		}
		ids[final.ID] = true
	}
	if got := f.executor.callCount(); got != n {
		t.Fatalf("executor calls = %d, want %d", got, n)
	}
}

func TestIdenticalSubmissionsStayIndependent(t *testing.T) {
	f := newFixture(t, openAppClassifier{}, newStubExecutor(false))

	a, err := f.svc.Submit(context.Background(), "open calculator")
	if err != nil {
		t.Fatalf("Submit() error = %v", err)
	}
	b, err := f.svc.Submit(context.Background(), "open calculator")
	if err != nil {
		t.Fatalf("Submit() error = %v", err)
	}
	if a.ID() == b.ID() {
		t.Fatal("identical submissions share an id")
	}
	wait(t, a)
	wait(t, b)
}

func TestDispatchExecutesAtMostOnce(t *testing.T) {
	executor := newStubExecutor(false)
	f := newFixture(t, openAppClassifier{}, executor)

	rec := domain.NewCommandRecord("pending-1", "open calculator", openAppIntent(), "Opening.", time.Now())
	if err := f.store.Create(context.Background(), rec); err != nil {
		t.Fatalf("Create() error = %v", err)
	}

	var wg sync.WaitGroup
	handles := make(chan *Handle, 4)
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if h, err := f.svc.Dispatch(context.Background(), rec.ID); err == nil {
				handles <- h
			}
		}()
	}
	wg.Wait()
	close(handles)

	for h := range handles {
		wait(t, h)
	}
	if got := executor.callCount(); got != 1 {
		t.Fatalf("executor calls = %d, want 1", got)
	}
	if _, err := f.svc.Dispatch(context.Background(), rec.ID); !errors.Is(err, domain.ErrAlreadyStarted) {
		t.Fatalf("Dispatch() on completed record error = %v, want ErrAlreadyStarted", err)
	}
	if _, err := f.svc.Dispatch(context.Background(), "missing"); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("Dispatch() on missing record error = %v, want ErrNotFound", err)
	}
}

func TestRecoverDispatchesPendingAndInterruptsRunning(t *testing.T) {
	executor := newStubExecutor(false)
	f := newFixture(t, openAppClassifier{}, executor)
	ctx := context.Background()

	pending := domain.NewCommandRecord("pending", "open calculator", openAppIntent(), "Opening.", time.Now())
	running := domain.NewCommandRecord("running", "open notes", openAppIntent(), "Opening.", time.Now())
	for _, rec := range []domain.CommandRecord{pending, running} {
		if err := f.store.Create(ctx, rec); err != nil {
			t.Fatalf("Create() error = %v", err)
		}
	}
	if _, err := f.store.Update(ctx, running.ID, func(r *domain.CommandRecord) error {
		r.Status = domain.StatusRunning
		return nil
	}); err != nil {
		t.Fatalf("Update() error = %v", err)
	}

	report, err := f.svc.Recover(ctx)
	if err != nil {
		t.Fatalf("Recover() error = %v", err)
	}
	if diff := cmp.Diff(RecoverReport{Dispatched: 1, Interrupted: 1}, report); diff != "" {
		t.Fatalf("report mismatch (-want +got):\n%s", diff)
	}

	interrupted, err := f.store.Get(ctx, running.ID)
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if interrupted.Status != domain.StatusFailed || interrupted.ResponseText != domain.InterruptedResponse {
		t.Fatalf("interrupted record = %+v", interrupted)
	}

	ctxWait, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	if err := f.svc.Close(ctxWait); err != nil {
		t.Fatalf("Close() error = %v", err)
	}
	if got := executor.callCount(); got != 1 {
		t.Fatalf("executor calls = %d, want 1 (running record must not re-execute)", got)
	}
	done, err := f.store.Get(ctx, pending.ID)
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if done.Status != domain.StatusCompleted {
		t.Fatalf("recovered pending record status = %s", done.Status)
	}
}

func TestCloseWaitsForInflightWork(t *testing.T) {
	executor := newStubExecutor(true)
	f := newFixture(t, openAppClassifier{}, executor)

	if _, err := f.svc.Submit(context.Background(), "open calculator"); err != nil {
		t.Fatalf("Submit() error = %v", err)
	}
	executor.waitStarted(t)

	short, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if err := f.svc.Close(short); err == nil {
		t.Fatal("Close() returned before the blocked command finished")
	}

	if _, err := f.svc.Submit(context.Background(), "open notes"); !errors.Is(err, domain.ErrClosed) {
		t.Fatalf("Submit() after Close error = %v, want ErrClosed", err)
	}

	executor.release()
	ctx, cancelWait := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancelWait()
	if err := f.svc.Close(ctx); err != nil {
		t.Fatalf("Close() error = %v", err)
	}
}

func TestNewRejectsMissingDependencies(t *testing.T) {
	if _, err := New(Dependencies{}); err == nil {
		t.Fatal("New() with no dependencies should fail")
	}
}

func isSubsequence(seq, of []domain.CommandStatus) bool {
	i := 0
	for _, s := range seq {
		for i < len(of) && of[i] != s {
			i++
		}
		if i == len(of) {
			return false
		}
		i++
	}
	return true
}

func openAppIntent() domain.Intent {
	return domain.Intent{Kind: domain.IntentOpenApp, Action: "open_app", Target: domain.StringPtr("Calculator")}
}

type openAppClassifier struct{}

func (openAppClassifier) Name() string { return "stub" }
func (openAppClassifier) Classify(context.Context, string) (ports.Classification, error) {
	return ports.Classification{Intent: openAppIntent(), Reply: "Opening Calculator."}, nil
}

type failingClassifier struct{}

func (failingClassifier) Name() string { return "failing" }
func (failingClassifier) Classify(context.Context, string) (ports.Classification, error) {
	return ports.Classification{}, &domain.ClassificationError{Provider: "failing", Err: errors.New("model unavailable")}
}

type stubExecutor struct {
	gate    chan struct{}
	once    sync.Once
	started chan struct{}
	calls   atomic.Int32
	err     error
}

func newStubExecutor(blocking bool) *stubExecutor {
	e := &stubExecutor{gate: make(chan struct{}), started: make(chan struct{}, 16)}
	if !blocking {
		e.release()
	}
	return e
}

func (e *stubExecutor) release() {
	e.once.Do(func() { close(e.gate) })
}

func (e *stubExecutor) Execute(ctx context.Context, intent domain.Intent) (domain.CommandResult, error) {
	e.calls.Add(1)
	select {
	case e.started <- struct{}{}:
	default:
	}
	select {
	case <-e.gate:
	case <-ctx.Done():
		return domain.CommandResult{}, ctx.Err()
	}
	if e.err != nil {
		return domain.CommandResult{}, e.err
	}
	return domain.CommandResult{Output: "opened " + intent.TargetOr("")}, nil
}

func (e *stubExecutor) callCount() int {
	return int(e.calls.Load())
}

func (e *stubExecutor) waitStarted(t *testing.T) {
	t.Helper()
	select {
	case <-e.started:
	case <-time.After(2 * time.Second):
		t.Fatal("executor never started")
	}
}

type stubJournal struct {
	mu       sync.Mutex
	messages []string
	actions  []string
}

func (j *stubJournal) AddUserMessage(text string) {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.messages = append(j.messages, "user:"+text)
}

func (j *stubJournal) AddAssistantMessage(text string) {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.messages = append(j.messages, "assistant:"+text)
}

func (j *stubJournal) RecordAction(action string, kind domain.IntentKind, id string, status domain.CommandStatus) {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.actions = append(j.actions, fmt.Sprintf("%s:%s:%s", id, kind, status))
}

func (j *stubJournal) messageLog() []string {
	j.mu.Lock()
	defer j.mu.Unlock()
	return append([]string(nil), j.messages...)
}

func (j *stubJournal) messageCount() int {
	return len(j.messageLog())
}

func (j *stubJournal) actionCount() int {
	j.mu.Lock()
	defer j.mu.Unlock()
	return len(j.actions)
}

// blockingClassifier blocks until ctx ends.
type blockingClassifier struct{}

func (blockingClassifier) Name() string { return "blocking" }
func (blockingClassifier) Classify(ctx context.Context, _ string) (ports.Classification, error) {
	<-ctx.Done()
	return ports.Classification{}, ctx.Err()
}

func TestJournalVisibleWhenWaitReturns(t *testing.T) {
	f := newFixture(t, openAppClassifier{}, newStubExecutor(false))

	for i := 0; i < 200; i++ {
		handle, err := f.svc.Submit(context.Background(), "open calculator")
		if err != nil {
			t.Fatalf("Submit() error = %v", err)
		}
		if final := wait(t, handle); final.Status != domain.StatusCompleted {
			t.Fatalf("final status = %s, want completed", final.Status)
		}
		if got, want := f.journal.messageCount(), 2*(i+1); got != want {
			t.Fatalf("iteration %d: journal messages = %d, want %d", i, got, want)
		}
		if got := f.journal.actionCount(); got != i+1 {
			t.Fatalf("iteration %d: journal actions = %d, want %d", i, got, i+1)
		}
	}
}

func TestJournalVisibleOnTerminalNotification(t *testing.T) {
	f := newFixture(t, openAppClassifier{}, newStubExecutor(false))

	handle, err := f.svc.Submit(context.Background(), "open calculator")
	if err != nil {
		t.Fatalf("Submit() error = %v", err)
	}
	seen := make(chan int, 1)
	sub, err := handle.Subscribe(context.Background(), func(rec domain.CommandRecord) {
		if rec.Status.Terminal() {
			select {
			case seen <- f.journal.actionCount():
			default:
			}
		}
	})
	if err != nil {
		t.Fatalf("Subscribe() error = %v", err)
	}
	defer sub.Unsubscribe()

	select {
	case got := <-seen:
		if got != 1 {
			t.Fatalf("actions at terminal push = %d, want 1", got)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("no terminal notification")
	}
}

func TestCancelledClassificationJournalsFailure(t *testing.T) {
	f := newFixture(t, blockingClassifier{}, newStubExecutor(false))

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if _, err := f.svc.Submit(ctx, "open calculator"); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("Submit() error = %v, want DeadlineExceeded", err)
	}
	if diff := cmp.Diff([]string{"user:open calculator", "assistant:" + domain.FailureResponse}, f.journal.messageLog()); diff != "" {
		t.Fatalf("journal mismatch (-want +got):\n%s", diff)
	}
	if got := f.journal.actionCount(); got != 1 {
		t.Fatalf("actions = %d, want 1", got)
	}
	records, err := f.store.List(context.Background(), domain.CommandQuery{})
	if err != nil {
		t.Fatalf("List() error = %v", err)
	}
	if len(records) != 0 {
		t.Fatalf("records = %d, want none", len(records))
	}
}
