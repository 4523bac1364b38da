// Package storetest holds the behaviour every ports.CommandStore backend must
// share. Backend packages call Run from their own tests.
package storetest

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"
	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"

	"github.com/doeshing/sidekick/internal/domain"
	"github.com/doeshing/sidekick/internal/ports"
)

// Factory returns a fresh, empty store driven by clock. The suite closes it.
type Factory func(t *testing.T, clock clockwork.Clock) ports.CommandStore

// Base is the fake clock's starting time. It is millisecond aligned so every
// backend round-trips it exactly.
var Base = time.Date(2026, time.March, 14, 9, 30, 0, 0, time.UTC)

const waitTimeout = 5 * time.Second

// Run executes the conformance suite against stores built by newStore.
func Run(t *testing.T, newStore Factory) {
	cases := []struct {
		name string
		fn   func(t *testing.T, store ports.CommandStore, clock clockwork.FakeClock)
	}{
		{"CreateThenGet", testCreateThenGet},
		{"DuplicateID", testDuplicateID},
		{"NotFound", testNotFound},
		{"UpdateAdvancesRevision", testUpdateAdvancesRevision},
		{"RejectsIllegalTransitions", testRejectsIllegalTransitions},
		{"MutatorErrorAborts", testMutatorErrorAborts},
		{"ConcurrentUpdatesAreSerialised", testConcurrentUpdates},
		{"SubscribeDeliversSnapshotSynchronously", testSubscribeSnapshot},
		{"SubscribeDeliversOrderedRevisions", testSubscribeOrdered},
		{"SubscribeBeforeCreate", testSubscribeBeforeCreate},
		{"UnsubscribeIsIdempotent", testUnsubscribeIdempotent},
		{"TerminalSnapshotOnly", testTerminalSnapshot},
		{"SubscriptionsAreIsolated", testIsolation},
		{"ListNewestFirst", testList},
		{"PruneTerminal", testPrune},
	}
	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			clock := clockwork.NewFakeClockAt(Base)
			store := newStore(t, clock)
			t.Cleanup(func() {
				if err := store.Close(); err != nil {
					t.Errorf("Close() error = %v", err)
				}
			})
			tc.fn(t, store, clock)
		})
	}
}

// NewRecord returns a pending record with a fresh id created at at.
func NewRecord(at time.Time) domain.CommandRecord {
	intent := domain.Intent{
		Kind:       domain.IntentOpenApp,
		Action:     "open_app",
		Target:     domain.StringPtr("Calculator"),
		Parameters: map[string]any{"app": "Calculator"},
	}
	return domain.NewCommandRecord(uuid.NewString(), "open the calculator", intent, "Opening Calculator.", at)
}

func mustCreate(t *testing.T, store ports.CommandStore, rec domain.CommandRecord) {
	t.Helper()
	if err := store.Create(context.Background(), rec); err != nil {
		t.Fatalf("Create(%s) error = %v", rec.ID, err)
	}
}

func setStatus(status domain.CommandStatus) ports.Mutator {
	return func(rec *domain.CommandRecord) error {
		rec.Status = status
		if status.Terminal() {
			rec.Result = &domain.CommandResult{Output: "done"}
		}
		return nil
	}
}

func mustUpdate(t *testing.T, store ports.CommandStore, id string, mutate ports.Mutator) domain.CommandRecord {
	t.Helper()
	rec, err := store.Update(context.Background(), id, mutate)
	if err != nil {
		t.Fatalf("Update(%s) error = %v", id, err)
	}
	return rec
}

var recordDiff = cmpopts.EquateEmpty()

func testCreateThenGet(t *testing.T, store ports.CommandStore, _ clockwork.FakeClock) {
	rec := NewRecord(Base)
	mustCreate(t, store, rec)

	got, err := store.Get(context.Background(), rec.ID)
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if diff := cmp.Diff(rec, got, recordDiff); diff != "" {
		t.Fatalf("Get() mismatch (-want +got):\n%s", diff)
	}
}

func testDuplicateID(t *testing.T, store ports.CommandStore, _ clockwork.FakeClock) {
	rec := NewRecord(Base)
	mustCreate(t, store, rec)

	err := store.Create(context.Background(), rec)
	if !errors.Is(err, domain.ErrDuplicateID) {
		t.Fatalf("second Create() error = %v, want ErrDuplicateID", err)
	}
}

func testNotFound(t *testing.T, store ports.CommandStore, _ clockwork.FakeClock) {
	id := uuid.NewString()
	if _, err := store.Get(context.Background(), id); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("Get() error = %v, want ErrNotFound", err)
	}
	if _, err := store.Update(context.Background(), id, setStatus(domain.StatusRunning)); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("Update() error = %v, want ErrNotFound", err)
	}
}

func testUpdateAdvancesRevision(t *testing.T, store ports.CommandStore, clock clockwork.FakeClock) {
	rec := NewRecord(Base)
	mustCreate(t, store, rec)

	clock.Advance(time.Second)
	updated := mustUpdate(t, store, rec.ID, setStatus(domain.StatusRunning))
	if updated.Revision != 2 {
		t.Fatalf("revision = %d, want 2", updated.Revision)
	}
	if !updated.UpdatedAt.Equal(Base.Add(time.Second)) {
		t.Fatalf("updatedAt = %v, want %v", updated.UpdatedAt, Base.Add(time.Second))
	}
	if !updated.CreatedAt.Equal(Base) {
		t.Fatalf("createdAt changed to %v", updated.CreatedAt)
	}

	got, err := store.Get(context.Background(), rec.ID)
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if diff := cmp.Diff(updated, got, recordDiff); diff != "" {
		t.Fatalf("Get() after Update mismatch (-want +got):\n%s", diff)
	}
}

func testRejectsIllegalTransitions(t *testing.T, store ports.CommandStore, _ clockwork.FakeClock) {
	rec := NewRecord(Base)
	mustCreate(t, store, rec)

	if _, err := store.Update(context.Background(), rec.ID, setStatus(domain.StatusCompleted)); !errors.Is(err, domain.ErrInvalidTransition) {
		t.Fatalf("pending -> completed error = %v, want ErrInvalidTransition", err)
	}

	mustUpdate(t, store, rec.ID, setStatus(domain.StatusRunning))
	mustUpdate(t, store, rec.ID, setStatus(domain.StatusCompleted))

	if _, err := store.Update(context.Background(), rec.ID, setStatus(domain.StatusFailed)); !errors.Is(err, domain.ErrInvalidTransition) {
		t.Fatalf("completed -> failed error = %v, want ErrInvalidTransition", err)
	}
	got, err := store.Get(context.Background(), rec.ID)
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if got.Status != domain.StatusCompleted || got.Revision != 3 {
		t.Fatalf("record changed by rejected update: %+v", got)
	}
}

func testMutatorErrorAborts(t *testing.T, store ports.CommandStore, _ clockwork.FakeClock) {
	rec := NewRecord(Base)
	mustCreate(t, store, rec)

	boom := errors.New("boom")
	_, err := store.Update(context.Background(), rec.ID, func(r *domain.CommandRecord) error {
		r.ResponseText = "should not stick"
		return boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("Update() error = %v, want %v", err, boom)
	}
	got, err := store.Get(context.Background(), rec.ID)
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if got.ResponseText != rec.ResponseText || got.Revision != 1 {
		t.Fatalf("aborted update leaked: %+v", got)
	}
}

func testConcurrentUpdates(t *testing.T, store ports.CommandStore, _ clockwork.FakeClock) {
	rec := NewRecord(Base)
	rec.ResponseText = ""
	mustCreate(t, store, rec)

	const writers = 8
	var wg sync.WaitGroup
	errs := make(chan error, writers)
	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := store.Update(context.Background(), rec.ID, func(r *domain.CommandRecord) error {
				r.ResponseText += "x"
				return nil
			})
			errs <- err
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		if err != nil {
			t.Fatalf("concurrent Update() error = %v", err)
		}
	}

	got, err := store.Get(context.Background(), rec.ID)
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if got.ResponseText != strings.Repeat("x", writers) {
		t.Fatalf("lost updates: responseText = %q", got.ResponseText)
	}
	if got.Revision != writers+1 {
		t.Fatalf("revision = %d, want %d", got.Revision, writers+1)
	}
}

func testSubscribeSnapshot(t *testing.T, store ports.CommandStore, _ clockwork.FakeClock) {
	rec := NewRecord(Base)
	mustCreate(t, store, rec)

	rr := newRecorder()
	unsubscribe, err := store.Subscribe(context.Background(), rec.ID, rr.callback)
	if err != nil {
		t.Fatalf("Subscribe() error = %v", err)
	}
	defer unsubscribe()

	got := rr.snapshot()
	if len(got) != 1 {
		t.Fatalf("deliveries on return = %d, want 1", len(got))
	}
	if diff := cmp.Diff(rec, got[0], recordDiff); diff != "" {
		t.Fatalf("snapshot mismatch (-want +got):\n%s", diff)
	}
}

func testSubscribeOrdered(t *testing.T, store ports.CommandStore, clock clockwork.FakeClock) {
	rec := NewRecord(Base)
	mustCreate(t, store, rec)

	rr := newRecorder()
	unsubscribe, err := store.Subscribe(context.Background(), rec.ID, rr.callback)
	if err != nil {
		t.Fatalf("Subscribe() error = %v", err)
	}
	defer unsubscribe()

	clock.Advance(time.Second)
	mustUpdate(t, store, rec.ID, setStatus(domain.StatusRunning))
	clock.Advance(time.Second)
	mustUpdate(t, store, rec.ID, setStatus(domain.StatusCompleted))

	got := rr.waitFor(t, 3)
	wantStatuses := []domain.CommandStatus{domain.StatusPending, domain.StatusRunning, domain.StatusCompleted}
	if diff := cmp.Diff(wantStatuses, statuses(got)); diff != "" {
		t.Fatalf("status sequence mismatch (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff([]int64{1, 2, 3}, revisions(got)); diff != "" {
		t.Fatalf("revision sequence mismatch (-want +got):\n%s", diff)
	}
	rr.expectNoMore(t, 3)
}

func testSubscribeBeforeCreate(t *testing.T, store ports.CommandStore, _ clockwork.FakeClock) {
	rec := NewRecord(Base)

	rr := newRecorder()
	unsubscribe, err := store.Subscribe(context.Background(), rec.ID, rr.callback)
	if err != nil {
		t.Fatalf("Subscribe() error = %v", err)
	}
	defer unsubscribe()
	if n := len(rr.snapshot()); n != 0 {
		t.Fatalf("deliveries before create = %d, want 0", n)
	}

	mustCreate(t, store, rec)
	got := rr.waitFor(t, 1)
	if got[0].Status != domain.StatusPending || got[0].Revision != 1 {
		t.Fatalf("first delivery = %+v, want pending revision 1", got[0])
	}
}

func testUnsubscribeIdempotent(t *testing.T, store ports.CommandStore, _ clockwork.FakeClock) {
	rec := NewRecord(Base)
	mustCreate(t, store, rec)

	rr := newRecorder()
	unsubscribe, err := store.Subscribe(context.Background(), rec.ID, rr.callback)
	if err != nil {
		t.Fatalf("Subscribe() error = %v", err)
	}
	unsubscribe()
	unsubscribe()

	mustUpdate(t, store, rec.ID, setStatus(domain.StatusRunning))
	rr.expectNoMore(t, 1)
}

func testTerminalSnapshot(t *testing.T, store ports.CommandStore, _ clockwork.FakeClock) {
	rec := NewRecord(Base)
	mustCreate(t, store, rec)
	mustUpdate(t, store, rec.ID, setStatus(domain.StatusRunning))
	mustUpdate(t, store, rec.ID, setStatus(domain.StatusFailed))

	rr := newRecorder()
	unsubscribe, err := store.Subscribe(context.Background(), rec.ID, rr.callback)
	if err != nil {
		t.Fatalf("Subscribe() error = %v", err)
	}
	defer unsubscribe()

	got := rr.snapshot()
	if len(got) != 1 || got[0].Status != domain.StatusFailed {
		t.Fatalf("deliveries = %+v, want one failed snapshot", got)
	}
	rr.expectNoMore(t, 1)
}

func testIsolation(t *testing.T, store ports.CommandStore, _ clockwork.FakeClock) {
	a := NewRecord(Base)
	b := NewRecord(Base)
	mustCreate(t, store, a)
	mustCreate(t, store, b)

	ra, rb := newRecorder(), newRecorder()
	unsubA, err := store.Subscribe(context.Background(), a.ID, ra.callback)
	if err != nil {
		t.Fatalf("Subscribe(a) error = %v", err)
	}
	defer unsubA()
	unsubB, err := store.Subscribe(context.Background(), b.ID, rb.callback)
	if err != nil {
		t.Fatalf("Subscribe(b) error = %v", err)
	}
	defer unsubB()

	mustUpdate(t, store, b.ID, setStatus(domain.StatusRunning))
	mustUpdate(t, store, b.ID, setStatus(domain.StatusCompleted))
	rb.waitFor(t, 3)

	for _, rec := range ra.snapshot() {
		if rec.ID != a.ID {
			t.Fatalf("subscriber of %s received %s", a.ID, rec.ID)
		}
	}
	ra.expectNoMore(t, 1)
}

func testList(t *testing.T, store ports.CommandStore, _ clockwork.FakeClock) {
	oldest := NewRecord(Base)
	middle := NewRecord(Base.Add(time.Second))
	newest := NewRecord(Base.Add(2 * time.Second))
	for _, rec := range []domain.CommandRecord{oldest, middle, newest} {
		mustCreate(t, store, rec)
	}
	mustUpdate(t, store, middle.ID, setStatus(domain.StatusRunning))
	mustUpdate(t, store, middle.ID, setStatus(domain.StatusCompleted))

	all, err := store.List(context.Background(), domain.CommandQuery{})
	if err != nil {
		t.Fatalf("List() error = %v", err)
	}
	if diff := cmp.Diff([]string{newest.ID, middle.ID, oldest.ID}, ids(all)); diff != "" {
		t.Fatalf("List() order mismatch (-want +got):\n%s", diff)
	}

	limited, err := store.List(context.Background(), domain.CommandQuery{Limit: 2})
	if err != nil {
		t.Fatalf("List(limit) error = %v", err)
	}
	if diff := cmp.Diff([]string{newest.ID, middle.ID}, ids(limited)); diff != "" {
		t.Fatalf("List(limit) mismatch (-want +got):\n%s", diff)
	}

	completed, err := store.List(context.Background(), domain.CommandQuery{Status: domain.StatusCompleted})
	if err != nil {
		t.Fatalf("List(status) error = %v", err)
	}
	if diff := cmp.Diff([]string{middle.ID}, ids(completed)); diff != "" {
		t.Fatalf("List(status) mismatch (-want +got):\n%s", diff)
	}
}

func testPrune(t *testing.T, store ports.CommandStore, clock clockwork.FakeClock) {
	stale := NewRecord(Base)
	pending := NewRecord(Base)
	fresh := NewRecord(Base)
	for _, rec := range []domain.CommandRecord{stale, pending, fresh} {
		mustCreate(t, store, rec)
	}
	mustUpdate(t, store, stale.ID, setStatus(domain.StatusFailed))

	clock.Advance(time.Hour)
	mustUpdate(t, store, fresh.ID, setStatus(domain.StatusRunning))
	mustUpdate(t, store, fresh.ID, setStatus(domain.StatusCompleted))

	removed, err := store.PruneTerminal(context.Background(), Base.Add(30*time.Minute))
	if err != nil {
		t.Fatalf("PruneTerminal() error = %v", err)
	}
	if removed != 1 {
		t.Fatalf("PruneTerminal() removed %d, want 1", removed)
	}
	if _, err := store.Get(context.Background(), stale.ID); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("stale record still present: %v", err)
	}
	for _, id := range []string{pending.ID, fresh.ID} {
		if _, err := store.Get(context.Background(), id); err != nil {
			t.Fatalf("Get(%s) after prune error = %v", id, err)
		}
	}
}

// recorder collects subscription deliveries.
type recorder struct {
	mu      sync.Mutex
	records []domain.CommandRecord
	signal  chan struct{}
}

func newRecorder() *recorder {
	return &recorder{signal: make(chan struct{}, 1)}
}

func (r *recorder) callback(rec domain.CommandRecord) {
	r.mu.Lock()
	r.records = append(r.records, rec)
	r.mu.Unlock()
	select {
	case r.signal <- struct{}{}:
	default:
	}
}

func (r *recorder) snapshot() []domain.CommandRecord {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]domain.CommandRecord(nil), r.records...)
}

func (r *recorder) waitFor(t *testing.T, n int) []domain.CommandRecord {
	t.Helper()
	deadline := time.After(waitTimeout)
	for {
		if got := r.snapshot(); len(got) >= n {
			return got
		}
		select {
		case <-r.signal:
		case <-deadline:
			t.Fatalf("timed out waiting for %d deliveries, got %s", n, describe(r.snapshot()))
		}
	}
}

// expectNoMore gives asynchronous backends a moment to misbehave.
func (r *recorder) expectNoMore(t *testing.T, n int) {
	t.Helper()
	time.Sleep(100 * time.Millisecond)
	if got := r.snapshot(); len(got) != n {
		t.Fatalf("deliveries = %s, want exactly %d", describe(got), n)
	}
}

func describe(records []domain.CommandRecord) string {
	parts := make([]string, len(records))
	for i, rec := range records {
		parts[i] = fmt.Sprintf("%s@%d", rec.Status, rec.Revision)
	}
	return "[" + strings.Join(parts, " ") + "]"
}

func statuses(records []domain.CommandRecord) []domain.CommandStatus {
	out := make([]domain.CommandStatus, len(records))
	for i, rec := range records {
		out[i] = rec.Status
	}
	return out
}

func revisions(records []domain.CommandRecord) []int64 {
	out := make([]int64, len(records))
	for i, rec := range records {
		out[i] = rec.Revision
	}
	return out
}

func ids(records []domain.CommandRecord) []string {
	out := make([]string, len(records))
	for i, rec := range records {
		out[i] = rec.ID
	}
	return out
}
