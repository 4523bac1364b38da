package voice

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"go.uber.org/goleak"

	"github.com/doeshing/sidekick/internal/domain"
	"github.com/doeshing/sidekick/internal/pkg/logger"
	"github.com/doeshing/sidekick/internal/ports"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

// stubRecognizer returns whatever is sent on results. When honourCancel is
// set it also returns as soon as ctx ends.
type stubRecognizer struct {
	results      chan recognition
	honourCancel bool
}

type recognition struct {
	text string
	err  error
}

func newStubRecognizer(honourCancel bool) *stubRecognizer {
	return &stubRecognizer{results: make(chan recognition, 4), honourCancel: honourCancel}
}

func (r *stubRecognizer) Recognize(ctx context.Context, _ ports.CaptureRequest) (string, error) {
	if r.honourCancel {
		select {
		case res := <-r.results:
			return res.text, res.err
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}
	res := <-r.results
	return res.text, res.err
}

type submissions struct {
	mu    sync.Mutex
	texts []string
	got   chan struct{}
}

func newSubmissions() *submissions {
	return &submissions{got: make(chan struct{}, 8)}
}

func (s *submissions) submit(_ context.Context, text string) error {
	s.mu.Lock()
	s.texts = append(s.texts, text)
	s.mu.Unlock()
	s.got <- struct{}{}
	return nil
}

func (s *submissions) all() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.texts...)
}

func newAdapter(t *testing.T, rec ports.SpeechRecognizer, subs *submissions) *Adapter {
	t.Helper()
	a, err := NewAdapter(rec, subs.submit, logger.NewNop(), time.Second)
	if err != nil {
		t.Fatalf("NewAdapter() error = %v", err)
	}
	t.Cleanup(a.Close)
	return a
}

func TestStartWhileListeningFails(t *testing.T) {
	rec := newStubRecognizer(true)
	a := newAdapter(t, rec, newSubmissions())

	if err := a.Start(context.Background(), ports.CaptureRequest{}); err != nil {
		t.Fatalf("first Start() error = %v", err)
	}
	if err := a.Start(context.Background(), ports.CaptureRequest{}); !errors.Is(err, domain.ErrAlreadyListening) {
		t.Fatalf("second Start() error = %v, want ErrAlreadyListening", err)
	}

	a.Stop()
	if a.State() != StateIdle {
		t.Fatalf("State() after Stop = %s, want idle", a.State())
	}
	if err := a.Start(context.Background(), ports.CaptureRequest{}); err != nil {
		t.Fatalf("Start() after Stop error = %v", err)
	}
	a.Stop()
}

func TestSuccessfulCaptureSubmitsOnce(t *testing.T) {
	rec := newStubRecognizer(true)
	subs := newSubmissions()
	a := newAdapter(t, rec, subs)

	if err := a.Start(context.Background(), ports.CaptureRequest{AudioPath: "clip.wav"}); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	rec.results <- recognition{text: "  open calculator "}
	a.Wait()

	if got := subs.all(); len(got) != 1 || got[0] != "open calculator" {
		t.Fatalf("submissions = %q, want one trimmed transcription", got)
	}
	if a.Listening() {
		t.Fatal("adapter still listening after capture finished")
	}
}

func TestStopDiscardsLateResult(t *testing.T) {
	rec := newStubRecognizer(false)
	subs := newSubmissions()
	a := newAdapter(t, rec, subs)

	if err := a.Start(context.Background(), ports.CaptureRequest{}); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	a.Stop()
	if a.State() != StateIdle {
		t.Fatalf("State() after Stop = %s, want idle", a.State())
	}
	rec.results <- recognition{text: "late words"}
	a.Wait()
	if got := subs.all(); len(got) != 0 {
		t.Fatalf("submissions = %q, want none", got)
	}

	if err := a.Start(context.Background(), ports.CaptureRequest{}); err != nil {
		t.Fatalf("Start() after Stop error = %v", err)
	}
	rec.results <- recognition{text: "fresh words"}
	a.Wait()
	if got := subs.all(); len(got) != 1 || got[0] != "fresh words" {
		t.Fatalf("submissions = %q, want only the fresh session", got)
	}
}

func TestEmptyOrFailedCaptureSubmitsNothing(t *testing.T) {
	rec := newStubRecognizer(true)
	subs := newSubmissions()
	a := newAdapter(t, rec, subs)

	for _, res := range []recognition{{text: "   "}, {err: errors.New("mic unplugged")}} {
		if err := a.Start(context.Background(), ports.CaptureRequest{}); err != nil {
			t.Fatalf("Start() error = %v", err)
		}
		rec.results <- res
		a.Wait()
		if a.State() != StateIdle {
			t.Fatalf("State() = %s, want idle", a.State())
		}
	}
	if got := subs.all(); len(got) != 0 {
		t.Fatalf("submissions = %q, want none", got)
	}
}

func TestCaptureSurvivesCallerCancellation(t *testing.T) {
	rec := newStubRecognizer(true)
	subs := newSubmissions()
	a := newAdapter(t, rec, subs)

	ctx, cancel := context.WithCancel(context.Background())
	if err := a.Start(ctx, ports.CaptureRequest{}); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	cancel()
	rec.results <- recognition{text: "search the weather"}
	a.Wait()

	if got := subs.all(); len(got) != 1 {
		t.Fatalf("submissions = %q, want 1", got)
	}
}

func TestStateChangesAreReported(t *testing.T) {
	rec := newStubRecognizer(true)
	a := newAdapter(t, rec, newSubmissions())

	var mu sync.Mutex
	var states []State
	remove := a.OnStateChange(func(s State) {
		mu.Lock()
		states = append(states, s)
		mu.Unlock()
	})
	defer remove()

	if err := a.Start(context.Background(), ports.CaptureRequest{}); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	a.Stop()
	a.Stop()

	mu.Lock()
	defer mu.Unlock()
	if len(states) != 2 || states[0] != StateListening || states[1] != StateIdle {
		t.Fatalf("states = %v, want [listening idle]", states)
	}
}

func TestLastReportedStateMatchesAdapter(t *testing.T) {
	// A long timeout keeps captures from ending on their own mid-round.
	a, err := NewAdapter(newStubRecognizer(true), newSubmissions().submit, logger.NewNop(), time.Minute)
	if err != nil {
		t.Fatalf("NewAdapter() error = %v", err)
	}
	t.Cleanup(a.Close)

	var mu sync.Mutex
	var last State
	stop := a.OnStateChange(func(s State) {
		mu.Lock()
		last = s
		mu.Unlock()
	})
	defer stop()

	for round := 0; round < 50; round++ {
		var wg sync.WaitGroup
		for i := 0; i < 4; i++ {
			wg.Add(2)
			go func() {
				defer wg.Done()
				_ = a.Start(context.Background(), ports.CaptureRequest{})
			}()
			go func() {
				defer wg.Done()
				a.Stop()
			}()
		}
		wg.Wait()

		mu.Lock()
		got := last
		mu.Unlock()
		if want := a.State(); got != want {
			t.Fatalf("round %d: last reported state = %q, adapter state = %q", round, got, want)
		}
	}
}
