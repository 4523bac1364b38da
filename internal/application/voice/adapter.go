// Package voice runs single-flight speech capture sessions and hands the
// transcription to the command pipeline.
package voice

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/doeshing/sidekick/internal/domain"
	"github.com/doeshing/sidekick/internal/ports"
)

// State is the capture state.
type State string

const (
	StateIdle      State = "idle"
	StateListening State = "listening"
)

// SubmitFunc receives a finished transcription.
type SubmitFunc func(ctx context.Context, text string) error

// Adapter is the Idle/Listening state machine around a SpeechRecognizer.
type Adapter struct {
	recognizer ports.SpeechRecognizer
	submit     SubmitFunc
	logger     ports.Logger
	timeout    time.Duration

	mu         sync.Mutex
	state      State
	generation uint64
	cancel     context.CancelFunc
	listeners  map[int]func(State)
	nextToken  int
	// seq numbers state transitions; delivered is the newest one handed to
	// listeners. Older transitions that lose the race are dropped.
	seq uint64

	emitMu    sync.Mutex
	delivered uint64

	sessions sync.WaitGroup
}

// NewAdapter builds an idle adapter. timeout bounds one capture session
// (domain.DefaultVoiceTimeout when zero).
func NewAdapter(recognizer ports.SpeechRecognizer, submit SubmitFunc, logger ports.Logger, timeout time.Duration) (*Adapter, error) {
	if recognizer == nil || submit == nil || logger == nil {
		return nil, errors.New("voice.Adapter dependencies not satisfied")
	}
	if timeout <= 0 {
		timeout = domain.DefaultVoiceTimeout
	}
	return &Adapter{
		recognizer: recognizer,
		submit:     submit,
		logger:     logger,
		timeout:    timeout,
		state:      StateIdle,
		listeners:  make(map[int]func(State)),
	}, nil
}

// Start begins a capture session. It fails with domain.ErrAlreadyListening
// while another session is active. The session outlives ctx's cancellation
// but keeps its values; use Stop to end it early.
func (a *Adapter) Start(ctx context.Context, req ports.CaptureRequest) error {
	a.mu.Lock()
	if a.state == StateListening {
		a.mu.Unlock()
		return domain.ErrAlreadyListening
	}
	a.generation++
	gen := a.generation
	captureCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), a.timeout)
	a.cancel = cancel
	a.state = StateListening
	a.seq++
	seq := a.seq
	a.sessions.Add(1)
	a.mu.Unlock()

	a.emit(seq, StateListening)
	go a.capture(captureCtx, gen, req)
	return nil
}

func (a *Adapter) capture(ctx context.Context, gen uint64, req ports.CaptureRequest) {
	defer a.sessions.Done()

	text, err := a.recognizer.Recognize(ctx, req)

	a.mu.Lock()
	if a.generation != gen || a.state != StateListening {
		a.mu.Unlock()
		a.logger.Debug("discarding stale capture result", map[string]interface{}{"generation": gen})
		return
	}
	a.state = StateIdle
	a.seq++
	seq := a.seq
	a.cancel()
	a.cancel = nil
	a.mu.Unlock()
	a.emit(seq, StateIdle)

	if err != nil {
		a.logger.Warn("speech recognition failed", map[string]interface{}{"error": err.Error()})
		return
	}
	text = strings.TrimSpace(text)
	if text == "" {
		a.logger.Debug("empty transcription", nil)
		return
	}
	if err := a.submit(context.WithoutCancel(ctx), text); err != nil {
		a.logger.Warn("submit transcription", map[string]interface{}{"error": err.Error()})
	}
}

// Stop ends the active session, if any. The adapter is Idle when Stop
// returns and whatever the recognizer produces later is dropped.
func (a *Adapter) Stop() {
	a.mu.Lock()
	if a.state != StateListening {
		a.mu.Unlock()
		return
	}
	a.generation++
	a.state = StateIdle
	a.seq++
	seq := a.seq
	if a.cancel != nil {
		a.cancel()
		a.cancel = nil
	}
	a.mu.Unlock()
	a.emit(seq, StateIdle)
}

// State reports the current state.
func (a *Adapter) State() State {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.state
}

// Listening reports whether a session is active.
func (a *Adapter) Listening() bool {
	return a.State() == StateListening
}

// OnStateChange registers fn and returns a func that removes it. Calls are
// serialised and never report a state older than one already reported; fn
// must not call back into the adapter.
func (a *Adapter) OnStateChange(fn func(State)) func() {
	a.mu.Lock()
	token := a.nextToken
	a.nextToken++
	a.listeners[token] = fn
	a.mu.Unlock()
	return func() {
		a.mu.Lock()
		delete(a.listeners, token)
		a.mu.Unlock()
	}
}

// Wait blocks until every session goroutine, including stopped ones whose
// recognizer has not returned yet, has finished.
func (a *Adapter) Wait() {
	a.sessions.Wait()
}

// Close stops the active session and waits for session goroutines.
func (a *Adapter) Close() {
	a.Stop()
	a.Wait()
}

func (a *Adapter) emit(seq uint64, state State) {
	a.emitMu.Lock()
	defer a.emitMu.Unlock()
	if seq <= a.delivered {
		return
	}
	a.delivered = seq

	a.mu.Lock()
	listeners := make([]func(State), 0, len(a.listeners))
	for _, fn := range a.listeners {
		listeners = append(listeners, fn)
	}
	a.mu.Unlock()
	for _, fn := range listeners {
		fn(state)
	}
}
