// Package assistant holds the Session, the one object the upstream UI talks
// to. It is built once at start-up and torn down with Close.
package assistant

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/doeshing/sidekick/internal/application/conversation"
	"github.com/doeshing/sidekick/internal/application/notify"
	"github.com/doeshing/sidekick/internal/application/orchestrator"
	"github.com/doeshing/sidekick/internal/application/voice"
	"github.com/doeshing/sidekick/internal/domain"
	"github.com/doeshing/sidekick/internal/ports"
)

// ErrVoiceDisabled is returned by StartListening when no recognizer is configured.
var ErrVoiceDisabled = fmt.Errorf("%w: voice capture is not configured", domain.ErrInvalidInput)

// Dependencies wires a Session. Recognizer is optional.
type Dependencies struct {
	Orchestrator *orchestrator.Service
	Notifier     *notify.Notifier
	Conversation *conversation.Log
	Store        ports.CommandStore
	Recognizer   ports.SpeechRecognizer
	VoiceTimeout time.Duration
	Logger       ports.Logger
}

// Session is the assistant's public surface.
type Session struct {
	orchestrator *orchestrator.Service
	notifier     *notify.Notifier
	conversation *conversation.Log
	store        ports.CommandStore
	voice        *voice.Adapter
	logger       ports.Logger

	closeOnce sync.Once
	closeErr  error
}

// New validates deps and builds the voice adapter when a recognizer is set.
func New(deps Dependencies) (*Session, error) {
	if deps.Orchestrator == nil || deps.Notifier == nil || deps.Conversation == nil || deps.Store == nil || deps.Logger == nil {
		return nil, errors.New("assistant.Session dependencies not satisfied")
	}
	s := &Session{
		orchestrator: deps.Orchestrator,
		notifier:     deps.Notifier,
		conversation: deps.Conversation,
		store:        deps.Store,
		logger:       deps.Logger,
	}
	if deps.Recognizer != nil {
		adapter, err := voice.NewAdapter(deps.Recognizer, s.submitTranscript, deps.Logger, deps.VoiceTimeout)
		if err != nil {
			return nil, err
		}
		s.voice = adapter
	}
	return s, nil
}

// Submit hands text to the orchestrator. The handle's initial snapshot is
// the Pending record.
func (s *Session) Submit(ctx context.Context, text string) (*orchestrator.Handle, error) {
	return s.orchestrator.Submit(ctx, text)
}

func (s *Session) submitTranscript(ctx context.Context, text string) error {
	_, err := s.orchestrator.Submit(ctx, text)
	return err
}

// Subscribe streams snapshots of one record to cb.
func (s *Session) Subscribe(ctx context.Context, id string, cb notify.Callback) (*notify.Subscription, error) {
	return s.notifier.Subscribe(ctx, id, cb)
}

// Command returns the current snapshot of one record.
func (s *Session) Command(ctx context.Context, id string) (domain.CommandRecord, error) {
	return s.store.Get(ctx, id)
}

// History lists records newest first.
func (s *Session) History(ctx context.Context, query domain.CommandQuery) ([]domain.CommandRecord, error) {
	if query.Status != "" && !query.Status.Valid() {
		return nil, fmt.Errorf("%w: unknown status %q", domain.ErrInvalidInput, query.Status)
	}
	if query.Limit < 0 {
		return nil, fmt.Errorf("%w: negative limit", domain.ErrInvalidInput)
	}
	return s.store.List(ctx, query)
}

// Prune removes terminal records last updated before olderThan.
func (s *Session) Prune(ctx context.Context, olderThan time.Time) (int, error) {
	return s.store.PruneTerminal(ctx, olderThan)
}

// Resume re-drives a record that never left Pending.
func (s *Session) Resume(ctx context.Context, id string) (*orchestrator.Handle, error) {
	return s.orchestrator.Dispatch(ctx, id)
}

// Recover finishes what a previous process left behind.
func (s *Session) Recover(ctx context.Context) (orchestrator.RecoverReport, error) {
	return s.orchestrator.Recover(ctx)
}

// Conversation returns the transcript, oldest first.
func (s *Session) Conversation() []domain.ConversationMessage {
	return s.conversation.Messages()
}

// RecentActions returns the action feed, newest first, with time labels.
func (s *Session) RecentActions() []domain.ActionView {
	return s.conversation.RecentActions()
}

// Dispatch applies a user-driven conversation event such as a delete or clear.
func (s *Session) Dispatch(e conversation.Event) {
	s.conversation.Dispatch(e)
}

// OnConversationChange registers fn for every conversation state change.
func (s *Session) OnConversationChange(fn conversation.Listener) func() {
	return s.conversation.OnChange(fn)
}

// VoiceEnabled reports whether a recognizer is configured.
func (s *Session) VoiceEnabled() bool {
	return s.voice != nil
}

// StartListening begins one voice capture session.
func (s *Session) StartListening(ctx context.Context, req ports.CaptureRequest) error {
	if s.voice == nil {
		return ErrVoiceDisabled
	}
	return s.voice.Start(ctx, req)
}

// StopListening ends the active capture, discarding its result.
func (s *Session) StopListening() {
	if s.voice != nil {
		s.voice.Stop()
	}
}

// Listening reports whether a capture session is active.
func (s *Session) Listening() bool {
	return s.voice != nil && s.voice.Listening()
}

// OnListeningChange registers fn for listening flag changes.
func (s *Session) OnListeningChange(fn func(bool)) func() {
	if s.voice == nil {
		return func() {}
	}
	return s.voice.OnStateChange(func(state voice.State) {
		fn(state == voice.StateListening)
	})
}

// WaitVoice blocks until every capture goroutine has returned.
func (s *Session) WaitVoice() {
	if s.voice != nil {
		s.voice.Wait()
	}
}

// Close stops voice capture, waits for in-flight commands (bounded by ctx),
// then releases subscriptions and the store. Later calls return the first
// result.
func (s *Session) Close(ctx context.Context) error {
	s.closeOnce.Do(func() {
		if s.voice != nil {
			s.voice.Close()
		}
		var errs []error
		if err := s.orchestrator.Close(ctx); err != nil {
			errs = append(errs, fmt.Errorf("drain commands: %w", err))
		}
		s.notifier.Close()
		if err := s.store.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close store: %w", err))
		}
		s.closeErr = errors.Join(errs...)
	})
	return s.closeErr
}
