// Package orchestrator accepts raw commands, classifies them and drives
// their execution in the background.
//
// Submit returns as soon as the Pending record is durable. Execution is
// claimed by a Pending to Running compare-and-set in the store, so a record
// is executed at most once no matter how many times it is dispatched.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"

	"github.com/doeshing/sidekick/internal/application/notify"
	"github.com/doeshing/sidekick/internal/domain"
	"github.com/doeshing/sidekick/internal/ports"
)

// Journal receives the conversation side effects of a command.
type Journal interface {
	AddUserMessage(text string)
	AddAssistantMessage(text string)
	RecordAction(action string, kind domain.IntentKind, commandID string, status domain.CommandStatus)
}

// Observer is told about lifecycle milestones. Implementations must not block.
type Observer interface {
	CommandSubmitted(rec domain.CommandRecord)
	CommandClassified(provider string, elapsed time.Duration, err error)
	CommandFinished(rec domain.CommandRecord, elapsed time.Duration)
}

// Dependencies wires a Service.
type Dependencies struct {
	Classifier ports.IntentClassifier
	Executor   ports.ActionExecutor
	Store      ports.CommandStore
	Notifier   *notify.Notifier
	Journal    Journal
	Observer   Observer
	Logger     ports.Logger
	Clock      clockwork.Clock
	NewID      func() string

	ClassifyTimeout time.Duration
	ExecuteTimeout  time.Duration
}

// Service is the command orchestrator.
type Service struct {
	deps Dependencies

	mu       sync.Mutex
	closed   bool
	inflight sync.WaitGroup
}

// New validates deps and fills in defaults.
func New(deps Dependencies) (*Service, error) {
	if deps.Classifier == nil || deps.Executor == nil || deps.Store == nil || deps.Notifier == nil || deps.Logger == nil {
		return nil, errors.New("orchestrator.Service dependencies not satisfied")
	}
	if deps.Clock == nil {
		deps.Clock = clockwork.NewRealClock()
	}
	if deps.NewID == nil {
		deps.NewID = uuid.NewString
	}
	if deps.Journal == nil {
		deps.Journal = nopJournal{}
	}
	if deps.Observer == nil {
		deps.Observer = nopObserver{}
	}
	if deps.ClassifyTimeout <= 0 {
		deps.ClassifyTimeout = domain.DefaultClassifierTimeout
	}
	if deps.ExecuteTimeout <= 0 {
		deps.ExecuteTimeout = domain.DefaultExecutionTimeout
	}
	return &Service{deps: deps}, nil
}

// Submit records the user's text, classifies it and persists a Pending
// record before execution starts in the background. Classification failures
// do not fail Submit; the record goes straight to Failed instead.
func (s *Service) Submit(ctx context.Context, rawText string) (*Handle, error) {
	text := strings.TrimSpace(rawText)
	if text == "" {
		return nil, fmt.Errorf("%w: command text is empty", domain.ErrInvalidInput)
	}
	if s.isClosed() {
		return nil, domain.ErrClosed
	}

	s.deps.Journal.AddUserMessage(text)

	classification, classifyErr := s.classify(ctx, text)
	if ctxErr := ctx.Err(); ctxErr != nil {
		s.journalFailure(domain.UnknownIntent(), "")
		return nil, ctxErr
	}

	intent := classification.Intent
	response := strings.TrimSpace(classification.Reply)
	if classifyErr != nil {
		intent = domain.UnknownIntent()
		response = domain.FailureResponse
	} else if response == "" {
		response = "Working on it: " + intent.Summary() + "."
	}

	record := domain.NewCommandRecord(s.deps.NewID(), text, intent, response, s.deps.Clock.Now().UTC())
	if err := s.deps.Store.Create(ctx, record); err != nil {
		s.journalFailure(record.Intent, "")
		s.deps.Logger.Error("persist command", err, map[string]interface{}{"command_id": record.ID})
		return nil, fmt.Errorf("persist command: %w", err)
	}
	s.deps.Observer.CommandSubmitted(record)

	handle, err := s.track(record)
	if err != nil {
		return nil, err
	}
	if !s.start(func() { s.run(record, classifyErr) }) {
		return handle, domain.ErrClosed
	}
	return handle, nil
}

// Dispatch re-drives a record that is still Pending.
func (s *Service) Dispatch(ctx context.Context, id string) (*Handle, error) {
	record, err := s.deps.Store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if record.Status != domain.StatusPending {
		return nil, fmt.Errorf("%w: %s is %s", domain.ErrAlreadyStarted, id, record.Status)
	}
	handle, err := s.track(record)
	if err != nil {
		return nil, err
	}
	if !s.start(func() { s.run(record, nil) }) {
		return handle, domain.ErrClosed
	}
	return handle, nil
}

// RecoverReport summarises a Recover pass.
type RecoverReport struct {
	Dispatched  int
	Interrupted int
}

// Recover resumes work left over by a previous process. Pending records are
// dispatched; Running records were cut off mid-execution and are failed
// without running the executor again.
func (s *Service) Recover(ctx context.Context) (RecoverReport, error) {
	var report RecoverReport

	pending, err := s.deps.Store.List(ctx, domain.CommandQuery{Status: domain.StatusPending})
	if err != nil {
		return report, fmt.Errorf("list pending commands: %w", err)
	}
	var errs []error
	for _, rec := range pending {
		if _, err := s.Dispatch(ctx, rec.ID); err != nil {
			if errors.Is(err, domain.ErrAlreadyStarted) {
				continue
			}
			errs = append(errs, fmt.Errorf("dispatch %s: %w", rec.ID, err))
			continue
		}
		report.Dispatched++
	}

	running, err := s.deps.Store.List(ctx, domain.CommandQuery{Status: domain.StatusRunning})
	if err != nil {
		return report, errors.Join(append(errs, fmt.Errorf("list running commands: %w", err))...)
	}
	for _, rec := range running {
		final, err := s.deps.Store.Update(ctx, rec.ID, func(r *domain.CommandRecord) error {
			if r.Status != domain.StatusRunning {
				return domain.ErrAlreadyStarted
			}
			r.Status = domain.StatusFailed
			r.ResponseText = domain.InterruptedResponse
			r.Result = &domain.CommandResult{Error: "interrupted"}
			return nil
		})
		if errors.Is(err, domain.ErrAlreadyStarted) {
			continue
		}
		if err != nil {
			errs = append(errs, fmt.Errorf("interrupt %s: %w", rec.ID, err))
			continue
		}
		report.Interrupted++
		s.deps.Journal.RecordAction(final.Intent.Summary(), final.Intent.Kind, final.ID, final.Status)
		s.deps.Observer.CommandFinished(final, final.UpdatedAt.Sub(final.CreatedAt))
	}

	if report.Dispatched > 0 || report.Interrupted > 0 {
		s.deps.Logger.Info("recovered commands", map[string]interface{}{
			"dispatched":  report.Dispatched,
			"interrupted": report.Interrupted,
		})
	}
	return report, errors.Join(errs...)
}

// Close stops accepting commands and waits for in-flight executions or ctx.
func (s *Service) Close(ctx context.Context) error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()

	done := make(chan struct{})
	go func() {
		s.inflight.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("waiting for in-flight commands: %w", ctx.Err())
	}
}

func (s *Service) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// start launches fn as tracked background work unless the service is closed.
func (s *Service) start(fn func()) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	s.inflight.Add(1)
	go func() {
		defer s.inflight.Done()
		fn()
	}()
	return true
}

func (s *Service) classify(ctx context.Context, text string) (ports.Classification, error) {
	ctx, cancel := context.WithTimeout(ctx, s.deps.ClassifyTimeout)
	defer cancel()

	started := s.deps.Clock.Now()
	classification, err := s.deps.Classifier.Classify(ctx, text)
	s.deps.Observer.CommandClassified(s.deps.Classifier.Name(), s.deps.Clock.Since(started), err)
	if err != nil {
		s.deps.Logger.Warn("classification failed", map[string]interface{}{
			"classifier": s.deps.Classifier.Name(),
			"error":      err.Error(),
		})
		return ports.Classification{}, err
	}
	if !classification.Intent.Kind.Valid() {
		classification.Intent.Kind = domain.ParseIntentKind(string(classification.Intent.Kind))
	}
	return classification, nil
}

// run finishes one record. The store write from Pending to Running is the
// claim; losing it means another dispatch owns the record. The journal is
// written before the terminal transition so that anyone woken by the
// terminal record already sees the reply.
func (s *Service) run(record domain.CommandRecord, classifyErr error) {
	ctx := context.Background()
	started := s.deps.Clock.Now()

	var out outcome
	if classifyErr != nil {
		out = outcome{
			from:     domain.StatusPending,
			to:       domain.StatusFailed,
			response: domain.FailureResponse,
			result:   &domain.CommandResult{Error: classifyErr.Error()},
			current:  record,
		}
	} else {
		var err error
		out, err = s.execute(ctx, record)
		if errors.Is(err, domain.ErrAlreadyStarted) {
			return
		}
		if err != nil {
			s.deps.Logger.Error("claim command", err, map[string]interface{}{"command_id": record.ID})
			s.journalFailure(record.Intent, record.ID)
			return
		}
	}

	reply := out.response
	if reply == "" {
		reply = out.current.ResponseText
	}
	s.deps.Journal.AddAssistantMessage(reply)
	s.deps.Journal.RecordAction(out.current.Intent.Summary(), out.current.Intent.Kind, record.ID, out.to)

	final, err := s.finish(ctx, record.ID, out)
	if errors.Is(err, domain.ErrAlreadyStarted) {
		s.deps.Logger.Warn("command finished elsewhere", map[string]interface{}{"command_id": record.ID})
		return
	}
	if err != nil {
		s.deps.Logger.Error("finish command", err, map[string]interface{}{"command_id": record.ID})
		return
	}

	s.deps.Observer.CommandFinished(final, s.deps.Clock.Since(started))
	s.deps.Logger.Debug("command finished", map[string]interface{}{
		"command_id": final.ID,
		"status":     string(final.Status),
		"kind":       string(final.Intent.Kind),
	})
}

// outcome is a terminal transition that has not been written yet.
type outcome struct {
	from, to domain.CommandStatus
	// response replaces the record's reply; empty keeps the classifier's.
	response string
	result   *domain.CommandResult
	current  domain.CommandRecord
}

// execute claims the record and runs the executor.
func (s *Service) execute(ctx context.Context, record domain.CommandRecord) (outcome, error) {
	running, err := s.deps.Store.Update(ctx, record.ID, func(r *domain.CommandRecord) error {
		if r.Status != domain.StatusPending {
			return domain.ErrAlreadyStarted
		}
		r.Status = domain.StatusRunning
		return nil
	})
	if err != nil {
		return outcome{}, err
	}

	execCtx, cancel := context.WithTimeout(ctx, s.deps.ExecuteTimeout)
	result, execErr := s.deps.Executor.Execute(execCtx, running.Intent)
	cancel()

	out := outcome{from: domain.StatusRunning, to: domain.StatusCompleted, result: &result, current: running}
	if execErr != nil {
		s.deps.Logger.Warn("execution failed", map[string]interface{}{
			"command_id": record.ID,
			"kind":       string(running.Intent.Kind),
			"error":      execErr.Error(),
		})
		result.Error = execErr.Error()
		out.to = domain.StatusFailed
		out.response = domain.FailureResponse
	}
	return out, nil
}

func (s *Service) finish(ctx context.Context, id string, out outcome) (domain.CommandRecord, error) {
	return s.deps.Store.Update(ctx, id, func(r *domain.CommandRecord) error {
		if r.Status != out.from {
			return domain.ErrAlreadyStarted
		}
		r.Status = out.to
		r.Result = out.result
		if out.response != "" {
			r.ResponseText = out.response
		}
		return nil
	})
}

// journalFailure reports a command that never produced a terminal record.
func (s *Service) journalFailure(intent domain.Intent, commandID string) {
	s.deps.Journal.AddAssistantMessage(domain.FailureResponse)
	s.deps.Journal.RecordAction(intent.Summary(), intent.Kind, commandID, domain.StatusFailed)
}

type nopJournal struct{}

func (nopJournal) AddUserMessage(string)                                                {}
func (nopJournal) AddAssistantMessage(string)                                           {}
func (nopJournal) RecordAction(string, domain.IntentKind, string, domain.CommandStatus) {}

type nopObserver struct{}

func (nopObserver) CommandSubmitted(domain.CommandRecord)               {}
func (nopObserver) CommandClassified(string, time.Duration, error)      {}
func (nopObserver) CommandFinished(domain.CommandRecord, time.Duration) {}
