package orchestrator

import (
	"context"
	"sync"

	"github.com/doeshing/sidekick/internal/application/notify"
	"github.com/doeshing/sidekick/internal/domain"
)

// Handle is returned by Submit and Dispatch. It tracks one command until it
// reaches a terminal state.
type Handle struct {
	id       string
	initial  domain.CommandRecord
	notifier *notify.Notifier

	mu     sync.Mutex
	latest domain.CommandRecord
	done   chan struct{}
	once   sync.Once
}

func (s *Service) track(record domain.CommandRecord) (*Handle, error) {
	h := &Handle{
		id:       record.ID,
		initial:  record.Clone(),
		notifier: s.deps.Notifier,
		latest:   record.Clone(),
		done:     make(chan struct{}),
	}
	if _, err := s.deps.Notifier.Subscribe(context.Background(), record.ID, h.observe); err != nil {
		return nil, err
	}
	return h, nil
}

func (h *Handle) observe(rec domain.CommandRecord) {
	h.mu.Lock()
	if rec.Revision >= h.latest.Revision {
		h.latest = rec
	}
	h.mu.Unlock()
	if rec.Status.Terminal() {
		h.once.Do(func() { close(h.done) })
	}
}

// ID is the command id.
func (h *Handle) ID() string {
	return h.id
}

// Initial is the record as it was when the handle was created.
func (h *Handle) Initial() domain.CommandRecord {
	return h.initial.Clone()
}

// Latest is the newest revision the handle has observed.
func (h *Handle) Latest() domain.CommandRecord {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.latest.Clone()
}

// Done is closed once the command is Completed or Failed.
func (h *Handle) Done() <-chan struct{} {
	return h.done
}

// Wait blocks until the command is terminal or ctx ends.
func (h *Handle) Wait(ctx context.Context) (domain.CommandRecord, error) {
	select {
	case <-h.done:
		return h.Latest(), nil
	case <-ctx.Done():
		return h.Latest(), ctx.Err()
	}
}

// Subscribe streams the command's states to cb, starting with the current one.
func (h *Handle) Subscribe(ctx context.Context, cb notify.Callback) (*notify.Subscription, error) {
	return h.notifier.Subscribe(ctx, h.id, cb)
}
