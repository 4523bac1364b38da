// Package notify fans command record changes out to subscribers.
//
// Each subscription owns a FIFO mailbox drained by its own goroutine, so a
// slow subscriber never stalls the store or its peers. The current snapshot
// is delivered on the caller's goroutine before Subscribe returns, and a
// subscription releases itself once it has delivered a terminal record.
package notify

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/doeshing/sidekick/internal/domain"
	"github.com/doeshing/sidekick/internal/ports"
)

// Callback receives record updates for one subscription.
type Callback func(domain.CommandRecord)

// Stats is a point-in-time view of the notifier.
type Stats struct {
	Active    int
	Delivered uint64
}

// Notifier multiplexes store subscriptions.
type Notifier struct {
	store  ports.CommandStore
	logger ports.Logger

	mu     sync.Mutex
	subs   map[*Subscription]struct{}
	closed bool

	delivered atomic.Uint64
	workers   sync.WaitGroup
}

// New returns a notifier reading from store.
func New(store ports.CommandStore, logger ports.Logger) *Notifier {
	return &Notifier{
		store:  store,
		logger: logger,
		subs:   make(map[*Subscription]struct{}),
	}
}

// Subscription is one subscriber's view of one command.
type Subscription struct {
	id       string
	notifier *Notifier
	cb       Callback

	mu     sync.Mutex
	queue  []domain.CommandRecord
	wake   chan struct{}
	done   chan struct{}
	once   sync.Once
	cancel func()
}

// ID is the command id being observed.
func (s *Subscription) ID() string {
	return s.id
}

// Done is closed once the subscription has been released, either after a
// terminal delivery or by Unsubscribe.
func (s *Subscription) Done() <-chan struct{} {
	return s.done
}

// Unsubscribe stops deliveries. It is idempotent and safe to call from the
// callback or after the subscription has already released itself.
func (s *Subscription) Unsubscribe() {
	s.release()
}

// Subscribe starts observing id. The snapshot (when the record exists) has
// been handed to cb by the time Subscribe returns.
func (n *Notifier) Subscribe(ctx context.Context, id string, cb Callback) (*Subscription, error) {
	if cb == nil {
		return nil, domain.ErrInvalidInput
	}
	sub := &Subscription{
		id:       id,
		notifier: n,
		cb:       cb,
		wake:     make(chan struct{}, 1),
		done:     make(chan struct{}),
	}

	n.mu.Lock()
	if n.closed {
		n.mu.Unlock()
		return nil, domain.ErrClosed
	}
	n.subs[sub] = struct{}{}
	n.mu.Unlock()

	cancel, err := n.store.Subscribe(ctx, id, sub.enqueue)
	if err != nil {
		n.forget(sub)
		return nil, err
	}
	sub.mu.Lock()
	if sub.released() {
		sub.mu.Unlock()
		cancel()
		return nil, domain.ErrClosed
	}
	sub.cancel = cancel
	sub.mu.Unlock()

	// Nothing else drains the mailbox yet, so this flushes the snapshot
	// (and anything that raced in behind it) in order.
	if sub.drain() {
		return sub, nil
	}

	n.workers.Add(1)
	go func() {
		defer n.workers.Done()
		sub.run()
	}()
	return sub, nil
}

// Stats reports active subscriptions and total deliveries.
func (n *Notifier) Stats() Stats {
	n.mu.Lock()
	defer n.mu.Unlock()
	return Stats{Active: len(n.subs), Delivered: n.delivered.Load()}
}

// Close releases every subscription and waits for delivery goroutines.
func (n *Notifier) Close() {
	n.mu.Lock()
	n.closed = true
	subs := make([]*Subscription, 0, len(n.subs))
	for sub := range n.subs {
		subs = append(subs, sub)
	}
	n.mu.Unlock()

	for _, sub := range subs {
		sub.release()
	}
	n.workers.Wait()
}

func (n *Notifier) forget(sub *Subscription) {
	n.mu.Lock()
	delete(n.subs, sub)
	n.mu.Unlock()
}

func (s *Subscription) enqueue(rec domain.CommandRecord) {
	s.mu.Lock()
	select {
	case <-s.done:
		s.mu.Unlock()
		return
	default:
	}
	s.queue = append(s.queue, rec)
	s.mu.Unlock()

	select {
	case s.wake <- struct{}{}:
	default:
	}
}

// drain delivers everything queued and reports whether the subscription
// is finished.
func (s *Subscription) drain() bool {
	for {
		s.mu.Lock()
		if len(s.queue) == 0 {
			s.mu.Unlock()
			return s.released()
		}
		rec := s.queue[0]
		s.queue[0] = domain.CommandRecord{}
		s.queue = s.queue[1:]
		s.mu.Unlock()

		if s.released() {
			return true
		}
		s.cb(rec)
		s.notifier.delivered.Add(1)
		if rec.Status.Terminal() {
			s.release()
			return true
		}
	}
}

func (s *Subscription) run() {
	for {
		if s.drain() {
			return
		}
		select {
		case <-s.wake:
		case <-s.done:
			return
		}
	}
}

func (s *Subscription) released() bool {
	select {
	case <-s.done:
		return true
	default:
		return false
	}
}

func (s *Subscription) release() {
	s.once.Do(func() {
		s.mu.Lock()
		close(s.done)
		s.queue = nil
		cancel := s.cancel
		s.mu.Unlock()
		if cancel != nil {
			cancel()
		}
		s.notifier.forget(s)
		if s.notifier.logger != nil {
			s.notifier.logger.Debug("subscription released", map[string]interface{}{"command_id": s.id})
		}
	})
}
