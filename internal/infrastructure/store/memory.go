package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/doeshing/sidekick/internal/domain"
	"github.com/doeshing/sidekick/internal/ports"
)

// Option customises a store.
type Option func(*storeOptions)

type storeOptions struct {
	clock clockwork.Clock
}

// WithClock overrides the clock used to stamp UpdatedAt.
func WithClock(clock clockwork.Clock) Option {
	return func(o *storeOptions) {
		o.clock = clock
	}
}

func buildOptions(opts []Option) storeOptions {
	o := storeOptions{clock: clockwork.NewRealClock()}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

// MemoryStore keeps records in process memory. It is the single-process
// backend and the reference implementation for the others.
type MemoryStore struct {
	mu      sync.RWMutex
	entries map[string]*memoryEntry
	hub     *hub
	clock   clockwork.Clock
	closed  bool
}

// memoryEntry guards one record. writeMu serialises updates and their
// publishes; mu guards the record value for readers.
type memoryEntry struct {
	writeMu sync.Mutex
	mu      sync.RWMutex
	record  domain.CommandRecord
}

// NewMemoryStore returns an empty in-memory store.
func NewMemoryStore(opts ...Option) *MemoryStore {
	o := buildOptions(opts)
	return &MemoryStore{
		entries: make(map[string]*memoryEntry),
		hub:     newHub(),
		clock:   o.clock,
	}
}

// Create implements ports.CommandStore.
func (s *MemoryStore) Create(_ context.Context, record domain.CommandRecord) error {
	if record.ID == "" {
		return fmt.Errorf("%w: empty command id", domain.ErrInvalidInput)
	}
	if record.Revision == 0 {
		record.Revision = 1
	}
	entry := &memoryEntry{record: record.Clone()}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return domain.ErrClosed
	}
	if _, exists := s.entries[record.ID]; exists {
		s.mu.Unlock()
		return fmt.Errorf("%w: %s", domain.ErrDuplicateID, record.ID)
	}
	entry.writeMu.Lock()
	s.entries[record.ID] = entry
	s.mu.Unlock()

	defer entry.writeMu.Unlock()
	s.hub.publish(entry.snapshot())
	return nil
}

// Get implements ports.CommandStore.
func (s *MemoryStore) Get(_ context.Context, id string) (domain.CommandRecord, error) {
	entry, ok := s.lookup(id)
	if !ok {
		return domain.CommandRecord{}, domain.NotFound(id)
	}
	return entry.snapshot(), nil
}

// Update implements ports.CommandStore.
func (s *MemoryStore) Update(_ context.Context, id string, mutate ports.Mutator) (domain.CommandRecord, error) {
	entry, ok := s.lookup(id)
	if !ok {
		return domain.CommandRecord{}, domain.NotFound(id)
	}

	entry.writeMu.Lock()
	defer entry.writeMu.Unlock()

	entry.mu.Lock()
	next, err := applyMutation(entry.record, mutate, s.clock.Now())
	if err != nil {
		entry.mu.Unlock()
		return domain.CommandRecord{}, err
	}
	entry.record = next
	entry.mu.Unlock()

	s.hub.publish(next)
	return next.Clone(), nil
}

// Subscribe implements ports.CommandStore.
func (s *MemoryStore) Subscribe(_ context.Context, id string, cb ports.RecordCallback) (func(), error) {
	if cb == nil {
		return nil, fmt.Errorf("%w: nil callback", domain.ErrInvalidInput)
	}
	return s.hub.subscribe(id, cb, func() (domain.CommandRecord, bool, error) {
		entry, ok := s.lookup(id)
		if !ok {
			return domain.CommandRecord{}, false, nil
		}
		return entry.snapshot(), true, nil
	})
}

// List implements ports.CommandStore.
func (s *MemoryStore) List(_ context.Context, query domain.CommandQuery) ([]domain.CommandRecord, error) {
	s.mu.RLock()
	records := make([]domain.CommandRecord, 0, len(s.entries))
	for _, entry := range s.entries {
		rec := entry.snapshot()
		if query.Status != "" && rec.Status != query.Status {
			continue
		}
		records = append(records, rec)
	}
	s.mu.RUnlock()
	return sortAndLimit(records, query.Limit), nil
}

// PruneTerminal implements ports.CommandStore.
func (s *MemoryStore) PruneTerminal(_ context.Context, olderThan time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	removed := 0
	for id, entry := range s.entries {
		rec := entry.snapshot()
		if rec.Status.Terminal() && rec.UpdatedAt.Before(olderThan) {
			delete(s.entries, id)
			removed++
		}
	}
	return removed, nil
}

// Close drops all subscriptions; later writes fail with domain.ErrClosed.
func (s *MemoryStore) Close() error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	s.hub.closeAll()
	return nil
}

func (s *MemoryStore) lookup(id string) (*memoryEntry, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	entry, ok := s.entries[id]
	return entry, ok
}

func (e *memoryEntry) snapshot() domain.CommandRecord {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.record.Clone()
}

// applyMutation runs mutate on a copy of current and validates the result.
// Every backend funnels its writes through here.
func applyMutation(current domain.CommandRecord, mutate ports.Mutator, now time.Time) (domain.CommandRecord, error) {
	if mutate == nil {
		return domain.CommandRecord{}, fmt.Errorf("%w: nil mutator", domain.ErrInvalidInput)
	}
	next := current.Clone()
	if err := mutate(&next); err != nil {
		return domain.CommandRecord{}, err
	}
	if err := domain.ValidateTransition(current, next); err != nil {
		return domain.CommandRecord{}, err
	}
	next.Revision = current.Revision + 1
	next.CreatedAt = current.CreatedAt
	next.UpdatedAt = now.UTC()
	if next.UpdatedAt.Before(current.UpdatedAt) {
		next.UpdatedAt = current.UpdatedAt
	}
	return next, nil
}

func sortAndLimit(records []domain.CommandRecord, limit int) []domain.CommandRecord {
	sort.SliceStable(records, func(i, j int) bool {
		if records[i].CreatedAt.Equal(records[j].CreatedAt) {
			return records[i].ID > records[j].ID
		}
		return records[i].CreatedAt.After(records[j].CreatedAt)
	})
	if limit > 0 && len(records) > limit {
		records = records[:limit]
	}
	return records
}

var _ ports.CommandStore = (*MemoryStore)(nil)
