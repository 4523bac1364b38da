package executor

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"

	"github.com/doeshing/sidekick/internal/domain"
	"github.com/doeshing/sidekick/internal/ports"
)

// AgendaEntry is one booked item.
type AgendaEntry struct {
	ID       string    `json:"id"`
	Title    string    `json:"title"`
	When     string    `json:"when,omitempty"`
	BookedAt time.Time `json:"bookedAt"`
}

// AgendaExecutor books schedule intents into an in-process list.
type AgendaExecutor struct {
	mu      sync.Mutex
	clock   clockwork.Clock
	entries []AgendaEntry
}

// NewAgendaExecutor returns an empty agenda. A nil clock uses the real one.
func NewAgendaExecutor(clock clockwork.Clock) *AgendaExecutor {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &AgendaExecutor{clock: clock}
}

// Execute implements ports.ActionExecutor.
func (a *AgendaExecutor) Execute(ctx context.Context, intent domain.Intent) (domain.CommandResult, error) {
	if err := ctx.Err(); err != nil {
		return domain.CommandResult{}, &domain.ExecutionError{Kind: intent.Kind, Err: err}
	}

	title := strings.TrimSpace(intent.TargetOr(""))
	if title == "" {
		title = "an event"
	}
	entry := AgendaEntry{
		ID:       uuid.NewString(),
		Title:    title,
		When:     strings.TrimSpace(intent.Param("when")),
		BookedAt: a.clock.Now().UTC(),
	}

	a.mu.Lock()
	a.entries = append(a.entries, entry)
	a.mu.Unlock()

	output := "Scheduled " + entry.Title
	if entry.When != "" {
		output += " for " + entry.When
	}
	return domain.CommandResult{
		Output: output + ".",
		Data: map[string]any{
			"entryId": entry.ID,
			"title":   entry.Title,
			"when":    entry.When,
		},
	}, nil
}

// Entries returns the booked items, oldest first.
func (a *AgendaExecutor) Entries() []AgendaEntry {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]AgendaEntry, len(a.entries))
	copy(out, a.entries)
	return out
}

var _ ports.ActionExecutor = (*AgendaExecutor)(nil)
