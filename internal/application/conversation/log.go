package conversation

import (
	"sync"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"

	"github.com/doeshing/sidekick/internal/domain"
)

// Listener observes every state change.
type Listener func(State)

// Log is the conversation state of one assistant session. It is safe for
// concurrent use.
type Log struct {
	clock    clockwork.Clock
	greeting string

	mu         sync.Mutex
	state      State
	nextAction uint64
	listeners  map[int]Listener
	nextToken  int
}

// NewLog seeds the transcript with greeting (domain.DefaultGreeting when empty).
func NewLog(greeting string, clock clockwork.Clock) *Log {
	if greeting == "" {
		greeting = domain.DefaultGreeting
	}
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	l := &Log{clock: clock, greeting: greeting, listeners: make(map[int]Listener)}
	l.state = Reduce(State{}, ClearMessages{Greeting: l.greetingMessage()})
	return l
}

// Dispatch applies e after filling in ids and timestamps it lacks.
func (l *Log) Dispatch(e Event) {
	l.mu.Lock()
	e = l.complete(e)
	l.state = Reduce(l.state, e)
	snapshot := l.state.Clone()
	listeners := make([]Listener, 0, len(l.listeners))
	for _, fn := range l.listeners {
		listeners = append(listeners, fn)
	}
	l.mu.Unlock()

	for _, fn := range listeners {
		fn(snapshot)
	}
}

func (l *Log) complete(e Event) Event {
	now := l.clock.Now().UTC()
	switch ev := e.(type) {
	case AddMessage:
		if ev.Message.ID == "" {
			ev.Message.ID = uuid.NewString()
		}
		if ev.Message.Timestamp.IsZero() {
			ev.Message.Timestamp = now
		}
		return ev
	case ClearMessages:
		if ev.Greeting.Content == "" {
			ev.Greeting = l.greetingMessage()
		}
		return ev
	case AddAction:
		if ev.Entry.ID == 0 {
			l.nextAction++
			ev.Entry.ID = l.nextAction
		} else if ev.Entry.ID > l.nextAction {
			l.nextAction = ev.Entry.ID
		}
		if ev.Entry.At.IsZero() {
			ev.Entry.At = now
		}
		return ev
	}
	return e
}

func (l *Log) greetingMessage() domain.ConversationMessage {
	return domain.ConversationMessage{
		ID:        uuid.NewString(),
		Role:      domain.RoleAssistant,
		Content:   l.greeting,
		Timestamp: l.clock.Now().UTC(),
	}
}

// AddUserMessage appends a user message.
func (l *Log) AddUserMessage(text string) {
	l.Dispatch(AddMessage{Message: domain.ConversationMessage{Role: domain.RoleUser, Content: text}})
}

// AddAssistantMessage appends an assistant message.
func (l *Log) AddAssistantMessage(text string) {
	l.Dispatch(AddMessage{Message: domain.ConversationMessage{Role: domain.RoleAssistant, Content: text}})
}

// RecordAction adds an entry to the recent-actions feed.
func (l *Log) RecordAction(action string, kind domain.IntentKind, commandID string, status domain.CommandStatus) {
	l.Dispatch(AddAction{Entry: domain.ActionLogEntry{
		Action:    action,
		Kind:      kind,
		CommandID: commandID,
		Status:    status,
	}})
}

// State returns a copy of the current state.
func (l *Log) State() State {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.state.Clone()
}

// Messages returns the transcript, oldest first.
func (l *Log) Messages() []domain.ConversationMessage {
	return l.State().Messages
}

// RecentActions returns the feed, newest first, with labels relative to now.
func (l *Log) RecentActions() []domain.ActionView {
	actions := l.State().Actions
	now := l.clock.Now()
	views := make([]domain.ActionView, len(actions))
	for i, entry := range actions {
		views[i] = entry.View(now)
	}
	return views
}

// OnChange registers fn and returns a func that removes it.
func (l *Log) OnChange(fn Listener) func() {
	l.mu.Lock()
	token := l.nextToken
	l.nextToken++
	l.listeners[token] = fn
	l.mu.Unlock()

	return func() {
		l.mu.Lock()
		delete(l.listeners, token)
		l.mu.Unlock()
	}
}
