// Package conversation keeps the chat transcript and the recent-actions feed.
//
// State changes go through Reduce, a pure function over a closed set of
// events. Log wraps the state for one assistant session and assigns ids and
// timestamps before events reach the reducer.
package conversation

import "github.com/doeshing/sidekick/internal/domain"

// State is the transcript plus the newest-first action feed.
type State struct {
	Messages []domain.ConversationMessage `json:"messages"`
	Actions  []domain.ActionLogEntry      `json:"actions"`
}

// Clone copies both slices.
func (s State) Clone() State {
	return State{
		Messages: append([]domain.ConversationMessage(nil), s.Messages...),
		Actions:  append([]domain.ActionLogEntry(nil), s.Actions...),
	}
}

// Event is a state transition. The set is closed: only the types in this
// package implement it.
type Event interface {
	apply(State) State
}

// AddMessage appends a message to the transcript.
type AddMessage struct {
	Message domain.ConversationMessage
}

// DeleteMessage removes the message with ID.
type DeleteMessage struct {
	ID string
}

// ClearMessages resets the transcript to the single Greeting message. The
// greeting is always an assistant message; empty content becomes
// domain.DefaultGreeting.
type ClearMessages struct {
	Greeting domain.ConversationMessage
}

// AddAction puts Entry at the front of the feed, keeping at most
// domain.ActionLogCapacity entries.
type AddAction struct {
	Entry domain.ActionLogEntry
}

// DeleteAction removes the entry with ID.
type DeleteAction struct {
	ID uint64
}

// ClearActions empties the feed.
type ClearActions struct{}

// Reduce returns the state after e. s is never modified.
func Reduce(s State, e Event) State {
	if e == nil {
		return s.Clone()
	}
	return e.apply(s)
}

func (e AddMessage) apply(s State) State {
	out := s.Clone()
	out.Messages = append(out.Messages, e.Message)
	return out
}

func (e DeleteMessage) apply(s State) State {
	out := State{Actions: append([]domain.ActionLogEntry(nil), s.Actions...)}
	for _, msg := range s.Messages {
		if msg.ID != e.ID {
			out.Messages = append(out.Messages, msg)
		}
	}
	return out
}

func (e ClearMessages) apply(s State) State {
	greeting := e.Greeting
	greeting.Role = domain.RoleAssistant
	if greeting.Content == "" {
		greeting.Content = domain.DefaultGreeting
	}
	return State{
		Messages: []domain.ConversationMessage{greeting},
		Actions:  append([]domain.ActionLogEntry(nil), s.Actions...),
	}
}

func (e AddAction) apply(s State) State {
	size := len(s.Actions) + 1
	if size > domain.ActionLogCapacity {
		size = domain.ActionLogCapacity
	}
	actions := make([]domain.ActionLogEntry, 0, size)
	actions = append(actions, e.Entry)
	for _, entry := range s.Actions {
		if len(actions) == domain.ActionLogCapacity {
			break
		}
		actions = append(actions, entry)
	}
	return State{
		Messages: append([]domain.ConversationMessage(nil), s.Messages...),
		Actions:  actions,
	}
}

func (e DeleteAction) apply(s State) State {
	out := State{Messages: append([]domain.ConversationMessage(nil), s.Messages...)}
	for _, entry := range s.Actions {
		if entry.ID != e.ID {
			out.Actions = append(out.Actions, entry)
		}
	}
	return out
}

func (ClearActions) apply(s State) State {
	return State{Messages: append([]domain.ConversationMessage(nil), s.Messages...)}
}
