package domain

import (
	"time"

	"github.com/dustin/go-humanize"
)

// Role identifies the author of a conversation message.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// ConversationMessage is one entry of the chat transcript.
type ConversationMessage struct {
	ID        string    `json:"id"`
	Role      Role      `json:"role"`
	Content   string    `json:"content"`
	Timestamp time.Time `json:"timestamp"`
}

// ActionLogEntry is one entry of the recent-actions feed.
type ActionLogEntry struct {
	ID        uint64        `json:"id"`
	Action    string        `json:"action"`
	Kind      IntentKind    `json:"kind,omitempty"`
	CommandID string        `json:"commandId,omitempty"`
	Status    CommandStatus `json:"status,omitempty"`
	At        time.Time     `json:"at"`
}

// Label renders the human-relative time label shown next to the entry.
func (e ActionLogEntry) Label(now time.Time) string {
	if e.At.IsZero() {
		return ""
	}
	if d := now.Sub(e.At); d < RelativeTimeJustNow && d > -RelativeTimeJustNow {
		return "just now"
	}
	return humanize.RelTime(e.At, now, "ago", "from now")
}

// ActionView is the render-ready form of an ActionLogEntry.
type ActionView struct {
	ActionLogEntry
	Time string `json:"time"`
}

// View pairs the entry with its label relative to now.
func (e ActionLogEntry) View(now time.Time) ActionView {
	return ActionView{ActionLogEntry: e, Time: e.Label(now)}
}
