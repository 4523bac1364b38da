package domain

import (
	"fmt"
	"time"
)

// CommandStatus is the lifecycle state of a CommandRecord.
type CommandStatus string

const (
	StatusPending   CommandStatus = "pending"
	StatusRunning   CommandStatus = "running"
	StatusCompleted CommandStatus = "completed"
	StatusFailed    CommandStatus = "failed"
)

// Terminal reports whether no further transitions are permitted.
func (s CommandStatus) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// Valid reports whether s is a known status.
func (s CommandStatus) Valid() bool {
	switch s {
	case StatusPending, StatusRunning, StatusCompleted, StatusFailed:
		return true
	}
	return false
}

// CanTransitionTo reports whether moving from s to next is a legal step.
// Pending may fail directly (classification failure, interrupted before start).
func (s CommandStatus) CanTransitionTo(next CommandStatus) bool {
	switch s {
	case StatusPending:
		return next == StatusRunning || next == StatusFailed
	case StatusRunning:
		return next == StatusCompleted || next == StatusFailed
	default:
		return false
	}
}

// CommandResult is populated only on a terminal transition.
type CommandResult struct {
	Output string         `json:"output,omitempty" bson:"output,omitempty"`
	Data   map[string]any `json:"data,omitempty" bson:"data,omitempty"`
	Error  string         `json:"error,omitempty" bson:"error,omitempty"`
}

// CommandRecord is the durable, observable unit of work for one submitted command.
type CommandRecord struct {
	ID           string         `json:"id" bson:"_id"`
	Text         string         `json:"text" bson:"text"`
	Intent       Intent         `json:"intent" bson:"intent"`
	ResponseText string         `json:"responseText" bson:"responseText"`
	Status       CommandStatus  `json:"status" bson:"status"`
	Result       *CommandResult `json:"result" bson:"result"`
	Revision     int64          `json:"revision" bson:"revision"`
	CreatedAt    time.Time      `json:"createdAt" bson:"createdAt"`
	UpdatedAt    time.Time      `json:"updatedAt" bson:"updatedAt"`
}

// Clone returns a copy that shares no mutable state with the receiver.
func (r CommandRecord) Clone() CommandRecord {
	out := r
	out.Intent = r.Intent.Clone()
	if r.Result != nil {
		res := *r.Result
		if r.Result.Data != nil {
			res.Data = cloneMap(r.Result.Data)
		}
		out.Result = &res
	}
	return out
}

// NewCommandRecord builds a Pending record at revision 1.
func NewCommandRecord(id, text string, intent Intent, response string, now time.Time) CommandRecord {
	return CommandRecord{
		ID:           id,
		Text:         text,
		Intent:       intent.Clone(),
		ResponseText: response,
		Status:       StatusPending,
		Revision:     1,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
}

// ValidateTransition checks that next is a legal successor of prev.
// Stores call it after every mutator so the monotonic-status invariant holds
// regardless of which backend is in use.
func ValidateTransition(prev, next CommandRecord) error {
	if next.ID != prev.ID {
		return fmt.Errorf("%w: id changed from %s to %s", ErrInvalidTransition, prev.ID, next.ID)
	}
	if !next.Status.Valid() {
		return fmt.Errorf("%w: unknown status %q", ErrInvalidTransition, next.Status)
	}
	if next.Status != prev.Status && !prev.Status.CanTransitionTo(next.Status) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, prev.Status, next.Status)
	}
	if prev.Status.Terminal() {
		return fmt.Errorf("%w: record %s is already %s", ErrInvalidTransition, prev.ID, prev.Status)
	}
	if next.Result != nil && !next.Status.Terminal() {
		return fmt.Errorf("%w: result set on non-terminal status %s", ErrInvalidTransition, next.Status)
	}
	return nil
}

// CommandQuery filters List calls for the history view.
type CommandQuery struct {
	Status CommandStatus
	Limit  int
}
