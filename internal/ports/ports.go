// Package ports defines the interfaces (ports) for the hexagonal architecture.
//
// This package establishes the contract between the assistant core and its
// external adapters. The orchestrator, notifier and voice adapter depend only
// on these abstractions; classifiers, executors, stores and recognizers live
// in the infrastructure layer.
//
// Key architectural concepts:
//   - Ports: Interfaces defined here (e.g., IntentClassifier, CommandStore)
//   - Adapters: Concrete implementations in the infrastructure layer
//   - Dependency inversion: Application depends on abstractions, not implementations
package ports

import (
	"context"
	"time"

	"github.com/doeshing/sidekick/internal/domain"
)

// ConfigProvider loads the latest configuration from persistent storage.
// Implementations typically read from ~/.sidekick/config.yaml.
type ConfigProvider interface {
	Load(context.Context) (domain.Config, error)
}

// Classification is what a classifier produces for one utterance: the intent
// plus the human-readable reply shown in the conversation.
type Classification struct {
	Intent domain.Intent
	Reply  string
}

// IntentClassifier turns free text into a structured intent.
// Calls may take arbitrarily long; failures are reported as *domain.ClassificationError.
type IntentClassifier interface {
	Name() string
	Classify(ctx context.Context, text string) (Classification, error)
}

// ClassifierFactory builds classifier instances from model definitions.
type ClassifierFactory interface {
	ForModel(domain.ModelDefinition) (IntentClassifier, error)
}

// ActionExecutor performs the side effect an intent asks for.
// It is not guaranteed idempotent and must never be retried automatically.
type ActionExecutor interface {
	Execute(ctx context.Context, intent domain.Intent) (domain.CommandResult, error)
}

// RecordCallback receives record snapshots from a subscription.
// Callbacks must not call Update on the record they observe synchronously.
type RecordCallback func(domain.CommandRecord)

// Mutator edits a record in place inside an atomic read-modify-write.
// Returning an error aborts the update and leaves the record unchanged.
type Mutator func(*domain.CommandRecord) error

// CommandStore is durable keyed storage of command lifecycle state with
// change notification.
//
// Subscribe delivers the current snapshot synchronously (when the record
// exists) and then every later revision in order, with no gaps and no
// duplicates. Subscribing to an id that does not exist yet is allowed; the
// first delivery is then its creation.
type CommandStore interface {
	Create(ctx context.Context, record domain.CommandRecord) error
	Get(ctx context.Context, id string) (domain.CommandRecord, error)
	Update(ctx context.Context, id string, mutate Mutator) (domain.CommandRecord, error)
	Subscribe(ctx context.Context, id string, cb RecordCallback) (unsubscribe func(), err error)
	List(ctx context.Context, query domain.CommandQuery) ([]domain.CommandRecord, error)
	PruneTerminal(ctx context.Context, olderThan time.Time) (int, error)
	Close() error
}

// CaptureRequest configures one voice capture session.
type CaptureRequest struct {
	AudioPath string
	Language  string
	Prompt    string
}

// SpeechRecognizer produces a transcription for one capture session.
// Implementations must return promptly once ctx is cancelled where the
// underlying engine allows it.
type SpeechRecognizer interface {
	Recognize(ctx context.Context, req CaptureRequest) (string, error)
}

// Logger provides structured logging abstraction for the application layer.
// Implementations can route to different backends (stdout, files, external services).
type Logger interface {
	Debug(msg string, fields map[string]interface{})
	Info(msg string, fields map[string]interface{})
	Warn(msg string, fields map[string]interface{})
	Error(msg string, err error, fields map[string]interface{})
}
