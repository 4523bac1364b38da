package domain

import "time"

// File permissions constants
const (
	// DirectoryPermissions is the default permission for directories (rwxr-xr-x)
	DirectoryPermissions = 0o755
	// SecureFilePermissions is the permission for sensitive files (rw-------)
	SecureFilePermissions = 0o600
)

// Assistant constants
const (
	// ActionLogCapacity is the number of entries kept in the recent-actions feed
	ActionLogCapacity = 5
	// DefaultGreeting seeds the conversation and is restored by ClearMessages
	DefaultGreeting = "Hello! I'm your assistant. How can I help you today?"
	// FailureResponse replaces the response text when a command cannot be processed
	FailureResponse = "I'm sorry, something went wrong while processing your request."
	// InterruptedResponse is recorded for commands that were running when the process stopped
	InterruptedResponse = "This command was interrupted before it finished."
	// RelativeTimeJustNow is the window rendered as "just now" in the action feed
	RelativeTimeJustNow = 10 * time.Second
)

// Timeout and duration constants
const (
	// DefaultClassifierTimeout bounds a single classification call
	DefaultClassifierTimeout = 30 * time.Second
	// DefaultExecutionTimeout bounds a single executor invocation
	DefaultExecutionTimeout = 2 * time.Minute
	// DefaultHTTPClientTimeout is the timeout for HTTP client requests
	DefaultHTTPClientTimeout = 60 * time.Second
	// DefaultVoiceTimeout bounds one speech recognition call
	DefaultVoiceTimeout = 2 * time.Minute
	// DefaultClassifierCacheTTL is how long a classification is reused for identical text
	DefaultClassifierCacheTTL = 10 * time.Minute
)

// Limit constants
const (
	// DefaultHistoryLimit is the default number of records to display
	DefaultHistoryLimit = 20
	// DefaultRetentionDays is the default number of days terminal records are kept
	DefaultRetentionDays = 30
	// DefaultMaxTokens is the default maximum number of tokens
	DefaultMaxTokens = 512
)

// Time formats
const (
	// TimestampFormat is the standard timestamp format
	TimestampFormat = time.RFC3339Nano
)
