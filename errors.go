package flowpg

import (
	"errors"
	"fmt"

	"github.com/convoflow/flowpg/storage"
)

// Common errors
var (
	// ErrInvalidConfig is returned when the client configuration is invalid
	ErrInvalidConfig = errors.New("invalid configuration")

	// ErrClientNotStarted is returned when calling methods before Start()
	ErrClientNotStarted = errors.New("client not started")

	// ErrClientAlreadyStarted is returned when Start() is called twice
	ErrClientAlreadyStarted = errors.New("client already started")

	// ErrReservedStateKey is returned when an external state update touches
	// a key the runtime owns
	ErrReservedStateKey = errors.New("reserved state key")
)

// Storage sentinels re-exported for callers that only import the root
// package. errors.Is works across either name.
var (
	ErrFlowNotFound     = storage.ErrFlowNotFound
	ErrSessionNotFound  = storage.ErrSessionNotFound
	ErrSessionEnded     = storage.ErrSessionEnded
	ErrRevisionConflict = storage.ErrRevisionConflict
	ErrFlowNotPublished = storage.ErrFlowNotPublished
)

// FlowError represents an error with operation context.
type FlowError struct {
	Op        string         // Operation that failed
	Err       error          // Underlying error
	SessionID string         // Session ID if applicable
	Context   map[string]any // Additional context
}

// Error implements the error interface
func (e *FlowError) Error() string {
	if e.SessionID != "" {
		return fmt.Sprintf("%s (session=%s): %v", e.Op, e.SessionID, e.Err)
	}
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

// Unwrap returns the underlying error
func (e *FlowError) Unwrap() error {
	return e.Err
}

// WithContext adds additional context to the error
func (e *FlowError) WithContext(key string, value any) *FlowError {
	if e.Context == nil {
		e.Context = make(map[string]any)
	}
	e.Context[key] = value
	return e
}

// NewFlowError creates a new FlowError
func NewFlowError(op string, err error) *FlowError {
	return &FlowError{Op: op, Err: err}
}

// NewFlowErrorWithSession creates a new FlowError with session ID
func NewFlowErrorWithSession(op, sessionID string, err error) *FlowError {
	return &FlowError{Op: op, Err: err, SessionID: sessionID}
}
