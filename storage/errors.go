package storage

import "errors"

// Common storage errors
var (
	// ErrFlowNotFound is returned when a flow does not exist
	ErrFlowNotFound = errors.New("flow not found")

	// ErrFlowNotPublished is returned when creating a session against a draft flow
	ErrFlowNotPublished = errors.New("flow not published")

	// ErrNodeNotFound is returned when a node does not exist in its flow
	ErrNodeNotFound = errors.New("node not found")

	// ErrSessionNotFound is returned when a session does not exist
	ErrSessionNotFound = errors.New("session not found")

	// ErrSessionEnded is returned when writing to a COMPLETED or ABANDONED session
	ErrSessionEnded = errors.New("session already ended")

	// ErrRevisionConflict is returned when a conditional write loses the race.
	// The caller reloads the session and retries the computation.
	ErrRevisionConflict = errors.New("revision conflict")

	// ErrTokenTaken is returned when a session token collides
	ErrTokenTaken = errors.New("session token already in use")

	// ErrTaskNotFound is returned when a task does not exist
	ErrTaskNotFound = errors.New("task not found")

	// ErrIdempotencyNotFound is returned when a ledger record does not exist
	ErrIdempotencyNotFound = errors.New("idempotency record not found")

	// ErrIdempotencyFinalized is returned when completing an already-terminal record
	ErrIdempotencyFinalized = errors.New("idempotency record already finalized")
)
