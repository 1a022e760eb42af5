package maintenance

import "errors"

// Errors returned by the maintenance package.
var (
	// ErrAlreadyStarted is returned when Start() is called on a running service.
	ErrAlreadyStarted = errors.New("maintenance service already started")

	// ErrNotStarted is returned when Stop() is called on a stopped service.
	ErrNotStarted = errors.New("maintenance service not started")
)
