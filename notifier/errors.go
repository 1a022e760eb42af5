package notifier

import "errors"

// Notifier lifecycle errors
var (
	// ErrAlreadyStarted is returned when Start is called on a running notifier
	ErrAlreadyStarted = errors.New("notifier already started")

	// ErrNotStarted is returned when Stop is called on a stopped notifier
	ErrNotStarted = errors.New("notifier not started")
)
