package variables

import "errors"

// Common resolver errors
var (
	// ErrInvalidReference is returned for malformed references
	ErrInvalidReference = errors.New("invalid variable reference")

	// ErrUnknownScope is returned when a reference names a scope outside the closed set
	ErrUnknownScope = errors.New("unknown scope")

	// ErrReadOnlyScope is returned when flow content writes to user, context, or input
	ErrReadOnlyScope = errors.New("scope is read-only")

	// ErrSecretNotFound is returned when the secret source cannot resolve a key
	ErrSecretNotFound = errors.New("secret not found")
)
