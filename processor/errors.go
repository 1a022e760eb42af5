package processor

import (
	"errors"
	"fmt"
	"strings"
)

// Common processor errors
var (
	// ErrInvalidInput is returned for malformed actions or non-numeric calculate expressions
	ErrInvalidInput = errors.New("invalid input")

	// ErrWebhookFailed is returned when an outbound webhook call fails
	ErrWebhookFailed = errors.New("webhook failed")

	// ErrAPICallFailed is returned when an api_call action fails
	ErrAPICallFailed = errors.New("api call failed")
)

// ValidationError aggregates the issues found while validating an action
// list. Validation precedes execution; nothing is partially applied.
type ValidationError struct {
	Issues []string
}

// Error implements the error interface
func (e *ValidationError) Error() string {
	return fmt.Sprintf("action validation failed: %s", strings.Join(e.Issues, "; "))
}

// Unwrap lets callers match ErrInvalidInput.
func (e *ValidationError) Unwrap() error {
	return ErrInvalidInput
}
