package server

import (
	"errors"
	"net/http"

	"github.com/convoflow/flowpg/engine"
	"github.com/convoflow/flowpg/processor"
	"github.com/convoflow/flowpg/storage"
	"github.com/convoflow/flowpg/variables"
)

// statusFor maps runtime errors to HTTP status codes. Unrecognized errors
// are internal.
func statusFor(err error) int {
	var ve *engine.ValidationError
	switch {
	case errors.As(err, &ve):
		return http.StatusBadRequest
	case errors.Is(err, storage.ErrFlowNotFound),
		errors.Is(err, storage.ErrNodeNotFound),
		errors.Is(err, storage.ErrSessionNotFound),
		errors.Is(err, storage.ErrFlowNotPublished):
		return http.StatusNotFound
	case errors.Is(err, processor.ErrInvalidInput),
		errors.Is(err, engine.ErrInvalidNodeContent),
		errors.Is(err, variables.ErrUnknownScope),
		errors.Is(err, variables.ErrReadOnlyScope):
		return http.StatusBadRequest
	case errors.Is(err, storage.ErrSessionEnded):
		return http.StatusGone
	case errors.Is(err, storage.ErrRevisionConflict),
		errors.Is(err, storage.ErrTokenTaken):
		return http.StatusConflict
	case errors.Is(err, engine.ErrTaskPending):
		return http.StatusAccepted
	default:
		return http.StatusInternalServerError
	}
}

// publicMessage hides internal detail for 5xx responses.
func publicMessage(err error, status int) string {
	if status >= http.StatusInternalServerError {
		return "internal error"
	}
	return err.Error()
}
