package engine

import (
	"errors"
	"fmt"
	"strings"
)

// Common engine errors
var (
	// ErrInvalidNodeContent is returned when a node payload does not match its type schema
	ErrInvalidNodeContent = errors.New("invalid node content")

	// ErrNoEntryNode is returned when a flow's entry node cannot be resolved
	ErrNoEntryNode = errors.New("entry node not found")

	// ErrCompositeDepth is returned when nesting exceeds the composite depth limit
	ErrCompositeDepth = errors.New("composite depth limit exceeded")

	// ErrCompositeCycle is returned when a composite directly or indirectly embeds itself
	ErrCompositeCycle = errors.New("self-referential composite")

	// ErrStepLimit is returned when a single turn traverses too many nodes,
	// which almost always means a graph cycle without a blocking node
	ErrStepLimit = errors.New("turn step limit exceeded")

	// ErrTaskPending is returned when a turn arrives while a background task
	// for the session is still in flight
	ErrTaskPending = errors.New("background task still in progress")

	// ErrTaskFailed is returned when a background task finished FAILED and
	// the node has no FAILURE edge to route the session down
	ErrTaskFailed = errors.New("background task failed")
)

// ValidationError carries the full list of graph integrity issues found in
// a flow definition.
type ValidationError struct {
	FlowID string
	Issues []string
}

// Error implements the error interface
func (e *ValidationError) Error() string {
	return fmt.Sprintf("flow %s failed validation: %s", e.FlowID, strings.Join(e.Issues, "; "))
}
