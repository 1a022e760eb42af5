package engine

import (
	"encoding/json"
	"fmt"
	"strings"
)

// ReservedStateKey is the top-level state key the engine uses to persist
// its execution position between turns. Flow content cannot reference it
// because it is not a recognized scope, and external state updates must not
// touch it.
const ReservedStateKey = "__engine"

const marksKey = ReservedStateKey

// savedScopes holds the parent flow's input, output, and local scopes while
// a composite child runs. They are restored verbatim on return.
type savedScopes struct {
	Input  map[string]any `json:"input,omitempty"`
	Output map[string]any `json:"output,omitempty"`
	Local  map[string]any `json:"local,omitempty"`
}

// frame is one level of composite nesting. FlowID is the child flow being
// executed; ReturnNodeID is the composite node in the parent to resume from
// when the child completes.
type frame struct {
	FlowID        string            `json:"flow_id"`
	ReturnNodeID  string            `json:"return_node_id"`
	OutputMapping map[string]string `json:"output_mapping,omitempty"`
	Saved         savedScopes       `json:"saved"`
}

// pendingMark records the background task the session is blocked on. The
// idempotency key is deterministic (session, node, revision) so a lost task
// row can be re-enqueued without risking a double execution.
type pendingMark struct {
	Key      string `json:"key"`
	NodeID   string `json:"node_id"`
	Revision int64  `json:"revision"`
}

// marks is the engine's persisted execution position.
//
// Presented means the current node already ran and the session is waiting
// on the client (a question prompt or a script acknowledgment). When unset,
// the next turn executes the current node itself, which is how a freshly
// created session delivers its entry node on the first interaction.
type marks struct {
	Presented bool         `json:"presented,omitempty"`
	Frames    []frame      `json:"frames,omitempty"`
	Pending   *pendingMark `json:"pending,omitempty"`
}

// marksFromState decodes the reserved key out of a state snapshot. A missing
// key yields zero marks.
func marksFromState(state map[string]any) (*marks, error) {
	raw, ok := state[marksKey]
	if !ok {
		return &marks{}, nil
	}
	buf, err := json.Marshal(raw)
	if err != nil {
		return nil, fmt.Errorf("failed to encode engine marker: %w", err)
	}
	var m marks
	if err := json.Unmarshal(buf, &m); err != nil {
		return nil, fmt.Errorf("corrupt engine marker: %w", err)
	}
	return &m, nil
}

// applyTo writes the marks back into a state snapshot, removing the key
// entirely when there is nothing to record.
func (m *marks) applyTo(state map[string]any) (map[string]any, error) {
	if !m.Presented && len(m.Frames) == 0 && m.Pending == nil {
		delete(state, marksKey)
		return state, nil
	}

	// Round-trip through JSON so the stored value is a plain map, same as
	// every other state subtree.
	buf, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("failed to encode engine marker: %w", err)
	}
	var plain map[string]any
	if err := json.Unmarshal(buf, &plain); err != nil {
		return nil, fmt.Errorf("failed to encode engine marker: %w", err)
	}
	state[marksKey] = plain
	return state, nil
}

// activeFlowID returns the flow the session is currently executing in: the
// innermost composite child, or the session's root flow.
func (m *marks) activeFlowID(rootFlowID string) string {
	if n := len(m.Frames); n > 0 {
		return m.Frames[n-1].FlowID
	}
	return rootFlowID
}

// inStack reports whether a flow is the root or any frame of the composite
// stack. Entering such a flow again would recurse forever.
func (m *marks) inStack(rootFlowID, flowID string) bool {
	if flowID == rootFlowID {
		return true
	}
	for _, fr := range m.Frames {
		if fr.FlowID == flowID {
			return true
		}
	}
	return false
}

// scopeMap extracts a state subtree as a map, tolerating absence and any
// non-map junk an external state patch may have left behind.
func scopeMap(state map[string]any, scope string) map[string]any {
	if m, ok := state[scope].(map[string]any); ok {
		return m
	}
	return nil
}

// setNested writes a value at a dotted path inside a map, creating
// intermediate maps as needed.
func setNested(root map[string]any, path string, value any) {
	parts := strings.Split(path, ".")
	node := root
	for _, part := range parts[:len(parts)-1] {
		child, ok := node[part].(map[string]any)
		if !ok {
			child = map[string]any{}
			node[part] = child
		}
		node = child
	}
	node[parts[len(parts)-1]] = value
}
