package engine

import (
	"github.com/convoflow/flowpg/storage"
)

// Message is one client-bound message emitted during a turn.
type Message struct {
	Text string `json:"text"`
	HTML string `json:"html,omitempty"`
}

// InputRequest describes the question the session is waiting on.
type InputRequest struct {
	NodeID    string           `json:"node_id"`
	Prompt    string           `json:"prompt"`
	InputType string           `json:"input_type,omitempty"`
	Variable  string           `json:"variable"`
	Options   []QuestionOption `json:"options,omitempty"`
}

// ScriptPayload is returned for SCRIPT nodes; the client executes the body
// and acknowledges with an ACTION interaction to resume the session.
type ScriptPayload struct {
	NodeID   string `json:"node_id"`
	Script   string `json:"script"`
	Language string `json:"language,omitempty"`
}

// PendingTask reports a background task the session is waiting on.
type PendingTask struct {
	TaskID         string `json:"task_id"`
	NodeID         string `json:"node_id"`
	IdempotencyKey string `json:"idempotency_key"`
	Status         string `json:"status"`
}

// TurnResponse is everything the client needs after one turn.
type TurnResponse struct {
	Messages      []Message        `json:"messages"`
	InputRequest  *InputRequest    `json:"input_request,omitempty"`
	Script        *ScriptPayload   `json:"script,omitempty"`
	Pending       *PendingTask     `json:"pending_task,omitempty"`
	CurrentNodeID *string          `json:"current_node_id,omitempty"`
	SessionEnded  bool             `json:"session_ended"`
	Session       *storage.Session `json:"session_updated,omitempty"`
}

// UserInput is the client's contribution to a turn.
type UserInput struct {
	Input     any                     `json:"input"`
	InputType storage.InteractionType `json:"input_type"`
}
