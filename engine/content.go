package engine

import (
	"encoding/json"
	"fmt"

	"github.com/convoflow/flowpg/condition"
	"github.com/convoflow/flowpg/processor"
	"github.com/convoflow/flowpg/storage"
)

// MessageContent is the payload of a MESSAGE node. A node carries either a
// single Text or an ordered Messages list. Format "markdown" renders to
// sanitized HTML alongside the raw text.
type MessageContent struct {
	Text     string        `json:"text,omitempty"`
	Format   string        `json:"format,omitempty"`
	Messages []MessageItem `json:"messages,omitempty"`
}

// MessageItem is one message of a multi-message MESSAGE node.
type MessageItem struct {
	Text   string `json:"text"`
	Format string `json:"format,omitempty"`
}

// items flattens the single-text and list forms.
func (c *MessageContent) items() []MessageItem {
	if len(c.Messages) > 0 {
		return c.Messages
	}
	if c.Text != "" {
		return []MessageItem{{Text: c.Text, Format: c.Format}}
	}
	return nil
}

// QuestionContent is the payload of a QUESTION node.
type QuestionContent struct {
	Question string `json:"question"`
	Format   string `json:"format,omitempty"`

	// Variable receives the user's answer; defaults to the node id in the
	// variables scope.
	Variable string `json:"variable,omitempty"`

	// InputType hints the client widget ("text", "choice", "number", ...).
	InputType string `json:"input_type,omitempty"`

	Options []QuestionOption `json:"options,omitempty"`
}

// QuestionOption is one selectable answer. Value defaults to the label.
type QuestionOption struct {
	Label string `json:"label"`
	Value any    `json:"value,omitempty"`
}

// ConditionContent is the payload of a CONDITION node.
type ConditionContent struct {
	Conditions  []condition.Clause `json:"conditions"`
	DefaultPath string             `json:"default_path,omitempty"`
}

// ActionContent is the payload of an ACTION node. Execution "async" forces
// background dispatch even for local actions; api_call actions always run
// in the background.
type ActionContent struct {
	Actions   []processor.ActionSpec `json:"actions"`
	Execution string                 `json:"execution,omitempty"`
}

// runsInline reports whether the node's actions apply synchronously within
// the turn.
func (c *ActionContent) runsInline() bool {
	if c.Execution == "async" {
		return false
	}
	for _, action := range c.Actions {
		if !action.IsLocal() {
			return false
		}
	}
	return true
}

// CompositeContent is the payload of a COMPOSITE node. Mappings are dotted
// source paths to dotted target paths.
type CompositeContent struct {
	FlowID        string            `json:"flow_id"`
	InputMapping  map[string]string `json:"input_mapping,omitempty"`
	OutputMapping map[string]string `json:"output_mapping,omitempty"`
}

// ScriptContent is the payload of a SCRIPT node. The body is returned to
// the client for client-side execution; the server never evaluates it.
type ScriptContent struct {
	Script   string `json:"script"`
	Language string `json:"language,omitempty"`

	// ResultVariable receives the client-reported result on resume.
	ResultVariable string `json:"result_variable,omitempty"`
}

// decodeContent unmarshals a node's payload into its type-specific record.
func decodeContent(node *storage.Node, dst any) error {
	content := node.Content
	if len(content) == 0 {
		content = json.RawMessage(`{}`)
	}
	if err := json.Unmarshal(content, dst); err != nil {
		return fmt.Errorf("%w: node %s has malformed %s content: %v", ErrInvalidNodeContent, node.NodeID, node.Type, err)
	}
	return nil
}
