package storage

import (
	"context"
	"encoding/json"
	"strconv"
	"time"
)

// NodeType identifies the behavior of a flow node.
type NodeType string

const (
	NodeTypeMessage   NodeType = "MESSAGE"
	NodeTypeQuestion  NodeType = "QUESTION"
	NodeTypeCondition NodeType = "CONDITION"
	NodeTypeAction    NodeType = "ACTION"
	NodeTypeWebhook   NodeType = "WEBHOOK"
	NodeTypeComposite NodeType = "COMPOSITE"
	NodeTypeScript    NodeType = "SCRIPT"
)

// IsValid returns true if the node type is one of the supported types.
func (t NodeType) IsValid() bool {
	switch t {
	case NodeTypeMessage, NodeTypeQuestion, NodeTypeCondition, NodeTypeAction,
		NodeTypeWebhook, NodeTypeComposite, NodeTypeScript:
		return true
	default:
		return false
	}
}

// ConnectionType labels an outgoing edge of a node.
//
// Besides the fixed labels below, question option routing uses the dynamic
// labels "OPTION_0", "OPTION_1", ... produced by OptionConnection.
type ConnectionType string

const (
	ConnectionDefault ConnectionType = "DEFAULT"
	ConnectionSuccess ConnectionType = "SUCCESS"
	ConnectionFailure ConnectionType = "FAILURE"
)

// OptionConnection returns the edge label for the n-th question option.
func OptionConnection(n int) ConnectionType {
	return ConnectionType("OPTION_" + strconv.Itoa(n))
}

// Flow is a published, versioned flow graph definition.
type Flow struct {
	ID          string         `json:"id"`
	Name        string         `json:"name"`
	Version     string         `json:"version"`
	Published   bool           `json:"published"`
	EntryNodeID string         `json:"entry_node_id"`
	Theme       map[string]any `json:"theme,omitempty"`
	CreatedAt   time.Time      `json:"created_at"`
	UpdatedAt   time.Time      `json:"updated_at"`
}

// Node is one vertex of a flow graph. NodeID is the author-assigned
// identifier, unique within the flow; ID is the database identity.
type Node struct {
	ID      string          `json:"id"`
	FlowID  string          `json:"flow_id"`
	NodeID  string          `json:"node_id"`
	Type    NodeType        `json:"node_type"`
	Content json.RawMessage `json:"content"`
}

// Connection is one labeled directed edge between two nodes of a flow.
type Connection struct {
	ID           string          `json:"id"`
	FlowID       string          `json:"flow_id"`
	SourceNodeID string          `json:"source_node_id"`
	TargetNodeID string          `json:"target_node_id"`
	Type         ConnectionType  `json:"connection_type"`
	Conditions   json.RawMessage `json:"conditions,omitempty"`
}

// FlowGraph bundles a flow with its nodes and connections.
type FlowGraph struct {
	Flow        *Flow         `json:"flow"`
	Nodes       []*Node       `json:"nodes"`
	Connections []*Connection `json:"connections"`
}

// SessionStatus is the lifecycle state of a conversation session.
type SessionStatus string

const (
	SessionActive    SessionStatus = "ACTIVE"
	SessionCompleted SessionStatus = "COMPLETED"
	SessionAbandoned SessionStatus = "ABANDONED"
)

// IsTerminal returns true if no further writes are allowed in this status.
func (s SessionStatus) IsTerminal() bool {
	return s == SessionCompleted || s == SessionAbandoned
}

// Session is one end-user's running instance of a flow.
type Session struct {
	ID             string         `json:"id"`
	SessionToken   string         `json:"session_token"`
	FlowID         string         `json:"flow_id"`
	UserID         *string        `json:"user_id,omitempty"`
	State          map[string]any `json:"state"`
	CurrentNodeID  *string        `json:"current_node_id,omitempty"`
	Revision       int64          `json:"revision"`
	Status         SessionStatus  `json:"status"`
	StartedAt      time.Time      `json:"started_at"`
	LastActivityAt time.Time      `json:"last_activity_at"`
	EndedAt        *time.Time     `json:"ended_at,omitempty"`
}

// InteractionType classifies a conversation history entry.
type InteractionType string

const (
	InteractionMessage InteractionType = "MESSAGE"
	InteractionInput   InteractionType = "INPUT"
	InteractionAction  InteractionType = "ACTION"
)

// HistoryEntry is one row of the append-only conversation log.
type HistoryEntry struct {
	ID              string          `json:"id"`
	SessionID       string          `json:"session_id"`
	NodeID          string          `json:"node_id"`
	InteractionType InteractionType `json:"interaction_type"`
	Content         map[string]any  `json:"content"`
	CreatedAt       time.Time       `json:"created_at"`
}

// IdempotencyStatus is the lifecycle state of a ledger record.
type IdempotencyStatus string

const (
	IdempotencyInProgress IdempotencyStatus = "IN_PROGRESS"
	IdempotencySucceeded  IdempotencyStatus = "SUCCEEDED"
	IdempotencyFailed     IdempotencyStatus = "FAILED"
)

// IsTerminal returns true if the status is absorbing.
func (s IdempotencyStatus) IsTerminal() bool {
	return s == IdempotencySucceeded || s == IdempotencyFailed
}

// IdempotencyRecord guarantees at-most-once success for a background task.
type IdempotencyRecord struct {
	Key             string            `json:"idempotency_key"`
	SessionID       string            `json:"session_id"`
	NodeID          string            `json:"node_id"`
	SessionRevision int64             `json:"session_revision"`
	Status          IdempotencyStatus `json:"status"`
	ResultData      map[string]any    `json:"result_data,omitempty"`
	ErrorMessage    *string           `json:"error_message,omitempty"`
	CreatedAt       time.Time         `json:"created_at"`
	UpdatedAt       time.Time         `json:"updated_at"`
}

// Result status values a worker records for executions it had to discard.
// Discarded executions finalize the ledger as SUCCEEDED so the task is never
// retried, but carry one of these markers so callers can tell nothing ran.
const (
	ResultDiscardedStale          = "discarded_stale"
	ResultDiscardedSessionMissing = "discarded_session_not_found"
)

// TaskType identifies the kind of background work a task carries.
type TaskType string

const (
	TaskTypeAction  TaskType = "action"
	TaskTypeWebhook TaskType = "webhook"
)

// TaskStatus is the queue state of a task row. Execution outcome lives in
// the idempotency ledger; the queue only tracks dispatch.
type TaskStatus string

const (
	TaskPending TaskStatus = "pending"
	TaskClaimed TaskStatus = "claimed"
	TaskDone    TaskStatus = "done"
)

// Task is one enqueued background operation.
type Task struct {
	ID              string          `json:"id"`
	Type            TaskType        `json:"task_type"`
	SessionID       string          `json:"session_id"`
	NodeID          string          `json:"node_id"`
	SessionRevision int64           `json:"session_revision"`
	IdempotencyKey  string          `json:"idempotency_key"`
	Payload         json.RawMessage `json:"payload"`
	Status          TaskStatus      `json:"status"`
	Attempts        int             `json:"attempts"`
	ClaimedBy       *string         `json:"claimed_by,omitempty"`
	ClaimedAt       *time.Time      `json:"claimed_at,omitempty"`
	CreatedAt       time.Time       `json:"created_at"`
}

// EventType classifies a flow_events notification.
type EventType string

const (
	EventSessionStarted       EventType = "session_started"
	EventNodeChanged          EventType = "node_changed"
	EventSessionStatusChanged EventType = "session_status_changed"
	EventSessionUpdated       EventType = "session_updated"
	EventSessionDeleted       EventType = "session_deleted"
)

// Event is the payload published on the flow_events channel for every
// committed session change. Events are best-effort: disconnected
// subscribers miss them and there is no replay.
type Event struct {
	Type             EventType     `json:"event_type"`
	SessionID        string        `json:"session_id"`
	FlowID           string        `json:"flow_id"`
	UserID           *string       `json:"user_id,omitempty"`
	CurrentNodeID    *string       `json:"current_node_id,omitempty"`
	PreviousNodeID   *string       `json:"previous_node_id,omitempty"`
	Status           SessionStatus `json:"status"`
	PreviousStatus   SessionStatus `json:"previous_status"`
	Revision         int64         `json:"revision"`
	PreviousRevision int64         `json:"previous_revision"`
	OccurredAt       time.Time     `json:"occurred_at"`
}

// UpdateStateParams describes one conditional session write. The update is
// deep-merged into the stored state (see MergeState), the revision is
// bumped by exactly one, history rows are inserted in the same transaction,
// and an event is published on commit.
type UpdateStateParams struct {
	SessionID        string
	StateUpdates     map[string]any
	ExpectedRevision int64

	// Replace stores StateUpdates as the complete new state instead of
	// merging. The engine uses this: it loaded the full state at
	// ExpectedRevision and the CAS guarantees nobody wrote in between.
	Replace bool

	// CurrentNodeID, when non-nil, moves the session's waiting position.
	CurrentNodeID *string

	// Status, when non-empty, transitions the session lifecycle.
	Status SessionStatus

	// History rows to append atomically with the write.
	History []HistoryAppend
}

// HistoryAppend is one pending conversation log row.
type HistoryAppend struct {
	NodeID          string
	InteractionType InteractionType
	Content         map[string]any
}

// Store is the persistence interface for the flow runtime.
type Store interface {
	// Flow operations
	SaveFlowGraph(ctx context.Context, graph *FlowGraph) error
	GetFlowGraph(ctx context.Context, flowID string) (*FlowGraph, error)
	SetFlowPublished(ctx context.Context, flowID string, published bool) error
	DeleteFlow(ctx context.Context, flowID string) error

	// Session operations
	CreateSession(ctx context.Context, flowID string, userID *string, initialState map[string]any, token string) (*Session, error)
	GetSession(ctx context.Context, sessionID string) (*Session, error)
	GetSessionByToken(ctx context.Context, token string) (*Session, error)
	UpdateSessionState(ctx context.Context, params UpdateStateParams) (*Session, error)
	EndSession(ctx context.Context, sessionID string, status SessionStatus) (*Session, error)
	DeleteSession(ctx context.Context, sessionID string) error
	AbandonIdleSessions(ctx context.Context, idleFor time.Duration) (int, error)

	// History operations
	AppendHistory(ctx context.Context, sessionID, nodeID string, interactionType InteractionType, content map[string]any) error
	GetHistory(ctx context.Context, sessionID string, limit int) ([]*HistoryEntry, error)

	// Idempotency ledger operations
	AcquireIdempotency(ctx context.Context, key, sessionID, nodeID string, sessionRevision int64) (bool, *IdempotencyRecord, error)
	CompleteIdempotency(ctx context.Context, key string, success bool, resultData map[string]any, errorMessage string) error
	GetIdempotency(ctx context.Context, key string) (*IdempotencyRecord, error)
	ValidateRevision(ctx context.Context, sessionID string, taskRevision int64) (bool, error)

	// Task queue operations
	EnqueueTask(ctx context.Context, task *Task) error
	ClaimTasks(ctx context.Context, instanceID string, limit int) ([]*Task, error)
	CompleteTask(ctx context.Context, taskID string) error
	RescueStuckTasks(ctx context.Context, claimedFor time.Duration) (int, error)

	// Instance registry operations
	RegisterInstance(ctx context.Context, instanceID, hostname string, metadata map[string]any) error
	HeartbeatInstance(ctx context.Context, instanceID string) error
	DeregisterInstance(ctx context.Context, instanceID string) error
	CleanupStaleInstances(ctx context.Context, ttl time.Duration) (int, error)

	// Leadership operations
	AttemptLeadership(ctx context.Context, instanceID string, ttl time.Duration) (bool, error)
	ResignLeadership(ctx context.Context, instanceID string) error
}
