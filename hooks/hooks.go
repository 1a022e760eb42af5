// Package hooks provides observability hooks for the flow runtime.
//
// Hooks are called synchronously on the execution path; they should be
// quick and must not mutate session state. Long operations belong in a
// goroutine owned by the hook.
package hooks

import (
	"context"
	"sync"

	"github.com/convoflow/flowpg/storage"
)

// BeforeNodeHook is called before a node executes. Returning an error
// aborts the turn.
type BeforeNodeHook func(ctx context.Context, sessionID, nodeID string, nodeType storage.NodeType) error

// AfterNodeHook is called after a node executes, with the execution error
// if any.
type AfterNodeHook func(ctx context.Context, sessionID, nodeID string, nodeType storage.NodeType, err error)

// TaskCompleteHook is called when a background task reaches a terminal
// ledger state.
type TaskCompleteHook func(ctx context.Context, record *storage.IdempotencyRecord)

// SessionEndHook is called when a session transitions to a terminal status.
type SessionEndHook func(ctx context.Context, sessionID string, status storage.SessionStatus)

// Registry holds all registered hooks
type Registry struct {
	mu           sync.RWMutex
	beforeNode   []BeforeNodeHook
	afterNode    []AfterNodeHook
	taskComplete []TaskCompleteHook
	sessionEnd   []SessionEndHook
}

// NewRegistry creates a new hook registry
func NewRegistry() *Registry {
	return &Registry{}
}

// OnBeforeNode registers a hook to be called before node execution
func (r *Registry) OnBeforeNode(hook BeforeNodeHook) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.beforeNode = append(r.beforeNode, hook)
}

// OnAfterNode registers a hook to be called after node execution
func (r *Registry) OnAfterNode(hook AfterNodeHook) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.afterNode = append(r.afterNode, hook)
}

// OnTaskComplete registers a hook to be called when a task finishes
func (r *Registry) OnTaskComplete(hook TaskCompleteHook) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.taskComplete = append(r.taskComplete, hook)
}

// OnSessionEnd registers a hook to be called when a session ends
func (r *Registry) OnSessionEnd(hook SessionEndHook) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sessionEnd = append(r.sessionEnd, hook)
}

// FireBeforeNode runs the before-node hooks in registration order and
// returns the first error.
func (r *Registry) FireBeforeNode(ctx context.Context, sessionID, nodeID string, nodeType storage.NodeType) error {
	r.mu.RLock()
	hooks := make([]BeforeNodeHook, len(r.beforeNode))
	copy(hooks, r.beforeNode)
	r.mu.RUnlock()

	for _, hook := range hooks {
		if err := hook(ctx, sessionID, nodeID, nodeType); err != nil {
			return err
		}
	}
	return nil
}

// FireAfterNode runs the after-node hooks in registration order.
func (r *Registry) FireAfterNode(ctx context.Context, sessionID, nodeID string, nodeType storage.NodeType, execErr error) {
	r.mu.RLock()
	hooks := make([]AfterNodeHook, len(r.afterNode))
	copy(hooks, r.afterNode)
	r.mu.RUnlock()

	for _, hook := range hooks {
		hook(ctx, sessionID, nodeID, nodeType, execErr)
	}
}

// FireTaskComplete runs the task-complete hooks in registration order.
func (r *Registry) FireTaskComplete(ctx context.Context, record *storage.IdempotencyRecord) {
	r.mu.RLock()
	hooks := make([]TaskCompleteHook, len(r.taskComplete))
	copy(hooks, r.taskComplete)
	r.mu.RUnlock()

	for _, hook := range hooks {
		hook(ctx, record)
	}
}

// FireSessionEnd runs the session-end hooks in registration order.
func (r *Registry) FireSessionEnd(ctx context.Context, sessionID string, status storage.SessionStatus) {
	r.mu.RLock()
	hooks := make([]SessionEndHook, len(r.sessionEnd))
	copy(hooks, r.sessionEnd)
	r.mu.RUnlock()

	for _, hook := range hooks {
		hook(ctx, sessionID, status)
	}
}
