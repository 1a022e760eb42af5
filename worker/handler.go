package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/convoflow/flowpg/processor"
	"github.com/convoflow/flowpg/storage"
	"github.com/convoflow/flowpg/variables"
)

// actionPayload is the task payload for ACTION nodes dispatched to the
// background.
type actionPayload struct {
	Actions []processor.ActionSpec `json:"actions"`
}

// processTask runs one claimed task through the idempotency protocol:
//
//  1. Acquire the ledger record before any side effect. A record finalized
//     by an earlier attempt means the work is done; drop the task.
//  2. Validate the session still exists and still sits at the revision the
//     task was enqueued against. A stale task finalizes as SUCCEEDED with a
//     discarded marker and runs nothing, so a retried duplicate can never
//     double-apply.
//  3. Execute, write state under the revision check, finalize the ledger.
//
// Every terminal outcome completes the task row; a task row that stays
// claimed (worker crash, ledger held by another in-flight attempt) is
// returned to pending by the rescuer.
func (w *Worker) processTask(ctx context.Context, task *storage.Task) error {
	acquired, rec, err := w.store.AcquireIdempotency(ctx, task.IdempotencyKey, task.SessionID, task.NodeID, task.SessionRevision)
	if err != nil {
		return fmt.Errorf("failed to acquire ledger record: %w", err)
	}
	if !acquired {
		if rec.Status.IsTerminal() {
			// Already executed by an earlier attempt.
			tasksProcessed.WithLabelValues("duplicate").Inc()
			return w.store.CompleteTask(ctx, task.ID)
		}
		// Another attempt holds the record. Leave the task claimed; the
		// rescuer re-pends it if that attempt died.
		w.logger.Warn("ledger record held by another attempt",
			"task_id", task.ID, "idempotency_key", task.IdempotencyKey)
		return nil
	}

	session, err := w.store.GetSession(ctx, task.SessionID)
	if errors.Is(err, storage.ErrSessionNotFound) {
		return w.discard(ctx, task, storage.ResultDiscardedSessionMissing)
	}
	if err != nil {
		return fmt.Errorf("failed to load session: %w", err)
	}
	if session.Revision != task.SessionRevision {
		return w.discard(ctx, task, storage.ResultDiscardedStale)
	}

	result, execErr := w.execute(ctx, session, task)
	if execErr != nil {
		tasksProcessed.WithLabelValues("failed").Inc()
		w.logger.Warn("task execution failed",
			"task_id", task.ID,
			"task_type", task.Type,
			"session_id", task.SessionID,
			"node_id", task.NodeID,
			"error", execErr)
		return w.finalize(ctx, task, false, nil, execErr.Error())
	}

	tasksProcessed.WithLabelValues("succeeded").Inc()
	w.logger.Info("task completed",
		"task_id", task.ID,
		"task_type", task.Type,
		"session_id", task.SessionID,
		"node_id", task.NodeID)
	return w.finalize(ctx, task, true, result, "")
}

// execute runs the task's operation against a resolver over the session
// state and writes the mutated state back under the revision check. An
// ErrRevisionConflict on the write means the session moved mid-execution;
// the write is abandoned and the task fails so nothing half-lands.
func (w *Worker) execute(ctx context.Context, session *storage.Session, task *storage.Task) (map[string]any, error) {
	resolver, err := variables.New(session.State,
		variables.WithSecrets(w.secrets),
		variables.WithLogger(w.logger))
	if err != nil {
		return nil, err
	}

	var result map[string]any
	switch task.Type {
	case storage.TaskTypeWebhook:
		var cfg processor.WebhookConfig
		if err := json.Unmarshal(task.Payload, &cfg); err != nil {
			return nil, fmt.Errorf("malformed webhook payload: %w", err)
		}
		result, err = w.proc.ExecuteWebhook(ctx, resolver, cfg)
		if err != nil {
			return nil, err
		}

	case storage.TaskTypeAction:
		var payload actionPayload
		if err := json.Unmarshal(task.Payload, &payload); err != nil {
			return nil, fmt.Errorf("malformed action payload: %w", err)
		}
		results, err := w.proc.ApplyActions(ctx, resolver, payload.Actions)
		if err != nil {
			return nil, err
		}
		result = map[string]any{"actions": len(payload.Actions), "results": results}

	default:
		return nil, fmt.Errorf("unknown task type %q", task.Type)
	}

	state, err := resolver.State()
	if err != nil {
		return nil, err
	}
	_, err = w.store.UpdateSessionState(ctx, storage.UpdateStateParams{
		SessionID:        session.ID,
		StateUpdates:     state,
		ExpectedRevision: session.Revision,
		Replace:          true,
		History: []storage.HistoryAppend{{
			NodeID:          task.NodeID,
			InteractionType: storage.InteractionAction,
			Content:         map[string]any{"task": string(task.Type), "result": result},
		}},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to write task state: %w", err)
	}
	if result == nil {
		result = map[string]any{}
	}
	result["status"] = "ok"
	return result, nil
}

// discard finalizes the ledger SUCCEEDED with a marker explaining that
// nothing ran, then completes the task.
func (w *Worker) discard(ctx context.Context, task *storage.Task, reason string) error {
	tasksProcessed.WithLabelValues("discarded").Inc()
	w.logger.Info("task discarded",
		"task_id", task.ID,
		"session_id", task.SessionID,
		"node_id", task.NodeID,
		"reason", reason)
	return w.finalize(ctx, task, true, map[string]any{"status": reason}, "")
}

// finalize writes the terminal ledger state, fires the completion hook, and
// completes the task row. A ledger already finalized by a racing attempt is
// not an error.
func (w *Worker) finalize(ctx context.Context, task *storage.Task, success bool, result map[string]any, errMsg string) error {
	err := w.store.CompleteIdempotency(ctx, task.IdempotencyKey, success, result, errMsg)
	if err != nil && !errors.Is(err, storage.ErrIdempotencyFinalized) {
		return fmt.Errorf("failed to finalize ledger record: %w", err)
	}

	if rec, err := w.store.GetIdempotency(ctx, task.IdempotencyKey); err == nil {
		w.hooks.FireTaskComplete(ctx, rec)
	}

	return w.store.CompleteTask(ctx, task.ID)
}
