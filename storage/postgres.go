package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgreSQL notification channels.
const (
	// ChannelFlowEvents carries session state-change events (see Event).
	ChannelFlowEvents = "flow_events"

	// ChannelTasksPending wakes workers when a task is enqueued.
	ChannelTasksPending = "flow_tasks_pending"
)

// txContextKey is the context key for storing pgx.Tx
type txContextKey struct{}

// WithTx returns a new context with the given transaction
func WithTx(ctx context.Context, tx pgx.Tx) context.Context {
	return context.WithValue(ctx, txContextKey{}, tx)
}

// TxFromContext retrieves the transaction from context, or nil if not present
func TxFromContext(ctx context.Context) pgx.Tx {
	if tx, ok := ctx.Value(txContextKey{}).(pgx.Tx); ok {
		return tx
	}
	return nil
}

// querier is a common interface for pgxpool.Pool and pgx.Tx
type querier interface {
	Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// PostgresStore implements Store using PostgreSQL with pgx
type PostgresStore struct {
	pool *pgxpool.Pool
}

var _ Store = (*PostgresStore)(nil)

// NewPostgresStore creates a new PostgreSQL store
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

// Pool exposes the underlying pool for listener construction.
func (s *PostgresStore) Pool() *pgxpool.Pool {
	return s.pool
}

// getQuerier returns the transaction from context if present, otherwise the pool
func (s *PostgresStore) getQuerier(ctx context.Context) querier {
	if tx := TxFromContext(ctx); tx != nil {
		return tx
	}
	return s.pool
}

// inTx runs fn inside a transaction unless the context already carries one.
func (s *PostgresStore) inTx(ctx context.Context, fn func(ctx context.Context, tx querier) error) error {
	if tx := TxFromContext(ctx); tx != nil {
		return fn(ctx, tx)
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if err := fn(WithTx(ctx, tx), tx); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

// notify publishes an event on the flow_events channel. When called inside
// a transaction the notification is delivered on commit, which gives
// subscribers per-session commit order.
func (s *PostgresStore) notify(ctx context.Context, q querier, event *Event) error {
	payload, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}
	if _, err := q.Exec(ctx, `SELECT pg_notify($1, $2)`, ChannelFlowEvents, string(payload)); err != nil {
		return fmt.Errorf("failed to notify: %w", err)
	}
	return nil
}

// =========================================================================
// Flow operations
// =========================================================================

// SaveFlowGraph upserts a flow with its nodes and connections in one
// transaction. Existing nodes and connections are replaced wholesale;
// versions are immutable by convention, so authors clone rather than edit
// published flows.
func (s *PostgresStore) SaveFlowGraph(ctx context.Context, graph *FlowGraph) error {
	if graph == nil || graph.Flow == nil {
		return fmt.Errorf("flow graph is required")
	}
	flow := graph.Flow
	if flow.ID == "" {
		flow.ID = uuid.New().String()
	}

	themeJSON, err := json.Marshal(orEmpty(flow.Theme))
	if err != nil {
		return fmt.Errorf("failed to marshal theme: %w", err)
	}

	return s.inTx(ctx, func(ctx context.Context, tx querier) error {
		_, err := tx.Exec(ctx, `
			INSERT INTO flowpg_flows (id, name, version, published, entry_node_id, theme, created_at, updated_at)
			VALUES ($1, $2, $3, $4, $5, $6, NOW(), NOW())
			ON CONFLICT (id) DO UPDATE SET
				name = EXCLUDED.name,
				version = EXCLUDED.version,
				published = EXCLUDED.published,
				entry_node_id = EXCLUDED.entry_node_id,
				theme = EXCLUDED.theme,
				updated_at = NOW()
		`, flow.ID, flow.Name, flow.Version, flow.Published, flow.EntryNodeID, themeJSON)
		if err != nil {
			return fmt.Errorf("failed to upsert flow: %w", err)
		}

		if _, err := tx.Exec(ctx, `DELETE FROM flowpg_nodes WHERE flow_id = $1`, flow.ID); err != nil {
			return fmt.Errorf("failed to clear nodes: %w", err)
		}
		if _, err := tx.Exec(ctx, `DELETE FROM flowpg_connections WHERE flow_id = $1`, flow.ID); err != nil {
			return fmt.Errorf("failed to clear connections: %w", err)
		}

		for _, node := range graph.Nodes {
			if node.ID == "" {
				node.ID = uuid.New().String()
			}
			content := node.Content
			if len(content) == 0 {
				content = json.RawMessage(`{}`)
			}
			_, err := tx.Exec(ctx, `
				INSERT INTO flowpg_nodes (id, flow_id, node_id, node_type, content)
				VALUES ($1, $2, $3, $4, $5)
			`, node.ID, flow.ID, node.NodeID, node.Type, []byte(content))
			if err != nil {
				return fmt.Errorf("failed to insert node %s: %w", node.NodeID, err)
			}
		}

		for _, conn := range graph.Connections {
			if conn.ID == "" {
				conn.ID = uuid.New().String()
			}
			var conds any
			if len(conn.Conditions) > 0 {
				conds = []byte(conn.Conditions)
			}
			_, err := tx.Exec(ctx, `
				INSERT INTO flowpg_connections (id, flow_id, source_node_id, target_node_id, connection_type, conditions)
				VALUES ($1, $2, $3, $4, $5, $6)
			`, conn.ID, flow.ID, conn.SourceNodeID, conn.TargetNodeID, conn.Type, conds)
			if err != nil {
				return fmt.Errorf("failed to insert connection %s->%s: %w", conn.SourceNodeID, conn.TargetNodeID, err)
			}
		}

		return nil
	})
}

// GetFlowGraph loads a flow with all its nodes and connections.
func (s *PostgresStore) GetFlowGraph(ctx context.Context, flowID string) (*FlowGraph, error) {
	q := s.getQuerier(ctx)

	var flow Flow
	var themeJSON []byte
	err := q.QueryRow(ctx, `
		SELECT id, name, version, published, entry_node_id, theme, created_at, updated_at
		FROM flowpg_flows
		WHERE id = $1
	`, flowID).Scan(&flow.ID, &flow.Name, &flow.Version, &flow.Published, &flow.EntryNodeID, &themeJSON, &flow.CreatedAt, &flow.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrFlowNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get flow: %w", err)
	}
	if err := json.Unmarshal(themeJSON, &flow.Theme); err != nil {
		return nil, fmt.Errorf("failed to unmarshal theme: %w", err)
	}

	rows, err := q.Query(ctx, `
		SELECT id, flow_id, node_id, node_type, content
		FROM flowpg_nodes
		WHERE flow_id = $1
		ORDER BY node_id
	`, flowID)
	if err != nil {
		return nil, fmt.Errorf("failed to query nodes: %w", err)
	}
	defer rows.Close()

	var nodes []*Node
	for rows.Next() {
		var node Node
		var content []byte
		if err := rows.Scan(&node.ID, &node.FlowID, &node.NodeID, &node.Type, &content); err != nil {
			return nil, fmt.Errorf("failed to scan node: %w", err)
		}
		node.Content = json.RawMessage(content)
		nodes = append(nodes, &node)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating nodes: %w", err)
	}
	rows.Close()

	connRows, err := q.Query(ctx, `
		SELECT id, flow_id, source_node_id, target_node_id, connection_type, conditions
		FROM flowpg_connections
		WHERE flow_id = $1
		ORDER BY source_node_id, connection_type
	`, flowID)
	if err != nil {
		return nil, fmt.Errorf("failed to query connections: %w", err)
	}
	defer connRows.Close()

	var conns []*Connection
	for connRows.Next() {
		var conn Connection
		var conds []byte
		if err := connRows.Scan(&conn.ID, &conn.FlowID, &conn.SourceNodeID, &conn.TargetNodeID, &conn.Type, &conds); err != nil {
			return nil, fmt.Errorf("failed to scan connection: %w", err)
		}
		if len(conds) > 0 {
			conn.Conditions = json.RawMessage(conds)
		}
		conns = append(conns, &conn)
	}
	if err := connRows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating connections: %w", err)
	}

	return &FlowGraph{Flow: &flow, Nodes: nodes, Connections: conns}, nil
}

// SetFlowPublished flips the published gate on a flow.
func (s *PostgresStore) SetFlowPublished(ctx context.Context, flowID string, published bool) error {
	tag, err := s.getQuerier(ctx).Exec(ctx, `
		UPDATE flowpg_flows SET published = $2, updated_at = NOW() WHERE id = $1
	`, flowID, published)
	if err != nil {
		return fmt.Errorf("failed to update flow: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrFlowNotFound
	}
	return nil
}

// DeleteFlow removes a flow. Nodes, connections, and sessions cascade.
func (s *PostgresStore) DeleteFlow(ctx context.Context, flowID string) error {
	tag, err := s.getQuerier(ctx).Exec(ctx, `DELETE FROM flowpg_flows WHERE id = $1`, flowID)
	if err != nil {
		return fmt.Errorf("failed to delete flow: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrFlowNotFound
	}
	return nil
}

// =========================================================================
// Session operations
// =========================================================================

const sessionColumns = `id, session_token, flow_id, user_id, state, current_node_id, revision, status, started_at, last_activity_at, ended_at`

func scanSession(row pgx.Row) (*Session, error) {
	var session Session
	var stateJSON []byte
	err := row.Scan(
		&session.ID,
		&session.SessionToken,
		&session.FlowID,
		&session.UserID,
		&stateJSON,
		&session.CurrentNodeID,
		&session.Revision,
		&session.Status,
		&session.StartedAt,
		&session.LastActivityAt,
		&session.EndedAt,
	)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal(stateJSON, &session.State); err != nil {
		return nil, fmt.Errorf("failed to unmarshal state: %w", err)
	}
	return &session, nil
}

// CreateSession creates a new session against a published flow and emits
// a session_started event.
func (s *PostgresStore) CreateSession(ctx context.Context, flowID string, userID *string, initialState map[string]any, token string) (*Session, error) {
	if token == "" {
		return nil, fmt.Errorf("session token is required")
	}

	stateJSON, err := json.Marshal(orEmpty(initialState))
	if err != nil {
		return nil, fmt.Errorf("failed to marshal initial state: %w", err)
	}

	var session *Session
	err = s.inTx(ctx, func(ctx context.Context, tx querier) error {
		var published bool
		var entryNodeID string
		err := tx.QueryRow(ctx, `SELECT published, entry_node_id FROM flowpg_flows WHERE id = $1`, flowID).
			Scan(&published, &entryNodeID)
		if errors.Is(err, pgx.ErrNoRows) {
			return ErrFlowNotFound
		}
		if err != nil {
			return fmt.Errorf("failed to check flow: %w", err)
		}
		if !published {
			return ErrFlowNotPublished
		}

		sessionID := uuid.New().String()
		row := tx.QueryRow(ctx, `
			INSERT INTO flowpg_sessions (id, session_token, flow_id, user_id, state, current_node_id, revision, status, started_at, last_activity_at)
			VALUES ($1, $2, $3, $4, $5, $6, 1, 'ACTIVE', NOW(), NOW())
			RETURNING `+sessionColumns, sessionID, token, flowID, userID, stateJSON, entryNodeID)

		session, err = scanSession(row)
		if err != nil {
			var pgErr *pgconn.PgError
			if errors.As(err, &pgErr) && pgErr.Code == "23505" {
				return ErrTokenTaken
			}
			return fmt.Errorf("failed to create session: %w", err)
		}

		return s.notify(ctx, tx, &Event{
			Type:             EventSessionStarted,
			SessionID:        session.ID,
			FlowID:           session.FlowID,
			UserID:           session.UserID,
			CurrentNodeID:    session.CurrentNodeID,
			Status:           session.Status,
			PreviousStatus:   session.Status,
			Revision:         session.Revision,
			PreviousRevision: session.Revision,
			OccurredAt:       time.Now().UTC(),
		})
	})
	if err != nil {
		return nil, err
	}
	return session, nil
}

// GetSession retrieves a session by ID. Returns ErrSessionNotFound if absent.
func (s *PostgresStore) GetSession(ctx context.Context, sessionID string) (*Session, error) {
	row := s.getQuerier(ctx).QueryRow(ctx, `
		SELECT `+sessionColumns+` FROM flowpg_sessions WHERE id = $1
	`, sessionID)
	session, err := scanSession(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrSessionNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get session: %w", err)
	}
	return session, nil
}

// GetSessionByToken retrieves a session by its URL-safe token.
func (s *PostgresStore) GetSessionByToken(ctx context.Context, token string) (*Session, error) {
	row := s.getQuerier(ctx).QueryRow(ctx, `
		SELECT `+sessionColumns+` FROM flowpg_sessions WHERE session_token = $1
	`, token)
	session, err := scanSession(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrSessionNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get session: %w", err)
	}
	return session, nil
}

// UpdateSessionState performs the conditional session write at the heart of
// the runtime: deep-merge (or replace) under CAS on revision, history rows in the same
// transaction, event on commit. Returns ErrRevisionConflict when another
// writer got there first; no state change and no history rows remain in
// that case.
func (s *PostgresStore) UpdateSessionState(ctx context.Context, params UpdateStateParams) (*Session, error) {
	var updated *Session
	err := s.inTx(ctx, func(ctx context.Context, tx querier) error {
		row := tx.QueryRow(ctx, `
			SELECT `+sessionColumns+` FROM flowpg_sessions WHERE id = $1 FOR UPDATE
		`, params.SessionID)
		current, err := scanSession(row)
		if errors.Is(err, pgx.ErrNoRows) {
			return ErrSessionNotFound
		}
		if err != nil {
			return fmt.Errorf("failed to load session: %w", err)
		}
		if current.Status.IsTerminal() {
			return ErrSessionEnded
		}
		if current.Revision != params.ExpectedRevision {
			return ErrRevisionConflict
		}

		merged := params.StateUpdates
		if !params.Replace {
			merged = MergeState(current.State, params.StateUpdates)
		}
		mergedJSON, err := json.Marshal(merged)
		if err != nil {
			return fmt.Errorf("failed to marshal state: %w", err)
		}

		newNodeID := current.CurrentNodeID
		if params.CurrentNodeID != nil {
			newNodeID = params.CurrentNodeID
		}
		newStatus := current.Status
		if params.Status != "" {
			newStatus = params.Status
		}

		var endedAt any
		if newStatus.IsTerminal() {
			endedAt = time.Now().UTC()
		}

		row = tx.QueryRow(ctx, `
			UPDATE flowpg_sessions
			SET state = $2, current_node_id = $3, status = $4, revision = revision + 1,
			    last_activity_at = NOW(), ended_at = COALESCE($5, ended_at)
			WHERE id = $1 AND revision = $6
			RETURNING `+sessionColumns,
			params.SessionID, mergedJSON, newNodeID, newStatus, endedAt, params.ExpectedRevision)

		updated, err = scanSession(row)
		if errors.Is(err, pgx.ErrNoRows) {
			return ErrRevisionConflict
		}
		if err != nil {
			return fmt.Errorf("failed to update session: %w", err)
		}

		for _, h := range params.History {
			if err := s.insertHistory(ctx, tx, params.SessionID, h.NodeID, h.InteractionType, h.Content); err != nil {
				return err
			}
		}

		return s.notify(ctx, tx, eventForUpdate(current, updated))
	})
	if err != nil {
		return nil, err
	}
	return updated, nil
}

// eventForUpdate picks the most specific event type for a committed write.
func eventForUpdate(before, after *Session) *Event {
	eventType := EventSessionUpdated
	switch {
	case before.Status != after.Status:
		eventType = EventSessionStatusChanged
	case !equalNodeID(before.CurrentNodeID, after.CurrentNodeID):
		eventType = EventNodeChanged
	}
	return &Event{
		Type:             eventType,
		SessionID:        after.ID,
		FlowID:           after.FlowID,
		UserID:           after.UserID,
		CurrentNodeID:    after.CurrentNodeID,
		PreviousNodeID:   before.CurrentNodeID,
		Status:           after.Status,
		PreviousStatus:   before.Status,
		Revision:         after.Revision,
		PreviousRevision: before.Revision,
		OccurredAt:       time.Now().UTC(),
	}
}

func equalNodeID(a, b *string) bool {
	if a == nil || b == nil {
		return a == b
	}
	return *a == *b
}

// EndSession transitions an ACTIVE session to COMPLETED or ABANDONED.
func (s *PostgresStore) EndSession(ctx context.Context, sessionID string, status SessionStatus) (*Session, error) {
	if !status.IsTerminal() {
		return nil, fmt.Errorf("invalid terminal status %q", status)
	}

	var updated *Session
	err := s.inTx(ctx, func(ctx context.Context, tx querier) error {
		row := tx.QueryRow(ctx, `
			SELECT `+sessionColumns+` FROM flowpg_sessions WHERE id = $1 FOR UPDATE
		`, sessionID)
		current, err := scanSession(row)
		if errors.Is(err, pgx.ErrNoRows) {
			return ErrSessionNotFound
		}
		if err != nil {
			return fmt.Errorf("failed to load session: %w", err)
		}
		if current.Status.IsTerminal() {
			return ErrSessionEnded
		}

		row = tx.QueryRow(ctx, `
			UPDATE flowpg_sessions
			SET status = $2, ended_at = NOW(), revision = revision + 1, last_activity_at = NOW()
			WHERE id = $1
			RETURNING `+sessionColumns, sessionID, status)
		updated, err = scanSession(row)
		if err != nil {
			return fmt.Errorf("failed to end session: %w", err)
		}

		return s.notify(ctx, tx, eventForUpdate(current, updated))
	})
	if err != nil {
		return nil, err
	}
	return updated, nil
}

// DeleteSession removes a session. History cascades.
func (s *PostgresStore) DeleteSession(ctx context.Context, sessionID string) error {
	return s.inTx(ctx, func(ctx context.Context, tx querier) error {
		row := tx.QueryRow(ctx, `
			DELETE FROM flowpg_sessions WHERE id = $1
			RETURNING flow_id, user_id, current_node_id, status, revision
		`, sessionID)

		var flowID string
		var userID, nodeID *string
		var status SessionStatus
		var revision int64
		err := row.Scan(&flowID, &userID, &nodeID, &status, &revision)
		if errors.Is(err, pgx.ErrNoRows) {
			return ErrSessionNotFound
		}
		if err != nil {
			return fmt.Errorf("failed to delete session: %w", err)
		}

		return s.notify(ctx, tx, &Event{
			Type:             EventSessionDeleted,
			SessionID:        sessionID,
			FlowID:           flowID,
			UserID:           userID,
			CurrentNodeID:    nodeID,
			PreviousNodeID:   nodeID,
			Status:           status,
			PreviousStatus:   status,
			Revision:         revision,
			PreviousRevision: revision,
			OccurredAt:       time.Now().UTC(),
		})
	})
}

// AbandonIdleSessions marks ACTIVE sessions with no activity for idleFor as
// ABANDONED. Run by the cleanup leader.
func (s *PostgresStore) AbandonIdleSessions(ctx context.Context, idleFor time.Duration) (int, error) {
	cutoff := time.Now().Add(-idleFor)

	var count int
	err := s.inTx(ctx, func(ctx context.Context, tx querier) error {
		rows, err := tx.Query(ctx, `
			UPDATE flowpg_sessions
			SET status = 'ABANDONED', ended_at = NOW(), revision = revision + 1
			WHERE status = 'ACTIVE' AND last_activity_at < $1
			RETURNING id, flow_id, user_id, current_node_id, revision
		`, cutoff)
		if err != nil {
			return fmt.Errorf("failed to abandon sessions: %w", err)
		}
		defer rows.Close()

		type abandoned struct {
			id, flowID     string
			userID, nodeID *string
			revision       int64
		}
		var all []abandoned
		for rows.Next() {
			var a abandoned
			if err := rows.Scan(&a.id, &a.flowID, &a.userID, &a.nodeID, &a.revision); err != nil {
				return fmt.Errorf("failed to scan abandoned session: %w", err)
			}
			all = append(all, a)
		}
		if err := rows.Err(); err != nil {
			return err
		}
		rows.Close()

		for _, a := range all {
			err := s.notify(ctx, tx, &Event{
				Type:             EventSessionStatusChanged,
				SessionID:        a.id,
				FlowID:           a.flowID,
				UserID:           a.userID,
				CurrentNodeID:    a.nodeID,
				PreviousNodeID:   a.nodeID,
				Status:           SessionAbandoned,
				PreviousStatus:   SessionActive,
				Revision:         a.revision,
				PreviousRevision: a.revision - 1,
				OccurredAt:       time.Now().UTC(),
			})
			if err != nil {
				return err
			}
		}
		count = len(all)
		return nil
	})
	if err != nil {
		return 0, err
	}
	return count, nil
}

// =========================================================================
// History operations
// =========================================================================

func (s *PostgresStore) insertHistory(ctx context.Context, q querier, sessionID, nodeID string, interactionType InteractionType, content map[string]any) error {
	contentJSON, err := json.Marshal(orEmpty(content))
	if err != nil {
		return fmt.Errorf("failed to marshal history content: %w", err)
	}
	_, err = q.Exec(ctx, `
		INSERT INTO flowpg_history (id, session_id, node_id, interaction_type, content, created_at)
		VALUES ($1, $2, $3, $4, $5, NOW())
	`, uuid.New().String(), sessionID, nodeID, interactionType, contentJSON)
	if err != nil {
		return fmt.Errorf("failed to append history: %w", err)
	}
	return nil
}

// AppendHistory inserts a single conversation log row.
func (s *PostgresStore) AppendHistory(ctx context.Context, sessionID, nodeID string, interactionType InteractionType, content map[string]any) error {
	return s.insertHistory(ctx, s.getQuerier(ctx), sessionID, nodeID, interactionType, content)
}

// GetHistory returns the most recent history entries for a session, oldest
// first. limit <= 0 returns everything.
func (s *PostgresStore) GetHistory(ctx context.Context, sessionID string, limit int) ([]*HistoryEntry, error) {
	query := `
		SELECT id, session_id, node_id, interaction_type, content, created_at
		FROM flowpg_history
		WHERE session_id = $1
		ORDER BY created_at
	`
	args := []any{sessionID}
	if limit > 0 {
		query += ` LIMIT $2`
		args = append(args, limit)
	}

	rows, err := s.getQuerier(ctx).Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query history: %w", err)
	}
	defer rows.Close()

	var entries []*HistoryEntry
	for rows.Next() {
		var entry HistoryEntry
		var contentJSON []byte
		if err := rows.Scan(&entry.ID, &entry.SessionID, &entry.NodeID, &entry.InteractionType, &contentJSON, &entry.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan history: %w", err)
		}
		if err := json.Unmarshal(contentJSON, &entry.Content); err != nil {
			return nil, fmt.Errorf("failed to unmarshal history content: %w", err)
		}
		entries = append(entries, &entry)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating history: %w", err)
	}
	return entries, nil
}

// =========================================================================
// Idempotency ledger operations
// =========================================================================

// AcquireIdempotency atomically claims the ledger row for key. Exactly one
// caller per key ever observes acquired=true. When the row already exists,
// the existing record is returned so callers can short-circuit on a
// terminal result or back off on IN_PROGRESS.
func (s *PostgresStore) AcquireIdempotency(ctx context.Context, key, sessionID, nodeID string, sessionRevision int64) (bool, *IdempotencyRecord, error) {
	tag, err := s.getQuerier(ctx).Exec(ctx, `
		INSERT INTO flowpg_idempotency (idempotency_key, session_id, node_id, session_revision, status, created_at, updated_at)
		VALUES ($1, $2, $3, $4, 'IN_PROGRESS', NOW(), NOW())
		ON CONFLICT (idempotency_key) DO NOTHING
	`, key, sessionID, nodeID, sessionRevision)
	if err != nil {
		return false, nil, fmt.Errorf("failed to acquire idempotency: %w", err)
	}
	if tag.RowsAffected() == 1 {
		return true, nil, nil
	}

	existing, err := s.GetIdempotency(ctx, key)
	if err != nil {
		return false, nil, err
	}
	return false, existing, nil
}

// CompleteIdempotency transitions an IN_PROGRESS record to SUCCEEDED or
// FAILED. Terminal states are absorbing.
func (s *PostgresStore) CompleteIdempotency(ctx context.Context, key string, success bool, resultData map[string]any, errorMessage string) error {
	status := IdempotencySucceeded
	if !success {
		status = IdempotencyFailed
	}

	resultJSON, err := json.Marshal(orEmpty(resultData))
	if err != nil {
		return fmt.Errorf("failed to marshal result: %w", err)
	}

	var errMsg any
	if errorMessage != "" {
		errMsg = errorMessage
	}

	tag, err := s.getQuerier(ctx).Exec(ctx, `
		UPDATE flowpg_idempotency
		SET status = $2, result_data = $3, error_message = $4, updated_at = NOW()
		WHERE idempotency_key = $1 AND status = 'IN_PROGRESS'
	`, key, status, resultJSON, errMsg)
	if err != nil {
		return fmt.Errorf("failed to complete idempotency: %w", err)
	}
	if tag.RowsAffected() == 0 {
		if _, err := s.GetIdempotency(ctx, key); err != nil {
			return err
		}
		return ErrIdempotencyFinalized
	}
	return nil
}

// GetIdempotency retrieves a ledger record by key.
func (s *PostgresStore) GetIdempotency(ctx context.Context, key string) (*IdempotencyRecord, error) {
	var record IdempotencyRecord
	var resultJSON []byte
	err := s.getQuerier(ctx).QueryRow(ctx, `
		SELECT idempotency_key, session_id, node_id, session_revision, status, result_data, error_message, created_at, updated_at
		FROM flowpg_idempotency
		WHERE idempotency_key = $1
	`, key).Scan(
		&record.Key,
		&record.SessionID,
		&record.NodeID,
		&record.SessionRevision,
		&record.Status,
		&resultJSON,
		&record.ErrorMessage,
		&record.CreatedAt,
		&record.UpdatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrIdempotencyNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get idempotency record: %w", err)
	}
	if len(resultJSON) > 0 {
		if err := json.Unmarshal(resultJSON, &record.ResultData); err != nil {
			return nil, fmt.Errorf("failed to unmarshal result data: %w", err)
		}
	}
	return &record, nil
}

// ValidateRevision returns true iff the session's current revision equals
// taskRevision. Stale tasks are discarded by the handler.
func (s *PostgresStore) ValidateRevision(ctx context.Context, sessionID string, taskRevision int64) (bool, error) {
	var revision int64
	err := s.getQuerier(ctx).QueryRow(ctx, `
		SELECT revision FROM flowpg_sessions WHERE id = $1
	`, sessionID).Scan(&revision)
	if errors.Is(err, pgx.ErrNoRows) {
		return false, ErrSessionNotFound
	}
	if err != nil {
		return false, fmt.Errorf("failed to check revision: %w", err)
	}
	return revision == taskRevision, nil
}

// =========================================================================
// Task queue operations
// =========================================================================

// EnqueueTask inserts a pending task and wakes workers via NOTIFY.
func (s *PostgresStore) EnqueueTask(ctx context.Context, task *Task) error {
	if task.ID == "" {
		task.ID = uuid.New().String()
	}
	payload := task.Payload
	if len(payload) == 0 {
		payload = json.RawMessage(`{}`)
	}

	return s.inTx(ctx, func(ctx context.Context, tx querier) error {
		_, err := tx.Exec(ctx, `
			INSERT INTO flowpg_tasks (id, task_type, session_id, node_id, session_revision, idempotency_key, payload, status, created_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, 'pending', NOW())
		`, task.ID, task.Type, task.SessionID, task.NodeID, task.SessionRevision, task.IdempotencyKey, []byte(payload))
		if err != nil {
			return fmt.Errorf("failed to enqueue task: %w", err)
		}
		if _, err := tx.Exec(ctx, `SELECT pg_notify($1, $2)`, ChannelTasksPending, task.ID); err != nil {
			return fmt.Errorf("failed to notify workers: %w", err)
		}
		return nil
	})
}

// ClaimTasks atomically claims up to limit pending tasks for an instance.
// Race-safe claiming uses SELECT FOR UPDATE SKIP LOCKED so concurrent
// workers never claim the same task.
func (s *PostgresStore) ClaimTasks(ctx context.Context, instanceID string, limit int) ([]*Task, error) {
	rows, err := s.getQuerier(ctx).Query(ctx, `
		UPDATE flowpg_tasks
		SET status = 'claimed', claimed_by = $1, claimed_at = NOW(), attempts = attempts + 1
		WHERE id IN (
			SELECT id FROM flowpg_tasks
			WHERE status = 'pending'
			ORDER BY created_at
			LIMIT $2
			FOR UPDATE SKIP LOCKED
		)
		RETURNING id, task_type, session_id, node_id, session_revision, idempotency_key, payload, status, attempts, claimed_by, claimed_at, created_at
	`, instanceID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to claim tasks: %w", err)
	}
	defer rows.Close()

	var tasks []*Task
	for rows.Next() {
		var task Task
		var payload []byte
		err := rows.Scan(
			&task.ID, &task.Type, &task.SessionID, &task.NodeID, &task.SessionRevision,
			&task.IdempotencyKey, &payload, &task.Status, &task.Attempts,
			&task.ClaimedBy, &task.ClaimedAt, &task.CreatedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan task: %w", err)
		}
		task.Payload = json.RawMessage(payload)
		tasks = append(tasks, &task)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating tasks: %w", err)
	}
	return tasks, nil
}

// CompleteTask marks a claimed task as done. The idempotency ledger holds
// the execution outcome.
func (s *PostgresStore) CompleteTask(ctx context.Context, taskID string) error {
	tag, err := s.getQuerier(ctx).Exec(ctx, `
		UPDATE flowpg_tasks SET status = 'done' WHERE id = $1
	`, taskID)
	if err != nil {
		return fmt.Errorf("failed to complete task: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrTaskNotFound
	}
	return nil
}

// RescueStuckTasks returns tasks claimed by dead workers to the pending
// state. Run by the cleanup leader.
func (s *PostgresStore) RescueStuckTasks(ctx context.Context, claimedFor time.Duration) (int, error) {
	cutoff := time.Now().Add(-claimedFor)
	tag, err := s.getQuerier(ctx).Exec(ctx, `
		UPDATE flowpg_tasks
		SET status = 'pending', claimed_by = NULL, claimed_at = NULL
		WHERE status = 'claimed' AND claimed_at < $1
	`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("failed to rescue tasks: %w", err)
	}
	return int(tag.RowsAffected()), nil
}

// =========================================================================
// Instance registry operations
// =========================================================================

// RegisterInstance registers this runtime instance.
func (s *PostgresStore) RegisterInstance(ctx context.Context, instanceID, hostname string, metadata map[string]any) error {
	metadataJSON, err := json.Marshal(orEmpty(metadata))
	if err != nil {
		return fmt.Errorf("failed to marshal metadata: %w", err)
	}
	_, err = s.getQuerier(ctx).Exec(ctx, `
		INSERT INTO flowpg_instances (instance_id, hostname, metadata, registered_at, last_heartbeat_at)
		VALUES ($1, $2, $3, NOW(), NOW())
		ON CONFLICT (instance_id) DO UPDATE SET
			hostname = EXCLUDED.hostname,
			metadata = EXCLUDED.metadata,
			last_heartbeat_at = NOW()
	`, instanceID, hostname, metadataJSON)
	if err != nil {
		return fmt.Errorf("failed to register instance: %w", err)
	}
	return nil
}

// HeartbeatInstance refreshes this instance's liveness timestamp.
func (s *PostgresStore) HeartbeatInstance(ctx context.Context, instanceID string) error {
	tag, err := s.getQuerier(ctx).Exec(ctx, `
		UPDATE flowpg_instances SET last_heartbeat_at = NOW() WHERE instance_id = $1
	`, instanceID)
	if err != nil {
		return fmt.Errorf("failed to heartbeat: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("instance not registered: %s", instanceID)
	}
	return nil
}

// DeregisterInstance removes this instance from the registry.
func (s *PostgresStore) DeregisterInstance(ctx context.Context, instanceID string) error {
	_, err := s.getQuerier(ctx).Exec(ctx, `
		DELETE FROM flowpg_instances WHERE instance_id = $1
	`, instanceID)
	if err != nil {
		return fmt.Errorf("failed to deregister instance: %w", err)
	}
	return nil
}

// CleanupStaleInstances removes instances whose heartbeat is older than ttl.
func (s *PostgresStore) CleanupStaleInstances(ctx context.Context, ttl time.Duration) (int, error) {
	cutoff := time.Now().Add(-ttl)
	tag, err := s.getQuerier(ctx).Exec(ctx, `
		DELETE FROM flowpg_instances WHERE last_heartbeat_at < $1
	`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("failed to cleanup instances: %w", err)
	}
	return int(tag.RowsAffected()), nil
}

// =========================================================================
// Leadership operations
// =========================================================================

// leaderName is the single lease row shared by all instances.
const leaderName = "flowpg_cleanup"

// AttemptLeadership tries to take or renew the cleanup leader lease.
// Returns true if this instance is the leader after the call.
func (s *PostgresStore) AttemptLeadership(ctx context.Context, instanceID string, ttl time.Duration) (bool, error) {
	var holder string
	err := s.getQuerier(ctx).QueryRow(ctx, `
		INSERT INTO flowpg_leader (name, instance_id, expires_at)
		VALUES ($1, $2, NOW() + $3::interval)
		ON CONFLICT (name) DO UPDATE SET
			instance_id = EXCLUDED.instance_id,
			expires_at = EXCLUDED.expires_at
		WHERE flowpg_leader.expires_at < NOW() OR flowpg_leader.instance_id = EXCLUDED.instance_id
		RETURNING instance_id
	`, leaderName, instanceID, fmt.Sprintf("%d milliseconds", ttl.Milliseconds())).Scan(&holder)
	if errors.Is(err, pgx.ErrNoRows) {
		// Lease held by a live leader; not us.
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to attempt leadership: %w", err)
	}
	return holder == instanceID, nil
}

// ResignLeadership releases the lease if held by this instance.
func (s *PostgresStore) ResignLeadership(ctx context.Context, instanceID string) error {
	_, err := s.getQuerier(ctx).Exec(ctx, `
		DELETE FROM flowpg_leader WHERE name = $1 AND instance_id = $2
	`, leaderName, instanceID)
	if err != nil {
		return fmt.Errorf("failed to resign leadership: %w", err)
	}
	return nil
}

func orEmpty(m map[string]any) map[string]any {
	if m == nil {
		return map[string]any{}
	}
	return m
}
