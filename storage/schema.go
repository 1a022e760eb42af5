package storage

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

// Schema is the full DDL for the flowpg tables. Statements are idempotent
// so Migrate can run on every startup.
const Schema = `
CREATE TABLE IF NOT EXISTS flowpg_flows (
    id            TEXT PRIMARY KEY,
    name          TEXT NOT NULL,
    version       TEXT NOT NULL DEFAULT '1',
    published     BOOLEAN NOT NULL DEFAULT FALSE,
    entry_node_id TEXT NOT NULL,
    theme         JSONB NOT NULL DEFAULT '{}',
    created_at    TIMESTAMPTZ NOT NULL DEFAULT NOW(),
    updated_at    TIMESTAMPTZ NOT NULL DEFAULT NOW()
);

CREATE TABLE IF NOT EXISTS flowpg_nodes (
    id        TEXT PRIMARY KEY,
    flow_id   TEXT NOT NULL REFERENCES flowpg_flows(id) ON DELETE CASCADE,
    node_id   TEXT NOT NULL,
    node_type TEXT NOT NULL,
    content   JSONB NOT NULL DEFAULT '{}',
    UNIQUE (flow_id, node_id)
);

CREATE TABLE IF NOT EXISTS flowpg_connections (
    id              TEXT PRIMARY KEY,
    flow_id         TEXT NOT NULL REFERENCES flowpg_flows(id) ON DELETE CASCADE,
    source_node_id  TEXT NOT NULL,
    target_node_id  TEXT NOT NULL,
    connection_type TEXT NOT NULL DEFAULT 'DEFAULT',
    conditions      JSONB
);

CREATE INDEX IF NOT EXISTS idx_flowpg_connections_source
    ON flowpg_connections (flow_id, source_node_id);

CREATE TABLE IF NOT EXISTS flowpg_sessions (
    id               TEXT PRIMARY KEY,
    session_token    TEXT NOT NULL UNIQUE,
    flow_id          TEXT NOT NULL REFERENCES flowpg_flows(id) ON DELETE CASCADE,
    user_id          TEXT,
    state            JSONB NOT NULL DEFAULT '{}',
    current_node_id  TEXT,
    revision         BIGINT NOT NULL DEFAULT 1,
    status           TEXT NOT NULL DEFAULT 'ACTIVE',
    started_at       TIMESTAMPTZ NOT NULL DEFAULT NOW(),
    last_activity_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
    ended_at         TIMESTAMPTZ
);

CREATE INDEX IF NOT EXISTS idx_flowpg_sessions_flow
    ON flowpg_sessions (flow_id);
CREATE INDEX IF NOT EXISTS idx_flowpg_sessions_status_activity
    ON flowpg_sessions (status, last_activity_at);

CREATE TABLE IF NOT EXISTS flowpg_history (
    id               TEXT PRIMARY KEY,
    session_id       TEXT NOT NULL REFERENCES flowpg_sessions(id) ON DELETE CASCADE,
    node_id          TEXT NOT NULL,
    interaction_type TEXT NOT NULL,
    content          JSONB NOT NULL DEFAULT '{}',
    created_at       TIMESTAMPTZ NOT NULL DEFAULT NOW()
);

CREATE INDEX IF NOT EXISTS idx_flowpg_history_session_created
    ON flowpg_history (session_id, created_at);

CREATE TABLE IF NOT EXISTS flowpg_idempotency (
    idempotency_key  TEXT PRIMARY KEY,
    session_id       TEXT NOT NULL,
    node_id          TEXT NOT NULL,
    session_revision BIGINT NOT NULL,
    status           TEXT NOT NULL DEFAULT 'IN_PROGRESS',
    result_data      JSONB,
    error_message    TEXT,
    created_at       TIMESTAMPTZ NOT NULL DEFAULT NOW(),
    updated_at       TIMESTAMPTZ NOT NULL DEFAULT NOW()
);

CREATE TABLE IF NOT EXISTS flowpg_tasks (
    id               TEXT PRIMARY KEY,
    task_type        TEXT NOT NULL,
    session_id       TEXT NOT NULL,
    node_id          TEXT NOT NULL,
    session_revision BIGINT NOT NULL,
    idempotency_key  TEXT NOT NULL,
    payload          JSONB NOT NULL DEFAULT '{}',
    status           TEXT NOT NULL DEFAULT 'pending',
    attempts         INTEGER NOT NULL DEFAULT 0,
    claimed_by       TEXT,
    claimed_at       TIMESTAMPTZ,
    created_at       TIMESTAMPTZ NOT NULL DEFAULT NOW()
);

CREATE INDEX IF NOT EXISTS idx_flowpg_tasks_pending
    ON flowpg_tasks (status, created_at);

CREATE TABLE IF NOT EXISTS flowpg_instances (
    instance_id       TEXT PRIMARY KEY,
    hostname          TEXT NOT NULL,
    metadata          JSONB NOT NULL DEFAULT '{}',
    registered_at     TIMESTAMPTZ NOT NULL DEFAULT NOW(),
    last_heartbeat_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
);

CREATE TABLE IF NOT EXISTS flowpg_leader (
    name        TEXT PRIMARY KEY,
    instance_id TEXT NOT NULL,
    expires_at  TIMESTAMPTZ NOT NULL
);
`

// Migrate applies the schema to the database.
func Migrate(ctx context.Context, pool *pgxpool.Pool) error {
	if _, err := pool.Exec(ctx, Schema); err != nil {
		return fmt.Errorf("failed to apply schema: %w", err)
	}
	return nil
}
