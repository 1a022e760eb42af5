package flowpg

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"os"
	"sync/atomic"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/convoflow/flowpg/engine"
	"github.com/convoflow/flowpg/hooks"
	"github.com/convoflow/flowpg/leadership"
	"github.com/convoflow/flowpg/maintenance"
	"github.com/convoflow/flowpg/notifier"
	"github.com/convoflow/flowpg/processor"
	"github.com/convoflow/flowpg/storage"
	"github.com/convoflow/flowpg/worker"
)

// Client manages the lifecycle of one runtime instance: schema migration,
// instance registration, heartbeats, leader election, the background task
// worker, and the notifier. It also carries the orchestration methods that
// drive sessions through their flows.
type Client struct {
	pool     *pgxpool.Pool
	store    storage.Store
	config   *ClientConfig
	engine   *engine.Engine
	registry *hooks.Registry

	instanceID string

	// Background services
	heartbeat *maintenance.Heartbeat
	cleanup   *maintenance.Cleanup
	elector   *leadership.Elector
	notif     *notifier.Notifier
	worker    *worker.Worker

	started  atomic.Bool
	isLeader atomic.Bool
	cancel   context.CancelFunc
}

// StartSessionParams holds the optional parts of a session start.
type StartSessionParams struct {
	// UserID attributes the session to an end user.
	UserID *string

	// InitialState seeds the session state, typically the user and context
	// scopes.
	InitialState map[string]any

	// Token overrides the generated session token.
	Token string
}

// NewClient creates a new runtime client over a connection pool.
//
// Example:
//
//	pool, _ := pgxpool.New(ctx, os.Getenv("DATABASE_URL"))
//	client, err := flowpg.NewClient(pool, nil)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	if err := client.Start(ctx); err != nil {
//	    log.Fatal(err)
//	}
//	defer client.Stop(ctx)
func NewClient(pool *pgxpool.Pool, config *ClientConfig) (*Client, error) {
	if pool == nil {
		return nil, fmt.Errorf("%w: connection pool is required", ErrInvalidConfig)
	}
	if config == nil {
		config = DefaultClientConfig()
	}
	config = config.withDefaults()

	instanceID := config.InstanceID
	if instanceID == "" {
		instanceID = uuid.NewString()
	}
	if config.Hostname == "" {
		if h, err := os.Hostname(); err == nil {
			config.Hostname = h
		} else {
			config.Hostname = "unknown"
		}
	}

	registry := hooks.NewRegistry()

	var procOpts []processor.Option
	procOpts = append(procOpts, processor.WithLogger(config.Logger))
	if config.HTTPClient != nil {
		procOpts = append(procOpts, processor.WithHTTPClient(config.HTTPClient))
	}
	proc := processor.New(procOpts...)

	store := storage.NewPostgresStore(pool)
	eng := engine.New(store,
		engine.WithProcessor(proc),
		engine.WithSecrets(config.Secrets),
		engine.WithHooks(registry),
		engine.WithLogger(config.Logger))

	c := &Client{
		pool:       pool,
		store:      store,
		config:     config,
		engine:     eng,
		registry:   registry,
		instanceID: instanceID,
	}

	if !config.DisableWorker {
		c.notif = notifier.New(pool, &notifier.Config{
			OnError: config.OnError,
			Logger:  config.Logger,
		})
		c.worker = worker.New(store, worker.Config{
			InstanceID:    instanceID,
			MaxConcurrent: config.WorkerConcurrency,
			Logger:        config.Logger,
		},
			worker.WithProcessor(proc),
			worker.WithSecrets(config.Secrets),
			worker.WithHooks(registry),
			worker.WithNotifier(c.notif))
	}

	return c, nil
}

// Start migrates the schema, registers the instance, and starts the
// background services.
func (c *Client) Start(ctx context.Context) error {
	if !c.started.CompareAndSwap(false, true) {
		return ErrClientAlreadyStarted
	}

	ctx, c.cancel = context.WithCancel(ctx)

	if !c.config.SkipMigrations {
		if err := storage.Migrate(ctx, c.pool); err != nil {
			c.started.Store(false)
			return fmt.Errorf("failed to migrate schema: %w", err)
		}
	}

	if !c.config.DisableMaintenance {
		if err := c.store.RegisterInstance(ctx, c.instanceID, c.config.Hostname, c.config.Metadata); err != nil {
			c.started.Store(false)
			return fmt.Errorf("failed to register instance: %w", err)
		}

		c.heartbeat = maintenance.NewHeartbeat(c.store, c.instanceID, &maintenance.HeartbeatConfig{
			Interval: c.config.HeartbeatInterval,
			OnError:  c.config.OnError,
		})
		if err := c.heartbeat.Start(ctx); err != nil {
			c.started.Store(false)
			return fmt.Errorf("failed to start heartbeat: %w", err)
		}

		c.elector = leadership.NewElector(c.store, c.instanceID, &leadership.Config{
			LeaderTTL: c.config.LeaderTTL,
			Logger:    c.config.Logger,
		}, leadership.Callbacks{
			OnBecameLeader:   c.onBecameLeader,
			OnLostLeadership: c.onLostLeadership,
		})
		if err := c.elector.Start(ctx); err != nil {
			_ = c.heartbeat.Stop(ctx)
			c.started.Store(false)
			return fmt.Errorf("failed to start leader election: %w", err)
		}
	}

	if c.notif != nil {
		if err := c.notif.Start(ctx); err != nil {
			c.stopMaintenance(ctx)
			c.started.Store(false)
			return fmt.Errorf("failed to start notifier: %w", err)
		}
	}
	if c.worker != nil {
		if err := c.worker.Start(ctx); err != nil {
			if c.notif != nil {
				_ = c.notif.Stop(ctx)
			}
			c.stopMaintenance(ctx)
			c.started.Store(false)
			return fmt.Errorf("failed to start worker: %w", err)
		}
	}

	return nil
}

// Stop gracefully shuts down the client: services stop in reverse order and
// the instance deregisters.
func (c *Client) Stop(ctx context.Context) error {
	if !c.started.Load() {
		return ErrClientNotStarted
	}

	if c.cancel != nil {
		c.cancel()
	}

	if c.worker != nil {
		_ = c.worker.Stop(ctx)
	}
	if c.cleanup != nil && c.cleanup.IsRunning() {
		_ = c.cleanup.Stop(ctx)
	}
	if c.notif != nil && c.notif.IsRunning() {
		_ = c.notif.Stop(ctx)
	}
	c.stopMaintenance(ctx)

	if !c.config.DisableMaintenance {
		_ = c.store.DeregisterInstance(ctx, c.instanceID)
	}

	c.started.Store(false)
	return nil
}

func (c *Client) stopMaintenance(ctx context.Context) {
	if c.elector != nil {
		_ = c.elector.Stop(ctx)
	}
	if c.heartbeat != nil {
		_ = c.heartbeat.Stop(ctx)
	}
}

func (c *Client) onBecameLeader(ctx context.Context) {
	c.isLeader.Store(true)
	if c.config.OnBecameLeader != nil {
		c.config.OnBecameLeader()
	}

	c.cleanup = maintenance.NewCleanup(c.store, &maintenance.CleanupConfig{
		Interval:          c.config.CleanupInterval,
		SessionIdleFor:    c.config.SessionIdleFor,
		StuckTaskClaimFor: c.config.StuckTaskClaimFor,
		OnError:           c.config.OnError,
	})
	_ = c.cleanup.Start(ctx)
}

func (c *Client) onLostLeadership(ctx context.Context) {
	c.isLeader.Store(false)
	if c.config.OnLostLeadership != nil {
		c.config.OnLostLeadership()
	}

	if c.cleanup != nil && c.cleanup.IsRunning() {
		_ = c.cleanup.Stop(ctx)
	}
}

// InstanceID returns the unique identifier for this client instance.
func (c *Client) InstanceID() string {
	return c.instanceID
}

// IsLeader returns true if this instance is currently the leader.
func (c *Client) IsLeader() bool {
	return c.isLeader.Load()
}

// IsRunning returns true if the client is running.
func (c *Client) IsRunning() bool {
	return c.started.Load()
}

// Store returns the storage interface for direct access.
func (c *Client) Store() storage.Store {
	return c.store
}

// Engine returns the flow engine.
func (c *Client) Engine() *engine.Engine {
	return c.engine
}

// Notifier returns the event notifier, or nil when the worker is disabled.
func (c *Client) Notifier() *notifier.Notifier {
	return c.notif
}

// Hooks returns the hook registry shared by the engine and the worker.
func (c *Client) Hooks() *hooks.Registry {
	return c.registry
}

// SaveFlow validates a flow definition and stores it. Saving an already
// published flow replaces its graph; cached adjacency views are dropped.
func (c *Client) SaveFlow(ctx context.Context, graph *storage.FlowGraph) error {
	if _, err := engine.BuildGraph(graph); err != nil {
		return NewFlowError("SaveFlow", err)
	}
	if err := c.store.SaveFlowGraph(ctx, graph); err != nil {
		return NewFlowError("SaveFlow", err)
	}
	c.engine.InvalidateFlow(graph.Flow.ID)
	return nil
}

// ValidateFlow checks a flow definition without storing it. A failure is an
// *engine.ValidationError listing every issue found.
func (c *Client) ValidateFlow(graph *storage.FlowGraph) error {
	_, err := engine.BuildGraph(graph)
	return err
}

// PublishFlow flips a flow's published state. Only published flows accept
// new sessions.
func (c *Client) PublishFlow(ctx context.Context, flowID string, published bool) error {
	if err := c.store.SetFlowPublished(ctx, flowID, published); err != nil {
		return NewFlowError("PublishFlow", err)
	}
	c.engine.InvalidateFlow(flowID)
	return nil
}

// StartSession creates a session on a published flow, positioned at the
// entry node. The first Interact call executes the entry node; starting
// alone does not run any flow content.
func (c *Client) StartSession(ctx context.Context, flowID string, params StartSessionParams) (*storage.Session, error) {
	token := params.Token
	if token == "" {
		generated, err := newSessionToken()
		if err != nil {
			return nil, NewFlowError("StartSession", err)
		}
		token = generated
	}
	if params.InitialState != nil {
		if _, reserved := params.InitialState[engine.ReservedStateKey]; reserved {
			return nil, NewFlowError("StartSession", ErrReservedStateKey)
		}
	}

	session, err := c.store.CreateSession(ctx, flowID, params.UserID, params.InitialState, token)
	if err != nil {
		return nil, NewFlowError("StartSession", err)
	}
	return session, nil
}

// newSessionToken generates an opaque URL-safe session token from 32 random
// bytes. The token doubles as the capability to act on the session, so it
// carries full entropy rather than a structured id.
func newSessionToken() (string, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("failed to generate session token: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(buf), nil
}

// GetSession loads a session by id.
func (c *Client) GetSession(ctx context.Context, sessionID string) (*storage.Session, error) {
	return c.store.GetSession(ctx, sessionID)
}

// GetSessionByToken loads a session by its client-facing token.
func (c *Client) GetSessionByToken(ctx context.Context, token string) (*storage.Session, error) {
	return c.store.GetSessionByToken(ctx, token)
}

// Interact runs one turn of a session. Revision conflicts reload the
// session and retry, bounded by InteractRetries; a conflict that persists
// past the retries surfaces as storage.ErrRevisionConflict.
func (c *Client) Interact(ctx context.Context, sessionID string, input *engine.UserInput) (*engine.TurnResponse, error) {
	var lastErr error
	for attempt := 0; attempt <= c.config.InteractRetries; attempt++ {
		session, err := c.store.GetSession(ctx, sessionID)
		if err != nil {
			return nil, NewFlowErrorWithSession("Interact", sessionID, err)
		}

		resp, err := c.engine.ExecuteTurn(ctx, session, input)
		if errors.Is(err, storage.ErrRevisionConflict) {
			lastErr = err
			continue
		}
		if err != nil {
			return nil, NewFlowErrorWithSession("Interact", sessionID, err)
		}
		return resp, nil
	}
	return nil, NewFlowErrorWithSession("Interact", sessionID, lastErr)
}

// InteractByToken resolves a session token and runs one turn.
func (c *Client) InteractByToken(ctx context.Context, token string, input *engine.UserInput) (*engine.TurnResponse, error) {
	session, err := c.store.GetSessionByToken(ctx, token)
	if err != nil {
		return nil, NewFlowError("InteractByToken", err)
	}
	return c.Interact(ctx, session.ID, input)
}

// UpdateState deep-merges an external state patch into a session, retrying
// revision conflicts. The runtime's reserved key is rejected.
func (c *Client) UpdateState(ctx context.Context, sessionID string, updates map[string]any) (*storage.Session, error) {
	if _, reserved := updates[engine.ReservedStateKey]; reserved {
		return nil, NewFlowErrorWithSession("UpdateState", sessionID, ErrReservedStateKey)
	}

	var lastErr error
	for attempt := 0; attempt <= c.config.InteractRetries; attempt++ {
		session, err := c.store.GetSession(ctx, sessionID)
		if err != nil {
			return nil, NewFlowErrorWithSession("UpdateState", sessionID, err)
		}

		updated, err := c.store.UpdateSessionState(ctx, storage.UpdateStateParams{
			SessionID:        sessionID,
			StateUpdates:     updates,
			ExpectedRevision: session.Revision,
		})
		if errors.Is(err, storage.ErrRevisionConflict) {
			lastErr = err
			continue
		}
		if err != nil {
			return nil, NewFlowErrorWithSession("UpdateState", sessionID, err)
		}
		return updated, nil
	}
	return nil, NewFlowErrorWithSession("UpdateState", sessionID, lastErr)
}

// UpdateStateAt deep-merges an external state patch only if the session is
// still at expectedRevision. Unlike UpdateState it never retries: a conflict
// surfaces as storage.ErrRevisionConflict so the caller can re-read the
// session and decide. This is the compare-and-swap the HTTP edge exposes.
func (c *Client) UpdateStateAt(ctx context.Context, sessionID string, updates map[string]any, expectedRevision int64) (*storage.Session, error) {
	if _, reserved := updates[engine.ReservedStateKey]; reserved {
		return nil, NewFlowErrorWithSession("UpdateStateAt", sessionID, ErrReservedStateKey)
	}

	updated, err := c.store.UpdateSessionState(ctx, storage.UpdateStateParams{
		SessionID:        sessionID,
		StateUpdates:     updates,
		ExpectedRevision: expectedRevision,
	})
	if err != nil {
		return nil, NewFlowErrorWithSession("UpdateStateAt", sessionID, err)
	}
	return updated, nil
}

// GetFlow loads a flow's definition row.
func (c *Client) GetFlow(ctx context.Context, flowID string) (*storage.Flow, error) {
	fg, err := c.store.GetFlowGraph(ctx, flowID)
	if err != nil {
		return nil, err
	}
	return fg.Flow, nil
}

// EndSession transitions a session to a terminal status.
func (c *Client) EndSession(ctx context.Context, sessionID string, status storage.SessionStatus) (*storage.Session, error) {
	session, err := c.store.EndSession(ctx, sessionID, status)
	if err != nil {
		return nil, NewFlowErrorWithSession("EndSession", sessionID, err)
	}
	c.registry.FireSessionEnd(ctx, sessionID, status)
	return session, nil
}

// History returns the most recent conversation log rows for a session.
func (c *Client) History(ctx context.Context, sessionID string, limit int) ([]*storage.HistoryEntry, error) {
	return c.store.GetHistory(ctx, sessionID, limit)
}
