package flowpg

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/convoflow/flowpg/leadership"
	"github.com/convoflow/flowpg/maintenance"
	"github.com/convoflow/flowpg/variables"
)

// ClientConfig holds configuration for the Client.
type ClientConfig struct {
	// InstanceID is a unique identifier for this client instance (optional)
	// If not provided, a UUID will be generated
	InstanceID string

	// Hostname is the hostname for this instance (optional)
	// If not provided, os.Hostname() is used
	Hostname string

	// Metadata is additional metadata to store with this instance
	Metadata map[string]any

	// Secrets resolves secret:KEY references in flow content. Optional;
	// without one any secret reference fails resolution.
	Secrets variables.SecretSource

	// HTTPClient is used for webhook and api_call requests (optional)
	HTTPClient *http.Client

	// Logger for structured logging. Default: slog.Default()
	Logger *slog.Logger

	// SkipMigrations disables the schema migration on Start.
	SkipMigrations bool

	// DisableWorker turns off background task execution on this instance,
	// for deployments that run dedicated worker processes.
	DisableWorker bool

	// DisableMaintenance turns off heartbeat, leader election, and cleanup.
	DisableMaintenance bool

	// WorkerConcurrency is the maximum concurrent task executions.
	// Default: 10
	WorkerConcurrency int

	// HeartbeatInterval is how often to send heartbeats (optional)
	// Default: 30 seconds
	HeartbeatInterval time.Duration

	// CleanupInterval is how often to run cleanup operations when leader
	// (optional). Default: 1 minute
	CleanupInterval time.Duration

	// SessionIdleFor is how long a session may sit without activity before
	// the leader abandons it. Default: 24 hours
	SessionIdleFor time.Duration

	// StuckTaskClaimFor is how long a task may stay claimed before the
	// leader returns it to pending. Default: 5 minutes
	StuckTaskClaimFor time.Duration

	// LeaderTTL is how long a leader's lease is valid (optional)
	// Default: 30 seconds
	LeaderTTL time.Duration

	// InteractRetries bounds revision-conflict retries per Interact call.
	// Default: DefaultInteractRetries
	InteractRetries int

	// OnError is called when background operations fail
	OnError func(err error)

	// OnBecameLeader is called when this instance becomes the leader
	OnBecameLeader func()

	// OnLostLeadership is called when this instance loses leadership
	OnLostLeadership func()
}

// DefaultClientConfig returns the default client configuration.
func DefaultClientConfig() *ClientConfig {
	return &ClientConfig{
		HeartbeatInterval: maintenance.DefaultHeartbeatInterval,
		CleanupInterval:   maintenance.DefaultCleanupInterval,
		SessionIdleFor:    maintenance.DefaultSessionIdleFor,
		StuckTaskClaimFor: maintenance.DefaultStuckTaskClaimFor,
		LeaderTTL:         leadership.DefaultLeaderTTL,
		InteractRetries:   DefaultInteractRetries,
	}
}

// withDefaults fills zero values in place.
func (c *ClientConfig) withDefaults() *ClientConfig {
	if c.HeartbeatInterval == 0 {
		c.HeartbeatInterval = maintenance.DefaultHeartbeatInterval
	}
	if c.CleanupInterval == 0 {
		c.CleanupInterval = maintenance.DefaultCleanupInterval
	}
	if c.SessionIdleFor == 0 {
		c.SessionIdleFor = maintenance.DefaultSessionIdleFor
	}
	if c.StuckTaskClaimFor == 0 {
		c.StuckTaskClaimFor = maintenance.DefaultStuckTaskClaimFor
	}
	if c.LeaderTTL == 0 {
		c.LeaderTTL = leadership.DefaultLeaderTTL
	}
	if c.InteractRetries == 0 {
		c.InteractRetries = DefaultInteractRetries
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	return c
}
