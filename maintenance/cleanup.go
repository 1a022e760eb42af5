package maintenance

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/convoflow/flowpg/storage"
)

// Default cleanup configuration values
const (
	DefaultCleanupInterval   = 1 * time.Minute
	DefaultSessionIdleFor    = 24 * time.Hour
	DefaultStuckTaskClaimFor = 5 * time.Minute
)

// CleanupConfig holds configuration for the cleanup service.
type CleanupConfig struct {
	// Interval is how often to run cleanup operations.
	// Default: 1 minute
	Interval time.Duration

	// SessionIdleFor is how long a session may sit without activity before
	// it is abandoned. Default: 24 hours
	SessionIdleFor time.Duration

	// StuckTaskClaimFor is how long a task may stay claimed before it is
	// returned to pending. Default: 5 minutes
	StuckTaskClaimFor time.Duration

	// OnSessionsAbandoned is called with the number of sessions abandoned.
	OnSessionsAbandoned func(count int)

	// OnTasksRescued is called with the number of tasks re-pended.
	OnTasksRescued func(count int)

	// OnStaleInstanceCleanup is called with the number of stale instances
	// removed.
	OnStaleInstanceCleanup func(count int)

	// OnError is called when a cleanup operation fails.
	OnError func(err error)
}

// DefaultCleanupConfig returns the default cleanup configuration.
func DefaultCleanupConfig() *CleanupConfig {
	return &CleanupConfig{
		Interval:          DefaultCleanupInterval,
		SessionIdleFor:    DefaultSessionIdleFor,
		StuckTaskClaimFor: DefaultStuckTaskClaimFor,
	}
}

// CleanupResult holds the results of one cleanup pass.
type CleanupResult struct {
	// SessionsAbandoned is the number of idle sessions transitioned to
	// ABANDONED.
	SessionsAbandoned int

	// TasksRescued is the number of stuck tasks returned to pending.
	TasksRescued int

	// StaleInstancesCleaned is the number of stale instances removed.
	StaleInstancesCleaned int

	// Errors contains any errors that occurred during cleanup.
	Errors []error
}

// Cleanup performs the maintenance that must run exactly once across the
// cluster. Only the leader instance should start it.
type Cleanup struct {
	store  storage.Store
	config *CleanupConfig

	started atomic.Bool
	done    chan struct{}
	cancel  context.CancelFunc
}

// NewCleanup creates a new cleanup service.
func NewCleanup(store storage.Store, config *CleanupConfig) *Cleanup {
	if config == nil {
		config = DefaultCleanupConfig()
	}

	return &Cleanup{
		store:  store,
		config: config,
	}
}

// Start begins the cleanup loop. Call only while this instance leads.
func (c *Cleanup) Start(ctx context.Context) error {
	if !c.started.CompareAndSwap(false, true) {
		return ErrAlreadyStarted
	}

	c.done = make(chan struct{})
	ctx, c.cancel = context.WithCancel(ctx)
	go c.run(ctx)

	return nil
}

// Stop stops the cleanup loop.
func (c *Cleanup) Stop(ctx context.Context) error {
	if !c.started.Load() {
		return ErrNotStarted
	}

	c.cancel()
	<-c.done

	c.started.Store(false)
	return nil
}

// IsRunning returns true if the cleanup service is running.
func (c *Cleanup) IsRunning() bool {
	return c.started.Load()
}

// run is the main cleanup loop.
func (c *Cleanup) run(ctx context.Context) {
	defer close(c.done)

	c.runCleanup(ctx)

	ticker := time.NewTicker(c.config.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.runCleanup(ctx)
		}
	}
}

// runCleanup performs one pass and fires the configured callbacks.
func (c *Cleanup) runCleanup(ctx context.Context) {
	result := c.RunOnce(ctx)

	if c.config.OnSessionsAbandoned != nil && result.SessionsAbandoned > 0 {
		c.config.OnSessionsAbandoned(result.SessionsAbandoned)
	}
	if c.config.OnTasksRescued != nil && result.TasksRescued > 0 {
		c.config.OnTasksRescued(result.TasksRescued)
	}
	if c.config.OnStaleInstanceCleanup != nil && result.StaleInstancesCleaned > 0 {
		c.config.OnStaleInstanceCleanup(result.StaleInstancesCleaned)
	}
	if c.config.OnError != nil {
		for _, err := range result.Errors {
			c.config.OnError(err)
		}
	}
}

// RunOnce performs a single cleanup pass and returns what it did. Each
// operation runs independently; one failing does not stop the others.
func (c *Cleanup) RunOnce(ctx context.Context) *CleanupResult {
	result := &CleanupResult{}

	abandoned, err := c.store.AbandonIdleSessions(ctx, c.config.SessionIdleFor)
	if err != nil {
		result.Errors = append(result.Errors, err)
	} else {
		result.SessionsAbandoned = abandoned
	}

	rescued, err := c.store.RescueStuckTasks(ctx, c.config.StuckTaskClaimFor)
	if err != nil {
		result.Errors = append(result.Errors, err)
	} else {
		result.TasksRescued = rescued
	}

	removed, err := c.store.CleanupStaleInstances(ctx, DefaultInstanceTTL)
	if err != nil {
		result.Errors = append(result.Errors, err)
	} else {
		result.StaleInstancesCleaned = removed
	}

	return result
}
