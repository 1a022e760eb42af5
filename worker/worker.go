// Package worker executes queued background tasks under the idempotency
// protocol.
//
// Workers claim pending tasks with FOR UPDATE SKIP LOCKED, so any number of
// instances can run concurrently without double-claiming. A claimed task is
// executed at most once to success: the idempotency ledger is acquired
// before any side effect, and a task whose ledger record is already
// finalized is dropped. Wakeups arrive over LISTEN/NOTIFY with a polling
// fallback for missed notifications.
package worker

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/convoflow/flowpg/hooks"
	"github.com/convoflow/flowpg/notifier"
	"github.com/convoflow/flowpg/processor"
	"github.com/convoflow/flowpg/storage"
	"github.com/convoflow/flowpg/variables"
)

var tasksProcessed = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "flowpg_worker_tasks_total",
	Help: "Background tasks processed, by outcome.",
}, []string{"outcome"})

// Config holds configuration for the worker.
type Config struct {
	// InstanceID is this worker's instance identifier.
	InstanceID string

	// MaxConcurrent is the maximum concurrent task executions.
	// Default: 10.
	MaxConcurrent int

	// PollInterval is how often to poll for tasks missed by LISTEN/NOTIFY.
	// Default: 2 seconds.
	PollInterval time.Duration

	// ClaimBatchSize is how many tasks to claim at once. Default: 10.
	ClaimBatchSize int

	// TaskTimeout bounds one task execution. Default: 2 minutes.
	TaskTimeout time.Duration

	Logger *slog.Logger
}

// Worker claims and executes background tasks.
type Worker struct {
	config  Config
	store   storage.Store
	proc    *processor.Processor
	secrets variables.SecretSource
	hooks   *hooks.Registry
	events  *notifier.Notifier
	logger  *slog.Logger

	mu          sync.Mutex
	running     bool
	stopCh      chan struct{}
	wake        chan struct{}
	unsubscribe func()
	wg          sync.WaitGroup
	activeCh    chan struct{}
}

// Option configures a Worker.
type Option func(*Worker)

// WithProcessor sets the action/webhook processor.
func WithProcessor(proc *processor.Processor) Option {
	return func(w *Worker) { w.proc = proc }
}

// WithSecrets sets the source for secret:KEY references in task payloads.
func WithSecrets(src variables.SecretSource) Option {
	return func(w *Worker) { w.secrets = src }
}

// WithHooks sets the hook registry fired on task completion.
func WithHooks(registry *hooks.Registry) Option {
	return func(w *Worker) { w.hooks = registry }
}

// WithNotifier wires LISTEN/NOTIFY wakeups. Without one the worker polls.
func WithNotifier(events *notifier.Notifier) Option {
	return func(w *Worker) { w.events = events }
}

// New creates a worker.
func New(store storage.Store, cfg Config, opts ...Option) *Worker {
	if cfg.MaxConcurrent <= 0 {
		cfg.MaxConcurrent = 10
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 2 * time.Second
	}
	if cfg.ClaimBatchSize <= 0 {
		cfg.ClaimBatchSize = 10
	}
	if cfg.TaskTimeout <= 0 {
		cfg.TaskTimeout = 2 * time.Minute
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	w := &Worker{
		config:   cfg,
		store:    store,
		logger:   cfg.Logger,
		activeCh: make(chan struct{}, cfg.MaxConcurrent),
		wake:     make(chan struct{}, 1),
	}
	for _, opt := range opts {
		opt(w)
	}
	if w.proc == nil {
		w.proc = processor.New(processor.WithLogger(w.logger))
	}
	if w.hooks == nil {
		w.hooks = hooks.NewRegistry()
	}
	return w
}

// Start starts the worker.
func (w *Worker) Start(ctx context.Context) error {
	w.mu.Lock()
	if w.running {
		w.mu.Unlock()
		return fmt.Errorf("worker already started")
	}
	w.running = true
	w.stopCh = make(chan struct{})
	if w.events != nil {
		w.unsubscribe = w.events.SubscribeTaskWakeups(func(string) {
			select {
			case w.wake <- struct{}{}:
			default:
			}
		})
	}
	w.mu.Unlock()

	w.wg.Add(1)
	go w.processLoop(ctx)

	w.logger.Info("worker started",
		"instance_id", w.config.InstanceID,
		"max_concurrent", w.config.MaxConcurrent)
	return nil
}

// Stop stops the worker gracefully, waiting for in-flight tasks.
func (w *Worker) Stop(ctx context.Context) error {
	w.mu.Lock()
	if !w.running {
		w.mu.Unlock()
		return nil
	}
	w.running = false
	close(w.stopCh)
	if w.unsubscribe != nil {
		w.unsubscribe()
		w.unsubscribe = nil
	}
	w.mu.Unlock()

	done := make(chan struct{})
	go func() {
		w.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		w.logger.Info("worker stopped", "instance_id", w.config.InstanceID)
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// processLoop claims work on every poll tick and on every wakeup.
func (w *Worker) processLoop(ctx context.Context) {
	defer w.wg.Done()

	ticker := time.NewTicker(w.config.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-w.stopCh:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
		case <-w.wake:
		}
		w.claimAndProcess(ctx)
	}
}

// claimAndProcess claims up to the available concurrency headroom and
// executes each task on its own goroutine.
func (w *Worker) claimAndProcess(ctx context.Context) {
	available := w.config.MaxConcurrent - len(w.activeCh)
	if available <= 0 {
		return
	}
	claimCount := w.config.ClaimBatchSize
	if claimCount > available {
		claimCount = available
	}

	tasks, err := w.store.ClaimTasks(ctx, w.config.InstanceID, claimCount)
	if err != nil {
		w.logger.Error("failed to claim tasks", "error", err)
		return
	}

	for _, task := range tasks {
		w.wg.Add(1)
		w.activeCh <- struct{}{}

		go func(task *storage.Task) {
			defer w.wg.Done()
			defer func() { <-w.activeCh }()

			taskCtx, cancel := context.WithTimeout(ctx, w.config.TaskTimeout)
			defer cancel()

			if err := w.processTask(taskCtx, task); err != nil {
				w.logger.Error("failed to process task",
					"task_id", task.ID,
					"task_type", task.Type,
					"session_id", task.SessionID,
					"error", err)
			}
		}(task)
	}
}
