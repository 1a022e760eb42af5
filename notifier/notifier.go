// Package notifier delivers committed session changes to in-process
// subscribers over PostgreSQL LISTEN/NOTIFY.
//
// The store publishes a typed event on the flow_events channel inside every
// session-changing transaction, so an event is observed only if the change
// committed. The notifier holds one dedicated listening connection,
// reconnects with a delay after connection loss, and fans events out to
// subscribers synchronously. Events are best-effort: anything published
// while the connection is down is gone.
package notifier

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/convoflow/flowpg/storage"
)

// EventHandler is called for each received session event. Handlers run
// synchronously on the listener goroutine and must be quick.
type EventHandler func(event *storage.Event)

// WakeupHandler is called when a task lands on the queue. The payload is
// the task id.
type WakeupHandler func(taskID string)

// Filter restricts an event subscription. Zero fields match everything.
type Filter struct {
	SessionID string
	FlowID    string
}

func (f Filter) matches(event *storage.Event) bool {
	if f.SessionID != "" && f.SessionID != event.SessionID {
		return false
	}
	if f.FlowID != "" && f.FlowID != event.FlowID {
		return false
	}
	return true
}

// Config holds configuration for the notifier.
type Config struct {
	// ReconnectDelay is how long to wait before reconnecting after a
	// disconnect. Default: 5 seconds.
	ReconnectDelay time.Duration

	// OnError is called when the listening connection fails.
	OnError func(err error)

	// OnReconnect is called before a reconnection attempt.
	OnReconnect func()

	Logger *slog.Logger
}

// DefaultConfig returns the default configuration.
func DefaultConfig() *Config {
	return &Config{
		ReconnectDelay: 5 * time.Second,
	}
}

type eventSub struct {
	id      int64
	filter  Filter
	handler EventHandler
}

type wakeupSub struct {
	id      int64
	handler WakeupHandler
}

// Notifier listens on the runtime's notification channels and dispatches
// to subscribers.
type Notifier struct {
	pool   *pgxpool.Pool
	config *Config
	logger *slog.Logger

	mu        sync.RWMutex
	events    []*eventSub
	wakeups   []*wakeupSub
	nextSubID int64

	started atomic.Bool
	done    chan struct{}
	cancel  context.CancelFunc
}

// New creates a notifier over a connection pool. Listening does not start
// until Start.
func New(pool *pgxpool.Pool, config *Config) *Notifier {
	if config == nil {
		config = DefaultConfig()
	}
	logger := config.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Notifier{
		pool:   pool,
		config: config,
		logger: logger,
	}
}

// Start begins listening for notifications.
func (n *Notifier) Start(ctx context.Context) error {
	if !n.started.CompareAndSwap(false, true) {
		return ErrAlreadyStarted
	}

	n.done = make(chan struct{})
	ctx, n.cancel = context.WithCancel(ctx)
	go n.run(ctx)

	return nil
}

// Stop stops the notifier and waits for the listener goroutine to exit.
func (n *Notifier) Stop(ctx context.Context) error {
	if !n.started.Load() {
		return ErrNotStarted
	}

	n.cancel()
	select {
	case <-n.done:
	case <-ctx.Done():
		return ctx.Err()
	}

	n.started.Store(false)
	return nil
}

// IsRunning returns true if the notifier is running.
func (n *Notifier) IsRunning() bool {
	return n.started.Load()
}

// SubscribeEvents registers a handler for session events matching the
// filter. Returns a function to unsubscribe.
func (n *Notifier) SubscribeEvents(filter Filter, handler EventHandler) func() {
	n.mu.Lock()
	defer n.mu.Unlock()

	sub := &eventSub{id: n.nextSubID, filter: filter, handler: handler}
	n.nextSubID++
	n.events = append(n.events, sub)

	return func() {
		n.mu.Lock()
		defer n.mu.Unlock()
		for i, s := range n.events {
			if s.id == sub.id {
				n.events = append(n.events[:i], n.events[i+1:]...)
				break
			}
		}
	}
}

// SubscribeTaskWakeups registers a handler for task-pending wakeups.
// Returns a function to unsubscribe.
func (n *Notifier) SubscribeTaskWakeups(handler WakeupHandler) func() {
	n.mu.Lock()
	defer n.mu.Unlock()

	sub := &wakeupSub{id: n.nextSubID, handler: handler}
	n.nextSubID++
	n.wakeups = append(n.wakeups, sub)

	return func() {
		n.mu.Lock()
		defer n.mu.Unlock()
		for i, s := range n.wakeups {
			if s.id == sub.id {
				n.wakeups = append(n.wakeups[:i], n.wakeups[i+1:]...)
				break
			}
		}
	}
}

// run keeps one listening connection alive until the context ends.
func (n *Notifier) run(ctx context.Context) {
	defer close(n.done)

	for {
		err := n.listenLoop(ctx)
		if ctx.Err() != nil {
			return
		}
		if err != nil && n.config.OnError != nil {
			n.config.OnError(err)
		}
		if err != nil {
			n.logger.Warn("listener connection lost", "error", err)
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(n.config.ReconnectDelay):
			if n.config.OnReconnect != nil {
				n.config.OnReconnect()
			}
		}
	}
}

// listenLoop holds a dedicated connection and processes notifications
// until an error occurs.
func (n *Notifier) listenLoop(ctx context.Context) error {
	conn, err := n.pool.Acquire(ctx)
	if err != nil {
		return err
	}
	defer conn.Release()

	for _, channel := range []string{storage.ChannelFlowEvents, storage.ChannelTasksPending} {
		if _, err := conn.Exec(ctx, "LISTEN "+channel); err != nil {
			return err
		}
	}

	for {
		notification, err := conn.Conn().WaitForNotification(ctx)
		if err != nil {
			return err
		}

		switch notification.Channel {
		case storage.ChannelFlowEvents:
			n.dispatchEvent(notification.Payload)
		case storage.ChannelTasksPending:
			n.dispatchWakeup(notification.Payload)
		}
	}
}

func (n *Notifier) dispatchEvent(payload string) {
	var event storage.Event
	if err := json.Unmarshal([]byte(payload), &event); err != nil {
		n.logger.Warn("malformed event payload", "error", err)
		return
	}

	n.mu.RLock()
	subs := make([]*eventSub, len(n.events))
	copy(subs, n.events)
	n.mu.RUnlock()

	for _, sub := range subs {
		if sub.filter.matches(&event) {
			sub.handler(&event)
		}
	}
}

func (n *Notifier) dispatchWakeup(taskID string) {
	n.mu.RLock()
	subs := make([]*wakeupSub, len(n.wakeups))
	copy(subs, n.wakeups)
	n.mu.RUnlock()

	for _, sub := range subs {
		sub.handler(taskID)
	}
}
