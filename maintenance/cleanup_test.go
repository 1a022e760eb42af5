package maintenance

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/convoflow/flowpg/storage"
)

// mockCleanupStore implements the storage.Store cleanup operations.
type mockCleanupStore struct {
	storage.Store

	abandonCalled atomic.Int32
	rescueCalled  atomic.Int32
	staleCalled   atomic.Int32

	abandonCount int
	rescueCount  int
	staleCount   int

	abandonErr error
	rescueErr  error
	staleErr   error
}

func (m *mockCleanupStore) AbandonIdleSessions(ctx context.Context, idleFor time.Duration) (int, error) {
	m.abandonCalled.Add(1)
	return m.abandonCount, m.abandonErr
}

func (m *mockCleanupStore) RescueStuckTasks(ctx context.Context, claimedFor time.Duration) (int, error) {
	m.rescueCalled.Add(1)
	return m.rescueCount, m.rescueErr
}

func (m *mockCleanupStore) CleanupStaleInstances(ctx context.Context, ttl time.Duration) (int, error) {
	m.staleCalled.Add(1)
	return m.staleCount, m.staleErr
}

func TestCleanup_RunOnce(t *testing.T) {
	store := &mockCleanupStore{
		abandonCount: 3,
		rescueCount:  2,
		staleCount:   1,
	}
	cleanup := NewCleanup(store, nil)

	result := cleanup.RunOnce(context.Background())

	if result.SessionsAbandoned != 3 {
		t.Errorf("SessionsAbandoned = %d, want 3", result.SessionsAbandoned)
	}
	if result.TasksRescued != 2 {
		t.Errorf("TasksRescued = %d, want 2", result.TasksRescued)
	}
	if result.StaleInstancesCleaned != 1 {
		t.Errorf("StaleInstancesCleaned = %d, want 1", result.StaleInstancesCleaned)
	}
	if len(result.Errors) != 0 {
		t.Errorf("Errors = %v, want none", result.Errors)
	}
}

func TestCleanup_RunOnce_PartialFailure(t *testing.T) {
	store := &mockCleanupStore{
		abandonErr:  errors.New("abandon failed"),
		rescueCount: 5,
		staleCount:  2,
	}
	cleanup := NewCleanup(store, nil)

	result := cleanup.RunOnce(context.Background())

	// One operation failing does not stop the others.
	if len(result.Errors) != 1 {
		t.Fatalf("Errors = %v, want exactly 1", result.Errors)
	}
	if result.TasksRescued != 5 {
		t.Errorf("TasksRescued = %d, want 5", result.TasksRescued)
	}
	if result.StaleInstancesCleaned != 2 {
		t.Errorf("StaleInstancesCleaned = %d, want 2", result.StaleInstancesCleaned)
	}
	if store.rescueCalled.Load() != 1 || store.staleCalled.Load() != 1 {
		t.Error("Expected all operations to be attempted")
	}
}

func TestCleanup_StartStop(t *testing.T) {
	store := &mockCleanupStore{abandonCount: 1}

	var abandonedTotal atomic.Int32
	cleanup := NewCleanup(store, &CleanupConfig{
		Interval:          20 * time.Millisecond,
		SessionIdleFor:    time.Hour,
		StuckTaskClaimFor: time.Minute,
		OnSessionsAbandoned: func(count int) {
			abandonedTotal.Add(int32(count))
		},
	})

	ctx := context.Background()

	if err := cleanup.Start(ctx); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	if !cleanup.IsRunning() {
		t.Error("Expected IsRunning() = true after Start")
	}

	// Second start should fail
	if err := cleanup.Start(ctx); err != ErrAlreadyStarted {
		t.Fatalf("Start() error = %v, want %v", err, ErrAlreadyStarted)
	}

	time.Sleep(70 * time.Millisecond)

	if err := cleanup.Stop(ctx); err != nil {
		t.Fatalf("Stop() error = %v", err)
	}
	if cleanup.IsRunning() {
		t.Error("Expected IsRunning() = false after Stop")
	}

	// One immediate pass plus ticks, each abandoning one session.
	if abandonedTotal.Load() < 2 {
		t.Errorf("OnSessionsAbandoned total = %d, want >= 2", abandonedTotal.Load())
	}
}

func TestCleanup_OnErrorCallback(t *testing.T) {
	wantErr := errors.New("rescue failed")
	store := &mockCleanupStore{rescueErr: wantErr}

	var errCount atomic.Int32
	cleanup := NewCleanup(store, &CleanupConfig{
		Interval:          time.Hour,
		SessionIdleFor:    time.Hour,
		StuckTaskClaimFor: time.Minute,
		OnError: func(err error) {
			if errors.Is(err, wantErr) {
				errCount.Add(1)
			}
		},
	})

	ctx := context.Background()

	if err := cleanup.Start(ctx); err != nil {
		t.Fatalf("Start() error = %v", err)
	}

	time.Sleep(30 * time.Millisecond)

	if err := cleanup.Stop(ctx); err != nil {
		t.Fatalf("Stop() error = %v", err)
	}

	if errCount.Load() != 1 {
		t.Errorf("OnError called %d times, want 1", errCount.Load())
	}
}

func TestDefaultCleanupConfig(t *testing.T) {
	config := DefaultCleanupConfig()

	if config.Interval != DefaultCleanupInterval {
		t.Errorf("Interval = %v, want %v", config.Interval, DefaultCleanupInterval)
	}
	if config.SessionIdleFor != DefaultSessionIdleFor {
		t.Errorf("SessionIdleFor = %v, want %v", config.SessionIdleFor, DefaultSessionIdleFor)
	}
	if config.StuckTaskClaimFor != DefaultStuckTaskClaimFor {
		t.Errorf("StuckTaskClaimFor = %v, want %v", config.StuckTaskClaimFor, DefaultStuckTaskClaimFor)
	}
}
