package leadership

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/convoflow/flowpg/storage"
)

// mockStore implements the storage.Store leadership operations for testing.
type mockStore struct {
	storage.Store

	mu            sync.Mutex
	leader        string
	leaderExpires time.Time

	attemptCalled atomic.Int32
	resignCalled  atomic.Int32
	attemptErr    error
}

func (m *mockStore) AttemptLeadership(ctx context.Context, instanceID string, ttl time.Duration) (bool, error) {
	m.attemptCalled.Add(1)

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.attemptErr != nil {
		return false, m.attemptErr
	}

	// The holder renews; anyone takes over an empty or expired lease.
	if m.leader == "" || m.leader == instanceID || time.Now().After(m.leaderExpires) {
		m.leader = instanceID
		m.leaderExpires = time.Now().Add(ttl)
		return true, nil
	}
	return false, nil
}

func (m *mockStore) ResignLeadership(ctx context.Context, instanceID string) error {
	m.resignCalled.Add(1)
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.leader == instanceID {
		m.leader = ""
		m.leaderExpires = time.Time{}
	}
	return nil
}

func (m *mockStore) setLeader(instanceID string, ttl time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.leader = instanceID
	m.leaderExpires = time.Now().Add(ttl)
}

func (m *mockStore) setAttemptErr(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.attemptErr = err
}

func testConfig() *Config {
	return &Config{
		LeaderTTL:       100 * time.Millisecond,
		ElectionPeriod:  50 * time.Millisecond,
		ReelectionDelay: 25 * time.Millisecond,
	}
}

func TestElector_StartStop(t *testing.T) {
	store := &mockStore{}
	elector := NewElector(store, "instance-1", testConfig(), Callbacks{})

	ctx := context.Background()

	if err := elector.Start(ctx); err != nil {
		t.Fatalf("Start() error = %v", err)
	}

	// Second start should fail
	if err := elector.Start(ctx); err != ErrAlreadyStarted {
		t.Fatalf("Start() error = %v, want %v", err, ErrAlreadyStarted)
	}

	time.Sleep(100 * time.Millisecond)

	if err := elector.Stop(ctx); err != nil {
		t.Fatalf("Stop() error = %v", err)
	}

	if store.attemptCalled.Load() == 0 {
		t.Error("Expected at least one election attempt")
	}
}

func TestElector_BecomesLeader(t *testing.T) {
	store := &mockStore{}

	var becameLeaderCount atomic.Int32

	elector := NewElector(store, "instance-1", testConfig(), Callbacks{
		OnBecameLeader: func(ctx context.Context) {
			becameLeaderCount.Add(1)
		},
	})

	ctx := context.Background()

	if err := elector.Start(ctx); err != nil {
		t.Fatalf("Start() error = %v", err)
	}

	time.Sleep(100 * time.Millisecond)

	if !elector.IsLeader() {
		t.Error("Expected to be leader")
	}
	if becameLeaderCount.Load() != 1 {
		t.Errorf("OnBecameLeader called %d times, want 1", becameLeaderCount.Load())
	}

	if err := elector.Stop(ctx); err != nil {
		t.Fatalf("Stop() error = %v", err)
	}
}

func TestElector_DoesNotStealHeldLease(t *testing.T) {
	store := &mockStore{}
	store.setLeader("other-instance", time.Hour)

	elector := NewElector(store, "instance-1", testConfig(), Callbacks{})

	ctx := context.Background()

	if err := elector.Start(ctx); err != nil {
		t.Fatalf("Start() error = %v", err)
	}

	time.Sleep(100 * time.Millisecond)

	if elector.IsLeader() {
		t.Error("Expected not to be leader while another instance holds the lease")
	}

	if err := elector.Stop(ctx); err != nil {
		t.Fatalf("Stop() error = %v", err)
	}
}

func TestElector_TakesOverExpiredLease(t *testing.T) {
	store := &mockStore{}
	store.setLeader("other-instance", -time.Second)

	elector := NewElector(store, "instance-1", testConfig(), Callbacks{})

	ctx := context.Background()

	if err := elector.Start(ctx); err != nil {
		t.Fatalf("Start() error = %v", err)
	}

	time.Sleep(100 * time.Millisecond)

	if !elector.IsLeader() {
		t.Error("Expected to take over the expired lease")
	}

	if err := elector.Stop(ctx); err != nil {
		t.Fatalf("Stop() error = %v", err)
	}
}

func TestElector_Resign(t *testing.T) {
	store := &mockStore{}

	var lostLeadershipCount atomic.Int32

	elector := NewElector(store, "instance-1", testConfig(), Callbacks{
		OnLostLeadership: func(ctx context.Context) {
			lostLeadershipCount.Add(1)
		},
	})

	ctx := context.Background()

	if err := elector.Start(ctx); err != nil {
		t.Fatalf("Start() error = %v", err)
	}

	time.Sleep(100 * time.Millisecond)

	if !elector.IsLeader() {
		t.Error("Expected to be leader before resign")
	}

	if err := elector.Resign(ctx); err != nil {
		t.Fatalf("Resign() error = %v", err)
	}

	if elector.IsLeader() {
		t.Error("Expected not to be leader after resign")
	}
	if lostLeadershipCount.Load() != 1 {
		t.Errorf("OnLostLeadership called %d times, want 1", lostLeadershipCount.Load())
	}
	if store.resignCalled.Load() != 1 {
		t.Errorf("ResignLeadership called %d times, want 1", store.resignCalled.Load())
	}

	if err := elector.Stop(ctx); err != nil {
		t.Fatalf("Stop() error = %v", err)
	}
}

func TestElector_AttemptErrorDropsLeadership(t *testing.T) {
	store := &mockStore{}

	var lostLeadershipCount atomic.Int32

	elector := NewElector(store, "instance-1", testConfig(), Callbacks{
		OnLostLeadership: func(ctx context.Context) {
			lostLeadershipCount.Add(1)
		},
	})

	ctx := context.Background()

	if err := elector.Start(ctx); err != nil {
		t.Fatalf("Start() error = %v", err)
	}

	time.Sleep(100 * time.Millisecond)

	if !elector.IsLeader() {
		t.Fatal("Expected to be leader before the store starts failing")
	}

	store.setAttemptErr(context.DeadlineExceeded)
	time.Sleep(100 * time.Millisecond)

	if elector.IsLeader() {
		t.Error("Expected to drop leadership when renewals fail")
	}
	if lostLeadershipCount.Load() == 0 {
		t.Error("Expected OnLostLeadership to fire")
	}

	if err := elector.Stop(ctx); err != nil {
		t.Fatalf("Stop() error = %v", err)
	}
}

func TestDefaultConfig(t *testing.T) {
	config := DefaultConfig()

	if config.LeaderTTL != DefaultLeaderTTL {
		t.Errorf("LeaderTTL = %v, want %v", config.LeaderTTL, DefaultLeaderTTL)
	}
	if config.ElectionPeriod != DefaultElectionPeriod {
		t.Errorf("ElectionPeriod = %v, want %v", config.ElectionPeriod, DefaultElectionPeriod)
	}
	if config.ReelectionDelay != DefaultReelectionDelay {
		t.Errorf("ReelectionDelay = %v, want %v", config.ReelectionDelay, DefaultReelectionDelay)
	}
}
