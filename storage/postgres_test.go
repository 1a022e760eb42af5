package storage_test

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/convoflow/flowpg/internal/testutil"
	"github.com/convoflow/flowpg/storage"
)

func setupStore(t *testing.T) (context.Context, *storage.PostgresStore) {
	t.Helper()
	testutil.RequireIntegration(t)

	db := testutil.NewTestDB(t)
	if db == nil {
		t.FailNow()
	}
	t.Cleanup(db.Close)

	ctx := context.Background()
	if err := db.CleanTables(ctx); err != nil {
		t.Fatalf("Failed to clean tables: %v", err)
	}
	return ctx, storage.NewPostgresStore(db.Pool)
}

func testGraph(flowID string, published bool) *storage.FlowGraph {
	return &storage.FlowGraph{
		Flow: &storage.Flow{
			ID:          flowID,
			Name:        "Onboarding",
			Version:     "1",
			Published:   published,
			EntryNodeID: "welcome",
			Theme:       map[string]any{"primary": "#336699"},
		},
		Nodes: []*storage.Node{
			{NodeID: "welcome", Type: storage.NodeTypeMessage, Content: json.RawMessage(`{"text":"Hi there"}`)},
			{NodeID: "ask_name", Type: storage.NodeTypeQuestion, Content: json.RawMessage(`{"text":"Your name?","variable":"name"}`)},
		},
		Connections: []*storage.Connection{
			{SourceNodeID: "welcome", TargetNodeID: "ask_name", Type: storage.ConnectionDefault},
		},
	}
}

func createTestSession(t *testing.T, ctx context.Context, store *storage.PostgresStore, flowID, token string) *storage.Session {
	t.Helper()
	if err := store.SaveFlowGraph(ctx, testGraph(flowID, true)); err != nil {
		t.Fatalf("SaveFlowGraph() error = %v", err)
	}
	session, err := store.CreateSession(ctx, flowID, nil, map[string]any{"variables": map[string]any{}}, token)
	if err != nil {
		t.Fatalf("CreateSession() error = %v", err)
	}
	return session
}

func TestIntegration_FlowGraphRoundTrip(t *testing.T) {
	ctx, store := setupStore(t)

	if err := store.SaveFlowGraph(ctx, testGraph("flow-1", false)); err != nil {
		t.Fatalf("SaveFlowGraph() error = %v", err)
	}

	graph, err := store.GetFlowGraph(ctx, "flow-1")
	if err != nil {
		t.Fatalf("GetFlowGraph() error = %v", err)
	}
	if graph.Flow.Name != "Onboarding" || graph.Flow.EntryNodeID != "welcome" {
		t.Errorf("Flow = %+v, want name Onboarding entry welcome", graph.Flow)
	}
	if graph.Flow.Published {
		t.Error("Expected flow to start unpublished")
	}
	if graph.Flow.Theme["primary"] != "#336699" {
		t.Errorf("Theme = %v, want primary #336699", graph.Flow.Theme)
	}
	if len(graph.Nodes) != 2 {
		t.Fatalf("len(Nodes) = %d, want 2", len(graph.Nodes))
	}
	// Nodes come back ordered by node_id.
	if graph.Nodes[0].NodeID != "ask_name" || graph.Nodes[1].NodeID != "welcome" {
		t.Errorf("Node order = %s, %s", graph.Nodes[0].NodeID, graph.Nodes[1].NodeID)
	}
	if len(graph.Connections) != 1 || graph.Connections[0].Type != storage.ConnectionDefault {
		t.Errorf("Connections = %+v, want one DEFAULT edge", graph.Connections)
	}

	// Re-saving replaces nodes and connections wholesale.
	updated := testGraph("flow-1", false)
	updated.Nodes = updated.Nodes[:1]
	updated.Connections = nil
	if err := store.SaveFlowGraph(ctx, updated); err != nil {
		t.Fatalf("SaveFlowGraph() resave error = %v", err)
	}
	graph, err = store.GetFlowGraph(ctx, "flow-1")
	if err != nil {
		t.Fatalf("GetFlowGraph() error = %v", err)
	}
	if len(graph.Nodes) != 1 || len(graph.Connections) != 0 {
		t.Errorf("After resave: %d nodes, %d connections, want 1 and 0", len(graph.Nodes), len(graph.Connections))
	}

	if err := store.SetFlowPublished(ctx, "flow-1", true); err != nil {
		t.Fatalf("SetFlowPublished() error = %v", err)
	}
	graph, err = store.GetFlowGraph(ctx, "flow-1")
	if err != nil {
		t.Fatalf("GetFlowGraph() error = %v", err)
	}
	if !graph.Flow.Published {
		t.Error("Expected flow to be published")
	}

	if err := store.DeleteFlow(ctx, "flow-1"); err != nil {
		t.Fatalf("DeleteFlow() error = %v", err)
	}
	if _, err := store.GetFlowGraph(ctx, "flow-1"); !errors.Is(err, storage.ErrFlowNotFound) {
		t.Errorf("GetFlowGraph() after delete error = %v, want ErrFlowNotFound", err)
	}
	if err := store.SetFlowPublished(ctx, "flow-1", true); !errors.Is(err, storage.ErrFlowNotFound) {
		t.Errorf("SetFlowPublished() after delete error = %v, want ErrFlowNotFound", err)
	}
}

func TestIntegration_SessionLifecycle(t *testing.T) {
	ctx, store := setupStore(t)

	if _, err := store.CreateSession(ctx, "missing", nil, nil, "tok-1"); !errors.Is(err, storage.ErrFlowNotFound) {
		t.Errorf("CreateSession() unknown flow error = %v, want ErrFlowNotFound", err)
	}

	if err := store.SaveFlowGraph(ctx, testGraph("flow-1", false)); err != nil {
		t.Fatalf("SaveFlowGraph() error = %v", err)
	}
	if _, err := store.CreateSession(ctx, "flow-1", nil, nil, "tok-1"); !errors.Is(err, storage.ErrFlowNotPublished) {
		t.Errorf("CreateSession() unpublished error = %v, want ErrFlowNotPublished", err)
	}

	if err := store.SetFlowPublished(ctx, "flow-1", true); err != nil {
		t.Fatalf("SetFlowPublished() error = %v", err)
	}

	userID := "user-42"
	session, err := store.CreateSession(ctx, "flow-1", &userID, map[string]any{"variables": map[string]any{"lang": "en"}}, "tok-1")
	if err != nil {
		t.Fatalf("CreateSession() error = %v", err)
	}
	if session.Revision != 1 || session.Status != storage.SessionActive {
		t.Errorf("Session revision=%d status=%s, want 1 ACTIVE", session.Revision, session.Status)
	}
	if session.CurrentNodeID == nil || *session.CurrentNodeID != "welcome" {
		t.Errorf("CurrentNodeID = %v, want entry node welcome", session.CurrentNodeID)
	}
	if session.UserID == nil || *session.UserID != "user-42" {
		t.Errorf("UserID = %v, want user-42", session.UserID)
	}

	// Token collision is surfaced, not swallowed.
	if _, err := store.CreateSession(ctx, "flow-1", nil, nil, "tok-1"); !errors.Is(err, storage.ErrTokenTaken) {
		t.Errorf("CreateSession() duplicate token error = %v, want ErrTokenTaken", err)
	}
	if _, err := store.CreateSession(ctx, "flow-1", nil, nil, ""); err == nil {
		t.Error("CreateSession() with empty token should fail")
	}

	got, err := store.GetSession(ctx, session.ID)
	if err != nil {
		t.Fatalf("GetSession() error = %v", err)
	}
	vars, _ := got.State["variables"].(map[string]any)
	if vars["lang"] != "en" {
		t.Errorf("State = %v, want variables.lang=en", got.State)
	}

	byToken, err := store.GetSessionByToken(ctx, "tok-1")
	if err != nil {
		t.Fatalf("GetSessionByToken() error = %v", err)
	}
	if byToken.ID != session.ID {
		t.Errorf("GetSessionByToken() ID = %s, want %s", byToken.ID, session.ID)
	}

	if _, err := store.GetSession(ctx, "nope"); !errors.Is(err, storage.ErrSessionNotFound) {
		t.Errorf("GetSession() missing error = %v, want ErrSessionNotFound", err)
	}
	if _, err := store.GetSessionByToken(ctx, "nope"); !errors.Is(err, storage.ErrSessionNotFound) {
		t.Errorf("GetSessionByToken() missing error = %v, want ErrSessionNotFound", err)
	}
}

func TestIntegration_UpdateSessionState(t *testing.T) {
	ctx, store := setupStore(t)
	session := createTestSession(t, ctx, store, "flow-1", "tok-1")

	nodeID := "ask_name"
	updated, err := store.UpdateSessionState(ctx, storage.UpdateStateParams{
		SessionID:        session.ID,
		StateUpdates:     map[string]any{"variables": map[string]any{"name": "Ada"}},
		ExpectedRevision: 1,
		CurrentNodeID:    &nodeID,
		History: []storage.HistoryAppend{
			{NodeID: "welcome", InteractionType: storage.InteractionMessage, Content: map[string]any{"text": "Hi there"}},
		},
	})
	if err != nil {
		t.Fatalf("UpdateSessionState() error = %v", err)
	}
	if updated.Revision != 2 {
		t.Errorf("Revision = %d, want 2", updated.Revision)
	}
	if updated.CurrentNodeID == nil || *updated.CurrentNodeID != "ask_name" {
		t.Errorf("CurrentNodeID = %v, want ask_name", updated.CurrentNodeID)
	}

	// Deep merge preserves sibling keys.
	updated, err = store.UpdateSessionState(ctx, storage.UpdateStateParams{
		SessionID:        session.ID,
		StateUpdates:     map[string]any{"variables": map[string]any{"age": float64(30)}},
		ExpectedRevision: 2,
	})
	if err != nil {
		t.Fatalf("UpdateSessionState() merge error = %v", err)
	}
	vars, _ := updated.State["variables"].(map[string]any)
	if vars["name"] != "Ada" || vars["age"] != float64(30) {
		t.Errorf("Merged variables = %v, want name=Ada age=30", vars)
	}

	// Stale revision is rejected and leaves no trace.
	_, err = store.UpdateSessionState(ctx, storage.UpdateStateParams{
		SessionID:        session.ID,
		StateUpdates:     map[string]any{"variables": map[string]any{"name": "Eve"}},
		ExpectedRevision: 1,
		History: []storage.HistoryAppend{
			{NodeID: "welcome", InteractionType: storage.InteractionInput, Content: map[string]any{"input": "Eve"}},
		},
	})
	if !errors.Is(err, storage.ErrRevisionConflict) {
		t.Fatalf("UpdateSessionState() stale error = %v, want ErrRevisionConflict", err)
	}
	current, err := store.GetSession(ctx, session.ID)
	if err != nil {
		t.Fatalf("GetSession() error = %v", err)
	}
	vars, _ = current.State["variables"].(map[string]any)
	if current.Revision != 3 || vars["name"] != "Ada" {
		t.Errorf("After conflict: revision=%d name=%v, want 3 Ada", current.Revision, vars["name"])
	}
	history, err := store.GetHistory(ctx, session.ID, 0)
	if err != nil {
		t.Fatalf("GetHistory() error = %v", err)
	}
	if len(history) != 1 {
		t.Errorf("len(history) = %d, want 1 (conflicting write rolled back)", len(history))
	}

	// Replace swaps the whole state instead of merging.
	updated, err = store.UpdateSessionState(ctx, storage.UpdateStateParams{
		SessionID:        session.ID,
		StateUpdates:     map[string]any{"variables": map[string]any{"reset": true}},
		ExpectedRevision: 3,
		Replace:          true,
	})
	if err != nil {
		t.Fatalf("UpdateSessionState() replace error = %v", err)
	}
	vars, _ = updated.State["variables"].(map[string]any)
	if _, stillThere := vars["name"]; stillThere {
		t.Errorf("Replace kept old keys: %v", vars)
	}

	// Terminal transition stamps ended_at and freezes the session.
	updated, err = store.UpdateSessionState(ctx, storage.UpdateStateParams{
		SessionID:        session.ID,
		StateUpdates:     map[string]any{},
		ExpectedRevision: 4,
		Status:           storage.SessionCompleted,
	})
	if err != nil {
		t.Fatalf("UpdateSessionState() complete error = %v", err)
	}
	if updated.Status != storage.SessionCompleted || updated.EndedAt == nil {
		t.Errorf("Status=%s EndedAt=%v, want COMPLETED and a timestamp", updated.Status, updated.EndedAt)
	}
	_, err = store.UpdateSessionState(ctx, storage.UpdateStateParams{
		SessionID:        session.ID,
		StateUpdates:     map[string]any{},
		ExpectedRevision: 5,
	})
	if !errors.Is(err, storage.ErrSessionEnded) {
		t.Errorf("UpdateSessionState() after completion error = %v, want ErrSessionEnded", err)
	}

	_, err = store.UpdateSessionState(ctx, storage.UpdateStateParams{
		SessionID:        "missing",
		StateUpdates:     map[string]any{},
		ExpectedRevision: 1,
	})
	if !errors.Is(err, storage.ErrSessionNotFound) {
		t.Errorf("UpdateSessionState() missing session error = %v, want ErrSessionNotFound", err)
	}
}

func TestIntegration_EndSession(t *testing.T) {
	ctx, store := setupStore(t)
	session := createTestSession(t, ctx, store, "flow-1", "tok-1")

	if _, err := store.EndSession(ctx, session.ID, storage.SessionActive); err == nil {
		t.Error("EndSession() with non-terminal status should fail")
	}

	ended, err := store.EndSession(ctx, session.ID, storage.SessionCompleted)
	if err != nil {
		t.Fatalf("EndSession() error = %v", err)
	}
	if ended.Status != storage.SessionCompleted || ended.EndedAt == nil {
		t.Errorf("Status=%s EndedAt=%v, want COMPLETED and a timestamp", ended.Status, ended.EndedAt)
	}
	if ended.Revision != session.Revision+1 {
		t.Errorf("Revision = %d, want %d", ended.Revision, session.Revision+1)
	}

	if _, err := store.EndSession(ctx, session.ID, storage.SessionAbandoned); !errors.Is(err, storage.ErrSessionEnded) {
		t.Errorf("EndSession() twice error = %v, want ErrSessionEnded", err)
	}
	if _, err := store.EndSession(ctx, "missing", storage.SessionCompleted); !errors.Is(err, storage.ErrSessionNotFound) {
		t.Errorf("EndSession() missing error = %v, want ErrSessionNotFound", err)
	}

	if err := store.DeleteSession(ctx, session.ID); err != nil {
		t.Fatalf("DeleteSession() error = %v", err)
	}
	if _, err := store.GetSession(ctx, session.ID); !errors.Is(err, storage.ErrSessionNotFound) {
		t.Errorf("GetSession() after delete error = %v, want ErrSessionNotFound", err)
	}
	if err := store.DeleteSession(ctx, session.ID); !errors.Is(err, storage.ErrSessionNotFound) {
		t.Errorf("DeleteSession() twice error = %v, want ErrSessionNotFound", err)
	}
}

func TestIntegration_AbandonIdleSessions(t *testing.T) {
	ctx, store := setupStore(t)
	idle := createTestSession(t, ctx, store, "flow-1", "tok-1")

	done, err := store.CreateSession(ctx, "flow-1", nil, nil, "tok-2")
	if err != nil {
		t.Fatalf("CreateSession() error = %v", err)
	}
	if _, err := store.EndSession(ctx, done.ID, storage.SessionCompleted); err != nil {
		t.Fatalf("EndSession() error = %v", err)
	}

	// Negative idleFor puts the cutoff in the future so every ACTIVE
	// session qualifies regardless of clock skew with the database.
	count, err := store.AbandonIdleSessions(ctx, -time.Hour)
	if err != nil {
		t.Fatalf("AbandonIdleSessions() error = %v", err)
	}
	if count != 1 {
		t.Errorf("AbandonIdleSessions() = %d, want 1", count)
	}

	got, err := store.GetSession(ctx, idle.ID)
	if err != nil {
		t.Fatalf("GetSession() error = %v", err)
	}
	if got.Status != storage.SessionAbandoned {
		t.Errorf("Status = %s, want ABANDONED", got.Status)
	}
	gotDone, err := store.GetSession(ctx, done.ID)
	if err != nil {
		t.Fatalf("GetSession() error = %v", err)
	}
	if gotDone.Status != storage.SessionCompleted {
		t.Errorf("Completed session status = %s, want COMPLETED untouched", gotDone.Status)
	}
}

func TestIntegration_History(t *testing.T) {
	ctx, store := setupStore(t)
	session := createTestSession(t, ctx, store, "flow-1", "tok-1")

	entries := []struct {
		nodeID string
		itype  storage.InteractionType
		text   string
	}{
		{"welcome", storage.InteractionMessage, "Hi there"},
		{"ask_name", storage.InteractionMessage, "Your name?"},
		{"ask_name", storage.InteractionInput, "Ada"},
	}
	for _, e := range entries {
		err := store.AppendHistory(ctx, session.ID, e.nodeID, e.itype, map[string]any{"text": e.text})
		if err != nil {
			t.Fatalf("AppendHistory(%s) error = %v", e.nodeID, err)
		}
	}

	history, err := store.GetHistory(ctx, session.ID, 0)
	if err != nil {
		t.Fatalf("GetHistory() error = %v", err)
	}
	if len(history) != 3 {
		t.Fatalf("len(history) = %d, want 3", len(history))
	}
	// Oldest first.
	if history[0].Content["text"] != "Hi there" || history[2].InteractionType != storage.InteractionInput {
		t.Errorf("History order wrong: %+v", history)
	}

	limited, err := store.GetHistory(ctx, session.ID, 2)
	if err != nil {
		t.Fatalf("GetHistory(limit=2) error = %v", err)
	}
	if len(limited) != 2 {
		t.Errorf("len(limited) = %d, want 2", len(limited))
	}

	empty, err := store.GetHistory(ctx, "missing", 0)
	if err != nil {
		t.Fatalf("GetHistory() unknown session error = %v", err)
	}
	if len(empty) != 0 {
		t.Errorf("History for unknown session = %v, want empty", empty)
	}
}

func TestIntegration_IdempotencyLedger(t *testing.T) {
	ctx, store := setupStore(t)
	session := createTestSession(t, ctx, store, "flow-1", "tok-1")
	key := session.ID + ":welcome:2"

	acquired, existing, err := store.AcquireIdempotency(ctx, key, session.ID, "welcome", 2)
	if err != nil {
		t.Fatalf("AcquireIdempotency() error = %v", err)
	}
	if !acquired || existing != nil {
		t.Fatalf("First acquire: acquired=%v existing=%v, want true nil", acquired, existing)
	}

	// Exactly one caller ever wins; the loser sees the live record.
	acquired, existing, err = store.AcquireIdempotency(ctx, key, session.ID, "welcome", 2)
	if err != nil {
		t.Fatalf("AcquireIdempotency() second error = %v", err)
	}
	if acquired {
		t.Error("Second acquire should not win")
	}
	if existing == nil || existing.Status != storage.IdempotencyInProgress {
		t.Fatalf("Second acquire existing = %+v, want IN_PROGRESS record", existing)
	}
	if existing.SessionRevision != 2 {
		t.Errorf("SessionRevision = %d, want 2", existing.SessionRevision)
	}

	err = store.CompleteIdempotency(ctx, key, true, map[string]any{"status": "ok"}, "")
	if err != nil {
		t.Fatalf("CompleteIdempotency() error = %v", err)
	}
	record, err := store.GetIdempotency(ctx, key)
	if err != nil {
		t.Fatalf("GetIdempotency() error = %v", err)
	}
	if record.Status != storage.IdempotencySucceeded || record.ResultData["status"] != "ok" {
		t.Errorf("Record = %+v, want SUCCEEDED with result", record)
	}

	// Terminal states are absorbing.
	err = store.CompleteIdempotency(ctx, key, false, nil, "too late")
	if !errors.Is(err, storage.ErrIdempotencyFinalized) {
		t.Errorf("CompleteIdempotency() twice error = %v, want ErrIdempotencyFinalized", err)
	}
	record, err = store.GetIdempotency(ctx, key)
	if err != nil {
		t.Fatalf("GetIdempotency() error = %v", err)
	}
	if record.Status != storage.IdempotencySucceeded {
		t.Errorf("Status after late failure = %s, want SUCCEEDED", record.Status)
	}

	if _, err := store.GetIdempotency(ctx, "no-such-key"); !errors.Is(err, storage.ErrIdempotencyNotFound) {
		t.Errorf("GetIdempotency() missing error = %v, want ErrIdempotencyNotFound", err)
	}
	if err := store.CompleteIdempotency(ctx, "no-such-key", true, nil, ""); !errors.Is(err, storage.ErrIdempotencyNotFound) {
		t.Errorf("CompleteIdempotency() missing error = %v, want ErrIdempotencyNotFound", err)
	}

	failKey := session.ID + ":ask_name:2"
	if _, _, err := store.AcquireIdempotency(ctx, failKey, session.ID, "ask_name", 2); err != nil {
		t.Fatalf("AcquireIdempotency() error = %v", err)
	}
	if err := store.CompleteIdempotency(ctx, failKey, false, nil, "boom"); err != nil {
		t.Fatalf("CompleteIdempotency() failure error = %v", err)
	}
	record, err = store.GetIdempotency(ctx, failKey)
	if err != nil {
		t.Fatalf("GetIdempotency() error = %v", err)
	}
	if record.Status != storage.IdempotencyFailed || record.ErrorMessage == nil || *record.ErrorMessage != "boom" {
		t.Errorf("Failed record = %+v, want FAILED with message boom", record)
	}
}

func TestIntegration_ValidateRevision(t *testing.T) {
	ctx, store := setupStore(t)
	session := createTestSession(t, ctx, store, "flow-1", "tok-1")

	ok, err := store.ValidateRevision(ctx, session.ID, session.Revision)
	if err != nil {
		t.Fatalf("ValidateRevision() error = %v", err)
	}
	if !ok {
		t.Error("ValidateRevision() = false for current revision")
	}

	ok, err = store.ValidateRevision(ctx, session.ID, session.Revision+1)
	if err != nil {
		t.Fatalf("ValidateRevision() error = %v", err)
	}
	if ok {
		t.Error("ValidateRevision() = true for future revision")
	}

	if _, err := store.ValidateRevision(ctx, "missing", 1); !errors.Is(err, storage.ErrSessionNotFound) {
		t.Errorf("ValidateRevision() missing error = %v, want ErrSessionNotFound", err)
	}
}

func TestIntegration_TaskQueue(t *testing.T) {
	ctx, store := setupStore(t)
	session := createTestSession(t, ctx, store, "flow-1", "tok-1")

	first := &storage.Task{
		Type:            storage.TaskTypeWebhook,
		SessionID:       session.ID,
		NodeID:          "welcome",
		SessionRevision: 2,
		IdempotencyKey:  session.ID + ":welcome:2",
		Payload:         json.RawMessage(`{"url":"https://example.com"}`),
	}
	if err := store.EnqueueTask(ctx, first); err != nil {
		t.Fatalf("EnqueueTask() error = %v", err)
	}
	if first.ID == "" {
		t.Error("EnqueueTask() should assign an ID")
	}
	second := &storage.Task{
		Type:            storage.TaskTypeAction,
		SessionID:       session.ID,
		NodeID:          "ask_name",
		SessionRevision: 3,
		IdempotencyKey:  session.ID + ":ask_name:3",
	}
	if err := store.EnqueueTask(ctx, second); err != nil {
		t.Fatalf("EnqueueTask() error = %v", err)
	}

	// Oldest pending task is claimed first.
	claimed, err := store.ClaimTasks(ctx, "worker-1", 1)
	if err != nil {
		t.Fatalf("ClaimTasks() error = %v", err)
	}
	if len(claimed) != 1 {
		t.Fatalf("len(claimed) = %d, want 1", len(claimed))
	}
	task := claimed[0]
	if task.ID != first.ID {
		t.Errorf("Claimed task = %s, want oldest %s", task.ID, first.ID)
	}
	if task.Status != storage.TaskClaimed || task.Attempts != 1 {
		t.Errorf("Status=%s Attempts=%d, want claimed 1", task.Status, task.Attempts)
	}
	if task.ClaimedBy == nil || *task.ClaimedBy != "worker-1" {
		t.Errorf("ClaimedBy = %v, want worker-1", task.ClaimedBy)
	}

	rest, err := store.ClaimTasks(ctx, "worker-2", 10)
	if err != nil {
		t.Fatalf("ClaimTasks() error = %v", err)
	}
	if len(rest) != 1 || rest[0].ID != second.ID {
		t.Fatalf("Second claim = %+v, want just the second task", rest)
	}
	none, err := store.ClaimTasks(ctx, "worker-3", 10)
	if err != nil {
		t.Fatalf("ClaimTasks() error = %v", err)
	}
	if len(none) != 0 {
		t.Errorf("Third claim = %d tasks, want 0", len(none))
	}

	if err := store.CompleteTask(ctx, task.ID); err != nil {
		t.Fatalf("CompleteTask() error = %v", err)
	}
	if err := store.CompleteTask(ctx, "missing"); !errors.Is(err, storage.ErrTaskNotFound) {
		t.Errorf("CompleteTask() missing error = %v, want ErrTaskNotFound", err)
	}

	// Rescue re-pends abandoned claims; negative claimedFor puts the cutoff
	// in the future so the fresh claim qualifies regardless of clock skew.
	count, err := store.RescueStuckTasks(ctx, -time.Hour)
	if err != nil {
		t.Fatalf("RescueStuckTasks() error = %v", err)
	}
	if count != 1 {
		t.Errorf("RescueStuckTasks() = %d, want 1", count)
	}
	rescued, err := store.ClaimTasks(ctx, "worker-3", 10)
	if err != nil {
		t.Fatalf("ClaimTasks() after rescue error = %v", err)
	}
	if len(rescued) != 1 || rescued[0].ID != second.ID {
		t.Fatalf("Rescued claim = %+v, want the second task again", rescued)
	}
	if rescued[0].Attempts != 2 {
		t.Errorf("Attempts = %d, want 2 after rescue and reclaim", rescued[0].Attempts)
	}
}

func TestIntegration_InstanceRegistry(t *testing.T) {
	ctx, store := setupStore(t)

	err := store.RegisterInstance(ctx, "instance-1", "host-a", map[string]any{"version": "1.0"})
	if err != nil {
		t.Fatalf("RegisterInstance() error = %v", err)
	}
	// Re-registering is an upsert, not a conflict.
	err = store.RegisterInstance(ctx, "instance-1", "host-b", nil)
	if err != nil {
		t.Fatalf("RegisterInstance() upsert error = %v", err)
	}

	if err := store.HeartbeatInstance(ctx, "instance-1"); err != nil {
		t.Fatalf("HeartbeatInstance() error = %v", err)
	}
	if err := store.HeartbeatInstance(ctx, "unknown"); err == nil {
		t.Error("HeartbeatInstance() for unregistered instance should fail")
	}

	if err := store.RegisterInstance(ctx, "instance-2", "host-c", nil); err != nil {
		t.Fatalf("RegisterInstance() error = %v", err)
	}
	count, err := store.CleanupStaleInstances(ctx, -time.Hour)
	if err != nil {
		t.Fatalf("CleanupStaleInstances() error = %v", err)
	}
	if count != 2 {
		t.Errorf("CleanupStaleInstances() = %d, want 2", count)
	}
	if err := store.HeartbeatInstance(ctx, "instance-1"); err == nil {
		t.Error("HeartbeatInstance() after cleanup should fail")
	}

	if err := store.RegisterInstance(ctx, "instance-3", "host-d", nil); err != nil {
		t.Fatalf("RegisterInstance() error = %v", err)
	}
	if err := store.DeregisterInstance(ctx, "instance-3"); err != nil {
		t.Fatalf("DeregisterInstance() error = %v", err)
	}
	if err := store.DeregisterInstance(ctx, "instance-3"); err != nil {
		t.Errorf("DeregisterInstance() twice error = %v, want nil", err)
	}
}

func TestIntegration_Leadership(t *testing.T) {
	ctx, store := setupStore(t)

	leader, err := store.AttemptLeadership(ctx, "instance-a", time.Minute)
	if err != nil {
		t.Fatalf("AttemptLeadership() error = %v", err)
	}
	if !leader {
		t.Fatal("First attempt should take the lease")
	}

	// Holder renews its own live lease.
	leader, err = store.AttemptLeadership(ctx, "instance-a", time.Minute)
	if err != nil {
		t.Fatalf("AttemptLeadership() renew error = %v", err)
	}
	if !leader {
		t.Error("Holder should renew its own lease")
	}

	leader, err = store.AttemptLeadership(ctx, "instance-b", time.Minute)
	if err != nil {
		t.Fatalf("AttemptLeadership() contender error = %v", err)
	}
	if leader {
		t.Error("Contender should not steal a live lease")
	}

	if err := store.ResignLeadership(ctx, "instance-b"); err != nil {
		t.Fatalf("ResignLeadership() error = %v", err)
	}
	leader, err = store.AttemptLeadership(ctx, "instance-b", time.Minute)
	if err != nil {
		t.Fatalf("AttemptLeadership() error = %v", err)
	}
	if leader {
		t.Error("Resigning a lease you do not hold should not free it")
	}

	if err := store.ResignLeadership(ctx, "instance-a"); err != nil {
		t.Fatalf("ResignLeadership() error = %v", err)
	}
	leader, err = store.AttemptLeadership(ctx, "instance-b", time.Minute)
	if err != nil {
		t.Fatalf("AttemptLeadership() after resign error = %v", err)
	}
	if !leader {
		t.Error("Lease should be free after the holder resigns")
	}

	// An expired lease is up for grabs. Negative TTL backdates the expiry.
	if err := store.ResignLeadership(ctx, "instance-b"); err != nil {
		t.Fatalf("ResignLeadership() error = %v", err)
	}
	if _, err := store.AttemptLeadership(ctx, "instance-a", -time.Second); err != nil {
		t.Fatalf("AttemptLeadership() error = %v", err)
	}
	leader, err = store.AttemptLeadership(ctx, "instance-b", time.Minute)
	if err != nil {
		t.Fatalf("AttemptLeadership() takeover error = %v", err)
	}
	if !leader {
		t.Error("Expired lease should be taken over")
	}
}

func TestIntegration_TransactionFromContext(t *testing.T) {
	ctx, store := setupStore(t)
	createTestSession(t, ctx, store, "flow-1", "tok-1")

	tx, err := store.Pool().Begin(ctx)
	if err != nil {
		t.Fatalf("Begin() error = %v", err)
	}
	txCtx := storage.WithTx(ctx, tx)

	session, err := store.CreateSession(txCtx, "flow-1", nil, nil, "tok-2")
	if err != nil {
		t.Fatalf("CreateSession() in tx error = %v", err)
	}
	// Visible inside the transaction.
	if _, err := store.GetSession(txCtx, session.ID); err != nil {
		t.Fatalf("GetSession() in tx error = %v", err)
	}

	if err := tx.Rollback(ctx); err != nil {
		t.Fatalf("Rollback() error = %v", err)
	}
	if _, err := store.GetSession(ctx, session.ID); !errors.Is(err, storage.ErrSessionNotFound) {
		t.Errorf("GetSession() after rollback error = %v, want ErrSessionNotFound", err)
	}
}
