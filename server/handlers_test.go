package server

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/convoflow/flowpg"
	"github.com/convoflow/flowpg/engine"
	"github.com/convoflow/flowpg/notifier"
	"github.com/convoflow/flowpg/storage"
)

type updateStateCall struct {
	sessionID        string
	updates          map[string]any
	expectedRevision int64
}

// fakeTaskStore backs the internal task endpoint.
type fakeTaskStore struct {
	storage.Store

	ledger   map[string]*storage.IdempotencyRecord
	enqueued []*storage.Task
}

func (f *fakeTaskStore) GetIdempotency(ctx context.Context, key string) (*storage.IdempotencyRecord, error) {
	if rec, ok := f.ledger[key]; ok {
		return rec, nil
	}
	return nil, storage.ErrIdempotencyNotFound
}

func (f *fakeTaskStore) EnqueueTask(ctx context.Context, task *storage.Task) error {
	f.enqueued = append(f.enqueued, task)
	return nil
}

// fakeRuntime implements Runtime without a database.
type fakeRuntime struct {
	session   *storage.Session
	flow      *storage.Flow
	updated   *storage.Session
	updateErr error

	updateCalls []updateStateCall
	taskStore   *fakeTaskStore
}

func (r *fakeRuntime) IsRunning() bool { return true }

func (r *fakeRuntime) IsLeader() bool { return false }

func (r *fakeRuntime) StartSession(ctx context.Context, flowID string, params flowpg.StartSessionParams) (*storage.Session, error) {
	if r.session == nil || r.session.FlowID != flowID {
		return nil, storage.ErrFlowNotFound
	}
	return r.session, nil
}

func (r *fakeRuntime) GetFlow(ctx context.Context, flowID string) (*storage.Flow, error) {
	if r.flow == nil || r.flow.ID != flowID {
		return nil, storage.ErrFlowNotFound
	}
	return r.flow, nil
}

func (r *fakeRuntime) GetSessionByToken(ctx context.Context, token string) (*storage.Session, error) {
	if r.session == nil || r.session.SessionToken != token {
		return nil, storage.ErrSessionNotFound
	}
	return r.session, nil
}

func (r *fakeRuntime) InteractByToken(ctx context.Context, token string, input *engine.UserInput) (*engine.TurnResponse, error) {
	return &engine.TurnResponse{}, nil
}

func (r *fakeRuntime) UpdateStateAt(ctx context.Context, sessionID string, updates map[string]any, expectedRevision int64) (*storage.Session, error) {
	r.updateCalls = append(r.updateCalls, updateStateCall{sessionID, updates, expectedRevision})
	if r.updateErr != nil {
		return nil, r.updateErr
	}
	return r.updated, nil
}

func (r *fakeRuntime) EndSession(ctx context.Context, sessionID string, status storage.SessionStatus) (*storage.Session, error) {
	return r.session, nil
}

func (r *fakeRuntime) History(ctx context.Context, sessionID string, limit int) ([]*storage.HistoryEntry, error) {
	return nil, nil
}

func (r *fakeRuntime) Store() storage.Store { return r.taskStore }

func (r *fakeRuntime) Notifier() *notifier.Notifier { return nil }

func activeSession() *storage.Session {
	node := "ask_name"
	return &storage.Session{
		ID:            "sess-1",
		SessionToken:  "tok-1",
		FlowID:        "flow-1",
		State:         map[string]any{"variables": map[string]any{}},
		CurrentNodeID: &node,
		Revision:      3,
		Status:        storage.SessionActive,
	}
}

func newTestServer(rt *fakeRuntime) *Server {
	gin.SetMode(gin.TestMode)
	return New(rt, Config{DisableCSRF: true, InternalToken: "internal-secret"})
}

func doJSON(t *testing.T, s *Server, method, path, body string, header map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	for k, v := range header {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	s.Router().ServeHTTP(rec, req)
	return rec
}

func TestHandleUpdateState_PassesExpectedRevision(t *testing.T) {
	rt := &fakeRuntime{session: activeSession(), updated: activeSession()}
	s := newTestServer(rt)

	rec := doJSON(t, s, http.MethodPatch, "/v1/sessions/tok-1/state",
		`{"state_updates":{"variables":{"name":"Ada"}},"expected_revision":3}`, nil)

	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	require.Len(t, rt.updateCalls, 1)
	call := rt.updateCalls[0]
	assert.Equal(t, "sess-1", call.sessionID)
	assert.Equal(t, int64(3), call.expectedRevision)
	// Only the patch itself reaches session state, not the envelope keys.
	assert.Equal(t, map[string]any{"variables": map[string]any{"name": "Ada"}}, call.updates)
	assert.NotContains(t, call.updates, "expected_revision")
	assert.NotContains(t, call.updates, "state_updates")
}

func TestHandleUpdateState_ConflictSurfacesAs409(t *testing.T) {
	rt := &fakeRuntime{
		session:   activeSession(),
		updateErr: fmt.Errorf("UpdateStateAt (session=sess-1): %w", storage.ErrRevisionConflict),
	}
	s := newTestServer(rt)

	rec := doJSON(t, s, http.MethodPatch, "/v1/sessions/tok-1/state",
		`{"state_updates":{"variables":{"name":"Eve"}},"expected_revision":1}`, nil)

	assert.Equal(t, http.StatusConflict, rec.Code)
	require.Len(t, rt.updateCalls, 1)
	assert.Equal(t, int64(1), rt.updateCalls[0].expectedRevision)
}

func TestHandleUpdateState_RequiresExpectedRevision(t *testing.T) {
	rt := &fakeRuntime{session: activeSession()}
	s := newTestServer(rt)

	rec := doJSON(t, s, http.MethodPatch, "/v1/sessions/tok-1/state",
		`{"state_updates":{"variables":{"name":"Ada"}}}`, nil)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Empty(t, rt.updateCalls)
}

func TestHandleStartSession_IncludesTheme(t *testing.T) {
	rt := &fakeRuntime{
		session: activeSession(),
		flow: &storage.Flow{
			ID:    "flow-1",
			Theme: map[string]any{"primary": "#336699"},
		},
	}
	s := newTestServer(rt)

	rec := doJSON(t, s, http.MethodPost, "/v1/sessions", `{"flow_id":"flow-1"}`, nil)

	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	var body map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.NotEmpty(t, body["csrf_token"])
	assert.Contains(t, body, "session")
	theme, ok := body["theme"].(map[string]any)
	require.True(t, ok, "theme missing from start response: %v", body)
	assert.Equal(t, "#336699", theme["primary"])
}

func internalHeaders(key string) map[string]string {
	h := map[string]string{"Authorization": "Bearer internal-secret"}
	if key != "" {
		h["X-Idempotency-Key"] = key
	}
	return h
}

const taskBody = `{"task_type":"webhook","session_id":"sess-1","node_id":"call","session_revision":4,"payload":{"url":"https://example.com"}}`

func TestHandleEnqueueTask_ReplaysTerminalResult(t *testing.T) {
	store := &fakeTaskStore{ledger: map[string]*storage.IdempotencyRecord{
		"sess-1:call:4": {
			Key:        "sess-1:call:4",
			Status:     storage.IdempotencySucceeded,
			ResultData: map[string]any{"status": "ok", "code": float64(200)},
		},
	}}
	rt := &fakeRuntime{session: activeSession(), taskStore: store}
	s := newTestServer(rt)

	rec := doJSON(t, s, http.MethodPost, "/internal/tasks", taskBody, internalHeaders("sess-1:call:4"))

	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var body map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, string(storage.IdempotencySucceeded), body["status"])
	result, ok := body["result"].(map[string]any)
	require.True(t, ok, "cached result missing: %v", body)
	assert.Equal(t, "ok", result["status"])
	// Redelivery never enqueues a second execution.
	assert.Empty(t, store.enqueued)
}

func TestHandleEnqueueTask_ReplaysFailure(t *testing.T) {
	msg := "upstream 502"
	store := &fakeTaskStore{ledger: map[string]*storage.IdempotencyRecord{
		"sess-1:call:4": {
			Key:          "sess-1:call:4",
			Status:       storage.IdempotencyFailed,
			ErrorMessage: &msg,
		},
	}}
	rt := &fakeRuntime{session: activeSession(), taskStore: store}
	s := newTestServer(rt)

	rec := doJSON(t, s, http.MethodPost, "/internal/tasks", taskBody, internalHeaders("sess-1:call:4"))

	require.Equal(t, http.StatusOK, rec.Code)
	var body map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, string(storage.IdempotencyFailed), body["status"])
	assert.Equal(t, "upstream 502", body["error_message"])
	assert.Empty(t, store.enqueued)
}

func TestHandleEnqueueTask_InProgressDoesNotReenqueue(t *testing.T) {
	store := &fakeTaskStore{ledger: map[string]*storage.IdempotencyRecord{
		"sess-1:call:4": {Key: "sess-1:call:4", Status: storage.IdempotencyInProgress},
	}}
	rt := &fakeRuntime{session: activeSession(), taskStore: store}
	s := newTestServer(rt)

	rec := doJSON(t, s, http.MethodPost, "/internal/tasks", taskBody, internalHeaders("sess-1:call:4"))

	assert.Equal(t, http.StatusAccepted, rec.Code)
	var body map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, string(storage.IdempotencyInProgress), body["status"])
	assert.Empty(t, store.enqueued)
}

func TestHandleEnqueueTask_NewKeyEnqueues(t *testing.T) {
	store := &fakeTaskStore{ledger: map[string]*storage.IdempotencyRecord{}}
	rt := &fakeRuntime{session: activeSession(), taskStore: store}
	s := newTestServer(rt)

	rec := doJSON(t, s, http.MethodPost, "/internal/tasks", taskBody, internalHeaders("custom-key"))

	require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())
	require.Len(t, store.enqueued, 1)
	task := store.enqueued[0]
	// The header key is authoritative over the derived one.
	assert.Equal(t, "custom-key", task.IdempotencyKey)
	assert.Equal(t, storage.TaskTypeWebhook, task.Type)
	assert.Equal(t, int64(4), task.SessionRevision)
}

func TestHandleEnqueueTask_DerivesKeyWithoutHeader(t *testing.T) {
	store := &fakeTaskStore{ledger: map[string]*storage.IdempotencyRecord{}}
	rt := &fakeRuntime{session: activeSession(), taskStore: store}
	s := newTestServer(rt)

	rec := doJSON(t, s, http.MethodPost, "/internal/tasks", taskBody, internalHeaders(""))

	require.Equal(t, http.StatusAccepted, rec.Code)
	require.Len(t, store.enqueued, 1)
	assert.Equal(t, "sess-1:call:4", store.enqueued[0].IdempotencyKey)
}
