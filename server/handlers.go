package server

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/convoflow/flowpg"
	"github.com/convoflow/flowpg/engine"
	"github.com/convoflow/flowpg/storage"
)

// respond writes an error with its mapped status. Validation failures carry
// their issue list so flow authors see every problem at once.
func (s *Server) respond(c *gin.Context, err error) {
	status := statusFor(err)
	if status >= http.StatusInternalServerError {
		s.logger.Error("request failed", "route", c.FullPath(), "error", err)
	}

	var ve *engine.ValidationError
	if errors.As(err, &ve) {
		c.JSON(status, gin.H{"error": publicMessage(err, status), "issues": ve.Issues})
		return
	}
	c.JSON(status, gin.H{"error": publicMessage(err, status)})
}

type startSessionRequest struct {
	FlowID       string         `json:"flow_id" binding:"required"`
	UserID       *string        `json:"user_id"`
	InitialState map[string]any `json:"initial_state"`
}

func (s *Server) handleStartSession(c *gin.Context) {
	var req startSessionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	session, err := s.client.StartSession(c.Request.Context(), req.FlowID, flowpg.StartSessionParams{
		UserID:       req.UserID,
		InitialState: req.InitialState,
	})
	if err != nil {
		s.respond(c, err)
		return
	}

	csrf, err := newCSRFToken()
	if err != nil {
		s.respond(c, err)
		return
	}

	maxAge := int(s.config.SessionTTL.Seconds())
	c.SetCookie(SessionCookie, session.SessionToken, maxAge, "/", s.config.CookieDomain, s.config.CookieSecure, true)
	c.SetCookie(CSRFCookie, csrf, maxAge, "/", s.config.CookieDomain, s.config.CookieSecure, false)

	body := gin.H{
		"session":    session,
		"csrf_token": csrf,
	}
	// The flow's theme rides along so widgets can style themselves from the
	// start response alone.
	if flow, err := s.client.GetFlow(c.Request.Context(), req.FlowID); err == nil && len(flow.Theme) > 0 {
		body["theme"] = flow.Theme
	}

	c.JSON(http.StatusCreated, body)
}

func (s *Server) handleGetSession(c *gin.Context) {
	session, err := s.client.GetSessionByToken(c.Request.Context(), c.Param("token"))
	if err != nil {
		s.respond(c, err)
		return
	}
	c.JSON(http.StatusOK, session)
}

type interactRequest struct {
	Input     json.RawMessage `json:"input"`
	InputType string          `json:"input_type"`
}

func (s *Server) handleInteract(c *gin.Context) {
	var input *engine.UserInput
	if c.Request.ContentLength > 0 {
		var req interactRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		if req.Input != nil || req.InputType != "" {
			var value any
			if req.Input != nil {
				if err := json.Unmarshal(req.Input, &value); err != nil {
					c.JSON(http.StatusBadRequest, gin.H{"error": "malformed input value"})
					return
				}
			}
			input = &engine.UserInput{
				Input:     value,
				InputType: storage.InteractionType(req.InputType),
			}
		}
	}

	resp, err := s.client.InteractByToken(c.Request.Context(), c.Param("token"), input)
	if err != nil {
		s.respond(c, err)
		return
	}
	if resp.Pending != nil {
		c.JSON(http.StatusAccepted, resp)
		return
	}
	c.JSON(http.StatusOK, resp)
}

type updateStateRequest struct {
	StateUpdates     map[string]any `json:"state_updates" binding:"required"`
	ExpectedRevision int64          `json:"expected_revision" binding:"required"`
}

// handleUpdateState is the external compare-and-swap: the client names the
// revision it read, and a concurrent writer surfaces as 409 rather than a
// silent retry. Retrying is the caller's decision because it has to re-read
// the state it is patching.
func (s *Server) handleUpdateState(c *gin.Context) {
	var req updateStateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if len(req.StateUpdates) == 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "empty state patch"})
		return
	}

	session, err := s.client.GetSessionByToken(c.Request.Context(), c.Param("token"))
	if err != nil {
		s.respond(c, err)
		return
	}
	updated, err := s.client.UpdateStateAt(c.Request.Context(), session.ID, req.StateUpdates, req.ExpectedRevision)
	if err != nil {
		s.respond(c, err)
		return
	}
	c.JSON(http.StatusOK, updated)
}

type endSessionRequest struct {
	Status string `json:"status"`
}

func (s *Server) handleEndSession(c *gin.Context) {
	status := storage.SessionAbandoned
	if c.Request.ContentLength > 0 {
		var req endSessionRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		if req.Status != "" {
			status = storage.SessionStatus(req.Status)
			if !status.IsTerminal() {
				c.JSON(http.StatusBadRequest, gin.H{"error": "status must be terminal"})
				return
			}
		}
	}

	session, err := s.client.GetSessionByToken(c.Request.Context(), c.Param("token"))
	if err != nil {
		s.respond(c, err)
		return
	}
	ended, err := s.client.EndSession(c.Request.Context(), session.ID, status)
	if err != nil {
		s.respond(c, err)
		return
	}
	c.JSON(http.StatusOK, ended)
}

func (s *Server) handleHistory(c *gin.Context) {
	limit := 50
	if raw := c.Query("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "limit must be a positive integer"})
			return
		}
		limit = n
	}

	session, err := s.client.GetSessionByToken(c.Request.Context(), c.Param("token"))
	if err != nil {
		s.respond(c, err)
		return
	}
	entries, err := s.client.History(c.Request.Context(), session.ID, limit)
	if err != nil {
		s.respond(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"history": entries})
}

type enqueueTaskRequest struct {
	TaskType        string          `json:"task_type" binding:"required"`
	SessionID       string          `json:"session_id" binding:"required"`
	NodeID          string          `json:"node_id" binding:"required"`
	SessionRevision int64           `json:"session_revision" binding:"required"`
	Payload         json.RawMessage `json:"payload" binding:"required"`
}

// handleEnqueueTask accepts a pre-built task from a trusted caller. The
// X-Idempotency-Key header is authoritative when present; otherwise the key
// derives from (session, node, revision), matching what the engine would
// produce, so retried submissions collapse onto one execution. Redelivery
// under a known key never enqueues again: a terminal ledger record echoes
// its cached result, an IN_PROGRESS one reports that the work is running.
func (s *Server) handleEnqueueTask(c *gin.Context) {
	var req enqueueTaskRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	key := c.GetHeader("X-Idempotency-Key")
	if key == "" {
		key = req.SessionID + ":" + req.NodeID + ":" + strconv.FormatInt(req.SessionRevision, 10)
	}

	record, err := s.client.Store().GetIdempotency(c.Request.Context(), key)
	switch {
	case err == nil && record.Status.IsTerminal():
		body := gin.H{
			"idempotency_key": key,
			"status":          record.Status,
			"result":          record.ResultData,
		}
		if record.ErrorMessage != nil {
			body["error_message"] = *record.ErrorMessage
		}
		c.JSON(http.StatusOK, body)
		return
	case err == nil:
		c.JSON(http.StatusAccepted, gin.H{
			"idempotency_key": key,
			"status":          record.Status,
		})
		return
	case !errors.Is(err, storage.ErrIdempotencyNotFound):
		s.respond(c, err)
		return
	}

	task := &storage.Task{
		ID:              uuid.NewString(),
		Type:            storage.TaskType(req.TaskType),
		SessionID:       req.SessionID,
		NodeID:          req.NodeID,
		SessionRevision: req.SessionRevision,
		IdempotencyKey:  key,
		Payload:         req.Payload,
		Status:          storage.TaskPending,
	}
	if err := s.client.Store().EnqueueTask(c.Request.Context(), task); err != nil {
		s.respond(c, err)
		return
	}

	c.JSON(http.StatusAccepted, gin.H{
		"task_id":         task.ID,
		"idempotency_key": key,
	})
}
