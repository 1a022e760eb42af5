package server

import (
	"io"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/convoflow/flowpg/notifier"
	"github.com/convoflow/flowpg/storage"
)

// eventKeepalive is how often an idle stream emits a ping so intermediaries
// do not drop the connection.
const eventKeepalive = 15 * time.Second

// handleEvents streams a session's events as server-sent events. Events are
// best-effort: a client that reconnects missed whatever happened in
// between, so it should re-read the session after connecting.
func (s *Server) handleEvents(c *gin.Context) {
	notif := s.client.Notifier()
	if notif == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "event streaming unavailable"})
		return
	}

	session, err := s.client.GetSessionByToken(c.Request.Context(), c.Param("token"))
	if err != nil {
		s.respond(c, err)
		return
	}

	// Buffered so a slow client drops events instead of blocking the
	// listener goroutine.
	events := make(chan *storage.Event, 16)
	unsubscribe := notif.SubscribeEvents(notifier.Filter{SessionID: session.ID}, func(event *storage.Event) {
		select {
		case events <- event:
		default:
		}
	})
	defer unsubscribe()

	c.Header("Content-Type", "text/event-stream")
	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")

	keepalive := time.NewTicker(eventKeepalive)
	defer keepalive.Stop()

	c.Stream(func(w io.Writer) bool {
		select {
		case event := <-events:
			c.SSEvent(string(event.Type), event)
			return true
		case <-keepalive.C:
			c.SSEvent("ping", time.Now().UTC().Format(time.RFC3339))
			return true
		case <-c.Request.Context().Done():
			return false
		}
	})
}
