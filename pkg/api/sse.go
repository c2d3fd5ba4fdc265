package api

import (
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
)

// handleStreamEvents serves the session event stream over SSE.
//
// The client position comes from the Last-Event-ID header (set by
// EventSource on reconnect) or the ?after= query parameter; the header
// wins. Each event is written as `id: <sequence>` plus a data line carrying
// the wire JSON. An idle stream emits comment heartbeats so intermediaries
// do not drop the connection.
func (s *Server) handleStreamEvents(c *gin.Context) {
	after := int64Query(c, "after", 0)
	if header := c.GetHeader("Last-Event-ID"); header != "" {
		if v, err := strconv.ParseInt(header, 10, 64); err == nil {
			after = v
		}
	}

	ch, err := s.sessions.Subscribe(c.Request.Context(), currentUser(c), c.Param("id"), after)
	if err != nil {
		mapServiceError(c, err)
		return
	}

	flusher, ok := c.Writer.(http.Flusher)
	if !ok {
		c.JSON(http.StatusInternalServerError, errorResponse{Error: "streaming unsupported"})
		return
	}

	c.Header("Content-Type", "text/event-stream")
	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")
	c.Header("X-Accel-Buffering", "no")
	c.Writer.WriteHeader(http.StatusOK)
	flusher.Flush()

	heartbeat := time.NewTicker(s.cfg.HeartbeatInterval())
	defer heartbeat.Stop()

	for {
		select {
		case ev, open := <-ch:
			if !open {
				return
			}
			data, err := ev.MarshalWire()
			if err != nil {
				s.log.Error("Failed to marshal event", "sequence", ev.Sequence, "error", err)
				continue
			}
			fmt.Fprintf(c.Writer, "id: %d\ndata: %s\n\n", ev.Sequence, data)
			flusher.Flush()
			// Heartbeats fire only after a full idle interval.
			heartbeat.Reset(s.cfg.HeartbeatInterval())
		case <-heartbeat.C:
			fmt.Fprint(c.Writer, ": heartbeat\n\n")
			flusher.Flush()
		case <-c.Request.Context().Done():
			return
		}
	}
}
