package httpapi

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/Swind/go-task-stream/core"
	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
)

const wsWriteTimeout = 10 * time.Second

func (s *Server) eventsSSE(c *gin.Context) {
	rec, ok := s.ownedRecord(c)
	if !ok {
		return
	}

	h := c.Writer.Header()
	h.Set("Content-Type", "text/event-stream")
	h.Set("Cache-Control", "no-cache")
	h.Set("Connection", "keep-alive")
	h.Set("X-Accel-Buffering", "no")
	c.Status(http.StatusOK)

	stream := core.NewUpdateStream(rec.TaskID, s.store, s.channel, s.streamOpts)
	err := stream.Run(c.Request.Context(), core.NewSSEWriter(c.Writer))
	s.logStreamEnd(stream, "sse", err)
}

func (s *Server) eventsWS(c *gin.Context) {
	rec, ok := s.ownedRecord(c)
	if !ok {
		return
	}
	conn, err := s.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		s.logger.Warn("websocket upgrade failed", core.F("task_id", rec.TaskID), core.F("error", err))
		return
	}
	defer conn.Close()

	// The client sends nothing; a read error means it went away.
	ctx, cancel := context.WithCancel(c.Request.Context())
	defer cancel()
	go func() {
		defer cancel()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	stream := core.NewUpdateStream(rec.TaskID, s.store, s.channel, s.streamOpts)
	err = stream.Run(ctx, &wsWriter{conn: conn})
	s.logStreamEnd(stream, "websocket", err)

	deadline := time.Now().Add(time.Second)
	_ = conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), deadline)
}

func (s *Server) logStreamEnd(stream *core.UpdateStream, transport string, err error) {
	fields := []core.Field{
		core.F("stream_id", stream.ID()),
		core.F("transport", transport),
		core.F("cursor", stream.Cursor()),
	}
	switch {
	case err == nil:
		s.logger.Debug("stream finished", fields...)
	case errors.Is(err, context.Canceled):
		s.logger.Debug("stream client disconnected", fields...)
	default:
		s.logger.Info("stream ended with error", append(fields, core.F("error", err))...)
	}
}

// wsWriter sends each frame as one JSON text message.
type wsWriter struct {
	mu   sync.Mutex
	conn *websocket.Conn
}

func (w *wsWriter) WriteFrame(f core.Frame) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if err := w.conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout)); err != nil {
		return err
	}
	return w.conn.WriteJSON(f)
}
