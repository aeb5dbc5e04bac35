package api

import (
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/fruitsalade/previewfs/internal/events"
	"github.com/fruitsalade/previewfs/internal/logging"
)

// maxControlMessage bounds inbound subscriber messages.
const maxControlMessage = 64 << 10

// wsConn adapts a websocket to events.Conn.
type wsConn struct {
	ws           *websocket.Conn
	writeTimeout time.Duration

	mu        sync.Mutex
	closeOnce sync.Once
}

func (c *wsConn) Send(msg []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.ws.SetWriteDeadline(time.Now().Add(c.writeTimeout))
	return c.ws.WriteMessage(websocket.TextMessage, msg)
}

func (c *wsConn) Close() error {
	var err error
	c.closeOnce.Do(func() {
		deadline := time.Now().Add(time.Second)
		c.ws.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), deadline)
		err = c.ws.Close()
	})
	return err
}

// handleWebSocket handles GET /ws: the duplex subscriber transport.
// Inbound messages are control messages; outbound are the snapshot followed
// by store events.
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade has already written the error response.
		logging.Debug("websocket upgrade failed", zap.Error(err))
		return
	}
	ws.SetReadLimit(maxControlMessage)

	conn := &wsConn{ws: ws, writeTimeout: s.writeTimeout}
	sub := s.broadcaster.Join(conn)
	defer s.broadcaster.Leave(sub)

	for {
		_, data, err := ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				logging.Debug("subscriber read failed", zap.String("subscriber", sub.ID()), zap.Error(err))
			}
			return
		}
		if err := s.broadcaster.HandleControl(sub, data); err != nil {
			logging.Debug("bad control message",
				zap.String("subscriber", sub.ID()),
				zap.Error(err))
		}
	}
}

// sseConn adapts a server-sent events stream to events.Conn.
type sseConn struct {
	w       http.ResponseWriter
	flusher http.Flusher

	mu     sync.Mutex
	closed bool
}

var errStreamClosed = errors.New("event stream closed")

func (c *sseConn) Send(msg []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return errStreamClosed
	}
	// The envelope carries the message type, so events are unnamed.
	if _, err := fmt.Fprintf(c.w, "data: %s\n\n", msg); err != nil {
		return err
	}
	c.flusher.Flush()
	return nil
}

func (c *sseConn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	return nil
}

// handleEvents handles GET /api/events: a read-only subscriber over SSE.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		s.sendError(w, http.StatusInternalServerError, "streaming not supported")
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	sub := s.broadcaster.Join(&sseConn{w: w, flusher: flusher})
	defer s.broadcaster.Leave(sub)

	select {
	case <-r.Context().Done():
	case <-sub.Done():
	}
}

var (
	_ events.Conn = (*wsConn)(nil)
	_ events.Conn = (*sseConn)(nil)
)
