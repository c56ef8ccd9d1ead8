// ABOUTME: WebSocket transport carrying commands and pushed events on one connection
// ABOUTME: Requests run concurrently; a single writer goroutine owns the socket

package api

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/2389/concierge-gateway/internal/events"
)

const (
	wsReadLimit    = 64 << 10
	wsWriteTimeout = 10 * time.Second
)

// wsRequest is a command frame sent by the client.
type wsRequest struct {
	ID   string          `json:"id"`
	Op   string          `json:"op"`
	Data json.RawMessage `json:"data,omitempty"`
}

// wsFrame is a frame sent by the server: a command response or an event.
type wsFrame struct {
	Type   string        `json:"type"`
	ID     string        `json:"id,omitempty"`
	Result *Result       `json:"result,omitempty"`
	Event  *events.Event `json:"event,omitempty"`
}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Debug("websocket upgrade failed", "error", err)
		return
	}
	defer conn.Close()

	connID := uuid.New().String()
	logger := s.logger.With("conn_id", connID)
	logger.Debug("websocket connected")

	ctx, cancel := context.WithCancel(context.WithoutCancel(r.Context()))
	defer cancel()

	sub := s.events.Subscribe(ctx)
	defer sub.Close()

	responses := make(chan wsFrame, 16)
	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)
		defer cancel()
		// unblocks ReadMessage when the writer gives up first
		defer conn.Close()
		s.wsWriter(ctx, conn, sub, responses)
	}()

	conn.SetReadLimit(wsReadLimit)
	_ = conn.SetReadDeadline(time.Now().Add(2 * s.keepalive))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(2 * s.keepalive))
	})

	for {
		_, payload, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway, websocket.CloseNoStatusReceived) {
				logger.Debug("websocket read failed", "error", err)
			}
			break
		}

		var req wsRequest
		if err := json.Unmarshal(payload, &req); err != nil {
			res := invalid("invalid JSON frame")
			s.respond(ctx, responses, wsFrame{Type: "response", Result: &res})
			continue
		}
		go func(req wsRequest) {
			res := s.cmds.Dispatch(ctx, req.Op, req.Data)
			s.respond(ctx, responses, wsFrame{Type: "response", ID: req.ID, Result: &res})
		}(req)
	}

	cancel()
	<-writerDone
	logger.Debug("websocket disconnected")
}

func (s *Server) respond(ctx context.Context, out chan<- wsFrame, f wsFrame) {
	select {
	case out <- f:
	case <-ctx.Done():
	}
}

// wsWriter is the only goroutine that writes to conn.
func (s *Server) wsWriter(ctx context.Context, conn *websocket.Conn, sub *events.Subscription, responses <-chan wsFrame) {
	ping := time.NewTicker(s.keepalive)
	defer ping.Stop()

	write := func(f wsFrame) bool {
		_ = conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
		return conn.WriteJSON(f) == nil
	}

	for {
		select {
		case <-ctx.Done():
			closeMsg := websocket.FormatCloseMessage(websocket.CloseGoingAway, "gateway shutting down")
			_ = conn.WriteControl(websocket.CloseMessage, closeMsg, time.Now().Add(time.Second))
			return
		case evt, open := <-sub.C():
			if !open {
				reason := "subscription closed"
				if sub.Evicted() {
					reason = "subscriber evicted"
				}
				closeMsg := websocket.FormatCloseMessage(websocket.CloseTryAgainLater, reason)
				_ = conn.WriteControl(websocket.CloseMessage, closeMsg, time.Now().Add(time.Second))
				return
			}
			if !write(wsFrame{Type: "event", Event: &evt}) {
				return
			}
		case f := <-responses:
			if !write(f) {
				return
			}
		case <-ping.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(wsWriteTimeout)); err != nil {
				return
			}
		}
	}
}
