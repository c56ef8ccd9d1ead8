// ABOUTME: HTTP routes for the command API and the event stream
// ABOUTME: Results keep the {success, data, error} envelope; error kinds pick the status code

package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/websocket"
	"github.com/skip2/go-qrcode"

	"github.com/2389/concierge-gateway/internal/events"
)

// maxBodyBytes bounds JSON request bodies.
const maxBodyBytes = 64 << 10

// EventSource hands out event subscriptions.
type EventSource interface {
	Subscribe(ctx context.Context) *events.Subscription
}

// ServerOptions configures a Server.
type ServerOptions struct {
	// Keepalive is the SSE comment and WebSocket ping interval.
	Keepalive time.Duration
	Logger    *slog.Logger
}

// Server exposes Commands and an EventSource over HTTP, SSE and WebSocket.
type Server struct {
	cmds      *Commands
	events    EventSource
	keepalive time.Duration
	upgrader  websocket.Upgrader
	logger    *slog.Logger
}

// NewServer creates the API server.
func NewServer(cmds *Commands, src EventSource, opts ServerOptions) *Server {
	if opts.Keepalive <= 0 {
		opts.Keepalive = 25 * time.Second
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Server{
		cmds:      cmds,
		events:    src,
		keepalive: opts.Keepalive,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			// Browser dashboards are served from other origins; the token
			// check guards the endpoint instead.
			CheckOrigin: func(*http.Request) bool { return true },
		},
		logger: opts.Logger.With("component", "api"),
	}
}

// Register adds the API routes to mux, each wrapped by wrap (usually the
// auth middleware). A nil wrap leaves handlers as they are.
func (s *Server) Register(mux *http.ServeMux, wrap func(http.Handler) http.Handler) {
	if wrap == nil {
		wrap = func(h http.Handler) http.Handler { return h }
	}
	route := func(pattern string, fn http.HandlerFunc) {
		mux.Handle(pattern, wrap(fn))
	}

	route("GET /api/status", s.handleStatus)
	route("GET /api/pairing-code", s.handlePairingCode)
	route("GET /api/chats", s.handleListChats)
	route("GET /api/chats/{chatId}/messages", s.handleListMessages)
	route("POST /api/send", s.handleSend)
	route("POST /api/disconnect", s.handleDisconnect)
	route("POST /api/reconnect", s.handleReconnect)
	route("GET /api/events", s.handleEvents)
	route("GET /api/ws", s.handleWebSocket)
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	s.writeResult(w, s.cmds.Status(r.Context()))
}

func (s *Server) handlePairingCode(w http.ResponseWriter, r *http.Request) {
	res := s.cmds.PairingCode(r.Context())
	if !res.Success || r.URL.Query().Get("format") != "png" {
		s.writeResult(w, res)
		return
	}

	data, _ := res.Data.(PairingCodeData)
	png, err := qrcode.Encode(data.Code, qrcode.Medium, 256)
	if err != nil {
		s.logger.Error("failed to render pairing code", "error", err)
		s.writeResult(w, fail(err))
		return
	}
	w.Header().Set("Content-Type", "image/png")
	w.Header().Set("Cache-Control", "no-store")
	_, _ = w.Write(png)
}

func (s *Server) handleListChats(w http.ResponseWriter, r *http.Request) {
	s.writeResult(w, s.cmds.ListChats(r.Context()))
}

func (s *Server) handleListMessages(w http.ResponseWriter, r *http.Request) {
	req := ListMessagesRequest{ChatID: r.PathValue("chatId")}
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			s.writeResult(w, invalid("limit must be an integer"))
			return
		}
		req.Limit = n
	}
	s.writeResult(w, s.cmds.ListMessages(r.Context(), req))
}

func (s *Server) handleSend(w http.ResponseWriter, r *http.Request) {
	var req SendRequest
	if err := decodeBody(w, r, &req); err != nil {
		s.writeResult(w, invalid(err.Error()))
		return
	}
	s.writeResult(w, s.cmds.Send(r.Context(), req))
}

func (s *Server) handleDisconnect(w http.ResponseWriter, r *http.Request) {
	s.writeResult(w, s.cmds.Disconnect(r.Context()))
}

func (s *Server) handleReconnect(w http.ResponseWriter, r *http.Request) {
	s.writeResult(w, s.cmds.Reconnect(r.Context()))
}

func decodeBody(w http.ResponseWriter, r *http.Request, v any) error {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			return errors.New("request body too large")
		}
		return errors.New("invalid JSON body")
	}
	return nil
}

// writeResult writes res with the status code its error kind maps to.
func (s *Server) writeResult(w http.ResponseWriter, res Result) {
	status := http.StatusOK
	if res.Error != nil {
		status = HTTPStatus(res.Error.Kind)
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(res); err != nil {
		s.logger.Debug("failed to write response", "error", err)
	}
}
