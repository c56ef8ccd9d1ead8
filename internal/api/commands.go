// ABOUTME: Transport-neutral command layer over the gateway client
// ABOUTME: Every command is time-bounded and answers with a {success, data, error} Result

package api

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/2389/concierge-gateway/internal/gateway"
	"github.com/2389/concierge-gateway/internal/metrics"
	"github.com/2389/concierge-gateway/internal/network"
)

// Message limits for list-messages.
const (
	DefaultMessageLimit = 50
	MaxMessageLimit     = 500
)

// Operation names, shared by the WebSocket protocol and metrics labels.
const (
	OpStatus       = "status"
	OpPairingCode  = "pairing-code"
	OpListChats    = "list-chats"
	OpListMessages = "list-messages"
	OpSend         = "send"
	OpDisconnect   = "disconnect"
	OpReconnect    = "reconnect"
)

// Gateway is the part of *gateway.Client the commands use.
type Gateway interface {
	Status() gateway.Status
	PairingCode() (string, bool)
	ListChats(ctx context.Context) ([]network.Chat, error)
	ListMessages(ctx context.Context, chatID string, limit int) ([]network.Message, error)
	SendMessage(ctx context.Context, chatID, body string) (network.SendResult, error)
	Disconnect(ctx context.Context) error
	Reconnect(ctx context.Context) error
}

// ErrorBody is the error half of a Result.
type ErrorBody struct {
	Kind    gateway.Kind `json:"kind"`
	Message string       `json:"message"`
}

// Result is the response envelope of every command.
type Result struct {
	Success bool       `json:"success"`
	Data    any        `json:"data,omitempty"`
	Error   *ErrorBody `json:"error,omitempty"`
}

// StatusData answers status.
type StatusData struct {
	Connected    bool   `json:"connected"`
	AccountID    string `json:"accountId,omitempty"`
	NeedsPairing bool   `json:"needsPairing"`
	State        string `json:"state"`
}

// PairingCodeData answers pairing-code.
type PairingCodeData struct {
	Code      string     `json:"code"`
	ExpiresAt *time.Time `json:"expiresAt,omitempty"`
}

// ChatsData answers list-chats.
type ChatsData struct {
	Chats []network.Chat `json:"chats"`
}

// MessagesData answers list-messages.
type MessagesData struct {
	Messages []network.Message `json:"messages"`
}

// ListMessagesRequest is the input of list-messages.
type ListMessagesRequest struct {
	ChatID string `json:"chatId"`
	Limit  int    `json:"limit,omitempty"`
}

// SendRequest is the input of send.
type SendRequest struct {
	ChatID string `json:"chatId"`
	Body   string `json:"body"`
}

// Options configures Commands. Zero timeouts select 15s for sends and
// 10s for everything else.
type Options struct {
	SendTimeout  time.Duration
	QueryTimeout time.Duration
	Metrics      *metrics.Metrics
	Logger       *slog.Logger
}

// Commands validates requests and forwards them to the gateway.
type Commands struct {
	gw           Gateway
	sendTimeout  time.Duration
	queryTimeout time.Duration
	metrics      *metrics.Metrics
	logger       *slog.Logger
}

// NewCommands creates the command layer.
func NewCommands(gw Gateway, opts Options) *Commands {
	if opts.SendTimeout <= 0 {
		opts.SendTimeout = 15 * time.Second
	}
	if opts.QueryTimeout <= 0 {
		opts.QueryTimeout = 10 * time.Second
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Commands{
		gw:           gw,
		sendTimeout:  opts.SendTimeout,
		queryTimeout: opts.QueryTimeout,
		metrics:      opts.Metrics,
		logger:       opts.Logger.With("component", "commands"),
	}
}

// Status reports the connection state. It never fails.
func (c *Commands) Status(_ context.Context) Result {
	start := time.Now()
	st := c.gw.Status()
	return c.done(OpStatus, start, ok(StatusData{
		Connected:    st.Connected(),
		AccountID:    st.AccountID,
		NeedsPairing: st.NeedsPairing(),
		State:        string(st.State),
	}))
}

// PairingCode returns the current pairing code.
func (c *Commands) PairingCode(_ context.Context) Result {
	start := time.Now()
	code, found := c.gw.PairingCode()
	if !found {
		st := c.gw.Status()
		if st.State == gateway.StateDisconnected && st.Reason == network.ReasonPairingExpired {
			return c.done(OpPairingCode, start, fail(gateway.ErrPairingExpired))
		}
		return c.done(OpPairingCode, start, fail(gateway.ErrNoPairingInProgress))
	}

	data := PairingCodeData{Code: code}
	if exp := c.gw.Status().CodeExpires; !exp.IsZero() {
		data.ExpiresAt = &exp
	}
	return c.done(OpPairingCode, start, ok(data))
}

// ListChats returns chats, most recent first.
func (c *Commands) ListChats(ctx context.Context) Result {
	start := time.Now()
	ctx, cancel := context.WithTimeout(ctx, c.queryTimeout)
	defer cancel()

	chats, err := c.gw.ListChats(ctx)
	if err != nil {
		return c.done(OpListChats, start, fail(err))
	}
	if chats == nil {
		chats = []network.Chat{}
	}
	return c.done(OpListChats, start, ok(ChatsData{Chats: chats}))
}

// ListMessages returns up to limit messages, oldest first. A zero limit
// selects DefaultMessageLimit; larger limits are capped at MaxMessageLimit.
func (c *Commands) ListMessages(ctx context.Context, req ListMessagesRequest) Result {
	start := time.Now()
	if req.ChatID == "" {
		return c.done(OpListMessages, start, invalid("chatId is required"))
	}
	switch {
	case req.Limit < 0:
		return c.done(OpListMessages, start, invalid("limit must not be negative"))
	case req.Limit == 0:
		req.Limit = DefaultMessageLimit
	case req.Limit > MaxMessageLimit:
		req.Limit = MaxMessageLimit
	}

	ctx, cancel := context.WithTimeout(ctx, c.queryTimeout)
	defer cancel()

	msgs, err := c.gw.ListMessages(ctx, req.ChatID, req.Limit)
	if err != nil {
		return c.done(OpListMessages, start, fail(err))
	}
	if msgs == nil {
		msgs = []network.Message{}
	}
	return c.done(OpListMessages, start, ok(MessagesData{Messages: msgs}))
}

// Send delivers a text message.
func (c *Commands) Send(ctx context.Context, req SendRequest) Result {
	start := time.Now()
	if req.ChatID == "" {
		return c.done(OpSend, start, invalid("chatId is required"))
	}
	if req.Body == "" {
		return c.done(OpSend, start, invalid("body is required"))
	}

	ctx, cancel := context.WithTimeout(ctx, c.sendTimeout)
	defer cancel()

	res, err := c.gw.SendMessage(ctx, req.ChatID, req.Body)
	if err != nil {
		return c.done(OpSend, start, fail(err))
	}
	return c.done(OpSend, start, ok(res))
}

// Disconnect logs out. It always succeeds and is idempotent.
func (c *Commands) Disconnect(ctx context.Context) Result {
	start := time.Now()
	ctx, cancel := context.WithTimeout(ctx, c.sendTimeout)
	defer cancel()

	if err := c.gw.Disconnect(ctx); err != nil {
		c.logger.Warn("disconnect reported an error", "error", err)
	}
	return c.done(OpDisconnect, start, Result{Success: true})
}

// Reconnect leaves a manual disconnect and connects again.
func (c *Commands) Reconnect(ctx context.Context) Result {
	start := time.Now()
	ctx, cancel := context.WithTimeout(ctx, c.queryTimeout)
	defer cancel()

	if err := c.gw.Reconnect(ctx); err != nil {
		return c.done(OpReconnect, start, fail(err))
	}
	return c.done(OpReconnect, start, Result{Success: true})
}

// Dispatch runs the named operation with JSON-encoded input.
func (c *Commands) Dispatch(ctx context.Context, op string, data json.RawMessage) Result {
	switch op {
	case OpStatus:
		return c.Status(ctx)
	case OpPairingCode:
		return c.PairingCode(ctx)
	case OpListChats:
		return c.ListChats(ctx)
	case OpListMessages:
		var req ListMessagesRequest
		if err := decodeData(data, &req); err != nil {
			return invalid("invalid data: " + err.Error())
		}
		return c.ListMessages(ctx, req)
	case OpSend:
		var req SendRequest
		if err := decodeData(data, &req); err != nil {
			return invalid("invalid data: " + err.Error())
		}
		return c.Send(ctx, req)
	case OpDisconnect:
		return c.Disconnect(ctx)
	case OpReconnect:
		return c.Reconnect(ctx)
	default:
		return invalid("unknown op: " + op)
	}
}

func decodeData(data json.RawMessage, v any) error {
	if len(data) == 0 {
		return nil
	}
	return json.Unmarshal(data, v)
}

func (c *Commands) done(op string, start time.Time, res Result) Result {
	outcome := "ok"
	if res.Error != nil {
		outcome = string(res.Error.Kind)
	}
	c.metrics.Command(op, outcome, time.Since(start))
	return res
}

func ok(data any) Result {
	return Result{Success: true, Data: data}
}

func fail(err error) Result {
	err = gateway.Classify(err)
	return Result{Error: &ErrorBody{Kind: gateway.KindOf(err), Message: err.Error()}}
}

func invalid(msg string) Result {
	return Result{Error: &ErrorBody{Kind: gateway.KindInvalidRequest, Message: msg}}
}

// HTTPStatus maps an error kind onto an HTTP status code.
func HTTPStatus(kind gateway.Kind) int {
	switch kind {
	case gateway.KindNotReady:
		return http.StatusServiceUnavailable
	case gateway.KindChatNotFound:
		return http.StatusNotFound
	case gateway.KindDeliveryFailed:
		return http.StatusBadGateway
	case gateway.KindTimeout:
		return http.StatusGatewayTimeout
	case gateway.KindNoPairingInProgress:
		return http.StatusConflict
	case gateway.KindPairingExpired:
		return http.StatusGone
	case gateway.KindSessionInvalid:
		return http.StatusUnauthorized
	case gateway.KindSendNotAllowed:
		return http.StatusForbidden
	case gateway.KindInvalidRequest:
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}
