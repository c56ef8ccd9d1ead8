// ABOUTME: Driver contract between the gateway state machine and a messaging network
// ABOUTME: Drivers report lifecycle and message activity through a Handler callback

package network

import (
	"context"
	"errors"
	"time"
)

// Driver errors. The gateway classifies these into its public error taxonomy.
var (
	// ErrSessionInvalid means the stored credential was rejected by the network.
	ErrSessionInvalid = errors.New("session credential rejected")

	// ErrChatNotFound means the chat id is well-formed but unknown to the account.
	ErrChatNotFound = errors.New("chat not found")

	// ErrInvalidChatID means the chat id could not be parsed.
	ErrInvalidChatID = errors.New("invalid chat id")

	// ErrDeliveryFailed means the network rejected or dropped an outbound message.
	ErrDeliveryFailed = errors.New("delivery failed")

	// ErrNotConnected means the driver has no live connection.
	ErrNotConnected = errors.New("not connected")
)

// Handler receives driver events. Implementations must not block for long;
// the gateway only enqueues them.
type Handler func(Event)

// Driver owns the connection to the external network for a single account.
type Driver interface {
	// Connect opens a connection. A nil credential starts a pairing handshake
	// and the driver reports codes through PairingCodeEvent. A non-nil
	// credential resumes a session; ErrSessionInvalid is returned when the
	// driver can reject it without a round trip.
	Connect(ctx context.Context, credential []byte, h Handler) error

	// Chats returns the chats known to the account.
	Chats(ctx context.Context) ([]Chat, error)

	// Messages returns up to limit most recent messages of a chat.
	Messages(ctx context.Context, chatID string, limit int) ([]Message, error)

	// Send delivers a text message.
	Send(ctx context.Context, chatID, body string) (SendResult, error)

	// Logout unlinks the device from the account and drops its key material.
	Logout(ctx context.Context) error

	// Close drops the connection without unlinking.
	Close()
}

// ChatIDNormalizer is implemented by drivers that accept several spellings of
// the same chat id. NormalizeChatID returns the form Chats reports.
type ChatIDNormalizer interface {
	NormalizeChatID(chatID string) (string, error)
}

// SendResult is the network's acknowledgement of an accepted message.
type SendResult struct {
	MessageID string    `json:"messageId"`
	Timestamp time.Time `json:"timestamp"`
}
