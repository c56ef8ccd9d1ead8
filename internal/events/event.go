// ABOUTME: Event envelope and payload types pushed to gateway subscribers
// ABOUTME: Type names are the wire names used by SSE, WebSocket and relays

package events

import (
	"time"

	"github.com/2389/concierge-gateway/internal/network"
)

// Type names an event on the wire.
type Type string

const (
	TypeStatus          Type = "status"
	TypePairingCode     Type = "pairing-code-issued"
	TypeAuthenticated   Type = "authenticated"
	TypeReady           Type = "ready"
	TypeMessageReceived Type = "message-received"
	TypeMessageSent     Type = "message-sent"
	TypeMessageAck      Type = "message-ack"
	TypeDisconnected    Type = "disconnected"
)

// Event is the envelope delivered to subscribers. Seq increases by one for
// every published event; a status snapshot carries the Seq of the last event
// it already reflects.
type Event struct {
	Type      Type      `json:"type"`
	Seq       uint64    `json:"seq"`
	Timestamp time.Time `json:"timestamp"`
	Data      any       `json:"data"`
}

// StatusData is the payload of a status snapshot.
type StatusData struct {
	State        string `json:"state"`
	Connected    bool   `json:"connected"`
	AccountID    string `json:"accountId,omitempty"`
	NeedsPairing bool   `json:"needsPairing"`
	PairingCode  string `json:"pairingCode,omitempty"`
}

// PairingCodeData is the payload of pairing-code-issued.
type PairingCodeData struct {
	Code      string  `json:"code"`
	ExpiresIn float64 `json:"expiresIn,omitempty"` // seconds
}

// AuthenticatedData is the (empty) payload of authenticated.
type AuthenticatedData struct{}

// ReadyData is the payload of ready.
type ReadyData struct {
	AccountID string `json:"accountId"`
}

// MessageData is the payload of message-received and message-sent.
type MessageData struct {
	Message network.Message `json:"message"`
}

// AckData is the payload of message-ack.
type AckData struct {
	ChatID     string           `json:"chatId"`
	MessageIDs []string         `json:"messageIds"`
	Ack        network.AckLevel `json:"ack"`
}

// DisconnectedData is the payload of disconnected.
type DisconnectedData struct {
	Reason network.DisconnectReason `json:"reason"`
}

// New builds an unsequenced event stamped with the current time.
func New(t Type, data any) Event {
	return Event{Type: t, Timestamp: time.Now(), Data: data}
}
