// ABOUTME: Chat, Message and driver event types shared by drivers, gateway and API
// ABOUTME: All values are ephemeral snapshots of what the network reported

package network

import (
	"sort"
	"time"
)

// Direction of a message relative to the gateway account.
type Direction string

const (
	DirectionInbound  Direction = "inbound"
	DirectionOutbound Direction = "outbound"
)

// AckLevel is the delivery acknowledgement level of a message.
type AckLevel int

const (
	AckError   AckLevel = -1
	AckPending AckLevel = 0
	AckServer  AckLevel = 1
	AckDevice  AckLevel = 2
	AckRead    AckLevel = 3
	AckPlayed  AckLevel = 4
)

// String returns the lowercase name of the level.
func (a AckLevel) String() string {
	switch a {
	case AckError:
		return "error"
	case AckPending:
		return "pending"
	case AckServer:
		return "server"
	case AckDevice:
		return "device"
	case AckRead:
		return "read"
	case AckPlayed:
		return "played"
	default:
		return "unknown"
	}
}

// Message is a single chat message.
type Message struct {
	ID        string    `json:"id"`
	ChatID    string    `json:"chatId"`
	Sender    string    `json:"sender,omitempty"`
	Direction Direction `json:"direction"`
	Body      string    `json:"body"`
	Timestamp time.Time `json:"timestamp"`
	Ack       AckLevel  `json:"ack"`
	HasMedia  bool      `json:"hasMedia"`
	Type      string    `json:"type,omitempty"`
}

// MessageSummary is the short form of a chat's last message.
type MessageSummary struct {
	ID        string    `json:"id"`
	Body      string    `json:"body"`
	Timestamp time.Time `json:"timestamp"`
	FromMe    bool      `json:"fromMe"`
}

// Summary returns the summary form of m.
func (m Message) Summary() *MessageSummary {
	return &MessageSummary{
		ID:        m.ID,
		Body:      m.Body,
		Timestamp: m.Timestamp,
		FromMe:    m.Direction == DirectionOutbound,
	}
}

// Chat is a direct or group conversation.
type Chat struct {
	ID           string          `json:"id"`
	Name         string          `json:"name"`
	IsGroup      bool            `json:"isGroup"`
	UnreadCount  int             `json:"unreadCount"`
	LastMessage  *MessageSummary `json:"lastMessage,omitempty"`
	LastActivity time.Time       `json:"lastActivity"`

	// InitiatedContact is true once the remote side has sent at least one message.
	InitiatedContact bool `json:"initiatedContact"`
}

// SortChatsByActivity orders chats most recent first. Ties keep ID order so
// results are stable across calls.
func SortChatsByActivity(chats []Chat) {
	sort.SliceStable(chats, func(i, j int) bool {
		if chats[i].LastActivity.Equal(chats[j].LastActivity) {
			return chats[i].ID < chats[j].ID
		}
		return chats[i].LastActivity.After(chats[j].LastActivity)
	})
}

// OldestFirst orders messages by timestamp ascending and keeps only the
// newest limit entries. A non-positive limit keeps everything.
func OldestFirst(msgs []Message, limit int) []Message {
	sort.SliceStable(msgs, func(i, j int) bool {
		return msgs[i].Timestamp.Before(msgs[j].Timestamp)
	})
	if limit > 0 && len(msgs) > limit {
		msgs = msgs[len(msgs)-limit:]
	}
	return msgs
}

// DisconnectReason explains why a connection ended.
type DisconnectReason string

const (
	ReasonNetwork        DisconnectReason = "network"
	ReasonLogout         DisconnectReason = "logout"
	ReasonRemoteLogout   DisconnectReason = "remote-logout"
	ReasonSessionInvalid DisconnectReason = "session-invalid"
	ReasonPairingExpired DisconnectReason = "pairing-expired"
	ReasonReplaced       DisconnectReason = "replaced"

	// ReasonLeaseLost is set by the gateway when another instance took over
	// the session lease. Drivers never report it.
	ReasonLeaseLost DisconnectReason = "lease-lost"
)

// ClearsSession reports whether the stored credential is useless after this reason.
func (r DisconnectReason) ClearsSession() bool {
	switch r {
	case ReasonLogout, ReasonRemoteLogout, ReasonSessionInvalid:
		return true
	default:
		return false
	}
}

// Event is implemented by every driver event.
type Event interface {
	driverEvent()
}

// PairingCodeEvent carries a fresh pairing code. Earlier codes are stale.
type PairingCodeEvent struct {
	Code      string
	ExpiresIn time.Duration
}

// PairedEvent reports that the pairing code was accepted.
type PairedEvent struct {
	AccountID  string
	Credential []byte
}

// ReadyEvent reports that the session is synchronized and usable.
type ReadyEvent struct {
	AccountID string
}

// MessageEvent carries a message observed on the network.
type MessageEvent struct {
	Message Message
}

// AckEvent reports a delivery acknowledgement for outbound messages.
type AckEvent struct {
	ChatID     string
	MessageIDs []string
	Ack        AckLevel
}

// DisconnectedEvent reports that the connection ended.
type DisconnectedEvent struct {
	Reason DisconnectReason
}

func (PairingCodeEvent) driverEvent()  {}
func (PairedEvent) driverEvent()       {}
func (ReadyEvent) driverEvent()        {}
func (MessageEvent) driverEvent()      {}
func (AckEvent) driverEvent()          {}
func (DisconnectedEvent) driverEvent() {}
