// ABOUTME: Matrix relay that posts inbound messages and connection changes to a staff room
// ABOUTME: Pairing code rotations are collapsed into one notice per pairing attempt

package relay

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"maunium.net/go/mautrix"
	"maunium.net/go/mautrix/id"

	"github.com/2389/concierge-gateway/internal/events"
)

// maxNoticeRunes bounds how much of a message body is echoed into the room.
const maxNoticeRunes = 500

// MatrixConfig configures the Matrix relay.
type MatrixConfig struct {
	Homeserver  string
	UserID      string
	AccessToken string
	RoomID      string
	SendTimeout time.Duration
}

// sender is the slice of *mautrix.Client the relay needs.
type sender interface {
	SendText(ctx context.Context, roomID id.RoomID, text string) (*mautrix.RespSendEvent, error)
}

// Matrix posts notices to a Matrix room. Deliver is called from a single Run
// loop and is not safe for concurrent use.
type Matrix struct {
	client  sender
	room    id.RoomID
	timeout time.Duration

	pairingAnnounced bool
}

// NewMatrix creates a Matrix client for the configured account.
func NewMatrix(cfg MatrixConfig) (*Matrix, error) {
	if cfg.Homeserver == "" || cfg.RoomID == "" {
		return nil, errors.New("matrix: homeserver and room_id are required")
	}
	client, err := mautrix.NewClient(cfg.Homeserver, id.UserID(cfg.UserID), cfg.AccessToken)
	if err != nil {
		return nil, fmt.Errorf("creating matrix client: %w", err)
	}
	return newMatrix(client, id.RoomID(cfg.RoomID), cfg.SendTimeout), nil
}

func newMatrix(client sender, room id.RoomID, timeout time.Duration) *Matrix {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Matrix{client: client, room: room, timeout: timeout}
}

// Name implements Relay.
func (m *Matrix) Name() string { return "matrix" }

// Deliver implements Relay.
func (m *Matrix) Deliver(ctx context.Context, evt events.Event) error {
	text, ok := m.notice(evt)
	if !ok {
		return nil
	}
	ctx, cancel := context.WithTimeout(ctx, m.timeout)
	defer cancel()
	if _, err := m.client.SendText(ctx, m.room, text); err != nil {
		return fmt.Errorf("sending to %s: %w", m.room, err)
	}
	return nil
}

// notice renders evt as room text, or reports false for events that are not posted.
func (m *Matrix) notice(evt events.Event) (string, bool) {
	switch data := evt.Data.(type) {
	case events.PairingCodeData:
		if m.pairingAnnounced {
			return "", false
		}
		m.pairingAnnounced = true
		return "WhatsApp gateway needs pairing. Scan the code from /api/pairing-code.", true

	case events.ReadyData:
		m.pairingAnnounced = false
		return fmt.Sprintf("WhatsApp gateway ready as %s.", data.AccountID), true

	case events.DisconnectedData:
		m.pairingAnnounced = false
		return fmt.Sprintf("WhatsApp gateway disconnected (%s).", data.Reason), true

	case events.MessageData:
		if evt.Type != events.TypeMessageReceived {
			return "", false
		}
		msg := data.Message
		from := msg.Sender
		if from == "" {
			from = msg.ChatID
		}
		body := msg.Body
		if body == "" && msg.HasMedia {
			body = "[media]"
		}
		return fmt.Sprintf("%s (%s): %s", from, msg.ChatID, truncate(body, maxNoticeRunes)), true

	default:
		return "", false
	}
}

// Close implements Relay. The Matrix client holds no persistent connection.
func (m *Matrix) Close() error { return nil }

// truncate shortens s to maxLen runes, adding "..." if truncated.
func truncate(s string, maxLen int) string {
	s = strings.TrimSpace(s)
	runes := []rune(s)
	if len(runes) <= maxLen {
		return s
	}
	return string(runes[:maxLen]) + "..."
}
