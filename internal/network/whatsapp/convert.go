// ABOUTME: Conversions between whatsmeow types and the network package's domain types
// ABOUTME: Chat ids accept legacy @c.us and bare phone numbers and normalise to JIDs

package whatsapp

import (
	"fmt"
	"strings"

	"go.mau.fi/whatsmeow/proto/waE2E"
	"go.mau.fi/whatsmeow/types"
	"go.mau.fi/whatsmeow/types/events"

	"github.com/2389/concierge-gateway/internal/network"
)

// legacyUserServer is the user server suffix older clients use.
const legacyUserServer = "c.us"

// parseChatID turns a chat id into a JID. It accepts full JIDs, the legacy
// <number>@c.us form and bare phone numbers with an optional leading '+'.
func parseChatID(chatID string) (types.JID, error) {
	s := strings.TrimSpace(chatID)
	if s == "" {
		return types.JID{}, fmt.Errorf("%w: empty", network.ErrInvalidChatID)
	}
	if !strings.Contains(s, "@") {
		s = strings.TrimPrefix(s, "+") + "@" + types.DefaultUserServer
	}
	if user, ok := strings.CutSuffix(s, "@"+legacyUserServer); ok {
		s = user + "@" + types.DefaultUserServer
	}

	jid, err := types.ParseJID(s)
	if err != nil {
		return types.JID{}, fmt.Errorf("%w: %q: %v", network.ErrInvalidChatID, chatID, err)
	}
	if jid.User == "" {
		return types.JID{}, fmt.Errorf("%w: %q has no user part", network.ErrInvalidChatID, chatID)
	}
	switch jid.Server {
	case types.DefaultUserServer:
		if !isDigits(jid.User) {
			return types.JID{}, fmt.Errorf("%w: %q is not a phone number", network.ErrInvalidChatID, chatID)
		}
	case types.GroupServer, types.HiddenUserServer:
	default:
		return types.JID{}, fmt.Errorf("%w: unsupported server %q", network.ErrInvalidChatID, jid.Server)
	}
	return jid.ToNonAD(), nil
}

// normalizeChatID returns the canonical string form of chatID.
func normalizeChatID(chatID string) (string, error) {
	jid, err := parseChatID(chatID)
	if err != nil {
		return "", err
	}
	return jid.String(), nil
}

func isDigits(s string) bool {
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return s != ""
}

// chatKey is the id a JID is stored and reported under.
func chatKey(jid types.JID) string {
	return jid.ToNonAD().String()
}

// messageBody extracts the human-readable text of a message, falling back to
// media captions.
func messageBody(m *waE2E.Message) string {
	if m == nil {
		return ""
	}
	switch {
	case m.GetConversation() != "":
		return m.GetConversation()
	case m.GetExtendedTextMessage() != nil:
		return m.GetExtendedTextMessage().GetText()
	case m.GetImageMessage() != nil:
		return m.GetImageMessage().GetCaption()
	case m.GetVideoMessage() != nil:
		return m.GetVideoMessage().GetCaption()
	case m.GetDocumentMessage() != nil:
		return m.GetDocumentMessage().GetCaption()
	default:
		return ""
	}
}

// convertMessage maps a whatsmeow message event to a network.Message.
func convertMessage(evt *events.Message) network.Message {
	info := evt.Info
	msg := network.Message{
		ID:        info.ID,
		ChatID:    chatKey(info.Chat),
		Body:      messageBody(evt.Message),
		Timestamp: info.Timestamp,
		HasMedia:  info.MediaType != "",
		Type:      info.Type,
	}
	if info.IsFromMe {
		msg.Direction = network.DirectionOutbound
		msg.Ack = network.AckServer
	} else {
		msg.Direction = network.DirectionInbound
		msg.Ack = network.AckDevice
		msg.Sender = info.PushName
		if msg.Sender == "" {
			msg.Sender = info.Sender.User
		}
	}
	return msg
}

// ackLevel maps a receipt type to an ack level. Receipts that carry no
// delivery information report false.
func ackLevel(t types.ReceiptType) (network.AckLevel, bool) {
	switch t {
	case types.ReceiptTypeDelivered:
		return network.AckDevice, true
	case types.ReceiptTypeRead, types.ReceiptTypeReadSelf:
		return network.AckRead, true
	case types.ReceiptTypePlayed, types.ReceiptTypePlayedSelf:
		return network.AckPlayed, true
	case types.ReceiptTypeServerError:
		return network.AckError, true
	default:
		return 0, false
	}
}
