// ABOUTME: Bounded in-memory chat history kept by the driver between restarts of the connection
// ABOUTME: Seeded from history sync, updated on live messages, sends and receipts

package whatsapp

import (
	"slices"
	"sync"
	"time"

	"github.com/2389/concierge-gateway/internal/network"
)

// DefaultHistoryLimit is the number of messages kept per chat.
const DefaultHistoryLimit = 200

type chatLog struct {
	chat network.Chat
	msgs []network.Message
}

// history is safe for concurrent use.
type history struct {
	mu    sync.Mutex
	limit int
	chats map[string]*chatLog
}

func newHistory(limit int) *history {
	if limit <= 0 {
		limit = DefaultHistoryLimit
	}
	return &history{limit: limit, chats: make(map[string]*chatLog)}
}

func (h *history) logFor(chatID string) *chatLog {
	log, ok := h.chats[chatID]
	if !ok {
		log = &chatLog{chat: network.Chat{ID: chatID}}
		h.chats[chatID] = log
	}
	return log
}

// touch registers a chat without messages, filling in a missing name.
func (h *history) touch(chatID, name string, isGroup bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	log := h.logFor(chatID)
	if log.chat.Name == "" {
		log.chat.Name = name
	}
	log.chat.IsGroup = log.chat.IsGroup || isGroup
}

// add records msg and reports whether it was new. Messages may arrive out of
// order (history sync); the log stays sorted by timestamp and keeps only the
// newest entries.
func (h *history) add(msg network.Message, chatName string, isGroup bool) bool {
	h.mu.Lock()
	defer h.mu.Unlock()

	log := h.logFor(msg.ChatID)
	if slices.ContainsFunc(log.msgs, func(m network.Message) bool { return m.ID == msg.ID }) {
		return false
	}
	if log.chat.Name == "" {
		log.chat.Name = chatName
	}
	log.chat.IsGroup = log.chat.IsGroup || isGroup

	i, _ := slices.BinarySearchFunc(log.msgs, msg.Timestamp, func(m network.Message, t time.Time) int {
		return m.Timestamp.Compare(t)
	})
	// equal timestamps keep arrival order
	for i < len(log.msgs) && log.msgs[i].Timestamp.Equal(msg.Timestamp) {
		i++
	}
	log.msgs = slices.Insert(log.msgs, i, msg)
	newest := i == len(log.msgs)-1
	if len(log.msgs) > h.limit {
		log.msgs = slices.Delete(log.msgs, 0, len(log.msgs)-h.limit)
	}

	if msg.Direction == network.DirectionInbound {
		log.chat.InitiatedContact = true
	}
	if newest {
		if msg.Direction == network.DirectionInbound {
			log.chat.UnreadCount++
		} else {
			log.chat.UnreadCount = 0
		}
	}
	last := log.msgs[len(log.msgs)-1]
	log.chat.LastMessage = last.Summary()
	log.chat.LastActivity = last.Timestamp
	return true
}

// ack raises the ack level of the listed messages. Levels never go down,
// except to AckError.
func (h *history) ack(chatID string, ids []string, level network.AckLevel) {
	h.mu.Lock()
	defer h.mu.Unlock()
	log, ok := h.chats[chatID]
	if !ok {
		return
	}
	for i := range log.msgs {
		m := &log.msgs[i]
		if !slices.Contains(ids, m.ID) {
			continue
		}
		if level == network.AckError || level > m.Ack {
			m.Ack = level
		}
	}
}

// known reports whether the chat has been seen.
func (h *history) known(chatID string) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	_, ok := h.chats[chatID]
	return ok
}

// messages returns a copy of the newest limit messages, oldest first.
func (h *history) messages(chatID string, limit int) ([]network.Message, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	log, ok := h.chats[chatID]
	if !ok {
		return nil, false
	}
	msgs := log.msgs
	if limit > 0 && len(msgs) > limit {
		msgs = msgs[len(msgs)-limit:]
	}
	return slices.Clone(msgs), true
}

// list returns a copy of every chat.
func (h *history) list() []network.Chat {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]network.Chat, 0, len(h.chats))
	for _, log := range h.chats {
		c := log.chat
		if c.LastMessage != nil {
			last := *c.LastMessage
			c.LastMessage = &last
		}
		out = append(out, c)
	}
	return out
}

// reset forgets everything, used when the linked account changes.
func (h *history) reset() {
	h.mu.Lock()
	defer h.mu.Unlock()
	clear(h.chats)
}
