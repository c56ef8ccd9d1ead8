// ABOUTME: Tests for the bounded per-chat history
// ABOUTME: Covers ordering, trimming, unread counters and ack monotonicity

package whatsapp

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/concierge-gateway/internal/network"
)

var base = time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

func msgAt(id string, minute int, dir network.Direction) network.Message {
	return network.Message{ID: id, ChatID: "chat", Direction: dir, Body: id, Timestamp: base.Add(time.Duration(minute) * time.Minute)}
}

func ids(msgs []network.Message) []string {
	out := make([]string, len(msgs))
	for i, m := range msgs {
		out[i] = m.ID
	}
	return out
}

func TestHistory_KeepsTimestampOrder(t *testing.T) {
	h := newHistory(10)
	h.add(msgAt("b", 2, network.DirectionInbound), "Bob", false)
	h.add(msgAt("a", 1, network.DirectionInbound), "", false)
	h.add(msgAt("c", 3, network.DirectionOutbound), "", false)

	got, ok := h.messages("chat", 0)
	require.True(t, ok)
	assert.Equal(t, []string{"a", "b", "c"}, ids(got))

	got, _ = h.messages("chat", 2)
	assert.Equal(t, []string{"b", "c"}, ids(got))
}

func TestHistory_DropsDuplicates(t *testing.T) {
	h := newHistory(10)
	assert.True(t, h.add(msgAt("a", 1, network.DirectionInbound), "", false))
	assert.False(t, h.add(msgAt("a", 1, network.DirectionInbound), "", false))

	got, _ := h.messages("chat", 0)
	assert.Len(t, got, 1)
}

func TestHistory_TrimsToLimit(t *testing.T) {
	h := newHistory(3)
	for i := range 5 {
		h.add(msgAt(fmt.Sprint(i), i, network.DirectionInbound), "", false)
	}
	got, _ := h.messages("chat", 0)
	assert.Equal(t, []string{"2", "3", "4"}, ids(got))
}

func TestHistory_ChatSummary(t *testing.T) {
	h := newHistory(10)
	h.add(msgAt("a", 1, network.DirectionInbound), "Alice", false)
	h.add(msgAt("b", 2, network.DirectionInbound), "Someone Else", false)

	chats := h.list()
	require.Len(t, chats, 1)
	c := chats[0]
	assert.Equal(t, "Alice", c.Name, "first name seen sticks")
	assert.Equal(t, 2, c.UnreadCount)
	assert.True(t, c.InitiatedContact)
	assert.Equal(t, "b", c.LastMessage.ID)
	assert.Equal(t, base.Add(2*time.Minute), c.LastActivity)

	// a reply clears unread
	h.add(msgAt("c", 3, network.DirectionOutbound), "", false)
	assert.Equal(t, 0, h.list()[0].UnreadCount)

	// an older synced message does not disturb the counters
	h.add(msgAt("old", 0, network.DirectionInbound), "", false)
	c = h.list()[0]
	assert.Equal(t, 0, c.UnreadCount)
	assert.Equal(t, "c", c.LastMessage.ID)
}

func TestHistory_OutboundOnlyChatHasNotInitiated(t *testing.T) {
	h := newHistory(10)
	h.add(msgAt("a", 1, network.DirectionOutbound), "", false)
	assert.False(t, h.list()[0].InitiatedContact)
}

func TestHistory_AckOnlyRises(t *testing.T) {
	h := newHistory(10)
	m := msgAt("a", 1, network.DirectionOutbound)
	m.Ack = network.AckServer
	h.add(m, "", false)

	h.ack("chat", []string{"a"}, network.AckRead)
	h.ack("chat", []string{"a"}, network.AckDevice)
	got, _ := h.messages("chat", 0)
	assert.Equal(t, network.AckRead, got[0].Ack)

	h.ack("chat", []string{"a"}, network.AckError)
	got, _ = h.messages("chat", 0)
	assert.Equal(t, network.AckError, got[0].Ack)

	h.ack("missing", []string{"a"}, network.AckRead)
}

func TestHistory_TouchAndReset(t *testing.T) {
	h := newHistory(0)
	h.touch("g@g.us", "Team", true)
	assert.True(t, h.known("g@g.us"))

	msgs, ok := h.messages("g@g.us", 10)
	assert.True(t, ok)
	assert.Empty(t, msgs)

	chats := h.list()
	require.Len(t, chats, 1)
	assert.True(t, chats[0].IsGroup)
	assert.Equal(t, "Team", chats[0].Name)

	h.reset()
	assert.False(t, h.known("g@g.us"))
}

func TestHistory_ReturnsCopies(t *testing.T) {
	h := newHistory(10)
	h.add(msgAt("a", 1, network.DirectionInbound), "", false)

	got, _ := h.messages("chat", 0)
	got[0].Body = "mutated"
	chats := h.list()
	chats[0].LastMessage.Body = "mutated"

	again, _ := h.messages("chat", 0)
	assert.Equal(t, "a", again[0].Body)
	assert.Equal(t, "a", h.list()[0].LastMessage.Body)
}
