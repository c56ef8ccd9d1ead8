// ABOUTME: Tests for the gateway connection state machine and its commands
// ABOUTME: Drives a scripted network fake through pairing, resume, sends and disconnects

package gateway

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/concierge-gateway/internal/dedupe"
	"github.com/2389/concierge-gateway/internal/events"
	"github.com/2389/concierge-gateway/internal/network"
	"github.com/2389/concierge-gateway/internal/network/networktest"
	"github.com/2389/concierge-gateway/internal/session"
)

type recorder struct {
	mu   sync.Mutex
	evts []events.Event
}

func (r *recorder) Publish(evt events.Event) events.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.evts = append(r.evts, evt)
	return evt
}

func (r *recorder) types() []events.Type {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]events.Type, 0, len(r.evts))
	for _, e := range r.evts {
		out = append(out, e.Type)
	}
	return out
}

func (r *recorder) ofType(t events.Type) []events.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []events.Event
	for _, e := range r.evts {
		if e.Type == t {
			out = append(out, e)
		}
	}
	return out
}

type harness struct {
	client *Client
	fake   *networktest.Fake
	store  *session.MemoryStore
	rec    *recorder
}

func testConfig() Config {
	return Config{
		InstanceID:       "test",
		ReconnectInitial: 5 * time.Millisecond,
		ReconnectMax:     20 * time.Millisecond,
	}
}

func newHarness(t *testing.T, cfg Config, setup func(h *harness)) *harness {
	t.Helper()
	h := &harness{
		fake:  networktest.New(),
		store: session.NewMemoryStore(),
		rec:   &recorder{},
	}
	if setup != nil {
		setup(h)
	}
	h.client = New(cfg, Deps{
		Driver:  h.fake,
		Store:   h.store,
		Emitter: h.rec,
		Seen:    dedupe.New(time.Minute, 100),
	})
	require.NoError(t, h.client.Start(t.Context()))
	t.Cleanup(func() { h.client.Stop(context.Background()) })
	return h
}

func (h *harness) waitState(t *testing.T, want State) {
	t.Helper()
	require.Eventually(t, func() bool { return h.client.Status().State == want },
		time.Second, 2*time.Millisecond, "state never became %s (now %s)", want, h.client.Status().State)
}

func (h *harness) pairToReady(t *testing.T, account string) {
	t.Helper()
	require.Eventually(t, func() bool { _, ok := h.client.PairingCode(); return ok }, time.Second, 2*time.Millisecond)
	h.fake.CompletePairing(account)
	h.waitState(t, StateReady)
}

func withStoredSession(account string) func(h *harness) {
	return func(h *harness) {
		err := h.store.Save(context.Background(), &session.Session{AccountID: account, Credential: []byte("cred:" + account), PairedAt: time.Now()})
		if err != nil {
			panic(err)
		}
	}
}

func TestFreshStart_PairsThenBecomesReady(t *testing.T) {
	h := newHarness(t, testConfig(), nil)

	st := h.client.Status()
	assert.Equal(t, StateAwaitingPairing, st.State)
	assert.False(t, st.Connected())
	assert.True(t, st.NeedsPairing())

	require.Eventually(t, func() bool { _, ok := h.client.PairingCode(); return ok }, time.Second, 2*time.Millisecond)
	code, _ := h.client.PairingCode()
	assert.Equal(t, "pair-1", code)

	h.fake.CompletePairing("15551234567")
	h.waitState(t, StateReady)

	st = h.client.Status()
	assert.True(t, st.Connected())
	assert.False(t, st.NeedsPairing())
	assert.Equal(t, "15551234567", st.AccountID)
	assert.Empty(t, st.PairingCode)

	_, ok := h.client.PairingCode()
	assert.False(t, ok, "no pairing code once ready")

	sess, err := h.store.Load(t.Context())
	require.NoError(t, err)
	assert.Equal(t, "15551234567", sess.AccountID)
	saves, _ := h.store.Counts()
	assert.Equal(t, 1, saves, "exactly one session persisted")

	assert.Equal(t, []events.Type{events.TypePairingCode, events.TypeAuthenticated, events.TypeReady}, h.rec.types())
}

func TestPairingCodeRotation(t *testing.T) {
	h := newHarness(t, testConfig(), nil)
	require.Eventually(t, func() bool { return len(h.rec.ofType(events.TypePairingCode)) == 1 }, time.Second, 2*time.Millisecond)

	h.fake.Emit(network.PairingCodeEvent{Code: "rotated", ExpiresIn: 20 * time.Second})

	require.Eventually(t, func() bool { code, _ := h.client.PairingCode(); return code == "rotated" }, time.Second, 2*time.Millisecond)
	issued := h.rec.ofType(events.TypePairingCode)
	require.Len(t, issued, 2)
	assert.Equal(t, "rotated", issued[1].Data.(events.PairingCodeData).Code)
	assert.Equal(t, StateAwaitingPairing, h.client.Status().State)
}

func TestRestart_ResumesStoredSessionWithoutPairing(t *testing.T) {
	h := newHarness(t, testConfig(), withStoredSession("acct-1"))

	h.waitState(t, StateReady)
	assert.Equal(t, "acct-1", h.client.Status().AccountID)

	connects := h.fake.Connects()
	require.Len(t, connects, 1)
	assert.Equal(t, []byte("cred:acct-1"), connects[0].Credential)

	assert.Empty(t, h.rec.ofType(events.TypePairingCode))
	assert.Equal(t, []events.Type{events.TypeAuthenticated, events.TypeReady}, h.rec.types())
}

func TestRejectedSession_FallsBackToPairing(t *testing.T) {
	h := newHarness(t, testConfig(), func(h *harness) {
		withStoredSession("acct-1")(h)
		h.fake.AcceptCredential = func([]byte) bool { return false }
	})

	assert.Equal(t, StateAwaitingPairing, h.client.Status().State)
	_, err := h.store.Load(t.Context())
	assert.ErrorIs(t, err, session.ErrNotFound, "rejected session is discarded")

	connects := h.fake.Connects()
	require.Len(t, connects, 2)
	assert.Nil(t, connects[1].Credential)
	require.Eventually(t, func() bool { _, ok := h.client.PairingCode(); return ok }, time.Second, 2*time.Millisecond)

	assert.Empty(t, h.rec.ofType(events.TypeAuthenticated), "a refused resume never looks authenticated")
	assert.Empty(t, h.rec.ofType(events.TypeDisconnected))
	assert.Equal(t, []events.Type{events.TypePairingCode}, h.rec.types())
}

func TestResume_RejectedByNetworkPairsDirectly(t *testing.T) {
	h := newHarness(t, testConfig(), func(h *harness) {
		withStoredSession("acct-1")(h)
		h.fake.AutoResume = false
	})
	assert.Equal(t, StateUninitialized, h.client.Status().State, "state holds until the network answers")

	h.fake.Emit(network.DisconnectedEvent{Reason: network.ReasonSessionInvalid})

	h.waitState(t, StateAwaitingPairing)
	require.Eventually(t, func() bool { _, ok := h.client.PairingCode(); return ok }, time.Second, 2*time.Millisecond)
	assert.Equal(t, []events.Type{events.TypePairingCode}, h.rec.types())

	_, err := h.store.Load(t.Context())
	assert.ErrorIs(t, err, session.ErrNotFound)
	connects := h.fake.Connects()
	require.Len(t, connects, 2)
	assert.Nil(t, connects[1].Credential)
}

func TestResume_AcceptedWhenNetworkConfirms(t *testing.T) {
	h := newHarness(t, testConfig(), func(h *harness) {
		withStoredSession("acct-1")(h)
		h.fake.AutoResume = false
	})
	assert.Equal(t, StateUninitialized, h.client.Status().State)
	assert.Empty(t, h.rec.types())

	h.fake.Emit(network.ReadyEvent{AccountID: "acct-1"})

	h.waitState(t, StateReady)
	assert.Equal(t, []events.Type{events.TypeAuthenticated, events.TypeReady}, h.rec.types())
}

func TestCommands_RejectedUntilReady(t *testing.T) {
	h := newHarness(t, testConfig(), nil)
	h.fake.AddChat(network.Chat{ID: "c1"})
	ctx := t.Context()

	_, err := h.client.SendMessage(ctx, "c1", "hi")
	assert.ErrorIs(t, err, ErrNotReady)
	_, err = h.client.ListChats(ctx)
	assert.ErrorIs(t, err, ErrNotReady)
	_, err = h.client.ListMessages(ctx, "c1", 10)
	assert.ErrorIs(t, err, ErrNotReady)

	assert.Zero(t, h.fake.Sends(), "send never reaches the network outside ready")
}

func TestSendMessage_WhileReady(t *testing.T) {
	h := newHarness(t, testConfig(), nil)
	h.pairToReady(t, "acct")
	h.fake.AddChat(network.Chat{ID: "c1"})
	before := h.client.Status()

	res, err := h.client.SendMessage(t.Context(), "c1", "hi")
	require.NoError(t, err)
	assert.Equal(t, "out-1", res.MessageID)
	assert.False(t, res.Timestamp.IsZero())

	after := h.client.Status()
	assert.Equal(t, before.State, after.State)
	assert.Equal(t, before.Since, after.Since, "send does not transition")

	sent := h.rec.ofType(events.TypeMessageSent)
	require.Len(t, sent, 1)
	msg := sent[0].Data.(events.MessageData).Message
	assert.Equal(t, "hi", msg.Body)
	assert.Equal(t, network.DirectionOutbound, msg.Direction)
}

func TestSendMessage_Failures(t *testing.T) {
	h := newHarness(t, testConfig(), nil)
	h.pairToReady(t, "acct")
	h.fake.AddChat(network.Chat{ID: "c1"})
	ctx := t.Context()

	_, err := h.client.SendMessage(ctx, "nobody", "hi")
	assert.Equal(t, KindChatNotFound, KindOf(err))

	_, err = h.client.SendMessage(ctx, "", "hi")
	assert.Equal(t, KindInvalidRequest, KindOf(err))

	_, err = h.client.SendMessage(ctx, "c1", "")
	assert.Equal(t, KindInvalidRequest, KindOf(err))

	h.fake.SetSendErr(errors.New("socket closed"))
	_, err = h.client.SendMessage(ctx, "c1", "hi")
	assert.Equal(t, KindDeliveryFailed, KindOf(err))
	assert.Equal(t, StateReady, h.client.Status().State)
}

func TestSendMessage_TimeoutStillEmitsWhenSendCompletes(t *testing.T) {
	block := make(chan struct{})
	h := newHarness(t, testConfig(), func(h *harness) { h.fake.SendBlock = block })
	h.pairToReady(t, "acct")
	h.fake.AddChat(network.Chat{ID: "c1"})

	ctx, cancel := context.WithTimeout(t.Context(), 20*time.Millisecond)
	defer cancel()
	start := time.Now()
	_, err := h.client.SendMessage(ctx, "c1", "late")
	assert.Equal(t, KindTimeout, KindOf(err))
	assert.Less(t, time.Since(start), time.Second)
	assert.Empty(t, h.rec.ofType(events.TypeMessageSent))

	close(block)
	require.Eventually(t, func() bool { return len(h.rec.ofType(events.TypeMessageSent)) == 1 }, time.Second, 2*time.Millisecond)
}

func TestConcurrentSends(t *testing.T) {
	h := newHarness(t, testConfig(), nil)
	h.pairToReady(t, "acct")
	h.fake.AddChat(network.Chat{ID: "c1"})

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			_, err := h.client.SendMessage(t.Context(), "c1", fmt.Sprintf("msg %d", n))
			assert.NoError(t, err)
		}(i)
	}
	wg.Wait()
	assert.Equal(t, 10, h.fake.Sends())
	assert.Len(t, h.rec.ofType(events.TypeMessageSent), 10)
}

func TestDisconnect_IsIdempotentAndTerminal(t *testing.T) {
	h := newHarness(t, testConfig(), nil)
	h.pairToReady(t, "acct")

	require.NoError(t, h.client.Disconnect(t.Context()))
	require.NoError(t, h.client.Disconnect(t.Context()))

	st := h.client.Status()
	assert.Equal(t, StateDisconnected, st.State)
	assert.Equal(t, network.ReasonLogout, st.Reason)
	assert.Empty(t, st.AccountID)
	assert.True(t, st.NeedsPairing())

	assert.Equal(t, 1, h.fake.Logouts())
	_, err := h.store.Load(t.Context())
	assert.ErrorIs(t, err, session.ErrNotFound)

	disc := h.rec.ofType(events.TypeDisconnected)
	require.Len(t, disc, 1)
	assert.Equal(t, network.ReasonLogout, disc[0].Data.(events.DisconnectedData).Reason)

	connects := len(h.fake.Connects())
	time.Sleep(50 * time.Millisecond)
	assert.Len(t, h.fake.Connects(), connects, "no automatic retry after an explicit disconnect")
	assert.Equal(t, StateDisconnected, h.client.Status().State)
}

func TestReconnect_AfterDisconnectStartsPairing(t *testing.T) {
	h := newHarness(t, testConfig(), nil)
	h.pairToReady(t, "acct")
	require.NoError(t, h.client.Disconnect(t.Context()))

	require.NoError(t, h.client.Reconnect(t.Context()))
	assert.Equal(t, StateAwaitingPairing, h.client.Status().State)
	require.Eventually(t, func() bool { _, ok := h.client.PairingCode(); return ok }, time.Second, 2*time.Millisecond)

	// no-op while already connecting
	require.NoError(t, h.client.Reconnect(t.Context()))
	assert.Equal(t, StateAwaitingPairing, h.client.Status().State)
}

func TestNetworkDrop_ResumesAfterBackoff(t *testing.T) {
	h := newHarness(t, testConfig(), nil)
	h.pairToReady(t, "acct")

	h.fake.Emit(network.DisconnectedEvent{Reason: network.ReasonNetwork})

	require.Eventually(t, func() bool { return len(h.rec.ofType(events.TypeDisconnected)) == 1 }, time.Second, 2*time.Millisecond)
	require.Eventually(t, func() bool { return len(h.rec.ofType(events.TypeReady)) == 2 }, time.Second, 2*time.Millisecond)
	assert.Equal(t, StateReady, h.client.Status().State)

	_, err := h.store.Load(t.Context())
	assert.NoError(t, err, "network loss keeps the session")
}

func TestNetworkDrop_FallsBackToPairingWhenResumeFails(t *testing.T) {
	b := events.NewBroadcaster(events.Options{})
	defer b.Close()

	fake := networktest.New()
	store := session.NewMemoryStore()
	client := New(testConfig(), Deps{Driver: fake, Store: store, Emitter: b})
	b.SetSource(client)

	sub1 := b.Subscribe(t.Context())
	sub2 := b.Subscribe(t.Context())

	require.NoError(t, client.Start(t.Context()))
	defer client.Stop(context.Background())

	require.Eventually(t, func() bool { _, ok := client.PairingCode(); return ok }, time.Second, 2*time.Millisecond)
	fake.CompletePairing("acct")
	require.Eventually(t, func() bool { return client.Status().State == StateReady }, time.Second, 2*time.Millisecond)

	fake.SetAcceptCredential(func([]byte) bool { return false })
	fake.Emit(network.DisconnectedEvent{Reason: network.ReasonNetwork})

	for i, sub := range []*events.Subscription{sub1, sub2} {
		var sawDisconnect bool
		timeout := time.After(2 * time.Second)
	loop:
		for {
			select {
			case evt := <-sub.C():
				if evt.Type == events.TypeDisconnected {
					assert.Equal(t, network.ReasonNetwork, evt.Data.(events.DisconnectedData).Reason)
					sawDisconnect = true
				}
				if sawDisconnect && evt.Type == events.TypePairingCode {
					break loop
				}
			case <-timeout:
				t.Fatalf("subscriber %d did not see disconnect followed by a fresh pairing code", i)
			}
		}
	}
	assert.Equal(t, StateAwaitingPairing, client.Status().State)
}

func TestRemoteLogout_DiscardsSession(t *testing.T) {
	h := newHarness(t, testConfig(), nil)
	h.pairToReady(t, "acct")

	h.fake.Emit(network.DisconnectedEvent{Reason: network.ReasonRemoteLogout})

	require.Eventually(t, func() bool { return len(h.rec.ofType(events.TypeDisconnected)) == 1 }, time.Second, 2*time.Millisecond)
	_, err := h.store.Load(t.Context())
	assert.ErrorIs(t, err, session.ErrNotFound)

	h.waitState(t, StateAwaitingPairing)
}

func TestReplaced_DoesNotReconnect(t *testing.T) {
	h := newHarness(t, testConfig(), nil)
	h.pairToReady(t, "acct")
	connects := len(h.fake.Connects())

	h.fake.Emit(network.DisconnectedEvent{Reason: network.ReasonReplaced})
	h.waitState(t, StateDisconnected)

	time.Sleep(50 * time.Millisecond)
	assert.Len(t, h.fake.Connects(), connects)
	assert.Equal(t, network.ReasonReplaced, h.client.Status().Reason)
}

func TestListChats_MostRecentFirst(t *testing.T) {
	h := newHarness(t, testConfig(), nil)
	h.pairToReady(t, "acct")

	now := time.Now()
	h.fake.AddChat(network.Chat{ID: "old", LastActivity: now.Add(-time.Hour)})
	h.fake.AddChat(network.Chat{ID: "new", LastActivity: now})
	h.fake.AddChat(network.Chat{ID: "mid", LastActivity: now.Add(-time.Minute)})

	chats, err := h.client.ListChats(t.Context())
	require.NoError(t, err)
	require.Len(t, chats, 3)
	assert.Equal(t, "new", chats[0].ID)
	assert.Equal(t, "mid", chats[1].ID)
	assert.Equal(t, "old", chats[2].ID)
}

func TestListMessages_LimitAndOrder(t *testing.T) {
	h := newHarness(t, testConfig(), nil)
	h.pairToReady(t, "acct")

	base := time.Now().Add(-time.Hour)
	for _, offset := range []int{5, 1, 9, 3, 7, 2, 8, 0, 6, 4} {
		h.fake.AddMessage(network.Message{
			ID:        fmt.Sprintf("m%d", offset),
			ChatID:    "c1",
			Direction: network.DirectionInbound,
			Timestamp: base.Add(time.Duration(offset) * time.Minute),
		})
	}

	for _, limit := range []int{1, 3, 10, 50} {
		msgs, err := h.client.ListMessages(t.Context(), "c1", limit)
		require.NoError(t, err)
		assert.LessOrEqual(t, len(msgs), limit)
		for i := 1; i < len(msgs); i++ {
			assert.False(t, msgs[i].Timestamp.Before(msgs[i-1].Timestamp), "limit %d: not oldest first", limit)
		}
	}

	msgs, err := h.client.ListMessages(t.Context(), "c1", 3)
	require.NoError(t, err)
	assert.Equal(t, []string{"m7", "m8", "m9"}, []string{msgs[0].ID, msgs[1].ID, msgs[2].ID})

	_, err = h.client.ListMessages(t.Context(), "missing", 3)
	assert.ErrorIs(t, err, ErrChatNotFound)

	_, err = h.client.ListMessages(t.Context(), "c1", 0)
	assert.ErrorIs(t, err, ErrInvalidRequest)
}

func TestInboundMessages_DeduplicatedAndBroadcast(t *testing.T) {
	h := newHarness(t, testConfig(), nil)
	h.pairToReady(t, "acct")

	msg := network.Message{ID: "wamid-1", ChatID: "c1", Direction: network.DirectionInbound, Body: "hello", Timestamp: time.Now()}
	h.fake.Emit(network.MessageEvent{Message: msg})
	h.fake.Emit(network.MessageEvent{Message: msg})
	h.fake.Emit(network.AckEvent{ChatID: "c1", MessageIDs: []string{"out-1"}, Ack: network.AckRead})

	require.Eventually(t, func() bool { return len(h.rec.ofType(events.TypeMessageAck)) == 1 }, time.Second, 2*time.Millisecond)
	received := h.rec.ofType(events.TypeMessageReceived)
	require.Len(t, received, 1)
	assert.Equal(t, "hello", received[0].Data.(events.MessageData).Message.Body)
}

func TestInboundOnlyPolicy(t *testing.T) {
	cfg := testConfig()
	cfg.SendPolicy = SendPolicyInboundOnly
	h := newHarness(t, cfg, nil)
	h.pairToReady(t, "acct")
	h.fake.AddChat(network.Chat{ID: "cold"})

	_, err := h.client.SendMessage(t.Context(), "cold", "hello?")
	assert.ErrorIs(t, err, ErrSendNotAllowed)
	assert.Zero(t, h.fake.Sends())

	h.fake.AddMessage(network.Message{ID: "in-1", ChatID: "cold", Direction: network.DirectionInbound, Timestamp: time.Now()})
	_, err = h.client.SendMessage(t.Context(), "cold", "hello!")
	assert.NoError(t, err)

	_, err = h.client.SendMessage(t.Context(), "unknown", "hi")
	assert.ErrorIs(t, err, ErrChatNotFound)
}

func TestStart_SecondInstanceFailsFast(t *testing.T) {
	store := session.NewMemoryStore()
	cfg1, cfg2 := testConfig(), testConfig()
	cfg1.InstanceID, cfg2.InstanceID = "one", "two"

	first := New(cfg1, Deps{Driver: networktest.New(), Store: store})
	require.NoError(t, first.Start(t.Context()))
	defer first.Stop(context.Background())

	assert.ErrorIs(t, first.Start(t.Context()), ErrAlreadyRunning)

	fake := networktest.New()
	second := New(cfg2, Deps{Driver: fake, Store: store})
	assert.ErrorIs(t, second.Start(t.Context()), ErrAlreadyRunning)
	assert.Empty(t, fake.Connects(), "second instance never touches the network")

	first.Stop(context.Background())
	require.NoError(t, second.Start(t.Context()))
	second.Stop(context.Background())
}

// sendInBackground starts a send that the fake holds until block is closed
// and returns once the send reached the network.
func sendInBackground(t *testing.T, h *harness) <-chan struct{} {
	t.Helper()
	done := make(chan struct{})
	go func() {
		defer close(done)
		_, _ = h.client.SendMessage(context.Background(), "c1", "slow")
	}()
	require.Eventually(t, func() bool { return h.fake.Sends() == 1 }, time.Second, 2*time.Millisecond)
	return done
}

func TestSlowSend_DoesNotStallTrafficOrQueries(t *testing.T) {
	block := make(chan struct{})
	defer close(block)
	h := newHarness(t, testConfig(), func(h *harness) { h.fake.SendBlock = block })
	h.pairToReady(t, "acct")
	h.fake.AddChat(network.Chat{ID: "c1"})
	sendInBackground(t, h)

	h.fake.Emit(network.MessageEvent{Message: network.Message{ID: "in-1", ChatID: "c1", Direction: network.DirectionInbound, Body: "hi", Timestamp: time.Now()}})
	h.fake.Emit(network.AckEvent{ChatID: "c1", MessageIDs: []string{"out-0"}, Ack: network.AckDevice})
	require.Eventually(t, func() bool {
		return len(h.rec.ofType(events.TypeMessageReceived)) == 1 && len(h.rec.ofType(events.TypeMessageAck)) == 1
	}, time.Second, 2*time.Millisecond, "inbound traffic waited behind the send")

	ctx, cancel := context.WithTimeout(t.Context(), 200*time.Millisecond)
	defer cancel()
	start := time.Now()
	chats, err := h.client.ListChats(ctx)
	require.NoError(t, err)
	assert.Len(t, chats, 1)
	assert.Less(t, time.Since(start), time.Second)
}

func TestPendingTransition_QueriesBoundedByDeadline(t *testing.T) {
	block := make(chan struct{})
	h := newHarness(t, testConfig(), func(h *harness) { h.fake.SendBlock = block })
	h.pairToReady(t, "acct")
	h.fake.AddChat(network.Chat{ID: "c1"})
	sent := sendInBackground(t, h)

	// The drop waits for the send; queries queue behind the drop.
	h.fake.Emit(network.DisconnectedEvent{Reason: network.ReasonNetwork})
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, StateReady, h.client.Status().State)

	ctx, cancel := context.WithTimeout(t.Context(), 100*time.Millisecond)
	defer cancel()
	start := time.Now()
	_, err := h.client.ListChats(ctx)
	assert.Equal(t, KindTimeout, KindOf(err))
	assert.Less(t, time.Since(start), time.Second)

	close(block)
	<-sent
	require.Eventually(t, func() bool { return len(h.rec.ofType(events.TypeDisconnected)) == 1 }, time.Second, 2*time.Millisecond)
	h.waitState(t, StateReady)
}

func TestDisconnect_BoundedByCallerDeadline(t *testing.T) {
	block := make(chan struct{})
	h := newHarness(t, testConfig(), func(h *harness) { h.fake.SendBlock = block })
	h.pairToReady(t, "acct")
	h.fake.AddChat(network.Chat{ID: "c1"})
	sent := sendInBackground(t, h)

	ctx, cancel := context.WithTimeout(t.Context(), 50*time.Millisecond)
	defer cancel()
	start := time.Now()
	err := h.client.Disconnect(ctx)
	assert.Equal(t, KindTimeout, KindOf(err))
	assert.Less(t, time.Since(start), time.Second)
	assert.Zero(t, h.fake.Logouts())

	close(block)
	<-sent
	require.Eventually(t, func() bool {
		st := h.client.Status()
		return st.State == StateDisconnected && st.Reason == network.ReasonLogout
	}, time.Second, 2*time.Millisecond, "disconnect completes once the send finishes")
	assert.Equal(t, 1, h.fake.Logouts())
	assert.Len(t, h.rec.ofType(events.TypeMessageSent), 1)
}

func TestStop_BoundedBySlowSend(t *testing.T) {
	block := make(chan struct{})
	defer close(block)
	h := newHarness(t, testConfig(), func(h *harness) { h.fake.SendBlock = block })
	h.pairToReady(t, "acct")
	h.fake.AddChat(network.Chat{ID: "c1"})
	sendInBackground(t, h)

	ctx, cancel := context.WithTimeout(t.Context(), 50*time.Millisecond)
	defer cancel()
	start := time.Now()
	h.client.Stop(ctx)
	assert.Less(t, time.Since(start), time.Second)

	assert.NoError(t, h.store.Acquire(t.Context(), "next", time.Minute), "lease released despite the stuck send")
	require.NoError(t, h.store.Release(t.Context(), "next"))
}

func TestLeaseLost_StopsUsingNetwork(t *testing.T) {
	cfg := testConfig()
	cfg.LeaseTTL = 30 * time.Millisecond
	h := newHarness(t, cfg, nil)
	h.pairToReady(t, "acct")

	// Another instance takes over the lease between two renewals.
	require.Eventually(t, func() bool {
		_ = h.store.Release(t.Context(), "test")
		return h.store.Acquire(t.Context(), "other", time.Minute) == nil
	}, time.Second, time.Millisecond)

	require.Eventually(t, func() bool {
		st := h.client.Status()
		return st.State == StateDisconnected && st.Reason == network.ReasonLeaseLost
	}, time.Second, 2*time.Millisecond)

	connects := len(h.fake.Connects())
	time.Sleep(50 * time.Millisecond)
	assert.Len(t, h.fake.Connects(), connects, "no reconnect after losing the lease")
	assert.Zero(t, h.fake.Logouts(), "the session belongs to the new owner")
	_, err := h.store.Load(t.Context())
	assert.NoError(t, err)

	_, err = h.client.SendMessage(t.Context(), "c1", "hi")
	assert.ErrorIs(t, err, ErrNotReady)

	err = h.client.Reconnect(t.Context())
	assert.ErrorIs(t, err, ErrAlreadyRunning)
	assert.Equal(t, KindNotReady, KindOf(err))

	require.NoError(t, h.store.Release(t.Context(), "other"))
	require.NoError(t, h.client.Reconnect(t.Context()))
	h.waitState(t, StateReady)
}

func TestStart_SameInstanceIDReclaimsLease(t *testing.T) {
	store := session.NewMemoryStore()
	cfg := testConfig()
	cfg.InstanceID = "gw-a"

	// The first process dies without releasing its lease.
	crashed := New(cfg, Deps{Driver: networktest.New(), Store: store})
	require.NoError(t, crashed.Start(t.Context()))
	t.Cleanup(func() { crashed.Stop(context.Background()) })

	restarted := New(cfg, Deps{Driver: networktest.New(), Store: store})
	require.NoError(t, restarted.Start(t.Context()), "same instance id takes its lease back at once")
	t.Cleanup(func() { restarted.Stop(context.Background()) })

	other := testConfig()
	other.InstanceID = "gw-b"
	assert.ErrorIs(t, New(other, Deps{Driver: networktest.New(), Store: store}).Start(t.Context()), ErrAlreadyRunning)
}
