// ABOUTME: Tests for the command layer: envelopes, validation, limits and timeouts
// ABOUTME: Uses the real gateway client over the network fake, plus a stub for limit checks

package api

import (
	"context"
	"encoding/json"
	"net/http"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/concierge-gateway/internal/gateway"
	"github.com/2389/concierge-gateway/internal/metrics"
	"github.com/2389/concierge-gateway/internal/network"
	"github.com/2389/concierge-gateway/internal/network/networktest"
)

// stubGateway records what reaches the gateway.
type stubGateway struct {
	status    gateway.Status
	lastLimit int
}

func (s *stubGateway) Status() gateway.Status      { return s.status }
func (s *stubGateway) PairingCode() (string, bool) { return "", false }
func (s *stubGateway) ListChats(context.Context) ([]network.Chat, error) {
	return nil, nil
}
func (s *stubGateway) ListMessages(_ context.Context, _ string, limit int) ([]network.Message, error) {
	s.lastLimit = limit
	return nil, nil
}
func (s *stubGateway) SendMessage(context.Context, string, string) (network.SendResult, error) {
	return network.SendResult{}, nil
}
func (s *stubGateway) Disconnect(context.Context) error { return nil }
func (s *stubGateway) Reconnect(context.Context) error  { return nil }

func TestStatus_FreshProcessThenReady(t *testing.T) {
	env := newTestEnv(t, Options{}, nil)

	res := env.cmds.Status(t.Context())
	require.True(t, res.Success)
	st := res.Data.(StatusData)
	assert.False(t, st.Connected)
	assert.True(t, st.NeedsPairing)
	assert.Empty(t, st.AccountID)

	env.pairToReady(t, "15550001111")

	st = env.cmds.Status(t.Context()).Data.(StatusData)
	assert.True(t, st.Connected)
	assert.False(t, st.NeedsPairing)
	assert.Equal(t, "15550001111", st.AccountID)
	assert.Equal(t, "ready", st.State)
}

func TestPairingCode(t *testing.T) {
	env := newTestEnv(t, Options{}, nil)
	env.waitPairingCode(t)

	res := env.cmds.PairingCode(t.Context())
	require.True(t, res.Success)
	data := res.Data.(PairingCodeData)
	assert.Equal(t, "pair-1", data.Code)
	require.NotNil(t, data.ExpiresAt)
	assert.True(t, data.ExpiresAt.After(time.Now()))

	env.fake.CompletePairing("acct")
	require.Eventually(t, func() bool { return env.client.Status().Connected() }, time.Second, 2*time.Millisecond)

	res = env.cmds.PairingCode(t.Context())
	require.False(t, res.Success)
	assert.Equal(t, gateway.KindNoPairingInProgress, res.Error.Kind)
}

func TestPairingCode_ExpiredHandshake(t *testing.T) {
	// An expired handshake leaves the client disconnected until the retry fires.
	stub := &stubGateway{status: gateway.Status{State: gateway.StateDisconnected, Reason: network.ReasonPairingExpired}}
	res := NewCommands(stub, Options{}).PairingCode(t.Context())
	require.False(t, res.Success)
	assert.Equal(t, gateway.KindPairingExpired, res.Error.Kind)
}

func TestListMessages_LimitHandling(t *testing.T) {
	stub := &stubGateway{}
	cmds := NewCommands(stub, Options{})

	tests := []struct {
		limit int
		want  int
	}{
		{0, DefaultMessageLimit},
		{10, 10},
		{MaxMessageLimit, MaxMessageLimit},
		{MaxMessageLimit + 1, MaxMessageLimit},
	}
	for _, tt := range tests {
		res := cmds.ListMessages(t.Context(), ListMessagesRequest{ChatID: "c1", Limit: tt.limit})
		require.True(t, res.Success)
		assert.Equal(t, tt.want, stub.lastLimit, "limit %d", tt.limit)
		assert.NotNil(t, res.Data.(MessagesData).Messages, "empty list, not null")
	}

	res := cmds.ListMessages(t.Context(), ListMessagesRequest{ChatID: "c1", Limit: -1})
	assert.Equal(t, gateway.KindInvalidRequest, res.Error.Kind)
	res = cmds.ListMessages(t.Context(), ListMessagesRequest{Limit: 5})
	assert.Equal(t, gateway.KindInvalidRequest, res.Error.Kind)
}

func TestSend_NotReadyNeverReachesNetwork(t *testing.T) {
	env := newTestEnv(t, Options{}, nil)
	env.fake.AddChat(network.Chat{ID: "c1"})

	res := env.cmds.Send(t.Context(), SendRequest{ChatID: "c1", Body: "hi"})
	require.False(t, res.Success)
	assert.Equal(t, gateway.KindNotReady, res.Error.Kind)
	assert.NotEmpty(t, res.Error.Message)
	assert.Zero(t, env.fake.Sends())
}

func TestSend_Ready(t *testing.T) {
	env := newTestEnv(t, Options{}, nil)
	env.pairToReady(t, "acct")
	env.fake.AddChat(network.Chat{ID: "c1"})

	res := env.cmds.Send(t.Context(), SendRequest{ChatID: "c1", Body: "hi"})
	require.True(t, res.Success, "%+v", res.Error)
	sent := res.Data.(network.SendResult)
	assert.Equal(t, "out-1", sent.MessageID)
	assert.Equal(t, gateway.StateReady, env.client.Status().State)
}

func TestSend_Timeout(t *testing.T) {
	block := make(chan struct{})
	env := newTestEnv(t, Options{SendTimeout: 20 * time.Millisecond}, func(f *networktest.Fake) { f.SendBlock = block })
	env.pairToReady(t, "acct")
	env.fake.AddChat(network.Chat{ID: "c1"})

	res := env.cmds.Send(t.Context(), SendRequest{ChatID: "c1", Body: "slow"})
	require.False(t, res.Success)
	assert.Equal(t, gateway.KindTimeout, res.Error.Kind)
	close(block)
}

func TestDisconnect_AlwaysSucceeds(t *testing.T) {
	env := newTestEnv(t, Options{}, nil)
	env.pairToReady(t, "acct")

	assert.True(t, env.cmds.Disconnect(t.Context()).Success)
	assert.True(t, env.cmds.Disconnect(t.Context()).Success)
	assert.Equal(t, 1, env.fake.Logouts())

	assert.True(t, env.cmds.Reconnect(t.Context()).Success)
	env.waitPairingCode(t)
}

func TestDispatch(t *testing.T) {
	env := newTestEnv(t, Options{}, nil)
	env.pairToReady(t, "acct")
	env.fake.AddChat(network.Chat{ID: "c1"})

	res := env.cmds.Dispatch(t.Context(), OpSend, json.RawMessage(`{"chatId":"c1","body":"via ws"}`))
	assert.True(t, res.Success)

	res = env.cmds.Dispatch(t.Context(), OpListChats, nil)
	require.True(t, res.Success)
	assert.Len(t, res.Data.(ChatsData).Chats, 1)

	res = env.cmds.Dispatch(t.Context(), "explode", nil)
	assert.Equal(t, gateway.KindInvalidRequest, res.Error.Kind)

	res = env.cmds.Dispatch(t.Context(), OpSend, json.RawMessage(`{"chatId":`))
	assert.Equal(t, gateway.KindInvalidRequest, res.Error.Kind)
}

func TestCommands_RecordMetrics(t *testing.T) {
	m := metrics.New()
	cmds := NewCommands(&stubGateway{}, Options{Metrics: m})

	cmds.Status(t.Context())
	cmds.Send(t.Context(), SendRequest{})

	assert.Equal(t, 1.0, testutil.ToFloat64(m.Commands.WithLabelValues(OpStatus, "ok")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.Commands.WithLabelValues(OpSend, string(gateway.KindInvalidRequest))))
}

func TestHTTPStatus(t *testing.T) {
	tests := map[gateway.Kind]int{
		gateway.KindNotReady:            http.StatusServiceUnavailable,
		gateway.KindChatNotFound:        http.StatusNotFound,
		gateway.KindDeliveryFailed:      http.StatusBadGateway,
		gateway.KindTimeout:             http.StatusGatewayTimeout,
		gateway.KindNoPairingInProgress: http.StatusConflict,
		gateway.KindPairingExpired:      http.StatusGone,
		gateway.KindSessionInvalid:      http.StatusUnauthorized,
		gateway.KindSendNotAllowed:      http.StatusForbidden,
		gateway.KindInvalidRequest:      http.StatusBadRequest,
		gateway.KindInternal:            http.StatusInternalServerError,
	}
	for kind, want := range tests {
		assert.Equal(t, want, HTTPStatus(kind), string(kind))
	}
}
