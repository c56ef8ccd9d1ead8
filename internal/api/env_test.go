// ABOUTME: Shared fixture for API tests: a real gateway client over the network fake
// ABOUTME: Wires commands, broadcaster and HTTP routes the same way the server does

package api

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/2389/concierge-gateway/internal/events"
	"github.com/2389/concierge-gateway/internal/gateway"
	"github.com/2389/concierge-gateway/internal/network/networktest"
	"github.com/2389/concierge-gateway/internal/session"
)

type testEnv struct {
	fake   *networktest.Fake
	client *gateway.Client
	bus    *events.Broadcaster
	cmds   *Commands
	srv    *httptest.Server
}

func newTestEnv(t *testing.T, opts Options, setup func(f *networktest.Fake)) *testEnv {
	t.Helper()
	fake := networktest.New()
	if setup != nil {
		setup(fake)
	}

	bus := events.NewBroadcaster(events.Options{})
	client := gateway.New(gateway.Config{
		InstanceID:       "api-test",
		ReconnectInitial: 5 * time.Millisecond,
		ReconnectMax:     20 * time.Millisecond,
	}, gateway.Deps{Driver: fake, Store: session.NewMemoryStore(), Emitter: bus})
	bus.SetSource(client)
	require.NoError(t, client.Start(t.Context()))

	cmds := NewCommands(client, opts)
	mux := http.NewServeMux()
	NewServer(cmds, bus, ServerOptions{Keepalive: 50 * time.Millisecond}).Register(mux, nil)
	srv := httptest.NewServer(mux)

	t.Cleanup(srv.Close)
	t.Cleanup(bus.Close)
	t.Cleanup(func() { client.Stop(context.Background()) })

	return &testEnv{fake: fake, client: client, bus: bus, cmds: cmds, srv: srv}
}

func (e *testEnv) waitPairingCode(t *testing.T) string {
	t.Helper()
	var code string
	require.Eventually(t, func() bool {
		var ok bool
		code, ok = e.client.PairingCode()
		return ok
	}, time.Second, 2*time.Millisecond)
	return code
}

func (e *testEnv) pairToReady(t *testing.T, account string) {
	t.Helper()
	e.waitPairingCode(t)
	e.fake.CompletePairing(account)
	require.Eventually(t, func() bool { return e.client.Status().Connected() }, time.Second, 2*time.Millisecond)
}
