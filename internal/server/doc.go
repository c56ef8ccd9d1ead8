// Package server assembles the gateway process: session store, network
// driver, event broadcaster, gateway client, command API, relays and the
// HTTP listener (plain TCP or a Tailscale node).
//
// Shutdown closes the broadcaster first so streaming SSE and WebSocket
// handlers return and the HTTP server can drain, then stops the gateway
// client, which releases the instance lease.
package server
