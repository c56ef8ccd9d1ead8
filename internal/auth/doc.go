// Package auth authenticates callers of the gateway API.
//
// Callers present an HS256 JWT signed with the configured jwt_secret, either
// as "Authorization: Bearer <token>" or, for EventSource and WebSocket
// clients that cannot set headers, as a ?token= query parameter. Tokens are
// minted with the "token" subcommand:
//
//	concierge-gateway token --sub dashboard --ttl 720h
//
// When no secret is configured the middleware is a pass-through.
package auth
