// Package config handles configuration loading for concierge-gateway.
//
// # Configuration File
//
// The file is located in this order:
//
//  1. the --config flag
//  2. the CONCIERGE_CONFIG environment variable
//  3. $XDG_CONFIG_HOME/concierge/gateway.yaml
//
// Files ending in .toml are decoded as TOML; anything else is YAML. Both use
// the same keys.
//
// # Environment Variable Expansion
//
// Values can reference environment variables before decoding:
//
//	auth:
//	  jwt_secret: "${CONCIERGE_JWT_SECRET}"
//
// Unset variables expand to the empty string.
//
// # Duration Parsing
//
// Duration values use Go's time.ParseDuration syntax and must be positive:
//
//	gateway:
//	  send_timeout: "15s"
//	  reconnect_max: "2m"
//
// # Defaults and Validation
//
// Omitted values get defaults (see Example for the full set). Load then
// validates: a listen address or tailnet hostname, a usable session backend,
// the whatsmeow device database, send policy, a 32-byte minimum JWT secret
// when one is set, logging values, and enabled relays.
package config
