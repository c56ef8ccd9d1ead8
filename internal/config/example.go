// ABOUTME: Starter configuration written by the init subcommand
// ABOUTME: Kept loadable so tests can guard it against drift

package config

// Example is a complete starter configuration with secrets taken from the environment.
const Example = `# concierge-gateway configuration

server:
  http_addr: "127.0.0.1:8080"

tailscale:
  enabled: false
  hostname: "concierge-gateway"
  auth_key: "${TS_AUTHKEY}"
  state_dir: "./data/tsnet"

session:
  backend: "sqlite"            # sqlite, redis, memory
  path: "./data/session.db"
  redis_addr: "${CONCIERGE_REDIS_ADDR}"
  lease_ttl: "30s"
  instance_id: "${CONCIERGE_INSTANCE_ID}"  # stable per deployment, unique per live process

whatsapp:
  device_db: "./data/whatsapp.db"
  device_name: "Concierge Gateway"
  history_limit: 200

gateway:
  send_policy: "open"          # open, inbound_only
  send_timeout: "15s"
  query_timeout: "10s"
  call_limit: "2m"
  reconnect_initial: "2s"
  reconnect_max: "2m"
  dedupe_ttl: "10m"

events:
  subscriber_queue: 1024
  keepalive: "25s"

auth:
  jwt_secret: "${CONCIERGE_JWT_SECRET}"   # empty disables auth

logging:
  level: "info"                # debug, info, warn, error
  format: "text"               # text, json

metrics:
  enabled: true
  path: "/metrics"

relay:
  nats:
    enabled: false
    servers: ["nats://127.0.0.1:4222"]
    subject_prefix: "concierge.gateway"
  matrix:
    enabled: false
    homeserver: "https://matrix.example.org"
    user_id: "@concierge:example.org"
    access_token: "${CONCIERGE_MATRIX_TOKEN}"
    room_id: "!staff:example.org"
`
