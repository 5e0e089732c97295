// Package config handles configuration loading for agent-gateway.
//
// # Overview
//
// Configuration is loaded from a YAML file, or TOML when the file name ends
// in .toml, with environment variable expansion. Defaults are applied first
// and the result is validated.
//
// # Environment Variable Expansion
//
// Configuration values can reference environment variables:
//
//	auth:
//	  jwt_secret: "${GATEWAY_JWT_SECRET}"
//
// Syntax: ${VAR_NAME}. Unset variables expand to the empty string.
//
// # Duration Parsing
//
// Duration values use Go's time.ParseDuration syntax:
//
//	ws:
//	  heartbeat_interval: "20s"
//	worker:
//	  poll_interval: "2s"
//	idempotency:
//	  ttl: "1h"
//
// # Configuration Sections
//
//	server:
//	  http_addr: "127.0.0.1:8080"   # WebSocket and REST
//
//	database:
//	  path: "/var/lib/agent-gateway/gateway.db"
//
//	auth:
//	  jwt_secret: "${GATEWAY_JWT_SECRET}"   # at least 32 bytes
//	  shared_secret_hash: ""                # bcrypt hash, enables password connect
//	  revocation_prune_interval: "1m"
//
//	ws:
//	  allow_remote: false            # loopback and private peers only
//	  trust_forwarded_headers: false
//	  origin_patterns: []
//	  max_payload_bytes: 1048576
//	  max_buffered_bytes: 8388608
//	  rate_limit_per_minute: 120     # 0 disables
//	  heartbeat_interval: "20s"
//	  handshake_timeout: "10s"
//
//	worker:
//	  enabled: true
//	  poll_interval: "2s"
//	  max_concurrency: 4
//	  error_limit: 1000
//
//	idempotency:
//	  ttl: "1h"
//	  sweep_schedule: "@every 5m"    # robfig/cron spec
//
//	telemetry:
//	  enabled: false
//	  exporter: "stdout"             # stdout, otlp-http, none
//
//	logging:
//	  level: "info"   # debug, info, warn, error
//	  format: "text"  # text, json
package config
