// Package config handles configuration loading for dm-gateway.
//
// # Configuration File
//
// Default locations (in order):
//
//  1. Path from the DM_CONFIG environment variable
//  2. $XDG_CONFIG_HOME/dm/gateway.yaml
//  3. ~/.config/dm/gateway.yaml
//
// Every field has a default, so an empty file is a valid configuration that
// serves on 127.0.0.1:8080 with authentication disabled.
//
// # Environment Variable Expansion
//
// Configuration values can reference environment variables:
//
//	auth:
//	  jwt_secret: "${DM_JWT_SECRET}"
//
// Unset variables expand to the empty string. DM_DB_PATH, when set,
// replaces database.path after parsing.
//
// # Example
//
//	server:
//	  http_addr: "0.0.0.0:8080"
//
//	database:
//	  driver: "sqlite"          # or "sqlite3" for the cgo driver
//	  path: "/var/lib/dm/dm.db"
//
//	chat:
//	  max_body_length: 4000
//	  history_limit: 200
//	  max_history_limit: 1000
//	  endpoint_buffer: 64
//	  dedupe_ttl: "10m"
//	  send_timeout: "5s"
//	  send_rate: 10
//	  send_burst: 20
//
//	presence:
//	  redis_url: "redis://localhost:6379/0"
//
//	tailscale:
//	  enabled: false
//	  hostname: "dm"
//	  https: true
//
// Duration values use Go's time.ParseDuration syntax.
package config
