// Package config handles configuration loading for campusfind-messenger.
//
// # Overview
//
// Configuration is loaded from YAML or TOML files with environment variable
// expansion. The package fills defaults and validates the result.
//
// # Configuration File
//
// Default locations (in order):
//
//  1. Path from CAMPUSFIND_CONFIG environment variable
//  2. $XDG_CONFIG_HOME/campusfind/messenger.yaml
//  3. ~/.config/campusfind/messenger.yaml
//
// A file whose name ends in .toml is decoded as TOML.
//
// # Environment Variable Expansion
//
// Configuration values can reference environment variables:
//
//	auth:
//	  jwt_secret: "${CAMPUSFIND_JWT_SECRET}"
//
// Unset variables expand to the empty string.
//
// # Duration Parsing
//
// Duration values use Go's time.ParseDuration syntax:
//
//	messaging:
//	  store_timeout: "5s"
//	  dedupe_ttl: "10m"
//
// # Example
//
//	server:
//	  http_addr: "127.0.0.1:8080"
//	database:
//	  driver: "sqlite"          # memory | sqlite | badger
//	  path: "~/.local/share/campusfind/messenger.db"
//	auth:
//	  jwt_secret: "${CAMPUSFIND_JWT_SECRET}"
//	  token_ttl: "24h"
//	messaging:
//	  max_message_length: 2000
//	  sse_keepalive: "25s"
//	logging:
//	  level: "info"
//	  format: "text"            # text | json
package config
