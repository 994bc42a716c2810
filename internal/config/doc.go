// Package config handles configuration loading for the relay gateway.
//
// # Overview
//
// Configuration is loaded from YAML files with environment variable
// expansion. The package provides validation and sensible defaults.
//
// # Environment Variable Expansion
//
// Configuration values can reference environment variables:
//
//	auth:
//	  jwt_secret: "${RELAY_JWT_SECRET}"
//
// # Configuration Sections
//
// Server settings:
//
//	server:
//	  http_addr: "0.0.0.0:8080"   # REST API and agent websocket
//
// Database:
//
//	database:
//	  path: "/var/lib/options-buddy/relay.db"
//
// Authentication:
//
//	auth:
//	  jwt_secret: "${RELAY_JWT_SECRET}"
//	  token_ttl: "720h"
//
// Tunnel timing (time.ParseDuration syntax):
//
//	relay:
//	  heartbeat_interval: "30s"
//	  heartbeat_timeout: "90s"
//	  call_timeout: "30s"
//
// Logging:
//
//	logging:
//	  level: "info"   # debug, info, warn, error
//	  format: "text"  # text, json
//
// # Usage
//
//	cfg, err := config.Load("/etc/options-buddy/relay.yaml")
//	if err != nil {
//	    log.Fatal(err)
//	}
package config
