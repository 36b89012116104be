// Package config handles configuration loading for loom-gateway.
//
// # Overview
//
// Configuration is loaded from YAML files with environment variable expansion.
// The package provides validation and sensible defaults.
//
// # Environment Variable Expansion
//
// Configuration values can reference environment variables:
//
//	auth:
//	  jwt_secret: "${LOOM_JWT_SECRET}"
//
// Syntax: ${VAR_NAME}
//
// # Duration Parsing
//
// Duration values use Go's time.ParseDuration syntax:
//
//	generation:
//	  approval_timeout: "5m"
//	  auth_timeout: "10m"
//
// # Configuration Sections
//
// Server settings:
//
//	server:
//	  http_addr: "0.0.0.0:8080"   # API, SSE streams, runtime callbacks
//
// Database:
//
//	database:
//	  path: "/var/lib/loom/loom.db"
//
// Authentication:
//
//	auth:
//	  jwt_secret: "${LOOM_JWT_SECRET}"        # End-user bearer tokens
//	  runtime_secret: "${LOOM_RUNTIME_SECRET}" # Sandbox callback bearer
//
// Sandbox runtime:
//
//	runtime:
//	  endpoint: "http://127.0.0.1:9090"
//	  max_retries: 2
//	  retry_delay: "2s"
//
// Generation engine:
//
//	generation:
//	  approval_timeout: "5m"
//	  auth_timeout: "10m"
//	  subscriber_buffer: 64
//
// Logging:
//
//	logging:
//	  level: "info"   # debug, info, warn, error
//	  format: "text"  # text, json
//
// Metrics:
//
//	metrics:
//	  enabled: true
//	  path: "/metrics"
package config
