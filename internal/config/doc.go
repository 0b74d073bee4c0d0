// Package config handles configuration loading for loom-gateway.
//
// # Overview
//
// Configuration is loaded from YAML files (or TOML for legacy deployments)
// with environment variable expansion. Missing values fall back to the
// documented defaults, so a minimal file only needs the settings that differ.
//
// # Configuration File
//
// Default locations (in order):
//
//  1. Path from LOOM_CONFIG environment variable
//  2. $XDG_CONFIG_HOME/loom/gateway.yaml
//  3. ~/.config/loom/gateway.yaml
//
// Files ending in .toml decode as TOML with the same keys.
//
// # Environment Variable Expansion
//
// Configuration values can reference environment variables:
//
//	auth:
//	  api_keys:
//	    - name: "local-dev"
//	      key: "${LOOM_API_KEY}"
//
// Syntax: ${VAR_NAME}. Unset variables expand to the empty string.
//
// # Duration Parsing
//
// Duration values use Go's time.ParseDuration syntax:
//
//	ratelimit:
//	  window: "60s"
//	limits:
//	  session_ttl: "1h"
//
// Supported units: ns, us, ms, s, m, h. A session_ttl of "0" disables the
// idle-session sweep.
//
// # Configuration Sections
//
// Server settings:
//
//	server:
//	  listen: ":3000"
//	  shutdown_timeout: "5s"
//	  allowed_origins: ["*"]
//
// Engine binding:
//
//	engine:
//	  backend: "remote"         # mock | remote
//	  endpoint: "http://127.0.0.1:8080"
//	  models: ["llama-3-8b"]
//	  system_prompt: ""
//	  request_timeout: "120s"
//
// Conversation store:
//
//	store:
//	  path: "/var/lib/loom/loom.db"
//
// Request and session bounds:
//
//	limits:
//	  max_prompt_length: 8192
//	  max_response_tokens: 2048
//	  max_sessions: 1000
//	  history_window: 20
//	  session_ttl: "1h"
//
// Rate limiting:
//
//	ratelimit:
//	  quota: 60
//	  window: "60s"
//	  sweep_interval: "5m"
//
// Identity:
//
//	auth:
//	  jwt_secret: "${LOOM_JWT_SECRET}"
//	  api_keys:
//	    - name: "partner"
//	      key_hash: "$2a$10$..."   # bcrypt; or plaintext via "key"
//	      quota: 120               # per-key rate-limit override
//
// # Usage
//
// Load configuration from a specific path:
//
//	cfg, err := config.Load("/etc/loom/gateway.yaml")
//	if err != nil {
//	    log.Fatal(err)
//	}
package config
