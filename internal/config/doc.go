// Package config handles configuration loading for coven-relay.
//
// # Configuration File
//
// The file is optional. Default location (first match):
//
//  1. Path from COVEN_RELAY_CONFIG environment variable
//  2. $XDG_CONFIG_HOME/coven/relay.yaml
//  3. ~/.config/coven/relay.yaml
//
// # Environment Variable Expansion
//
// Values in the file can reference environment variables:
//
//	tailscale:
//	  auth_key: "${TS_AUTHKEY}"
//
// # Environment Overrides
//
// A .env file in the working directory is loaded first, then these variables
// override whatever the file set:
//
//	BACKEND_HOST, BACKEND_PORT        server.host, server.port
//	ALLOWED_ORIGINS                   cors.allowed_origins (comma separated)
//	LLM_NOTIFICATION_ENDPOINT         forwarding.endpoint
//	LLM_NOTIFICATION_TIMEOUT          forwarding.timeout ("10s" or bare seconds)
//	CLIENT_ID                         forwarding.client_id
//	PROMPTS_DIR                       prompts.dir
//	LOG_LEVEL, LOG_FORMAT             logging.level, logging.format
//	TS_AUTHKEY                        tailscale.auth_key
//
// # Duration Parsing
//
// Durations use time.ParseDuration syntax:
//
//	realtime:
//	  ping_period: "54s"
//	  pong_wait: "60s"
package config
