// Package gateway is the coven-relay HTTP server.
//
// # Overview
//
// The gateway owns every runtime component and exposes them over one HTTP
// listener: the in-memory event log, the broadcaster, the conversation
// service, the forwarding client, the callback dedupe cache, the prompt
// store and the Prometheus collectors.
//
// # HTTP API
//
//   - POST /api/send_message - Producer text message (forwarded to the backend)
//   - POST /api/upload_files - Producer file descriptors (forwarded to the backend)
//   - POST /api/backend_event - Backend callback: MESSAGE, FILE_UPLOAD, REACTION_ADD, REACTION_REMOVE
//   - POST /api/add_reaction - Add a reaction by event id
//   - POST /api/remove_reaction - Remove a reaction by event id
//   - GET /api/messages - Snapshot of the log
//   - GET /api/prompt, POST /api/save-prompt, GET /api/subprompts,
//     POST /api/create-subprompt, DELETE /api/delete-subprompt - Prompt assets
//   - GET /ws - WebSocket stream of every broadcast payload
//   - GET /health - Liveness check
//   - GET /health/ready - Readiness check with subscriber count
//   - GET /metrics - Prometheus metrics (path configurable)
//
// Errors are JSON: {"status":"ERROR","message":"..."}.
//
// # Middleware
//
// Requests pass through Recovery, AccessLog, CORS and RateLimit, in that
// order. Each route is also instrumented for request count and latency.
//
// # Lifecycle
//
//	gw, err := gateway.New(cfg, logger)
//	err = gw.Run(ctx) // blocks until ctx is canceled
//
// Shutdown stops the HTTP server, closes every subscription, waits for
// in-flight forwards and then stops the Tailscale node if one is running.
package gateway
