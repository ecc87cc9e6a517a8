// Package api implements the HTTP REST API and WebSocket server for Open
// Peer Power.
//
// This package provides:
//   - The WebSocket command protocol at /api/websocket
//   - REST endpoints for states, events, services, config and history
//   - Token issue and refresh at /auth/token
//   - Prometheus metrics at /api/prometheus
//   - Middleware stack (request ID, logging, recovery, CORS, auth)
//
// # WebSocket protocol
//
// The server sends auth_required on connect and expects an auth frame
// carrying an access_token (or a legacy api_password when one is
// configured). After auth_ok every frame is a command with an integer id
// that must increase on each command. Results and events are correlated by
// that id:
//
//	-> {"id": 1, "type": "subscribe_events", "event_type": "state_changed"}
//	<- {"id": 1, "type": "result", "success": true, "result": null}
//	<- {"id": 1, "type": "event", "event": {...}}
//
// Each connection owns a bounded send queue. Event listeners never block:
// a connection whose queue overflows is closed with code 1008.
//
// # Security
//
// Every request and command runs with a core Context carrying the
// authenticated user id, so permission checks and the recorded history can
// attribute effects to the user. Non-admin users only see entities their
// policy grants read access to and may only subscribe to a fixed set of
// event types. Failed logins are throttled per client address when
// security.login_attempts is enabled.
package api
