// Package api implements the HTTP REST API and WebSocket server for the
// Shotline engine.
//
// This package provides:
//   - REST endpoints for sequence registration, inspection, and deletion
//   - Scheduler controls (start, pause, resume, abort) and the status snapshot
//   - WebSocket hub streaming sequence.state_changed and shot.completed events
//   - JWT authentication with ticket-based WebSocket auth
//   - Middleware stack (request ID, logging, recovery, CORS)
//
// # Architecture
//
// The API server sits between bench clients (control notebooks, dashboards,
// CLI tools) and the scheduler + sequence repository. Control requests are
// forwarded to the scheduler; execution events flow back through the hub to
// subscribed WebSocket clients and are mirrored onto MQTT core topics.
//
// # Security
//
// The deployment is bench-local with one shared operator credential:
// POST /auth/token exchanges the configured operator key for a short-lived
// HS256 JWT. Mutating endpoints require the bearer token; reads are open.
// WebSocket connections use single-use tickets to keep the JWT out of URLs.
//
// # Graceful Degradation
//
// Health probes for the database, MQTT and InfluxDB are optional: a missing
// component reports "disabled" rather than failing the health endpoint.
package api
