// Package gateway serves the JSON-over-WebSocket protocol: request and
// response frames correlated by id, and per-session event broadcast for
// streaming turn output to every subscribed connection. It also carries
// the HTTP surface for health checks and scheduled-task triggers.
package gateway
