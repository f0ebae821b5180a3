// ABOUTME: Package client is the WebSocket client for the gateway protocol.
// ABOUTME: Used by bridge processes to run turns and consume session events remotely.

// Package client connects to a hearth gateway over WebSocket. One
// Client multiplexes request/response calls and per-session event
// streams over a single connection, and satisfies the channel router's
// Invoker so bridges can run turns against a remote gateway.
package client
