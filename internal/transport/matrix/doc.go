// ABOUTME: Package matrix adapts Matrix rooms to the channel transport contracts.
// ABOUTME: Inbound sync events become unified messages; replies stream via message edits.

// Package matrix is the Matrix channel adapter. It runs a client sync
// loop, normalizes room messages for the channel router, and sends
// replies either as single messages or as an edit-in-place stream.
package matrix
