// Package session owns the pool of live conversational backends, keyed
// by business session and agent. It provisions backends on demand,
// bounds the pool with least-recently-used eviction, and serializes
// turns so one backend never processes two turns at once.
package session
