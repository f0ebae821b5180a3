// Package backend defines the conversational backend contract and its two
// runner kinds: a proxied HTTP service streaming Server-Sent Events, and a
// local child process speaking JSON lines over stdio. Both deliver turn
// output through the same callback set, so callers treat them uniformly.
package backend
