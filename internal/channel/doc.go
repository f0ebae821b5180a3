// Package channel routes inbound platform messages to agent backends
// and fans streamed turn output back to the originating transport. It
// normalizes messages to one shape, resolves the active agent per
// conversation, handles the switch-agent command, throttles streamed
// edits, and acknowledges each inbound message exactly once.
package channel
