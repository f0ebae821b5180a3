// ABOUTME: Switch-agent command preprocessing for inbound messages.
// ABOUTME: The raw prefix never reaches a backend; parsing happens here.

package channel

import (
	"fmt"
	"sort"
	"strings"
)

// Directive is the outcome of preprocessing one inbound text.
type Directive struct {
	// AgentID is the effective agent after preprocessing; empty means
	// keep the currently resolved one.
	AgentID string

	// Text is what gets forwarded to the backend. Empty when the
	// command fully consumed the message.
	Text string

	// Direct is a short-circuit reply sent without invoking any
	// backend. Non-empty means skip the backend entirely.
	Direct string

	// Switched reports that the session's agent binding changed.
	Switched bool
}

// Preprocess applies the switch-agent command to an inbound text.
//   - no prefix: text passes through untouched
//   - bare prefix: reset to the default agent, confirm directly
//   - "<prefix> list": list known agents, no backend invoked
//   - "<prefix> <known>": switch, confirm directly
//   - "<prefix> <known> rest": switch and forward "rest"
//   - "<prefix> <unknown> ...": fall back to default, confirm "not found"
func Preprocess(text, prefix, defaultAgent string, known []string) Directive {
	trimmed := strings.TrimSpace(text)
	if !isCommand(trimmed, prefix) {
		return Directive{Text: text}
	}

	rest := strings.TrimSpace(trimmed[len(prefix):])
	if rest == "" {
		return Directive{
			AgentID:  defaultAgent,
			Switched: true,
			Direct:   fmt.Sprintf("Active agent reset to %q.", defaultAgent),
		}
	}

	target, remainder, _ := strings.Cut(rest, " ")
	remainder = strings.TrimSpace(remainder)

	if target == "list" {
		return Directive{Direct: agentListing(known, defaultAgent)}
	}

	if !contains(known, target) {
		return Directive{
			AgentID:  defaultAgent,
			Switched: true,
			Direct: fmt.Sprintf("Agent %q not found; using default %q. Send %q to see available agents.",
				target, defaultAgent, prefix+" list"),
		}
	}

	if remainder == "" {
		return Directive{
			AgentID:  target,
			Switched: true,
			Direct:   fmt.Sprintf("Switched to agent %q.", target),
		}
	}

	return Directive{AgentID: target, Text: remainder, Switched: true}
}

// isCommand requires the prefix to stand alone or be followed by a
// space, so a message like "/agentsmith" is ordinary text.
func isCommand(trimmed, prefix string) bool {
	if prefix == "" || !strings.HasPrefix(trimmed, prefix) {
		return false
	}
	return len(trimmed) == len(prefix) || trimmed[len(prefix)] == ' '
}

func agentListing(known []string, defaultAgent string) string {
	names := append([]string(nil), known...)
	sort.Strings(names)

	var b strings.Builder
	b.WriteString("Available agents:\n")
	for _, name := range names {
		if name == defaultAgent {
			fmt.Fprintf(&b, "  %s (default)\n", name)
		} else {
			fmt.Fprintf(&b, "  %s\n", name)
		}
	}
	return strings.TrimRight(b.String(), "\n")
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
