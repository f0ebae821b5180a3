// Package dedupe tracks recently processed platform message IDs so that
// transport retries and redelivered events are handled exactly once.
package dedupe
