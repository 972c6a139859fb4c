// Package fault defines the structured error conditions surfaced by the relay pipeline.
// Every failure carries a kind (capture, encoding, transport timeout, remote rejection,
// transport, malformed result) and a human-readable message.
package fault
