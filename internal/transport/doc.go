// Package transport connects the relay to the transcription service over a
// WebSocket. It provides emit-with-acknowledgement, a stream of server-pushed
// events and automatic reconnection with capped exponential backoff.
package transport
