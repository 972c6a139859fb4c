// Package testserver is a fake transcription service speaking the relay's
// WebSocket protocol. It acknowledges chunks, describes the received audio and
// pushes transcription_ready events after a random delay, so results can arrive
// out of order. Individual sequence ids can be rejected, left unacknowledged or
// failed to exercise the relay's error paths.
package testserver
