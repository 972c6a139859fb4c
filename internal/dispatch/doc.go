// Package dispatch implements the sequenced outbound queue. Chunks are sent
// strictly one at a time in FIFO order, each bounded by an acknowledgement
// timeout. A timeout or rejection halts the queue with the failed chunk kept
// at the head until the owner resumes it.
package dispatch
