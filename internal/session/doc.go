// Package session wires one capture source to one transcription transport.
//
// A Session runs the pipeline for a single device: frames from the source
// pass through the VAD segmenter, each utterance is encoded as WAV and sent
// through a single-flight dispatch queue, and results are released in
// sequence order through a reorder buffer. When the source ends cleanly the
// open utterance is flushed, the queue is drained and recording_complete is
// sent exactly once. Stop tears the session down without flushing and is
// safe to call any number of times.
//
// A Manager owns the sessions of a process and allows at most one active
// session per device.
package session
