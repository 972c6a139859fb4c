// Package protocol defines the wire formats used by the relay: the binary UDP
// audio packet format accepted by the capture layer, and the envelope and
// payload types exchanged with the transcription service together with the
// codecs (JSON or msgpack) that serialize them.
package protocol
