// Package audio handles audio frames, pre-roll buffering, and segment encoding.
// It implements the time-bounded pre-roll ring buffer, float/PCM-16 conversion,
// the WAV container codec, and the assembler that turns a finished voice segment
// into a transport-ready payload.
package audio
