// Package capture provides audio sources that feed fixed-size frames into a
// session. A WAV file source replays recordings, optionally paced in real time;
// a UDP source receives live audio packets from a remote capture agent.
package capture
