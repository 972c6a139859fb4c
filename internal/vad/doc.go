// Package vad provides voice activity detection and utterance segmentation.
// The Detector turns per-frame amplitude into sustained speech start/end events;
// the Segmenter is the Idle/Listening/Voice/Hangover state machine that uses those
// events and the pre-roll ring buffer to cut the stream into voice segments.
package vad
