// Package server implements the HTTP API for monitoring and controlling
// relay sessions: health, per-session statistics, resuming a halted
// dispatch queue, stopping a session, configuration and Prometheus metrics.
package server
