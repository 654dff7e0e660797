// Package daemon coordinates the long-running alps process.
//
// It wires configuration, the job store, the workflow manager and the HTTP
// API into a single lifecycle, with flock-based locking on the state
// directory to prevent multiple instances. Pipeline and dispatch logic live in
// their own packages; the daemon focuses on startup, shutdown and exposing
// submission and status over HTTP.
package daemon
