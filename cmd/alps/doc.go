// Command alps is the CLI and daemon entry point for the ALPS index pipeline.
//
// "alps serve" runs the HTTP daemon; "alps run" processes one archive in the
// foreground; "status" and "jobs" read job records through the daemon when it
// is reachable and from the configured store otherwise.
package main
