// Package preflight provides readiness checks for the tools, directories and
// backing services alps depends on.
//
// The CLI "alps deps" command prints every result; "alps serve" runs the same
// checks at startup and refuses to start when a required tool is missing.
// Checks for optional integrations (redis, ntfy) only run when configured.
package preflight
