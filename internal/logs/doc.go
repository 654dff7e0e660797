// Package logs reads the daemon log file for the CLI.
//
// Last reads the final N lines with bounded memory and reports the end
// offset; Follow picks up from an offset and polls for appended lines until
// the context ends. A missing file is treated as empty so the CLI can start
// following before the daemon has written anything.
package logs
