// Package command runs the external neuroimaging tools the pipeline depends on.
//
// An Invocation is a tool name plus typed arguments, validated before it is
// handed to the process without a shell. ExecRunner captures both output
// streams, writes "about to run" and "completed successfully" lines to the
// caller's Trace, and turns nonzero exits into *ToolError. A weighted
// semaphore caps how many tools run at once across all jobs.
package command
