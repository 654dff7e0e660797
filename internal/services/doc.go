// Package services defines shared utilities consumed by the pipeline stages
// and the workflow manager.
//
// Key responsibilities:
//   - Context helpers that stamp job IDs, stage names, and correlation
//     identifiers for logging and tracing.
//   - Structured error markers plus the Wrap helper, and Kind which turns a
//     run failure into the failure kind persisted on the job.
//
// Use these helpers when wiring new stage logic so error handling and
// observability stay uniform across the pipeline.
package services
