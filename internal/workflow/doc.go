// Package workflow owns the job lifecycle: it accepts submissions, dispatches
// queued jobs to a bounded pool of workers, and is the single boundary where
// pipeline failures (including panics and timeouts) are caught and recorded
// on the job.
package workflow
