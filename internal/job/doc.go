// Package job implements the units of isolated work the scheduler runs:
// scoring, training, testing and hyperparameter tuning of a pipeline.
//
// Each job owns one worker process. Jobs translate the worker's channel
// messages and exit status into events on the bus:
//
//	<kind>_start     when the worker was spawned
//	<kind>_success   on a clean exit that reported what the kind requires
//	<kind>_error     on launch failure, non-zero exit, timeout or a protocol
//	                 violation
//
// Exactly one of <kind>_success and <kind>_error is emitted per job.
// A successful tuning job additionally emits a scoring_success for the tuned
// pipeline, marked synthetic, since the tuning worker scored it itself.
package job
