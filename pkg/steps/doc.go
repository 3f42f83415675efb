// Package steps runs the work described by a step's kind on a worker.
//
// An Executor knows how to run every core.StepKind: external commands,
// file deletion, Go functions registered by name, and no-ops. Command
// arguments, environment values and file paths are filtered for
// placeholders before use:
//
//	[RANGE_START]  lower bound of the instance's range, zero-padded to 12 digits
//	[RANGE_END]    upper bound, zero-padded to 12 digits
//	[INSTANCE_ID]  the step instance id
//	[WORK_DIR]     the execution's scratch directory
//	[<key>]        the value of parameter <key>
//
// DeleteFiles paths must start with a parameter placeholder or be absolute;
// they are never resolved against the scratch directory.
package steps
