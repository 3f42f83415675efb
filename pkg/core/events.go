package core

import "time"

// Event is the interface for all scheduler events.
type Event interface {
	eventMarker()
}

// ExecutionSubmitted is emitted when an execution has been handed to the transport.
type ExecutionSubmitted struct {
	Execution *StepExecution
	StepID    string
	Queue     string
	Timestamp time.Time
}

func (*ExecutionSubmitted) eventMarker() {}

// ExecutionFinished is emitted when a worker result moves an execution to a terminal state.
type ExecutionFinished struct {
	Execution *StepExecution
	StepID    string
	Timestamp time.Time
}

func (*ExecutionFinished) eventMarker() {}

// ExecutionReclaimed is emitted when a stale execution is failed by the scheduler.
type ExecutionReclaimed struct {
	Execution *StepExecution
	StepID    string
	Idle      time.Duration
	Timestamp time.Time
}

func (*ExecutionReclaimed) eventMarker() {}

// InstanceFailed is emitted when an instance exhausts its retry budget.
type InstanceFailed struct {
	Report    FailureReport
	Timestamp time.Time
}

func (*InstanceFailed) eventMarker() {}

// ResultDropped is emitted when a worker result cannot be matched to a known execution.
type ResultDropped struct {
	ExecutionID string
	Reason      string
	Timestamp   time.Time
}

func (*ResultDropped) eventMarker() {}
