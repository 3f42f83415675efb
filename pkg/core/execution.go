package core

import (
	"time"

	"github.com/google/uuid"
)

// State is the lifecycle state shared by executions and (derived) instances.
type State string

const (
	StateNew        State = "new"
	StateSubmitted  State = "submitted"
	StateRunning    State = "running"
	StateSuccessful State = "successful"
	StateFailed     State = "failed"
)

// Terminal reports whether no further transition is possible.
func (s State) Terminal() bool {
	return s == StateSuccessful || s == StateFailed
}

// Rank orders states along the execution lifecycle. Both terminal states share the top rank.
func (s State) Rank() int {
	switch s {
	case StateSubmitted:
		return 1
	case StateRunning:
		return 2
	case StateSuccessful, StateFailed:
		return 3
	default:
		return 0
	}
}

// StepExecution is one timed attempt to run a StepInstance.
// It refers to its instance by id only.
type StepExecution struct {
	ID             string     `gorm:"primaryKey;size:36" json:"id"`
	StepInstanceID string     `gorm:"index;size:36;not null" json:"step_instance_id"`
	State          State      `gorm:"index;size:20;not null" json:"state"`
	CreatedAt      time.Time  `json:"created_at"`
	SubmittedAt    *time.Time `json:"submitted_at,omitempty"`
	StartedAt      *time.Time `json:"started_at,omitempty"`
	CompletedAt    *time.Time `json:"completed_at,omitempty"`
	Progress       *float64   `json:"progress,omitempty"` // proportion complete, 0..1
	WorkerID       string     `gorm:"size:255" json:"worker_id,omitempty"`
	LastError      string     `gorm:"type:text" json:"last_error,omitempty"`
}

// NewStepExecution creates a NEW attempt for the given instance.
func NewStepExecution(instanceID string) *StepExecution {
	return &StepExecution{
		ID:             uuid.New().String(),
		StepInstanceID: instanceID,
		State:          StateNew,
		CreatedAt:      time.Now(),
	}
}

// Submit marks the execution as handed to the transport. Only valid from NEW.
func (e *StepExecution) Submit() error {
	if e.State != StateNew {
		return violation("submit", e.ID, "state is %s, want %s", e.State, StateNew)
	}
	now := time.Now()
	e.State = StateSubmitted
	e.SubmittedAt = &now
	return nil
}

// SetRunning records that a worker started the attempt.
func (e *StepExecution) SetRunning(workerID string) error {
	if e.State.Terminal() {
		return violation("set running", e.ID, "state %s is terminal", e.State)
	}
	now := time.Now()
	e.State = StateRunning
	e.StartedAt = &now
	e.WorkerID = workerID
	return nil
}

// SetProgress records the proportion complete, clamped to [0, 1].
func (e *StepExecution) SetProgress(p float64) {
	if p < 0 {
		p = 0
	}
	if p > 1 {
		p = 1
	}
	e.Progress = &p
}

// CompleteSuccessfully marks the attempt SUCCESSFUL. A FAILED attempt
// cannot be turned into a success.
func (e *StepExecution) CompleteSuccessfully() error {
	if e.State == StateFailed {
		return violation("complete", e.ID, "attempt already failed")
	}
	now := time.Now()
	done := 1.0
	e.State = StateSuccessful
	e.CompletedAt = &now
	e.Progress = &done
	e.LastError = ""
	return nil
}

// Fail marks the attempt FAILED with a reason. Allowed from any state.
func (e *StepExecution) Fail(reason string) {
	now := time.Now()
	e.State = StateFailed
	e.CompletedAt = &now
	e.LastError = reason
}

// Refresh overwrites state, timestamps, progress and diagnostics from a
// copy of the same execution returned by a worker.
func (e *StepExecution) Refresh(remote *StepExecution) error {
	if remote == nil {
		return violation("refresh", e.ID, "nil remote execution")
	}
	if remote == e {
		return violation("refresh", e.ID, "refresh from itself")
	}
	if remote.ID != e.ID {
		return violation("refresh", e.ID, "remote id %s does not match", remote.ID)
	}
	e.State = remote.State
	e.SubmittedAt = copyTime(remote.SubmittedAt)
	e.StartedAt = copyTime(remote.StartedAt)
	e.CompletedAt = copyTime(remote.CompletedAt)
	e.Progress = copyFloat(remote.Progress)
	e.WorkerID = remote.WorkerID
	e.LastError = remote.LastError
	return nil
}

// AdvancedBy reports whether applying remote would move this execution
// forward. Terminal executions never move; otherwise the remote state must
// rank higher, or report newer progress while both are RUNNING.
func (e *StepExecution) AdvancedBy(remote *StepExecution) bool {
	if e.State.Terminal() {
		return false
	}
	if remote.State.Rank() > e.State.Rank() {
		return true
	}
	if e.State == StateRunning && remote.State == StateRunning && remote.Progress != nil {
		return e.Progress == nil || *remote.Progress > *e.Progress
	}
	return false
}

// LastActivity returns the most recent timestamp recorded on the attempt.
func (e *StepExecution) LastActivity() time.Time {
	last := e.CreatedAt
	for _, t := range []*time.Time{e.SubmittedAt, e.StartedAt, e.CompletedAt} {
		if t != nil && t.After(last) {
			last = *t
		}
	}
	return last
}

// Clone returns a deep copy.
func (e *StepExecution) Clone() *StepExecution {
	c := *e
	c.SubmittedAt = copyTime(e.SubmittedAt)
	c.StartedAt = copyTime(e.StartedAt)
	c.CompletedAt = copyTime(e.CompletedAt)
	c.Progress = copyFloat(e.Progress)
	return &c
}

// Equal compares two executions by identity and content.
func (e *StepExecution) Equal(o *StepExecution) bool {
	if e == nil || o == nil {
		return e == o
	}
	return e.ID == o.ID &&
		e.StepInstanceID == o.StepInstanceID &&
		e.State == o.State &&
		e.CreatedAt.Equal(o.CreatedAt) &&
		timeEqual(e.SubmittedAt, o.SubmittedAt) &&
		timeEqual(e.StartedAt, o.StartedAt) &&
		timeEqual(e.CompletedAt, o.CompletedAt) &&
		floatEqual(e.Progress, o.Progress) &&
		e.WorkerID == o.WorkerID &&
		e.LastError == o.LastError
}

func copyTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	c := *t
	return &c
}

func copyFloat(f *float64) *float64 {
	if f == nil {
		return nil
	}
	c := *f
	return &c
}

func timeEqual(a, b *time.Time) bool {
	if a == nil || b == nil {
		return a == b
	}
	return a.Equal(*b)
}

func floatEqual(a, b *float64) bool {
	if a == nil || b == nil {
		return a == b
	}
	return *a == *b
}
