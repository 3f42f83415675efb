package core

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// WorkRange is an inclusive [Lower, Upper] slice of the input data partition.
// The zero range means "not bounded".
type WorkRange struct {
	Lower int64 `json:"lower"`
	Upper int64 `json:"upper"`
}

// IsZero reports whether the range is unset.
func (r WorkRange) IsZero() bool {
	return r.Lower == 0 && r.Upper == 0
}

// Validate checks that the bounds are ordered and non-negative.
func (r WorkRange) Validate() error {
	if r.Lower < 0 || r.Upper < r.Lower {
		return fmt.Errorf("%w: [%d, %d]", ErrInvalidRange, r.Lower, r.Upper)
	}
	return nil
}

// Units returns the number of data units covered by the range.
func (r WorkRange) Units() int64 {
	return r.Upper - r.Lower + 1
}

// Overlaps reports whether the two ranges share at least one unit.
func (r WorkRange) Overlaps(o WorkRange) bool {
	return r.Lower <= o.Upper && o.Lower <= r.Upper
}

// Split cuts the range into consecutive chunks of at most max units.
// A max of zero or less returns the range unchanged.
func (r WorkRange) Split(max int64) []WorkRange {
	if max <= 0 || r.Units() <= max {
		return []WorkRange{r}
	}
	chunks := make([]WorkRange, 0, (r.Units()+max-1)/max)
	for lower := r.Lower; lower <= r.Upper; lower += max {
		upper := lower + max - 1
		if upper > r.Upper {
			upper = r.Upper
		}
		chunks = append(chunks, WorkRange{Lower: lower, Upper: upper})
	}
	return chunks
}

func (r WorkRange) String() string {
	return fmt.Sprintf("%d-%d", r.Lower, r.Upper)
}

// StepInstance is one bounded unit of work for a step, plus links to the
// instances it depends on and every attempt made to run it.
type StepInstance struct {
	ID         string            `gorm:"primaryKey;size:36"`
	StepID     string            `gorm:"index;size:255;not null"`
	JobID      string            `gorm:"index;size:255"`
	Range      WorkRange         `gorm:"embedded;embeddedPrefix:range_"`
	DependsOn  []string          `gorm:"serializer:json"`
	Parameters map[string]string `gorm:"serializer:json"`
	Executions []*StepExecution  `gorm:"foreignKey:StepInstanceID"`
	CreatedAt  time.Time         `gorm:"autoCreateTime"`
}

// NewStepInstance creates a NEW instance of step over r.
func NewStepInstance(step *Step, r WorkRange, dependsOn []string, params map[string]string) *StepInstance {
	return &StepInstance{
		ID:         uuid.New().String(),
		StepID:     step.ID,
		JobID:      step.JobID,
		Range:      r,
		DependsOn:  dependsOn,
		Parameters: params,
		CreatedAt:  time.Now(),
	}
}

// stateOrder ranks instance states for derivation; FAILED is handled separately.
var stateOrder = map[State]int{
	StateNew:        1,
	StateSubmitted:  2,
	StateRunning:    3,
	StateSuccessful: 4,
}

// State derives the instance state from its executions: NEW with no
// executions, FAILED only when every execution failed, otherwise the
// highest-priority non-failed state.
func (i *StepInstance) State() State {
	if len(i.Executions) == 0 {
		return StateNew
	}
	best := StateFailed
	for _, e := range i.Executions {
		if stateOrder[e.State] > stateOrder[best] {
			best = e.State
		}
	}
	return best
}

// ExecutionCount returns the number of attempts, failed or not.
func (i *StepInstance) ExecutionCount() int {
	return len(i.Executions)
}

// LiveExecution returns the single non-FAILED execution, if any.
func (i *StepInstance) LiveExecution() *StepExecution {
	for _, e := range i.Executions {
		if e.State != StateFailed {
			return e
		}
	}
	return nil
}

// PendingExecution returns the live execution if it was created but never
// confirmed as sent.
func (i *StepInstance) PendingExecution() *StepExecution {
	if e := i.LiveExecution(); e != nil && e.State == StateNew {
		return e
	}
	return nil
}

// LatestExecution returns the most recently created execution.
func (i *StepInstance) LatestExecution() *StepExecution {
	if len(i.Executions) == 0 {
		return nil
	}
	return i.Executions[len(i.Executions)-1]
}

// Execution returns the execution with the given id.
func (i *StepInstance) Execution(id string) *StepExecution {
	for _, e := range i.Executions {
		if e.ID == id {
			return e
		}
	}
	return nil
}

// AddExecution attaches a new attempt. It is refused while any earlier
// attempt is not FAILED, so an instance never has two live executions.
func (i *StepInstance) AddExecution(e *StepExecution) error {
	if e.StepInstanceID != i.ID {
		return violation("add execution", i.ID, "execution %s belongs to instance %s", e.ID, e.StepInstanceID)
	}
	if live := i.LiveExecution(); live != nil {
		return violation("add execution", i.ID, "execution %s is still %s", live.ID, live.State)
	}
	i.Executions = append(i.Executions, e)
	return nil
}

// RemovePendingExecution detaches an execution that was never sent.
func (i *StepInstance) RemovePendingExecution(id string) error {
	for idx, e := range i.Executions {
		if e.ID != id {
			continue
		}
		if e.State != StateNew {
			return violation("remove execution", i.ID, "execution %s is %s", id, e.State)
		}
		i.Executions = append(i.Executions[:idx], i.Executions[idx+1:]...)
		return nil
	}
	return fmt.Errorf("%w: %s", ErrExecutionNotFound, id)
}

// StateLookup resolves the current state of another instance.
type StateLookup func(instanceID string) (State, bool)

// CanBeSubmitted reports whether a new attempt may start: the instance is
// NEW, or FAILED with attempts left, and every dependency is SUCCESSFUL.
// Unknown dependencies block submission.
func (i *StepInstance) CanBeSubmitted(step *Step, deps StateLookup) bool {
	switch i.State() {
	case StateNew:
	case StateFailed:
		if i.ExecutionCount() >= step.Retries {
			return false
		}
	default:
		return false
	}
	for _, id := range i.DependsOn {
		state, ok := deps(id)
		if !ok || state != StateSuccessful {
			return false
		}
	}
	return true
}

// RetriesExhausted reports whether the instance is permanently FAILED.
func (i *StepInstance) RetriesExhausted(step *Step) bool {
	return i.State() == StateFailed && i.ExecutionCount() >= step.Retries
}
