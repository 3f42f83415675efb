package transport

import (
	"encoding/json"
	"fmt"
	"maps"

	"github.com/jdziat/scanflow/pkg/core"
	"github.com/jdziat/scanflow/pkg/security"
)

// InstanceContext is the part of a StepInstance a worker needs to run an execution.
type InstanceContext struct {
	ID         string            `json:"id"`
	StepID     string            `json:"step_id"`
	JobID      string            `json:"job_id,omitempty"`
	Range      core.WorkRange    `json:"range"`
	Parameters map[string]string `json:"parameters,omitempty"`
}

// Envelope carries an execution and its instance context on both the
// request and the response channel.
type Envelope struct {
	Execution *core.StepExecution `json:"execution"`
	Instance  InstanceContext     `json:"instance"`
}

// NewEnvelope wraps an execution with the context of its instance.
func NewEnvelope(inst *core.StepInstance, e *core.StepExecution) *Envelope {
	return &Envelope{
		Execution: e,
		Instance: InstanceContext{
			ID:         inst.ID,
			StepID:     inst.StepID,
			JobID:      inst.JobID,
			Range:      inst.Range,
			Parameters: inst.Parameters,
		},
	}
}

// Encode serializes an envelope.
func Encode(env *Envelope) ([]byte, error) {
	body, err := json.Marshal(env)
	if err != nil {
		return nil, fmt.Errorf("transport: encode: %w", err)
	}
	if len(body) > security.MaxMessageSize {
		return nil, fmt.Errorf("%w: %d bytes", ErrMessageTooLarge, len(body))
	}
	return body, nil
}

// Decode parses and checks an envelope.
func Decode(body []byte) (*Envelope, error) {
	if len(body) > security.MaxMessageSize {
		return nil, fmt.Errorf("%w: %d bytes", ErrMessageTooLarge, len(body))
	}
	var env Envelope
	if err := json.Unmarshal(body, &env); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedMessage, err)
	}
	switch {
	case env.Execution == nil:
		return nil, fmt.Errorf("%w: no execution", ErrMalformedMessage)
	case env.Execution.ID == "":
		return nil, fmt.Errorf("%w: execution has no id", ErrMalformedMessage)
	case env.Execution.StepInstanceID != env.Instance.ID:
		return nil, fmt.Errorf("%w: execution %s names instance %s, envelope carries %s",
			ErrMalformedMessage, env.Execution.ID, env.Execution.StepInstanceID, env.Instance.ID)
	}
	return &env, nil
}

// EncodeVerified encodes env and checks that decoding the result yields the
// same execution and instance context.
func EncodeVerified(env *Envelope) ([]byte, error) {
	body, err := Encode(env)
	if err != nil {
		return nil, err
	}
	decoded, err := Decode(body)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrRoundTripMismatch, err)
	}
	if !decoded.Execution.Equal(env.Execution) || !sameContext(decoded.Instance, env.Instance) {
		return nil, fmt.Errorf("%w: execution %s", ErrRoundTripMismatch, env.Execution.ID)
	}
	return body, nil
}

func sameContext(a, b InstanceContext) bool {
	if len(a.Parameters) == 0 && len(b.Parameters) == 0 {
		a.Parameters, b.Parameters = nil, nil
	}
	return a.ID == b.ID &&
		a.StepID == b.StepID &&
		a.JobID == b.JobID &&
		a.Range == b.Range &&
		maps.Equal(a.Parameters, b.Parameters)
}
