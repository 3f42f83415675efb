package core

import "context"

// Starter is the interface for long-running components.
type Starter interface {
	Start(ctx context.Context) error
}

// Storage defines the persistence layer for instances and executions.
// Steps are configuration and are never stored.
type Storage interface {
	// Migrate creates the necessary database tables.
	Migrate(ctx context.Context) error

	// Instances
	InsertInstances(ctx context.Context, instances []*StepInstance) error
	GetInstance(ctx context.Context, id string) (*StepInstance, error)
	ListInstances(ctx context.Context) ([]*StepInstance, error)
	RetrieveInstances(ctx context.Context, stepID string, states ...State) ([]*StepInstance, error)

	// Executions
	InsertExecution(ctx context.Context, e *StepExecution) error
	UpdateExecution(ctx context.Context, e *StepExecution) error
	GetExecution(ctx context.Context, id string) (*StepExecution, error)
}
