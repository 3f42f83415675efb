// Package core provides the fundamental types and interfaces for scanflow.
//
// This package contains:
//   - Step, StepKind, Job and Pipeline: the static pipeline definition
//   - StepInstance and StepExecution: runtime models with GORM annotations
//   - The execution state machine and derived instance state
//   - Storage interface defining the persistence contract
//   - Event types for scheduler monitoring
//   - Error types, including invariant violations
package core
