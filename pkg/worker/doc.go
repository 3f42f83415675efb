// Package worker provides the Worker that executes dispatched step executions.
//
// This package includes:
//   - Worker: receives executions, runs them and reports results
//   - WorkerOption: configuration options for workers
//   - Queue and concurrency configuration
//   - Retry with backoff for result delivery
//
// A request is acknowledged only after its result has been handed to the
// response queue, so a worker that dies mid-execution causes redelivery.
package worker
