// Package security provides validation, sanitization, and limits for scanflow.
//
// This package includes:
//   - Validation of step, job and queue identifiers
//   - Error message sanitization before results are stored or sent back
//   - Clamping functions to enforce safe limits on retries and concurrency
//   - Limits on transport message size
package security
