// Package security provides validation, sanitization, and limits for scanflow.
package security

import (
	"fmt"
	"regexp"
	"strings"
	"unicode/utf8"

	"github.com/jdziat/scanflow/pkg/core"
)

// Limits applied to pipelines, queues and results.
const (
	// MaxIDLength is the maximum length for step and job ids
	MaxIDLength = 255

	// MaxMessageSize bounds an encoded request or result envelope (1MB)
	MaxMessageSize = 1 << 20

	// MaxRetries is the hard limit for a step's attempt budget
	MaxRetries = 100

	// MaxConcurrency is the hard limit for executions or reconcilers per queue
	MaxConcurrency = 1000

	// MaxErrorMessageLength bounds the LastError stored on an execution
	MaxErrorMessageLength = 4096

	// MaxQueueNameLength is the maximum length for queue names, including
	// the job suffix of a per-job queue
	MaxQueueNameLength = 255
)

var (
	// validID matches step and job ids: a letter, then alphanumerics,
	// hyphens, underscores and dots.
	validID = regexp.MustCompile(`^[a-zA-Z][a-zA-Z0-9_\-\.]*$`)

	// validSegment matches one dot-separated part of a queue name.
	validSegment = regexp.MustCompile(`^[a-zA-Z0-9][a-zA-Z0-9_\-]*$`)

	// ansiEscape matches terminal color and cursor sequences that analysis
	// binaries write to stderr.
	ansiEscape = regexp.MustCompile(`\x1b\[[0-9;?]*[ -/]*[@-~]`)
)

// ValidateID validates a step or job id
func ValidateID(id string) error {
	if id == "" {
		return core.ErrInvalidID
	}
	if len(id) > MaxIDLength {
		return core.ErrIDTooLong
	}
	if !validID.MatchString(id) {
		return core.ErrInvalidID
	}
	return nil
}

// ValidateQueueName validates a queue name. Names are dot-separated
// segments, none of them empty, so that a per-job queue can be told apart
// from its request queue by its last segment.
func ValidateQueueName(name string) error {
	if name == "" {
		return core.ErrInvalidQueueName
	}
	if len(name) > MaxQueueNameLength {
		return core.ErrQueueNameTooLong
	}
	for _, seg := range strings.Split(name, ".") {
		if !validSegment.MatchString(seg) {
			return core.ErrInvalidQueueName
		}
	}
	return nil
}

// JobQueueName returns the per-job queue of jobID, "<request>.<job>".
// The job id becomes a single segment, so it must not contain dots.
func JobQueueName(request, jobID string) (string, error) {
	if err := ValidateQueueName(request); err != nil {
		return "", err
	}
	if !validSegment.MatchString(jobID) {
		return "", fmt.Errorf("%w: job %q is not a single queue segment", core.ErrInvalidQueueName, jobID)
	}
	name := request + "." + jobID
	if len(name) > MaxQueueNameLength {
		return "", core.ErrQueueNameTooLong
	}
	return name, nil
}

// SanitizeErrorMessage prepares a failure reason for storage: terminal
// escape sequences and control characters other than whitespace are
// removed and the result is truncated to MaxErrorMessageLength runes.
func SanitizeErrorMessage(msg string) string {
	if msg == "" {
		return ""
	}
	msg = ansiEscape.ReplaceAllString(msg, "")

	var sanitized strings.Builder
	sanitized.Grow(len(msg))
	for _, r := range msg {
		if r == '\n' || r == '\r' || r == '\t' || (r >= 32 && r != 127) {
			sanitized.WriteRune(r)
		}
	}

	result := sanitized.String()
	if utf8.RuneCountInString(result) > MaxErrorMessageLength {
		runes := []rune(result)
		result = string(runes[:MaxErrorMessageLength-3]) + "..."
	}
	return result
}

// ClampRetries bounds a step's attempt budget to [0, MaxRetries]
func ClampRetries(n int) int {
	if n < 0 {
		return 0
	}
	if n > MaxRetries {
		return MaxRetries
	}
	return n
}

// ClampConcurrency bounds a concurrency setting to [1, MaxConcurrency]
func ClampConcurrency(n int) int {
	if n < 1 {
		return 1
	}
	if n > MaxConcurrency {
		return MaxConcurrency
	}
	return n
}
