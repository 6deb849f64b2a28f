package generate

import (
	"errors"
	"fmt"
)

var (
	ErrEmptyPrompt   = errors.New("prompt must not be empty")
	ErrUnknownModel  = errors.New("unknown model")
	ErrInvalidParams = errors.New("invalid parameters")
	ErrBusy          = errors.New("a generation job is already running")
	ErrJobFailed     = errors.New("job failed")
	ErrTimeout       = errors.New("timed out waiting for job")
)

// SubmissionError wraps a rejected or failed write to the backend.
type SubmissionError struct {
	Err error
}

func (e *SubmissionError) Error() string {
	return "submission failed: " + e.Err.Error()
}

func (e *SubmissionError) Unwrap() error {
	return e.Err
}

// JobFailedError reports a job the backend failed, or one the poll loop
// concluded was lost.
type JobFailedError struct {
	PromptID string
	Reason   string
	// Inferred is true when no backend signal confirmed the failure
	Inferred bool
}

func (e *JobFailedError) Error() string {
	return fmt.Sprintf("job %s failed: %s", e.PromptID, e.Reason)
}

func (e *JobFailedError) Is(target error) bool {
	return target == ErrJobFailed
}

// TimeoutError is returned when the attempt budget runs out.
type TimeoutError struct {
	PromptID string
	Attempts int
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("job %s did not finish after %d checks", e.PromptID, e.Attempts)
}

func (e *TimeoutError) Is(target error) bool {
	return target == ErrTimeout
}
