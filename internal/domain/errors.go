package domain

import (
	"errors"
	"fmt"
	"time"
)

var (
	ErrConversationNotFound = errors.New("conversation not found")
	ErrSessionNotFound      = errors.New("session not found")
	// ErrSuperseded is returned to a waiter whose subscription was replaced
	// by a newer one for the same kickoff id.
	ErrSuperseded       = errors.New("subscription superseded")
	ErrDispatcherClosed = errors.New("dispatcher closed")
)

// SubmissionError reports that the engine did not accept a job.
type SubmissionError struct {
	StatusCode int // 0 for transport failures
	Detail     string
	Err        error
}

func (e *SubmissionError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("job submission rejected (status %d): %s", e.StatusCode, e.Detail)
	}
	if e.Err != nil {
		return "job submission failed: " + e.Err.Error()
	}
	return "job submission failed: " + e.Detail
}

func (e *SubmissionError) Unwrap() error { return e.Err }

// FailureError reports that the engine finished a job in FAILURE state.
type FailureError struct {
	KickoffID string
	Detail    string
}

func (e *FailureError) Error() string {
	return fmt.Sprintf("job %s failed: %s", e.KickoffID, e.Detail)
}

// TimeoutError reports that no terminal result arrived within the wait budget.
type TimeoutError struct {
	KickoffID string
	Waited    time.Duration
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("timed out after %s waiting for job %s", e.Waited, e.KickoffID)
}

// ClassificationError reports a classifier label outside the closed set.
type ClassificationError struct {
	Label string
}

func (e *ClassificationError) Error() string {
	return fmt.Sprintf("unrecognized classification %q", e.Label)
}

// MalformedPushError reports a webhook event that could not be parsed.
type MalformedPushError struct {
	Index  int
	Reason string
}

func (e *MalformedPushError) Error() string {
	return fmt.Sprintf("malformed push event %d: %s", e.Index, e.Reason)
}
