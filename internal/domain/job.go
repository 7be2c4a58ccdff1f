package domain

import "time"

// JobState is the lifecycle state reported by the reasoning engine.
type JobState string

const (
	JobPending JobState = "PENDING"
	JobSuccess JobState = "SUCCESS"
	JobFailure JobState = "FAILURE"
)

// Terminal reports whether the engine will not change the state again.
func (s JobState) Terminal() bool {
	return s == JobSuccess || s == JobFailure
}

// Job is a snapshot of an engine-side unit of work.
type Job struct {
	KickoffID string
	State     JobState
	Result    string // raw result payload, SUCCESS only
	Error     string // failure detail, FAILURE only
}

// JobResult is the parsed terminal payload of a successful job.
type JobResult struct {
	Response       string `json:"response"`
	ConversationID string `json:"conversation_id"`
}

// JobInputs is the input document submitted with a kickoff.
type JobInputs struct {
	CurrentMessage      string         `json:"current_message"`
	ConversationHistory []HistoryEntry `json:"conversation_history,omitempty"`
	ID                  string         `json:"id,omitempty"`
}

// WebhookTarget tells the engine where to push completion events.
type WebhookTarget struct {
	URL   string
	Token string
}

// JobEvent is a terminal result delivered by push, keyed by kickoff id.
type JobEvent struct {
	KickoffID  string
	Result     JobResult
	Err        string // non-empty when the job failed
	ReceivedAt time.Time
}
