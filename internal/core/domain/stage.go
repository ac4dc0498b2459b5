package domain

import "time"

type Stage string

const (
	StageSummarize Stage = "SUMMARIZE"
)

func (s Stage) Valid() bool {
	switch s {
	case StageSummarize:
		return true
	default:
		return false
	}
}

type Outcome string

const (
	OutcomeInProgress Outcome = "IN_PROGRESS"
	OutcomeSuccess    Outcome = "SUCCESS"
	OutcomeFailure    Outcome = "FAILURE"
)

// StageAttempt is one execution of a stage for a document. Attempts are
// appended and completed, never deleted.
type StageAttempt struct {
	ID          int64      `json:"id"`
	DocumentID  int64      `json:"document_id"`
	Stage       Stage      `json:"stage"`
	StartedAt   time.Time  `json:"started_at"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
	Outcome     Outcome    `json:"outcome"`
	ErrorDetail string     `json:"error_detail,omitempty"`
}

func (a StageAttempt) InProgress() bool {
	return a.Outcome == OutcomeInProgress
}
