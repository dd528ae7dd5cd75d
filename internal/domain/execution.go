package domain

import "time"

type Outcome string

const (
	OutcomeSuccess Outcome = "success"
	OutcomeFailure Outcome = "failure"
	OutcomeTimeout Outcome = "timeout"
)

// ExecutionRecord is an immutable audit entry for one execution attempt,
// keyed by (JobID, Attempt). Records are append-only; the chain for a job
// is its durable history.
type ExecutionRecord struct {
	JobID      string
	Attempt    int
	WorkerID   string
	StartedAt  time.Time
	FinishedAt time.Time
	Outcome    Outcome
	Detail     string
}
