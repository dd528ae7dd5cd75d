package domain

import "time"

type State string

const (
	// Waiting jobs are eligible for claiming.
	Waiting State = "waiting"
	// Delayed jobs become Waiting once run_at passes.
	Delayed State = "delayed"
	// Active jobs are held under a lease by exactly one worker.
	Active State = "active"
	// Completed and Failed are terminal.
	Completed State = "completed"
	Failed    State = "failed"
)

// Terminal reports whether no further transitions are permitted.
func (s State) Terminal() bool { return s == Completed || s == Failed }

type Job struct {
	ID             string
	Payload        []byte
	State          State
	Attempts       int
	MaxAttempts    int
	EnqueuedAt     time.Time
	RunAt          time.Time
	LeasedBy       *string
	LeaseExpiresAt *time.Time
	LastError      *string
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// LeaseValid reports whether the job is held under an unexpired lease.
func (j *Job) LeaseValid(now time.Time) bool {
	return j.State == Active && j.LeaseExpiresAt != nil && j.LeaseExpiresAt.After(now)
}

// NextAttempt is the ordinal of the execution currently in flight (or the
// one that would start on the next claim). Attempts itself counts only
// finished or abandoned executions.
func (j *Job) NextAttempt() int { return j.Attempts + 1 }
