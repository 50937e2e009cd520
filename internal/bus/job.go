package bus

import (
	"context"
	"time"
)

// Job states. A job in StateActive is owned by exactly one consumer
// holding a visibility lease.
const (
	StatePending   = "pending"
	StateActive    = "active"
	StateCompleted = "completed"
	StateFailed    = "failed"
	StateExpired   = "expired"
)

// Job is the unit handed to a Work handler. Data is the decoded payload
// exactly as it was passed to Send.
type Job struct {
	ID    string
	Seq   int64
	Queue string
	Data  []byte

	// RetryCount is the number of failed attempts before this one.
	RetryCount int
	ExpiresAt  time.Time
}

// JobInfo is the full job record as returned by GetJob.
type JobInfo struct {
	ID           string
	Queue        string
	State        string
	Priority     int
	GroupKey     string
	SingletonKey string
	RetryLimit   int
	RetryCount   int
	CreatedAt    time.Time
	StartedAt    time.Time
	CompletedAt  time.Time
	ExpiresAt    time.Time
	LastError    string
}

// RetriesRemaining returns how many attempts the job has left.
func (j *JobInfo) RetriesRemaining() int {
	n := j.RetryLimit - j.RetryCount
	if n < 0 {
		return 0
	}
	return n
}

// Handler processes one claimed job. A nil return acknowledges the job;
// an error reschedules it with backoff until retries exhaust.
type Handler func(ctx context.Context, job *Job) error
