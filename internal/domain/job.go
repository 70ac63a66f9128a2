package domain

import "time"

// JobStatus is the queue-side state of a unit of work.
type JobStatus string

const (
	JobQueued    JobStatus = "queued"
	JobInflight  JobStatus = "inflight"
	JobCompleted JobStatus = "completed"
	JobDead      JobStatus = "dead"
)

// Job is one durable queue entry driving an order through execution. Attempts
// counts completed tries; NextRunAt gates dispatch eligibility (initial delay
// and retry backoff both land here).
type Job struct {
	ID        uint      `gorm:"primaryKey;autoIncrement"`
	OrderID   string    `gorm:"index"`
	Status    JobStatus `gorm:"index"`
	Attempts  int
	NextRunAt time.Time `gorm:"index"`
	LastError string

	CreatedAt time.Time
	UpdatedAt time.Time
}
