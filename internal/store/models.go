package store

import "time"

// Task statuses. A task is pending until acknowledged or dead-lettered.
const (
	StatusPending = "pending"
	StatusDead    = "dead"
)

// FailedTask is a durable record of a failed publish attempt.
type FailedTask struct {
	ID          string
	Kind        string
	Payload     string
	LastError   string
	Attempts    int
	Status      string
	NextRetryAt time.Time
	CreatedAt   *string
	UpdatedAt   *string
}

// Counts holds aggregate queue statistics.
type Counts struct {
	Pending int `json:"pending"`
	Due     int `json:"due"`
	Dead    int `json:"dead"`
}
