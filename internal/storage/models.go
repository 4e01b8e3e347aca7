package storage

import (
	"errors"
	"time"
)

// ErrNotFound is returned when a requested record does not exist.
var ErrNotFound = errors.New("not found")

// Feedback row states.
const (
	FeedbackPending   = "pending"
	FeedbackSubmitted = "submitted"
)

// Session is the persisted progress of one labeling session.
type Session struct {
	ID             string    `json:"id"`
	ExperimentID   int       `json:"experiment_id"`
	EnvironmentID  string    `json:"environment_id"`
	Strategy       string    `json:"strategy"`
	CurrentStep    int       `json:"current_step"`
	SequenceLength int       `json:"sequence_length"`
	Ended          bool      `json:"ended"`
	CreatedAt      time.Time `json:"created_at"`
	UpdatedAt      time.Time `json:"updated_at"`
}

// FeedbackRow is a scheduled feedback record. RecordJSON holds the encoded
// record; the other columns exist for querying.
type FeedbackRow struct {
	ID          string
	SessionID   string
	Type        string
	RecordJSON  string
	Status      string // "pending", "submitted"
	CreatedAt   time.Time
	SubmittedAt time.Time
}

type Job struct {
	ID          string
	Type        string
	PayloadJSON string
	Status      string // "pending", "running", "completed", "failed"
	Attempts    int
	MaxAttempts int
	RunAfter    time.Time
	CreatedAt   time.Time
	UpdatedAt   time.Time
	LastError   string
}
