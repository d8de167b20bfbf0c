package storage

import (
	"context"
	"errors"
	"time"
)

// RunStatus is the lifecycle state of a run.
type RunStatus string

const (
	StatusRunning   RunStatus = "running"
	StatusCompleted RunStatus = "completed"
	StatusTimedOut  RunStatus = "timed_out"
	StatusErrored   RunStatus = "errored"
)

// ErrNotFound is returned when no run matches an id.
var ErrNotFound = errors.New("run not found")

// Run is the journal entry for one execution attempt.
type Run struct {
	ID         string     `json:"id"`
	SessionID  string     `json:"sessionId"`
	Mode       string     `json:"mode"`
	Entry      string     `json:"entry"`
	Status     RunStatus  `json:"status"`
	Message    string     `json:"message,omitempty"`
	StartedAt  time.Time  `json:"startedAt"`
	FinishedAt *time.Time `json:"finishedAt,omitempty"`
}

// RunListOptions controls filtering and pagination for ListRuns.
type RunListOptions struct {
	Status    RunStatus
	SessionID string
	Limit     int
	Offset    int
}

// Store is the persistence interface for the run journal.
type Store interface {
	// CreateRun inserts a run in the running state. The ID must be set by the caller.
	CreateRun(ctx context.Context, r *Run) error

	// FinishRun moves a run to a terminal status.
	FinishRun(ctx context.Context, id string, status RunStatus, message string) error

	// GetRun returns a run by ID or unique ID prefix.
	GetRun(ctx context.Context, id string) (*Run, error)

	// ListRuns returns runs ordered by started_at descending.
	ListRuns(ctx context.Context, opts RunListOptions) ([]Run, error)

	// Close releases resources.
	Close() error
}
