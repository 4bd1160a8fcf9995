// Package jobs tracks deferred conversions from submission to a terminal state.
package jobs

import (
	"context"
	"errors"
	"time"
)

// Status is the lifecycle state of a job.
type Status string

const (
	StatusProcessing Status = "processing"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
)

// Terminal reports whether no further transition is allowed.
func (s Status) Terminal() bool { return s == StatusCompleted || s == StatusFailed }

const (
	msgProcessing = "Conversion in progress"
	msgCompleted  = "Conversion completed successfully"
)

var ErrJobExists = errors.New("job already exists")

// Job is a snapshot of a conversion job. Callers always get a copy.
type Job struct {
	ID         string    `json:"task_id"`
	Status     Status    `json:"status"`
	Message    string    `json:"message"`
	OutputName string    `json:"filename,omitempty"`
	CreatedAt  time.Time `json:"created_at"`
	UpdatedAt  time.Time `json:"updated_at"`
}

// Store is the job registry. Implementations must be safe for concurrent use.
// Complete and Fail only move a Processing job forward; anything else is
// logged and ignored, and they never return an error because they run on
// background goroutines with nobody to report to.
type Store interface {
	Create(ctx context.Context, id string) error
	Complete(ctx context.Context, id, outputName string)
	Fail(ctx context.Context, id, message string)
	Get(ctx context.Context, id string) (Job, bool, error)
	// Prune drops terminal jobs last updated before the cutoff and returns how many went.
	Prune(ctx context.Context, before time.Time) int
	Close() error
}
