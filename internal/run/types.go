package run

import (
	"errors"
	"time"

	"github.com/rigworks/rigci/internal/event"
)

// Status is a run's lifecycle state.
type Status string

const (
	StatusQueued    Status = "queued"
	StatusRunning   Status = "running"
	StatusSucceeded Status = "succeeded"
	StatusFailed    Status = "failed"
	StatusTimedOut  Status = "timed_out"
	StatusCancelled Status = "cancelled"
)

// Terminal reports whether the status is final.
func (s Status) Terminal() bool {
	switch s {
	case StatusSucceeded, StatusFailed, StatusTimedOut, StatusCancelled:
		return true
	}
	return false
}

// Failure reports whether the status counts as a failure outcome. A cancelled
// run was superseded, not failed.
func (s Status) Failure() bool {
	return s == StatusFailed || s == StatusTimedOut
}

// StepStatus is the recorded outcome of a single step.
type StepStatus string

const (
	StepSucceeded StepStatus = "succeeded"
	StepFailed    StepStatus = "failed"
	StepTimedOut  StepStatus = "timed_out"
	StepSkipped   StepStatus = "skipped"
)

// Run is one dispatched workflow execution.
type Run struct {
	ID               string
	Workflow         string
	Fingerprint      string
	Event            event.Event
	Target           string
	GroupKey         string
	CancelInProgress bool
	Status           Status
	SubmittedBy      string
	CreatedAt        time.Time
	StartedAt        *time.Time
	CompletedAt      *time.Time
	LastError        *string
	SupersededBy     *string
}

// CreateRequest carries everything needed to persist a new queued run.
type CreateRequest struct {
	Workflow         string
	Fingerprint      string
	Event            event.Event
	Target           string
	GroupKey         string
	CancelInProgress bool
	SubmittedBy      string
}

// StepResult records the outcome of one planned step within a run.
type StepResult struct {
	RunID       string
	StepID      string
	Name        string
	Seq         int
	Status      StepStatus
	ExitCode    *int
	SkipReason  string
	Stderr      string
	StartedAt   *time.Time
	CompletedAt *time.Time
}

var ErrRunNotFound = errors.New("run not found")
