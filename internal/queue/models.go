package queue

import (
	"strings"
	"time"
)

// Status represents the lifecycle of jobs and prompts. Both entities share
// the same enum; a job's status is always derived from its prompts.
type Status string

const (
	StatusPending   Status = "pending"
	StatusRunning   Status = "running"
	StatusSucceeded Status = "succeeded"
	StatusFailed    Status = "failed"
	StatusCanceled  Status = "canceled"
)

// ExitInterrupted is the exit status recorded for prompts left running by a
// crashed process.
const ExitInterrupted = "interrupted"

var allStatuses = []Status{
	StatusPending,
	StatusRunning,
	StatusSucceeded,
	StatusFailed,
	StatusCanceled,
}

var statusSet = func() map[Status]struct{} {
	set := make(map[Status]struct{}, len(allStatuses))
	for _, status := range allStatuses {
		set[status] = struct{}{}
	}
	return set
}()

// AllStatuses returns the ordered list of known statuses.
func AllStatuses() []Status {
	cp := make([]Status, len(allStatuses))
	copy(cp, allStatuses)
	return cp
}

// ParseStatus converts a string into a known Status.
func ParseStatus(value string) (Status, bool) {
	normalized := Status(strings.ToLower(strings.TrimSpace(value)))
	if normalized == "" {
		return "", false
	}
	_, ok := statusSet[normalized]
	return normalized, ok
}

// IsTerminal reports whether the status can no longer change.
func (s Status) IsTerminal() bool {
	switch s {
	case StatusSucceeded, StatusFailed, StatusCanceled:
		return true
	default:
		return false
	}
}

// Job is a submission unit owning one or more prompts.
type Job struct {
	ID              int64
	WorkflowName    string
	JobName         string
	Status          Status
	CancelRequested bool
	Priority        int
	InputDir        string
	ParamsJSON      string
	MoveProcessed   bool
	CreatedAt       time.Time
	StartedAt       *time.Time
	FinishedAt      *time.Time
	LastError       string

	// Prompt status counts, populated on list/get reads.
	Counts StatusCounts
}

// Prompt is one concrete unit of work within a job. GraphJSON is the
// immutable graph snapshot computed at submission; retries always replay it
// rather than rebuilding from a possibly reloaded template.
type Prompt struct {
	ID          int64
	JobID       int64
	InputFile   string
	GraphJSON   string
	Status      Status
	ExecutionID string
	StartedAt   *time.Time
	FinishedAt  *time.Time
	ExitStatus  string
	ErrorDetail string
	OutputPaths []string
	SeedUsed    *int64

	// Joined from the owning job on claim reads.
	WorkflowName string
}

// StatusCounts tallies prompts per status.
type StatusCounts struct {
	Pending   int
	Running   int
	Succeeded int
	Failed    int
	Canceled  int
}

// Total returns the number of prompts across all statuses.
func (c StatusCounts) Total() int {
	return c.Pending + c.Running + c.Succeeded + c.Failed + c.Canceled
}

// CancelMode describes how a cancellation request takes effect.
type CancelMode string

const (
	// CancelImmediate: nothing was running, the job is terminal now.
	CancelImmediate CancelMode = "immediate"
	// CancelAfterCurrent: in-flight work completes, nothing further dispatches.
	CancelAfterCurrent CancelMode = "cancel_after_current"
)

// CancelSummary reports the effect of a RequestCancel call.
type CancelSummary struct {
	Mode            CancelMode
	CanceledPending int64
	Running         int64
}

// HealthSummary aggregates queue state for diagnostic output.
type HealthSummary struct {
	Jobs    map[Status]int
	Prompts map[Status]int
}

// aggregateStatus derives a job status from its prompt counts. A job with
// work left is running once anything has progressed; an all-terminal job is
// canceled only when cancellation was requested and nothing failed, so a
// mixed succeeded+canceled outcome still resolves terminally.
func aggregateStatus(c StatusCounts, cancelRequested bool) Status {
	if c.Total() == 0 {
		return StatusPending
	}
	if c.Pending > 0 || c.Running > 0 {
		if c.Running > 0 || c.Succeeded > 0 || c.Failed > 0 || c.Canceled > 0 {
			return StatusRunning
		}
		return StatusPending
	}
	if cancelRequested && c.Canceled > 0 && c.Failed == 0 {
		return StatusCanceled
	}
	if c.Failed > 0 {
		return StatusFailed
	}
	if c.Canceled == c.Total() {
		return StatusCanceled
	}
	return StatusSucceeded
}
