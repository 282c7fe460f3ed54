// Package capture defines the core types shared across the imagery worker subsystems.
package capture

import "time"

// TaskStatus represents the lifecycle state of a ledger task.
type TaskStatus string

// Task status values persisted in the ledger.
const (
	TaskStatusPending    TaskStatus = "pending"
	TaskStatusProcessing TaskStatus = "processing"
	TaskStatusCompleted  TaskStatus = "completed"
	TaskStatusFailed     TaskStatus = "failed"
)

// Task is one unit of scrape work tied to one source URL.
// The (AssignedWorker, LeaseStartedAt) pair is the lease.
type Task struct {
	ID              string     `json:"id"`
	SourceURL       string     `json:"source_url"`
	Status          TaskStatus `json:"status"`
	AssignedWorker  *string    `json:"assigned_worker,omitempty"`
	LeaseStartedAt  *time.Time `json:"lease_started_at,omitempty"`
	LastProcessedAt *time.Time `json:"last_processed_at,omitempty"`
	ArtifactRefs    []string   `json:"artifact_refs"`
	Error           *string    `json:"error,omitempty"`
}

// Leased reports whether both lease fields are present.
func (t Task) Leased() bool {
	return t.AssignedWorker != nil && t.LeaseStartedAt != nil
}

// OutcomeKind enumerates the ways a leased task can be resolved.
type OutcomeKind int

// Outcome kinds.
const (
	OutcomeSuccess OutcomeKind = iota
	OutcomeFailure
	OutcomeNoResult
)

// String returns the label used in logs and metrics.
func (k OutcomeKind) String() string {
	switch k {
	case OutcomeSuccess:
		return "success"
	case OutcomeFailure:
		return "failure"
	case OutcomeNoResult:
		return "no_result"
	default:
		return "unknown"
	}
}

// Outcome is the result handed to Resolve.
type Outcome struct {
	Kind         OutcomeKind
	ArtifactRefs []string
	Message      string
}

// Success builds an outcome carrying the stored artifact references in order.
func Success(refs []string) Outcome {
	return Outcome{Kind: OutcomeSuccess, ArtifactRefs: append([]string(nil), refs...)}
}

// Failure builds an outcome carrying the failure message.
func Failure(message string) Outcome {
	return Outcome{Kind: OutcomeFailure, Message: message}
}

// NoResult builds an outcome for a run that finished cleanly but produced nothing.
func NoResult() Outcome {
	return Outcome{Kind: OutcomeNoResult}
}

// Status maps the outcome onto the task status it produces.
func (o Outcome) Status() TaskStatus {
	switch o.Kind {
	case OutcomeSuccess:
		return TaskStatusCompleted
	case OutcomeFailure:
		return TaskStatusFailed
	default:
		return TaskStatusPending
	}
}

// Shot is one raw capture produced by the pipeline.
// Ordinal 0 is the primary street-view surface, 1..K are gallery items.
type Shot struct {
	Ordinal int
	Raw     []byte
}

// Label returns the storage label for the shot's ordinal.
func (s Shot) Label() string {
	return ArtifactLabel(s.Ordinal)
}

// Artifact is a normalized capture ready for (or already in) durable storage.
type Artifact struct {
	TaskID  string
	Ordinal int
	Content []byte
	Ref     string
}

// Box is an element's layout rectangle in CSS pixels.
type Box struct {
	X      float64
	Y      float64
	Width  float64
	Height float64
}

// Center returns the geometric center of the box.
func (b Box) Center() (float64, float64) {
	return b.X + b.Width/2, b.Y + b.Height/2
}

// Empty reports whether the box has no area.
func (b Box) Empty() bool {
	return b.Width <= 0 || b.Height <= 0
}
