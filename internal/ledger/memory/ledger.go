// Package memory provides an in-process task ledger for local runs and tests.
package memory

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/JakeFAU/place-imagery-worker/internal/capture"
)

// Ledger keeps tasks in insertion order behind a single mutex; holding the
// mutex for the whole claim is what makes ClaimBatch atomic.
type Ledger struct {
	mu    sync.Mutex
	tasks map[string]*capture.Task
	order []string
	clock capture.Clock
	ids   capture.IDGenerator
}

// New creates an empty ledger.
func New(clock capture.Clock, ids capture.IDGenerator) (*Ledger, error) {
	if clock == nil {
		return nil, fmt.Errorf("clock is required")
	}
	if ids == nil {
		return nil, fmt.Errorf("id generator is required")
	}
	return &Ledger{
		tasks: make(map[string]*capture.Task),
		clock: clock,
		ids:   ids,
	}, nil
}

// ClaimBatch leases up to batchSize eligible tasks in insertion order.
func (l *Ledger) ClaimBatch(ctx context.Context, workerID string, batchSize int, staleBefore time.Time) ([]capture.Task, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.clock.Now()
	claimed := make([]capture.Task, 0, batchSize)
	for _, id := range l.order {
		if len(claimed) == batchSize {
			break
		}
		task := l.tasks[id]
		if !eligible(task, staleBefore) {
			continue
		}
		worker := workerID
		started := now
		task.Status = capture.TaskStatusProcessing
		task.AssignedWorker = &worker
		task.LeaseStartedAt = &started
		claimed = append(claimed, clone(task))
	}
	return claimed, nil
}

func eligible(task *capture.Task, staleBefore time.Time) bool {
	switch task.Status {
	case capture.TaskStatusPending:
		return true
	case capture.TaskStatusProcessing:
		return task.LeaseStartedAt != nil && task.LeaseStartedAt.Before(staleBefore)
	default:
		return false
	}
}

// Resolve applies outcome regardless of who holds the lease.
func (l *Ledger) Resolve(ctx context.Context, taskID string, outcome capture.Outcome, at time.Time) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	task, ok := l.tasks[taskID]
	if !ok {
		return fmt.Errorf("%w: %s", capture.ErrTaskNotFound, taskID)
	}
	task.Status = outcome.Status()
	task.AssignedWorker = nil
	task.LeaseStartedAt = nil
	switch outcome.Kind {
	case capture.OutcomeSuccess:
		task.ArtifactRefs = append([]string(nil), outcome.ArtifactRefs...)
		task.Error = nil
		stamp := at
		task.LastProcessedAt = &stamp
	case capture.OutcomeFailure:
		msg := outcome.Message
		task.Error = &msg
		stamp := at
		task.LastProcessedAt = &stamp
	default:
		task.Error = nil
	}
	return nil
}

// Enqueue appends pending tasks.
func (l *Ledger) Enqueue(ctx context.Context, sourceURLs []string) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	ids := make([]string, 0, len(sourceURLs))
	for _, u := range sourceURLs {
		id, err := l.ids.NewID()
		if err != nil {
			return ids, fmt.Errorf("generate task id: %w", err)
		}
		l.tasks[id] = &capture.Task{ID: id, SourceURL: u, Status: capture.TaskStatusPending}
		l.order = append(l.order, id)
		ids = append(ids, id)
	}
	return ids, nil
}

// RequeueFailed moves every failed task back to pending, keeping its error.
func (l *Ledger) RequeueFailed(ctx context.Context) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	var n int64
	for _, id := range l.order {
		if task := l.tasks[id]; task.Status == capture.TaskStatusFailed {
			task.Status = capture.TaskStatusPending
			n++
		}
	}
	return n, nil
}

// Get returns a snapshot of a task.
func (l *Ledger) Get(taskID string) (capture.Task, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	task, ok := l.tasks[taskID]
	if !ok {
		return capture.Task{}, false
	}
	return clone(task), true
}

// Close is a no-op.
func (l *Ledger) Close() error { return nil }

func clone(t *capture.Task) capture.Task {
	out := *t
	out.ArtifactRefs = append([]string(nil), t.ArtifactRefs...)
	if t.AssignedWorker != nil {
		w := *t.AssignedWorker
		out.AssignedWorker = &w
	}
	if t.LeaseStartedAt != nil {
		ts := *t.LeaseStartedAt
		out.LeaseStartedAt = &ts
	}
	if t.LastProcessedAt != nil {
		ts := *t.LastProcessedAt
		out.LastProcessedAt = &ts
	}
	if t.Error != nil {
		e := *t.Error
		out.Error = &e
	}
	return out
}
