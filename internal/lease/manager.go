// Package lease coordinates a worker's claims against the shared task ledger.
package lease

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/place-imagery-worker/internal/capture"
	"github.com/JakeFAU/place-imagery-worker/internal/metrics"
)

// Config holds the startup values a Manager claims with.
type Config struct {
	WorkerID  string
	BatchSize int
	// Staleness is the lease age past which any worker may reclaim a task.
	Staleness time.Duration
}

// Manager claims and resolves tasks on behalf of one worker identity.
type Manager struct {
	ledger capture.Ledger
	clock  capture.Clock
	cfg    Config
	logger *zap.Logger
}

// NewManager validates cfg and wires the ledger.
func NewManager(ledger capture.Ledger, clock capture.Clock, cfg Config, logger *zap.Logger) (*Manager, error) {
	if ledger == nil {
		return nil, fmt.Errorf("ledger is required")
	}
	if clock == nil {
		return nil, fmt.Errorf("clock is required")
	}
	if cfg.WorkerID == "" {
		return nil, fmt.Errorf("worker id is required")
	}
	if cfg.BatchSize <= 0 {
		return nil, fmt.Errorf("batch size must be > 0")
	}
	if cfg.Staleness <= 0 {
		return nil, fmt.Errorf("staleness must be > 0")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Manager{
		ledger: ledger,
		clock:  clock,
		cfg:    cfg,
		logger: logger.Named("lease").With(zap.String("worker_id", cfg.WorkerID)),
	}, nil
}

// WorkerID returns the identity recorded on claimed tasks.
func (m *Manager) WorkerID() string {
	return m.cfg.WorkerID
}

// ClaimBatch leases up to BatchSize pending or stale tasks. An empty slice means
// there is no eligible work. Ledger failures wrap capture.ErrLedgerUnavailable.
func (m *Manager) ClaimBatch(ctx context.Context) ([]capture.Task, error) {
	staleBefore := m.clock.Now().Add(-m.cfg.Staleness)
	tasks, err := m.ledger.ClaimBatch(ctx, m.cfg.WorkerID, m.cfg.BatchSize, staleBefore)
	if err != nil {
		metrics.ObserveLedgerError("claim")
		return nil, fmt.Errorf("%w: claim batch: %v", capture.ErrLedgerUnavailable, err)
	}
	for _, t := range tasks {
		if t.AssignedWorker != nil && t.LeaseStartedAt != nil && *t.AssignedWorker == m.cfg.WorkerID {
			continue
		}
		m.logger.Warn("ledger returned task without our lease", zap.String("task_id", t.ID))
	}
	metrics.ObserveClaim(len(tasks))
	if len(tasks) > 0 {
		m.logger.Debug("claimed tasks", zap.Int("count", len(tasks)), zap.Time("stale_before", staleBefore))
	}
	return tasks, nil
}

// Resolve records the outcome. It never checks the lease holder: a late
// resolution from a worker whose lease was reclaimed still wins if it is last.
func (m *Manager) Resolve(ctx context.Context, taskID string, outcome capture.Outcome) error {
	if taskID == "" {
		return fmt.Errorf("task id is required")
	}
	err := m.ledger.Resolve(ctx, taskID, outcome, m.clock.Now())
	if err != nil {
		metrics.ObserveLedgerError("resolve")
		if errors.Is(err, capture.ErrTaskNotFound) {
			return err
		}
		return fmt.Errorf("%w: resolve %s: %v", capture.ErrLedgerUnavailable, taskID, err)
	}
	return nil
}
