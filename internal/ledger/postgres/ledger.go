// Package postgres provides the Postgres-backed task ledger.
package postgres

import (
	"context"
	"fmt"
	"regexp"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/JakeFAU/place-imagery-worker/internal/capture"
)

var validTableName = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

const defaultTable = "tasks"

// Config controls the Postgres connection pool backing the ledger.
type Config struct {
	DSN             string
	Table           string
	MaxConns        int32
	MinConns        int32
	MaxConnLifetime time.Duration
}

type pool interface {
	Query(context.Context, string, ...any) (pgx.Rows, error)
	Exec(context.Context, string, ...any) (pgconn.CommandTag, error)
	Ping(context.Context) error
	Close()
}

// Ledger leases tasks through the claim_<table> server-side function.
type Ledger struct {
	pool  pool
	table string
	ids   capture.IDGenerator
}

// New connects a pgx pool using cfg.
func New(ctx context.Context, cfg Config, ids capture.IDGenerator) (*Ledger, error) {
	if cfg.DSN == "" {
		return nil, fmt.Errorf("ledger.dsn is required")
	}
	table, err := tableName(cfg.Table)
	if err != nil {
		return nil, err
	}
	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = cfg.MaxConns
	}
	if cfg.MinConns > 0 {
		poolCfg.MinConns = cfg.MinConns
	}
	if cfg.MaxConnLifetime > 0 {
		poolCfg.MaxConnLifetime = cfg.MaxConnLifetime
	}
	p, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	return &Ledger{pool: p, table: table, ids: ids}, nil
}

// NewWithPool constructs a ledger from an existing pool (primarily for testing).
func NewWithPool(p pool, table string, ids capture.IDGenerator) (*Ledger, error) {
	if p == nil {
		return nil, fmt.Errorf("pool is required")
	}
	if ids == nil {
		return nil, fmt.Errorf("id generator is required")
	}
	name, err := tableName(table)
	if err != nil {
		return nil, err
	}
	return &Ledger{pool: p, table: name, ids: ids}, nil
}

func tableName(table string) (string, error) {
	if table == "" {
		table = defaultTable
	}
	if !validTableName.MatchString(table) {
		return "", fmt.Errorf("invalid table name %q", table)
	}
	return table, nil
}

// ClaimBatch runs the claim function, which locks candidates with
// FOR UPDATE SKIP LOCKED and stamps them in one statement.
func (l *Ledger) ClaimBatch(ctx context.Context, workerID string, batchSize int, staleBefore time.Time) ([]capture.Task, error) {
	query := fmt.Sprintf(`SELECT id, source_url, status, assigned_worker, lease_started_at,
	last_processed_at, artifact_refs, error
FROM claim_%s($1, $2, $3)`, l.table)

	rows, err := l.pool.Query(ctx, query, workerID, batchSize, staleBefore)
	if err != nil {
		return nil, fmt.Errorf("claim tasks: %w", err)
	}
	defer rows.Close()

	var tasks []capture.Task
	for rows.Next() {
		var (
			task   capture.Task
			status string
		)
		if err := rows.Scan(
			&task.ID,
			&task.SourceURL,
			&status,
			&task.AssignedWorker,
			&task.LeaseStartedAt,
			&task.LastProcessedAt,
			&task.ArtifactRefs,
			&task.Error,
		); err != nil {
			return nil, fmt.Errorf("scan claimed task: %w", err)
		}
		task.Status = capture.TaskStatus(status)
		tasks = append(tasks, task)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate claimed tasks: %w", err)
	}
	return tasks, nil
}

// Resolve overwrites the task's outcome by id without checking the lease holder.
func (l *Ledger) Resolve(ctx context.Context, taskID string, outcome capture.Outcome, at time.Time) error {
	var (
		query string
		args  []any
	)
	switch outcome.Kind {
	case capture.OutcomeSuccess:
		refs := outcome.ArtifactRefs
		if refs == nil {
			refs = []string{}
		}
		query = fmt.Sprintf(`UPDATE %s SET status = 'completed', artifact_refs = $2, error = NULL,
	assigned_worker = NULL, lease_started_at = NULL, last_processed_at = $3
WHERE id = $1`, l.table)
		args = []any{taskID, refs, at}
	case capture.OutcomeFailure:
		query = fmt.Sprintf(`UPDATE %s SET status = 'failed', error = $2,
	assigned_worker = NULL, lease_started_at = NULL, last_processed_at = $3
WHERE id = $1`, l.table)
		args = []any{taskID, outcome.Message, at}
	case capture.OutcomeNoResult:
		query = fmt.Sprintf(`UPDATE %s SET status = 'pending', error = NULL,
	assigned_worker = NULL, lease_started_at = NULL
WHERE id = $1`, l.table)
		args = []any{taskID}
	default:
		return fmt.Errorf("unknown outcome kind %d", outcome.Kind)
	}

	tag, err := l.pool.Exec(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("resolve task %s: %w", taskID, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: %s", capture.ErrTaskNotFound, taskID)
	}
	return nil
}

// Enqueue inserts one pending task per URL in a single statement.
func (l *Ledger) Enqueue(ctx context.Context, sourceURLs []string) ([]string, error) {
	if len(sourceURLs) == 0 {
		return nil, nil
	}
	ids := make([]string, 0, len(sourceURLs))
	for range sourceURLs {
		id, err := l.ids.NewID()
		if err != nil {
			return nil, fmt.Errorf("generate task id: %w", err)
		}
		ids = append(ids, id)
	}
	query := fmt.Sprintf(`INSERT INTO %s (id, source_url, status)
SELECT id, url, 'pending' FROM unnest($1::text[], $2::text[]) AS t(id, url)`, l.table)
	if _, err := l.pool.Exec(ctx, query, ids, sourceURLs); err != nil {
		return nil, fmt.Errorf("insert tasks: %w", err)
	}
	return ids, nil
}

// RequeueFailed resets failed tasks to pending.
func (l *Ledger) RequeueFailed(ctx context.Context) (int64, error) {
	query := fmt.Sprintf(`UPDATE %s SET status = 'pending' WHERE status = 'failed'`, l.table)
	tag, err := l.pool.Exec(ctx, query)
	if err != nil {
		return 0, fmt.Errorf("requeue failed tasks: %w", err)
	}
	return tag.RowsAffected(), nil
}

// Ping checks connectivity for the health endpoint.
func (l *Ledger) Ping(ctx context.Context) error {
	if err := l.pool.Ping(ctx); err != nil {
		return fmt.Errorf("ping postgres: %w", err)
	}
	return nil
}

// Close releases the underlying pool resources.
func (l *Ledger) Close() error {
	if l == nil || l.pool == nil {
		return nil
	}
	l.pool.Close()
	return nil
}
