// Package mysql provides the MySQL-backed task ledger.
package mysql

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/go-sql-driver/mysql"

	"github.com/JakeFAU/place-imagery-worker/internal/capture"
)

var validTableName = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

const defaultTable = "tasks"

// Config controls the MySQL connection pool backing the ledger.
type Config struct {
	DSN             string
	Table           string
	MaxConns        int
	MaxConnLifetime time.Duration
}

// Ledger leases tasks inside a transaction using SELECT ... FOR UPDATE SKIP LOCKED,
// so concurrent claimers skip rows another transaction already holds.
type Ledger struct {
	db    *sql.DB
	table string
	ids   capture.IDGenerator
}

// New opens a connection pool. The DSN is amended so timestamps scan into
// time.Time and UPDATE reports matched rather than changed rows.
func New(ctx context.Context, cfg Config, ids capture.IDGenerator) (*Ledger, error) {
	if cfg.DSN == "" {
		return nil, fmt.Errorf("ledger.dsn is required")
	}
	dsn, err := mysql.ParseDSN(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parse mysql dsn: %w", err)
	}
	dsn.ParseTime = true
	dsn.ClientFoundRows = true
	dsn.Loc = time.UTC

	db, err := sql.Open("mysql", dsn.FormatDSN())
	if err != nil {
		return nil, fmt.Errorf("open mysql: %w", err)
	}
	if cfg.MaxConns > 0 {
		db.SetMaxOpenConns(cfg.MaxConns)
	}
	if cfg.MaxConnLifetime > 0 {
		db.SetConnMaxLifetime(cfg.MaxConnLifetime)
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("connect mysql: %w", err)
	}
	l, err := NewWithDB(db, cfg.Table, ids)
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	return l, nil
}

// NewWithDB constructs a ledger from an existing handle (primarily for testing).
func NewWithDB(db *sql.DB, table string, ids capture.IDGenerator) (*Ledger, error) {
	if db == nil {
		return nil, fmt.Errorf("db is required")
	}
	if ids == nil {
		return nil, fmt.Errorf("id generator is required")
	}
	if table == "" {
		table = defaultTable
	}
	if !validTableName.MatchString(table) {
		return nil, fmt.Errorf("invalid table name %q", table)
	}
	return &Ledger{db: db, table: table, ids: ids}, nil
}

// ClaimBatch selects, stamps and re-reads eligible rows in one transaction.
func (l *Ledger) ClaimBatch(ctx context.Context, workerID string, batchSize int, staleBefore time.Time) (_ []capture.Task, err error) {
	tx, err := l.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin claim: %w", err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	selectQuery := `SELECT id FROM ` + l.table + `
WHERE status = 'pending' OR (status = 'processing' AND lease_started_at < ?)
ORDER BY created_at, id
LIMIT ?
FOR UPDATE SKIP LOCKED`
	rows, err := tx.QueryContext(ctx, selectQuery, staleBefore, batchSize)
	if err != nil {
		return nil, fmt.Errorf("select claimable tasks: %w", err)
	}
	var ids []string
	for rows.Next() {
		var id string
		if err = rows.Scan(&id); err != nil {
			_ = rows.Close()
			return nil, fmt.Errorf("scan claimable id: %w", err)
		}
		ids = append(ids, id)
	}
	if err = rows.Close(); err != nil {
		return nil, fmt.Errorf("close claimable rows: %w", err)
	}
	if err = rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate claimable tasks: %w", err)
	}
	if len(ids) == 0 {
		if err = tx.Commit(); err != nil {
			return nil, fmt.Errorf("commit empty claim: %w", err)
		}
		return nil, nil
	}

	in, idArgs := placeholders(ids)
	updateArgs := append([]any{workerID}, idArgs...)
	updateQuery := `UPDATE ` + l.table + `
SET status = 'processing', assigned_worker = ?, lease_started_at = UTC_TIMESTAMP(6)
WHERE id IN ` + in
	if _, err = tx.ExecContext(ctx, updateQuery, updateArgs...); err != nil {
		return nil, fmt.Errorf("stamp claimed tasks: %w", err)
	}

	readQuery := `SELECT id, source_url, status, assigned_worker, lease_started_at,
	last_processed_at, artifact_refs, error
FROM ` + l.table + `
WHERE id IN ` + in
	rows, err = tx.QueryContext(ctx, readQuery, idArgs...)
	if err != nil {
		return nil, fmt.Errorf("read claimed tasks: %w", err)
	}
	byID := make(map[string]capture.Task, len(ids))
	for rows.Next() {
		var task capture.Task
		if task, err = scanTask(rows); err != nil {
			_ = rows.Close()
			return nil, err
		}
		byID[task.ID] = task
	}
	if err = rows.Close(); err != nil {
		return nil, fmt.Errorf("close claimed rows: %w", err)
	}
	if err = rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate claimed tasks: %w", err)
	}
	if err = tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit claim: %w", err)
	}

	tasks := make([]capture.Task, 0, len(ids))
	for _, id := range ids {
		if task, ok := byID[id]; ok {
			tasks = append(tasks, task)
		}
	}
	return tasks, nil
}

func placeholders(ids []string) (string, []any) {
	marks := make([]string, len(ids))
	args := make([]any, len(ids))
	for i, id := range ids {
		marks[i] = "?"
		args[i] = id
	}
	return "(" + strings.Join(marks, ", ") + ")", args
}

func scanTask(rows *sql.Rows) (capture.Task, error) {
	var (
		task                      capture.Task
		status                    string
		worker, refs, taskErr     sql.NullString
		leaseStarted, lastProcess sql.NullTime
	)
	if err := rows.Scan(&task.ID, &task.SourceURL, &status, &worker, &leaseStarted, &lastProcess, &refs, &taskErr); err != nil {
		return capture.Task{}, fmt.Errorf("scan task: %w", err)
	}
	task.Status = capture.TaskStatus(status)
	if worker.Valid {
		task.AssignedWorker = &worker.String
	}
	if leaseStarted.Valid {
		task.LeaseStartedAt = &leaseStarted.Time
	}
	if lastProcess.Valid {
		task.LastProcessedAt = &lastProcess.Time
	}
	task.ArtifactRefs = decodeRefs(refs.String)
	if taskErr.Valid {
		task.Error = &taskErr.String
	}
	return task, nil
}

func encodeRefs(refs []string) string {
	return strings.Join(refs, ",")
}

func decodeRefs(s string) []string {
	if s == "" {
		return []string{}
	}
	return strings.Split(s, ",")
}

// Resolve overwrites the task's outcome by id without checking the lease holder.
func (l *Ledger) Resolve(ctx context.Context, taskID string, outcome capture.Outcome, at time.Time) error {
	var (
		query string
		args  []any
	)
	switch outcome.Kind {
	case capture.OutcomeSuccess:
		query = `UPDATE ` + l.table + ` SET status = 'completed', artifact_refs = ?, error = NULL,
	assigned_worker = NULL, lease_started_at = NULL, last_processed_at = ?
WHERE id = ?`
		args = []any{encodeRefs(outcome.ArtifactRefs), at, taskID}
	case capture.OutcomeFailure:
		query = `UPDATE ` + l.table + ` SET status = 'failed', error = ?,
	assigned_worker = NULL, lease_started_at = NULL, last_processed_at = ?
WHERE id = ?`
		args = []any{outcome.Message, at, taskID}
	case capture.OutcomeNoResult:
		query = `UPDATE ` + l.table + ` SET status = 'pending', error = NULL,
	assigned_worker = NULL, lease_started_at = NULL
WHERE id = ?`
		args = []any{taskID}
	default:
		return fmt.Errorf("unknown outcome kind %d", outcome.Kind)
	}

	res, err := l.db.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("resolve task %s: %w", taskID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("resolve task %s: %w", taskID, err)
	}
	if n == 0 {
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
	rows := make([]string, 0, len(sourceURLs))
	args := make([]any, 0, 2*len(sourceURLs))
	for _, u := range sourceURLs {
		id, err := l.ids.NewID()
		if err != nil {
			return nil, fmt.Errorf("generate task id: %w", err)
		}
		ids = append(ids, id)
		rows = append(rows, "(?, ?, 'pending')")
		args = append(args, id, u)
	}
	query := `INSERT INTO ` + l.table + ` (id, source_url, status) VALUES ` + strings.Join(rows, ", ")
	if _, err := l.db.ExecContext(ctx, query, args...); err != nil {
		return nil, fmt.Errorf("insert tasks: %w", err)
	}
	return ids, nil
}

// RequeueFailed resets failed tasks to pending.
func (l *Ledger) RequeueFailed(ctx context.Context) (int64, error) {
	res, err := l.db.ExecContext(ctx, `UPDATE `+l.table+` SET status = 'pending' WHERE status = 'failed'`)
	if err != nil {
		return 0, fmt.Errorf("requeue failed tasks: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("requeue failed tasks: %w", err)
	}
	return n, nil
}

// Ping checks connectivity for the health endpoint.
func (l *Ledger) Ping(ctx context.Context) error {
	if err := l.db.PingContext(ctx); err != nil {
		return fmt.Errorf("ping mysql: %w", err)
	}
	return nil
}

// Close releases the connection pool.
func (l *Ledger) Close() error {
	if err := l.db.Close(); err != nil && !errors.Is(err, sql.ErrConnDone) {
		return fmt.Errorf("close mysql: %w", err)
	}
	return nil
}
