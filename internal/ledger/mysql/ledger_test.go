package mysql

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/place-imagery-worker/internal/capture"
)

type seqIDs struct{ n int }

func (s *seqIDs) NewID() (string, error) {
	s.n++
	return fmt.Sprintf("task-%d", s.n), nil
}

var readColumns = []string{
	"id", "source_url", "status", "assigned_worker", "lease_started_at",
	"last_processed_at", "artifact_refs", "error",
}

func newMockLedger(t *testing.T) (*Ledger, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	l, err := NewWithDB(db, "tasks", &seqIDs{})
	require.NoError(t, err)
	return l, mock
}

func TestNewWithDBValidation(t *testing.T) {
	t.Parallel()

	db, _, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close() //nolint:errcheck

	_, err = NewWithDB(nil, "", &seqIDs{})
	assert.Error(t, err)
	_, err = NewWithDB(db, "tasks`", &seqIDs{})
	assert.Error(t, err)
	_, err = NewWithDB(db, "", nil)
	assert.Error(t, err)
}

func TestClaimBatchLocksStampsAndRereads(t *testing.T) {
	t.Parallel()

	l, mock := newMockLedger(t)
	staleBefore := time.Date(2024, 5, 1, 11, 55, 0, 0, time.UTC)
	started := staleBefore.Add(5 * time.Minute)

	mock.ExpectBegin()
	mock.ExpectQuery(regexp.QuoteMeta("SELECT id FROM tasks")+".*FOR UPDATE SKIP LOCKED").
		WithArgs(staleBefore, int64(2)).
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow("t2").AddRow("t1"))
	mock.ExpectExec("UPDATE tasks SET status = 'processing'").
		WithArgs("w1", "t2", "t1").
		WillReturnResult(sqlmock.NewResult(0, 2))
	mock.ExpectQuery("SELECT id, source_url").
		WithArgs("t2", "t1").
		WillReturnRows(sqlmock.NewRows(readColumns).
			AddRow("t1", "https://maps.example/a", "processing", "w1", started, nil, "", nil).
			AddRow("t2", "https://maps.example/b", "processing", "w1", started, nil, nil, nil))
	mock.ExpectCommit()

	tasks, err := l.ClaimBatch(context.Background(), "w1", 2, staleBefore)
	require.NoError(t, err)
	require.Len(t, tasks, 2)
	assert.Equal(t, "t2", tasks[0].ID, "claim order follows the locking select")
	assert.Equal(t, "t1", tasks[1].ID)
	assert.True(t, tasks[0].Leased())
	assert.Equal(t, started, *tasks[0].LeaseStartedAt)
	assert.Empty(t, tasks[0].ArtifactRefs)
	assert.Nil(t, tasks[0].Error)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestClaimBatchEmptyCommits(t *testing.T) {
	t.Parallel()

	l, mock := newMockLedger(t)
	mock.ExpectBegin()
	mock.ExpectQuery("SELECT id FROM tasks").
		WillReturnRows(sqlmock.NewRows([]string{"id"}))
	mock.ExpectCommit()

	tasks, err := l.ClaimBatch(context.Background(), "w1", 5, time.Now())
	require.NoError(t, err)
	assert.Empty(t, tasks)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestClaimBatchRollsBackOnError(t *testing.T) {
	t.Parallel()

	l, mock := newMockLedger(t)
	mock.ExpectBegin()
	mock.ExpectQuery("SELECT id FROM tasks").
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow("t1"))
	mock.ExpectExec("UPDATE tasks").WillReturnError(errors.New("deadlock"))
	mock.ExpectRollback()

	_, err := l.ClaimBatch(context.Background(), "w1", 5, time.Now())
	require.ErrorContains(t, err, "deadlock")
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestResolveSuccessEncodesRefs(t *testing.T) {
	t.Parallel()

	l, mock := newMockLedger(t)
	at := time.Date(2024, 5, 1, 12, 3, 0, 0, time.UTC)
	mock.ExpectExec("status = 'completed'").
		WithArgs("memory://p/t1/image_1.jpg,memory://p/t1/image_2.jpg", at, "t1").
		WillReturnResult(sqlmock.NewResult(0, 1))

	err := l.Resolve(context.Background(), "t1",
		capture.Success([]string{"memory://p/t1/image_1.jpg", "memory://p/t1/image_2.jpg"}), at)
	require.NoError(t, err)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestResolveFailureAndNoResult(t *testing.T) {
	t.Parallel()

	l, mock := newMockLedger(t)
	at := time.Date(2024, 5, 1, 12, 3, 0, 0, time.UTC)
	mock.ExpectExec("status = 'failed'").
		WithArgs("boom", at, "t1").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("status = 'pending'").
		WithArgs("t2").
		WillReturnResult(sqlmock.NewResult(0, 1))

	require.NoError(t, l.Resolve(context.Background(), "t1", capture.Failure("boom"), at))
	require.NoError(t, l.Resolve(context.Background(), "t2", capture.NoResult(), at))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestResolveMissingTask(t *testing.T) {
	t.Parallel()

	l, mock := newMockLedger(t)
	mock.ExpectExec("UPDATE tasks").WillReturnResult(sqlmock.NewResult(0, 0))

	err := l.Resolve(context.Background(), "gone", capture.NoResult(), time.Now())
	require.True(t, errors.Is(err, capture.ErrTaskNotFound))
}

func TestEnqueue(t *testing.T) {
	t.Parallel()

	l, mock := newMockLedger(t)
	mock.ExpectExec("INSERT INTO tasks").
		WithArgs("task-1", "https://maps.example/a", "task-2", "https://maps.example/b").
		WillReturnResult(sqlmock.NewResult(0, 2))

	ids, err := l.Enqueue(context.Background(), []string{"https://maps.example/a", "https://maps.example/b"})
	require.NoError(t, err)
	assert.Equal(t, []string{"task-1", "task-2"}, ids)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestRequeueFailed(t *testing.T) {
	t.Parallel()

	l, mock := newMockLedger(t)
	mock.ExpectExec("WHERE status = 'failed'").WillReturnResult(sqlmock.NewResult(0, 4))

	n, err := l.RequeueFailed(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(4), n)
}

func TestRefsCodec(t *testing.T) {
	t.Parallel()

	assert.Equal(t, []string{}, decodeRefs(""))
	assert.Equal(t, []string{"a", "b"}, decodeRefs(encodeRefs([]string{"a", "b"})))
	assert.Equal(t, "", encodeRefs(nil))
}

func TestScanTaskHandlesNulls(t *testing.T) {
	t.Parallel()

	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close() //nolint:errcheck

	mock.ExpectQuery("SELECT").WillReturnRows(sqlmock.NewRows(readColumns).
		AddRow("t1", "u", "failed", nil, nil, time.Unix(0, 0).UTC(), "a,b", "boom"))

	rows, err := db.Query("SELECT")
	require.NoError(t, err)
	defer rows.Close() //nolint:errcheck
	require.True(t, rows.Next())
	task, err := scanTask(rows)
	require.NoError(t, err)
	assert.False(t, task.Leased())
	assert.Equal(t, []string{"a", "b"}, task.ArtifactRefs)
	require.NotNil(t, task.Error)
	assert.Equal(t, "boom", *task.Error)
	assert.NotNil(t, task.LastProcessedAt)
}
