package postgres

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/place-imagery-worker/internal/capture"
)

type seqIDs struct{ n int }

func (s *seqIDs) NewID() (string, error) {
	s.n++
	return fmt.Sprintf("task-%d", s.n), nil
}

var claimColumns = []string{
	"id", "source_url", "status", "assigned_worker", "lease_started_at",
	"last_processed_at", "artifact_refs", "error",
}

func newMockLedger(t *testing.T) (*Ledger, pgxmock.PgxPoolIface) {
	t.Helper()
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	t.Cleanup(mock.Close)

	l, err := NewWithPool(mock, "tasks", &seqIDs{})
	require.NoError(t, err)
	return l, mock
}

func TestNewWithPoolValidation(t *testing.T) {
	t.Parallel()

	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	_, err = NewWithPool(nil, "tasks", &seqIDs{})
	require.Error(t, err)
	_, err = NewWithPool(mock, "tasks; drop", &seqIDs{})
	require.Error(t, err)
	_, err = NewWithPool(mock, "", nil)
	require.Error(t, err)
}

func TestClaimBatchScansClaimedRows(t *testing.T) {
	t.Parallel()

	l, mock := newMockLedger(t)
	staleBefore := time.Date(2024, 5, 1, 11, 55, 0, 0, time.UTC)
	started := staleBefore.Add(5 * time.Minute)
	worker := "w1"

	mock.ExpectQuery("FROM claim_tasks").
		WithArgs("w1", 2, staleBefore).
		WillReturnRows(pgxmock.NewRows(claimColumns).
			AddRow("t1", "https://maps.example/a", "processing", &worker, &started, (*time.Time)(nil), []string{}, (*string)(nil)).
			AddRow("t2", "https://maps.example/b", "processing", &worker, &started, (*time.Time)(nil), []string{}, (*string)(nil)))

	tasks, err := l.ClaimBatch(context.Background(), "w1", 2, staleBefore)
	require.NoError(t, err)
	require.Len(t, tasks, 2)
	require.Equal(t, "t1", tasks[0].ID)
	require.Equal(t, capture.TaskStatusProcessing, tasks[0].Status)
	require.True(t, tasks[0].Leased())
	require.Equal(t, "w1", *tasks[1].AssignedWorker)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestClaimBatchEmpty(t *testing.T) {
	t.Parallel()

	l, mock := newMockLedger(t)
	mock.ExpectQuery("FROM claim_tasks").
		WithArgs("w1", 5, pgxmock.AnyArg()).
		WillReturnRows(pgxmock.NewRows(claimColumns))

	tasks, err := l.ClaimBatch(context.Background(), "w1", 5, time.Now())
	require.NoError(t, err)
	require.Empty(t, tasks)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestClaimBatchQueryError(t *testing.T) {
	t.Parallel()

	l, mock := newMockLedger(t)
	mock.ExpectQuery("FROM claim_tasks").WillReturnError(errors.New("conn refused"))

	_, err := l.ClaimBatch(context.Background(), "w1", 5, time.Now())
	require.ErrorContains(t, err, "conn refused")
}

func TestResolveStatements(t *testing.T) {
	t.Parallel()

	at := time.Date(2024, 5, 1, 12, 3, 0, 0, time.UTC)
	tests := []struct {
		name    string
		outcome capture.Outcome
		match   string
		args    []any
	}{
		{
			name:    "success",
			outcome: capture.Success([]string{"gs://b/p/t1/image_1.jpg"}),
			match:   "status = 'completed'",
			args:    []any{"t1", []string{"gs://b/p/t1/image_1.jpg"}, at},
		},
		{
			name:    "failure",
			outcome: capture.Failure("no gallery"),
			match:   "status = 'failed'",
			args:    []any{"t1", "no gallery", at},
		},
		{
			name:    "no result",
			outcome: capture.NoResult(),
			match:   "status = 'pending'",
			args:    []any{"t1"},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			l, mock := newMockLedger(t)
			mock.ExpectExec(tt.match).
				WithArgs(tt.args...).
				WillReturnResult(pgxmock.NewResult("UPDATE", 1))

			require.NoError(t, l.Resolve(context.Background(), "t1", tt.outcome, at))
			require.NoError(t, mock.ExpectationsWereMet())
		})
	}
}

func TestResolveMissingTask(t *testing.T) {
	t.Parallel()

	l, mock := newMockLedger(t)
	mock.ExpectExec("UPDATE tasks").
		WithArgs("gone").
		WillReturnResult(pgxmock.NewResult("UPDATE", 0))

	err := l.Resolve(context.Background(), "gone", capture.NoResult(), time.Now())
	require.True(t, errors.Is(err, capture.ErrTaskNotFound))
}

func TestEnqueueInsertsGeneratedIDs(t *testing.T) {
	t.Parallel()

	l, mock := newMockLedger(t)
	urls := []string{"https://maps.example/a", "https://maps.example/b"}
	mock.ExpectExec("INSERT INTO tasks").
		WithArgs([]string{"task-1", "task-2"}, urls).
		WillReturnResult(pgxmock.NewResult("INSERT", 2))

	ids, err := l.Enqueue(context.Background(), urls)
	require.NoError(t, err)
	require.Equal(t, []string{"task-1", "task-2"}, ids)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestRequeueFailed(t *testing.T) {
	t.Parallel()

	l, mock := newMockLedger(t)
	mock.ExpectExec("status = 'pending' WHERE status = 'failed'").
		WillReturnResult(pgxmock.NewResult("UPDATE", 3))

	n, err := l.RequeueFailed(context.Background())
	require.NoError(t, err)
	require.Equal(t, int64(3), n)
}

func TestPing(t *testing.T) {
	t.Parallel()

	l, mock := newMockLedger(t)
	mock.ExpectPing()
	require.NoError(t, l.Ping(context.Background()))
	require.NoError(t, mock.ExpectationsWereMet())
}
