package lease

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/JakeFAU/place-imagery-worker/internal/capture"
	"github.com/JakeFAU/place-imagery-worker/internal/id/uuid"
	"github.com/JakeFAU/place-imagery-worker/internal/ledger/memory"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type mockLedger struct {
	mock.Mock
}

func (m *mockLedger) ClaimBatch(ctx context.Context, workerID string, batchSize int, staleBefore time.Time) ([]capture.Task, error) {
	args := m.Called(ctx, workerID, batchSize, staleBefore)
	tasks, _ := args.Get(0).([]capture.Task)
	return tasks, args.Error(1)
}

func (m *mockLedger) Resolve(ctx context.Context, taskID string, outcome capture.Outcome, at time.Time) error {
	return m.Called(ctx, taskID, outcome, at).Error(0)
}

func (m *mockLedger) Enqueue(ctx context.Context, urls []string) ([]string, error) {
	args := m.Called(ctx, urls)
	ids, _ := args.Get(0).([]string)
	return ids, args.Error(1)
}

func (m *mockLedger) RequeueFailed(ctx context.Context) (int64, error) {
	args := m.Called(ctx)
	return args.Get(0).(int64), args.Error(1)
}

func (m *mockLedger) Close() error { return nil }

func newFixture(t *testing.T) (*memory.Ledger, *fakeClock) {
	t.Helper()
	clk := &fakeClock{now: time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)}
	l, err := memory.New(clk, uuid.New())
	require.NoError(t, err)
	return l, clk
}

func newManager(t *testing.T, l capture.Ledger, clk capture.Clock, worker string, batch int) *Manager {
	t.Helper()
	m, err := NewManager(l, clk, Config{WorkerID: worker, BatchSize: batch, Staleness: 5 * time.Minute}, zap.NewNop())
	require.NoError(t, err)
	return m
}

func TestNewManagerValidation(t *testing.T) {
	t.Parallel()

	l, clk := newFixture(t)
	valid := Config{WorkerID: "w", BatchSize: 1, Staleness: time.Minute}

	tests := []struct {
		name   string
		ledger capture.Ledger
		clock  capture.Clock
		cfg    Config
	}{
		{"nil ledger", nil, clk, valid},
		{"nil clock", l, nil, valid},
		{"empty worker", l, clk, Config{BatchSize: 1, Staleness: time.Minute}},
		{"zero batch", l, clk, Config{WorkerID: "w", Staleness: time.Minute}},
		{"zero staleness", l, clk, Config{WorkerID: "w", BatchSize: 1}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewManager(tt.ledger, tt.clock, tt.cfg, nil)
			require.Error(t, err)
		})
	}
}

func TestConcurrentClaimsAreDisjoint(t *testing.T) {
	t.Parallel()

	l, clk := newFixture(t)
	urls := make([]string, 200)
	for i := range urls {
		urls[i] = fmt.Sprintf("https://maps.example/place/%d", i)
	}
	_, err := l.Enqueue(context.Background(), urls)
	require.NoError(t, err)

	const workers = 16
	managers := make([]*Manager, workers)
	for i := range managers {
		managers[i] = newManager(t, l, clk, fmt.Sprintf("worker-%d", i), 7)
	}
	results := make([][]capture.Task, workers)
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			m := managers[i]
			for {
				tasks, err := m.ClaimBatch(context.Background())
				if err != nil || len(tasks) == 0 {
					return
				}
				results[i] = append(results[i], tasks...)
			}
		}(i)
	}
	wg.Wait()

	seen := make(map[string]string)
	for i, tasks := range results {
		owner := fmt.Sprintf("worker-%d", i)
		for _, task := range tasks {
			prev, dup := seen[task.ID]
			require.False(t, dup, "task %s claimed by %s and %s", task.ID, prev, owner)
			seen[task.ID] = owner
			assert.Equal(t, owner, *task.AssignedWorker)
		}
	}
	assert.Len(t, seen, len(urls))
}

func TestStaleLeaseIsReclaimedByAnotherWorker(t *testing.T) {
	t.Parallel()

	l, clk := newFixture(t)
	ids, err := l.Enqueue(context.Background(), []string{"https://maps.example/u"})
	require.NoError(t, err)

	a := newManager(t, l, clk, "worker-a", 5)
	b := newManager(t, l, clk, "worker-b", 5)

	claimed, err := a.ClaimBatch(context.Background())
	require.NoError(t, err)
	require.Len(t, claimed, 1)
	// worker-a crashes here and never resolves.

	clk.Advance(4*time.Minute + 59*time.Second)
	none, err := b.ClaimBatch(context.Background())
	require.NoError(t, err)
	assert.Empty(t, none)

	clk.Advance(2 * time.Second)
	reclaimed, err := b.ClaimBatch(context.Background())
	require.NoError(t, err)
	require.Len(t, reclaimed, 1)
	assert.Equal(t, ids[0], reclaimed[0].ID)
	assert.Equal(t, "worker-b", *reclaimed[0].AssignedWorker)
	assert.Equal(t, clk.Now(), *reclaimed[0].LeaseStartedAt)
}

func TestResolveSuccessClearsLeaseRegardlessOfState(t *testing.T) {
	t.Parallel()

	l, clk := newFixture(t)
	ids, err := l.Enqueue(context.Background(), []string{"u1", "u2"})
	require.NoError(t, err)
	m := newManager(t, l, clk, "worker-a", 1)
	_, err = m.ClaimBatch(context.Background())
	require.NoError(t, err)

	refs := []string{"memory://p/x/image_1.jpg", "memory://p/x/image_2.jpg"}
	// ids[0] is processing, ids[1] is still pending.
	for _, id := range ids {
		require.NoError(t, m.Resolve(context.Background(), id, capture.Success(refs)))
		task, ok := l.Get(id)
		require.True(t, ok)
		assert.Equal(t, capture.TaskStatusCompleted, task.Status)
		assert.Nil(t, task.AssignedWorker)
		assert.Nil(t, task.LeaseStartedAt)
		assert.Equal(t, refs, task.ArtifactRefs)
	}
}

func TestClaimWrapsLedgerErrors(t *testing.T) {
	t.Parallel()

	ml := &mockLedger{}
	ml.On("ClaimBatch", mock.Anything, "w", 3, mock.AnythingOfType("time.Time")).
		Return(nil, errors.New("connection reset"))
	clk := &fakeClock{now: time.Unix(1700000000, 0).UTC()}
	m := newManager(t, ml, clk, "w", 3)

	_, err := m.ClaimBatch(context.Background())
	require.Error(t, err)
	assert.True(t, errors.Is(err, capture.ErrLedgerUnavailable))
	assert.Contains(t, err.Error(), "connection reset")
	ml.AssertExpectations(t)
}

func TestClaimPassesStaleCutoff(t *testing.T) {
	t.Parallel()

	ml := &mockLedger{}
	clk := &fakeClock{now: time.Unix(1700000000, 0).UTC()}
	ml.On("ClaimBatch", mock.Anything, "w", 2, clk.now.Add(-5*time.Minute)).Return([]capture.Task{}, nil)
	m := newManager(t, ml, clk, "w", 2)

	tasks, err := m.ClaimBatch(context.Background())
	require.NoError(t, err)
	assert.Empty(t, tasks)
	ml.AssertExpectations(t)
}

func TestResolveErrors(t *testing.T) {
	t.Parallel()

	ml := &mockLedger{}
	clk := &fakeClock{now: time.Unix(1700000000, 0).UTC()}
	ml.On("Resolve", mock.Anything, "gone", mock.Anything, clk.now).
		Return(fmt.Errorf("%w: gone", capture.ErrTaskNotFound))
	ml.On("Resolve", mock.Anything, "t1", mock.Anything, clk.now).
		Return(errors.New("timeout"))
	m := newManager(t, ml, clk, "w", 1)

	err := m.Resolve(context.Background(), "gone", capture.NoResult())
	assert.True(t, errors.Is(err, capture.ErrTaskNotFound))
	assert.False(t, errors.Is(err, capture.ErrLedgerUnavailable))

	err = m.Resolve(context.Background(), "t1", capture.Failure("x"))
	assert.True(t, errors.Is(err, capture.ErrLedgerUnavailable))

	assert.Error(t, m.Resolve(context.Background(), "", capture.NoResult()))
}
