package capture

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestOutcomeStatus(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		outcome Outcome
		want    TaskStatus
		label   string
	}{
		{name: "success", outcome: Success([]string{"gs://b/a.jpg"}), want: TaskStatusCompleted, label: "success"},
		{name: "failure", outcome: Failure("boom"), want: TaskStatusFailed, label: "failure"},
		{name: "no result", outcome: NoResult(), want: TaskStatusPending, label: "no_result"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			require.Equal(t, tt.want, tt.outcome.Status())
			require.Equal(t, tt.label, tt.outcome.Kind.String())
		})
	}
}

func TestSuccessCopiesRefs(t *testing.T) {
	t.Parallel()

	refs := []string{"a", "b"}
	out := Success(refs)
	refs[0] = "mutated"
	require.Equal(t, []string{"a", "b"}, out.ArtifactRefs)
}

func TestArtifactLabel(t *testing.T) {
	t.Parallel()

	require.Equal(t, "street_view", ArtifactLabel(0))
	require.Equal(t, "image_1", ArtifactLabel(1))
	require.Equal(t, "image_12", Shot{Ordinal: 12}.Label())
}

func TestTaskLeased(t *testing.T) {
	t.Parallel()

	worker := "w-1"
	now := time.Unix(100, 0)
	require.False(t, Task{}.Leased())
	require.False(t, Task{AssignedWorker: &worker}.Leased())
	require.True(t, Task{AssignedWorker: &worker, LeaseStartedAt: &now}.Leased())
}

func TestBoxCenter(t *testing.T) {
	t.Parallel()

	x, y := Box{X: 10, Y: 20, Width: 100, Height: 50}.Center()
	require.InDelta(t, 60, x, 0.001)
	require.InDelta(t, 45, y, 0.001)
	require.True(t, Box{Width: 0, Height: 10}.Empty())
}

func TestSettle(t *testing.T) {
	t.Parallel()

	require.NoError(t, Settle(context.Background(), time.Millisecond))
	require.NoError(t, Settle(context.Background(), 0))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	require.ErrorIs(t, Settle(ctx, time.Hour), context.Canceled)
}
