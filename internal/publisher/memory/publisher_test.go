package memory

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type resolved struct {
	TaskID string `json:"task_id"`
	Status string `json:"status"`
}

func TestPublishRecordsEncodedEvents(t *testing.T) {
	t.Parallel()

	pub := New()
	id, err := pub.Publish(context.Background(), "imagery-events", resolved{TaskID: "a", Status: "completed"})
	require.NoError(t, err)
	assert.Equal(t, "memory-1", id)
	_, err = pub.Publish(context.Background(), "imagery-audit", resolved{TaskID: "b"})
	require.NoError(t, err)

	events := pub.Topic("imagery-events")
	require.Len(t, events, 1)
	assert.Equal(t, resolved{TaskID: "a", Status: "completed"}, events[0].Payload)
	assert.Equal(t, "application/json", events[0].Attributes["content_type"])

	var decoded resolved
	require.NoError(t, json.Unmarshal(events[0].Data, &decoded))
	assert.Equal(t, "a", decoded.TaskID)

	all := pub.Messages()
	require.Len(t, all, 2)
	assert.Equal(t, "memory-2", all[1].ID)
	all[0].Topic = "changed"
	assert.Equal(t, "imagery-events", pub.Messages()[0].Topic)
}

func TestPublishRejectsBadInput(t *testing.T) {
	t.Parallel()

	pub := New()
	_, err := pub.Publish(context.Background(), "", resolved{})
	require.Error(t, err)
	_, err = pub.Publish(context.Background(), "imagery-events", func() {})
	require.Error(t, err)
	assert.Empty(t, pub.Messages())
}

func TestFailNextIsConsumedInOrder(t *testing.T) {
	t.Parallel()

	pub := New()
	first, second := errors.New("unavailable"), context.DeadlineExceeded
	pub.FailNext(first)
	pub.FailNext(second)

	_, err := pub.Publish(context.Background(), "imagery-events", resolved{})
	require.ErrorIs(t, err, first)
	_, err = pub.Publish(context.Background(), "imagery-events", resolved{})
	require.ErrorIs(t, err, second)

	id, err := pub.Publish(context.Background(), "imagery-events", resolved{})
	require.NoError(t, err)
	assert.Equal(t, "memory-1", id, "failed publishes do not take an id")
	assert.Len(t, pub.Messages(), 1)
}
