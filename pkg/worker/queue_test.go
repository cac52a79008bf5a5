package worker

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryQueueEnqueueDequeueRoundTrip(t *testing.T) {
	q := NewMemoryQueue(4)
	ctx := context.Background()

	require.NoError(t, q.Enqueue(ctx, &Task{ID: "task-1"}))

	task, err := q.Dequeue(ctx, time.Second)
	require.NoError(t, err)
	assert.Equal(t, "task-1", task.ID)
}

func TestMemoryQueueDequeueTimesOutWhenEmpty(t *testing.T) {
	q := NewMemoryQueue(1)
	_, err := q.Dequeue(context.Background(), 10*time.Millisecond)
	assert.ErrorIs(t, err, ErrQueueEmpty)
}

func TestMemoryQueueAckClearsLease(t *testing.T) {
	q := NewMemoryQueue(1)
	ctx := context.Background()
	q.Enqueue(ctx, &Task{ID: "task-1"})
	q.Dequeue(ctx, time.Second)

	require.NoError(t, q.Ack(ctx, "task-1"))
	_, ok := q.leased["task-1"]
	assert.False(t, ok)
}

func TestMemoryQueueNackRequeueMakesTaskVisibleAgain(t *testing.T) {
	q := NewMemoryQueue(1)
	ctx := context.Background()
	q.Enqueue(ctx, &Task{ID: "task-1"})
	task, err := q.Dequeue(ctx, time.Second)
	require.NoError(t, err)

	require.NoError(t, q.Nack(ctx, task.ID, true))

	redelivered, err := q.Dequeue(ctx, time.Second)
	require.NoError(t, err)
	assert.Equal(t, "task-1", redelivered.ID)
	assert.Equal(t, 1, redelivered.DeliveryAttempt, "a requeued nack bumps the delivery attempt counter")
}

func TestMemoryQueueNackWithoutRequeueDropsTask(t *testing.T) {
	q := NewMemoryQueue(1)
	ctx := context.Background()
	q.Enqueue(ctx, &Task{ID: "task-1"})
	task, _ := q.Dequeue(ctx, time.Second)

	require.NoError(t, q.Nack(ctx, task.ID, false))

	_, err := q.Dequeue(ctx, 10*time.Millisecond)
	assert.ErrorIs(t, err, ErrQueueEmpty)
}

func TestMemoryQueueCloseDrainsDequeue(t *testing.T) {
	q := NewMemoryQueue(1)
	q.Close()

	_, err := q.Dequeue(context.Background(), time.Second)
	assert.ErrorIs(t, err, ErrQueueEmpty)
}
