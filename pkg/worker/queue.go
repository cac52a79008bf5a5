package worker

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// ErrQueueEmpty is returned by Dequeue when no task is currently
// available; callers should back off and retry rather than treat it as
// a fault.
var ErrQueueEmpty = errors.New("worker: queue empty")

// Queue is the transport adapter contract the coordinator dequeues
// tasks from. Implementations provide their own redelivery semantics;
// Nack(requeue=true) must make the task visible to another Dequeue call.
type Queue interface {
	Enqueue(ctx context.Context, task *Task) error
	Dequeue(ctx context.Context, timeout time.Duration) (*Task, error)
	Ack(ctx context.Context, taskID string) error
	Nack(ctx context.Context, taskID string, requeue bool) error
}

// MemoryQueue is an in-process FIFO queue, used in tests and single-node
// deployments that don't need cross-process distribution.
type MemoryQueue struct {
	items  chan *Task
	mu     sync.Mutex
	leased map[string]*Task
	closed bool
}

// NewMemoryQueue constructs an empty in-memory queue with the given
// buffer depth.
func NewMemoryQueue(buffer int) *MemoryQueue {
	return &MemoryQueue{items: make(chan *Task, buffer), leased: make(map[string]*Task)}
}

func (q *MemoryQueue) Enqueue(ctx context.Context, task *Task) error {
	select {
	case q.items <- task:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (q *MemoryQueue) Dequeue(ctx context.Context, timeout time.Duration) (*Task, error) {
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case task, ok := <-q.items:
		if !ok {
			return nil, ErrQueueEmpty
		}
		q.mu.Lock()
		q.leased[task.ID] = task
		q.mu.Unlock()
		return task, nil
	case <-timer.C:
		return nil, ErrQueueEmpty
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (q *MemoryQueue) Ack(ctx context.Context, taskID string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	delete(q.leased, taskID)
	return nil
}

func (q *MemoryQueue) Nack(ctx context.Context, taskID string, requeue bool) error {
	q.mu.Lock()
	task, ok := q.leased[taskID]
	delete(q.leased, taskID)
	q.mu.Unlock()
	if ok && requeue {
		task.DeliveryAttempt++
		select {
		case q.items <- task:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

// Close marks the queue closed; a subsequent Dequeue on a drained queue
// returns ErrQueueEmpty instead of blocking forever.
func (q *MemoryQueue) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return
	}
	q.closed = true
	close(q.items)
}

// RedisQueue implements Queue against a Redis list, used for
// multi-process/distributed worker deployments. Leased tasks are held
// in a processing hash until Ack/Nack; a lease with no Ack within its
// own visibility window is the operator's responsibility to sweep back
// onto the main list (this adapter does not run that sweep itself).
type RedisQueue struct {
	client   *redis.Client
	listKey  string
	leaseKey string
}

// NewRedisQueue wires a redis-backed queue under the given key prefix.
func NewRedisQueue(client *redis.Client, keyPrefix string) *RedisQueue {
	return &RedisQueue{
		client:   client,
		listKey:  keyPrefix + ":tasks",
		leaseKey: keyPrefix + ":leased",
	}
}

func (q *RedisQueue) Enqueue(ctx context.Context, task *Task) error {
	data, err := json.Marshal(task)
	if err != nil {
		return err
	}
	return q.client.RPush(ctx, q.listKey, data).Err()
}

func (q *RedisQueue) Dequeue(ctx context.Context, timeout time.Duration) (*Task, error) {
	result, err := q.client.BLPop(ctx, timeout, q.listKey).Result()
	if errors.Is(err, redis.Nil) {
		return nil, ErrQueueEmpty
	}
	if err != nil {
		return nil, err
	}
	if len(result) != 2 {
		return nil, ErrQueueEmpty
	}
	var task Task
	if err := json.Unmarshal([]byte(result[1]), &task); err != nil {
		return nil, err
	}
	if err := q.client.HSet(ctx, q.leaseKey, task.ID, result[1]).Err(); err != nil {
		return nil, err
	}
	return &task, nil
}

func (q *RedisQueue) Ack(ctx context.Context, taskID string) error {
	return q.client.HDel(ctx, q.leaseKey, taskID).Err()
}

func (q *RedisQueue) Nack(ctx context.Context, taskID string, requeue bool) error {
	data, err := q.client.HGet(ctx, q.leaseKey, taskID).Result()
	if errors.Is(err, redis.Nil) {
		return nil
	}
	if err != nil {
		return err
	}
	if err := q.client.HDel(ctx, q.leaseKey, taskID).Err(); err != nil {
		return err
	}
	if !requeue {
		return nil
	}
	return q.client.RPush(ctx, q.listKey, data).Err()
}
