package worker

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fluxforge/controltower/pkg/kernel"
)

func newTestCoordinatorKernel() *kernel.Kernel {
	table := kernel.NewProcessTable(zerolog.Nop())
	scheduler := kernel.NewScheduler(table, zerolog.Nop())
	tracker := kernel.NewTracker(zerolog.Nop())
	limiter := kernel.NewRateLimiter(kernel.DefaultRateLimitConfig(), zerolog.Nop())
	registry := kernel.NewRegistry(zerolog.Nop())
	dispatcher := kernel.NewDispatcher(registry, nil, zerolog.Nop())
	events := kernel.NewEventAggregator(1000, 100, zerolog.Nop())
	interrupts := kernel.NewInterruptService(table, events, zerolog.Nop())
	return kernel.NewKernel(table, scheduler, tracker, limiter, registry, dispatcher, events, interrupts, zerolog.Nop())
}

func waitForCondition(t *testing.T, within time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(within)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatal("condition not met within deadline")
}

func TestCoordinatorProcessesTaskSuccessfully(t *testing.T) {
	k := newTestCoordinatorKernel()
	queue := NewMemoryQueue(4)
	checkpoints := NewMemoryCheckpointStore()
	handler := func(ctx context.Context, task *Task) (*kernel.Envelope, error) {
		return &kernel.Envelope{EnvelopeID: task.PID, StageOutputs: map[string]any{"stage": task.Stage}}, nil
	}
	coordinator := NewCoordinator(k, queue, checkpoints, handler, DefaultConfig(), zerolog.Nop())

	envelope := &kernel.Envelope{EnvelopeID: "pid-1", UserID: "user-1"}
	task := &Task{ID: "task-1", PID: "pid-1", Stage: "draft", Envelope: envelope}
	require.NoError(t, coordinator.SubmitTask(context.Background(), task))

	ctx, cancel := context.WithTimeout(context.Background(), 500*time.Millisecond)
	defer cancel()
	go coordinator.Run(ctx)

	waitForCondition(t, time.Second, func() bool {
		return coordinator.Status().TasksProcessed == 1
	})

	cp, err := checkpoints.LoadLatestForTask(context.Background(), "task-1")
	require.NoError(t, err)
	assert.Equal(t, "draft", cp.Stage)
}

func TestCoordinatorNacksAndRequeuesOnHandlerError(t *testing.T) {
	k := newTestCoordinatorKernel()
	queue := NewMemoryQueue(4)
	attempts := 0
	handler := func(ctx context.Context, task *Task) (*kernel.Envelope, error) {
		attempts++
		if attempts < 2 {
			return nil, errors.New("transient failure")
		}
		return &kernel.Envelope{EnvelopeID: task.PID}, nil
	}
	config := DefaultConfig()
	config.MaxTaskRetries = 3
	coordinator := NewCoordinator(k, queue, nil, handler, config, zerolog.Nop())

	envelope := &kernel.Envelope{EnvelopeID: "pid-1", UserID: "user-1"}
	task := &Task{ID: "task-1", PID: "pid-1", Stage: "draft", Envelope: envelope}
	require.NoError(t, coordinator.SubmitTask(context.Background(), task))

	ctx, cancel := context.WithTimeout(context.Background(), 500*time.Millisecond)
	defer cancel()
	go coordinator.Run(ctx)

	waitForCondition(t, time.Second, func() bool {
		return coordinator.Status().TasksProcessed == 1
	})
	assert.Equal(t, int64(1), coordinator.Status().TasksRetried)
}

func TestCoordinatorCancelsProcessAfterRetriesExhausted(t *testing.T) {
	k := newTestCoordinatorKernel()
	queue := NewMemoryQueue(4)
	handler := func(ctx context.Context, task *Task) (*kernel.Envelope, error) {
		return nil, errors.New("always fails")
	}
	config := DefaultConfig()
	config.MaxTaskRetries = 0
	coordinator := NewCoordinator(k, queue, nil, handler, config, zerolog.Nop())

	envelope := &kernel.Envelope{EnvelopeID: "pid-1", UserID: "user-1"}
	task := &Task{ID: "task-1", PID: "pid-1", Stage: "draft", Envelope: envelope}
	require.NoError(t, coordinator.SubmitTask(context.Background(), task))

	ctx, cancel := context.WithTimeout(context.Background(), 500*time.Millisecond)
	defer cancel()
	go coordinator.Run(ctx)

	waitForCondition(t, time.Second, func() bool {
		status, ok := k.GetRequestStatus("pid-1")
		return ok && status.PCB.State == kernel.StateTerminated
	})
}

func TestCoordinatorStatusReportsWorkerID(t *testing.T) {
	k := newTestCoordinatorKernel()
	queue := NewMemoryQueue(1)
	coordinator := NewCoordinator(k, queue, nil, func(ctx context.Context, task *Task) (*kernel.Envelope, error) {
		return &kernel.Envelope{}, nil
	}, DefaultConfig(), zerolog.Nop())

	status := coordinator.Status()
	assert.NotEmpty(t, status.WorkerID)
	assert.False(t, status.Running)
}
