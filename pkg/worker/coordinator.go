package worker

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/sync/semaphore"

	"github.com/fluxforge/controltower/pkg/kernel"
	"github.com/fluxforge/controltower/pkg/observability"
)

// Handler executes one task's stage and returns the resulting envelope.
// It receives a process-scoped context, so calls into the kernel's
// RecordLLMCall/RecordToolCall/RecordAgentHop inside the handler account
// against the right PCB automatically.
type Handler func(ctx context.Context, task *Task) (*kernel.Envelope, error)

// Coordinator pulls tasks off a distributed Queue, threads each one
// through the kernel's PCB lifecycle, checkpoints progress, and
// acknowledges or retries against the queue's own delivery semantics.
// Worker-level retry (MaxTaskRetries, driven off DeliveryAttempt) is
// distinct from the dispatcher's per-call retry inside the kernel.
type Coordinator struct {
	id          string
	log         zerolog.Logger
	kernel      *kernel.Kernel
	queue       Queue
	checkpoints CheckpointStore
	handler     Handler
	config      Config
	sem         *semaphore.Weighted

	mu       sync.Mutex
	running  bool
	inFlight int
	cancel   context.CancelFunc

	processed int64
	failed    int64
	retried   int64
}

// NewCoordinator wires a worker coordinator. Each coordinator gets a
// fresh uuid as its worker id; the id is not kept across restarts.
func NewCoordinator(k *kernel.Kernel, queue Queue, checkpoints CheckpointStore, handler Handler, config Config, log zerolog.Logger) *Coordinator {
	id := uuid.NewString()
	return &Coordinator{
		id:          id,
		log:         log.With().Str("component", "worker_coordinator").Str("worker_id", id).Logger(),
		kernel:      k,
		queue:       queue,
		checkpoints: checkpoints,
		handler:     handler,
		config:      config,
		sem:         semaphore.NewWeighted(int64(config.Concurrency)),
	}
}

// SubmitTask admits a task's process into the kernel (if not already
// tracked) and enqueues it onto the distributed queue.
func (c *Coordinator) SubmitTask(ctx context.Context, task *Task) error {
	if _, ok := c.kernel.GetRequestStatus(task.PID); !ok {
		c.kernel.Submit(task.Envelope, task.Priority, task.Quota)
	}
	return c.queue.Enqueue(ctx, task)
}

// Run starts the dequeue loop and the heartbeat loop, blocking until ctx
// is cancelled. On cancellation it stops pulling new tasks and waits for
// in-flight tasks to drain before returning (graceful shutdown).
func (c *Coordinator) Run(ctx context.Context) {
	runCtx, cancel := context.WithCancel(ctx)
	c.mu.Lock()
	c.running = true
	c.cancel = cancel
	c.mu.Unlock()

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		c.processLoop(runCtx)
	}()
	go func() {
		defer wg.Done()
		c.heartbeatLoop(runCtx)
	}()
	wg.Wait()

	c.mu.Lock()
	c.running = false
	c.mu.Unlock()
}

// Stop signals Run's loops to drain and return.
func (c *Coordinator) Stop() {
	c.mu.Lock()
	cancel := c.cancel
	c.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

func (c *Coordinator) processLoop(ctx context.Context) {
	for {
		if ctx.Err() != nil {
			c.drain()
			return
		}
		if err := c.sem.Acquire(ctx, 1); err != nil {
			c.drain()
			return
		}

		task, err := c.queue.Dequeue(ctx, c.config.PollTimeout)
		if err != nil {
			c.sem.Release(1)
			if ctx.Err() != nil {
				c.drain()
				return
			}
			time.Sleep(c.config.PollBackoff)
			continue
		}

		c.mu.Lock()
		c.inFlight++
		observability.WorkerInFlight.WithLabelValues(c.id).Set(float64(c.inFlight))
		c.mu.Unlock()

		go func(t *Task) {
			defer c.sem.Release(1)
			defer func() {
				c.mu.Lock()
				c.inFlight--
				observability.WorkerInFlight.WithLabelValues(c.id).Set(float64(c.inFlight))
				c.mu.Unlock()
			}()
			c.processTask(ctx, t)
		}(task)
	}
}

// drain waits for the semaphore to return to full capacity, i.e. every
// in-flight task has released its slot.
func (c *Coordinator) drain() {
	_ = c.sem.Acquire(context.Background(), int64(c.config.Concurrency))
	c.sem.Release(int64(c.config.Concurrency))
}

func (c *Coordinator) processTask(ctx context.Context, task *Task) {
	scopedCtx, pcb, ok := c.kernel.BeginWorkerStage(ctx, task.PID, task.Stage)
	if !ok {
		c.nack(ctx, task)
		return
	}

	result, err := c.handler(scopedCtx, task)
	c.kernel.CompleteWorkerStage(task.PID, err)

	if err != nil {
		atomic.AddInt64(&c.failed, 1)
		observability.WorkerTasksProcessed.WithLabelValues(c.id, "failure").Inc()
		c.nack(ctx, task)
		return
	}

	if c.checkpoints != nil {
		cp := &Checkpoint{
			ID:                 uuid.NewString(),
			TaskID:             task.ID,
			PID:                task.PID,
			ParentCheckpointID: task.ParentCheckpointID,
			Stage:              task.Stage,
			State:              stageOutputsOf(result),
		}
		if err := c.checkpoints.Save(ctx, cp); err != nil {
			c.log.Warn().Err(err).Str("task_id", task.ID).Msg("checkpoint_save_failed")
			observability.CheckpointSaves.WithLabelValues("failure").Inc()
		} else {
			observability.CheckpointSaves.WithLabelValues("success").Inc()
		}
	}

	if err := c.queue.Ack(ctx, task.ID); err != nil {
		c.log.Warn().Err(err).Str("task_id", task.ID).Msg("ack_failed")
	}
	atomic.AddInt64(&c.processed, 1)
	observability.WorkerTasksProcessed.WithLabelValues(c.id, "success").Inc()
	_ = pcb
}

func (c *Coordinator) nack(ctx context.Context, task *Task) {
	requeue := task.DeliveryAttempt < c.config.MaxTaskRetries
	if requeue {
		atomic.AddInt64(&c.retried, 1)
	}
	if err := c.queue.Nack(ctx, task.ID, requeue); err != nil {
		c.log.Warn().Err(err).Str("task_id", task.ID).Msg("nack_failed")
	}
	if !requeue {
		c.kernel.CancelRequest(task.PID, "worker_retries_exhausted")
	}
}

func stageOutputsOf(env *kernel.Envelope) map[string]any {
	if env == nil {
		return nil
	}
	return env.StageOutputs
}

func (c *Coordinator) heartbeatLoop(ctx context.Context) {
	ticker := time.NewTicker(c.config.HeartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			status := c.Status()
			c.log.Debug().Int("in_flight", status.InFlight).
				Int64("processed", status.TasksProcessed).
				Int64("failed", status.TasksFailed).
				Msg("worker_heartbeat")
		}
	}
}

// Status reports the coordinator's live counters.
func (c *Coordinator) Status() Status {
	c.mu.Lock()
	defer c.mu.Unlock()
	return Status{
		WorkerID:       c.id,
		Running:        c.running,
		InFlight:       c.inFlight,
		TasksProcessed: atomic.LoadInt64(&c.processed),
		TasksFailed:    atomic.LoadInt64(&c.failed),
		TasksRetried:   atomic.LoadInt64(&c.retried),
		LastHeartbeat:  time.Now(),
	}
}
