// Package worker implements the distributed Worker Coordinator: a
// queue-driven executor that pulls tasks off an external queue, threads
// them through the kernel's PCB lifecycle and checkpoints, and
// acknowledges or retries them against the queue's own delivery
// semantics.
package worker

import (
	"time"

	"github.com/fluxforge/controltower/pkg/kernel"
)

// Task is one unit of distributed work: advance envelope's process
// through a single named stage.
type Task struct {
	ID                  string
	PID                 string
	Stage               string
	Envelope            *kernel.Envelope
	Priority             kernel.Priority
	Quota                kernel.ResourceQuota
	ParentCheckpointID  string
	DeliveryAttempt     int
}

// Checkpoint is a durable snapshot of a task's progress, forming a DAG
// via ParentCheckpointID so a task can be forked from any prior point.
type Checkpoint struct {
	ID                 string
	TaskID             string
	PID                string
	ParentCheckpointID string
	Stage              string
	State              map[string]any
	CreatedAt          time.Time
}

// Status is the live state of a single worker, reported over the
// heartbeat channel and surfaced by Coordinator.Status.
type Status struct {
	WorkerID        string
	Running         bool
	InFlight        int
	TasksProcessed  int64
	TasksFailed     int64
	TasksRetried    int64
	LastHeartbeat   time.Time
}

// Config tunes the coordinator's polling, concurrency, and retry
// behavior.
type Config struct {
	Concurrency       int
	PollTimeout       time.Duration
	PollBackoff       time.Duration
	HeartbeatInterval time.Duration
	MaxTaskRetries    int
}

// DefaultConfig mirrors conservative production defaults.
func DefaultConfig() Config {
	return Config{
		Concurrency:       8,
		PollTimeout:       2 * time.Second,
		PollBackoff:       250 * time.Millisecond,
		HeartbeatInterval: 5 * time.Second,
		MaxTaskRetries:    3,
	}
}
