package worker

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

// ErrCheckpointNotFound is returned by Load/LoadLatest when no matching
// checkpoint exists.
var ErrCheckpointNotFound = errors.New("worker: checkpoint not found")

// CheckpointStore is the adapter contract for durable checkpoint
// persistence. Checkpoints form a DAG via ParentCheckpointID, so a task
// can be forked from any ancestor, not only the most recent save.
type CheckpointStore interface {
	Save(ctx context.Context, cp *Checkpoint) error
	Load(ctx context.Context, checkpointID string) (*Checkpoint, error)
	LoadLatestForTask(ctx context.Context, taskID string) (*Checkpoint, error)
}

// MemoryCheckpointStore is an in-process checkpoint store for tests and
// single-node deployments.
type MemoryCheckpointStore struct {
	mu       sync.Mutex
	byID     map[string]*Checkpoint
	byTaskID map[string][]string // taskID -> ordered checkpoint ids
}

// NewMemoryCheckpointStore constructs an empty in-memory checkpoint store.
func NewMemoryCheckpointStore() *MemoryCheckpointStore {
	return &MemoryCheckpointStore{
		byID:     make(map[string]*Checkpoint),
		byTaskID: make(map[string][]string),
	}
}

func (s *MemoryCheckpointStore) Save(ctx context.Context, cp *Checkpoint) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp.CreatedAt = time.Now()
	cpCopy := *cp
	s.byID[cp.ID] = &cpCopy
	s.byTaskID[cp.TaskID] = append(s.byTaskID[cp.TaskID], cp.ID)
	return nil
}

func (s *MemoryCheckpointStore) Load(ctx context.Context, checkpointID string) (*Checkpoint, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp, ok := s.byID[checkpointID]
	if !ok {
		return nil, ErrCheckpointNotFound
	}
	cpCopy := *cp
	return &cpCopy, nil
}

func (s *MemoryCheckpointStore) LoadLatestForTask(ctx context.Context, taskID string) (*Checkpoint, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ids := s.byTaskID[taskID]
	if len(ids) == 0 {
		return nil, ErrCheckpointNotFound
	}
	cp := s.byID[ids[len(ids)-1]]
	cpCopy := *cp
	return &cpCopy, nil
}

// PostgresCheckpointStore persists checkpoints in a pgx-backed table,
// used for multi-node deployments that need checkpoints to survive a
// worker restart.
type PostgresCheckpointStore struct {
	pool *pgxpool.Pool
}

// NewPostgresCheckpointStore wires a checkpoint store against an
// existing connection pool. The caller is responsible for having
// applied the schema (a `checkpoints` table keyed by id, with task_id
// and created_at indexed).
func NewPostgresCheckpointStore(pool *pgxpool.Pool) *PostgresCheckpointStore {
	return &PostgresCheckpointStore{pool: pool}
}

func (s *PostgresCheckpointStore) Save(ctx context.Context, cp *Checkpoint) error {
	state, err := json.Marshal(cp.State)
	if err != nil {
		return err
	}
	_, err = s.pool.Exec(ctx, `
		INSERT INTO checkpoints (id, task_id, pid, parent_checkpoint_id, stage, state, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, now())
		ON CONFLICT (id) DO UPDATE SET state = EXCLUDED.state`,
		cp.ID, cp.TaskID, cp.PID, cp.ParentCheckpointID, cp.Stage, state)
	return err
}

func (s *PostgresCheckpointStore) Load(ctx context.Context, checkpointID string) (*Checkpoint, error) {
	var cp Checkpoint
	var state []byte
	err := s.pool.QueryRow(ctx, `
		SELECT id, task_id, pid, parent_checkpoint_id, stage, state, created_at
		FROM checkpoints WHERE id = $1`, checkpointID,
	).Scan(&cp.ID, &cp.TaskID, &cp.PID, &cp.ParentCheckpointID, &cp.Stage, &state, &cp.CreatedAt)
	if err != nil {
		return nil, ErrCheckpointNotFound
	}
	if err := json.Unmarshal(state, &cp.State); err != nil {
		return nil, err
	}
	return &cp, nil
}

func (s *PostgresCheckpointStore) LoadLatestForTask(ctx context.Context, taskID string) (*Checkpoint, error) {
	var cp Checkpoint
	var state []byte
	err := s.pool.QueryRow(ctx, `
		SELECT id, task_id, pid, parent_checkpoint_id, stage, state, created_at
		FROM checkpoints WHERE task_id = $1 ORDER BY created_at DESC LIMIT 1`, taskID,
	).Scan(&cp.ID, &cp.TaskID, &cp.PID, &cp.ParentCheckpointID, &cp.Stage, &state, &cp.CreatedAt)
	if err != nil {
		return nil, ErrCheckpointNotFound
	}
	if err := json.Unmarshal(state, &cp.State); err != nil {
		return nil, err
	}
	return &cp, nil
}
