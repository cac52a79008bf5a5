package kernel

import (
	"container/heap"
	"sync"

	"github.com/rs/zerolog"

	"github.com/fluxforge/controltower/pkg/observability"
)

// readyItem is one entry in the ready heap. It mirrors the PCB fields the
// ordering depends on rather than holding a live pointer, so the heap
// invariant is never disturbed by a concurrent PCB mutation.
type readyItem struct {
	pid          string
	priority     Priority
	insertionSeq int64
	index        int
}

// readyHeap orders by priority first (lower Priority value runs first),
// then by insertion sequence (FIFO tie-break). No aging term is applied:
// a PCB that loses every race stays at the back of its priority band
// until it is re-enqueued, which is an accepted open question rather
// than a hidden starvation fix.
type readyHeap []*readyItem

func (h readyHeap) Len() int { return len(h) }
func (h readyHeap) Less(i, j int) bool {
	if h[i].priority != h[j].priority {
		return h[i].priority < h[j].priority
	}
	return h[i].insertionSeq < h[j].insertionSeq
}
func (h readyHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}
func (h *readyHeap) Push(x any) {
	item := x.(*readyItem)
	item.index = len(*h)
	*h = append(*h, item)
}
func (h *readyHeap) Pop() any {
	old := *h
	n := len(old)
	item := old[n-1]
	old[n-1] = nil
	item.index = -1
	*h = old[:n-1]
	return item
}

// Scheduler owns the ready heap and drives admission into RUNNING. It
// never mutates a PCB directly; all state changes go through the
// ProcessTable so the lifecycle invariants stay centralized.
type Scheduler struct {
	mu    sync.Mutex
	log   zerolog.Logger
	table *ProcessTable
	heap  readyHeap
	index map[string]*readyItem
}

// NewScheduler wires a scheduler against an existing process table.
func NewScheduler(table *ProcessTable, log zerolog.Logger) *Scheduler {
	s := &Scheduler{
		log:   log.With().Str("component", "scheduler").Logger(),
		table: table,
		index: make(map[string]*readyItem),
	}
	heap.Init(&s.heap)
	return s
}

// Enqueue transitions pid to READY and pushes it onto the ready heap
// with a fresh insertion sequence. It returns false if pid is already on
// the heap or cannot transition to READY, which includes a PCB that is
// already in READY.
func (s *Scheduler) Enqueue(pid string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, already := s.index[pid]; already {
		return false
	}
	if !s.table.Transition(pid, StateReady) {
		return false
	}
	pcb := s.table.Get(pid)
	if pcb == nil {
		return false
	}
	item := &readyItem{pid: pid, priority: pcb.Priority, insertionSeq: pcb.insertionSeq}
	heap.Push(&s.heap, item)
	s.index[pid] = item
	observability.ReadyQueueDepth.Set(float64(s.heap.Len()))
	s.log.Debug().Str("pid", pid).Msg("enqueued_ready")
	return true
}

// NextRunnable pops the highest-priority READY pid and transitions it to
// RUNNING, returning the resulting PCB. Returns nil when the ready heap
// is empty.
func (s *Scheduler) NextRunnable() *PCB {
	s.mu.Lock()
	if s.heap.Len() == 0 {
		s.mu.Unlock()
		return nil
	}
	item := heap.Pop(&s.heap).(*readyItem)
	delete(s.index, item.pid)
	observability.ReadyQueueDepth.Set(float64(s.heap.Len()))
	s.mu.Unlock()

	pcb, ok := s.table.MarkRunning(item.pid)
	if !ok {
		return nil
	}
	return pcb
}

// Remove drops pid from the ready heap without touching its PCB state,
// used when a PCB is cancelled while still queued.
func (s *Scheduler) Remove(pid string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	item, ok := s.index[pid]
	if !ok {
		return false
	}
	heap.Remove(&s.heap, item.index)
	delete(s.index, pid)
	observability.ReadyQueueDepth.Set(float64(s.heap.Len()))
	return true
}

// Len reports the current ready-queue depth.
func (s *Scheduler) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.heap.Len()
}
