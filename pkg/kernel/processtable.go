package kernel

import (
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/fluxforge/controltower/pkg/observability"
)

// validTransitions is the fixed adjacency set from spec §4.1. Any
// transition attempt outside this set returns false and leaves state
// unchanged.
var validTransitions = map[ProcessState]map[ProcessState]bool{
	StateNew:        {StateReady: true, StateTerminated: true},
	StateReady:      {StateRunning: true, StateTerminated: true},
	StateRunning:    {StateReady: true, StateWaiting: true, StateBlocked: true, StateTerminated: true},
	StateWaiting:    {StateReady: true, StateTerminated: true},
	StateBlocked:    {StateReady: true, StateTerminated: true},
	StateTerminated: {StateZombie: true},
	StateZombie:     {},
}

// ProcessTable exclusively owns PCBs, keyed by process id. All mutations
// happen under a single reentrant-by-convention lock that is never held
// across a handler invocation.
type ProcessTable struct {
	mu      sync.Mutex
	log     zerolog.Logger
	pcbs    map[string]*PCB
	nextSeq int64
}

// NewProcessTable creates an empty process table.
func NewProcessTable(log zerolog.Logger) *ProcessTable {
	return &ProcessTable{
		log:  log.With().Str("component", "process_table").Logger(),
		pcbs: make(map[string]*PCB),
	}
}

// Submit creates a PCB for envelope.EnvelopeID in state NEW. A submit with
// an id that already exists is idempotent: the existing PCB is returned
// unchanged (spec §8 round-trip property).
func (t *ProcessTable) Submit(envelope *Envelope, priority Priority, quota ResourceQuota) (*PCB, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if existing, ok := t.pcbs[envelope.EnvelopeID]; ok {
		t.log.Debug().Str("pid", envelope.EnvelopeID).Msg("duplicate_submit")
		return existing.clone(), false
	}

	pcb := &PCB{
		ID:             envelope.EnvelopeID,
		RequestID:      envelope.RequestID,
		UserID:         envelope.UserID,
		SessionID:      envelope.SessionID,
		RequestContext: envelope.RequestContext.Clone(),
		State:          StateNew,
		Priority:       priority,
		Quota:          quota,
		CreatedAt:      time.Now(),
	}
	t.pcbs[pcb.ID] = pcb
	observability.ProcessesByState.WithLabelValues(string(StateNew)).Inc()
	t.log.Debug().Str("pid", pcb.ID).Str("priority", priority.String()).Msg("process_created")
	return pcb.clone(), true
}

// Get returns a copy of the PCB, or nil if unknown.
func (t *ProcessTable) Get(pid string) *PCB {
	t.mu.Lock()
	defer t.mu.Unlock()
	pcb, ok := t.pcbs[pid]
	if !ok {
		return nil
	}
	return pcb.clone()
}

// transitionLocked validates and applies a state transition. Caller must
// hold t.mu. Returns the PCB pointer (live, not cloned) on success.
func (t *ProcessTable) transitionLocked(pid string, target ProcessState) (*PCB, bool) {
	pcb, ok := t.pcbs[pid]
	if !ok {
		return nil, false
	}
	from := pcb.State
	allowed := validTransitions[from]
	if !allowed[target] {
		t.log.Warn().Str("pid", pid).Str("from", string(from)).Str("to", string(target)).Msg("invalid_transition")
		return nil, false
	}
	pcb.State = target
	switch target {
	case StateReady:
		t.nextSeq++
		pcb.insertionSeq = t.nextSeq
	case StateTerminated:
		pcb.CompletedAt = time.Now()
	}
	observability.ProcessTransitions.WithLabelValues(string(from), string(target)).Inc()
	observability.ProcessesByState.WithLabelValues(string(from)).Dec()
	observability.ProcessesByState.WithLabelValues(string(target)).Inc()
	return pcb, true
}

// Transition validates and applies a state transition against the fixed
// adjacency set, returning false (without mutation) on any mismatch.
func (t *ProcessTable) Transition(pid string, target ProcessState) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	_, ok := t.transitionLocked(pid, target)
	return ok
}

// MarkRunning transitions a PCB to RUNNING and records last_scheduled_at;
// used by the scheduler once it pops a READY PCB off the heap.
func (t *ProcessTable) MarkRunning(pid string) (*PCB, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	pcb, ok := t.transitionLocked(pid, StateRunning)
	if !ok {
		return nil, false
	}
	now := time.Now()
	if pcb.FirstScheduledAt.IsZero() {
		pcb.FirstScheduledAt = now
	}
	pcb.LastScheduledAt = now
	return pcb.clone(), true
}

// Terminate marks a PCB TERMINATED. A RUNNING PCB may be terminated only
// with force=true; otherwise the call is refused.
func (t *ProcessTable) Terminate(pid string, force bool) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	pcb, ok := t.pcbs[pid]
	if !ok {
		return false
	}
	if pcb.State == StateRunning && !force {
		t.log.Warn().Str("pid", pid).Msg("cannot_terminate_running")
		return false
	}
	_, ok = t.transitionLocked(pid, StateTerminated)
	return ok
}

// Cleanup removes a TERMINATED or ZOMBIE PCB from the table.
func (t *ProcessTable) Cleanup(pid string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	pcb, ok := t.pcbs[pid]
	if !ok {
		return false
	}
	if pcb.State != StateTerminated && pcb.State != StateZombie {
		return false
	}
	delete(t.pcbs, pid)
	observability.ProcessesByState.WithLabelValues(string(pcb.State)).Dec()
	return true
}

// SetInterrupt sets the PCB's pending-interrupt slot (used by the kernel
// facade's handler-coordination helpers). Returns false if the PCB is unknown.
func (t *ProcessTable) SetInterrupt(pid string, kind InterruptKind, data map[string]any) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	pcb, ok := t.pcbs[pid]
	if !ok {
		return false
	}
	pcb.Interrupt = &pendingInterrupt{Kind: kind, Data: data}
	return true
}

// ClearInterrupt clears the PCB's pending-interrupt slot. Idempotent:
// returns false if none was pending.
func (t *ProcessTable) ClearInterrupt(pid string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	pcb, ok := t.pcbs[pid]
	if !ok || pcb.Interrupt == nil {
		return false
	}
	pcb.Interrupt = nil
	return true
}

// SetStage records the opaque current-stage label on a PCB.
func (t *ProcessTable) SetStage(pid, stage string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if pcb, ok := t.pcbs[pid]; ok {
		pcb.CurrentStage = stage
	}
}

// CountsByState returns the number of PCBs in each lifecycle state.
func (t *ProcessTable) CountsByState() map[ProcessState]int {
	t.mu.Lock()
	defer t.mu.Unlock()
	counts := make(map[ProcessState]int)
	for _, pcb := range t.pcbs {
		counts[pcb.State]++
	}
	return counts
}
