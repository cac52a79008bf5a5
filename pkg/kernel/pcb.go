package kernel

import "time"

// InterruptRecord is the resumable (or terminal) record created when a
// handler requests user-in-the-loop input.
type InterruptRecord struct {
	ID        string
	Kind      InterruptKind
	PID       string
	RequestID string
	UserID    string
	SessionID string
	Body      map[string]any
	CreatedAt time.Time
	Resolved  bool
	Response  map[string]any
	Actor     string
}

// pendingInterrupt is the PCB's own interrupt slot; at most one per PCB.
type pendingInterrupt struct {
	Kind InterruptKind
	Data map[string]any
}

// PCB is the Process Control Block: the kernel's record for a live request.
// The Process Table exclusively owns the PCB; all other components hold a
// borrowed reference protected by the table's lock.
type PCB struct {
	ID             string
	RequestID      string
	UserID         string
	SessionID      string
	RequestContext RequestContext

	State    ProcessState
	Priority Priority

	Quota ResourceQuota

	CreatedAt        time.Time
	FirstScheduledAt time.Time
	LastScheduledAt  time.Time
	CompletedAt      time.Time

	CurrentStage string
	Interrupt    *pendingInterrupt

	// insertionSeq breaks priority ties FIFO by submission order, and is
	// refreshed on every transition into READY (§4.1: "re-enqueues with a
	// fresh insertion timestamp").
	insertionSeq int64
}

// clone copies the fields needed for a status response. Callers
// must hold the owning table's lock.
func (p *PCB) clone() *PCB {
	cp := *p
	cp.RequestContext = p.RequestContext.Clone()
	return &cp
}
