package kernel

import (
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/fluxforge/controltower/pkg/observability"
)

// InterruptService is the unified path for suspending a PCB on
// user-in-the-loop input and resuming it with a response. At most one
// interrupt is pending per PCB; a terminal kind (TIMEOUT,
// RESOURCE_EXHAUSTED) short-circuits straight to a terminated envelope
// without ever creating a resumable record.
type InterruptService struct {
	mu       sync.Mutex
	log      zerolog.Logger
	table    *ProcessTable
	events   *EventAggregator
	byID     map[string]*InterruptRecord
	byPID    map[string]string // pid -> interrupt id, enforces at-most-one
}

// NewInterruptService wires the interrupt service against the process
// table it suspends/resumes and the aggregator it reports through.
func NewInterruptService(table *ProcessTable, events *EventAggregator, log zerolog.Logger) *InterruptService {
	return &InterruptService{
		log:    log.With().Str("component", "interrupt_service").Logger(),
		table:  table,
		events: events,
		byID:   make(map[string]*InterruptRecord),
		byPID:  make(map[string]string),
	}
}

// Raise suspends pid with a pending interrupt of the given kind. For a
// terminal kind this only transitions the PCB state and publishes an
// event; it deliberately never allocates an InterruptRecord, since a
// terminal interrupt can never be responded to.
func (s *InterruptService) Raise(pcb *PCB, kind InterruptKind, body map[string]any) *InterruptRecord {
	s.mu.Lock()

	if kind.IsTerminal() {
		s.mu.Unlock()
		observability.InterruptsRaised.WithLabelValues(string(kind)).Inc()
		s.table.Transition(pcb.ID, StateTerminated)
		s.events.Publish(KernelEvent{
			Type: EventInterruptRaised, Timestamp: time.Now(), PID: pcb.ID,
			RequestContext: pcb.RequestContext,
			Data:           map[string]any{"kind": string(kind), "terminal": true},
		})
		return nil
	}

	if existing, ok := s.byPID[pcb.ID]; ok {
		s.mu.Unlock()
		return s.byID[existing]
	}

	record := &InterruptRecord{
		ID:        uuid.NewString(),
		Kind:      kind,
		PID:       pcb.ID,
		RequestID: pcb.RequestID,
		UserID:    pcb.UserID,
		SessionID: pcb.SessionID,
		Body:      body,
		CreatedAt: time.Now(),
	}
	s.byID[record.ID] = record
	s.byPID[pcb.ID] = record.ID
	s.mu.Unlock()

	observability.InterruptsRaised.WithLabelValues(string(kind)).Inc()
	s.table.SetInterrupt(pcb.ID, kind, body)
	s.table.Transition(pcb.ID, StateWaiting)
	s.events.Publish(KernelEvent{
		Type: EventInterruptRaised, Timestamp: time.Now(), PID: pcb.ID,
		RequestContext: pcb.RequestContext,
		Data:           map[string]any{"kind": string(kind), "interrupt_id": record.ID},
	})
	return record
}

// Respond resolves interruptID with a response body and actor, returning
// the resolved record. It does not itself transition the PCB back to
// READY; the kernel facade's ResumeRequest does that after Respond
// succeeds. The response body is stored as given, without validation.
func (s *InterruptService) Respond(interruptID string, response map[string]any, actor string) (*InterruptRecord, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	record, ok := s.byID[interruptID]
	if !ok || record.Resolved {
		return nil, false
	}
	record.Resolved = true
	record.Response = response
	record.Actor = actor
	return record, true
}

// Get returns the interrupt record by id.
func (s *InterruptService) Get(interruptID string) (*InterruptRecord, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.byID[interruptID]
	return r, ok
}

// PendingFor returns the pending (unresolved) interrupt id for pid, if any.
func (s *InterruptService) PendingFor(pid string) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	id, ok := s.byPID[pid]
	if !ok {
		return "", false
	}
	if s.byID[id].Resolved {
		return "", false
	}
	return id, true
}

// Clear drops the interrupt bookkeeping for pid, called once a resume
// has been fully processed.
func (s *InterruptService) Clear(pid string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if id, ok := s.byPID[pid]; ok {
		delete(s.byID, id)
		delete(s.byPID, pid)
	}
	s.table.ClearInterrupt(pid)
}
