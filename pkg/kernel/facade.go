package kernel

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// ErrRateLimited names the case where the caller's sliding window is
// exhausted. SubmitRequest reports that case as a false result, not as
// this error; no function in this package returns it.
var ErrRateLimited = errors.New("kernel: rate limited")

// ErrProcessScopeMissing is returned by the record_* callbacks when ctx
// was not derived from WithProcessScope.
var ErrProcessScopeMissing = errors.New("kernel: context has no bound process id")

// StageHandler is the contract a registered service's Handle method
// fulfills; it is the same shape as ServiceHandler.Handle and exists so
// callers that only need a function, not a full ServiceHandler, can wrap
// it as StageHandler(fn) and pass it to RegisterService.
type StageHandler func(ctx context.Context, envelope *Envelope) (*Envelope, error)

// Handle adapts StageHandler to ServiceHandler.
func (f StageHandler) Handle(ctx context.Context, envelope *Envelope) (*Envelope, error) {
	return f(ctx, envelope)
}

// Kernel is the sole public entry point into the Control Tower. Every
// method converts internal component errors into either a boolean
// admission result or a terminated envelope; no internal error crosses
// this boundary as a panic or exception, aside from programmer errors
// (nil envelope, etc.) which are genuine bugs, not request-level faults.
type Kernel struct {
	log         zerolog.Logger
	table       *ProcessTable
	scheduler   *Scheduler
	tracker     *Tracker
	limiter     *RateLimiter
	registry    *Registry
	dispatcher  *Dispatcher
	events      *EventAggregator
	interrupts  *InterruptService
	stageTimeout time.Duration

	reqMu    sync.Mutex
	requests map[string]*Envelope
}

// NewKernel wires every kernel component into a single facade. The
// caller owns each component's lifetime but should only ever reach them
// through this facade once wired.
func NewKernel(
	table *ProcessTable,
	scheduler *Scheduler,
	tracker *Tracker,
	limiter *RateLimiter,
	registry *Registry,
	dispatcher *Dispatcher,
	events *EventAggregator,
	interrupts *InterruptService,
	log zerolog.Logger,
) *Kernel {
	return &Kernel{
		log:          log.With().Str("component", "kernel").Logger(),
		table:        table,
		scheduler:    scheduler,
		tracker:      tracker,
		limiter:      limiter,
		registry:     registry,
		dispatcher:   dispatcher,
		events:       events,
		interrupts:   interrupts,
		stageTimeout: 60 * time.Second,
		requests:     make(map[string]*Envelope),
	}
}

func (k *Kernel) storeEnvelope(pid string, envelope *Envelope) {
	k.reqMu.Lock()
	defer k.reqMu.Unlock()
	k.requests[pid] = envelope
}

func (k *Kernel) envelopeFor(pid string) (*Envelope, bool) {
	k.reqMu.Lock()
	defer k.reqMu.Unlock()
	e, ok := k.requests[pid]
	return e, ok
}

// RegisterService exposes the service registry through the facade.
func (k *Kernel) RegisterService(descriptor ServiceDescriptor, handler ServiceHandler) {
	k.registry.Register(descriptor, handler)
}

// SubmitRequest admits a new request for execution. Admission failures
// (rate limiting, a failed enqueue) are reported as a bool, never an
// error. Submitting an envelope id that is already tracked is
// idempotent: it returns the existing PCB and true without starting it
// again.
func (k *Kernel) SubmitRequest(ctx context.Context, envelope *Envelope, priority Priority, quota ResourceQuota) (*PCB, bool) {
	if result := k.limiter.CheckRateLimit(envelope.UserID, "submit_request", true); result.Exceeded {
		k.log.Warn().Str("user_id", envelope.UserID).Str("limit_type", result.LimitType).Msg("submit_rejected_rate_limited")
		return nil, false
	}

	pcb, created := k.table.Submit(envelope, priority, quota)
	if !created {
		return pcb, true
	}

	if err := k.tracker.Allocate(pcb.ID, quota); err != nil {
		k.log.Error().Err(err).Str("pid", pcb.ID).Msg("quota_allocate_failed")
	}
	k.storeEnvelope(pcb.ID, envelope.Clone())
	k.events.Publish(KernelEvent{Type: EventProcessCreated, Timestamp: time.Now(), PID: pcb.ID, RequestContext: pcb.RequestContext})

	if !k.scheduler.Enqueue(pcb.ID) {
		return pcb, false
	}

	go k.runProcess(pcb.ID)
	return pcb, true
}

// ResumeRequest resolves a pending interrupt and re-admits the process
// for execution. Returns false if the interrupt id is unknown, already
// resolved, or does not belong to the named process.
func (k *Kernel) ResumeRequest(ctx context.Context, pid, interruptID string, response map[string]any, actor string) bool {
	pending, ok := k.interrupts.PendingFor(pid)
	if !ok || pending != interruptID {
		return false
	}
	if _, ok := k.interrupts.Respond(interruptID, response, actor); !ok {
		return false
	}
	k.interrupts.Clear(pid)

	envelope, ok := k.envelopeFor(pid)
	if !ok {
		return false
	}
	if envelope.StageOutputs == nil {
		envelope.StageOutputs = make(map[string]any)
	}
	envelope.StageOutputs["interrupt_response"] = response
	envelope.Interrupt = nil
	envelope.InterruptPending = false

	if !k.scheduler.Enqueue(pid) {
		return false
	}
	go k.runProcess(pid)
	return true
}

// CancelRequest force-terminates pid regardless of its current state,
// including RUNNING, and removes it from the ready queue if still
// queued there.
func (k *Kernel) CancelRequest(pid, reason string) bool {
	k.scheduler.Remove(pid)
	pcb := k.table.Get(pid)
	if pcb == nil {
		return false
	}
	if !k.table.Terminate(pid, true) {
		return false
	}
	if envelope, ok := k.envelopeFor(pid); ok {
		envelope.Terminated = true
		envelope.TerminalReason = TerminalCancelled
		envelope.TerminationReason = reason
	}
	k.events.Publish(KernelEvent{
		Type: EventProcessCancelled, Timestamp: time.Now(), PID: pid, RequestContext: pcb.RequestContext,
		Data: map[string]any{"reason": reason},
	})
	return true
}

// RequestStatus is the read-only snapshot returned by GetRequestStatus.
type RequestStatus struct {
	PCB      PCB
	Usage    ResourceUsage
	Envelope *Envelope
}

// GetRequestStatus returns a point-in-time snapshot of pid's PCB, usage,
// and envelope. Returns false if pid is unknown.
func (k *Kernel) GetRequestStatus(pid string) (RequestStatus, bool) {
	pcb := k.table.Get(pid)
	if pcb == nil {
		return RequestStatus{}, false
	}
	usage, _ := k.tracker.GetUsage(pid)
	envelope, _ := k.envelopeFor(pid)
	return RequestStatus{PCB: *pcb, Usage: usage, Envelope: envelope.Clone()}, true
}

// RecordLLMCall increments pid's LLM-call and token counters, where pid
// is recovered from ctx (bound via WithProcessScope at submit/resume
// time), never from module-level mutable state. It returns check_quota's
// verdict synchronously: TerminalNone if the call stayed within quota,
// otherwise the breached reason, so an LLM gateway wired through this
// callback can abort its own call the instant it pushes a PCB over
// quota rather than waiting for the async ResourceExhausted event.
func (k *Kernel) RecordLLMCall(ctx context.Context, tokensIn, tokensOut int) (TerminalReason, error) {
	pid, ok := ProcessIDFromContext(ctx)
	if !ok {
		return TerminalNone, ErrProcessScopeMissing
	}
	k.tracker.RecordLLMCall(pid, tokensIn, tokensOut)
	return k.checkAndPublishQuota(pid), nil
}

// RecordToolCall increments pid's tool-call counter and returns
// check_quota's verdict, same contract as RecordLLMCall.
func (k *Kernel) RecordToolCall(ctx context.Context) (TerminalReason, error) {
	pid, ok := ProcessIDFromContext(ctx)
	if !ok {
		return TerminalNone, ErrProcessScopeMissing
	}
	k.tracker.RecordToolCall(pid)
	return k.checkAndPublishQuota(pid), nil
}

// RecordAgentHop increments pid's agent-hop counter and returns
// check_quota's verdict, same contract as RecordLLMCall. Handlers that
// hop to another agent outside the kernel's own stage dispatch loop
// call this directly so the quota accounting stays accurate.
func (k *Kernel) RecordAgentHop(ctx context.Context) (TerminalReason, error) {
	pid, ok := ProcessIDFromContext(ctx)
	if !ok {
		return TerminalNone, ErrProcessScopeMissing
	}
	k.tracker.RecordAgentHop(pid)
	return k.checkAndPublishQuota(pid), nil
}

// LLMUsageCallback reports tokens spent on one LLM call against the PCB
// bound to ctx and returns the quota-exceeded reason, if any, matching
// the original jeeves_control_tower usage-callback contract: a callable
// an LLM gateway invokes after every completion, so it learns
// synchronously whether that call was the one that blew the budget.
type LLMUsageCallback func(ctx context.Context, tokensIn, tokensOut int) (TerminalReason, error)

// NewLLMUsageCallback binds k.RecordLLMCall as an LLMUsageCallback, for
// handlers that want to pass the callback itself down to an LLM client
// rather than holding a *Kernel reference.
func (k *Kernel) NewLLMUsageCallback() LLMUsageCallback {
	return k.RecordLLMCall
}

// checkAndPublishQuota re-checks pid's quota after a usage update,
// publishes a warning or exhaustion event as appropriate, and returns
// the verdict so record callers can react synchronously.
func (k *Kernel) checkAndPublishQuota(pid string) TerminalReason {
	k.tracker.UpdateElapsed(pid)
	result := k.tracker.CheckQuota(pid)
	pcb := k.table.Get(pid)
	if pcb == nil {
		return TerminalNone
	}
	if result.Warning {
		k.events.Publish(KernelEvent{Type: EventResourceWarning, Timestamp: time.Now(), PID: pid, RequestContext: pcb.RequestContext})
		return TerminalNone
	}
	if result.Breached {
		k.events.Publish(KernelEvent{
			Type: EventResourceExhausted, Timestamp: time.Now(), PID: pid, RequestContext: pcb.RequestContext,
			Data: map[string]any{"reason": string(result.Reason)},
		})
		if envelope, ok := k.envelopeFor(pid); ok {
			envelope.Terminated = true
			envelope.TerminalReason = result.Reason
		}
		k.interrupts.Raise(pcb, InterruptResourceExhausted, map[string]any{"reason": string(result.Reason)})
		return result.Reason
	}
	return TerminalNone
}

// SystemStatus is the aggregate snapshot returned by GetSystemStatus.
type SystemStatus struct {
	CountsByState map[ProcessState]int
	TotalUsage    ResourceUsage
	ReadyDepth    int
	Services      []ServiceDescriptor
}

// GetSystemStatus reports a point-in-time view across every tracked
// process, used by operational dashboards and health checks.
func (k *Kernel) GetSystemStatus() SystemStatus {
	return SystemStatus{
		CountsByState: k.table.CountsByState(),
		TotalUsage:    k.tracker.GetSystemUsage(),
		ReadyDepth:    k.scheduler.Len(),
		Services:      k.registry.List(),
	}
}

// runProcess drives pid's envelope through its stage pipeline. It pops
// the process off the ready heap into RUNNING, dispatches each
// not-yet-completed stage to its matching service, checks quota before
// and after each dispatch, and either reaches a terminal state or
// suspends on an interrupt.
func (k *Kernel) runProcess(pid string) {
	pcb := k.scheduler.NextRunnable()
	if pcb == nil || pcb.ID != pid {
		return
	}

	envelope, ok := k.envelopeFor(pid)
	if !ok {
		return
	}

	ctx := WithProcessScope(context.Background(), pid)

	for _, stage := range envelope.StageOrder {
		if alreadyCompleted(envelope.CompletedStages, stage) {
			continue
		}

		if result := k.tracker.CheckQuota(pid); result.Breached {
			k.checkAndPublishQuota(pid)
			return
		}

		k.table.SetStage(pid, stage)
		envelope.CurrentStage = stage
		k.tracker.RecordAgentHop(pid)

		target := DispatchTarget{ServiceName: stage, Timeout: k.stageTimeout, MaxRetries: 2, Priority: pcb.Priority}
		result, err := k.dispatcher.Dispatch(ctx, target, envelope)
		if err != nil {
			envelope.Terminated = true
			envelope.TerminationReason = err.Error()
			k.table.Transition(pid, StateTerminated)
			k.events.Publish(KernelEvent{Type: EventProcessStateChanged, Timestamp: time.Now(), PID: pid, Data: map[string]any{"state": string(StateTerminated), "reason": err.Error()}})
			return
		}

		mergeEnvelope(envelope, result)

		if qr := k.tracker.CheckQuota(pid); qr.Breached {
			k.checkAndPublishQuota(pid)
			return
		}

		if result.InterruptPending && result.Interrupt != nil {
			k.interrupts.Raise(pcb, result.Interrupt.Kind, result.Interrupt.Body)
			envelope.InterruptPending = true
			envelope.Interrupt = result.Interrupt
			return
		}

		envelope.CompletedStages = append(envelope.CompletedStages, stage)
	}

	envelope.Terminated = true
	envelope.TerminalReason = TerminalCompleted
	k.table.Transition(pid, StateTerminated)
	k.events.Publish(KernelEvent{Type: EventProcessStateChanged, Timestamp: time.Now(), PID: pid, Data: map[string]any{"state": string(StateTerminated), "reason": string(TerminalCompleted)}})
}

func alreadyCompleted(completed []string, stage string) bool {
	for _, s := range completed {
		if s == stage {
			return true
		}
	}
	return false
}

// BeginWorkerStage is the distributed-mode counterpart of the in-process
// stage loop inside runProcess: it transitions pid from READY to
// RUNNING, records an agent hop for entering the stage, and returns a
// process-scoped context for the handler to use when calling
// RecordLLMCall/RecordToolCall/RecordAgentHop. Used by the worker
// coordinator, which dequeues tasks from a distributed queue instead of
// this kernel's own ready heap.
func (k *Kernel) BeginWorkerStage(ctx context.Context, pid, stage string) (context.Context, *PCB, bool) {
	if result := k.tracker.CheckQuota(pid); result.Breached {
		k.checkAndPublishQuota(pid)
		return ctx, nil, false
	}
	if current := k.table.Get(pid); current != nil && current.State == StateNew {
		k.table.Transition(pid, StateReady)
	}
	pcb, ok := k.table.MarkRunning(pid)
	if !ok {
		return ctx, nil, false
	}
	k.table.SetStage(pid, stage)
	k.tracker.RecordAgentHop(pid)
	return WithProcessScope(ctx, pid), pcb, true
}

// CompleteWorkerStage records the outcome of a distributed stage
// execution: on success it returns pid to READY for the next queued
// task in its pipeline; on failure it terminates pid with reason.
func (k *Kernel) CompleteWorkerStage(pid string, err error) {
	if err != nil {
		if envelope, ok := k.envelopeFor(pid); ok {
			envelope.Terminated = true
			envelope.TerminationReason = err.Error()
		}
		k.table.Transition(pid, StateTerminated)
		return
	}
	k.checkAndPublishQuota(pid)
	k.table.Transition(pid, StateReady)
}

// StoreEnvelope publishes an externally-constructed envelope into the
// kernel's request table, used by the worker coordinator when it admits
// a task that did not arrive through SubmitRequest.
func (k *Kernel) StoreEnvelope(pid string, envelope *Envelope) {
	k.storeEnvelope(pid, envelope)
}

// Submit is the low-level admission path used by the worker coordinator:
// it registers the PCB, allocates its quota and stores its envelope, the
// same steps SubmitRequest performs, but applies no rate limit, does not
// enqueue the PCB on the ready heap and does not start runProcess.
func (k *Kernel) Submit(envelope *Envelope, priority Priority, quota ResourceQuota) (*PCB, bool) {
	pcb, created := k.table.Submit(envelope, priority, quota)
	if !created {
		return pcb, false
	}
	if err := k.tracker.Allocate(pcb.ID, quota); err != nil {
		k.log.Error().Err(err).Str("pid", pcb.ID).Msg("quota_allocate_failed")
	}
	k.storeEnvelope(pcb.ID, envelope.Clone())
	k.events.Publish(KernelEvent{Type: EventProcessCreated, Timestamp: time.Now(), PID: pcb.ID, RequestContext: pcb.RequestContext})
	return pcb, true
}

func mergeEnvelope(dst, src *Envelope) {
	if src == nil {
		return
	}
	if src.StageOutputs != nil {
		if dst.StageOutputs == nil {
			dst.StageOutputs = make(map[string]any, len(src.StageOutputs))
		}
		for k, v := range src.StageOutputs {
			dst.StageOutputs[k] = v
		}
	}
}
