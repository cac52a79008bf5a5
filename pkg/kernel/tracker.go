package kernel

import (
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/fluxforge/controltower/pkg/observability"
)

// QuotaCheckResult reports whether a PCB has breached any cap, in the
// fixed check order: llm calls, tool calls, agent hops, iterations, hard
// timeout, then token caps. The first breach found wins; callers that
// need every breach should inspect Usage/Quota directly.
type QuotaCheckResult struct {
	Breached bool
	Reason   TerminalReason
	Warning  bool // soft warning at the 80% mark or soft timeout, not yet a breach
}

// Tracker records per-PCB resource usage against the quota allocated at
// admission, and answers quota-exceeded checks in the fixed order spec'd
// for the Resource Tracker.
type Tracker struct {
	mu      sync.Mutex
	log     zerolog.Logger
	quotas  map[string]ResourceQuota
	usage   map[string]*ResourceUsage
	started map[string]time.Time
}

// NewTracker constructs an empty resource tracker.
func NewTracker(log zerolog.Logger) *Tracker {
	return &Tracker{
		log:     log.With().Str("component", "resource_tracker").Logger(),
		quotas:  make(map[string]ResourceQuota),
		usage:   make(map[string]*ResourceUsage),
		started: make(map[string]time.Time),
	}
}

// Allocate reserves a quota for pid. Returns ErrQuotaAlreadyAllocated if
// pid is already tracked.
func (t *Tracker) Allocate(pid string, quota ResourceQuota) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.quotas[pid]; ok {
		return ErrQuotaAlreadyAllocated
	}
	t.quotas[pid] = quota
	t.usage[pid] = &ResourceUsage{}
	t.started[pid] = time.Now()
	return nil
}

// IsTracked reports whether pid currently has an allocated quota.
func (t *Tracker) IsTracked(pid string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	_, ok := t.quotas[pid]
	return ok
}

// ensureLocked autovivifies a default-quota entry for an unknown pid. The
// tracker accepts usage recordings for PIDs it never saw allocate, so a
// caller that races admission and usage-recording never loses counts.
func (t *Tracker) ensureLocked(pid string) *ResourceUsage {
	if u, ok := t.usage[pid]; ok {
		return u
	}
	t.quotas[pid] = DefaultQuota()
	u := &ResourceUsage{}
	t.usage[pid] = u
	t.started[pid] = time.Now()
	return u
}

// RecordLLMCall increments the LLM-call counter and token tallies.
func (t *Tracker) RecordLLMCall(pid string, tokensIn, tokensOut int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	u := t.ensureLocked(pid)
	u.LLMCalls++
	u.TokensIn += tokensIn
	u.TokensOut += tokensOut
}

// RecordToolCall increments the tool-call counter.
func (t *Tracker) RecordToolCall(pid string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.ensureLocked(pid).ToolCalls++
}

// RecordAgentHop increments the agent-hop counter.
func (t *Tracker) RecordAgentHop(pid string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.ensureLocked(pid).AgentHops++
}

// RecordIteration increments the iteration counter.
func (t *Tracker) RecordIteration(pid string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.ensureLocked(pid).Iterations++
}

// UpdateElapsed stamps the current elapsed-seconds figure for pid, used
// by the hard/soft timeout checks.
func (t *Tracker) UpdateElapsed(pid string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	started, ok := t.started[pid]
	if !ok {
		return
	}
	u := t.ensureLocked(pid)
	u.ElapsedSecond = time.Since(started).Seconds()
}

// GetUsage returns a copy of the current usage counters for pid.
func (t *Tracker) GetUsage(pid string) (ResourceUsage, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	u, ok := t.usage[pid]
	if !ok {
		return ResourceUsage{}, false
	}
	return *u, true
}

// GetQuota returns the quota allocated to pid.
func (t *Tracker) GetQuota(pid string) (ResourceQuota, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	q, ok := t.quotas[pid]
	return q, ok
}

// AdjustQuota rewrites the quota allocated to pid, used by supervisory
// paths that grant a request more budget mid-flight. Returns false for
// an unknown pid.
func (t *Tracker) AdjustQuota(pid string, quota ResourceQuota) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.quotas[pid]; !ok {
		return false
	}
	t.quotas[pid] = quota
	return true
}

// Release drops all tracking state for pid.
func (t *Tracker) Release(pid string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.quotas, pid)
	delete(t.usage, pid)
	delete(t.started, pid)
}

// CheckQuota evaluates usage against quota in the fixed order: max llm
// calls, max tool calls, max agent hops, max iterations, hard timeout,
// then token caps (in, out, context). The first breach short-circuits
// the result. A cap is breached only once usage exceeds it: at the cap
// exactly, CheckQuota reports no breach; one call/second/token past it
// does. When nothing is breached, Warning is set if usage is at or above
// 80% of any call/hop/iteration cap, or elapsed time is at or past the
// soft timeout.
func (t *Tracker) CheckQuota(pid string) QuotaCheckResult {
	t.mu.Lock()
	defer t.mu.Unlock()

	quota, ok := t.quotas[pid]
	if !ok {
		return QuotaCheckResult{}
	}
	u := t.ensureLocked(pid)

	switch {
	case quota.MaxLLMCalls > 0 && u.LLMCalls > quota.MaxLLMCalls:
		observability.QuotaBreaches.WithLabelValues(string(TerminalMaxLLMCalls)).Inc()
		return QuotaCheckResult{Breached: true, Reason: TerminalMaxLLMCalls}
	case quota.MaxToolCalls > 0 && u.ToolCalls > quota.MaxToolCalls:
		observability.QuotaBreaches.WithLabelValues(string(TerminalMaxToolCalls)).Inc()
		return QuotaCheckResult{Breached: true, Reason: TerminalMaxToolCalls}
	case quota.MaxAgentHops > 0 && u.AgentHops > quota.MaxAgentHops:
		observability.QuotaBreaches.WithLabelValues(string(TerminalMaxAgentHops)).Inc()
		return QuotaCheckResult{Breached: true, Reason: TerminalMaxAgentHops}
	case quota.MaxIterations > 0 && u.Iterations > quota.MaxIterations:
		observability.QuotaBreaches.WithLabelValues(string(TerminalMaxIterations)).Inc()
		return QuotaCheckResult{Breached: true, Reason: TerminalMaxIterations}
	case quota.HardTimeout > 0 && u.ElapsedSecond > quota.HardTimeout.Seconds():
		observability.QuotaBreaches.WithLabelValues(string(TerminalTimeout)).Inc()
		return QuotaCheckResult{Breached: true, Reason: TerminalTimeout}
	case quota.MaxTokensIn > 0 && u.TokensIn > quota.MaxTokensIn:
		observability.QuotaBreaches.WithLabelValues(string(TerminalMaxTokensIn)).Inc()
		return QuotaCheckResult{Breached: true, Reason: TerminalMaxTokensIn}
	case quota.MaxTokensOut > 0 && u.TokensOut > quota.MaxTokensOut:
		observability.QuotaBreaches.WithLabelValues(string(TerminalMaxTokensOut)).Inc()
		return QuotaCheckResult{Breached: true, Reason: TerminalMaxTokensOut}
	case quota.MaxTokensCtx > 0 && u.TokensIn+u.TokensOut > quota.MaxTokensCtx:
		observability.QuotaBreaches.WithLabelValues(string(TerminalMaxTokensContext)).Inc()
		return QuotaCheckResult{Breached: true, Reason: TerminalMaxTokensContext}
	}

	if atEightyPercent(u.LLMCalls, quota.MaxLLMCalls) ||
		atEightyPercent(u.ToolCalls, quota.MaxToolCalls) ||
		atEightyPercent(u.AgentHops, quota.MaxAgentHops) ||
		atEightyPercent(u.Iterations, quota.MaxIterations) ||
		(quota.SoftTimeout > 0 && u.ElapsedSecond >= quota.SoftTimeout.Seconds()) {
		observability.QuotaWarnings.WithLabelValues(pid).Inc()
		return QuotaCheckResult{Warning: true}
	}
	return QuotaCheckResult{}
}

func atEightyPercent(used, cap int) bool {
	if cap <= 0 {
		return false
	}
	return float64(used) >= 0.8*float64(cap)
}

// GetRemainingBudget returns the saturating (never negative) remaining
// budget for each call/hop/iteration dimension.
func (t *Tracker) GetRemainingBudget(pid string) map[string]int {
	t.mu.Lock()
	defer t.mu.Unlock()
	quota, ok := t.quotas[pid]
	if !ok {
		return nil
	}
	u := t.ensureLocked(pid)
	return map[string]int{
		"llm_calls":  remaining(quota.MaxLLMCalls, u.LLMCalls),
		"tool_calls": remaining(quota.MaxToolCalls, u.ToolCalls),
		"agent_hops": remaining(quota.MaxAgentHops, u.AgentHops),
		"iterations": remaining(quota.MaxIterations, u.Iterations),
	}
}

func remaining(cap, used int) int {
	r := cap - used
	if r < 0 {
		return 0
	}
	return r
}

// GetSystemUsage aggregates usage across every currently tracked PID,
// used by the kernel facade's system-status snapshot.
func (t *Tracker) GetSystemUsage() ResourceUsage {
	t.mu.Lock()
	defer t.mu.Unlock()
	var total ResourceUsage
	for _, u := range t.usage {
		total.LLMCalls += u.LLMCalls
		total.ToolCalls += u.ToolCalls
		total.AgentHops += u.AgentHops
		total.Iterations += u.Iterations
		total.TokensIn += u.TokensIn
		total.TokensOut += u.TokensOut
	}
	return total
}

// GetAllUsage returns a copy of every tracked PID's usage, keyed by pid.
func (t *Tracker) GetAllUsage() map[string]ResourceUsage {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make(map[string]ResourceUsage, len(t.usage))
	for pid, u := range t.usage {
		out[pid] = *u
	}
	return out
}
