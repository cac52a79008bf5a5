package kernel

import (
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestScheduler() (*ProcessTable, *Scheduler) {
	table := NewProcessTable(zerolog.Nop())
	return table, NewScheduler(table, zerolog.Nop())
}

func submitAndEnqueue(t *testing.T, table *ProcessTable, sched *Scheduler, pid string, priority Priority) {
	t.Helper()
	_, created := table.Submit(&Envelope{EnvelopeID: pid}, priority, DefaultQuota())
	require.True(t, created)
	require.True(t, sched.Enqueue(pid))
}

func TestSchedulerOrdersByPriorityThenFIFO(t *testing.T) {
	table, sched := newTestScheduler()

	submitAndEnqueue(t, table, sched, "normal-1", PriorityNormal)
	submitAndEnqueue(t, table, sched, "high-1", PriorityHigh)
	submitAndEnqueue(t, table, sched, "normal-2", PriorityNormal)

	first := sched.NextRunnable()
	require.NotNil(t, first)
	assert.Equal(t, "high-1", first.ID, "higher priority always runs before lower, regardless of arrival order")

	second := sched.NextRunnable()
	require.NotNil(t, second)
	assert.Equal(t, "normal-1", second.ID, "same-priority ties break FIFO by insertion order")

	third := sched.NextRunnable()
	require.NotNil(t, third)
	assert.Equal(t, "normal-2", third.ID)
}

func TestSchedulerNextRunnableTransitionsToRunning(t *testing.T) {
	table, sched := newTestScheduler()
	submitAndEnqueue(t, table, sched, "pid-1", PriorityNormal)

	pcb := sched.NextRunnable()
	require.NotNil(t, pcb)
	assert.Equal(t, StateRunning, pcb.State)
	assert.Equal(t, StateRunning, table.Get("pid-1").State)
}

func TestSchedulerNextRunnableEmptyReturnsNil(t *testing.T) {
	_, sched := newTestScheduler()
	assert.Nil(t, sched.NextRunnable())
}

func TestSchedulerRemoveDropsFromReadyQueue(t *testing.T) {
	table, sched := newTestScheduler()
	submitAndEnqueue(t, table, sched, "pid-1", PriorityNormal)

	assert.Equal(t, 1, sched.Len())
	assert.True(t, sched.Remove("pid-1"))
	assert.Equal(t, 0, sched.Len())
	assert.False(t, sched.Remove("pid-1"), "removing twice is a no-op")
	assert.Nil(t, sched.NextRunnable())
}

func TestSchedulerEnqueueRejectsDuplicates(t *testing.T) {
	table, sched := newTestScheduler()
	submitAndEnqueue(t, table, sched, "pid-1", PriorityNormal)

	assert.False(t, sched.Enqueue("pid-1"), "already-queued pid is rejected, not double-counted")
	assert.Equal(t, 1, sched.Len())
}
