package kernel

import (
	"sync"

	"github.com/rs/zerolog"
)

// EventHandler receives events the subscriber matched against. It is
// invoked outside the aggregator's lock; a panic inside it is isolated
// and logged, never propagated to the publisher.
type EventHandler func(KernelEvent)

// ringBuffer is a fixed-capacity, overwrite-oldest circular buffer.
type ringBuffer struct {
	items []KernelEvent
	cap   int
	next  int
	size  int
}

func newRingBuffer(capacity int) *ringBuffer {
	return &ringBuffer{items: make([]KernelEvent, capacity), cap: capacity}
}

func (b *ringBuffer) push(ev KernelEvent) {
	if b.cap == 0 {
		return
	}
	b.items[b.next] = ev
	b.next = (b.next + 1) % b.cap
	if b.size < b.cap {
		b.size++
	}
}

// snapshot returns events oldest-first.
func (b *ringBuffer) snapshot() []KernelEvent {
	out := make([]KernelEvent, 0, b.size)
	if b.size < b.cap {
		out = append(out, b.items[:b.size]...)
		return out
	}
	out = append(out, b.items[b.next:]...)
	out = append(out, b.items[:b.next]...)
	return out
}

// EventAggregator fans out kernel events to subscribers, retaining a
// bounded global history plus a bounded per-PCB history.
type EventAggregator struct {
	mu             sync.Mutex
	log            zerolog.Logger
	globalCap      int
	perPCBCap      int
	global         *ringBuffer
	perPCB         map[string]*ringBuffer
	exact          map[string][]EventHandler
	wildcard       []EventHandler
}

// NewEventAggregator constructs an aggregator with the given global and
// per-PCB ring capacities (spec defaults: 10,000 and 100).
func NewEventAggregator(globalCap, perPCBCap int, log zerolog.Logger) *EventAggregator {
	return &EventAggregator{
		log:       log.With().Str("component", "event_aggregator").Logger(),
		globalCap: globalCap,
		perPCBCap: perPCBCap,
		global:    newRingBuffer(globalCap),
		perPCB:    make(map[string]*ringBuffer),
		exact:     make(map[string][]EventHandler),
	}
}

// Subscribe registers handler against an exact event type, or against
// every event when eventType is "*".
func (a *EventAggregator) Subscribe(eventType string, handler EventHandler) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if eventType == "*" {
		a.wildcard = append(a.wildcard, handler)
		return
	}
	a.exact[eventType] = append(a.exact[eventType], handler)
}

// Publish records ev into the global and per-PCB ring buffers, then
// dispatches to subscribers: first exact-type subscribers, then
// wildcard subscribers, outside the aggregator lock so a slow or
// panicking handler never blocks or corrupts the ring buffers.
func (a *EventAggregator) Publish(ev KernelEvent) {
	a.mu.Lock()
	a.global.push(ev)
	if ev.PID != "" {
		buf, ok := a.perPCB[ev.PID]
		if !ok {
			buf = newRingBuffer(a.perPCBCap)
			a.perPCB[ev.PID] = buf
		}
		buf.push(ev)
	}
	handlers := make([]EventHandler, 0, len(a.exact[ev.Type])+len(a.wildcard))
	handlers = append(handlers, a.exact[ev.Type]...)
	handlers = append(handlers, a.wildcard...)
	a.mu.Unlock()

	for _, h := range handlers {
		a.invokeSafely(h, ev)
	}
}

func (a *EventAggregator) invokeSafely(h EventHandler, ev KernelEvent) {
	defer func() {
		if r := recover(); r != nil {
			a.log.Error().Interface("panic", r).Str("event_type", ev.Type).Msg("event_handler_panic")
		}
	}()
	h(ev)
}

// History returns the global event history, oldest first.
func (a *EventAggregator) History() []KernelEvent {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.global.snapshot()
}

// HistoryForPCB returns the per-PCB event history, oldest first.
func (a *EventAggregator) HistoryForPCB(pid string) []KernelEvent {
	a.mu.Lock()
	defer a.mu.Unlock()
	buf, ok := a.perPCB[pid]
	if !ok {
		return nil
	}
	return buf.snapshot()
}

// DropPCBHistory releases the per-PCB ring buffer, called on cleanup.
func (a *EventAggregator) DropPCBHistory(pid string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	delete(a.perPCB, pid)
}
