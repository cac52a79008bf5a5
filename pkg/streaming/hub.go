// Package streaming broadcasts kernel events to external subscribers
// over WebSocket, bridging the kernel's in-process EventAggregator to
// the outside world.
package streaming

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/fluxforge/controltower/pkg/kernel"
)

// maxConnections bounds the hub's client set so a burst of subscribers
// cannot exhaust file descriptors.
const maxConnections = 500

type registration struct {
	conn   *websocket.Conn
	filter string // event type filter, "*" for all
}

// Hub fans kernel events out to registered WebSocket connections. A
// single goroutine owns client registration and writes, so connections
// never race each other over the same socket.
type Hub struct {
	log        zerolog.Logger
	clients    map[*websocket.Conn]string
	register   chan registration
	unregister chan *websocket.Conn
	events     chan kernel.KernelEvent
	mu         sync.RWMutex
}

// NewHub constructs an event-broadcast hub. Call Attach to wire it to a
// kernel EventAggregator, and Run to start its dispatch loop.
func NewHub(log zerolog.Logger) *Hub {
	return &Hub{
		log:        log.With().Str("component", "streaming_hub").Logger(),
		clients:    make(map[*websocket.Conn]string),
		register:   make(chan registration),
		unregister: make(chan *websocket.Conn),
		events:     make(chan kernel.KernelEvent, 256),
	}
}

// Attach subscribes the hub to every event an aggregator publishes.
func (h *Hub) Attach(aggregator *kernel.EventAggregator) {
	aggregator.Subscribe("*", func(ev kernel.KernelEvent) {
		select {
		case h.events <- ev:
		default:
			h.log.Warn().Str("event_type", ev.Type).Msg("streaming_hub_backpressure_drop")
		}
	})
}

// Register adds conn to the broadcast set, filtered to eventFilter ("*"
// for every event). The connection is rejected (and closed) once the
// hub is at capacity.
func (h *Hub) Register(conn *websocket.Conn, eventFilter string) {
	h.register <- registration{conn: conn, filter: eventFilter}
}

// Unregister removes conn from the broadcast set.
func (h *Hub) Unregister(conn *websocket.Conn) {
	h.unregister <- conn
}

// Run drives the hub's single-goroutine dispatch loop until ctx is cancelled.
func (h *Hub) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			h.shutdown()
			return

		case reg := <-h.register:
			h.mu.Lock()
			if len(h.clients) >= maxConnections {
				h.mu.Unlock()
				reg.conn.Close()
				h.log.Warn().Int("max", maxConnections).Msg("streaming_hub_connection_rejected")
				continue
			}
			h.clients[reg.conn] = reg.filter
			h.mu.Unlock()

		case conn := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[conn]; ok {
				delete(h.clients, conn)
				conn.Close()
			}
			h.mu.Unlock()

		case ev := <-h.events:
			h.broadcast(ev)
		}
	}
}

func (h *Hub) broadcast(ev kernel.KernelEvent) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	if len(h.clients) == 0 {
		return
	}
	data, err := json.Marshal(ev)
	if err != nil {
		h.log.Error().Err(err).Msg("event_marshal_failed")
		return
	}
	for conn, filter := range h.clients {
		if filter != "*" && filter != ev.Type {
			continue
		}
		conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
		if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
			h.log.Debug().Err(err).Msg("streaming_hub_write_failed")
		}
	}
}

func (h *Hub) shutdown() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for conn := range h.clients {
		conn.Close()
	}
	h.clients = make(map[*websocket.Conn]string)
}
