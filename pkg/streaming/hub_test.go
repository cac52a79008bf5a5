package streaming

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/fluxforge/controltower/pkg/kernel"
)

var upgrader = websocket.Upgrader{CheckOrigin: func(r *http.Request) bool { return true }}

func newTestClient(t *testing.T, server *httptest.Server, filter string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(server.URL, "http") + "?type=" + filter
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func newTestHubServer(t *testing.T, hub *Hub) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		require.NoError(t, err)
		filter := r.URL.Query().Get("type")
		if filter == "" {
			filter = "*"
		}
		hub.Register(conn, filter)
	})
	server := httptest.NewServer(mux)
	t.Cleanup(server.Close)
	return server
}

func TestHubBroadcastsMatchingEventToSubscriber(t *testing.T) {
	hub := NewHub(zerolog.Nop())
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go hub.Run(ctx)

	server := newTestHubServer(t, hub)
	conn := newTestClient(t, server, "*")

	time.Sleep(20 * time.Millisecond)
	hub.events <- kernel.KernelEvent{Type: "process_state_changed", PID: "pid-1"}

	conn.SetReadDeadline(time.Now().Add(time.Second))
	_, msg, err := conn.ReadMessage()
	require.NoError(t, err)
	require.Contains(t, string(msg), "pid-1")
}

func TestHubDoesNotBroadcastToMismatchedFilter(t *testing.T) {
	hub := NewHub(zerolog.Nop())
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go hub.Run(ctx)

	server := newTestHubServer(t, hub)
	conn := newTestClient(t, server, "tool_call_recorded")

	time.Sleep(20 * time.Millisecond)
	hub.events <- kernel.KernelEvent{Type: "process_state_changed", PID: "pid-1"}

	conn.SetReadDeadline(time.Now().Add(100 * time.Millisecond))
	_, _, err := conn.ReadMessage()
	require.Error(t, err, "a subscriber filtered to a different event type receives nothing")
}

func TestHubAttachForwardsAggregatorEvents(t *testing.T) {
	hub := NewHub(zerolog.Nop())
	aggregator := kernel.NewEventAggregator(100, 10, zerolog.Nop())
	hub.Attach(aggregator)

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go hub.Run(ctx)

	server := newTestHubServer(t, hub)
	conn := newTestClient(t, server, "*")
	time.Sleep(20 * time.Millisecond)

	aggregator.Publish(kernel.KernelEvent{Type: "process_state_changed", PID: "pid-7"})

	conn.SetReadDeadline(time.Now().Add(time.Second))
	_, msg, err := conn.ReadMessage()
	require.NoError(t, err)
	require.Contains(t, string(msg), "pid-7")
}

func TestHubShutdownClosesClientConnections(t *testing.T) {
	hub := NewHub(zerolog.Nop())
	ctx, cancel := context.WithCancel(context.Background())
	go hub.Run(ctx)

	server := newTestHubServer(t, hub)
	conn := newTestClient(t, server, "*")
	time.Sleep(20 * time.Millisecond)

	cancel()
	time.Sleep(20 * time.Millisecond)

	conn.SetReadDeadline(time.Now().Add(time.Second))
	_, _, err := conn.ReadMessage()
	require.Error(t, err, "the connection is closed once the hub shuts down")
}
