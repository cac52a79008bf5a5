// Package gateway exposes a minimal HTTP surface over the kernel facade:
// submit/resume/cancel/status endpoints plus a WebSocket event stream.
// It is deliberately thin — request/response shaping only, no business
// logic — everything else lives behind the kernel facade.
package gateway

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/fluxforge/controltower/pkg/kernel"
	"github.com/fluxforge/controltower/pkg/streaming"
)

// API wires the kernel facade and streaming hub behind net/http handlers.
type API struct {
	log        zerolog.Logger
	kernel     *kernel.Kernel
	hub        *streaming.Hub
	upgrader   websocket.Upgrader
	signer     *TokenSigner
	idempotent *idempotencyStore
}

// NewAPI constructs a gateway API. signer may be nil, in which case the
// gateway runs without request authentication (suitable for a trusted
// internal deployment behind its own perimeter).
func NewAPI(k *kernel.Kernel, hub *streaming.Hub, signer *TokenSigner, log zerolog.Logger) *API {
	return &API{
		log:        log.With().Str("component", "gateway").Logger(),
		kernel:     k,
		hub:        hub,
		signer:     signer,
		idempotent: newIdempotencyStore(nil, 24*time.Hour),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
	}
}

// Routes returns the gateway's handlers mounted on a fresh ServeMux,
// wrapped with CORS and bearer-token authentication middleware.
func (a *API) Routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/requests", a.handleSubmit)
	mux.HandleFunc("/requests/resume", a.handleResume)
	mux.HandleFunc("/requests/cancel", a.handleCancel)
	mux.HandleFunc("/requests/status", a.handleStatus)
	mux.HandleFunc("/system/status", a.handleSystemStatus)
	mux.HandleFunc("/events/stream", a.handleEventStream)
	return corsMiddleware(a.authMiddleware(mux))
}

type submitRequest struct {
	Envelope kernel.Envelope `json:"envelope"`
	Priority int             `json:"priority"`
}

type submitResponse struct {
	PID      string `json:"pid"`
	Accepted bool   `json:"accepted"`
}

func (a *API) handleSubmit(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var req submitRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	idempotencyKey := r.Header.Get("Idempotency-Key")
	if pid, ok := a.idempotent.lookup(r.Context(), idempotencyKey); ok {
		writeJSON(w, http.StatusAccepted, submitResponse{PID: pid, Accepted: true})
		return
	}

	envelope := req.Envelope
	pcb, accepted := a.kernel.SubmitRequest(r.Context(), &envelope, kernel.Priority(req.Priority), kernel.DefaultQuota())
	resp := submitResponse{Accepted: accepted}
	if pcb != nil {
		resp.PID = pcb.ID
		a.idempotent.record(r.Context(), idempotencyKey, pcb.ID)
	}
	writeJSON(w, http.StatusAccepted, resp)
}

type resumeRequest struct {
	PID         string         `json:"pid"`
	InterruptID string         `json:"interrupt_id"`
	Response    map[string]any `json:"response"`
	Actor       string         `json:"actor"`
}

func (a *API) handleResume(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var req resumeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	ok := a.kernel.ResumeRequest(r.Context(), req.PID, req.InterruptID, req.Response, req.Actor)
	writeJSON(w, http.StatusOK, map[string]bool{"resumed": ok})
}

type cancelRequest struct {
	PID    string `json:"pid"`
	Reason string `json:"reason"`
}

func (a *API) handleCancel(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var req cancelRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	ok := a.kernel.CancelRequest(req.PID, req.Reason)
	writeJSON(w, http.StatusOK, map[string]bool{"cancelled": ok})
}

func (a *API) handleStatus(w http.ResponseWriter, r *http.Request) {
	pid := r.URL.Query().Get("pid")
	if pid == "" {
		http.Error(w, "missing pid", http.StatusBadRequest)
		return
	}
	status, ok := a.kernel.GetRequestStatus(pid)
	if !ok {
		http.Error(w, "unknown pid", http.StatusNotFound)
		return
	}
	writeJSON(w, http.StatusOK, status)
}

func (a *API) handleSystemStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, a.kernel.GetSystemStatus())
}

func (a *API) handleEventStream(w http.ResponseWriter, r *http.Request) {
	conn, err := a.upgrader.Upgrade(w, r, nil)
	if err != nil {
		a.log.Warn().Err(err).Msg("ws_upgrade_failed")
		return
	}
	filter := r.URL.Query().Get("type")
	if filter == "" {
		filter = "*"
	}
	a.hub.Register(conn, filter)
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}
