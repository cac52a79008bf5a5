package gateway

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fluxforge/controltower/pkg/kernel"
	"github.com/fluxforge/controltower/pkg/streaming"
)

func newTestAPI(t *testing.T) *API {
	t.Helper()
	table := kernel.NewProcessTable(zerolog.Nop())
	scheduler := kernel.NewScheduler(table, zerolog.Nop())
	tracker := kernel.NewTracker(zerolog.Nop())
	limiter := kernel.NewRateLimiter(kernel.DefaultRateLimitConfig(), zerolog.Nop())
	registry := kernel.NewRegistry(zerolog.Nop())
	dispatcher := kernel.NewDispatcher(registry, nil, zerolog.Nop())
	events := kernel.NewEventAggregator(1000, 100, zerolog.Nop())
	interrupts := kernel.NewInterruptService(table, events, zerolog.Nop())
	k := kernel.NewKernel(table, scheduler, tracker, limiter, registry, dispatcher, events, interrupts, zerolog.Nop())
	hub := streaming.NewHub(zerolog.Nop())
	hub.Attach(events)
	return NewAPI(k, hub, nil, zerolog.Nop())
}

func TestHandleSubmitAccepts(t *testing.T) {
	api := newTestAPI(t)
	body, _ := json.Marshal(map[string]any{
		"envelope": map[string]any{"EnvelopeID": "pid-1", "UserID": "user-1"},
		"priority": int(kernel.PriorityNormal),
	})

	req := httptest.NewRequest(http.MethodPost, "/requests", bytes.NewReader(body))
	rec := httptest.NewRecorder()
	api.Routes().ServeHTTP(rec, req)

	assert.Equal(t, http.StatusAccepted, rec.Code)
	var resp submitResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.True(t, resp.Accepted)
	assert.NotEmpty(t, resp.PID)
}

func TestHandleSubmitRejectsGet(t *testing.T) {
	api := newTestAPI(t)
	req := httptest.NewRequest(http.MethodGet, "/requests", nil)
	rec := httptest.NewRecorder()
	api.Routes().ServeHTTP(rec, req)

	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
}

func TestHandleSubmitDeduplicatesByIdempotencyKey(t *testing.T) {
	api := newTestAPI(t)
	body, _ := json.Marshal(map[string]any{"envelope": map[string]any{"EnvelopeID": "pid-1", "UserID": "user-1"}})

	makeReq := func() *http.Request {
		req := httptest.NewRequest(http.MethodPost, "/requests", bytes.NewReader(body))
		req.Header.Set("Idempotency-Key", "key-1")
		return req
	}

	rec1 := httptest.NewRecorder()
	api.Routes().ServeHTTP(rec1, makeReq())
	var first submitResponse
	json.Unmarshal(rec1.Body.Bytes(), &first)

	rec2 := httptest.NewRecorder()
	api.Routes().ServeHTTP(rec2, makeReq())
	var second submitResponse
	json.Unmarshal(rec2.Body.Bytes(), &second)

	assert.Equal(t, first.PID, second.PID, "the same idempotency key returns the original pid")
}

func TestHandleStatusReturnsNotFoundForUnknownPID(t *testing.T) {
	api := newTestAPI(t)
	req := httptest.NewRequest(http.MethodGet, "/requests/status?pid=ghost", nil)
	rec := httptest.NewRecorder()
	api.Routes().ServeHTTP(rec, req)

	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestHandleStatusReturnsKnownPID(t *testing.T) {
	api := newTestAPI(t)
	submitBody, _ := json.Marshal(map[string]any{"envelope": map[string]any{"EnvelopeID": "pid-1", "UserID": "user-1"}})
	submitReq := httptest.NewRequest(http.MethodPost, "/requests", bytes.NewReader(submitBody))
	submitRec := httptest.NewRecorder()
	api.Routes().ServeHTTP(submitRec, submitReq)
	var submitResp submitResponse
	json.Unmarshal(submitRec.Body.Bytes(), &submitResp)

	statusReq := httptest.NewRequest(http.MethodGet, "/requests/status?pid="+submitResp.PID, nil)
	statusRec := httptest.NewRecorder()
	api.Routes().ServeHTTP(statusRec, statusReq)

	assert.Equal(t, http.StatusOK, statusRec.Code)
}

func TestHandleCancelUnknownPIDReportsFalse(t *testing.T) {
	api := newTestAPI(t)
	body, _ := json.Marshal(cancelRequest{PID: "ghost", Reason: "test"})
	req := httptest.NewRequest(http.MethodPost, "/requests/cancel", bytes.NewReader(body))
	rec := httptest.NewRecorder()
	api.Routes().ServeHTTP(rec, req)

	var resp map[string]bool
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.False(t, resp["cancelled"])
}

func TestHandleSystemStatusReturnsOK(t *testing.T) {
	api := newTestAPI(t)
	req := httptest.NewRequest(http.MethodGet, "/system/status", nil)
	rec := httptest.NewRecorder()
	api.Routes().ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestRoutesRejectMissingAuthWhenSignerConfigured(t *testing.T) {
	signer, err := NewTokenSigner("a-secret-at-least-32-bytes-long!!")
	require.NoError(t, err)

	table := kernel.NewProcessTable(zerolog.Nop())
	scheduler := kernel.NewScheduler(table, zerolog.Nop())
	tracker := kernel.NewTracker(zerolog.Nop())
	limiter := kernel.NewRateLimiter(kernel.DefaultRateLimitConfig(), zerolog.Nop())
	registry := kernel.NewRegistry(zerolog.Nop())
	dispatcher := kernel.NewDispatcher(registry, nil, zerolog.Nop())
	events := kernel.NewEventAggregator(1000, 100, zerolog.Nop())
	interrupts := kernel.NewInterruptService(table, events, zerolog.Nop())
	k := kernel.NewKernel(table, scheduler, tracker, limiter, registry, dispatcher, events, interrupts, zerolog.Nop())
	hub := streaming.NewHub(zerolog.Nop())
	hub.Attach(events)
	api := NewAPI(k, hub, signer, zerolog.Nop())

	req := httptest.NewRequest(http.MethodGet, "/system/status", nil)
	rec := httptest.NewRecorder()
	api.Routes().ServeHTTP(rec, req)

	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}
