package api

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/livinlefevreloca/tideline/internal/coordinator"
	"github.com/livinlefevreloca/tideline/internal/db"
	"github.com/livinlefevreloca/tideline/internal/registry"
	"github.com/livinlefevreloca/tideline/internal/scheduler"
)

const defaultProjection = 5

type handlers struct {
	svc    Services
	logger *slog.Logger
}

func (h *handlers) serviceError(w http.ResponseWriter, r *http.Request, err error) {
	status := statusFor(err)
	if status == http.StatusInternalServerError {
		h.logger.Error("request failed", "method", r.Method, "path", r.URL.Path, "error", err)
		writeError(w, "internal error", status)
		return
	}
	writeError(w, err.Error(), status)
}

func (h *handlers) healthz(w http.ResponseWriter, r *http.Request) {
	if err := h.svc.DB.PingContext(r.Context()); err != nil {
		writeJSON(w, map[string]string{"status": "unavailable", "error": err.Error()}, http.StatusServiceUnavailable)
		return
	}
	writeJSON(w, map[string]string{"status": "ok"}, http.StatusOK)
}

type triggerRequest struct {
	AccountID string `json:"account_id"`
	Family    string `json:"family"`
}

// triggerRun handles POST /run
func (h *handlers) triggerRun(w http.ResponseWriter, r *http.Request) {
	var req triggerRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, fmt.Sprintf("invalid request body: %v", err), http.StatusBadRequest)
		return
	}
	if req.AccountID == "" || req.Family == "" {
		writeError(w, "account_id and family are required", http.StatusBadRequest)
		return
	}

	result, err := h.svc.Coordinator.TriggerRun(r.Context(), req.AccountID, req.Family, db.TriggerManual)
	if err != nil {
		h.serviceError(w, r, err)
		return
	}

	status := http.StatusAccepted
	if result.Outcome == coordinator.OutcomeSkipped {
		status = http.StatusOK
	}
	writeJSON(w, result, status)
}

type runAllRequest struct {
	AccountID string `json:"account_id"`
}

type runAllResponse struct {
	AccountID string                   `json:"account_id"`
	Results   []scheduler.RunAllResult `json:"results"`
}

// runAll handles POST /run-all
func (h *handlers) runAll(w http.ResponseWriter, r *http.Request) {
	var req runAllRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, fmt.Sprintf("invalid request body: %v", err), http.StatusBadRequest)
		return
	}
	if req.AccountID == "" {
		writeError(w, "account_id is required", http.StatusBadRequest)
		return
	}

	results, err := h.svc.Scheduler.RunAll(r.Context(), req.AccountID)
	if err != nil {
		h.serviceError(w, r, err)
		return
	}
	writeJSON(w, runAllResponse{AccountID: req.AccountID, Results: results}, http.StatusAccepted)
}

// listRuns handles GET /runs
func (h *handlers) listRuns(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	limit := 0
	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			writeError(w, "limit must be a non-negative integer", http.StatusBadRequest)
			return
		}
		limit = n
	}

	runs, err := h.svc.Registry.ListRecentRuns(r.Context(), q.Get("account_id"), q.Get("family"), limit)
	if err != nil {
		h.serviceError(w, r, err)
		return
	}
	writeJSON(w, map[string]any{"runs": runs}, http.StatusOK)
}

// getRun handles GET /runs/{id}
func (h *handlers) getRun(w http.ResponseWriter, r *http.Request) {
	run, err := h.svc.Registry.GetRun(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.serviceError(w, r, err)
		return
	}
	writeJSON(w, run, http.StatusOK)
}

// runEvents handles GET /runs/{id}/events. The body is newline-delimited
// JSON; with follow=true it stays open until the run is terminal.
func (h *handlers) runEvents(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	q := r.URL.Query()

	from := int64(1)
	if v := q.Get("from"); v != "" {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil || n < 1 {
			writeError(w, "from must be a positive integer", http.StatusBadRequest)
			return
		}
		from = n
	}
	follow, _ := strconv.ParseBool(q.Get("follow"))

	if !follow {
		if _, err := h.svc.Registry.GetRun(r.Context(), id); err != nil {
			h.serviceError(w, r, err)
			return
		}
		events, err := h.svc.Events.List(r.Context(), id, from, 0)
		if err != nil {
			h.serviceError(w, r, err)
			return
		}
		w.Header().Set("Content-Type", "application/x-ndjson")
		w.WriteHeader(http.StatusOK)
		enc := json.NewEncoder(w)
		for _, ev := range events {
			_ = enc.Encode(ev)
		}
		return
	}

	stream, err := h.svc.Events.Subscribe(r.Context(), id, from)
	if err != nil {
		h.serviceError(w, r, err)
		return
	}

	w.Header().Set("Content-Type", "application/x-ndjson")
	w.Header().Set("Cache-Control", "no-cache")
	w.WriteHeader(http.StatusOK)
	flusher, _ := w.(http.Flusher)
	if flusher != nil {
		flusher.Flush()
	}

	enc := json.NewEncoder(w)
	for ev := range stream {
		if err := enc.Encode(ev); err != nil {
			return
		}
		if flusher != nil {
			flusher.Flush()
		}
	}
}

// cancelRun handles POST /runs/{id}/cancel
func (h *handlers) cancelRun(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := h.svc.Coordinator.Cancel(r.Context(), id); err != nil {
		h.serviceError(w, r, err)
		return
	}
	writeJSON(w, map[string]any{"run_id": id, "cancel_requested": true}, http.StatusAccepted)
}

type configRequest struct {
	AccountID       string `json:"account_id"`
	Family          string `json:"family"`
	Enabled         bool   `json:"enabled"`
	OverlapSeconds  *int   `json:"overlap_seconds,omitempty"`
	BackfillSeconds *int   `json:"backfill_seconds,omitempty"`
}

// setConfig handles POST /config
func (h *handlers) setConfig(w http.ResponseWriter, r *http.Request) {
	var req configRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, fmt.Sprintf("invalid request body: %v", err), http.StatusBadRequest)
		return
	}
	if req.AccountID == "" || req.Family == "" {
		writeError(w, "account_id and family are required", http.StatusBadRequest)
		return
	}

	worker, err := h.svc.Registry.SetEnabled(r.Context(), req.AccountID, req.Family, req.Enabled)
	if err != nil {
		h.serviceError(w, r, err)
		return
	}

	if req.OverlapSeconds != nil || req.BackfillSeconds != nil {
		overlap := time.Duration(worker.OverlapSeconds) * time.Second
		backfill := time.Duration(worker.InitialBackfillSeconds) * time.Second
		if req.OverlapSeconds != nil {
			overlap = time.Duration(*req.OverlapSeconds) * time.Second
		}
		if req.BackfillSeconds != nil {
			backfill = time.Duration(*req.BackfillSeconds) * time.Second
		}
		if overlap < 0 || backfill < 0 {
			writeError(w, "overlap_seconds and backfill_seconds must not be negative", http.StatusBadRequest)
			return
		}
		worker, err = h.svc.Registry.SetPolicy(r.Context(), req.AccountID, req.Family, overlap, backfill)
		if err != nil {
			h.serviceError(w, r, err)
			return
		}
	}
	writeJSON(w, worker, http.StatusOK)
}

// listConfigs handles GET /configs
func (h *handlers) listConfigs(w http.ResponseWriter, r *http.Request) {
	workers, err := h.svc.Registry.ListConfigs(r.Context(), r.URL.Query().Get("account_id"))
	if err != nil {
		h.serviceError(w, r, err)
		return
	}
	writeJSON(w, map[string]any{"configs": workers}, http.StatusOK)
}

type toggleRequest struct {
	Enabled *bool `json:"enabled"`
}

// getGlobalToggle handles GET /global-toggle
func (h *handlers) getGlobalToggle(w http.ResponseWriter, r *http.Request) {
	enabled, err := h.svc.Registry.GlobalEnabled(r.Context())
	if err != nil {
		h.serviceError(w, r, err)
		return
	}
	writeJSON(w, map[string]bool{"enabled": enabled}, http.StatusOK)
}

// setGlobalToggle handles POST /global-toggle
func (h *handlers) setGlobalToggle(w http.ResponseWriter, r *http.Request) {
	var req toggleRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, fmt.Sprintf("invalid request body: %v", err), http.StatusBadRequest)
		return
	}
	if req.Enabled == nil {
		writeError(w, "enabled is required", http.StatusBadRequest)
		return
	}

	if err := h.svc.Registry.SetGlobalEnabled(r.Context(), *req.Enabled); err != nil {
		h.serviceError(w, r, err)
		return
	}
	writeJSON(w, map[string]bool{"enabled": *req.Enabled}, http.StatusOK)
}

// schedule handles GET /schedule
func (h *handlers) schedule(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	accountID, family := q.Get("account_id"), q.Get("family")
	if accountID == "" || family == "" {
		writeError(w, "account_id and family are required", http.StatusBadRequest)
		return
	}
	k := defaultProjection
	if v := q.Get("k"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 || n > registry.MaxProjection {
			writeError(w, fmt.Sprintf("k must be an integer between 1 and %d", registry.MaxProjection), http.StatusBadRequest)
			return
		}
		k = n
	}

	projection, err := h.svc.Registry.ProjectSchedule(r.Context(), accountID, family, k)
	if err != nil {
		h.serviceError(w, r, err)
		return
	}
	writeJSON(w, projection, http.StatusOK)
}
