package api

import (
	"context"
	"encoding/json"
	"log"
	"net/http"
	"net/url"

	"github.com/gorilla/mux"

	"github.com/snaprelay/snaprelay/internal/tabs"
	"github.com/snaprelay/snaprelay/internal/workflow"
	"github.com/snaprelay/snaprelay/pkg/models"
)

const (
	maxURLLength   = 2048
	maxTokenLength = 256
	maxBodyBytes   = 16 * 1024
)

// Handler holds dependencies for HTTP handlers
type Handler struct {
	orch   *workflow.Orchestrator
	tabMgr *tabs.Manager
}

// NewHandler creates a new HTTP handler
func NewHandler(orch *workflow.Orchestrator, tabMgr *tabs.Manager) *Handler {
	return &Handler{
		orch:   orch,
		tabMgr: tabMgr,
	}
}

// Activate handles POST /v1/activate. Malformed or oversized payloads
// are dropped here and never reach the orchestrator; the bridge always
// answers without detail so a probing page learns nothing.
func (h *Handler) Activate(w http.ResponseWriter, r *http.Request) {
	var req models.ActivationRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(&req); err != nil {
		w.WriteHeader(http.StatusNoContent)
		return
	}

	// The caller's own location is the implicit return URL.
	if req.ReturnURL == "" {
		req.ReturnURL = r.Referer()
	}

	if !activationWellFormed(req) {
		w.WriteHeader(http.StatusNoContent)
		return
	}

	// Fire and forget: outcomes are surfaced to the tab's selection UI,
	// and a busy orchestrator ignores the request entirely.
	go func() {
		if err := h.orch.Activate(context.Background(), req); err != nil {
			log.Printf("Activation for tab %s not started: %v", req.TabID, err)
		}
	}()

	w.WriteHeader(http.StatusAccepted)
}

func activationWellFormed(req models.ActivationRequest) bool {
	if req.TabID == "" || len(req.TabID) > 64 {
		return false
	}
	if len(req.AuthToken) > maxTokenLength {
		return false
	}
	for _, raw := range []string{req.TargetURL, req.ReturnURL, req.UploadTarget} {
		if raw == "" || len(raw) > maxURLLength {
			return false
		}
		if _, err := url.ParseRequestURI(raw); err != nil {
			return false
		}
	}
	return true
}

// Toggle handles POST /v1/tabs/{id}/toggle
func (h *Handler) Toggle(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	tabID := vars["id"]

	visible := h.orch.Toggle(r.Context(), tabID)

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]bool{"visible": visible})
}

// CreateTab handles POST /v1/tabs
func (h *Handler) CreateTab(w http.ResponseWriter, r *http.Request) {
	var req models.CreateTabRequest
	if r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, "Invalid request body: "+err.Error(), http.StatusBadRequest)
			return
		}
	}

	tab, err := h.tabMgr.CreateTab(r.Context(), req)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	json.NewEncoder(w).Encode(tab)
}

// GetTab handles GET /v1/tabs/{id}
func (h *Handler) GetTab(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	id := vars["id"]

	tab, err := h.tabMgr.GetTab(id)
	if err != nil {
		http.Error(w, err.Error(), http.StatusNotFound)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(tab)
}

// ListTabs handles GET /v1/tabs
func (h *Handler) ListTabs(w http.ResponseWriter, r *http.Request) {
	statusStr := r.URL.Query().Get("status")

	var status models.TabStatus
	if statusStr != "" {
		status = models.TabStatus(statusStr)
	}

	tabsList := h.tabMgr.ListTabs(status)

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(tabsList)
}

// DeleteTab handles DELETE /v1/tabs/{id}
func (h *Handler) DeleteTab(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	id := vars["id"]

	if err := h.tabMgr.CloseTab(id); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	w.WriteHeader(http.StatusNoContent)
}
