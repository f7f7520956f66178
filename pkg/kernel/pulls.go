package kernel

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/hbastos/ollamad/internal/core/domain"
)

// handleSubmitPull queues a background download.
// POST /v1/pulls
func (s *Server) handleSubmitPull(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Model string `json:"model"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}
	req.Model = strings.TrimSpace(req.Model)
	if req.Model == "" {
		http.Error(w, "model is required", http.StatusBadRequest)
		return
	}
	if !s.modelAllowed(req.Model) {
		http.Error(w, "model not allowed: "+req.Model, http.StatusBadRequest)
		return
	}

	snap, err := s.manager.Submit(req.Model)
	if errors.Is(err, domain.ErrDuplicatePull) {
		http.Error(w, err.Error(), http.StatusConflict)
		return
	}
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	json.NewEncoder(w).Encode(snap)
}

// handleListPulls returns recent jobs, newest first.
// GET /v1/pulls?limit=20
func (s *Server) handleListPulls(w http.ResponseWriter, r *http.Request) {
	limit := 20
	if l := r.URL.Query().Get("limit"); l != "" {
		n, err := strconv.Atoi(l)
		if err != nil {
			http.Error(w, "invalid limit", http.StatusBadRequest)
			return
		}
		limit = n
	}
	if limit < 1 {
		limit = 1
	}
	if limit > 100 {
		limit = 100
	}

	pulls := s.manager.ListRecent(limit)
	if pulls == nil {
		pulls = []domain.PullSnapshot{}
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]interface{}{
		"pulls": pulls,
		"count": len(pulls),
	})
}

// handleListActivePulls returns jobs that are queued or running.
// GET /v1/pulls/active
func (s *Server) handleListActivePulls(w http.ResponseWriter, r *http.Request) {
	pulls := s.manager.ListActive()
	if pulls == nil {
		pulls = []domain.PullSnapshot{}
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]interface{}{
		"pulls": pulls,
		"count": len(pulls),
	})
}

// handleGetPull returns a single job snapshot.
// GET /v1/pulls/{id}
func (s *Server) handleGetPull(w http.ResponseWriter, r *http.Request) {
	id := strings.TrimPrefix(r.URL.Path, "/v1/pulls/")
	if id == "" || strings.Contains(id, "/") {
		http.Error(w, "invalid pull id", http.StatusBadRequest)
		return
	}

	snap, err := s.manager.Get(domain.PullID(id))
	if errors.Is(err, domain.ErrPullNotFound) {
		http.Error(w, err.Error(), http.StatusNotFound)
		return
	}
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(snap)
}

// handleCancelPull requests cancellation and returns the resulting
// snapshot. Cancelling an already finished job is a no-op.
// DELETE /v1/pulls/{id}
func (s *Server) handleCancelPull(w http.ResponseWriter, r *http.Request) {
	id := strings.TrimPrefix(r.URL.Path, "/v1/pulls/")
	if id == "" || strings.Contains(id, "/") {
		http.Error(w, "invalid pull id", http.StatusBadRequest)
		return
	}

	if err := s.manager.Cancel(domain.PullID(id)); err != nil {
		if errors.Is(err, domain.ErrPullNotFound) {
			http.Error(w, err.Error(), http.StatusNotFound)
			return
		}
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	// A queued job may already be evicted by the time we read it back;
	// report the cancellation anyway.
	snap, err := s.manager.Get(domain.PullID(id))
	if errors.Is(err, domain.ErrPullNotFound) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]interface{}{
			"id":    id,
			"state": domain.PullStateCancelled,
		})
		return
	}
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(snap)
}
