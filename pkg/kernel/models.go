package kernel

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/hbastos/ollamad/internal/core/domain"
)

// handleHealth reports daemon and upstream health.
// GET /v1/health
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	status := s.upstream.Health(r.Context())

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(status)
}

// handleListModels returns the models installed on the upstream.
// GET /v1/models
func (s *Server) handleListModels(w http.ResponseWriter, r *http.Request) {
	models, err := s.upstream.ListModels(r.Context())
	if err != nil {
		s.logger.Error("list models failed", "error", err)
		http.Error(w, err.Error(), http.StatusBadGateway)
		return
	}
	if models == nil {
		models = []domain.ModelInfo{}
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]interface{}{
		"models": models,
		"count":  len(models),
	})
}

// handleGetModel returns detailed metadata for one model.
// GET /v1/models/{name}
func (s *Server) handleGetModel(w http.ResponseWriter, r *http.Request) {
	name := strings.TrimPrefix(r.URL.Path, "/v1/models/")
	if name == "" {
		http.Error(w, "missing model name", http.StatusBadRequest)
		return
	}

	info, err := s.upstream.ShowModel(r.Context(), name)
	if errors.Is(err, domain.ErrModelNotFound) {
		http.Error(w, err.Error(), http.StatusNotFound)
		return
	}
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadGateway)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(info)
}

// handleDeleteModel removes a model from the upstream.
// DELETE /v1/models/{name}
func (s *Server) handleDeleteModel(w http.ResponseWriter, r *http.Request) {
	name := strings.TrimPrefix(r.URL.Path, "/v1/models/")
	if name == "" {
		http.Error(w, "missing model name", http.StatusBadRequest)
		return
	}

	err := s.upstream.DeleteModel(r.Context(), name)
	if errors.Is(err, domain.ErrModelNotFound) {
		http.Error(w, err.Error(), http.StatusNotFound)
		return
	}
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadGateway)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]interface{}{
		"deleted": name,
	})
}

// handleChat runs a single non-streamed generation.
// POST /v1/chat
func (s *Server) handleChat(w http.ResponseWriter, r *http.Request) {
	var req domain.ChatRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if err := req.Validate(); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if !s.modelAllowed(req.Model) {
		http.Error(w, "model not allowed: "+req.Model, http.StatusBadRequest)
		return
	}

	resp, err := s.upstream.Chat(r.Context(), req)
	if errors.Is(err, domain.ErrModelNotFound) {
		http.Error(w, err.Error(), http.StatusNotFound)
		return
	}
	if err != nil {
		s.logger.Error("chat failed", "model", req.Model, "error", err)
		http.Error(w, err.Error(), http.StatusBadGateway)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(resp)
}
