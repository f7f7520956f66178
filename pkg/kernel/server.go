package kernel

import (
	"log/slog"
	"net/http"
	"strings"

	"github.com/hbastos/ollamad/internal/core/ports"
	"github.com/hbastos/ollamad/internal/core/services"
)

// Server is the HTTP façade over the pull manager and the Ollama upstream.
// It holds no job state of its own.
type Server struct {
	logger   *slog.Logger
	manager  *services.PullManager
	upstream ports.ModelService
	eventBus *services.EventBus
	allowed  map[string]struct{}
}

func NewServer(
	logger *slog.Logger,
	manager *services.PullManager,
	upstream ports.ModelService,
	eventBus *services.EventBus,
	allowedModels []string,
) *Server {
	var allowed map[string]struct{}
	if len(allowedModels) > 0 {
		allowed = make(map[string]struct{}, len(allowedModels))
		for _, name := range allowedModels {
			allowed[name] = struct{}{}
		}
	}
	return &Server{
		logger:   logger,
		manager:  manager,
		upstream: upstream,
		eventBus: eventBus,
		allowed:  allowed,
	}
}

// Handler returns the http.Handler for the server.
func (s *Server) Handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == "GET" && r.URL.Path == "/v1/health" {
			s.handleHealth(w, r)
			return
		}
		if r.Method == "GET" && r.URL.Path == "/v1/models" {
			s.handleListModels(w, r)
			return
		}
		// Model names may contain slashes (registry-qualified names), so
		// everything after the prefix is the name.
		if strings.HasPrefix(r.URL.Path, "/v1/models/") {
			switch r.Method {
			case "GET":
				s.handleGetModel(w, r)
				return
			case "DELETE":
				s.handleDeleteModel(w, r)
				return
			}
		}
		if r.Method == "POST" && r.URL.Path == "/v1/chat" {
			s.handleChat(w, r)
			return
		}
		if r.URL.Path == "/v1/pulls" {
			switch r.Method {
			case "POST":
				s.handleSubmitPull(w, r)
				return
			case "GET":
				s.handleListPulls(w, r)
				return
			}
		}
		if r.Method == "GET" && r.URL.Path == "/v1/pulls/active" {
			s.handleListActivePulls(w, r)
			return
		}
		if r.Method == "GET" && isPullEventsPath(r.URL.Path) {
			s.handlePullEvents(w, r)
			return
		}
		if strings.HasPrefix(r.URL.Path, "/v1/pulls/") {
			switch r.Method {
			case "GET":
				s.handleGetPull(w, r)
				return
			case "DELETE":
				s.handleCancelPull(w, r)
				return
			}
		}
		http.NotFound(w, r)
	})
}

// isPullEventsPath checks if an URL path matches /v1/pulls/{id}/events
func isPullEventsPath(path string) bool {
	const prefix = "/v1/pulls/"
	const suffix = "/events"
	if !strings.HasPrefix(path, prefix) || !strings.HasSuffix(path, suffix) {
		return false
	}
	middle := path[len(prefix) : len(path)-len(suffix)]
	return len(middle) > 0 && !strings.Contains(middle, "/")
}

// modelAllowed applies the allowlist policy: an empty list allows
// everything, otherwise the name must match exactly.
func (s *Server) modelAllowed(name string) bool {
	if s.allowed == nil {
		return true
	}
	_, ok := s.allowed[name]
	return ok
}
