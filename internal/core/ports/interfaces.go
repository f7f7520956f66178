package ports

import (
	"context"
	"io"

	"github.com/hbastos/ollamad/internal/core/domain"
)

// ModelPuller is the narrow upstream contract the pull manager consumes.
type ModelPuller interface {
	// Pull opens the newline-delimited download stream for a model. The
	// returned body is the raw stream; closing it (or cancelling ctx) is the
	// cancellation mechanism. An immediate error means the stream could not
	// be opened at all.
	Pull(ctx context.Context, name string) (io.ReadCloser, error)
}

// ModelService abstracts the local model daemon (Ollama).
type ModelService interface {
	ModelPuller

	// ListModels returns the installed models.
	ListModels(ctx context.Context) ([]domain.ModelInfo, error)

	// ShowModel returns the daemon's detailed metadata for one model.
	ShowModel(ctx context.Context, name string) (map[string]any, error)

	// DeleteModel removes a model from local storage.
	DeleteModel(ctx context.Context, name string) error

	// Chat runs a single non-streamed generation.
	Chat(ctx context.Context, req domain.ChatRequest) (domain.ChatResponse, error)

	// Health probes the daemon. It never returns an error; unreachable
	// upstreams surface as an unhealthy status.
	Health(ctx context.Context) domain.HealthStatus
}
