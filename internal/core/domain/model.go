package domain

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

var ErrModelNotFound = errors.New("model not found")

// ModelInfo describes one model installed on the local Ollama instance.
type ModelInfo struct {
	Name              string    `json:"name"`
	SizeBytes         int64     `json:"size_bytes"`
	Digest            string    `json:"digest,omitempty"`
	ModifiedAt        time.Time `json:"modified_at"`
	Family            string    `json:"family,omitempty"`
	ParameterSize     string    `json:"parameter_size,omitempty"` // "3B", "7B", ...
	QuantizationLevel string    `json:"quantization_level,omitempty"`
}

// SizeHuman renders the model size for display, e.g. "4.7 GB".
func (m ModelInfo) SizeHuman() string {
	size := float64(m.SizeBytes)
	for _, unit := range []string{"B", "KB", "MB", "GB", "TB"} {
		if size < 1024.0 {
			return fmt.Sprintf("%.1f %s", size, unit)
		}
		size /= 1024.0
	}
	return fmt.Sprintf("%.1f PB", size)
}

// HealthStatus is the result of probing the upstream daemon. Probes never
// fail with an error; an unreachable daemon is an unhealthy status.
type HealthStatus struct {
	Healthy        bool      `json:"healthy"`
	Host           string    `json:"host"`
	ModelsCount    int       `json:"models_count"`
	ResponseTimeMs float64   `json:"response_time_ms,omitempty"`
	Error          string    `json:"error,omitempty"`
	CheckedAt      time.Time `json:"checked_at"`
}

const DefaultChatTemperature = 0.7

// ChatRequest is a single-turn generation request against a local model.
type ChatRequest struct {
	Model       string  `json:"model"`
	Prompt      string  `json:"prompt"`
	Temperature float64 `json:"temperature,omitempty"`
	MaxTokens   int     `json:"max_tokens,omitempty"`
}

func (r ChatRequest) Validate() error {
	if strings.TrimSpace(r.Model) == "" {
		return errors.New("chat request: model is required")
	}
	if strings.TrimSpace(r.Prompt) == "" {
		return errors.New("chat request: prompt is required")
	}
	if r.Temperature < 0 || r.Temperature > 2 {
		return errors.New("chat request: temperature must be between 0.0 and 2.0")
	}
	if r.MaxTokens < 0 {
		return errors.New("chat request: max_tokens must be positive")
	}
	return nil
}

// ChatResponse carries the generated text plus upstream timing metadata,
// durations already converted from nanoseconds to milliseconds.
type ChatResponse struct {
	Response        string  `json:"response"`
	Model           string  `json:"model"`
	TotalDurationMs float64 `json:"total_duration_ms,omitempty"`
	LoadDurationMs  float64 `json:"load_duration_ms,omitempty"`
	PromptEvalCount int     `json:"prompt_eval_count,omitempty"`
	EvalCount       int     `json:"eval_count,omitempty"`
	EvalDurationMs  float64 `json:"eval_duration_ms,omitempty"`
}

// TokensPerSecond derives the generation rate, 0 when timing is missing.
func (r ChatResponse) TokensPerSecond() float64 {
	if r.EvalCount == 0 || r.EvalDurationMs == 0 {
		return 0
	}
	return float64(r.EvalCount) * 1000 / r.EvalDurationMs
}
