package ollama

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/hbastos/ollamad/internal/core/domain"
)

const DefaultBaseURL = "http://localhost:11434"

// Client talks to a local Ollama instance over its HTTP API. It implements
// ports.ModelService.
type Client struct {
	baseURL string
	logger  *slog.Logger
	client  *http.Client
	// streamClient carries no timeout: a model download legitimately runs
	// for longer than any sane request timeout.
	streamClient *http.Client
}

func NewClient(logger *slog.Logger, baseURL string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Client{
		baseURL:      normalizeBaseURL(baseURL),
		logger:       logger,
		client:       &http.Client{Timeout: timeout},
		streamClient: &http.Client{},
	}
}

// normalizeBaseURL trims trailing slashes and a stray OpenAI-style /v1
// suffix so both "http://host:11434" and "http://host:11434/v1" work.
func normalizeBaseURL(baseURL string) string {
	trimmed := strings.TrimRight(strings.TrimSpace(baseURL), "/")
	if trimmed == "" {
		return DefaultBaseURL
	}
	return strings.TrimSuffix(trimmed, "/v1")
}

// tagsResponse is the Ollama /api/tags JSON structure.
type tagsResponse struct {
	Models []struct {
		Name       string    `json:"name"`
		Size       int64     `json:"size"`
		Digest     string    `json:"digest"`
		ModifiedAt time.Time `json:"modified_at"`
		Details    struct {
			Family            string `json:"family"`
			ParameterSize     string `json:"parameter_size"`
			QuantizationLevel string `json:"quantization_level"`
		} `json:"details"`
	} `json:"models"`
}

// ListModels queries /api/tags for installed models. Malformed entries are
// skipped, not fatal.
func (c *Client) ListModels(ctx context.Context) ([]domain.ModelInfo, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/api/tags", nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("ollama not reachable at %s: %w", c.baseURL, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("ollama returned %d", resp.StatusCode)
	}

	var tags tagsResponse
	if err := json.NewDecoder(resp.Body).Decode(&tags); err != nil {
		return nil, fmt.Errorf("decode ollama tags: %w", err)
	}

	models := make([]domain.ModelInfo, 0, len(tags.Models))
	for _, m := range tags.Models {
		if m.Name == "" {
			c.logger.Warn("skipping model entry without a name")
			continue
		}
		models = append(models, domain.ModelInfo{
			Name:              m.Name,
			SizeBytes:         m.Size,
			Digest:            m.Digest,
			ModifiedAt:        m.ModifiedAt,
			Family:            m.Details.Family,
			ParameterSize:     m.Details.ParameterSize,
			QuantizationLevel: m.Details.QuantizationLevel,
		})
	}
	return models, nil
}

// Pull opens the streaming /api/pull endpoint and hands the raw NDJSON body
// to the caller. The request context is the cancellation mechanism: when it
// is cancelled, reads on the body fail and the transfer stops.
func (c *Client) Pull(ctx context.Context, name string) (io.ReadCloser, error) {
	payload, err := json.Marshal(map[string]any{"name": name, "stream": true})
	if err != nil {
		return nil, fmt.Errorf("encode pull request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/api/pull", bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.streamClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("ollama not reachable at %s: %w", c.baseURL, err)
	}
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		resp.Body.Close()
		if resp.StatusCode == http.StatusNotFound {
			return nil, fmt.Errorf("%w: %s", domain.ErrModelNotFound, name)
		}
		return nil, fmt.Errorf("pull %s: ollama returned %d: %s", name, resp.StatusCode, strings.TrimSpace(string(body)))
	}
	return resp.Body, nil
}

// ShowModel returns Ollama's detailed metadata for a model via /api/show.
func (c *Client) ShowModel(ctx context.Context, name string) (map[string]any, error) {
	resp, err := c.postJSON(ctx, "/api/show", map[string]any{"name": name})
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return nil, fmt.Errorf("%w: %s", domain.ErrModelNotFound, name)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("show %s: ollama returned %d", name, resp.StatusCode)
	}

	var info map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&info); err != nil {
		return nil, fmt.Errorf("decode model info: %w", err)
	}
	return info, nil
}

// DeleteModel removes a model from local storage via /api/delete.
func (c *Client) DeleteModel(ctx context.Context, name string) error {
	payload, err := json.Marshal(map[string]any{"name": name})
	if err != nil {
		return fmt.Errorf("encode delete request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodDelete, c.baseURL+"/api/delete", bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("ollama not reachable at %s: %w", c.baseURL, err)
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK:
		c.logger.Info("model deleted", "model", name)
		return nil
	case http.StatusNotFound:
		return fmt.Errorf("%w: %s", domain.ErrModelNotFound, name)
	default:
		return fmt.Errorf("delete %s: ollama returned %d", name, resp.StatusCode)
	}
}

type chatAPIResponse struct {
	Message struct {
		Content string `json:"content"`
	} `json:"message"`
	TotalDuration   int64 `json:"total_duration"`
	LoadDuration    int64 `json:"load_duration"`
	PromptEvalCount int   `json:"prompt_eval_count"`
	EvalCount       int   `json:"eval_count"`
	EvalDuration    int64 `json:"eval_duration"`
}

// Chat runs a single non-streamed generation via /api/chat.
func (c *Client) Chat(ctx context.Context, req domain.ChatRequest) (domain.ChatResponse, error) {
	temperature := req.Temperature
	if temperature == 0 {
		temperature = domain.DefaultChatTemperature
	}

	options := map[string]any{"temperature": temperature}
	if req.MaxTokens > 0 {
		options["num_predict"] = req.MaxTokens
	}
	payload := map[string]any{
		"model":    req.Model,
		"messages": []map[string]string{{"role": "user", "content": req.Prompt}},
		"stream":   false,
		"options":  options,
	}

	resp, err := c.postJSON(ctx, "/api/chat", payload)
	if err != nil {
		return domain.ChatResponse{}, err
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return domain.ChatResponse{}, fmt.Errorf("%w: %s", domain.ErrModelNotFound, req.Model)
	}
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return domain.ChatResponse{}, fmt.Errorf("chat: ollama returned %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}

	var data chatAPIResponse
	if err := json.NewDecoder(resp.Body).Decode(&data); err != nil {
		return domain.ChatResponse{}, fmt.Errorf("decode chat response: %w", err)
	}

	return domain.ChatResponse{
		Response:        data.Message.Content,
		Model:           req.Model,
		TotalDurationMs: float64(data.TotalDuration) / 1e6,
		LoadDurationMs:  float64(data.LoadDuration) / 1e6,
		PromptEvalCount: data.PromptEvalCount,
		EvalCount:       data.EvalCount,
		EvalDurationMs:  float64(data.EvalDuration) / 1e6,
	}, nil
}

// Health probes /api/tags and measures the round trip. It reports failures
// as an unhealthy status instead of returning an error, so a dead upstream
// never breaks the health endpoint itself.
func (c *Client) Health(ctx context.Context) domain.HealthStatus {
	status := domain.HealthStatus{Host: c.baseURL, CheckedAt: time.Now()}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/api/tags", nil)
	if err != nil {
		status.Error = fmt.Sprintf("create request: %v", err)
		return status
	}

	start := time.Now()
	resp, err := c.client.Do(req)
	status.ResponseTimeMs = float64(time.Since(start).Microseconds()) / 1000
	if err != nil {
		status.Error = fmt.Sprintf("connection failed: %v", err)
		return status
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		status.Error = fmt.Sprintf("server returned status %d", resp.StatusCode)
		return status
	}

	var tags tagsResponse
	if err := json.NewDecoder(resp.Body).Decode(&tags); err != nil {
		status.Error = "invalid JSON response from server"
		return status
	}

	status.Healthy = true
	status.ModelsCount = len(tags.Models)
	return status
}

func (c *Client) postJSON(ctx context.Context, path string, payload any) (*http.Response, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("encode request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("ollama not reachable at %s: %w", c.baseURL, err)
	}
	return resp, nil
}
