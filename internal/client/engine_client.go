package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/makeasinger/musicgen/internal/config"
)

// maxWAVResponse caps the inference payload read into memory.
const maxWAVResponse = 256 << 20

// InferenceClient is the transport to the model inference service.
type InferenceClient interface {
	Generate(ctx context.Context, req *InferenceRequest) ([]byte, error)
	HealthCheck(ctx context.Context) error
}

// EngineClient implements InferenceClient for the Python model microservice.
type EngineClient struct {
	httpClient *http.Client
	baseURL    string
}

// InferenceRequest is the body of POST /generate.
// Melody, when present, is mono little-endian float32 PCM at SampleRate.
type InferenceRequest struct {
	Prompt       string `json:"prompt"`
	Duration     int    `json:"duration"`
	MaxNewTokens int    `json:"max_new_tokens"`
	SampleRate   int    `json:"sample_rate"`
	Melody       []byte `json:"melody,omitempty"`
}

// NewEngineClient creates a new inference service client
func NewEngineClient(cfg *config.EngineConfig) *EngineClient {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Minute
	}
	return &EngineClient{
		httpClient: &http.Client{
			Timeout: timeout,
		},
		baseURL: strings.TrimRight(cfg.ServiceURL, "/"),
	}
}

// Generate runs one inference and returns the WAV payload.
func (c *EngineClient) Generate(ctx context.Context, in *InferenceRequest) ([]byte, error) {
	bodyBytes, err := json.Marshal(in)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/generate", bytes.NewReader(bodyBytes))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "audio/wav")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to send request: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, maxWAVResponse))
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("inference service error (status %d): %s", resp.StatusCode, truncate(string(respBody), 512))
	}

	if len(respBody) == 0 {
		return nil, fmt.Errorf("inference service returned empty body")
	}

	return respBody, nil
}

// HealthCheck checks if the inference service is available
func (c *EngineClient) HealthCheck(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/health", nil)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("inference service unhealthy: status %d", resp.StatusCode)
	}

	return nil
}

// IsConfigured returns true if the client has valid configuration
func (c *EngineClient) IsConfigured() bool {
	return c.baseURL != ""
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
