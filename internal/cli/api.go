package cli

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/makeasinger/musicgen/internal/model"
	"github.com/makeasinger/musicgen/pkg/response"
)

// APIError is a non-2xx answer from the server.
type APIError struct {
	Status  int
	Code    string
	Message string
}

func (e *APIError) Error() string {
	if e.Code == "" {
		return fmt.Sprintf("server returned %d", e.Status)
	}
	return fmt.Sprintf("%s (%d): %s", e.Code, e.Status, e.Message)
}

// APIClient talks to the musicgen HTTP API.
type APIClient struct {
	httpClient *http.Client
	baseURL    string
	token      string
}

func NewAPIClient(baseURL, token string) *APIClient {
	return &APIClient{
		httpClient: &http.Client{
			Timeout: 60 * time.Second,
		},
		baseURL: strings.TrimRight(baseURL, "/"),
		token:   token,
	}
}

func (c *APIClient) newRequest(ctx context.Context, method, path string, body io.Reader) (*http.Request, error) {
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	return req, nil
}

// do sends req and decodes a JSON body into result, or returns an *APIError.
func (c *APIClient) do(req *http.Request, result interface{}) error {
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		return decodeError(resp)
	}
	if result == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(result); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	return nil
}

func decodeError(resp *http.Response) error {
	apiErr := &APIError{Status: resp.StatusCode}
	var envelope response.ErrorResponse
	if err := json.NewDecoder(io.LimitReader(resp.Body, 64<<10)).Decode(&envelope); err == nil {
		apiErr.Code = envelope.Error.Code
		apiErr.Message = envelope.Error.Message
	}
	return apiErr
}

// Generate submits a request. With a melody path the request is sent as
// multipart form data.
func (c *APIClient) Generate(ctx context.Context, req *model.GenerateRequest, melodyPath string) (*model.GenerateResponse, error) {
	var (
		body        io.Reader
		contentType string
	)
	if melodyPath == "" {
		data, err := json.Marshal(req)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal request: %w", err)
		}
		body = bytes.NewReader(data)
		contentType = "application/json"
	} else {
		buf, ct, err := multipartBody(req, melodyPath)
		if err != nil {
			return nil, err
		}
		body = buf
		contentType = ct
	}

	httpReq, err := c.newRequest(ctx, http.MethodPost, "/api/generate", body)
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Content-Type", contentType)

	var result model.GenerateResponse
	if err := c.do(httpReq, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

func multipartBody(req *model.GenerateRequest, melodyPath string) (*bytes.Buffer, string, error) {
	melody, err := os.ReadFile(melodyPath)
	if err != nil {
		return nil, "", fmt.Errorf("failed to read melody: %w", err)
	}

	buf := &bytes.Buffer{}
	w := multipart.NewWriter(buf)
	fields := map[string]string{
		"free_input":   req.FreeInput,
		"duration":     strconv.Itoa(req.Duration),
		"repeat_count": strconv.Itoa(req.RepeatCount),
	}
	if len(req.StructuredInput) > 0 {
		hints, err := json.Marshal(req.StructuredInput)
		if err != nil {
			return nil, "", fmt.Errorf("failed to marshal hints: %w", err)
		}
		fields["structured_input"] = string(hints)
	}
	for k, v := range fields {
		if err := w.WriteField(k, v); err != nil {
			return nil, "", fmt.Errorf("failed to write %s: %w", k, err)
		}
	}
	part, err := w.CreateFormFile("melody", filepath.Base(melodyPath))
	if err != nil {
		return nil, "", fmt.Errorf("failed to create melody part: %w", err)
	}
	if _, err := part.Write(melody); err != nil {
		return nil, "", fmt.Errorf("failed to write melody: %w", err)
	}
	if err := w.Close(); err != nil {
		return nil, "", fmt.Errorf("failed to finish form: %w", err)
	}
	return buf, w.FormDataContentType(), nil
}

// Status fetches the current state of a task.
func (c *APIClient) Status(ctx context.Context, taskID string) (*model.TaskStatusResponse, error) {
	req, err := c.newRequest(ctx, http.MethodGet, "/api/task/"+taskID, nil)
	if err != nil {
		return nil, err
	}
	var result model.TaskStatusResponse
	if err := c.do(req, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

// Cancel asks the server to stop a task.
func (c *APIClient) Cancel(ctx context.Context, taskID string) (*model.CancelResponse, error) {
	req, err := c.newRequest(ctx, http.MethodPost, "/api/task/"+taskID+"/cancel", nil)
	if err != nil {
		return nil, err
	}
	var result model.CancelResponse
	if err := c.do(req, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

// Download streams the task's audio into w and returns the byte count.
func (c *APIClient) Download(ctx context.Context, taskID string, w io.Writer) (int64, error) {
	req, err := c.newRequest(ctx, http.MethodGet, "/api/stream/"+taskID, nil)
	if err != nil {
		return 0, err
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return 0, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return 0, decodeError(resp)
	}
	n, err := io.Copy(w, resp.Body)
	if err != nil {
		return n, fmt.Errorf("failed to read audio: %w", err)
	}
	return n, nil
}

// Wait polls until the task is terminal, reporting each change to onUpdate.
func (c *APIClient) Wait(ctx context.Context, taskID string, interval time.Duration, onUpdate func(*model.TaskStatusResponse)) (*model.TaskStatusResponse, error) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	var lastMessage string
	for {
		status, err := c.Status(ctx, taskID)
		if err != nil {
			return nil, err
		}
		if onUpdate != nil && status.Message != lastMessage {
			onUpdate(status)
			lastMessage = status.Message
		}
		if status.Status.IsTerminal() {
			return status, nil
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
		}
	}
}
