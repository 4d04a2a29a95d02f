package e2e

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"mime/multipart"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/book-expert/logger"
	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v2"
	"github.com/redis/go-redis/v9"

	"github.com/makeasinger/musicgen/internal/artifact"
	"github.com/makeasinger/musicgen/internal/audio"
	"github.com/makeasinger/musicgen/internal/audit"
	"github.com/makeasinger/musicgen/internal/auth"
	"github.com/makeasinger/musicgen/internal/client"
	"github.com/makeasinger/musicgen/internal/config"
	"github.com/makeasinger/musicgen/internal/engine"
	"github.com/makeasinger/musicgen/internal/middleware"
	"github.com/makeasinger/musicgen/internal/model"
	"github.com/makeasinger/musicgen/internal/notify"
	"github.com/makeasinger/musicgen/internal/orchestrator"
	"github.com/makeasinger/musicgen/internal/prompt"
	"github.com/makeasinger/musicgen/internal/registry"
	"github.com/makeasinger/musicgen/internal/scheduler"
	"github.com/makeasinger/musicgen/internal/server"
	"github.com/makeasinger/musicgen/internal/service"
	ws "github.com/makeasinger/musicgen/internal/websocket"
)

const (
	testJWTSecret  = "test-secret-for-e2e"
	testSampleRate = 8000
)

// testApp holds all components needed for testing
type testApp struct {
	app       *fiber.App
	artifacts string
}

type appOptions struct {
	roundYield      time.Duration
	generatePerHour int
}

// setupApp creates a Fiber app wired like main.go: memory registry, tone
// engine, local scheduler, sqlite history, and an unconfigured prompt
// optimizer so raw descriptions are used.
func setupApp(t *testing.T, opts appOptions) *testApp {
	t.Helper()

	appLog, err := logger.New(t.TempDir(), "e2e.log")
	if err != nil {
		t.Fatalf("failed to create logger: %v", err)
	}
	t.Cleanup(func() { _ = appLog.Close() })

	mr := miniredis.RunT(t)
	redisClient := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = redisClient.Close() })

	reg := registry.NewMemory(100, time.Hour)

	hubCtx, stopHub := context.WithCancel(context.Background())
	hub := ws.NewHub(appLog)
	go hub.Run(hubCtx)
	t.Cleanup(stopHub)

	auditStore, err := audit.Open(context.Background(), audit.DriverSQLite, filepath.Join(t.TempDir(), "audit.db"))
	if err != nil {
		t.Fatalf("failed to open audit store: %v", err)
	}
	t.Cleanup(func() { _ = auditStore.Close() })

	notifier := notify.NewFanout(nil, hub, auditStore)

	artifactDir := t.TempDir()
	artifacts, err := artifact.NewStore(artifactDir, "/download", 16, nil, appLog)
	if err != nil {
		t.Fatalf("failed to create artifact store: %v", err)
	}

	optimizer := prompt.NewOptimizer(client.NewLLMClient(&config.LLMConfig{}), prompt.PolicyPerTask, appLog)
	adapter := engine.NewAdapter(nil, engine.Options{SampleRate: testSampleRate}, appLog)

	orch := orchestrator.New(reg, optimizer, adapter, artifacts, notifier, orchestrator.Options{
		FadeMs:     50,
		Normalize:  true,
		FitMode:    orchestrator.FitPerRound,
		RoundYield: opts.roundYield,
	}, appLog)

	sched := scheduler.NewLocal(orch, 2, appLog)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = sched.Shutdown(ctx)
	})

	svc := service.NewGenerationService(reg, sched, artifacts, auditStore, notifier, appLog)

	limit := opts.generatePerHour
	if limit == 0 {
		// Use a very high rate limit so tests don't get blocked
		limit = 10000
	}

	app := server.New(server.Deps{
		Service:         svc,
		Hub:             hub,
		Validate:        validator.New(),
		Auth:            middleware.NewAuthMiddleware(nil, testJWTSecret),
		RateLimiter:     middleware.NewRateLimiter(redisClient),
		GeneratePerHour: limit,
		Health: map[string]bool{
			"llm":    false,
			"engine": false,
			"audit":  true,
			"auth":   true,
		},
	})

	return &testApp{app: app, artifacts: artifactDir}
}

// generateToken creates a legacy HMAC JWT token for test requests.
func generateToken(t *testing.T) string {
	t.Helper()
	signed, err := auth.SignLegacyToken("test-user-123", "test@example.com", testJWTSecret)
	if err != nil {
		t.Fatalf("failed to generate test token: %v", err)
	}
	return signed
}

// doRequest is a helper to perform HTTP requests against the test app.
func doRequest(app *fiber.App, method, path string, body string, headers map[string]string) (*http.Response, error) {
	var bodyReader io.Reader
	if body != "" {
		bodyReader = strings.NewReader(body)
	}

	req, err := http.NewRequest(method, path, bodyReader)
	if err != nil {
		return nil, err
	}

	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	return app.Test(req, -1)
}

// doAuthRequest performs an authenticated request.
func doAuthRequest(t *testing.T, app *fiber.App, method, path, body string) (*http.Response, error) {
	t.Helper()
	token := generateToken(t)
	return doRequest(app, method, path, body, map[string]string{
		"Authorization": "Bearer " + token,
	})
}

// doMultipart posts form fields and an optional melody file.
func doMultipart(t *testing.T, app *fiber.App, path string, fields map[string]string, melody []byte) (*http.Response, error) {
	t.Helper()
	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)
	for k, v := range fields {
		if err := w.WriteField(k, v); err != nil {
			t.Fatalf("failed to write field %s: %v", k, err)
		}
	}
	if melody != nil {
		part, err := w.CreateFormFile("melody", "melody.wav")
		if err != nil {
			t.Fatalf("failed to create melody part: %v", err)
		}
		if _, err := part.Write(melody); err != nil {
			t.Fatalf("failed to write melody: %v", err)
		}
	}
	if err := w.Close(); err != nil {
		t.Fatalf("failed to close multipart writer: %v", err)
	}

	req, err := http.NewRequest(http.MethodPost, path, &buf)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", w.FormDataContentType())
	req.Header.Set("Authorization", "Bearer "+generateToken(t))
	return app.Test(req, -1)
}

// readBody reads and returns the response body as a string.
func readBody(t *testing.T, resp *http.Response) string {
	t.Helper()
	defer resp.Body.Close()
	b, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("failed to read response body: %v", err)
	}
	return string(b)
}

// parseJSON parses response body into a map.
func parseJSON(t *testing.T, resp *http.Response) map[string]interface{} {
	t.Helper()
	body := readBody(t, resp)
	var result map[string]interface{}
	if err := json.Unmarshal([]byte(body), &result); err != nil {
		t.Fatalf("failed to parse JSON: %v\nbody: %s", err, body)
	}
	return result
}

// assertStatus checks the HTTP status code.
func assertStatus(t *testing.T, resp *http.Response, expected int) {
	t.Helper()
	if resp.StatusCode != expected {
		t.Errorf("expected status %d, got %d", expected, resp.StatusCode)
	}
}

// submit posts a JSON generate request and returns the task id.
func submit(t *testing.T, app *fiber.App, body string) string {
	t.Helper()
	resp, err := doAuthRequest(t, app, http.MethodPost, "/api/generate", body)
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("expected status 202, got %d: %s", resp.StatusCode, readBody(t, resp))
	}
	result := parseJSON(t, resp)
	taskID, _ := result["task_id"].(string)
	if taskID == "" {
		t.Fatal("expected 'task_id' in response")
	}
	return taskID
}

// waitForStatus polls the task until it reaches one of the given states.
func waitForStatus(t *testing.T, app *fiber.App, taskID string, want ...model.TaskStatus) map[string]interface{} {
	t.Helper()
	deadline := time.Now().Add(10 * time.Second)
	var last map[string]interface{}
	for time.Now().Before(deadline) {
		resp, err := doAuthRequest(t, app, http.MethodGet, "/api/task/"+taskID, "")
		if err != nil {
			t.Fatalf("request failed: %v", err)
		}
		last = parseJSON(t, resp)
		for _, s := range want {
			if last["status"] == string(s) {
				return last
			}
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatalf("task %s never reached %v, last: %v", taskID, want, last)
	return nil
}

// melodyWAV renders a short tone as WAV bytes.
func melodyWAV(t *testing.T) []byte {
	t.Helper()
	f, err := os.CreateTemp(t.TempDir(), "melody-*.wav")
	if err != nil {
		t.Fatalf("failed to create melody file: %v", err)
	}
	defer f.Close()
	if err := audio.EncodeWAV(f, engine.Tone(16000, 500*time.Millisecond, 220), 16); err != nil {
		t.Fatalf("failed to encode melody: %v", err)
	}
	data, err := os.ReadFile(f.Name())
	if err != nil {
		t.Fatalf("failed to read melody: %v", err)
	}
	return data
}
