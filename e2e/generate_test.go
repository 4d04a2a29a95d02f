package e2e

import (
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/makeasinger/musicgen/internal/audio"
	"github.com/makeasinger/musicgen/internal/model"
)

const lofiBody = `{"free_input": "calm lo-fi beat", "duration": 1, "repeat_count": 2}`

func TestGenerate_NoAuth(t *testing.T) {
	ta := setupApp(t, appOptions{})

	resp, err := doRequest(ta.app, http.MethodPost, "/api/generate", lofiBody, nil)
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}

	assertStatus(t, resp, http.StatusUnauthorized)
}

func TestGenerate_ValidationRejectsBeforeTaskCreation(t *testing.T) {
	ta := setupApp(t, appOptions{})

	cases := map[string]string{
		"missing free_input":  `{"duration": 5, "repeat_count": 1}`,
		"missing duration":    `{"free_input": "jazz", "repeat_count": 1}`,
		"duration too long":   `{"free_input": "jazz", "duration": 301, "repeat_count": 1}`,
		"repeat count zero":   `{"free_input": "jazz", "duration": 5, "repeat_count": 0}`,
		"repeat count eleven": `{"free_input": "jazz", "duration": 5, "repeat_count": 11}`,
		"malformed json":      `{"free_input": `,
	}

	for name, body := range cases {
		t.Run(name, func(t *testing.T) {
			resp, err := doAuthRequest(t, ta.app, http.MethodPost, "/api/generate", body)
			if err != nil {
				t.Fatalf("request failed: %v", err)
			}
			assertStatus(t, resp, http.StatusBadRequest)

			result := parseJSON(t, resp)
			errObj, _ := result["error"].(map[string]interface{})
			if errObj["code"] != "VALIDATION_ERROR" {
				t.Errorf("expected VALIDATION_ERROR, got %v", errObj["code"])
			}
		})
	}

	entries, err := os.ReadDir(ta.artifacts)
	if err != nil {
		t.Fatalf("failed to read artifact dir: %v", err)
	}
	if len(entries) != 0 {
		t.Errorf("expected no artifacts, found %d", len(entries))
	}
}

func TestGenerate_CompletesAndStreams(t *testing.T) {
	ta := setupApp(t, appOptions{})

	taskID := submit(t, ta.app, lofiBody)
	result := waitForStatus(t, ta.app, taskID, model.TaskStatusCompleted, model.TaskStatusFailed)

	if result["status"] != string(model.TaskStatusCompleted) {
		t.Fatalf("expected completed, got %v (%v)", result["status"], result["message"])
	}
	if result["progress"] != float64(100) {
		t.Errorf("expected progress 100, got %v", result["progress"])
	}
	if result["message"] != "Music generated successfully (2 variations)" {
		t.Errorf("unexpected message: %v", result["message"])
	}

	files, _ := result["files"].([]interface{})
	if len(files) != 1 {
		t.Fatalf("expected 1 file, got %d", len(files))
	}
	file := files[0].(map[string]interface{})
	wantURL := "/download/generated_music_" + taskID + ".wav"
	if file["file_url"] != wantURL {
		t.Errorf("expected file_url %s, got %v", wantURL, file["file_url"])
	}
	if file["optimized_prompt"] != "calm lo-fi beat" {
		t.Errorf("expected raw description as prompt, got %v", file["optimized_prompt"])
	}

	resp, err := doAuthRequest(t, ta.app, http.MethodGet, "/api/stream/"+taskID, "")
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	assertStatus(t, resp, http.StatusOK)
	if ct := resp.Header.Get("Content-Type"); ct != "audio/wav" {
		t.Errorf("expected audio/wav, got %s", ct)
	}
	data := readBody(t, resp)

	seg, err := audio.DecodeWAVBytes([]byte(data))
	if err != nil {
		t.Fatalf("failed to decode streamed wav: %v", err)
	}
	if seg.SampleRate != testSampleRate {
		t.Errorf("expected sample rate %d, got %d", testSampleRate, seg.SampleRate)
	}
	if seg.Duration() != 2*time.Second {
		t.Errorf("expected 2s of audio, got %s", seg.Duration())
	}

	resp, err = doRequest(ta.app, http.MethodGet, wantURL, "", nil)
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	assertStatus(t, resp, http.StatusOK)
	if !strings.Contains(resp.Header.Get("Content-Disposition"), "attachment") {
		t.Errorf("expected attachment disposition, got %q", resp.Header.Get("Content-Disposition"))
	}
	if downloaded := readBody(t, resp); downloaded != data {
		t.Error("download and stream returned different bytes")
	}

	leftovers, err := filepath.Glob(filepath.Join(ta.artifacts, ".tmp-*"))
	if err != nil {
		t.Fatalf("glob failed: %v", err)
	}
	if len(leftovers) != 0 {
		t.Errorf("expected no temp files, found %v", leftovers)
	}
}

func TestGenerate_TaskIDsAreUnique(t *testing.T) {
	ta := setupApp(t, appOptions{})

	seen := map[string]bool{}
	for i := 0; i < 5; i++ {
		id := submit(t, ta.app, lofiBody)
		if seen[id] {
			t.Fatalf("duplicate task id %s", id)
		}
		seen[id] = true
	}
}

func TestGenerate_LegacyAliases(t *testing.T) {
	ta := setupApp(t, appOptions{})

	body := `{"prompt": "ambient drone", "duration": 1, "num_generations": 1}`
	resp, err := doAuthRequest(t, ta.app, http.MethodPost, "/api/generate-music", body)
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	assertStatus(t, resp, http.StatusAccepted)

	taskID, _ := parseJSON(t, resp)["task_id"].(string)
	result := waitForStatus(t, ta.app, taskID, model.TaskStatusCompleted, model.TaskStatusFailed)
	if result["status"] != string(model.TaskStatusCompleted) {
		t.Errorf("expected completed, got %v (%v)", result["status"], result["message"])
	}
}

func TestGenerate_MultipartWithMelody(t *testing.T) {
	ta := setupApp(t, appOptions{})

	resp, err := doMultipart(t, ta.app, "/api/generate", map[string]string{
		"free_input":       "piano ballad",
		"duration":         "1",
		"repeat_count":     "1",
		"structured_input": `{"genre": "ballad", "instruments": "piano"}`,
	}, melodyWAV(t))
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("expected 202, got %d: %s", resp.StatusCode, readBody(t, resp))
	}

	taskID, _ := parseJSON(t, resp)["task_id"].(string)
	result := waitForStatus(t, ta.app, taskID, model.TaskStatusCompleted, model.TaskStatusFailed)
	if result["status"] != string(model.TaskStatusCompleted) {
		t.Errorf("expected completed, got %v (%v)", result["status"], result["message"])
	}
}

func TestGenerate_MultipartRejectsBadStructuredInput(t *testing.T) {
	ta := setupApp(t, appOptions{})

	resp, err := doMultipart(t, ta.app, "/api/generate", map[string]string{
		"free_input":       "piano ballad",
		"duration":         "1",
		"repeat_count":     "1",
		"structured_input": `not json`,
	}, nil)
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	assertStatus(t, resp, http.StatusBadRequest)
}

func TestGenerate_RateLimited(t *testing.T) {
	ta := setupApp(t, appOptions{generatePerHour: 1})

	submit(t, ta.app, lofiBody)

	resp, err := doAuthRequest(t, ta.app, http.MethodPost, "/api/generate", lofiBody)
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	assertStatus(t, resp, http.StatusTooManyRequests)
	if resp.Header.Get("Retry-After") == "" {
		t.Error("expected Retry-After header")
	}
}

func TestTaskStatus_NotFound(t *testing.T) {
	ta := setupApp(t, appOptions{})

	for _, path := range []string{"/api/task/nope", "/api/stream/nope"} {
		resp, err := doAuthRequest(t, ta.app, http.MethodGet, path, "")
		if err != nil {
			t.Fatalf("request failed: %v", err)
		}
		assertStatus(t, resp, http.StatusNotFound)
	}
}

func TestStream_NotReadyWhileProcessing(t *testing.T) {
	ta := setupApp(t, appOptions{roundYield: 5 * time.Second})

	taskID := submit(t, ta.app, lofiBody)
	waitForStatus(t, ta.app, taskID, model.TaskStatusProcessing)

	resp, err := doAuthRequest(t, ta.app, http.MethodGet, "/api/stream/"+taskID, "")
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	assertStatus(t, resp, http.StatusNotFound)
}

func TestCancel_ProcessingTask(t *testing.T) {
	ta := setupApp(t, appOptions{roundYield: 5 * time.Second})

	taskID := submit(t, ta.app, lofiBody)
	waitForStatus(t, ta.app, taskID, model.TaskStatusProcessing)

	resp, err := doAuthRequest(t, ta.app, http.MethodPost, "/api/task/"+taskID+"/cancel", "")
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	assertStatus(t, resp, http.StatusOK)

	result := parseJSON(t, resp)
	if result["success"] != true {
		t.Errorf("expected success, got %v", result["success"])
	}
	if result["status"] != string(model.TaskStatusCancelled) {
		t.Errorf("expected cancelled, got %v", result["status"])
	}

	final := waitForStatus(t, ta.app, taskID, model.TaskStatusCancelled)
	if files, _ := final["files"].([]interface{}); len(files) != 0 {
		t.Errorf("expected no files, got %v", files)
	}

	entries, err := os.ReadDir(ta.artifacts)
	if err != nil {
		t.Fatalf("failed to read artifact dir: %v", err)
	}
	if len(entries) != 0 {
		t.Errorf("expected no artifacts after cancel, found %d", len(entries))
	}
}

func TestCancel_FinishedTaskConflicts(t *testing.T) {
	ta := setupApp(t, appOptions{})

	taskID := submit(t, ta.app, lofiBody)
	waitForStatus(t, ta.app, taskID, model.TaskStatusCompleted)

	resp, err := doAuthRequest(t, ta.app, http.MethodPost, "/api/task/"+taskID+"/cancel", "")
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	assertStatus(t, resp, http.StatusConflict)

	resp, err = doAuthRequest(t, ta.app, http.MethodPost, "/api/task/unknown/cancel", "")
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	assertStatus(t, resp, http.StatusNotFound)
}

func TestDownload_RejectsBadNames(t *testing.T) {
	ta := setupApp(t, appOptions{})

	resp, err := doRequest(ta.app, http.MethodGet, "/download/song.wav", "", nil)
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	assertStatus(t, resp, http.StatusBadRequest)

	resp, err = doRequest(ta.app, http.MethodGet, "/download/generated_music_missing.wav", "", nil)
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	assertStatus(t, resp, http.StatusNotFound)
}

func TestHistory_ListsRecentTasks(t *testing.T) {
	ta := setupApp(t, appOptions{})

	first := submit(t, ta.app, lofiBody)
	waitForStatus(t, ta.app, first, model.TaskStatusCompleted)
	second := submit(t, ta.app, lofiBody)
	waitForStatus(t, ta.app, second, model.TaskStatusCompleted)

	deadline := time.Now().Add(5 * time.Second)
	for {
		resp, err := doAuthRequest(t, ta.app, http.MethodGet, "/api/tasks/history?limit=10", "")
		if err != nil {
			t.Fatalf("request failed: %v", err)
		}
		if resp.StatusCode != http.StatusOK {
			t.Fatalf("expected 200, got %d", resp.StatusCode)
		}
		tasks, _ := parseJSON(t, resp)["tasks"].([]interface{})
		var ids []string
		for _, raw := range tasks {
			task := raw.(map[string]interface{})
			if task["status"] == string(model.TaskStatusCompleted) {
				ids = append(ids, task["task_id"].(string))
			}
		}
		if len(ids) == 2 {
			if ids[0] != second || ids[1] != first {
				t.Errorf("expected newest first, got %v", ids)
			}
			return
		}
		if time.Now().After(deadline) {
			t.Fatalf("history never listed both tasks, got %v", ids)
		}
		time.Sleep(20 * time.Millisecond)
	}
}

func TestHistory_RejectsBadLimit(t *testing.T) {
	ta := setupApp(t, appOptions{})

	for _, limit := range []string{"0", "101", "-3"} {
		resp, err := doAuthRequest(t, ta.app, http.MethodGet, fmt.Sprintf("/api/tasks/history?limit=%s", limit), "")
		if err != nil {
			t.Fatalf("request failed: %v", err)
		}
		assertStatus(t, resp, http.StatusBadRequest)
		_, _ = io.Copy(io.Discard, resp.Body)
	}
}
