package client

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/makeasinger/musicgen/internal/config"
)

func TestLLMClient_ChatCompletion(t *testing.T) {
	var got ChatCompletionRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/chat/completions", r.URL.Path)
		assert.Equal(t, "Bearer sk-test", r.Header.Get("Authorization"))
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.Header().Set("Content-Type", "application/json")
		_, _ = io.WriteString(w, `{"choices":[{"index":0,"message":{"role":"assistant","content":"  Lo-fi hip hop, 80 BPM, mellow piano  "}}]}`)
	}))
	defer srv.Close()

	c := NewLLMClient(&config.LLMConfig{
		APIKey:      "sk-test",
		BaseURL:     srv.URL + "/",
		Model:       "gpt-4o-mini",
		MaxTokens:   50,
		Temperature: 0.7,
	})
	require.True(t, c.IsConfigured())

	out, err := c.ChatCompletion(context.Background(), "system", "user")
	require.NoError(t, err)
	assert.Equal(t, "Lo-fi hip hop, 80 BPM, mellow piano", out)

	assert.Equal(t, "gpt-4o-mini", got.Model)
	assert.Equal(t, 50, got.MaxTokens)
	assert.InDelta(t, 0.7, got.Temperature, 1e-9)
	require.Len(t, got.Messages, 2)
	assert.Equal(t, "system", got.Messages[0].Role)
}

func TestLLMClient_ErrorStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
		_, _ = io.WriteString(w, `{"error":"slow down"}`)
	}))
	defer srv.Close()

	c := NewLLMClient(&config.LLMConfig{APIKey: "k", BaseURL: srv.URL})
	_, err := c.ChatCompletion(context.Background(), "s", "u")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "429")
}

func TestLLMClient_Unconfigured(t *testing.T) {
	assert.False(t, NewLLMClient(&config.LLMConfig{BaseURL: "http://x"}).IsConfigured())
}

func TestEngineClient_Generate(t *testing.T) {
	var got InferenceRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/generate", r.URL.Path)
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.Header().Set("Content-Type", "audio/wav")
		_, _ = w.Write([]byte("RIFF....WAVE"))
	}))
	defer srv.Close()

	c := NewEngineClient(&config.EngineConfig{ServiceURL: srv.URL, Timeout: 5 * time.Second})
	data, err := c.Generate(context.Background(), &InferenceRequest{
		Prompt:       "calm lo-fi beat, variation 1",
		Duration:     5,
		MaxNewTokens: 250,
		SampleRate:   32000,
		Melody:       []byte{0, 0, 128, 63},
	})
	require.NoError(t, err)
	assert.Equal(t, []byte("RIFF....WAVE"), data)
	assert.Equal(t, 250, got.MaxNewTokens)
	assert.Equal(t, []byte{0, 0, 128, 63}, got.Melody)
}

func TestEngineClient_ServerError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "CUDA out of memory", http.StatusInternalServerError)
	}))
	defer srv.Close()

	c := NewEngineClient(&config.EngineConfig{ServiceURL: srv.URL})
	_, err := c.Generate(context.Background(), &InferenceRequest{Prompt: "x", Duration: 1})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "CUDA out of memory")
}

func TestEngineClient_HealthCheck(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/health" {
			w.WriteHeader(http.StatusOK)
			return
		}
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	c := NewEngineClient(&config.EngineConfig{ServiceURL: srv.URL})
	assert.NoError(t, c.HealthCheck(context.Background()))
	assert.False(t, NewEngineClient(&config.EngineConfig{}).IsConfigured())
}

func TestNewR2Client_RequiresCredentials(t *testing.T) {
	_, err := NewR2Client(&config.R2Config{AccountID: "acc"})
	assert.Error(t, err)
}

func TestR2Client_PublicURL(t *testing.T) {
	c := &R2Client{bucketName: "music", publicURL: "https://cdn.example.com"}
	assert.Equal(t, "https://cdn.example.com/generated/a.wav", c.GetPublicURL("generated/a.wav"))

	c.publicURL = ""
	assert.Equal(t, "https://music.r2.cloudflarestorage.com/a.wav", c.GetPublicURL("a.wav"))
}
