package anthropic

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func messageBody(text string) map[string]any {
	return map[string]any{
		"id":   "msg_test_001",
		"type": "message",
		"role": "assistant",
		"content": []map[string]any{
			{"type": "text", "text": text},
		},
		"model":       "claude-haiku-4-5-20251001",
		"stop_reason": "end_turn",
		"usage": map[string]any{
			"input_tokens":                120,
			"output_tokens":               40,
			"cache_creation_input_tokens": 0,
			"cache_read_input_tokens":     90,
		},
	}
}

func TestClient_CreateMessage(t *testing.T) {
	bodies := make(chan map[string]any, 1)
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Contains(t, r.URL.Path, "/messages")
		assert.Equal(t, "test-key", r.Header.Get("X-Api-Key"))

		var body map[string]any
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		bodies <- body

		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(messageBody(`{"email":"jane@acme.com"}`)) //nolint:errcheck
	}))
	defer ts.Close()

	temp := 0.0
	client := NewClient("test-key", WithBaseURL(ts.URL), WithRateLimit(50))
	resp, err := client.CreateMessage(context.Background(), MessageRequest{
		Model:     "claude-haiku-4-5-20251001",
		MaxTokens: 512,
		System: []SystemBlock{
			{Text: "Extract contact fields", CacheControl: &CacheControl{TTL: "5m"}},
		},
		Messages:    []Message{{Role: "user", Content: "Jane Doe, jane@acme.com"}},
		Temperature: &temp,
	})
	require.NoError(t, err)
	require.NotNil(t, resp)

	assert.Equal(t, "msg_test_001", resp.ID)
	assert.Equal(t, "end_turn", resp.StopReason)
	assert.Equal(t, `{"email":"jane@acme.com"}`, resp.Text())
	assert.Equal(t, int64(120), resp.Usage.InputTokens)
	assert.Equal(t, int64(90), resp.Usage.CacheReadInputTokens)

	got := <-bodies
	assert.Equal(t, "claude-haiku-4-5-20251001", got["model"])
	assert.EqualValues(t, 512, got["max_tokens"])
	system, ok := got["system"].([]any)
	require.True(t, ok)
	require.Len(t, system, 1)
	assert.Equal(t, "Extract contact fields", system[0].(map[string]any)["text"])
}

func TestClient_CreateMessage_Error(t *testing.T) {
	var calls atomic.Int32
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusServiceUnavailable)
		json.NewEncoder(w).Encode(map[string]any{ //nolint:errcheck
			"type": "error",
			"error": map[string]any{
				"type":    "overloaded_error",
				"message": "Overloaded",
			},
		})
	}))
	defer ts.Close()

	client := NewClient("test-key", WithBaseURL(ts.URL))
	_, err := client.CreateMessage(context.Background(), MessageRequest{
		Model:     "claude-haiku-4-5-20251001",
		MaxTokens: 512,
		Messages:  []Message{{Role: "user", Content: "Hello"}},
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "anthropic: create message")
	assert.Equal(t, http.StatusServiceUnavailable, StatusCode(err))
	assert.Equal(t, int32(1), calls.Load(), "sdk retries are disabled")
}

func TestStatusCode_NotAPIError(t *testing.T) {
	assert.Zero(t, StatusCode(io.EOF))
	assert.Zero(t, StatusCode(nil))
}

func TestMessageResponse_TextSkipsOtherBlocks(t *testing.T) {
	resp := &MessageResponse{Content: []ContentBlock{
		{Type: "text", Text: "a"},
		{Type: "tool_use"},
		{Type: "text", Text: "b"},
	}}
	assert.Equal(t, "ab", resp.Text())
}
