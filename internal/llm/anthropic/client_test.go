package anthropic

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/joseph-ayodele/medsummary/internal/llm"
)

func TestClient_Complete(t *testing.T) {
	var got map[string]any
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Contains(t, r.URL.Path, "/messages")
		assert.Equal(t, "test-key", r.Header.Get("X-Api-Key"))
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))

		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]any{ //nolint:errcheck
			"id":   "msg_test_001",
			"type": "message",
			"role": "assistant",
			"content": []map[string]any{
				{"type": "text", "text": "  Patient presents with fever.  "},
			},
			"model":       DefaultModel,
			"stop_reason": "end_turn",
			"usage":       map[string]any{"input_tokens": 42, "output_tokens": 7},
		})
	}))
	defer ts.Close()

	c := NewClient(Config{APIKey: "test-key", BaseURL: ts.URL}, nil)
	resp, err := c.Complete(context.Background(), llm.ChatRequest{
		Operation:   "summary",
		System:      "be brief",
		Messages:    []llm.Message{{Role: llm.RoleUser, Content: "Pt c/o fever"}},
		Temperature: 0.3,
		MaxTokens:   256,
		JSON:        true,
	})
	require.NoError(t, err)
	assert.Equal(t, "Patient presents with fever.", resp.Content)
	assert.Equal(t, DefaultModel, resp.Model)
	assert.Equal(t, int64(42), resp.InputTokens)
	assert.Equal(t, int64(7), resp.OutputTokens)

	assert.Equal(t, DefaultModel, got["model"])
	assert.EqualValues(t, 256, got["max_tokens"])
	assert.InDelta(t, 0.3, got["temperature"], 1e-9)
	system, ok := got["system"].([]any)
	require.True(t, ok)
	require.Len(t, system, 1)
	assert.Contains(t, system[0].(map[string]any)["text"], "JSON object")
	messages := got["messages"].([]any)
	require.Len(t, messages, 1)
	assert.Equal(t, "user", messages[0].(map[string]any)["role"])
}

func TestClient_CompleteError(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusBadRequest)
		w.Write([]byte(`{"type":"error","error":{"type":"invalid_request_error","message":"bad"}}`)) //nolint:errcheck
	}))
	defer ts.Close()

	c := NewClient(Config{APIKey: "test-key", BaseURL: ts.URL}, nil)
	_, err := c.Complete(context.Background(), llm.UserPrompt("clean", "", "text", 0.3, 100))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "anthropic clean")
}
