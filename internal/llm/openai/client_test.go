package openai

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/joseph-ayodele/medsummary/internal/llm"
)

func TestClient_Complete(t *testing.T) {
	var got map[string]any
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/chat/completions", r.URL.Path)
		assert.Equal(t, "Bearer sk-test", r.Header.Get("Authorization"))
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"model":"llama-3.3-70b","choices":[{"message":{"content":" {\"diagnosis\":\"flu\"} "}}],"usage":{"prompt_tokens":12,"completion_tokens":4}}`)) //nolint:errcheck
	}))
	defer ts.Close()

	c := NewClient(Config{APIKey: "sk-test", BaseURL: ts.URL + "/v1/", Model: "llama-3.3-70b"}, nil)
	req := llm.UserPrompt("extract", "sys", "text", 0.2, 1024)
	req.JSON = true
	resp, err := c.Complete(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, `{"diagnosis":"flu"}`, resp.Content)
	assert.Equal(t, "llama-3.3-70b", resp.Model)
	assert.Equal(t, int64(12), resp.InputTokens)

	assert.Equal(t, "llama-3.3-70b", got["model"])
	assert.EqualValues(t, 1024, got["max_tokens"])
	assert.Equal(t, map[string]any{"type": "json_object"}, got["response_format"])
	msgs := got["messages"].([]any)
	require.Len(t, msgs, 2)
	assert.Equal(t, "system", msgs[0].(map[string]any)["role"])
	assert.Equal(t, "user", msgs[1].(map[string]any)["role"])
}

func TestClient_CompleteErrors(t *testing.T) {
	t.Run("non-2xx", func(t *testing.T) {
		ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusTooManyRequests)
			w.Write([]byte(`{"error":"slow down"}`)) //nolint:errcheck
		}))
		defer ts.Close()

		_, err := NewClient(Config{APIKey: "k", BaseURL: ts.URL}, nil).Complete(context.Background(), llm.UserPrompt("clean", "", "x", 0.3, 10))
		require.Error(t, err)
		var he *llm.HTTPError
		require.True(t, errors.As(err, &he))
		assert.Equal(t, http.StatusTooManyRequests, he.Status)
		assert.True(t, he.Retryable())
	})
	t.Run("no choices", func(t *testing.T) {
		ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Write([]byte(`{"choices":[]}`)) //nolint:errcheck
		}))
		defer ts.Close()

		_, err := NewClient(Config{APIKey: "k", BaseURL: ts.URL}, nil).Complete(context.Background(), llm.UserPrompt("clean", "", "x", 0.3, 10))
		assert.ErrorIs(t, err, llm.ErrEmptyResponse)
	})
}

func TestClient_CompleteRetries(t *testing.T) {
	newServer := func(failures int32, status int, calls *atomic.Int32) *httptest.Server {
		return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if calls.Add(1) <= failures {
				w.WriteHeader(status)
				w.Write([]byte(`{"error":"busy"}`)) //nolint:errcheck
				return
			}
			w.Write([]byte(`{"choices":[{"message":{"content":"ok"}}]}`)) //nolint:errcheck
		}))
	}
	req := llm.UserPrompt("summary", "", "x", 0.3, 10)

	t.Run("throttled then ok", func(t *testing.T) {
		var calls atomic.Int32
		ts := newServer(1, http.StatusTooManyRequests, &calls)
		defer ts.Close()

		c := NewClient(Config{APIKey: "k", BaseURL: ts.URL, MaxRetries: 2, RetryBackoff: time.Millisecond}, nil)
		resp, err := c.Complete(context.Background(), req)
		require.NoError(t, err)
		assert.Equal(t, "ok", resp.Content)
		assert.EqualValues(t, 2, calls.Load())
	})
	t.Run("gives up after max retries", func(t *testing.T) {
		var calls atomic.Int32
		ts := newServer(10, http.StatusBadGateway, &calls)
		defer ts.Close()

		c := NewClient(Config{APIKey: "k", BaseURL: ts.URL, MaxRetries: 2, RetryBackoff: time.Millisecond}, nil)
		_, err := c.Complete(context.Background(), req)
		var he *llm.HTTPError
		require.True(t, errors.As(err, &he))
		assert.Equal(t, http.StatusBadGateway, he.Status)
		assert.EqualValues(t, 3, calls.Load())
	})
	t.Run("client errors are not retried", func(t *testing.T) {
		var calls atomic.Int32
		ts := newServer(10, http.StatusBadRequest, &calls)
		defer ts.Close()

		c := NewClient(Config{APIKey: "k", BaseURL: ts.URL, MaxRetries: 2, RetryBackoff: time.Millisecond}, nil)
		_, err := c.Complete(context.Background(), req)
		require.Error(t, err)
		assert.EqualValues(t, 1, calls.Load())
	})
	t.Run("context ends the wait", func(t *testing.T) {
		var calls atomic.Int32
		ts := newServer(10, http.StatusServiceUnavailable, &calls)
		defer ts.Close()

		ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
		defer cancel()
		c := NewClient(Config{APIKey: "k", BaseURL: ts.URL, MaxRetries: 5, RetryBackoff: time.Hour}, nil)
		_, err := c.Complete(ctx, req)
		assert.ErrorIs(t, err, context.DeadlineExceeded)
		assert.EqualValues(t, 1, calls.Load())
	})
}
