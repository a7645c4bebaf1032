package openai

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/joseph-ayodele/medsummary/internal/llm"
)

// Complete implements llm.Completer using chat/completions.
func (c *Client) Complete(ctx context.Context, req llm.ChatRequest) (llm.ChatResponse, error) {
	start := time.Now()

	messages := make([]map[string]any, 0, len(req.Messages)+1)
	if req.System != "" {
		messages = append(messages, map[string]any{"role": "system", "content": req.System})
	}
	for _, m := range req.Messages {
		messages = append(messages, map[string]any{"role": string(m.Role), "content": m.Content})
	}

	body := map[string]any{
		"model":       c.cfg.Model,
		"temperature": req.Temperature,
		"messages":    messages,
	}
	if req.MaxTokens > 0 {
		body["max_tokens"] = req.MaxTokens
	}
	if req.JSON {
		body["response_format"] = map[string]any{"type": "json_object"}
	}

	endpoint := strings.TrimRight(c.cfg.BaseURL, "/") + "/chat/completions"
	headers := map[string]string{"Authorization": "Bearer " + c.cfg.APIKey}
	raw, err := c.send(ctx, req.Operation, endpoint, body, headers)
	if err != nil {
		c.log.Error("llm.openai.http_error",
			"op", req.Operation, "model", c.cfg.Model, "error", err,
			"elapsed_ms", time.Since(start).Milliseconds(),
		)
		return llm.ChatResponse{}, fmt.Errorf("openai %s: %w", req.Operation, err)
	}

	var cc struct {
		Model   string `json:"model"`
		Choices []struct {
			Message struct {
				Content string `json:"content"`
			} `json:"message"`
		} `json:"choices"`
		Usage struct {
			PromptTokens     int64 `json:"prompt_tokens"`
			CompletionTokens int64 `json:"completion_tokens"`
		} `json:"usage"`
	}
	if err := json.Unmarshal(raw, &cc); err != nil {
		c.log.Error("llm.openai.decode_error", "op", req.Operation, "error", err, "raw_bytes", len(raw))
		return llm.ChatResponse{}, fmt.Errorf("decode openai response: %w", err)
	}
	if len(cc.Choices) == 0 {
		c.log.Error("llm.openai.no_choices", "op", req.Operation, "raw", string(raw))
		return llm.ChatResponse{}, fmt.Errorf("no choices in openai response: %w", llm.ErrEmptyResponse)
	}

	out := llm.ChatResponse{
		Content:      strings.TrimSpace(cc.Choices[0].Message.Content),
		Model:        cc.Model,
		InputTokens:  cc.Usage.PromptTokens,
		OutputTokens: cc.Usage.CompletionTokens,
	}
	if out.Model == "" {
		out.Model = c.cfg.Model
	}
	c.log.Debug("llm.openai.ok",
		"op", req.Operation,
		"model", out.Model,
		"input_tokens", out.InputTokens,
		"output_tokens", out.OutputTokens,
		"elapsed_ms", time.Since(start).Milliseconds(),
	)
	return out, nil
}

// send posts the request, retrying throttled and 5xx answers with doubling
// backoff until MaxRetries is used up or ctx ends.
func (c *Client) send(ctx context.Context, op, endpoint string, body any, headers map[string]string) ([]byte, error) {
	backoff := c.cfg.RetryBackoff
	for attempt := 0; ; attempt++ {
		raw, _, err := llm.SendJSON(ctx, c.http, endpoint, body, headers, c.log)
		var he *llm.HTTPError
		if err == nil || attempt >= c.cfg.MaxRetries || !errors.As(err, &he) || !he.Retryable() {
			return raw, err
		}
		c.log.Warn("llm.openai.retry", "op", op, "status", he.Status, "attempt", attempt+1, "backoff_ms", backoff.Milliseconds())
		t := time.NewTimer(backoff)
		select {
		case <-ctx.Done():
			t.Stop()
			return nil, fmt.Errorf("%w (last: %w)", context.Cause(ctx), err)
		case <-t.C:
		}
		backoff *= 2
	}
}
