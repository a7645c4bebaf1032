package anthropic

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	sdk "github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"github.com/joseph-ayodele/medsummary/internal/llm"
)

const (
	DefaultModel     = "claude-sonnet-4-5-20250929"
	DefaultMaxTokens = 2048
)

type Config struct {
	APIKey     string // if empty, falls back to env ANTHROPIC_API_KEY
	BaseURL    string // optional; tests point this at httptest
	Model      string
	Timeout    time.Duration
	MaxRetries int // SDK-level retries on 429/5xx; 0 disables
}

// Client implements llm.Completer with the Messages API.
type Client struct {
	client sdk.Client
	cfg    Config
	log    *slog.Logger
}

func NewClient(cfg Config, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.APIKey == "" {
		cfg.APIKey = os.Getenv("ANTHROPIC_API_KEY")
	}
	if cfg.Model == "" {
		cfg.Model = DefaultModel
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 60 * time.Second
	}
	opts := []option.RequestOption{
		option.WithAPIKey(cfg.APIKey),
		option.WithRequestTimeout(cfg.Timeout),
		option.WithMaxRetries(cfg.MaxRetries),
	}
	if cfg.BaseURL != "" {
		opts = append(opts, option.WithBaseURL(cfg.BaseURL))
	}
	return &Client{client: sdk.NewClient(opts...), cfg: cfg, log: logger}
}

// Model returns the configured model name.
func (c *Client) Model() string { return c.cfg.Model }

func (c *Client) Complete(ctx context.Context, req llm.ChatRequest) (llm.ChatResponse, error) {
	start := time.Now()
	maxTokens := int64(req.MaxTokens)
	if maxTokens <= 0 {
		maxTokens = DefaultMaxTokens
	}
	params := sdk.MessageNewParams{
		Model:       sdk.Model(c.cfg.Model),
		MaxTokens:   maxTokens,
		Messages:    toSDKMessages(req.Messages),
		Temperature: sdk.Float(req.Temperature),
	}
	system := req.System
	if req.JSON {
		system = strings.TrimSpace(system + "\nRespond with a single JSON object and nothing else.")
	}
	if system != "" {
		params.System = []sdk.TextBlockParam{{Text: system}}
	}

	msg, err := c.client.Messages.New(ctx, params)
	if err != nil {
		c.log.Error("llm.anthropic.error",
			"op", req.Operation, "model", c.cfg.Model, "error", err,
			"elapsed_ms", time.Since(start).Milliseconds(),
		)
		return llm.ChatResponse{}, fmt.Errorf("anthropic %s: %w", req.Operation, err)
	}

	var b strings.Builder
	for _, block := range msg.Content {
		if block.Type == "text" {
			b.WriteString(block.Text)
		}
	}
	out := llm.ChatResponse{
		Content:      strings.TrimSpace(b.String()),
		Model:        string(msg.Model),
		InputTokens:  msg.Usage.InputTokens,
		OutputTokens: msg.Usage.OutputTokens,
	}
	c.log.Debug("llm.anthropic.ok",
		"op", req.Operation,
		"model", out.Model,
		"stop_reason", string(msg.StopReason),
		"input_tokens", out.InputTokens,
		"output_tokens", out.OutputTokens,
		"elapsed_ms", time.Since(start).Milliseconds(),
	)
	return out, nil
}

func toSDKMessages(msgs []llm.Message) []sdk.MessageParam {
	out := make([]sdk.MessageParam, len(msgs))
	for i, m := range msgs {
		block := sdk.NewTextBlock(m.Content)
		switch m.Role {
		case llm.RoleAssistant:
			out[i] = sdk.NewAssistantMessage(block)
		default:
			out[i] = sdk.NewUserMessage(block)
		}
	}
	return out
}
