package llm

import (
	"context"
	"errors"
)

var (
	// ErrEmptyInput is returned before calling a model with blank text.
	ErrEmptyInput = errors.New("llm: empty input text")
	// ErrEmptyResponse is returned when the model answers with nothing usable.
	ErrEmptyResponse = errors.New("llm: empty model response")
)

type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

type Message struct {
	Role    Role
	Content string
}

// ChatRequest is the provider-neutral shape sent to a Completer.
type ChatRequest struct {
	Operation   string // log label: "clean", "extract", "summary", "findings"
	System      string
	Messages    []Message
	Temperature float64
	MaxTokens   int
	JSON        bool // ask for a JSON object response when the provider supports it
}

type ChatResponse struct {
	Content      string
	Model        string
	InputTokens  int64
	OutputTokens int64
}

// Completer is the single capability the pipeline needs from a model provider.
type Completer interface {
	Complete(ctx context.Context, req ChatRequest) (ChatResponse, error)
}

// CompleterFunc adapts a function to Completer.
type CompleterFunc func(ctx context.Context, req ChatRequest) (ChatResponse, error)

func (f CompleterFunc) Complete(ctx context.Context, req ChatRequest) (ChatResponse, error) {
	return f(ctx, req)
}

// UserPrompt builds a request with one user message.
func UserPrompt(op, system, user string, temperature float64, maxTokens int) ChatRequest {
	return ChatRequest{
		Operation:   op,
		System:      system,
		Messages:    []Message{{Role: RoleUser, Content: user}},
		Temperature: temperature,
		MaxTokens:   maxTokens,
	}
}
