package llm

import (
	"context"
	"fmt"

	"golang.org/x/time/rate"
)

type rateLimited struct {
	next    Completer
	limiter *rate.Limiter
}

// NewRateLimited bounds calls to next at rps requests per second with the given burst.
// A non-positive rps returns next unchanged.
func NewRateLimited(next Completer, rps float64, burst int) Completer {
	if rps <= 0 {
		return next
	}
	if burst < 1 {
		burst = 1
	}
	return &rateLimited{next: next, limiter: rate.NewLimiter(rate.Limit(rps), burst)}
}

func (r *rateLimited) Complete(ctx context.Context, req ChatRequest) (ChatResponse, error) {
	if err := r.limiter.Wait(ctx); err != nil {
		return ChatResponse{}, fmt.Errorf("llm rate limit: %w", err)
	}
	return r.next.Complete(ctx, req)
}
