package agent

import (
	"context"

	"golang.org/x/time/rate"
)

// RateLimited wraps an Agent with a process-local token-bucket limiter on
// its Run calls, so one generation's retries cannot exhaust a shared
// upstream provider's requests-per-second budget. Every other Agent method
// delegates to the wrapped agent unchanged.
type RateLimited struct {
	Agent
	limiter *rate.Limiter
}

// NewRateLimited wraps ag with a limiter admitting ratePerSecond calls per
// second, bursting up to burst. Intended for use at provider-construction
// time, e.g. agent.NewRateLimited(openaiagent skeleton, 2, 4).
func NewRateLimited(ag Agent, ratePerSecond float64, burst int) *RateLimited {
	if burst < 1 {
		burst = 1
	}
	return &RateLimited{Agent: ag, limiter: rate.NewLimiter(rate.Limit(ratePerSecond), burst)}
}

// Run blocks until the limiter admits the call, or ctx is done, then
// delegates to the wrapped agent.
func (r *RateLimited) Run(ctx context.Context, input any) (any, error) {
	if err := r.limiter.Wait(ctx); err != nil {
		return nil, NewError(KindCancelled, "rate limiter wait cancelled", err)
	}
	return r.Agent.Run(ctx, input)
}
