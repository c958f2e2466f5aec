package agent_test

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/tripsmith/itinera/agent"
)

type countingAgent struct {
	calls atomic.Int32
}

func (c *countingAgent) Name() string                                      { return "counting" }
func (c *countingAgent) IsRetryable() bool                                  { return false }
func (c *countingAgent) MaxAttempts() int                                   { return 1 }
func (c *countingAgent) BaseBackoff() time.Duration                         { return 0 }
func (c *countingAgent) PerAttemptTimeout() time.Duration                   { return 0 }
func (c *countingAgent) FatalOnFailure() bool                               { return false }
func (c *countingAgent) Run(ctx context.Context, input any) (any, error) {
	c.calls.Add(1)
	return "ok", nil
}

func TestRateLimitedDelegatesAfterAdmission(t *testing.T) {
	inner := &countingAgent{}
	limited := agent.NewRateLimited(inner, 1000, 4)

	out, err := limited.Run(context.Background(), nil)

	assert.NoError(t, err)
	assert.Equal(t, "ok", out)
	assert.Equal(t, int32(1), inner.calls.Load())
	assert.Equal(t, "counting", limited.Name())
}

func TestRateLimitedHonorsCancellation(t *testing.T) {
	inner := &countingAgent{}
	limited := agent.NewRateLimited(inner, 0.001, 1)
	// Drain the single burst token so the next Wait actually blocks.
	_, _ = limited.Run(context.Background(), nil)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := limited.Run(ctx, nil)

	assert.Error(t, err)
	assert.Equal(t, int32(1), inner.calls.Load(), "wrapped agent must not run once the limiter wait is cancelled")
}
