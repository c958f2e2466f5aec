// Package agent defines the Agent contract and the Agent Runtime that
// executes a single agent invocation within an execution context with
// uniform retry, timeout, cancellation, and error-to-event translation.
package agent

import (
	"context"
	"errors"
	"math/rand"
	"time"

	"github.com/tripsmith/itinera/execctx"
	"github.com/tripsmith/itinera/itinerary"
	"github.com/tripsmith/itinera/publisher"
	"github.com/tripsmith/itinera/telemetry"
)

// ErrorKind is the closed taxonomy of failure causes recognized by the
// runtime and used to decide retry and fatality behavior. It names a
// failure's cause, not a Go type.
type ErrorKind string

const (
	// KindInvalidInput marks a malformed or semantically invalid request.
	// Non-retryable.
	KindInvalidInput ErrorKind = "invalid_input"
	// KindTransientUpstream marks a recoverable external dependency
	// failure (timeout, 5xx, rate limit). Retryable.
	KindTransientUpstream ErrorKind = "transient_upstream"
	// KindNonRetryableUpstream marks a 4xx-class upstream refusal.
	// Non-retryable.
	KindNonRetryableUpstream ErrorKind = "non_retryable_upstream"
	// KindConflict marks an optimistic version check failure. Internally
	// retried by the per-unit protocol; should not reach the runtime
	// directly except after bounded internal retries are exhausted.
	KindConflict ErrorKind = "conflict"
	// KindCancelled marks explicit cancellation or deadline exceeded.
	KindCancelled ErrorKind = "cancelled"
	// KindInternal marks an unexpected failure. Non-retryable, always
	// fatal.
	KindInternal ErrorKind = "internal"
)

// Error is a typed failure carrying a retry-classification Kind, a
// human-readable message free of internal identifiers, and an optional
// advisory retry-after hint (set on rate-limit style responses).
type Error struct {
	Kind         ErrorKind
	Message      string
	RetryAfterMs int64
	cause        error
}

// NewError constructs an Error of the given kind wrapping cause.
func NewError(kind ErrorKind, message string, cause error) *Error {
	return &Error{Kind: kind, Message: message, cause: cause}
}

func (e *Error) Error() string {
	if e.cause != nil {
		return e.Message + ": " + e.cause.Error()
	}
	return e.Message
}

func (e *Error) Unwrap() error { return e.cause }

// Retryable reports whether errors of this kind may be retried by the
// runtime, independent of the agent's own IsRetryable declaration; both
// must hold for a retry to occur.
func (k ErrorKind) Retryable() bool {
	return k == KindTransientUpstream
}

// AsAgentError extracts an *Error from err, classifying unknown errors as
// KindInternal so every failure the runtime handles carries a kind.
func AsAgentError(err error) *Error {
	if err == nil {
		return nil
	}
	var ae *Error
	if errors.As(err, &ae) {
		return ae
	}
	return &Error{Kind: KindInternal, Message: "unexpected agent failure", cause: err}
}

// Agent is the single capability set {run} with declared retry, timeout,
// and fatality behavior. Specialization is by composition: each agent is a
// value implementing this interface, never by subclassing a base type.
// Agents must be re-entrant and stateless across invocations; any
// per-invocation state belongs on the execution context's scratchpad.
type Agent interface {
	Name() string
	Run(ctx context.Context, input any) (any, error)
	IsRetryable() bool
	MaxAttempts() int
	BaseBackoff() time.Duration
	PerAttemptTimeout() time.Duration
	FatalOnFailure() bool
}

// Result is the outcome of one Runtime.Invoke call.
type Result struct {
	Output  any
	Status  itinerary.AgentStatus
	Err     error
	Skipped bool
}

// Runtime executes agent invocations with retry-with-backoff-and-jitter,
// per-attempt timeouts, cancellation, and failure-to-event translation.
type Runtime struct {
	publisher *publisher.Publisher
	log       telemetry.Logger
	metrics   telemetry.Metrics
}

// NewRuntime constructs a Runtime that publishes partial-failure events
// through pub.
func NewRuntime(pub *publisher.Publisher, tel telemetry.Set) *Runtime {
	log := tel.Logger
	if log == nil {
		log = telemetry.NoopLogger{}
	}
	metrics := tel.Metrics
	if metrics == nil {
		metrics = telemetry.NoopMetrics{}
	}
	return &Runtime{publisher: pub, log: log, metrics: metrics}
}

// Invoke runs ag once, retrying per its declared policy, and returns the
// resulting AgentStatus alongside the agent's output (if any). scope
// identifies the unit of work for partial_failure events (e.g. "day:2" or
// "node:d2_n3"); it is ignored when the agent fails fatally, since a fatal
// failure is surfaced by the caller (the orchestrator), not by Invoke.
func (r *Runtime) Invoke(ctx context.Context, execCtx *execctx.Context, ag Agent, input any, itineraryID, executionID, scope string) Result {
	status := itinerary.AgentStatus{State: itinerary.AgentRunning}
	now := time.Now().UTC()
	status.StartedAt = &now

	maxAttempts := ag.MaxAttempts()
	if maxAttempts < 1 {
		maxAttempts = 1
	}

	var lastErr error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		if execCtx.Cancelled() {
			lastErr = NewError(KindCancelled, "execution cancelled", ctx.Err())
			break
		}

		attemptCtx := ctx
		var cancel context.CancelFunc
		if d := ag.PerAttemptTimeout(); d > 0 {
			attemptCtx, cancel = context.WithTimeout(ctx, d)
		}
		attemptStarted := time.Now()
		out, err := ag.Run(attemptCtx, input)
		r.metrics.RecordTimer("agent.attempt_duration", time.Since(attemptStarted), "agent", ag.Name())
		if cancel != nil {
			cancel()
		}

		if err == nil {
			finished := time.Now().UTC()
			status.State = itinerary.AgentSucceeded
			status.Progress = 100
			status.FinishedAt = &finished
			return Result{Output: out, Status: status}
		}

		lastErr = err
		aerr := AsAgentError(err)
		if aerr.Kind == KindCancelled || attemptCtx.Err() == context.Canceled {
			break
		}
		retryable := ag.IsRetryable() && aerr.Kind.Retryable() && attempt < maxAttempts
		status.LastMessage = aerr.Message
		r.log.Warn(ctx, "agent attempt failed", "agent", ag.Name(), "attempt", attempt, "kind", string(aerr.Kind), "err", aerr.Error())
		if !retryable {
			break
		}
		if !r.sleepBackoff(execCtx.Ctx(), ag.BaseBackoff(), attempt) {
			lastErr = NewError(KindCancelled, "execution cancelled during backoff", execCtx.Ctx().Err())
			break
		}
	}

	finished := time.Now().UTC()
	status.State = itinerary.AgentFailed
	status.FinishedAt = &finished
	aerr := AsAgentError(lastErr)
	status.LastMessage = aerr.Message

	if ag.FatalOnFailure() {
		return Result{Status: status, Err: aerr}
	}

	r.metrics.IncCounter("agent.partial_failure", 1, "agent", ag.Name())
	if r.publisher != nil {
		r.publisher.PublishPartialFailure(ctx, itineraryID, executionID, scope, string(aerr.Kind), aerr.Message)
	}
	return Result{Status: status, Skipped: true, Err: aerr}
}

// sleepBackoff waits baseBackoff*2^(attempt-1), capped and jittered,
// honoring cancellation. It reports whether the sleep completed (false
// means the context was cancelled first).
func (r *Runtime) sleepBackoff(ctx context.Context, baseBackoff time.Duration, attempt int) bool {
	if baseBackoff <= 0 {
		baseBackoff = 200 * time.Millisecond
	}
	const maxDelay = 30 * time.Second
	delay := baseBackoff
	for i := 1; i < attempt; i++ {
		delay *= 2
		if delay > maxDelay {
			delay = maxDelay
			break
		}
	}
	jitter := time.Duration(rand.Int63n(int64(delay)/5 + 1))
	delay += jitter

	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-timer.C:
		return true
	case <-ctx.Done():
		return false
	}
}
