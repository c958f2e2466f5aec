// Package publisher implements the Event Publisher: the only path through
// which agents and the orchestrator emit events. It normalizes envelopes,
// classifies severity, and enforces the per-execution progress watermark
// before handing events to the bus.
package publisher

import (
	"context"
	"sync"

	"github.com/tripsmith/itinera/bus"
	"github.com/tripsmith/itinera/events"
)

// Publisher is a thin, typed facade over a bus.Bus.
type Publisher struct {
	bus *bus.Bus

	mu         sync.Mutex
	watermarks map[string]int // executionId -> highest-seen overallPct
}

// New constructs a Publisher backed by b.
func New(b *bus.Bus) *Publisher {
	return &Publisher{bus: b, watermarks: make(map[string]int)}
}

// PublishPhaseStarted announces the start of a pipeline phase.
func (p *Publisher) PublishPhaseStarted(ctx context.Context, itineraryID, executionID, phase string, expectedUnits int) {
	p.bus.Broadcast(ctx, itineraryID, events.TypePhaseStarted, executionID, events.SeverityInfo,
		events.PhaseStartedPayload{Phase: phase, ExpectedUnits: expectedUnits})
}

// PublishPhaseCompleted announces the completion of a pipeline phase.
func (p *Publisher) PublishPhaseCompleted(ctx context.Context, itineraryID, executionID, phase string, producedUnits int, durationMs int64) {
	p.bus.Broadcast(ctx, itineraryID, events.TypePhaseCompleted, executionID, events.SeverityInfo,
		events.PhaseCompletedPayload{Phase: phase, ProducedUnits: producedUnits, DurationMs: durationMs})
}

// PublishDayCompleted announces that a day has reached a new durable
// version, carrying the full current Day.
func (p *Publisher) PublishDayCompleted(ctx context.Context, itineraryID, executionID string, dayNumber int, day any) {
	p.bus.Broadcast(ctx, itineraryID, events.TypeDayCompleted, executionID, events.SeverityInfo,
		events.DayCompletedPayload{DayNumber: dayNumber, Day: day})
}

// PublishNodeEnhanced announces that a single node has been enriched.
func (p *Publisher) PublishNodeEnhanced(ctx context.Context, itineraryID, executionID string, dayNumber int, nodeID string, node any) {
	p.bus.Broadcast(ctx, itineraryID, events.TypeNodeEnhanced, executionID, events.SeverityInfo,
		events.NodeEnhancedPayload{DayNumber: dayNumber, NodeID: nodeID, Node: node})
}

// PublishProgress announces overall generation progress. overallPct is
// clamped to never regress below the highest value previously published
// for executionID, and capped at 99: only PublishGenerationComplete
// stands for 100%.
func (p *Publisher) PublishProgress(ctx context.Context, itineraryID, executionID string, overallPct int, phase, currentActivity string) {
	p.mu.Lock()
	if overallPct > 99 {
		overallPct = 99
	}
	if overallPct < p.watermarks[executionID] {
		overallPct = p.watermarks[executionID]
	}
	p.watermarks[executionID] = overallPct
	p.mu.Unlock()

	p.bus.Broadcast(ctx, itineraryID, events.TypeProgress, executionID, events.SeverityInfo,
		events.ProgressPayload{OverallPct: overallPct, Phase: phase, CurrentActivity: currentActivity})
}

// PublishGenerationComplete announces that a generation finished
// successfully. It is the only event that represents 100% progress, so the
// watermark entry for executionID is released rather than raised.
func (p *Publisher) PublishGenerationComplete(ctx context.Context, itineraryID, executionID string, finalVersion int) {
	p.mu.Lock()
	delete(p.watermarks, executionID)
	p.mu.Unlock()

	p.bus.Broadcast(ctx, itineraryID, events.TypeGenerationComplete, executionID, events.SeverityInfo,
		events.GenerationCompletePayload{FinalVersion: finalVersion})
}

// PublishError announces a terminal error for the execution. severity and
// retryable are provided by the caller (derived from the agent/error kind
// contract) rather than re-derived here, since EP's classification rule
// only fills in a default when the caller has not already decided.
func (p *Publisher) PublishError(ctx context.Context, itineraryID, executionID string, kind string, userMessage string, severity events.Severity, retryable bool, retryAfterMs int64) {
	if severity == "" {
		severity = events.SeverityFatal
	}
	p.bus.Broadcast(ctx, itineraryID, events.TypeError, executionID, severity,
		events.FailurePayload{Kind: kind, UserMessage: userMessage, Retryable: retryable, RetryAfterMs: retryAfterMs})
}

// PublishPartialFailure announces a recoverable per-day or per-node error
// that does not abort the pipeline.
func (p *Publisher) PublishPartialFailure(ctx context.Context, itineraryID, executionID, scope, kind, userMessage string) {
	p.bus.Broadcast(ctx, itineraryID, events.TypePartialFailure, executionID, events.SeverityError,
		events.FailurePayload{Kind: kind, UserMessage: userMessage, Retryable: false, Scope: scope})
}

// ResetWatermark clears the recorded progress watermark for executionID.
// The orchestrator calls this when an execution is aborted (failure or
// cancellation); on success PublishGenerationComplete releases the entry
// itself. Clearing it keeps stale watermarks from leaking across runs
// that happen to reuse an executionID (which should not occur in
// practice, but keeps the map from growing unbounded on long-lived
// processes with many aborted executions).
func (p *Publisher) ResetWatermark(executionID string) {
	p.mu.Lock()
	delete(p.watermarks, executionID)
	p.mu.Unlock()
}
