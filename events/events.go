// Package events defines the Event envelope delivered by the bus and the
// typed payloads carried by each event type.
package events

import "time"

// Type enumerates the wire event types.
type Type string

const (
	TypeConnected          Type = "connected"
	TypeRecoveryIncomplete Type = "recovery_incomplete"
	TypePhaseStarted       Type = "phase_started"
	TypePhaseCompleted     Type = "phase_completed"
	TypeProgress           Type = "progress"
	TypeDayCompleted       Type = "day_completed"
	TypeNodeEnhanced       Type = "node_enhanced"
	TypePartialFailure     Type = "partial_failure"
	TypeError              Type = "error"
	TypeGenerationComplete Type = "generation_complete"
)

// Severity classifies error and partial_failure events.
type Severity string

const (
	SeverityInfo    Severity = "info"
	SeverityWarning Severity = "warning"
	SeverityError   Severity = "error"
	SeverityFatal   Severity = "fatal"
)

// Event is the immutable envelope delivered to subscribers. EventID is
// monotone per itinerary and assigned by the bus; it is absent (zero) for
// the connected and recovery_incomplete handshake events, which are never
// placed in the tail.
type Event struct {
	EventID     int64     `json:"eventId,omitempty"`
	ItineraryID string    `json:"itineraryId"`
	ExecutionID string    `json:"executionId"`
	Type        Type      `json:"type"`
	Timestamp   time.Time `json:"timestamp"`
	Payload     any       `json:"payload"`
	Severity    Severity  `json:"severity,omitempty"`
}

// ProgressPayload is carried by TypeProgress events.
type ProgressPayload struct {
	OverallPct      int    `json:"overallPct"`
	Phase           string `json:"phase"`
	CurrentActivity string `json:"currentActivity,omitempty"`
}

// DayCompletedPayload is carried by TypeDayCompleted events.
type DayCompletedPayload struct {
	DayNumber int `json:"dayNumber"`
	Day       any `json:"day"`
}

// NodeEnhancedPayload is carried by TypeNodeEnhanced events.
type NodeEnhancedPayload struct {
	DayNumber int    `json:"dayNumber"`
	NodeID    string `json:"nodeId"`
	Node      any    `json:"node"`
}

// PhaseStartedPayload is carried by TypePhaseStarted events.
type PhaseStartedPayload struct {
	Phase         string `json:"phase"`
	ExpectedUnits int    `json:"expectedUnits"`
}

// PhaseCompletedPayload is carried by TypePhaseCompleted events.
type PhaseCompletedPayload struct {
	Phase         string `json:"phase"`
	ProducedUnits int    `json:"producedUnits"`
	DurationMs    int64  `json:"durationMs"`
}

// FailurePayload is carried by TypePartialFailure and TypeError events.
type FailurePayload struct {
	Kind         string `json:"kind"`
	UserMessage  string `json:"userMessage"`
	Retryable    bool   `json:"retryable"`
	RetryAfterMs int64  `json:"retryAfterMs,omitempty"`
	Scope        string `json:"scope,omitempty"`
}

// GenerationCompletePayload is carried by TypeGenerationComplete events.
type GenerationCompletePayload struct {
	FinalVersion int `json:"finalVersion"`
}

// ConnectedPayload is carried by the connected handshake event.
type ConnectedPayload struct {
	LastEventID int64 `json:"lastEventId"`
}

// RecoveryIncompletePayload is carried by the recovery_incomplete handshake
// event, sent when a reconnecting subscriber's lastSeenEventId predates the
// tail's oldest retained event.
type RecoveryIncompletePayload struct {
	TailOldestEventID int64 `json:"tailOldestEventId"`
}
