package orchestrator

import "github.com/tripsmith/itinera/itinerary"

// CreateRequest is the caller-supplied input to a new generation, matching
// the POST /itineraries facade shape.
type CreateRequest struct {
	UserID      string
	Origin      string
	Destination string
	StartDate   string // ISO-8601 date, e.g. "2025-11-01"
	EndDate     string // ISO-8601 date, inclusive
	Currency    string
	Themes      []string
	Party       map[string]int
	BudgetTier  string
	Interests   []string
}

// SkeletonInput is the input passed to the skeleton agent.
type SkeletonInput struct {
	Request   CreateRequest
	Itinerary itinerary.Itinerary // the IS-created v1 placeholder
}

// DayUnitInput is the input passed to an agent that produces or enriches
// one Day (the day planner, activity, meal, and transport agents).
type DayUnitInput struct {
	Itinerary itinerary.Itinerary // latest known snapshot, read-only
	Day       itinerary.Day       // the specific day this invocation targets
}

// NodeUnitInput is the input passed to the enrichment agent, which targets
// one Node at a time.
type NodeUnitInput struct {
	Itinerary itinerary.Itinerary
	Day       itinerary.Day
	Node      itinerary.Node
}

// CostInput is the input passed to the cost estimator, which runs once
// over the whole itinerary.
type CostInput struct {
	Itinerary itinerary.Itinerary
}

// Phase names, used both as state-machine labels and as EP phase_started /
// phase_completed payload values.
const (
	PhaseSkeleton   = "skeleton"
	PhaseDayPlan    = "dayplan"
	PhaseActivities = "activities"
	PhaseMeals      = "meals"
	PhaseTransport  = "transport"
	PhaseCost       = "cost"
	PhaseEnrichment = "enrichment"
	PhaseFinalize   = "finalize"
)

// State is a coarse-grained orchestrator lifecycle state.
type State string

const (
	StateIdle         State = "Idle"
	StateInitializing State = "Initializing"
	StateSkeleton     State = "Skeleton"
	StateDayPlan      State = "DayPlan"
	StatePopulate     State = "Populate"
	StateCost         State = "Cost"
	StateEnrich       State = "Enrich"
	StateComplete     State = "Complete"
	StateFailed       State = "Failed"
	StateCancelled    State = "Cancelled"
)
