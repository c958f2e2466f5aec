// Package itinerary defines the versioned travel-plan document produced by
// the generation pipeline: an ordered sequence of Days, each an ordered
// sequence of Nodes, plus per-agent execution status.
package itinerary

import "time"

// NodeType classifies a Node.
type NodeType string

const (
	NodeAttraction    NodeType = "attraction"
	NodeMeal          NodeType = "meal"
	NodeAccommodation NodeType = "accommodation"
	NodeTransport     NodeType = "transport"
	NodeOther         NodeType = "other"
)

// NodeStatus tracks a Node's progress through planning and enrichment.
type NodeStatus string

const (
	NodeStatusPlaceholder NodeStatus = "placeholder"
	NodeStatusPlanned     NodeStatus = "planned"
	NodeStatusEnhanced    NodeStatus = "enhanced"
)

// AgentState is the lifecycle state of one agent within one execution.
type AgentState string

const (
	AgentPending   AgentState = "pending"
	AgentRunning   AgentState = "running"
	AgentSucceeded AgentState = "succeeded"
	AgentFailed    AgentState = "failed"
	AgentSkipped   AgentState = "skipped"
)

// Location is a geographic point with an optional free-text address.
type Location struct {
	Lat     float64 `json:"lat" bson:"lat"`
	Lng     float64 `json:"lng" bson:"lng"`
	Address string  `json:"address,omitempty" bson:"address,omitempty"`
}

// Valid reports whether the coordinates are within range.
func (l Location) Valid() bool {
	return l.Lat >= -90 && l.Lat <= 90 && l.Lng >= -180 && l.Lng <= 180
}

// Timing is a Node's optional schedule.
type Timing struct {
	StartTime   string `json:"startTime,omitempty" bson:"startTime,omitempty"`
	EndTime     string `json:"endTime,omitempty" bson:"endTime,omitempty"`
	DurationMin int    `json:"durationMin,omitempty" bson:"durationMin,omitempty"`
}

// Cost is a Node's optional price.
type Cost struct {
	Amount   float64 `json:"amount" bson:"amount"`
	Currency string  `json:"currency" bson:"currency"`
}

// Node is the smallest unit of plan persisted and announced individually
// during enrichment.
type Node struct {
	ID         string         `json:"id" bson:"id"`
	Type       NodeType       `json:"type" bson:"type"`
	Title      string         `json:"title" bson:"title"`
	Location   *Location      `json:"location,omitempty" bson:"location,omitempty"`
	Timing     *Timing        `json:"timing,omitempty" bson:"timing,omitempty"`
	Cost       *Cost          `json:"cost,omitempty" bson:"cost,omitempty"`
	Details    map[string]any `json:"details,omitempty" bson:"details,omitempty"`
	BookingRef string         `json:"bookingRef,omitempty" bson:"bookingRef,omitempty"`
	Locked     bool           `json:"locked" bson:"locked"`
	Status     NodeStatus     `json:"status" bson:"status"`
	UpdatedBy  string         `json:"updatedBy,omitempty" bson:"updatedBy,omitempty"`
	UpdatedAt  time.Time      `json:"updatedAt" bson:"updatedAt"`
}

// Immutable reports whether the node forbids further mutation: either it is
// explicitly locked, or a booking reference has already been assigned, which
// freezes type/title/timing per the data model invariant.
func (n Node) Immutable() bool {
	return n.Locked || n.BookingRef != ""
}

// Clone returns a deep copy of the node so callers can mutate the result
// without aliasing the original's pointer fields.
func (n Node) Clone() Node {
	out := n
	if n.Location != nil {
		loc := *n.Location
		out.Location = &loc
	}
	if n.Timing != nil {
		t := *n.Timing
		out.Timing = &t
	}
	if n.Cost != nil {
		c := *n.Cost
		out.Cost = &c
	}
	if n.Details != nil {
		out.Details = make(map[string]any, len(n.Details))
		for k, v := range n.Details {
			out.Details[k] = v
		}
	}
	return out
}

// Totals summarizes a Day's aggregate cost, filled in by the cost estimator.
type Totals struct {
	Cost     float64 `json:"cost,omitempty" bson:"cost,omitempty"`
	Currency string  `json:"currency,omitempty" bson:"currency,omitempty"`
}

// Day is a dated segment of the itinerary holding an ordered sequence of
// Nodes.
type Day struct {
	DayNumber  int      `json:"dayNumber" bson:"dayNumber"`
	Date       string   `json:"date" bson:"date"`
	Location   string   `json:"location,omitempty" bson:"location,omitempty"`
	Nodes      []Node   `json:"nodes" bson:"nodes"`
	Pacing     string   `json:"pacing,omitempty" bson:"pacing,omitempty"`
	TimeWindow string   `json:"timeWindow,omitempty" bson:"timeWindow,omitempty"`
	Totals     *Totals  `json:"totals,omitempty" bson:"totals,omitempty"`
}

// Placeholder reports whether the day has no nodes, or all its nodes are
// still placeholders.
func (d Day) Placeholder() bool {
	if len(d.Nodes) == 0 {
		return true
	}
	for _, n := range d.Nodes {
		if n.Status != NodeStatusPlaceholder {
			return false
		}
	}
	return true
}

// Clone returns a deep copy of the day, including its nodes.
func (d Day) Clone() Day {
	out := d
	if d.Nodes != nil {
		out.Nodes = make([]Node, len(d.Nodes))
		for i, n := range d.Nodes {
			out.Nodes[i] = n.Clone()
		}
	}
	if d.Totals != nil {
		t := *d.Totals
		out.Totals = &t
	}
	return out
}

// AgentStatus tracks one agent's progress within one execution.
type AgentStatus struct {
	State       AgentState `json:"state" bson:"state"`
	Progress    int        `json:"progress" bson:"progress"`
	LastMessage string     `json:"lastMessage,omitempty" bson:"lastMessage,omitempty"`
	StartedAt   *time.Time `json:"startedAt,omitempty" bson:"startedAt,omitempty"`
	FinishedAt  *time.Time `json:"finishedAt,omitempty" bson:"finishedAt,omitempty"`
}

// Settings carries caller-supplied generation preferences that shape but do
// not belong to the plan itself.
type Settings struct {
	Party      map[string]int `json:"party,omitempty" bson:"party,omitempty"`
	BudgetTier string         `json:"budgetTier,omitempty" bson:"budgetTier,omitempty"`
	Interests  []string       `json:"interests,omitempty" bson:"interests,omitempty"`
}

// Itinerary is the versioned, ordered plan consisting of Days and Nodes.
// Every durable mutation strictly increases Version; UpdatedAt is always
// greater than or equal to CreatedAt.
type Itinerary struct {
	ItineraryID string                 `json:"itineraryId" bson:"itineraryId"`
	Version     int                    `json:"version" bson:"version"`
	UserID      string                 `json:"userId" bson:"userId"`
	Summary     string                 `json:"summary,omitempty" bson:"summary,omitempty"`
	Currency    string                 `json:"currency,omitempty" bson:"currency,omitempty"`
	Themes      []string               `json:"themes,omitempty" bson:"themes,omitempty"`
	Origin      string                 `json:"origin,omitempty" bson:"origin,omitempty"`
	Destination string                 `json:"destination" bson:"destination"`
	StartDate   string                 `json:"startDate" bson:"startDate"`
	EndDate     string                 `json:"endDate" bson:"endDate"`
	Days        []Day                  `json:"days" bson:"days"`
	Settings    Settings               `json:"settings" bson:"settings"`
	Agents      map[string]AgentStatus `json:"agents" bson:"agents"`
	CreatedAt   time.Time              `json:"createdAt" bson:"createdAt"`
	UpdatedAt   time.Time              `json:"updatedAt" bson:"updatedAt"`
}

// Clone returns a deep copy of the itinerary so callers can apply
// copy-on-write mutations without aliasing the stored version.
func (it Itinerary) Clone() Itinerary {
	out := it
	if it.Themes != nil {
		out.Themes = append([]string(nil), it.Themes...)
	}
	if it.Days != nil {
		out.Days = make([]Day, len(it.Days))
		for i, d := range it.Days {
			out.Days[i] = d.Clone()
		}
	}
	if it.Agents != nil {
		out.Agents = make(map[string]AgentStatus, len(it.Agents))
		for k, v := range it.Agents {
			out.Agents[k] = v
		}
	}
	if it.Settings.Party != nil {
		out.Settings.Party = make(map[string]int, len(it.Settings.Party))
		for k, v := range it.Settings.Party {
			out.Settings.Party[k] = v
		}
	}
	if it.Settings.Interests != nil {
		out.Settings.Interests = append([]string(nil), it.Settings.Interests...)
	}
	return out
}

// Day returns a pointer to the day with the given 1-based number, or nil if
// absent.
func (it *Itinerary) Day(dayNumber int) *Day {
	for i := range it.Days {
		if it.Days[i].DayNumber == dayNumber {
			return &it.Days[i]
		}
	}
	return nil
}

// Node returns a pointer to the node with the given id within the given
// day, or nil if absent.
func (d *Day) Node(nodeID string) *Node {
	for i := range d.Nodes {
		if d.Nodes[i].ID == nodeID {
			return &d.Nodes[i]
		}
	}
	return nil
}
