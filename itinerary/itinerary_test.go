package itinerary_test

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/tripsmith/itinera/itinerary"
)

func TestLocationValid(t *testing.T) {
	assert.True(t, itinerary.Location{Lat: 41.38, Lng: 2.17}.Valid())
	assert.False(t, itinerary.Location{Lat: 91, Lng: 0}.Valid())
	assert.False(t, itinerary.Location{Lat: 0, Lng: 181}.Valid())
}

func TestNodeImmutable(t *testing.T) {
	assert.True(t, itinerary.Node{Locked: true}.Immutable())
	assert.True(t, itinerary.Node{BookingRef: "conf-123"}.Immutable())
	assert.False(t, itinerary.Node{}.Immutable())
}

func TestDayPlaceholder(t *testing.T) {
	assert.True(t, itinerary.Day{}.Placeholder())
	assert.True(t, itinerary.Day{Nodes: []itinerary.Node{{Status: itinerary.NodeStatusPlaceholder}}}.Placeholder())
	assert.False(t, itinerary.Day{Nodes: []itinerary.Node{{Status: itinerary.NodeStatusPlanned}}}.Placeholder())
}

func TestMergeNodeRejectsLockedMutation(t *testing.T) {
	base := itinerary.Node{ID: "n1", Title: "Sagrada Familia", Locked: true}
	proposed := itinerary.Node{ID: "n1", Title: "Something else"}

	merged, blocked := itinerary.MergeNode(base, proposed)
	assert.True(t, blocked)
	assert.Equal(t, base.Title, merged.Title)
}

func TestMergeNodeFreezesBookedFields(t *testing.T) {
	base := itinerary.Node{ID: "n1", Title: "Flight AA123", Type: itinerary.NodeTransport, BookingRef: "AA123-CONF"}
	proposed := itinerary.Node{ID: "n1", Title: "Different flight", Type: itinerary.NodeTransport, Cost: &itinerary.Cost{Amount: 250, Currency: "USD"}}

	merged, blocked := itinerary.MergeNode(base, proposed)
	assert.True(t, blocked)
	assert.Equal(t, base.Title, merged.Title)
	assert.Equal(t, proposed.Cost, merged.Cost, "cost is not frozen by a booking reference")
}

func TestMergeDayAppendsNewNodes(t *testing.T) {
	base := itinerary.Day{DayNumber: 1, Nodes: []itinerary.Node{{ID: "n1", Title: "Breakfast"}}}
	proposed := itinerary.Day{DayNumber: 1, Nodes: []itinerary.Node{{ID: "n2", Title: "Museum"}}}

	merged, blocked := itinerary.MergeDay(base, proposed)
	assert.Empty(t, blocked)
	assert.Len(t, merged.Nodes, 2)
}

func TestCloneIsDeep(t *testing.T) {
	it := itinerary.Itinerary{
		ItineraryID: "trip-1",
		Days:        []itinerary.Day{{DayNumber: 1, Nodes: []itinerary.Node{{ID: "n1"}}}},
		Agents:      map[string]itinerary.AgentStatus{"skeleton": {State: itinerary.AgentRunning}},
	}
	clone := it.Clone()
	clone.Days[0].Nodes[0].Title = "mutated"
	clone.Agents["skeleton"] = itinerary.AgentStatus{State: itinerary.AgentFailed}

	assert.Empty(t, it.Days[0].Nodes[0].Title)
	assert.Equal(t, itinerary.AgentRunning, it.Agents["skeleton"].State)
}
