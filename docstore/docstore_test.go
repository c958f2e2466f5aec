package docstore_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tripsmith/itinera/docstore"
	"github.com/tripsmith/itinera/itinerary"
)

func seedItinerary(id string) itinerary.Itinerary {
	now := time.Now().UTC()
	return itinerary.Itinerary{
		ItineraryID: id,
		Version:     1,
		UserID:      "user-1",
		Destination: "Barcelona",
		StartDate:   "2025-11-01",
		EndDate:     "2025-11-03",
		Days: []itinerary.Day{
			{DayNumber: 1, Date: "2025-11-01"},
			{DayNumber: 2, Date: "2025-11-02"},
			{DayNumber: 3, Date: "2025-11-03"},
		},
		Agents:    map[string]itinerary.AgentStatus{},
		CreatedAt: now,
		UpdatedAt: now,
	}
}

func TestMemoryUpdateEnforcesOptimisticVersion(t *testing.T) {
	m := docstore.NewMemory()
	ctx := context.Background()
	it := seedItinerary("trip-1")
	m.Seed(it)

	next := it.Clone()
	next.Version = 2
	require.NoError(t, m.Update(ctx, next, 1))

	stale := it.Clone()
	stale.Version = 2
	err := m.Update(ctx, stale, 1)
	assert.ErrorIs(t, err, docstore.ErrConflict)

	got, err := m.Get(ctx, "trip-1")
	require.NoError(t, err)
	assert.Equal(t, 2, got.Version)
}

func TestMemoryGetMissingReturnsNotFound(t *testing.T) {
	m := docstore.NewMemory()
	_, err := m.Get(context.Background(), "does-not-exist")
	assert.ErrorIs(t, err, docstore.ErrNotFound)
}

func TestMemorySaveRevisionAccumulates(t *testing.T) {
	m := docstore.NewMemory()
	ctx := context.Background()
	it := seedItinerary("trip-2")
	m.Seed(it)

	require.NoError(t, m.SaveRevision(ctx, "trip-2", it))
	next := it.Clone()
	next.Version = 2
	require.NoError(t, m.SaveRevision(ctx, "trip-2", next))

	revs := m.Revisions("trip-2")
	require.Len(t, revs, 2)
	assert.Equal(t, 1, revs[0].Version)
	assert.Equal(t, 2, revs[1].Version)
}
