package itinerary_test

import (
	"reflect"
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"

	"github.com/tripsmith/itinera/itinerary"
)

func genNode() gopter.Gen {
	return gopter.CombineGens(
		gen.Identifier(),
		gen.AlphaString(),
		gen.Bool(),
		gen.AlphaString(),
	).Map(func(vs []interface{}) itinerary.Node {
		n := itinerary.Node{
			ID:     vs[0].(string),
			Title:  vs[1].(string),
			Locked: vs[2].(bool),
			Type:   itinerary.NodeAttraction,
		}
		if bookingRef := vs[3].(string); bookingRef != "" && !n.Locked {
			n.BookingRef = bookingRef
		}
		return n
	})
}

// TestMergeNodeIdempotentAtVersionBoundary verifies the round-trip law from
// the incremental-persistence contract: re-applying the same proposed node
// to an already-merged base yields the same result (merging is idempotent
// once a version boundary has been crossed), regardless of lock or booking
// state.
func TestMergeNodeIdempotentAtVersionBoundary(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 200
	properties := gopter.NewProperties(parameters)

	properties.Property("merging the same proposed node twice is a no-op the second time", prop.ForAll(
		func(base, proposed itinerary.Node) bool {
			proposed.ID = base.ID // MergeNode only ever targets matching ids

			once, _ := itinerary.MergeNode(base, proposed)
			twice, _ := itinerary.MergeNode(once, proposed)
			return reflect.DeepEqual(once, twice)
		},
		genNode(),
		genNode(),
	))

	properties.Property("a locked node is never mutated by merging, no matter what is proposed", prop.ForAll(
		func(base, proposed itinerary.Node) bool {
			if !base.Locked {
				return true
			}
			proposed.ID = base.ID
			merged, _ := itinerary.MergeNode(base, proposed)
			return reflect.DeepEqual(merged, base)
		},
		genNode(),
		genNode(),
	))

	properties.TestingRun(t)
}

// TestMergeDayIdempotentAtVersionBoundary mirrors the node-level law at the
// day level: re-applying a day_completed payload to an itinerary already at
// that version produces the same day again.
func TestMergeDayIdempotentAtVersionBoundary(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 100
	properties := gopter.NewProperties(parameters)

	properties.Property("merging the same proposed day twice is a no-op the second time", prop.ForAll(
		func(baseNodes, proposedNodes []itinerary.Node) bool {
			base := itinerary.Day{DayNumber: 1, Nodes: baseNodes}
			proposed := itinerary.Day{DayNumber: 1, Nodes: proposedNodes}

			once, _ := itinerary.MergeDay(base, proposed)
			twice, _ := itinerary.MergeDay(once, proposed)

			return reflect.DeepEqual(once.Nodes, twice.Nodes)
		},
		gen.SliceOfN(3, genNode()),
		gen.SliceOfN(3, genNode()),
	))

	properties.TestingRun(t)
}
