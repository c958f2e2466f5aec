package itinerary

import "reflect"

// MergeNode folds a newly produced node (proposed) into the current
// durable node (base) for the same id, honoring the immutability
// invariants: a locked node is never mutated at all; once a booking
// reference is set, type/title/timing are frozen but cost, details, and
// status may still change. It reports whether the caller attempted a
// change that was blocked, so the orchestrator can log a partial_failure
// for that unit without treating it as an agent error.
func MergeNode(base, proposed Node) (merged Node, blocked bool) {
	if base.Locked {
		if !reflect.DeepEqual(proposed, base) {
			blocked = true
		}
		return base, blocked
	}

	merged = proposed
	merged.Locked = base.Locked
	if base.BookingRef != "" {
		merged.BookingRef = base.BookingRef
		if proposed.Title != base.Title || proposed.Type != base.Type || !timingEqual(proposed.Timing, base.Timing) {
			blocked = true
		}
		merged.Title = base.Title
		merged.Type = base.Type
		merged.Timing = base.Timing
	}
	return merged, blocked
}

func timingEqual(a, b *Timing) bool {
	if a == nil && b == nil {
		return true
	}
	if a == nil || b == nil {
		return false
	}
	return *a == *b
}

// MergeDay folds a newly produced day (proposed) into the current durable
// day (base), applying MergeNode to each node present in proposed and
// appending any node from proposed with an id not yet present in base. It
// reports whether any per-node mutation was blocked by a lock or booking
// reference.
func MergeDay(base, proposed Day) (merged Day, blockedNodeIDs []string) {
	merged = base.Clone()
	seen := make(map[string]bool, len(proposed.Nodes))
	for _, pn := range proposed.Nodes {
		seen[pn.ID] = true
		if existing := merged.Node(pn.ID); existing != nil {
			mergedNode, blocked := MergeNode(*existing, pn)
			*existing = mergedNode
			if blocked {
				blockedNodeIDs = append(blockedNodeIDs, pn.ID)
			}
		} else {
			merged.Nodes = append(merged.Nodes, pn)
		}
	}
	if proposed.Pacing != "" {
		merged.Pacing = proposed.Pacing
	}
	if proposed.TimeWindow != "" {
		merged.TimeWindow = proposed.TimeWindow
	}
	if proposed.Totals != nil {
		merged.Totals = proposed.Totals
	}
	return merged, blockedNodeIDs
}
