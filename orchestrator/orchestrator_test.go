package orchestrator_test

import (
	"context"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tripsmith/itinera/agent"
	"github.com/tripsmith/itinera/bus"
	"github.com/tripsmith/itinera/config"
	"github.com/tripsmith/itinera/docstore"
	"github.com/tripsmith/itinera/events"
	"github.com/tripsmith/itinera/execctx"
	"github.com/tripsmith/itinera/itinerary"
	"github.com/tripsmith/itinera/orchestrator"
	"github.com/tripsmith/itinera/publisher"
)

// fnAgent adapts a plain function to the agent.Agent contract for tests.
type fnAgent struct {
	name    string
	run     func(ctx context.Context, input any) (any, error)
	fatal   bool
	attempt int
}

func (f *fnAgent) Name() string                        { return f.name }
func (f *fnAgent) Run(ctx context.Context, in any) (any, error) { return f.run(ctx, in) }
func (f *fnAgent) IsRetryable() bool                   { return true }
func (f *fnAgent) MaxAttempts() int {
	if f.attempt == 0 {
		return 1
	}
	return f.attempt
}
func (f *fnAgent) BaseBackoff() time.Duration        { return time.Millisecond }
func (f *fnAgent) PerAttemptTimeout() time.Duration  { return time.Second }
func (f *fnAgent) FatalOnFailure() bool              { return f.fatal }

func skeletonAgent() agent.Agent {
	return &fnAgent{
		name:  "skeleton",
		fatal: true,
		run: func(_ context.Context, in any) (any, error) {
			input := in.(orchestrator.SkeletonInput)
			it := input.Itinerary.Clone()
			for i := range it.Days {
				it.Days[i].Nodes = []itinerary.Node{{
					ID: fmt.Sprintf("d%d_n1", it.Days[i].DayNumber), Type: itinerary.NodeAttraction,
					Title: "placeholder", Status: itinerary.NodeStatusPlaceholder,
				}}
			}
			it.Summary = "a trip"
			return it, nil
		},
	}
}

func dayAgent(name string) agent.Agent {
	return &fnAgent{
		name: name,
		run: func(_ context.Context, in any) (any, error) {
			input := in.(orchestrator.DayUnitInput)
			day := input.Day.Clone()
			day.Nodes = append(day.Nodes, itinerary.Node{
				ID: fmt.Sprintf("d%d_%s", day.DayNumber, name), Type: itinerary.NodeAttraction,
				Title: name, Status: itinerary.NodeStatusPlanned,
			})
			return day, nil
		},
	}
}

func newFixture(t *testing.T) (*orchestrator.Orchestrator, docstore.Store, *bus.Bus, itinerary.Itinerary) {
	t.Helper()
	store := docstore.NewMemory()
	// A full generation emits more events than the default send buffer
	// holds, and these tests only drain after Run returns.
	b := bus.New(bus.Options{SendBuffer: 256})
	pub := publisher.New(b)

	req := orchestrator.CreateRequest{
		UserID: "u1", Destination: "Barcelona",
		StartDate: "2026-09-01", EndDate: "2026-09-02", Currency: "USD",
	}
	initial, err := orchestrator.Initialize(context.Background(), store, req)
	require.NoError(t, err)

	o, err := orchestrator.New(orchestrator.Options{
		Store: store,
		Bus:   pub,
		Agents: orchestrator.Agents{
			Skeleton:   skeletonAgent(),
			DayPlanner: dayAgent("dayplan"),
			Activity:   dayAgent("activities"),
			Meal:       dayAgent("meals"),
			Transport:  dayAgent("transport"),
		},
		Config: config.Default(),
	})
	require.NoError(t, err)
	return o, store, b, initial
}

func TestRunHappyPathReachesGenerationComplete(t *testing.T) {
	o, store, b, initial := newFixture(t)
	ctx := context.Background()

	sub, err := b.Register(ctx, initial.ItineraryID, nil)
	require.NoError(t, err)
	defer sub.Close()

	ec := execctx.New(ctx, "exec-1", initial.ItineraryID, initial.UserID, time.Time{})
	require.NoError(t, o.Run(ctx, ec))

	// Delivery is asynchronous; drain until generation_complete arrives or
	// the deadline passes.
	var sawComplete bool
	deadline := time.After(2 * time.Second)
	for !sawComplete {
		select {
		case ev := <-sub.C():
			if ev.Type == events.TypeGenerationComplete {
				sawComplete = true
			}
		case <-deadline:
			t.Fatal("timed out waiting for generation_complete")
		}
	}

	final, err := store.Get(ctx, initial.ItineraryID)
	require.NoError(t, err)
	assert.Greater(t, final.Version, initial.Version)
	for _, d := range final.Days {
		assert.False(t, d.Placeholder(), "day %d should have been populated", d.DayNumber)
	}
	// Unwired optional phases end in skipped, never stuck in pending.
	assert.Equal(t, itinerary.AgentSkipped, final.Agents["cost"].State)
	assert.Equal(t, itinerary.AgentSkipped, final.Agents["enrichment"].State)

	snap, ok := o.ExecutionMetrics("exec-1")
	require.True(t, ok)
	assert.Equal(t, len(final.Days), snap.Succeeded["dayplan"])
	o.ForgetExecution("exec-1")
	_, ok = o.ExecutionMetrics("exec-1")
	assert.False(t, ok)
}

func TestRunFatalSkeletonFailureAborts(t *testing.T) {
	store := docstore.NewMemory()
	b := bus.New(bus.Options{})
	pub := publisher.New(b)

	req := orchestrator.CreateRequest{
		UserID: "u1", Destination: "Lisbon",
		StartDate: "2026-09-01", EndDate: "2026-09-01",
	}
	initial, err := orchestrator.Initialize(context.Background(), store, req)
	require.NoError(t, err)

	failing := &fnAgent{
		name:  "skeleton",
		fatal: true,
		run: func(_ context.Context, _ any) (any, error) {
			return nil, agent.NewError(agent.KindNonRetryableUpstream, "upstream refused the request", nil)
		},
	}
	o, err := orchestrator.New(orchestrator.Options{
		Store: store,
		Bus:   pub,
		Agents: orchestrator.Agents{
			Skeleton:   failing,
			DayPlanner: dayAgent("dayplan"),
			Activity:   dayAgent("activities"),
			Meal:       dayAgent("meals"),
			Transport:  dayAgent("transport"),
		},
		Config: config.Default(),
	})
	require.NoError(t, err)

	ctx := context.Background()
	sub, err := b.Register(ctx, initial.ItineraryID, nil)
	require.NoError(t, err)
	defer sub.Close()

	ec := execctx.New(ctx, "exec-2", initial.ItineraryID, initial.UserID, time.Time{})
	err = o.Run(ctx, ec)
	assert.Error(t, err)

	// phase_started precedes the terminal event; scan for it rather than
	// asserting on stream position.
	var errEv *events.Event
	deadline := time.After(2 * time.Second)
	for errEv == nil {
		select {
		case ev := <-sub.C():
			if ev.Type == events.TypeError {
				errEv = &ev
			}
		case <-deadline:
			t.Fatal("expected an error event")
		}
	}
	assert.Equal(t, events.SeverityFatal, errEv.Severity)
	payload, ok := errEv.Payload.(events.FailurePayload)
	require.True(t, ok)
	assert.Equal(t, "non_retryable_upstream", payload.Kind)
	assert.False(t, payload.Retryable)

	final, getErr := store.Get(ctx, initial.ItineraryID)
	require.NoError(t, getErr)
	require.Equal(t, itinerary.AgentFailed, final.Agents["skeleton"].State)
	for _, name := range []string{"dayplan", "activities", "meals", "transport", "cost", "enrichment"} {
		assert.Equal(t, itinerary.AgentSkipped, final.Agents[name].State, "agent %s should be skipped after a fatal skeleton failure", name)
	}
}

func TestRunCancellationAbortsWithoutPanicking(t *testing.T) {
	o, _, _, initial := newFixture(t)
	ctx := context.Background()

	ec := execctx.New(ctx, "exec-3", initial.ItineraryID, initial.UserID, time.Time{})
	ec.Cancel()
	err := o.Run(ctx, ec)
	assert.Error(t, err)
}

func TestRunEnrichmentPartialFailureContinues(t *testing.T) {
	store := docstore.NewMemory()
	b := bus.New(bus.Options{SendBuffer: 256})
	pub := publisher.New(b)

	req := orchestrator.CreateRequest{
		UserID: "u1", Destination: "Barcelona",
		StartDate: "2026-09-01", EndDate: "2026-09-02",
	}
	initial, err := orchestrator.Initialize(context.Background(), store, req)
	require.NoError(t, err)

	enrich := &fnAgent{
		name: "enrichment",
		run: func(_ context.Context, in any) (any, error) {
			input := in.(orchestrator.NodeUnitInput)
			if input.Node.ID == "d1_n1" {
				return nil, agent.NewError(agent.KindNonRetryableUpstream, "upstream refused enrichment", nil)
			}
			node := input.Node.Clone()
			node.Details = map[string]any{"tip": "arrive early"}
			return node, nil
		},
	}
	o, err := orchestrator.New(orchestrator.Options{
		Store: store,
		Bus:   pub,
		Agents: orchestrator.Agents{
			Skeleton:   skeletonAgent(),
			DayPlanner: dayAgent("dayplan"),
			Activity:   dayAgent("activities"),
			Meal:       dayAgent("meals"),
			Transport:  dayAgent("transport"),
			Enrichment: enrich,
		},
		Config: config.Default(),
	})
	require.NoError(t, err)

	ctx := context.Background()
	sub, err := b.Register(ctx, initial.ItineraryID, nil)
	require.NoError(t, err)
	defer sub.Close()

	ec := execctx.New(ctx, "exec-4", initial.ItineraryID, initial.UserID, time.Time{})
	require.NoError(t, o.Run(ctx, ec))

	var sawNodeFailure, sawComplete bool
	deadline := time.After(2 * time.Second)
	for !sawComplete {
		select {
		case ev := <-sub.C():
			switch ev.Type {
			case events.TypePartialFailure:
				payload, ok := ev.Payload.(events.FailurePayload)
				require.True(t, ok)
				if strings.HasPrefix(payload.Scope, "node:") {
					sawNodeFailure = true
					assert.Equal(t, "non_retryable_upstream", payload.Kind)
				}
			case events.TypeGenerationComplete:
				sawComplete = true
			}
		case <-deadline:
			t.Fatal("timed out waiting for generation_complete")
		}
	}
	assert.True(t, sawNodeFailure, "expected a node-scoped partial_failure")

	final, err := store.Get(ctx, initial.ItineraryID)
	require.NoError(t, err)
	var enhanced, untouched int
	for _, d := range final.Days {
		for _, n := range d.Nodes {
			if n.Status == itinerary.NodeStatusEnhanced {
				enhanced++
			} else {
				untouched++
			}
		}
	}
	assert.Greater(t, enhanced, 0, "other nodes keep being enhanced")
	assert.Greater(t, untouched, 0, "the failed node stays in its pre-enrichment form")
}
