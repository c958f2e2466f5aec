// Package orchestrator implements the Pipeline Orchestrator: the
// top-level state machine that sequences specialist agents into a
// complete itinerary generation, bounded fan-out over days and nodes, the
// per-unit read-compute-update-retry protocol, and cross-phase
// persistence and cancellation.
package orchestrator

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"github.com/tripsmith/itinera/agent"
	"github.com/tripsmith/itinera/config"
	"github.com/tripsmith/itinera/docstore"
	"github.com/tripsmith/itinera/events"
	"github.com/tripsmith/itinera/execctx"
	"github.com/tripsmith/itinera/itinerary"
	"github.com/tripsmith/itinera/publisher"
	"github.com/tripsmith/itinera/telemetry"
)

// Agents bundles the specialist agents the orchestrator composes. The
// skeleton and the four per-day population agents are required; Cost and
// Enrichment may be nil, in which case those phases are skipped and
// marked accordingly.
type Agents struct {
	Skeleton   agent.Agent // input SkeletonInput, output itinerary.Itinerary
	DayPlanner agent.Agent // input DayUnitInput, output itinerary.Day
	Activity   agent.Agent // input DayUnitInput, output itinerary.Day
	Meal       agent.Agent // input DayUnitInput, output itinerary.Day
	Transport  agent.Agent // input DayUnitInput, output itinerary.Day
	Cost       agent.Agent // input CostInput, output itinerary.Itinerary
	Enrichment agent.Agent // input NodeUnitInput, output itinerary.Node
}

// Options configures an Orchestrator.
type Options struct {
	Store     docstore.Store
	Bus       *publisher.Publisher
	Agents    Agents
	Config    config.PipelineConfig
	Telemetry telemetry.Set
}

// MetricsSnapshot is a point-in-time view of unit outcomes for one
// execution, keyed by phase name, exposed so an operator dashboard has
// something to read without re-deriving it from the event stream.
type MetricsSnapshot struct {
	Started   map[string]int
	Succeeded map[string]int
	Skipped   map[string]int
	Failed    map[string]int
}

// Metrics accumulates unit outcomes for one execution.
type Metrics struct {
	mu        sync.Mutex
	started   map[string]int
	succeeded map[string]int
	skipped   map[string]int
	failed    map[string]int
}

func newMetrics() *Metrics {
	return &Metrics{
		started:   make(map[string]int),
		succeeded: make(map[string]int),
		skipped:   make(map[string]int),
		failed:    make(map[string]int),
	}
}

func (m *Metrics) record(phase string, res agent.Result) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.started[phase]++
	switch {
	case res.Err != nil && !res.Skipped:
		m.failed[phase]++
	case res.Skipped:
		m.skipped[phase]++
	default:
		m.succeeded[phase]++
	}
}

// Snapshot returns a copy of the current counts.
func (m *Metrics) Snapshot() MetricsSnapshot {
	m.mu.Lock()
	defer m.mu.Unlock()
	return MetricsSnapshot{
		Started:   copyCounts(m.started),
		Succeeded: copyCounts(m.succeeded),
		Skipped:   copyCounts(m.skipped),
		Failed:    copyCounts(m.failed),
	}
}

func copyCounts(src map[string]int) map[string]int {
	out := make(map[string]int, len(src))
	for k, v := range src {
		out[k] = v
	}
	return out
}

// phaseStatus aggregates the per-unit outcomes recorded for phase into a
// single AgentStatus, the way runSkeleton/runCost already do for their
// single-unit phases: succeeded (with progress reflecting the fraction of
// units that succeeded) if at least one unit succeeded, failed if every
// unit was skipped or failed, succeeded trivially if the phase had no
// units at all (e.g. a zero-node enrichment phase).
func (m *Metrics) phaseStatus(phase string, totalUnits int, startedAt time.Time) itinerary.AgentStatus {
	m.mu.Lock()
	succeeded := m.succeeded[phase]
	skipped := m.skipped[phase]
	failed := m.failed[phase]
	m.mu.Unlock()

	started := startedAt
	finished := time.Now().UTC()
	status := itinerary.AgentStatus{StartedAt: &started, FinishedAt: &finished}
	switch {
	case totalUnits == 0:
		status.State = itinerary.AgentSucceeded
		status.Progress = 100
	case succeeded > 0:
		status.State = itinerary.AgentSucceeded
		status.Progress = succeeded * 100 / totalUnits
	case skipped+failed > 0:
		status.State = itinerary.AgentFailed
		status.LastMessage = fmt.Sprintf("%d/%d units did not complete", skipped+failed, totalUnits)
	default:
		status.State = itinerary.AgentSucceeded
		status.Progress = 100
	}
	return status
}

// Orchestrator is the Pipeline Orchestrator.
type Orchestrator struct {
	store   docstore.Store
	pub     *publisher.Publisher
	agents  Agents
	cfg     config.PipelineConfig
	runtime *agent.Runtime
	log     telemetry.Logger
	metrics telemetry.Metrics
	tracer  telemetry.Tracer

	execMu     sync.Mutex
	executions map[string]*Metrics
}

// New constructs an Orchestrator. It requires the skeleton, day planner,
// activity, meal, and transport agents; Cost and Enrichment are optional
// (a nil value skips that phase entirely, marking it "skipped").
func New(opts Options) (*Orchestrator, error) {
	if opts.Store == nil {
		return nil, fmt.Errorf("orchestrator: store is required")
	}
	if opts.Bus == nil {
		return nil, fmt.Errorf("orchestrator: publisher is required")
	}
	a := opts.Agents
	if a.Skeleton == nil || a.DayPlanner == nil || a.Activity == nil || a.Meal == nil || a.Transport == nil {
		return nil, fmt.Errorf("orchestrator: skeleton and per-day population agents are required")
	}
	cfg := opts.Config
	if cfg.Pools == nil {
		cfg = config.Default()
	}
	tel := opts.Telemetry
	log := tel.Logger
	if log == nil {
		log = telemetry.NoopLogger{}
	}
	metrics := tel.Metrics
	if metrics == nil {
		metrics = telemetry.NoopMetrics{}
	}
	tracer := tel.Tracer
	if tracer == nil {
		tracer = telemetry.NoopTracer{}
	}
	return &Orchestrator{
		store:      opts.Store,
		pub:        opts.Bus,
		agents:     opts.Agents,
		cfg:        cfg,
		runtime:    agent.NewRuntime(opts.Bus, tel),
		log:        log,
		metrics:    metrics,
		tracer:     tracer,
		executions: make(map[string]*Metrics),
	}, nil
}

// ExecutionMetrics returns the unit-outcome snapshot for executionID, or
// false if the execution is unknown (never started, or forgotten).
func (o *Orchestrator) ExecutionMetrics(executionID string) (MetricsSnapshot, bool) {
	o.execMu.Lock()
	m, ok := o.executions[executionID]
	o.execMu.Unlock()
	if !ok {
		return MetricsSnapshot{}, false
	}
	return m.Snapshot(), true
}

// ForgetExecution releases the retained metrics for executionID. Callers
// that run many generations in one process should call this once they are
// done reading a finished execution's snapshot.
func (o *Orchestrator) ForgetExecution(executionID string) {
	o.execMu.Lock()
	delete(o.executions, executionID)
	o.execMu.Unlock()
}

// Initialize is the Initialization Service collaborator: it synchronously
// builds and persists the version-1 skeleton record (empty day
// placeholders spanning the requested date range) and returns the DTO used
// for the immediate HTTP response. It must be called once per request
// before Run is launched.
func Initialize(ctx context.Context, store docstore.Store, req CreateRequest) (itinerary.Itinerary, error) {
	start, err := time.Parse("2006-01-02", req.StartDate)
	if err != nil {
		return itinerary.Itinerary{}, fmt.Errorf("orchestrator: invalid startDate: %w", err)
	}
	end, err := time.Parse("2006-01-02", req.EndDate)
	if err != nil {
		return itinerary.Itinerary{}, fmt.Errorf("orchestrator: invalid endDate: %w", err)
	}
	if end.Before(start) {
		return itinerary.Itinerary{}, fmt.Errorf("orchestrator: endDate before startDate")
	}
	numDays := int(end.Sub(start).Hours()/24) + 1

	now := time.Now().UTC()
	days := make([]itinerary.Day, numDays)
	for i := 0; i < numDays; i++ {
		days[i] = itinerary.Day{
			DayNumber: i + 1,
			Date:      start.AddDate(0, 0, i).Format("2006-01-02"),
		}
	}

	it := itinerary.Itinerary{
		ItineraryID: uuid.NewString(),
		Version:     1,
		UserID:      req.UserID,
		Currency:    req.Currency,
		Themes:      req.Themes,
		Origin:      req.Origin,
		Destination: req.Destination,
		StartDate:   req.StartDate,
		EndDate:     req.EndDate,
		Days:        days,
		Settings: itinerary.Settings{
			Party:      req.Party,
			BudgetTier: req.BudgetTier,
			Interests:  req.Interests,
		},
		Agents:    map[string]itinerary.AgentStatus{},
		CreatedAt: now,
		UpdatedAt: now,
	}
	for _, name := range []string{"skeleton", "dayplan", "activities", "meals", "transport", "cost", "enrichment"} {
		it.Agents[name] = itinerary.AgentStatus{State: itinerary.AgentPending}
	}
	if err := store.Create(ctx, it); err != nil {
		return itinerary.Itinerary{}, err
	}
	return it, nil
}

// applyUnit implements the per-unit execution protocol: read the latest
// document, compute the next version via mutate, and persist it with an
// optimistic check, re-reading and re-applying on conflict up to a bounded
// number of attempts.
func (o *Orchestrator) applyUnit(ctx context.Context, itineraryID string, mutate func(current itinerary.Itinerary) (itinerary.Itinerary, error)) (itinerary.Itinerary, error) {
	const maxConflictRetries = 8
	for attempt := 0; attempt < maxConflictRetries; attempt++ {
		current, err := o.store.Get(ctx, itineraryID)
		if err != nil {
			return itinerary.Itinerary{}, err
		}
		next, err := mutate(current)
		if err != nil {
			return itinerary.Itinerary{}, err
		}
		next.Version = current.Version + 1
		next.UpdatedAt = time.Now().UTC()
		if next.CreatedAt.IsZero() {
			next.CreatedAt = current.CreatedAt
		}
		err = o.store.Update(ctx, next, current.Version)
		if err == nil {
			return next, nil
		}
		if err != docstore.ErrConflict {
			return itinerary.Itinerary{}, err
		}
		// Someone else persisted meanwhile; re-read and re-apply on the
		// next loop iteration.
	}
	return itinerary.Itinerary{}, fmt.Errorf("orchestrator: %s: too many conflicting writers", itineraryID)
}

// Run drives one generation end to end: Skeleton, DayPlan, the three
// per-day Populate phases, Cost, Enrich, and Finalize, persisting and
// announcing progress as it goes. It returns only once the execution has
// reached a terminal state (Complete, Failed, or Cancelled). A terminal
// failure or cancellation is announced via the publisher and also
// returned as a non-nil error; a bad initial document is returned without
// any event.
func (o *Orchestrator) Run(ctx context.Context, ec *execctx.Context) error {
	itineraryID := ec.ItineraryID
	executionID := ec.ExecutionID
	runCtx := ec.Ctx()

	current, err := o.store.Get(runCtx, itineraryID)
	if err != nil {
		return fmt.Errorf("orchestrator: load initial document: %w", err)
	}

	metrics := newMetrics()
	o.execMu.Lock()
	o.executions[executionID] = metrics
	o.execMu.Unlock()

	phases := []struct {
		name string
		run  func(context.Context, itinerary.Itinerary) (itinerary.Itinerary, error)
	}{
		{PhaseSkeleton, func(ctx context.Context, snap itinerary.Itinerary) (itinerary.Itinerary, error) {
			return o.runSkeleton(ctx, ec, snap, metrics)
		}},
		{PhaseDayPlan, func(ctx context.Context, snap itinerary.Itinerary) (itinerary.Itinerary, error) {
			return o.runDayPool(ctx, ec, PhaseDayPlan, o.agents.DayPlanner, snap, metrics)
		}},
		{PhaseActivities, func(ctx context.Context, snap itinerary.Itinerary) (itinerary.Itinerary, error) {
			return o.runDayPool(ctx, ec, PhaseActivities, o.agents.Activity, snap, metrics)
		}},
		{PhaseMeals, func(ctx context.Context, snap itinerary.Itinerary) (itinerary.Itinerary, error) {
			return o.runDayPool(ctx, ec, PhaseMeals, o.agents.Meal, snap, metrics)
		}},
		{PhaseTransport, func(ctx context.Context, snap itinerary.Itinerary) (itinerary.Itinerary, error) {
			return o.runDayPool(ctx, ec, PhaseTransport, o.agents.Transport, snap, metrics)
		}},
		{PhaseCost, func(ctx context.Context, snap itinerary.Itinerary) (itinerary.Itinerary, error) {
			return o.runCost(ctx, ec, snap, metrics)
		}},
		{PhaseEnrichment, func(ctx context.Context, snap itinerary.Itinerary) (itinerary.Itinerary, error) {
			return o.runEnrichment(ctx, ec, snap, metrics)
		}},
	}

	phaseNames := make([]string, len(phases))
	for i, p := range phases {
		phaseNames[i] = p.name
	}

	for i, phase := range phases {
		if ec.Cancelled() {
			// The current phase never ran: it is skipped along with the
			// rest, not failed.
			return o.abort(runCtx, ec, current, "", phaseNames[i:], events.SeverityWarning, string(agent.KindCancelled), "generation was cancelled")
		}
		ec.SetPhase(phase.name)
		phaseCtx, span := o.tracer.Start(runCtx, "pipeline."+phase.name,
			trace.WithAttributes(attribute.String("itinerary.id", itineraryID), attribute.String("execution.id", executionID)))
		phaseStarted := time.Now()
		next, err := phase.run(phaseCtx, current)
		o.metrics.RecordTimer("pipeline.phase_duration", time.Since(phaseStarted), "phase", phase.name)
		if err != nil {
			o.metrics.IncCounter("pipeline.phase_failed", 1, "phase", phase.name)
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			span.End()
			aerr := agent.AsAgentError(err)
			return o.abort(runCtx, ec, current, phase.name, phaseNames[i+1:], events.SeverityFatal, string(aerr.Kind), aerr.Message)
		}
		span.End()
		current = next
		// Phase-boundary audit snapshot, so an out-of-band polling client
		// always has a coherent revision to fall back on.
		if err := o.store.SaveRevision(runCtx, itineraryID, current); err != nil {
			o.log.Error(runCtx, "save phase revision failed", "itineraryId", itineraryID, "phase", phase.name, "err", err)
		}
		o.pub.PublishProgress(runCtx, itineraryID, executionID, progressFor(i+1, len(phases)), phase.name, "")
	}

	return o.finalize(runCtx, ec, current)
}

// progressFor returns the watermark-eligible percentage for having
// completed the given number of phases out of total.
func progressFor(completed, total int) int {
	if total == 0 {
		return 0
	}
	pct := completed * 100 / total
	if pct > 99 {
		pct = 99
	}
	return pct
}

// runSkeleton invokes the Skeleton agent and persists the resulting day
// structure as a single durable write. Skeleton failures are fatal: the
// caller aborts the whole generation.
func (o *Orchestrator) runSkeleton(ctx context.Context, ec *execctx.Context, snap itinerary.Itinerary, metrics *Metrics) (itinerary.Itinerary, error) {
	itineraryID, executionID := ec.ItineraryID, ec.ExecutionID
	o.pub.PublishPhaseStarted(ctx, itineraryID, executionID, PhaseSkeleton, 1)
	started := time.Now()

	res := o.runtime.Invoke(ctx, ec, o.agents.Skeleton, SkeletonInput{Itinerary: snap}, itineraryID, executionID, PhaseSkeleton)
	metrics.record(PhaseSkeleton, res)
	if res.Err != nil {
		return itinerary.Itinerary{}, res.Err
	}
	proposed, ok := res.Output.(itinerary.Itinerary)
	if !ok {
		return itinerary.Itinerary{}, fmt.Errorf("orchestrator: skeleton agent returned unexpected output type")
	}

	next, err := o.applyUnit(ctx, itineraryID, func(cur itinerary.Itinerary) (itinerary.Itinerary, error) {
		merged := cur.Clone()
		merged.Days = make([]itinerary.Day, len(proposed.Days))
		for i, d := range proposed.Days {
			merged.Days[i] = d.Clone()
		}
		if proposed.Summary != "" {
			merged.Summary = proposed.Summary
		}
		setAgentStatus(&merged, PhaseSkeleton, res.Status)
		return merged, nil
	})
	if err != nil {
		return itinerary.Itinerary{}, err
	}
	o.pub.PublishPhaseCompleted(ctx, itineraryID, executionID, PhaseSkeleton, len(next.Days), time.Since(started).Milliseconds())
	return next, nil
}

// runDayPool fans a per-day agent out over a bounded worker pool, merging
// each successful result back into the durable document and announcing
// day_completed. A per-day failure is non-fatal: the agent runtime already
// emitted partial_failure, and this loop simply leaves that day unchanged.
func (o *Orchestrator) runDayPool(ctx context.Context, ec *execctx.Context, phase string, ag agent.Agent, snap itinerary.Itinerary, metrics *Metrics) (itinerary.Itinerary, error) {
	itineraryID, executionID := ec.ItineraryID, ec.ExecutionID
	days := snap.Days
	o.pub.PublishPhaseStarted(ctx, itineraryID, executionID, phase, len(days))
	started := time.Now()

	var produced int32
	var mu sync.Mutex
	g, gctx := errgroup.WithContext(ctx)
	sem := semaphore.NewWeighted(int64(o.cfg.PoolSize(phase, len(days))))

	for _, day := range days {
		day := day
		if err := sem.Acquire(gctx, 1); err != nil {
			break
		}
		g.Go(func() error {
			defer sem.Release(1)
			if ec.Cancelled() {
				return nil
			}
			scope := fmt.Sprintf("day:%d", day.DayNumber)
			res := o.runtime.Invoke(ctx, ec, ag, DayUnitInput{Itinerary: snap, Day: day}, itineraryID, executionID, scope)
			mu.Lock()
			metrics.record(phase, res)
			mu.Unlock()
			if res.Err != nil || res.Skipped {
				return nil
			}
			proposed, ok := res.Output.(itinerary.Day)
			if !ok {
				return nil
			}
			if _, err := o.applyUnit(ctx, itineraryID, func(cur itinerary.Itinerary) (itinerary.Itinerary, error) {
				merged := cur.Clone()
				target := merged.Day(day.DayNumber)
				if target == nil {
					return itinerary.Itinerary{}, fmt.Errorf("orchestrator: day %d missing from document", day.DayNumber)
				}
				mergedDay, blocked := itinerary.MergeDay(*target, proposed)
				*target = mergedDay
				if len(blocked) > 0 {
					o.pub.PublishPartialFailure(ctx, itineraryID, executionID, scope, "conflict",
						fmt.Sprintf("%d node(s) were locked or booked and could not be updated", len(blocked)))
				}
				return merged, nil
			}); err != nil {
				o.log.Error(ctx, "day merge failed", "phase", phase, "day", day.DayNumber, "err", err)
				return nil
			}
			atomic.AddInt32(&produced, 1)
			latest, err := o.store.Get(ctx, itineraryID)
			if err == nil {
				if d := latest.Day(day.DayNumber); d != nil {
					o.pub.PublishDayCompleted(ctx, itineraryID, executionID, d.DayNumber, *d)
					// Percentage 0 rides the watermark clamp: the pct
					// stays wherever the execution already is, only the
					// activity text changes.
					o.pub.PublishProgress(ctx, itineraryID, executionID, 0, phase, fmt.Sprintf("completed day %d", d.DayNumber))
				}
			}
			return nil
		})
	}
	_ = g.Wait()

	status := metrics.phaseStatus(phase, len(days), started)
	if _, err := o.applyUnit(ctx, itineraryID, func(cur itinerary.Itinerary) (itinerary.Itinerary, error) {
		merged := cur.Clone()
		setAgentStatus(&merged, phase, status)
		return merged, nil
	}); err != nil {
		o.log.Error(ctx, "day pool: failed to persist phase agent status", "phase", phase, "err", err)
	}

	next, err := o.store.Get(ctx, itineraryID)
	if err != nil {
		return itinerary.Itinerary{}, err
	}
	o.pub.PublishPhaseCompleted(ctx, itineraryID, executionID, phase, int(produced), time.Since(started).Milliseconds())
	return next, nil
}

// runCost invokes the cost estimator once over the whole itinerary.
func (o *Orchestrator) runCost(ctx context.Context, ec *execctx.Context, snap itinerary.Itinerary, metrics *Metrics) (itinerary.Itinerary, error) {
	itineraryID, executionID := ec.ItineraryID, ec.ExecutionID
	if o.agents.Cost == nil {
		next, err := o.applyUnit(ctx, itineraryID, func(cur itinerary.Itinerary) (itinerary.Itinerary, error) {
			merged := cur.Clone()
			setAgentStatus(&merged, PhaseCost, itinerary.AgentStatus{State: itinerary.AgentSkipped})
			return merged, nil
		})
		if err != nil {
			return itinerary.Itinerary{}, err
		}
		return next, nil
	}
	o.pub.PublishPhaseStarted(ctx, itineraryID, executionID, PhaseCost, 1)
	started := time.Now()

	res := o.runtime.Invoke(ctx, ec, o.agents.Cost, CostInput{Itinerary: snap}, itineraryID, executionID, PhaseCost)
	metrics.record(PhaseCost, res)
	if res.Err != nil || res.Skipped {
		return snap, nil
	}
	proposed, ok := res.Output.(itinerary.Itinerary)
	if !ok {
		return snap, nil
	}

	next, err := o.applyUnit(ctx, itineraryID, func(cur itinerary.Itinerary) (itinerary.Itinerary, error) {
		merged := cur.Clone()
		for i := range merged.Days {
			if src := proposed.Day(merged.Days[i].DayNumber); src != nil && src.Totals != nil {
				t := *src.Totals
				merged.Days[i].Totals = &t
			}
		}
		setAgentStatus(&merged, PhaseCost, res.Status)
		return merged, nil
	})
	if err != nil {
		return itinerary.Itinerary{}, err
	}
	o.pub.PublishPhaseCompleted(ctx, itineraryID, executionID, PhaseCost, 1, time.Since(started).Milliseconds())
	return next, nil
}

// enrichedNode is one completed enrichment result awaiting batched
// persistence and announcement.
type enrichedNode struct {
	dayNumber int
	node      itinerary.Node
}

// runEnrichment fans the enrichment agent out per node with a bounded pool,
// batching persistence and node_enhanced announcements every
// EnrichmentBatchNodes results or EnrichmentBatchInterval, whichever comes
// first, so a long enrichment phase does not write once per node.
func (o *Orchestrator) runEnrichment(ctx context.Context, ec *execctx.Context, snap itinerary.Itinerary, metrics *Metrics) (itinerary.Itinerary, error) {
	itineraryID, executionID := ec.ItineraryID, ec.ExecutionID
	if o.agents.Enrichment == nil {
		next, err := o.applyUnit(ctx, itineraryID, func(cur itinerary.Itinerary) (itinerary.Itinerary, error) {
			merged := cur.Clone()
			setAgentStatus(&merged, PhaseEnrichment, itinerary.AgentStatus{State: itinerary.AgentSkipped})
			return merged, nil
		})
		if err != nil {
			return itinerary.Itinerary{}, err
		}
		return next, nil
	}

	type unit struct {
		day  itinerary.Day
		node itinerary.Node
	}
	var units []unit
	for _, d := range snap.Days {
		for _, n := range d.Nodes {
			if n.Immutable() {
				continue
			}
			units = append(units, unit{day: d, node: n})
		}
	}
	o.pub.PublishPhaseStarted(ctx, itineraryID, executionID, PhaseEnrichment, len(units))
	started := time.Now()
	if len(units) == 0 {
		o.pub.PublishPhaseCompleted(ctx, itineraryID, executionID, PhaseEnrichment, 0, 0)
		status := metrics.phaseStatus(PhaseEnrichment, 0, started)
		next, err := o.applyUnit(ctx, itineraryID, func(cur itinerary.Itinerary) (itinerary.Itinerary, error) {
			merged := cur.Clone()
			setAgentStatus(&merged, PhaseEnrichment, status)
			return merged, nil
		})
		if err != nil {
			return itinerary.Itinerary{}, err
		}
		return next, nil
	}

	batchNodes := o.cfg.EnrichmentBatchNodes
	if batchNodes <= 0 {
		batchNodes = 5
	}
	batchInterval := o.cfg.EnrichmentBatchInterval
	if batchInterval <= 0 {
		batchInterval = 2 * time.Second
	}

	results := make(chan enrichedNode, len(units))
	done := make(chan struct{})
	var produced int32

	go o.flushEnrichmentBatches(ctx, itineraryID, executionID, results, done, batchNodes, batchInterval, &produced)

	g, gctx := errgroup.WithContext(ctx)
	sem := semaphore.NewWeighted(int64(o.cfg.PoolSize(PhaseEnrichment, len(units))))
	for _, u := range units {
		u := u
		if err := sem.Acquire(gctx, 1); err != nil {
			break
		}
		g.Go(func() error {
			defer sem.Release(1)
			if ec.Cancelled() {
				return nil
			}
			scope := fmt.Sprintf("node:d%d_%s", u.day.DayNumber, u.node.ID)
			res := o.runtime.Invoke(ctx, ec, o.agents.Enrichment, NodeUnitInput{Itinerary: snap, Day: u.day, Node: u.node}, itineraryID, executionID, scope)
			metrics.record(PhaseEnrichment, res)
			if res.Err != nil || res.Skipped {
				return nil
			}
			node, ok := res.Output.(itinerary.Node)
			if !ok {
				return nil
			}
			node.Status = itinerary.NodeStatusEnhanced
			results <- enrichedNode{dayNumber: u.day.DayNumber, node: node}
			return nil
		})
	}
	_ = g.Wait()
	close(results)
	<-done

	status := metrics.phaseStatus(PhaseEnrichment, len(units), started)
	if _, err := o.applyUnit(ctx, itineraryID, func(cur itinerary.Itinerary) (itinerary.Itinerary, error) {
		merged := cur.Clone()
		setAgentStatus(&merged, PhaseEnrichment, status)
		return merged, nil
	}); err != nil {
		o.log.Error(ctx, "enrichment: failed to persist phase agent status", "err", err)
	}

	next, err := o.store.Get(ctx, itineraryID)
	if err != nil {
		return itinerary.Itinerary{}, err
	}
	o.pub.PublishPhaseCompleted(ctx, itineraryID, executionID, PhaseEnrichment, int(atomic.LoadInt32(&produced)), time.Since(started).Milliseconds())
	return next, nil
}

// flushEnrichmentBatches accumulates enriched nodes from results and
// persists/announces them in batches, closing done once results is
// drained and the final batch is flushed.
func (o *Orchestrator) flushEnrichmentBatches(ctx context.Context, itineraryID, executionID string, results <-chan enrichedNode, done chan<- struct{}, batchNodes int, batchInterval time.Duration, produced *int32) {
	defer close(done)
	ticker := time.NewTicker(batchInterval)
	defer ticker.Stop()

	var batch []enrichedNode
	flush := func() {
		if len(batch) == 0 {
			return
		}
		o.applyEnrichmentBatch(ctx, itineraryID, executionID, batch, produced)
		batch = nil
	}

	for {
		select {
		case en, ok := <-results:
			if !ok {
				flush()
				return
			}
			batch = append(batch, en)
			if len(batch) >= batchNodes {
				flush()
			}
		case <-ticker.C:
			flush()
		}
	}
}

func (o *Orchestrator) applyEnrichmentBatch(ctx context.Context, itineraryID, executionID string, batch []enrichedNode, produced *int32) {
	_, err := o.applyUnit(ctx, itineraryID, func(cur itinerary.Itinerary) (itinerary.Itinerary, error) {
		merged := cur.Clone()
		for _, en := range batch {
			day := merged.Day(en.dayNumber)
			if day == nil {
				continue
			}
			if target := day.Node(en.node.ID); target != nil {
				mergedNode, blocked := itinerary.MergeNode(*target, en.node)
				*target = mergedNode
				if blocked {
					o.pub.PublishPartialFailure(ctx, itineraryID, executionID, fmt.Sprintf("node:d%d_%s", en.dayNumber, en.node.ID),
						"conflict", "node was locked or booked and could not be enriched")
				}
			}
		}
		return merged, nil
	})
	if err != nil {
		o.log.Error(ctx, "enrichment batch merge failed", "err", err)
		return
	}
	for _, en := range batch {
		atomic.AddInt32(produced, 1)
		o.pub.PublishNodeEnhanced(ctx, itineraryID, executionID, en.dayNumber, en.node.ID, en.node)
	}
	o.pub.PublishProgress(ctx, itineraryID, executionID, 0, PhaseEnrichment,
		fmt.Sprintf("enhanced %d node(s)", atomic.LoadInt32(produced)))
}

// finalize persists the terminal state once more and emits
// generation_complete.
func (o *Orchestrator) finalize(ctx context.Context, ec *execctx.Context, current itinerary.Itinerary) error {
	itineraryID, executionID := ec.ItineraryID, ec.ExecutionID
	o.pub.PublishPhaseStarted(ctx, itineraryID, executionID, PhaseFinalize, 1)

	final, err := o.applyUnit(ctx, itineraryID, func(cur itinerary.Itinerary) (itinerary.Itinerary, error) {
		return cur.Clone(), nil
	})
	if err != nil {
		return err
	}
	if err := o.store.SaveRevision(ctx, itineraryID, final); err != nil {
		o.log.Error(ctx, "save final revision failed", "itineraryId", itineraryID, "err", err)
	}
	o.pub.PublishPhaseCompleted(ctx, itineraryID, executionID, PhaseFinalize, 1, 0)
	o.pub.PublishGenerationComplete(ctx, itineraryID, executionID, final.Version)
	ec.Close()
	return nil
}

// abort marks failedPhase's agent as failed (when the failure happened
// inside a phase; failedPhase is empty on cancellation before a phase
// started) and every phase named in remainingPhases as skipped, so that a
// fatal error in any phase prevents all subsequent phases from running and
// every un-run agent ends in skipped. It persists that once more, emits the
// terminal error event, and tears down ec. It is used for both cancellation
// and fatal agent failure.
func (o *Orchestrator) abort(ctx context.Context, ec *execctx.Context, current itinerary.Itinerary, failedPhase string, remainingPhases []string, severity events.Severity, kind, message string) error {
	itineraryID, executionID := ec.ItineraryID, ec.ExecutionID

	// The run context may already be cancelled; terminal persistence and
	// the terminal event still have to happen.
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer cancel()

	final, err := o.applyUnit(ctx, itineraryID, func(cur itinerary.Itinerary) (itinerary.Itinerary, error) {
		merged := cur.Clone()
		if merged.Agents == nil {
			merged.Agents = make(map[string]itinerary.AgentStatus)
		}
		if existing, ok := merged.Agents[failedPhase]; failedPhase != "" && (!ok || existing.State != itinerary.AgentSucceeded) {
			now := time.Now().UTC()
			merged.Agents[failedPhase] = itinerary.AgentStatus{
				State:       itinerary.AgentFailed,
				Progress:    existing.Progress,
				LastMessage: message,
				StartedAt:   existing.StartedAt,
				FinishedAt:  &now,
			}
		}
		for _, name := range remainingPhases {
			if name == failedPhase {
				continue
			}
			merged.Agents[name] = itinerary.AgentStatus{State: itinerary.AgentSkipped}
		}
		return merged, nil
	})
	if err != nil {
		o.log.Error(ctx, "abort: failed to persist terminal agent state", "itineraryId", itineraryID, "err", err)
		final = current
	}
	if err := o.store.SaveRevision(ctx, itineraryID, final); err != nil {
		o.log.Error(ctx, "abort: save terminal revision failed", "itineraryId", itineraryID, "err", err)
	}

	o.pub.PublishError(ctx, itineraryID, executionID, kind, message, severity, false, 0)
	o.pub.ResetWatermark(executionID)
	ec.Close()
	return fmt.Errorf("orchestrator: generation %s aborted: %s", executionID, message)
}

func setAgentStatus(it *itinerary.Itinerary, name string, status itinerary.AgentStatus) {
	if it.Agents == nil {
		it.Agents = make(map[string]itinerary.AgentStatus)
	}
	// Monotone: once succeeded/failed, only progress may still move, and
	// only upward.
	if existing, ok := it.Agents[name]; ok &&
		(existing.State == itinerary.AgentSucceeded || existing.State == itinerary.AgentFailed) {
		if status.Progress > existing.Progress {
			existing.Progress = status.Progress
		}
		status = existing
	}
	it.Agents[name] = status
}
