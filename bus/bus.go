// Package bus implements the Connection Manager: the authoritative
// in-memory index from itinerary id to its set of live subscriptions, the
// bounded per-itinerary history tail used for reconnect recovery, and the
// per-itinerary monotonic event sequence counter.
//
// Each itinerary's subscriber set, tail, and counter are guarded by that
// itinerary's own lock, so broadcasts to different itineraries proceed
// fully in parallel; only operations on the same itinerary serialize.
package bus

import (
	"context"
	"sync"
	"time"

	"github.com/tripsmith/itinera/events"
	"github.com/tripsmith/itinera/telemetry"
)

// Defaults for tail length and per-subscriber send buffer, overridable via
// Options.
const (
	DefaultTailLength  = 10
	DefaultSendBuffer  = 16
	DefaultSendTimeout = 200 * time.Millisecond
)

// Options configures a Bus.
type Options struct {
	// TailLength bounds how many past events are retained per itinerary
	// for reconnect recovery. Defaults to DefaultTailLength.
	TailLength int
	// SendBuffer bounds each subscriber's per-connection channel depth.
	// Defaults to DefaultSendBuffer.
	SendBuffer int
	// SendTimeout bounds how long a broadcast waits on a slow subscriber
	// before dropping it. Defaults to DefaultSendTimeout.
	SendTimeout time.Duration

	Telemetry telemetry.Set
}

// Bus is the Connection Manager. The zero value is not usable; construct
// with New.
type Bus struct {
	tailLength  int
	sendBuffer  int
	sendTimeout time.Duration
	log         telemetry.Logger
	metrics     telemetry.Metrics

	mu          sync.RWMutex
	itineraries map[string]*itineraryState
}

// deliveryJob is one or more events, delivered in order, to a fixed set of
// target subscriptions, queued for the itinerary's delivery worker. A live
// broadcast targets every current subscriber with a single event; a
// registration's replay targets only the newly-registered subscriber with
// the tail events (or the synthetic recovery_incomplete event) it owes.
// Because both kinds are enqueued onto the same queue while still holding
// the itinerary's lock that also adds the subscriber to the live set, a
// replay job is always processed by the worker before any live broadcast
// job enqueued after it — which is what keeps the replay/live boundary
// gap- and duplicate-free per subscriber.
type deliveryJob struct {
	evs  []events.Event
	subs []*Subscription
}

// itineraryState holds everything the bus owns for one itinerary. The
// mutex-guarded fields (nextEventID, tail, subs, queue) are mutated only
// under mu, and no suspension occurs while mu is held: enqueueing is an
// append plus a non-blocking notify, never a channel send that can park.
// Actual subscriber delivery happens on a single per-itinerary worker
// goroutine draining the queue in order, so that concurrent Broadcast
// callers for the same itinerary can never reorder delivery relative to
// eventId assignment: the enqueue (under mu) fixes the order, the worker
// only ever processes one job at a time. The queue grows without bound
// rather than blocking producers; backpressure is applied per subscriber
// (bounded channel plus send timeout), not on the bus itself.
type itineraryState struct {
	mu          sync.Mutex
	nextEventID int64
	tail        []events.Event // ring buffer, oldest first, len <= tailLength
	subs        map[*Subscription]struct{}

	queue  []deliveryJob
	notify chan struct{} // cap 1; closed on shutdown
	closed bool
}

// enqueue appends job and nudges the worker. Callers must hold st.mu.
func (st *itineraryState) enqueue(job deliveryJob) {
	if st.closed {
		return
	}
	st.queue = append(st.queue, job)
	select {
	case st.notify <- struct{}{}:
	default:
	}
}

// Subscription is a live subscriber's handle. Events arrive on the channel
// returned by C(); callers must keep draining it or risk being dropped by
// the bus for backpressure.
type Subscription struct {
	ID          string
	itineraryID string
	ch          chan events.Event
	bus         *Bus
	once        sync.Once
	closed      chan struct{}
}

// New constructs a Bus with the given options, substituting defaults for
// any zero-valued field.
func New(opts Options) *Bus {
	tailLength := opts.TailLength
	if tailLength <= 0 {
		tailLength = DefaultTailLength
	}
	sendBuffer := opts.SendBuffer
	if sendBuffer <= 0 {
		sendBuffer = DefaultSendBuffer
	}
	sendTimeout := opts.SendTimeout
	if sendTimeout <= 0 {
		sendTimeout = DefaultSendTimeout
	}
	log := opts.Telemetry.Logger
	if log == nil {
		log = telemetry.NoopLogger{}
	}
	metrics := opts.Telemetry.Metrics
	if metrics == nil {
		metrics = telemetry.NoopMetrics{}
	}
	return &Bus{
		tailLength:  tailLength,
		sendBuffer:  sendBuffer,
		sendTimeout: sendTimeout,
		log:         log,
		metrics:     metrics,
		itineraries: make(map[string]*itineraryState),
	}
}

func (b *Bus) state(itineraryID string) *itineraryState {
	b.mu.RLock()
	st, ok := b.itineraries[itineraryID]
	b.mu.RUnlock()
	if ok {
		return st
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if st, ok = b.itineraries[itineraryID]; ok {
		return st
	}
	// Event ids start at 1 so that id 0 is never assigned: the connected
	// and recovery_incomplete handshake events rely on a zero id meaning
	// "not part of the sequenced stream".
	st = &itineraryState{nextEventID: 1, subs: make(map[*Subscription]struct{}), notify: make(chan struct{}, 1)}
	b.itineraries[itineraryID] = st
	go b.runDeliveryWorker(itineraryID, st)
	return st
}

// runDeliveryWorker drains itineraryID's delivery queue one job at a time,
// fanning each job out to its subscriber snapshot concurrently and waiting
// for every send (success or drop) to finish before starting the next job.
// Processing jobs one at a time, in the order they were enqueued under the
// itinerary's lock, is what keeps delivery to any one subscriber in strict
// eventId order even when Broadcast is called concurrently (e.g. from a
// bounded day or node fan-out in the orchestrator).
func (b *Bus) runDeliveryWorker(itineraryID string, st *itineraryState) {
	for range st.notify {
		for {
			st.mu.Lock()
			if len(st.queue) == 0 {
				st.mu.Unlock()
				break
			}
			job := st.queue[0]
			st.queue = st.queue[1:]
			st.mu.Unlock()
			b.process(itineraryID, job)
		}
	}
}

// process fans one job out to its subscriber snapshot concurrently and
// waits for every send (success or drop) to finish.
func (b *Bus) process(itineraryID string, job deliveryJob) {
	for _, ev := range job.evs {
		ev := ev
		var wg sync.WaitGroup
		for _, s := range job.subs {
			s := s
			wg.Add(1)
			go func() {
				defer wg.Done()
				if !b.deliver(context.Background(), s, ev) {
					b.metrics.IncCounter("bus.subscriber_dropped", 1, "itinerary_id", itineraryID)
					b.log.Warn(context.Background(), "dropping slow subscriber", "itineraryId", itineraryID, "subscriptionId", s.ID)
					b.Unregister(s)
				}
			}()
		}
		wg.Wait()
	}
}

// Register adds a new subscriber for itineraryID. The first event on the
// subscription's channel is always the connected handshake carrying the
// current watermark; it is placed directly into the (still empty) channel
// under the itinerary's lock, so nothing can precede it. If
// lastSeenEventID is non-nil, every tail event with an id greater than it
// is then replayed in ascending order before the subscriber observes any
// live event; if the requested id predates the tail's oldest entry, a
// single synthetic recovery_incomplete event is delivered instead of a
// replay. The replay (or recovery) job is enqueued atomically with adding
// the subscriber to the live set, so any live broadcast assigned
// afterward is necessarily queued behind it: no event is ever missed or
// duplicated across the replay/live boundary. A subscriber too slow to
// keep up with its own replay is dropped the same way a slow live
// subscriber is, via the delivery worker's bounded send.
func (b *Bus) Register(_ context.Context, itineraryID string, lastSeenEventID *int64) (*Subscription, error) {
	st := b.state(itineraryID)

	sub := &Subscription{
		ID:          newID(),
		itineraryID: itineraryID,
		ch:          make(chan events.Event, b.sendBuffer),
		bus:         b,
		closed:      make(chan struct{}),
	}

	st.mu.Lock()
	currentLastEventID := st.nextEventID - 1
	var toReplay []events.Event
	var recoveryIncomplete *int64
	if lastSeenEventID != nil && *lastSeenEventID < currentLastEventID {
		if len(st.tail) == 0 {
			// Nothing retained at all; nothing to replay, proceed live.
		} else {
			oldest := st.tail[0].EventID
			if *lastSeenEventID < oldest-1 {
				oldestCopy := oldest
				recoveryIncomplete = &oldestCopy
			} else {
				for _, ev := range st.tail {
					if ev.EventID > *lastSeenEventID {
						toReplay = append(toReplay, ev)
					}
				}
			}
		}
	}
	st.subs[sub] = struct{}{}
	sub.ch <- events.Event{
		ItineraryID: itineraryID,
		Type:        events.TypeConnected,
		Timestamp:   time.Now().UTC(),
		Payload:     events.ConnectedPayload{LastEventID: currentLastEventID},
	}
	if recoveryIncomplete != nil {
		ev := events.Event{
			ItineraryID: itineraryID,
			Type:        events.TypeRecoveryIncomplete,
			Timestamp:   time.Now().UTC(),
			Payload:     events.RecoveryIncompletePayload{TailOldestEventID: *recoveryIncomplete},
		}
		st.enqueue(deliveryJob{evs: []events.Event{ev}, subs: []*Subscription{sub}})
	} else if len(toReplay) > 0 {
		st.enqueue(deliveryJob{evs: toReplay, subs: []*Subscription{sub}})
	}
	st.mu.Unlock()

	return sub, nil
}

// SendConnected re-announces the current watermark to sub with a
// connected event, distinct from the sequenced event stream (it carries
// no eventId). Register already delivers the initial handshake; this is
// for transports that want to refresh the watermark on an idle
// connection.
func (b *Bus) SendConnected(ctx context.Context, sub *Subscription) bool {
	st := b.state(sub.itineraryID)
	st.mu.Lock()
	lastEventID := st.nextEventID - 1
	st.mu.Unlock()
	ev := events.Event{
		ItineraryID: sub.itineraryID,
		Type:        events.TypeConnected,
		Timestamp:   time.Now().UTC(),
		Payload:     events.ConnectedPayload{LastEventID: lastEventID},
	}
	return b.deliver(ctx, sub, ev)
}

// Broadcast assigns the next eventId for itineraryID, appends the event to
// the tail (evicting the oldest entry if full), and attempts best-effort
// delivery to every current subscriber. Slow or full subscribers are
// disconnected rather than allowed to block delivery to anyone else.
func (b *Bus) Broadcast(ctx context.Context, itineraryID string, typ events.Type, executionID string, severity events.Severity, payload any) events.Event {
	st := b.state(itineraryID)

	st.mu.Lock()
	st.nextEventID++
	ev := events.Event{
		EventID:     st.nextEventID - 1,
		ItineraryID: itineraryID,
		ExecutionID: executionID,
		Type:        typ,
		Timestamp:   time.Now().UTC(),
		Payload:     payload,
		Severity:    severity,
	}
	st.tail = append(st.tail, ev)
	if len(st.tail) > b.tailLength {
		st.tail = st.tail[len(st.tail)-b.tailLength:]
	}
	subs := make([]*Subscription, 0, len(st.subs))
	for s := range st.subs {
		subs = append(subs, s)
	}
	// Enqueue while still holding mu so the job order matches assignment
	// order even under concurrent Broadcast callers; the worker goroutine
	// does the actual (potentially slow) delivery outside the lock.
	st.enqueue(deliveryJob{evs: []events.Event{ev}, subs: subs})
	st.mu.Unlock()

	return ev
}

// deliver attempts a best-effort, bounded-time send to sub. It reports
// whether the event was accepted.
//
// The closed-check and the send below are two separate statements, not one
// atomic operation: Unregister can close sub.closed and then sub.ch in the
// window between them, and sending on a closed channel always panics, even
// when the panicking case is one of several select alternatives. This runs
// on a bare delivery-worker goroutine with no other recovery point, so an
// unguarded panic here would take the whole bus down rather than just
// dropping one slow subscriber; recover contains it to this one delivery.
func (b *Bus) deliver(ctx context.Context, sub *Subscription, ev events.Event) (sent bool) {
	defer func() {
		if recover() != nil {
			sent = false
		}
	}()

	select {
	case <-sub.closed:
		return false
	default:
	}
	select {
	case sub.ch <- ev:
		return true
	default:
	}
	timer := time.NewTimer(b.sendTimeout)
	defer timer.Stop()
	select {
	case sub.ch <- ev:
		return true
	case <-sub.closed:
		return false
	case <-ctx.Done():
		return false
	case <-timer.C:
		return false
	}
}

// Unregister removes sub from its itinerary's live subscriber set and
// closes its channel. Idempotent: calling it more than once, or concurrent
// calls, are both safe and have no additional effect. Any in-flight send
// targeting this subscription observes the close and does not block.
func (b *Bus) Unregister(sub *Subscription) {
	sub.once.Do(func() {
		close(sub.closed)
		st := b.state(sub.itineraryID)
		st.mu.Lock()
		delete(st.subs, sub)
		st.mu.Unlock()
		close(sub.ch)
	})
}

// C returns the channel on which sub receives events. The channel is
// closed when the subscription is unregistered.
func (s *Subscription) C() <-chan events.Event { return s.ch }

// Close unregisters the subscription. Idempotent.
func (s *Subscription) Close() error {
	s.bus.Unregister(s)
	return nil
}

// Shutdown stops every delivery worker and unregisters every live
// subscriber. Events already queued but not yet delivered are dropped.
// The bus must not be used after Shutdown returns.
func (b *Bus) Shutdown() {
	b.mu.Lock()
	states := make([]*itineraryState, 0, len(b.itineraries))
	for _, st := range b.itineraries {
		states = append(states, st)
	}
	b.mu.Unlock()

	for _, st := range states {
		st.mu.Lock()
		if st.closed {
			st.mu.Unlock()
			continue
		}
		st.closed = true
		st.queue = nil
		subs := make([]*Subscription, 0, len(st.subs))
		for s := range st.subs {
			subs = append(subs, s)
		}
		close(st.notify)
		st.mu.Unlock()
		for _, s := range subs {
			b.Unregister(s)
		}
	}
}

// TailOldest returns the oldest retained event id for itineraryID and
// whether the tail is non-empty.
func (b *Bus) TailOldest(itineraryID string) (int64, bool) {
	st := b.state(itineraryID)
	st.mu.Lock()
	defer st.mu.Unlock()
	if len(st.tail) == 0 {
		return 0, false
	}
	return st.tail[0].EventID, true
}

// LastEventID returns the most recently assigned event id for itineraryID.
func (b *Bus) LastEventID(itineraryID string) int64 {
	st := b.state(itineraryID)
	st.mu.Lock()
	defer st.mu.Unlock()
	return st.nextEventID - 1
}

// SubscriberCount returns the number of live subscribers for itineraryID.
func (b *Bus) SubscriberCount(itineraryID string) int {
	st := b.state(itineraryID)
	st.mu.Lock()
	defer st.mu.Unlock()
	return len(st.subs)
}
