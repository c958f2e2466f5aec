package bus_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tripsmith/itinera/bus"
	"github.com/tripsmith/itinera/events"
)

// requireConnected consumes the handshake event Register places at the
// head of every new subscription and returns its announced watermark.
func requireConnected(t *testing.T, sub *bus.Subscription) int64 {
	t.Helper()
	select {
	case ev := <-sub.C():
		require.Equal(t, events.TypeConnected, ev.Type)
		payload, ok := ev.Payload.(events.ConnectedPayload)
		require.True(t, ok)
		return payload.LastEventID
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for the connected handshake")
		return 0
	}
}

func TestBroadcastDeliversInOrder(t *testing.T) {
	b := bus.New(bus.Options{})
	ctx := context.Background()

	sub, err := b.Register(ctx, "trip-1", nil)
	require.NoError(t, err)
	defer sub.Close()
	assert.Zero(t, requireConnected(t, sub))

	for i := 0; i < 5; i++ {
		b.Broadcast(ctx, "trip-1", events.TypeProgress, "exec-1", "", events.ProgressPayload{OverallPct: i * 10})
	}

	var seen []int64
	for i := 0; i < 5; i++ {
		ev := <-sub.C()
		seen = append(seen, ev.EventID)
	}
	for i := 1; i < len(seen); i++ {
		assert.Greater(t, seen[i], seen[i-1])
	}
}

func TestRegisterReplaysTail(t *testing.T) {
	b := bus.New(bus.Options{TailLength: 10})
	ctx := context.Background()

	var lastID int64
	for i := 0; i < 5; i++ {
		ev := b.Broadcast(ctx, "trip-2", events.TypeProgress, "exec-1", "", events.ProgressPayload{OverallPct: i})
		lastID = ev.EventID
	}
	seenAt := lastID - 2 // simulate a client that last saw the third event

	sub, err := b.Register(ctx, "trip-2", &seenAt)
	require.NoError(t, err)
	defer sub.Close()
	assert.Equal(t, lastID, requireConnected(t, sub))

	var replayed []int64
	for i := 0; i < 2; i++ {
		select {
		case ev := <-sub.C():
			replayed = append(replayed, ev.EventID)
		case <-time.After(time.Second):
			t.Fatal("timed out waiting for replay")
		}
	}
	assert.Equal(t, []int64{seenAt + 1, seenAt + 2}, replayed)
}

func TestRegisterPastTailEmitsRecoveryIncomplete(t *testing.T) {
	b := bus.New(bus.Options{TailLength: 3})
	ctx := context.Background()

	for i := 0; i < 10; i++ {
		b.Broadcast(ctx, "trip-3", events.TypeProgress, "exec-1", "", events.ProgressPayload{OverallPct: i})
	}
	oldest, ok := b.TailOldest("trip-3")
	require.True(t, ok)

	stale := int64(0)
	sub, err := b.Register(ctx, "trip-3", &stale)
	require.NoError(t, err)
	defer sub.Close()
	requireConnected(t, sub)

	select {
	case ev := <-sub.C():
		require.Equal(t, events.TypeRecoveryIncomplete, ev.Type)
		payload, ok := ev.Payload.(events.RecoveryIncompletePayload)
		require.True(t, ok)
		assert.Equal(t, oldest, payload.TailOldestEventID)
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for recovery_incomplete")
	}
}

func TestUnregisterStopsDelivery(t *testing.T) {
	b := bus.New(bus.Options{})
	ctx := context.Background()

	sub, err := b.Register(ctx, "trip-4", nil)
	require.NoError(t, err)
	requireConnected(t, sub)

	require.NoError(t, sub.Close())
	require.NoError(t, sub.Close()) // idempotent

	b.Broadcast(ctx, "trip-4", events.TypeProgress, "exec-1", "", events.ProgressPayload{OverallPct: 50})

	_, open := <-sub.C()
	assert.False(t, open, "channel should be closed after unregister")
}

func TestSlowSubscriberDroppedWithoutStallingOthers(t *testing.T) {
	b := bus.New(bus.Options{SendBuffer: 2, SendTimeout: 10 * time.Millisecond})
	ctx := context.Background()

	slow, err := b.Register(ctx, "trip-5", nil)
	require.NoError(t, err)
	defer slow.Close()

	fast, err := b.Register(ctx, "trip-5", nil)
	require.NoError(t, err)
	defer fast.Close()
	requireConnected(t, fast)

	go func() {
		for i := 0; i < 50; i++ {
			b.Broadcast(ctx, "trip-5", events.TypeProgress, "exec-1", "", events.ProgressPayload{OverallPct: i})
		}
	}()

	drained := 0
	timeout := time.After(2 * time.Second)
	for drained < 50 {
		select {
		case _, ok := <-fast.C():
			if !ok {
				t.Fatal("fast subscriber unexpectedly closed")
			}
			drained++
		case <-timeout:
			t.Fatalf("only drained %d of 50 events before timeout", drained)
		}
	}
	assert.Equal(t, 1, b.SubscriberCount("trip-5"), "slow subscriber should have been dropped")
}

func TestShutdownClosesSubscribers(t *testing.T) {
	b := bus.New(bus.Options{})
	ctx := context.Background()

	sub, err := b.Register(ctx, "trip-6", nil)
	require.NoError(t, err)
	requireConnected(t, sub)

	b.Broadcast(ctx, "trip-6", events.TypeProgress, "exec-1", "", events.ProgressPayload{OverallPct: 10})
	select {
	case ev := <-sub.C():
		assert.Equal(t, events.TypeProgress, ev.Type)
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for the event before shutdown")
	}

	b.Shutdown()

	for {
		select {
		case _, open := <-sub.C():
			if !open {
				return
			}
		case <-time.After(time.Second):
			t.Fatal("subscription channel not closed by shutdown")
		}
	}
}
