package redis_test

import (
	"context"
	"fmt"
	"testing"

	goredis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/tripsmith/itinera/docstore"
	itinredis "github.com/tripsmith/itinera/docstore/redis"
	"github.com/tripsmith/itinera/itinerary"
)

func setupRedis(t *testing.T) *goredis.Client {
	t.Helper()
	ctx := context.Background()

	var container testcontainers.Container
	var setupErr error
	func() {
		defer func() {
			if r := recover(); r != nil {
				setupErr = fmt.Errorf("docker not available: %v", r)
			}
		}()
		container, setupErr = testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
			ContainerRequest: testcontainers.ContainerRequest{
				Image:        "redis:7",
				ExposedPorts: []string{"6379/tcp"},
				WaitingFor:   wait.ForLog("Ready to accept connections"),
			},
			Started: true,
		})
	}()
	if setupErr != nil {
		t.Skipf("docker not available, skipping redis docstore test: %v", setupErr)
	}
	t.Cleanup(func() { _ = container.Terminate(ctx) })

	host, err := container.Host(ctx)
	require.NoError(t, err)
	port, err := container.MappedPort(ctx, "6379")
	require.NoError(t, err)

	return goredis.NewClient(&goredis.Options{Addr: fmt.Sprintf("%s:%s", host, port.Port())})
}

func TestRedisStoreOptimisticUpdate(t *testing.T) {
	client := setupRedis(t)
	store, err := itinredis.New(itinredis.Options{Client: client})
	require.NoError(t, err)

	ctx := context.Background()
	it := itinerary.Itinerary{
		ItineraryID: "trip-redis-1",
		Version:     1,
		Destination: "Porto",
		Days:        []itinerary.Day{{DayNumber: 1}},
		Agents:      map[string]itinerary.AgentStatus{},
	}
	require.NoError(t, store.Create(ctx, it))
	require.Error(t, store.Create(ctx, it))

	it.Version = 2
	require.NoError(t, store.Update(ctx, it, 1))

	stale := it
	stale.Version = 3
	err = store.Update(ctx, stale, 1)
	require.ErrorIs(t, err, docstore.ErrConflict)

	require.NoError(t, store.SaveRevision(ctx, "trip-redis-1", it))
}
