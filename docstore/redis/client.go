// Package redis provides a Redis-backed docstore.Store, using
// WATCH/MULTI/EXEC on the itinerary's key for the optimistic version check
// (the idiomatic Redis analogue of Mongo's filter-on-version update) and a
// capped list for revisions.
package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/tripsmith/itinera/docstore"
	"github.com/tripsmith/itinera/itinerary"
)

const (
	defaultKeyPrefix   = "itinerary"
	defaultRevisionCap = 200
	defaultOpTimeout   = 5 * time.Second
)

// Options configures the Redis-backed Store.
type Options struct {
	Client      *redis.Client
	KeyPrefix   string
	RevisionCap int64
	Timeout     time.Duration
}

// Store implements docstore.Store backed by Redis.
type Store struct {
	client      *redis.Client
	keyPrefix   string
	revisionCap int64
	timeout     time.Duration
}

// New constructs a Store backed by the given Redis client.
func New(opts Options) (*Store, error) {
	if opts.Client == nil {
		return nil, errors.New("redis client is required")
	}
	prefix := opts.KeyPrefix
	if prefix == "" {
		prefix = defaultKeyPrefix
	}
	revCap := opts.RevisionCap
	if revCap <= 0 {
		revCap = defaultRevisionCap
	}
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = defaultOpTimeout
	}
	return &Store{client: opts.Client, keyPrefix: prefix, revisionCap: revCap, timeout: timeout}, nil
}

func (s *Store) docKey(id string) string       { return fmt.Sprintf("%s:%s", s.keyPrefix, id) }
func (s *Store) revisionsKey(id string) string { return fmt.Sprintf("%s:%s:revisions", s.keyPrefix, id) }

func (s *Store) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if ctx == nil {
		ctx = context.Background()
	}
	return context.WithTimeout(ctx, s.timeout)
}

// Create inserts the initial document for a new itinerary, failing if one
// already exists under id.
func (s *Store) Create(ctx context.Context, it itinerary.Itinerary) error {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	payload, err := json.Marshal(it)
	if err != nil {
		return err
	}
	ok, err := s.client.SetNX(ctx, s.docKey(it.ItineraryID), payload, 0).Result()
	if err != nil {
		return err
	}
	if !ok {
		return errors.New("docstore: itinerary already exists")
	}
	return nil
}

// Get returns the current document for id.
func (s *Store) Get(ctx context.Context, id string) (itinerary.Itinerary, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	data, err := s.client.Get(ctx, s.docKey(id)).Bytes()
	if errors.Is(err, redis.Nil) {
		return itinerary.Itinerary{}, docstore.ErrNotFound
	}
	if err != nil {
		return itinerary.Itinerary{}, err
	}
	var it itinerary.Itinerary
	if err := json.Unmarshal(data, &it); err != nil {
		return itinerary.Itinerary{}, err
	}
	return it, nil
}

// Update persists it under a WATCH/MULTI/EXEC transaction that aborts if
// the document's version has moved since the caller last read it,
// surfacing docstore.ErrConflict so the per-unit protocol can re-read and
// re-apply.
func (s *Store) Update(ctx context.Context, it itinerary.Itinerary, expectedVersion int) error {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	key := s.docKey(it.ItineraryID)

	if it.UpdatedAt.IsZero() {
		it.UpdatedAt = time.Now().UTC()
	}
	payload, err := json.Marshal(it)
	if err != nil {
		return err
	}

	txErr := s.client.Watch(ctx, func(tx *redis.Tx) error {
		current, err := tx.Get(ctx, key).Bytes()
		if errors.Is(err, redis.Nil) {
			return docstore.ErrNotFound
		}
		if err != nil {
			return err
		}
		var currentIt itinerary.Itinerary
		if err := json.Unmarshal(current, &currentIt); err != nil {
			return err
		}
		if currentIt.Version != expectedVersion {
			return docstore.ErrConflict
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, payload, 0)
			return nil
		})
		return err
	}, key)

	if errors.Is(txErr, redis.TxFailedErr) {
		return docstore.ErrConflict
	}
	return txErr
}

// SaveRevision appends snapshot to a capped list indexed by itineraryId,
// trimming to RevisionCap entries (newest last).
func (s *Store) SaveRevision(ctx context.Context, id string, snapshot itinerary.Itinerary) error {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	payload, err := json.Marshal(snapshot)
	if err != nil {
		return err
	}
	key := s.revisionsKey(id)
	pipe := s.client.TxPipeline()
	pipe.RPush(ctx, key, payload)
	pipe.LTrim(ctx, key, -s.revisionCap, -1)
	_, err = pipe.Exec(ctx)
	return err
}
