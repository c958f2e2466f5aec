// Package mongo provides a MongoDB-backed docstore.Store: one document per
// itinerary keyed by itineraryId, with saveRevision writing to an
// append-only revisions collection indexed by (itineraryId, version).
package mongo

import (
	"context"
	"errors"
	"time"

	"go.mongodb.org/mongo-driver/v2/bson"
	mongodriver "go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"
	"go.mongodb.org/mongo-driver/v2/mongo/readpref"

	"goa.design/clue/health"

	"github.com/tripsmith/itinera/docstore"
	"github.com/tripsmith/itinera/itinerary"
)

const (
	defaultItinerariesCollection = "itineraries"
	defaultRevisionsCollection   = "itinerary_revisions"
	defaultOpTimeout             = 5 * time.Second
	clientName                   = "itinerary-mongo"
)

// Client exposes Mongo-backed operations for the itinerary document store.
type Client interface {
	health.Pinger
	docstore.Store
}

// Options configures the Mongo-backed Client.
type Options struct {
	Client          *mongodriver.Client
	Database        string
	ItinerariesColl string
	RevisionsColl   string
	Timeout         time.Duration
}

type client struct {
	mongo     *mongodriver.Client
	docs      *mongodriver.Collection
	revisions *mongodriver.Collection
	timeout   time.Duration
}

// New returns a Client backed by MongoDB, ensuring the itinerary and
// revision indexes exist.
func New(opts Options) (Client, error) {
	if opts.Client == nil {
		return nil, errors.New("mongo client is required")
	}
	if opts.Database == "" {
		return nil, errors.New("database name is required")
	}
	itinColl := opts.ItinerariesColl
	if itinColl == "" {
		itinColl = defaultItinerariesCollection
	}
	revColl := opts.RevisionsColl
	if revColl == "" {
		revColl = defaultRevisionsCollection
	}
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = defaultOpTimeout
	}

	db := opts.Client.Database(opts.Database)
	docs := db.Collection(itinColl)
	revisions := db.Collection(revColl)

	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	if _, err := docs.Indexes().CreateOne(ctx, mongodriver.IndexModel{
		Keys:    bson.D{{Key: "itineraryId", Value: 1}},
		Options: options.Index().SetUnique(true),
	}); err != nil {
		return nil, err
	}
	if _, err := revisions.Indexes().CreateOne(ctx, mongodriver.IndexModel{
		Keys:    bson.D{{Key: "itineraryId", Value: 1}, {Key: "version", Value: 1}},
		Options: options.Index().SetUnique(true),
	}); err != nil {
		return nil, err
	}

	return &client{mongo: opts.Client, docs: docs, revisions: revisions, timeout: timeout}, nil
}

func (c *client) Name() string { return clientName }

func (c *client) Ping(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	return c.mongo.Ping(ctx, readpref.Primary())
}

// Create inserts the initial document for a new itinerary. It is used by
// the Initialization Service to persist the synchronously-returned
// skeleton before the pipeline starts.
func (c *client) Create(ctx context.Context, it itinerary.Itinerary) error {
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()
	_, err := c.docs.InsertOne(ctx, it)
	return err
}

func (c *client) Get(ctx context.Context, id string) (itinerary.Itinerary, error) {
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()
	var it itinerary.Itinerary
	err := c.docs.FindOne(ctx, bson.M{"itineraryId": id}).Decode(&it)
	if errors.Is(err, mongodriver.ErrNoDocuments) {
		return itinerary.Itinerary{}, docstore.ErrNotFound
	}
	return it, err
}

func (c *client) Update(ctx context.Context, it itinerary.Itinerary, expectedVersion int) error {
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()
	if it.UpdatedAt.IsZero() {
		it.UpdatedAt = time.Now().UTC()
	}
	filter := bson.M{"itineraryId": it.ItineraryID, "version": expectedVersion}
	res, err := c.docs.ReplaceOne(ctx, filter, it)
	if err != nil {
		return err
	}
	if res.MatchedCount == 0 {
		// Either the document is missing or someone else already moved
		// the version past expectedVersion: distinguish the two so
		// callers don't retry forever against a document that never
		// existed.
		if _, getErr := c.Get(ctx, it.ItineraryID); errors.Is(getErr, docstore.ErrNotFound) {
			return docstore.ErrNotFound
		}
		return docstore.ErrConflict
	}
	return nil
}

func (c *client) SaveRevision(ctx context.Context, id string, snapshot itinerary.Itinerary) error {
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()
	_, err := c.revisions.InsertOne(ctx, snapshot)
	return err
}

func (c *client) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if ctx == nil {
		ctx = context.Background()
	}
	if c.timeout <= 0 {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, c.timeout)
}
