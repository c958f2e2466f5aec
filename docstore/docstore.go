// Package docstore defines the Document Store collaborator contract: a
// single document per itinerary with optimistic-version updates, plus an
// append-only revision log used for audit and out-of-band polling clients.
package docstore

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/tripsmith/itinera/itinerary"
)

// ErrConflict is returned by Update when expectedVersion does not match
// the document's current version. Callers re-read and re-apply per the
// per-unit execution protocol; conflicts are expected under concurrent
// per-day/per-node writers and are never surfaced to clients directly.
var ErrConflict = errors.New("docstore: optimistic version conflict")

// ErrNotFound is returned by Get when no document exists for the given id.
var ErrNotFound = errors.New("docstore: itinerary not found")

// Store is the Document Store contract the orchestrator and agents depend
// on. Implementations must guarantee that a reader's Get always observes
// some version V >= 1 with a complete set of fields, and that between two
// Get calls the observed version is non-decreasing.
type Store interface {
	// Create inserts the initial document for a new itinerary (version
	// 1), used by the Initialization Service before the pipeline starts.
	Create(ctx context.Context, it itinerary.Itinerary) error
	// Get returns the current document for id.
	Get(ctx context.Context, id string) (itinerary.Itinerary, error)
	// Update persists it if expectedVersion equals the document's current
	// version (the optimistic check); on success the document's version
	// becomes it.Version. Returns ErrConflict otherwise.
	Update(ctx context.Context, it itinerary.Itinerary, expectedVersion int) error
	// SaveRevision appends an audit snapshot, indexed by (id, version).
	SaveRevision(ctx context.Context, id string, snapshot itinerary.Itinerary) error
}

// Memory is an in-process Store, used by tests and as the default when no
// external backend is configured.
type Memory struct {
	mu        sync.Mutex
	docs      map[string]itinerary.Itinerary
	revisions map[string][]itinerary.Itinerary
}

// NewMemory constructs an empty in-memory Store.
func NewMemory() *Memory {
	return &Memory{
		docs:      make(map[string]itinerary.Itinerary),
		revisions: make(map[string][]itinerary.Itinerary),
	}
}

// Seed inserts an initial document, bypassing the optimistic check. Used
// to install the skeleton produced by the Initialization Service.
func (m *Memory) Seed(it itinerary.Itinerary) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.docs[it.ItineraryID] = it.Clone()
}

// Create inserts the initial document for a new itinerary (version 1),
// matching the Seed semantics under the Store-shaped name used by the
// other backends. Returns an error if a document already exists.
func (m *Memory) Create(_ context.Context, it itinerary.Itinerary) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.docs[it.ItineraryID]; exists {
		return errors.New("docstore: itinerary already exists")
	}
	m.docs[it.ItineraryID] = it.Clone()
	return nil
}

// Get returns the current document for id.
func (m *Memory) Get(_ context.Context, id string) (itinerary.Itinerary, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	it, ok := m.docs[id]
	if !ok {
		return itinerary.Itinerary{}, ErrNotFound
	}
	return it.Clone(), nil
}

// Update applies the optimistic version check and persists it on success.
func (m *Memory) Update(_ context.Context, it itinerary.Itinerary, expectedVersion int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	current, ok := m.docs[it.ItineraryID]
	if !ok {
		return ErrNotFound
	}
	if current.Version != expectedVersion {
		return ErrConflict
	}
	if it.UpdatedAt.IsZero() {
		it.UpdatedAt = time.Now().UTC()
	}
	m.docs[it.ItineraryID] = it.Clone()
	return nil
}

// SaveRevision appends a snapshot to the in-memory revision log.
func (m *Memory) SaveRevision(_ context.Context, id string, snapshot itinerary.Itinerary) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.revisions[id] = append(m.revisions[id], snapshot.Clone())
	return nil
}

// Revisions returns the recorded revisions for id, oldest first. Test-only
// accessor.
func (m *Memory) Revisions(id string) []itinerary.Itinerary {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]itinerary.Itinerary, len(m.revisions[id]))
	copy(out, m.revisions[id])
	return out
}
