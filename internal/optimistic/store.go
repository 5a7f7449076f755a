// Package optimistic is a local cache of one entity collection that accepts
// provisional entries before the server confirms them.
package optimistic

import (
	"fmt"
	"reflect"
	"slices"
	"sync"
	"time"

	"marketsync/internal/models"
)

// Record is an entity with a server id, an optional client correlation key
// and a creation time.
type Record interface {
	RecordID() string
	CorrelationKey() string
	CreatedTime() time.Time
}

// Entry is one item of the collection. Pending entries have not been
// confirmed by the server and are matched by Correlation.
type Entry[T Record] struct {
	Value       T
	Correlation string
	Pending     bool
}

type Option[T Record] func(*Store[T])

// WithOnChange registers fn to run after every mutation that changed the
// collection. It runs outside the store lock.
func WithOnChange[T Record](fn func()) Option[T] {
	return func(s *Store[T]) { s.onChange = fn }
}

// Store keeps entries sorted by creation time. All mutations go through one
// mutex.
type Store[T Record] struct {
	mu       sync.Mutex
	entries  []Entry[T]
	onChange func()
}

func New[T Record](opts ...Option[T]) *Store[T] {
	s := &Store[T]{}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Store[T]) sortLocked() {
	slices.SortStableFunc(s.entries, func(a, b Entry[T]) int {
		return a.Value.CreatedTime().Compare(b.Value.CreatedTime())
	})
}

func (s *Store[T]) indexByID(id string) int {
	if id == "" {
		return -1
	}
	return slices.IndexFunc(s.entries, func(e Entry[T]) bool {
		return !e.Pending && e.Value.RecordID() == id
	})
}

func (s *Store[T]) indexPending(correlation string) int {
	if correlation == "" {
		return -1
	}
	return slices.IndexFunc(s.entries, func(e Entry[T]) bool {
		return e.Pending && e.Correlation == correlation
	})
}

func (s *Store[T]) notify(changed bool) {
	if changed && s.onChange != nil {
		s.onChange()
	}
}

// InsertOptimistic adds a provisional entry.
func (s *Store[T]) InsertOptimistic(correlationID string, v T) error {
	if correlationID == "" {
		return fmt.Errorf("%w: correlation id is required", models.ErrInvalid)
	}

	s.mu.Lock()
	if s.indexPending(correlationID) >= 0 {
		s.mu.Unlock()
		return fmt.Errorf("%w: correlation id %s is already pending", models.ErrConflict, correlationID)
	}
	s.entries = append(s.entries, Entry[T]{Value: v, Correlation: correlationID, Pending: true})
	s.sortLocked()
	s.mu.Unlock()

	s.notify(true)
	return nil
}

// Reconcile replaces the provisional entry for correlationID with the
// confirmed record. If the confirmation already arrived through the change
// feed, the two are merged so exactly one entry remains. It reports whether
// a provisional entry was consumed.
func (s *Store[T]) Reconcile(correlationID string, confirmed T) bool {
	s.mu.Lock()
	consumed := s.reconcileLocked(correlationID, confirmed)
	s.mu.Unlock()

	s.notify(true)
	return consumed
}

func (s *Store[T]) reconcileLocked(correlationID string, confirmed T) bool {
	confirmedEntry := Entry[T]{Value: confirmed, Correlation: correlationID}

	pending := s.indexPending(correlationID)
	existing := s.indexByID(confirmed.RecordID())

	switch {
	case pending >= 0 && existing >= 0:
		s.entries[existing] = confirmedEntry
		s.entries = slices.Delete(s.entries, pending, pending+1)
	case pending >= 0:
		s.entries[pending] = confirmedEntry
	case existing >= 0:
		s.entries[existing] = confirmedEntry
	default:
		s.entries = append(s.entries, confirmedEntry)
	}
	s.sortLocked()
	return pending >= 0
}

// Rollback drops the provisional entry for correlationID. Confirmed entries
// are never touched.
func (s *Store[T]) Rollback(correlationID string) bool {
	s.mu.Lock()
	i := s.indexPending(correlationID)
	if i >= 0 {
		s.entries = slices.Delete(s.entries, i, i+1)
	}
	s.mu.Unlock()

	s.notify(i >= 0)
	return i >= 0
}

// UpsertFromServer applies a record that arrived from the server. A record
// with a known id replaces the stored one; one whose correlation key matches
// a provisional entry reconciles it; anything else is inserted. Applying an
// identical record twice changes nothing. It reports whether the collection
// changed.
func (s *Store[T]) UpsertFromServer(v T) bool {
	s.mu.Lock()
	changed := s.upsertLocked(v)
	s.mu.Unlock()

	s.notify(changed)
	return changed
}

func (s *Store[T]) upsertLocked(v T) bool {
	if i := s.indexByID(v.RecordID()); i >= 0 {
		if reflect.DeepEqual(s.entries[i].Value, v) {
			return false
		}
		s.entries[i].Value = v
		s.sortLocked()
		return true
	}
	if key := v.CorrelationKey(); s.indexPending(key) >= 0 {
		s.reconcileLocked(key, v)
		return true
	}
	s.entries = append(s.entries, Entry[T]{Value: v, Correlation: v.CorrelationKey()})
	s.sortLocked()
	return true
}

// Remove drops the confirmed entry with id, reflecting a server-side
// deletion.
func (s *Store[T]) Remove(id string) bool {
	s.mu.Lock()
	i := s.indexByID(id)
	if i >= 0 {
		s.entries = slices.Delete(s.entries, i, i+1)
	}
	s.mu.Unlock()

	s.notify(i >= 0)
	return i >= 0
}

// ReplaceAll swaps the confirmed entries for rows, as after a full refetch.
// Provisional entries survive unless a row confirms them.
func (s *Store[T]) ReplaceAll(rows []T) {
	s.mu.Lock()
	confirmed := make(map[string]bool, len(rows))
	next := make([]Entry[T], 0, len(rows)+len(s.entries))
	for _, v := range rows {
		next = append(next, Entry[T]{Value: v, Correlation: v.CorrelationKey()})
		if key := v.CorrelationKey(); key != "" {
			confirmed[key] = true
		}
	}
	for _, e := range s.entries {
		if e.Pending && !confirmed[e.Correlation] {
			next = append(next, e)
		}
	}
	s.entries = next
	s.sortLocked()
	s.mu.Unlock()

	s.notify(true)
}

// Get returns the confirmed entry with id.
func (s *Store[T]) Get(id string) (T, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if i := s.indexByID(id); i >= 0 {
		return s.entries[i].Value, true
	}
	var zero T
	return zero, false
}

// Snapshot returns a copy of the collection in display order.
func (s *Store[T]) Snapshot() []Entry[T] {
	s.mu.Lock()
	defer s.mu.Unlock()
	return slices.Clone(s.entries)
}

// Values is Snapshot without the bookkeeping.
func (s *Store[T]) Values() []T {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]T, len(s.entries))
	for i, e := range s.entries {
		out[i] = e.Value
	}
	return out
}
