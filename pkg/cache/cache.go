// Package cache implements an optimistic state store for vehicle-side
// values. Each value is tracked on two sides: the last state the backend
// confirmed, and the state a recently issued command makes us assume. An
// assumed value shadows a confirmed one only while it is both newer and
// still within its validity window.
package cache

import (
	"encoding/json"
	"fmt"
	"os"
	"sync"
	"time"
)

// DefaultValidity is how long an assumed value may shadow a confirmed one.
const DefaultValidity = 600 * time.Second

type record[T any] struct {
	Value     T         `json:"value"`
	Timestamp time.Time `json:"timestamp"`
}

type entry[T any] struct {
	Assumed   *record[T] `json:"assumed,omitempty"`
	Confirmed *record[T] `json:"confirmed,omitempty"`
}

// Store tracks assumed and confirmed values of one kind, keyed by vehicle
// id. It is safe for concurrent use.
type Store[T any] struct {
	mu       sync.Mutex
	entries  map[int]*entry[T]
	validity time.Duration
	now      func() time.Time
}

// New creates a Store with the default validity window.
func New[T any]() *Store[T] {
	return NewWithValidity[T](DefaultValidity)
}

// NewWithValidity creates a Store whose assumed values expire after the
// given window.
func NewWithValidity[T any](validity time.Duration) *Store[T] {
	return &Store[T]{
		entries:  map[int]*entry[T]{},
		validity: validity,
		now:      time.Now,
	}
}

// SetClock replaces the store's time source. Tests only.
func (s *Store[T]) SetClock(now func() time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.now = now
}

func (s *Store[T]) entry(vehicleID int) *entry[T] {
	e, ok := s.entries[vehicleID]
	if !ok {
		e = &entry[T]{}
		s.entries[vehicleID] = e
	}
	return e
}

// SetAssumed records the value a just-issued command implies, stamped now.
func (s *Store[T]) SetAssumed(vehicleID int, value T) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entry(vehicleID).Assumed = &record[T]{Value: value, Timestamp: s.now()}
}

// SetConfirmed records a backend-reported value. observedAt is the backend's
// own timestamp for the observation, not the fetch time; a zero observedAt
// stamps the record with the current time.
func (s *Store[T]) SetConfirmed(vehicleID int, value T, observedAt time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if observedAt.IsZero() {
		observedAt = s.now()
	}
	s.entry(vehicleID).Confirmed = &record[T]{Value: value, Timestamp: observedAt}
}

// Get resolves the current best value for a vehicle. The assumed side wins
// only when it is newer than the confirmed side and its validity window has
// not elapsed; in every other case the confirmed side, if present, is
// returned. The second result is false when neither side holds a value.
func (s *Store[T]) Get(vehicleID int) (T, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var zero T
	e, ok := s.entries[vehicleID]
	if !ok {
		return zero, false
	}

	switch {
	case e.Assumed == nil && e.Confirmed == nil:
		return zero, false
	case e.Confirmed == nil:
		return e.Assumed.Value, true
	case e.Assumed == nil:
		return e.Confirmed.Value, true
	}

	if e.Assumed.Timestamp.After(e.Confirmed.Timestamp) &&
		s.now().Sub(e.Assumed.Timestamp) < s.validity {
		return e.Assumed.Value, true
	}
	return e.Confirmed.Value, true
}

// Export serializes the store's contents to JSON.
func (s *Store[T]) Export() ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return json.Marshal(s.entries)
}

// Import merges previously exported state into the store. Imported entries
// replace existing ones for the same vehicle.
func (s *Store[T]) Import(data []byte) error {
	var entries map[int]*entry[T]
	if err := json.Unmarshal(data, &entries); err != nil {
		return fmt.Errorf("decoding cache state: %w", err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for id, e := range entries {
		s.entries[id] = e
	}
	return nil
}

// ExportToFile writes the store's contents to a file, readable only by the
// owner.
func (s *Store[T]) ExportToFile(filename string) error {
	data, err := s.Export()
	if err != nil {
		return err
	}
	return os.WriteFile(filename, data, 0600)
}

// ImportFromFile merges state previously written by ExportToFile.
func (s *Store[T]) ImportFromFile(filename string) error {
	data, err := os.ReadFile(filename)
	if err != nil {
		return err
	}
	return s.Import(data)
}
