// Package idempotency records which (event, handler) pairs have already
// produced their side effect.
//
// A handler checks Seen before doing anything and calls Record inside the
// same transaction that commits its effect. The primary key on
// (event_id, handler_name) turns a concurrent duplicate into ErrDuplicate
// instead of a second effect.
package idempotency

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/randalmurphal/ledgerflow/pkg/ledgerflow/store"
)

// ErrDuplicate is returned by Record when the key already exists.
var ErrDuplicate = errors.New("idempotency record already exists")

// Key identifies one handler's processing of one event.
type Key struct {
	EventID     string
	HandlerName string
}

// Record is a processed (event, handler) pair.
type Record struct {
	EventID     string    `json:"event_id"`
	HandlerName string    `json:"handler_name"`
	ProcessedAt time.Time `json:"processed_at"`
}

// Store persists idempotency records.
// Implementations must be safe for concurrent use.
type Store interface {
	// Seen reports whether key has been recorded, reading through q.
	Seen(ctx context.Context, q store.Querier, key Key) (bool, error)

	// Record inserts key through q. Returns ErrDuplicate if it already exists.
	Record(ctx context.Context, q store.Querier, key Key, processedAt time.Time) error

	// Count returns the number of records for an event across all handlers.
	Count(ctx context.Context, eventID string) (int, error)

	// Purge deletes records processed before cutoff and returns how many went.
	Purge(ctx context.Context, cutoff time.Time) (int64, error)
}

// MemoryStore is an in-memory Store. It ignores the Querier, so it gives no
// atomicity with the handler's effect; use it for tests only.
type MemoryStore struct {
	mu      sync.RWMutex
	records map[Key]time.Time
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{records: make(map[Key]time.Time)}
}

// Seen implements Store.
func (s *MemoryStore) Seen(_ context.Context, _ store.Querier, key Key) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.records[key]
	return ok, nil
}

// Record implements Store.
func (s *MemoryStore) Record(_ context.Context, _ store.Querier, key Key, processedAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.records[key]; ok {
		return ErrDuplicate
	}
	s.records[key] = processedAt
	return nil
}

// Count implements Store.
func (s *MemoryStore) Count(_ context.Context, eventID string) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	n := 0
	for k := range s.records {
		if k.EventID == eventID {
			n++
		}
	}
	return n, nil
}

// Purge implements Store.
func (s *MemoryStore) Purge(_ context.Context, cutoff time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var n int64
	for k, at := range s.records {
		if at.Before(cutoff) {
			delete(s.records, k)
			n++
		}
	}
	return n, nil
}

var _ Store = (*MemoryStore)(nil)
