// Package memory provides an in-memory store adapter with the same
// semantics as the Postgres implementation. It backs engine and
// connection tests.
package memory

import (
	"context"
	"sort"
	"sync"

	"github.com/and161185/sealbase/internal/store"
)

// Store is a mutex-guarded in-memory store.
type Store struct {
	mu       sync.Mutex
	items    map[string]map[int64][]byte
	counters map[string]int64
}

// New returns an empty store.
func New() *Store {
	return &Store{
		items:    make(map[string]map[int64][]byte),
		counters: make(map[string]int64),
	}
}

func (s *Store) partition(p string) map[int64][]byte {
	m, ok := s.items[p]
	if !ok {
		m = make(map[int64][]byte)
		s.items[p] = m
	}
	return m
}

// Put writes an item, honoring the ifAbsent condition.
func (s *Store) Put(_ context.Context, partition string, sortKey int64, item store.Item, ifAbsent bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	m := s.partition(partition)
	if ifAbsent {
		if _, exists := m[sortKey]; exists {
			return store.ErrConflict
		}
	}
	m[sortKey] = append([]byte(nil), item...)
	return nil
}

// Get returns the item at (partition, sort).
func (s *Store) Get(_ context.Context, partition string, sortKey int64) (store.Item, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	item, ok := s.items[partition][sortKey]
	if !ok {
		return nil, store.ErrNotFound
	}
	return append([]byte(nil), item...), nil
}

// Range returns records in sort order; toSort < 0 is unbounded.
func (s *Store) Range(_ context.Context, partition string, fromSort, toSort int64) ([]store.Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []store.Record
	for k, v := range s.items[partition] {
		if k < fromSort || (toSort >= 0 && k > toSort) {
			continue
		}
		out = append(out, store.Record{Sort: k, Item: append([]byte(nil), v...)})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Sort < out[j].Sort })
	return out, nil
}

// Batch applies all ops or none.
func (s *Store) Batch(_ context.Context, ops []store.Op) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, op := range ops {
		if op.IfAbsent {
			if _, exists := s.items[op.Partition][op.Sort]; exists {
				return store.ErrConditionFailed
			}
		}
	}
	for _, op := range ops {
		s.partition(op.Partition)[op.Sort] = append([]byte(nil), op.Item...)
	}
	return nil
}

// NextSeq increments and returns the partition counter.
func (s *Store) NextSeq(_ context.Context, partition string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.counters[partition]++
	return s.counters[partition], nil
}

// Delete removes an item; absent keys are not an error.
func (s *Store) Delete(_ context.Context, partition string, sortKey int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.items[partition], sortKey)
	return nil
}

var _ store.Store = (*Store)(nil)
