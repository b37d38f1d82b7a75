package limiter

import (
	"sync"
	"sync/atomic"
)

// Store is a bounded, insert-only table mapping IPv4 source addresses
// to their bucket state. Entries are created lazily on first sight and
// never evicted: once the table is full, insertion fails silently and
// the affected source is simply not tracked. Operators should size
// MaxSources for the expected address population.
type Store struct {
	capacity int64
	count    atomic.Int64
	buckets  sync.Map // uint32 -> *bucket
}

func NewStore(capacity int) *Store {
	return &Store{capacity: int64(capacity)}
}

// lookup returns the bucket tracking key, or nil for a source that has
// never been seen (or could not be inserted).
func (s *Store) lookup(key uint32) *bucket {
	v, ok := s.buckets.Load(key)
	if !ok {
		return nil
	}
	return v.(*bucket)
}

// insert adds a fresh bucket for key, reporting false when the table is
// at capacity. When two decision contexts race on the same new key,
// both get whichever bucket won the insertion.
func (s *Store) insert(key uint32, b *bucket) (*bucket, bool) {
	// Reserve a slot before touching the map so concurrent insertions
	// can never push the occupancy past the capacity bound.
	if s.count.Add(1) > s.capacity {
		s.count.Add(-1)
		return nil, false
	}
	v, loaded := s.buckets.LoadOrStore(key, b)
	if loaded {
		s.count.Add(-1)
	}
	return v.(*bucket), true
}

// Len returns the number of tracked sources.
func (s *Store) Len() int {
	return int(s.count.Load())
}
