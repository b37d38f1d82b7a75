package limiter

import (
	"sync"
	"testing"

	"github.com/ratelimd/ratelimd/events"
	"github.com/ratelimd/ratelimd/types"
)

func TestStoreCapacity(t *testing.T) {
	s := NewStore(2)

	if _, ok := s.insert(1, &bucket{}); !ok {
		t.Fatalf("first insertion rejected")
	}
	if _, ok := s.insert(2, &bucket{}); !ok {
		t.Fatalf("second insertion rejected")
	}
	if _, ok := s.insert(3, &bucket{}); ok {
		t.Errorf("insertion beyond capacity succeeded")
	}
	if s.Len() != 2 {
		t.Errorf("expected 2 tracked sources, got %d", s.Len())
	}

	// Existing keys are still reachable; the rejected one is not.
	if s.lookup(1) == nil || s.lookup(2) == nil {
		t.Errorf("tracked sources went missing")
	}
	if s.lookup(3) != nil {
		t.Errorf("untracked source has a bucket")
	}
}

func TestStoreDuplicateInsert(t *testing.T) {
	s := NewStore(4)

	first := &bucket{}
	second := &bucket{}

	got, ok := s.insert(7, first)
	if !ok || got != first {
		t.Fatalf("insertion did not return the inserted bucket")
	}

	got, ok = s.insert(7, second)
	if !ok {
		t.Fatalf("duplicate insertion reported a full table")
	}
	if got != first {
		t.Errorf("duplicate insertion displaced the original bucket")
	}
	if s.Len() != 1 {
		t.Errorf("duplicate insertion inflated the count to %d", s.Len())
	}
}

func TestStoreConcurrentInsertBound(t *testing.T) {
	const capacity = 64

	s := NewStore(capacity)

	var wg sync.WaitGroup
	for w := 0; w < 8; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < 1000; i++ {
				s.insert(uint32(w*1000+i), &bucket{})
			}
		}(w)
	}
	wg.Wait()

	if s.Len() != capacity {
		t.Errorf("occupancy %d, expected exactly %d", s.Len(), capacity)
	}
}

// Once the table is full, unrepresentable sources are exempt from
// limiting: every one of their packets looks first-seen and is
// admitted. Accepted capacity limitation, not an error.
func TestExhaustedStoreFailsOpen(t *testing.T) {
	ring, err := events.NewRing(16 * types.EventSize)
	if err != nil {
		t.Fatalf("error building the ring: %v", err)
	}
	conf := Config{RatePPS: 1000, Burst: 2, MaxSources: 2}
	e, err := NewEngine(&conf, NewStore(2), ring)
	if err != nil {
		t.Fatalf("error building the engine: %v", err)
	}

	a := buildFrame(t, "10.0.0.1")
	b := buildFrame(t, "10.0.0.2")
	c := buildFrame(t, "10.0.0.3")

	e.Decide(a, 1)
	e.Decide(b, 1)
	if e.Tracked() != 2 {
		t.Fatalf("expected a full table, got %d entries", e.Tracked())
	}

	// The third source arrived too late to be tracked: it sails
	// through well past the burst.
	for i := 0; i < 100; i++ {
		if v := e.Decide(c, 1); v != types.Accept {
			t.Fatalf("untracked source's packet %d got %s", i, v)
		}
	}

	// Tracked sources keep being enforced.
	e.Decide(a, 1)
	if v := e.Decide(a, 1); v != types.Drop {
		t.Errorf("tracked source escaped its limit")
	}
}
