// Package events implements the bounded one-way channel carrying drop
// telemetry from the admission engine to the lifecycle manager. The
// producer side sits in the packet path and must never block; records
// submitted while the ring is full are shed and counted, they are never
// queued late or delivered twice.
package events

import (
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/ratelimd/ratelimd/types"
)

// ErrClosed is returned by Poll once the ring has been closed and every
// buffered record has been drained.
var ErrClosed = errors.New("events: ring closed")

// Ring is a bounded single-producer single-consumer queue of drop
// events. Records come out in submission order.
type Ring struct {
	ch     chan types.DropEvent
	closed atomic.Bool
	lost   atomic.Uint64
}

// NewRing sizes the ring to hold bufferBytes worth of encoded records.
func NewRing(bufferBytes int) (*Ring, error) {
	n := bufferBytes / types.EventSize
	if n <= 0 {
		return nil, fmt.Errorf("events: a buffer of %d bytes holds no records", bufferBytes)
	}
	return &Ring{ch: make(chan types.DropEvent, n)}, nil
}

// Cap returns the ring's capacity in records.
func (r *Ring) Cap() int {
	return cap(r.ch)
}

// TryPush submits ev without ever blocking. It reports whether the
// record was accepted; a full or closed ring sheds the record.
func (r *Ring) TryPush(ev types.DropEvent) bool {
	if r.closed.Load() {
		r.lost.Add(1)
		return false
	}
	select {
	case r.ch <- ev:
		return true
	default:
		r.lost.Add(1)
		return false
	}
}

// Poll waits up to timeout for the next record. ok is false when the
// deadline expires with nothing to deliver. Buffered records are still
// delivered after Close; only a drained, closed ring yields ErrClosed.
func (r *Ring) Poll(timeout time.Duration) (ev types.DropEvent, ok bool, err error) {
	select {
	case ev = <-r.ch:
		return ev, true, nil
	default:
	}

	if r.closed.Load() {
		return types.DropEvent{}, false, ErrClosed
	}

	t := time.NewTimer(timeout)
	defer t.Stop()

	select {
	case ev = <-r.ch:
		return ev, true, nil
	case <-t.C:
		return types.DropEvent{}, false, nil
	}
}

// Close stops the producer side. The channel itself is never closed so
// a racing TryPush can at worst land one more record, it cannot panic.
func (r *Ring) Close() {
	r.closed.Store(true)
}

// Lost reports how many records were shed because the ring was full or
// closed.
func (r *Ring) Lost() uint64 {
	return r.lost.Load()
}
