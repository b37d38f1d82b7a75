// Package limiter implements the per-source token bucket admission
// engine and its state store. The engine sits in the packet-receive hot
// path: a decision is a handful of bounds checks, one table access and
// a little integer math, with no allocation and no blocking beyond the
// first packet of a new source.
package limiter

import (
	"encoding/binary"
	"fmt"
	"sync/atomic"

	"github.com/ratelimd/ratelimd/events"
	"github.com/ratelimd/ratelimd/types"
)

const (
	ethHeaderLen  = 14
	ethTypeOffset = 12

	ipv4MinHeaderLen = 20
	ipv4SrcOffset    = 12
)

// Engine makes the admit/drop decision for inbound packets. It is safe
// for concurrent use from independent processing contexts; see bucket.go
// for the per-key consistency contract.
type Engine struct {
	rate  uint32
	burst uint32

	store *Store
	ring  *events.Ring

	// Process-lifetime totals, observability only: the decision never
	// consults them.
	admitted  atomic.Uint64
	dropped   atomic.Uint64
	failOpens atomic.Uint64
}

// NewEngine builds an engine enforcing conf over store, pushing drop
// telemetry into ring on a best-effort basis.
func NewEngine(conf *Config, store *Store, ring *events.Ring) (*Engine, error) {
	if err := conf.Validate(); err != nil {
		return nil, fmt.Errorf("invalid engine configuration: %w", err)
	}
	if store == nil || ring == nil {
		return nil, fmt.Errorf("engine needs both a store and an event ring")
	}
	return &Engine{
		rate:  uint32(conf.RatePPS),
		burst: uint32(conf.Burst),
		store: store,
		ring:  ring,
	}, nil
}

// Decide runs the admission decision over a raw layer-2 frame. Frames
// that are not IPv4 are admitted without any state access; malformed or
// truncated headers fail open. An inspection failure must never take
// the packet path down with it.
func (e *Engine) Decide(frame []byte, nowNs uint64) types.Verdict {
	if len(frame) < ethHeaderLen {
		e.failOpens.Add(1)
		return types.Accept
	}
	if binary.BigEndian.Uint16(frame[ethTypeOffset:ethHeaderLen]) != types.EtherTypeIPv4 {
		return types.Accept
	}
	return e.DecidePacket(frame[ethHeaderLen:], nowNs)
}

// DecidePacket runs the admission decision over a layer-3 packet. This
// is the entry point used by the queue binding, which receives
// network-layer payloads and performs the ethertype fast-reject on the
// queue attributes instead.
func (e *Engine) DecidePacket(pkt []byte, nowNs uint64) types.Verdict {
	if len(pkt) < ipv4MinHeaderLen || pkt[0]>>4 != 4 {
		e.failOpens.Add(1)
		return types.Accept
	}

	// The source address bytes as they sit on the wire are the table
	// key; big-endian here so the same value round-trips through the
	// event record's packet-order field.
	key := binary.BigEndian.Uint32(pkt[ipv4SrcOffset : ipv4SrcOffset+4])

	st := e.store.lookup(key)
	if st == nil {
		// First sight of this source: the fresh bucket is full by
		// construction, so there is no token check to run. The packet
		// pays one token on its way in. If the table is full the
		// insertion quietly fails and the source stays untracked.
		fresh := &bucket{}
		fresh.lastRefillNs.Store(nowNs)
		fresh.tokens.Store(e.burst - 1)
		e.store.insert(key, fresh)

		e.admitted.Add(1)
		return types.Accept
	}

	st.refill(nowNs, e.rate, e.burst)

	if st.take() {
		e.admitted.Add(1)
		return types.Accept
	}

	dropped := st.dropped.Add(1)
	e.dropped.Add(1)

	// Telemetry is best effort: a full ring sheds the record but the
	// packet is dropped regardless.
	e.ring.TryPush(types.DropEvent{SrcIP: key, TsNs: nowNs, Dropped: dropped})

	return types.Drop
}

// Totals reports the process-lifetime decision counters.
func (e *Engine) Totals() (admitted, dropped, failOpen uint64) {
	return e.admitted.Load(), e.dropped.Load(), e.failOpens.Load()
}

// Tracked returns the number of sources currently held in the store.
func (e *Engine) Tracked() int {
	return e.store.Len()
}
