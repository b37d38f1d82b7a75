package limiter

import "sync/atomic"

const nsPerSecond = 1_000_000_000

// bucket is the per-source token bucket state. Individual fields are
// read and written atomically so a concurrent decision never observes a
// torn value, but the overall refill-then-consume sequence is not
// serialized across decision contexts: two simultaneous packets from
// one source may both see the same token count. That brief
// over-admission is an accepted precision/performance trade-off.
type bucket struct {
	lastRefillNs atomic.Uint64
	tokens       atomic.Uint32
	dropped      atomic.Uint32
}

// refill tops the bucket up with the tokens accrued since the last
// computation, capped at burst. Zero or negative elapsed time (clock
// anomalies) grants nothing and leaves the state untouched.
func (b *bucket) refill(nowNs uint64, ratePPS, burst uint32) {
	last := b.lastRefillNs.Load()
	if nowNs <= last || ratePPS == 0 {
		return
	}

	// All intermediate math in 64 bits: elapsed * rate overflows 32
	// bits within milliseconds at high rates.
	add := (nowNs - last) * uint64(ratePPS) / nsPerSecond
	if add == 0 {
		return
	}

	tokens := uint64(b.tokens.Load()) + add
	if tokens > uint64(burst) {
		tokens = uint64(burst)
	}
	b.tokens.Store(uint32(tokens))
	b.lastRefillNs.Store(nowNs)
}

// take consumes one token, reporting false on an empty bucket.
func (b *bucket) take() bool {
	t := b.tokens.Load()
	if t == 0 {
		return false
	}
	b.tokens.Store(t - 1)
	return true
}
