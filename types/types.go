package types

// Verdict is the per-packet decision handed back to the packet path.
type Verdict int

const (
	// Accept lets the packet continue up the stack.
	Accept Verdict = iota

	// Drop discards the packet at the ingress hook.
	Drop
)

func (v Verdict) String() string {
	switch v {
	case Accept:
		return "accept"
	case Drop:
		return "drop"
	}
	return "unknown"
}

// EtherTypeIPv4 is the only link-layer protocol the engine inspects;
// anything else is admitted on the fast-reject path.
const EtherTypeIPv4 uint16 = 0x0800

const (
	// MaxSources bounds the per-source state table. Once the table is
	// full new sources are no longer tracked and their traffic is
	// admitted as perpetually first-seen: there is no eviction.
	MaxSources = 16384

	// EventBufferBytes is the default size of the buffer backing the
	// drop-event channel.
	EventBufferBytes = 256 * 1024

	// DefaultRatePPS is the allowed packets per second per source IP.
	DefaultRatePPS = 1000

	// DefaultBurst is the token bucket size.
	DefaultBurst = 200

	// DefaultInterface is the interface whose ingress path gets the
	// rate limiter when none is named.
	DefaultInterface = "ens160"
)
