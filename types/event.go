package types

import (
	"encoding/binary"
	"fmt"
	"net/netip"

	"github.com/josharian/native"
)

// EventSize is the length of an encoded DropEvent. The layout is fixed:
//
//	srcIP(u32, packet byte order) | tsNs(u64, native) | dropped(u32, native)
const EventSize = 16

// DropEvent is the telemetry record emitted once per dropped packet. It
// snapshots what the admission engine knew at drop time and is consumed
// exactly once by the lifecycle manager.
type DropEvent struct {
	// SrcIP is the source address with its on-the-wire bytes read
	// big-endian, i.e. in packet byte order.
	SrcIP uint32

	// TsNs is the decision timestamp in nanoseconds on the engine's
	// monotonic clock.
	TsNs uint64

	// Dropped is the source's total drop count including this packet.
	Dropped uint32
}

// Addr renders the source address.
func (e DropEvent) Addr() netip.Addr {
	var raw [4]byte
	binary.BigEndian.PutUint32(raw[:], e.SrcIP)
	return netip.AddrFrom4(raw)
}

func (e DropEvent) String() string {
	return fmt.Sprintf("src=%s ts=%d dropped=%d", e.Addr(), e.TsNs, e.Dropped)
}

// MarshalBinary encodes the event into its fixed 16-byte wire layout.
func (e DropEvent) MarshalBinary() ([]byte, error) {
	b := make([]byte, EventSize)
	binary.BigEndian.PutUint32(b[0:4], e.SrcIP)
	native.Endian.PutUint64(b[4:12], e.TsNs)
	native.Endian.PutUint32(b[12:16], e.Dropped)
	return b, nil
}

// UnmarshalBinary decodes an event from its fixed 16-byte wire layout.
func (e *DropEvent) UnmarshalBinary(b []byte) error {
	if len(b) != EventSize {
		return fmt.Errorf("expected %d bytes, got %d", EventSize, len(b))
	}
	e.SrcIP = binary.BigEndian.Uint32(b[0:4])
	e.TsNs = native.Endian.Uint64(b[4:12])
	e.Dropped = native.Endian.Uint32(b[12:16])
	return nil
}
