package ingress

import "github.com/ratelimd/ratelimd/types"

// VerdictFunc adapts a queued packet to the admission engine: hwProto
// is the frame's link-layer protocol, payload the network-layer packet
// as delivered by the kernel.
type VerdictFunc func(hwProto uint16, payload []byte) types.Verdict

// kernel is the kernel-facing surface of the lifecycle manager: one
// netfilter queue plus the rule steering the target interface's
// ingress traffic into it. The real implementation lives in
// kernel_linux.go; the lifecycle tests substitute a recording fake.
type kernel interface {
	// OpenQueue acquires the queue socket. Nothing touches the packet
	// path yet.
	OpenQueue(c *Config) error

	// Attach installs the ingress steering rule on the configured
	// interface and registers fn as the verdict callback. On failure
	// any partially acquired steering is released before returning.
	Attach(c *Config, fn VerdictFunc) error

	// Detach stops the callback and removes the steering rule.
	Detach() error

	// Close releases the queue socket.
	Close() error
}
