//go:build !linux

package ingress

import "fmt"

// stubKernel keeps the lifecycle manager compiling on platforms
// without netfilter; any attempt to reach the packet path fails.
type stubKernel struct{}

func newKernel() kernel { return &stubKernel{} }

func (k *stubKernel) OpenQueue(*Config) error {
	return fmt.Errorf("the netfilter queue is only available on linux")
}

func (k *stubKernel) Attach(*Config, VerdictFunc) error {
	return fmt.Errorf("the netfilter queue is only available on linux")
}

func (k *stubKernel) Detach() error { return nil }
func (k *stubKernel) Close() error  { return nil }
