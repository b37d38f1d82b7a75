package ingress

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/ratelimd/ratelimd/types"
)

// fakeKernel records lifecycle calls and hands back scripted errors so
// the state machine can be exercised without touching netfilter.
type fakeKernel struct {
	openErr   error
	attachErr error
	detachErr error

	opened   int
	attached int
	detached int
	closed   int

	fn VerdictFunc
}

func (k *fakeKernel) OpenQueue(*Config) error {
	k.opened++
	return k.openErr
}

func (k *fakeKernel) Attach(_ *Config, fn VerdictFunc) error {
	k.attached++
	if k.attachErr != nil {
		return k.attachErr
	}
	k.fn = fn
	return nil
}

func (k *fakeKernel) Detach() error {
	k.detached++
	return k.detachErr
}

func (k *fakeKernel) Close() error {
	k.closed++
	return nil
}

func testConf() *Config {
	conf := DefaultConfig
	conf.Interface = "lo"
	conf.PollTimeoutMs = 5
	return &conf
}

// newRunningHandler walks a Handler up to Attached over the fake.
func newRunningHandler(t *testing.T, k *fakeKernel) *Handler {
	t.Helper()

	h, err := openWithKernel(testConf(), k)
	if err != nil {
		t.Fatalf("open failed: %v", err)
	}
	if err := h.Configure(100, 10); err != nil {
		t.Fatalf("configure failed: %v", err)
	}
	if err := h.Load(); err != nil {
		t.Fatalf("load failed: %v", err)
	}
	if err := h.Attach(); err != nil {
		t.Fatalf("attach failed: %v", err)
	}
	return h
}

func TestLifecycleHappyPath(t *testing.T) {
	k := &fakeKernel{}

	h, err := openWithKernel(testConf(), k)
	if err != nil {
		t.Fatalf("open failed: %v", err)
	}
	if got := h.State(); got != Opened {
		t.Fatalf("state after open: got %s, want %s", got, Opened)
	}

	if err := h.Configure(100, 10); err != nil {
		t.Fatalf("configure failed: %v", err)
	}
	if got := h.State(); got != Configured {
		t.Fatalf("state after configure: got %s, want %s", got, Configured)
	}

	if err := h.Load(); err != nil {
		t.Fatalf("load failed: %v", err)
	}
	if got := h.State(); got != Loaded {
		t.Fatalf("state after load: got %s, want %s", got, Loaded)
	}

	if err := h.Attach(); err != nil {
		t.Fatalf("attach failed: %v", err)
	}
	if got := h.State(); got != Attached {
		t.Fatalf("state after attach: got %s, want %s", got, Attached)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- h.Run(ctx) }()

	time.Sleep(20 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("run returned %v on a clean shutdown", err)
		}
	case <-time.After(time.Second):
		t.Fatal("run did not observe the cancellation")
	}
	if got := h.State(); got != Detaching {
		t.Fatalf("state after run: got %s, want %s", got, Detaching)
	}

	if err := h.Cleanup(); err != nil {
		t.Fatalf("cleanup failed: %v", err)
	}
	if got := h.State(); got != Terminated {
		t.Fatalf("state after cleanup: got %s, want %s", got, Terminated)
	}

	if k.opened != 1 || k.attached != 1 || k.detached != 1 || k.closed != 1 {
		t.Errorf("kernel calls: opened %d attached %d detached %d closed %d, want 1 each",
			k.opened, k.attached, k.detached, k.closed)
	}
}

func TestConfigureAfterLoadRejected(t *testing.T) {
	k := &fakeKernel{}

	h, err := openWithKernel(testConf(), k)
	if err != nil {
		t.Fatalf("open failed: %v", err)
	}
	if err := h.Configure(100, 10); err != nil {
		t.Fatalf("configure failed: %v", err)
	}
	if err := h.Load(); err != nil {
		t.Fatalf("load failed: %v", err)
	}

	err = h.Configure(200, 20)
	if !errors.Is(err, ErrConfig) {
		t.Fatalf("configure after load: got %v, want %v", err, ErrConfig)
	}
	if got := h.State(); got != Loaded {
		t.Errorf("state: got %s, want %s", got, Loaded)
	}
}

func TestConfigureRejectsBadParameters(t *testing.T) {
	h, err := openWithKernel(testConf(), &fakeKernel{})
	if err != nil {
		t.Fatalf("open failed: %v", err)
	}

	for _, tc := range []struct {
		name  string
		rate  int
		burst int
	}{
		{"zeroRate", 0, 10},
		{"negativeRate", -1, 10},
		{"zeroBurst", 100, 0},
	} {
		t.Run(tc.name, func(t *testing.T) {
			if err := h.Configure(tc.rate, tc.burst); !errors.Is(err, ErrConfig) {
				t.Errorf("got %v, want %v", err, ErrConfig)
			}
		})
	}
}

func TestOutOfOrderTransitions(t *testing.T) {
	k := &fakeKernel{}

	h, err := openWithKernel(testConf(), k)
	if err != nil {
		t.Fatalf("open failed: %v", err)
	}

	if err := h.Load(); !errors.Is(err, ErrLoad) {
		t.Errorf("load before configure: got %v, want %v", err, ErrLoad)
	}
	if err := h.Attach(); !errors.Is(err, ErrAttach) {
		t.Errorf("attach before load: got %v, want %v", err, ErrAttach)
	}
	if err := h.Run(context.Background()); !errors.Is(err, ErrRuntime) {
		t.Errorf("run before attach: got %v, want %v", err, ErrRuntime)
	}
	if k.opened != 0 || k.attached != 0 {
		t.Errorf("kernel touched by rejected transitions: opened %d attached %d", k.opened, k.attached)
	}
}

func TestOpenRejectsBadConfig(t *testing.T) {
	conf := DefaultConfig
	conf.Interface = ""

	if _, err := Open(&conf); !errors.Is(err, ErrConfig) {
		t.Fatalf("got %v, want %v", err, ErrConfig)
	}
}

func TestLoadFailure(t *testing.T) {
	k := &fakeKernel{openErr: fmt.Errorf("no netlink for you")}

	h, err := openWithKernel(testConf(), k)
	if err != nil {
		t.Fatalf("open failed: %v", err)
	}
	if err := h.Configure(100, 10); err != nil {
		t.Fatalf("configure failed: %v", err)
	}

	if err := h.Load(); !errors.Is(err, ErrLoad) {
		t.Fatalf("got %v, want %v", err, ErrLoad)
	}
	if got := h.State(); got != Configured {
		t.Errorf("state after failed load: got %s, want %s", got, Configured)
	}
}

func TestAttachFailure(t *testing.T) {
	k := &fakeKernel{attachErr: fmt.Errorf("no such device")}

	h, err := openWithKernel(testConf(), k)
	if err != nil {
		t.Fatalf("open failed: %v", err)
	}
	if err := h.Configure(100, 10); err != nil {
		t.Fatalf("configure failed: %v", err)
	}
	if err := h.Load(); err != nil {
		t.Fatalf("load failed: %v", err)
	}

	if err := h.Attach(); !errors.Is(err, ErrAttach) {
		t.Fatalf("got %v, want %v", err, ErrAttach)
	}
	if got := h.State(); got != Loaded {
		t.Errorf("state after failed attach: got %s, want %s", got, Loaded)
	}
}

func TestVerdictCallback(t *testing.T) {
	k := &fakeKernel{}
	h := newRunningHandler(t, k)
	defer h.Cleanup()

	if k.fn == nil {
		t.Fatal("no verdict callback registered")
	}

	// Non-IPv4 frames never reach the engine.
	if got := k.fn(0x0806, nil); got != types.Accept {
		t.Errorf("ARP frame: got %s, want %s", got, types.Accept)
	}
	if _, _, failOpen := h.Totals(); failOpen != 0 {
		t.Errorf("fast reject counted as a parse failure")
	}

	// A minimal IPv4 header from 192.0.2.1.
	pkt := make([]byte, 20)
	pkt[0] = 0x45
	copy(pkt[12:16], []byte{192, 0, 2, 1})

	if got := k.fn(types.EtherTypeIPv4, pkt); got != types.Accept {
		t.Errorf("first packet: got %s, want %s", got, types.Accept)
	}
	if admitted, _, _ := h.Totals(); admitted != 1 {
		t.Errorf("admitted: got %d, want 1", admitted)
	}
	if got := h.TrackedSources(); got != 1 {
		t.Errorf("tracked sources: got %d, want 1", got)
	}
}

func TestDropLineRendering(t *testing.T) {
	k := &fakeKernel{}
	h := newRunningHandler(t, k)
	defer h.Cleanup()

	var out bytes.Buffer
	h.out = &out

	h.ring.TryPush(types.DropEvent{SrcIP: 0xcb007107, TsNs: 42, Dropped: 7})
	h.ring.TryPush(types.DropEvent{SrcIP: 0xcb007107, TsNs: 43, Dropped: 8})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- h.Run(ctx) }()

	time.Sleep(20 * time.Millisecond)
	cancel()
	if err := <-done; err != nil {
		t.Fatalf("run failed: %v", err)
	}

	want := "Rate-limited packet from 203.0.113.7, total dropped for this IP: 7\n" +
		"Rate-limited packet from 203.0.113.7, total dropped for this IP: 8\n"
	if got := out.String(); got != want {
		t.Errorf("rendered output:\n got %q\nwant %q", got, want)
	}
}

func TestRunFailsOnClosedRing(t *testing.T) {
	k := &fakeKernel{}
	h := newRunningHandler(t, k)
	defer h.Cleanup()

	h.ring.Close()

	if err := h.Run(context.Background()); !errors.Is(err, ErrRuntime) {
		t.Fatalf("got %v, want %v", err, ErrRuntime)
	}
}

func TestCleanupIdempotent(t *testing.T) {
	k := &fakeKernel{}
	h := newRunningHandler(t, k)

	if err := h.Cleanup(); err != nil {
		t.Fatalf("first cleanup failed: %v", err)
	}
	if err := h.Cleanup(); err != nil {
		t.Fatalf("second cleanup failed: %v", err)
	}
	if k.detached != 1 || k.closed != 1 {
		t.Errorf("kernel calls: detached %d closed %d, want 1 each", k.detached, k.closed)
	}
}

func TestCleanupReportsDetachFailure(t *testing.T) {
	k := &fakeKernel{detachErr: fmt.Errorf("rule vanished")}
	h := newRunningHandler(t, k)

	err := h.Cleanup()
	if err == nil || !strings.Contains(err.Error(), "rule vanished") {
		t.Fatalf("got %v, want the detach failure surfaced", err)
	}
	if got := h.State(); got != Terminated {
		t.Errorf("state: got %s, want %s", got, Terminated)
	}
}

func TestVerboseAttachLine(t *testing.T) {
	k := &fakeKernel{}
	conf := testConf()
	conf.Verbose = true

	h, err := openWithKernel(conf, k)
	if err != nil {
		t.Fatalf("open failed: %v", err)
	}
	var out bytes.Buffer
	h.out = &out

	if err := h.Configure(100, 10); err != nil {
		t.Fatalf("configure failed: %v", err)
	}
	if err := h.Load(); err != nil {
		t.Fatalf("load failed: %v", err)
	}
	if err := h.Attach(); err != nil {
		t.Fatalf("attach failed: %v", err)
	}
	defer h.Cleanup()

	if got := out.String(); !strings.Contains(got, "lo") {
		t.Errorf("attach confirmation %q does not name the interface", got)
	}
}

func TestExitCodes(t *testing.T) {
	for _, tc := range []struct {
		name string
		err  error
		want int
	}{
		{"clean", nil, 0},
		{"config", fmt.Errorf("%w: bad burst", ErrConfig), 2},
		{"load", fmt.Errorf("%w: no socket", ErrLoad), 3},
		{"attach", fmt.Errorf("%w: no device", ErrAttach), 4},
		{"runtime", fmt.Errorf("%w: poll", ErrRuntime), 5},
		{"unknown", fmt.Errorf("who knows"), 1},
	} {
		t.Run(tc.name, func(t *testing.T) {
			if got := ExitCode(tc.err); got != tc.want {
				t.Errorf("got %d, want %d", got, tc.want)
			}
		})
	}
}
