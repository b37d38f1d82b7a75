// Package ingress drives the admission engine's binding to a network
// interface: loading, attachment, the event drain loop and teardown.
// A Handler walks the lifecycle
//
//	Unconfigured -> Opened -> Configured -> Loaded -> Attached ->
//	Running -> Detaching -> Terminated
//
// and rejects transitions taken out of order. Configuration becomes
// immutable the moment the engine is loaded.
package ingress

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/ratelimd/ratelimd/events"
	"github.com/ratelimd/ratelimd/limiter"
	"github.com/ratelimd/ratelimd/types"
)

type State int

const (
	Unconfigured State = iota
	Opened
	Configured
	Loaded
	Attached
	Running
	Detaching
	Terminated
)

var stateNames = map[State]string{
	Unconfigured: "unconfigured",
	Opened:       "opened",
	Configured:   "configured",
	Loaded:       "loaded",
	Attached:     "attached",
	Running:      "running",
	Detaching:    "detaching",
	Terminated:   "terminated",
}

func (s State) String() string {
	if n, ok := stateNames[s]; ok {
		return n
	}
	return "unknown"
}

// Handler owns the live binding of the admission engine to an
// interface's ingress path and everything needed to run it.
type Handler struct {
	mu    sync.Mutex
	state State

	conf    Config
	limConf limiter.Config

	store  *limiter.Store
	engine *limiter.Engine
	ring   *events.Ring

	kern  kernel
	epoch time.Time

	// out receives the rendered drop lines; stdout unless overridden.
	out io.Writer
}

// Open validates the static configuration and hands back a Handler in
// the Opened state. Nothing kernel-side happens yet.
func Open(conf *Config) (*Handler, error) {
	if err := conf.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrConfig, err)
	}

	return &Handler{
		state:   Opened,
		conf:    *conf,
		limConf: limiter.DefaultConfig,
		kern:    newKernel(),
		out:     os.Stdout,
	}, nil
}

// openWithKernel is the test seam: same lifecycle, substitute kernel.
func openWithKernel(conf *Config, k kernel) (*Handler, error) {
	h, err := Open(conf)
	if err != nil {
		return nil, err
	}
	h.kern = k
	return h, nil
}

// State returns the lifecycle state.
func (h *Handler) State() State {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.state
}

// Configure sets the engine parameters. Legal only before Load: once
// the engine is live its configuration is immutable.
func (h *Handler) Configure(ratePPS, burst int) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.state != Opened && h.state != Configured {
		return fmt.Errorf("%w: cannot configure in state %s", ErrConfig, h.state)
	}

	c := h.limConf
	c.RatePPS = ratePPS
	c.Burst = burst
	if err := c.Validate(); err != nil {
		return fmt.Errorf("%w: %v", ErrConfig, err)
	}

	h.limConf = c
	h.state = Configured
	return nil
}

// Load builds the engine, its state store and the event channel, and
// acquires the queue socket. A failure here aborts startup leaving no
// partial install behind.
func (h *Handler) Load() error {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.state != Configured {
		return fmt.Errorf("%w: cannot load in state %s", ErrLoad, h.state)
	}

	ring, err := events.NewRing(h.conf.EventBufferBytes)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrLoad, err)
	}

	store := limiter.NewStore(h.limConf.MaxSources)
	engine, err := limiter.NewEngine(&h.limConf, store, ring)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrLoad, err)
	}

	if err := h.kern.OpenQueue(&h.conf); err != nil {
		return fmt.Errorf("%w: %v", ErrLoad, err)
	}

	h.ring = ring
	h.store = store
	h.engine = engine
	h.epoch = time.Now()
	h.state = Loaded

	slog.Debug("engine loaded",
		"rate", h.limConf.RatePPS, "burst", h.limConf.Burst, "maxSources", h.limConf.MaxSources)

	return nil
}

// Attach binds the loaded engine to the configured interface's ingress
// path. An unknown interface or a conflicting existing binding is
// fatal; an identical leftover binding is adopted.
func (h *Handler) Attach() error {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.state != Loaded {
		return fmt.Errorf("%w: cannot attach in state %s", ErrAttach, h.state)
	}

	fn := func(hwProto uint16, payload []byte) types.Verdict {
		// Fast reject: anything that is not IPv4 is admitted without
		// touching any state.
		if hwProto != types.EtherTypeIPv4 {
			return types.Accept
		}
		return h.engine.DecidePacket(payload, h.nowNs())
	}

	if err := h.kern.Attach(&h.conf, fn); err != nil {
		return fmt.Errorf("%w: %v", ErrAttach, err)
	}

	h.state = Attached

	if h.conf.Verbose {
		fmt.Fprintf(h.out, "Attached ingress rate limiter on %s (queue %d)\n",
			h.conf.Interface, h.conf.QueueNum)
	}

	return nil
}

// Run drains the event channel, rendering one line per dropped packet,
// until ctx is cancelled. Cancellation is observed between poll
// iterations only; in-flight decisions always complete. A poll failure
// terminates the loop and proceeds to shutdown.
func (h *Handler) Run(ctx context.Context) error {
	h.mu.Lock()
	if h.state != Attached {
		h.mu.Unlock()
		return fmt.Errorf("%w: cannot run in state %s", ErrRuntime, h.state)
	}
	h.state = Running
	ring := h.ring
	timeout := time.Duration(h.conf.PollTimeoutMs) * time.Millisecond
	h.mu.Unlock()

	for {
		select {
		case <-ctx.Done():
			h.setState(Detaching)
			slog.Debug("shutdown requested, leaving the poll loop")
			return nil
		default:
		}

		ev, ok, err := ring.Poll(timeout)
		if err != nil {
			h.setState(Detaching)
			if ctx.Err() != nil {
				return nil
			}
			slog.Error("error polling the event channel", "err", err)
			return fmt.Errorf("%w: %v", ErrRuntime, err)
		}
		if !ok {
			continue
		}

		fmt.Fprintf(h.out, "Rate-limited packet from %s, total dropped for this IP: %d\n",
			ev.Addr(), ev.Dropped)
	}
}

func (h *Handler) setState(s State) {
	h.mu.Lock()
	h.state = s
	h.mu.Unlock()
}

// Cleanup releases the interface binding and every engine resource.
// Safe to call from any state, also repeatedly.
func (h *Handler) Cleanup() error {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.state == Terminated {
		return nil
	}

	var errs []error
	if err := h.kern.Detach(); err != nil {
		errs = append(errs, err)
	}
	if err := h.kern.Close(); err != nil {
		errs = append(errs, err)
	}
	if h.ring != nil {
		h.ring.Close()
	}

	h.state = Terminated
	slog.Debug("lifecycle terminated")

	return errors.Join(errs...)
}

// nowNs is the engine's clock: nanoseconds since Load on the process's
// monotonic clock.
func (h *Handler) nowNs() uint64 {
	return uint64(time.Since(h.epoch))
}

// Totals reports the engine's lifetime decision counters.
func (h *Handler) Totals() (admitted, dropped, failOpen uint64) {
	h.mu.Lock()
	engine := h.engine
	h.mu.Unlock()
	if engine == nil {
		return 0, 0, 0
	}
	return engine.Totals()
}

// TrackedSources returns the state store's occupancy.
func (h *Handler) TrackedSources() int {
	h.mu.Lock()
	engine := h.engine
	h.mu.Unlock()
	if engine == nil {
		return 0
	}
	return engine.Tracked()
}

// TelemetryLost reports drop records shed by the event channel.
func (h *Handler) TelemetryLost() uint64 {
	h.mu.Lock()
	ring := h.ring
	h.mu.Unlock()
	if ring == nil {
		return 0
	}
	return ring.Lost()
}
