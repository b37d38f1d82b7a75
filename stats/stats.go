// Package stats exposes the admission engine's lifetime counters over
// a Prometheus scrape endpoint. All metrics are pulled from the engine
// at scrape time, the packet path never touches this package.
package stats

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var logger *slog.Logger

// Source is the read-only view of the engine the backend scrapes.
type Source interface {
	Totals() (admitted, dropped, failOpen uint64)
	TrackedSources() int
	TelemetryLost() uint64
}

type Backend struct {
	Config

	src    Source
	server *http.Server
}

func (b *Backend) String() string {
	return "prometheus"
}

func NewBackend(c *Config, src Source) (*Backend, error) {
	if c.Log {
		logger = slog.Default().With("t", "stats")
	} else {
		logger = slog.New(slog.DiscardHandler)
	}

	if err := c.Validate(); err != nil {
		return nil, err
	}
	if src == nil {
		return nil, fmt.Errorf("no counter source given")
	}

	logger.Debug("initialising the stats backend")

	b := Backend{Config: *c, src: src}

	// Create a non-global registry.
	reg := prometheus.NewRegistry()
	if err := b.register(reg); err != nil {
		return nil, fmt.Errorf("error registering the metrics: %v", err)
	}

	handler := http.NewServeMux()
	handler.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg}))

	b.server = &http.Server{
		Addr:    fmt.Sprintf("%s:%d", b.BindAddress, b.Port),
		Handler: handler,
	}

	return &b, nil
}

func (b *Backend) register(reg *prometheus.Registry) error {
	admitted := prometheus.NewCounterFunc(prometheus.CounterOpts{
		Namespace: "ratelimd",
		Name:      "admitted_packets_total",
		Help:      "Packets admitted by the engine.",
	}, func() float64 {
		a, _, _ := b.src.Totals()
		return float64(a)
	})
	dropped := prometheus.NewCounterFunc(prometheus.CounterOpts{
		Namespace: "ratelimd",
		Name:      "dropped_packets_total",
		Help:      "Packets dropped by the engine.",
	}, func() float64 {
		_, d, _ := b.src.Totals()
		return float64(d)
	})
	failOpen := prometheus.NewCounterFunc(prometheus.CounterOpts{
		Namespace: "ratelimd",
		Name:      "parse_fail_open_total",
		Help:      "Packets admitted because their headers could not be parsed.",
	}, func() float64 {
		_, _, f := b.src.Totals()
		return float64(f)
	})
	lost := prometheus.NewCounterFunc(prometheus.CounterOpts{
		Namespace: "ratelimd",
		Name:      "telemetry_lost_total",
		Help:      "Drop records shed because the event channel was full.",
	}, func() float64 {
		return float64(b.src.TelemetryLost())
	})
	tracked := prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: "ratelimd",
		Name:      "tracked_sources",
		Help:      "Source addresses currently held in the state table.",
	}, func() float64 {
		return float64(b.src.TrackedSources())
	})

	for _, c := range []prometheus.Collector{admitted, dropped, failOpen, lost, tracked} {
		if err := reg.Register(c); err != nil {
			return err
		}
	}
	return nil
}

// Init starts serving the scrape endpoint.
func (b *Backend) Init() error {
	logger.Debug("running the stats backend", "addr", b.server.Addr)

	go func() {
		if err := b.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Info("stopped listening", "err", err)
		}
	}()

	return nil
}

func (b *Backend) Cleanup() error {
	logger.Debug("cleaning up the stats backend")

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	return b.server.Shutdown(ctx)
}
