package engine

import (
	"errors"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"srd/internal/initializer"
	"srd/internal/runtime"
	"srd/internal/strategy"
)

// Metrics is the engine's Prometheus instrumentation. It doubles as the
// backend.Observer of the manager.
type Metrics struct {
	inferences    *prometheus.CounterVec
	inferenceDur  *prometheus.HistogramVec
	reallocations *prometheus.CounterVec
	strategies    *prometheus.CounterVec
	tiles         prometheus.Counter
	ready         prometheus.Gauge
	initEvents    *prometheus.CounterVec
	requests      *prometheus.CounterVec
}

// NewMetrics creates the collectors and registers them with reg when it is
// not nil.
func NewMetrics(reg prometheus.Registerer) (*Metrics, error) {
	m := &Metrics{
		inferences: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "srd",
				Subsystem: "engine",
				Name:      "inferences_total",
				Help:      "Model invocations by backend and result",
			},
			[]string{"backend", "result"},
		),
		inferenceDur: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: "srd",
				Subsystem: "engine",
				Name:      "inference_duration_seconds",
				Help:      "Duration of a single model invocation",
				Buckets:   []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
			},
			[]string{"backend"},
		),
		reallocations: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "srd",
				Subsystem: "engine",
				Name:      "buffer_reallocations_total",
				Help:      "Shared tensor buffer reallocations",
			},
			[]string{"backend"},
		),
		strategies: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "srd",
				Subsystem: "engine",
				Name:      "strategy_total",
				Help:      "Processing strategy decisions",
			},
			[]string{"strategy"},
		),
		tiles: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "srd",
			Subsystem: "engine",
			Name:      "tiles_processed_total",
			Help:      "Tiles stitched into output images",
		}),
		ready: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "srd",
			Subsystem: "engine",
			Name:      "backends_ready",
			Help:      "Backends with a ready session",
		}),
		initEvents: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "srd",
				Subsystem: "engine",
				Name:      "init_events_total",
				Help:      "Progressive initialization events",
			},
			[]string{"event", "backend"},
		),
		requests: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "srd",
				Subsystem: "engine",
				Name:      "requests_total",
				Help:      "Processed images by strategy and result",
			},
			[]string{"strategy", "result"},
		),
	}
	if reg != nil {
		for _, c := range m.collectors() {
			if err := reg.Register(c); err != nil {
				var are prometheus.AlreadyRegisteredError
				if errors.As(err, &are) {
					continue
				}
				return nil, err
			}
		}
	}
	return m, nil
}

func (m *Metrics) collectors() []prometheus.Collector {
	return []prometheus.Collector{m.inferences, m.inferenceDur, m.reallocations, m.strategies, m.tiles, m.ready, m.initEvents, m.requests}
}

func (m *Metrics) InferenceDone(kind runtime.Kind, d time.Duration, err error) {
	result := "ok"
	if err != nil {
		result = "error"
	}
	m.inferences.WithLabelValues(string(kind), result).Inc()
	m.inferenceDur.WithLabelValues(string(kind)).Observe(d.Seconds())
}

func (m *Metrics) BuffersReallocated(kind runtime.Kind) {
	m.reallocations.WithLabelValues(string(kind)).Inc()
}

func (m *Metrics) decided(s strategy.Strategy) { m.strategies.WithLabelValues(s.String()).Inc() }

func (m *Metrics) tileDone() { m.tiles.Inc() }

func (m *Metrics) finished(s strategy.Strategy, err error) {
	result := "ok"
	if err != nil {
		result = "error"
	}
	m.requests.WithLabelValues(s.String(), result).Inc()
}

func (m *Metrics) initEvent(e initializer.Event, ready int) {
	switch e.Name {
	case initializer.Progress:
		return
	case initializer.ModeAvailable, initializer.AllModesReady:
		m.ready.Set(float64(ready))
	}
	m.initEvents.WithLabelValues(string(e.Name), string(e.Kind)).Inc()
}
