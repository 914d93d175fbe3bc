package metrics

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/ethpandaops/conformoor/pkg/scheduler"
	"github.com/ethpandaops/conformoor/pkg/types"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
)

// Namespace prefixes every exported metric.
const Namespace = "conformoor"

// Metrics holds the orchestrator collectors on a dedicated registry.
type Metrics struct {
	registry *prometheus.Registry

	outcomes   *prometheus.CounterVec
	duration   prometheus.Histogram
	running    prometheus.Gauge
	skipped    prometheus.Counter
	reconciles prometheus.Counter
	requeued   prometheus.Counter
}

// Compile-time interface check.
var _ scheduler.Recorder = (*Metrics)(nil)

// New creates and registers the collectors.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	factory := promauto.With(reg)

	return &Metrics{
		registry: reg,
		outcomes: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: Namespace,
			Name:      "test_outcomes_total",
			Help:      "Settled test executions by outcome",
		}, []string{"outcome"}),
		duration: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: Namespace,
			Name:      "test_duration_seconds",
			Help:      "Wall-clock duration of settled test executions",
			Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
		}),
		running: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: Namespace,
			Name:      "tests_running",
			Help:      "Test executions currently in flight",
		}),
		skipped: factory.NewCounter(prometheus.CounterOpts{
			Namespace: Namespace,
			Name:      "tests_skipped_total",
			Help:      "Dispatches skipped because an outcome was already recorded",
		}),
		reconciles: factory.NewCounter(prometheus.CounterOpts{
			Namespace: Namespace,
			Name:      "reconcile_passes_total",
			Help:      "Reconciliation passes run",
		}),
		requeued: factory.NewCounter(prometheus.CounterOpts{
			Namespace: Namespace,
			Name:      "reconcile_requeued_total",
			Help:      "Identifiers prepended to the queue by reconciliation",
		}),
	}
}

func (m *Metrics) ObserveOutcome(outcome types.Outcome, duration time.Duration) {
	m.outcomes.WithLabelValues(outcome.String()).Inc()
	m.duration.Observe(duration.Seconds())
}

func (m *Metrics) ObserveSkip() {
	m.skipped.Inc()
}

func (m *Metrics) ObserveReconcile(added int) {
	m.reconciles.Inc()
	m.requeued.Add(float64(added))
}

func (m *Metrics) SetRunning(n int) {
	m.running.Set(float64(n))
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Server exposes /metrics on its own listener.
type Server interface {
	Start(ctx context.Context) error
	Stop() error
}

// Compile-time interface check.
var _ Server = (*server)(nil)

type server struct {
	log     logrus.FieldLogger
	listen  string
	metrics *Metrics
	srv     *http.Server
	wg      sync.WaitGroup
}

// NewServer creates a metrics server bound to listen.
func NewServer(log logrus.FieldLogger, listen string, m *Metrics) Server {
	return &server{
		log:     log.WithField("component", "metrics"),
		listen:  listen,
		metrics: m,
	}
}

// Start binds synchronously so a taken port fails startup.
func (s *server) Start(_ context.Context) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", s.metrics.Handler())

	s.srv = &http.Server{
		Addr:              s.listen,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	ln, err := net.Listen("tcp", s.listen)
	if err != nil {
		return fmt.Errorf("binding metrics listener on %s: %w", s.listen, err)
	}

	s.wg.Add(1)

	go func() {
		defer s.wg.Done()

		if err := s.srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.log.WithError(err).Error("Metrics server error")
		}
	}()

	s.log.WithField("listen", ln.Addr().String()).Info("Metrics server started")

	return nil
}

func (s *server) Stop() error {
	if s.srv == nil {
		return nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := s.srv.Shutdown(ctx); err != nil {
		return fmt.Errorf("shutting down metrics server: %w", err)
	}

	s.wg.Wait()

	return nil
}
