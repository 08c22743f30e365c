package metrics

import (
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"fieldcrm/sequence"
)

// Collector owns a private registry with the scoring and sequence metrics.
// It satisfies scoring.Recorder and sequence.RunRecorder.
type Collector struct {
	registry *prometheus.Registry
	logger   *slog.Logger

	scoringRuns      *prometheus.CounterVec
	customersScored  prometheus.Counter
	gradeAssigned    *prometheus.CounterVec
	scoringDuration  prometheus.Histogram
	processorRuns    *prometheus.CounterVec
	enrollmentsByOut *prometheus.CounterVec
	claimedBatch     prometheus.Histogram
	processorLatency prometheus.Histogram
	reclaimed        prometheus.Counter
}

func NewCollector(logger *slog.Logger) *Collector {
	if logger == nil {
		logger = slog.Default()
	}
	registry := prometheus.NewRegistry()
	factory := promauto.With(registry)

	return &Collector{
		registry: registry,
		logger:   logger,
		scoringRuns: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "crm_scoring_runs_total",
			Help: "Lead scoring runs by result",
		}, []string{"result"}),
		customersScored: factory.NewCounter(prometheus.CounterOpts{
			Name: "crm_scoring_customers_scored_total",
			Help: "Customers whose lead score snapshot was written",
		}),
		gradeAssigned: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "crm_scoring_grades_total",
			Help: "Grades assigned by scoring runs",
		}, []string{"grade"}),
		scoringDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "crm_scoring_run_duration_seconds",
			Help:    "Time taken by a tenant scoring run",
			Buckets: prometheus.DefBuckets,
		}),
		processorRuns: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "crm_sequence_processor_runs_total",
			Help: "Sequence processor runs by result",
		}, []string{"result"}),
		enrollmentsByOut: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "crm_sequence_enrollments_processed_total",
			Help: "Claimed enrollments by outcome",
		}, []string{"outcome"}),
		claimedBatch: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "crm_sequence_claimed_batch_size",
			Help:    "Enrollments claimed per processor run",
			Buckets: []float64{0, 1, 5, 10, 25, 50, 100, 250},
		}),
		processorLatency: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "crm_sequence_processor_run_duration_seconds",
			Help:    "Time taken by a sequence processor run",
			Buckets: prometheus.DefBuckets,
		}),
		reclaimed: factory.NewCounter(prometheus.CounterOpts{
			Name: "crm_sequence_claims_reclaimed_total",
			Help: "Stale processing claims returned to active",
		}),
	}
}

func (c *Collector) ScoringRun(tenantID string, scored int, duration time.Duration, err error) {
	c.scoringRuns.WithLabelValues(result(err)).Inc()
	c.customersScored.Add(float64(scored))
	c.scoringDuration.Observe(duration.Seconds())
}

func (c *Collector) CustomerGraded(tenantID string, grade string) {
	c.gradeAssigned.WithLabelValues(grade).Inc()
}

func (c *Collector) ProcessorRun(res sequence.RunResult, duration time.Duration, err error) {
	c.processorRuns.WithLabelValues(result(err)).Inc()
	c.processorLatency.Observe(duration.Seconds())
	c.claimedBatch.Observe(float64(res.Claimed))
	c.reclaimed.Add(float64(res.Reclaimed))

	outcomes := map[string]int{
		"advanced":  res.Advanced,
		"completed": res.Completed,
		"cancelled": res.Cancelled,
		"failed":    res.Failed,
		"lost":      res.Lost,
	}
	for outcome, n := range outcomes {
		if n > 0 {
			c.enrollmentsByOut.WithLabelValues(outcome).Add(float64(n))
		}
	}
}

// Registry exposes the private registry, mainly for tests.
func (c *Collector) Registry() *prometheus.Registry {
	return c.registry
}

func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{})
}

// StartServer serves /metrics on addr in the background.
func (c *Collector) StartServer(addr string) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", c.Handler())

	server := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		c.logger.Info("starting metrics server", slog.String("addr", addr))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			c.logger.Error("metrics server failed", slog.String("error", err.Error()))
		}
	}()
	return server
}

func result(err error) string {
	if err != nil {
		return "error"
	}
	return "ok"
}
