package metrics

import (
	"log/slog"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// PrometheusSink implements Sink using the Prometheus client library.
// All methods are non-blocking and fire-and-forget.
// Registration errors are logged but never propagated.
type PrometheusSink struct {
	// Registry metrics
	registeredTotal   *prometheus.CounterVec
	finalizedTotal    *prometheus.CounterVec
	executionDuration prometheus.Histogram
	stopRequestsTotal prometheus.Counter
	activeExecutions  *prometheus.GaugeVec
	orphansTotal      prometheus.Counter

	// Admission metrics
	admissionWait *prometheus.HistogramVec

	// Retention metrics
	prunedTotal prometheus.Counter

	mu         sync.Mutex
	prevActive map[string]bool
}

// NewPrometheusSink creates a new Prometheus metrics sink.
// Collectors that fail to register are logged and left unexported; the sink
// stays functional either way.
func NewPrometheusSink(reg prometheus.Registerer) *PrometheusSink {
	s := &PrometheusSink{prevActive: make(map[string]bool)}

	s.registeredTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "loom_executions_registered_total",
		Help: "Total number of executions registered, by start mode.",
	}, []string{"mode"})
	s.finalizedTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "loom_executions_finalized_total",
		Help: "Total number of executions finalized, by final status.",
	}, []string{"status"})
	s.executionDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "loom_execution_duration_seconds",
		Help:    "Wall-clock duration from registration to finalization.",
		Buckets: []float64{0.05, 0.25, 1, 5, 15, 60, 300, 900},
	})
	s.stopRequestsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "loom_execution_stop_requests_total",
		Help: "Total number of cancellation requests against live executions.",
	})
	s.activeExecutions = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "loom_active_executions",
		Help: "Number of executions currently registered, by status.",
	}, []string{"status"})
	s.orphansTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "loom_execution_orphans_reaped_total",
		Help: "Total number of stop-requested records reaped without a completion event.",
	})
	s.admissionWait = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "loom_admission_wait_seconds",
		Help:    "Time launches spent blocked on the concurrency controller.",
		Buckets: []float64{0.001, 0.01, 0.1, 0.5, 1, 5, 30, 120},
	}, []string{"mode"})
	s.prunedTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "loom_executions_pruned_total",
		Help: "Total number of finished execution rows deleted by retention pruning.",
	})

	s.register(reg, s.registeredTotal, "loom_executions_registered_total")
	s.register(reg, s.finalizedTotal, "loom_executions_finalized_total")
	s.register(reg, s.executionDuration, "loom_execution_duration_seconds")
	s.register(reg, s.stopRequestsTotal, "loom_execution_stop_requests_total")
	s.register(reg, s.activeExecutions, "loom_active_executions")
	s.register(reg, s.orphansTotal, "loom_execution_orphans_reaped_total")
	s.register(reg, s.admissionWait, "loom_admission_wait_seconds")
	s.register(reg, s.prunedTotal, "loom_executions_pruned_total")

	return s
}

// register attempts to register a collector, logging any errors without propagating them.
func (s *PrometheusSink) register(reg prometheus.Registerer, c prometheus.Collector, name string) {
	if err := reg.Register(c); err != nil {
		slog.Warn("metrics: failed to register collector", "name", name, "error", err)
	}
}

func (s *PrometheusSink) ExecutionRegistered(mode string) {
	s.registeredTotal.WithLabelValues(mode).Inc()
}

func (s *PrometheusSink) ExecutionFinalized(status string, duration time.Duration) {
	s.finalizedTotal.WithLabelValues(status).Inc()
	s.executionDuration.Observe(duration.Seconds())
}

func (s *PrometheusSink) StopRequested() {
	s.stopRequestsTotal.Inc()
}

// ActiveExecutionsUpdate replaces the per-status gauge set. Statuses present
// in an earlier update but absent now are reset to zero so the gauge never
// reports stale counts.
func (s *PrometheusSink) ActiveExecutionsUpdate(counts map[string]int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for status := range s.prevActive {
		if _, ok := counts[status]; !ok {
			s.activeExecutions.WithLabelValues(status).Set(0)
			delete(s.prevActive, status)
		}
	}
	for status, n := range counts {
		s.activeExecutions.WithLabelValues(status).Set(float64(n))
		s.prevActive[status] = true
	}
}

func (s *PrometheusSink) OrphansReaped(count int) {
	s.orphansTotal.Add(float64(count))
}

func (s *PrometheusSink) AdmissionWaited(mode string, wait time.Duration) {
	s.admissionWait.WithLabelValues(mode).Observe(wait.Seconds())
}

func (s *PrometheusSink) ExecutionsPruned(count int64) {
	s.prunedTotal.Add(float64(count))
}
