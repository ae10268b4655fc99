package ingest

import "github.com/prometheus/client_golang/prometheus"

// outcome labels the terminal disposition of one delivery, for the
// messagesTotal counter.
type outcome string

const (
	outcomeProcessed     outcome = "processed"
	outcomeMalformed     outcome = "malformed"
	outcomeAdmissionMiss outcome = "admission_miss"
	outcomeDropped       outcome = "dropped"
)

// Metrics holds the counters and histogram the ingestion worker instruments
// itself with, per the AMBIENT STACK's metrics surface. A nil *Metrics is
// valid and every method on it is a no-op, so tests that don't care about
// metrics can leave Worker.Metrics unset.
type Metrics struct {
	messagesTotal       *prometheus.CounterVec
	retriesTotal        prometheus.Counter
	materializeFailures prometheus.Counter
	materializeDuration prometheus.Histogram
}

// NewMetrics registers the ingestion worker's counters and histogram against
// reg. Call once per process; reg is typically prometheus.DefaultRegisterer.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		messagesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "covgate",
			Subsystem: "ingest",
			Name:      "messages_total",
			Help:      "Coverage report messages handled, by terminal outcome.",
		}, []string{"outcome"}),
		retriesTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "covgate",
			Subsystem: "ingest",
			Name:      "retries_total",
			Help:      "Messages republished with an incremented retry count.",
		}),
		materializeFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "covgate",
			Subsystem: "ingest",
			Name:      "materialize_failures_total",
			Help:      "Best-effort repo materializations that failed after a successful DB commit.",
		}),
		materializeDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "covgate",
			Subsystem: "ingest",
			Name:      "materialize_duration_seconds",
			Help:      "Wall-clock time of the post-commit target+base materialization step.",
			Buckets:   prometheus.DefBuckets,
		}),
	}
	reg.MustRegister(m.messagesTotal, m.retriesTotal, m.materializeFailures, m.materializeDuration)
	return m
}

func (m *Metrics) observeOutcome(o outcome) {
	if m == nil {
		return
	}
	m.messagesTotal.WithLabelValues(string(o)).Inc()
}

func (m *Metrics) observeRetry() {
	if m == nil {
		return
	}
	m.retriesTotal.Inc()
}

func (m *Metrics) observeMaterializeFailure() {
	if m == nil {
		return
	}
	m.materializeFailures.Inc()
}

func (m *Metrics) observeMaterializeDuration(seconds float64) {
	if m == nil {
		return
	}
	m.materializeDuration.Observe(seconds)
}
