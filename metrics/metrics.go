package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	once sync.Once

	// ReportsSubmittedTotal counts submissions by result (accepted, invalid, persistence_error).
	ReportsSubmittedTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "aquaguardian",
		Subsystem: "ingest",
		Name:      "reports_submitted_total",
		Help:      "Total number of report submissions, labeled by result.",
	}, []string{"result"})

	// ClassificationDegradedTotal counts submissions stored without a usable classification.
	ClassificationDegradedTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "aquaguardian",
		Subsystem: "ingest",
		Name:      "classification_degraded_total",
		Help:      "Total number of classifications degraded to null label / zero confidence, labeled by reason.",
	}, []string{"reason"})

	EvidenceFailuresTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "aquaguardian",
		Subsystem: "ingest",
		Name:      "evidence_failures_total",
		Help:      "Total number of evidence uploads that failed or timed out.",
	})

	// AnchorAttemptsTotal counts ledger attempts by result (success, error, recovered).
	AnchorAttemptsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "aquaguardian",
		Subsystem: "anchor",
		Name:      "attempts_total",
		Help:      "Total number of anchoring attempts, labeled by result.",
	}, []string{"result"})

	AnchorExhaustedTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "aquaguardian",
		Subsystem: "anchor",
		Name:      "exhausted_total",
		Help:      "Total number of reports flagged anchor_failed after exhausting retries.",
	})

	AnchorDurationSeconds = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: "aquaguardian",
		Subsystem: "anchor",
		Name:      "duration_seconds",
		Help:      "Time from claiming an anchor job to its completion or failure.",
		Buckets:   []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60, 120, 300, 600},
	})

	AnchorQueueDepth = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "aquaguardian",
		Subsystem: "anchor",
		Name:      "queue_depth",
		Help:      "Number of report IDs waiting in the in-process anchoring queue.",
	})

	AnchorWorkersInFlight = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "aquaguardian",
		Subsystem: "anchor",
		Name:      "workers_in_flight",
		Help:      "Current number of anchor jobs being processed.",
	})

	// EscalationsTotal counts escalation outcomes (sent, failed, below_threshold, dropped).
	EscalationsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "aquaguardian",
		Subsystem: "escalation",
		Name:      "total",
		Help:      "Total number of escalation decisions, labeled by result.",
	}, []string{"result"})
)

// Register registers the service metrics with the default Prometheus registry.
// Safe to call multiple times.
func Register() {
	once.Do(func() {
		prometheus.MustRegister(
			ReportsSubmittedTotal,
			ClassificationDegradedTotal,
			EvidenceFailuresTotal,
			AnchorAttemptsTotal,
			AnchorExhaustedTotal,
			AnchorDurationSeconds,
			AnchorQueueDepth,
			AnchorWorkersInFlight,
			EscalationsTotal,
		)
	})
}
