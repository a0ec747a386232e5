package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Verifications counts verification attempts by outcome (success, already_marked, or a failure kind).
	Verifications = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "presence",
		Name:      "verifications_total",
		Help:      "Verification attempts by outcome.",
	}, []string{"outcome"})

	VerifyDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: "presence",
		Name:      "verify_duration_seconds",
		Help:      "End-to-end verification latency.",
		Buckets:   prometheus.DefBuckets,
	})

	LedgerCommits = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "presence",
		Name:      "ledger_commits_total",
		Help:      "Ledger commit results.",
	}, []string{"result"})

	LedgerRetries = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "presence",
		Name:      "ledger_retries_total",
		Help:      "Ledger transactions retried after contention or a unique-key race.",
	})

	NotifyFailures = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "presence",
		Name:      "notify_publish_failures_total",
		Help:      "Issuer notifications that could not be published.",
	})

	LivenessSubjects = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "presence",
		Name:      "liveness_tracked_subjects",
		Help:      "Subjects with in-memory liveness state.",
	})
)
