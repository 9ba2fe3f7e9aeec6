package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	upstreamRetries = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "upstream",
			Name:      "retries_total",
			Help:      "Rate-limited upstream calls that were retried.",
		},
		[]string{"endpoint"},
	)

	upstreamBackoff = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "upstream",
			Name:      "backoff_seconds",
			Help:      "Wait before each upstream retry.",
			Buckets:   []float64{1, 2, 3, 5, 8, 13, 21, 30},
		},
		[]string{"endpoint"},
	)

	pdfStages = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "pdf",
			Name:      "stage_attempts_total",
			Help:      "PDF generation attempts per fallback stage and outcome.",
		},
		[]string{"stage", "outcome"},
	)

	draftWrites = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "drafts",
			Name:      "persist_total",
			Help:      "Draft persistence attempts by outcome.",
		},
		[]string{"outcome"},
	)
)

// ObserveRetry 对应 retry.Policy.OnRetry。
func ObserveRetry(endpoint string, _ int, wait time.Duration, _ error) {
	upstreamRetries.WithLabelValues(endpoint).Inc()
	upstreamBackoff.WithLabelValues(endpoint).Observe(wait.Seconds())
}

// ObservePDFStage 记录一次降级链阶段。
func ObservePDFStage(stage string, err error) {
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	pdfStages.WithLabelValues(stage, outcome).Inc()
}

// ObserveDraftPersist 按结果记录草稿写入。
func ObserveDraftPersist(err error) {
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	draftWrites.WithLabelValues(outcome).Inc()
}
