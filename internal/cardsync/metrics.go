package cardsync

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	metricSyncDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "cardsync_sync_duration_seconds",
			Help:    "Duration of sync passes.",
			Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 10, 30, 60},
		},
		[]string{"directory", "result"},
	)
	metricChanges = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cardsync_changes_total",
			Help: "Cards created, updated or deleted locally by sync passes.",
		},
		[]string{"directory", "kind"},
	)
	metricFetchErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cardsync_fetch_errors_total",
			Help: "Resources that could not be fetched or parsed.",
		},
		[]string{"directory", "reason"},
	)
	metricPushes = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cardsync_local_pushes_total",
			Help: "Local changes written to the remote collection.",
		},
		[]string{"directory", "kind", "result"},
	)
)

func observeResult(r *SyncResult) {
	metricSyncDuration.WithLabelValues(r.Directory, "ok").Observe(r.Duration.Seconds())
	metricChanges.WithLabelValues(r.Directory, "created").Add(float64(len(r.Created)))
	metricChanges.WithLabelValues(r.Directory, "updated").Add(float64(len(r.Updated)))
	metricChanges.WithLabelValues(r.Directory, "deleted").Add(float64(len(r.Deleted)))
	metricFetchErrors.WithLabelValues(r.Directory, "transport").Add(float64(len(r.Failed)))
	metricFetchErrors.WithLabelValues(r.Directory, "malformed").Add(float64(len(r.Malformed)))
}
