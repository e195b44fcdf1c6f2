package syncer

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	passTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "tagsync_sync_passes_total",
		Help: "Sync passes by result",
	}, []string{"result"})

	passDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "tagsync_sync_pass_duration_seconds",
		Help:    "Sync pass duration in seconds",
		Buckets: prometheus.ExponentialBuckets(0.001, 2, 14), // 1ms to ~8s
	})

	opsConsumed = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "tagsync_sync_operations_total",
		Help: "Log records consumed by the syncer, by outcome",
	}, []string{"outcome"}) // accepted, duplicate

	storeMutations = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "tagsync_sync_store_mutations_total",
		Help: "Local tag store mutations issued by the syncer",
	}, []string{"action"})

	malformedRecords = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "tagsync_sync_malformed_records_total",
		Help: "Observations of a malformed record blocking a device log",
	}, []string{"device"})

	sequenceGaps = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "tagsync_sync_sequence_gaps_total",
		Help: "Passes that stopped at a missing sequence number",
	}, []string{"device"})

	watermarkGauge = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "tagsync_watermark",
		Help: "Highest sequence number folded into the local store, per device",
	}, []string{"device"})
)
