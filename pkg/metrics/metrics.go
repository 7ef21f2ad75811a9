package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Cycle metrics
	SyncCyclesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "trophy_sync_cycles_total",
		Help: "The total number of sync cycles by outcome",
	}, []string{"outcome"})
	SyncCycleDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "trophy_sync_cycle_duration_seconds",
		Help:    "Wall time of a full sync cycle",
		Buckets: []float64{1, 5, 15, 30, 60, 120, 300, 600},
	})
	SyncLastSuccess = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "trophy_sync_last_success_timestamp_seconds",
		Help: "Unix time of the last completed sync cycle",
	})

	// Per-unit outcomes
	UnlocksDiscoveredTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "trophy_sync_unlocks_discovered_total",
		Help: "Unlocks inserted into the ledger",
	}, []string{"platform"})
	LedgerConflictsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "trophy_sync_ledger_conflicts_total",
		Help: "Inserts that lost to an existing ledger row",
	}, []string{"platform"})
	UnitFailuresTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "trophy_sync_unit_failures_total",
		Help: "Failures scoped to one account or title, by stage",
	}, []string{"platform", "stage"})

	// Upstream API metrics
	UpstreamRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "trophy_sync_upstream_requests_total",
		Help: "Requests issued to platform APIs by outcome",
	}, []string{"platform", "operation", "outcome"})
	UpstreamLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "trophy_sync_upstream_latency_seconds",
		Help:    "Latency of platform API requests",
		Buckets: prometheus.DefBuckets,
	}, []string{"platform", "operation"})
	TokenRefreshTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "trophy_sync_token_refresh_total",
		Help: "Auth session acquisitions by kind and outcome",
	}, []string{"platform", "kind", "outcome"})

	// Handoff metrics
	DigestsPublishedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "trophy_sync_digests_published_total",
		Help: "Owner digests handed to the presentation layer",
	})
	DigestPublishErrorsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "trophy_sync_digest_publish_errors_total",
		Help: "Owner digests that could not be published",
	})
	SyncRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "trophy_sync_requests_total",
		Help: "Manual sync requests by source and outcome",
	}, []string{"source", "outcome"})
)

// Outcome labels shared across metrics
const (
	OutcomeOK       = "ok"
	OutcomeError    = "error"
	OutcomeSkipped  = "skipped"
	OutcomeCanceled = "canceled"
)
