// Package metrics exposes Prometheus instrumentation for sync passes, fetches and alerts.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Sync pass metrics
	SyncRuns = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tourwatch_sync_runs_total",
			Help: "Total number of sync passes by trigger and outcome",
		},
		[]string{"trigger", "outcome"}, // outcome: "completed", "cancelled", "error"
	)

	SyncDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "tourwatch_sync_duration_seconds",
			Help:    "Duration of sync passes in seconds",
			Buckets: []float64{1, 10, 30, 60, 300, 900, 1800, 3600, 7200},
		},
	)

	SyncTourResults = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tourwatch_sync_tour_results_total",
			Help: "Per-tour results of sync passes",
		},
		[]string{"result"}, // "succeeded", "failed", "skipped"
	)

	SyncLastSuccess = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "tourwatch_sync_last_success_timestamp_seconds",
			Help: "Unix timestamp of the last sync pass that completed without error",
		},
	)

	// Fetch metrics
	FetchAttempts = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tourwatch_fetch_attempts_total",
			Help: "Total number of fetch attempts by result",
		},
		[]string{"result"}, // "ok", "transient", "permanent"
	)

	FetchDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "tourwatch_fetch_duration_seconds",
			Help:    "Duration of single fetch attempts in seconds",
			Buckets: prometheus.DefBuckets,
		},
	)

	RateLimitWait = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "tourwatch_rate_limit_wait_seconds",
			Help:    "Time spent waiting for the outbound rate limiter",
			Buckets: []float64{0.01, 0.1, 1, 5, 15, 30, 60, 120, 300},
		},
	)

	CircuitBreakerState = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "tourwatch_fetch_circuit_state",
			Help: "Fetch circuit breaker state (0=closed, 1=half-open, 2=open)",
		},
	)

	// Price and alert metrics
	PriceChanges = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "tourwatch_price_changes_total",
			Help: "Total number of detected price changes",
		},
	)

	PriceRecords = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "tourwatch_price_records_total",
			Help: "Total number of appended price records",
		},
	)

	AlertsTriggered = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tourwatch_alerts_triggered_total",
			Help: "Total number of fired alerts by type",
		},
		[]string{"alert_type"},
	)

	NotificationsCreated = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "tourwatch_notifications_created_total",
			Help: "Total number of notifications persisted",
		},
	)

	NotificationsDeduplicated = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "tourwatch_notifications_deduplicated_total",
			Help: "Total number of notification replays suppressed by the dedup key",
		},
	)

	EmailsSent = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tourwatch_alert_emails_total",
			Help: "Total number of alert e-mails by result",
		},
		[]string{"result"}, // "sent", "failed"
	)

	// Scheduler metrics
	SchedulerRunning = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "tourwatch_scheduler_running",
			Help: "1 while a sync pass is in flight",
		},
	)

	SchedulerSkippedTicks = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tourwatch_scheduler_skipped_total",
			Help: "Sync requests rejected because a pass was already running",
		},
		[]string{"trigger"},
	)

	// API metrics
	APIRequests = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tourwatch_api_requests_total",
			Help: "Total number of API requests",
		},
		[]string{"method", "route", "status"},
	)
)

// RecordSyncRun records the outcome of one sync pass.
func RecordSyncRun(trigger string, duration time.Duration, succeeded, failed, skipped int, cancelled bool, err error) {
	outcome := "completed"
	switch {
	case err != nil:
		outcome = "error"
	case cancelled:
		outcome = "cancelled"
	}
	SyncRuns.WithLabelValues(trigger, outcome).Inc()
	SyncDuration.Observe(duration.Seconds())
	SyncTourResults.WithLabelValues("succeeded").Add(float64(succeeded))
	SyncTourResults.WithLabelValues("failed").Add(float64(failed))
	SyncTourResults.WithLabelValues("skipped").Add(float64(skipped))
	if outcome == "completed" {
		SyncLastSuccess.SetToCurrentTime()
	}
}

// RecordFetchAttempt records a single HTTP attempt against the source site.
func RecordFetchAttempt(result string, duration time.Duration) {
	FetchAttempts.WithLabelValues(result).Inc()
	FetchDuration.Observe(duration.Seconds())
}

// RecordRateLimitWait records time spent blocked on the outbound limiter.
func RecordRateLimitWait(d time.Duration) {
	RateLimitWait.Observe(d.Seconds())
}

// RecordAlertTriggered records a fired alert.
func RecordAlertTriggered(alertType string) {
	AlertsTriggered.WithLabelValues(alertType).Inc()
}

// RecordNotification records a dispatch, distinguishing new rows from replays.
func RecordNotification(created bool) {
	if created {
		NotificationsCreated.Inc()
		return
	}
	NotificationsDeduplicated.Inc()
}

// RecordEmail records the result of an alert e-mail.
func RecordEmail(err error) {
	if err != nil {
		EmailsSent.WithLabelValues("failed").Inc()
		return
	}
	EmailsSent.WithLabelValues("sent").Inc()
}

// SetSchedulerRunning sets the in-flight gauge.
func SetSchedulerRunning(running bool) {
	if running {
		SchedulerRunning.Set(1)
		return
	}
	SchedulerRunning.Set(0)
}
