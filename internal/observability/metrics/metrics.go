package metrics

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const (
	metricPrefix = "spikealerts_"

	resultSuccess = "success"
	resultError   = "error"
)

var (
	registerOnce sync.Once

	pollCycles  *prometheus.CounterVec
	cycleLength *prometheus.HistogramVec

	classifiedSensors *prometheus.GaugeVec

	feedRequests *prometheus.CounterVec
	feedLatency  *prometheus.HistogramVec

	alertsOpened   prometheus.Counter
	alertsArchived prometheus.Counter
	sensorsFlagged prometheus.Counter

	messagesSent   *prometheus.CounterVec
	reportsCreated prometheus.Counter

	reconcileRuns    *prometheus.CounterVec
	reconcileLatency prometheus.Histogram

	storeErrors *prometheus.CounterVec
)

// Init registers all collectors. Safe to call more than once.
func Init() {
	registerOnce.Do(func() {
		pollCycles = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: metricPrefix + "poll_cycles_total",
				Help: "Total poll cycles by result",
			},
			[]string{"result"},
		)
		cycleLength = prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    metricPrefix + "poll_cycle_seconds",
				Help:    "Poll cycle duration in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"result"},
		)

		classifiedSensors = prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: metricPrefix + "classified_sensors",
				Help: "Sensors in each classification group for the last cycle",
			},
			[]string{"group"},
		)

		feedRequests = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: metricPrefix + "feed_requests_total",
				Help: "Total sensor feed requests by result",
			},
			[]string{"result"},
		)
		feedLatency = prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    metricPrefix + "feed_latency_seconds",
				Help:    "Sensor feed request latency in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"result"},
		)

		alertsOpened = prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: metricPrefix + "alerts_opened_total",
				Help: "Total active alerts created",
			},
		)
		alertsArchived = prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: metricPrefix + "alerts_archived_total",
				Help: "Total alerts moved to the archive",
			},
		)
		sensorsFlagged = prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: metricPrefix + "sensors_flagged_total",
				Help: "Total sensors flagged for invalid readings",
			},
		)

		messagesSent = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: metricPrefix + "messages_sent_total",
				Help: "Total SMS messages by kind and result",
			},
			[]string{"kind", "result"},
		)
		reportsCreated = prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: metricPrefix + "reports_created_total",
				Help: "Total end-of-alert reports created",
			},
		)

		reconcileRuns = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: metricPrefix + "roster_reconcile_total",
				Help: "Total daily roster reconciliations by result",
			},
			[]string{"result"},
		)
		reconcileLatency = prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Name:    metricPrefix + "roster_reconcile_seconds",
				Help:    "Daily roster reconciliation duration in seconds",
				Buckets: prometheus.DefBuckets,
			},
		)

		storeErrors = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: metricPrefix + "store_errors_total",
				Help: "Total store operation failures by operation",
			},
			[]string{"operation"},
		)

		prometheus.MustRegister(
			pollCycles,
			cycleLength,
			classifiedSensors,
			feedRequests,
			feedLatency,
			alertsOpened,
			alertsArchived,
			sensorsFlagged,
			messagesSent,
			reportsCreated,
			reconcileRuns,
			reconcileLatency,
			storeErrors,
		)
	})
}

// ObservePollCycle records one run-loop cycle.
func ObservePollCycle(result string, duration time.Duration) {
	if result == "" {
		result = resultSuccess
	}
	if pollCycles != nil {
		pollCycles.WithLabelValues(result).Inc()
	}
	if cycleLength != nil {
		cycleLength.WithLabelValues(result).Observe(duration.Seconds())
	}
}

// SetClassifiedSensors publishes the size of one classification group.
func SetClassifiedSensors(group string, count int) {
	if classifiedSensors != nil {
		classifiedSensors.WithLabelValues(group).Set(float64(count))
	}
}

// ObserveFeedRequest records a sensor feed call.
func ObserveFeedRequest(result string, duration time.Duration) {
	if result == "" {
		result = resultSuccess
	}
	if feedRequests != nil {
		feedRequests.WithLabelValues(result).Inc()
	}
	if feedLatency != nil {
		feedLatency.WithLabelValues(result).Observe(duration.Seconds())
	}
}

// IncAlertsOpened counts a new active alert.
func IncAlertsOpened() {
	if alertsOpened != nil {
		alertsOpened.Inc()
	}
}

// AddAlertsArchived counts archived alerts.
func AddAlertsArchived(count int) {
	if count > 0 && alertsArchived != nil {
		alertsArchived.Add(float64(count))
	}
}

// AddSensorsFlagged counts flagged sensors.
func AddSensorsFlagged(count int) {
	if count > 0 && sensorsFlagged != nil {
		sensorsFlagged.Add(float64(count))
	}
}

// IncMessageSent counts one outbound SMS.
func IncMessageSent(kind, result string) {
	if kind == "" {
		kind = "unknown"
	}
	if result == "" {
		result = resultSuccess
	}
	if messagesSent != nil {
		messagesSent.WithLabelValues(kind, result).Inc()
	}
}

// IncReportCreated counts one end-of-alert report.
func IncReportCreated() {
	if reportsCreated != nil {
		reportsCreated.Inc()
	}
}

// ObserveReconcile records a daily roster reconciliation.
func ObserveReconcile(result string, duration time.Duration) {
	if result == "" {
		result = resultSuccess
	}
	if reconcileRuns != nil {
		reconcileRuns.WithLabelValues(result).Inc()
	}
	if reconcileLatency != nil {
		reconcileLatency.Observe(duration.Seconds())
	}
}

// IncStoreError counts a per-row store failure.
func IncStoreError(operation string) {
	if operation == "" {
		operation = "unknown"
	}
	if storeErrors != nil {
		storeErrors.WithLabelValues(operation).Inc()
	}
}

// Exported result constants.
const (
	ResultSuccess = resultSuccess
	ResultError   = resultError
)
