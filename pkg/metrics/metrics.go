package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Protocol metrics
	RequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "protocol_requests_total",
			Help: "Total number of protocol requests handled",
		},
		[]string{"command", "status"},
	)

	RequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "protocol_request_duration_seconds",
			Help:    "Protocol request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"command"},
	)

	ConnectionsGauge = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "connections_total",
			Help: "Current number of open client connections",
		},
		[]string{"transport"},
	)

	PushesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pushes_total",
			Help: "Total number of server-initiated pushes",
		},
		[]string{"type", "status"},
	)

	// Business metrics
	ActiveRequestsGauge = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "active_ride_requests_total",
			Help: "Current number of non-terminal ride requests",
		},
	)

	ActiveTripsGauge = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "active_trips_total",
			Help: "Current number of trips in progress",
		},
	)

	DriversOnlineGauge = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "drivers_online_total",
			Help: "Current number of non-offline drivers",
		},
	)

	MatchesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "matches_total",
			Help: "Total number of match outcomes",
		},
		[]string{"outcome"},
	)

	RabbitMQMessagesPublished = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "rabbitmq_messages_published_total",
			Help: "Total number of messages published to RabbitMQ",
		},
		[]string{"key", "status"},
	)
)

// RecordRequest records one handled protocol request.
func RecordRequest(command, status string, seconds float64) {
	RequestsTotal.WithLabelValues(command, status).Inc()
	RequestDuration.WithLabelValues(command).Observe(seconds)
}

// RecordPush records one push delivery attempt.
func RecordPush(pushType string, err error) {
	status := "success"
	if err != nil {
		status = "error"
	}
	PushesTotal.WithLabelValues(pushType, status).Inc()
}

// RecordPublish records one RabbitMQ publish attempt.
func RecordPublish(key string, err error) {
	status := "success"
	if err != nil {
		status = "error"
	}
	RabbitMQMessagesPublished.WithLabelValues(key, status).Inc()
}
