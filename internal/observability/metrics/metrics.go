package metrics

import "github.com/prometheus/client_golang/prometheus"

var (
	HTTPRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total number of HTTP requests.",
		},
		[]string{"service", "method", "path", "status"},
	)

	HTTPRequestDurationSeconds = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "Duration of HTTP requests.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"service", "method", "path"},
	)

	RegistrationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "questboard_registrations_total",
			Help: "Total number of identity registration attempts.",
		},
		[]string{"result"},
	)

	NotificationsStoredTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "questboard_notifications_stored_total",
			Help: "Total number of stored notification envelopes.",
		},
		[]string{"message_type"},
	)

	NotificationsDeletedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "questboard_notifications_deleted_total",
			Help: "Total number of mailbox deletions, including no-ops.",
		},
	)

	ChannelConnectionsActive = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "questboard_channel_connections_active",
			Help: "Live realtime channel connections.",
		},
	)
)

func MustRegister(serviceName string) {
	HTTPRequestsTotal = HTTPRequestsTotal.MustCurryWith(prometheus.Labels{"service": serviceName})
	HTTPRequestDurationSeconds = HTTPRequestDurationSeconds.MustCurryWith(prometheus.Labels{"service": serviceName}).(*prometheus.HistogramVec)

	prometheus.MustRegister(
		HTTPRequestsTotal,
		HTTPRequestDurationSeconds,
		RegistrationsTotal,
		NotificationsStoredTotal,
		NotificationsDeletedTotal,
		ChannelConnectionsActive,
	)
}
