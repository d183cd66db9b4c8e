package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	ResponsesCreatedTotal = promauto.NewCounter(prometheus.CounterOpts{Namespace: "toosila", Name: "responses_created_total", Help: "Total driver responses created"})
	AcceptancesTotal      = promauto.NewCounter(prometheus.CounterOpts{Namespace: "toosila", Name: "acceptances_total", Help: "Total responses accepted"})
	DemotionsTotal        = promauto.NewCounter(prometheus.CounterOpts{Namespace: "toosila", Name: "demotions_total", Help: "Total pending responses auto-rejected by an acceptance"})

	NotificationsCreatedTotal    = promauto.NewCounter(prometheus.CounterOpts{Namespace: "toosila", Name: "notifications_created_total", Help: "Total notifications persisted"})
	NotificationsSuppressedTotal = promauto.NewCounter(prometheus.CounterOpts{Namespace: "toosila", Name: "notifications_suppressed_total", Help: "Total notifications suppressed by the dedup window"})
	NotificationsFailedTotal     = promauto.NewCounter(prometheus.CounterOpts{Namespace: "toosila", Name: "notifications_failed_total", Help: "Total notification writes that failed"})

	PushDeliveredTotal = promauto.NewCounter(prometheus.CounterOpts{Namespace: "toosila", Name: "push_delivered_total", Help: "Total live-channel payload deliveries"})
	PushFailedTotal    = promauto.NewCounter(prometheus.CounterOpts{Namespace: "toosila", Name: "push_failed_total", Help: "Total live-channel deliveries that failed"})
	LiveChannels       = promauto.NewGauge(prometheus.GaugeOpts{Namespace: "toosila", Name: "live_channels", Help: "Currently registered live channels"})

	EventsDroppedTotal = promauto.NewCounter(prometheus.CounterOpts{Namespace: "toosila", Name: "events_dropped_total", Help: "Domain events dropped because the dispatcher buffer was full"})

	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: "toosila", Name: "http_requests_total", Help: "Total HTTP requests handled"},
		[]string{"method", "path", "status"},
	)
	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "toosila",
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request latency distribution",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method", "path", "status"},
	)
)
