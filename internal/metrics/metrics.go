package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// HTTP metrics
	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "duet_http_requests_total",
			Help: "Total HTTP requests",
		},
		[]string{"method", "path", "status"},
	)

	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "duet_http_request_duration_seconds",
			Help:    "HTTP request duration",
			Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1},
		},
		[]string{"method", "path"},
	)

	// Session metrics
	ActiveSessions = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "duet_active_sessions",
			Help: "Real-time sessions currently open",
		},
	)

	SessionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "duet_sessions_total",
			Help: "Real-time connection attempts",
		},
		[]string{"result"}, // "accepted" or "rejected"
	)

	EventsReceived = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "duet_events_received_total",
			Help: "Inbound events by name",
		},
		[]string{"event"},
	)

	EventsDelivered = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "duet_events_delivered_total",
			Help: "Outbound events queued to a session",
		},
		[]string{"event"},
	)

	EventsDropped = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "duet_events_dropped_total",
			Help: "Outbound events not delivered",
		},
		[]string{"reason"},
	)

	// Business metrics
	MessagesSent = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "duet_messages_sent_total",
			Help: "Total messages stored",
		},
		[]string{"type"},
	)

	StatusTransitions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "duet_status_transitions_total",
			Help: "Messages advanced to a delivery status",
		},
		[]string{"status"},
	)

	RoomsCreated = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "duet_rooms_created_total",
			Help: "Rooms created on first contact",
		},
	)

	Notifications = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "duet_notifications_total",
			Help: "Notification hand-offs for offline recipients",
		},
		[]string{"result"}, // "queued", "skipped", "failed" or "dropped"
	)

	// Rate limit metrics
	RateLimitHits = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "duet_rate_limit_hits_total",
			Help: "Total rate limit hits",
		},
		[]string{"endpoint"},
	)

	BlockedRequests = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "duet_blocked_requests_total",
			Help: "Total blocked requests",
		},
		[]string{"reason"},
	)

	// Infrastructure metrics
	RedisLatency = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "duet_redis_latency_seconds",
			Help:    "Redis operation latency",
			Buckets: []float64{.0001, .0005, .001, .005, .01, .05},
		},
	)
)
