package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// API metrics
	APIRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bastion_api_requests_total",
			Help: "Total number of API requests by code and status",
		},
		[]string{"code", "status"},
	)

	APIRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "bastion_api_request_duration_seconds",
			Help:    "API request duration in seconds by code",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"code"},
	)

	// Task worker metrics
	TasksCompleted = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bastion_tasks_completed_total",
			Help: "Total number of timed tasks completed by class",
		},
		[]string{"class"},
	)

	TaskRetries = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bastion_task_retries_total",
			Help: "Total number of task completion retries by class",
		},
		[]string{"class"},
	)

	TasksDeadLettered = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bastion_tasks_dead_lettered_total",
			Help: "Total number of tasks moved to the dead-letter set by class",
		},
		[]string{"class"},
	)

	TasksPending = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "bastion_tasks_pending",
			Help: "Number of enqueued timed tasks by class",
		},
		[]string{"class"},
	)

	// Sync worker metrics
	SyncCyclesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bastion_sync_cycles_total",
			Help: "Total number of write-behind flush cycles by class",
		},
		[]string{"class"},
	)

	SyncUsersFlushed = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bastion_sync_users_flushed_total",
			Help: "Total number of dirty users flushed to persistence by class",
		},
		[]string{"class"},
	)

	SyncFailures = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bastion_sync_failures_total",
			Help: "Total number of per-user flush failures by class",
		},
		[]string{"class"},
	)

	SyncLagSeconds = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "bastion_sync_lag_seconds",
			Help: "Seconds since the last successful flush cycle by class",
		},
		[]string{"class"},
	)

	// Push channel metrics
	PushSessions = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "bastion_push_sessions",
			Help: "Number of connected WebSocket sessions",
		},
	)

	PushMessagesSent = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "bastion_push_messages_sent_total",
			Help: "Total number of push messages delivered",
		},
	)

	PushMessagesDropped = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "bastion_push_messages_dropped_total",
			Help: "Total number of push messages dropped (no session or send failure)",
		},
	)
)

func init() {
	prometheus.MustRegister(APIRequestsTotal)
	prometheus.MustRegister(APIRequestDuration)
	prometheus.MustRegister(TasksCompleted)
	prometheus.MustRegister(TaskRetries)
	prometheus.MustRegister(TasksDeadLettered)
	prometheus.MustRegister(TasksPending)
	prometheus.MustRegister(SyncCyclesTotal)
	prometheus.MustRegister(SyncUsersFlushed)
	prometheus.MustRegister(SyncFailures)
	prometheus.MustRegister(SyncLagSeconds)
	prometheus.MustRegister(PushSessions)
	prometheus.MustRegister(PushMessagesSent)
	prometheus.MustRegister(PushMessagesDropped)
}

// Handler returns the Prometheus HTTP handler
func Handler() http.Handler {
	return promhttp.Handler()
}

// Timer measures a duration and feeds it to a histogram
type Timer struct {
	start time.Time
}

// NewTimer starts a timer
func NewTimer() *Timer {
	return &Timer{start: time.Now()}
}

// ObserveDuration records the elapsed time on the given observer
func (t *Timer) ObserveDuration(obs prometheus.Observer) {
	obs.Observe(time.Since(t.start).Seconds())
}
