package metrics

import (
	"sync"
	"time"

	"sparkles/internal/models"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "sparkles"

var (
	once sync.Once

	httpRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "HTTP requests by endpoint.",
		},
		[]string{"endpoint"},
	)

	eventsFired = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "events_fired_total",
			Help:      "Scheduled event executions by feature and result.",
		},
		[]string{"feature", "result"},
	)

	liveTimers = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "live_timers",
			Help:      "Armed per-event timers.",
		},
		[]string{"feature"},
	)

	fireLateness = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "fire_lateness_seconds",
			Help:      "Delay between fire_at and the start of the action.",
			Buckets:   []float64{0.01, 0.1, 0.5, 1, 5, 15, 30, 60, 300, 3600},
		},
		[]string{"feature"},
	)

	notifications = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "notifications_total",
			Help:      "Notification attempts by sink and outcome.",
		},
		[]string{"sink", "outcome"},
	)
)

// Register регистрирует метрики Prometheus. Повторный вызов безопасен.
func Register() {
	once.Do(func() {
		prometheus.MustRegister(httpRequests, eventsFired, liveTimers, fireLateness, notifications)
	})
}

// IncHTTP увеличивает счётчик эндпоинта.
func IncHTTP(endpoint string) {
	httpRequests.WithLabelValues(endpoint).Inc()
}

// IncNotification считает исход уведомления (sent, skipped, failed).
func IncNotification(sink, outcome string) {
	notifications.WithLabelValues(sink, outcome).Inc()
}

// Reconciler передаёт измерения планировщика в Prometheus.
type Reconciler struct{}

func (Reconciler) EventFired(feature string, status models.Status) {
	eventsFired.WithLabelValues(feature, string(status)).Inc()
}

func (Reconciler) FireLateness(feature string, d time.Duration) {
	fireLateness.WithLabelValues(feature).Observe(d.Seconds())
}

func (Reconciler) LiveTimers(feature string, n int) {
	liveTimers.WithLabelValues(feature).Set(float64(n))
}
