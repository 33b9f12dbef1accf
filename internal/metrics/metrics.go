package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const (
	TaskSingle = "processSingleSchedule"
	TaskBulk   = "generateAllReminders"
)

var (
	NotificationsGenerated = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "reminder_notifications_generated_total",
			Help: "Notifications inserted by the materializer",
		},
		[]string{"task"},
	)

	NotificationsDuplicate = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "reminder_notifications_duplicate_total",
			Help: "Notification inserts skipped because the occurrence already existed",
		},
		[]string{"task"},
	)

	SchedulesSkipped = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "reminder_schedules_skipped_total",
			Help: "Schedules skipped during materialization",
		},
		[]string{"reason"}, // missing_timezone, missing_field, invalid_rule
	)

	TaskDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "reminder_task_duration_seconds",
			Help:    "Materializer task duration in seconds",
			Buckets: prometheus.ExponentialBuckets(0.005, 2, 12),
		},
		[]string{"task"},
	)

	NotificationTransitions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "reminder_notification_transitions_total",
			Help: "Notification status transitions by outcome",
		},
		[]string{"action", "result"}, // result: ok, already_processed, error
	)

	SlowQueries = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "db_slow_queries_total",
			Help: "Queries slower than the configured threshold",
		},
	)
)

func RecordGenerated(task string, n int) {
	NotificationsGenerated.WithLabelValues(task).Add(float64(n))
}

func RecordDuplicates(task string, n int) {
	NotificationsDuplicate.WithLabelValues(task).Add(float64(n))
}

func IncrementSkipped(reason string) {
	SchedulesSkipped.WithLabelValues(reason).Inc()
}

func RecordTaskDuration(task string, d time.Duration) {
	TaskDuration.WithLabelValues(task).Observe(d.Seconds())
}

func IncrementTransition(action, result string) {
	NotificationTransitions.WithLabelValues(action, result).Inc()
}

func IncrementSlowQuery() {
	SlowQueries.Inc()
}
