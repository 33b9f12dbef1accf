// Package reminders turns reminder schedules into notifications and serves
// the notification actions and the daily timeline.
package reminders

import (
	"context"
	"time"

	"github.com/dfda/dfda-node/internal/models"
)

type ScheduleStore interface {
	GetByID(ctx context.Context, id string) (*models.ReminderSchedule, error)
	ListActive(ctx context.Context, from, to time.Time) ([]*models.ActiveSchedule, error)
}

type ProfileStore interface {
	GetByID(ctx context.Context, id string) (*models.Profile, error)
}

// NotificationStore must enforce uniqueness of (schedule, trigger instant)
// and apply transitions as single conditional updates.
type NotificationStore interface {
	Insert(ctx context.Context, n models.NewNotification) (string, error)
	InsertBatch(ctx context.Context, batch []models.NewNotification) (int, error)
	Transition(ctx context.Context, id, userID string, status models.NotificationStatus, details *models.LogDetails) error
	Undo(ctx context.Context, id, userID string) error
	LogAndComplete(ctx context.Context, id, userID string, value float64, note string) (string, error)
}

type TimelineStore interface {
	ListForRange(ctx context.Context, userID string, start, end time.Time) ([]*models.TimelineRow, error)
}

type MeasurementStore interface {
	ValuesByIDs(ctx context.Context, userID string, ids []string) (map[string]float64, error)
}
