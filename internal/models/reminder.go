package models

import "time"

type NotificationStatus string

const (
	StatusPending   NotificationStatus = "pending"
	StatusCompleted NotificationStatus = "completed"
	StatusSkipped   NotificationStatus = "skipped"
)

func (s NotificationStatus) Valid() bool {
	switch s {
	case StatusPending, StatusCompleted, StatusSkipped:
		return true
	}
	return false
}

// ReminderSchedule is a recurring reminder for one trackable variable.
// It carries no timezone: occurrences are resolved with the owner's profile timezone.
type ReminderSchedule struct {
	ID                  string     `json:"id"`
	UserID              string     `json:"user_id"`
	TrackableVariableID string     `json:"trackable_variable_id"`
	RRule               string     `json:"rrule"`       // RFC 5545 RRULE, timezone-naive
	TimeOfDay           string     `json:"time_of_day"` // HH:MM local
	StartDate           *time.Time `json:"start_date"`  // local calendar date
	EndDate             *time.Time `json:"end_date"`    // inclusive, nil = unbounded
	IsActive            bool       `json:"is_active"`
	DefaultValue        *float64   `json:"default_value"`
	TitleTemplate       *string    `json:"title_template"`
	MessageTemplate     *string    `json:"message_template"`
	CreatedAt           time.Time  `json:"created_at"`
	UpdatedAt           time.Time  `json:"updated_at"`
}

// ActiveSchedule is a schedule joined with its owner's timezone for the bulk run.
type ActiveSchedule struct {
	ReminderSchedule
	Timezone *string
}

// LogDetails is attached to a notification when it leaves pending.
// MeasurementID is a weak reference: the measurement may no longer exist.
type LogDetails struct {
	MeasurementID string   `json:"measurementId,omitempty"`
	Value         *float64 `json:"value,omitempty"`
	Note          string   `json:"note,omitempty"`
}

type ReminderNotification struct {
	ID                   string             `json:"id"`
	ScheduleID           string             `json:"schedule_id"`
	UserID               string             `json:"user_id"`
	TriggerAtUTC         time.Time          `json:"trigger_at_utc"`
	Status               NotificationStatus `json:"status"`
	CompletedOrSkippedAt *time.Time         `json:"completed_or_skipped_at"`
	LogDetails           *LogDetails        `json:"log_details"`
	NotifiedAt           *time.Time         `json:"notified_at"`
	CreatedAt            time.Time          `json:"created_at"`
}

// NewNotification is an insert candidate produced by the materializer.
type NewNotification struct {
	ScheduleID   string
	UserID       string
	TriggerAtUTC time.Time
}

// DueNotification is a pending notification ready for delivery, with what a
// chat message needs to render it.
type DueNotification struct {
	ReminderNotification
	VariableName    string
	DefaultValue    *float64
	TitleTemplate   *string
	MessageTemplate *string
	TelegramChatID  int64
}
