package models

import "time"

// TimelineRow is a notification with its joins left open: each nested level
// is nil when the joined row is missing. Rows are resolved or dropped as a
// whole before reaching a NotificationSummary.
type TimelineRow struct {
	ID                   string
	ScheduleID           string
	TriggerAtUTC         time.Time
	Status               NotificationStatus
	CompletedOrSkippedAt *time.Time
	LogDetails           *LogDetails
	Schedule             *TimelineSchedule
}

type TimelineSchedule struct {
	ID              string
	DefaultValue    *float64
	TitleTemplate   *string
	MessageTemplate *string
	Variable        *TimelineVariable
}

type TimelineVariable struct {
	ID       string
	Name     string
	Category *VariableCategory
	Unit     *Unit
}
