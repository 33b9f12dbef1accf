package models

import "time"

type VariableCategory struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

type Unit struct {
	ID           string `json:"id"`
	Name         string `json:"name"`
	Abbreviation string `json:"abbreviation"`
}

type TrackableVariable struct {
	ID            string `json:"id"`
	Name          string `json:"name"`
	CategoryID    string `json:"category_id"`
	DefaultUnitID string `json:"default_unit_id"`
}

type Measurement struct {
	ID         string    `json:"id"`
	UserID     string    `json:"user_id"`
	VariableID string    `json:"variable_id"`
	UnitID     string    `json:"unit_id"`
	Value      float64   `json:"value"`
	StartAt    time.Time `json:"start_at"`
	Note       string    `json:"note,omitempty"`
	CreatedAt  time.Time `json:"created_at"`
}

// NotificationSummary is one display-ready timeline entry.
type NotificationSummary struct {
	NotificationID       string             `json:"notificationId"`
	ScheduleID           string             `json:"scheduleId"`
	TriggerAtUTC         time.Time          `json:"triggerAtUtc"`
	Status               NotificationStatus `json:"status"`
	CompletedOrSkippedAt *time.Time         `json:"completedOrSkippedAt,omitempty"`
	Title                string             `json:"title"`
	Message              string             `json:"message"`
	VariableID           string             `json:"variableId"`
	VariableName         string             `json:"variableName"`
	CategoryName         string             `json:"categoryName"`
	UnitID               string             `json:"unitId"`
	UnitAbbreviation     string             `json:"unitAbbreviation"`
	DefaultValue         *float64           `json:"defaultValue,omitempty"`
	MeasurementID        string             `json:"measurementId,omitempty"`
	LoggedValue          *float64           `json:"loggedValue,omitempty"`
}
