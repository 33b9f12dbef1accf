package reminders

import (
	"context"
	"errors"
	"slices"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/dfda/dfda-node/internal/format"
	"github.com/dfda/dfda-node/internal/models"
	"github.com/dfda/dfda-node/internal/repository"
)

const (
	MsgProfileNotFound = "Profile not found"
	MsgTimelineFailed  = "Could not load notifications"
)

type TimelineResult struct {
	Success bool                         `json:"success"`
	Data    []models.NotificationSummary `json:"data,omitempty"`
	Error   string                       `json:"error,omitempty"`
}

// Timeline builds the display list of a user's notifications for one local day.
type Timeline struct {
	profiles     ProfileStore
	rows         TimelineStore
	measurements MeasurementStore
	logger       *zap.Logger
}

func NewTimeline(profiles ProfileStore, rows TimelineStore, measurements MeasurementStore, logger *zap.Logger) *Timeline {
	return &Timeline{profiles: profiles, rows: rows, measurements: measurements, logger: logger}
}

// GetTimelineNotificationsForDate lists notifications whose trigger falls on
// date's calendar day in the user's timezone, ascending by trigger. Rows
// with a missing schedule, variable, category or unit are left out.
func (t *Timeline) GetTimelineNotificationsForDate(ctx context.Context, userID string, date time.Time) TimelineResult {
	log := t.logger.With(zap.String("user_id", userID))

	loc, err := t.location(ctx, userID)
	if errors.Is(err, repository.ErrNotFound) {
		return TimelineResult{Error: MsgProfileNotFound}
	}
	if err != nil {
		log.Error("Failed to load profile for timeline", zap.Error(err))
		return TimelineResult{Error: MsgTimelineFailed}
	}

	start, end := models.LocalDay(date, loc)
	rows, err := t.rows.ListForRange(ctx, userID, start, end)
	if err != nil {
		log.Error("Failed to load timeline notifications", zap.Error(err))
		return TimelineResult{Error: MsgTimelineFailed}
	}

	summaries := make([]models.NotificationSummary, 0, len(rows))
	var measurementIDs []string
	for _, row := range rows {
		s, missing := resolve(row)
		if missing != "" {
			log.Warn("Excluding notification with incomplete joins",
				zap.String("notification_id", row.ID),
				zap.String("missing", missing),
			)
			continue
		}
		if s.Status == models.StatusCompleted && s.MeasurementID != "" {
			measurementIDs = append(measurementIDs, s.MeasurementID)
		}
		summaries = append(summaries, s)
	}

	if len(measurementIDs) > 0 {
		values, err := t.measurements.ValuesByIDs(ctx, userID, measurementIDs)
		if err != nil {
			log.Error("Failed to resolve logged measurements", zap.Error(err))
			return TimelineResult{Error: MsgTimelineFailed}
		}
		for i := range summaries {
			if v, ok := values[summaries[i].MeasurementID]; ok {
				summaries[i].LoggedValue = &v
			}
		}
	}

	slices.SortStableFunc(summaries, func(a, b models.NotificationSummary) int {
		return a.TriggerAtUTC.Compare(b.TriggerAtUTC)
	})
	return TimelineResult{Success: true, Data: summaries}
}

// location resolves the user's timezone. A profile without one reads in UTC
// so the timeline still renders; the fallback is logged.
func (t *Timeline) location(ctx context.Context, userID string) (*time.Location, error) {
	profile, err := t.profiles.GetByID(ctx, userID)
	if err != nil {
		return nil, err
	}
	loc, err := profile.Location()
	if err != nil {
		t.logger.Warn("Timeline falling back to UTC", zap.String("user_id", userID), zap.Error(err))
		return time.UTC, nil
	}
	return loc, nil
}

// resolve maps a joined row to a summary, or names the first missing level.
func resolve(row *models.TimelineRow) (models.NotificationSummary, string) {
	switch {
	case row.Schedule == nil:
		return models.NotificationSummary{}, "schedule"
	case row.Schedule.Variable == nil:
		return models.NotificationSummary{}, "variable"
	case row.Schedule.Variable.Category == nil:
		return models.NotificationSummary{}, "category"
	case row.Schedule.Variable.Unit == nil:
		return models.NotificationSummary{}, "unit"
	}

	sch := row.Schedule
	v := sch.Variable
	s := models.NotificationSummary{
		NotificationID:       row.ID,
		ScheduleID:           row.ScheduleID,
		TriggerAtUTC:         row.TriggerAtUTC,
		Status:               row.Status,
		CompletedOrSkippedAt: row.CompletedOrSkippedAt,
		Title:                format.Title(sch.TitleTemplate, v.Name),
		Message:              format.Body(sch.MessageTemplate, v.Name),
		VariableID:           v.ID,
		VariableName:         v.Name,
		CategoryName:         v.Category.Name,
		UnitID:               v.Unit.ID,
		UnitAbbreviation:     v.Unit.Abbreviation,
		DefaultValue:         sch.DefaultValue,
	}
	if row.LogDetails != nil {
		if _, err := uuid.Parse(row.LogDetails.MeasurementID); err == nil {
			s.MeasurementID = row.LogDetails.MeasurementID
		}
	}
	return s, ""
}
