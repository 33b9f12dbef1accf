package repository

import (
	"context"
	"fmt"
	"time"

	"github.com/dfda/dfda-node/internal/database"
	"github.com/dfda/dfda-node/internal/models"
)

type TimelineRepository struct {
	db *database.DB
}

func NewTimelineRepository(db *database.DB) *TimelineRepository {
	return &TimelineRepository{db: db}
}

// ListForRange returns the user's notifications with trigger in [start, end),
// ascending. Joins are LEFT so broken references surface as nil levels.
func (r *TimelineRepository) ListForRange(ctx context.Context, userID string, start, end time.Time) ([]*models.TimelineRow, error) {
	rows, err := r.db.Pool.Query(ctx,
		`SELECT n.id, n.schedule_id, n.trigger_at_utc, n.status, n.completed_or_skipped_at, n.log_details,
		        s.id, s.default_value, s.title_template, s.message_template,
		        v.id, v.name,
		        c.id, c.name,
		        u.id, u.name, u.abbreviation
		 FROM reminder_notifications n
		 LEFT JOIN reminder_schedules s ON s.id = n.schedule_id
		 LEFT JOIN trackable_variables v ON v.id = s.trackable_variable_id
		 LEFT JOIN variable_categories c ON c.id = v.category_id
		 LEFT JOIN user_variable_settings uvs ON uvs.user_id = n.user_id AND uvs.variable_id = v.id
		 LEFT JOIN units u ON u.id = COALESCE(uvs.preferred_unit_id, v.default_unit_id)
		 WHERE n.user_id = $1 AND n.trigger_at_utc >= $2 AND n.trigger_at_utc < $3
		 ORDER BY n.trigger_at_utc ASC, n.id ASC`,
		userID, start.UTC(), end.UTC(),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to query timeline: %w", err)
	}
	defer rows.Close()

	var out []*models.TimelineRow
	for rows.Next() {
		var (
			row     models.TimelineRow
			details []byte

			scheduleID, titleTpl, messageTpl *string
			defaultValue                     *float64
			variableID, variableName         *string
			categoryID, categoryName         *string
			unitID, unitName, unitAbbr       *string
		)
		if err := rows.Scan(&row.ID, &row.ScheduleID, &row.TriggerAtUTC, &row.Status, &row.CompletedOrSkippedAt, &details,
			&scheduleID, &defaultValue, &titleTpl, &messageTpl,
			&variableID, &variableName,
			&categoryID, &categoryName,
			&unitID, &unitName, &unitAbbr,
		); err != nil {
			return nil, err
		}
		row.TriggerAtUTC = row.TriggerAtUTC.UTC()
		if row.LogDetails, err = decodeLogDetails(details); err != nil {
			return nil, err
		}

		if scheduleID != nil {
			row.Schedule = &models.TimelineSchedule{
				ID:              *scheduleID,
				DefaultValue:    defaultValue,
				TitleTemplate:   titleTpl,
				MessageTemplate: messageTpl,
			}
			if variableID != nil && variableName != nil {
				v := &models.TimelineVariable{ID: *variableID, Name: *variableName}
				if categoryID != nil && categoryName != nil {
					v.Category = &models.VariableCategory{ID: *categoryID, Name: *categoryName}
				}
				if unitID != nil && unitAbbr != nil {
					v.Unit = &models.Unit{ID: *unitID, Abbreviation: *unitAbbr}
					if unitName != nil {
						v.Unit.Name = *unitName
					}
				}
				row.Schedule.Variable = v
			}
		}
		out = append(out, &row)
	}
	return out, rows.Err()
}
