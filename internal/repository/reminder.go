package repository

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/dfda/dfda-node/internal/database"
	"github.com/dfda/dfda-node/internal/models"
)

type ScheduleRepository struct {
	db *database.DB
}

func NewScheduleRepository(db *database.DB) *ScheduleRepository {
	return &ScheduleRepository{db: db}
}

const scheduleColumns = `s.id, s.user_id, s.trackable_variable_id, s.rrule, s.time_of_day::text,
	s.start_date, s.end_date, s.is_active, s.default_value, s.title_template, s.message_template,
	s.created_at, s.updated_at`

func scanSchedule(row pgx.Row, s *models.ReminderSchedule, extra ...any) error {
	var rule, tod *string
	dest := []any{
		&s.ID, &s.UserID, &s.TrackableVariableID, &rule, &tod,
		&s.StartDate, &s.EndDate, &s.IsActive, &s.DefaultValue, &s.TitleTemplate, &s.MessageTemplate,
		&s.CreatedAt, &s.UpdatedAt,
	}
	if err := row.Scan(append(dest, extra...)...); err != nil {
		return err
	}
	if rule != nil {
		s.RRule = *rule
	}
	if tod != nil {
		s.TimeOfDay = *tod
	}
	return nil
}

func (r *ScheduleRepository) Create(ctx context.Context, s *models.ReminderSchedule) error {
	return r.db.Pool.QueryRow(ctx,
		`INSERT INTO reminder_schedules (user_id, trackable_variable_id, rrule, time_of_day, start_date, end_date,
		                                 is_active, default_value, title_template, message_template)
		 VALUES ($1, $2, $3, $4::text::time, $5, $6, $7, $8, $9, $10)
		 RETURNING id, created_at, updated_at`,
		s.UserID, s.TrackableVariableID, s.RRule, s.TimeOfDay, s.StartDate, s.EndDate,
		s.IsActive, s.DefaultValue, s.TitleTemplate, s.MessageTemplate,
	).Scan(&s.ID, &s.CreatedAt, &s.UpdatedAt)
}

func (r *ScheduleRepository) GetByID(ctx context.Context, id string) (*models.ReminderSchedule, error) {
	s := &models.ReminderSchedule{}
	err := scanSchedule(r.db.Pool.QueryRow(ctx,
		`SELECT `+scheduleColumns+` FROM reminder_schedules s WHERE s.id = $1`, id), s)
	if err != nil {
		return nil, notFound(err)
	}
	return s, nil
}

func (r *ScheduleRepository) GetByUserID(ctx context.Context, userID string) ([]*models.ReminderSchedule, error) {
	rows, err := r.db.Pool.Query(ctx,
		`SELECT `+scheduleColumns+` FROM reminder_schedules s
		 WHERE s.user_id = $1 ORDER BY s.is_active DESC, s.time_of_day ASC`,
		userID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var schedules []*models.ReminderSchedule
	for rows.Next() {
		s := &models.ReminderSchedule{}
		if err := scanSchedule(rows, s); err != nil {
			return nil, err
		}
		schedules = append(schedules, s)
	}
	return schedules, rows.Err()
}

// ListActive returns active schedules that may produce occurrences in
// [from, to], joined with the owner's timezone. Date bounds are padded by a
// day since the exact bounds depend on each owner's timezone; rows with a
// missing start date are returned so the caller can report them.
func (r *ScheduleRepository) ListActive(ctx context.Context, from, to time.Time) ([]*models.ActiveSchedule, error) {
	rows, err := r.db.Pool.Query(ctx,
		`SELECT `+scheduleColumns+`, p.timezone
		 FROM reminder_schedules s
		 JOIN profiles p ON p.id = s.user_id
		 WHERE s.is_active
		   AND (s.start_date IS NULL OR s.start_date <= $2::date + 1)
		   AND (s.end_date IS NULL OR s.end_date >= $1::date - 1)
		 ORDER BY s.id`,
		utcDate(from), utcDate(to),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list active schedules: %w", err)
	}
	defer rows.Close()

	var schedules []*models.ActiveSchedule
	for rows.Next() {
		s := &models.ActiveSchedule{}
		if err := scanSchedule(rows, &s.ReminderSchedule, &s.Timezone); err != nil {
			return nil, err
		}
		schedules = append(schedules, s)
	}
	return schedules, rows.Err()
}

func (r *ScheduleRepository) SetActive(ctx context.Context, id, userID string, active bool) error {
	tag, err := r.db.Pool.Exec(ctx,
		`UPDATE reminder_schedules SET is_active = $3, updated_at = now() WHERE id = $1 AND user_id = $2`,
		id, userID, active,
	)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func utcDate(t time.Time) time.Time {
	t = t.UTC()
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
}
