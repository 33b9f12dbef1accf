package repository

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/dfda/dfda-node/internal/database"
	"github.com/dfda/dfda-node/internal/models"
)

type NotificationRepository struct {
	db *database.DB
}

func NewNotificationRepository(db *database.DB) *NotificationRepository {
	return &NotificationRepository{db: db}
}

// Insert adds one pending notification. An existing row for the same
// schedule and instant yields ErrDuplicate.
func (r *NotificationRepository) Insert(ctx context.Context, n models.NewNotification) (string, error) {
	var id string
	err := r.db.Pool.QueryRow(ctx,
		`INSERT INTO reminder_notifications (schedule_id, user_id, trigger_at_utc, status)
		 VALUES ($1, $2, $3, 'pending')
		 RETURNING id`,
		n.ScheduleID, n.UserID, n.TriggerAtUTC.UTC(),
	).Scan(&id)
	if err != nil {
		if isUniqueViolation(err) {
			return "", ErrDuplicate
		}
		return "", fmt.Errorf("failed to insert notification: %w", err)
	}
	return id, nil
}

// InsertBatch adds all candidates in one statement, skipping rows that
// already exist. It returns how many rows were inserted.
func (r *NotificationRepository) InsertBatch(ctx context.Context, batch []models.NewNotification) (int, error) {
	if len(batch) == 0 {
		return 0, nil
	}

	scheduleIDs := make([]string, len(batch))
	userIDs := make([]string, len(batch))
	triggers := make([]time.Time, len(batch))
	for i, n := range batch {
		scheduleIDs[i] = n.ScheduleID
		userIDs[i] = n.UserID
		triggers[i] = n.TriggerAtUTC.UTC()
	}

	tag, err := r.db.Pool.Exec(ctx,
		`INSERT INTO reminder_notifications (schedule_id, user_id, trigger_at_utc, status)
		 SELECT c.schedule_id, c.user_id, c.trigger_at_utc, 'pending'
		 FROM unnest($1::uuid[], $2::uuid[], $3::timestamptz[]) AS c(schedule_id, user_id, trigger_at_utc)
		 ON CONFLICT (schedule_id, trigger_at_utc) DO NOTHING`,
		scheduleIDs, userIDs, triggers,
	)
	if err != nil {
		return 0, fmt.Errorf("failed to batch insert notifications: %w", err)
	}
	return int(tag.RowsAffected()), nil
}

func (r *NotificationRepository) GetByID(ctx context.Context, id, userID string) (*models.ReminderNotification, error) {
	n := &models.ReminderNotification{}
	var details []byte
	err := r.db.Pool.QueryRow(ctx,
		`SELECT id, schedule_id, user_id, trigger_at_utc, status, completed_or_skipped_at,
		        log_details, notified_at, created_at
		 FROM reminder_notifications WHERE id = $1 AND user_id = $2`,
		id, userID,
	).Scan(&n.ID, &n.ScheduleID, &n.UserID, &n.TriggerAtUTC, &n.Status, &n.CompletedOrSkippedAt,
		&details, &n.NotifiedAt, &n.CreatedAt)
	if err != nil {
		return nil, notFound(err)
	}
	n.TriggerAtUTC = n.TriggerAtUTC.UTC()
	if n.LogDetails, err = decodeLogDetails(details); err != nil {
		return nil, err
	}
	return n, nil
}

// Transition moves a pending notification to completed or skipped. The
// status precondition is part of the UPDATE so concurrent callers cannot
// both succeed; zero matched rows yields ErrNotPending.
func (r *NotificationRepository) Transition(ctx context.Context, id, userID string, status models.NotificationStatus, details *models.LogDetails) error {
	return transition(ctx, r.db.Pool, id, userID, status, details)
}

func transition(ctx context.Context, q querier, id, userID string, status models.NotificationStatus, details *models.LogDetails) error {
	if status != models.StatusCompleted && status != models.StatusSkipped {
		return fmt.Errorf("invalid target status %q", status)
	}
	payload, err := encodeLogDetails(details)
	if err != nil {
		return err
	}

	tag, err := q.Exec(ctx,
		`UPDATE reminder_notifications
		 SET status = $3, completed_or_skipped_at = now(), log_details = $4
		 WHERE id = $1 AND user_id = $2 AND status = 'pending'`,
		id, userID, string(status), payload,
	)
	if err != nil {
		return fmt.Errorf("failed to update notification: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotPending
	}
	return nil
}

// Undo reverts a completed or skipped notification to pending.
func (r *NotificationRepository) Undo(ctx context.Context, id, userID string) error {
	tag, err := r.db.Pool.Exec(ctx,
		`UPDATE reminder_notifications
		 SET status = 'pending', completed_or_skipped_at = NULL, log_details = NULL
		 WHERE id = $1 AND user_id = $2 AND status IN ('completed', 'skipped')`,
		id, userID,
	)
	if err != nil {
		return fmt.Errorf("failed to undo notification: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotTransitioned
	}
	return nil
}

// LogAndComplete records a measurement for the notification's variable and
// completes the notification in one transaction. Nothing is written when the
// notification is no longer pending.
func (r *NotificationRepository) LogAndComplete(ctx context.Context, id, userID string, value float64, note string) (string, error) {
	var measurementID string
	err := r.db.InTx(ctx, func(tx pgx.Tx) error {
		var status models.NotificationStatus
		var trigger time.Time
		err := tx.QueryRow(ctx,
			`SELECT status, trigger_at_utc FROM reminder_notifications
			 WHERE id = $1 AND user_id = $2
			 FOR UPDATE`,
			id, userID,
		).Scan(&status, &trigger)
		if errors.Is(err, pgx.ErrNoRows) {
			return ErrNotPending
		}
		if err != nil {
			return fmt.Errorf("failed to load notification: %w", err)
		}
		if status != models.StatusPending {
			return ErrNotPending
		}

		// outer joins so a broken variable reads as a failure, not a race
		var variableID, unitID *string
		err = tx.QueryRow(ctx,
			`SELECT v.id, COALESCE(uvs.preferred_unit_id, v.default_unit_id)
			 FROM reminder_notifications n
			 LEFT JOIN reminder_schedules s ON s.id = n.schedule_id
			 LEFT JOIN trackable_variables v ON v.id = s.trackable_variable_id
			 LEFT JOIN user_variable_settings uvs ON uvs.user_id = n.user_id AND uvs.variable_id = v.id
			 WHERE n.id = $1`,
			id,
		).Scan(&variableID, &unitID)
		if err != nil {
			return fmt.Errorf("failed to load notification variable: %w", err)
		}
		if variableID == nil || unitID == nil {
			return fmt.Errorf("notification %s has no variable unit", id)
		}

		m := &models.Measurement{
			UserID:     userID,
			VariableID: *variableID,
			UnitID:     *unitID,
			Value:      value,
			StartAt:    trigger.UTC(),
			Note:       note,
		}
		if err := createMeasurement(ctx, tx, m); err != nil {
			return err
		}
		measurementID = m.ID

		return transition(ctx, tx, id, userID, models.StatusCompleted, &models.LogDetails{
			MeasurementID: m.ID,
			Value:         &value,
			Note:          note,
		})
	})
	if err != nil {
		return "", err
	}
	return measurementID, nil
}

// ListDue returns pending, undelivered notifications triggered in (since, now]
// for users with a linked chat.
func (r *NotificationRepository) ListDue(ctx context.Context, now, since time.Time, limit int) ([]*models.DueNotification, error) {
	rows, err := r.db.Pool.Query(ctx,
		`SELECT n.id, n.schedule_id, n.user_id, n.trigger_at_utc, n.status, n.created_at,
		        v.name, s.default_value, s.title_template, s.message_template, p.telegram_chat_id
		 FROM reminder_notifications n
		 JOIN reminder_schedules s ON s.id = n.schedule_id
		 JOIN trackable_variables v ON v.id = s.trackable_variable_id
		 JOIN profiles p ON p.id = n.user_id
		 WHERE n.status = 'pending' AND n.notified_at IS NULL
		   AND n.trigger_at_utc <= $1 AND n.trigger_at_utc > $2
		   AND p.telegram_chat_id IS NOT NULL
		 ORDER BY n.trigger_at_utc ASC
		 LIMIT $3`,
		now.UTC(), since.UTC(), limit,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list due notifications: %w", err)
	}
	defer rows.Close()

	var due []*models.DueNotification
	for rows.Next() {
		d := &models.DueNotification{}
		if err := rows.Scan(&d.ID, &d.ScheduleID, &d.UserID, &d.TriggerAtUTC, &d.Status, &d.CreatedAt,
			&d.VariableName, &d.DefaultValue, &d.TitleTemplate, &d.MessageTemplate, &d.TelegramChatID); err != nil {
			return nil, err
		}
		d.TriggerAtUTC = d.TriggerAtUTC.UTC()
		due = append(due, d)
	}
	return due, rows.Err()
}

func (r *NotificationRepository) MarkNotified(ctx context.Context, id string) error {
	_, err := r.db.Pool.Exec(ctx,
		`UPDATE reminder_notifications SET notified_at = now() WHERE id = $1 AND notified_at IS NULL`,
		id,
	)
	return err
}

func encodeLogDetails(d *models.LogDetails) (any, error) {
	if d == nil {
		return nil, nil
	}
	b, err := json.Marshal(d)
	if err != nil {
		return nil, fmt.Errorf("failed to encode log details: %w", err)
	}
	return string(b), nil
}

func decodeLogDetails(b []byte) (*models.LogDetails, error) {
	if len(b) == 0 {
		return nil, nil
	}
	d := &models.LogDetails{}
	if err := json.Unmarshal(b, d); err != nil {
		return nil, fmt.Errorf("failed to decode log details: %w", err)
	}
	return d, nil
}
