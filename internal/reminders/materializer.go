package reminders

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/dfda/dfda-node/internal/metrics"
	"github.com/dfda/dfda-node/internal/models"
	"github.com/dfda/dfda-node/internal/repository"
	"github.com/dfda/dfda-node/internal/rrule"
)

const (
	skipMissingTimezone = "missing_timezone"
	skipMissingField    = "missing_field"
	skipInvalidRule     = "invalid_rule"
)

// Materializer computes occurrences and persists them as pending notifications.
type Materializer struct {
	schedules     ScheduleStore
	profiles      ProfileStore
	notifications NotificationStore
	engine        *rrule.Engine
	window        time.Duration
	logger        *zap.Logger
	now           func() time.Time
}

// NewMaterializer builds a materializer whose bulk run covers [now, now+window].
func NewMaterializer(schedules ScheduleStore, profiles ProfileStore, notifications NotificationStore,
	engine *rrule.Engine, window time.Duration, logger *zap.Logger) *Materializer {
	return &Materializer{
		schedules:     schedules,
		profiles:      profiles,
		notifications: notifications,
		engine:        engine,
		window:        window,
		logger:        logger,
		now:           time.Now,
	}
}

// ProcessSingleSchedule inserts the first occurrence of one schedule.
// Deleted, inactive or misconfigured schedules end the task without error;
// only storage failures are returned so the job runner can retry.
func (m *Materializer) ProcessSingleSchedule(ctx context.Context, scheduleID string) error {
	start := time.Now()
	defer func() { metrics.RecordTaskDuration(metrics.TaskSingle, time.Since(start)) }()

	log := m.logger.With(zap.String("schedule_id", scheduleID))

	schedule, err := m.schedules.GetByID(ctx, scheduleID)
	if errors.Is(err, repository.ErrNotFound) {
		log.Info("Schedule not found, nothing to materialize")
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to load schedule %s: %w", scheduleID, err)
	}
	if !schedule.IsActive {
		log.Info("Schedule inactive, nothing to materialize")
		return nil
	}
	log = log.With(zap.String("user_id", schedule.UserID))

	profile, err := m.profiles.GetByID(ctx, schedule.UserID)
	if err != nil && !errors.Is(err, repository.ErrNotFound) {
		return fmt.Errorf("failed to load profile %s: %w", schedule.UserID, err)
	}
	loc, err := profile.Location()
	if err != nil {
		log.Warn("Skipping schedule: user timezone unavailable", zap.Error(err))
		metrics.IncrementSkipped(skipMissingTimezone)
		return nil
	}

	rec, reason, err := recurrenceOf(schedule)
	if err != nil {
		log.Warn("Skipping schedule: invalid schedule fields", zap.Error(err))
		metrics.IncrementSkipped(reason)
		return nil
	}

	first, ok, err := m.engine.FirstOccurrence(rec, loc)
	if err != nil {
		log.Warn("Skipping schedule: unparseable recurrence rule", zap.String("rrule", schedule.RRule), zap.Error(err))
		metrics.IncrementSkipped(skipInvalidRule)
		return nil
	}
	if !ok {
		log.Info("Recurrence rule has no occurrences")
		return nil
	}

	_, err = m.notifications.Insert(ctx, models.NewNotification{
		ScheduleID:   schedule.ID,
		UserID:       schedule.UserID,
		TriggerAtUTC: first,
	})
	if errors.Is(err, repository.ErrDuplicate) {
		log.Warn("Notification already exists", zap.Time("trigger_at_utc", first))
		metrics.RecordDuplicates(metrics.TaskSingle, 1)
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to insert first notification for schedule %s: %w", scheduleID, err)
	}

	metrics.RecordGenerated(metrics.TaskSingle, 1)
	log.Info("Materialized first notification", zap.Time("trigger_at_utc", first))
	return nil
}

// BulkStats summarizes one bulk run.
type BulkStats struct {
	Schedules  int
	Skipped    int
	Candidates int
	Inserted   int
	Duplicates int
}

// GenerateAllReminders materializes every active schedule's occurrences in
// the window starting now.
func (m *Materializer) GenerateAllReminders(ctx context.Context) (BulkStats, error) {
	now := m.now().UTC()
	return m.GenerateWindow(ctx, now, now.Add(m.window))
}

// GenerateWindow materializes occurrences in [windowStart, windowEnd].
// A bad schedule is logged and skipped; all candidates go into one insert
// that ignores rows already present.
func (m *Materializer) GenerateWindow(ctx context.Context, windowStart, windowEnd time.Time) (BulkStats, error) {
	start := time.Now()
	defer func() { metrics.RecordTaskDuration(metrics.TaskBulk, time.Since(start)) }()

	var stats BulkStats

	schedules, err := m.schedules.ListActive(ctx, windowStart, windowEnd)
	if err != nil {
		return stats, err
	}
	stats.Schedules = len(schedules)

	var batch []models.NewNotification
	for _, s := range schedules {
		occ, ok := m.occurrencesFor(s, windowStart, windowEnd)
		if !ok {
			stats.Skipped++
			continue
		}
		for _, at := range occ {
			batch = append(batch, models.NewNotification{ScheduleID: s.ID, UserID: s.UserID, TriggerAtUTC: at})
		}
	}
	stats.Candidates = len(batch)

	inserted, err := m.notifications.InsertBatch(ctx, batch)
	if err != nil {
		return stats, err
	}
	stats.Inserted = inserted
	stats.Duplicates = len(batch) - inserted

	metrics.RecordGenerated(metrics.TaskBulk, stats.Inserted)
	if stats.Duplicates > 0 {
		metrics.RecordDuplicates(metrics.TaskBulk, stats.Duplicates)
		m.logger.Warn("Skipped notifications that already existed",
			zap.Int("duplicates", stats.Duplicates),
			zap.Int("candidates", stats.Candidates),
		)
	}

	m.logger.Info("Bulk materialization finished",
		zap.Time("window_start", windowStart),
		zap.Time("window_end", windowEnd),
		zap.Int("schedules", stats.Schedules),
		zap.Int("skipped", stats.Skipped),
		zap.Int("inserted", stats.Inserted),
	)
	return stats, nil
}

func (m *Materializer) occurrencesFor(s *models.ActiveSchedule, windowStart, windowEnd time.Time) ([]time.Time, bool) {
	log := m.logger.With(zap.String("schedule_id", s.ID), zap.String("user_id", s.UserID))

	if s.Timezone == nil || *s.Timezone == "" {
		log.Warn("Skipping schedule: user has no timezone")
		metrics.IncrementSkipped(skipMissingTimezone)
		return nil, false
	}
	loc, err := models.LoadLocation(*s.Timezone)
	if err != nil {
		log.Warn("Skipping schedule: user timezone invalid", zap.Error(err))
		metrics.IncrementSkipped(skipMissingTimezone)
		return nil, false
	}

	rec, reason, err := recurrenceOf(&s.ReminderSchedule)
	if err != nil {
		log.Warn("Skipping schedule: invalid schedule fields", zap.Error(err))
		metrics.IncrementSkipped(reason)
		return nil, false
	}

	occ, err := m.engine.OccurrencesBetween(rec, loc, windowStart, windowEnd)
	if err != nil {
		log.Warn("Skipping schedule: unparseable recurrence rule", zap.String("rrule", s.RRule), zap.Error(err))
		metrics.IncrementSkipped(skipInvalidRule)
		return nil, false
	}
	return occ, true
}

// recurrenceOf checks the fields every computation needs. The returned reason
// labels the skip metric.
func recurrenceOf(s *models.ReminderSchedule) (rrule.Recurrence, string, error) {
	switch {
	case s.RRule == "":
		return rrule.Recurrence{}, skipMissingField, errors.New("recurrence rule is missing")
	case s.TimeOfDay == "":
		return rrule.Recurrence{}, skipMissingField, errors.New("time of day is missing")
	case s.StartDate == nil:
		return rrule.Recurrence{}, skipMissingField, errors.New("start date is missing")
	}

	tod, err := rrule.ParseTimeOfDay(s.TimeOfDay)
	if err != nil {
		return rrule.Recurrence{}, skipMissingField, err
	}
	return rrule.Recurrence{
		Rule:      s.RRule,
		StartDate: *s.StartDate,
		TimeOfDay: tod,
		EndDate:   s.EndDate,
	}, "", nil
}
