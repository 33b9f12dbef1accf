package reminders

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/dfda/dfda-node/internal/models"
	"github.com/dfda/dfda-node/internal/repository"
)

// memSchedules and memProfiles share the profiles map so ListActive can join timezones.
type memSchedules struct {
	mu        sync.Mutex
	schedules map[string]*models.ReminderSchedule
	profiles  *memProfiles
	listErr   error
}

func newMemSchedules(profiles *memProfiles) *memSchedules {
	return &memSchedules{schedules: map[string]*models.ReminderSchedule{}, profiles: profiles}
}

func (m *memSchedules) add(s *models.ReminderSchedule) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *s
	m.schedules[s.ID] = &cp
}

func (m *memSchedules) GetByID(_ context.Context, id string) (*models.ReminderSchedule, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.schedules[id]
	if !ok {
		return nil, repository.ErrNotFound
	}
	cp := *s
	return &cp, nil
}

func (m *memSchedules) ListActive(_ context.Context, _, _ time.Time) ([]*models.ActiveSchedule, error) {
	if m.listErr != nil {
		return nil, m.listErr
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []*models.ActiveSchedule
	for _, s := range m.schedules {
		if !s.IsActive {
			continue
		}
		a := &models.ActiveSchedule{ReminderSchedule: *s}
		if p, err := m.profiles.GetByID(context.Background(), s.UserID); err == nil {
			a.Timezone = p.Timezone
		}
		out = append(out, a)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

type memProfiles struct {
	mu       sync.Mutex
	profiles map[string]*models.Profile
	err      error
}

func newMemProfiles() *memProfiles {
	return &memProfiles{profiles: map[string]*models.Profile{}}
}

func (m *memProfiles) add(id, tz string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p := &models.Profile{ID: id}
	if tz != "" {
		p.Timezone = &tz
	}
	m.profiles[id] = p
}

func (m *memProfiles) GetByID(_ context.Context, id string) (*models.Profile, error) {
	if m.err != nil {
		return nil, m.err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.profiles[id]
	if !ok {
		return nil, repository.ErrNotFound
	}
	cp := *p
	return &cp, nil
}

// memNotifications enforces the same guarantees as the database: a unique
// (schedule, trigger) key and check-and-set transitions under one lock.
type memNotifications struct {
	mu           sync.Mutex
	rows         map[string]*models.ReminderNotification
	byKey        map[string]string
	measurements map[string]float64
	insertErr    error
	updateErr    error
}

func newMemNotifications() *memNotifications {
	return &memNotifications{
		rows:         map[string]*models.ReminderNotification{},
		byKey:        map[string]string{},
		measurements: map[string]float64{},
	}
}

func key(scheduleID string, at time.Time) string {
	return fmt.Sprintf("%s|%d", scheduleID, at.UTC().UnixNano())
}

func (m *memNotifications) insertLocked(n models.NewNotification) (string, bool) {
	k := key(n.ScheduleID, n.TriggerAtUTC)
	if _, dup := m.byKey[k]; dup {
		return "", false
	}
	id := uuid.NewString()
	m.rows[id] = &models.ReminderNotification{
		ID:           id,
		ScheduleID:   n.ScheduleID,
		UserID:       n.UserID,
		TriggerAtUTC: n.TriggerAtUTC.UTC(),
		Status:       models.StatusPending,
	}
	m.byKey[k] = id
	return id, true
}

func (m *memNotifications) Insert(_ context.Context, n models.NewNotification) (string, error) {
	if m.insertErr != nil {
		return "", m.insertErr
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	id, ok := m.insertLocked(n)
	if !ok {
		return "", repository.ErrDuplicate
	}
	return id, nil
}

func (m *memNotifications) InsertBatch(_ context.Context, batch []models.NewNotification) (int, error) {
	if m.insertErr != nil {
		return 0, m.insertErr
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	inserted := 0
	for _, n := range batch {
		if _, ok := m.insertLocked(n); ok {
			inserted++
		}
	}
	return inserted, nil
}

func (m *memNotifications) Transition(_ context.Context, id, userID string, status models.NotificationStatus, details *models.LogDetails) error {
	if m.updateErr != nil {
		return m.updateErr
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	n, ok := m.rows[id]
	if !ok || n.UserID != userID || n.Status != models.StatusPending {
		return repository.ErrNotPending
	}
	now := time.Now().UTC()
	n.Status = status
	n.CompletedOrSkippedAt = &now
	n.LogDetails = details
	return nil
}

func (m *memNotifications) Undo(_ context.Context, id, userID string) error {
	if m.updateErr != nil {
		return m.updateErr
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	n, ok := m.rows[id]
	if !ok || n.UserID != userID || n.Status == models.StatusPending {
		return repository.ErrNotTransitioned
	}
	n.Status = models.StatusPending
	n.CompletedOrSkippedAt = nil
	n.LogDetails = nil
	return nil
}

func (m *memNotifications) LogAndComplete(_ context.Context, id, userID string, value float64, note string) (string, error) {
	if m.updateErr != nil {
		return "", m.updateErr
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	n, ok := m.rows[id]
	if !ok || n.UserID != userID || n.Status != models.StatusPending {
		return "", repository.ErrNotPending
	}
	measurementID := uuid.NewString()
	m.measurements[measurementID] = value
	now := time.Now().UTC()
	n.Status = models.StatusCompleted
	n.CompletedOrSkippedAt = &now
	n.LogDetails = &models.LogDetails{MeasurementID: measurementID, Value: &value, Note: note}
	return measurementID, nil
}

func (m *memNotifications) all() []models.ReminderNotification {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]models.ReminderNotification, 0, len(m.rows))
	for _, n := range m.rows {
		out = append(out, *n)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].TriggerAtUTC.Equal(out[j].TriggerAtUTC) {
			return out[i].TriggerAtUTC.Before(out[j].TriggerAtUTC)
		}
		return out[i].ScheduleID < out[j].ScheduleID
	})
	return out
}

func (m *memNotifications) get(id string) models.ReminderNotification {
	m.mu.Lock()
	defer m.mu.Unlock()
	return *m.rows[id]
}

type memTimeline struct {
	rows       []*models.TimelineRow
	err        error
	start, end time.Time
}

func (m *memTimeline) ListForRange(_ context.Context, _ string, start, end time.Time) ([]*models.TimelineRow, error) {
	m.start, m.end = start, end
	if m.err != nil {
		return nil, m.err
	}
	var out []*models.TimelineRow
	for _, r := range m.rows {
		if !r.TriggerAtUTC.Before(start) && r.TriggerAtUTC.Before(end) {
			out = append(out, r)
		}
	}
	return out, nil
}

type memMeasurements struct {
	values map[string]float64
	// owners maps a measurement id to its user; unlisted ids belong to everyone
	owners  map[string]string
	lookups int
	err     error
}

func (m *memMeasurements) ValuesByIDs(_ context.Context, userID string, ids []string) (map[string]float64, error) {
	m.lookups++
	if m.err != nil {
		return nil, m.err
	}
	out := map[string]float64{}
	for _, id := range ids {
		if owner, ok := m.owners[id]; ok && owner != userID {
			continue
		}
		if v, ok := m.values[id]; ok {
			out[id] = v
		}
	}
	return out, nil
}

var errDatabaseDown = errors.New("connection refused")
