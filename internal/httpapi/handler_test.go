package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/dfda/dfda-node/internal/jobs"
	"github.com/dfda/dfda-node/internal/models"
	"github.com/dfda/dfda-node/internal/reminders"
	"github.com/dfda/dfda-node/internal/repository"
)

const (
	testSecret     = "test-secret"
	userID         = "0b7e2f44-3c1a-4d7e-9a51-6f2d8c9e1b10"
	notificationID = "5d3a9c1e-7b2f-4e8a-a6d4-1c0f9e8b7a65"
	scheduleID     = "a4c2e6f8-1b3d-4f5a-8c7e-9d0b2a4c6e81"
)

// --- mocks ---

type mockActions struct{ mock.Mock }

func (m *mockActions) CompleteOrSkipNotification(ctx context.Context, id, user string, skipped bool, details *models.LogDetails) reminders.ActionResult {
	return m.Called(ctx, id, user, skipped, details).Get(0).(reminders.ActionResult)
}

func (m *mockActions) UndoNotification(ctx context.Context, id, user string) reminders.ActionResult {
	return m.Called(ctx, id, user).Get(0).(reminders.ActionResult)
}

func (m *mockActions) LogAndComplete(ctx context.Context, id, user string, value float64, note string) reminders.ActionResult {
	return m.Called(ctx, id, user, value, note).Get(0).(reminders.ActionResult)
}

type mockTimeline struct{ mock.Mock }

func (m *mockTimeline) GetTimelineNotificationsForDate(ctx context.Context, user string, date time.Time) reminders.TimelineResult {
	return m.Called(ctx, user, date).Get(0).(reminders.TimelineResult)
}

type mockSchedules struct{ mock.Mock }

func (m *mockSchedules) GetByID(ctx context.Context, id string) (*models.ReminderSchedule, error) {
	args := m.Called(ctx, id)
	if s, _ := args.Get(0).(*models.ReminderSchedule); s != nil {
		return s, args.Error(1)
	}
	return nil, args.Error(1)
}

type mockEnqueuer struct{ mock.Mock }

func (m *mockEnqueuer) Enqueue(ctx context.Context, task string, payload any) error {
	return m.Called(ctx, task, payload).Error(0)
}

type fixture struct {
	actions   *mockActions
	timeline  *mockTimeline
	schedules *mockSchedules
	jobs      *mockEnqueuer
	router    http.Handler
}

func newFixture() *fixture {
	f := &fixture{
		actions:   &mockActions{},
		timeline:  &mockTimeline{},
		schedules: &mockSchedules{},
		jobs:      &mockEnqueuer{},
	}
	f.router = NewRouter(&Deps{
		Actions:        f.actions,
		Timeline:       f.timeline,
		Schedules:      f.schedules,
		Jobs:           f.jobs,
		JWTSecret:      testSecret,
		AllowedOrigins: []string{"*"},
		Logger:         zap.NewNop(),
	})
	return f
}

// --- helpers ---

func (f *fixture) do(t *testing.T, method, target string, body []byte) *httptest.ResponseRecorder {
	t.Helper()
	token, err := IssueToken([]byte(testSecret), userID, time.Hour)
	require.NoError(t, err)

	var r *http.Request
	if body != nil {
		r = httptest.NewRequest(method, target, bytes.NewReader(body))
	} else {
		r = httptest.NewRequest(method, target, nil)
	}
	r.Header.Set("Authorization", "Bearer "+token)
	rr := httptest.NewRecorder()
	f.router.ServeHTTP(rr, r)
	return rr
}

func decodeAction(t *testing.T, rr *httptest.ResponseRecorder) reminders.ActionResult {
	t.Helper()
	var res reminders.ActionResult
	require.NoError(t, json.NewDecoder(rr.Body).Decode(&res))
	return res
}

// --- auth ---

func TestAuth_RejectsMissingAndBadTokens(t *testing.T) {
	f := newFixture()

	r := httptest.NewRequest(http.MethodGet, "/v1/timeline?date=2024-05-01", nil)
	rr := httptest.NewRecorder()
	f.router.ServeHTTP(rr, r)
	assert.Equal(t, http.StatusUnauthorized, rr.Code)

	other, err := IssueToken([]byte("another-secret"), userID, time.Hour)
	require.NoError(t, err)
	r = httptest.NewRequest(http.MethodGet, "/v1/timeline?date=2024-05-01", nil)
	r.Header.Set("Authorization", "Bearer "+other)
	rr = httptest.NewRecorder()
	f.router.ServeHTTP(rr, r)
	assert.Equal(t, http.StatusUnauthorized, rr.Code)

	expired, err := IssueToken([]byte(testSecret), userID, -time.Minute)
	require.NoError(t, err)
	r = httptest.NewRequest(http.MethodGet, "/v1/timeline?date=2024-05-01", nil)
	r.Header.Set("Authorization", "Bearer "+expired)
	rr = httptest.NewRecorder()
	f.router.ServeHTTP(rr, r)
	assert.Equal(t, http.StatusUnauthorized, rr.Code)
}

func TestHealth(t *testing.T) {
	f := newFixture()
	rr := httptest.NewRecorder()
	f.router.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	assert.Equal(t, http.StatusOK, rr.Code)
}

// --- timeline ---

func TestTimeline_HappyPath(t *testing.T) {
	f := newFixture()
	day := time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC)
	f.timeline.On("GetTimelineNotificationsForDate", mock.Anything, userID, day).Return(reminders.TimelineResult{
		Success: true,
		Data:    []models.NotificationSummary{{NotificationID: notificationID, VariableName: "Mood"}},
	})

	rr := f.do(t, http.MethodGet, "/v1/timeline?date=2024-05-01", nil)
	assert.Equal(t, http.StatusOK, rr.Code)

	var res reminders.TimelineResult
	require.NoError(t, json.NewDecoder(rr.Body).Decode(&res))
	assert.True(t, res.Success)
	require.Len(t, res.Data, 1)
	assert.Equal(t, "Mood", res.Data[0].VariableName)
	f.timeline.AssertExpectations(t)
}

func TestTimeline_EmptyDayIsAnEmptyList(t *testing.T) {
	f := newFixture()
	f.timeline.On("GetTimelineNotificationsForDate", mock.Anything, userID, mock.Anything).Return(reminders.TimelineResult{Success: true})

	rr := f.do(t, http.MethodGet, "/v1/timeline?date=2024-05-01", nil)
	assert.Equal(t, http.StatusOK, rr.Code)
	assert.JSONEq(t, `{"success":true,"data":[]}`, rr.Body.String())
}

func TestTimeline_BadDate(t *testing.T) {
	f := newFixture()
	rr := f.do(t, http.MethodGet, "/v1/timeline?date=May-1", nil)
	assert.Equal(t, http.StatusBadRequest, rr.Code)
	f.timeline.AssertNotCalled(t, "GetTimelineNotificationsForDate", mock.Anything, mock.Anything, mock.Anything)
}

func TestTimeline_ProfileNotFound(t *testing.T) {
	f := newFixture()
	f.timeline.On("GetTimelineNotificationsForDate", mock.Anything, userID, mock.Anything).
		Return(reminders.TimelineResult{Error: reminders.MsgProfileNotFound})

	rr := f.do(t, http.MethodGet, "/v1/timeline?date=2024-05-01", nil)
	assert.Equal(t, http.StatusNotFound, rr.Code)
	assert.JSONEq(t, `{"success":false,"error":"Profile not found"}`, rr.Body.String())
}

// --- actions ---

func TestComplete_WithoutBody(t *testing.T) {
	f := newFixture()
	f.actions.On("CompleteOrSkipNotification", mock.Anything, notificationID, userID, false, (*models.LogDetails)(nil)).
		Return(reminders.ActionResult{Success: true})

	rr := f.do(t, http.MethodPost, "/v1/notifications/"+notificationID+"/complete", nil)
	assert.Equal(t, http.StatusOK, rr.Code)
	assert.True(t, decodeAction(t, rr).Success)
	f.actions.AssertExpectations(t)
}

func TestComplete_WithLogDetails(t *testing.T) {
	f := newFixture()
	measurementID := "9f8e7d6c-5b4a-4392-8180-7f6e5d4c3b2a"
	f.actions.On("CompleteOrSkipNotification", mock.Anything, notificationID, userID, false,
		&models.LogDetails{MeasurementID: measurementID, Note: "after lunch"}).
		Return(reminders.ActionResult{Success: true})

	body := []byte(`{"logDetails":{"measurementId":"` + measurementID + `","note":"after lunch"}}`)
	rr := f.do(t, http.MethodPost, "/v1/notifications/"+notificationID+"/complete", body)
	assert.Equal(t, http.StatusOK, rr.Code)
	f.actions.AssertExpectations(t)
}

func TestComplete_WithValueLogsMeasurement(t *testing.T) {
	f := newFixture()
	f.actions.On("LogAndComplete", mock.Anything, notificationID, userID, 7.5, "slept well").
		Return(reminders.ActionResult{Success: true, MeasurementID: "m1"})

	rr := f.do(t, http.MethodPost, "/v1/notifications/"+notificationID+"/complete", []byte(`{"value":7.5,"note":"slept well"}`))
	assert.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, "m1", decodeAction(t, rr).MeasurementID)
	f.actions.AssertNotCalled(t, "CompleteOrSkipNotification", mock.Anything, mock.Anything, mock.Anything, mock.Anything, mock.Anything)
}

func TestComplete_AlreadyProcessed(t *testing.T) {
	f := newFixture()
	f.actions.On("CompleteOrSkipNotification", mock.Anything, notificationID, userID, false, mock.Anything).
		Return(reminders.ActionResult{Error: reminders.MsgAlreadyProcessed})

	rr := f.do(t, http.MethodPost, "/v1/notifications/"+notificationID+"/complete", nil)
	assert.Equal(t, http.StatusConflict, rr.Code)
	res := decodeAction(t, rr)
	assert.False(t, res.Success)
	assert.Equal(t, reminders.MsgAlreadyProcessed, res.Error)
}

func TestComplete_InvalidInput(t *testing.T) {
	f := newFixture()

	rr := f.do(t, http.MethodPost, "/v1/notifications/not-a-uuid/complete", nil)
	assert.Equal(t, http.StatusBadRequest, rr.Code)

	rr = f.do(t, http.MethodPost, "/v1/notifications/"+notificationID+"/complete", []byte("not-json"))
	assert.Equal(t, http.StatusBadRequest, rr.Code)

	rr = f.do(t, http.MethodPost, "/v1/notifications/"+notificationID+"/complete", []byte(`{"logDetails":{"measurementId":"nope"}}`))
	assert.Equal(t, http.StatusUnprocessableEntity, rr.Code)

	f.actions.AssertNotCalled(t, "CompleteOrSkipNotification", mock.Anything, mock.Anything, mock.Anything, mock.Anything, mock.Anything)
}

func TestSkip(t *testing.T) {
	f := newFixture()
	f.actions.On("CompleteOrSkipNotification", mock.Anything, notificationID, userID, true, (*models.LogDetails)(nil)).
		Return(reminders.ActionResult{Success: true})

	rr := f.do(t, http.MethodPost, "/v1/notifications/"+notificationID+"/skip", nil)
	assert.Equal(t, http.StatusOK, rr.Code)
	f.actions.AssertExpectations(t)
}

func TestUndo(t *testing.T) {
	f := newFixture()
	f.actions.On("UndoNotification", mock.Anything, notificationID, userID).
		Return(reminders.ActionResult{Error: reminders.MsgAlreadyPending}).Once()
	f.actions.On("UndoNotification", mock.Anything, notificationID, userID).
		Return(reminders.ActionResult{Error: reminders.MsgUpdateFailed}).Once()

	rr := f.do(t, http.MethodPost, "/v1/notifications/"+notificationID+"/undo", nil)
	assert.Equal(t, http.StatusConflict, rr.Code)

	rr = f.do(t, http.MethodPost, "/v1/notifications/"+notificationID+"/undo", nil)
	assert.Equal(t, http.StatusInternalServerError, rr.Code)
	assert.Equal(t, reminders.MsgUpdateFailed, decodeAction(t, rr).Error)
}

func TestWritesAreRateLimited(t *testing.T) {
	f := newFixture()
	f.actions.On("UndoNotification", mock.Anything, notificationID, userID).Return(reminders.ActionResult{Success: true})

	limited := 0
	for i := 0; i < 15; i++ {
		rr := f.do(t, http.MethodPost, "/v1/notifications/"+notificationID+"/undo", nil)
		if rr.Code == http.StatusTooManyRequests {
			limited++
		}
	}
	assert.Positive(t, limited)
}

// --- materialize ---

func TestMaterialize_Enqueues(t *testing.T) {
	f := newFixture()
	f.schedules.On("GetByID", mock.Anything, scheduleID).Return(&models.ReminderSchedule{ID: scheduleID, UserID: userID}, nil)
	f.jobs.On("Enqueue", mock.Anything, jobs.TaskProcessSingleSchedule, jobs.SingleSchedulePayload{ScheduleID: scheduleID}).Return(nil)

	rr := f.do(t, http.MethodPost, "/v1/schedules/"+scheduleID+"/materialize", nil)
	assert.Equal(t, http.StatusAccepted, rr.Code)
	f.jobs.AssertExpectations(t)
}

func TestMaterialize_OtherUsersScheduleIsNotFound(t *testing.T) {
	f := newFixture()
	f.schedules.On("GetByID", mock.Anything, scheduleID).Return(&models.ReminderSchedule{ID: scheduleID, UserID: "someone-else"}, nil)

	rr := f.do(t, http.MethodPost, "/v1/schedules/"+scheduleID+"/materialize", nil)
	assert.Equal(t, http.StatusNotFound, rr.Code)
	f.jobs.AssertNotCalled(t, "Enqueue", mock.Anything, mock.Anything, mock.Anything)
}

func TestMaterialize_Failures(t *testing.T) {
	f := newFixture()
	missing := "c0ffee00-0000-4000-8000-000000000000"
	f.schedules.On("GetByID", mock.Anything, missing).Return(nil, repository.ErrNotFound)
	f.schedules.On("GetByID", mock.Anything, scheduleID).Return(&models.ReminderSchedule{ID: scheduleID, UserID: userID}, nil)
	f.jobs.On("Enqueue", mock.Anything, mock.Anything, mock.Anything).Return(errors.New("channel closed"))

	rr := f.do(t, http.MethodPost, "/v1/schedules/"+missing+"/materialize", nil)
	assert.Equal(t, http.StatusNotFound, rr.Code)

	rr = f.do(t, http.MethodPost, "/v1/schedules/"+scheduleID+"/materialize", nil)
	assert.Equal(t, http.StatusServiceUnavailable, rr.Code)
}
