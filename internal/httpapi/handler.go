package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
	"go.uber.org/zap"

	"github.com/dfda/dfda-node/internal/jobs"
	"github.com/dfda/dfda-node/internal/models"
	"github.com/dfda/dfda-node/internal/reminders"
	"github.com/dfda/dfda-node/internal/repository"
)

const dateLayout = "2006-01-02"

var validate = validator.New()

type Handler struct {
	actions   ActionService
	timeline  TimelineService
	schedules ScheduleLookup
	jobs      jobs.Enqueuer
	db        Pinger
	logger    *zap.Logger
}

type messageResponse struct {
	Message string `json:"message,omitempty"`
	Error   string `json:"error,omitempty"`
}

// timelineResponse always carries data on success, even for an empty day.
type timelineResponse struct {
	Success bool                         `json:"success"`
	Data    []models.NotificationSummary `json:"data"`
}

type logDetailsRequest struct {
	MeasurementID string   `json:"measurementId" validate:"omitempty,uuid"`
	Value         *float64 `json:"value"`
	Note          string   `json:"note" validate:"max=1000"`
}

// completeRequest is the optional body of a complete call. A value turns the
// call into a quick log that also records a measurement.
type completeRequest struct {
	Value      *float64           `json:"value"`
	Note       string             `json:"note" validate:"max=1000"`
	LogDetails *logDetailsRequest `json:"logDetails"`
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, messageResponse{Error: msg})
}

// decodeOptional decodes a JSON body into v; an empty body leaves v untouched.
func decodeOptional(r *http.Request, v interface{}) error {
	if r.Body == nil {
		return nil
	}
	err := json.NewDecoder(r.Body).Decode(v)
	if errors.Is(err, io.EOF) {
		return nil
	}
	return err
}

func actionStatus(res reminders.ActionResult) int {
	switch {
	case res.Success:
		return http.StatusOK
	case res.Error == reminders.MsgAlreadyProcessed, res.Error == reminders.MsgAlreadyPending:
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

// notificationTarget resolves the caller and the notification id, writing the
// error response itself when either is unusable.
func notificationTarget(w http.ResponseWriter, r *http.Request) (userID, id string, ok bool) {
	userID, ok = UserIDFromContext(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "unauthorized")
		return "", "", false
	}
	id = chi.URLParam(r, "id")
	if err := validate.Var(id, "required,uuid"); err != nil {
		writeJSON(w, http.StatusBadRequest, reminders.ActionResult{Error: "Invalid notification id"})
		return "", "", false
	}
	return userID, id, true
}

func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	if h.db != nil {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		if err := h.db.Ping(ctx); err != nil {
			h.logger.Warn("Health check failed", zap.Error(err))
			writeError(w, http.StatusServiceUnavailable, "database unavailable")
			return
		}
	}
	writeJSON(w, http.StatusOK, messageResponse{Message: "ok"})
}

// Timeline serves GET /v1/timeline?date=YYYY-MM-DD.
func (h *Handler) Timeline(w http.ResponseWriter, r *http.Request) {
	userID, ok := UserIDFromContext(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "unauthorized")
		return
	}
	date, err := time.Parse(dateLayout, r.URL.Query().Get("date"))
	if err != nil {
		writeJSON(w, http.StatusBadRequest, reminders.TimelineResult{Error: "date must be YYYY-MM-DD"})
		return
	}

	res := h.timeline.GetTimelineNotificationsForDate(r.Context(), userID, date)
	switch {
	case res.Success:
		data := res.Data
		if data == nil {
			data = []models.NotificationSummary{}
		}
		writeJSON(w, http.StatusOK, timelineResponse{Success: true, Data: data})
	case res.Error == reminders.MsgProfileNotFound:
		writeJSON(w, http.StatusNotFound, res)
	default:
		writeJSON(w, http.StatusInternalServerError, res)
	}
}

func (h *Handler) Complete(w http.ResponseWriter, r *http.Request) {
	userID, id, ok := notificationTarget(w, r)
	if !ok {
		return
	}

	var req completeRequest
	if err := decodeOptional(r, &req); err != nil {
		writeJSON(w, http.StatusBadRequest, reminders.ActionResult{Error: "Invalid request body"})
		return
	}
	if err := validate.Struct(&req); err != nil {
		writeJSON(w, http.StatusUnprocessableEntity, reminders.ActionResult{Error: err.Error()})
		return
	}

	var res reminders.ActionResult
	if req.Value != nil {
		res = h.actions.LogAndComplete(r.Context(), id, userID, *req.Value, req.Note)
	} else {
		var details *models.LogDetails
		if d := req.LogDetails; d != nil {
			details = &models.LogDetails{MeasurementID: d.MeasurementID, Value: d.Value, Note: d.Note}
		}
		res = h.actions.CompleteOrSkipNotification(r.Context(), id, userID, false, details)
	}
	writeJSON(w, actionStatus(res), res)
}

func (h *Handler) Skip(w http.ResponseWriter, r *http.Request) {
	userID, id, ok := notificationTarget(w, r)
	if !ok {
		return
	}
	res := h.actions.CompleteOrSkipNotification(r.Context(), id, userID, true, nil)
	writeJSON(w, actionStatus(res), res)
}

func (h *Handler) Undo(w http.ResponseWriter, r *http.Request) {
	userID, id, ok := notificationTarget(w, r)
	if !ok {
		return
	}
	res := h.actions.UndoNotification(r.Context(), id, userID)
	writeJSON(w, actionStatus(res), res)
}

// Materialize enqueues the first-occurrence job for one of the caller's schedules.
func (h *Handler) Materialize(w http.ResponseWriter, r *http.Request) {
	userID, ok := UserIDFromContext(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "unauthorized")
		return
	}
	id := chi.URLParam(r, "id")
	if err := validate.Var(id, "required,uuid"); err != nil {
		writeError(w, http.StatusBadRequest, "invalid schedule id")
		return
	}

	schedule, err := h.schedules.GetByID(r.Context(), id)
	if errors.Is(err, repository.ErrNotFound) || (err == nil && schedule.UserID != userID) {
		writeError(w, http.StatusNotFound, "schedule not found")
		return
	}
	if err != nil {
		h.logger.Error("Failed to load schedule", zap.String("schedule_id", id), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "could not load schedule")
		return
	}

	if err := h.jobs.Enqueue(r.Context(), jobs.TaskProcessSingleSchedule, jobs.SingleSchedulePayload{ScheduleID: id}); err != nil {
		h.logger.Error("Failed to enqueue materialization", zap.String("schedule_id", id), zap.Error(err))
		writeError(w, http.StatusServiceUnavailable, "could not queue job")
		return
	}
	writeJSON(w, http.StatusAccepted, messageResponse{Message: "queued"})
}
