package reminders

import (
	"context"
	"errors"

	"go.uber.org/zap"

	"github.com/dfda/dfda-node/internal/metrics"
	"github.com/dfda/dfda-node/internal/models"
	"github.com/dfda/dfda-node/internal/repository"
)

const (
	MsgAlreadyProcessed = "Notification already processed"
	MsgAlreadyPending   = "Notification is already pending"
	MsgUpdateFailed     = "Could not update notification"
)

// ActionResult is what write actions return to callers; failures carry a
// user-facing message instead of a Go error.
type ActionResult struct {
	Success       bool   `json:"success"`
	Error         string `json:"error,omitempty"`
	MeasurementID string `json:"measurementId,omitempty"`
}

func ok() ActionResult { return ActionResult{Success: true} }

func fail(msg string) ActionResult { return ActionResult{Success: false, Error: msg} }

// Actions moves notifications between statuses.
type Actions struct {
	notifications NotificationStore
	logger        *zap.Logger
}

func NewActions(notifications NotificationStore, logger *zap.Logger) *Actions {
	return &Actions{notifications: notifications, logger: logger}
}

// CompleteOrSkipNotification marks a pending notification completed, or
// skipped when skipped is true.
func (a *Actions) CompleteOrSkipNotification(ctx context.Context, notificationID, userID string, skipped bool, details *models.LogDetails) ActionResult {
	status, action := models.StatusCompleted, "complete"
	if skipped {
		status, action = models.StatusSkipped, "skip"
	}

	err := a.notifications.Transition(ctx, notificationID, userID, status, details)
	return a.result(action, notificationID, userID, err, MsgAlreadyProcessed)
}

// UndoNotification returns a completed or skipped notification to pending.
func (a *Actions) UndoNotification(ctx context.Context, notificationID, userID string) ActionResult {
	err := a.notifications.Undo(ctx, notificationID, userID)
	return a.result("undo", notificationID, userID, err, MsgAlreadyPending)
}

// LogAndComplete records value as a measurement and completes the
// notification, or does neither.
func (a *Actions) LogAndComplete(ctx context.Context, notificationID, userID string, value float64, note string) ActionResult {
	measurementID, err := a.notifications.LogAndComplete(ctx, notificationID, userID, value, note)
	res := a.result("log", notificationID, userID, err, MsgAlreadyProcessed)
	res.MeasurementID = measurementID
	return res
}

func (a *Actions) result(action, notificationID, userID string, err error, raceMsg string) ActionResult {
	switch {
	case err == nil:
		metrics.IncrementTransition(action, "ok")
		return ok()
	case errors.Is(err, repository.ErrNotPending), errors.Is(err, repository.ErrNotTransitioned):
		metrics.IncrementTransition(action, "already_processed")
		a.logger.Info("Notification transition not applied",
			zap.String("action", action),
			zap.String("notification_id", notificationID),
			zap.String("user_id", userID),
		)
		return fail(raceMsg)
	default:
		metrics.IncrementTransition(action, "error")
		a.logger.Error("Notification transition failed",
			zap.String("action", action),
			zap.String("notification_id", notificationID),
			zap.String("user_id", userID),
			zap.Error(err),
		)
		return fail(MsgUpdateFailed)
	}
}
