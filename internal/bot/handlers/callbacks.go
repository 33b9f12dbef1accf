package handlers

import (
	"context"
	"errors"
	"strconv"
	"strings"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"go.uber.org/zap"

	"github.com/dfda/dfda-node/internal/format"
	"github.com/dfda/dfda-node/internal/reminders"
	"github.com/dfda/dfda-node/internal/repository"
)

const (
	actionDone = "done"
	actionSkip = "skip"
	actionUndo = "undo"

	statusSeparator = "\n\nStatus: "
)

// PendingKeyboard is attached to a delivered reminder.
func PendingKeyboard(notificationID string) tgbotapi.InlineKeyboardMarkup {
	return tgbotapi.NewInlineKeyboardMarkup(
		tgbotapi.NewInlineKeyboardRow(
			tgbotapi.NewInlineKeyboardButtonData("✅ Done", "remind_"+actionDone+":"+notificationID),
			tgbotapi.NewInlineKeyboardButtonData("⏭ Skip", "remind_"+actionSkip+":"+notificationID),
		),
	)
}

func undoKeyboard(notificationID string) tgbotapi.InlineKeyboardMarkup {
	return tgbotapi.NewInlineKeyboardMarkup(
		tgbotapi.NewInlineKeyboardRow(
			tgbotapi.NewInlineKeyboardButtonData("↩ Undo", "remind_"+actionUndo+":"+notificationID),
		),
	)
}

// HandleCallbackQuery handles the buttons of a delivered reminder.
func (h *Handlers) HandleCallbackQuery(ctx context.Context, callback *tgbotapi.CallbackQuery) {
	if callback.Message == nil {
		h.answerCallback(callback.ID, "", false)
		return
	}
	chatID := callback.Message.Chat.ID
	messageID := callback.Message.MessageID

	action, id, err := parseCallback(callback.Data)
	if err != nil {
		h.logger.Warn("Ignoring callback", zap.String("data", callback.Data), zap.Error(err))
		h.answerCallback(callback.ID, "", false)
		return
	}

	profile, err := h.repos.Profiles.GetByTelegramChatID(ctx, chatID)
	if err != nil {
		if !errors.Is(err, repository.ErrNotFound) {
			h.logger.Error("Failed to load profile", zap.Int64("chat_id", chatID), zap.Error(err))
		}
		h.answerCallback(callback.ID, "Profile not found", true)
		return
	}

	var (
		res    reminders.ActionResult
		status string
		markup tgbotapi.InlineKeyboardMarkup
	)
	switch action {
	case actionDone:
		res, status = h.complete(ctx, id, profile.ID)
		markup = undoKeyboard(id)
	case actionSkip:
		res = h.actions.CompleteOrSkipNotification(ctx, id, profile.ID, true, nil)
		status = "skipped"
		markup = undoKeyboard(id)
	case actionUndo:
		res = h.actions.UndoNotification(ctx, id, profile.ID)
		markup = PendingKeyboard(id)
	default:
		h.answerCallback(callback.ID, "", false)
		return
	}

	if !res.Success {
		h.answerCallback(callback.ID, res.Error, true)
		return
	}
	h.answerCallback(callback.ID, "", false)

	title, body, _ := strings.Cut(baseText(callback.Message.Text), "\n")
	m := (&format.Message{}).Bold(title).Line("").Text(body)
	if status != "" {
		m.Text(statusSeparator).Italic(status)
	}
	h.editMessage(chatID, messageID, m, &markup)
}

// complete logs the schedule's default value when it has one, otherwise it
// only marks the notification completed.
func (h *Handlers) complete(ctx context.Context, id, userID string) (reminders.ActionResult, string) {
	n, err := h.repos.Notifications.GetByID(ctx, id, userID)
	if errors.Is(err, repository.ErrNotFound) {
		return reminders.ActionResult{Error: "Reminder not found"}, ""
	}
	if err != nil {
		h.logger.Error("Failed to load notification", zap.String("notification_id", id), zap.Error(err))
		return reminders.ActionResult{Error: reminders.MsgUpdateFailed}, ""
	}

	schedule, err := h.repos.Schedules.GetByID(ctx, n.ScheduleID)
	if err != nil {
		h.logger.Warn("Failed to load schedule", zap.String("schedule_id", n.ScheduleID), zap.Error(err))
	}
	if err == nil && schedule.DefaultValue != nil {
		value := *schedule.DefaultValue
		res := h.actions.LogAndComplete(ctx, id, userID, value, "")
		return res, "completed, logged " + strconv.FormatFloat(value, 'f', -1, 64)
	}
	return h.actions.CompleteOrSkipNotification(ctx, id, userID, false, nil), "completed"
}

func baseText(text string) string {
	base, _, _ := strings.Cut(text, statusSeparator)
	return base
}
