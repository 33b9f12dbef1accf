package handlers

import (
	"context"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"go.uber.org/zap"

	"github.com/dfda/dfda-node/internal/ai"
	"github.com/dfda/dfda-node/internal/format"
	"github.com/dfda/dfda-node/internal/jobs"
	"github.com/dfda/dfda-node/internal/models"
	"github.com/dfda/dfda-node/internal/reminders"
)

// Sender is the part of the Telegram API the handlers use.
type Sender interface {
	Send(c tgbotapi.Chattable) (tgbotapi.Message, error)
	Request(c tgbotapi.Chattable) (*tgbotapi.APIResponse, error)
}

type ProfileStore interface {
	GetOrCreateByTelegramChat(ctx context.Context, chatID int64) (*models.Profile, error)
	GetByTelegramChatID(ctx context.Context, chatID int64) (*models.Profile, error)
	UpdateTimezone(ctx context.Context, id, timezone string) error
}

type VariableStore interface {
	Ensure(ctx context.Context, name, category, unit string) (*models.TrackableVariable, error)
}

type ScheduleStore interface {
	Create(ctx context.Context, s *models.ReminderSchedule) error
	GetByID(ctx context.Context, id string) (*models.ReminderSchedule, error)
}

type NotificationStore interface {
	GetByID(ctx context.Context, id, userID string) (*models.ReminderNotification, error)
}

type Actions interface {
	CompleteOrSkipNotification(ctx context.Context, notificationID, userID string, skipped bool, details *models.LogDetails) reminders.ActionResult
	UndoNotification(ctx context.Context, notificationID, userID string) reminders.ActionResult
	LogAndComplete(ctx context.Context, notificationID, userID string, value float64, note string) reminders.ActionResult
}

type Timeline interface {
	GetTimelineNotificationsForDate(ctx context.Context, userID string, date time.Time) reminders.TimelineResult
}

// Drafter turns free text into a schedule draft.
type Drafter interface {
	DraftSchedule(ctx context.Context, text string, now time.Time) (*ai.ScheduleDraft, error)
}

type Repositories struct {
	Profiles      ProfileStore
	Variables     VariableStore
	Schedules     ScheduleStore
	Notifications NotificationStore
}

type Handlers struct {
	api      Sender
	repos    *Repositories
	actions  Actions
	timeline Timeline
	jobs     jobs.Enqueuer
	ai       Drafter
	logger   *zap.Logger
	now      func() time.Time
}

// New builds the handlers. drafter may be nil when AI drafting is disabled.
func New(api Sender, repos *Repositories, actions Actions, timeline Timeline, enqueuer jobs.Enqueuer, drafter Drafter, logger *zap.Logger) *Handlers {
	return &Handlers{
		api:      api,
		repos:    repos,
		actions:  actions,
		timeline: timeline,
		jobs:     enqueuer,
		ai:       drafter,
		logger:   logger,
		now:      time.Now,
	}
}

func (h *Handlers) HandleCommand(ctx context.Context, msg *tgbotapi.Message) {
	profile, err := h.repos.Profiles.GetOrCreateByTelegramChat(ctx, msg.Chat.ID)
	if err != nil {
		h.logger.Error("Failed to get/create profile", zap.Int64("chat_id", msg.Chat.ID), zap.Error(err))
		h.sendText(msg.Chat.ID, "Something went wrong, please try again later.")
		return
	}

	switch msg.Command() {
	case "start":
		h.handleStart(msg, profile)
	case "help":
		h.handleHelp(msg)
	case "timezone":
		h.handleTimezone(ctx, msg, profile)
	case "today":
		h.handleToday(ctx, msg, profile)
	case "schedule":
		h.handleSchedule(ctx, msg, profile)
	case "remind":
		h.handleRemind(ctx, msg, profile, msg.CommandArguments())
	default:
		h.sendText(msg.Chat.ID, "Unknown command. Use /help to see what I can do.")
	}
}

// HandleMessage treats plain text as a reminder request.
func (h *Handlers) HandleMessage(ctx context.Context, msg *tgbotapi.Message) {
	profile, err := h.repos.Profiles.GetOrCreateByTelegramChat(ctx, msg.Chat.ID)
	if err != nil {
		h.logger.Error("Failed to get/create profile", zap.Int64("chat_id", msg.Chat.ID), zap.Error(err))
		return
	}
	h.handleRemind(ctx, msg, profile, msg.Text)
}

func (h *Handlers) sendText(chatID int64, text string) {
	if _, err := h.api.Send(tgbotapi.NewMessage(chatID, text)); err != nil {
		h.logger.Warn("Failed to send message", zap.Int64("chat_id", chatID), zap.Error(err))
	}
}

func (h *Handlers) send(chatID int64, m *format.Message) {
	msg := tgbotapi.NewMessage(chatID, m.String())
	msg.Entities = m.Entities()
	if _, err := h.api.Send(msg); err != nil {
		h.logger.Warn("Failed to send message", zap.Int64("chat_id", chatID), zap.Error(err))
	}
}

func (h *Handlers) answerCallback(callbackID, text string, alert bool) {
	answer := tgbotapi.NewCallback(callbackID, text)
	answer.ShowAlert = alert
	if _, err := h.api.Request(answer); err != nil {
		h.logger.Warn("Failed to answer callback", zap.Error(err))
	}
}

func (h *Handlers) editMessage(chatID int64, messageID int, m *format.Message, markup *tgbotapi.InlineKeyboardMarkup) {
	edit := tgbotapi.NewEditMessageText(chatID, messageID, m.String())
	edit.Entities = m.Entities()
	edit.ReplyMarkup = markup
	if _, err := h.api.Send(edit); err != nil {
		h.logger.Warn("Failed to edit message", zap.Int64("chat_id", chatID), zap.Error(err))
	}
}

func (h *Handlers) handleStart(msg *tgbotapi.Message, profile *models.Profile) {
	name := "there"
	if msg.From != nil && msg.From.FirstName != "" {
		name = msg.From.FirstName
	}

	m := (&format.Message{}).Text("Hi " + name + "!\n\n").
		Line("I remind you to record the things you track and keep your daily timeline.").
		Line("")
	if profile.Timezone == nil {
		m.Text("First, tell me your timezone, e.g. ").Code("/timezone Europe/Berlin").Line("")
	}
	m.Text("Then create a reminder with ").Code("/remind log my mood every evening at 8").
		Text(" or ").Code("/schedule Mood 20:00 FREQ=DAILY").Line("")
	h.send(msg.Chat.ID, m)
}

func (h *Handlers) handleHelp(msg *tgbotapi.Message) {
	m := (&format.Message{}).Bold("Commands").Line("").
		Code("/timezone <zone>").Line(" set your IANA timezone").
		Code("/today").Line(" show today's reminders").
		Code("/schedule <variable> <HH:MM> <RRULE>").Line(" create a reminder").
		Code("/remind <text>").Line(" describe a reminder in your own words")
	h.send(msg.Chat.ID, m)
}
