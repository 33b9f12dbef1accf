package handlers

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"go.uber.org/zap"

	"github.com/dfda/dfda-node/internal/format"
	"github.com/dfda/dfda-node/internal/jobs"
	"github.com/dfda/dfda-node/internal/models"
	"github.com/dfda/dfda-node/internal/rrule"
)

const (
	defaultCategory = "General"
	defaultUnit     = "count"
)

// scheduleRequest is a validated reminder ready to be stored.
type scheduleRequest struct {
	Variable     string
	Category     string
	Unit         string
	TimeOfDay    string
	RRule        string
	StartDate    time.Time
	DefaultValue *float64
}

func (h *Handlers) handleTimezone(ctx context.Context, msg *tgbotapi.Message, profile *models.Profile) {
	zone := strings.TrimSpace(msg.CommandArguments())
	if zone == "" {
		current := "not set"
		if profile.Timezone != nil {
			current = *profile.Timezone
		}
		h.send(msg.Chat.ID, (&format.Message{}).Text("Your timezone is ").Bold(current).
			Line(".").Text("Change it with ").Code("/timezone Europe/Berlin"))
		return
	}

	if _, err := models.LoadLocation(zone); err != nil {
		h.send(msg.Chat.ID, (&format.Message{}).Code(zone).
			Text(" is not a known timezone. Use an IANA name such as ").Code("America/New_York"))
		return
	}
	if err := h.repos.Profiles.UpdateTimezone(ctx, profile.ID, zone); err != nil {
		h.logger.Error("Failed to update timezone", zap.String("user_id", profile.ID), zap.Error(err))
		h.sendText(msg.Chat.ID, "Could not save your timezone, please try again later.")
		return
	}
	h.send(msg.Chat.ID, (&format.Message{}).Text("Timezone set to ").Bold(zone))
}

// handleSchedule parses "/schedule <variable> <HH:MM> <RRULE>". The variable
// name may contain spaces; the last two arguments are the time and rule.
func (h *Handlers) handleSchedule(ctx context.Context, msg *tgbotapi.Message, profile *models.Profile) {
	usage := (&format.Message{}).Text("Usage: ").Code("/schedule <variable> <HH:MM> <RRULE>").
		Line("").Text("Example: ").Code("/schedule Blood Pressure 08:00 FREQ=WEEKLY;BYDAY=MO,WE,FR")

	fields := strings.Fields(msg.CommandArguments())
	if len(fields) < 3 {
		h.send(msg.Chat.ID, usage)
		return
	}
	n := len(fields)
	req := scheduleRequest{
		Variable:  strings.Join(fields[:n-2], " "),
		Category:  defaultCategory,
		Unit:      defaultUnit,
		TimeOfDay: fields[n-2],
		RRule:     fields[n-1],
	}
	if _, err := rrule.ParseTimeOfDay(req.TimeOfDay); err != nil {
		h.send(msg.Chat.ID, usage)
		return
	}
	if err := rrule.Validate(req.RRule); err != nil {
		h.send(msg.Chat.ID, (&format.Message{}).Text("That recurrence rule is not valid: ").Code(err.Error()))
		return
	}

	loc, ok := h.requireTimezone(msg.Chat.ID, profile)
	if !ok {
		return
	}
	today := h.now().In(loc)
	req.StartDate = time.Date(today.Year(), today.Month(), today.Day(), 0, 0, 0, 0, time.UTC)

	h.createSchedule(ctx, msg.Chat.ID, profile, req)
}

func (h *Handlers) handleRemind(ctx context.Context, msg *tgbotapi.Message, profile *models.Profile, text string) {
	if h.ai == nil {
		h.send(msg.Chat.ID, (&format.Message{}).Text("Free-text reminders are not enabled here. Use ").
			Code("/schedule <variable> <HH:MM> <RRULE>"))
		return
	}
	text = strings.TrimSpace(text)
	if text == "" {
		h.send(msg.Chat.ID, (&format.Message{}).Text("Tell me what to remind you about, e.g. ").
			Code("/remind log my weight every Monday at 7"))
		return
	}

	loc, ok := h.requireTimezone(msg.Chat.ID, profile)
	if !ok {
		return
	}
	now := h.now().In(loc)

	draft, err := h.ai.DraftSchedule(ctx, text, now)
	if err != nil {
		h.logger.Warn("Failed to draft schedule", zap.String("user_id", profile.ID), zap.Error(err))
		h.send(msg.Chat.ID, (&format.Message{}).Text("I could not turn that into a reminder. Try ").
			Code("/schedule <variable> <HH:MM> <RRULE>"))
		return
	}
	if draft.NeedMoreInfo {
		h.sendText(msg.Chat.ID, draft.FollowUpPrompt)
		return
	}

	start, err := draft.Start(now)
	if err != nil {
		h.sendText(msg.Chat.ID, "I could not understand the start date.")
		return
	}
	req := scheduleRequest{
		Variable:     draft.VariableName,
		Category:     orDefault(draft.Category, defaultCategory),
		Unit:         orDefault(draft.Unit, defaultUnit),
		TimeOfDay:    draft.TimeOfDay,
		RRule:        draft.RRule,
		StartDate:    start,
		DefaultValue: draft.DefaultValue,
	}
	h.createSchedule(ctx, msg.Chat.ID, profile, req)
}

func (h *Handlers) requireTimezone(chatID int64, profile *models.Profile) (*time.Location, bool) {
	loc, err := profile.Location()
	if err != nil {
		h.send(chatID, (&format.Message{}).Text("Set your timezone first, e.g. ").Code("/timezone Europe/Berlin"))
		return nil, false
	}
	return loc, true
}

// createSchedule stores the schedule and queues its first notification.
func (h *Handlers) createSchedule(ctx context.Context, chatID int64, profile *models.Profile, req scheduleRequest) {
	log := h.logger.With(zap.String("user_id", profile.ID))

	variable, err := h.repos.Variables.Ensure(ctx, req.Variable, req.Category, req.Unit)
	if err != nil {
		log.Error("Failed to ensure variable", zap.String("variable", req.Variable), zap.Error(err))
		h.sendText(chatID, "Could not save the reminder, please try again later.")
		return
	}

	start := req.StartDate
	schedule := &models.ReminderSchedule{
		UserID:              profile.ID,
		TrackableVariableID: variable.ID,
		RRule:               req.RRule,
		TimeOfDay:           req.TimeOfDay,
		StartDate:           &start,
		IsActive:            true,
		DefaultValue:        req.DefaultValue,
	}
	if err := h.repos.Schedules.Create(ctx, schedule); err != nil {
		log.Error("Failed to create schedule", zap.Error(err))
		h.sendText(chatID, "Could not save the reminder, please try again later.")
		return
	}

	if err := h.jobs.Enqueue(ctx, jobs.TaskProcessSingleSchedule, jobs.SingleSchedulePayload{ScheduleID: schedule.ID}); err != nil {
		// the next bulk run still picks the schedule up
		log.Warn("Failed to enqueue first notification", zap.String("schedule_id", schedule.ID), zap.Error(err))
	}

	m := (&format.Message{}).Text("Reminder saved: ").Bold(variable.Name).
		Text(" at ").Code(req.TimeOfDay).Text(", ").Text(rrule.Describe(req.RRule))
	if req.DefaultValue != nil {
		m.Text(" (one-tap value ").Code(strconv.FormatFloat(*req.DefaultValue, 'f', -1, 64)).Text(")")
	}
	h.send(chatID, m)
}

// handleToday renders the timeline for the user's local today.
func (h *Handlers) handleToday(ctx context.Context, msg *tgbotapi.Message, profile *models.Profile) {
	loc, err := profile.Location()
	if err != nil {
		loc = time.UTC
	}
	today := h.now().In(loc)
	date := time.Date(today.Year(), today.Month(), today.Day(), 0, 0, 0, 0, time.UTC)

	res := h.timeline.GetTimelineNotificationsForDate(ctx, profile.ID, date)
	if !res.Success {
		h.sendText(msg.Chat.ID, res.Error)
		return
	}
	h.send(msg.Chat.ID, renderTimeline(today, loc, res.Data))
}

func renderTimeline(today time.Time, loc *time.Location, items []models.NotificationSummary) *format.Message {
	m := (&format.Message{}).Bold(today.Format("Monday, Jan 2")).Line("")
	if len(items) == 0 {
		return m.Text("No reminders today.")
	}
	for _, it := range items {
		m.Code(it.TriggerAtUTC.In(loc).Format("15:04")).Text(" " + statusIcon(it.Status) + " ").Text(it.Title)
		if it.LoggedValue != nil {
			m.Text(" = ").Bold(strconv.FormatFloat(*it.LoggedValue, 'f', -1, 64))
			if it.UnitAbbreviation != "" {
				m.Text(" " + it.UnitAbbreviation)
			}
		}
		m.Line("")
	}
	return m
}

func statusIcon(s models.NotificationStatus) string {
	switch s {
	case models.StatusCompleted:
		return "✅"
	case models.StatusSkipped:
		return "⏭"
	default:
		return "⏰"
	}
}

func orDefault(s, fallback string) string {
	if strings.TrimSpace(s) == "" {
		return fallback
	}
	return s
}

var errBadCallback = errors.New("malformed callback data")

// parseCallback splits "remind_<action>:<notification id>".
func parseCallback(data string) (action, notificationID string, err error) {
	prefix, id, ok := strings.Cut(data, ":")
	if !ok || id == "" || !strings.HasPrefix(prefix, "remind_") {
		return "", "", fmt.Errorf("%w: %q", errBadCallback, data)
	}
	return strings.TrimPrefix(prefix, "remind_"), id, nil
}
