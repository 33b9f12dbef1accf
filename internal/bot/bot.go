package bot

import (
	"context"
	"errors"
	"fmt"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"go.uber.org/zap"

	"github.com/dfda/dfda-node/internal/bot/handlers"
	"github.com/dfda/dfda-node/internal/format"
	"github.com/dfda/dfda-node/internal/jobs"
	"github.com/dfda/dfda-node/internal/models"
)

var ErrNoChat = errors.New("profile has no telegram chat")

type Bot struct {
	api      handlers.Sender
	self     string
	updates  func() tgbotapi.UpdatesChannel
	handlers *handlers.Handlers
	logger   *zap.Logger
}

// New connects to Telegram. drafter may be nil.
func New(token string, repos *handlers.Repositories, actions handlers.Actions, timeline handlers.Timeline,
	enqueuer jobs.Enqueuer, drafter handlers.Drafter, logger *zap.Logger) (*Bot, error) {
	api, err := tgbotapi.NewBotAPI(token)
	if err != nil {
		return nil, fmt.Errorf("failed to create bot: %w", err)
	}

	return &Bot{
		api:  api,
		self: api.Self.UserName,
		updates: func() tgbotapi.UpdatesChannel {
			u := tgbotapi.NewUpdate(0)
			u.Timeout = 60
			return api.GetUpdatesChan(u)
		},
		handlers: handlers.New(api, repos, actions, timeline, enqueuer, drafter, logger),
		logger:   logger,
	}, nil
}

func (b *Bot) Start(ctx context.Context) error {
	b.logger.Info("Authorized on account", zap.String("username", b.self))

	updates := b.updates()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case update := <-updates:
			go b.handleUpdate(ctx, update)
		}
	}
}

func (b *Bot) handleUpdate(ctx context.Context, update tgbotapi.Update) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.Error("Panic while handling update", zap.Int("update_id", update.UpdateID), zap.Any("panic", r))
		}
	}()

	switch {
	case update.CallbackQuery != nil:
		b.handlers.HandleCallbackQuery(ctx, update.CallbackQuery)
	case update.Message == nil:
		return
	case update.Message.IsCommand():
		b.handlers.HandleCommand(ctx, update.Message)
	default:
		b.handlers.HandleMessage(ctx, update.Message)
	}
}

// Deliver sends a due reminder with Done and Skip buttons.
func (b *Bot) Deliver(ctx context.Context, n *models.DueNotification) error {
	if n.TelegramChatID == 0 {
		return ErrNoChat
	}
	msg := NotificationMessage(n)

	reply := tgbotapi.NewMessage(n.TelegramChatID, msg.String())
	reply.Entities = msg.Entities()
	reply.ReplyMarkup = handlers.PendingKeyboard(n.ID)

	if _, err := b.api.Send(reply); err != nil {
		return fmt.Errorf("failed to send reminder %s: %w", n.ID, err)
	}
	return nil
}

// NotificationMessage renders the title and body templates of n.
func NotificationMessage(n *models.DueNotification) *format.Message {
	return (&format.Message{}).
		Bold(format.Title(n.TitleTemplate, n.VariableName)).
		Line("").
		Text(format.Body(n.MessageTemplate, n.VariableName))
}
