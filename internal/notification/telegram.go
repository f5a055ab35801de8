package notification

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	gobot "github.com/go-telegram-bot-api/telegram-bot-api/v5"
)

// sender is the part of the bot API used for delivery.
type sender interface {
	Send(c gobot.Chattable) (gobot.Message, error)
}

// TelegramNotifier sends alerts to one chat via the Telegram Bot API.
type TelegramNotifier struct {
	bot    sender
	api    *gobot.BotAPI
	chatID int64
	log    *slog.Logger
}

// NewTelegramNotifier authenticates the bot token and targets chatID.
func NewTelegramNotifier(token string, chatID int64, log *slog.Logger) (*TelegramNotifier, error) {
	if log == nil {
		log = slog.Default()
	}
	api, err := gobot.NewBotAPI(token)
	if err != nil {
		return nil, fmt.Errorf("telegram: %w", err)
	}
	api.Debug = false
	log.Info("telegram connected", slog.String("bot", api.Self.UserName))
	return &TelegramNotifier{
		bot:    api,
		api:    api,
		chatID: chatID,
		log:    log.With(slog.String("component", "telegram")),
	}, nil
}

func (t *TelegramNotifier) Send(ctx context.Context, alert Alert) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	emoji := "ℹ️"
	switch alert.Level {
	case AlertWarning:
		emoji = "⚠️"
	case AlertCritical:
		emoji = "🚨"
	}

	msg := gobot.NewMessage(t.chatID, fmt.Sprintf("%s *%s*\n\n%s",
		emoji,
		gobot.EscapeText(gobot.ModeMarkdownV2, alert.Title),
		gobot.EscapeText(gobot.ModeMarkdownV2, alert.Message)))
	msg.ParseMode = gobot.ModeMarkdownV2
	msg.DisableWebPagePreview = true

	if _, err := t.bot.Send(msg); err != nil {
		return fmt.Errorf("telegram: send: %w", err)
	}
	return nil
}

// Commands maps a chat command such as "/status" to the text it replies with.
type Commands map[string]func() string

// Listen answers the registered commands in the configured chat until ctx
// is cancelled. Other chats and unknown commands are ignored.
func (t *TelegramNotifier) Listen(ctx context.Context, cmds Commands) {
	if t.api == nil {
		return
	}
	u := gobot.NewUpdate(0)
	u.Timeout = 30
	updates := t.api.GetUpdatesChan(u)
	defer t.api.StopReceivingUpdates()

	for {
		select {
		case <-ctx.Done():
			return
		case up, ok := <-updates:
			if !ok {
				return
			}
			if reply, ok := t.handle(up, cmds); ok {
				if _, err := t.bot.Send(reply); err != nil {
					t.log.Warn("telegram reply failed", slog.String("error", err.Error()))
				}
			}
		}
	}
}

func (t *TelegramNotifier) handle(up gobot.Update, cmds Commands) (gobot.MessageConfig, bool) {
	if up.Message == nil || up.Message.Chat == nil || up.Message.Chat.ID != t.chatID {
		return gobot.MessageConfig{}, false
	}
	fields := strings.Fields(up.Message.Text)
	if len(fields) == 0 {
		return gobot.MessageConfig{}, false
	}
	// "/status@my_bot" in group chats
	name, _, _ := strings.Cut(fields[0], "@")
	reply, ok := cmds[name]
	if !ok {
		return gobot.MessageConfig{}, false
	}
	return gobot.NewMessage(t.chatID, reply()), true
}
