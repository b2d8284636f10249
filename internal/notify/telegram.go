package notify

import (
	"context"
	"fmt"

	"sparkles/internal/repository"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
)

// TelegramSender часть tgbotapi.BotAPI, которая нужна уведомлениям.
type TelegramSender interface {
	Send(c tgbotapi.Chattable) (tgbotapi.Message, error)
}

// Telegram шлёт сообщения в чат, привязанный в настройках аккаунта.
type Telegram struct {
	bot      TelegramSender
	settings repository.SettingsRepository
}

// NewTelegramBot подключается к Bot API по токену.
func NewTelegramBot(token string, debug bool) (*tgbotapi.BotAPI, error) {
	bot, err := tgbotapi.NewBotAPI(token)
	if err != nil {
		return nil, fmt.Errorf("telegram bot: %w", err)
	}
	bot.Debug = debug
	return bot, nil
}

func NewTelegram(bot TelegramSender, settings repository.SettingsRepository) *Telegram {
	return &Telegram{bot: bot, settings: settings}
}

func (t *Telegram) Name() string { return "telegram" }

func (t *Telegram) chatID(ctx context.Context, accountID int64) int64 {
	if t.settings == nil {
		return 0
	}
	settings, err := t.settings.GetSettings(ctx, accountID)
	if err != nil || settings == nil {
		return 0
	}
	return settings.TelegramChatID
}

// Permission granted только если аккаунт привязал чат.
func (t *Telegram) Permission(ctx context.Context, accountID int64) Permission {
	if t.bot == nil {
		return PermissionUnsupported
	}
	if t.chatID(ctx, accountID) == 0 {
		return PermissionDenied
	}
	return PermissionGranted
}

func (t *Telegram) Send(ctx context.Context, accountID int64, title, body string) error {
	chatID := t.chatID(ctx, accountID)
	if chatID == 0 {
		return fmt.Errorf("telegram: account %d has no linked chat", accountID)
	}
	text := title
	if body != "" {
		text = title + "\n" + body
	}
	if _, err := t.bot.Send(tgbotapi.NewMessage(chatID, text)); err != nil {
		return fmt.Errorf("telegram send: %w", err)
	}
	return nil
}
