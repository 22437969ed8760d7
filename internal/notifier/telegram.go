package notifier

import (
	"context"
	"fmt"

	tgbot "github.com/go-telegram/bot"
	"github.com/go-telegram/bot/models"
)

// MessageSender часть *tgbot.Bot, нужная для отправки сообщений.
type MessageSender interface {
	SendMessage(ctx context.Context, params *tgbot.SendMessageParams) (*models.Message, error)
}

// Telegram отправляет уведомления напрямую через Bot API.
type Telegram struct {
	bot MessageSender
}

// NewTelegram создаёт уведомитель поверх бота.
func NewTelegram(bot MessageSender) *Telegram {
	return &Telegram{bot: bot}
}

// Notify отправляет text в личный чат пользователя.
func (t *Telegram) Notify(ctx context.Context, telegramID int64, text string) error {
	const op = "notifier.Telegram.Notify"
	_, err := t.bot.SendMessage(ctx, &tgbot.SendMessageParams{
		ChatID: telegramID,
		Text:   text,
	})
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	return nil
}
