// Package sender доставляет уведомления из очереди пользователям Telegram.
package sender

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	"golang.org/x/time/rate"

	"github.com/magabrotheeeer/subscription-gate/internal/lib/sl"
	"github.com/magabrotheeeer/subscription-gate/internal/notifier"
)

// Service читает notifier.Message из очереди и отправляет их через Notifier.
type Service struct {
	notifier notifier.Notifier
	limiter  *rate.Limiter
	log      *slog.Logger
}

// New создаёт отправителя. limiter ограничивает частоту запросов к Bot API.
func New(n notifier.Notifier, limiter *rate.Limiter, log *slog.Logger) *Service {
	return &Service{
		notifier: n,
		limiter:  limiter,
		log:      log,
	}
}

// Handle доставляет одно сообщение очереди.
//
// Нераспознаваемые сообщения и постоянные отказы Telegram (бот заблокирован,
// чат не найден) отбрасываются. Ошибка возвращается только тогда, когда
// повторная доставка имеет смысл: превышен лимит Telegram или остановлен ctx.
func (s *Service) Handle(ctx context.Context, body []byte) error {
	const op = "sender.Handle"

	var msg notifier.Message
	if err := json.Unmarshal(body, &msg); err != nil {
		s.log.Error("dropping malformed notification", sl.Err(err))
		return nil
	}
	if msg.TelegramID == 0 || strings.TrimSpace(msg.Text) == "" {
		s.log.Error("dropping incomplete notification", slog.Int64("telegram_id", msg.TelegramID))
		return nil
	}

	if err := s.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	err := s.notifier.Notify(ctx, msg.TelegramID, msg.Text)
	if err == nil {
		s.log.Debug("notification delivered", slog.Int64("telegram_id", msg.TelegramID))
		return nil
	}
	if ctx.Err() != nil || retryable(err) {
		return fmt.Errorf("%s: %w", op, err)
	}
	s.log.Warn("notification rejected by telegram",
		slog.Int64("telegram_id", msg.TelegramID), sl.Err(err))
	return nil
}

// retryable сообщает, стоит ли повторять отправку. Bot API отвечает
// 429 "Too Many Requests" при превышении лимита, 5xx при сбоях на своей стороне.
func retryable(err error) bool {
	text := err.Error()
	for _, marker := range []string{"Too Many Requests", "Internal Server Error", "Bad Gateway", "timeout", "connection refused"} {
		if strings.Contains(text, marker) {
			return true
		}
	}
	return false
}
