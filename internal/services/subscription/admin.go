package subscription

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/magabrotheeeer/subscription-gate/internal/lib/sl"
	"github.com/magabrotheeeer/subscription-gate/internal/models"
	"github.com/magabrotheeeer/subscription-gate/internal/notifier"
	"github.com/magabrotheeeer/subscription-gate/internal/storage"
)

// accountPayments сколько последних платежей показывать в карточке пользователя.
const accountPayments = 5

// Account карточка пользователя для бота и админки.
type Account struct {
	User         *models.User         `json:"user"`
	Access       models.AccessState   `json:"access"`
	Subscription *models.Subscription `json:"subscription,omitempty"`
	Payments     []models.Payment     `json:"payments"`
}

// RegisterUser заводит пользователя Telegram и сохраняет email для чеков.
func (s *Service) RegisterUser(ctx context.Context, telegramID int64, username, email string) (*models.User, error) {
	const op = "subscription.RegisterUser"

	email = strings.TrimSpace(email)
	if err := s.validate.Var(email, "required,email"); err != nil {
		return nil, fmt.Errorf("%s: %w", op, validation("email", "invalid email"))
	}

	user, err := s.repo.EnsureUser(ctx, telegramID, username)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	if user.Email != email {
		err := s.repo.UpdateUserEmail(ctx, user.ID, email)
		if errors.Is(err, storage.ErrAlreadyExists) {
			return nil, fmt.Errorf("%s: %w", op, validation("email", "already used by another account"))
		}
		if err != nil {
			return nil, fmt.Errorf("%s: %w", op, err)
		}
		user.Email = email
	}
	s.invalidateAccess(ctx, telegramID)
	s.log.Info("user registered", slog.Int64("telegram_id", telegramID))
	return user, nil
}

// EnsureUser запоминает пользователя Telegram без регистрации email.
func (s *Service) EnsureUser(ctx context.Context, telegramID int64, username string) (*models.User, error) {
	const op = "subscription.EnsureUser"
	user, err := s.repo.EnsureUser(ctx, telegramID, username)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	return user, nil
}

// SetUserActive блокирует или разблокирует пользователя.
func (s *Service) SetUserActive(ctx context.Context, telegramID int64, active bool) error {
	const op = "subscription.SetUserActive"
	if err := s.repo.SetUserActive(ctx, telegramID, active); err != nil {
		return fmt.Errorf("%s: %w", op, notFound(err, "user", telegramID))
	}
	s.invalidateAccess(ctx, telegramID)
	s.log.Info("user active flag changed",
		slog.Int64("telegram_id", telegramID),
		slog.Bool("active", active))
	return nil
}

// Account собирает карточку пользователя.
func (s *Service) Account(ctx context.Context, telegramID int64) (*Account, error) {
	const op = "subscription.Account"

	user, err := s.repo.GetUserByTelegramID(ctx, telegramID)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, notFound(err, "user", telegramID))
	}
	state, err := s.EvaluateAccess(ctx, telegramID)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	acc := &Account{User: user, Access: state}

	sub, err := s.repo.GetActiveSubscription(ctx, user.ID)
	switch {
	case err == nil:
		acc.Subscription = sub
	case !errors.Is(err, models.ErrNotFound):
		return nil, fmt.Errorf("%s: %w", op, err)
	}

	acc.Payments, err = s.repo.ListPaymentsByUser(ctx, user.ID, accountPayments)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	return acc, nil
}

// Plans возвращает тарифы в порядке из конфига.
func (s *Service) Plans() []models.Plan {
	return s.catalog.All()
}

// AddToWhitelist открывает пользователю доступ без оплаты. expiresAt nil означает бессрочно.
func (s *Service) AddToWhitelist(ctx context.Context, telegramID int64, reason, addedBy string, expiresAt *time.Time) (*models.WhitelistEntry, error) {
	const op = "subscription.AddToWhitelist"
	if telegramID <= 0 {
		return nil, fmt.Errorf("%s: %w", op, validation("telegram_id", "must be positive"))
	}
	if expiresAt != nil && !expiresAt.After(s.now()) {
		return nil, fmt.Errorf("%s: %w", op, validation("expires_at", "must be in the future"))
	}

	entry := &models.WhitelistEntry{
		TelegramID: telegramID,
		Reason:     reason,
		AddedBy:    addedBy,
		ExpiresAt:  expiresAt,
	}
	if err := s.repo.AddToWhitelist(ctx, entry); err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	s.invalidateAccess(ctx, telegramID)
	s.log.Info("whitelist entry added",
		slog.Int64("telegram_id", telegramID),
		slog.String("added_by", addedBy))
	return entry, nil
}

// RemoveFromWhitelist удаляет запись whitelist.
func (s *Service) RemoveFromWhitelist(ctx context.Context, telegramID int64) error {
	const op = "subscription.RemoveFromWhitelist"
	if err := s.repo.RemoveFromWhitelist(ctx, telegramID); err != nil {
		return fmt.Errorf("%s: %w", op, notFound(err, "whitelist entry", telegramID))
	}
	s.invalidateAccess(ctx, telegramID)
	s.log.Info("whitelist entry removed", slog.Int64("telegram_id", telegramID))
	return nil
}

// ListWhitelist возвращает все записи whitelist.
func (s *Service) ListWhitelist(ctx context.Context) ([]models.WhitelistEntry, error) {
	const op = "subscription.ListWhitelist"
	entries, err := s.repo.ListWhitelist(ctx)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	return entries, nil
}

// Stats сводные показатели.
func (s *Service) Stats(ctx context.Context) (*models.Stats, error) {
	const op = "subscription.Stats"
	st, err := s.repo.Stats(ctx)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	return st, nil
}

// SendMessage отправляет пользователю сообщение от администратора.
func (s *Service) SendMessage(ctx context.Context, telegramID int64, text string) error {
	const op = "subscription.SendMessage"
	text = strings.TrimSpace(text)
	if text == "" {
		return fmt.Errorf("%s: %w", op, validation("text", "must not be empty"))
	}
	err := s.notifier.Notify(ctx, telegramID, text)
	s.metrics.IncNotification(notifier.KindManual, err)
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	return nil
}

// Broadcast ставит сообщение в очередь для всех незаблокированных пользователей.
// Ошибка отдельного получателя не прерывает рассылку и учитывается в Failed.
func (s *Service) Broadcast(ctx context.Context, text string) (*models.BroadcastResult, error) {
	const op = "subscription.Broadcast"
	text = strings.TrimSpace(text)
	if text == "" {
		return nil, fmt.Errorf("%s: %w", op, validation("text", "must not be empty"))
	}

	ids, err := s.repo.ListActiveTelegramIDs(ctx)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}

	res := &models.BroadcastResult{Recipients: len(ids)}
	for _, id := range ids {
		if err := ctx.Err(); err != nil {
			return res, fmt.Errorf("%s: %w", op, err)
		}
		err := s.notifier.Notify(ctx, id, text)
		s.metrics.IncNotification(notifier.KindBroadcast, err)
		if err != nil {
			res.Failed++
			s.log.Warn("failed to queue broadcast message",
				slog.String("op", op),
				slog.Int64("telegram_id", id),
				sl.Err(err))
			continue
		}
		res.Queued++
	}

	s.log.Info("broadcast queued",
		slog.Int("recipients", res.Recipients),
		slog.Int("queued", res.Queued),
		slog.Int("failed", res.Failed))
	return res, nil
}
