package subscription

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/magabrotheeeer/subscription-gate/internal/models"
	"github.com/magabrotheeeer/subscription-gate/internal/storage"
)

// PlanManual код тарифа для подписок, выданных администратором без оплаты.
const PlanManual = "manual"

// GetSubscription возвращает подписку по id.
func (s *Service) GetSubscription(ctx context.Context, id int64) (*models.Subscription, error) {
	const op = "subscription.GetSubscription"
	sub, err := s.repo.GetSubscription(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, notFound(err, "subscription", id))
	}
	return sub, nil
}

// ActiveSubscription возвращает активную подписку пользователя Telegram.
func (s *Service) ActiveSubscription(ctx context.Context, telegramID int64) (*models.Subscription, error) {
	const op = "subscription.ActiveSubscription"
	user, err := s.repo.GetUserByTelegramID(ctx, telegramID)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, notFound(err, "user", telegramID))
	}
	sub, err := s.repo.GetActiveSubscription(ctx, user.ID)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, notFound(err, "active subscription of user", telegramID))
	}
	return sub, nil
}

// ExtendSubscription продлевает активную подписку на n дней.
// Отсчёт идёт от окончания подписки, а если она уже истекла, от текущего момента.
func (s *Service) ExtendSubscription(ctx context.Context, id int64, n int) (*models.Subscription, error) {
	const op = "subscription.ExtendSubscription"
	if n <= 0 {
		return nil, fmt.Errorf("%s: %w", op, validation("days", "must be positive"))
	}

	sub, err := s.mutate(ctx, id, func(sub *models.Subscription) error {
		if !sub.IsActive {
			return validation("subscription", "is not active")
		}
		sub.EndDate = maxTime(sub.EndDate, s.now()).Add(days(n))
		if sub.AutoRenewal && sub.HasRebill() {
			sub.ScheduleNext(s.notifyWindow)
			sub.NotificationSent = false
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	s.log.Info("subscription extended",
		slog.Int64("subscription_id", id),
		slog.Int("days", n),
		slog.Time("end_date", sub.EndDate))
	return sub, nil
}

// CancelSubscription закрывает подписку сразу, автопродление и сохранённая
// карта сбрасываются. Повторная отмена ничего не меняет.
func (s *Service) CancelSubscription(ctx context.Context, id int64) (*models.Subscription, error) {
	const op = "subscription.CancelSubscription"

	var alreadyInactive *models.Subscription
	sub, err := s.mutate(ctx, id, func(sub *models.Subscription) error {
		if !sub.IsActive {
			alreadyInactive = sub
			return errNoChange
		}
		sub.Deactivate()
		return nil
	})
	if errors.Is(err, errNoChange) {
		return alreadyInactive, nil
	}
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	s.log.Info("subscription cancelled", slog.Int64("subscription_id", id))
	return sub, nil
}

// ToggleAutoRenewal включает или выключает автопродление.
//
// Выключение оставляет доступ до конца оплаченного периода и сохраняет
// карту, чтобы автопродление можно было вернуть без новой оплаты.
// Включение требует активной подписки с сохранённой картой и сбрасывает
// счётчик неудачных списаний.
func (s *Service) ToggleAutoRenewal(ctx context.Context, id int64, enabled bool) (*models.Subscription, error) {
	const op = "subscription.ToggleAutoRenewal"

	sub, err := s.mutate(ctx, id, func(sub *models.Subscription) error {
		if !sub.IsActive {
			return validation("subscription", "is not active")
		}
		if !enabled {
			sub.AutoRenewal = false
			sub.NextPaymentDate = nil
			sub.NotificationSent = false
			return nil
		}
		if !sub.HasRebill() {
			return validation("auto_renewal", "no saved card, pay for a plan again")
		}
		sub.AutoRenewal = true
		sub.FailedPaymentCount = 0
		sub.NotificationSent = false
		sub.ScheduleNext(s.notifyWindow)
		if now := s.now(); sub.NextPaymentDate.Before(now) {
			sub.NextPaymentDate = &now
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	s.log.Info("auto renewal toggled",
		slog.Int64("subscription_id", id),
		slog.Bool("enabled", enabled))
	return sub, nil
}

// ToggleAutoRenewalForUser меняет автопродление активной подписки пользователя Telegram.
func (s *Service) ToggleAutoRenewalForUser(ctx context.Context, telegramID int64, enabled bool) (*models.Subscription, error) {
	sub, err := s.ActiveSubscription(ctx, telegramID)
	if err != nil {
		return nil, err
	}
	return s.ToggleAutoRenewal(ctx, sub.ID, enabled)
}

// GrantSubscription выдаёт пользователю n дней доступа без оплаты: продлевает
// активную подписку или создаёт подписку с тарифом PlanManual.
func (s *Service) GrantSubscription(ctx context.Context, telegramID int64, n int) (*models.Subscription, error) {
	const op = "subscription.GrantSubscription"
	if n <= 0 {
		return nil, fmt.Errorf("%s: %w", op, validation("days", "must be positive"))
	}

	user, err := s.repo.GetUserByTelegramID(ctx, telegramID)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, notFound(err, "user", telegramID))
	}
	active, err := s.repo.GetActiveSubscription(ctx, user.ID)
	switch {
	case err == nil:
		return s.ExtendSubscription(ctx, active.ID, n)
	case !errors.Is(err, models.ErrNotFound):
		return nil, fmt.Errorf("%s: %w", op, err)
	}

	now := s.now()
	sub := &models.Subscription{
		UserID:     user.ID,
		TelegramID: user.TelegramID,
		PlanCode:   PlanManual,
		Period:     days(n),
		StartDate:  now,
		EndDate:    now.Add(days(n)),
		IsActive:   true,
	}
	if err := s.repo.CreateSubscription(ctx, sub); err != nil {
		if errors.Is(err, storage.ErrAlreadyExists) {
			return nil, fmt.Errorf("%s: %w", op, models.ErrConflict)
		}
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	s.invalidateAccess(ctx, telegramID)
	s.log.Info("subscription granted",
		slog.Int64("telegram_id", telegramID),
		slog.Int64("subscription_id", sub.ID),
		slog.Int("days", n))
	return sub, nil
}
