package subscription

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/magabrotheeeer/subscription-gate/internal/lib/sl"
	"github.com/magabrotheeeer/subscription-gate/internal/models"
	"github.com/magabrotheeeer/subscription-gate/internal/services/access"
)

// EvaluateAccess решает, пускать ли пользователя в сообщество.
//
// Решение кешируется на AccessTTL. Закешированный доступ с истёкшим Until
// не используется, поэтому кеш не переживает окончание подписки.
func (s *Service) EvaluateAccess(ctx context.Context, telegramID int64) (models.AccessState, error) {
	const op = "subscription.EvaluateAccess"
	now := s.now()

	var cached models.AccessState
	found, err := s.cache.Get(ctx, accessKey(telegramID), &cached)
	if err != nil {
		s.log.Warn("failed to read access cache", slog.Int64("telegram_id", telegramID), sl.Err(err))
	}
	if found && cached.ValidAt(now) {
		return cached, nil
	}

	user, err := s.repo.GetUserByTelegramID(ctx, telegramID)
	if err != nil && !errors.Is(err, models.ErrNotFound) {
		return models.AccessState{}, fmt.Errorf("%s: %w", op, err)
	}
	if user == nil {
		return access.Evaluate(nil, nil, nil, now), nil
	}

	entry, err := s.repo.GetWhitelistEntry(ctx, telegramID)
	if err != nil && !errors.Is(err, models.ErrNotFound) {
		return models.AccessState{}, fmt.Errorf("%s: %w", op, err)
	}
	subs, err := s.repo.ListSubscriptionsByUser(ctx, user.ID)
	if err != nil {
		return models.AccessState{}, fmt.Errorf("%s: %w", op, err)
	}

	state := access.Evaluate(user, entry, subs, now)
	if err := s.cache.Set(ctx, accessKey(telegramID), state, s.accessTTL); err != nil {
		s.log.Warn("failed to cache access state", slog.Int64("telegram_id", telegramID), sl.Err(err))
	}
	return state, nil
}
