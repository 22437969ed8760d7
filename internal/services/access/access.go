// Package access реализует единый предикат доступа к сообществу.
//
// Evaluate не обращается к хранилищу и не меняет состояние: все данные
// передаются вызывающим, поэтому функцию можно звать из любых горутин.
package access

import (
	"time"

	"github.com/magabrotheeeer/subscription-gate/internal/models"
)

// Причины отказа, попадают в ответ API и в сообщения бота.
const (
	ReasonNotRegistered  = "registration required"
	ReasonUserDisabled   = "user is disabled"
	ReasonNoSubscription = "no active subscription"
)

// Evaluate решает, есть ли у пользователя доступ на момент now.
//
// Порядок проверок: регистрация, блокировка пользователя, whitelist,
// затем активная подписка с самой поздней датой окончания (при равенстве
// побеждает больший id). Бессрочная запись whitelist даёт Unlimited, срочная
// даёт доступ до своего ExpiresAt, если подписка не заканчивается позже.
func Evaluate(user *models.User, entry *models.WhitelistEntry, subs []models.Subscription, now time.Time) models.AccessState {
	if !user.Registered() {
		return models.AccessState{Status: models.AccessNeedsRegistration, Reason: ReasonNotRegistered}
	}
	if !user.IsActive {
		return models.AccessState{Status: models.AccessDenied, Reason: ReasonUserDisabled}
	}
	whitelisted := entry.ActiveAt(now)
	if whitelisted && entry.ExpiresAt == nil {
		return models.AccessState{Status: models.AccessGranted, Unlimited: true}
	}

	var best *models.Subscription
	for i := range subs {
		s := &subs[i]
		if !s.IsActive || !s.EndDate.After(now) {
			continue
		}
		if best == nil || s.EndDate.After(best.EndDate) || (s.EndDate.Equal(best.EndDate) && s.ID > best.ID) {
			best = s
		}
	}
	if whitelisted && (best == nil || !best.EndDate.After(*entry.ExpiresAt)) {
		until := *entry.ExpiresAt
		return models.AccessState{Status: models.AccessGranted, Until: &until}
	}
	if best == nil {
		return models.AccessState{Status: models.AccessDenied, Reason: ReasonNoSubscription}
	}

	until := best.EndDate
	return models.AccessState{
		Status:         models.AccessGranted,
		Until:          &until,
		SubscriptionID: best.ID,
	}
}
