// Package notifier доставляет пользователям сообщения о подписке.
package notifier

import (
	"context"
	"fmt"
	"time"

	"github.com/magabrotheeeer/subscription-gate/internal/models"
)

// Notifier отправляет текст пользователю Telegram.
type Notifier interface {
	Notify(ctx context.Context, telegramID int64, text string) error
}

// Message сообщение в очереди уведомлений.
type Message struct {
	TelegramID int64  `json:"telegram_id"`
	Text       string `json:"text"`
}

// Виды уведомлений, используются как метки метрик.
const (
	KindUpcoming  = "upcoming"
	KindRenewed   = "renewed"
	KindRetry     = "retry"
	KindExhausted = "exhausted"
	KindExpired   = "expired"
	KindActivated = "activated"
	KindManual    = "manual"
	KindBroadcast = "broadcast"
)

const dateLayout = "02.01.2006 15:04"

// UpcomingCharge предупреждает о скором автосписании.
func UpcomingCharge(amount int64, at time.Time) string {
	return fmt.Sprintf("Напоминание: %s будет автоматически списано %s для продления подписки.\n"+
		"Отключить автопродление: /autorenew_off", models.FormatRub(amount), at.Format(dateLayout))
}

// RenewalSucceeded сообщает об успешном продлении.
func RenewalSucceeded(amount int64, until time.Time) string {
	return fmt.Sprintf("Подписка продлена, списано %s. Доступ открыт до %s.",
		models.FormatRub(amount), until.Format(dateLayout))
}

// RenewalRetry сообщает о неудачном списании, которое будет повторено.
func RenewalRetry(attempt, maxAttempts int, next time.Time) string {
	return fmt.Sprintf("Не удалось списать оплату за подписку (попытка %d/%d). Повторим %s.",
		attempt, maxAttempts, next.Format(dateLayout))
}

// RenewalExhausted сообщает, что автопродление отключено после неудачных попыток.
func RenewalExhausted(maxAttempts int, until time.Time) string {
	return fmt.Sprintf("Не удалось списать оплату %d раза подряд, автопродление отключено. "+
		"Доступ сохранится до %s, продлить подписку можно командой /plans.",
		maxAttempts, until.Format(dateLayout))
}

// AccessExpired сообщает об окончании подписки.
func AccessExpired() string {
	return "Срок подписки истёк, доступ к сообществу закрыт. Оформить новую подписку: /plans"
}

// SubscriptionActivated подтверждает первую оплату.
func SubscriptionActivated(plan string, until time.Time, channelLink string) string {
	text := fmt.Sprintf("Оплата получена, подписка «%s» активна до %s.", plan, until.Format(dateLayout))
	if channelLink != "" {
		text += "\nСсылка на сообщество: " + channelLink
	}
	return text
}
