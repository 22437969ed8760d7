package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/magabrotheeeer/subscription-gate/internal/config"
	"github.com/magabrotheeeer/subscription-gate/internal/lib/sl"
	"github.com/magabrotheeeer/subscription-gate/internal/metrics"
	"github.com/magabrotheeeer/subscription-gate/internal/models"
	"github.com/magabrotheeeer/subscription-gate/internal/notifier"
	"github.com/magabrotheeeer/subscription-gate/internal/paymentprovider"
)

var errNotConfirmed = errors.New("payment is not confirmed yet")

// RetryDelay пауза перед повторным списанием после failures неудач подряд: 2^failures минут.
func RetryDelay(failures int) time.Duration {
	if failures < 0 {
		failures = 0
	}
	if failures > 16 {
		failures = 16
	}
	return time.Duration(1<<failures) * time.Minute
}

func lockKey(subscriptionID int64) string {
	return "renewal:lock:" + strconv.FormatInt(subscriptionID, 10)
}

func dueForRenewal(sub *models.Subscription, now time.Time) bool {
	return sub.IsActive && sub.AutoRenewal && sub.HasRebill() &&
		sub.NextPaymentDate != nil && !sub.NextPaymentDate.After(now)
}

type renewalOutcome int

const (
	outcomeConfirmed renewalOutcome = iota
	outcomeRetry
	outcomeExhausted
)

func (s *Service) renew(ctx context.Context, sub models.Subscription, now time.Time, res *sweepCounters) error {
	const op = "scheduler.renew"
	log := s.log.With(slog.String("op", op), slog.Int64("subscription_id", sub.ID))

	key := lockKey(sub.ID)
	token, ok, err := s.locker.TryLock(ctx, key, s.lockTTL)
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	if !ok {
		log.Debug("renewal is held by another worker")
		return nil
	}
	defer func() {
		if err := s.locker.Unlock(context.WithoutCancel(ctx), key, token); err != nil {
			log.Warn("failed to release renewal lock", sl.Err(err))
		}
	}()

	// между выборкой и блокировкой подписку мог продлить другой процесс
	cur, err := s.repo.GetSubscription(ctx, sub.ID)
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	if !dueForRenewal(cur, now) {
		return nil
	}

	payment := &models.Payment{
		UserID:         cur.UserID,
		SubscriptionID: &cur.ID,
		OrderID:        paymentprovider.NewOrderID(cur.TelegramID),
		Amount:         cur.Amount,
		Currency:       models.CurrencyRUB,
		Status:         models.PaymentPending,
		Kind:           models.PaymentRenewal,
	}
	state, chargeErr := s.charge(ctx, cur, payment)
	if chargeErr != nil {
		log.Warn("recurring charge failed", sl.Err(chargeErr))
	}

	var outcome renewalOutcome
	apply := func(sub *models.Subscription) {
		if chargeErr == nil {
			outcome = outcomeConfirmed
			sub.EndDate = sub.EndDate.Add(sub.Period)
			last := now
			sub.LastPaymentDate = &last
			sub.FailedPaymentCount = 0
			sub.NotificationSent = false
			if state != nil && state.RebillID != "" {
				rebill := state.RebillID
				sub.RebillID = &rebill
			}
			if sub.AutoRenewal && sub.HasRebill() {
				sub.ScheduleNext(s.notifyWindow)
			} else {
				sub.NextPaymentDate = nil
			}
			completed := now
			payment.Status = models.PaymentCompleted
			payment.CompletedAt = &completed
			payment.Error = ""
			return
		}

		payment.Status = models.PaymentFailed
		payment.Error = chargeErr.Error()
		sub.FailedPaymentCount++
		if sub.FailedPaymentCount >= s.maxFailedPayments {
			outcome = outcomeExhausted
			sub.ClearAutoRenewal()
			return
		}
		outcome = outcomeRetry
		next := now.Add(RetryDelay(sub.FailedPaymentCount))
		sub.NextPaymentDate = &next
		// о повторе пользователь уже предупреждён сообщением о неудаче
		sub.NotificationSent = true
	}

	persistCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), config.RenewalPersistTimeout)
	defer cancel()
	saved, err := s.saveOutcome(persistCtx, cur, payment, apply)
	if err != nil {
		s.metrics.IncRenewal(metrics.RenewalError)
		return fmt.Errorf("%s: save outcome: %w", op, err)
	}

	switch outcome {
	case outcomeConfirmed:
		log.Info("subscription renewed", slog.Time("end_date", saved.EndDate))
		s.metrics.IncRenewal(metrics.RenewalConfirmed)
		res.renewed.Add(1)
		s.notify(ctx, notifier.KindRenewed, saved, notifier.RenewalSucceeded(saved.Amount, saved.EndDate))
	case outcomeRetry:
		log.Info("renewal will be retried",
			slog.Int("failed_payment_count", saved.FailedPaymentCount),
			slog.Time("next_payment_date", *saved.NextPaymentDate))
		s.metrics.IncRenewal(metrics.RenewalRetry)
		res.failed.Add(1)
		s.notify(ctx, notifier.KindRetry, saved,
			notifier.RenewalRetry(saved.FailedPaymentCount, s.maxFailedPayments, *saved.NextPaymentDate))
	case outcomeExhausted:
		log.Warn("auto-renewal disabled after repeated failures",
			slog.Int("failed_payment_count", saved.FailedPaymentCount))
		s.metrics.IncRenewal(metrics.RenewalExhausted)
		res.failed.Add(1)
		res.exhausted.Add(1)
		s.notify(ctx, notifier.KindExhausted, saved, notifier.RenewalExhausted(s.maxFailedPayments, saved.EndDate))
	}
	return nil
}

// charge инициирует рекуррентное списание и ждёт подтверждения по StatusPollPolicy.
func (s *Service) charge(ctx context.Context, sub *models.Subscription, payment *models.Payment) (*paymentprovider.PaymentState, error) {
	const op = "scheduler.charge"
	gatewayID, err := s.gateway.InitiateRecurringCharge(ctx, paymentprovider.RecurringChargeRequest{
		RebillID:    *sub.RebillID,
		Amount:      sub.Amount,
		OrderID:     payment.OrderID,
		Description: fmt.Sprintf("Продление подписки %s", sub.PlanCode),
		CustomerKey: strconv.FormatInt(sub.TelegramID, 10),
	})
	if err != nil {
		return nil, err
	}
	payment.GatewayPaymentID = &gatewayID

	// строка платежа нужна до опроса: по ней находит платёж уведомление шлюза
	persistCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), config.RenewalPersistTimeout)
	err = s.repo.CreatePayment(persistCtx, payment)
	cancel()
	if err != nil {
		s.log.Error("failed to store pending renewal payment",
			slog.String("op", op),
			slog.Int64("subscription_id", sub.ID),
			slog.String("gateway_payment_id", gatewayID),
			sl.Err(err))
	}

	return s.pollStatus(ctx, gatewayID)
}

// pollStatus опрашивает шлюз до подтверждения, окончательного отказа или
// исчерпания попыток. Перед первым опросом выдерживается Delay.
func (s *Service) pollStatus(ctx context.Context, paymentID string) (*paymentprovider.PaymentState, error) {
	if s.poll.Delay > 0 {
		timer := time.NewTimer(s.poll.Delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, ctx.Err()
		case <-timer.C:
		}
	}

	var state *paymentprovider.PaymentState
	operation := func() error {
		st, err := s.gateway.QueryStatus(ctx, paymentID)
		if err != nil {
			return err
		}
		state = st
		switch {
		case st.Status == paymentprovider.StatusConfirmed:
			return nil
		case st.Status.Terminal():
			return backoff.Permanent(fmt.Errorf("payment %s finished with status %s", paymentID, st.RawStatus))
		default:
			return fmt.Errorf("%w: status %s", errNotConfirmed, st.RawStatus)
		}
	}

	attempts := s.poll.MaxAttempts
	if attempts < 1 {
		attempts = 1
	}
	policy := backoff.WithContext(
		backoff.WithMaxRetries(backoff.NewConstantBackOff(s.poll.Delay), uint64(attempts-1)),
		ctx,
	)
	if err := backoff.Retry(operation, policy); err != nil {
		return state, err
	}
	return state, nil
}

// saveOutcome сохраняет подписку и платёж одной транзакцией: ожидающий платёж
// обновляется, а если он не был записан до опроса, вставляется. При конфликте
// версий подписка перечитывается и итог применяется к свежей копии.
func (s *Service) saveOutcome(
	ctx context.Context,
	cur *models.Subscription,
	payment *models.Payment,
	apply func(*models.Subscription),
) (*models.Subscription, error) {
	sub := cur.Clone()
	for attempt := 0; ; attempt++ {
		apply(sub)
		err := s.repo.SaveRenewalOutcome(ctx, sub, payment)
		if err == nil {
			return sub, nil
		}
		if !errors.Is(err, models.ErrConflict) || attempt > 0 {
			return nil, err
		}
		sub, err = s.repo.GetSubscription(ctx, cur.ID)
		if err != nil {
			return nil, err
		}
	}
}
