package subscription

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"

	"github.com/magabrotheeeer/subscription-gate/internal/lib/sl"
	"github.com/magabrotheeeer/subscription-gate/internal/models"
	"github.com/magabrotheeeer/subscription-gate/internal/notifier"
	"github.com/magabrotheeeer/subscription-gate/internal/paymentprovider"
)

// Стадии оформления для метрик.
const (
	stageStarted   = "started"
	stageConfirmed = "confirmed"
	stageDeclined  = "declined"
	stageLate      = "late_renewal"
)

var (
	// ErrPaymentPending шлюз ещё не подтвердил оплату.
	ErrPaymentPending = &models.ValidationError{Field: "payment", Reason: "payment is not confirmed yet"}
	// ErrPaymentDeclined шлюз окончательно отклонил оплату.
	ErrPaymentDeclined = &models.ValidationError{Field: "payment", Reason: "payment was declined"}
	// ErrRenewalInProgress планировщик ещё опрашивает шлюз по этому списанию,
	// уведомление нужно принять повторно позже.
	ErrRenewalInProgress = errors.New("renewal payment is still being processed")
)

// Checkout начатая оплата тарифа.
type Checkout struct {
	PaymentURL     string      `json:"payment_url"`
	PaymentID      string      `json:"payment_id"`
	SubscriptionID int64       `json:"subscription_id"`
	Plan           models.Plan `json:"plan"`
}

// StartCheckout создаёт платёж в шлюзе и неактивную подписку, которая
// включится после подтверждения оплаты.
func (s *Service) StartCheckout(ctx context.Context, telegramID int64, planCode string) (*Checkout, error) {
	const op = "subscription.StartCheckout"

	plan, ok := s.catalog.Get(planCode)
	if !ok {
		return nil, fmt.Errorf("%s: %w", op, validation("plan", "unknown plan "+strconv.Quote(planCode)))
	}
	user, err := s.repo.GetUserByTelegramID(ctx, telegramID)
	if errors.Is(err, models.ErrNotFound) || (err == nil && !user.Registered()) {
		return nil, fmt.Errorf("%s: %w", op, validation("email", "registration required"))
	}
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	if !user.IsActive {
		return nil, fmt.Errorf("%s: %w", op, validation("user", "is disabled"))
	}

	orderID := paymentprovider.NewOrderID(telegramID)
	charge, err := s.gateway.InitiateCharge(ctx, paymentprovider.ChargeRequest{
		Amount:      plan.Price,
		OrderID:     orderID,
		Description: "Подписка «" + plan.Title + "»",
		Email:       user.Email,
		CustomerKey: strconv.FormatInt(telegramID, 10),
		Recurrent:   true,
	})
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}

	now := s.now()
	sub := &models.Subscription{
		UserID:     user.ID,
		TelegramID: telegramID,
		PlanCode:   plan.Code,
		Amount:     plan.Price,
		Period:     plan.Duration,
		StartDate:  now,
		EndDate:    now.Add(plan.Duration),
	}
	gatewayID := charge.PaymentID
	payment := &models.Payment{
		UserID:           user.ID,
		GatewayPaymentID: &gatewayID,
		OrderID:          orderID,
		Amount:           plan.Price,
		Currency:         models.CurrencyRUB,
		Status:           models.PaymentPending,
		Kind:             models.PaymentCheckout,
	}
	if err := s.repo.CreateCheckout(ctx, sub, payment); err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}

	s.metrics.IncCheckout(stageStarted)
	s.log.Info("checkout started",
		slog.Int64("telegram_id", telegramID),
		slog.String("plan", plan.Code),
		slog.String("payment_id", gatewayID),
		slog.Int64("subscription_id", sub.ID))
	return &Checkout{
		PaymentURL:     charge.PaymentURL,
		PaymentID:      gatewayID,
		SubscriptionID: sub.ID,
		Plan:           plan,
	}, nil
}

// ConfirmCheckout запрашивает статус первичного платежа в шлюзе и при
// подтверждении активирует подписку. Повторный вызов для уже проведённого
// платежа возвращает подписку без обращения к шлюзу.
func (s *Service) ConfirmCheckout(ctx context.Context, gatewayPaymentID string) (*models.Subscription, error) {
	const op = "subscription.ConfirmCheckout"

	payment, err := s.repo.GetPaymentByGatewayID(ctx, gatewayPaymentID)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, notFound(err, "payment", gatewayPaymentID))
	}
	if payment.Kind != models.PaymentCheckout || payment.SubscriptionID == nil {
		return nil, fmt.Errorf("%s: %w", op, validation("payment", "is not a checkout payment"))
	}
	if payment.Status == models.PaymentCompleted {
		return s.GetSubscription(ctx, *payment.SubscriptionID)
	}
	if payment.Status == models.PaymentFailed {
		return nil, fmt.Errorf("%s: %w", op, ErrPaymentDeclined)
	}

	state, err := s.gateway.QueryStatus(ctx, gatewayPaymentID)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	sub, err := s.applyCheckout(ctx, payment, state.Status, state.RawStatus, state.RebillID)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	return sub, nil
}

// HandleNotification обрабатывает уведомление шлюза о смене статуса платежа.
//
// Неизвестные платежи и промежуточные статусы не считаются ошибкой: шлюз
// повторяет уведомление, пока не получит ответ OK.
func (s *Service) HandleNotification(ctx context.Context, body []byte) error {
	const op = "subscription.HandleNotification"

	n, err := s.gateway.ParseNotification(body)
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	log := s.log.With(
		slog.String("payment_id", n.PaymentID),
		slog.String("status", n.RawStatus))

	payment, err := s.repo.GetPaymentByGatewayID(ctx, n.PaymentID)
	if errors.Is(err, models.ErrNotFound) {
		log.Warn("notification for unknown payment")
		return nil
	}
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	if payment.Final() {
		log.Debug("payment already settled")
		return nil
	}

	switch payment.Kind {
	case models.PaymentCheckout:
		_, err = s.applyCheckout(ctx, payment, n.Status, n.RawStatus, n.RebillID)
		if errors.Is(err, ErrPaymentPending) || errors.Is(err, ErrPaymentDeclined) {
			return nil
		}
	case models.PaymentRenewal:
		err = s.applyLateRenewal(ctx, payment, n.Status)
	}
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	return nil
}

// applyCheckout переводит первичный платёж и его подписку в состояние по статусу шлюза.
func (s *Service) applyCheckout(
	ctx context.Context,
	payment *models.Payment,
	status paymentprovider.Status,
	rawStatus, rebillID string,
) (*models.Subscription, error) {
	switch {
	case status == paymentprovider.StatusConfirmed:
	case status.Terminal():
		payment.Status = models.PaymentFailed
		payment.Error = rawStatus
		if err := s.repo.UpdatePayment(ctx, payment); err != nil && !errors.Is(err, models.ErrConflict) {
			return nil, err
		}
		s.metrics.IncCheckout(stageDeclined)
		s.log.Info("checkout declined",
			slog.Int64("payment_id", payment.ID),
			slog.String("status", rawStatus))
		return nil, ErrPaymentDeclined
	default:
		return nil, ErrPaymentPending
	}

	for attempt := 0; ; attempt++ {
		sub, err := s.repo.GetSubscription(ctx, *payment.SubscriptionID)
		if err != nil {
			return nil, notFound(err, "subscription", *payment.SubscriptionID)
		}

		now := s.now()
		sub.IsActive = true
		sub.StartDate = now
		sub.EndDate = now.Add(sub.Period)
		sub.LastPaymentDate = &now
		sub.FailedPaymentCount = 0
		sub.NotificationSent = false
		if rebillID != "" {
			sub.RebillID = &rebillID
			sub.AutoRenewal = true
			sub.ScheduleNext(s.notifyWindow)
		}
		payment.Status = models.PaymentCompleted
		payment.CompletedAt = &now
		payment.Error = ""

		err = s.repo.ActivateSubscription(ctx, sub, payment)
		if err == nil {
			s.invalidateAccess(ctx, sub.TelegramID)
			s.metrics.IncCheckout(stageConfirmed)
			s.log.Info("subscription activated",
				slog.Int64("subscription_id", sub.ID),
				slog.Int64("telegram_id", sub.TelegramID),
				slog.Bool("auto_renewal", sub.AutoRenewal))
			s.notifyActivated(ctx, sub)
			return sub, nil
		}
		if !errors.Is(err, models.ErrConflict) || attempt > 0 {
			return nil, err
		}

		// платёж мог провести параллельный обработчик уведомления
		fresh, err := s.repo.GetPaymentByGatewayID(ctx, *payment.GatewayPaymentID)
		if err != nil {
			return nil, err
		}
		if fresh.Status == models.PaymentCompleted {
			return s.repo.GetSubscription(ctx, *fresh.SubscriptionID)
		}
		*payment = *fresh
	}
}

func (s *Service) notifyActivated(ctx context.Context, sub *models.Subscription) {
	title := sub.PlanCode
	if plan, ok := s.catalog.Get(sub.PlanCode); ok && plan.Title != "" {
		title = plan.Title
	}
	err := s.notifier.Notify(ctx, sub.TelegramID, notifier.SubscriptionActivated(title, sub.EndDate, s.channelLink))
	s.metrics.IncNotification(notifier.KindActivated, err)
	if err != nil {
		s.log.Warn("failed to notify about activation",
			slog.Int64("telegram_id", sub.TelegramID), sl.Err(err))
	}
}

// applyLateRenewal засчитывает рекуррентное списание, которое шлюз подтвердил
// уже после того, как планировщик признал попытку неудачной. Пока попытка
// не завершена, подтверждение откладывается до повторного уведомления.
func (s *Service) applyLateRenewal(ctx context.Context, payment *models.Payment, status paymentprovider.Status) error {
	if status != paymentprovider.StatusConfirmed || payment.SubscriptionID == nil {
		return nil
	}
	if payment.Status == models.PaymentPending {
		return ErrRenewalInProgress
	}
	if payment.Status != models.PaymentFailed {
		return nil
	}

	for attempt := 0; ; attempt++ {
		sub, err := s.repo.GetSubscription(ctx, *payment.SubscriptionID)
		if err != nil {
			return notFound(err, "subscription", *payment.SubscriptionID)
		}
		if !sub.IsActive {
			s.log.Warn("late renewal confirmation for inactive subscription, refund manually",
				slog.Int64("subscription_id", sub.ID),
				slog.Int64("payment_id", payment.ID))
			return nil
		}

		now := s.now()
		sub.EndDate = sub.EndDate.Add(sub.Period)
		sub.LastPaymentDate = &now
		sub.FailedPaymentCount = 0
		sub.NotificationSent = false
		if sub.AutoRenewal && sub.HasRebill() {
			sub.ScheduleNext(s.notifyWindow)
		}
		settled := *payment
		settled.Status = models.PaymentCompleted
		settled.CompletedAt = &now
		settled.Error = ""

		err = s.repo.SaveRenewalOutcome(ctx, sub, &settled)
		if err == nil {
			s.invalidateAccess(ctx, sub.TelegramID)
			s.metrics.IncCheckout(stageLate)
			s.log.Info("late renewal confirmation applied",
				slog.Int64("subscription_id", sub.ID),
				slog.Time("end_date", sub.EndDate))
			return nil
		}
		if !errors.Is(err, models.ErrConflict) || attempt > 0 {
			return err
		}
	}
}
