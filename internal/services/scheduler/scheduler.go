// Package scheduler периодически обходит подписки: предупреждает о скором
// списании, выполняет рекуррентные платежи и закрывает истёкшие подписки.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/magabrotheeeer/subscription-gate/internal/config"
	"github.com/magabrotheeeer/subscription-gate/internal/lib/sl"
	"github.com/magabrotheeeer/subscription-gate/internal/metrics"
	"github.com/magabrotheeeer/subscription-gate/internal/models"
	"github.com/magabrotheeeer/subscription-gate/internal/notifier"
	"github.com/magabrotheeeer/subscription-gate/internal/paymentprovider"
)

// Фазы sweep.
const (
	PhaseNotification = "notification"
	PhaseRenewal      = "renewal"
	PhaseExpiry       = "expiry"
)

// Repository хранилище подписок, нужное планировщику.
type Repository interface {
	ListDueForNotification(ctx context.Context, now time.Time, window time.Duration) ([]models.Subscription, error)
	ListDueForRenewal(ctx context.Context, now time.Time) ([]models.Subscription, error)
	ListExpired(ctx context.Context, now time.Time) ([]models.Subscription, error)
	GetSubscription(ctx context.Context, id int64) (*models.Subscription, error)
	UpdateSubscription(ctx context.Context, sub *models.Subscription) error
	CreatePayment(ctx context.Context, payment *models.Payment) error
	SaveRenewalOutcome(ctx context.Context, sub *models.Subscription, payment *models.Payment) error
}

// Gateway рекуррентные списания через платёжный шлюз.
type Gateway interface {
	InitiateRecurringCharge(ctx context.Context, req paymentprovider.RecurringChargeRequest) (string, error)
	QueryStatus(ctx context.Context, paymentID string) (*paymentprovider.PaymentState, error)
}

// Locker распределённая блокировка, не даёт двум процессам списывать по одной подписке.
type Locker interface {
	TryLock(ctx context.Context, key string, ttl time.Duration) (string, bool, error)
	Unlock(ctx context.Context, key, token string) error
}

// StatusPollPolicy сколько раз и с какой паузой опрашивать статус списания.
type StatusPollPolicy struct {
	MaxAttempts int
	Delay       time.Duration
}

// SweepResult итоги одного обхода.
type SweepResult struct {
	Notified  int
	Renewed   int
	Failed    int
	Exhausted int
	Expired   int
	Errors    int
}

// Service планировщик продлений.
type Service struct {
	log      *slog.Logger
	repo     Repository
	gateway  Gateway
	notifier notifier.Notifier
	locker   Locker
	metrics  *metrics.Billing

	interval          time.Duration
	notifyWindow      time.Duration
	maxFailedPayments int
	workers           int
	perSubTimeout     time.Duration
	lockTTL           time.Duration
	poll              StatusPollPolicy

	now func() time.Time
}

// New создаёт планировщик с настройками из cfg.
func New(
	log *slog.Logger,
	repo Repository,
	gateway Gateway,
	n notifier.Notifier,
	locker Locker,
	m *metrics.Billing,
	cfg config.Scheduler,
) *Service {
	workers := cfg.Workers
	if workers < 1 {
		workers = 1
	}
	return &Service{
		log:               log,
		repo:              repo,
		gateway:           gateway,
		notifier:          n,
		locker:            locker,
		metrics:           m,
		interval:          cfg.Interval,
		notifyWindow:      cfg.NotifyWindow,
		maxFailedPayments: cfg.MaxFailedPayments,
		workers:           workers,
		perSubTimeout:     cfg.PerSubscriptionTimeout,
		lockTTL:           cfg.LockTTL,
		poll: StatusPollPolicy{
			MaxAttempts: cfg.StatusPollAttempts,
			Delay:       cfg.StatusPollDelay,
		},
		now: time.Now,
	}
}

// Run выполняет sweep сразу и затем каждые interval, пока ctx не отменён.
// Начатый sweep доводится до конца.
func (s *Service) Run(ctx context.Context) error {
	const op = "scheduler.Run"
	log := s.log.With(slog.String("op", op))
	log.Info("renewal scheduler started", slog.Duration("interval", s.interval))

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		res := s.Sweep(ctx, s.now())
		log.Debug("sweep finished",
			slog.Int("notified", res.Notified),
			slog.Int("renewed", res.Renewed),
			slog.Int("failed", res.Failed),
			slog.Int("expired", res.Expired),
			slog.Int("errors", res.Errors),
		)

		select {
		case <-ctx.Done():
			log.Info("renewal scheduler stopped")
			return nil
		case <-ticker.C:
		}
	}
}

// Sweep выполняет три фазы по очереди. Ошибка одной подписки логируется
// и не прерывает обход.
func (s *Service) Sweep(ctx context.Context, now time.Time) SweepResult {
	var res sweepCounters

	s.phase(ctx, PhaseNotification, &res, func() ([]models.Subscription, error) {
		return s.repo.ListDueForNotification(ctx, now, s.notifyWindow)
	}, func(ctx context.Context, sub models.Subscription) error {
		return s.notifyUpcoming(ctx, sub, now, &res)
	})

	s.phase(ctx, PhaseRenewal, &res, func() ([]models.Subscription, error) {
		return s.repo.ListDueForRenewal(ctx, now)
	}, func(ctx context.Context, sub models.Subscription) error {
		return s.renew(ctx, sub, now, &res)
	})

	s.phase(ctx, PhaseExpiry, &res, func() ([]models.Subscription, error) {
		return s.repo.ListExpired(ctx, now)
	}, func(ctx context.Context, sub models.Subscription) error {
		return s.expire(ctx, sub, now, &res)
	})

	return res.result()
}

type sweepCounters struct {
	notified, renewed, failed, exhausted, expired, errors atomic.Int64
}

func (c *sweepCounters) result() SweepResult {
	return SweepResult{
		Notified:  int(c.notified.Load()),
		Renewed:   int(c.renewed.Load()),
		Failed:    int(c.failed.Load()),
		Exhausted: int(c.exhausted.Load()),
		Expired:   int(c.expired.Load()),
		Errors:    int(c.errors.Load()),
	}
}

// phase обрабатывает выборку не более чем workers подписками одновременно.
// После отмены ctx новые подписки не берутся, начатые доводятся на отвязанном
// от отмены контексте с собственным таймаутом.
func (s *Service) phase(
	ctx context.Context,
	name string,
	res *sweepCounters,
	list func() ([]models.Subscription, error),
	handle func(ctx context.Context, sub models.Subscription) error,
) {
	log := s.log.With(slog.String("op", "scheduler.Sweep"), slog.String("phase", name))
	if ctx.Err() != nil {
		return
	}

	started := time.Now()
	defer func() { s.metrics.ObservePhase(name, time.Since(started)) }()

	subs, err := list()
	if err != nil {
		log.Error("failed to list subscriptions", sl.Err(err))
		s.metrics.IncSweepError(name)
		res.errors.Add(1)
		return
	}
	if len(subs) == 0 {
		return
	}
	log.Info("processing subscriptions", slog.Int("count", len(subs)))

	sem := make(chan struct{}, s.workers)
	var wg sync.WaitGroup
loop:
	for _, sub := range subs {
		select {
		case <-ctx.Done():
			break loop
		case sem <- struct{}{}:
		}
		wg.Add(1)
		go func(sub models.Subscription) {
			defer wg.Done()
			defer func() { <-sem }()

			subCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.perSubTimeout)
			defer cancel()
			if err := handle(subCtx, sub); err != nil {
				log.Error("failed to process subscription",
					slog.Int64("subscription_id", sub.ID), sl.Err(err))
				s.metrics.IncSweepError(name)
				res.errors.Add(1)
			}
		}(sub)
	}
	wg.Wait()
}

// mutate применяет apply к подписке и сохраняет её. При конфликте версий
// подписка перечитывается и apply применяется ещё раз. apply возвращает false,
// если изменение больше не нужно, тогда ничего не сохраняется.
func (s *Service) mutate(ctx context.Context, sub *models.Subscription, apply func(*models.Subscription) bool) (*models.Subscription, bool, error) {
	cur := sub.Clone()
	for attempt := 0; ; attempt++ {
		if !apply(cur) {
			return cur, false, nil
		}
		err := s.repo.UpdateSubscription(ctx, cur)
		if err == nil {
			return cur, true, nil
		}
		if !errors.Is(err, models.ErrConflict) || attempt > 0 {
			return nil, false, err
		}
		cur, err = s.repo.GetSubscription(ctx, sub.ID)
		if err != nil {
			return nil, false, err
		}
	}
}

func (s *Service) notify(ctx context.Context, kind string, sub *models.Subscription, text string) {
	err := s.notifier.Notify(ctx, sub.TelegramID, text)
	s.metrics.IncNotification(kind, err)
	if err != nil {
		s.log.Warn("failed to notify user",
			slog.String("kind", kind),
			slog.Int64("subscription_id", sub.ID),
			slog.Int64("telegram_id", sub.TelegramID),
			sl.Err(err))
	}
}

func (s *Service) notifyUpcoming(ctx context.Context, sub models.Subscription, now time.Time, res *sweepCounters) error {
	const op = "scheduler.notifyUpcoming"

	updated, changed, err := s.mutate(ctx, &sub, func(cur *models.Subscription) bool {
		if !cur.IsActive || !cur.AutoRenewal || cur.NotificationSent || cur.NextPaymentDate == nil {
			return false
		}
		next := *cur.NextPaymentDate
		if !next.After(now) || next.After(now.Add(s.notifyWindow)) {
			return false
		}
		cur.NotificationSent = true
		return true
	})
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	if !changed {
		return nil
	}

	s.notify(ctx, notifier.KindUpcoming, updated, notifier.UpcomingCharge(updated.Amount, *updated.NextPaymentDate))
	res.notified.Add(1)
	return nil
}

func (s *Service) expire(ctx context.Context, sub models.Subscription, now time.Time, res *sweepCounters) error {
	const op = "scheduler.expire"

	updated, changed, err := s.mutate(ctx, &sub, func(cur *models.Subscription) bool {
		if !cur.IsActive || cur.AutoRenewal || cur.EndDate.After(now) {
			return false
		}
		cur.Deactivate()
		return true
	})
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	if !changed {
		return nil
	}

	s.log.Info("subscription expired",
		slog.Int64("subscription_id", updated.ID), slog.Int64("telegram_id", updated.TelegramID))
	s.notify(ctx, notifier.KindExpired, updated, notifier.AccessExpired())
	res.expired.Add(1)
	return nil
}
