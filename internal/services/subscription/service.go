// Package subscription реализует жизненный цикл подписки: проверку доступа,
// оформление через платёжный шлюз и административные операции.
package subscription

import (
	"context"
	"errors"
	"log/slog"
	"strconv"
	"time"

	"github.com/go-playground/validator"

	"github.com/magabrotheeeer/subscription-gate/internal/lib/sl"
	"github.com/magabrotheeeer/subscription-gate/internal/metrics"
	"github.com/magabrotheeeer/subscription-gate/internal/models"
	"github.com/magabrotheeeer/subscription-gate/internal/notifier"
	"github.com/magabrotheeeer/subscription-gate/internal/paymentprovider"
)

// Repository хранилище пользователей, подписок, платежей и whitelist.
type Repository interface {
	EnsureUser(ctx context.Context, telegramID int64, username string) (*models.User, error)
	GetUserByTelegramID(ctx context.Context, telegramID int64) (*models.User, error)
	UpdateUserEmail(ctx context.Context, userID int64, email string) error
	SetUserActive(ctx context.Context, telegramID int64, active bool) error
	ListActiveTelegramIDs(ctx context.Context) ([]int64, error)

	GetSubscription(ctx context.Context, id int64) (*models.Subscription, error)
	ListSubscriptionsByUser(ctx context.Context, userID int64) ([]models.Subscription, error)
	GetActiveSubscription(ctx context.Context, userID int64) (*models.Subscription, error)
	CreateSubscription(ctx context.Context, sub *models.Subscription) error
	UpdateSubscription(ctx context.Context, sub *models.Subscription) error

	CreateCheckout(ctx context.Context, sub *models.Subscription, payment *models.Payment) error
	ActivateSubscription(ctx context.Context, sub *models.Subscription, payment *models.Payment) error
	SaveRenewalOutcome(ctx context.Context, sub *models.Subscription, payment *models.Payment) error
	GetPaymentByGatewayID(ctx context.Context, gatewayPaymentID string) (*models.Payment, error)
	UpdatePayment(ctx context.Context, payment *models.Payment) error
	ListPaymentsByUser(ctx context.Context, userID int64, limit int) ([]models.Payment, error)

	GetWhitelistEntry(ctx context.Context, telegramID int64) (*models.WhitelistEntry, error)
	AddToWhitelist(ctx context.Context, entry *models.WhitelistEntry) error
	RemoveFromWhitelist(ctx context.Context, telegramID int64) error
	ListWhitelist(ctx context.Context) ([]models.WhitelistEntry, error)

	Stats(ctx context.Context) (*models.Stats, error)
}

// Gateway первичная оплата и проверка статуса в платёжном шлюзе.
type Gateway interface {
	InitiateCharge(ctx context.Context, req paymentprovider.ChargeRequest) (*paymentprovider.Charge, error)
	QueryStatus(ctx context.Context, paymentID string) (*paymentprovider.PaymentState, error)
	ParseNotification(body []byte) (*paymentprovider.Notification, error)
}

// Cache кеш решений о доступе.
type Cache interface {
	Get(ctx context.Context, key string, result any) (bool, error)
	Set(ctx context.Context, key string, value any, expiration time.Duration) error
	Invalidate(ctx context.Context, key string) error
}

// Options параметры сервиса из конфига.
type Options struct {
	NotifyWindow time.Duration
	AccessTTL    time.Duration
	ChannelLink  string
}

// Service операции над подписками для бота и админ-API.
type Service struct {
	log      *slog.Logger
	repo     Repository
	gateway  Gateway
	cache    Cache
	notifier notifier.Notifier
	catalog  *models.Catalog
	metrics  *metrics.Billing
	validate *validator.Validate

	notifyWindow time.Duration
	accessTTL    time.Duration
	channelLink  string
	now          func() time.Time
}

// New создаёт сервис подписок.
func New(
	log *slog.Logger,
	repo Repository,
	gateway Gateway,
	cache Cache,
	notifier notifier.Notifier,
	catalog *models.Catalog,
	m *metrics.Billing,
	opts Options,
) *Service {
	return &Service{
		log:          log,
		repo:         repo,
		gateway:      gateway,
		cache:        cache,
		notifier:     notifier,
		catalog:      catalog,
		metrics:      m,
		validate:     validator.New(),
		notifyWindow: opts.NotifyWindow,
		accessTTL:    opts.AccessTTL,
		channelLink:  opts.ChannelLink,
		now:          time.Now,
	}
}

// errNoChange возвращается из apply, когда сохранять нечего.
var errNoChange = errors.New("no change")

func accessKey(telegramID int64) string {
	return "access:" + strconv.FormatInt(telegramID, 10)
}

// invalidateAccess сбрасывает закешированное решение о доступе.
func (s *Service) invalidateAccess(ctx context.Context, telegramID int64) {
	if err := s.cache.Invalidate(ctx, accessKey(telegramID)); err != nil {
		s.log.Warn("failed to invalidate access cache",
			slog.Int64("telegram_id", telegramID), sl.Err(err))
	}
}

// mutate перечитывает подписку, применяет apply и сохраняет с проверкой версии.
// Конфликт версий повторяется один раз, затем возвращается models.ErrConflict.
func (s *Service) mutate(ctx context.Context, id int64, apply func(*models.Subscription) error) (*models.Subscription, error) {
	for attempt := 0; ; attempt++ {
		sub, err := s.repo.GetSubscription(ctx, id)
		if err != nil {
			return nil, notFound(err, "subscription", id)
		}
		if err := apply(sub); err != nil {
			return nil, err
		}
		err = s.repo.UpdateSubscription(ctx, sub)
		if err == nil {
			s.invalidateAccess(ctx, sub.TelegramID)
			return sub, nil
		}
		if !errors.Is(err, models.ErrConflict) || attempt > 0 {
			return nil, err
		}
		s.log.Debug("subscription changed concurrently, retrying", slog.Int64("subscription_id", id))
	}
}

// notFound заменяет ошибку хранилища «не найдено» на доменную.
func notFound(err error, entity string, key any) error {
	if errors.Is(err, models.ErrNotFound) {
		return &models.NotFoundError{Entity: entity, Key: key}
	}
	return err
}

func validation(field, reason string) error {
	return &models.ValidationError{Field: field, Reason: reason}
}

func days(n int) time.Duration {
	return time.Duration(n) * 24 * time.Hour
}

func maxTime(a, b time.Time) time.Time {
	if a.After(b) {
		return a
	}
	return b
}
