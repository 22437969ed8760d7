package subscription

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/magabrotheeeer/subscription-gate/internal/cache"
	"github.com/magabrotheeeer/subscription-gate/internal/models"
	"github.com/magabrotheeeer/subscription-gate/internal/paymentprovider"
)

type RepoMock struct{ mock.Mock }

func (m *RepoMock) EnsureUser(ctx context.Context, telegramID int64, username string) (*models.User, error) {
	args := m.Called(ctx, telegramID, username)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*models.User), args.Error(1)
}

func (m *RepoMock) GetUserByTelegramID(ctx context.Context, telegramID int64) (*models.User, error) {
	args := m.Called(ctx, telegramID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*models.User), args.Error(1)
}

func (m *RepoMock) UpdateUserEmail(ctx context.Context, userID int64, email string) error {
	return m.Called(ctx, userID, email).Error(0)
}

func (m *RepoMock) SetUserActive(ctx context.Context, telegramID int64, active bool) error {
	return m.Called(ctx, telegramID, active).Error(0)
}

func (m *RepoMock) GetSubscription(ctx context.Context, id int64) (*models.Subscription, error) {
	args := m.Called(ctx, id)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*models.Subscription), args.Error(1)
}

func (m *RepoMock) ListSubscriptionsByUser(ctx context.Context, userID int64) ([]models.Subscription, error) {
	args := m.Called(ctx, userID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]models.Subscription), args.Error(1)
}

func (m *RepoMock) GetActiveSubscription(ctx context.Context, userID int64) (*models.Subscription, error) {
	args := m.Called(ctx, userID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*models.Subscription), args.Error(1)
}

func (m *RepoMock) CreateSubscription(ctx context.Context, sub *models.Subscription) error {
	return m.Called(ctx, sub).Error(0)
}

func (m *RepoMock) UpdateSubscription(ctx context.Context, sub *models.Subscription) error {
	return m.Called(ctx, sub).Error(0)
}

func (m *RepoMock) CreateCheckout(ctx context.Context, sub *models.Subscription, payment *models.Payment) error {
	return m.Called(ctx, sub, payment).Error(0)
}

func (m *RepoMock) ActivateSubscription(ctx context.Context, sub *models.Subscription, payment *models.Payment) error {
	return m.Called(ctx, sub, payment).Error(0)
}

func (m *RepoMock) SaveRenewalOutcome(ctx context.Context, sub *models.Subscription, payment *models.Payment) error {
	return m.Called(ctx, sub, payment).Error(0)
}

func (m *RepoMock) GetPaymentByGatewayID(ctx context.Context, gatewayPaymentID string) (*models.Payment, error) {
	args := m.Called(ctx, gatewayPaymentID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*models.Payment), args.Error(1)
}

func (m *RepoMock) UpdatePayment(ctx context.Context, payment *models.Payment) error {
	return m.Called(ctx, payment).Error(0)
}

func (m *RepoMock) ListPaymentsByUser(ctx context.Context, userID int64, limit int) ([]models.Payment, error) {
	args := m.Called(ctx, userID, limit)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]models.Payment), args.Error(1)
}

func (m *RepoMock) GetWhitelistEntry(ctx context.Context, telegramID int64) (*models.WhitelistEntry, error) {
	args := m.Called(ctx, telegramID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*models.WhitelistEntry), args.Error(1)
}

func (m *RepoMock) AddToWhitelist(ctx context.Context, entry *models.WhitelistEntry) error {
	return m.Called(ctx, entry).Error(0)
}

func (m *RepoMock) RemoveFromWhitelist(ctx context.Context, telegramID int64) error {
	return m.Called(ctx, telegramID).Error(0)
}

func (m *RepoMock) ListWhitelist(ctx context.Context) ([]models.WhitelistEntry, error) {
	args := m.Called(ctx)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]models.WhitelistEntry), args.Error(1)
}

func (m *RepoMock) ListActiveTelegramIDs(ctx context.Context) ([]int64, error) {
	args := m.Called(ctx)
	ids, _ := args.Get(0).([]int64)
	return ids, args.Error(1)
}

func (m *RepoMock) Stats(ctx context.Context) (*models.Stats, error) {
	args := m.Called(ctx)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*models.Stats), args.Error(1)
}

type GatewayMock struct{ mock.Mock }

func (m *GatewayMock) InitiateCharge(ctx context.Context, req paymentprovider.ChargeRequest) (*paymentprovider.Charge, error) {
	args := m.Called(ctx, req)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*paymentprovider.Charge), args.Error(1)
}

func (m *GatewayMock) QueryStatus(ctx context.Context, paymentID string) (*paymentprovider.PaymentState, error) {
	args := m.Called(ctx, paymentID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*paymentprovider.PaymentState), args.Error(1)
}

func (m *GatewayMock) ParseNotification(body []byte) (*paymentprovider.Notification, error) {
	args := m.Called(body)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*paymentprovider.Notification), args.Error(1)
}

type NotifierMock struct{ mock.Mock }

func (m *NotifierMock) Notify(ctx context.Context, telegramID int64, text string) error {
	return m.Called(ctx, telegramID, text).Error(0)
}

func newNoopLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

var testNow = time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

const testWindow = 24 * time.Hour

type testEnv struct {
	svc      *Service
	repo     *RepoMock
	gateway  *GatewayMock
	notifier *NotifierMock
	redis    *miniredis.Miniredis
	cache    *cache.Cache
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()

	mr := miniredis.RunT(t)
	c := &cache.Cache{Db: redis.NewClient(&redis.Options{Addr: mr.Addr()})}
	t.Cleanup(func() { _ = c.Close() })

	catalog, err := models.NewCatalog(
		models.Plan{Code: "basic", Title: "Базовый", Price: 150000, Duration: 30 * 24 * time.Hour},
		models.Plan{Code: "year", Title: "Годовой", Price: 1500000, Duration: 365 * 24 * time.Hour},
	)
	require.NoError(t, err)

	env := &testEnv{
		repo:     new(RepoMock),
		gateway:  new(GatewayMock),
		notifier: new(NotifierMock),
		redis:    mr,
		cache:    c,
	}
	env.svc = New(newNoopLogger(), env.repo, env.gateway, c, env.notifier, catalog, nil, Options{
		NotifyWindow: testWindow,
		AccessTTL:    time.Minute,
		ChannelLink:  "https://t.me/+invite",
	})
	env.svc.now = func() time.Time { return testNow }
	return env
}

func (e *testEnv) assertExpectations(t *testing.T) {
	t.Helper()
	e.repo.AssertExpectations(t)
	e.gateway.AssertExpectations(t)
	e.notifier.AssertExpectations(t)
}

func ptr[T any](v T) *T {
	return &v
}

func registeredUser(telegramID int64) *models.User {
	return &models.User{ID: telegramID * 10, TelegramID: telegramID, Email: "u@example.com", IsActive: true}
}

// activeSubscription активная подписка с картой и автопродлением.
func activeSubscription(id int64) *models.Subscription {
	end := testNow.Add(10 * 24 * time.Hour)
	next := end.Add(-testWindow)
	return &models.Subscription{
		ID:              id,
		UserID:          100,
		TelegramID:      10,
		PlanCode:        "basic",
		Amount:          150000,
		Period:          30 * 24 * time.Hour,
		StartDate:       testNow.Add(-20 * 24 * time.Hour),
		EndDate:         end,
		IsActive:        true,
		AutoRenewal:     true,
		RebillID:        ptr("rebill-1"),
		NextPaymentDate: &next,
		Version:         1,
	}
}
