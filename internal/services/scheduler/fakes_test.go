package scheduler

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/magabrotheeeer/subscription-gate/internal/cache"
	"github.com/magabrotheeeer/subscription-gate/internal/config"
	"github.com/magabrotheeeer/subscription-gate/internal/models"
	"github.com/magabrotheeeer/subscription-gate/internal/paymentprovider"
	"github.com/magabrotheeeer/subscription-gate/internal/storage"
)

func newNoopLogger() *slog.Logger {
	h := slog.NewTextHandler(io.Discard, &slog.HandlerOptions{})
	return slog.New(h)
}

// memRepo хранилище в памяти с той же семантикой версий, что и PostgreSQL.
type memRepo struct {
	mu           sync.Mutex
	subs         map[int64]*models.Subscription
	payments     []models.Payment
	getErr       map[int64]error
	conflictOnce map[int64]bool
	updates      int
}

func newMemRepo(subs ...*models.Subscription) *memRepo {
	r := &memRepo{
		subs:         make(map[int64]*models.Subscription),
		getErr:       make(map[int64]error),
		conflictOnce: make(map[int64]bool),
	}
	for _, s := range subs {
		if s.Version == 0 {
			s.Version = 1
		}
		r.subs[s.ID] = s.Clone()
	}
	return r
}

func (r *memRepo) sorted(pred func(*models.Subscription) bool) []models.Subscription {
	var out []models.Subscription
	for _, s := range r.subs {
		if pred(s) {
			out = append(out, *s.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (r *memRepo) ListDueForNotification(_ context.Context, now time.Time, window time.Duration) ([]models.Subscription, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.sorted(func(s *models.Subscription) bool {
		return s.IsActive && s.AutoRenewal && !s.NotificationSent && s.NextPaymentDate != nil &&
			s.NextPaymentDate.After(now) && !s.NextPaymentDate.After(now.Add(window))
	}), nil
}

func (r *memRepo) ListDueForRenewal(_ context.Context, now time.Time) ([]models.Subscription, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.sorted(func(s *models.Subscription) bool {
		return s.IsActive && s.AutoRenewal && s.RebillID != nil && s.NextPaymentDate != nil &&
			!s.NextPaymentDate.After(now)
	}), nil
}

func (r *memRepo) ListExpired(_ context.Context, now time.Time) ([]models.Subscription, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.sorted(func(s *models.Subscription) bool {
		return s.IsActive && !s.AutoRenewal && !s.EndDate.After(now)
	}), nil
}

func (r *memRepo) GetSubscription(_ context.Context, id int64) (*models.Subscription, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.getErr[id]; err != nil {
		return nil, err
	}
	s, ok := r.subs[id]
	if !ok {
		return nil, fmt.Errorf("memRepo.GetSubscription: %w", storage.ErrNotFound)
	}
	return s.Clone(), nil
}

func (r *memRepo) update(sub *models.Subscription) error {
	stored, ok := r.subs[sub.ID]
	if !ok {
		return storage.ErrNotFound
	}
	if r.conflictOnce[sub.ID] {
		delete(r.conflictOnce, sub.ID)
		stored.Version++
		return storage.ErrConflict
	}
	if stored.Version != sub.Version {
		return storage.ErrConflict
	}
	sub.Version++
	r.subs[sub.ID] = sub.Clone()
	r.updates++
	return nil
}

func (r *memRepo) UpdateSubscription(_ context.Context, sub *models.Subscription) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.update(sub)
}

func (r *memRepo) SaveRenewalOutcome(_ context.Context, sub *models.Subscription, payment *models.Payment) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if payment.ID != 0 {
		idx := int(payment.ID) - 1
		if idx < 0 || idx >= len(r.payments) || r.payments[idx].Final() {
			return storage.ErrConflict
		}
	}
	if err := r.update(sub); err != nil {
		return err
	}
	if payment.ID != 0 {
		r.payments[payment.ID-1] = *payment
		return nil
	}
	r.insert(payment)
	return nil
}

func (r *memRepo) CreatePayment(_ context.Context, payment *models.Payment) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.insert(payment)
	return nil
}

func (r *memRepo) insert(payment *models.Payment) {
	payment.ID = int64(len(r.payments) + 1)
	r.payments = append(r.payments, *payment)
}

func (r *memRepo) get(id int64) *models.Subscription {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.subs[id].Clone()
}

func (r *memRepo) allPayments() []models.Payment {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]models.Payment(nil), r.payments...)
}

type GatewayMock struct {
	mock.Mock
}

func (m *GatewayMock) InitiateRecurringCharge(ctx context.Context, req paymentprovider.RecurringChargeRequest) (string, error) {
	args := m.Called(ctx, req)
	return args.String(0), args.Error(1)
}

func (m *GatewayMock) QueryStatus(ctx context.Context, paymentID string) (*paymentprovider.PaymentState, error) {
	args := m.Called(ctx, paymentID)
	state, _ := args.Get(0).(*paymentprovider.PaymentState)
	return state, args.Error(1)
}

type sentMessage struct {
	TelegramID int64
	Text       string
}

type recordingNotifier struct {
	mu   sync.Mutex
	sent []sentMessage
	err  error
}

func (n *recordingNotifier) Notify(_ context.Context, telegramID int64, text string) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.sent = append(n.sent, sentMessage{TelegramID: telegramID, Text: text})
	return n.err
}

func (n *recordingNotifier) messages() []sentMessage {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]sentMessage(nil), n.sent...)
}

func testSchedulerConfig() config.Scheduler {
	return config.Scheduler{
		Interval:               10 * time.Millisecond,
		NotifyWindow:           time.Minute,
		MaxFailedPayments:      3,
		Workers:                2,
		PerSubscriptionTimeout: 5 * time.Second,
		LockTTL:                time.Minute,
		StatusPollAttempts:     2,
		StatusPollDelay:        0,
	}
}

func newTestLocker(t *testing.T) *cache.Cache {
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)

	c, err := cache.InitServer(context.Background(), config.RedisConnection{AddressRedis: mr.Addr()})
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })
	return c
}

func ptr[T any](v T) *T {
	return &v
}

// renewingSubscription активная подписка с автопродлением, срок которой наступает в now.
func renewingSubscription(id int64, now time.Time, period time.Duration) *models.Subscription {
	return &models.Subscription{
		ID:              id,
		UserID:          id,
		TelegramID:      1000 + id,
		PlanCode:        "test",
		Amount:          1000,
		Period:          period,
		StartDate:       now.Add(-period),
		EndDate:         now.Add(time.Minute),
		IsActive:        true,
		AutoRenewal:     true,
		RebillID:        ptr(fmt.Sprintf("rebill-%d", id)),
		NextPaymentDate: ptr(now),
		Version:         1,
	}
}
