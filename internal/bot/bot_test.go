package bot

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	tgbot "github.com/go-telegram/bot"
	tgmodels "github.com/go-telegram/bot/models"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/magabrotheeeer/subscription-gate/internal/cache"
	"github.com/magabrotheeeer/subscription-gate/internal/models"
	"github.com/magabrotheeeer/subscription-gate/internal/services/subscription"
	"github.com/magabrotheeeer/subscription-gate/internal/storage"
)

type SubscriptionsMock struct{ mock.Mock }

func (m *SubscriptionsMock) EnsureUser(ctx context.Context, telegramID int64, username string) (*models.User, error) {
	args := m.Called(ctx, telegramID, username)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*models.User), args.Error(1)
}

func (m *SubscriptionsMock) RegisterUser(ctx context.Context, telegramID int64, username, email string) (*models.User, error) {
	args := m.Called(ctx, telegramID, username, email)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*models.User), args.Error(1)
}

func (m *SubscriptionsMock) Account(ctx context.Context, telegramID int64) (*subscription.Account, error) {
	args := m.Called(ctx, telegramID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*subscription.Account), args.Error(1)
}

func (m *SubscriptionsMock) Plans() []models.Plan {
	return m.Called().Get(0).([]models.Plan)
}

func (m *SubscriptionsMock) StartCheckout(ctx context.Context, telegramID int64, planCode string) (*subscription.Checkout, error) {
	args := m.Called(ctx, telegramID, planCode)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*subscription.Checkout), args.Error(1)
}

func (m *SubscriptionsMock) ConfirmCheckout(ctx context.Context, gatewayPaymentID string) (*models.Subscription, error) {
	args := m.Called(ctx, gatewayPaymentID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*models.Subscription), args.Error(1)
}

func (m *SubscriptionsMock) ToggleAutoRenewalForUser(ctx context.Context, telegramID int64, enabled bool) (*models.Subscription, error) {
	args := m.Called(ctx, telegramID, enabled)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*models.Subscription), args.Error(1)
}

// replySender запоминает отправленные ответы.
type replySender struct {
	replies []string
}

func (s *replySender) SendMessage(_ context.Context, params *tgbot.SendMessageParams) (*tgmodels.Message, error) {
	s.replies = append(s.replies, params.Text)
	return &tgmodels.Message{}, nil
}

func (s *replySender) last() string {
	if len(s.replies) == 0 {
		return ""
	}
	return s.replies[len(s.replies)-1]
}

type testBot struct {
	h      *Handler
	svc    *SubscriptionsMock
	sender *replySender
	redis  *miniredis.Miniredis
}

func newTestBot(t *testing.T) *testBot {
	t.Helper()
	mr := miniredis.RunT(t)
	states := &cache.Cache{Db: redis.NewClient(&redis.Options{Addr: mr.Addr()})}
	t.Cleanup(func() { _ = states.Close() })

	svc := new(SubscriptionsMock)
	sender := &replySender{}
	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	return &testBot{
		h:      NewHandler(svc, states, sender, log, time.Hour),
		svc:    svc,
		sender: sender,
		redis:  mr,
	}
}

func update(text string) *tgmodels.Update {
	return &tgmodels.Update{Message: &tgmodels.Message{
		Text: text,
		From: &tgmodels.User{ID: 10, Username: "alice"},
		Chat: tgmodels.Chat{ID: 10},
	}}
}

func (tb *testBot) run(cmd command, text string) string {
	tb.h.wrap("test", cmd)(context.Background(), nil, update(text))
	return tb.sender.last()
}

func TestHandler_StartAsksForEmail(t *testing.T) {
	tb := newTestBot(t)
	tb.svc.On("EnsureUser", mock.Anything, int64(10), "alice").
		Return(&models.User{ID: 1, TelegramID: 10, IsActive: true}, nil).Once()
	tb.svc.On("RegisterUser", mock.Anything, int64(10), "alice", "a@b.ru").
		Return(&models.User{ID: 1, TelegramID: 10, Email: "a@b.ru"}, nil).Once()

	assert.Contains(t, tb.run(tb.h.start, "/start"), "укажите email")
	assert.True(t, tb.redis.Exists(stateKey(10)))

	assert.Contains(t, tb.run(tb.h.text, "a@b.ru"), "Email сохранён")
	assert.False(t, tb.redis.Exists(stateKey(10)), "state is cleared after registration")
	tb.svc.AssertExpectations(t)
}

func TestHandler_TextWithoutDialogShowsHelp(t *testing.T) {
	tb := newTestBot(t)
	assert.Equal(t, helpText, tb.run(tb.h.text, "hello"))
	tb.svc.AssertNotCalled(t, "RegisterUser", mock.Anything, mock.Anything, mock.Anything, mock.Anything)
}

func TestHandler_InvalidEmailKeepsDialog(t *testing.T) {
	tb := newTestBot(t)
	tb.h.setState(context.Background(), 10, chatState{Step: stateAwaitingEmail, Plan: "basic"})
	tb.svc.On("RegisterUser", mock.Anything, int64(10), "alice", "nope").
		Return(nil, &models.ValidationError{Field: "email", Reason: "invalid email"}).Once()
	tb.svc.On("RegisterUser", mock.Anything, int64(10), "alice", "a@b.ru").
		Return(&models.User{Email: "a@b.ru"}, nil).Once()

	assert.Contains(t, tb.run(tb.h.text, "nope"), "invalid email")
	assert.True(t, tb.redis.Exists(stateKey(10)))
	assert.Contains(t, tb.run(tb.h.text, "a@b.ru"), "/pay basic", "checkout resumes with chosen plan")
	tb.svc.AssertExpectations(t)
}

func TestHandler_Pay(t *testing.T) {
	t.Run("missing plan", func(t *testing.T) {
		tb := newTestBot(t)
		assert.Contains(t, tb.run(tb.h.pay, "/pay"), "Укажите тариф")
	})

	t.Run("payment link", func(t *testing.T) {
		tb := newTestBot(t)
		tb.svc.On("StartCheckout", mock.Anything, int64(10), "basic").Return(&subscription.Checkout{
			PaymentURL: "https://pay/1",
			Plan:       models.Plan{Code: "basic", Title: "Базовый", Price: 150000},
		}, nil).Once()

		reply := tb.run(tb.h.pay, "/pay basic")
		assert.Contains(t, reply, "https://pay/1")
		assert.Contains(t, reply, "1500 ₽")
	})

	t.Run("registration required", func(t *testing.T) {
		tb := newTestBot(t)
		tb.svc.On("StartCheckout", mock.Anything, int64(10), "basic").
			Return(nil, &models.ValidationError{Field: "email", Reason: "registration required"}).Once()

		assert.Contains(t, tb.run(tb.h.pay, "/pay basic"), "email")
		var st chatState
		found, err := tb.h.states.Get(context.Background(), stateKey(10), &st)
		require.NoError(t, err)
		require.True(t, found)
		assert.Equal(t, "basic", st.Plan)
	})
}

func TestHandler_Check(t *testing.T) {
	gatewayID := "p-1"
	acc := &subscription.Account{
		User: &models.User{Email: "a@b.ru"},
		Payments: []models.Payment{
			{ID: 2, Kind: models.PaymentCheckout, Status: models.PaymentPending, GatewayPaymentID: &gatewayID},
		},
	}
	end := time.Date(2025, 7, 1, 12, 0, 0, 0, time.UTC)

	tests := []struct {
		name    string
		sub     *models.Subscription
		err     error
		account *subscription.Account
		want    string
	}{
		{name: "confirmed", sub: &models.Subscription{EndDate: end}, account: acc, want: "01.07.2025"},
		{name: "pending", err: subscription.ErrPaymentPending, account: acc, want: "ещё не поступила"},
		{name: "declined", err: subscription.ErrPaymentDeclined, account: acc, want: "отклонена"},
		{name: "nothing pending", account: &subscription.Account{User: &models.User{}}, want: "Ожидающих оплат нет"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tb := newTestBot(t)
			tb.svc.On("Account", mock.Anything, int64(10)).Return(tt.account, nil).Once()
			if len(tt.account.Payments) > 0 {
				if tt.sub != nil {
					tb.svc.On("ConfirmCheckout", mock.Anything, "p-1").Return(tt.sub, nil).Once()
				} else {
					tb.svc.On("ConfirmCheckout", mock.Anything, "p-1").Return(nil, tt.err).Once()
				}
			}
			assert.Contains(t, tb.run(tb.h.check, "/check"), tt.want)
			tb.svc.AssertExpectations(t)
		})
	}
}

func TestHandler_AutoRenewal(t *testing.T) {
	end := time.Date(2025, 7, 1, 12, 0, 0, 0, time.UTC)
	next := end.Add(-24 * time.Hour)

	tb := newTestBot(t)
	tb.svc.On("ToggleAutoRenewalForUser", mock.Anything, int64(10), false).
		Return(&models.Subscription{EndDate: end}, nil).Once()
	tb.svc.On("ToggleAutoRenewalForUser", mock.Anything, int64(10), true).
		Return(&models.Subscription{EndDate: end, AutoRenewal: true, NextPaymentDate: &next}, nil).Once()

	assert.Contains(t, tb.run(tb.h.autoRenewal(false), "/stop"), "выключено")
	assert.Contains(t, tb.run(tb.h.autoRenewal(true), "/resume"), "30.06.2025")
	tb.svc.AssertExpectations(t)
}

func TestHandler_AutoRenewalWithoutSubscription(t *testing.T) {
	tb := newTestBot(t)
	tb.svc.On("ToggleAutoRenewalForUser", mock.Anything, int64(10), true).
		Return(nil, &models.NotFoundError{Entity: "active subscription of user", Key: 10}).Once()

	assert.Contains(t, tb.run(tb.h.autoRenewal(true), "/autorenew_on"), "Активной подписки нет")
}

func TestHandler_Account(t *testing.T) {
	until := time.Date(2025, 7, 1, 12, 0, 0, 0, time.UTC)
	next := until.Add(-24 * time.Hour)

	tb := newTestBot(t)
	tb.svc.On("Account", mock.Anything, int64(10)).Return(&subscription.Account{
		User:   &models.User{Email: "a@b.ru"},
		Access: models.AccessState{Status: models.AccessGranted, Until: &until},
		Subscription: &models.Subscription{
			PlanCode: "basic", Amount: 150000, AutoRenewal: true, NextPaymentDate: &next,
		},
	}, nil).Once()
	tb.svc.On("Account", mock.Anything, int64(10)).Return(nil, storage.ErrNotFound).Once()

	reply := tb.run(tb.h.account, "/account")
	assert.Contains(t, reply, "открыт до 01.07.2025")
	assert.Contains(t, reply, "следующее списание 30.06.2025")

	assert.Contains(t, tb.run(tb.h.account, "/account"), "/start")
}

func TestHandler_Plans(t *testing.T) {
	tb := newTestBot(t)
	tb.svc.On("Plans").Return([]models.Plan{
		{Code: "basic", Title: "Базовый", Price: 150000, Duration: 30 * 24 * time.Hour},
	}).Once()

	reply := tb.run(tb.h.plans, "/plans")
	assert.Contains(t, reply, "Базовый: 1500 ₽ за 30 дн.")
	assert.Contains(t, reply, "/pay basic")
}

func TestHandler_IgnoresUpdatesWithoutMessage(t *testing.T) {
	tb := newTestBot(t)
	tb.h.Default(context.Background(), nil, &tgmodels.Update{})
	assert.Empty(t, tb.sender.replies)
}
