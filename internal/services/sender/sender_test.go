package sender

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"golang.org/x/time/rate"
)

type NotifierMock struct{ mock.Mock }

func (m *NotifierMock) Notify(ctx context.Context, telegramID int64, text string) error {
	return m.Called(ctx, telegramID, text).Error(0)
}

func newNoopLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestService_Handle(t *testing.T) {
	tests := []struct {
		name       string
		body       string
		setupMocks func(n *NotifierMock)
		wantErr    bool
	}{
		{
			name: "delivered",
			body: `{"telegram_id":42,"text":"hello"}`,
			setupMocks: func(n *NotifierMock) {
				n.On("Notify", mock.Anything, int64(42), "hello").Return(nil).Once()
			},
		},
		{
			name:       "malformed json dropped",
			body:       `{"telegram_id":`,
			setupMocks: func(*NotifierMock) {},
		},
		{
			name:       "empty text dropped",
			body:       `{"telegram_id":42,"text":"  "}`,
			setupMocks: func(*NotifierMock) {},
		},
		{
			name: "blocked bot dropped",
			body: `{"telegram_id":42,"text":"hello"}`,
			setupMocks: func(n *NotifierMock) {
				n.On("Notify", mock.Anything, int64(42), "hello").
					Return(errors.New("forbidden, Forbidden: bot was blocked by the user")).Once()
			},
		},
		{
			name: "rate limited is requeued",
			body: `{"telegram_id":42,"text":"hello"}`,
			setupMocks: func(n *NotifierMock) {
				n.On("Notify", mock.Anything, int64(42), "hello").
					Return(errors.New("too many requests, Too Many Requests: retry after 5")).Once()
			},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			n := new(NotifierMock)
			tt.setupMocks(n)
			svc := New(n, rate.NewLimiter(rate.Inf, 1), newNoopLogger())

			err := svc.Handle(context.Background(), []byte(tt.body))
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
			n.AssertExpectations(t)
		})
	}
}

func TestService_Handle_CancelledContext(t *testing.T) {
	n := new(NotifierMock)
	svc := New(n, rate.NewLimiter(rate.Limit(0.001), 1), newNoopLogger())
	// первый токен уходит сразу, второй ждёт дольше, чем живёт ctx
	assert.True(t, svc.limiter.Allow())

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := svc.Handle(ctx, []byte(`{"telegram_id":42,"text":"hello"}`))
	assert.Error(t, err)
	n.AssertNotCalled(t, "Notify", mock.Anything, mock.Anything, mock.Anything)
}
