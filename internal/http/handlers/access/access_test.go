package access

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-chi/chi"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/magabrotheeeer/subscription-gate/internal/models"
)

type ServiceMock struct {
	mock.Mock
}

func (m *ServiceMock) EvaluateAccess(ctx context.Context, telegramID int64) (models.AccessState, error) {
	args := m.Called(ctx, telegramID)
	state, _ := args.Get(0).(models.AccessState)
	return state, args.Error(1)
}

func newNoopLogger() *slog.Logger {
	h := slog.NewTextHandler(io.Discard, &slog.HandlerOptions{})
	return slog.New(h)
}

func TestHandler_ServeHTTP(t *testing.T) {
	until := time.Date(2025, 7, 1, 0, 0, 0, 0, time.UTC)

	tests := []struct {
		name       string
		path       string
		mockState  models.AccessState
		mockErr    error
		callSvc    bool
		wantStatus int
		wantAccess models.AccessStatus
	}{
		{
			name:       "granted by subscription",
			path:       "/access/100",
			mockState:  models.AccessState{Status: models.AccessGranted, Until: &until, SubscriptionID: 3},
			callSvc:    true,
			wantStatus: http.StatusOK,
			wantAccess: models.AccessGranted,
		},
		{
			name:       "needs registration",
			path:       "/access/100",
			mockState:  models.AccessState{Status: models.AccessNeedsRegistration},
			callSvc:    true,
			wantStatus: http.StatusOK,
			wantAccess: models.AccessNeedsRegistration,
		},
		{
			name:       "storage failure",
			path:       "/access/100",
			mockErr:    errors.New("db down"),
			callSvc:    true,
			wantStatus: http.StatusInternalServerError,
		},
		{
			name:       "bad telegram id",
			path:       "/access/abc",
			wantStatus: http.StatusBadRequest,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			svc := new(ServiceMock)
			if tt.callSvc {
				svc.On("EvaluateAccess", mock.Anything, int64(100)).Return(tt.mockState, tt.mockErr).Once()
			}
			router := chi.NewRouter()
			router.Method(http.MethodGet, "/access/{telegram_id}", New(newNoopLogger(), svc))

			w := httptest.NewRecorder()
			router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, tt.path, nil))

			assert.Equal(t, tt.wantStatus, w.Code)
			if tt.wantAccess != "" {
				var resp struct {
					Data models.AccessState `json:"data"`
				}
				require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
				assert.Equal(t, tt.wantAccess, resp.Data.Status)
			}
			svc.AssertExpectations(t)
		})
	}
}
