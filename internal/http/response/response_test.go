package response

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/go-playground/validator"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/magabrotheeeer/subscription-gate/internal/models"
	"github.com/magabrotheeeer/subscription-gate/internal/paymentprovider"
	"github.com/magabrotheeeer/subscription-gate/internal/storage"
)

func TestServiceError(t *testing.T) {
	tests := []struct {
		name       string
		err        error
		wantStatus int
		wantMsg    string
	}{
		{
			name:       "not found",
			err:        fmt.Errorf("op: %w", &models.NotFoundError{Entity: "subscription", Key: 5}),
			wantStatus: http.StatusNotFound,
			wantMsg:    "subscription 5 not found",
		},
		{
			name:       "storage not found",
			err:        storage.ErrNotFound,
			wantStatus: http.StatusNotFound,
			wantMsg:    "not found",
		},
		{
			name:       "validation",
			err:        fmt.Errorf("op: %w", &models.ValidationError{Field: "days", Reason: "must be positive"}),
			wantStatus: http.StatusUnprocessableEntity,
			wantMsg:    "days: must be positive",
		},
		{
			name:       "conflict",
			err:        storage.ErrConflict,
			wantStatus: http.StatusConflict,
			wantMsg:    "concurrent update, retry the request",
		},
		{
			name:       "gateway",
			err:        &paymentprovider.Error{Op: "Init", HTTPStatus: 503},
			wantStatus: http.StatusBadGateway,
			wantMsg:    "payment gateway unavailable",
		},
		{
			name:       "internal error is hidden",
			err:        errors.New("pq: password authentication failed"),
			wantStatus: http.StatusInternalServerError,
			wantMsg:    "internal error",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := httptest.NewRecorder()
			r := httptest.NewRequest(http.MethodGet, "/", nil)

			ServiceError(w, r, tt.err)

			assert.Equal(t, tt.wantStatus, w.Code)
			var resp ErrorResponse
			require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
			assert.Equal(t, StatusError, resp.Status)
			assert.Equal(t, tt.wantMsg, resp.Error)
		})
	}
}

func TestValidationError(t *testing.T) {
	type req struct {
		Email string `validate:"required,email"`
		Days  int    `validate:"gt=0"`
	}
	err := validator.New().Struct(req{Email: "bad"})
	require.Error(t, err)

	resp := ValidationError(err.(validator.ValidationErrors))
	assert.Equal(t, StatusError, resp.Status)
	assert.Contains(t, resp.Error, "field Email must be a valid email")
	assert.Contains(t, resp.Error, "field Days must be at least 0")
}
