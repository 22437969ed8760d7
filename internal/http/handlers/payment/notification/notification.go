// Package notification принимает уведомления платежного шлюза о смене статуса платежа.
//
// Шлюз повторяет уведомление, пока не получит тело "OK", поэтому
// временные ошибки отвечают 500, а неверная подпись 403.
package notification

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/middleware"
	"github.com/go-chi/render"

	"github.com/magabrotheeeer/subscription-gate/internal/lib/sl"
	"github.com/magabrotheeeer/subscription-gate/internal/paymentprovider"
	"github.com/magabrotheeeer/subscription-gate/internal/services/subscription"
)

const maxBodySize = 64 << 10

// Service применяет уведомление шлюза.
type Service interface {
	HandleNotification(ctx context.Context, body []byte) error
}

// Handler обрабатывает webhook шлюза.
type Handler struct {
	log     *slog.Logger
	service Service
}

// New создает Handler.
func New(log *slog.Logger, service Service) *Handler {
	return &Handler{log: log, service: service}
}

// ServeHTTP godoc
// @Summary Уведомление платежного шлюза
// @Description Проверяет подпись уведомления и применяет новый статус платежа. Отвечает текстом OK.
// @Tags Payments
// @Accept  json
// @Produce  plain
// @Success 200 {string} string "OK"
// @Failure 400 {string} string "Некорректное тело"
// @Failure 403 {string} string "Неверная подпись"
// @Failure 500 {string} string "Временная ошибка, шлюз повторит запрос"
// @Router /payments/notification [post]
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	const op = "handlers.payment.notification"

	log := h.log.With(
		slog.String("op", op),
		slog.String("request_id", middleware.GetReqID(r.Context())),
	)

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodySize))
	if err != nil {
		log.Error("failed to read notification body", sl.Err(err))
		render.Status(r, http.StatusBadRequest)
		render.PlainText(w, r, "bad request")
		return
	}

	err = h.service.HandleNotification(r.Context(), body)
	switch {
	case errors.Is(err, paymentprovider.ErrInvalidToken):
		log.Warn("notification signature mismatch", slog.String("remote", r.RemoteAddr))
		render.Status(r, http.StatusForbidden)
		render.PlainText(w, r, "invalid token")
		return
	case errors.Is(err, subscription.ErrRenewalInProgress):
		log.Info("renewal is still polled, notification deferred")
		render.Status(r, http.StatusInternalServerError)
		render.PlainText(w, r, "retry")
		return
	case err != nil:
		log.Error("failed to handle notification", sl.Err(err))
		render.Status(r, http.StatusInternalServerError)
		render.PlainText(w, r, "retry")
		return
	}

	render.PlainText(w, r, "OK")
}
