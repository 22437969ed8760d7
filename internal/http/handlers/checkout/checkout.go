// Package checkout содержит обработчики оплаты тарифа: список тарифов,
// создание платежа в шлюзе и ручное подтверждение оплаты.
package checkout

import (
	"context"
	"errors"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi"
	"github.com/go-chi/chi/middleware"
	"github.com/go-chi/render"
	"github.com/go-playground/validator"

	"github.com/magabrotheeeer/subscription-gate/internal/http/request"
	"github.com/magabrotheeeer/subscription-gate/internal/http/response"
	"github.com/magabrotheeeer/subscription-gate/internal/lib/sl"
	"github.com/magabrotheeeer/subscription-gate/internal/models"
	"github.com/magabrotheeeer/subscription-gate/internal/services/subscription"
)

// Service оформление оплаты.
type Service interface {
	Plans() []models.Plan
	StartCheckout(ctx context.Context, telegramID int64, planCode string) (*subscription.Checkout, error)
	ConfirmCheckout(ctx context.Context, gatewayPaymentID string) (*models.Subscription, error)
}

// Request параметры новой оплаты.
type Request struct {
	TelegramID int64  `json:"telegram_id" validate:"required,gt=0"`
	Plan       string `json:"plan" validate:"required"`
}

// Handler обрабатывает запросы оплаты.
type Handler struct {
	log      *slog.Logger
	service  Service
	validate *validator.Validate
}

// New создает Handler.
func New(log *slog.Logger, service Service) *Handler {
	return &Handler{
		log:      log,
		service:  service,
		validate: validator.New(),
	}
}

func (h *Handler) logger(r *http.Request, op string) *slog.Logger {
	return h.log.With(
		slog.String("op", op),
		slog.String("request_id", middleware.GetReqID(r.Context())),
	)
}

// Plans godoc
// @Summary Список тарифов
// @Tags Checkout
// @Produce  json
// @Security BearerAuth
// @Success 200 {object} response.Response{data=[]models.Plan}
// @Router /plans [get]
func (h *Handler) Plans(w http.ResponseWriter, r *http.Request) {
	render.JSON(w, r, response.OKWithData(h.service.Plans()))
}

// Create godoc
// @Summary Начать оплату
// @Description Создает платеж в шлюзе и неактивную подписку. Возвращает ссылку на оплату.
// @Tags Checkout
// @Accept  json
// @Produce  json
// @Security BearerAuth
// @Param request body Request true "Пользователь и тариф"
// @Success 201 {object} response.Response{data=subscription.Checkout}
// @Failure 404 {object} response.ErrorResponse "Пользователь не найден"
// @Failure 422 {object} response.ErrorResponse "Неизвестный тариф или нет email"
// @Failure 502 {object} response.ErrorResponse "Шлюз недоступен"
// @Router /checkout [post]
func (h *Handler) Create(w http.ResponseWriter, r *http.Request) {
	log := h.logger(r, "handlers.checkout.Create")

	var req Request
	if !request.DecodeJSON(w, r, log, h.validate, &req) {
		return
	}
	log = log.With(slog.Int64("telegram_id", req.TelegramID), slog.String("plan", req.Plan))

	checkout, err := h.service.StartCheckout(r.Context(), req.TelegramID, req.Plan)
	if err != nil {
		log.Warn("failed to start checkout", sl.Err(err))
		response.ServiceError(w, r, err)
		return
	}

	log.Info("checkout started", slog.String("payment_id", checkout.PaymentID))
	render.Status(r, http.StatusCreated)
	render.JSON(w, r, response.OKWithData(checkout))
}

// Confirm godoc
// @Summary Подтвердить оплату
// @Description Запрашивает статус платежа в шлюзе и активирует подписку, если оплата прошла.
// @Tags Checkout
// @Produce  json
// @Security BearerAuth
// @Param payment_id path string true "ID платежа в шлюзе"
// @Success 200 {object} response.Response{data=models.Subscription}
// @Success 202 {object} response.ErrorResponse "Оплата еще не подтверждена"
// @Failure 404 {object} response.ErrorResponse "Платеж не найден"
// @Failure 422 {object} response.ErrorResponse "Оплата отклонена"
// @Router /checkout/{payment_id}/confirm [post]
func (h *Handler) Confirm(w http.ResponseWriter, r *http.Request) {
	log := h.logger(r, "handlers.checkout.Confirm")

	paymentID := chi.URLParam(r, "payment_id")
	if paymentID == "" {
		render.Status(r, http.StatusBadRequest)
		render.JSON(w, r, response.Error("invalid payment_id"))
		return
	}
	log = log.With(slog.String("payment_id", paymentID))

	sub, err := h.service.ConfirmCheckout(r.Context(), paymentID)
	switch {
	case errors.Is(err, subscription.ErrPaymentPending):
		log.Info("payment is still pending")
		render.Status(r, http.StatusAccepted)
		render.JSON(w, r, response.Error(subscription.ErrPaymentPending.Reason))
		return
	case err != nil:
		log.Warn("failed to confirm checkout", sl.Err(err))
		response.ServiceError(w, r, err)
		return
	}

	log.Info("checkout confirmed", slog.Int64("subscription_id", sub.ID))
	render.JSON(w, r, response.OKWithData(sub))
}
