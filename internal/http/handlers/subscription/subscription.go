// Package subscription содержит обработчики управления подпиской администратором:
// просмотр, продление, отмена и переключение автопродления.
package subscription

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/middleware"
	"github.com/go-chi/render"
	"github.com/go-playground/validator"

	"github.com/magabrotheeeer/subscription-gate/internal/http/request"
	"github.com/magabrotheeeer/subscription-gate/internal/http/response"
	"github.com/magabrotheeeer/subscription-gate/internal/lib/sl"
	"github.com/magabrotheeeer/subscription-gate/internal/models"
)

// Service операции над подпиской по её id.
type Service interface {
	GetSubscription(ctx context.Context, id int64) (*models.Subscription, error)
	ExtendSubscription(ctx context.Context, id int64, days int) (*models.Subscription, error)
	CancelSubscription(ctx context.Context, id int64) (*models.Subscription, error)
	ToggleAutoRenewal(ctx context.Context, id int64, enabled bool) (*models.Subscription, error)
}

// ExtendRequest число дней продления.
type ExtendRequest struct {
	Days int `json:"days" validate:"required,gt=0,max=3650"`
}

// AutoRenewalRequest новое состояние автопродления.
type AutoRenewalRequest struct {
	Enabled *bool `json:"enabled" validate:"required"`
}

// Handler обрабатывает запросы к /subscriptions/{id}.
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

// Read godoc
// @Summary Получить подписку
// @Tags Subscriptions
// @Produce  json
// @Security BearerAuth
// @Param id path int true "ID подписки"
// @Success 200 {object} response.Response{data=models.Subscription}
// @Failure 400 {object} response.ErrorResponse "Некорректный id"
// @Failure 404 {object} response.ErrorResponse "Подписка не найдена"
// @Router /subscriptions/{id} [get]
func (h *Handler) Read(w http.ResponseWriter, r *http.Request) {
	log := h.logger(r, "handlers.subscription.Read")

	id, ok := request.Int64Param(w, r, log, "id")
	if !ok {
		return
	}

	sub, err := h.service.GetSubscription(r.Context(), id)
	if err != nil {
		log.Warn("failed to get subscription", slog.Int64("id", id), sl.Err(err))
		response.ServiceError(w, r, err)
		return
	}
	render.JSON(w, r, response.OKWithData(sub))
}

// Extend godoc
// @Summary Продлить подписку
// @Description Сдвигает дату окончания на указанное число дней от max(окончание, сейчас).
// @Tags Subscriptions
// @Accept  json
// @Produce  json
// @Security BearerAuth
// @Param id path int true "ID подписки"
// @Param request body ExtendRequest true "Число дней"
// @Success 200 {object} response.Response{data=models.Subscription}
// @Failure 404 {object} response.ErrorResponse "Подписка не найдена"
// @Failure 409 {object} response.ErrorResponse "Параллельное изменение"
// @Failure 422 {object} response.ErrorResponse "Ошибка валидации"
// @Router /subscriptions/{id}/extend [post]
func (h *Handler) Extend(w http.ResponseWriter, r *http.Request) {
	log := h.logger(r, "handlers.subscription.Extend")

	id, ok := request.Int64Param(w, r, log, "id")
	if !ok {
		return
	}
	var req ExtendRequest
	if !request.DecodeJSON(w, r, log, h.validate, &req) {
		return
	}

	sub, err := h.service.ExtendSubscription(r.Context(), id, req.Days)
	if err != nil {
		log.Warn("failed to extend subscription", slog.Int64("id", id), sl.Err(err))
		response.ServiceError(w, r, err)
		return
	}
	log.Info("subscription extended", slog.Int64("id", id), slog.Int("days", req.Days))
	render.JSON(w, r, response.OKWithData(sub))
}

// Cancel godoc
// @Summary Отменить подписку
// @Description Деактивирует подписку и выключает автопродление. Повторная отмена не ошибка.
// @Tags Subscriptions
// @Produce  json
// @Security BearerAuth
// @Param id path int true "ID подписки"
// @Success 200 {object} response.Response{data=models.Subscription}
// @Failure 404 {object} response.ErrorResponse "Подписка не найдена"
// @Router /subscriptions/{id}/cancel [post]
func (h *Handler) Cancel(w http.ResponseWriter, r *http.Request) {
	log := h.logger(r, "handlers.subscription.Cancel")

	id, ok := request.Int64Param(w, r, log, "id")
	if !ok {
		return
	}

	sub, err := h.service.CancelSubscription(r.Context(), id)
	if err != nil {
		log.Warn("failed to cancel subscription", slog.Int64("id", id), sl.Err(err))
		response.ServiceError(w, r, err)
		return
	}
	log.Info("subscription cancelled", slog.Int64("id", id))
	render.JSON(w, r, response.OKWithData(sub))
}

// AutoRenewal godoc
// @Summary Переключить автопродление
// @Description Включение требует сохраненного rebill id от первой оплаты.
// @Tags Subscriptions
// @Accept  json
// @Produce  json
// @Security BearerAuth
// @Param id path int true "ID подписки"
// @Param request body AutoRenewalRequest true "Новое состояние"
// @Success 200 {object} response.Response{data=models.Subscription}
// @Failure 404 {object} response.ErrorResponse "Подписка не найдена"
// @Failure 422 {object} response.ErrorResponse "Нет rebill id или подписка неактивна"
// @Router /subscriptions/{id}/auto-renewal [put]
func (h *Handler) AutoRenewal(w http.ResponseWriter, r *http.Request) {
	log := h.logger(r, "handlers.subscription.AutoRenewal")

	id, ok := request.Int64Param(w, r, log, "id")
	if !ok {
		return
	}
	var req AutoRenewalRequest
	if !request.DecodeJSON(w, r, log, h.validate, &req) {
		return
	}

	sub, err := h.service.ToggleAutoRenewal(r.Context(), id, *req.Enabled)
	if err != nil {
		log.Warn("failed to toggle auto renewal", slog.Int64("id", id), sl.Err(err))
		response.ServiceError(w, r, err)
		return
	}
	log.Info("auto renewal toggled", slog.Int64("id", id), slog.Bool("enabled", *req.Enabled))
	render.JSON(w, r, response.OKWithData(sub))
}
