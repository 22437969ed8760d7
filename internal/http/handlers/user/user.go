// Package user содержит обработчики администрирования пользователей:
// регистрация, карточка, блокировка, ручная выдача подписки, сообщения и рассылка.
package user

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
	"github.com/magabrotheeeer/subscription-gate/internal/services/subscription"
)

// Service операции над пользователями.
type Service interface {
	RegisterUser(ctx context.Context, telegramID int64, username, email string) (*models.User, error)
	Account(ctx context.Context, telegramID int64) (*subscription.Account, error)
	SetUserActive(ctx context.Context, telegramID int64, active bool) error
	GrantSubscription(ctx context.Context, telegramID int64, days int) (*models.Subscription, error)
	SendMessage(ctx context.Context, telegramID int64, text string) error
	Broadcast(ctx context.Context, text string) (*models.BroadcastResult, error)
}

// RegisterRequest данные регистрации.
type RegisterRequest struct {
	TelegramID int64  `json:"telegram_id" validate:"required,gt=0"`
	Username   string `json:"username" validate:"max=64"`
	Email      string `json:"email" validate:"required,email"`
}

// ActiveRequest новое состояние пользователя.
type ActiveRequest struct {
	Active *bool `json:"active" validate:"required"`
}

// GrantRequest число дней ручной подписки.
type GrantRequest struct {
	Days int `json:"days" validate:"required,gt=0,max=3650"`
}

// MessageRequest текст сообщения.
type MessageRequest struct {
	Text string `json:"text" validate:"required,max=4096"`
}

// Handler обрабатывает запросы к /users.
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

// Register godoc
// @Summary Регистрация пользователя
// @Description Создает пользователя Telegram или обновляет его email.
// @Tags Users
// @Accept  json
// @Produce  json
// @Security BearerAuth
// @Param request body RegisterRequest true "Данные пользователя"
// @Success 200 {object} response.Response{data=models.User}
// @Failure 422 {object} response.ErrorResponse "Некорректный или занятый email"
// @Router /users [post]
func (h *Handler) Register(w http.ResponseWriter, r *http.Request) {
	log := h.logger(r, "handlers.user.Register")

	var req RegisterRequest
	if !request.DecodeJSON(w, r, log, h.validate, &req) {
		return
	}

	user, err := h.service.RegisterUser(r.Context(), req.TelegramID, req.Username, req.Email)
	if err != nil {
		log.Warn("failed to register user", slog.Int64("telegram_id", req.TelegramID), sl.Err(err))
		response.ServiceError(w, r, err)
		return
	}
	render.JSON(w, r, response.OKWithData(user))
}

// Account godoc
// @Summary Карточка пользователя
// @Description Пользователь, решение о доступе, активная подписка и последние платежи.
// @Tags Users
// @Produce  json
// @Security BearerAuth
// @Param telegram_id path int true "Telegram ID"
// @Success 200 {object} response.Response{data=subscription.Account}
// @Failure 404 {object} response.ErrorResponse "Пользователь не найден"
// @Router /users/{telegram_id} [get]
func (h *Handler) Account(w http.ResponseWriter, r *http.Request) {
	log := h.logger(r, "handlers.user.Account")

	telegramID, ok := request.Int64Param(w, r, log, "telegram_id")
	if !ok {
		return
	}

	acc, err := h.service.Account(r.Context(), telegramID)
	if err != nil {
		log.Warn("failed to load account", slog.Int64("telegram_id", telegramID), sl.Err(err))
		response.ServiceError(w, r, err)
		return
	}
	render.JSON(w, r, response.OKWithData(acc))
}

// SetActive godoc
// @Summary Блокировка пользователя
// @Description Заблокированный пользователь теряет доступ даже при оплаченной подписке.
// @Tags Users
// @Accept  json
// @Produce  json
// @Security BearerAuth
// @Param telegram_id path int true "Telegram ID"
// @Param request body ActiveRequest true "Новое состояние"
// @Success 204
// @Failure 404 {object} response.ErrorResponse "Пользователь не найден"
// @Router /users/{telegram_id}/active [put]
func (h *Handler) SetActive(w http.ResponseWriter, r *http.Request) {
	log := h.logger(r, "handlers.user.SetActive")

	telegramID, ok := request.Int64Param(w, r, log, "telegram_id")
	if !ok {
		return
	}
	var req ActiveRequest
	if !request.DecodeJSON(w, r, log, h.validate, &req) {
		return
	}

	if err := h.service.SetUserActive(r.Context(), telegramID, *req.Active); err != nil {
		log.Warn("failed to change user state", slog.Int64("telegram_id", telegramID), sl.Err(err))
		response.ServiceError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// Grant godoc
// @Summary Выдать подписку
// @Description Продлевает активную подписку или создает ручную без оплаты.
// @Tags Users
// @Accept  json
// @Produce  json
// @Security BearerAuth
// @Param telegram_id path int true "Telegram ID"
// @Param request body GrantRequest true "Число дней"
// @Success 200 {object} response.Response{data=models.Subscription}
// @Failure 404 {object} response.ErrorResponse "Пользователь не найден"
// @Router /users/{telegram_id}/grant [post]
func (h *Handler) Grant(w http.ResponseWriter, r *http.Request) {
	log := h.logger(r, "handlers.user.Grant")

	telegramID, ok := request.Int64Param(w, r, log, "telegram_id")
	if !ok {
		return
	}
	var req GrantRequest
	if !request.DecodeJSON(w, r, log, h.validate, &req) {
		return
	}

	sub, err := h.service.GrantSubscription(r.Context(), telegramID, req.Days)
	if err != nil {
		log.Warn("failed to grant subscription", slog.Int64("telegram_id", telegramID), sl.Err(err))
		response.ServiceError(w, r, err)
		return
	}
	log.Info("subscription granted",
		slog.Int64("telegram_id", telegramID),
		slog.Int("days", req.Days),
		slog.Int64("subscription_id", sub.ID))
	render.JSON(w, r, response.OKWithData(sub))
}

// Message godoc
// @Summary Сообщение пользователю
// @Tags Users
// @Accept  json
// @Produce  json
// @Security BearerAuth
// @Param telegram_id path int true "Telegram ID"
// @Param request body MessageRequest true "Текст"
// @Success 204
// @Failure 422 {object} response.ErrorResponse "Пустой текст"
// @Failure 500 {object} response.ErrorResponse "Не удалось поставить в очередь"
// @Router /users/{telegram_id}/message [post]
func (h *Handler) Message(w http.ResponseWriter, r *http.Request) {
	log := h.logger(r, "handlers.user.Message")

	telegramID, ok := request.Int64Param(w, r, log, "telegram_id")
	if !ok {
		return
	}
	var req MessageRequest
	if !request.DecodeJSON(w, r, log, h.validate, &req) {
		return
	}

	if err := h.service.SendMessage(r.Context(), telegramID, req.Text); err != nil {
		log.Error("failed to send message", slog.Int64("telegram_id", telegramID), sl.Err(err))
		response.ServiceError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// Broadcast godoc
// @Summary Рассылка
// @Description Ставит сообщение в очередь для всех незаблокированных пользователей.
// @Tags Users
// @Accept  json
// @Produce  json
// @Security BearerAuth
// @Param request body MessageRequest true "Текст"
// @Success 200 {object} response.Response{data=models.BroadcastResult}
// @Failure 422 {object} response.ErrorResponse "Пустой текст"
// @Router /broadcast [post]
func (h *Handler) Broadcast(w http.ResponseWriter, r *http.Request) {
	log := h.logger(r, "handlers.user.Broadcast")

	var req MessageRequest
	if !request.DecodeJSON(w, r, log, h.validate, &req) {
		return
	}

	res, err := h.service.Broadcast(r.Context(), req.Text)
	if err != nil {
		log.Error("failed to broadcast", sl.Err(err))
		response.ServiceError(w, r, err)
		return
	}
	render.JSON(w, r, response.OKWithData(res))
}
