// Package whitelist содержит обработчики ручного доступа без оплаты.
package whitelist

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/middleware"
	"github.com/go-chi/render"
	"github.com/go-playground/validator"

	"github.com/magabrotheeeer/subscription-gate/internal/http/middlewarectx"
	"github.com/magabrotheeeer/subscription-gate/internal/http/request"
	"github.com/magabrotheeeer/subscription-gate/internal/http/response"
	"github.com/magabrotheeeer/subscription-gate/internal/lib/sl"
	"github.com/magabrotheeeer/subscription-gate/internal/models"
)

// Service операции над whitelist.
type Service interface {
	AddToWhitelist(ctx context.Context, telegramID int64, reason, addedBy string, expiresAt *time.Time) (*models.WhitelistEntry, error)
	RemoveFromWhitelist(ctx context.Context, telegramID int64) error
	ListWhitelist(ctx context.Context) ([]models.WhitelistEntry, error)
}

// AddRequest новая запись. Без expires_at доступ бессрочный.
type AddRequest struct {
	TelegramID int64      `json:"telegram_id" validate:"required,gt=0"`
	Reason     string     `json:"reason" validate:"max=255"`
	ExpiresAt  *time.Time `json:"expires_at,omitempty"`
}

// Handler обрабатывает запросы к /whitelist.
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

// Add godoc
// @Summary Добавить в whitelist
// @Tags Whitelist
// @Accept  json
// @Produce  json
// @Security BearerAuth
// @Param request body AddRequest true "Запись"
// @Success 201 {object} response.Response{data=models.WhitelistEntry}
// @Failure 422 {object} response.ErrorResponse "Срок в прошлом"
// @Router /whitelist [post]
func (h *Handler) Add(w http.ResponseWriter, r *http.Request) {
	log := h.logger(r, "handlers.whitelist.Add")

	var req AddRequest
	if !request.DecodeJSON(w, r, log, h.validate, &req) {
		return
	}

	addedBy := middlewarectx.Username(r.Context())
	entry, err := h.service.AddToWhitelist(r.Context(), req.TelegramID, req.Reason, addedBy, req.ExpiresAt)
	if err != nil {
		log.Warn("failed to add whitelist entry", slog.Int64("telegram_id", req.TelegramID), sl.Err(err))
		response.ServiceError(w, r, err)
		return
	}
	render.Status(r, http.StatusCreated)
	render.JSON(w, r, response.OKWithData(entry))
}

// Remove godoc
// @Summary Удалить из whitelist
// @Tags Whitelist
// @Security BearerAuth
// @Param telegram_id path int true "Telegram ID"
// @Success 204
// @Failure 404 {object} response.ErrorResponse "Записи нет"
// @Router /whitelist/{telegram_id} [delete]
func (h *Handler) Remove(w http.ResponseWriter, r *http.Request) {
	log := h.logger(r, "handlers.whitelist.Remove")

	telegramID, ok := request.Int64Param(w, r, log, "telegram_id")
	if !ok {
		return
	}

	if err := h.service.RemoveFromWhitelist(r.Context(), telegramID); err != nil {
		log.Warn("failed to remove whitelist entry", slog.Int64("telegram_id", telegramID), sl.Err(err))
		response.ServiceError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// List godoc
// @Summary Список whitelist
// @Tags Whitelist
// @Produce  json
// @Security BearerAuth
// @Success 200 {object} response.Response{data=[]models.WhitelistEntry}
// @Router /whitelist [get]
func (h *Handler) List(w http.ResponseWriter, r *http.Request) {
	log := h.logger(r, "handlers.whitelist.List")

	entries, err := h.service.ListWhitelist(r.Context())
	if err != nil {
		log.Error("failed to list whitelist", sl.Err(err))
		response.ServiceError(w, r, err)
		return
	}
	if entries == nil {
		entries = []models.WhitelistEntry{}
	}
	render.JSON(w, r, response.OKWithData(entries))
}
