// Package access отдает решение о доступе пользователя в сообщество.
package access

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/middleware"
	"github.com/go-chi/render"

	"github.com/magabrotheeeer/subscription-gate/internal/http/request"
	"github.com/magabrotheeeer/subscription-gate/internal/http/response"
	"github.com/magabrotheeeer/subscription-gate/internal/lib/sl"
	"github.com/magabrotheeeer/subscription-gate/internal/models"
)

// Service вычисляет доступ по telegram id.
type Service interface {
	EvaluateAccess(ctx context.Context, telegramID int64) (models.AccessState, error)
}

// Handler обрабатывает проверку доступа.
type Handler struct {
	log     *slog.Logger
	service Service
}

// New создает Handler.
func New(log *slog.Logger, service Service) *Handler {
	return &Handler{log: log, service: service}
}

// ServeHTTP godoc
// @Summary Проверка доступа
// @Description Возвращает решение о доступе: whitelist, активная подписка или отказ.
// @Tags Access
// @Produce  json
// @Security BearerAuth
// @Param telegram_id path int true "Telegram ID пользователя"
// @Success 200 {object} response.Response{data=models.AccessState}
// @Failure 400 {object} response.ErrorResponse "Некорректный telegram_id"
// @Failure 401 {object} response.ErrorResponse "Нет токена"
// @Failure 500 {object} response.ErrorResponse "Внутренняя ошибка сервера"
// @Router /access/{telegram_id} [get]
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	const op = "handlers.access.check"

	log := h.log.With(
		slog.String("op", op),
		slog.String("request_id", middleware.GetReqID(r.Context())),
	)

	telegramID, ok := request.Int64Param(w, r, log, "telegram_id")
	if !ok {
		return
	}

	state, err := h.service.EvaluateAccess(r.Context(), telegramID)
	if err != nil {
		log.Error("failed to evaluate access", slog.Int64("telegram_id", telegramID), sl.Err(err))
		response.ServiceError(w, r, err)
		return
	}

	render.JSON(w, r, response.OKWithData(state))
}
