// Package middlewarectx содержит HTTP middleware админского API.
//
// JWTMiddleware проверяет токен администратора в заголовке Authorization
// и кладёт в контекст его имя и идентификатор. RateLimitMiddleware
// ограничивает частоту запросов.
package middlewarectx

import (
	"context"
	"log/slog"
	"net/http"
	"strings"

	"github.com/go-chi/chi/middleware"
	"github.com/go-chi/render"

	"github.com/magabrotheeeer/subscription-gate/internal/http/response"
	"github.com/magabrotheeeer/subscription-gate/internal/lib/jwt"
	"github.com/magabrotheeeer/subscription-gate/internal/lib/sl"
)

// Key тип для ключей контекста HTTP-запроса.
type Key string

const (
	// User ключ для имени администратора в контексте.
	User Key = "username"
	// AdminID ключ для идентификатора администратора в контексте.
	AdminID Key = "admin_id"
)

// Service проверяет токен администратора.
type Service interface {
	ValidateToken(ctx context.Context, token string) (*jwt.AdminClaims, error)
}

// JWTMiddleware возвращает middleware, который пропускает только запросы
// с валидным токеном администратора. Иначе отвечает 401.
func JWTMiddleware(authService Service, log *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			const op = "middlewarectx.JWTMiddleware"

			log := log.With(
				slog.String("op", op),
				slog.String("request_id", middleware.GetReqID(r.Context())),
			)

			authHeader := r.Header.Get("Authorization")
			if !strings.HasPrefix(authHeader, "Bearer ") {
				log.Warn("missing or invalid authorization header")
				render.Status(r, http.StatusUnauthorized)
				render.JSON(w, r, response.Error("missing or invalid authorization header"))
				return
			}
			tokenStr := strings.TrimPrefix(authHeader, "Bearer ")

			claims, err := authService.ValidateToken(r.Context(), tokenStr)
			if err != nil {
				log.Warn("invalid or expired token", sl.Err(err))
				render.Status(r, http.StatusUnauthorized)
				render.JSON(w, r, response.Error("invalid or expired token"))
				return
			}

			ctx := context.WithValue(r.Context(), User, claims.Username)
			ctx = context.WithValue(ctx, AdminID, claims.AdminID())
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// Username возвращает имя администратора из контекста запроса.
func Username(ctx context.Context) string {
	username, _ := ctx.Value(User).(string)
	return username
}
