// Package adminapi собирает HTTP-приложение админского API: маршруты,
// webhook платежного шлюза, метрики и документацию.
package adminapi

import (
	"log/slog"

	"github.com/go-chi/chi"
	"github.com/go-chi/chi/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	httpSwagger "github.com/swaggo/http-swagger"
	"golang.org/x/time/rate"

	"github.com/magabrotheeeer/subscription-gate/internal/http/handlers/access"
	"github.com/magabrotheeeer/subscription-gate/internal/http/handlers/auth/login"
	"github.com/magabrotheeeer/subscription-gate/internal/http/handlers/checkout"
	"github.com/magabrotheeeer/subscription-gate/internal/http/handlers/payment/notification"
	"github.com/magabrotheeeer/subscription-gate/internal/http/handlers/stats"
	subhandler "github.com/magabrotheeeer/subscription-gate/internal/http/handlers/subscription"
	"github.com/magabrotheeeer/subscription-gate/internal/http/handlers/user"
	"github.com/magabrotheeeer/subscription-gate/internal/http/handlers/whitelist"
	"github.com/magabrotheeeer/subscription-gate/internal/http/middlewarectx"
)

// SubscriptionService операции сервиса подписок, которые нужны обработчикам.
type SubscriptionService interface {
	access.Service
	subhandler.Service
	checkout.Service
	notification.Service
	user.Service
	whitelist.Service
	stats.Service
}

// AuthService вход и проверка токена администратора.
type AuthService interface {
	login.Service
	middlewarectx.Service
}

// RegisterRoutes регистрирует все маршруты приложения.
func RegisterRoutes(r chi.Router, logger *slog.Logger, subs SubscriptionService, authService AuthService, limiter *rate.Limiter) {
	// Глобальные middleware
	r.Use(
		middleware.RequestID,
		middleware.RealIP,
		middleware.Logger,
		middleware.Recoverer,
	)

	subscriptions := subhandler.New(logger, subs)
	checkouts := checkout.New(logger, subs)
	users := user.New(logger, subs)
	whitelists := whitelist.New(logger, subs)

	r.Route("/api/v1", func(r chi.Router) {
		// Открытые конечные точки
		r.With(middlewarectx.RateLimitMiddleware(logger, limiter)).
			Post("/auth/login", login.New(logger, authService).ServeHTTP)
		r.Post("/payments/notification", notification.New(logger, subs).ServeHTTP)

		// Группа с JWT аутентификацией
		r.Group(func(r chi.Router) {
			r.Use(middlewarectx.JWTMiddleware(authService, logger))
			r.Use(middlewarectx.RateLimitMiddleware(logger, limiter))

			r.Get("/access/{telegram_id}", access.New(logger, subs).ServeHTTP)

			r.Get("/subscriptions/{id}", subscriptions.Read)
			r.Post("/subscriptions/{id}/extend", subscriptions.Extend)
			r.Post("/subscriptions/{id}/cancel", subscriptions.Cancel)
			r.Put("/subscriptions/{id}/auto-renewal", subscriptions.AutoRenewal)

			r.Get("/plans", checkouts.Plans)
			r.Post("/checkout", checkouts.Create)
			r.Post("/checkout/{payment_id}/confirm", checkouts.Confirm)

			r.Post("/users", users.Register)
			r.Get("/users/{telegram_id}", users.Account)
			r.Put("/users/{telegram_id}/active", users.SetActive)
			r.Post("/users/{telegram_id}/grant", users.Grant)
			r.Post("/users/{telegram_id}/message", users.Message)
			r.Post("/broadcast", users.Broadcast)

			r.Get("/whitelist", whitelists.List)
			r.Post("/whitelist", whitelists.Add)
			r.Delete("/whitelist/{telegram_id}", whitelists.Remove)

			r.Get("/stats", stats.New(logger, subs).ServeHTTP)
		})
	})

	r.Handle("/metrics", promhttp.Handler())
	r.Get("/docs/*", httpSwagger.WrapHandler)
}
