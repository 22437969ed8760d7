package adminapi

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi"
	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/time/rate"

	"github.com/magabrotheeeer/subscription-gate/internal/app/infra"
	"github.com/magabrotheeeer/subscription-gate/internal/cache"
	"github.com/magabrotheeeer/subscription-gate/internal/config"
	"github.com/magabrotheeeer/subscription-gate/internal/lib/jwt"
	"github.com/magabrotheeeer/subscription-gate/internal/lib/sl"
	"github.com/magabrotheeeer/subscription-gate/internal/metrics"
	"github.com/magabrotheeeer/subscription-gate/internal/migrations"
	"github.com/magabrotheeeer/subscription-gate/internal/notifier"
	"github.com/magabrotheeeer/subscription-gate/internal/services/auth"
	"github.com/magabrotheeeer/subscription-gate/internal/services/subscription"
	"github.com/magabrotheeeer/subscription-gate/internal/storage/repository"
)

const shutdownTimeout = 15 * time.Second

// App HTTP-сервер админского API.
type App struct {
	server *http.Server
	logger *slog.Logger
	db     *repository.Storage
	cache  *cache.Cache
	broker *infra.Broker
}

// New подключает зависимости, накатывает миграции и создает первого администратора.
func New(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*App, error) {
	const op = "adminapi.New"

	catalog, err := cfg.Catalog()
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}

	db, err := repository.New(cfg.StorageConnectionString)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	if err = migrations.Run(db.DB, cfg.MigrationsPath); err != nil {
		_ = db.DB.Close()
		return nil, fmt.Errorf("%s: %w", op, err)
	}

	cacheRedis, err := cache.InitServer(ctx, cfg.RedisConnection)
	if err != nil {
		_ = db.DB.Close()
		return nil, fmt.Errorf("%s: %w", op, err)
	}

	broker, err := infra.ConnectBroker(cfg.RabbitMQ)
	if err != nil {
		_ = db.DB.Close()
		_ = cacheRedis.Close()
		return nil, fmt.Errorf("%s: %w", op, err)
	}

	subscriptionService := subscription.New(
		logger,
		db,
		infra.NewGateway(cfg.Gateway),
		cacheRedis,
		notifier.NewQueue(broker.Ch),
		catalog,
		metrics.NewBilling(prometheus.DefaultRegisterer),
		subscription.Options{
			NotifyWindow: cfg.NotifyWindow,
			AccessTTL:    cfg.AccessTTL,
			ChannelLink:  cfg.ChannelLink,
		},
	)

	authService := auth.NewService(db, jwt.NewJWTMaker(cfg.JWTSecretKey, cfg.TokenTTL), logger)
	if err := authService.Bootstrap(ctx, cfg.AdminUsername, cfg.AdminPassword); err != nil {
		logger.Error("failed to bootstrap admin", sl.Err(err))
	}

	router := chi.NewRouter()
	RegisterRoutes(router, logger, subscriptionService, authService,
		rate.NewLimiter(rate.Limit(cfg.RateLimit), cfg.RateBurst))

	srv := &http.Server{
		Addr:         cfg.AddressHTTP,
		Handler:      router,
		ReadTimeout:  cfg.TimeoutHTTP,
		WriteTimeout: cfg.TimeoutHTTP,
		IdleTimeout:  cfg.IdleTimeout,
	}

	return &App{
		server: srv,
		logger: logger,
		db:     db,
		cache:  cacheRedis,
		broker: broker,
	}, nil
}

// Run обслуживает запросы до отмены ctx, затем корректно останавливает сервер.
func (a *App) Run(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		a.logger.Info("HTTP server starting", slog.String("address", a.server.Addr))
		err := a.server.ListenAndServe()
		if errors.Is(err, http.ErrServerClosed) {
			errCh <- nil
		} else {
			errCh <- err
		}
	}()

	var runErr error
	select {
	case runErr = <-errCh:
	case <-ctx.Done():
		timeoutCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		a.logger.Info("shutting down HTTP server gracefully")
		runErr = a.server.Shutdown(timeoutCtx)
	}

	if err := a.broker.Close(); err != nil {
		a.logger.Error("failed to close broker", sl.Err(err))
	}
	if err := a.cache.Close(); err != nil {
		a.logger.Error("failed to close cache", sl.Err(err))
	}
	if err := a.db.DB.Close(); err != nil {
		a.logger.Error("failed to close database", sl.Err(err))
	}
	return runErr
}
