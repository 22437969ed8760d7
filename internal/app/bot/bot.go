// Package bot собирает приложение Telegram-бота сообщества. Бот работает
// через long polling и вызывает тот же сервис подписок, что и админ-API.
package bot

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"

	tgbot "github.com/go-telegram/bot"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/magabrotheeeer/subscription-gate/internal/app/infra"
	"github.com/magabrotheeeer/subscription-gate/internal/bot"
	"github.com/magabrotheeeer/subscription-gate/internal/cache"
	"github.com/magabrotheeeer/subscription-gate/internal/config"
	"github.com/magabrotheeeer/subscription-gate/internal/lib/sl"
	"github.com/magabrotheeeer/subscription-gate/internal/metrics"
	"github.com/magabrotheeeer/subscription-gate/internal/notifier"
	"github.com/magabrotheeeer/subscription-gate/internal/services/subscription"
	"github.com/magabrotheeeer/subscription-gate/internal/storage/repository"
)

// App представляет приложение бота.
type App struct {
	bot    *tgbot.Bot
	db     *repository.Storage
	cache  *cache.Cache
	broker *infra.Broker
	logger *slog.Logger
}

// New подключает хранилище, кеш, очередь уведомлений и регистрирует команды.
func New(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*App, error) {
	const op = "app.bot.New"

	catalog, err := cfg.Catalog()
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}

	db, err := repository.New(cfg.StorageConnectionString)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	if err := infra.WaitForDB(ctx, db, logger); err != nil {
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

	// Ответы уходят через бота, который доставил обновление.
	handler := bot.NewHandler(subscriptionService, cacheRedis, nil, logger, cfg.StateTTL)

	b, err := tgbot.New(cfg.BotToken,
		tgbot.WithDefaultHandler(handler.Default),
		tgbot.WithHTTPClient(cfg.PollTimeout, &http.Client{Timeout: cfg.PollTimeout + cfg.TimeoutHTTP}),
		tgbot.WithErrorsHandler(func(err error) {
			logger.Warn("telegram polling error", sl.Err(err))
		}),
	)
	if err != nil {
		_ = broker.Close()
		_ = cacheRedis.Close()
		_ = db.DB.Close()
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	handler.Register(b)

	return &App{
		bot:    b,
		db:     db,
		cache:  cacheRedis,
		broker: broker,
		logger: logger,
	}, nil
}

// Run получает обновления до отмены ctx.
func (a *App) Run(ctx context.Context) error {
	a.logger.Info("telegram bot starting")
	a.bot.Start(ctx)
	a.logger.Info("telegram bot stopped")

	if err := a.broker.Close(); err != nil {
		a.logger.Error("failed to close broker", sl.Err(err))
	}
	if err := a.cache.Close(); err != nil {
		a.logger.Error("failed to close cache", sl.Err(err))
	}
	if err := a.db.DB.Close(); err != nil {
		a.logger.Error("failed to close database", sl.Err(err))
	}
	return nil
}
