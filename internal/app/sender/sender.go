// Package sender собирает приложение доставки уведомлений: потребитель
// очереди RabbitMQ, отправляющий сообщения через Telegram Bot API.
package sender

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"

	tgbot "github.com/go-telegram/bot"
	"golang.org/x/time/rate"

	"github.com/magabrotheeeer/subscription-gate/internal/app/infra"
	"github.com/magabrotheeeer/subscription-gate/internal/config"
	"github.com/magabrotheeeer/subscription-gate/internal/lib/rabbitmq"
	"github.com/magabrotheeeer/subscription-gate/internal/lib/sl"
	"github.com/magabrotheeeer/subscription-gate/internal/notifier"
	senderservice "github.com/magabrotheeeer/subscription-gate/internal/services/sender"
)

// App представляет приложение отправки уведомлений.
type App struct {
	broker        *infra.Broker
	senderService *senderservice.Service
	logger        *slog.Logger
}

// New подключается к брокеру и Bot API.
func New(_ context.Context, cfg *config.Config, logger *slog.Logger) (*App, error) {
	const op = "app.sender.New"

	b, err := tgbot.New(cfg.BotToken,
		tgbot.WithHTTPClient(cfg.PollTimeout, &http.Client{Timeout: cfg.PollTimeout + cfg.TimeoutHTTP}),
		tgbot.WithSkipGetMe(),
	)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}

	broker, err := infra.ConnectBroker(cfg.RabbitMQ)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}

	burst := max(int(cfg.SendRate), 1)
	senderService := senderservice.New(
		notifier.NewTelegram(b),
		rate.NewLimiter(rate.Limit(cfg.SendRate), burst),
		logger,
	)

	return &App{
		broker:        broker,
		senderService: senderService,
		logger:        logger,
	}, nil
}

// Run потребляет очередь до отмены ctx и дожидается начатых отправок.
func (a *App) Run(ctx context.Context) error {
	done, err := rabbitmq.ConsumerMessage(ctx, a.logger, a.broker.Ch, rabbitmq.QueueTelegram, a.senderService.Handle)
	if err != nil {
		a.logger.Error("failed to start telegram queue consumer", sl.Err(err))
		return err
	}
	a.logger.Info("sender consuming", slog.String("queue", rabbitmq.QueueTelegram))

	<-ctx.Done()
	<-done
	a.logger.Info("sender service shutting down gracefully")

	if err := a.broker.Close(); err != nil {
		a.logger.Error("failed to close broker", sl.Err(err))
	}
	return nil
}
