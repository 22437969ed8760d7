// Package infra подключает общую инфраструктуру приложений: PostgreSQL,
// Redis, RabbitMQ и платежный шлюз.
package infra

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/streadway/amqp"

	"github.com/magabrotheeeer/subscription-gate/internal/config"
	"github.com/magabrotheeeer/subscription-gate/internal/lib/rabbitmq"
	"github.com/magabrotheeeer/subscription-gate/internal/lib/sl"
	"github.com/magabrotheeeer/subscription-gate/internal/paymentprovider"
	"github.com/magabrotheeeer/subscription-gate/internal/storage/repository"
)

const (
	dbReadyAttempts = 10
	dbReadyDelay    = 3 * time.Second
)

// WaitForDB ждет, пока в базе появится схема. Миграции накатывает admin-api,
// остальные приложения могут стартовать раньше него.
func WaitForDB(ctx context.Context, db *repository.Storage, log *slog.Logger) error {
	const op = "infra.WaitForDB"

	policy := backoff.WithContext(
		backoff.WithMaxRetries(backoff.NewConstantBackOff(dbReadyDelay), dbReadyAttempts-1),
		ctx,
	)
	err := backoff.RetryNotify(
		func() error { return repository.CheckDatabaseReady(db) },
		policy,
		func(err error, next time.Duration) {
			log.Info("database is not ready yet", slog.Duration("retry_in", next), sl.Err(err))
		},
	)
	if err != nil {
		return fmt.Errorf("%s: database not ready: %w", op, err)
	}
	return nil
}

// Broker соединение и канал RabbitMQ с объявленными очередями уведомлений.
type Broker struct {
	Conn *amqp.Connection
	Ch   *amqp.Channel
}

// ConnectBroker подключается к RabbitMQ и объявляет обменник и очереди уведомлений.
func ConnectBroker(cfg config.RabbitMQ) (*Broker, error) {
	const op = "infra.ConnectBroker"

	conn, err := rabbitmq.Connect(cfg.RabbitMQURL, cfg.RabbitMQMaxRetries, cfg.RabbitMQRetryDelay)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	ch, err := rabbitmq.SetupChannel(conn, rabbitmq.NotificationQueues())
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	return &Broker{Conn: conn, Ch: ch}, nil
}

// Close закрывает канал и соединение.
func (b *Broker) Close() error {
	if b == nil {
		return nil
	}
	return errors.Join(b.Ch.Close(), b.Conn.Close())
}

// NewGateway создает клиент платежного шлюза по настройкам терминала.
func NewGateway(cfg config.Gateway) *paymentprovider.Client {
	return paymentprovider.NewClient(
		cfg.TerminalKey,
		cfg.SecretKey,
		paymentprovider.WithBaseURL(cfg.BaseURL),
		paymentprovider.WithTimeout(cfg.RequestTimeout),
		paymentprovider.WithRedirects(cfg.SuccessURL, cfg.FailURL, cfg.NotificationURL),
	)
}
