package notifier

import (
	"context"
	"fmt"
	"sync"

	"github.com/streadway/amqp"

	"github.com/magabrotheeeer/subscription-gate/internal/lib/rabbitmq"
)

type publishFunc func(exchange, routingKey string, message any) error

// Queue публикует уведомления в RabbitMQ, доставкой занимается sender.
type Queue struct {
	mu      sync.Mutex
	publish publishFunc
}

// NewQueue создаёт уведомитель поверх канала, на котором уже объявлен обменник уведомлений.
func NewQueue(ch *amqp.Channel) *Queue {
	return &Queue{
		publish: func(exchange, routingKey string, message any) error {
			return rabbitmq.PublishMessage(ch, exchange, routingKey, message)
		},
	}
}

// Notify ставит сообщение в очередь доставки в Telegram.
func (q *Queue) Notify(ctx context.Context, telegramID int64, text string) error {
	const op = "notifier.Queue.Notify"
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}

	q.mu.Lock()
	defer q.mu.Unlock()
	err := q.publish(rabbitmq.ExchangeNotifications, rabbitmq.RoutingTelegram, Message{
		TelegramID: telegramID,
		Text:       text,
	})
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	return nil
}
