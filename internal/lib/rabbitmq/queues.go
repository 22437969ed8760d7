package rabbitmq

// ExchangeNotifications обменник, в который публикуются уведомления пользователям.
const ExchangeNotifications = "notifications"

// Очередь доставки уведомлений в Telegram.
const (
	QueueTelegram   = "notifications.telegram"
	RoutingTelegram = "telegram"
)

const prefetchCount = 10

// QueueConfig очередь и ключ, которым она привязана к обменнику.
type QueueConfig struct {
	QueueName  string
	RoutingKey string
}

// NotificationQueues возвращает очереди, которые объявляют издатель и потребитель уведомлений.
func NotificationQueues() []QueueConfig {
	return []QueueConfig{
		{QueueName: QueueTelegram, RoutingKey: RoutingTelegram},
	}
}
