// Package config предоставялет структуры и функцию для парсинга и загрузки конфига
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"log"
	"os"
	"time"

	"github.com/ilyakaznacheev/cleanenv"
	"github.com/joho/godotenv"

	"github.com/magabrotheeeer/subscription-gate/internal/models"
)

// Config общая структура для хранения настроек
type Config struct {
	Env                     string `yaml:"env" env:"ENV" env-default:"local"`
	StorageConnectionString string `yaml:"storage_connection_string" env:"STORAGE_CONNECTION_STRING"`
	MigrationsPath          string `yaml:"migrations_path" env-default:"./migrations"`
	HTTPServer              `yaml:"http_server"`
	RedisConnection         `yaml:"redis_connection"`
	RabbitMQ                `yaml:"rabbitmq"`
	Gateway                 `yaml:"gateway"`
	Scheduler               `yaml:"scheduler"`
	Telegram                `yaml:"telegram"`
	Admin                   `yaml:"admin"`
	Plans                   []Plan `yaml:"plans"`
}

// HTTPServer структура для настройки сервера
type HTTPServer struct {
	AddressHTTP string        `yaml:"address" env-default:":8080"`
	TimeoutHTTP time.Duration `yaml:"timeout" env-default:"10s"`
	IdleTimeout time.Duration `yaml:"idle_timeout" env-default:"60s"`
}

// RedisConnection структура для настройки подключения к redis
type RedisConnection struct {
	AddressRedis string        `yaml:"address" env:"REDIS_ADDRESS"`
	Password     string        `yaml:"password" env:"REDIS_PASSWORD"`
	User         string        `yaml:"user"`
	DB           int           `yaml:"db"`
	MaxRetries   int           `yaml:"max_retries"`
	DialTimeout  time.Duration `yaml:"dial_timeout"`
	TimeoutRedis time.Duration `yaml:"timeout"`
	AccessTTL    time.Duration `yaml:"access_ttl" env-default:"1m"`
}

// RabbitMQ настройки брокера очереди уведомлений.
type RabbitMQ struct {
	RabbitMQURL        string        `yaml:"url" env:"RABBITMQ_URL"`
	RabbitMQMaxRetries int           `yaml:"max_retries" env-default:"5"`
	RabbitMQRetryDelay time.Duration `yaml:"retry_delay" env-default:"3s"`
}

// Gateway настройки платёжного шлюза (терминал T-Bank).
type Gateway struct {
	TerminalKey     string        `yaml:"terminal_key" env:"GATEWAY_TERMINAL_KEY"`
	SecretKey       string        `yaml:"secret_key" env:"GATEWAY_SECRET_KEY"`
	BaseURL         string        `yaml:"base_url" env-default:"https://securepay.tinkoff.ru/v2"`
	RequestTimeout  time.Duration `yaml:"request_timeout" env-default:"15s"`
	SuccessURL      string        `yaml:"success_url"`
	FailURL         string        `yaml:"fail_url"`
	NotificationURL string        `yaml:"notification_url"`
}

// RenewalPersistTimeout ограничивает каждую запись платежа продления. Запись
// идёт в контексте без отмены и может закончиться после PerSubscriptionTimeout.
const RenewalPersistTimeout = 15 * time.Second

// Scheduler настройки цикла продлений.
type Scheduler struct {
	Interval               time.Duration `yaml:"interval" env-default:"10s"`
	NotifyWindow           time.Duration `yaml:"notify_window" env-default:"24h"`
	MaxFailedPayments      int           `yaml:"max_failed_payments" env-default:"3"`
	Workers                int           `yaml:"workers" env-default:"4"`
	PerSubscriptionTimeout time.Duration `yaml:"per_subscription_timeout" env-default:"1m"`
	LockTTL                time.Duration `yaml:"lock_ttl" env-default:"2m"`
	StatusPollAttempts     int           `yaml:"status_poll_attempts" env-default:"3"`
	StatusPollDelay        time.Duration `yaml:"status_poll_delay" env-default:"5s"`
	MetricsAddress         string        `yaml:"metrics_address" env-default:":9091"`
	HealthAddress          string        `yaml:"health_address" env-default:":50052"`
}

// Telegram настройки бота.
type Telegram struct {
	BotToken string `yaml:"bot_token" env:"TELEGRAM_BOT_TOKEN"`
	// ChannelLink ссылка-приглашение в закрытое сообщество, выдаётся при открытом доступе.
	ChannelLink string `yaml:"channel_link"`
	// SendRate сообщений в секунду, которые sender отправляет в Bot API.
	SendRate    float64       `yaml:"send_rate" env-default:"25"`
	StateTTL    time.Duration `yaml:"state_ttl" env-default:"30m"`
	PollTimeout time.Duration `yaml:"poll_timeout" env-default:"1m"`
}

// Admin настройки доступа к административному API.
type Admin struct {
	JWTSecretKey string        `yaml:"jwt_secret_key" env:"ADMIN_JWT_SECRET"`
	TokenTTL     time.Duration `yaml:"token_ttl" env-default:"12h"`
	RateLimit    float64       `yaml:"rate_limit" env-default:"10"`
	RateBurst    int           `yaml:"rate_burst" env-default:"20"`

	// AdminUsername и AdminPassword первого администратора, создаётся при старте, если его нет.
	AdminUsername string `yaml:"username" env:"ADMIN_USERNAME"`
	AdminPassword string `yaml:"password" env:"ADMIN_PASSWORD"`
}

// Plan описание тарифа из конфига.
type Plan struct {
	Code     string        `yaml:"code"`
	Title    string        `yaml:"title"`
	Price    int64         `yaml:"price"`
	Duration time.Duration `yaml:"duration"`
}

// MustLoad функция для загрузки конфига, возвращает конфиг, сгенерированный из config/config.go.
// Переменные из .env в рабочем каталоге подхватываются, если файл есть.
func MustLoad() *Config {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		log.Printf("cannot read .env: %s", err)
	}
	configPath := os.Getenv("CONFIG_PATH")
	if configPath == "" {
		log.Fatal("CONFIG_PATH is not set")
	}
	if _, err := os.Stat(configPath); os.IsNotExist(err) {
		log.Fatalf("file: %s - does not exist", configPath)
	}
	var cfg Config

	if err := cleanenv.ReadConfig(configPath, &cfg); err != nil {
		log.Fatalf("cannot read config: %s", err)
	}
	if err := cfg.Validate(); err != nil {
		log.Fatalf("invalid config: %s", err)
	}
	return &cfg
}

// Validate проверяет согласованность настроек планировщика и тарифов.
func (c *Config) Validate() error {
	if len(c.Plans) == 0 {
		return errors.New("at least one plan must be configured")
	}
	if c.MaxFailedPayments <= 0 {
		return errors.New("scheduler.max_failed_payments must be positive")
	}
	if c.StatusPollAttempts <= 0 {
		return errors.New("scheduler.status_poll_attempts must be positive")
	}
	if c.Interval <= 0 {
		return errors.New("scheduler.interval must be positive")
	}
	if c.PerSubscriptionTimeout <= 0 {
		return errors.New("scheduler.per_subscription_timeout must be positive")
	}
	// блокировка должна пережить попытку целиком: ожидающий платёж и итог
	// пишутся по RenewalPersistTimeout каждый
	if held := c.PerSubscriptionTimeout + 2*RenewalPersistTimeout; c.LockTTL <= held {
		return fmt.Errorf("scheduler.lock_ttl %s must exceed %s", c.LockTTL, held)
	}
	seen := make(map[string]struct{}, len(c.Plans))
	for _, p := range c.Plans {
		if p.Code == "" {
			return errors.New("plan code must not be empty")
		}
		if _, ok := seen[p.Code]; ok {
			return fmt.Errorf("duplicate plan code %q", p.Code)
		}
		seen[p.Code] = struct{}{}
		if p.Price <= 0 {
			return fmt.Errorf("plan %q: price must be positive", p.Code)
		}
		if p.Duration <= c.NotifyWindow {
			return fmt.Errorf("plan %q: duration %s must exceed notify window %s", p.Code, p.Duration, c.NotifyWindow)
		}
	}
	return nil
}

// Catalog собирает каталог тарифов из конфига.
func (c *Config) Catalog() (*models.Catalog, error) {
	plans := make([]models.Plan, 0, len(c.Plans))
	for _, p := range c.Plans {
		plans = append(plans, models.Plan{
			Code:     p.Code,
			Title:    p.Title,
			Price:    p.Price,
			Duration: p.Duration,
		})
	}
	return models.NewCatalog(plans...)
}

func (c *Config) String() string {
	return fmt.Sprintf(
		"Env: %s\n"+
			"HTTPServer:\n"+
			"  Address: %s\n"+
			"  Timeout: %s\n"+
			"Redis:\n"+
			"  Addr: %s\n"+
			"  DB: %d\n"+
			"RabbitMQ:\n"+
			"  URL set: %t\n"+
			"Gateway:\n"+
			"  TerminalKey: %s\n"+
			"  BaseURL: %s\n"+
			"Scheduler:\n"+
			"  Interval: %s\n"+
			"  NotifyWindow: %s\n"+
			"  MaxFailedPayments: %d\n"+
			"  Workers: %d\n"+
			"Plans: %d\n",
		c.Env,
		c.AddressHTTP,
		c.TimeoutHTTP,
		c.AddressRedis,
		c.DB,
		c.RabbitMQURL != "",
		c.TerminalKey,
		c.BaseURL,
		c.Interval,
		c.NotifyWindow,
		c.MaxFailedPayments,
		c.Workers,
		len(c.Plans),
	)
}
