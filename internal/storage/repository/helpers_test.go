package repository

import (
	"context"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/docker/go-connections/nat"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/magabrotheeeer/subscription-gate/internal/migrations"
	"github.com/magabrotheeeer/subscription-gate/internal/models"
)

const postgresPort = nat.Port("5432/tcp")

// TestDataFactory содержит методы для создания тестовых данных
type TestDataFactory struct {
	storage *Storage
}

// NewTestDataFactory создает новую фабрику тестовых данных
func NewTestDataFactory(storage *Storage) *TestDataFactory {
	return &TestDataFactory{storage: storage}
}

// CreateUser создает тестового пользователя и возвращает его ID
func (f *TestDataFactory) CreateUser(t *testing.T, telegramID int64, email string) int64 {
	var id int64
	var emailArg any
	if email != "" {
		emailArg = email
	}
	err := f.storage.DB.QueryRow(`INSERT INTO users (telegram_id, username, email)
		VALUES ($1, $2, $3) RETURNING id`,
		telegramID, fmt.Sprintf("user%d", telegramID), emailArg).Scan(&id)
	require.NoError(t, err)
	return id
}

// NewSubscription возвращает месячную подписку пользователя, начинающуюся в start
func NewSubscription(userID int64, start time.Time, active bool) *models.Subscription {
	return &models.Subscription{
		UserID:    userID,
		PlanCode:  "basic",
		Amount:    150000,
		Period:    30 * 24 * time.Hour,
		StartDate: start,
		EndDate:   start.Add(30 * 24 * time.Hour),
		IsActive:  active,
	}
}

// CreateSubscription сохраняет подписку через хранилище
func (f *TestDataFactory) CreateSubscription(t *testing.T, sub *models.Subscription) *models.Subscription {
	require.NoError(t, f.storage.CreateSubscription(context.Background(), sub))
	return sub
}

// CreatePendingPayment создает ожидающий платеж по подписке
func (f *TestDataFactory) CreatePendingPayment(t *testing.T, sub *models.Subscription, gatewayID string, kind models.PaymentKind) *models.Payment {
	p := &models.Payment{
		UserID:           sub.UserID,
		SubscriptionID:   &sub.ID,
		GatewayPaymentID: &gatewayID,
		OrderID:          fmt.Sprintf("order-%s", gatewayID),
		Amount:           sub.Amount,
		Status:           models.PaymentPending,
		Kind:             kind,
	}
	require.NoError(t, f.storage.CreatePayment(context.Background(), p))
	return p
}

// TestVerification содержит общие функции для проверки результатов тестов
type TestVerification struct {
	storage *Storage
}

// NewTestVerification создает новый объект для проверки результатов
func NewTestVerification(storage *Storage) *TestVerification {
	return &TestVerification{storage: storage}
}

// VerifyActiveCount проверяет число активных подписок пользователя
func (v *TestVerification) VerifyActiveCount(t *testing.T, userID int64, expected int) {
	var count int
	err := v.storage.DB.QueryRow("SELECT COUNT(*) FROM subscriptions WHERE user_id = $1 AND is_active", userID).Scan(&count)
	require.NoError(t, err)
	require.Equal(t, expected, count)
}

// VerifyPaymentStatus проверяет статус платежа
func (v *TestVerification) VerifyPaymentStatus(t *testing.T, paymentID int64, expected models.PaymentStatus) {
	var status string
	err := v.storage.DB.QueryRow("SELECT status FROM payments WHERE id = $1", paymentID).Scan(&status)
	require.NoError(t, err)
	require.Equal(t, string(expected), status)
}

// VerifyPaymentCount проверяет число платежей по подписке
func (v *TestVerification) VerifyPaymentCount(t *testing.T, subscriptionID int64, expected int) {
	var count int
	err := v.storage.DB.QueryRow("SELECT COUNT(*) FROM payments WHERE subscription_id = $1", subscriptionID).Scan(&count)
	require.NoError(t, err)
	require.Equal(t, expected, count)
}

// setupTestDatabase поднимает PostgreSQL в контейнере и накатывает миграции
func setupTestDatabase(t *testing.T) (*Storage, func()) {
	ctx := context.Background()

	req := testcontainers.ContainerRequest{
		Image:        "postgres:15-alpine",
		ExposedPorts: []string{string(postgresPort)},
		Env: map[string]string{
			"POSTGRES_DB":       "testdb",
			"POSTGRES_USER":     "testuser",
			"POSTGRES_PASSWORD": "testpass",
		},
		WaitingFor: wait.ForAll(
			wait.ForListeningPort(postgresPort),
			wait.ForLog("database system is ready to accept connections").WithOccurrence(2),
		).WithDeadline(3 * time.Minute),
	}

	postgresContainer, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: req,
		Started:          true,
	})
	require.NoError(t, err, "failed to start container")

	host, err := postgresContainer.Host(ctx)
	require.NoError(t, err, "Failed to get host")
	port, err := postgresContainer.MappedPort(ctx, postgresPort)
	require.NoError(t, err, "Failed to get port")

	connStr := fmt.Sprintf("postgres://testuser:testpass@%s:%s/testdb?sslmode=disable", host, port.Port())

	// Пробуем подключиться несколько раз с ретраями
	var storage *Storage
	for range 10 {
		storage, err = New(connStr)
		if err == nil {
			break
		}
		time.Sleep(1 * time.Second)
	}
	require.NoError(t, err, "Failed to create storage after retries")

	migrationsPath, err := filepath.Abs("../../../migrations")
	require.NoError(t, err)
	require.NoError(t, migrations.Run(storage.DB, migrationsPath), "Failed to apply migrations")
	require.NoError(t, CheckDatabaseReady(storage))

	cleanup := func() {
		if storage != nil && storage.DB != nil {
			_ = storage.DB.Close()
		}
		if postgresContainer != nil {
			_ = postgresContainer.Terminate(ctx)
		}
	}

	return storage, cleanup
}
