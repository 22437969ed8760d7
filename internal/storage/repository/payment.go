package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/magabrotheeeer/subscription-gate/internal/models"
	"github.com/magabrotheeeer/subscription-gate/internal/storage"
)

const paymentColumns = `id, user_id, subscription_id, gateway_payment_id, order_id, amount, currency,
	status, kind, created_at, completed_at, error`

func scanPayment(row interface{ Scan(...any) error }) (*models.Payment, error) {
	var (
		p              models.Payment
		subscriptionID sql.NullInt64
		gatewayID      sql.NullString
		completedAt    sql.NullTime
	)
	err := row.Scan(&p.ID, &p.UserID, &subscriptionID, &gatewayID, &p.OrderID, &p.Amount, &p.Currency,
		&p.Status, &p.Kind, &p.CreatedAt, &completedAt, &p.Error)
	if err != nil {
		return nil, err
	}
	if subscriptionID.Valid {
		p.SubscriptionID = &subscriptionID.Int64
	}
	if gatewayID.Valid {
		p.GatewayPaymentID = &gatewayID.String
	}
	if completedAt.Valid {
		p.CompletedAt = &completedAt.Time
	}
	return &p, nil
}

// CreatePayment сохраняет платёж и заполняет его ID.
func (s *Storage) CreatePayment(ctx context.Context, payment *models.Payment) error {
	const op = "storage.CreatePayment"
	if err := ctxDone(ctx); err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}

	if err := insertPayment(ctx, s.DB, payment); err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	return nil
}

// GetPaymentByGatewayID ищет платёж по идентификатору на стороне шлюза.
func (s *Storage) GetPaymentByGatewayID(ctx context.Context, gatewayPaymentID string) (*models.Payment, error) {
	const op = "storage.GetPaymentByGatewayID"
	if err := ctxDone(ctx); err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}

	query := `SELECT ` + paymentColumns + ` FROM payments WHERE gateway_payment_id = $1`
	p, err := scanPayment(s.DB.QueryRowContext(ctx, query, gatewayPaymentID))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("%s: %w", op, storage.ErrNotFound)
		}
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	return p, nil
}

// ListPaymentsByUser возвращает последние платежи пользователя, новые первыми.
func (s *Storage) ListPaymentsByUser(ctx context.Context, userID int64, limit int) ([]models.Payment, error) {
	const op = "storage.ListPaymentsByUser"
	if err := ctxDone(ctx); err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}

	query := `SELECT ` + paymentColumns + ` FROM payments WHERE user_id = $1 ORDER BY id DESC LIMIT $2`
	rows, err := s.DB.QueryContext(ctx, query, userID, limit)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	defer rows.Close()

	var result []models.Payment
	for rows.Next() {
		p, err := scanPayment(rows)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", op, err)
		}
		result = append(result, *p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	return result, nil
}

// UpdatePayment меняет статус незавершённого платежа.
// Завершённые платежи не изменяются, попытка вернёт ErrConflict.
func (s *Storage) UpdatePayment(ctx context.Context, payment *models.Payment) error {
	const op = "storage.UpdatePayment"
	if err := ctxDone(ctx); err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}

	if err := updatePayment(ctx, s.DB, payment); err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	return nil
}

func insertPayment(ctx context.Context, q querier, p *models.Payment) error {
	if p.Currency == "" {
		p.Currency = models.CurrencyRUB
	}
	query := `INSERT INTO payments (user_id, subscription_id, gateway_payment_id, order_id, amount, currency,
			      status, kind, completed_at, error)
			  VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
			  RETURNING id, created_at`
	err := q.QueryRowContext(ctx, query,
		p.UserID, p.SubscriptionID, p.GatewayPaymentID, p.OrderID, p.Amount, p.Currency,
		p.Status, p.Kind, p.CompletedAt, p.Error,
	).Scan(&p.ID, &p.CreatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return storage.ErrAlreadyExists
		}
		return err
	}
	return nil
}

func updatePayment(ctx context.Context, q querier, p *models.Payment) error {
	query := `UPDATE payments
			  SET gateway_payment_id = $1, status = $2, completed_at = $3, error = $4
			  WHERE id = $5 AND status NOT IN ('completed', 'refunded')`
	result, err := q.ExecContext(ctx, query, p.GatewayPaymentID, p.Status, p.CompletedAt, p.Error, p.ID)
	if err != nil {
		return err
	}
	n, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return storage.ErrConflict
	}
	return nil
}
