package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/magabrotheeeer/subscription-gate/internal/models"
	"github.com/magabrotheeeer/subscription-gate/internal/storage"
)

const subscriptionColumns = `s.id, s.user_id, s.plan_code, s.amount, s.period_seconds,
	s.start_date, s.end_date, s.is_active, s.auto_renewal, s.rebill_id,
	s.next_payment_date, s.last_payment_date, s.failed_payment_count,
	s.notification_sent, s.version, s.created_at, s.updated_at, u.telegram_id`

const subscriptionFrom = ` FROM subscriptions s JOIN users u ON u.id = s.user_id`

func scanSubscription(row interface{ Scan(...any) error }) (*models.Subscription, error) {
	var (
		sub           models.Subscription
		periodSeconds int64
		rebillID      sql.NullString
		next, last    sql.NullTime
	)
	err := row.Scan(&sub.ID, &sub.UserID, &sub.PlanCode, &sub.Amount, &periodSeconds,
		&sub.StartDate, &sub.EndDate, &sub.IsActive, &sub.AutoRenewal, &rebillID,
		&next, &last, &sub.FailedPaymentCount,
		&sub.NotificationSent, &sub.Version, &sub.CreatedAt, &sub.UpdatedAt, &sub.TelegramID)
	if err != nil {
		return nil, err
	}
	sub.Period = time.Duration(periodSeconds) * time.Second
	if rebillID.Valid {
		sub.RebillID = &rebillID.String
	}
	if next.Valid {
		sub.NextPaymentDate = &next.Time
	}
	if last.Valid {
		sub.LastPaymentDate = &last.Time
	}
	return &sub, nil
}

func scanSubscriptions(rows *sql.Rows) ([]models.Subscription, error) {
	defer rows.Close()

	var result []models.Subscription
	for rows.Next() {
		sub, err := scanSubscription(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, *sub)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return result, nil
}

// GetSubscription возвращает подписку по ID.
func (s *Storage) GetSubscription(ctx context.Context, id int64) (*models.Subscription, error) {
	const op = "storage.GetSubscription"
	if err := ctxDone(ctx); err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}

	query := `SELECT ` + subscriptionColumns + subscriptionFrom + ` WHERE s.id = $1`
	sub, err := scanSubscription(s.DB.QueryRowContext(ctx, query, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("%s: %w", op, storage.ErrNotFound)
		}
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	return sub, nil
}

// ListSubscriptionsByUser возвращает все подписки пользователя, новые в конце.
func (s *Storage) ListSubscriptionsByUser(ctx context.Context, userID int64) ([]models.Subscription, error) {
	const op = "storage.ListSubscriptionsByUser"
	if err := ctxDone(ctx); err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}

	query := `SELECT ` + subscriptionColumns + subscriptionFrom + ` WHERE s.user_id = $1 ORDER BY s.id`
	rows, err := s.DB.QueryContext(ctx, query, userID)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	subs, err := scanSubscriptions(rows)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	return subs, nil
}

// GetActiveSubscription возвращает активную подписку пользователя.
func (s *Storage) GetActiveSubscription(ctx context.Context, userID int64) (*models.Subscription, error) {
	const op = "storage.GetActiveSubscription"
	if err := ctxDone(ctx); err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}

	query := `SELECT ` + subscriptionColumns + subscriptionFrom + ` WHERE s.user_id = $1 AND s.is_active`
	sub, err := scanSubscription(s.DB.QueryRowContext(ctx, query, userID))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("%s: %w", op, storage.ErrNotFound)
		}
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	return sub, nil
}

// CreateSubscription вставляет подписку и заполняет ID, версию и временные метки.
func (s *Storage) CreateSubscription(ctx context.Context, sub *models.Subscription) error {
	const op = "storage.CreateSubscription"
	if err := ctxDone(ctx); err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}

	if err := insertSubscription(ctx, s.DB, sub); err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	return nil
}

// UpdateSubscription сохраняет подписку, если её версия не изменилась с момента чтения.
// При успехе sub.Version увеличивается.
func (s *Storage) UpdateSubscription(ctx context.Context, sub *models.Subscription) error {
	const op = "storage.UpdateSubscription"
	if err := ctxDone(ctx); err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}

	if err := updateSubscription(ctx, s.DB, sub); err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	return nil
}

// ListDueForNotification возвращает подписки, списание по которым наступит
// в пределах window и о котором пользователь ещё не предупреждён.
func (s *Storage) ListDueForNotification(ctx context.Context, now time.Time, window time.Duration) ([]models.Subscription, error) {
	const op = "storage.ListDueForNotification"
	if err := ctxDone(ctx); err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}

	query := `SELECT ` + subscriptionColumns + subscriptionFrom + `
			  WHERE s.is_active AND s.auto_renewal AND NOT s.notification_sent
			    AND s.next_payment_date > $1 AND s.next_payment_date <= $2
			  ORDER BY s.next_payment_date, s.id`
	rows, err := s.DB.QueryContext(ctx, query, now, now.Add(window))
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	subs, err := scanSubscriptions(rows)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	return subs, nil
}

// ListDueForRenewal возвращает подписки, по которым пора выполнить рекуррентное списание.
func (s *Storage) ListDueForRenewal(ctx context.Context, now time.Time) ([]models.Subscription, error) {
	const op = "storage.ListDueForRenewal"
	if err := ctxDone(ctx); err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}

	query := `SELECT ` + subscriptionColumns + subscriptionFrom + `
			  WHERE s.is_active AND s.auto_renewal AND s.rebill_id IS NOT NULL
			    AND s.next_payment_date <= $1
			  ORDER BY s.next_payment_date, s.id`
	rows, err := s.DB.QueryContext(ctx, query, now)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	subs, err := scanSubscriptions(rows)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	return subs, nil
}

// ListExpired возвращает активные подписки без автопродления, срок которых истёк.
func (s *Storage) ListExpired(ctx context.Context, now time.Time) ([]models.Subscription, error) {
	const op = "storage.ListExpired"
	if err := ctxDone(ctx); err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}

	query := `SELECT ` + subscriptionColumns + subscriptionFrom + `
			  WHERE s.is_active AND NOT s.auto_renewal AND s.end_date <= $1
			  ORDER BY s.end_date, s.id`
	rows, err := s.DB.QueryContext(ctx, query, now)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	subs, err := scanSubscriptions(rows)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	return subs, nil
}

// CreateCheckout в одной транзакции создаёт неактивную подписку и ожидающий платёж по ней.
func (s *Storage) CreateCheckout(ctx context.Context, sub *models.Subscription, payment *models.Payment) error {
	const op = "storage.CreateCheckout"
	if err := ctxDone(ctx); err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}

	err := s.withTx(ctx, func(tx *sql.Tx) error {
		sub.IsActive = false
		if err := insertSubscription(ctx, tx, sub); err != nil {
			return err
		}
		payment.SubscriptionID = &sub.ID
		return insertPayment(ctx, tx, payment)
	})
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	return nil
}

// ActivateSubscription в одной транзакции снимает с активных прочие подписки
// пользователя, сохраняет активированную подписку и завершает платёж.
func (s *Storage) ActivateSubscription(ctx context.Context, sub *models.Subscription, payment *models.Payment) error {
	const op = "storage.ActivateSubscription"
	if err := ctxDone(ctx); err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}

	err := s.withTx(ctx, func(tx *sql.Tx) error {
		query := `UPDATE subscriptions
				  SET is_active = FALSE, auto_renewal = FALSE, rebill_id = NULL,
				      next_payment_date = NULL, notification_sent = FALSE,
				      version = version + 1, updated_at = NOW()
				  WHERE user_id = $1 AND is_active AND id <> $2`
		if _, err := tx.ExecContext(ctx, query, sub.UserID, sub.ID); err != nil {
			return err
		}
		if err := updateSubscription(ctx, tx, sub); err != nil {
			return err
		}
		return updatePayment(ctx, tx, payment)
	})
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	return nil
}

// SaveRenewalOutcome в одной транзакции сохраняет подписку после попытки
// списания и платёж с итогом этой попытки.
func (s *Storage) SaveRenewalOutcome(ctx context.Context, sub *models.Subscription, payment *models.Payment) error {
	const op = "storage.SaveRenewalOutcome"
	if err := ctxDone(ctx); err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}

	err := s.withTx(ctx, func(tx *sql.Tx) error {
		if err := updateSubscription(ctx, tx, sub); err != nil {
			return err
		}
		if payment.ID == 0 {
			return insertPayment(ctx, tx, payment)
		}
		return updatePayment(ctx, tx, payment)
	})
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	return nil
}

func insertSubscription(ctx context.Context, q querier, sub *models.Subscription) error {
	query := `INSERT INTO subscriptions (user_id, plan_code, amount, period_seconds, start_date, end_date,
			      is_active, auto_renewal, rebill_id, next_payment_date, last_payment_date,
			      failed_payment_count, notification_sent)
			  VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
			  RETURNING id, version, created_at, updated_at`
	err := q.QueryRowContext(ctx, query,
		sub.UserID, sub.PlanCode, sub.Amount, int64(sub.Period/time.Second), sub.StartDate, sub.EndDate,
		sub.IsActive, sub.AutoRenewal, sub.RebillID, sub.NextPaymentDate, sub.LastPaymentDate,
		sub.FailedPaymentCount, sub.NotificationSent,
	).Scan(&sub.ID, &sub.Version, &sub.CreatedAt, &sub.UpdatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return storage.ErrAlreadyExists
		}
		return err
	}
	return nil
}

func updateSubscription(ctx context.Context, q querier, sub *models.Subscription) error {
	query := `UPDATE subscriptions
			  SET plan_code = $1, amount = $2, period_seconds = $3, start_date = $4, end_date = $5,
			      is_active = $6, auto_renewal = $7, rebill_id = $8, next_payment_date = $9,
			      last_payment_date = $10, failed_payment_count = $11, notification_sent = $12,
			      version = version + 1, updated_at = NOW()
			  WHERE id = $13 AND version = $14
			  RETURNING version, updated_at`
	err := q.QueryRowContext(ctx, query,
		sub.PlanCode, sub.Amount, int64(sub.Period/time.Second), sub.StartDate, sub.EndDate,
		sub.IsActive, sub.AutoRenewal, sub.RebillID, sub.NextPaymentDate,
		sub.LastPaymentDate, sub.FailedPaymentCount, sub.NotificationSent,
		sub.ID, sub.Version,
	).Scan(&sub.Version, &sub.UpdatedAt)
	if err == nil {
		return nil
	}
	if isUniqueViolation(err) {
		return storage.ErrAlreadyExists
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return err
	}

	var exists bool
	if err := q.QueryRowContext(ctx, `SELECT EXISTS (SELECT 1 FROM subscriptions WHERE id = $1)`, sub.ID).Scan(&exists); err != nil {
		return err
	}
	if exists {
		return storage.ErrConflict
	}
	return storage.ErrNotFound
}
