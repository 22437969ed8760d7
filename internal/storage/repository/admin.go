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

// GetAdminByUsername возвращает администратора по логину.
func (s *Storage) GetAdminByUsername(ctx context.Context, username string) (*models.Admin, error) {
	const op = "storage.GetAdminByUsername"
	if err := ctxDone(ctx); err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}

	var (
		a         models.Admin
		lastLogin sql.NullTime
	)
	err := s.DB.QueryRowContext(ctx,
		`SELECT id, username, password_hash, last_login FROM admins WHERE username = $1`, username).
		Scan(&a.ID, &a.Username, &a.PasswordHash, &lastLogin)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("%s: %w", op, storage.ErrNotFound)
		}
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	if lastLogin.Valid {
		a.LastLogin = &lastLogin.Time
	}
	return &a, nil
}

// TouchAdminLogin запоминает время последнего входа.
func (s *Storage) TouchAdminLogin(ctx context.Context, id int64, at time.Time) error {
	const op = "storage.TouchAdminLogin"
	if err := ctxDone(ctx); err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}

	result, err := s.DB.ExecContext(ctx, `UPDATE admins SET last_login = $1 WHERE id = $2`, at, id)
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	return expectOneRow(op, result)
}

// EnsureAdmin создаёт администратора, если его ещё нет. Существующий пароль не меняется.
func (s *Storage) EnsureAdmin(ctx context.Context, username, passwordHash string) error {
	const op = "storage.EnsureAdmin"
	if err := ctxDone(ctx); err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}

	_, err := s.DB.ExecContext(ctx,
		`INSERT INTO admins (username, password_hash) VALUES ($1, $2) ON CONFLICT (username) DO NOTHING`,
		username, passwordHash)
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	return nil
}

// Stats считает сводные показатели для админ-панели.
func (s *Storage) Stats(ctx context.Context) (*models.Stats, error) {
	const op = "storage.Stats"
	if err := ctxDone(ctx); err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}

	query := `SELECT
			      (SELECT COUNT(*) FROM users),
			      (SELECT COUNT(*) FROM users WHERE is_active),
			      (SELECT COUNT(*) FROM subscriptions WHERE is_active),
			      (SELECT COALESCE(SUM(amount), 0) FROM payments WHERE status = 'completed')`
	var st models.Stats
	if err := s.DB.QueryRowContext(ctx, query).Scan(&st.TotalUsers, &st.ActiveUsers, &st.ActiveSubscriptions, &st.Revenue); err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	return &st, nil
}
