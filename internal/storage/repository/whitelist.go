package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/magabrotheeeer/subscription-gate/internal/models"
	"github.com/magabrotheeeer/subscription-gate/internal/storage"
)

const whitelistColumns = `id, telegram_id, reason, added_by, expires_at, created_at`

func scanWhitelistEntry(row interface{ Scan(...any) error }) (*models.WhitelistEntry, error) {
	var (
		e         models.WhitelistEntry
		expiresAt sql.NullTime
	)
	if err := row.Scan(&e.ID, &e.TelegramID, &e.Reason, &e.AddedBy, &expiresAt, &e.CreatedAt); err != nil {
		return nil, err
	}
	if expiresAt.Valid {
		e.ExpiresAt = &expiresAt.Time
	}
	return &e, nil
}

// AddToWhitelist добавляет запись или обновляет существующую для того же Telegram ID.
func (s *Storage) AddToWhitelist(ctx context.Context, entry *models.WhitelistEntry) error {
	const op = "storage.AddToWhitelist"
	if err := ctxDone(ctx); err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}

	query := `INSERT INTO whitelist (telegram_id, reason, added_by, expires_at)
			  VALUES ($1, $2, $3, $4)
			  ON CONFLICT (telegram_id) DO UPDATE
			  SET reason = EXCLUDED.reason, added_by = EXCLUDED.added_by, expires_at = EXCLUDED.expires_at
			  RETURNING id, created_at`
	err := s.DB.QueryRowContext(ctx, query, entry.TelegramID, entry.Reason, entry.AddedBy, entry.ExpiresAt).
		Scan(&entry.ID, &entry.CreatedAt)
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	return nil
}

// RemoveFromWhitelist удаляет запись по Telegram ID.
func (s *Storage) RemoveFromWhitelist(ctx context.Context, telegramID int64) error {
	const op = "storage.RemoveFromWhitelist"
	if err := ctxDone(ctx); err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}

	result, err := s.DB.ExecContext(ctx, `DELETE FROM whitelist WHERE telegram_id = $1`, telegramID)
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	return expectOneRow(op, result)
}

// GetWhitelistEntry возвращает запись whitelist по Telegram ID.
func (s *Storage) GetWhitelistEntry(ctx context.Context, telegramID int64) (*models.WhitelistEntry, error) {
	const op = "storage.GetWhitelistEntry"
	if err := ctxDone(ctx); err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}

	query := `SELECT ` + whitelistColumns + ` FROM whitelist WHERE telegram_id = $1`
	e, err := scanWhitelistEntry(s.DB.QueryRowContext(ctx, query, telegramID))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("%s: %w", op, storage.ErrNotFound)
		}
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	return e, nil
}

// ListWhitelist возвращает все записи whitelist.
func (s *Storage) ListWhitelist(ctx context.Context) ([]models.WhitelistEntry, error) {
	const op = "storage.ListWhitelist"
	if err := ctxDone(ctx); err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}

	rows, err := s.DB.QueryContext(ctx, `SELECT `+whitelistColumns+` FROM whitelist ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	defer rows.Close()

	var result []models.WhitelistEntry
	for rows.Next() {
		e, err := scanWhitelistEntry(rows)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", op, err)
		}
		result = append(result, *e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	return result, nil
}
