// Package storage содержит общие ошибки слоя хранения.
package storage

import (
	"errors"
	"fmt"

	"github.com/magabrotheeeer/subscription-gate/internal/models"
)

var (
	// ErrNotFound запись не найдена.
	ErrNotFound = fmt.Errorf("storage: record %w", models.ErrNotFound)
	// ErrConflict запись изменилась с момента чтения (не совпала версия).
	ErrConflict = fmt.Errorf("storage: %w", models.ErrConflict)
	// ErrAlreadyExists нарушено ограничение уникальности.
	ErrAlreadyExists = errors.New("storage: record already exists")
)
