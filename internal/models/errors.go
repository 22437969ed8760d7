package models

import (
	"errors"
	"fmt"
)

// ErrNotFound базовая ошибка отсутствующей сущности.
var ErrNotFound = errors.New("not found")

// ErrValidation базовая ошибка некорректного запроса.
var ErrValidation = errors.New("validation failed")

// ErrConflict параллельное изменение одной записи.
var ErrConflict = errors.New("concurrent update conflict")

// NotFoundError сущность не найдена, повторять запрос бессмысленно.
type NotFoundError struct {
	Entity string
	Key    any
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s %v not found", e.Entity, e.Key)
}

// Is позволяет сравнивать с ErrNotFound через errors.Is.
func (e *NotFoundError) Is(target error) bool {
	return target == ErrNotFound
}

// ValidationError запрос отклонён до обращения к шлюзу.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return e.Reason
	}
	return fmt.Sprintf("%s: %s", e.Field, e.Reason)
}

// Is позволяет сравнивать с ErrValidation через errors.Is.
func (e *ValidationError) Is(target error) bool {
	return target == ErrValidation
}
