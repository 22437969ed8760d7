// Package auth отвечает за вход администраторов в панель и проверку их токенов.
package auth

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/magabrotheeeer/subscription-gate/internal/lib/jwt"
	"github.com/magabrotheeeer/subscription-gate/internal/lib/password"
	"github.com/magabrotheeeer/subscription-gate/internal/lib/sl"
	"github.com/magabrotheeeer/subscription-gate/internal/models"
)

// ErrInvalidCredentials неизвестный логин или неверный пароль.
var ErrInvalidCredentials = errors.New("invalid credentials")

// AdminRepository хранилище учётных записей администраторов.
type AdminRepository interface {
	GetAdminByUsername(ctx context.Context, username string) (*models.Admin, error)
	TouchAdminLogin(ctx context.Context, id int64, at time.Time) error
	EnsureAdmin(ctx context.Context, username, passwordHash string) error
}

// Service выдаёт и проверяет JWT администраторов.
type Service struct {
	admins   AdminRepository
	jwtMaker jwt.Maker
	log      *slog.Logger
	now      func() time.Time
}

// NewService создаёт сервис аутентификации.
func NewService(admins AdminRepository, jwtMaker jwt.Maker, log *slog.Logger) *Service {
	return &Service{
		admins:   admins,
		jwtMaker: jwtMaker,
		log:      log,
		now:      time.Now,
	}
}

// Login проверяет пароль и возвращает токен доступа.
func (s *Service) Login(ctx context.Context, username, rawPassword string) (string, error) {
	const op = "auth.Login"

	admin, err := s.admins.GetAdminByUsername(ctx, username)
	if errors.Is(err, models.ErrNotFound) {
		return "", fmt.Errorf("%s: %w", op, ErrInvalidCredentials)
	}
	if err != nil {
		return "", fmt.Errorf("%s: %w", op, err)
	}
	if err := password.CompareHash(admin.PasswordHash, rawPassword); err != nil {
		return "", fmt.Errorf("%s: %w", op, ErrInvalidCredentials)
	}

	token, err := s.jwtMaker.GenerateToken(admin.ID, admin.Username)
	if err != nil {
		return "", fmt.Errorf("%s: %w", op, err)
	}
	if err := s.admins.TouchAdminLogin(ctx, admin.ID, s.now()); err != nil {
		s.log.Warn("failed to record admin login", slog.String("username", username), sl.Err(err))
	}
	s.log.Info("admin logged in", slog.String("username", username))
	return token, nil
}

// ValidateToken разбирает токен и возвращает его claims.
func (s *Service) ValidateToken(_ context.Context, token string) (*jwt.AdminClaims, error) {
	const op = "auth.ValidateToken"
	claims, err := s.jwtMaker.ParseToken(token)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	return claims, nil
}

// Bootstrap заводит администратора из конфига, если его ещё нет.
func (s *Service) Bootstrap(ctx context.Context, username, rawPassword string) error {
	const op = "auth.Bootstrap"
	if username == "" {
		return nil
	}
	hash, err := password.GetHash(rawPassword)
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	if err := s.admins.EnsureAdmin(ctx, username, hash); err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	return nil
}
