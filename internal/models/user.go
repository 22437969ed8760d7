package models

import "time"

// User участник сообщества, идентифицируемый по Telegram ID.
type User struct {
	ID         int64     `json:"id"`
	TelegramID int64     `json:"telegram_id"`
	Username   string    `json:"username"`
	Email      string    `json:"email"`
	IsActive   bool      `json:"is_active"`
	CreatedAt  time.Time `json:"created_at"`
}

// Registered сообщает, указал ли пользователь email для чеков.
func (u *User) Registered() bool {
	return u != nil && u.Email != ""
}

// WhitelistEntry ручное разрешение доступа вне зависимости от оплаты.
type WhitelistEntry struct {
	ID         int64      `json:"id"`
	TelegramID int64      `json:"telegram_id"`
	Reason     string     `json:"reason"`
	AddedBy    string     `json:"added_by"`
	ExpiresAt  *time.Time `json:"expires_at,omitempty"`
	CreatedAt  time.Time  `json:"created_at"`
}

// ActiveAt сообщает, действует ли запись на момент now.
func (w *WhitelistEntry) ActiveAt(now time.Time) bool {
	if w == nil {
		return false
	}
	return w.ExpiresAt == nil || w.ExpiresAt.After(now)
}

// Admin учётная запись администратора панели.
type Admin struct {
	ID           int64      `json:"id"`
	Username     string     `json:"username"`
	PasswordHash string     `json:"-"`
	LastLogin    *time.Time `json:"last_login,omitempty"`
}

// Stats сводные показатели для админ-панели.
type Stats struct {
	TotalUsers          int   `json:"total_users"`
	ActiveUsers         int   `json:"active_users"`
	ActiveSubscriptions int   `json:"active_subscriptions"`
	Revenue             int64 `json:"revenue"`
}

// BroadcastResult итог рассылки.
type BroadcastResult struct {
	Recipients int `json:"recipients"`
	Queued     int `json:"queued"`
	Failed     int `json:"failed"`
}
