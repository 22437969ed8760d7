package models

import "time"

// AccessStatus итог проверки доступа.
type AccessStatus string

// Возможные решения по доступу.
const (
	AccessGranted           AccessStatus = "granted"
	AccessDenied            AccessStatus = "denied"
	AccessNeedsRegistration AccessStatus = "needs_registration"
)

// AccessState решение по доступу пользователя в момент проверки.
type AccessState struct {
	Status         AccessStatus `json:"status"`
	Unlimited      bool         `json:"unlimited,omitempty"`
	Until          *time.Time   `json:"until,omitempty"`
	SubscriptionID int64        `json:"subscription_id,omitempty"`
	Reason         string       `json:"reason,omitempty"`
}

// Granted сообщает, открыт ли доступ.
func (a AccessState) Granted() bool {
	return a.Status == AccessGranted
}

// ValidAt сообщает, остаётся ли решение верным на момент now.
// Ограниченный по времени доступ истекает вместе с подпиской.
func (a AccessState) ValidAt(now time.Time) bool {
	if a.Status != AccessGranted || a.Unlimited {
		return true
	}
	return a.Until != nil && a.Until.After(now)
}
