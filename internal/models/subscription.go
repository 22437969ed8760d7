// Package models содержит доменные типы: пользователей, подписки, платежи, тарифы и whitelist.
package models

import "time"

// Subscription запись о подписке пользователя на закрытое сообщество.
//
// Подписка создаётся неактивной в момент начала оплаты и активируется только
// после подтверждения первого платежа шлюзом.
type Subscription struct {
	ID                 int64         `json:"id"`
	UserID             int64         `json:"user_id"`
	PlanCode           string        `json:"plan_code"`
	Amount             int64         `json:"amount"`
	Period             time.Duration `json:"period"`
	StartDate          time.Time     `json:"start_date"`
	EndDate            time.Time     `json:"end_date"`
	IsActive           bool          `json:"is_active"`
	AutoRenewal        bool          `json:"auto_renewal"`
	RebillID           *string       `json:"rebill_id,omitempty"`
	NextPaymentDate    *time.Time    `json:"next_payment_date,omitempty"`
	LastPaymentDate    *time.Time    `json:"last_payment_date,omitempty"`
	FailedPaymentCount int           `json:"failed_payment_count"`
	NotificationSent   bool          `json:"notification_sent"`
	Version            int64         `json:"version"`
	CreatedAt          time.Time     `json:"created_at"`
	UpdatedAt          time.Time     `json:"updated_at"`

	// TelegramID заполняется при выборках планировщика, в таблице не хранится.
	TelegramID int64 `json:"telegram_id,omitempty"`
}

// HasRebill сообщает, может ли подписка продлеваться рекуррентным списанием.
func (s *Subscription) HasRebill() bool {
	return s.RebillID != nil && *s.RebillID != ""
}

// ClearAutoRenewal выключает автопродление и забывает токен рекуррента.
func (s *Subscription) ClearAutoRenewal() {
	s.AutoRenewal = false
	s.RebillID = nil
	s.NextPaymentDate = nil
	s.NotificationSent = false
}

// Deactivate снимает подписку с активных.
func (s *Subscription) Deactivate() {
	s.IsActive = false
	s.ClearAutoRenewal()
}

// ScheduleNext выставляет дату следующего списания за notifyWindow до окончания.
func (s *Subscription) ScheduleNext(notifyWindow time.Duration) {
	next := s.EndDate.Add(-notifyWindow)
	s.NextPaymentDate = &next
}

// Clone возвращает независимую копию подписки.
func (s *Subscription) Clone() *Subscription {
	c := *s
	if s.RebillID != nil {
		v := *s.RebillID
		c.RebillID = &v
	}
	if s.NextPaymentDate != nil {
		v := *s.NextPaymentDate
		c.NextPaymentDate = &v
	}
	if s.LastPaymentDate != nil {
		v := *s.LastPaymentDate
		c.LastPaymentDate = &v
	}
	return &c
}
