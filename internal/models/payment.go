package models

import "time"

// PaymentStatus статус платежа в нашей системе.
type PaymentStatus string

// Статусы платежа.
const (
	PaymentPending   PaymentStatus = "pending"
	PaymentCompleted PaymentStatus = "completed"
	PaymentFailed    PaymentStatus = "failed"
	PaymentRefunded  PaymentStatus = "refunded"
)

// PaymentKind различает первичную оплату и автопродление.
type PaymentKind string

// Виды платежей.
const (
	PaymentCheckout PaymentKind = "checkout"
	PaymentRenewal  PaymentKind = "renewal"
)

// CurrencyRUB единственная поддерживаемая валюта.
const CurrencyRUB = "RUB"

// Payment попытка списания. Завершённые платежи не изменяются,
// каждое автопродление создаёт новую запись.
type Payment struct {
	ID               int64         `json:"id"`
	UserID           int64         `json:"user_id"`
	SubscriptionID   *int64        `json:"subscription_id,omitempty"`
	GatewayPaymentID *string       `json:"gateway_payment_id,omitempty"`
	OrderID          string        `json:"order_id"`
	Amount           int64         `json:"amount"`
	Currency         string        `json:"currency"`
	Status           PaymentStatus `json:"status"`
	Kind             PaymentKind   `json:"kind"`
	CreatedAt        time.Time     `json:"created_at"`
	CompletedAt      *time.Time    `json:"completed_at,omitempty"`
	Error            string        `json:"error,omitempty"`
}

// Final сообщает, что платёж больше не может менять статус.
func (p *Payment) Final() bool {
	return p.Status == PaymentCompleted || p.Status == PaymentRefunded
}
