package paymentprovider

import (
	"bytes"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
)

// Status статус платежа, нормализованный из статусов шлюза.
type Status string

// Статусы платежа.
const (
	StatusNew             Status = "New"
	StatusAuthorized      Status = "Authorized"
	StatusConfirmed       Status = "Confirmed"
	StatusRejected        Status = "Rejected"
	StatusDeadlineExpired Status = "DeadlineExpired"
	StatusCanceled        Status = "Canceled"
	StatusPending         Status = "Pending"
	StatusUnknown         Status = "Unknown"
)

// ParseStatus переводит строковый статус T-Bank в Status.
func ParseStatus(raw string) Status {
	switch raw {
	case "NEW":
		return StatusNew
	case "AUTHORIZED":
		return StatusAuthorized
	case "CONFIRMED":
		return StatusConfirmed
	case "REJECTED", "AUTH_FAIL":
		return StatusRejected
	case "DEADLINE_EXPIRED":
		return StatusDeadlineExpired
	case "CANCELED", "REVERSED", "REFUNDED", "PARTIAL_REFUNDED", "PARTIAL_REVERSED":
		return StatusCanceled
	case "FORM_SHOWED", "AUTHORIZING", "CONFIRMING", "3DS_CHECKING", "3DS_CHECKED",
		"REVERSING", "REFUNDING", "CONFIRM_CHECKING":
		return StatusPending
	default:
		return StatusUnknown
	}
}

// Terminal сообщает, что платёж окончательно не пройдёт.
func (s Status) Terminal() bool {
	return s == StatusRejected || s == StatusDeadlineExpired || s == StatusCanceled
}

// ChargeRequest первичная оплата с привязкой карты для рекуррентов.
type ChargeRequest struct {
	Amount      int64
	OrderID     string
	Description string
	Email       string
	CustomerKey string
	Recurrent   bool
}

// RecurringChargeRequest списание по сохранённому RebillId.
type RecurringChargeRequest struct {
	RebillID    string
	Amount      int64
	OrderID     string
	Description string
	CustomerKey string
}

// Charge результат инициации первичной оплаты.
type Charge struct {
	PaymentURL string
	PaymentID  string
}

// PaymentState ответ GetState.
type PaymentState struct {
	PaymentID string
	Status    Status
	RawStatus string
	RebillID  string
	Amount    int64
}

// Notification уведомление шлюза о смене статуса платежа.
type Notification struct {
	TerminalKey string
	OrderID     string
	Success     bool
	Status      Status
	RawStatus   string
	PaymentID   string
	Amount      int64
	RebillID    string
	ErrorCode   string
}

type initRequest struct {
	TerminalKey     string            `json:"TerminalKey"`
	Amount          int64             `json:"Amount"`
	OrderID         string            `json:"OrderId"`
	Description     string            `json:"Description,omitempty"`
	CustomerKey     string            `json:"CustomerKey,omitempty"`
	Recurrent       string            `json:"Recurrent,omitempty"`
	RebillID        string            `json:"RebillId,omitempty"`
	PaymentMethod   string            `json:"PaymentMethod,omitempty"`
	NotificationURL string            `json:"NotificationURL,omitempty"`
	SuccessURL      string            `json:"SuccessURL,omitempty"`
	FailURL         string            `json:"FailURL,omitempty"`
	Data            map[string]string `json:"DATA,omitempty"`
}

type getStateRequest struct {
	TerminalKey string `json:"TerminalKey"`
	PaymentID   string `json:"PaymentId"`
}

// baseResponse общая часть ответов v2 API.
type baseResponse struct {
	Success   bool   `json:"Success"`
	ErrorCode string `json:"ErrorCode"`
	Message   string `json:"Message"`
	Details   string `json:"Details"`
}

type initResponse struct {
	baseResponse
	Status     string     `json:"Status"`
	PaymentID  flexString `json:"PaymentId"`
	OrderID    string     `json:"OrderId"`
	Amount     int64      `json:"Amount"`
	PaymentURL string     `json:"PaymentURL"`
}

type getStateResponse struct {
	baseResponse
	Status    string     `json:"Status"`
	PaymentID flexString `json:"PaymentId"`
	OrderID   string     `json:"OrderId"`
	Amount    int64      `json:"Amount"`
	RebillID  flexString `json:"RebillId"`
}

// flexString принимает и строку, и число: шлюз отдаёт PaymentId и RebillId по-разному.
type flexString string

func (f *flexString) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) == 0 || bytes.Equal(data, []byte("null")) {
		*f = ""
		return nil
	}
	if data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		*f = flexString(s)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(data, &n); err != nil {
		return err
	}
	*f = flexString(n.String())
	return nil
}

// NewOrderID формирует уникальный номер заказа: telegram id покупателя и случайный суффикс.
func NewOrderID(telegramID int64) string {
	return fmt.Sprintf("%d_%s", telegramID, uuid.NewString())
}
