// Package paymentprovider реализует клиент эквайринга T-Bank (API v2):
// первичная оплата с привязкой карты, рекуррентные списания по RebillId,
// запрос статуса и проверка подписи уведомлений.
package paymentprovider

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/magabrotheeeer/subscription-gate/internal/models"
)

// DefaultBaseURL боевой адрес API v2.
const DefaultBaseURL = "https://securepay.tinkoff.ru/v2"

// Client клиент шлюза. Методы не повторяют запросы сами,
// политику повторов определяет вызывающий.
type Client struct {
	terminalKey     string
	password        string
	apiURL          string
	notificationURL string
	successURL      string
	failURL         string
	httpClient      *http.Client
}

// Option настройка клиента.
type Option func(*Client)

// WithBaseURL задаёт адрес API (например, тестовый стенд).
func WithBaseURL(url string) Option {
	return func(c *Client) {
		if url != "" {
			c.apiURL = strings.TrimRight(url, "/")
		}
	}
}

// WithHTTPClient подменяет HTTP-клиент.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.httpClient = hc }
}

// WithTimeout задаёт таймаут одного HTTP-запроса.
func WithTimeout(d time.Duration) Option {
	return func(c *Client) {
		if d > 0 {
			c.httpClient.Timeout = d
		}
	}
}

// WithRedirects задаёт адреса возврата покупателя и адрес уведомлений.
func WithRedirects(successURL, failURL, notificationURL string) Option {
	return func(c *Client) {
		c.successURL = successURL
		c.failURL = failURL
		c.notificationURL = notificationURL
	}
}

// NewClient создаёт новый клиент T-Bank
func NewClient(terminalKey, password string, opts ...Option) *Client {
	c := &Client{
		terminalKey: terminalKey,
		password:    password,
		apiURL:      DefaultBaseURL,
		httpClient:  &http.Client{Timeout: 15 * time.Second},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// InitiateCharge создаёт первичный платёж и возвращает ссылку на платёжную форму.
func (c *Client) InitiateCharge(ctx context.Context, req ChargeRequest) (*Charge, error) {
	const op = "paymentprovider.InitiateCharge"

	if err := validateCharge(req.Amount, req.OrderID); err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	if req.Email == "" {
		return nil, fmt.Errorf("%s: %w", op, &models.ValidationError{Field: "email", Reason: "billing email is required"})
	}

	body := initRequest{
		TerminalKey:     c.terminalKey,
		Amount:          req.Amount,
		OrderID:         req.OrderID,
		Description:     req.Description,
		CustomerKey:     req.CustomerKey,
		NotificationURL: c.notificationURL,
		SuccessURL:      c.successURL,
		FailURL:         c.failURL,
		Data:            map[string]string{"Email": req.Email},
	}
	if req.Recurrent {
		body.Recurrent = "Y"
	}

	var resp initResponse
	if err := c.call(ctx, op, "/Init", body, &resp); err != nil {
		return nil, err
	}
	if resp.PaymentURL == "" || resp.PaymentID == "" {
		return nil, &Error{Op: op, Code: resp.ErrorCode, Message: "response without PaymentURL or PaymentId"}
	}
	return &Charge{PaymentURL: resp.PaymentURL, PaymentID: string(resp.PaymentID)}, nil
}

// InitiateRecurringCharge создаёт списание по сохранённому RebillId.
func (c *Client) InitiateRecurringCharge(ctx context.Context, req RecurringChargeRequest) (string, error) {
	const op = "paymentprovider.InitiateRecurringCharge"

	if err := validateCharge(req.Amount, req.OrderID); err != nil {
		return "", fmt.Errorf("%s: %w", op, err)
	}
	if req.RebillID == "" {
		return "", fmt.Errorf("%s: %w", op, &models.ValidationError{Field: "rebill_id", Reason: "is required"})
	}

	body := initRequest{
		TerminalKey:     c.terminalKey,
		Amount:          req.Amount,
		OrderID:         req.OrderID,
		Description:     req.Description,
		CustomerKey:     req.CustomerKey,
		RebillID:        req.RebillID,
		PaymentMethod:   "Recurrent",
		NotificationURL: c.notificationURL,
	}

	var resp initResponse
	if err := c.call(ctx, op, "/Init", body, &resp); err != nil {
		return "", err
	}
	if resp.PaymentID == "" {
		return "", &Error{Op: op, Code: resp.ErrorCode, Message: "response without PaymentId"}
	}
	return string(resp.PaymentID), nil
}

// QueryStatus запрашивает текущий статус платежа.
func (c *Client) QueryStatus(ctx context.Context, paymentID string) (*PaymentState, error) {
	const op = "paymentprovider.QueryStatus"

	if paymentID == "" {
		return nil, fmt.Errorf("%s: %w", op, &models.ValidationError{Field: "payment_id", Reason: "is required"})
	}

	var resp getStateResponse
	if err := c.call(ctx, op, "/GetState", getStateRequest{TerminalKey: c.terminalKey, PaymentID: paymentID}, &resp); err != nil {
		return nil, err
	}
	return &PaymentState{
		PaymentID: string(resp.PaymentID),
		Status:    ParseStatus(resp.Status),
		RawStatus: resp.Status,
		RebillID:  string(resp.RebillID),
		Amount:    resp.Amount,
	}, nil
}

// ParseNotification разбирает уведомление шлюза и проверяет его подпись.
func (c *Client) ParseNotification(body []byte) (*Notification, error) {
	const op = "paymentprovider.ParseNotification"

	fields, err := decodeFields(body)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	if !VerifyToken(fields, c.password) {
		return nil, fmt.Errorf("%s: %w", op, ErrInvalidToken)
	}
	if key, _ := fields["TerminalKey"].(string); key != c.terminalKey {
		return nil, fmt.Errorf("%s: unexpected terminal key %q", op, key)
	}

	n := &Notification{TerminalKey: c.terminalKey}
	n.OrderID, _ = scalarString(fields["OrderId"])
	n.PaymentID, _ = scalarString(fields["PaymentId"])
	n.RebillID, _ = scalarString(fields["RebillId"])
	n.ErrorCode, _ = scalarString(fields["ErrorCode"])
	n.RawStatus, _ = scalarString(fields["Status"])
	n.Status = ParseStatus(n.RawStatus)
	n.Success, _ = fields["Success"].(bool)
	if amount, ok := fields["Amount"].(json.Number); ok {
		n.Amount, _ = amount.Int64()
	}
	return n, nil
}

func (c *Client) call(ctx context.Context, op, path string, body any, out interface{ ok() (bool, string, string) }) error {
	fields, err := fieldsOf(body)
	if err != nil {
		return &Error{Op: op, Err: err}
	}
	fields[tokenField] = Token(fields, c.password)

	var buf bytes.Buffer
	if err := json.NewEncoder(&buf).Encode(fields); err != nil {
		return &Error{Op: op, Err: err}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.apiURL+path, &buf)
	if err != nil {
		return &Error{Op: op, Err: err}
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return &Error{Op: op, Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		_, _ = io.Copy(io.Discard, resp.Body)
		return &Error{Op: op, HTTPStatus: resp.StatusCode}
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return &Error{Op: op, HTTPStatus: resp.StatusCode, Err: err}
	}
	if success, code, msg := out.ok(); !success {
		return &Error{Op: op, HTTPStatus: resp.StatusCode, Code: code, Message: msg}
	}
	return nil
}

func (r *baseResponse) ok() (bool, string, string) {
	msg := r.Message
	if r.Details != "" {
		msg = strings.TrimSpace(msg + " " + r.Details)
	}
	return r.Success && (r.ErrorCode == "" || r.ErrorCode == "0"), r.ErrorCode, msg
}

func validateCharge(amount int64, orderID string) error {
	if amount <= 0 {
		return &models.ValidationError{Field: "amount", Reason: "must be positive"}
	}
	if orderID == "" {
		return &models.ValidationError{Field: "order_id", Reason: "is required"}
	}
	return nil
}
