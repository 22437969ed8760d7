package paymentprovider

import (
	"errors"
	"fmt"
)

// ErrInvalidToken подпись уведомления не совпала.
var ErrInvalidToken = errors.New("invalid notification token")

// Error ошибка обращения к шлюзу: сеть, HTTP-статус или Success=false.
// Вызывающий не должен считать, что списание произошло.
type Error struct {
	Op         string
	HTTPStatus int
	Code       string
	Message    string
	Err        error
}

func (e *Error) Error() string {
	switch {
	case e.Err != nil:
		return fmt.Sprintf("%s: gateway request failed: %v", e.Op, e.Err)
	case e.Code != "":
		return fmt.Sprintf("%s: gateway error %s: %s", e.Op, e.Code, e.Message)
	default:
		return fmt.Sprintf("%s: gateway http status %d", e.Op, e.HTTPStatus)
	}
}

func (e *Error) Unwrap() error {
	return e.Err
}

// IsGatewayError проверяет, что ошибка пришла от шлюза.
func IsGatewayError(err error) bool {
	var gwErr *Error
	return errors.As(err, &gwErr)
}
