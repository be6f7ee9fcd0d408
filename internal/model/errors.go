package model

import (
	"errors"
	"fmt"

	"github.com/shopspring/decimal"
)

// Классы ошибок. Конкретные ошибки пакетов оборачивают один из них,
// поэтому обработчики HTTP проверяют принадлежность к классу через errors.Is.
var (
	ErrNotFound            = errors.New("not found")
	ErrValidation          = errors.New("validation error")
	ErrInsufficientFunds   = errors.New("insufficient funds")
	ErrAlreadyDone         = errors.New("already done")
	ErrGatewayUnavailable  = errors.New("gateway unavailable")
	ErrWebhookVerification = errors.New("webhook verification failed")
	ErrForbidden           = errors.New("forbidden")
)

// InsufficientFundsError возвращается при попытке списания суммы, превышающей баланс.
type InsufficientFundsError struct {
	Balance  decimal.Decimal
	Required decimal.Decimal
}

func (e *InsufficientFundsError) Error() string {
	return fmt.Sprintf("insufficient funds: balance %s, required %s", e.Balance.StringFixed(2), e.Required.StringFixed(2))
}

// Is относит ошибку к классу ErrInsufficientFunds.
func (e *InsufficientFundsError) Is(target error) bool {
	return target == ErrInsufficientFunds
}

// Shortfall возвращает недостающую сумму.
func (e *InsufficientFundsError) Shortfall() decimal.Decimal {
	return e.Required.Sub(e.Balance)
}
