// Package payment описывает общий контракт платёжных систем и реестр их клиентов.
package payment

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sort"
	"strings"

	"github.com/google/uuid"
	"github.com/mmeshcher/smmpanel/internal/model"
	"github.com/shopspring/decimal"
)

var (
	// ErrInvalidSignature возвращается, если подпись вебхука не прошла проверку.
	ErrInvalidSignature = fmt.Errorf("invalid signature: %w", model.ErrWebhookVerification)
	// ErrInvalidPayload возвращается, если тело вебхука или ответа не удалось разобрать.
	ErrInvalidPayload = fmt.Errorf("invalid payload: %w", model.ErrValidation)
	// ErrEventIgnored возвращается для событий, не влияющих на состояние платежей.
	ErrEventIgnored = errors.New("event ignored")
	// ErrUnavailable объединяет сетевые сбои, таймауты и не-2xx ответы платёжной системы.
	ErrUnavailable = fmt.Errorf("payment gateway unavailable: %w", model.ErrGatewayUnavailable)
	// ErrMethodNotFound возвращается для неизвестного или не настроенного способа оплаты.
	ErrMethodNotFound = fmt.Errorf("payment method %w", model.ErrNotFound)
)

// EventStatus — нормализованный статус события платёжной системы.
type EventStatus string

const (
	EventSucceeded EventStatus = "succeeded"
	EventPending   EventStatus = "pending"
	EventFailed    EventStatus = "failed"
	EventExpired   EventStatus = "expired"
)

// ChargeRequest описывает создание платёжной сессии.
type ChargeRequest struct {
	PaymentID   uuid.UUID
	Amount      decimal.Decimal
	Currency    string
	Description string
	ReturnURL   string
	CancelURL   string
	NotifyURL   string
}

// Charge — созданная платёжная сессия.
type Charge struct {
	ExternalRef string
	RedirectURL string
}

// CaptureResult — результат явного подтверждения списания.
type CaptureResult struct {
	Status       EventStatus
	ExternalTxID string
	Amount       decimal.Decimal
	Currency     string
}

// Event — событие вебхука в нормализованном виде.
//
// Reference содержит идентификатор нашего платежа, если платёжная система его возвращает,
// ExternalRef — идентификатор сессии на её стороне.
type Event struct {
	EventID        string
	Reference      string
	ExternalRef    string
	ExternalTxID   string
	Status         EventStatus
	ProviderStatus string
	Amount         decimal.Decimal
	Currency       string
}

// Gateway — клиент одной платёжной системы.
type Gateway interface {
	Method() string
	CreateCharge(ctx context.Context, req ChargeRequest) (*Charge, error)
	// VerifyWebhook проверяет подлинность вебхука до разбора тела.
	VerifyWebhook(ctx context.Context, headers http.Header, body []byte) error
	ParseWebhook(body []byte) (*Event, error)
}

// Capturer реализуют платёжные системы, требующие явного подтверждения списания.
type Capturer interface {
	Capture(ctx context.Context, externalRef string) (*CaptureResult, error)
}

// Registry хранит клиентов платёжных систем по имени способа оплаты.
type Registry struct {
	gateways map[string]Gateway
}

// SameCurrency сравнивает валюты без учёта регистра.
// Binance Pay принимает долларовые платежи в USDT, поэтому USDT считается равным USD.
func SameCurrency(a, b string) bool {
	norm := func(c string) string {
		c = strings.ToUpper(strings.TrimSpace(c))
		if c == "USDT" {
			return "USD"
		}
		return c
	}
	return norm(a) == norm(b)
}

// NewRegistry создаёт реестр. Пустые значения пропускаются.
func NewRegistry(gateways ...Gateway) *Registry {
	r := &Registry{gateways: map[string]Gateway{}}
	for _, gw := range gateways {
		if gw == nil {
			continue
		}
		method := normalize(gw.Method())
		if method == "" {
			continue
		}
		r.gateways[method] = gw
	}
	return r
}

// Get возвращает клиента по способу оплаты.
func (r *Registry) Get(method string) (Gateway, error) {
	if r == nil {
		return nil, ErrMethodNotFound
	}
	gw, ok := r.gateways[normalize(method)]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrMethodNotFound, method)
	}
	return gw, nil
}

// Methods возвращает отсортированный список настроенных способов оплаты.
func (r *Registry) Methods() []string {
	if r == nil {
		return nil
	}
	res := make([]string, 0, len(r.gateways))
	for m := range r.gateways {
		res = append(res, m)
	}
	sort.Strings(res)
	return res
}

func normalize(method string) string {
	return strings.ToLower(strings.TrimSpace(method))
}
