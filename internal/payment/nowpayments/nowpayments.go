// Package nowpayments реализует оплату криптовалютой через инвойсы NOWPayments.
package nowpayments

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha512"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/mmeshcher/smmpanel/internal/payment"
	"github.com/shopspring/decimal"
)

// Method — имя способа оплаты.
const Method = "nowpayments"

const headerSignature = "X-Nowpayments-Sig"

// Config содержит ключ API и секрет IPN.
type Config struct {
	APIKey    string
	IPNSecret string
	BaseURL   string
	Timeout   time.Duration
}

// Gateway — клиент NOWPayments.
type Gateway struct {
	cfg        Config
	httpClient *http.Client
}

// New создаёт клиент NOWPayments.
func New(cfg Config) *Gateway {
	if cfg.BaseURL == "" {
		cfg.BaseURL = "https://api.nowpayments.io"
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	return &Gateway{
		cfg:        cfg,
		httpClient: payment.NewHTTPClient(cfg.Timeout),
	}
}

// Method возвращает имя способа оплаты.
func (g *Gateway) Method() string {
	return Method
}

type invoice struct {
	ID         flexID `json:"id"`
	InvoiceURL string `json:"invoice_url"`
}

// CreateCharge создаёт инвойс; order_id инвойса равен идентификатору платежа.
func (g *Gateway) CreateCharge(ctx context.Context, req payment.ChargeRequest) (*payment.Charge, error) {
	body := map[string]any{
		"price_amount":      req.Amount.StringFixed(2),
		"price_currency":    strings.ToLower(req.Currency),
		"order_id":          req.PaymentID.String(),
		"order_description": req.Description,
		"ipn_callback_url":  req.NotifyURL,
		"success_url":       req.ReturnURL,
		"cancel_url":        req.CancelURL,
	}

	httpReq, _, err := payment.NewJSONRequest(http.MethodPost, g.cfg.BaseURL+"/v1/invoice", body)
	if err != nil {
		return nil, err
	}
	httpReq = httpReq.WithContext(ctx)
	httpReq.Header.Set("x-api-key", g.cfg.APIKey)

	var res invoice
	if err := payment.Do(g.httpClient, httpReq, &res); err != nil {
		return nil, err
	}
	if res.ID == "" {
		return nil, fmt.Errorf("%w: empty invoice id", payment.ErrUnavailable)
	}

	return &payment.Charge{ExternalRef: string(res.ID), RedirectURL: res.InvoiceURL}, nil
}

// Sign вычисляет подпись IPN: HMAC-SHA512 над телом с ключами, отсортированными по алфавиту.
func Sign(secret string, body []byte) (string, error) {
	canonical, err := canonicalJSON(body)
	if err != nil {
		return "", err
	}
	mac := hmac.New(sha512.New, []byte(secret))
	mac.Write(canonical)
	return hex.EncodeToString(mac.Sum(nil)), nil
}

// canonicalJSON пересобирает JSON с отсортированными ключами, сохраняя числа без изменений.
func canonicalJSON(body []byte) ([]byte, error) {
	dec := json.NewDecoder(bytes.NewReader(body))
	dec.UseNumber()

	var v any
	if err := dec.Decode(&v); err != nil {
		return nil, err
	}

	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	// encoding/json сортирует ключи map при кодировании.
	if err := enc.Encode(v); err != nil {
		return nil, err
	}
	return bytes.TrimRight(buf.Bytes(), "\n"), nil
}

// VerifyWebhook сверяет заголовок x-nowpayments-sig с подписью тела.
func (g *Gateway) VerifyWebhook(ctx context.Context, headers http.Header, body []byte) error {
	signature := strings.ToLower(strings.TrimSpace(headers.Get(headerSignature)))
	if signature == "" || g.cfg.IPNSecret == "" {
		return payment.ErrInvalidSignature
	}

	expected, err := Sign(g.cfg.IPNSecret, body)
	if err != nil {
		return payment.ErrInvalidSignature
	}
	if !hmac.Equal([]byte(signature), []byte(expected)) {
		return payment.ErrInvalidSignature
	}
	return nil
}

type ipn struct {
	PaymentID     flexID          `json:"payment_id"`
	InvoiceID     flexID          `json:"invoice_id"`
	PaymentStatus string          `json:"payment_status"`
	PriceAmount   decimal.Decimal `json:"price_amount"`
	PriceCurrency string          `json:"price_currency"`
	OrderID       string          `json:"order_id"`
}

// ParseWebhook разбирает IPN-уведомление.
func (g *Gateway) ParseWebhook(body []byte) (*payment.Event, error) {
	var n ipn
	if err := json.Unmarshal(body, &n); err != nil {
		return nil, payment.ErrInvalidPayload
	}
	if n.PaymentID == "" || n.PaymentStatus == "" {
		return nil, payment.ErrInvalidPayload
	}

	var status payment.EventStatus
	switch n.PaymentStatus {
	case "finished", "confirmed":
		status = payment.EventSucceeded
	case "failed", "refunded":
		status = payment.EventFailed
	case "expired":
		status = payment.EventExpired
	default:
		status = payment.EventPending
	}

	reference := n.OrderID
	if id, err := uuid.Parse(n.OrderID); err == nil {
		reference = id.String()
	}

	return &payment.Event{
		EventID:        string(n.PaymentID) + ":" + n.PaymentStatus,
		Reference:      reference,
		ExternalRef:    string(n.InvoiceID),
		ExternalTxID:   string(n.PaymentID),
		Status:         status,
		ProviderStatus: n.PaymentStatus,
		Amount:         n.PriceAmount,
		Currency:       strings.ToUpper(n.PriceCurrency),
	}, nil
}

// flexID принимает идентификатор строкой или числом.
type flexID string

func (f *flexID) UnmarshalJSON(data []byte) error {
	if bytes.Equal(data, []byte("null")) {
		*f = ""
		return nil
	}
	if len(data) > 0 && data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		*f = flexID(s)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(data, &n); err != nil {
		return err
	}
	*f = flexID(n.String())
	return nil
}
