// Package binance реализует оплату через Binance Pay.
package binance

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha512"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/mmeshcher/smmpanel/internal/payment"
	"github.com/shopspring/decimal"
)

// Method — имя способа оплаты.
const Method = "binance"

const (
	headerTimestamp = "BinancePay-Timestamp"
	headerNonce     = "BinancePay-Nonce"
	headerSignature = "BinancePay-Signature"
	headerCertSN    = "BinancePay-Certificate-SN"
)

// Config содержит ключи мерчанта Binance Pay.
type Config struct {
	APIKey    string
	APISecret string
	BaseURL   string
	Timeout   time.Duration
}

// Gateway — клиент Binance Pay.
type Gateway struct {
	cfg        Config
	httpClient *http.Client
	now        func() time.Time
	nonce      func() string
}

// New создаёт клиент Binance Pay.
func New(cfg Config) *Gateway {
	if cfg.BaseURL == "" {
		cfg.BaseURL = "https://bpay.binanceapi.com"
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	return &Gateway{
		cfg:        cfg,
		httpClient: payment.NewHTTPClient(cfg.Timeout),
		now:        time.Now,
		nonce: func() string {
			return strings.ReplaceAll(uuid.NewString(), "-", "")
		},
	}
}

// Method возвращает имя способа оплаты.
func (g *Gateway) Method() string {
	return Method
}

// Sign вычисляет подпись Binance Pay: HMAC-SHA512 над "timestamp\nnonce\nbody\n" в верхнем регистре.
func Sign(secret, timestamp, nonce string, body []byte) string {
	mac := hmac.New(sha512.New, []byte(secret))
	mac.Write([]byte(timestamp))
	mac.Write([]byte("\n"))
	mac.Write([]byte(nonce))
	mac.Write([]byte("\n"))
	mac.Write(body)
	mac.Write([]byte("\n"))
	return strings.ToUpper(hex.EncodeToString(mac.Sum(nil)))
}

// MerchantTradeNo переводит идентификатор платежа в номер сделки мерчанта (32 символа без дефисов).
func MerchantTradeNo(id uuid.UUID) string {
	return strings.ReplaceAll(id.String(), "-", "")
}

type apiResponse struct {
	Status       string          `json:"status"`
	Code         string          `json:"code"`
	Data         json.RawMessage `json:"data"`
	ErrorMessage string          `json:"errorMessage"`
}

type orderResult struct {
	PrepayID    string `json:"prepayId"`
	CheckoutURL string `json:"checkoutUrl"`
}

// CreateCharge создаёт заказ Binance Pay.
func (g *Gateway) CreateCharge(ctx context.Context, req payment.ChargeRequest) (*payment.Charge, error) {
	currency := req.Currency
	if strings.EqualFold(currency, "USD") {
		currency = "USDT"
	}

	body := map[string]any{
		"env":             map[string]string{"terminalType": "WEB"},
		"merchantTradeNo": MerchantTradeNo(req.PaymentID),
		"orderAmount":     req.Amount.StringFixed(2),
		"currency":        currency,
		"description":     req.Description,
		"goodsDetails": []map[string]string{{
			"goodsType":        "02",
			"goodsCategory":    "Z000",
			"referenceGoodsId": req.PaymentID.String(),
			"goodsName":        req.Description,
		}},
		"returnUrl":  req.ReturnURL,
		"cancelUrl":  req.CancelURL,
		"webhookUrl": req.NotifyURL,
	}

	httpReq, payload, err := payment.NewJSONRequest(http.MethodPost, g.cfg.BaseURL+"/binancepay/openapi/v2/order", body)
	if err != nil {
		return nil, err
	}
	httpReq = httpReq.WithContext(ctx)

	timestamp := strconv.FormatInt(g.now().UnixMilli(), 10)
	nonce := g.nonce()
	httpReq.Header.Set(headerTimestamp, timestamp)
	httpReq.Header.Set(headerNonce, nonce)
	httpReq.Header.Set(headerCertSN, g.cfg.APIKey)
	httpReq.Header.Set(headerSignature, Sign(g.cfg.APISecret, timestamp, nonce, payload))

	var res apiResponse
	if err := payment.Do(g.httpClient, httpReq, &res); err != nil {
		return nil, err
	}
	if res.Status != "SUCCESS" {
		return nil, fmt.Errorf("%w: %s %s", payment.ErrUnavailable, res.Code, res.ErrorMessage)
	}

	var data orderResult
	if err := json.Unmarshal(res.Data, &data); err != nil || data.PrepayID == "" {
		return nil, fmt.Errorf("%w: malformed order result", payment.ErrUnavailable)
	}

	return &payment.Charge{ExternalRef: data.PrepayID, RedirectURL: data.CheckoutURL}, nil
}

// VerifyWebhook сверяет подпись уведомления с HMAC над заголовками времени, nonce и телом запроса.
func (g *Gateway) VerifyWebhook(ctx context.Context, headers http.Header, body []byte) error {
	timestamp := headers.Get(headerTimestamp)
	nonce := headers.Get(headerNonce)
	signature := headers.Get(headerSignature)
	if timestamp == "" || nonce == "" || signature == "" || g.cfg.APISecret == "" {
		return payment.ErrInvalidSignature
	}

	expected := Sign(g.cfg.APISecret, timestamp, nonce, body)
	if !hmac.Equal([]byte(strings.ToUpper(signature)), []byte(expected)) {
		return payment.ErrInvalidSignature
	}
	return nil
}

type notification struct {
	BizType   string          `json:"bizType"`
	BizID     json.Number     `json:"bizId"`
	BizIDStr  string          `json:"bizIdStr"`
	BizStatus string          `json:"bizStatus"`
	Data      json.RawMessage `json:"data"`
}

type payData struct {
	MerchantTradeNo string          `json:"merchantTradeNo"`
	PrepayID        string          `json:"prepayId"`
	TransactionID   string          `json:"transactionId"`
	TotalFee        decimal.Decimal `json:"totalFee"`
	Currency        string          `json:"currency"`
}

// ParseWebhook разбирает уведомления bizType=PAY. Поле data может приходить строкой с вложенным JSON.
func (g *Gateway) ParseWebhook(body []byte) (*payment.Event, error) {
	dec := json.NewDecoder(bytes.NewReader(body))
	dec.UseNumber()

	var n notification
	if err := dec.Decode(&n); err != nil {
		return nil, payment.ErrInvalidPayload
	}
	if n.BizType != "PAY" {
		return nil, payment.ErrEventIgnored
	}

	var status payment.EventStatus
	switch n.BizStatus {
	case "PAY_SUCCESS":
		status = payment.EventSucceeded
	case "PAY_CLOSED":
		status = payment.EventExpired
	default:
		return nil, payment.ErrEventIgnored
	}

	raw := n.Data
	if len(raw) > 0 && raw[0] == '"' {
		var inner string
		if err := json.Unmarshal(raw, &inner); err != nil {
			return nil, payment.ErrInvalidPayload
		}
		raw = json.RawMessage(inner)
	}

	var data payData
	if err := json.Unmarshal(raw, &data); err != nil {
		return nil, payment.ErrInvalidPayload
	}

	bizID := n.BizIDStr
	if bizID == "" {
		bizID = n.BizID.String()
	}
	if bizID == "" || data.MerchantTradeNo == "" {
		return nil, payment.ErrInvalidPayload
	}
	if status == payment.EventSucceeded && data.TransactionID == "" {
		return nil, payment.ErrInvalidPayload
	}

	reference := data.MerchantTradeNo
	if id, err := uuid.Parse(data.MerchantTradeNo); err == nil {
		reference = id.String()
	}

	prepayID := data.PrepayID
	if prepayID == "" {
		prepayID = bizID
	}

	return &payment.Event{
		EventID:        bizID + ":" + n.BizStatus,
		Reference:      reference,
		ExternalRef:    prepayID,
		ExternalTxID:   data.TransactionID,
		Status:         status,
		ProviderStatus: n.BizStatus,
		Amount:         data.TotalFee,
		Currency:       data.Currency,
	}, nil
}
