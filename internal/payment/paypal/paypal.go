// Package paypal реализует оплату через PayPal Orders API v2.
package paypal

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/mmeshcher/smmpanel/internal/payment"
	"github.com/shopspring/decimal"
)

// Method — имя способа оплаты.
const Method = "paypal"

// Config содержит учётные данные приложения PayPal.
type Config struct {
	ClientID     string
	ClientSecret string
	WebhookID    string
	BaseURL      string
	Timeout      time.Duration
}

// Gateway — клиент PayPal. Токен доступа кэшируется до истечения срока действия.
type Gateway struct {
	cfg        Config
	httpClient *http.Client
	now        func() time.Time

	mu        sync.Mutex
	token     string
	expiresAt time.Time
}

// New создаёт клиент PayPal.
func New(cfg Config) *Gateway {
	if cfg.BaseURL == "" {
		cfg.BaseURL = "https://api-m.paypal.com"
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	return &Gateway{
		cfg:        cfg,
		httpClient: payment.NewHTTPClient(cfg.Timeout),
		now:        time.Now,
	}
}

// Method возвращает имя способа оплаты.
func (g *Gateway) Method() string {
	return Method
}

type money struct {
	CurrencyCode string          `json:"currency_code"`
	Value        decimal.Decimal `json:"value"`
}

type link struct {
	Href string `json:"href"`
	Rel  string `json:"rel"`
}

type capture struct {
	ID       string `json:"id"`
	Status   string `json:"status"`
	Amount   money  `json:"amount"`
	CustomID string `json:"custom_id"`
}

type purchaseUnit struct {
	ReferenceID string `json:"reference_id"`
	CustomID    string `json:"custom_id"`
	Payments    struct {
		Captures []capture `json:"captures"`
	} `json:"payments"`
}

type order struct {
	ID            string         `json:"id"`
	Status        string         `json:"status"`
	Links         []link         `json:"links"`
	PurchaseUnits []purchaseUnit `json:"purchase_units"`
}

func (g *Gateway) accessToken(ctx context.Context) (string, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.token != "" && g.now().Before(g.expiresAt) {
		return g.token, nil
	}

	form := url.Values{"grant_type": {"client_credentials"}}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, g.cfg.BaseURL+"/v1/oauth2/token", strings.NewReader(form.Encode()))
	if err != nil {
		return "", fmt.Errorf("create token request: %w", err)
	}
	req.SetBasicAuth(g.cfg.ClientID, g.cfg.ClientSecret)
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Accept", "application/json")

	var res struct {
		AccessToken string `json:"access_token"`
		ExpiresIn   int64  `json:"expires_in"`
	}
	if err := payment.Do(g.httpClient, req, &res); err != nil {
		return "", err
	}
	if res.AccessToken == "" {
		return "", fmt.Errorf("%w: empty access token", payment.ErrUnavailable)
	}

	g.token = res.AccessToken
	g.expiresAt = g.now().Add(time.Duration(res.ExpiresIn)*time.Second - time.Minute)
	return g.token, nil
}

func (g *Gateway) call(ctx context.Context, method, path string, body, out any) error {
	token, err := g.accessToken(ctx)
	if err != nil {
		return err
	}

	req, _, err := payment.NewJSONRequest(method, g.cfg.BaseURL+path, body)
	if err != nil {
		return err
	}
	req = req.WithContext(ctx)
	req.Header.Set("Authorization", "Bearer "+token)

	return payment.Do(g.httpClient, req, out)
}

// CreateCharge создаёт заказ PayPal с немедленным списанием после одобрения покупателем.
func (g *Gateway) CreateCharge(ctx context.Context, req payment.ChargeRequest) (*payment.Charge, error) {
	body := map[string]any{
		"intent": "CAPTURE",
		"purchase_units": []map[string]any{{
			"reference_id": req.PaymentID.String(),
			"custom_id":    req.PaymentID.String(),
			"description":  req.Description,
			"amount": map[string]string{
				"currency_code": req.Currency,
				"value":         req.Amount.StringFixed(2),
			},
		}},
		"application_context": map[string]any{
			"return_url":  req.ReturnURL,
			"cancel_url":  req.CancelURL,
			"user_action": "PAY_NOW",
		},
	}

	var res order
	if err := g.call(ctx, http.MethodPost, "/v2/checkout/orders", body, &res); err != nil {
		return nil, err
	}
	if res.ID == "" {
		return nil, fmt.Errorf("%w: empty order id", payment.ErrUnavailable)
	}

	charge := &payment.Charge{ExternalRef: res.ID}
	for _, l := range res.Links {
		if l.Rel == "approve" || l.Rel == "payer-action" {
			charge.RedirectURL = l.Href
			break
		}
	}
	return charge, nil
}

// Capture подтверждает списание по одобренному заказу PayPal.
func (g *Gateway) Capture(ctx context.Context, externalRef string) (*payment.CaptureResult, error) {
	var res order
	path := "/v2/checkout/orders/" + url.PathEscape(externalRef) + "/capture"
	if err := g.call(ctx, http.MethodPost, path, map[string]any{}, &res); err != nil {
		return nil, err
	}

	result := &payment.CaptureResult{Status: mapStatus(res.Status)}
	for _, pu := range res.PurchaseUnits {
		for _, c := range pu.Payments.Captures {
			result.ExternalTxID = c.ID
			result.Amount = c.Amount.Value
			result.Currency = c.Amount.CurrencyCode
			result.Status = mapStatus(c.Status)
		}
	}
	if result.Status == payment.EventSucceeded && result.ExternalTxID == "" {
		return nil, fmt.Errorf("%w: capture without id", payment.ErrUnavailable)
	}
	return result, nil
}

// VerifyWebhook проверяет вебхук обратным вызовом verify-webhook-signature.
func (g *Gateway) VerifyWebhook(ctx context.Context, headers http.Header, body []byte) error {
	transmissionID := headers.Get("Paypal-Transmission-Id")
	signature := headers.Get("Paypal-Transmission-Sig")
	if transmissionID == "" || signature == "" || g.cfg.WebhookID == "" {
		return payment.ErrInvalidSignature
	}
	if !json.Valid(body) {
		return payment.ErrInvalidSignature
	}

	req := map[string]any{
		"auth_algo":         headers.Get("Paypal-Auth-Algo"),
		"cert_url":          headers.Get("Paypal-Cert-Url"),
		"transmission_id":   transmissionID,
		"transmission_sig":  signature,
		"transmission_time": headers.Get("Paypal-Transmission-Time"),
		"webhook_id":        g.cfg.WebhookID,
		"webhook_event":     json.RawMessage(body),
	}

	var res struct {
		VerificationStatus string `json:"verification_status"`
	}
	if err := g.call(ctx, http.MethodPost, "/v1/notifications/verify-webhook-signature", req, &res); err != nil {
		return err
	}
	if res.VerificationStatus != "SUCCESS" {
		return payment.ErrInvalidSignature
	}
	return nil
}

type webhookEvent struct {
	ID        string          `json:"id"`
	EventType string          `json:"event_type"`
	Resource  json.RawMessage `json:"resource"`
}

type captureResource struct {
	capture
	SupplementaryData struct {
		RelatedIDs struct {
			OrderID string `json:"order_id"`
		} `json:"related_ids"`
	} `json:"supplementary_data"`
	PurchaseUnits []purchaseUnit `json:"purchase_units"`
}

// ParseWebhook разбирает события PAYMENT.CAPTURE.*; остальные события игнорируются.
func (g *Gateway) ParseWebhook(body []byte) (*payment.Event, error) {
	var ev webhookEvent
	if err := json.Unmarshal(body, &ev); err != nil {
		return nil, payment.ErrInvalidPayload
	}
	if strings.TrimSpace(ev.ID) == "" {
		return nil, payment.ErrInvalidPayload
	}

	var status payment.EventStatus
	switch ev.EventType {
	case "PAYMENT.CAPTURE.COMPLETED":
		status = payment.EventSucceeded
	case "PAYMENT.CAPTURE.DENIED", "PAYMENT.CAPTURE.DECLINED":
		status = payment.EventFailed
	case "PAYMENT.CAPTURE.PENDING":
		status = payment.EventPending
	default:
		return nil, payment.ErrEventIgnored
	}

	var res captureResource
	if err := json.Unmarshal(ev.Resource, &res); err != nil {
		return nil, payment.ErrInvalidPayload
	}
	if res.ID == "" {
		return nil, payment.ErrInvalidPayload
	}

	reference := res.CustomID
	if reference == "" && len(res.PurchaseUnits) > 0 {
		reference = res.PurchaseUnits[0].ReferenceID
	}

	return &payment.Event{
		EventID:        ev.ID,
		Reference:      reference,
		ExternalRef:    res.SupplementaryData.RelatedIDs.OrderID,
		ExternalTxID:   res.ID,
		Status:         status,
		ProviderStatus: ev.EventType,
		Amount:         res.Amount.Value,
		Currency:       res.Amount.CurrencyCode,
	}, nil
}

func mapStatus(s string) payment.EventStatus {
	switch s {
	case "COMPLETED":
		return payment.EventSucceeded
	case "DECLINED", "DENIED", "FAILED", "VOIDED":
		return payment.EventFailed
	default:
		return payment.EventPending
	}
}
