package service

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"

	"github.com/shopspring/decimal"

	"github.com/mmeshcher/smmpanel/internal/model"
	"github.com/mmeshcher/smmpanel/internal/payment"
	"github.com/mmeshcher/smmpanel/internal/provider"
)

type fakeProvider struct {
	mu sync.Mutex

	services    []provider.Service
	servicesErr error

	addErr   error
	addCalls int

	statuses    map[string]string
	batchOmit   map[string]bool
	statusesErr error
	statusCalls int
}

func newFakeProvider() *fakeProvider {
	return &fakeProvider{statuses: map[string]string{}, batchOmit: map[string]bool{}}
}

func (p *fakeProvider) Services(ctx context.Context) ([]provider.Service, error) {
	return p.services, p.servicesErr
}

func (p *fakeProvider) AddOrder(ctx context.Context, serviceID int64, link string, quantity int) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.addErr != nil {
		return "", p.addErr
	}
	p.addCalls++
	return fmt.Sprintf("%d", 1000+p.addCalls), nil
}

func (p *fakeProvider) Status(ctx context.Context, externalID string) (*provider.OrderStatus, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.statusCalls++
	s, ok := p.statuses[externalID]
	if !ok {
		return nil, provider.ErrUnavailable
	}
	return &provider.OrderStatus{Status: s}, nil
}

func (p *fakeProvider) Statuses(ctx context.Context, externalIDs []string) (map[string]provider.OrderStatus, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.statusesErr != nil {
		return nil, p.statusesErr
	}
	res := map[string]provider.OrderStatus{}
	for _, id := range externalIDs {
		if s, ok := p.statuses[id]; ok && !p.batchOmit[id] {
			res[id] = provider.OrderStatus{Status: s}
		}
	}
	return res, nil
}

func (p *fakeProvider) Balance(ctx context.Context) (*provider.Balance, error) {
	return &provider.Balance{Balance: decimal.RequireFromString("100.84"), Currency: "USD"}, nil
}

func (p *fakeProvider) setStatus(externalID, status string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.statuses[externalID] = status
}

const fakeSignatureHeader = "X-Fake-Signature"

// fakeGateway принимает вебхуки с заголовком X-Fake-Signature: valid.
type fakeGateway struct {
	chargeErr error
	charges   int
}

type fakeEvent struct {
	ID       string          `json:"id"`
	Ref      string          `json:"ref"`
	Session  string          `json:"session"`
	Tx       string          `json:"tx"`
	Status   string          `json:"status"`
	Amount   decimal.Decimal `json:"amount"`
	Currency string          `json:"currency"`
}

func (g *fakeGateway) Method() string {
	return "fake"
}

func (g *fakeGateway) CreateCharge(ctx context.Context, req payment.ChargeRequest) (*payment.Charge, error) {
	if g.chargeErr != nil {
		return nil, g.chargeErr
	}
	g.charges++
	return &payment.Charge{
		ExternalRef: "sess-" + req.PaymentID.String(),
		RedirectURL: "https://pay.example.com/" + req.PaymentID.String(),
	}, nil
}

func (g *fakeGateway) VerifyWebhook(ctx context.Context, headers http.Header, body []byte) error {
	if headers.Get(fakeSignatureHeader) != "valid" {
		return payment.ErrInvalidSignature
	}
	return nil
}

func (g *fakeGateway) ParseWebhook(body []byte) (*payment.Event, error) {
	var e fakeEvent
	if err := json.Unmarshal(body, &e); err != nil {
		return nil, payment.ErrInvalidPayload
	}

	var status payment.EventStatus
	switch e.Status {
	case "paid":
		status = payment.EventSucceeded
	case "waiting":
		status = payment.EventPending
	case "declined":
		status = payment.EventFailed
	default:
		return nil, payment.ErrEventIgnored
	}

	currency := e.Currency
	if currency == "" {
		currency = "USD"
	}

	return &payment.Event{
		EventID:        e.ID,
		Reference:      e.Ref,
		ExternalRef:    e.Session,
		ExternalTxID:   e.Tx,
		Status:         status,
		ProviderStatus: e.Status,
		Amount:         e.Amount,
		Currency:       currency,
	}, nil
}

// captureGateway дополнительно подтверждает списание.
type captureGateway struct {
	fakeGateway
	result *payment.CaptureResult
}

func (g *captureGateway) Capture(ctx context.Context, externalRef string) (*payment.CaptureResult, error) {
	return g.result, nil
}

// recordingNotifier запоминает отправленные уведомления.
type recordingNotifier struct {
	mu   sync.Mutex
	sent []model.Notification
}

func (n *recordingNotifier) Notify(ctx context.Context, msg model.Notification) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.sent = append(n.sent, msg)
	return nil
}

func (n *recordingNotifier) types() []model.NotificationType {
	n.mu.Lock()
	defer n.mu.Unlock()
	res := make([]model.NotificationType, 0, len(n.sent))
	for _, m := range n.sent {
		res = append(res, m.Type)
	}
	return res
}
