package service

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/mmeshcher/smmpanel/internal/model"
	"github.com/mmeshcher/smmpanel/internal/payment"
	"github.com/mmeshcher/smmpanel/internal/repository"
)

// ReconcilerConfig задаёт параметры платежей.
type ReconcilerConfig struct {
	Currency          string
	MinCreditPurchase decimal.Decimal
	// AppURL — публичный адрес панели для ссылок возврата и вебхуков.
	AppURL string
}

// Reconciler создаёт платёжные сессии и применяет подтверждения платёжных систем ровно один раз.
type Reconciler struct {
	store    PaymentStore
	orders   *OrderManager
	gateways *payment.Registry
	cfg      ReconcilerConfig
	opts     Options
}

// NewReconciler создаёт сверщик платежей.
func NewReconciler(store PaymentStore, orders *OrderManager, gateways *payment.Registry, cfg ReconcilerConfig, opts Options) *Reconciler {
	if cfg.Currency == "" {
		cfg.Currency = "USD"
	}
	cfg.AppURL = strings.TrimRight(cfg.AppURL, "/")
	return &Reconciler{
		store:    store,
		orders:   orders,
		gateways: gateways,
		cfg:      cfg,
		opts:     opts.withDefaults(),
	}
}

// PaymentRequest описывает создание платежа. Для оплаты заказа сумма берётся из заказа.
type PaymentRequest struct {
	OrderID *uuid.UUID
	Amount  decimal.Decimal
	Method  string
}

// PaymentSession — созданный платёж и адрес страницы оплаты.
type PaymentSession struct {
	Payment     *model.Payment `json:"payment"`
	RedirectURL string         `json:"redirectUrl,omitempty"`
}

// WebhookResult — итог обработки вебхука.
type WebhookResult struct {
	PaymentID *uuid.UUID          `json:"paymentId,omitempty"`
	Event     payment.EventStatus `json:"event,omitempty"`
	Processed bool                `json:"processed"`
	Message   string              `json:"message"`
}

// Methods возвращает настроенные способы оплаты.
func (r *Reconciler) Methods() []string {
	return r.gateways.Methods()
}

// CreatePayment создаёт платёж в статусе pending и сессию в платёжной системе.
func (r *Reconciler) CreatePayment(ctx context.Context, user model.User, req PaymentRequest) (*PaymentSession, error) {
	gw, err := r.gateways.Get(req.Method)
	if err != nil {
		return nil, err
	}

	amount := req.Amount
	description := "Credits purchase"
	if req.OrderID != nil {
		o, err := r.orders.Get(ctx, user, *req.OrderID)
		if err != nil {
			return nil, err
		}
		if o.Status != model.OrderStatusPending {
			return nil, fmt.Errorf("%w: %s", repository.ErrOrderNotPending, o.ID)
		}
		if o.Funded() {
			return nil, fmt.Errorf("%w: %s", ErrOrderAlreadyFunded, o.ID)
		}
		amount = o.Amount
		description = fmt.Sprintf("Order %s", o.ID)
	} else {
		if !model.IsValidAmount(amount) {
			return nil, fmt.Errorf("%w: %s", ErrInvalidAmount, amount)
		}
		if amount.LessThan(r.cfg.MinCreditPurchase) {
			return nil, fmt.Errorf("%w: minimum is %s", ErrBelowMinimum, r.cfg.MinCreditPurchase.StringFixed(2))
		}
	}

	p := &model.Payment{
		ID:       uuid.New(),
		UserID:   user.ID,
		OrderID:  req.OrderID,
		Amount:   amount,
		Currency: r.cfg.Currency,
		Method:   gw.Method(),
		Status:   model.PaymentStatusPending,
	}
	if err := r.store.CreatePayment(ctx, p); err != nil {
		return nil, fmt.Errorf("create payment: %w", err)
	}

	charge, err := gw.CreateCharge(ctx, payment.ChargeRequest{
		PaymentID:   p.ID,
		Amount:      amount,
		Currency:    r.cfg.Currency,
		Description: description,
		ReturnURL:   r.cfg.AppURL + "/payment/success?payment=" + p.ID.String(),
		CancelURL:   r.cfg.AppURL + "/payment/cancel?payment=" + p.ID.String(),
		NotifyURL:   r.cfg.AppURL + "/api/payments/webhooks/" + gw.Method(),
	})
	if err != nil {
		// Сессия не создана, платёж закрывается, чтобы его нельзя было завершить.
		if _, ferr := r.store.FailPayment(ctx, p.ID, "charge_failed"); ferr != nil {
			r.opts.Logger.Warn("mark payment failed", zap.String("payment_id", p.ID.String()), zap.Error(ferr))
		}
		return nil, fmt.Errorf("create charge: %w", err)
	}

	if err := r.store.SetPaymentExternalRef(ctx, p.ID, charge.ExternalRef); err != nil {
		return nil, err
	}
	p.ExternalRef = charge.ExternalRef

	r.opts.Logger.Info("payment created",
		zap.String("payment_id", p.ID.String()),
		zap.String("method", p.Method),
		zap.String("amount", amount.StringFixed(2)),
	)
	return &PaymentSession{Payment: p, RedirectURL: charge.RedirectURL}, nil
}

// Get возвращает платёж. Чужой платёж доступен только администратору.
func (r *Reconciler) Get(ctx context.Context, user model.User, paymentID uuid.UUID) (*model.Payment, error) {
	p, err := r.store.GetPayment(ctx, paymentID)
	if err != nil {
		return nil, err
	}
	if p.UserID != user.ID && !user.IsAdmin() {
		return nil, ErrNotOwner
	}
	return p, nil
}

// List возвращает последние платежи.
func (r *Reconciler) List(ctx context.Context, limit int) ([]model.Payment, error) {
	payments, err := r.store.ListPayments(ctx, limit)
	if err != nil {
		return nil, err
	}
	if payments == nil {
		payments = []model.Payment{}
	}
	return payments, nil
}

// Capture подтверждает списание у платёжных систем, которые этого требуют.
// Неуспешный ответ сохраняется как статус платёжной системы, платёж остаётся pending.
func (r *Reconciler) Capture(ctx context.Context, user model.User, paymentID uuid.UUID) (*model.Payment, error) {
	p, err := r.Get(ctx, user, paymentID)
	if err != nil {
		return nil, err
	}
	if p.Status == model.PaymentStatusCompleted {
		return p, nil
	}
	if p.Status != model.PaymentStatusPending {
		return nil, fmt.Errorf("%w: %s", repository.ErrPaymentNotPending, p.ID)
	}

	gw, err := r.gateways.Get(p.Method)
	if err != nil {
		return nil, err
	}
	capturer, ok := gw.(payment.Capturer)
	if !ok || p.ExternalRef == "" {
		return nil, fmt.Errorf("%w: %s", ErrCaptureUnsupported, p.Method)
	}

	res, err := capturer.Capture(ctx, p.ExternalRef)
	if err != nil {
		return nil, fmt.Errorf("capture payment %s: %w", p.ID, err)
	}

	if res.Status != payment.EventSucceeded {
		if err := r.store.SetPaymentProviderStatus(ctx, p.ID, string(res.Status)); err != nil {
			return nil, err
		}
		p.ProviderStatus = string(res.Status)
		return p, nil
	}

	if err := checkPaid(p, res.Amount, res.Currency); err != nil {
		return nil, err
	}
	return r.CompletePayment(ctx, p.ID, res.ExternalTxID)
}

// checkPaid сверяет оплаченную сумму и валюту с платежом.
// Успешное событие без суммы не принимается; пустая валюта означает валюту платежа.
func checkPaid(p *model.Payment, amount decimal.Decimal, currency string) error {
	if !amount.IsPositive() || amount.LessThan(p.Amount) {
		return fmt.Errorf("%w: paid %s, expected %s", ErrAmountMismatch, amount, p.Amount)
	}
	if currency != "" && !payment.SameCurrency(currency, p.Currency) {
		return fmt.Errorf("%w: paid in %s, expected %s", ErrAmountMismatch, currency, p.Currency)
	}
	return nil
}

// CompletePayment завершает платёж по внешней транзакции.
//
// Повторное завершение не считается ошибкой: возвращается сохранённый платёж, а для оплаты заказа
// ещё раз вызывается идемпотентная отправка, чтобы дослать заказ, не отправленный из-за сбоя поставщика.
// Если отправка заказа не удалась, платёж уже завершён, а ошибка возвращается для повтора.
func (r *Reconciler) CompletePayment(ctx context.Context, paymentID uuid.UUID, externalTxID string) (*model.Payment, error) {
	p, _, err := r.complete(ctx, paymentID, externalTxID)
	return p, err
}

func (r *Reconciler) complete(ctx context.Context, paymentID uuid.UUID, externalTxID string) (*model.Payment, bool, error) {
	externalTxID = strings.TrimSpace(externalTxID)
	if externalTxID == "" {
		return nil, false, ErrMissingTransaction
	}

	p, err := r.store.CompletePayment(ctx, paymentID, externalTxID, fmt.Sprintf("Credits purchase %s", paymentID))
	fresh := err == nil
	switch {
	case errors.Is(err, repository.ErrPaymentAlreadyCompleted):
	case err != nil:
		return nil, false, err
	}

	if fresh {
		r.opts.Metrics.PaymentCompleted(p.Method)
		r.opts.Logger.Info("payment completed",
			zap.String("payment_id", p.ID.String()),
			zap.String("method", p.Method),
			zap.String("external_transaction_id", externalTxID),
		)

		n := model.Notification{
			Type:      model.NotifyPaymentCompleted,
			UserID:    p.UserID,
			PaymentID: &p.ID,
			OrderID:   p.OrderID,
			Amount:    p.Amount,
		}
		if p.IsCreditPurchase() {
			r.opts.Metrics.LedgerEntry(string(model.EntryPurchase))
			n.Type = model.NotifyCreditsPurchased
		}
		r.opts.notify(ctx, n)
	}

	if p.OrderID != nil {
		if _, err := r.orders.Submit(ctx, *p.OrderID); err != nil {
			return p, fresh, fmt.Errorf("payment %s completed: %w", p.ID, err)
		}
	}
	return p, fresh, nil
}

// FailPayment вручную отклоняет pending-платёж.
func (r *Reconciler) FailPayment(ctx context.Context, admin model.User, paymentID uuid.UUID) (*model.Payment, error) {
	p, err := r.store.FailPayment(ctx, paymentID, "failed_by_admin")
	if err != nil {
		return nil, err
	}
	r.opts.Logger.Info("payment failed manually",
		zap.String("payment_id", p.ID.String()),
		zap.String("admin_id", admin.ID),
	)
	return p, nil
}

// HandleWebhook проверяет и применяет уведомление платёжной системы.
//
// Подпись проверяется до разбора тела; при неудаче состояние не меняется. Каждое проверенное событие
// сохраняется в журнал, и повторная доставка обработанного события ничего не меняет.
// Платёж завершает только событие об успешной оплате; остальные события лишь сохраняют статус платёжной системы.
func (r *Reconciler) HandleWebhook(ctx context.Context, processor string, headers http.Header, body []byte) (*WebhookResult, error) {
	gw, err := r.gateways.Get(processor)
	if err != nil {
		return nil, err
	}
	method := gw.Method()

	if err := gw.VerifyWebhook(ctx, headers, body); err != nil {
		if errors.Is(err, model.ErrWebhookVerification) {
			r.opts.Metrics.WebhookEvent(method, "rejected")
		}
		return nil, err
	}

	ev, err := gw.ParseWebhook(body)
	if errors.Is(err, payment.ErrEventIgnored) {
		r.opts.Metrics.WebhookEvent(method, "ignored")
		return &WebhookResult{Message: "received but not processed"}, nil
	}
	if err != nil {
		r.opts.Metrics.WebhookEvent(method, "invalid")
		return nil, err
	}

	p, err := r.lookup(ctx, method, ev)
	if errors.Is(err, model.ErrNotFound) {
		r.opts.Metrics.WebhookEvent(method, "unknown_payment")
		r.opts.Logger.Warn("webhook for unknown payment",
			zap.String("processor", method),
			zap.String("event_id", ev.EventID),
			zap.String("reference", ev.Reference),
		)
		return &WebhookResult{Event: ev.Status, Message: "received but not processed: unknown payment"}, nil
	}
	if err != nil {
		return nil, err
	}

	rec, _, err := r.store.RecordPaymentEvent(ctx, model.PaymentEventRecord{
		Processor: method,
		EventID:   ev.EventID,
		PaymentID: &p.ID,
		Status:    string(ev.Status),
		Payload:   body,
	})
	if err != nil {
		return nil, err
	}
	if rec.ProcessedAt != nil {
		r.opts.Metrics.WebhookEvent(method, "duplicate")
		return &WebhookResult{PaymentID: &p.ID, Event: ev.Status, Message: "event already processed"}, nil
	}

	res, err := r.apply(ctx, p, ev)
	if err != nil && !errors.Is(err, ErrAmountMismatch) {
		// Событие не отмечается обработанным, повторная доставка выполнит его снова.
		r.opts.Metrics.WebhookEvent(method, "failed")
		return nil, err
	}

	if merr := r.store.MarkPaymentEventProcessed(ctx, rec.ID); merr != nil {
		return nil, merr
	}
	if err != nil {
		r.opts.Metrics.WebhookEvent(method, "amount_mismatch")
		return res, err
	}

	r.opts.Metrics.WebhookEvent(method, "processed")
	return res, nil
}

func (r *Reconciler) apply(ctx context.Context, p *model.Payment, ev *payment.Event) (*WebhookResult, error) {
	res := &WebhookResult{PaymentID: &p.ID, Event: ev.Status}

	if ev.Status != payment.EventSucceeded {
		if err := r.store.SetPaymentProviderStatus(ctx, p.ID, ev.ProviderStatus); err != nil {
			return nil, err
		}
		res.Processed = true
		res.Message = "status recorded"
		return res, nil
	}

	if err := checkPaid(p, ev.Amount, ev.Currency); err != nil {
		r.opts.Logger.Warn("webhook payment does not match",
			zap.String("payment_id", p.ID.String()),
			zap.String("paid", ev.Amount.String()),
			zap.String("currency", ev.Currency),
			zap.String("expected", p.Amount.String()+" "+p.Currency),
		)
		if err := r.store.SetPaymentProviderStatus(ctx, p.ID, "amount_mismatch"); err != nil {
			return nil, err
		}
		res.Message = "amount mismatch"
		return res, err
	}

	_, fresh, err := r.complete(ctx, p.ID, ev.ExternalTxID)
	switch {
	case errors.Is(err, repository.ErrTransactionAlreadyUsed):
		r.opts.Logger.Warn("transaction already completed another payment",
			zap.String("payment_id", p.ID.String()),
			zap.String("external_transaction_id", ev.ExternalTxID),
		)
		res.Message = "transaction already used"
		return res, nil
	case errors.Is(err, repository.ErrPaymentNotPending):
		res.Message = "payment is not pending"
		return res, nil
	case err != nil:
		return nil, err
	}

	res.Processed = true
	res.Message = "payment completed"
	if !fresh {
		res.Message = "payment already completed"
	}
	return res, nil
}

// lookup находит платёж по ссылке из события, а при её отсутствии по идентификатору сессии.
func (r *Reconciler) lookup(ctx context.Context, method string, ev *payment.Event) (*model.Payment, error) {
	if id, err := uuid.Parse(ev.Reference); err == nil {
		p, err := r.store.GetPayment(ctx, id)
		switch {
		case err == nil && p.Method == method:
			return p, nil
		case err != nil && !errors.Is(err, model.ErrNotFound):
			return nil, err
		}
	}

	if ev.ExternalRef == "" {
		return nil, fmt.Errorf("%w: no reference in event %s", repository.ErrPaymentNotFound, ev.EventID)
	}
	return r.store.FindPaymentByExternalRef(ctx, method, ev.ExternalRef)
}
