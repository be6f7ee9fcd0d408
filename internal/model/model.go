// Package model содержит доменные сущности SMM-панели: каталог услуг, кредитный журнал, заказы и платежи.
package model

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Role описывает роль пользователя, выданную внешним провайдером идентификации.
type Role string

const (
	RoleUser  Role = "user"
	RoleAdmin Role = "admin"
)

// User представляет аутентифицированного пользователя. Ядро читает только идентификатор и роль.
type User struct {
	ID   string
	Role Role
}

// IsAdmin сообщает, обладает ли пользователь правами администратора.
func (u User) IsAdmin() bool {
	return u.Role == RoleAdmin
}

// CatalogEntry описывает услугу поставщика с розничной ценой за 1000 единиц.
type CatalogEntry struct {
	ServiceID    int64           `json:"service"`
	Name         string          `json:"name"`
	Category     string          `json:"category"`
	Type         string          `json:"type"`
	Min          int             `json:"min"`
	Max          int             `json:"max"`
	OriginalRate decimal.Decimal `json:"originalRate"`
	Rate         decimal.Decimal `json:"rate"`
	Dripfeed     bool            `json:"dripfeed"`
	Refill       bool            `json:"refill"`
	Description  string          `json:"description,omitempty"`
	Active       bool            `json:"active"`
	UpdatedAt    time.Time       `json:"updatedAt"`
}

// Category группирует услуги каталога для отображения.
type Category struct {
	Name     string         `json:"name"`
	Services []CatalogEntry `json:"services"`
}

// EntryKind описывает тип записи кредитного журнала.
type EntryKind string

const (
	EntryPurchase EntryKind = "purchase"
	EntryBonus    EntryKind = "bonus"
	EntryUsage    EntryKind = "usage"
	EntryRefund   EntryKind = "refund"
)

// IsCredit сообщает, увеличивает ли запись данного типа баланс.
func (k EntryKind) IsCredit() bool {
	return k == EntryPurchase || k == EntryBonus
}

// IsDebit сообщает, уменьшает ли запись данного типа баланс.
func (k EntryKind) IsDebit() bool {
	return k == EntryUsage || k == EntryRefund
}

// LedgerEntry — неизменяемая запись кредитного журнала. Amount всегда положителен, знак задаёт Kind.
type LedgerEntry struct {
	ID           uuid.UUID       `json:"id"`
	UserID       string          `json:"userId"`
	Amount       decimal.Decimal `json:"amount"`
	Kind         EntryKind       `json:"kind"`
	OrderID      *uuid.UUID      `json:"orderId,omitempty"`
	ExternalTxID string          `json:"externalTransactionId,omitempty"`
	Description  string          `json:"description"`
	CreatedAt    time.Time       `json:"createdAt"`
}

// Signed возвращает вклад записи в баланс.
func (e LedgerEntry) Signed() decimal.Decimal {
	if e.Kind.IsDebit() {
		return e.Amount.Neg()
	}
	return e.Amount
}

// Balance содержит текущий баланс пользователя и последние движения по журналу.
type Balance struct {
	Balance            decimal.Decimal `json:"balance"`
	RecentTransactions []LedgerEntry   `json:"recentTransactions"`
}

// OrderStatus описывает статус заказа.
type OrderStatus string

const (
	OrderStatusPending    OrderStatus = "pending"
	OrderStatusProcessing OrderStatus = "processing"
	OrderStatusCompleted  OrderStatus = "completed"
	OrderStatusCanceled   OrderStatus = "canceled"
	OrderStatusFailed     OrderStatus = "failed"
)

// IsTerminal сообщает, является ли статус конечным.
func (s OrderStatus) IsTerminal() bool {
	switch s {
	case OrderStatusCompleted, OrderStatusCanceled, OrderStatusFailed:
		return true
	}
	return false
}

// FundingSource показывает, чем оплачен заказ.
type FundingSource string

const (
	FundingNone    FundingSource = ""
	FundingCredits FundingSource = "credits"
	FundingPayment FundingSource = "payment"
)

// Order описывает заказ пользователя. Amount фиксируется при создании и больше не меняется.
type Order struct {
	ID              uuid.UUID       `json:"id"`
	UserID          string          `json:"userId"`
	ServiceID       int64           `json:"serviceId"`
	Link            string          `json:"link"`
	Quantity        int             `json:"quantity"`
	Amount          decimal.Decimal `json:"amount"`
	Status          OrderStatus     `json:"status"`
	FundingSource   FundingSource   `json:"fundingSource,omitempty"`
	ExternalOrderID string          `json:"externalOrderId,omitempty"`
	CreatedAt       time.Time       `json:"createdAt"`
	UpdatedAt       time.Time       `json:"updatedAt"`
}

// Submitted сообщает, передан ли заказ поставщику.
func (o Order) Submitted() bool {
	return o.ExternalOrderID != ""
}

// Funded сообщает, оплачен ли заказ.
func (o Order) Funded() bool {
	return o.FundingSource != FundingNone
}

// PaymentStatus описывает статус платежа.
type PaymentStatus string

const (
	PaymentStatusPending   PaymentStatus = "pending"
	PaymentStatusCompleted PaymentStatus = "completed"
	PaymentStatusFailed    PaymentStatus = "failed"
)

// Payment описывает платёж через внешнюю платёжную систему.
// OrderID пуст для покупки кредитов. ExternalTransactionID — ключ идемпотентности завершения.
type Payment struct {
	ID                    uuid.UUID       `json:"id"`
	UserID                string          `json:"userId"`
	OrderID               *uuid.UUID      `json:"orderId,omitempty"`
	Amount                decimal.Decimal `json:"amount"`
	Currency              string          `json:"currency"`
	Method                string          `json:"method"`
	Status                PaymentStatus   `json:"status"`
	ExternalRef           string          `json:"externalRef,omitempty"`
	ExternalTransactionID string          `json:"externalTransactionId,omitempty"`
	ProviderStatus        string          `json:"providerStatus,omitempty"`
	CreatedAt             time.Time       `json:"createdAt"`
	UpdatedAt             time.Time       `json:"updatedAt"`
}

// IsCreditPurchase сообщает, является ли платёж покупкой кредитов.
func (p Payment) IsCreditPurchase() bool {
	return p.OrderID == nil
}

// PaymentEventRecord — запись журнала проверенных вебхуков платёжных систем.
type PaymentEventRecord struct {
	ID          int64
	Processor   string
	EventID     string
	PaymentID   *uuid.UUID
	Status      string
	Payload     []byte
	ReceivedAt  time.Time
	ProcessedAt *time.Time
}

// NotificationType описывает тип уведомления для почтового воркера.
type NotificationType string

const (
	NotifyOrderSubmitted     NotificationType = "order_submitted"
	NotifyOrderStatusChanged NotificationType = "order_status_changed"
	NotifyPaymentCompleted   NotificationType = "payment_completed"
	NotifyCreditsPurchased   NotificationType = "credits_purchased"
)

// Notification — событие, отправляемое во внешнюю систему уведомлений.
type Notification struct {
	Type      NotificationType `json:"type"`
	UserID    string           `json:"userId"`
	OrderID   *uuid.UUID       `json:"orderId,omitempty"`
	PaymentID *uuid.UUID       `json:"paymentId,omitempty"`
	Status    string           `json:"status,omitempty"`
	Amount    decimal.Decimal  `json:"amount"`
	CreatedAt time.Time        `json:"createdAt"`
}
