// Package service реализует бизнес-логику панели: каталог услуг, кредитный журнал,
// жизненный цикл заказов и сверку платежей.
package service

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/mmeshcher/smmpanel/internal/metrics"
	"github.com/mmeshcher/smmpanel/internal/model"
	"github.com/mmeshcher/smmpanel/internal/notify"
	"github.com/mmeshcher/smmpanel/internal/provider"
	"github.com/mmeshcher/smmpanel/internal/repository"
)

// Ошибки бизнес-логики.
var (
	ErrServiceInactive    = fmt.Errorf("service is no longer offered: %w", model.ErrValidation)
	ErrQuantityOutOfRange = fmt.Errorf("quantity out of range: %w", model.ErrValidation)
	ErrInvalidLink        = fmt.Errorf("invalid link: %w", model.ErrValidation)
	ErrInvalidAmount      = fmt.Errorf("invalid amount: %w", model.ErrValidation)
	ErrBelowMinimum       = fmt.Errorf("amount below minimum: %w", model.ErrValidation)
	ErrNegativeMarkup     = fmt.Errorf("markup must not be negative: %w", model.ErrValidation)
	ErrInvalidEntryKind   = fmt.Errorf("invalid ledger entry kind: %w", model.ErrValidation)
	ErrDescriptionTooLong = fmt.Errorf("description too long: %w", model.ErrValidation)
	ErrOrderNotSubmitted  = fmt.Errorf("order is not submitted yet: %w", model.ErrValidation)
	ErrOrderAlreadyFunded = repository.ErrOrderAlreadyFunded
	ErrMissingTransaction = fmt.Errorf("external transaction id is required: %w", model.ErrValidation)
	ErrAmountMismatch     = fmt.Errorf("paid amount does not match payment: %w", model.ErrValidation)
	ErrCaptureUnsupported = fmt.Errorf("payment method does not support capture: %w", model.ErrValidation)
	ErrNotOwner           = fmt.Errorf("resource belongs to another user: %w", model.ErrForbidden)
	ErrSyncInProgress     = fmt.Errorf("sync is already running: %w", model.ErrAlreadyDone)
)

// Provider описывает API поставщика услуг.
type Provider interface {
	Services(ctx context.Context) ([]provider.Service, error)
	AddOrder(ctx context.Context, serviceID int64, link string, quantity int) (string, error)
	Status(ctx context.Context, externalID string) (*provider.OrderStatus, error)
	Statuses(ctx context.Context, externalIDs []string) (map[string]provider.OrderStatus, error)
	Balance(ctx context.Context) (*provider.Balance, error)
}

// CatalogStore — хранилище каталога и наценки.
type CatalogStore interface {
	GetMarkup(ctx context.Context) (decimal.Decimal, int64, error)
	SetMarkup(ctx context.Context, pct decimal.Decimal) (int64, int, error)
	UpsertService(ctx context.Context, e model.CatalogEntry) (bool, error)
	DeactivateMissingServices(ctx context.Context, seen []int64) (int64, error)
	GetService(ctx context.Context, serviceID int64) (*model.CatalogEntry, error)
	ListServices(ctx context.Context, includeInactive bool) ([]model.CatalogEntry, error)
	SetServiceDescription(ctx context.Context, serviceID int64, text string) error
}

// LedgerStore — хранилище кредитного журнала.
type LedgerStore interface {
	LedgerBalance(ctx context.Context, userID string) (decimal.Decimal, error)
	InsertCredit(ctx context.Context, e model.LedgerEntry) (*model.LedgerEntry, bool, error)
	InsertDebit(ctx context.Context, e model.LedgerEntry) (*model.LedgerEntry, error)
	ListLedgerEntries(ctx context.Context, userID string, limit int) ([]model.LedgerEntry, error)
}

// OrderStore — хранилище заказов.
type OrderStore interface {
	GetService(ctx context.Context, serviceID int64) (*model.CatalogEntry, error)
	LedgerBalance(ctx context.Context, userID string) (decimal.Decimal, error)
	CreateOrder(ctx context.Context, o *model.Order) error
	GetOrder(ctx context.Context, id uuid.UUID) (*model.Order, error)
	ListOrdersByUser(ctx context.Context, userID string) ([]model.Order, error)
	ListOrders(ctx context.Context, limit int) ([]model.Order, error)
	FundOrderWithCredits(ctx context.Context, orderID uuid.UUID, description string) (*model.Order, error)
	SubmitOrder(ctx context.Context, orderID uuid.UUID, place repository.PlaceFunc) (*model.Order, bool, error)
	ListOrdersToSync(ctx context.Context, limit int) ([]model.Order, error)
	ListFundedUnsubmitted(ctx context.Context, limit int) ([]model.Order, error)
	UpdateOrderStatus(ctx context.Context, orderID uuid.UUID, status model.OrderStatus) (bool, error)
}

// PaymentStore — хранилище платежей и журнала вебхуков.
type PaymentStore interface {
	CreatePayment(ctx context.Context, p *model.Payment) error
	GetPayment(ctx context.Context, id uuid.UUID) (*model.Payment, error)
	FindPaymentByExternalRef(ctx context.Context, method, ref string) (*model.Payment, error)
	SetPaymentExternalRef(ctx context.Context, id uuid.UUID, ref string) error
	SetPaymentProviderStatus(ctx context.Context, id uuid.UUID, status string) error
	CompletePayment(ctx context.Context, id uuid.UUID, externalTxID, description string) (*model.Payment, error)
	FailPayment(ctx context.Context, id uuid.UUID, providerStatus string) (*model.Payment, error)
	ListPayments(ctx context.Context, limit int) ([]model.Payment, error)
	RecordPaymentEvent(ctx context.Context, ev model.PaymentEventRecord) (*model.PaymentEventRecord, bool, error)
	MarkPaymentEventProcessed(ctx context.Context, eventID int64) error
}

// Locker — распределённая блокировка для фоновых операций.
type Locker interface {
	TryLock(ctx context.Context, key string, ttl time.Duration) (string, bool, error)
	Release(ctx context.Context, key, token string) error
}

// Options — общие зависимости компонентов. Нулевые значения допустимы.
type Options struct {
	Logger   *zap.Logger
	Metrics  *metrics.Metrics
	Notifier notify.Notifier
	Locker   Locker
}

func (o Options) withDefaults() Options {
	if o.Logger == nil {
		o.Logger = zap.NewNop()
	}
	if o.Notifier == nil {
		o.Notifier = notify.Nop{}
	}
	return o
}

// withLock выполняет fn под блокировкой key. Без Locker или при недоступном Redis fn выполняется без блокировки.
func (o Options) withLock(ctx context.Context, key string, ttl time.Duration, fn func() error) error {
	if o.Locker == nil {
		return fn()
	}

	token, ok, err := o.Locker.TryLock(ctx, key, ttl)
	if err != nil {
		o.Logger.Warn("lock unavailable, running unguarded", zap.String("key", key), zap.Error(err))
		return fn()
	}
	if !ok {
		return fmt.Errorf("%w: %s", ErrSyncInProgress, key)
	}
	defer func() {
		// Контекст запроса может быть уже отменён, а блокировку нужно снять.
		releaseCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer cancel()
		if err := o.Locker.Release(releaseCtx, key, token); err != nil {
			o.Logger.Warn("lock release failed", zap.String("key", key), zap.Error(err))
		}
	}()

	return fn()
}

func (o Options) notify(ctx context.Context, n model.Notification) {
	if err := o.Notifier.Notify(ctx, n); err != nil {
		o.Logger.Warn("notification failed",
			zap.String("type", string(n.Type)),
			zap.String("user_id", n.UserID),
			zap.Error(err),
		)
	}
}
