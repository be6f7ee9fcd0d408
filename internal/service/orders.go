package service

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/mmeshcher/smmpanel/internal/model"
	"github.com/mmeshcher/smmpanel/internal/provider"
	"github.com/mmeshcher/smmpanel/internal/validation"
)

const (
	ordersSyncLock    = "orders-sync"
	ordersSyncLockTTL = 10 * time.Minute

	syncBatchLimit     = 1000
	syncConcurrency    = 8
	resubmitBatchLimit = 100
)

// OrderManager управляет жизненным циклом заказов: создание, оплата кредитами,
// отправка поставщику и синхронизация статусов.
type OrderManager struct {
	store    OrderStore
	provider Provider
	opts     Options
}

// NewOrderManager создаёт менеджер заказов.
func NewOrderManager(store OrderStore, prov Provider, opts Options) *OrderManager {
	return &OrderManager{store: store, provider: prov, opts: opts.withDefaults()}
}

// SyncReport — итог синхронизации статусов.
type SyncReport struct {
	Checked int `json:"checked"`
	Updated int `json:"updated"`
	Failed  int `json:"failed"`
}

// ResubmitReport — итог повторной отправки оплаченных заказов.
type ResubmitReport struct {
	Attempted int `json:"attempted"`
	Submitted int `json:"submitted"`
	Failed    int `json:"failed"`
}

// CreateOrder создаёт заказ в статусе pending. Цена фиксируется по текущему тарифу услуги.
func (m *OrderManager) CreateOrder(ctx context.Context, userID string, serviceID int64, link string, quantity int) (*model.Order, error) {
	entry, amount, err := m.quote(ctx, serviceID, link, quantity)
	if err != nil {
		return nil, err
	}

	o := &model.Order{
		ID:        uuid.New(),
		UserID:    userID,
		ServiceID: entry.ServiceID,
		Link:      link,
		Quantity:  quantity,
		Amount:    amount,
		Status:    model.OrderStatusPending,
	}
	if err := m.store.CreateOrder(ctx, o); err != nil {
		return nil, fmt.Errorf("create order: %w", err)
	}

	m.opts.Metrics.OrderCreated()
	m.opts.Logger.Info("order created",
		zap.String("order_id", o.ID.String()),
		zap.String("user_id", userID),
		zap.Int64("service", serviceID),
		zap.Int("quantity", quantity),
		zap.String("amount", amount.StringFixed(2)),
	)
	return o, nil
}

func (m *OrderManager) quote(ctx context.Context, serviceID int64, link string, quantity int) (*model.CatalogEntry, decimal.Decimal, error) {
	if !validation.IsValidLink(link) {
		return nil, decimal.Zero, ErrInvalidLink
	}

	entry, err := m.store.GetService(ctx, serviceID)
	if err != nil {
		return nil, decimal.Zero, err
	}
	if !entry.Active {
		return nil, decimal.Zero, fmt.Errorf("%w: %d", ErrServiceInactive, serviceID)
	}
	if quantity < entry.Min || quantity > entry.Max {
		return nil, decimal.Zero, fmt.Errorf("%w: quantity must be between %d and %d", ErrQuantityOutOfRange, entry.Min, entry.Max)
	}

	amount := model.OrderAmount(entry.Rate, quantity)
	if !amount.IsPositive() {
		return nil, decimal.Zero, fmt.Errorf("%w: order amount rounds to zero", ErrInvalidAmount)
	}
	return entry, amount, nil
}

// PlaceCreditOrder создаёт заказ, оплачивает его кредитами и отправляет поставщику.
// При нехватке средств заказ не создаётся.
func (m *OrderManager) PlaceCreditOrder(ctx context.Context, user model.User, serviceID int64, link string, quantity int) (*model.Order, error) {
	_, amount, err := m.quote(ctx, serviceID, link, quantity)
	if err != nil {
		return nil, err
	}

	balance, err := m.store.LedgerBalance(ctx, user.ID)
	if err != nil {
		return nil, fmt.Errorf("balance: %w", err)
	}
	if balance.LessThan(amount) {
		return nil, &model.InsufficientFundsError{Balance: balance, Required: amount}
	}

	o, err := m.CreateOrder(ctx, user.ID, serviceID, link, quantity)
	if err != nil {
		return nil, err
	}
	return m.FundWithCredits(ctx, user, o.ID)
}

// FundWithCredits списывает стоимость заказа с баланса и отправляет заказ поставщику.
//
// Списание и отправка выполняются раздельно. Если поставщик недоступен, списание остаётся в силе,
// заказ остаётся pending без внешнего идентификатора, а ошибка возвращается вместе с заказом.
// Повторный вызов не списывает кредиты второй раз.
func (m *OrderManager) FundWithCredits(ctx context.Context, user model.User, orderID uuid.UUID) (*model.Order, error) {
	o, err := m.Get(ctx, user, orderID)
	if err != nil {
		return nil, err
	}
	wasFunded := o.Funded()

	funded, err := m.store.FundOrderWithCredits(ctx, orderID, fmt.Sprintf("Order %s", orderID))
	if err != nil {
		return nil, err
	}
	if !wasFunded && funded.FundingSource == model.FundingCredits {
		m.opts.Metrics.LedgerEntry(string(model.EntryUsage))
	}

	submitted, err := m.Submit(ctx, orderID)
	if err != nil {
		return funded, err
	}
	return submitted, nil
}

// Submit передаёт оплаченный заказ поставщику не более одного раза.
// Для уже отправленного заказа возвращает сохранённый внешний идентификатор без обращения к поставщику.
func (m *OrderManager) Submit(ctx context.Context, orderID uuid.UUID) (*model.Order, error) {
	var placedID string
	o, submittedNow, err := m.store.SubmitOrder(ctx, orderID, func(ctx context.Context, o model.Order) (string, error) {
		id, err := m.place(ctx, o)
		placedID = id
		return id, err
	})
	if err != nil && placedID != "" {
		// Поставщик принял заказ, но идентификатор не сохранён: повторная отправка создаст дубль.
		m.opts.Metrics.Submission("unrecorded")
		m.opts.Logger.Error("order placed with provider but not stored",
			zap.String("order_id", orderID.String()),
			zap.String("external_order_id", placedID),
			zap.Error(err),
		)
		return nil, fmt.Errorf("submit order %s: placed as %s: %w", orderID, placedID, err)
	}
	if err != nil {
		m.opts.Metrics.Submission("failed")
		m.opts.Logger.Warn("order submission failed", zap.String("order_id", orderID.String()), zap.Error(err))
		return nil, fmt.Errorf("submit order %s: %w", orderID, err)
	}
	if !submittedNow {
		m.opts.Metrics.Submission("duplicate")
		return o, nil
	}

	m.opts.Metrics.Submission("submitted")
	m.opts.Logger.Info("order submitted",
		zap.String("order_id", o.ID.String()),
		zap.String("external_order_id", o.ExternalOrderID),
	)
	m.opts.notify(ctx, model.Notification{
		Type:    model.NotifyOrderSubmitted,
		UserID:  o.UserID,
		OrderID: &o.ID,
		Status:  string(o.Status),
		Amount:  o.Amount,
	})
	return o, nil
}

func (m *OrderManager) place(ctx context.Context, o model.Order) (string, error) {
	id, err := m.provider.AddOrder(ctx, o.ServiceID, o.Link, o.Quantity)
	if err != nil {
		m.opts.Metrics.ProviderError("add")
		return "", err
	}
	return id, nil
}

// Get возвращает заказ. Чужой заказ доступен только администратору.
func (m *OrderManager) Get(ctx context.Context, user model.User, orderID uuid.UUID) (*model.Order, error) {
	o, err := m.store.GetOrder(ctx, orderID)
	if err != nil {
		return nil, err
	}
	if o.UserID != user.ID && !user.IsAdmin() {
		return nil, ErrNotOwner
	}
	return o, nil
}

// List возвращает заказы пользователя.
func (m *OrderManager) List(ctx context.Context, userID string) ([]model.Order, error) {
	orders, err := m.store.ListOrdersByUser(ctx, userID)
	if err != nil {
		return nil, err
	}
	if orders == nil {
		orders = []model.Order{}
	}
	return orders, nil
}

// ListAll возвращает последние заказы всех пользователей.
func (m *OrderManager) ListAll(ctx context.Context, limit int) ([]model.Order, error) {
	orders, err := m.store.ListOrders(ctx, limit)
	if err != nil {
		return nil, err
	}
	if orders == nil {
		orders = []model.Order{}
	}
	return orders, nil
}

// SyncStatus запрашивает статус заказа у поставщика и обновляет его.
func (m *OrderManager) SyncStatus(ctx context.Context, user model.User, orderID uuid.UUID) (*model.Order, error) {
	o, err := m.Get(ctx, user, orderID)
	if err != nil {
		return nil, err
	}
	if !o.Submitted() {
		return nil, ErrOrderNotSubmitted
	}
	if o.Status.IsTerminal() {
		return o, nil
	}

	st, err := m.provider.Status(ctx, o.ExternalOrderID)
	if err != nil {
		m.opts.Metrics.ProviderError("status")
		return nil, fmt.Errorf("order %s status: %w", o.ID, err)
	}

	if _, err := m.apply(ctx, o, st.Status); err != nil {
		return nil, err
	}
	return o, nil
}

// apply переводит заказ в статус, соответствующий ответу поставщика.
func (m *OrderManager) apply(ctx context.Context, o *model.Order, providerStatus string) (bool, error) {
	status := provider.MapStatus(providerStatus)
	if status == o.Status {
		return false, nil
	}

	changed, err := m.store.UpdateOrderStatus(ctx, o.ID, status)
	if err != nil {
		return false, fmt.Errorf("update order %s: %w", o.ID, err)
	}
	if !changed {
		return false, nil
	}

	m.opts.Metrics.StatusChanged(string(status))
	m.opts.Logger.Info("order status changed",
		zap.String("order_id", o.ID.String()),
		zap.String("from", string(o.Status)),
		zap.String("to", string(status)),
		zap.String("provider_status", providerStatus),
	)
	o.Status = status
	m.opts.notify(ctx, model.Notification{
		Type:    model.NotifyOrderStatusChanged,
		UserID:  o.UserID,
		OrderID: &o.ID,
		Status:  string(status),
	})
	return true, nil
}

// SyncAll обновляет статусы всех незавершённых отправленных заказов.
// Статусы запрашиваются одним пакетным вызовом; заказы, не попавшие в ответ, запрашиваются по одному.
// Ошибка по одному заказу не мешает обновить остальные.
func (m *OrderManager) SyncAll(ctx context.Context) (*SyncReport, error) {
	var report *SyncReport
	err := m.opts.withLock(ctx, ordersSyncLock, ordersSyncLockTTL, func() error {
		var err error
		report, err = m.syncAll(ctx)
		return err
	})
	return report, err
}

func (m *OrderManager) syncAll(ctx context.Context) (*SyncReport, error) {
	start := time.Now()
	defer func() { m.opts.Metrics.ObserveSync(time.Since(start)) }()

	orders, err := m.store.ListOrdersToSync(ctx, syncBatchLimit)
	if err != nil {
		return nil, fmt.Errorf("list orders to sync: %w", err)
	}
	report := &SyncReport{Checked: len(orders)}
	if len(orders) == 0 {
		return report, nil
	}

	ids := make([]string, 0, len(orders))
	for _, o := range orders {
		ids = append(ids, o.ExternalOrderID)
	}

	statuses, err := m.provider.Statuses(ctx, ids)
	if err != nil {
		m.opts.Metrics.ProviderError("status")
		m.opts.Logger.Warn("batch status failed, falling back to single requests", zap.Error(err))
	}
	if statuses == nil {
		statuses = map[string]provider.OrderStatus{}
	}

	m.fillMissing(ctx, ids, statuses)

	for i := range orders {
		o := &orders[i]
		st, ok := statuses[o.ExternalOrderID]
		if !ok {
			report.Failed++
			continue
		}
		changed, err := m.apply(ctx, o, st.Status)
		if err != nil {
			m.opts.Logger.Warn("apply order status failed", zap.String("order_id", o.ID.String()), zap.Error(err))
			report.Failed++
			continue
		}
		if changed {
			report.Updated++
		}
	}

	m.opts.Logger.Info("orders synced",
		zap.Int("checked", report.Checked),
		zap.Int("updated", report.Updated),
		zap.Int("failed", report.Failed),
	)
	return report, nil
}

// fillMissing запрашивает по одному статусы, которых нет в statuses.
func (m *OrderManager) fillMissing(ctx context.Context, ids []string, statuses map[string]provider.OrderStatus) {
	var missing []string
	for _, id := range ids {
		if _, ok := statuses[id]; !ok {
			missing = append(missing, id)
		}
	}
	if len(missing) == 0 {
		return
	}

	var (
		mu sync.Mutex
		g  errgroup.Group
	)
	g.SetLimit(syncConcurrency)

	for _, id := range missing {
		g.Go(func() error {
			st, err := m.provider.Status(ctx, id)
			if err != nil {
				m.opts.Metrics.ProviderError("status")
				m.opts.Logger.Warn("order status unavailable", zap.String("external_order_id", id), zap.Error(err))
				return nil
			}
			mu.Lock()
			statuses[id] = *st
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()
}

// ResubmitFunded повторно отправляет оплаченные заказы, которые не удалось передать поставщику.
func (m *OrderManager) ResubmitFunded(ctx context.Context) (*ResubmitReport, error) {
	orders, err := m.store.ListFundedUnsubmitted(ctx, resubmitBatchLimit)
	if err != nil {
		return nil, fmt.Errorf("list funded orders: %w", err)
	}

	report := &ResubmitReport{Attempted: len(orders)}
	for _, o := range orders {
		if _, err := m.Submit(ctx, o.ID); err != nil {
			report.Failed++
			if errors.Is(err, context.Canceled) {
				return report, err
			}
			continue
		}
		report.Submitted++
	}
	return report, nil
}

// ProviderBalance возвращает баланс аккаунта у поставщика.
func (m *OrderManager) ProviderBalance(ctx context.Context) (*provider.Balance, error) {
	b, err := m.provider.Balance(ctx)
	if err != nil {
		m.opts.Metrics.ProviderError("balance")
		return nil, err
	}
	return b, nil
}

// RunSync периодически синхронизирует статусы и повторно отправляет оплаченные заказы
// до отмены контекста.
func (m *OrderManager) RunSync(ctx context.Context, interval time.Duration) error {
	if interval <= 0 {
		return nil
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if _, err := m.SyncAll(ctx); err != nil && !errors.Is(err, ErrSyncInProgress) {
				m.opts.Logger.Error("scheduled order sync failed", zap.Error(err))
			}
			if _, err := m.ResubmitFunded(ctx); err != nil {
				m.opts.Logger.Error("scheduled resubmission failed", zap.Error(err))
			}
		}
	}
}
