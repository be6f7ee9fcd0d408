package service

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/mmeshcher/smmpanel/internal/model"
	"github.com/mmeshcher/smmpanel/internal/repository"
)

// memStore повторяет поведение PostgresRepository в памяти.
type memStore struct {
	mu       sync.Mutex
	submitMu sync.Mutex

	markup        *decimal.Decimal
	markupVersion int64

	services map[int64]model.CatalogEntry
	ledger   []model.LedgerEntry
	orders   map[uuid.UUID]*model.Order
	payments map[uuid.UUID]*model.Payment
	events   map[string]*model.PaymentEventRecord
	eventSeq int64
}

func newMemStore() *memStore {
	return &memStore{
		services: map[int64]model.CatalogEntry{},
		orders:   map[uuid.UUID]*model.Order{},
		payments: map[uuid.UUID]*model.Payment{},
		events:   map[string]*model.PaymentEventRecord{},
	}
}

func (s *memStore) GetMarkup(ctx context.Context) (decimal.Decimal, int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.markup == nil {
		return decimal.Zero, 0, repository.ErrSettingNotFound
	}
	return *s.markup, s.markupVersion, nil
}

func (s *memStore) SetMarkup(ctx context.Context, pct decimal.Decimal) (int64, int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.markup = &pct
	s.markupVersion++
	for id, e := range s.services {
		e.Rate = model.PriceWithMarkup(e.OriginalRate, pct)
		s.services[id] = e
	}
	return s.markupVersion, len(s.services), nil
}

func (s *memStore) UpsertService(ctx context.Context, e model.CatalogEntry) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	existing, ok := s.services[e.ServiceID]
	if ok {
		e.Description = existing.Description
	}
	if s.markup != nil {
		e.Rate = model.PriceWithMarkup(e.OriginalRate, *s.markup)
	}
	e.Active = true
	e.UpdatedAt = time.Now()
	s.services[e.ServiceID] = e
	return !ok, nil
}

func (s *memStore) DeactivateMissingServices(ctx context.Context, seen []int64) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	keep := map[int64]bool{}
	for _, id := range seen {
		keep[id] = true
	}
	var n int64
	for id, e := range s.services {
		if e.Active && !keep[id] {
			e.Active = false
			s.services[id] = e
			n++
		}
	}
	return n, nil
}

func (s *memStore) GetService(ctx context.Context, serviceID int64) (*model.CatalogEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.services[serviceID]
	if !ok {
		return nil, fmt.Errorf("%w: %d", repository.ErrServiceNotFound, serviceID)
	}
	return &e, nil
}

func (s *memStore) ListServices(ctx context.Context, includeInactive bool) ([]model.CatalogEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var res []model.CatalogEntry
	for _, e := range s.services {
		if e.Active || includeInactive {
			res = append(res, e)
		}
	}
	sort.Slice(res, func(i, j int) bool { return res[i].ServiceID < res[j].ServiceID })
	return res, nil
}

func (s *memStore) SetServiceDescription(ctx context.Context, serviceID int64, text string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.services[serviceID]
	if !ok {
		return repository.ErrServiceNotFound
	}
	e.Description = text
	s.services[serviceID] = e
	return nil
}

func (s *memStore) balance(userID string) decimal.Decimal {
	sum := decimal.Zero
	for _, e := range s.ledger {
		if e.UserID == userID {
			sum = sum.Add(e.Signed())
		}
	}
	return sum
}

func (s *memStore) LedgerBalance(ctx context.Context, userID string) (decimal.Decimal, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.balance(userID), nil
}

func (s *memStore) insertCredit(e model.LedgerEntry) (*model.LedgerEntry, bool) {
	if e.ExternalTxID != "" {
		for _, existing := range s.ledger {
			if existing.UserID == e.UserID && existing.Kind == e.Kind && existing.ExternalTxID == e.ExternalTxID {
				return &existing, false
			}
		}
	}
	e.CreatedAt = time.Now()
	s.ledger = append(s.ledger, e)
	return &e, true
}

func (s *memStore) InsertCredit(ctx context.Context, e model.LedgerEntry) (*model.LedgerEntry, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	created, ok := s.insertCredit(e)
	return created, ok, nil
}

func (s *memStore) debit(e model.LedgerEntry) (*model.LedgerEntry, error) {
	balance := s.balance(e.UserID)
	if balance.LessThan(e.Amount) {
		return nil, &model.InsufficientFundsError{Balance: balance, Required: e.Amount}
	}
	e.CreatedAt = time.Now()
	s.ledger = append(s.ledger, e)
	return &e, nil
}

func (s *memStore) InsertDebit(ctx context.Context, e model.LedgerEntry) (*model.LedgerEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.debit(e)
}

func (s *memStore) ListLedgerEntries(ctx context.Context, userID string, limit int) ([]model.LedgerEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var res []model.LedgerEntry
	for i := len(s.ledger) - 1; i >= 0 && len(res) < limit; i-- {
		if s.ledger[i].UserID == userID {
			res = append(res, s.ledger[i])
		}
	}
	return res, nil
}

func (s *memStore) CreateOrder(ctx context.Context, o *model.Order) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	o.CreatedAt = time.Now()
	o.UpdatedAt = o.CreatedAt
	cp := *o
	s.orders[o.ID] = &cp
	return nil
}

func (s *memStore) GetOrder(ctx context.Context, id uuid.UUID) (*model.Order, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	o, ok := s.orders[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", repository.ErrOrderNotFound, id)
	}
	cp := *o
	return &cp, nil
}

func (s *memStore) listOrders(filter func(model.Order) bool) []model.Order {
	var res []model.Order
	for _, o := range s.orders {
		if filter(*o) {
			res = append(res, *o)
		}
	}
	sort.Slice(res, func(i, j int) bool { return res[i].CreatedAt.Before(res[j].CreatedAt) })
	return res
}

func (s *memStore) ListOrdersByUser(ctx context.Context, userID string) ([]model.Order, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.listOrders(func(o model.Order) bool { return o.UserID == userID }), nil
}

func (s *memStore) ListOrders(ctx context.Context, limit int) ([]model.Order, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	res := s.listOrders(func(model.Order) bool { return true })
	if len(res) > limit {
		res = res[:limit]
	}
	return res, nil
}

func (s *memStore) FundOrderWithCredits(ctx context.Context, orderID uuid.UUID, description string) (*model.Order, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	o, ok := s.orders[orderID]
	if !ok {
		return nil, repository.ErrOrderNotFound
	}
	if o.Funded() {
		cp := *o
		return &cp, nil
	}
	if o.Status != model.OrderStatusPending {
		return nil, repository.ErrOrderNotPending
	}
	_, err := s.debit(model.LedgerEntry{
		ID:          uuid.New(),
		UserID:      o.UserID,
		Amount:      o.Amount,
		Kind:        model.EntryUsage,
		OrderID:     &o.ID,
		Description: description,
	})
	if err != nil {
		return nil, err
	}
	o.FundingSource = model.FundingCredits
	cp := *o
	return &cp, nil
}

func (s *memStore) SubmitOrder(ctx context.Context, orderID uuid.UUID, place repository.PlaceFunc) (*model.Order, bool, error) {
	s.submitMu.Lock()
	defer s.submitMu.Unlock()

	o, err := s.GetOrder(ctx, orderID)
	if err != nil {
		return nil, false, err
	}
	if o.Submitted() {
		return o, false, nil
	}
	if !o.Funded() {
		return nil, false, repository.ErrOrderNotFunded
	}
	if o.Status != model.OrderStatusPending {
		return nil, false, repository.ErrOrderNotPending
	}

	externalID, err := place(ctx, *o)
	if err != nil {
		return nil, false, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	stored := s.orders[orderID]
	stored.ExternalOrderID = externalID
	stored.Status = model.OrderStatusProcessing
	cp := *stored
	return &cp, true, nil
}

func (s *memStore) ListOrdersToSync(ctx context.Context, limit int) ([]model.Order, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.listOrders(func(o model.Order) bool { return o.Submitted() && !o.Status.IsTerminal() }), nil
}

func (s *memStore) ListFundedUnsubmitted(ctx context.Context, limit int) ([]model.Order, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.listOrders(func(o model.Order) bool {
		return o.Status == model.OrderStatusPending && o.Funded() && !o.Submitted()
	}), nil
}

func (s *memStore) UpdateOrderStatus(ctx context.Context, orderID uuid.UUID, status model.OrderStatus) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	o, ok := s.orders[orderID]
	if !ok || o.Status.IsTerminal() || o.Status == status {
		return false, nil
	}
	o.Status = status
	return true, nil
}

func (s *memStore) CreatePayment(ctx context.Context, p *model.Payment) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if p.OrderID != nil {
		o, ok := s.orders[*p.OrderID]
		switch {
		case !ok:
			return repository.ErrOrderNotFound
		case o.Funded():
			return repository.ErrOrderAlreadyFunded
		case o.Status != model.OrderStatusPending:
			return repository.ErrOrderNotPending
		}
		for _, other := range s.payments {
			if other.Status == model.PaymentStatusPending && other.OrderID != nil && *other.OrderID == *p.OrderID {
				return repository.ErrOrderPaymentPending
			}
		}
	}
	p.CreatedAt = time.Now()
	cp := *p
	s.payments[p.ID] = &cp
	return nil
}

func (s *memStore) GetPayment(ctx context.Context, id uuid.UUID) (*model.Payment, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.payments[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", repository.ErrPaymentNotFound, id)
	}
	cp := *p
	return &cp, nil
}

func (s *memStore) FindPaymentByExternalRef(ctx context.Context, method, ref string) (*model.Payment, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, p := range s.payments {
		if p.Method == method && p.ExternalRef == ref {
			cp := *p
			return &cp, nil
		}
	}
	return nil, repository.ErrPaymentNotFound
}

func (s *memStore) SetPaymentExternalRef(ctx context.Context, id uuid.UUID, ref string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.payments[id].ExternalRef = ref
	return nil
}

func (s *memStore) SetPaymentProviderStatus(ctx context.Context, id uuid.UUID, status string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.payments[id].ProviderStatus = status
	return nil
}

func (s *memStore) CompletePayment(ctx context.Context, id uuid.UUID, externalTxID, description string) (*model.Payment, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.payments[id]
	if !ok {
		return nil, repository.ErrPaymentNotFound
	}
	switch p.Status {
	case model.PaymentStatusCompleted:
		cp := *p
		return &cp, repository.ErrPaymentAlreadyCompleted
	case model.PaymentStatusFailed:
		return nil, repository.ErrPaymentNotPending
	}
	for _, other := range s.payments {
		if other.Status == model.PaymentStatusCompleted && other.ExternalTransactionID == externalTxID {
			return nil, repository.ErrTransactionAlreadyUsed
		}
	}

	p.Status = model.PaymentStatusCompleted
	p.ExternalTransactionID = externalTxID
	if p.OrderID != nil {
		if o := s.orders[*p.OrderID]; o != nil && !o.Funded() && o.Status == model.OrderStatusPending {
			o.FundingSource = model.FundingPayment
			cp := *p
			return &cp, nil
		}
	}
	s.insertCredit(model.LedgerEntry{
		ID:           uuid.New(),
		UserID:       p.UserID,
		Amount:       p.Amount,
		Kind:         model.EntryPurchase,
		ExternalTxID: externalTxID,
		Description:  description,
	})
	cp := *p
	return &cp, nil
}

func (s *memStore) FailPayment(ctx context.Context, id uuid.UUID, providerStatus string) (*model.Payment, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.payments[id]
	if !ok {
		return nil, repository.ErrPaymentNotFound
	}
	switch p.Status {
	case model.PaymentStatusCompleted:
		return nil, repository.ErrPaymentAlreadyCompleted
	case model.PaymentStatusPending:
		p.Status = model.PaymentStatusFailed
		p.ProviderStatus = providerStatus
	}
	cp := *p
	return &cp, nil
}

func (s *memStore) ListPayments(ctx context.Context, limit int) ([]model.Payment, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var res []model.Payment
	for _, p := range s.payments {
		res = append(res, *p)
	}
	if len(res) > limit {
		res = res[:limit]
	}
	return res, nil
}

func (s *memStore) RecordPaymentEvent(ctx context.Context, ev model.PaymentEventRecord) (*model.PaymentEventRecord, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := ev.Processor + "/" + ev.EventID
	if existing, ok := s.events[key]; ok {
		cp := *existing
		return &cp, false, nil
	}
	s.eventSeq++
	ev.ID = s.eventSeq
	ev.ReceivedAt = time.Now()
	s.events[key] = &ev
	cp := ev
	return &cp, true, nil
}

func (s *memStore) MarkPaymentEventProcessed(ctx context.Context, eventID int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, ev := range s.events {
		if ev.ID == eventID && ev.ProcessedAt == nil {
			now := time.Now()
			ev.ProcessedAt = &now
		}
	}
	return nil
}

func (s *memStore) addService(e model.CatalogEntry) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.services[e.ServiceID] = e
}

func (s *memStore) credit(userID string, amount string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.insertCredit(model.LedgerEntry{
		ID:     uuid.New(),
		UserID: userID,
		Amount: decimal.RequireFromString(amount),
		Kind:   model.EntryBonus,
	})
}
