package service

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/mmeshcher/smmpanel/internal/model"
	"github.com/mmeshcher/smmpanel/internal/provider"
	"github.com/mmeshcher/smmpanel/internal/repository"
)

const testLink = "https://instagram.com/acme"

var (
	alice = model.User{ID: "alice", Role: model.RoleUser}
	bob   = model.User{ID: "bob", Role: model.RoleUser}
	admin = model.User{ID: "root", Role: model.RoleAdmin}
)

func followersEntry() model.CatalogEntry {
	return model.CatalogEntry{
		ServiceID:    1,
		Name:         "Instagram Followers",
		Category:     "Instagram",
		Min:          100,
		Max:          10000,
		OriginalRate: decimal.RequireFromString("1.00"),
		Rate:         decimal.RequireFromString("1.30"),
		Active:       true,
	}
}

func newOrderFixture(t *testing.T) (*memStore, *fakeProvider, *OrderManager, *recordingNotifier) {
	t.Helper()
	store := newMemStore()
	store.addService(followersEntry())
	prov := newFakeProvider()
	notifier := &recordingNotifier{}
	return store, prov, NewOrderManager(store, prov, Options{Notifier: notifier}), notifier
}

func TestCreateOrderQuantityBounds(t *testing.T) {
	_, _, m, _ := newOrderFixture(t)

	tests := []struct {
		name     string
		quantity int
		wantErr  bool
	}{
		{name: "minimum", quantity: 100},
		{name: "maximum", quantity: 10000},
		{name: "below minimum", quantity: 99, wantErr: true},
		{name: "above maximum", quantity: 10001, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			o, err := m.CreateOrder(context.Background(), alice.ID, 1, testLink, tt.quantity)
			if tt.wantErr {
				assert.ErrorIs(t, err, ErrQuantityOutOfRange)
				assert.ErrorIs(t, err, model.ErrValidation)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, model.OrderStatusPending, o.Status)
			assert.False(t, o.Funded())
		})
	}
}

func TestCreateOrderRejectsInvalidInput(t *testing.T) {
	store, _, m, _ := newOrderFixture(t)
	inactive := followersEntry()
	inactive.ServiceID = 2
	inactive.Active = false
	store.addService(inactive)

	_, err := m.CreateOrder(context.Background(), alice.ID, 1, "not a link", 1000)
	assert.ErrorIs(t, err, ErrInvalidLink)

	_, err = m.CreateOrder(context.Background(), alice.ID, 2, testLink, 1000)
	assert.ErrorIs(t, err, ErrServiceInactive)

	_, err = m.CreateOrder(context.Background(), alice.ID, 42, testLink, 1000)
	assert.ErrorIs(t, err, model.ErrNotFound)
}

func TestOrderPriceFrozenAtCreation(t *testing.T) {
	store := newMemStore()
	prov := newFakeProvider()
	prov.services = []provider.Service{instagramFollowers()}

	c := NewCatalog(store, prov, DefaultMarkup, Options{})
	_, err := c.Sync(context.Background())
	require.NoError(t, err)

	m := NewOrderManager(store, prov, Options{})
	o, err := m.CreateOrder(context.Background(), alice.ID, 1, testLink, 5000)
	require.NoError(t, err)
	assert.Equal(t, "6.50", o.Amount.StringFixed(2))

	_, err = c.SetMarkup(context.Background(), decimal.NewFromInt(50))
	require.NoError(t, err)

	stored, err := m.Get(context.Background(), alice, o.ID)
	require.NoError(t, err)
	assert.Equal(t, "6.50", stored.Amount.StringFixed(2))

	next, err := m.CreateOrder(context.Background(), alice.ID, 1, testLink, 5000)
	require.NoError(t, err)
	assert.Equal(t, "7.50", next.Amount.StringFixed(2))
}

func TestPlaceCreditOrderInsufficientFunds(t *testing.T) {
	store, prov, m, _ := newOrderFixture(t)
	store.credit(alice.ID, "5")

	_, err := m.PlaceCreditOrder(context.Background(), alice, 1, testLink, 5000)
	require.ErrorIs(t, err, model.ErrInsufficientFunds)

	var insufficient *model.InsufficientFundsError
	require.ErrorAs(t, err, &insufficient)
	assert.Equal(t, "1.50", insufficient.Shortfall().StringFixed(2))

	orders, err := m.List(context.Background(), alice.ID)
	require.NoError(t, err)
	assert.Empty(t, orders, "no order is created without funds")
	assert.Zero(t, prov.addCalls)
}

func TestPlaceCreditOrder(t *testing.T) {
	store, prov, m, notifier := newOrderFixture(t)
	store.credit(alice.ID, "20")

	o, err := m.PlaceCreditOrder(context.Background(), alice, 1, testLink, 5000)
	require.NoError(t, err)
	assert.Equal(t, model.OrderStatusProcessing, o.Status)
	assert.Equal(t, model.FundingCredits, o.FundingSource)
	assert.Equal(t, "1001", o.ExternalOrderID)
	assert.Equal(t, 1, prov.addCalls)

	balance, err := store.LedgerBalance(context.Background(), alice.ID)
	require.NoError(t, err)
	assert.Equal(t, "13.50", balance.StringFixed(2))
	assert.Equal(t, []model.NotificationType{model.NotifyOrderSubmitted}, notifier.types())
}

func TestFundWithCreditsProviderDown(t *testing.T) {
	store, prov, m, _ := newOrderFixture(t)
	store.credit(alice.ID, "20")

	o, err := m.CreateOrder(context.Background(), alice.ID, 1, testLink, 5000)
	require.NoError(t, err)

	prov.addErr = provider.ErrUnavailable
	funded, err := m.FundWithCredits(context.Background(), alice, o.ID)
	require.ErrorIs(t, err, model.ErrGatewayUnavailable)
	require.NotNil(t, funded)
	assert.True(t, funded.Funded())
	assert.Equal(t, model.OrderStatusPending, funded.Status)
	assert.False(t, funded.Submitted())

	balance, _ := store.LedgerBalance(context.Background(), alice.ID)
	assert.Equal(t, "13.50", balance.StringFixed(2))

	prov.addErr = nil
	submitted, err := m.FundWithCredits(context.Background(), alice, o.ID)
	require.NoError(t, err)
	assert.Equal(t, model.OrderStatusProcessing, submitted.Status)

	balance, _ = store.LedgerBalance(context.Background(), alice.ID)
	assert.Equal(t, "13.50", balance.StringFixed(2), "retry must not debit twice")
}

func TestResubmitFunded(t *testing.T) {
	store, prov, m, _ := newOrderFixture(t)
	store.credit(alice.ID, "20")

	o, err := m.CreateOrder(context.Background(), alice.ID, 1, testLink, 1000)
	require.NoError(t, err)
	prov.addErr = provider.ErrUnavailable
	_, err = m.FundWithCredits(context.Background(), alice, o.ID)
	require.Error(t, err)

	report, err := m.ResubmitFunded(context.Background())
	require.NoError(t, err)
	assert.Equal(t, ResubmitReport{Attempted: 1, Failed: 1}, *report)

	prov.addErr = nil
	report, err = m.ResubmitFunded(context.Background())
	require.NoError(t, err)
	assert.Equal(t, ResubmitReport{Attempted: 1, Submitted: 1}, *report)

	report, err = m.ResubmitFunded(context.Background())
	require.NoError(t, err)
	assert.Zero(t, report.Attempted)
}

func TestSubmitExactlyOnce(t *testing.T) {
	store, prov, m, _ := newOrderFixture(t)
	store.credit(alice.ID, "20")

	o, err := m.CreateOrder(context.Background(), alice.ID, 1, testLink, 1000)
	require.NoError(t, err)
	_, err = store.FundOrderWithCredits(context.Background(), o.ID, "test")
	require.NoError(t, err)

	const workers = 10
	ids := make([]string, workers)
	var wg sync.WaitGroup
	for i := range workers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			submitted, err := m.Submit(context.Background(), o.ID)
			if assert.NoError(t, err) {
				ids[i] = submitted.ExternalOrderID
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, prov.addCalls)
	for _, id := range ids {
		assert.Equal(t, "1001", id)
	}
}

func TestSubmitRequiresFunding(t *testing.T) {
	_, prov, m, _ := newOrderFixture(t)

	o, err := m.CreateOrder(context.Background(), alice.ID, 1, testLink, 1000)
	require.NoError(t, err)

	_, err = m.Submit(context.Background(), o.ID)
	assert.ErrorIs(t, err, model.ErrValidation)
	assert.Zero(t, prov.addCalls)
}

// unstoredSubmitStore передаёт заказ поставщику, но не может сохранить внешний идентификатор.
type unstoredSubmitStore struct {
	*memStore
}

var errStoreDown = errors.New("connection reset")

func (s unstoredSubmitStore) SubmitOrder(ctx context.Context, orderID uuid.UUID, place repository.PlaceFunc) (*model.Order, bool, error) {
	o, err := s.GetOrder(ctx, orderID)
	if err != nil {
		return nil, false, err
	}
	if _, err := place(ctx, *o); err != nil {
		return nil, false, err
	}
	return nil, false, errStoreDown
}

func TestSubmitLogsUnstoredExternalID(t *testing.T) {
	store := newMemStore()
	store.addService(followersEntry())
	store.credit(alice.ID, "20")
	prov := newFakeProvider()
	core, logs := observer.New(zapcore.ErrorLevel)
	m := NewOrderManager(unstoredSubmitStore{store}, prov, Options{Logger: zap.New(core)})

	o, err := m.CreateOrder(context.Background(), alice.ID, 1, testLink, 1000)
	require.NoError(t, err)
	_, err = store.FundOrderWithCredits(context.Background(), o.ID, "test")
	require.NoError(t, err)

	_, err = m.Submit(context.Background(), o.ID)
	require.ErrorIs(t, err, errStoreDown)
	assert.Contains(t, err.Error(), "1001")

	entries := logs.FilterMessage("order placed with provider but not stored").All()
	require.Len(t, entries, 1)
	assert.Equal(t, "1001", entries[0].ContextMap()["external_order_id"])
	assert.Equal(t, o.ID.String(), entries[0].ContextMap()["order_id"])
}

func TestSubmitProviderFailureIsNotUnstored(t *testing.T) {
	store, prov, _, _ := newOrderFixture(t)
	store.credit(alice.ID, "20")
	prov.addErr = errors.New("provider down")
	core, logs := observer.New(zapcore.ErrorLevel)
	m := NewOrderManager(store, prov, Options{Logger: zap.New(core)})

	o, err := m.CreateOrder(context.Background(), alice.ID, 1, testLink, 1000)
	require.NoError(t, err)
	_, err = store.FundOrderWithCredits(context.Background(), o.ID, "test")
	require.NoError(t, err)

	_, err = m.Submit(context.Background(), o.ID)
	require.Error(t, err)
	assert.Zero(t, logs.Len())
}

func TestGetOrderOwnership(t *testing.T) {
	_, _, m, _ := newOrderFixture(t)

	o, err := m.CreateOrder(context.Background(), alice.ID, 1, testLink, 1000)
	require.NoError(t, err)

	_, err = m.Get(context.Background(), bob, o.ID)
	assert.ErrorIs(t, err, ErrNotOwner)
	assert.ErrorIs(t, err, model.ErrForbidden)

	got, err := m.Get(context.Background(), admin, o.ID)
	require.NoError(t, err)
	assert.Equal(t, o.ID, got.ID)

	_, err = m.Get(context.Background(), alice, uuid.New())
	assert.ErrorIs(t, err, model.ErrNotFound)
}

func TestSyncStatus(t *testing.T) {
	store, prov, m, notifier := newOrderFixture(t)
	store.credit(alice.ID, "20")

	pending, err := m.CreateOrder(context.Background(), alice.ID, 1, testLink, 1000)
	require.NoError(t, err)
	_, err = m.SyncStatus(context.Background(), alice, pending.ID)
	assert.ErrorIs(t, err, ErrOrderNotSubmitted)

	o, err := m.PlaceCreditOrder(context.Background(), alice, 1, testLink, 1000)
	require.NoError(t, err)

	prov.setStatus(o.ExternalOrderID, "In progress")
	synced, err := m.SyncStatus(context.Background(), alice, o.ID)
	require.NoError(t, err)
	assert.Equal(t, model.OrderStatusProcessing, synced.Status)

	prov.setStatus(o.ExternalOrderID, "Completed")
	synced, err = m.SyncStatus(context.Background(), alice, o.ID)
	require.NoError(t, err)
	assert.Equal(t, model.OrderStatusCompleted, synced.Status)

	calls := prov.statusCalls
	prov.setStatus(o.ExternalOrderID, "Canceled")
	synced, err = m.SyncStatus(context.Background(), alice, o.ID)
	require.NoError(t, err)
	assert.Equal(t, model.OrderStatusCompleted, synced.Status, "terminal status never changes")
	assert.Equal(t, calls, prov.statusCalls)

	assert.Equal(t, []model.NotificationType{
		model.NotifyOrderSubmitted,
		model.NotifyOrderStatusChanged,
	}, notifier.types())
}

func TestSyncAll(t *testing.T) {
	store, prov, m, _ := newOrderFixture(t)
	store.credit(alice.ID, "20")

	var orders []*model.Order
	for range 3 {
		o, err := m.PlaceCreditOrder(context.Background(), alice, 1, testLink, 1000)
		require.NoError(t, err)
		orders = append(orders, o)
	}

	prov.setStatus(orders[0].ExternalOrderID, "Completed")
	prov.setStatus(orders[1].ExternalOrderID, "Canceled")
	prov.batchOmit[orders[1].ExternalOrderID] = true

	report, err := m.SyncAll(context.Background())
	require.NoError(t, err)
	assert.Equal(t, SyncReport{Checked: 3, Updated: 2, Failed: 1}, *report)

	first, _ := store.GetOrder(context.Background(), orders[0].ID)
	assert.Equal(t, model.OrderStatusCompleted, first.Status)
	second, _ := store.GetOrder(context.Background(), orders[1].ID)
	assert.Equal(t, model.OrderStatusCanceled, second.Status)
	third, _ := store.GetOrder(context.Background(), orders[2].ID)
	assert.Equal(t, model.OrderStatusProcessing, third.Status)
}

func TestSyncAllBatchUnavailable(t *testing.T) {
	store, prov, m, _ := newOrderFixture(t)
	store.credit(alice.ID, "20")

	o, err := m.PlaceCreditOrder(context.Background(), alice, 1, testLink, 1000)
	require.NoError(t, err)

	prov.statusesErr = provider.ErrUnavailable
	prov.setStatus(o.ExternalOrderID, "Partial")

	report, err := m.SyncAll(context.Background())
	require.NoError(t, err)
	assert.Equal(t, SyncReport{Checked: 1, Updated: 1}, *report)

	stored, _ := store.GetOrder(context.Background(), o.ID)
	assert.Equal(t, model.OrderStatusCompleted, stored.Status)
}
