package repository

import (
	"context"
	"errors"
	"os"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/google/uuid"
	"github.com/jackc/pgerrcode"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/mmeshcher/smmpanel/internal/model"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestIsRetryable(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{name: "serialization failure", err: &pgconn.PgError{Code: pgerrcode.SerializationFailure}, want: true},
		{name: "deadlock", err: &pgconn.PgError{Code: pgerrcode.DeadlockDetected}, want: true},
		{name: "unique violation", err: &pgconn.PgError{Code: pgerrcode.UniqueViolation}, want: false},
		{name: "connection refused", err: errors.New("dial tcp: connection refused"), want: true},
		{name: "canceled", err: context.Canceled, want: false},
		{name: "domain error", err: ErrOrderNotFunded, want: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, isRetryable(tt.err))
		})
	}
}

func TestErrorKinds(t *testing.T) {
	assert.ErrorIs(t, ErrOrderNotFound, model.ErrNotFound)
	assert.ErrorIs(t, ErrServiceNotFound, model.ErrNotFound)
	assert.ErrorIs(t, ErrOrderNotFunded, model.ErrValidation)
	assert.ErrorIs(t, ErrOrderAlreadyFunded, model.ErrValidation)
	assert.ErrorIs(t, ErrOrderPaymentPending, model.ErrValidation)
	assert.ErrorIs(t, ErrPaymentAlreadyCompleted, model.ErrAlreadyDone)
	assert.ErrorIs(t, ErrTransactionAlreadyUsed, model.ErrAlreadyDone)
}

func newTestRepository(t *testing.T) *PostgresRepository {
	t.Helper()

	dsn := os.Getenv("TEST_DATABASE_URI")
	if dsn == "" {
		t.Skip("TEST_DATABASE_URI is not set")
	}

	repo, err := NewPostgresRepository(dsn)
	require.NoError(t, err)
	t.Cleanup(func() { _ = repo.Close() })
	return repo
}

func seedService(t *testing.T, repo *PostgresRepository, id int64) {
	t.Helper()

	_, err := repo.UpsertService(context.Background(), model.CatalogEntry{
		ServiceID:    id,
		Name:         "Instagram Followers",
		Category:     "Instagram",
		Min:          100,
		Max:          10000,
		OriginalRate: decimal.RequireFromString("1.00"),
		Rate:         decimal.RequireFromString("1.30"),
	})
	require.NoError(t, err)
}

func TestPostgresLedgerIntegration(t *testing.T) {
	repo := newTestRepository(t)
	ctx := context.Background()
	userID := "user-" + uuid.NewString()

	credit := model.LedgerEntry{
		ID:           uuid.New(),
		UserID:       userID,
		Amount:       decimal.NewFromInt(20),
		Kind:         model.EntryPurchase,
		ExternalTxID: "tx-" + uuid.NewString(),
	}

	_, created, err := repo.InsertCredit(ctx, credit)
	require.NoError(t, err)
	assert.True(t, created)

	credit.ID = uuid.New()
	_, created, err = repo.InsertCredit(ctx, credit)
	require.NoError(t, err)
	assert.False(t, created)

	balance, err := repo.LedgerBalance(ctx, userID)
	require.NoError(t, err)
	assert.True(t, balance.Equal(decimal.NewFromInt(20)))

	_, err = repo.InsertDebit(ctx, model.LedgerEntry{
		ID:     uuid.New(),
		UserID: userID,
		Amount: decimal.NewFromInt(25),
		Kind:   model.EntryRefund,
	})
	var ife *model.InsufficientFundsError
	require.ErrorAs(t, err, &ife)
	assert.True(t, ife.Balance.Equal(decimal.NewFromInt(20)))
}

func TestPostgresConcurrentDebitsIntegration(t *testing.T) {
	repo := newTestRepository(t)
	ctx := context.Background()
	userID := "user-" + uuid.NewString()

	_, _, err := repo.InsertCredit(ctx, model.LedgerEntry{
		ID:     uuid.New(),
		UserID: userID,
		Amount: decimal.NewFromInt(10),
		Kind:   model.EntryBonus,
	})
	require.NoError(t, err)

	var (
		wg        sync.WaitGroup
		succeeded atomic.Int32
	)
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := repo.InsertDebit(ctx, model.LedgerEntry{
				ID:     uuid.New(),
				UserID: userID,
				Amount: decimal.NewFromInt(4),
				Kind:   model.EntryRefund,
			})
			if err == nil {
				succeeded.Add(1)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(2), succeeded.Load())

	balance, err := repo.LedgerBalance(ctx, userID)
	require.NoError(t, err)
	assert.True(t, balance.Equal(decimal.NewFromInt(2)))
}

func TestPostgresOrderLifecycleIntegration(t *testing.T) {
	repo := newTestRepository(t)
	ctx := context.Background()
	userID := "user-" + uuid.NewString()
	seedService(t, repo, 9001)

	_, _, err := repo.InsertCredit(ctx, model.LedgerEntry{
		ID:     uuid.New(),
		UserID: userID,
		Amount: decimal.NewFromInt(20),
		Kind:   model.EntryBonus,
	})
	require.NoError(t, err)

	order := &model.Order{
		ID:        uuid.New(),
		UserID:    userID,
		ServiceID: 9001,
		Link:      "https://instagram.com/acme",
		Quantity:  5000,
		Amount:    decimal.RequireFromString("6.50"),
		Status:    model.OrderStatusPending,
	}
	require.NoError(t, repo.CreateOrder(ctx, order))

	_, _, err = repo.SubmitOrder(ctx, order.ID, func(context.Context, model.Order) (string, error) {
		return "never", nil
	})
	require.ErrorIs(t, err, ErrOrderNotFunded)

	funded, err := repo.FundOrderWithCredits(ctx, order.ID, "order")
	require.NoError(t, err)
	assert.Equal(t, model.FundingCredits, funded.FundingSource)

	_, err = repo.FundOrderWithCredits(ctx, order.ID, "order")
	require.NoError(t, err)

	balance, err := repo.LedgerBalance(ctx, userID)
	require.NoError(t, err)
	assert.True(t, balance.Equal(decimal.RequireFromString("13.50")))

	var calls atomic.Int32
	externalID := "ext-" + uuid.NewString()
	place := func(context.Context, model.Order) (string, error) {
		calls.Add(1)
		return externalID, nil
	}

	var wg sync.WaitGroup
	for i := 0; i < 3; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			o, _, err := repo.SubmitOrder(ctx, order.ID, place)
			assert.NoError(t, err)
			if o != nil {
				assert.Equal(t, externalID, o.ExternalOrderID)
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, int32(1), calls.Load())

	changed, err := repo.UpdateOrderStatus(ctx, order.ID, model.OrderStatusCompleted)
	require.NoError(t, err)
	assert.True(t, changed)

	changed, err = repo.UpdateOrderStatus(ctx, order.ID, model.OrderStatusProcessing)
	require.NoError(t, err)
	assert.False(t, changed)
}

func TestPostgresCompletePaymentIntegration(t *testing.T) {
	repo := newTestRepository(t)
	ctx := context.Background()
	userID := "user-" + uuid.NewString()
	txID := "tx-" + uuid.NewString()

	first := &model.Payment{
		ID:       uuid.New(),
		UserID:   userID,
		Amount:   decimal.NewFromInt(20),
		Currency: "USD",
		Method:   "paypal",
		Status:   model.PaymentStatusPending,
	}
	require.NoError(t, repo.CreatePayment(ctx, first))

	second := *first
	second.ID = uuid.New()
	require.NoError(t, repo.CreatePayment(ctx, &second))

	p, err := repo.CompletePayment(ctx, first.ID, txID, "credits")
	require.NoError(t, err)
	assert.Equal(t, model.PaymentStatusCompleted, p.Status)

	p, err = repo.CompletePayment(ctx, first.ID, txID, "credits")
	require.ErrorIs(t, err, ErrPaymentAlreadyCompleted)
	require.NotNil(t, p)
	assert.Equal(t, txID, p.ExternalTransactionID)

	_, err = repo.CompletePayment(ctx, second.ID, txID, "credits")
	require.ErrorIs(t, err, ErrTransactionAlreadyUsed)

	balance, err := repo.LedgerBalance(ctx, userID)
	require.NoError(t, err)
	assert.True(t, balance.Equal(decimal.NewFromInt(20)))

	rec, fresh, err := repo.RecordPaymentEvent(ctx, model.PaymentEventRecord{
		Processor: "paypal",
		EventID:   "evt-" + txID,
		PaymentID: &first.ID,
		Status:    "succeeded",
		Payload:   []byte(`{"id":"evt"}`),
	})
	require.NoError(t, err)
	assert.True(t, fresh)
	require.NoError(t, repo.MarkPaymentEventProcessed(ctx, rec.ID))

	again, fresh, err := repo.RecordPaymentEvent(ctx, model.PaymentEventRecord{
		Processor: "paypal",
		EventID:   "evt-" + txID,
		Payload:   []byte(`{"id":"evt"}`),
	})
	require.NoError(t, err)
	assert.False(t, fresh)
	assert.NotNil(t, again.ProcessedAt)
}

func TestPostgresOrderPaidTwiceIntegration(t *testing.T) {
	repo := newTestRepository(t)
	ctx := context.Background()
	userID := "user-" + uuid.NewString()
	seedService(t, repo, 9002)

	_, _, err := repo.InsertCredit(ctx, model.LedgerEntry{
		ID:     uuid.New(),
		UserID: userID,
		Amount: decimal.NewFromInt(20),
		Kind:   model.EntryBonus,
	})
	require.NoError(t, err)

	order := &model.Order{
		ID:        uuid.New(),
		UserID:    userID,
		ServiceID: 9002,
		Link:      "https://instagram.com/acme",
		Quantity:  5000,
		Amount:    decimal.RequireFromString("6.50"),
		Status:    model.OrderStatusPending,
	}
	require.NoError(t, repo.CreateOrder(ctx, order))

	newPayment := func() *model.Payment {
		return &model.Payment{
			ID:       uuid.New(),
			UserID:   userID,
			OrderID:  &order.ID,
			Amount:   order.Amount,
			Currency: "USD",
			Method:   "binance",
			Status:   model.PaymentStatusPending,
		}
	}

	pending := newPayment()
	require.NoError(t, repo.CreatePayment(ctx, pending))
	require.ErrorIs(t, repo.CreatePayment(ctx, newPayment()), ErrOrderPaymentPending)

	_, err = repo.FundOrderWithCredits(ctx, order.ID, "order")
	require.NoError(t, err)
	require.ErrorIs(t, repo.CreatePayment(ctx, newPayment()), ErrOrderAlreadyFunded)

	p, err := repo.CompletePayment(ctx, pending.ID, "tx-"+uuid.NewString(), "order payment")
	require.NoError(t, err)
	assert.Equal(t, model.PaymentStatusCompleted, p.Status)

	stored, err := repo.GetOrder(ctx, order.ID)
	require.NoError(t, err)
	assert.Equal(t, model.FundingCredits, stored.FundingSource)

	balance, err := repo.LedgerBalance(ctx, userID)
	require.NoError(t, err)
	assert.True(t, balance.Equal(decimal.NewFromInt(20)), "late payment is credited, got %s", balance)
}

func TestPostgresUpsertUsesStoredMarkupIntegration(t *testing.T) {
	repo := newTestRepository(t)
	ctx := context.Background()

	_, _, err := repo.SetMarkup(ctx, decimal.NewFromInt(50))
	require.NoError(t, err)

	// Цена посчитана по прежней наценке 30%.
	seedService(t, repo, 9003)

	e, err := repo.GetService(ctx, 9003)
	require.NoError(t, err)
	assert.Equal(t, "1.50", e.Rate.StringFixed(2))
}
