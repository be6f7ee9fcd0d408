package service

import (
	"context"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/mmeshcher/smmpanel/internal/model"
)

const defaultHistoryLimit = 20

// Ledger — кредитный журнал пользователей. Баланс всегда вычисляется суммой записей.
type Ledger struct {
	store LedgerStore
	opts  Options
}

// NewLedger создаёт кредитный журнал.
func NewLedger(store LedgerStore, opts Options) *Ledger {
	return &Ledger{store: store, opts: opts.withDefaults()}
}

// Balance возвращает баланс и последние limit записей.
func (l *Ledger) Balance(ctx context.Context, userID string, limit int) (*model.Balance, error) {
	if limit <= 0 {
		limit = defaultHistoryLimit
	}

	balance, err := l.store.LedgerBalance(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("balance: %w", err)
	}

	entries, err := l.store.ListLedgerEntries(ctx, userID, limit)
	if err != nil {
		return nil, fmt.Errorf("ledger history: %w", err)
	}
	if entries == nil {
		entries = []model.LedgerEntry{}
	}

	return &model.Balance{Balance: balance, RecentTransactions: entries}, nil
}

// Credit начисляет кредиты. При непустом externalTxID повторное начисление возвращает существующую запись и false.
func (l *Ledger) Credit(ctx context.Context, userID string, amount decimal.Decimal, kind model.EntryKind, externalTxID, description string) (*model.LedgerEntry, bool, error) {
	if !kind.IsCredit() {
		return nil, false, fmt.Errorf("%w: %s", ErrInvalidEntryKind, kind)
	}
	if !model.IsValidAmount(amount) {
		return nil, false, fmt.Errorf("%w: %s", ErrInvalidAmount, amount)
	}

	e, created, err := l.store.InsertCredit(ctx, model.LedgerEntry{
		ID:           uuid.New(),
		UserID:       userID,
		Amount:       amount,
		Kind:         kind,
		ExternalTxID: strings.TrimSpace(externalTxID),
		Description:  description,
	})
	if err != nil {
		return nil, false, err
	}
	if created {
		l.opts.Metrics.LedgerEntry(string(kind))
	}
	return e, created, nil
}

// Debit списывает кредиты. Если баланса не хватает, возвращает *model.InsufficientFundsError.
func (l *Ledger) Debit(ctx context.Context, userID string, amount decimal.Decimal, kind model.EntryKind, orderID *uuid.UUID, description string) (*model.LedgerEntry, error) {
	if !kind.IsDebit() {
		return nil, fmt.Errorf("%w: %s", ErrInvalidEntryKind, kind)
	}
	if !model.IsValidAmount(amount) {
		return nil, fmt.Errorf("%w: %s", ErrInvalidAmount, amount)
	}

	e, err := l.store.InsertDebit(ctx, model.LedgerEntry{
		ID:          uuid.New(),
		UserID:      userID,
		Amount:      amount,
		Kind:        kind,
		OrderID:     orderID,
		Description: description,
	})
	if err != nil {
		return nil, err
	}
	l.opts.Metrics.LedgerEntry(string(kind))
	return e, nil
}

// Adjust выполняет ручную корректировку администратором: bonus начисляет, refund списывает.
func (l *Ledger) Adjust(ctx context.Context, admin model.User, userID string, amount decimal.Decimal, kind model.EntryKind, description string) (*model.LedgerEntry, error) {
	if description == "" {
		description = fmt.Sprintf("Manual %s by %s", kind, admin.ID)
	}

	var (
		e   *model.LedgerEntry
		err error
	)
	switch kind {
	case model.EntryBonus:
		e, _, err = l.Credit(ctx, userID, amount, kind, "", description)
	case model.EntryRefund:
		e, err = l.Debit(ctx, userID, amount, kind, nil, description)
	default:
		return nil, fmt.Errorf("%w: %s", ErrInvalidEntryKind, kind)
	}
	if err != nil {
		return nil, err
	}

	l.opts.Logger.Info("ledger adjusted",
		zap.String("admin_id", admin.ID),
		zap.String("user_id", userID),
		zap.String("kind", string(kind)),
		zap.String("amount", amount.StringFixed(2)),
	)
	return e, nil
}
