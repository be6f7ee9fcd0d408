package repository

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/mmeshcher/smmpanel/internal/model"
	"github.com/shopspring/decimal"
)

const ledgerColumns = `id, user_id, amount, kind, order_id, external_tx_id, description, created_at`

func scanLedgerEntry(row pgx.Row) (*model.LedgerEntry, error) {
	var (
		e    model.LedgerEntry
		kind string
		txID *string
	)
	if err := row.Scan(&e.ID, &e.UserID, &e.Amount, &kind, &e.OrderID, &txID, &e.Description, &e.CreatedAt); err != nil {
		return nil, err
	}
	e.Kind = model.EntryKind(kind)
	e.ExternalTxID = derefString(txID)
	return &e, nil
}

func ledgerBalance(ctx context.Context, q querier, userID string) (decimal.Decimal, error) {
	var balance decimal.Decimal
	err := q.QueryRow(ctx,
		`SELECT COALESCE(SUM(CASE WHEN kind IN ('purchase', 'bonus') THEN amount ELSE -amount END), 0)
		 FROM ledger_entries
		 WHERE user_id = $1`,
		userID,
	).Scan(&balance)
	if err != nil {
		return decimal.Zero, fmt.Errorf("sum ledger: %w", err)
	}
	return balance, nil
}

// LedgerBalance возвращает баланс пользователя как сумму всех записей журнала.
func (r *PostgresRepository) LedgerBalance(ctx context.Context, userID string) (decimal.Decimal, error) {
	return ledgerBalance(ctx, r.pool, userID)
}

// insertCredit вставляет пополнение. При повторе по externalTxID возвращает существующую запись и false.
func insertCredit(ctx context.Context, q querier, e model.LedgerEntry) (*model.LedgerEntry, bool, error) {
	created, err := scanLedgerEntry(q.QueryRow(ctx,
		`INSERT INTO ledger_entries (id, user_id, amount, kind, order_id, external_tx_id, description)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)
		 ON CONFLICT DO NOTHING
		 RETURNING `+ledgerColumns,
		e.ID, e.UserID, e.Amount, string(e.Kind), e.OrderID, nullString(e.ExternalTxID), e.Description,
	))
	if err == nil {
		return created, true, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return nil, false, fmt.Errorf("insert credit: %w", err)
	}

	existing, err := scanLedgerEntry(q.QueryRow(ctx,
		`SELECT `+ledgerColumns+` FROM ledger_entries
		 WHERE user_id = $1 AND kind = $2 AND external_tx_id = $3`,
		e.UserID, string(e.Kind), e.ExternalTxID,
	))
	if err != nil {
		return nil, false, fmt.Errorf("select existing credit: %w", err)
	}
	return existing, false, nil
}

// InsertCredit добавляет в журнал пополнение (purchase или bonus).
// Повторный вызов с тем же внешним идентификатором транзакции ничего не меняет.
func (r *PostgresRepository) InsertCredit(ctx context.Context, e model.LedgerEntry) (*model.LedgerEntry, bool, error) {
	if err := ensureUser(ctx, r.pool, e.UserID); err != nil {
		return nil, false, err
	}
	return insertCredit(ctx, r.pool, e)
}

// debit проверяет баланс и вставляет списание. Вызывающий обязан держать блокировку пользователя.
func debit(ctx context.Context, tx pgx.Tx, e model.LedgerEntry) (*model.LedgerEntry, error) {
	balance, err := ledgerBalance(ctx, tx, e.UserID)
	if err != nil {
		return nil, err
	}

	if balance.LessThan(e.Amount) {
		return nil, &model.InsufficientFundsError{Balance: balance, Required: e.Amount}
	}

	created, err := scanLedgerEntry(tx.QueryRow(ctx,
		`INSERT INTO ledger_entries (id, user_id, amount, kind, order_id, external_tx_id, description)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)
		 RETURNING `+ledgerColumns,
		e.ID, e.UserID, e.Amount, string(e.Kind), e.OrderID, nullString(e.ExternalTxID), e.Description,
	))
	if err != nil {
		if isUniqueViolation(err) {
			return nil, ErrDuplicateEntry
		}
		return nil, fmt.Errorf("insert debit: %w", err)
	}
	return created, nil
}

// InsertDebit добавляет в журнал списание (usage или refund), если баланс его покрывает.
// Проверка баланса и вставка выполняются под блокировкой строки пользователя.
func (r *PostgresRepository) InsertDebit(ctx context.Context, e model.LedgerEntry) (*model.LedgerEntry, error) {
	var created *model.LedgerEntry
	err := r.inTx(ctx, func(tx pgx.Tx) error {
		if err := lockUser(ctx, tx, e.UserID); err != nil {
			return err
		}

		var err error
		created, err = debit(ctx, tx, e)
		return err
	})
	if err != nil {
		return nil, err
	}
	return created, nil
}

// ListLedgerEntries возвращает последние записи журнала пользователя.
func (r *PostgresRepository) ListLedgerEntries(ctx context.Context, userID string, limit int) ([]model.LedgerEntry, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT `+ledgerColumns+` FROM ledger_entries
		 WHERE user_id = $1
		 ORDER BY created_at DESC
		 LIMIT $2`,
		userID, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("select ledger entries: %w", err)
	}
	defer rows.Close()

	var res []model.LedgerEntry
	for rows.Next() {
		e, err := scanLedgerEntry(rows)
		if err != nil {
			return nil, fmt.Errorf("scan ledger entry: %w", err)
		}
		res = append(res, *e)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}

	return res, nil
}
