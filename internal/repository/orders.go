package repository

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/mmeshcher/smmpanel/internal/model"
)

const orderColumns = `id, user_id, service_id, link, quantity, amount, status,
	funding_source, external_order_id, created_at, updated_at`

func scanOrder(row pgx.Row) (*model.Order, error) {
	var (
		o          model.Order
		status     string
		funding    string
		externalID *string
	)
	err := row.Scan(&o.ID, &o.UserID, &o.ServiceID, &o.Link, &o.Quantity, &o.Amount, &status,
		&funding, &externalID, &o.CreatedAt, &o.UpdatedAt)
	if err != nil {
		return nil, err
	}
	o.Status = model.OrderStatus(status)
	o.FundingSource = model.FundingSource(funding)
	o.ExternalOrderID = derefString(externalID)
	return &o, nil
}

func collectOrders(rows pgx.Rows) ([]model.Order, error) {
	defer rows.Close()

	var res []model.Order
	for rows.Next() {
		o, err := scanOrder(rows)
		if err != nil {
			return nil, fmt.Errorf("scan order: %w", err)
		}
		res = append(res, *o)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}

	return res, nil
}

func lockOrder(ctx context.Context, tx pgx.Tx, id uuid.UUID) (*model.Order, error) {
	o, err := scanOrder(tx.QueryRow(ctx,
		`SELECT `+orderColumns+` FROM orders WHERE id = $1 FOR UPDATE`,
		id,
	))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("%w: %s", ErrOrderNotFound, id)
		}
		return nil, fmt.Errorf("lock order: %w", err)
	}
	return o, nil
}

// CreateOrder сохраняет новый заказ.
func (r *PostgresRepository) CreateOrder(ctx context.Context, o *model.Order) error {
	return r.inTx(ctx, func(tx pgx.Tx) error {
		if err := ensureUser(ctx, tx, o.UserID); err != nil {
			return err
		}

		err := tx.QueryRow(ctx,
			`INSERT INTO orders (id, user_id, service_id, link, quantity, amount, status)
			 VALUES ($1, $2, $3, $4, $5, $6, $7)
			 RETURNING created_at, updated_at`,
			o.ID, o.UserID, o.ServiceID, o.Link, o.Quantity, o.Amount, string(o.Status),
		).Scan(&o.CreatedAt, &o.UpdatedAt)
		if err != nil {
			return fmt.Errorf("insert order: %w", err)
		}
		return nil
	})
}

// GetOrder возвращает заказ по идентификатору.
func (r *PostgresRepository) GetOrder(ctx context.Context, id uuid.UUID) (*model.Order, error) {
	o, err := scanOrder(r.pool.QueryRow(ctx,
		`SELECT `+orderColumns+` FROM orders WHERE id = $1`,
		id,
	))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("%w: %s", ErrOrderNotFound, id)
		}
		return nil, fmt.Errorf("get order: %w", err)
	}
	return o, nil
}

// ListOrdersByUser возвращает заказы пользователя, новые первыми.
func (r *PostgresRepository) ListOrdersByUser(ctx context.Context, userID string) ([]model.Order, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT `+orderColumns+` FROM orders
		 WHERE user_id = $1
		 ORDER BY created_at DESC`,
		userID,
	)
	if err != nil {
		return nil, fmt.Errorf("select orders: %w", err)
	}
	return collectOrders(rows)
}

// ListOrders возвращает последние заказы всех пользователей.
func (r *PostgresRepository) ListOrders(ctx context.Context, limit int) ([]model.Order, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT `+orderColumns+` FROM orders ORDER BY created_at DESC LIMIT $1`,
		limit,
	)
	if err != nil {
		return nil, fmt.Errorf("select orders: %w", err)
	}
	return collectOrders(rows)
}

// FundOrderWithCredits списывает стоимость заказа с баланса пользователя.
// Заказ и пользователь блокируются на время транзакции; повторная оплата возвращает заказ без списания.
func (r *PostgresRepository) FundOrderWithCredits(ctx context.Context, orderID uuid.UUID, description string) (*model.Order, error) {
	var res *model.Order
	err := r.inTx(ctx, func(tx pgx.Tx) error {
		o, err := lockOrder(ctx, tx, orderID)
		if err != nil {
			return err
		}

		if o.Funded() {
			res = o
			return nil
		}

		if o.Status != model.OrderStatusPending {
			return fmt.Errorf("%w: %s is %s", ErrOrderNotPending, o.ID, o.Status)
		}

		if err := lockUser(ctx, tx, o.UserID); err != nil {
			return err
		}

		_, err = debit(ctx, tx, model.LedgerEntry{
			ID:          uuid.New(),
			UserID:      o.UserID,
			Amount:      o.Amount,
			Kind:        model.EntryUsage,
			OrderID:     &o.ID,
			Description: description,
		})
		if err != nil {
			return err
		}

		err = tx.QueryRow(ctx,
			`UPDATE orders SET funding_source = $2, updated_at = NOW()
			 WHERE id = $1
			 RETURNING updated_at`,
			o.ID, string(model.FundingCredits),
		).Scan(&o.UpdatedAt)
		if err != nil {
			return fmt.Errorf("mark order funded: %w", err)
		}

		o.FundingSource = model.FundingCredits
		res = o
		return nil
	})
	if err != nil {
		return nil, err
	}
	return res, nil
}

// PlaceFunc передаёт заказ поставщику и возвращает внешний идентификатор.
type PlaceFunc func(ctx context.Context, o model.Order) (string, error)

// SubmitOrder передаёт заказ поставщику не более одного раза.
// Строка заказа остаётся заблокированной на время вызова place, поэтому параллельные попытки ждут
// и получают уже сохранённый внешний идентификатор. Второе значение сообщает, была ли отправка выполнена сейчас.
func (r *PostgresRepository) SubmitOrder(ctx context.Context, orderID uuid.UUID, place PlaceFunc) (*model.Order, bool, error) {
	var (
		res       *model.Order
		submitted bool
	)
	// Без повторов: place уже мог принять заказ у поставщика.
	err := r.runTx(ctx, func(tx pgx.Tx) error {
		o, err := lockOrder(ctx, tx, orderID)
		if err != nil {
			return err
		}

		if o.Submitted() {
			res = o
			return nil
		}

		if !o.Funded() {
			return fmt.Errorf("%w: %s", ErrOrderNotFunded, o.ID)
		}

		if o.Status != model.OrderStatusPending {
			return fmt.Errorf("%w: %s is %s", ErrOrderNotPending, o.ID, o.Status)
		}

		externalID, err := place(ctx, *o)
		if err != nil {
			return err
		}

		err = tx.QueryRow(ctx,
			`UPDATE orders SET external_order_id = $2, status = $3, updated_at = NOW()
			 WHERE id = $1
			 RETURNING updated_at`,
			o.ID, externalID, string(model.OrderStatusProcessing),
		).Scan(&o.UpdatedAt)
		if err != nil {
			return fmt.Errorf("store external order id %s: %w", externalID, err)
		}

		o.ExternalOrderID = externalID
		o.Status = model.OrderStatusProcessing
		res = o
		submitted = true
		return nil
	})
	if err != nil {
		return nil, false, err
	}
	return res, submitted, nil
}

// ListOrdersToSync возвращает незавершённые заказы, уже переданные поставщику.
func (r *PostgresRepository) ListOrdersToSync(ctx context.Context, limit int) ([]model.Order, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT `+orderColumns+` FROM orders
		 WHERE status IN ($1, $2) AND external_order_id IS NOT NULL
		 ORDER BY updated_at
		 LIMIT $3`,
		string(model.OrderStatusPending), string(model.OrderStatusProcessing), limit,
	)
	if err != nil {
		return nil, fmt.Errorf("select orders to sync: %w", err)
	}
	return collectOrders(rows)
}

// ListFundedUnsubmitted возвращает оплаченные заказы, которые ещё не удалось передать поставщику.
func (r *PostgresRepository) ListFundedUnsubmitted(ctx context.Context, limit int) ([]model.Order, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT `+orderColumns+` FROM orders
		 WHERE status = $1 AND funding_source <> '' AND external_order_id IS NULL
		 ORDER BY created_at
		 LIMIT $2`,
		string(model.OrderStatusPending), limit,
	)
	if err != nil {
		return nil, fmt.Errorf("select funded orders: %w", err)
	}
	return collectOrders(rows)
}

// UpdateOrderStatus меняет статус незавершённого заказа. Конечные статусы не перезаписываются.
func (r *PostgresRepository) UpdateOrderStatus(ctx context.Context, orderID uuid.UUID, status model.OrderStatus) (bool, error) {
	tag, err := r.pool.Exec(ctx,
		`UPDATE orders SET status = $2, updated_at = NOW()
		 WHERE id = $1 AND status IN ($3, $4) AND status <> $2`,
		orderID, string(status), string(model.OrderStatusPending), string(model.OrderStatusProcessing),
	)
	if err != nil {
		return false, fmt.Errorf("update order status: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}
