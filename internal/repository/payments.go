package repository

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/mmeshcher/smmpanel/internal/model"
)

const paymentColumns = `id, user_id, order_id, amount, currency, method, status,
	external_ref, external_transaction_id, provider_status, created_at, updated_at`

func scanPayment(row pgx.Row) (*model.Payment, error) {
	var (
		p      model.Payment
		status string
		ref    *string
		txID   *string
	)
	err := row.Scan(&p.ID, &p.UserID, &p.OrderID, &p.Amount, &p.Currency, &p.Method, &status,
		&ref, &txID, &p.ProviderStatus, &p.CreatedAt, &p.UpdatedAt)
	if err != nil {
		return nil, err
	}
	p.Status = model.PaymentStatus(status)
	p.ExternalRef = derefString(ref)
	p.ExternalTransactionID = derefString(txID)
	return &p, nil
}

func paymentNotFound(err error, what any) error {
	if errors.Is(err, pgx.ErrNoRows) {
		return fmt.Errorf("%w: %v", ErrPaymentNotFound, what)
	}
	return fmt.Errorf("get payment: %w", err)
}

func lockPayment(ctx context.Context, tx pgx.Tx, id uuid.UUID) (*model.Payment, error) {
	p, err := scanPayment(tx.QueryRow(ctx,
		`SELECT `+paymentColumns+` FROM payments WHERE id = $1 FOR UPDATE`,
		id,
	))
	if err != nil {
		return nil, paymentNotFound(err, id)
	}
	return p, nil
}

// CreatePayment сохраняет новый платёж в статусе pending.
// Платёж за заказ открывается только для неоплаченного pending-заказа без другого незавершённого платежа.
func (r *PostgresRepository) CreatePayment(ctx context.Context, p *model.Payment) error {
	return r.inTx(ctx, func(tx pgx.Tx) error {
		if err := ensureUser(ctx, tx, p.UserID); err != nil {
			return err
		}

		if p.OrderID != nil {
			o, err := lockOrder(ctx, tx, *p.OrderID)
			if err != nil {
				return err
			}
			switch {
			case o.Funded():
				return fmt.Errorf("%w: %s", ErrOrderAlreadyFunded, o.ID)
			case o.Status != model.OrderStatusPending:
				return fmt.Errorf("%w: %s is %s", ErrOrderNotPending, o.ID, o.Status)
			}
		}

		err := tx.QueryRow(ctx,
			`INSERT INTO payments (id, user_id, order_id, amount, currency, method, status, external_ref)
			 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
			 RETURNING created_at, updated_at`,
			p.ID, p.UserID, p.OrderID, p.Amount, p.Currency, p.Method, string(p.Status), nullString(p.ExternalRef),
		).Scan(&p.CreatedAt, &p.UpdatedAt)
		if err != nil {
			if isUniqueViolation(err) && p.OrderID != nil {
				return fmt.Errorf("%w: %s", ErrOrderPaymentPending, *p.OrderID)
			}
			return fmt.Errorf("insert payment: %w", err)
		}
		return nil
	})
}

// GetPayment возвращает платёж по идентификатору.
func (r *PostgresRepository) GetPayment(ctx context.Context, id uuid.UUID) (*model.Payment, error) {
	p, err := scanPayment(r.pool.QueryRow(ctx,
		`SELECT `+paymentColumns+` FROM payments WHERE id = $1`,
		id,
	))
	if err != nil {
		return nil, paymentNotFound(err, id)
	}
	return p, nil
}

// FindPaymentByExternalRef ищет платёж по идентификатору сессии платёжной системы.
func (r *PostgresRepository) FindPaymentByExternalRef(ctx context.Context, method, ref string) (*model.Payment, error) {
	p, err := scanPayment(r.pool.QueryRow(ctx,
		`SELECT `+paymentColumns+` FROM payments
		 WHERE method = $1 AND external_ref = $2
		 ORDER BY created_at DESC
		 LIMIT 1`,
		method, ref,
	))
	if err != nil {
		return nil, paymentNotFound(err, method+"/"+ref)
	}
	return p, nil
}

// SetPaymentExternalRef сохраняет идентификатор сессии, выданный платёжной системой.
func (r *PostgresRepository) SetPaymentExternalRef(ctx context.Context, id uuid.UUID, ref string) error {
	tag, err := r.pool.Exec(ctx,
		`UPDATE payments SET external_ref = $2, updated_at = NOW() WHERE id = $1`,
		id, ref,
	)
	if err != nil {
		return fmt.Errorf("update external ref: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: %s", ErrPaymentNotFound, id)
	}
	return nil
}

// SetPaymentProviderStatus сохраняет последний статус, сообщённый платёжной системой.
// Статус самого платежа при этом не меняется.
func (r *PostgresRepository) SetPaymentProviderStatus(ctx context.Context, id uuid.UUID, status string) error {
	tag, err := r.pool.Exec(ctx,
		`UPDATE payments SET provider_status = $2, updated_at = NOW() WHERE id = $1`,
		id, status,
	)
	if err != nil {
		return fmt.Errorf("update provider status: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: %s", ErrPaymentNotFound, id)
	}
	return nil
}

// CompletePayment переводит платёж в completed ровно один раз.
//
// Платёж блокируется; завершить можно только pending-платёж, и только если никакой другой
// платёж ещё не завершён той же внешней транзакцией. Для оплаты заказа отмечается источник оплаты заказа.
// Для покупки кредитов, а также для заказа, который к этому моменту уже оплачен, в той же транзакции
// добавляется запись purchase в журнал.
// При повторе возвращается сохранённый платёж вместе с ErrPaymentAlreadyCompleted.
func (r *PostgresRepository) CompletePayment(ctx context.Context, id uuid.UUID, externalTxID, description string) (*model.Payment, error) {
	var res *model.Payment
	err := r.inTx(ctx, func(tx pgx.Tx) error {
		p, err := lockPayment(ctx, tx, id)
		if err != nil {
			return err
		}

		switch p.Status {
		case model.PaymentStatusCompleted:
			res = p
			return ErrPaymentAlreadyCompleted
		case model.PaymentStatusPending:
		default:
			return fmt.Errorf("%w: %s is %s", ErrPaymentNotPending, p.ID, p.Status)
		}

		var other uuid.UUID
		err = tx.QueryRow(ctx,
			`SELECT id FROM payments WHERE external_transaction_id = $1 AND status = $2`,
			externalTxID, string(model.PaymentStatusCompleted),
		).Scan(&other)
		switch {
		case err == nil:
			return fmt.Errorf("%w: %s completed payment %s", ErrTransactionAlreadyUsed, externalTxID, other)
		case !errors.Is(err, pgx.ErrNoRows):
			return fmt.Errorf("check transaction id: %w", err)
		}

		err = tx.QueryRow(ctx,
			`UPDATE payments SET status = $2, external_transaction_id = $3, updated_at = NOW()
			 WHERE id = $1
			 RETURNING updated_at`,
			p.ID, string(model.PaymentStatusCompleted), externalTxID,
		).Scan(&p.UpdatedAt)
		if err != nil {
			if isUniqueViolation(err) {
				return fmt.Errorf("%w: %s", ErrTransactionAlreadyUsed, externalTxID)
			}
			return fmt.Errorf("complete payment: %w", err)
		}
		p.Status = model.PaymentStatusCompleted
		p.ExternalTransactionID = externalTxID

		if p.OrderID != nil {
			o, err := lockOrder(ctx, tx, *p.OrderID)
			if err != nil {
				return err
			}
			if o.Funded() || o.Status != model.OrderStatusPending {
				// Заказ уже оплачен другим способом, поступившие деньги уходят на баланс.
				description = fmt.Sprintf("Payment %s for already funded order %s", p.ID, o.ID)
			} else {
				_, err = tx.Exec(ctx,
					`UPDATE orders SET funding_source = $2, updated_at = NOW() WHERE id = $1`,
					o.ID, string(model.FundingPayment),
				)
				if err != nil {
					return fmt.Errorf("mark order funded: %w", err)
				}
				res = p
				return nil
			}
		}

		if err := ensureUser(ctx, tx, p.UserID); err != nil {
			return err
		}
		_, _, err = insertCredit(ctx, tx, model.LedgerEntry{
			ID:           uuid.New(),
			UserID:       p.UserID,
			Amount:       p.Amount,
			Kind:         model.EntryPurchase,
			ExternalTxID: externalTxID,
			Description:  description,
		})
		if err != nil {
			return err
		}

		res = p
		return nil
	})
	if err != nil {
		if errors.Is(err, ErrPaymentAlreadyCompleted) {
			return res, err
		}
		return nil, err
	}
	return res, nil
}

// FailPayment переводит pending-платёж в failed.
func (r *PostgresRepository) FailPayment(ctx context.Context, id uuid.UUID, providerStatus string) (*model.Payment, error) {
	var res *model.Payment
	err := r.inTx(ctx, func(tx pgx.Tx) error {
		p, err := lockPayment(ctx, tx, id)
		if err != nil {
			return err
		}

		switch p.Status {
		case model.PaymentStatusCompleted:
			return ErrPaymentAlreadyCompleted
		case model.PaymentStatusFailed:
			res = p
			return nil
		}

		err = tx.QueryRow(ctx,
			`UPDATE payments SET status = $2, provider_status = $3, updated_at = NOW()
			 WHERE id = $1
			 RETURNING updated_at`,
			p.ID, string(model.PaymentStatusFailed), providerStatus,
		).Scan(&p.UpdatedAt)
		if err != nil {
			return fmt.Errorf("fail payment: %w", err)
		}

		p.Status = model.PaymentStatusFailed
		p.ProviderStatus = providerStatus
		res = p
		return nil
	})
	if err != nil {
		return nil, err
	}
	return res, nil
}

// ListPayments возвращает последние платежи всех пользователей.
func (r *PostgresRepository) ListPayments(ctx context.Context, limit int) ([]model.Payment, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT `+paymentColumns+` FROM payments ORDER BY created_at DESC LIMIT $1`,
		limit,
	)
	if err != nil {
		return nil, fmt.Errorf("select payments: %w", err)
	}
	defer rows.Close()

	var res []model.Payment
	for rows.Next() {
		p, err := scanPayment(rows)
		if err != nil {
			return nil, fmt.Errorf("scan payment: %w", err)
		}
		res = append(res, *p)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}

	return res, nil
}

// RecordPaymentEvent сохраняет проверенное событие платёжной системы.
// Для повторно доставленного события возвращается ранее сохранённая запись и false.
func (r *PostgresRepository) RecordPaymentEvent(ctx context.Context, ev model.PaymentEventRecord) (*model.PaymentEventRecord, bool, error) {
	rec := ev
	err := r.pool.QueryRow(ctx,
		`INSERT INTO payment_events (processor, event_id, payment_id, status, payload)
		 VALUES ($1, $2, $3, $4, $5)
		 ON CONFLICT (processor, event_id) DO NOTHING
		 RETURNING id, received_at`,
		ev.Processor, ev.EventID, ev.PaymentID, ev.Status, ev.Payload,
	).Scan(&rec.ID, &rec.ReceivedAt)
	if err == nil {
		return &rec, true, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return nil, false, fmt.Errorf("insert payment event: %w", err)
	}

	var existing model.PaymentEventRecord
	err = r.pool.QueryRow(ctx,
		`SELECT id, processor, event_id, payment_id, status, payload, received_at, processed_at
		 FROM payment_events
		 WHERE processor = $1 AND event_id = $2`,
		ev.Processor, ev.EventID,
	).Scan(&existing.ID, &existing.Processor, &existing.EventID, &existing.PaymentID,
		&existing.Status, &existing.Payload, &existing.ReceivedAt, &existing.ProcessedAt)
	if err != nil {
		return nil, false, fmt.Errorf("select payment event: %w", err)
	}
	return &existing, false, nil
}

// MarkPaymentEventProcessed отмечает событие как обработанное.
func (r *PostgresRepository) MarkPaymentEventProcessed(ctx context.Context, eventID int64) error {
	_, err := r.pool.Exec(ctx,
		`UPDATE payment_events SET processed_at = NOW() WHERE id = $1 AND processed_at IS NULL`,
		eventID,
	)
	if err != nil {
		return fmt.Errorf("mark event processed: %w", err)
	}
	return nil
}
