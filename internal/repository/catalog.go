package repository

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/mmeshcher/smmpanel/internal/model"
	"github.com/shopspring/decimal"
)

const markupSettingKey = "markup_percent"

// pricingLockKey — ключ advisory-блокировки цен каталога. SetMarkup берёт её монопольно,
// UpsertService разделяемо, поэтому синхронизация не записывает цены по устаревшей наценке.
const pricingLockKey int64 = 7_305_284_101

const serviceColumns = `service_id, name, category, type, min_quantity, max_quantity,
	original_rate, rate, dripfeed, refill, description, active, updated_at`

func scanService(row pgx.Row) (*model.CatalogEntry, error) {
	var e model.CatalogEntry
	err := row.Scan(&e.ServiceID, &e.Name, &e.Category, &e.Type, &e.Min, &e.Max,
		&e.OriginalRate, &e.Rate, &e.Dripfeed, &e.Refill, &e.Description, &e.Active, &e.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return &e, nil
}

// GetMarkup возвращает глобальную наценку в процентах и версию настройки.
func (r *PostgresRepository) GetMarkup(ctx context.Context) (decimal.Decimal, int64, error) {
	var (
		value   string
		version int64
	)
	err := r.pool.QueryRow(ctx,
		`SELECT value, version FROM settings WHERE key = $1`,
		markupSettingKey,
	).Scan(&value, &version)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return decimal.Zero, 0, ErrSettingNotFound
		}
		return decimal.Zero, 0, fmt.Errorf("get markup: %w", err)
	}

	pct, err := decimal.NewFromString(value)
	if err != nil {
		return decimal.Zero, 0, fmt.Errorf("parse markup %q: %w", value, err)
	}
	return pct, version, nil
}

// SetMarkup сохраняет новую наценку и пересчитывает розничные цены всех услуг в одной транзакции,
// поэтому читатели видят либо старую, либо новую таблицу цен целиком.
func (r *PostgresRepository) SetMarkup(ctx context.Context, pct decimal.Decimal) (int64, int, error) {
	var (
		version int64
		updated int
	)

	err := r.inTx(ctx, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock($1)`, pricingLockKey); err != nil {
			return fmt.Errorf("lock pricing: %w", err)
		}

		err := tx.QueryRow(ctx,
			`INSERT INTO settings (key, value) VALUES ($1, $2)
			 ON CONFLICT (key) DO UPDATE
			 SET value = EXCLUDED.value, version = settings.version + 1, updated_at = NOW()
			 RETURNING version`,
			markupSettingKey, pct.String(),
		).Scan(&version)
		if err != nil {
			return fmt.Errorf("save markup: %w", err)
		}

		rows, err := tx.Query(ctx, `SELECT service_id, original_rate FROM services FOR UPDATE`)
		if err != nil {
			return fmt.Errorf("select services: %w", err)
		}

		batch := &pgx.Batch{}
		for rows.Next() {
			var (
				id       int64
				original decimal.Decimal
			)
			if err := rows.Scan(&id, &original); err != nil {
				rows.Close()
				return fmt.Errorf("scan service: %w", err)
			}
			batch.Queue(`UPDATE services SET rate = $2, updated_at = NOW() WHERE service_id = $1`,
				id, model.PriceWithMarkup(original, pct))
		}
		rows.Close()
		if err := rows.Err(); err != nil {
			return fmt.Errorf("rows error: %w", err)
		}

		updated = batch.Len()
		if updated == 0 {
			return nil
		}

		if err := tx.SendBatch(ctx, batch).Close(); err != nil {
			return fmt.Errorf("reprice services: %w", err)
		}
		return nil
	})
	if err != nil {
		return 0, 0, err
	}

	return version, updated, nil
}

// UpsertService создаёт или обновляет услугу по идентификатору поставщика.
// Описание, заданное администратором, сохраняется; услуга снова становится активной.
// Если наценка уже сохранена, розничная цена пересчитывается по ней внутри транзакции;
// e.Rate используется только пока настройка не задана.
func (r *PostgresRepository) UpsertService(ctx context.Context, e model.CatalogEntry) (bool, error) {
	var inserted bool
	err := r.inTx(ctx, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock_shared($1)`, pricingLockKey); err != nil {
			return fmt.Errorf("lock pricing: %w", err)
		}

		var value string
		err := tx.QueryRow(ctx, `SELECT value FROM settings WHERE key = $1`, markupSettingKey).Scan(&value)
		switch {
		case err == nil:
			pct, err := decimal.NewFromString(value)
			if err != nil {
				return fmt.Errorf("parse markup %q: %w", value, err)
			}
			e.Rate = model.PriceWithMarkup(e.OriginalRate, pct)
		case !errors.Is(err, pgx.ErrNoRows):
			return fmt.Errorf("get markup: %w", err)
		}

		err = tx.QueryRow(ctx,
			`INSERT INTO services (service_id, name, category, type, min_quantity, max_quantity,
			                       original_rate, rate, dripfeed, refill, active)
			 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, TRUE)
			 ON CONFLICT (service_id) DO UPDATE
			 SET name = EXCLUDED.name,
			     category = EXCLUDED.category,
			     type = EXCLUDED.type,
			     min_quantity = EXCLUDED.min_quantity,
			     max_quantity = EXCLUDED.max_quantity,
			     original_rate = EXCLUDED.original_rate,
			     rate = EXCLUDED.rate,
			     dripfeed = EXCLUDED.dripfeed,
			     refill = EXCLUDED.refill,
			     active = TRUE,
			     updated_at = NOW()
			 RETURNING (xmax = 0)`,
			e.ServiceID, e.Name, e.Category, e.Type, e.Min, e.Max,
			e.OriginalRate, e.Rate, e.Dripfeed, e.Refill,
		).Scan(&inserted)
		if err != nil {
			return fmt.Errorf("upsert service %d: %w", e.ServiceID, err)
		}
		return nil
	})
	if err != nil {
		return false, err
	}
	return inserted, nil
}

// DeactivateMissingServices помечает неактивными услуги, отсутствующие в последнем ответе поставщика.
func (r *PostgresRepository) DeactivateMissingServices(ctx context.Context, seen []int64) (int64, error) {
	tag, err := r.pool.Exec(ctx,
		`UPDATE services SET active = FALSE, updated_at = NOW()
		 WHERE active AND NOT (service_id = ANY($1))`,
		seen,
	)
	if err != nil {
		return 0, fmt.Errorf("deactivate services: %w", err)
	}
	return tag.RowsAffected(), nil
}

// GetService возвращает услугу каталога по идентификатору поставщика.
func (r *PostgresRepository) GetService(ctx context.Context, serviceID int64) (*model.CatalogEntry, error) {
	e, err := scanService(r.pool.QueryRow(ctx,
		`SELECT `+serviceColumns+` FROM services WHERE service_id = $1`,
		serviceID,
	))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("%w: %d", ErrServiceNotFound, serviceID)
		}
		return nil, fmt.Errorf("get service: %w", err)
	}
	return e, nil
}

// ListServices возвращает услуги каталога, упорядоченные по категории.
func (r *PostgresRepository) ListServices(ctx context.Context, includeInactive bool) ([]model.CatalogEntry, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT `+serviceColumns+` FROM services
		 WHERE active OR $1
		 ORDER BY category, service_id`,
		includeInactive,
	)
	if err != nil {
		return nil, fmt.Errorf("select services: %w", err)
	}
	defer rows.Close()

	var res []model.CatalogEntry
	for rows.Next() {
		e, err := scanService(rows)
		if err != nil {
			return nil, fmt.Errorf("scan service: %w", err)
		}
		res = append(res, *e)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}

	return res, nil
}

// SetServiceDescription задаёт описание услуги, которое не перезаписывается синхронизацией.
func (r *PostgresRepository) SetServiceDescription(ctx context.Context, serviceID int64, text string) error {
	tag, err := r.pool.Exec(ctx,
		`UPDATE services SET description = $2, updated_at = NOW() WHERE service_id = $1`,
		serviceID, text,
	)
	if err != nil {
		return fmt.Errorf("update description: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: %d", ErrServiceNotFound, serviceID)
	}
	return nil
}
