// Package repository содержит реализацию доступа к данным в PostgreSQL.
package repository

import (
	"context"
	"embed"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgerrcode"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/pgx/v5/stdlib"
	"github.com/mmeshcher/smmpanel/internal/model"
	"github.com/pressly/goose/v3"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// Ошибки репозитория. Каждая относится к одному из классов model.
var (
	// ErrServiceNotFound возвращается, если услуга каталога не найдена.
	ErrServiceNotFound = fmt.Errorf("service %w", model.ErrNotFound)
	// ErrOrderNotFound возвращается, если заказ не найден.
	ErrOrderNotFound = fmt.Errorf("order %w", model.ErrNotFound)
	// ErrPaymentNotFound возвращается, если платёж не найден.
	ErrPaymentNotFound = fmt.Errorf("payment %w", model.ErrNotFound)
	// ErrSettingNotFound возвращается, если настройка ещё не сохранялась.
	ErrSettingNotFound = fmt.Errorf("setting %w", model.ErrNotFound)

	// ErrOrderNotPending возвращается при попытке оплатить или отправить заказ не в статусе pending.
	ErrOrderNotPending = fmt.Errorf("order is not pending: %w", model.ErrValidation)
	// ErrOrderNotFunded возвращается при попытке отправить поставщику неоплаченный заказ.
	ErrOrderNotFunded = fmt.Errorf("order is not funded: %w", model.ErrValidation)
	// ErrOrderAlreadyFunded возвращается при попытке открыть платёж за уже оплаченный заказ.
	ErrOrderAlreadyFunded = fmt.Errorf("order is already funded: %w", model.ErrValidation)
	// ErrOrderPaymentPending возвращается, если у заказа уже есть незавершённый платёж.
	ErrOrderPaymentPending = fmt.Errorf("order already has a pending payment: %w", model.ErrValidation)
	// ErrPaymentNotPending возвращается при попытке завершить отклонённый платёж.
	ErrPaymentNotPending = fmt.Errorf("payment is not pending: %w", model.ErrValidation)

	// ErrPaymentAlreadyCompleted возвращается при повторном завершении платежа.
	ErrPaymentAlreadyCompleted = fmt.Errorf("payment already completed: %w", model.ErrAlreadyDone)
	// ErrTransactionAlreadyUsed возвращается, если транзакция уже завершила другой платёж.
	ErrTransactionAlreadyUsed = fmt.Errorf("external transaction already used: %w", model.ErrAlreadyDone)
	// ErrDuplicateEntry возвращается при повторном списании по тому же заказу.
	ErrDuplicateEntry = fmt.Errorf("ledger entry already exists: %w", model.ErrAlreadyDone)
)

// querier объединяет общие методы пула и транзакции.
type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// PostgresRepository предоставляет доступ к хранилищу данных в PostgreSQL.
type PostgresRepository struct {
	pool   *pgxpool.Pool
	delays []time.Duration
}

// NewPostgresRepository создаёт новый репозиторий и инициализирует схему БД через миграции.
func NewPostgresRepository(dsn string) (*PostgresRepository, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse pool config: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("create pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	r := &PostgresRepository{
		pool:   pool,
		delays: []time.Duration{100 * time.Millisecond, 500 * time.Millisecond, time.Second},
	}

	if err := r.runMigrations(ctx); err != nil {
		pool.Close()
		return nil, err
	}

	return r, nil
}

func (r *PostgresRepository) runMigrations(ctx context.Context) error {
	db := stdlib.OpenDBFromPool(r.pool)
	defer db.Close()

	goose.SetBaseFS(migrationsFS)

	if err := goose.SetDialect("postgres"); err != nil {
		return fmt.Errorf("set dialect: %w", err)
	}

	if err := goose.UpContext(ctx, db, "migrations"); err != nil {
		return fmt.Errorf("run migrations: %w", err)
	}

	return nil
}

// Ping проверяет доступность БД.
func (r *PostgresRepository) Ping(ctx context.Context) error {
	return r.pool.Ping(ctx)
}

// Close закрывает пул соединений с БД.
func (r *PostgresRepository) Close() error {
	r.pool.Close()
	return nil
}

// inTx выполняет fn в транзакции, повторяя её при конфликте сериализации, взаимной блокировке и обрыве соединения.
func (r *PostgresRepository) inTx(ctx context.Context, fn func(tx pgx.Tx) error) error {
	return r.withRetry(ctx, func() error {
		return r.runTx(ctx, fn)
	})
}

// runTx выполняет fn в транзакции без повторов.
func (r *PostgresRepository) runTx(ctx context.Context, fn func(tx pgx.Tx) error) error {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	if err := fn(tx); err != nil {
		return err
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}
	return nil
}

func (r *PostgresRepository) withRetry(ctx context.Context, fn func() error) error {
	var err error
	for i := 0; i <= len(r.delays); i++ {
		err = fn()
		if err == nil || !isRetryable(err) || i == len(r.delays) {
			return err
		}

		timer := time.NewTimer(r.delays[i])
		select {
		case <-ctx.Done():
			timer.Stop()
			return err
		case <-timer.C:
		}
	}
	return err
}

func isRetryable(err error) bool {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}

	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == pgerrcode.SerializationFailure || pgErr.Code == pgerrcode.DeadlockDetected
	}

	return isConnectionError(err)
}

func isConnectionError(err error) bool {
	// Упрощенная проверка на ошибки соединения
	return strings.Contains(err.Error(), "connection refused") ||
		strings.Contains(err.Error(), "broken pipe") ||
		strings.Contains(err.Error(), "connection reset by peer")
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == pgerrcode.UniqueViolation
}

// ensureUser регистрирует пользователя внешнего провайдера идентификации при первом обращении.
func ensureUser(ctx context.Context, q querier, userID string) error {
	_, err := q.Exec(ctx, `INSERT INTO users (id) VALUES ($1) ON CONFLICT (id) DO NOTHING`, userID)
	if err != nil {
		return fmt.Errorf("ensure user: %w", err)
	}
	return nil
}

// lockUser блокирует строку пользователя до конца транзакции, сериализуя списания.
func lockUser(ctx context.Context, tx pgx.Tx, userID string) error {
	if err := ensureUser(ctx, tx, userID); err != nil {
		return err
	}

	var dummy int
	err := tx.QueryRow(ctx, `SELECT 1 FROM users WHERE id = $1 FOR UPDATE`, userID).Scan(&dummy)
	if err != nil {
		return fmt.Errorf("lock user for update: %w", err)
	}
	return nil
}

func nullString(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func derefString(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
