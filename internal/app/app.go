// Package app собирает компоненты панели из конфигурации. Используется сервером и утилитой smmctl.
package app

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/mmeshcher/smmpanel/internal/config"
	"github.com/mmeshcher/smmpanel/internal/lock"
	"github.com/mmeshcher/smmpanel/internal/metrics"
	"github.com/mmeshcher/smmpanel/internal/notify"
	"github.com/mmeshcher/smmpanel/internal/payment"
	"github.com/mmeshcher/smmpanel/internal/payment/binance"
	"github.com/mmeshcher/smmpanel/internal/payment/nowpayments"
	"github.com/mmeshcher/smmpanel/internal/payment/paypal"
	"github.com/mmeshcher/smmpanel/internal/provider"
	"github.com/mmeshcher/smmpanel/internal/repository"
	"github.com/mmeshcher/smmpanel/internal/service"
)

// App содержит собранные сервисы и ресурсы, которые нужно закрыть.
type App struct {
	Repo     *repository.PostgresRepository
	Redis    redis.UniversalClient
	Metrics  *metrics.Metrics
	Catalog  *service.Catalog
	Ledger   *service.Ledger
	Orders   *service.OrderManager
	Payments *service.Reconciler

	notifier *notify.KafkaNotifier
	logger   *zap.Logger
}

// New подключается к хранилищам и создаёт сервисы. Redis и Kafka необязательны:
// без Redis фоновые операции выполняются без распределённой блокировки, без Kafka уведомления не отправляются.
func New(ctx context.Context, cfg *config.Config, logger *zap.Logger, registerer prometheus.Registerer) (*App, error) {
	repo, err := repository.NewPostgresRepository(cfg.DatabaseURI)
	if err != nil {
		return nil, fmt.Errorf("database initialization: %w", err)
	}

	a := &App{
		Repo:    repo,
		Metrics: metrics.New(registerer),
		logger:  logger,
	}

	opts := service.Options{
		Logger:   logger,
		Metrics:  a.Metrics,
		Notifier: notify.Nop{},
	}

	if cfg.Redis.Enabled() {
		client := redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		pingCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
		err := client.Ping(pingCtx).Err()
		cancel()
		if err != nil {
			logger.Warn("redis unavailable, continuing without locks and rate limiting", zap.Error(err))
			_ = client.Close()
		} else {
			a.Redis = client
			opts.Locker = lock.NewLocker(client, "smm:lock:")
		}
	}

	if cfg.Kafka.Enabled() {
		a.notifier = notify.NewKafkaNotifier(cfg.Kafka.Brokers, cfg.Kafka.Topic, logger)
		opts.Notifier = a.notifier
	}

	prov := provider.NewClient(cfg.ProviderURL, cfg.ProviderAPIKey, cfg.GatewayTimeout)

	a.Catalog = service.NewCatalog(repo, prov, cfg.DefaultMarkup, opts)
	a.Ledger = service.NewLedger(repo, opts)
	a.Orders = service.NewOrderManager(repo, prov, opts)
	a.Payments = service.NewReconciler(repo, a.Orders, Gateways(cfg), service.ReconcilerConfig{
		Currency:          cfg.Currency,
		MinCreditPurchase: cfg.MinCreditPurchase,
		AppURL:            cfg.AppURL,
	}, opts)

	return a, nil
}

// Gateways создаёт реестр настроенных платёжных систем.
func Gateways(cfg *config.Config) *payment.Registry {
	var gateways []payment.Gateway
	if cfg.PayPal.Enabled() {
		gateways = append(gateways, paypal.New(paypal.Config{
			ClientID:     cfg.PayPal.ClientID,
			ClientSecret: cfg.PayPal.ClientSecret,
			WebhookID:    cfg.PayPal.WebhookID,
			BaseURL:      cfg.PayPal.BaseURL,
			Timeout:      cfg.GatewayTimeout,
		}))
	}
	if cfg.Binance.Enabled() {
		gateways = append(gateways, binance.New(binance.Config{
			APIKey:    cfg.Binance.APIKey,
			APISecret: cfg.Binance.APISecret,
			BaseURL:   cfg.Binance.BaseURL,
			Timeout:   cfg.GatewayTimeout,
		}))
	}
	if cfg.NOWPayments.Enabled() {
		gateways = append(gateways, nowpayments.New(nowpayments.Config{
			APIKey:    cfg.NOWPayments.APIKey,
			IPNSecret: cfg.NOWPayments.IPNSecret,
			BaseURL:   cfg.NOWPayments.BaseURL,
			Timeout:   cfg.GatewayTimeout,
		}))
	}
	return payment.NewRegistry(gateways...)
}

// Close освобождает соединения.
func (a *App) Close() error {
	var errs []error
	if a.notifier != nil {
		errs = append(errs, a.notifier.Close())
	}
	if a.Redis != nil {
		errs = append(errs, a.Redis.Close())
	}
	errs = append(errs, a.Repo.Close())
	return errors.Join(errs...)
}
