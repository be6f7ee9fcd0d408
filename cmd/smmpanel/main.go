// Package main запускает HTTP-сервер SMM-панели.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/mmeshcher/smmpanel/internal/app"
	"github.com/mmeshcher/smmpanel/internal/config"
	"github.com/mmeshcher/smmpanel/internal/handler"
	"github.com/mmeshcher/smmpanel/internal/middleware"
)

func main() {
	logger, _ := zap.NewProduction()
	defer logger.Sync()

	sugar := logger.Sugar()

	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		sugar.Warnw("failed to load .env", "error", err.Error())
	}

	cfg, err := config.Parse()
	if err != nil {
		sugar.Fatalw("configuration error", "error", err.Error())
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	a, err := app.New(ctx, cfg, logger, registry)
	if err != nil {
		sugar.Fatalw("initialization error", "error", err.Error())
	}
	defer a.Close()

	if cfg.JWTSecret == "" {
		sugar.Warn("AUTH_JWT_SECRET is empty, issued tokens will not be accepted")
	}
	authMiddleware := middleware.NewAuthMiddleware(cfg.JWTSecret, logger)
	rateLimiter := middleware.NewRateLimiter(a.Redis, cfg.RateLimit.RPS, cfg.RateLimit.Burst, logger)

	h := handler.NewHandler(handler.Services{
		Catalog:  a.Catalog,
		Ledger:   a.Ledger,
		Orders:   a.Orders,
		Payments: a.Payments,
		DB:       a.Repo,
	}, logger, authMiddleware, rateLimiter, registry)

	server := &http.Server{
		Addr:              cfg.RunAddress,
		Handler:           h.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, ctx := errgroup.WithContext(ctx)

	// Фоновая синхронизация статусов и дозапись неотправленных заказов
	g.Go(func() error {
		return a.Orders.RunSync(ctx, cfg.SyncInterval)
	})

	g.Go(func() error {
		sugar.Infow("starting smm panel server", "addr", cfg.RunAddress, "payment_methods", a.Payments.Methods())
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return fmt.Errorf("server error: %w", err)
		}
		return nil
	})

	// Graceful shutdown при отмене контекста (сигнал или ошибка в другой горутине)
	g.Go(func() error {
		<-ctx.Done()
		sugar.Info("shutting down server...")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		if err := server.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("server shutdown error: %w", err)
		}
		sugar.Info("server stopped gracefully")
		return nil
	})

	if err := g.Wait(); err != nil {
		sugar.Fatalw("application terminated with error", "error", err)
	}
}
