// Package main — утилита обслуживания SMM-панели: синхронизация каталога и заказов из cron или вручную.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/shopspring/decimal"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/mmeshcher/smmpanel/internal/app"
	"github.com/mmeshcher/smmpanel/internal/config"
)

var Version = "dev"

func main() {
	rootCmd := &cobra.Command{
		Use:          "smmctl",
		Short:        "smmctl - maintenance commands for the SMM panel",
		Version:      Version,
		SilenceUsage: true,
	}
	rootCmd.PersistentFlags().Duration("timeout", 10*time.Minute, "Command timeout")

	rootCmd.AddCommand(catalogCmd())
	rootCmd.AddCommand(ordersCmd())
	rootCmd.AddCommand(providerCmd())

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func catalogCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "catalog",
		Short: "Manage the service catalog",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "sync",
		Short: "Import the provider service list and reprice it with the current markup",
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd, func(ctx context.Context, a *app.App) (any, error) {
				return a.Catalog.Sync(ctx)
			})
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "markup [percent]",
		Short: "Set the markup percentage and reprice all services",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			pct, err := decimal.NewFromString(args[0])
			if err != nil {
				return fmt.Errorf("invalid percent %q: %w", args[0], err)
			}
			return run(cmd, func(ctx context.Context, a *app.App) (any, error) {
				return a.Catalog.SetMarkup(ctx, pct)
			})
		},
	})

	return cmd
}

func ordersCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "orders",
		Short: "Manage provider orders",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "sync",
		Short: "Refresh statuses of submitted orders from the provider",
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd, func(ctx context.Context, a *app.App) (any, error) {
				return a.Orders.SyncAll(ctx)
			})
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "resubmit",
		Short: "Submit funded orders the provider has not accepted yet",
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd, func(ctx context.Context, a *app.App) (any, error) {
				return a.Orders.ResubmitFunded(ctx)
			})
		},
	})

	return cmd
}

func providerCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "provider",
		Short: "Inspect the provider account",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "balance",
		Short: "Show the provider account balance",
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd, func(ctx context.Context, a *app.App) (any, error) {
				return a.Orders.ProviderBalance(ctx)
			})
		},
	})

	return cmd
}

// run собирает приложение, выполняет fn и печатает результат в JSON.
func run(cmd *cobra.Command, fn func(ctx context.Context, a *app.App) (any, error)) error {
	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("load .env: %w", err)
	}

	cfg, err := config.ParseEnv()
	if err != nil {
		return fmt.Errorf("configuration: %w", err)
	}

	logger, err := zap.NewProduction()
	if err != nil {
		return err
	}
	defer logger.Sync()

	timeout, err := cmd.Flags().GetDuration("timeout")
	if err != nil {
		return err
	}
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	a, err := app.New(ctx, cfg, logger, prometheus.NewRegistry())
	if err != nil {
		return err
	}
	defer a.Close()

	res, err := fn(ctx, a)
	if err != nil {
		return err
	}

	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(res)
}
