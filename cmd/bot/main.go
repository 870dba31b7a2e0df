package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"basis-arb-bot/internal/app"
	"basis-arb-bot/internal/config"
	"basis-arb-bot/internal/logging"
	"basis-arb-bot/internal/strategy"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var (
	cfgFile string
	envFile string
)

func main() {
	rootCmd := &cobra.Command{
		Use:           "basis-arb-bot",
		Short:         "Cross-exchange perp/spot basis oracle and arbitrage engine",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (defaults apply when empty)")
	rootCmd.PersistentFlags().StringVar(&envFile, "env", ".env", "dotenv file with exchange credentials")

	rootCmd.AddCommand(
		&cobra.Command{
			Use:   "oracle",
			Short: "Collect snapshots from every exchange and serve them over HTTP",
			RunE: func(_ *cobra.Command, _ []string) error {
				return withApp(func(ctx context.Context, a *app.App) error { return a.Oracle(ctx) })
			},
		},
		&cobra.Command{
			Use:   "run",
			Short: "Run the oracle and the strategy engine",
			RunE: func(_ *cobra.Command, _ []string) error {
				return withApp(func(ctx context.Context, a *app.App) error { return a.Run(ctx) })
			},
		},
		&cobra.Command{
			Use:   "explore",
			Short: "Fetch one cycle and print tickers, rates and account assets",
			RunE: func(cmd *cobra.Command, _ []string) error {
				return withApp(func(ctx context.Context, a *app.App) error { return a.Explore(ctx, cmd.OutOrStdout()) })
			},
		},
		&cobra.Command{
			Use:   "dry-run",
			Short: "Print thresholds and the persisted strategy state, then evaluate once without acting",
			RunE: func(cmd *cobra.Command, _ []string) error {
				return withApp(func(ctx context.Context, a *app.App) error { return a.DryRun(ctx, cmd.OutOrStdout()) })
			},
		},
		&cobra.Command{
			Use:   "emergency",
			Short: "Close the open strategy position and wait for the fills",
			RunE: func(cmd *cobra.Command, _ []string) error {
				return withApp(func(ctx context.Context, a *app.App) error {
					d, err := a.Emergency(ctx)
					if errors.Is(err, strategy.ErrNoPosition) {
						fmt.Fprintln(cmd.OutOrStdout(), "no open position")
						return nil
					}
					if err != nil {
						return err
					}
					fmt.Fprintf(cmd.OutOrStdout(), "position closed: %s (%s)\n", d.Phase, d.Reason)
					return nil
				})
			},
		},
	)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func withApp(fn func(ctx context.Context, a *app.App) error) error {
	if err := config.LoadEnv(envFile); err != nil {
		fmt.Fprintf(os.Stderr, "failed to load %s: %v\n", envFile, err)
	}
	cfg := config.Default()
	if cfgFile != "" {
		loaded, err := config.Load(cfgFile)
		if err != nil {
			return fmt.Errorf("load config: %w", err)
		}
		cfg = loaded
	}
	log := logging.New(cfg.Log)
	defer func() { _ = log.Sync() }()
	log.Info("config loaded", zap.String("path", cfgFile))

	application, err := app.New(cfg, log)
	if err != nil {
		log.Error("failed to initialize app", zap.Error(err))
		return err
	}
	defer application.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := fn(ctx, application); err != nil && !errors.Is(err, context.Canceled) {
		log.Error("command failed", zap.Error(err))
		return err
	}
	return nil
}
