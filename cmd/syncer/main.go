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
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"github.com/zatekoja/wardwatch/internal/app"
	"github.com/zatekoja/wardwatch/internal/application/services"
	"github.com/zatekoja/wardwatch/internal/domain/entities"
	"github.com/zatekoja/wardwatch/internal/infrastructure/observability"
	"github.com/zatekoja/wardwatch/pkg/config"
	apperrors "github.com/zatekoja/wardwatch/pkg/errors"
	"github.com/zatekoja/wardwatch/pkg/secrets"
)

func main() {
	rootCmd := &cobra.Command{
		Use:           "syncer",
		Short:         "Run bed feed sync cycles outside the API server",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.AddCommand(runCmd())
	rootCmd.AddCommand(baselineCmd())

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func runCmd() *cobra.Command {
	var (
		interval time.Duration
		force    bool
		refresh  bool
	)

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run one sync cycle, or one every --interval until interrupted",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer cancel()

			application, err := setup(ctx)
			if err != nil {
				return err
			}
			defer application.Close()
			defer application.Sync.Shutdown(context.Background())

			opts := services.CycleOptions{
				Trigger:      entities.SyncTriggerCLI,
				ForceUpdate:  force,
				ForceRefresh: refresh,
			}

			if interval <= 0 {
				return printJSON(cmd, application.Sync.RunCycle(ctx, opts))
			}

			ticker := time.NewTicker(interval)
			defer ticker.Stop()
			for {
				result := application.Sync.RunCycle(ctx, opts)
				if err := printJSON(cmd, result); err != nil {
					return err
				}
				// only the first cycle honours --force and --refresh
				opts.ForceUpdate, opts.ForceRefresh = false, false

				select {
				case <-ctx.Done():
					log.Info().Msg("interrupted, stopping")
					return nil
				case <-ticker.C:
				}
			}
		},
	}

	cmd.Flags().DurationVar(&interval, "interval", 0, "repeat every interval (0 runs once)")
	cmd.Flags().BoolVar(&force, "force", false, "analyze every record regardless of change detection")
	cmd.Flags().BoolVar(&refresh, "refresh", false, "ask the feed to bypass its own cache")
	return cmd
}

func baselineCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "baseline",
		Short: "Print the sanity gate baseline recorded by the last accepted cycle",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			application, err := setup(ctx)
			if err != nil {
				return err
			}
			defer application.Close()

			baseline, err := application.Patients.GetLatestBaseline(ctx)
			if apperrors.IsNotFound(err) {
				fmt.Fprintln(cmd.OutOrStdout(), "no baseline recorded yet")
				return nil
			}
			if err != nil {
				return fmt.Errorf("read baseline: %w", err)
			}
			return printJSON(cmd, baseline)
		},
	}
}

func setup(ctx context.Context) (*app.App, error) {
	_ = godotenv.Load()

	if _, err := secrets.NewLoader(secrets.ConfigFromEnv(""), nil).Apply(ctx); err != nil {
		return nil, fmt.Errorf("load secrets: %w", err)
	}

	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	observability.InitLogger(cfg.OTEL.ServiceName+"-syncer", cfg.Environment)

	return app.New(ctx, cfg)
}

func printJSON(cmd *cobra.Command, v any) error {
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
