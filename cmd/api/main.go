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
	"github.com/rs/zerolog/log"
	"github.com/zatekoja/wardwatch/internal/api/handlers"
	"github.com/zatekoja/wardwatch/internal/api/routes"
	"github.com/zatekoja/wardwatch/internal/app"
	"github.com/zatekoja/wardwatch/internal/application/services"
	"github.com/zatekoja/wardwatch/internal/infrastructure/observability"
	"github.com/zatekoja/wardwatch/pkg/config"
	"github.com/zatekoja/wardwatch/pkg/secrets"
)

func main() {
	// A missing .env is normal outside local development
	_ = godotenv.Load()

	// Set up context for graceful shutdown
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if res, err := secrets.NewLoader(secrets.ConfigFromEnv(""), nil).Apply(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "failed to load secrets from Vault: %v\n", err)
		os.Exit(1)
	} else if res.Enabled {
		fmt.Fprintf(os.Stderr, "loaded %d secrets from Vault path %s (%d kept)\n", res.Loaded, res.Path, res.Skipped)
	}

	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	observability.InitLogger(cfg.OTEL.ServiceName, cfg.Environment)

	// Initialize OpenTelemetry if enabled
	if cfg.OTEL.Enabled && cfg.OTEL.Endpoint != "" {
		shutdown, err := observability.Setup(ctx, cfg.OTEL.ServiceName, cfg.OTEL.ServiceVersion, cfg.OTEL.Endpoint)
		if err != nil {
			log.Warn().Err(err).Msg("failed to set up OpenTelemetry")
		} else {
			defer func() {
				ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				if err := shutdown(ctx); err != nil {
					log.Error().Err(err).Msg("error shutting down OpenTelemetry")
				}
			}()
			log.Info().Str("endpoint", cfg.OTEL.Endpoint).Msg("OpenTelemetry initialized")
		}
	}

	metrics, err := observability.InitMetrics()
	if err != nil {
		log.Fatal().Err(err).Msg("failed to initialize metrics")
	}

	application, err := app.New(ctx, cfg)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to initialize sync pipeline")
	}
	defer func() {
		if err := application.Close(); err != nil {
			log.Error().Err(err).Msg("error closing connections")
		}
	}()

	var scheduler *services.SyncSchedulerService
	if cfg.Sync.SchedulerEnabled {
		scheduler, err = services.NewSyncSchedulerService(application.Sync, cfg.Sync.Interval, cfg.Sync.SnapshotRetention)
		if err != nil {
			log.Fatal().Err(err).Msg("failed to create sync scheduler")
		}
		if err := scheduler.Start(ctx); err != nil {
			log.Fatal().Err(err).Msg("failed to start sync scheduler")
		}
	} else {
		log.Info().Msg("sync scheduler disabled; cycles run on manual trigger only")
	}

	var cacheInvalidationService *services.CacheInvalidationService
	if application.EventBus != nil {
		cacheInvalidationService = services.NewCacheInvalidationService(application.Analysis, application.EventBus)
		if err := cacheInvalidationService.Start(); err != nil {
			log.Warn().Err(err).Msg("failed to start cache invalidation service")
			cacheInvalidationService = nil
		}
	}

	router := routes.NewRouter(
		handlers.NewSyncHandler(application.Sync, application.SharedCache),
		handlers.NewAnalysisHandler(application.Analysis),
		application.DB,
		application.Registry,
		metrics,
	)

	serverAddr := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)
	server := &http.Server{
		Addr:         serverAddr,
		Handler:      router.SetupRoutes(),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	// Start server in a goroutine
	go func() {
		log.Info().Str("addr", serverAddr).Msg("server starting")
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("server failed to start")
		}
	}()

	// Wait for interrupt signal for graceful shutdown
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	log.Info().Msg("server shutting down")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("error during server shutdown")
	}
	// stops the scheduled cycle between phases
	cancel()
	if scheduler != nil {
		if err := scheduler.Stop(); err != nil {
			log.Error().Err(err).Msg("error stopping sync scheduler")
		}
	}
	// cancel in-flight manual runs and wait for them
	if err := application.Sync.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("sync runs did not finish before shutdown deadline")
	}

	if cacheInvalidationService != nil {
		cacheInvalidationService.Stop()
	}

	log.Info().Msg("server stopped")
}
