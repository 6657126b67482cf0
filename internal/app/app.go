// Package app wires the sync pipeline's collaborators from configuration.
package app

import (
	"context"
	"errors"
	"fmt"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/rs/zerolog/log"
	"github.com/zatekoja/wardwatch/internal/adapters/cache"
	"github.com/zatekoja/wardwatch/internal/adapters/database"
	"github.com/zatekoja/wardwatch/internal/adapters/events"
	"github.com/zatekoja/wardwatch/internal/application/services"
	"github.com/zatekoja/wardwatch/internal/domain/entities"
	"github.com/zatekoja/wardwatch/internal/domain/providers"
	"github.com/zatekoja/wardwatch/internal/infrastructure/clients/bedfeed"
	"github.com/zatekoja/wardwatch/internal/infrastructure/clients/openai"
	"github.com/zatekoja/wardwatch/internal/infrastructure/clients/redis"
	"github.com/zatekoja/wardwatch/internal/infrastructure/clients/sqldb"
	"github.com/zatekoja/wardwatch/internal/infrastructure/observability"
	"github.com/zatekoja/wardwatch/pkg/config"
	"github.com/zatekoja/wardwatch/pkg/retry"
)

// App holds the wired pipeline. Redis-backed parts are nil when Redis is
// disabled or unreachable.
type App struct {
	Config *config.Config

	DB       *sqldb.Client
	Redis    *redis.Client
	Patients *database.PatientAdapter

	SharedCache providers.CacheProvider
	EventBus    providers.EventBus

	Registry    *prometheus.Registry
	SyncMetrics *observability.SyncMetrics

	Analysis *services.ClinicalAnalysisService
	Sync     *services.SyncService
}

// New connects to the stores and builds the services
func New(ctx context.Context, cfg *config.Config) (*App, error) {
	a := &App{Config: cfg}

	db, err := sqldb.NewClient(ctx, &cfg.Database)
	if err != nil {
		return nil, fmt.Errorf("database: %w", err)
	}
	a.DB = db

	a.Patients = database.NewPatientAdapter(db)
	if err := a.Patients.EnsureSchema(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("schema: %w", err)
	}

	if cfg.Redis.Enabled {
		redisClient, err := redis.NewClient(ctx, &cfg.Redis)
		if err != nil {
			log.Warn().Err(err).Msg("Redis unavailable; idempotency keys, run-status mirror and sync events disabled")
		} else {
			a.Redis = redisClient
			a.SharedCache = cache.NewRedisAdapter(redisClient)
			a.EventBus = events.NewRedisEventBus(redisClient)
			log.Info().Str("addr", cfg.Redis.RedisAddr()).Msg("Redis client initialized")
		}
	}

	a.Registry = prometheus.NewRegistry()
	a.Registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	a.SyncMetrics = observability.NewSyncMetrics(a.Registry)

	var provider providers.AnalysisProvider
	if cfg.OpenAI.APIKey == "" {
		log.Warn().Msg("OPENAI_API_KEY is not set; records get default insights")
	} else {
		client, err := openai.NewClient(&cfg.OpenAI)
		if err != nil {
			log.Warn().Err(err).Msg("failed to initialize OpenAI client; records get default insights")
		} else {
			provider = client
		}
	}

	resultCache := cache.NewResultCache[*entities.ClinicalInsights](cfg.Cache.MaxEntries)
	a.Analysis = services.NewClinicalAnalysisService(provider, resultCache, services.ClinicalAnalysisConfig{
		BatchSize: cfg.Analysis.BatchSize,
		Retry: retry.Config{
			MaxAttempts:     cfg.Analysis.MaxAttempts,
			InitialDelay:    cfg.Analysis.InitialDelay,
			MaxDelay:        cfg.Analysis.MaxDelay,
			BackoffFactor:   2,
			MaxTotalTimeout: cfg.Analysis.CallTimeout,
		},
		TokensPerRecord:       cfg.Analysis.TokensPerRecord,
		CostPerThousandTokens: cfg.Analysis.CostPerThousandTokens,
	}, a.SyncMetrics)

	mapper, err := services.NewRecordMapper(cfg.Sync.WardPattern)
	if err != nil {
		_ = a.Close()
		return nil, err
	}

	a.Sync = services.NewSyncService(
		bedfeed.NewClient(&cfg.Feed),
		mapper,
		services.NewChangeDetector(cfg.Sync.SnapshotRetention),
		a.Analysis,
		a.Patients,
		a.Patients,
		a.EventBus,
		services.NewRunTracker(cfg.Sync.StatusTTL, a.SharedCache),
		a.SyncMetrics,
		services.SyncConfig{
			WardFilter:    cfg.Feed.WardFilter,
			AbsoluteFloor: cfg.Sync.AbsoluteFloor,
			MinRatio:      cfg.Sync.MinRatio,
			HistorySize:   cfg.Sync.HistorySize,
		},
	)

	return a, nil
}

// Close releases every connection New opened
func (a *App) Close() error {
	var errs []error
	if a.EventBus != nil {
		errs = append(errs, a.EventBus.Close())
	}
	if a.Redis != nil {
		errs = append(errs, a.Redis.Close())
	}
	if a.DB != nil {
		errs = append(errs, a.DB.Close())
	}
	return errors.Join(errs...)
}
