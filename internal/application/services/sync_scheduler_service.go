package services

import (
	"context"
	"fmt"
	"time"

	"github.com/go-co-op/gocron/v2"
	"github.com/rs/zerolog/log"
	"github.com/zatekoja/wardwatch/internal/domain/entities"
)

// DefaultSweepInterval is how often expired change snapshots are swept
const DefaultSweepInterval = time.Hour

// SyncSchedulerService runs sync cycles on a fixed interval and sweeps old
// change-detection snapshots. A tick that arrives while the previous
// scheduled cycle is still running is skipped.
type SyncSchedulerService struct {
	scheduler gocron.Scheduler
	sync      *SyncService
	interval  time.Duration
	retention time.Duration
}

// NewSyncSchedulerService creates the scheduler without starting it
func NewSyncSchedulerService(syncService *SyncService, interval, retention time.Duration) (*SyncSchedulerService, error) {
	if interval <= 0 {
		return nil, fmt.Errorf("sync interval must be positive, got %s", interval)
	}
	if retention <= 0 {
		retention = DefaultSnapshotRetention
	}

	scheduler, err := gocron.NewScheduler(
		gocron.WithLocation(time.UTC),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create scheduler: %w", err)
	}

	return &SyncSchedulerService{
		scheduler: scheduler,
		sync:      syncService,
		interval:  interval,
		retention: retention,
	}, nil
}

// Start registers the jobs and starts the scheduler
func (s *SyncSchedulerService) Start(ctx context.Context) error {
	_, err := s.scheduler.NewJob(
		gocron.DurationJob(s.interval),
		gocron.NewTask(func() {
			s.sync.RunCycle(ctx, CycleOptions{Trigger: entities.SyncTriggerScheduled})
		}),
		gocron.WithName("sync-cycle"),
		gocron.WithSingletonMode(gocron.LimitModeReschedule),
		gocron.WithStartAt(gocron.WithStartImmediately()),
	)
	if err != nil {
		return fmt.Errorf("failed to schedule sync cycle: %w", err)
	}

	_, err = s.scheduler.NewJob(
		gocron.DurationJob(DefaultSweepInterval),
		gocron.NewTask(func() {
			removed := s.sync.SweepSnapshots(s.retention)
			log.Debug().Int("removed", removed).Msg("swept change snapshots")
		}),
		gocron.WithName("snapshot-sweep"),
		gocron.WithSingletonMode(gocron.LimitModeReschedule),
	)
	if err != nil {
		return fmt.Errorf("failed to schedule snapshot sweep: %w", err)
	}

	s.scheduler.Start()
	log.Info().Dur("interval", s.interval).Msg("sync scheduler started")
	return nil
}

// Stop stops the scheduler and waits for running jobs
func (s *SyncSchedulerService) Stop() error {
	log.Info().Msg("stopping sync scheduler")
	return s.scheduler.Shutdown()
}

// Jobs returns the names of the registered jobs
func (s *SyncSchedulerService) Jobs() []string {
	jobs := s.scheduler.Jobs()
	names := make([]string, 0, len(jobs))
	for _, j := range jobs {
		names = append(names, j.Name())
	}
	return names
}
