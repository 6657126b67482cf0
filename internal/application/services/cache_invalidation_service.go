package services

import (
	"context"
	"fmt"
	"sync"

	"github.com/rs/zerolog/log"
	"github.com/zatekoja/wardwatch/internal/domain/entities"
	"github.com/zatekoja/wardwatch/internal/domain/providers"
)

// CacheInvalidationService drops cached analyses for patients that left the
// ward. Every instance sharing the event bus listens, so an archive on one
// instance clears the result cache on all of them.
type CacheInvalidationService struct {
	analysis *ClinicalAnalysisService
	eventBus providers.EventBus
	ctx      context.Context
	cancel   context.CancelFunc
	wg       sync.WaitGroup
}

// NewCacheInvalidationService creates a new cache invalidation service
func NewCacheInvalidationService(analysis *ClinicalAnalysisService, eventBus providers.EventBus) *CacheInvalidationService {
	ctx, cancel := context.WithCancel(context.Background())
	return &CacheInvalidationService{
		analysis: analysis,
		eventBus: eventBus,
		ctx:      ctx,
		cancel:   cancel,
	}
}

// Start begins listening for sync events and invalidating cache
func (s *CacheInvalidationService) Start() error {
	eventChan, err := s.eventBus.Subscribe(s.ctx, providers.EventChannelSync)
	if err != nil {
		return fmt.Errorf("failed to subscribe to sync events: %w", err)
	}

	s.wg.Add(1)
	go s.processEvents(eventChan)
	log.Info().Str("channel", providers.EventChannelSync).Msg("cache invalidation service started")
	return nil
}

// Stop stops the cache invalidation service
func (s *CacheInvalidationService) Stop() {
	s.cancel()
	s.wg.Wait()
	log.Info().Msg("cache invalidation service stopped")
}

func (s *CacheInvalidationService) processEvents(eventChan <-chan *entities.SyncEvent) {
	defer s.wg.Done()
	for {
		select {
		case <-s.ctx.Done():
			return
		case event, ok := <-eventChan:
			if !ok {
				return
			}
			if event == nil {
				continue
			}
			s.handleEvent(event)
		}
	}
}

// handleEvent invalidates on discharge and stale removals. A bed transfer
// keeps its encounter, so the cached analysis stays valid.
func (s *CacheInvalidationService) handleEvent(event *entities.SyncEvent) int {
	if event.Type != entities.SyncEventPatientArchived {
		return 0
	}
	reason := entities.ArchiveReason(payloadString(event.Payload, "reason"))
	if reason == entities.ArchiveReasonBedTransfer {
		return 0
	}

	record := &entities.PatientRecord{
		EncounterCode: payloadString(event.Payload, "encounter_code"),
		ID:            payloadString(event.Payload, "record_id"),
		BedCode:       payloadString(event.Payload, "bed_code"),
	}
	if record.EncounterCode == "" && record.ID == "" && record.BedCode == "" {
		log.Warn().Str("event_id", event.ID).Msg("archive event without identity, skipping cache invalidation")
		return 0
	}

	removed := s.analysis.InvalidatePatientCache(record)
	log.Debug().
		Str("identity", event.Identity).
		Str("reason", string(reason)).
		Int("removed", removed).
		Msg("invalidated analysis cache for archived patient")
	return removed
}

func payloadString(payload map[string]any, key string) string {
	if v, ok := payload[key].(string); ok {
		return v
	}
	return ""
}
