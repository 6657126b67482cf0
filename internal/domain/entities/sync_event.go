package entities

import (
	"time"

	"github.com/google/uuid"
)

// SyncEventType represents the type of sync event
type SyncEventType string

const (
	SyncEventCycleCompleted     SyncEventType = "cycle.completed"
	SyncEventPatientArchived    SyncEventType = "patient.archived"
	SyncEventPatientReactivated SyncEventType = "patient.reactivated"
)

// SyncEvent is published for downstream listeners (ward dashboards etc.)
type SyncEvent struct {
	ID        string         `json:"id"`
	Type      SyncEventType  `json:"type"`
	RunID     int64          `json:"run_id"`
	Timestamp time.Time      `json:"timestamp"`
	Identity  string         `json:"identity,omitempty"`
	Payload   map[string]any `json:"payload,omitempty"`
}

// NewSyncEvent creates a new sync event
func NewSyncEvent(eventType SyncEventType, runID int64, identity string, payload map[string]any) *SyncEvent {
	return &SyncEvent{
		ID:        uuid.NewString(),
		Type:      eventType,
		RunID:     runID,
		Timestamp: time.Now().UTC(),
		Identity:  identity,
		Payload:   payload,
	}
}
