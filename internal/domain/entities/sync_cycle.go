package entities

import "time"

// SyncTrigger says what started a cycle
type SyncTrigger string

const (
	SyncTriggerScheduled SyncTrigger = "scheduled"
	SyncTriggerManual    SyncTrigger = "manual"
	SyncTriggerCLI       SyncTrigger = "cli"
)

// RecordError pairs a feed identity with the reason it was not processed
type RecordError struct {
	Identity string `json:"identity"`
	Message  string `json:"message"`
}

// SanityGateResult is the outcome of the pre-removal plausibility check
type SanityGateResult struct {
	Passed    bool    `json:"passed"`
	Accepted  int     `json:"accepted"`
	Threshold float64 `json:"threshold"`
	Baseline  *int    `json:"baseline,omitempty"`
	Reason    string  `json:"reason,omitempty"`
}

// CycleResult summarises one sync run. It is not modified after the run
// completes.
type CycleResult struct {
	RunID      int64       `json:"run_id"`
	Trigger    SyncTrigger `json:"trigger"`
	StartedAt  time.Time   `json:"started_at"`
	FinishedAt time.Time   `json:"finished_at"`

	FetchFailed bool `json:"fetch_failed"`

	Total         int                   `json:"total"`
	New           int                   `json:"new"`
	Changed       int                   `json:"changed"`
	Unchanged     int                   `json:"unchanged"`
	Filtered      int                   `json:"filtered"`
	Persisted     int                   `json:"persisted"`
	Archived      int                   `json:"archived"`
	ArchivedBy    map[ArchiveReason]int `json:"archived_by_reason"`
	Reactivated   int                   `json:"reactivated"`
	AnalysisCalls int                   `json:"analysis_calls"`
	CacheAvoided  int                   `json:"cache_avoided"`
	Errors        int                   `json:"errors"`

	EstimatedTokensSaved int     `json:"estimated_tokens_saved"`
	EstimatedCostSaved   float64 `json:"estimated_cost_saved"`

	ErrorDetails []RecordError    `json:"error_details"`
	SanityGate   SanityGateResult `json:"sanity_gate"`
}

// Duration is how long the cycle ran
func (r *CycleResult) Duration() time.Duration {
	if r.FinishedAt.IsZero() {
		return 0
	}
	return r.FinishedAt.Sub(r.StartedAt)
}

// AddError records a per-record failure
func (r *CycleResult) AddError(identity, message string) {
	r.Errors++
	r.ErrorDetails = append(r.ErrorDetails, RecordError{Identity: identity, Message: message})
}

// SyncBaseline is the accepted record count of the last cycle that passed
// the sanity gate.
type SyncBaseline struct {
	Total      int            `json:"total"`
	PerWard    map[string]int `json:"per_ward"`
	RecordedAt time.Time      `json:"recorded_at"`
}

// RunPhase is a step of the run status state machine
type RunPhase string

const (
	RunPhaseStarted    RunPhase = "started"
	RunPhaseFetching   RunPhase = "fetching"
	RunPhaseProcessing RunPhase = "processing"
	RunPhaseSaving     RunPhase = "saving"
	RunPhaseComplete   RunPhase = "complete"
	RunPhaseError      RunPhase = "error"
)

// Terminal reports whether no further transitions follow
func (p RunPhase) Terminal() bool {
	return p == RunPhaseComplete || p == RunPhaseError
}

// RunStatus is the pollable progress of a run
type RunStatus struct {
	RunID     int64        `json:"run_id"`
	Trigger   SyncTrigger  `json:"trigger"`
	Phase     RunPhase     `json:"phase"`
	Progress  int          `json:"progress"`
	Message   string       `json:"message,omitempty"`
	StartedAt time.Time    `json:"started_at"`
	UpdatedAt time.Time    `json:"updated_at"`
	Result    *CycleResult `json:"result,omitempty"`
}

// SyncTotals are running totals across every cycle since process start
type SyncTotals struct {
	Cycles        int     `json:"cycles"`
	FailedFetches int     `json:"failed_fetches"`
	GateRejected  int     `json:"gate_rejected"`
	Records       int     `json:"records"`
	Analyzed      int     `json:"analyzed"`
	CacheAvoided  int     `json:"cache_avoided"`
	Archived      int     `json:"archived"`
	Reactivated   int     `json:"reactivated"`
	Errors        int     `json:"errors"`
	TokensSaved   int     `json:"tokens_saved"`
	CostSaved     float64 `json:"cost_saved"`
}

// Add folds one cycle into the totals
func (t *SyncTotals) Add(r *CycleResult) {
	t.Cycles++
	if r.FetchFailed {
		t.FailedFetches++
	} else if !r.SanityGate.Passed {
		t.GateRejected++
	}
	t.Records += r.Total
	t.Analyzed += r.AnalysisCalls
	t.CacheAvoided += r.CacheAvoided
	t.Archived += r.Archived
	t.Reactivated += r.Reactivated
	t.Errors += r.Errors
	t.TokensSaved += r.EstimatedTokensSaved
	t.CostSaved += r.EstimatedCostSaved
}
