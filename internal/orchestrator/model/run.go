// Package model defines the orchestrator's persistent records: scan runs,
// collector records, and discoveries.
package model

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"time"
)

// RunStatus is the lifecycle state of a scan run.
type RunStatus string

const (
	// RunPending is the initial state; nothing has been triggered yet.
	RunPending RunStatus = "pending"
	// RunScanning means collectors have been triggered and are reporting.
	RunScanning RunStatus = "scanning"
	// RunAwaitingInspection means all collectors are terminal and at least
	// one database candidate was found; a user decision gates the next phase.
	RunAwaitingInspection RunStatus = "awaiting_inspection"
	// RunInspecting means the user supplied inspection targets and the
	// inspection collector is running.
	RunInspecting RunStatus = "inspecting"
	// Terminal states. A run never leaves these.
	RunCompleted RunStatus = "completed"
	RunFailed    RunStatus = "failed"
	RunCancelled RunStatus = "cancelled"
)

// Terminal reports whether the status is a terminal run state.
func (s RunStatus) Terminal() bool {
	return s == RunCompleted || s == RunFailed || s == RunCancelled
}

// Active reports whether the run can still make progress.
func (s RunStatus) Active() bool {
	return !s.Terminal()
}

// Phase names one of the four pipeline stages tracked per run.
type Phase string

const (
	PhaseEnumeration    Phase = "enumeration"
	PhaseIdentification Phase = "identification"
	PhaseInspection     Phase = "inspection"
	PhaseCorrelation    Phase = "correlation"
)

// AllPhases lists phases in pipeline order.
var AllPhases = []Phase{PhaseEnumeration, PhaseIdentification, PhaseInspection, PhaseCorrelation}

// PhaseStatus is the sub-status of one phase. Sub-statuses are monotonic:
// a phase never regresses from completed back to running.
type PhaseStatus string

const (
	PhasePending   PhaseStatus = "pending"
	PhaseRunning   PhaseStatus = "running"
	PhaseCompleted PhaseStatus = "completed"
	PhaseFailed    PhaseStatus = "failed"
	PhaseSkipped   PhaseStatus = "skipped"
)

// PhaseState tracks one phase's sub-status, progress, and discovery count.
type PhaseState struct {
	Status         PhaseStatus `json:"status"`
	Progress       int         `json:"progress"`
	DiscoveryCount int         `json:"discovery_count"`
}

// PhaseMap is the per-run phase table, serialized as JSON in one column.
type PhaseMap map[Phase]PhaseState

// NewPhaseMap returns a phase map with every phase pending.
func NewPhaseMap() PhaseMap {
	m := make(PhaseMap, len(AllPhases))
	for _, p := range AllPhases {
		m[p] = PhaseState{Status: PhasePending}
	}
	return m
}

// Value implements driver.Valuer.
func (m PhaseMap) Value() (driver.Value, error) {
	b, err := json.Marshal(m)
	if err != nil {
		return nil, err
	}
	return string(b), nil
}

// Scan implements sql.Scanner.
func (m *PhaseMap) Scan(value interface{}) error {
	switch v := value.(type) {
	case []byte:
		return json.Unmarshal(v, m)
	case string:
		return json.Unmarshal([]byte(v), m)
	case nil:
		*m = NewPhaseMap()
		return nil
	default:
		return fmt.Errorf("unsupported phase map type %T", value)
	}
}

// ConfigSnapshot is the frozen configuration a run was created with.
// Runs never re-read the live profile after creation.
type ConfigSnapshot struct {
	Subnets            []string `json:"subnets"`
	ExcludeSubnets     []string `json:"exclude_subnets,omitempty"`
	PortRanges         []string `json:"port_ranges,omitempty"`
	RateLimitPPS       int      `json:"rate_limit_pps,omitempty"`
	TimeoutMS          int      `json:"timeout_ms,omitempty"`
	MaxConcurrentHosts int      `json:"max_concurrent_hosts,omitempty"`
	DeadHostThreshold  int      `json:"dead_host_threshold,omitempty"`
	Collectors         []string `json:"collectors"`
}

// Value implements driver.Valuer.
func (c ConfigSnapshot) Value() (driver.Value, error) {
	b, err := json.Marshal(c)
	if err != nil {
		return nil, err
	}
	return string(b), nil
}

// Scan implements sql.Scanner.
func (c *ConfigSnapshot) Scan(value interface{}) error {
	switch v := value.(type) {
	case []byte:
		return json.Unmarshal(v, c)
	case string:
		return json.Unmarshal([]byte(v), c)
	case nil:
		return nil
	default:
		return fmt.Errorf("unsupported config snapshot type %T", value)
	}
}

// ScanRun is the unit of orchestration. Mutated only by the orchestration
// state machine, never by collectors directly.
type ScanRun struct {
	ID               string         `gorm:"primaryKey;size:36" json:"id"`
	Name             string         `gorm:"size:255" json:"name"`
	Status           RunStatus      `gorm:"size:32;index" json:"status"`
	Config           ConfigSnapshot `gorm:"type:text" json:"config"`
	Phases           PhaseMap       `gorm:"type:text" json:"phases"`
	TotalDiscoveries int            `json:"total_discoveries"`
	ErrorMessage     string         `gorm:"size:1024" json:"error_message,omitempty"`
	StartedAt        *time.Time     `json:"started_at,omitempty"`
	CompletedAt      *time.Time     `json:"completed_at,omitempty"`
	CreatedAt        time.Time      `json:"created_at"`
	UpdatedAt        time.Time      `json:"updated_at"`
}

// TableName sets the run table name.
func (ScanRun) TableName() string { return "scan_runs" }
