package model

import "time"

// CollectorStatus is the lifecycle state of one collector within a run.
type CollectorStatus string

const (
	CollectorPending   CollectorStatus = "pending"
	CollectorStarting  CollectorStatus = "starting"
	CollectorRunning   CollectorStatus = "running"
	CollectorCompleted CollectorStatus = "completed"
	CollectorFailed    CollectorStatus = "failed"
	CollectorTimeout   CollectorStatus = "timeout"
)

// Terminal reports whether the status is terminal. A collector record
// never transitions out of a terminal status.
func (s CollectorStatus) Terminal() bool {
	return s == CollectorCompleted || s == CollectorFailed || s == CollectorTimeout
}

// CollectorTerminalStatuses is the set used in conditional-write predicates.
var CollectorTerminalStatuses = []CollectorStatus{CollectorCompleted, CollectorFailed, CollectorTimeout}

// Collector kinds known to the orchestrator.
const (
	KindNetworkScanner = "network-scanner"
	KindCloudDiscovery = "cloud-discovery"
	KindRepoScanner    = "repo-scanner"
	KindDBInspector    = "db-inspector"
	KindCorrelator     = "correlator"
)

// collectorPhases maps each collector kind to the phase it reports into.
var collectorPhases = map[string]Phase{
	KindNetworkScanner: PhaseEnumeration,
	KindCloudDiscovery: PhaseEnumeration,
	KindRepoScanner:    PhaseIdentification,
	KindDBInspector:    PhaseInspection,
	KindCorrelator:     PhaseCorrelation,
}

// PhaseFor returns the phase a collector kind reports into.
// Unknown kinds land in enumeration.
func PhaseFor(kind string) Phase {
	if p, ok := collectorPhases[kind]; ok {
		return p
	}
	return PhaseEnumeration
}

// KnownKind reports whether the collector kind is recognized.
func KnownKind(kind string) bool {
	_, ok := collectorPhases[kind]
	return ok
}

// CollectorRecord is one row per (run, collector kind) pair, updated only
// through the idempotent callback protocol: progress writes are gated on
// LastSequence strictly increasing, completion writes are first-write-wins.
type CollectorRecord struct {
	ID             uint            `gorm:"primaryKey" json:"-"`
	ScanRunID      string          `gorm:"size:36;index;uniqueIndex:idx_run_collector" json:"scan_run_id"`
	Collector      string          `gorm:"size:64;uniqueIndex:idx_run_collector" json:"collector"`
	Status         CollectorStatus `gorm:"size:32" json:"status"`
	Progress       int             `json:"progress"`
	DiscoveryCount int             `json:"discovery_count"`
	LastSequence   int64           `json:"last_sequence"`
	LastHeartbeat  *time.Time      `json:"last_heartbeat,omitempty"`
	ErrorMessage   string          `gorm:"size:1024" json:"error_message,omitempty"`
	CreatedAt      time.Time       `json:"created_at"`
	UpdatedAt      time.Time       `json:"updated_at"`
}

// TableName sets the collector table name.
func (CollectorRecord) TableName() string { return "collector_records" }
