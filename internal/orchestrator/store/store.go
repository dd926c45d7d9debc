// Package store persists runs, collector records, and discoveries.
//
// Callbacks arrive concurrently from independent collector processes, so
// every conflicting update is expressed as a narrowly-scoped conditional
// write (a WHERE clause carrying the expected prior state) instead of an
// in-process lock. RowsAffected == 0 means the precondition failed and the
// write was a no-op.
package store

import (
	"context"
	"fmt"
	"time"

	"github.com/glebarez/sqlite"
	"gorm.io/driver/mysql"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/aiforce-discovery-agent/discovery-core/internal/orchestrator/model"
)

// Store wraps the orchestrator database.
type Store struct {
	db *gorm.DB
}

// Open connects to MySQL with the given DSN and migrates the schema.
func Open(dsn string) (*Store, error) {
	db, err := gorm.Open(mysql.Open(dsn), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	return newStore(db)
}

// OpenSQLite opens a SQLite database (":memory:" for tests and dev mode).
func OpenSQLite(path string) (*Store, error) {
	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	return newStore(db)
}

func newStore(db *gorm.DB) (*Store, error) {
	if err := db.AutoMigrate(&model.ScanRun{}, &model.CollectorRecord{}, &model.Discovery{}); err != nil {
		return nil, fmt.Errorf("failed to migrate schema: %w", err)
	}
	return &Store{db: db}, nil
}

// CreateRun inserts a new scan run.
func (s *Store) CreateRun(ctx context.Context, run *model.ScanRun) error {
	return s.db.WithContext(ctx).Create(run).Error
}

// GetRun loads one run by ID.
func (s *Store) GetRun(ctx context.Context, runID string) (*model.ScanRun, error) {
	var run model.ScanRun
	if err := s.db.WithContext(ctx).First(&run, "id = ?", runID).Error; err != nil {
		return nil, err
	}
	return &run, nil
}

// ListCollectors returns every collector record for a run.
func (s *Store) ListCollectors(ctx context.Context, runID string) ([]model.CollectorRecord, error) {
	var records []model.CollectorRecord
	err := s.db.WithContext(ctx).
		Where("scan_run_id = ?", runID).
		Order("collector").
		Find(&records).Error
	return records, err
}

// CreateCollector inserts a collector record for a run.
func (s *Store) CreateCollector(ctx context.Context, rec *model.CollectorRecord) error {
	return s.db.WithContext(ctx).Create(rec).Error
}

// UpsertCollector creates the record if absent; otherwise resets it to the
// given status only when it is still non-terminal.
func (s *Store) UpsertCollector(ctx context.Context, runID, kind string, status model.CollectorStatus) error {
	var existing model.CollectorRecord
	err := s.db.WithContext(ctx).
		Where("scan_run_id = ? AND collector = ?", runID, kind).
		First(&existing).Error
	if err == gorm.ErrRecordNotFound {
		return s.db.WithContext(ctx).Create(&model.CollectorRecord{
			ScanRunID: runID,
			Collector: kind,
			Status:    status,
		}).Error
	}
	if err != nil {
		return err
	}

	return s.db.WithContext(ctx).
		Model(&model.CollectorRecord{}).
		Where("scan_run_id = ? AND collector = ? AND status NOT IN ?",
			runID, kind, model.CollectorTerminalStatuses).
		Updates(map[string]interface{}{"status": status}).Error
}

// MarkCollectorStarting flips a pending collector to starting.
func (s *Store) MarkCollectorStarting(ctx context.Context, runID, kind string) error {
	return s.db.WithContext(ctx).
		Model(&model.CollectorRecord{}).
		Where("scan_run_id = ? AND collector = ? AND status = ?", runID, kind, model.CollectorPending).
		Updates(map[string]interface{}{"status": model.CollectorStarting}).Error
}

// ApplyProgress applies one progress callback. The update is accepted only
// when the stored sequence is strictly below the incoming one and the
// collector is not terminal; otherwise the callback is stale or a duplicate
// and nothing changes. The acceptance check and the field update are a
// single conditional write.
func (s *Store) ApplyProgress(ctx context.Context, runID, kind string, sequence int64, progress, discoveryCount int) (bool, error) {
	now := time.Now().UTC()
	result := s.db.WithContext(ctx).
		Model(&model.CollectorRecord{}).
		Where("scan_run_id = ? AND collector = ? AND last_sequence < ? AND status NOT IN ?",
			runID, kind, sequence, model.CollectorTerminalStatuses).
		Updates(map[string]interface{}{
			"status":          model.CollectorRunning,
			"progress":        progress,
			"discovery_count": discoveryCount,
			"last_sequence":   sequence,
			"last_heartbeat":  now,
		})
	if result.Error != nil {
		return false, result.Error
	}
	return result.RowsAffected > 0, nil
}

// CompleteCollector applies one completion callback with a first-write-wins
// rule: accepted only while the collector is not already terminal. A second
// completion for the same collector is a no-op.
func (s *Store) CompleteCollector(ctx context.Context, runID, kind string, status model.CollectorStatus, discoveryCount int, errorMsg string) (bool, error) {
	if !status.Terminal() {
		return false, fmt.Errorf("completion status %q is not terminal", status)
	}

	now := time.Now().UTC()
	updates := map[string]interface{}{
		"status":          status,
		"discovery_count": discoveryCount,
		"last_heartbeat":  now,
		"error_message":   errorMsg,
	}
	if status == model.CollectorCompleted {
		updates["progress"] = 100
	}

	result := s.db.WithContext(ctx).
		Model(&model.CollectorRecord{}).
		Where("scan_run_id = ? AND collector = ? AND status NOT IN ?",
			runID, kind, model.CollectorTerminalStatuses).
		Updates(updates)
	if result.Error != nil {
		return false, result.Error
	}
	return result.RowsAffected > 0, nil
}

// TransitionRun moves a run from one of the expected statuses to a new one,
// applying extra column updates (phase map, error message, timestamps) in
// the same conditional write. Returns false when the run was not in any of
// the expected statuses.
func (s *Store) TransitionRun(ctx context.Context, runID string, from []model.RunStatus, to model.RunStatus, extra map[string]interface{}) (bool, error) {
	updates := map[string]interface{}{"status": to}
	for k, v := range extra {
		updates[k] = v
	}

	result := s.db.WithContext(ctx).
		Model(&model.ScanRun{}).
		Where("id = ? AND status IN ?", runID, from).
		Updates(updates)
	if result.Error != nil {
		return false, result.Error
	}
	return result.RowsAffected > 0, nil
}

// UpdateRunAggregates refreshes the phase map and total-discoveries counter
// while the run is still active. Terminal runs are left untouched.
func (s *Store) UpdateRunAggregates(ctx context.Context, runID string, phases model.PhaseMap, totalDiscoveries int) error {
	activeStatuses := []model.RunStatus{model.RunPending, model.RunScanning, model.RunAwaitingInspection, model.RunInspecting}
	return s.db.WithContext(ctx).
		Model(&model.ScanRun{}).
		Where("id = ? AND status IN ?", runID, activeStatuses).
		Updates(map[string]interface{}{
			"phases":            phases,
			"total_discoveries": totalDiscoveries,
		}).Error
}

// InsertDiscovery stores one discovery record.
func (s *Store) InsertDiscovery(ctx context.Context, d *model.Discovery) error {
	return s.db.WithContext(ctx).Create(d).Error
}

// CountDiscoveries returns the number of discovery records tagged with a run.
// Run totals are always recomputed from this count, never incremented.
func (s *Store) CountDiscoveries(ctx context.Context, runID string) (int64, error) {
	var n int64
	err := s.db.WithContext(ctx).
		Model(&model.Discovery{}).
		Where("scan_run_id = ?", runID).
		Count(&n).Error
	return n, err
}

// CountCandidates returns the number of database-candidate discoveries for a run.
func (s *Store) CountCandidates(ctx context.Context, runID string) (int64, error) {
	var n int64
	err := s.db.WithContext(ctx).
		Model(&model.Discovery{}).
		Where("scan_run_id = ? AND database_candidate = ?", runID, true).
		Count(&n).Error
	return n, err
}

// ListStaleActiveRuns finds runs that started before the cutoff, are still
// in an active scanning/inspecting state, and have no collector heartbeat
// after the cutoff. These are the stuck runs the sweep terminates.
func (s *Store) ListStaleActiveRuns(ctx context.Context, cutoff time.Time) ([]model.ScanRun, error) {
	var runs []model.ScanRun
	err := s.db.WithContext(ctx).
		Where("status IN ?", []model.RunStatus{model.RunScanning, model.RunInspecting}).
		Where("started_at IS NOT NULL AND started_at < ?", cutoff).
		Where("NOT EXISTS (SELECT 1 FROM collector_records cr WHERE cr.scan_run_id = scan_runs.id AND cr.last_heartbeat >= ?)", cutoff).
		Find(&runs).Error
	return runs, err
}

// TimeoutCollectors marks every non-terminal collector of a run as timed out.
func (s *Store) TimeoutCollectors(ctx context.Context, runID string, errorMsg string) error {
	return s.db.WithContext(ctx).
		Model(&model.CollectorRecord{}).
		Where("scan_run_id = ? AND status NOT IN ?", runID, model.CollectorTerminalStatuses).
		Updates(map[string]interface{}{
			"status":        model.CollectorTimeout,
			"error_message": errorMsg,
		}).Error
}
