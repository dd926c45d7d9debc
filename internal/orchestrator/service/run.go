// Package service implements the scan orchestration state machine.
//
// Run lifecycle:
//
//	pending -> scanning -> awaiting_inspection -> inspecting -> completed|failed
//	                    -> completed | failed
//	any active state -> cancelled (explicit stop)
//
// The orchestrator is stateless between calls; all conflicting updates go
// through the store's conditional writes, because callbacks arrive
// concurrently from independent collector processes.
package service

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/aiforce-discovery-agent/discovery-core/internal/orchestrator/model"
	"github.com/aiforce-discovery-agent/discovery-core/internal/orchestrator/store"
)

// StateError reports an operation attempted from an invalid run state.
// It is rejected synchronously with no side effects.
type StateError struct {
	Op     string
	Status model.RunStatus
}

func (e *StateError) Error() string {
	return fmt.Sprintf("cannot %s from state %q", e.Op, e.Status)
}

// Service drives scan runs through their lifecycle.
type Service struct {
	store      *store.Store
	collectors *CollectorClient
	logger     *zap.SugaredLogger
	staleAfter time.Duration
}

// New creates the orchestration service.
func New(st *store.Store, collectors *CollectorClient, staleAfter time.Duration, logger *zap.SugaredLogger) *Service {
	return &Service{
		store:      st,
		collectors: collectors,
		logger:     logger,
		staleAfter: staleAfter,
	}
}

// CreateRun creates a pending run from a frozen configuration snapshot.
func (s *Service) CreateRun(ctx context.Context, name string, cfg model.ConfigSnapshot) (*model.ScanRun, error) {
	if len(cfg.Collectors) == 0 {
		return nil, fmt.Errorf("at least one collector kind is required")
	}
	for _, kind := range cfg.Collectors {
		if !model.KnownKind(kind) {
			return nil, fmt.Errorf("unknown collector kind %q", kind)
		}
	}

	run := &model.ScanRun{
		ID:     uuid.New().String(),
		Name:   name,
		Status: model.RunPending,
		Config: cfg,
		Phases: model.NewPhaseMap(),
	}

	if err := s.store.CreateRun(ctx, run); err != nil {
		return nil, fmt.Errorf("failed to create run: %w", err)
	}

	s.logger.Infow("Scan run created", "run_id", run.ID, "collectors", cfg.Collectors)
	return run, nil
}

// GetRun returns a run with its collector records.
func (s *Service) GetRun(ctx context.Context, runID string) (*model.ScanRun, []model.CollectorRecord, error) {
	run, err := s.store.GetRun(ctx, runID)
	if err != nil {
		return nil, nil, err
	}
	records, err := s.store.ListCollectors(ctx, runID)
	if err != nil {
		return nil, nil, err
	}
	return run, records, nil
}

// Start launches a pending run. Idempotent: starting a run that is already
// scanning returns its current state unchanged; any other non-startable
// state is a synchronous state-conflict error. Exactly one caller wins the
// pending->scanning transition, so collectors are triggered once.
func (s *Service) Start(ctx context.Context, runID string) (*model.ScanRun, error) {
	run, err := s.store.GetRun(ctx, runID)
	if err != nil {
		return nil, err
	}

	if run.Status == model.RunScanning {
		return run, nil
	}
	if run.Status != model.RunPending {
		return nil, &StateError{Op: "start", Status: run.Status}
	}

	now := time.Now().UTC()
	phases := startingPhases(run.Config.Collectors)
	won, err := s.store.TransitionRun(ctx, runID,
		[]model.RunStatus{model.RunPending}, model.RunScanning,
		map[string]interface{}{
			"started_at": now,
			"phases":     phases,
		})
	if err != nil {
		return nil, err
	}
	if !won {
		// Lost the race; report whatever state the winner produced.
		current, err := s.store.GetRun(ctx, runID)
		if err != nil {
			return nil, err
		}
		if current.Status == model.RunScanning {
			return current, nil
		}
		return nil, &StateError{Op: "start", Status: current.Status}
	}

	s.logger.Infow("Scan run starting", "run_id", runID)

	for _, kind := range run.Config.Collectors {
		if err := s.store.CreateCollector(ctx, &model.CollectorRecord{
			ScanRunID: runID,
			Collector: kind,
			Status:    model.CollectorPending,
		}); err != nil {
			return nil, fmt.Errorf("failed to create collector record: %w", err)
		}
	}

	run.Status = model.RunScanning
	run.StartedAt = &now
	run.Phases = phases

	// Trigger each collector; a failure marks only that collector failed
	// and never blocks the others.
	for _, kind := range run.Config.Collectors {
		if err := s.collectors.Trigger(ctx, kind, run, nil); err != nil {
			s.logger.Warnw("Collector trigger failed", "run_id", runID, "collector", kind, "error", err)
			if _, cerr := s.store.CompleteCollector(ctx, runID, kind, model.CollectorFailed, 0, err.Error()); cerr != nil {
				s.logger.Errorw("Failed to mark collector failed", "run_id", runID, "collector", kind, "error", cerr)
			}
			continue
		}
		if err := s.store.MarkCollectorStarting(ctx, runID, kind); err != nil {
			s.logger.Errorw("Failed to mark collector starting", "run_id", runID, "collector", kind, "error", err)
		}
	}

	// All triggers may have failed; drive the run to a terminal state now
	// rather than waiting for a sweep.
	if err := s.checkForCompletion(ctx, runID); err != nil {
		s.logger.Errorw("Completion check failed", "run_id", runID, "error", err)
	}

	return s.store.GetRun(ctx, runID)
}

// startingPhases marks the phases of configured collectors running.
func startingPhases(kinds []string) model.PhaseMap {
	phases := model.NewPhaseMap()
	for _, kind := range kinds {
		p := model.PhaseFor(kind)
		phases[p] = model.PhaseState{Status: model.PhaseRunning}
	}
	return phases
}

// ProgressUpdate is one progress callback from a collector.
type ProgressUpdate struct {
	ScanID         string
	Collector      string
	Sequence       int64
	Progress       int
	DiscoveryCount int
	Message        string
}

// HandleProgress applies a progress callback. Stale or duplicate sequences
// are silently ignored; accepted updates refresh the phase aggregates.
func (s *Service) HandleProgress(ctx context.Context, p ProgressUpdate) error {
	accepted, err := s.store.ApplyProgress(ctx, p.ScanID, p.Collector, p.Sequence, p.Progress, p.DiscoveryCount)
	if err != nil {
		return err
	}
	if !accepted {
		s.logger.Debugw("Stale or duplicate progress callback ignored",
			"run_id", p.ScanID, "collector", p.Collector, "sequence", p.Sequence)
		return nil
	}

	return s.refreshAggregates(ctx, p.ScanID)
}

// CompletionUpdate is one completion callback from a collector.
type CompletionUpdate struct {
	ScanID         string
	Collector      string
	Status         model.CollectorStatus
	DiscoveryCount int
	ErrorMessage   string
}

// HandleCompletion applies a completion callback with first-write-wins
// semantics, then decides whether the run can advance.
func (s *Service) HandleCompletion(ctx context.Context, c CompletionUpdate) error {
	status := c.Status
	if status == "cancelled" {
		// Engines report cancellation distinctly; the record keeps it as a
		// failure with an explicit reason so the terminal set stays closed.
		status = model.CollectorFailed
		if c.ErrorMessage == "" {
			c.ErrorMessage = "collector cancelled"
		}
	}

	accepted, err := s.store.CompleteCollector(ctx, c.ScanID, c.Collector, status, c.DiscoveryCount, c.ErrorMessage)
	if err != nil {
		return err
	}
	if !accepted {
		s.logger.Debugw("Duplicate completion callback ignored",
			"run_id", c.ScanID, "collector", c.Collector)
		return nil
	}

	if err := s.refreshAggregates(ctx, c.ScanID); err != nil {
		return err
	}
	return s.checkForCompletion(ctx, c.ScanID)
}

// IngestDiscovery stores one discovery record and recomputes the run total.
func (s *Service) IngestDiscovery(ctx context.Context, d *model.Discovery) error {
	if d.ID == "" {
		d.ID = uuid.New().String()
	}
	if err := s.store.InsertDiscovery(ctx, d); err != nil {
		return err
	}
	return s.refreshAggregates(ctx, d.ScanRunID)
}

// refreshAggregates recomputes the phase map and the total-discoveries
// counter from the underlying rows. Sums, never increments, so replayed
// updates cannot double-count.
func (s *Service) refreshAggregates(ctx context.Context, runID string) error {
	run, err := s.store.GetRun(ctx, runID)
	if err != nil {
		return err
	}
	if run.Status.Terminal() {
		return nil
	}

	records, err := s.store.ListCollectors(ctx, runID)
	if err != nil {
		return err
	}

	phases := aggregatePhases(run.Phases, records)

	total, err := s.store.CountDiscoveries(ctx, runID)
	if err != nil {
		return err
	}

	return s.store.UpdateRunAggregates(ctx, runID, phases, int(total))
}

// aggregatePhases recomputes each phase from the collectors mapped to it.
// Phase discovery counts are sums across mapped collectors; progress is the
// mean. Sub-statuses are monotonic: settled phases are never downgraded.
func aggregatePhases(existing model.PhaseMap, records []model.CollectorRecord) model.PhaseMap {
	phases := make(model.PhaseMap, len(model.AllPhases))
	for p, st := range existing {
		phases[p] = st
	}

	byPhase := make(map[model.Phase][]model.CollectorRecord)
	for _, rec := range records {
		p := model.PhaseFor(rec.Collector)
		byPhase[p] = append(byPhase[p], rec)
	}

	for p, recs := range byPhase {
		prior := phases[p]
		if prior.Status == model.PhaseCompleted || prior.Status == model.PhaseFailed || prior.Status == model.PhaseSkipped {
			continue
		}

		var count, progressSum int
		terminal, anyCompleted, anyActive := true, false, false
		for _, rec := range recs {
			count += rec.DiscoveryCount
			progressSum += rec.Progress
			if !rec.Status.Terminal() {
				terminal = false
			}
			if rec.Status == model.CollectorCompleted {
				anyCompleted = true
			}
			if rec.Status == model.CollectorRunning || rec.Status == model.CollectorStarting {
				anyActive = true
			}
		}

		state := model.PhaseState{
			Progress:       progressSum / len(recs),
			DiscoveryCount: count,
		}
		switch {
		case terminal && anyCompleted:
			state.Status = model.PhaseCompleted
			state.Progress = 100
		case terminal:
			state.Status = model.PhaseFailed
		case anyActive:
			state.Status = model.PhaseRunning
		default:
			state.Status = prior.Status
		}
		phases[p] = state
	}

	return phases
}
