package service

import (
	"context"
	"fmt"
	"time"

	"github.com/aiforce-discovery-agent/discovery-core/internal/orchestrator/model"
)

// checkForCompletion advances a run once every collector is terminal.
// Decision rule from `scanning`:
//   - any database-candidate discovery -> awaiting_inspection
//   - every collector failed/timeout   -> failed (no useful signal)
//   - otherwise                        -> completed
//
// From `inspecting`, the inspection collector's terminal status decides.
// The run status and phase sub-statuses are committed in one conditional
// write so concurrent completion callbacks cannot split the transition.
func (s *Service) checkForCompletion(ctx context.Context, runID string) error {
	run, err := s.store.GetRun(ctx, runID)
	if err != nil {
		return err
	}
	if run.Status != model.RunScanning && run.Status != model.RunInspecting {
		return nil
	}

	records, err := s.store.ListCollectors(ctx, runID)
	if err != nil {
		return err
	}
	if len(records) == 0 {
		return nil
	}
	for _, rec := range records {
		if !rec.Status.Terminal() {
			return nil
		}
	}

	total, err := s.store.CountDiscoveries(ctx, runID)
	if err != nil {
		return err
	}

	if run.Status == model.RunInspecting {
		return s.finishInspection(ctx, run, records, int(total))
	}

	candidates, err := s.store.CountCandidates(ctx, runID)
	if err != nil {
		return err
	}

	allFailed := true
	for _, rec := range records {
		if rec.Status == model.CollectorCompleted {
			allFailed = false
			break
		}
	}

	phases := aggregatePhases(run.Phases, records)

	var to model.RunStatus
	var errorMsg string
	switch {
	case candidates > 0:
		to = model.RunAwaitingInspection
	case allFailed:
		to = model.RunFailed
		errorMsg = "all collectors failed and no candidates were found"
	default:
		to = model.RunCompleted
	}

	extra := map[string]interface{}{
		"total_discoveries": int(total),
	}
	if to == model.RunCompleted || to == model.RunFailed {
		now := time.Now().UTC()
		extra["completed_at"] = now
		settleUnstartedPhases(phases)
	}
	if errorMsg != "" {
		extra["error_message"] = errorMsg
	}
	extra["phases"] = phases

	moved, err := s.store.TransitionRun(ctx, runID,
		[]model.RunStatus{model.RunScanning}, to, extra)
	if err != nil {
		return err
	}
	if moved {
		s.logger.Infow("Scan run advanced", "run_id", runID, "status", to,
			"candidates", candidates, "total_discoveries", total)
	}
	return nil
}

func (s *Service) finishInspection(ctx context.Context, run *model.ScanRun, records []model.CollectorRecord, total int) error {
	var inspection *model.CollectorRecord
	for i := range records {
		if records[i].Collector == model.KindDBInspector {
			inspection = &records[i]
			break
		}
	}
	if inspection == nil {
		return nil
	}

	phases := aggregatePhases(run.Phases, records)
	settleUnstartedPhases(phases)

	to := model.RunCompleted
	var errorMsg string
	if inspection.Status != model.CollectorCompleted {
		to = model.RunFailed
		errorMsg = inspection.ErrorMessage
		if errorMsg == "" {
			errorMsg = fmt.Sprintf("inspection collector ended with status %s", inspection.Status)
		}
	}

	now := time.Now().UTC()
	extra := map[string]interface{}{
		"total_discoveries": total,
		"completed_at":      now,
		"phases":            phases,
	}
	if errorMsg != "" {
		extra["error_message"] = errorMsg
	}

	moved, err := s.store.TransitionRun(ctx, run.ID,
		[]model.RunStatus{model.RunInspecting}, to, extra)
	if err != nil {
		return err
	}
	if moved {
		s.logger.Infow("Inspection finished", "run_id", run.ID, "status", to)
	}
	return nil
}

// settleUnstartedPhases marks phases that never ran as skipped when the run
// reaches a terminal state, so no phase is left dangling in pending.
func settleUnstartedPhases(phases model.PhaseMap) {
	for _, p := range model.AllPhases {
		if st, ok := phases[p]; ok && st.Status == model.PhasePending {
			phases[p] = model.PhaseState{Status: model.PhaseSkipped, DiscoveryCount: st.DiscoveryCount}
		}
	}
}

// TriggerInspection moves an awaiting_inspection run into inspecting and
// forwards the user-supplied targets (with credentials) to the inspection
// collector. Credentials live only in the forwarded request body. A
// transport-level failure fails the run with the underlying error verbatim.
func (s *Service) TriggerInspection(ctx context.Context, runID string, targets []InspectionTarget) (*model.ScanRun, error) {
	if len(targets) == 0 {
		return nil, fmt.Errorf("at least one inspection target is required")
	}

	run, err := s.store.GetRun(ctx, runID)
	if err != nil {
		return nil, err
	}
	if run.Status != model.RunAwaitingInspection {
		return nil, &StateError{Op: "inspect", Status: run.Status}
	}

	phases := run.Phases
	phases[model.PhaseInspection] = model.PhaseState{Status: model.PhaseRunning}

	moved, err := s.store.TransitionRun(ctx, runID,
		[]model.RunStatus{model.RunAwaitingInspection}, model.RunInspecting,
		map[string]interface{}{"phases": phases})
	if err != nil {
		return nil, err
	}
	if !moved {
		current, err := s.store.GetRun(ctx, runID)
		if err != nil {
			return nil, err
		}
		return nil, &StateError{Op: "inspect", Status: current.Status}
	}

	if err := s.store.UpsertCollector(ctx, runID, model.KindDBInspector, model.CollectorPending); err != nil {
		return nil, err
	}

	if err := s.collectors.Trigger(ctx, model.KindDBInspector, run, targets); err != nil {
		// Inspection has no fallback path; surface the trigger error as the
		// run's terminal reason.
		if _, cerr := s.store.CompleteCollector(ctx, runID, model.KindDBInspector, model.CollectorFailed, 0, err.Error()); cerr != nil {
			s.logger.Errorw("Failed to mark inspector failed", "run_id", runID, "error", cerr)
		}
		now := time.Now().UTC()
		if _, terr := s.store.TransitionRun(ctx, runID,
			[]model.RunStatus{model.RunInspecting}, model.RunFailed,
			map[string]interface{}{
				"error_message": err.Error(),
				"completed_at":  now,
			}); terr != nil {
			s.logger.Errorw("Failed to fail run after trigger error", "run_id", runID, "error", terr)
		}
		return nil, err
	}

	if err := s.store.MarkCollectorStarting(ctx, runID, model.KindDBInspector); err != nil {
		s.logger.Errorw("Failed to mark inspector starting", "run_id", runID, "error", err)
	}

	s.logger.Infow("Inspection triggered", "run_id", runID, "targets", len(targets))
	return s.store.GetRun(ctx, runID)
}

// SkipInspection closes out an awaiting_inspection run without inspecting.
func (s *Service) SkipInspection(ctx context.Context, runID string) (*model.ScanRun, error) {
	run, err := s.store.GetRun(ctx, runID)
	if err != nil {
		return nil, err
	}
	if run.Status != model.RunAwaitingInspection {
		return nil, &StateError{Op: "skip inspection", Status: run.Status}
	}

	phases := run.Phases
	settleUnstartedPhases(phases)

	now := time.Now().UTC()
	moved, err := s.store.TransitionRun(ctx, runID,
		[]model.RunStatus{model.RunAwaitingInspection}, model.RunCompleted,
		map[string]interface{}{
			"phases":       phases,
			"completed_at": now,
		})
	if err != nil {
		return nil, err
	}
	if !moved {
		current, err := s.store.GetRun(ctx, runID)
		if err != nil {
			return nil, err
		}
		return nil, &StateError{Op: "skip inspection", Status: current.Status}
	}

	s.logger.Infow("Inspection skipped", "run_id", runID)
	return s.store.GetRun(ctx, runID)
}

// Stop cancels an active run and sends best-effort stop requests to every
// non-terminal collector. Stop failures are logged, not retried, and never
// block the run's own transition to cancelled.
func (s *Service) Stop(ctx context.Context, runID string) (*model.ScanRun, error) {
	run, err := s.store.GetRun(ctx, runID)
	if err != nil {
		return nil, err
	}
	if run.Status.Terminal() {
		return nil, &StateError{Op: "stop", Status: run.Status}
	}

	now := time.Now().UTC()
	activeStates := []model.RunStatus{model.RunPending, model.RunScanning, model.RunAwaitingInspection, model.RunInspecting}
	moved, err := s.store.TransitionRun(ctx, runID, activeStates, model.RunCancelled,
		map[string]interface{}{
			"error_message": "cancelled by user",
			"completed_at":  now,
		})
	if err != nil {
		return nil, err
	}
	if !moved {
		current, err := s.store.GetRun(ctx, runID)
		if err != nil {
			return nil, err
		}
		return nil, &StateError{Op: "stop", Status: current.Status}
	}

	records, err := s.store.ListCollectors(ctx, runID)
	if err == nil {
		for _, rec := range records {
			if rec.Status.Terminal() {
				continue
			}
			if err := s.collectors.Stop(ctx, rec.Collector, runID); err != nil {
				s.logger.Warnw("Collector stop failed", "run_id", runID, "collector", rec.Collector, "error", err)
			}
		}
	}

	s.logger.Infow("Scan run cancelled", "run_id", runID)
	return s.store.GetRun(ctx, runID)
}

// SweepStuckRuns finds active runs whose start time exceeds the staleness
// window with no collector heartbeat inside that window, and drives them to
// failed. This is the only unilateral termination path: a run is never
// silently abandoned.
func (s *Service) SweepStuckRuns(ctx context.Context) error {
	cutoff := time.Now().UTC().Add(-s.staleAfter)
	runs, err := s.store.ListStaleActiveRuns(ctx, cutoff)
	if err != nil {
		return err
	}

	for _, run := range runs {
		msg := fmt.Sprintf("no heartbeat from any collector within %s", s.staleAfter)
		if err := s.store.TimeoutCollectors(ctx, run.ID, msg); err != nil {
			s.logger.Errorw("Failed to time out collectors", "run_id", run.ID, "error", err)
			continue
		}

		now := time.Now().UTC()
		moved, err := s.store.TransitionRun(ctx, run.ID,
			[]model.RunStatus{model.RunScanning, model.RunInspecting}, model.RunFailed,
			map[string]interface{}{
				"error_message": msg,
				"completed_at":  now,
			})
		if err != nil {
			s.logger.Errorw("Failed to fail stuck run", "run_id", run.ID, "error", err)
			continue
		}
		if moved {
			s.logger.Warnw("Stuck run failed by sweep", "run_id", run.ID, "stale_after", s.staleAfter)
		}
	}

	return nil
}
