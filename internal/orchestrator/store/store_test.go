package store

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aiforce-discovery-agent/discovery-core/internal/orchestrator/model"
)

func newTestStore(t *testing.T) *Store {
	st, err := OpenSQLite(":memory:")
	require.NoError(t, err)
	return st
}

func seedRun(t *testing.T, st *Store, status model.RunStatus) *model.ScanRun {
	run := &model.ScanRun{
		ID:     uuid.New().String(),
		Status: status,
		Config: model.ConfigSnapshot{
			Subnets:    []string{"10.0.0.0/24"},
			Collectors: []string{model.KindNetworkScanner},
		},
		Phases: model.NewPhaseMap(),
	}
	require.NoError(t, st.CreateRun(context.Background(), run))
	return run
}

func seedCollector(t *testing.T, st *Store, runID, kind string) {
	require.NoError(t, st.CreateCollector(context.Background(), &model.CollectorRecord{
		ScanRunID: runID,
		Collector: kind,
		Status:    model.CollectorPending,
	}))
}

func getCollector(t *testing.T, st *Store, runID, kind string) model.CollectorRecord {
	records, err := st.ListCollectors(context.Background(), runID)
	require.NoError(t, err)
	for _, rec := range records {
		if rec.Collector == kind {
			return rec
		}
	}
	t.Fatalf("collector %s not found for run %s", kind, runID)
	return model.CollectorRecord{}
}

func TestApplyProgressRejectsStaleSequence(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()
	run := seedRun(t, st, model.RunScanning)
	seedCollector(t, st, run.ID, model.KindNetworkScanner)

	accepted, err := st.ApplyProgress(ctx, run.ID, model.KindNetworkScanner, 5, 40, 3)
	require.NoError(t, err)
	assert.True(t, accepted)

	// A delayed earlier callback arrives after a later one; it must not
	// roll any field back.
	accepted, err = st.ApplyProgress(ctx, run.ID, model.KindNetworkScanner, 3, 20, 1)
	require.NoError(t, err)
	assert.False(t, accepted)

	rec := getCollector(t, st, run.ID, model.KindNetworkScanner)
	assert.Equal(t, int64(5), rec.LastSequence)
	assert.Equal(t, 40, rec.Progress)
	assert.Equal(t, 3, rec.DiscoveryCount)
	assert.Equal(t, model.CollectorRunning, rec.Status)
}

func TestApplyProgressRejectsDuplicateSequence(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()
	run := seedRun(t, st, model.RunScanning)
	seedCollector(t, st, run.ID, model.KindNetworkScanner)

	accepted, err := st.ApplyProgress(ctx, run.ID, model.KindNetworkScanner, 2, 10, 0)
	require.NoError(t, err)
	assert.True(t, accepted)

	accepted, err = st.ApplyProgress(ctx, run.ID, model.KindNetworkScanner, 2, 99, 7)
	require.NoError(t, err)
	assert.False(t, accepted)

	rec := getCollector(t, st, run.ID, model.KindNetworkScanner)
	assert.Equal(t, 10, rec.Progress)
}

func TestApplyProgressRejectedAfterCompletion(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()
	run := seedRun(t, st, model.RunScanning)
	seedCollector(t, st, run.ID, model.KindNetworkScanner)

	accepted, err := st.CompleteCollector(ctx, run.ID, model.KindNetworkScanner, model.CollectorCompleted, 4, "")
	require.NoError(t, err)
	assert.True(t, accepted)

	// Late progress after completion is discarded.
	accepted, err = st.ApplyProgress(ctx, run.ID, model.KindNetworkScanner, 10, 50, 2)
	require.NoError(t, err)
	assert.False(t, accepted)

	rec := getCollector(t, st, run.ID, model.KindNetworkScanner)
	assert.Equal(t, model.CollectorCompleted, rec.Status)
	assert.Equal(t, 100, rec.Progress)
	assert.Equal(t, 4, rec.DiscoveryCount)
}

func TestCompleteCollectorFirstWriteWins(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()
	run := seedRun(t, st, model.RunScanning)
	seedCollector(t, st, run.ID, model.KindNetworkScanner)

	accepted, err := st.CompleteCollector(ctx, run.ID, model.KindNetworkScanner, model.CollectorCompleted, 6, "")
	require.NoError(t, err)
	assert.True(t, accepted)

	// A duplicate delivery with a different status is a no-op.
	accepted, err = st.CompleteCollector(ctx, run.ID, model.KindNetworkScanner, model.CollectorFailed, 0, "late failure")
	require.NoError(t, err)
	assert.False(t, accepted)

	rec := getCollector(t, st, run.ID, model.KindNetworkScanner)
	assert.Equal(t, model.CollectorCompleted, rec.Status)
	assert.Equal(t, 6, rec.DiscoveryCount)
	assert.Empty(t, rec.ErrorMessage)
}

func TestCompleteCollectorRejectsNonTerminalStatus(t *testing.T) {
	st := newTestStore(t)
	run := seedRun(t, st, model.RunScanning)
	seedCollector(t, st, run.ID, model.KindNetworkScanner)

	_, err := st.CompleteCollector(context.Background(), run.ID, model.KindNetworkScanner, model.CollectorRunning, 0, "")
	assert.Error(t, err)
}

func TestTransitionRunConditional(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()
	run := seedRun(t, st, model.RunPending)

	moved, err := st.TransitionRun(ctx, run.ID, []model.RunStatus{model.RunPending}, model.RunScanning, nil)
	require.NoError(t, err)
	assert.True(t, moved)

	// The same transition applied twice fails its precondition.
	moved, err = st.TransitionRun(ctx, run.ID, []model.RunStatus{model.RunPending}, model.RunScanning, nil)
	require.NoError(t, err)
	assert.False(t, moved)

	got, err := st.GetRun(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, model.RunScanning, got.Status)
}

func TestUpdateRunAggregatesSkipsTerminalRuns(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()
	run := seedRun(t, st, model.RunCompleted)

	phases := model.NewPhaseMap()
	phases[model.PhaseEnumeration] = model.PhaseState{Status: model.PhaseRunning, Progress: 50}
	require.NoError(t, st.UpdateRunAggregates(ctx, run.ID, phases, 42))

	got, err := st.GetRun(ctx, run.ID)
	require.NoError(t, err)
	assert.Zero(t, got.TotalDiscoveries)
	assert.Equal(t, model.PhasePending, got.Phases[model.PhaseEnumeration].Status)
}

func TestCountDiscoveriesAndCandidates(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()
	run := seedRun(t, st, model.RunScanning)

	insert := func(id string, candidate bool) {
		require.NoError(t, st.InsertDiscovery(ctx, &model.Discovery{
			ID:                "d-" + id,
			ScanRunID:         run.ID,
			Source:            model.KindNetworkScanner,
			EventType:         "service.discovered",
			DatabaseCandidate: candidate,
		}))
	}
	insert("1", false)
	insert("2", true)
	insert("3", true)

	total, err := st.CountDiscoveries(ctx, run.ID)
	require.NoError(t, err)
	assert.EqualValues(t, 3, total)

	candidates, err := st.CountCandidates(ctx, run.ID)
	require.NoError(t, err)
	assert.EqualValues(t, 2, candidates)
}

func TestListStaleActiveRuns(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	stale := seedRun(t, st, model.RunScanning)
	fresh := seedRun(t, st, model.RunScanning)
	terminal := seedRun(t, st, model.RunCompleted)

	past := time.Now().UTC().Add(-time.Hour)
	for _, run := range []*model.ScanRun{stale, fresh, terminal} {
		require.NoError(t, st.db.Model(&model.ScanRun{}).
			Where("id = ?", run.ID).
			Update("started_at", past).Error)
	}

	seedCollector(t, st, stale.ID, model.KindNetworkScanner)
	seedCollector(t, st, fresh.ID, model.KindNetworkScanner)

	// Only the fresh run has a heartbeat inside the window.
	cutoff := time.Now().UTC().Add(-10 * time.Minute)
	accepted, err := st.ApplyProgress(ctx, fresh.ID, model.KindNetworkScanner, 1, 5, 0)
	require.NoError(t, err)
	require.True(t, accepted)

	runs, err := st.ListStaleActiveRuns(ctx, cutoff)
	require.NoError(t, err)
	require.Len(t, runs, 1)
	assert.Equal(t, stale.ID, runs[0].ID)
}

func TestTimeoutCollectors(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()
	run := seedRun(t, st, model.RunScanning)
	seedCollector(t, st, run.ID, model.KindNetworkScanner)
	seedCollector(t, st, run.ID, model.KindCloudDiscovery)

	// One collector already finished; it must keep its status.
	accepted, err := st.CompleteCollector(ctx, run.ID, model.KindCloudDiscovery, model.CollectorCompleted, 2, "")
	require.NoError(t, err)
	require.True(t, accepted)

	require.NoError(t, st.TimeoutCollectors(ctx, run.ID, "no heartbeat"))

	scanner := getCollector(t, st, run.ID, model.KindNetworkScanner)
	assert.Equal(t, model.CollectorTimeout, scanner.Status)
	assert.Equal(t, "no heartbeat", scanner.ErrorMessage)

	cloud := getCollector(t, st, run.ID, model.KindCloudDiscovery)
	assert.Equal(t, model.CollectorCompleted, cloud.Status)
}

func TestUpsertCollectorResetsOnlyNonTerminal(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()
	run := seedRun(t, st, model.RunScanning)

	// Absent: created.
	require.NoError(t, st.UpsertCollector(ctx, run.ID, model.KindDBInspector, model.CollectorPending))
	rec := getCollector(t, st, run.ID, model.KindDBInspector)
	assert.Equal(t, model.CollectorPending, rec.Status)

	// Terminal: left alone.
	accepted, err := st.CompleteCollector(ctx, run.ID, model.KindDBInspector, model.CollectorFailed, 0, "boom")
	require.NoError(t, err)
	require.True(t, accepted)
	require.NoError(t, st.UpsertCollector(ctx, run.ID, model.KindDBInspector, model.CollectorPending))
	rec = getCollector(t, st, run.ID, model.KindDBInspector)
	assert.Equal(t, model.CollectorFailed, rec.Status)
}
