package service

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/aiforce-discovery-agent/discovery-core/internal/orchestrator/model"
	"github.com/aiforce-discovery-agent/discovery-core/internal/orchestrator/store"
)

// okCollectors serves 200 for every trigger and stop request.
func okCollectors(t *testing.T) *httptest.Server {
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
}

func newTestService(t *testing.T, srv *httptest.Server, staleAfter time.Duration) *Service {
	st, err := store.OpenSQLite(":memory:")
	require.NoError(t, err)

	baseURLs := map[string]string{}
	if srv != nil {
		for _, kind := range []string{
			model.KindNetworkScanner,
			model.KindCloudDiscovery,
			model.KindRepoScanner,
			model.KindDBInspector,
			model.KindCorrelator,
		} {
			baseURLs[kind] = srv.URL
		}
	}

	collectors := NewCollectorClient(baseURLs, "test-key",
		"http://orchestrator/progress", "http://orchestrator/complete",
		zap.NewNop().Sugar())

	return New(st, collectors, staleAfter, zap.NewNop().Sugar())
}

func createAndStart(t *testing.T, svc *Service, kinds ...string) *model.ScanRun {
	ctx := context.Background()
	run, err := svc.CreateRun(ctx, "test run", model.ConfigSnapshot{
		Subnets:    []string{"10.0.0.0/24"},
		Collectors: kinds,
	})
	require.NoError(t, err)
	require.Equal(t, model.RunPending, run.Status)

	started, err := svc.Start(ctx, run.ID)
	require.NoError(t, err)
	require.Equal(t, model.RunScanning, started.Status)
	return started
}

func TestCreateRunRejectsUnknownCollector(t *testing.T) {
	svc := newTestService(t, nil, time.Hour)

	_, err := svc.CreateRun(context.Background(), "bad", model.ConfigSnapshot{
		Subnets:    []string{"10.0.0.0/24"},
		Collectors: []string{"no-such-kind"},
	})
	assert.Error(t, err)
}

func TestStartIsIdempotent(t *testing.T) {
	srv := okCollectors(t)
	defer srv.Close()
	svc := newTestService(t, srv, time.Hour)
	ctx := context.Background()

	run := createAndStart(t, svc, model.KindNetworkScanner)

	_, records, err := svc.GetRun(ctx, run.ID)
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, model.CollectorStarting, records[0].Status)

	// Starting again returns the run unchanged and triggers nothing new.
	again, err := svc.Start(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, model.RunScanning, again.Status)

	_, records, err = svc.GetRun(ctx, run.ID)
	require.NoError(t, err)
	assert.Len(t, records, 1)
}

func TestStartFromTerminalStateFails(t *testing.T) {
	srv := okCollectors(t)
	defer srv.Close()
	svc := newTestService(t, srv, time.Hour)
	ctx := context.Background()

	run := createAndStart(t, svc, model.KindNetworkScanner)
	_, err := svc.Stop(ctx, run.ID)
	require.NoError(t, err)

	_, err = svc.Start(ctx, run.ID)
	var stateErr *StateError
	require.ErrorAs(t, err, &stateErr)
	assert.Equal(t, model.RunCancelled, stateErr.Status)
}

func TestMixedCompletionWithoutCandidatesCompletes(t *testing.T) {
	srv := okCollectors(t)
	defer srv.Close()
	svc := newTestService(t, srv, time.Hour)
	ctx := context.Background()

	run := createAndStart(t, svc, model.KindNetworkScanner, model.KindCloudDiscovery)

	// Ten non-candidate discoveries from the scanner.
	for i := 0; i < 10; i++ {
		require.NoError(t, svc.IngestDiscovery(ctx, &model.Discovery{
			ScanRunID: run.ID,
			Source:    model.KindNetworkScanner,
			EventType: "service.discovered",
		}))
	}

	require.NoError(t, svc.HandleCompletion(ctx, CompletionUpdate{
		ScanID:         run.ID,
		Collector:      model.KindNetworkScanner,
		Status:         model.CollectorCompleted,
		DiscoveryCount: 10,
	}))
	require.NoError(t, svc.HandleCompletion(ctx, CompletionUpdate{
		ScanID:       run.ID,
		Collector:    model.KindCloudDiscovery,
		Status:       model.CollectorFailed,
		ErrorMessage: "cloud API unreachable",
	}))

	got, _, err := svc.GetRun(ctx, run.ID)
	require.NoError(t, err)
	// One collector succeeded, so the run is completed, not failed.
	assert.Equal(t, model.RunCompleted, got.Status)
	assert.Equal(t, 10, got.TotalDiscoveries)
	assert.NotNil(t, got.CompletedAt)
}

func TestAllCollectorsFailedFailsRun(t *testing.T) {
	srv := okCollectors(t)
	defer srv.Close()
	svc := newTestService(t, srv, time.Hour)
	ctx := context.Background()

	run := createAndStart(t, svc, model.KindNetworkScanner, model.KindCloudDiscovery)

	for _, kind := range []string{model.KindNetworkScanner, model.KindCloudDiscovery} {
		require.NoError(t, svc.HandleCompletion(ctx, CompletionUpdate{
			ScanID:       run.ID,
			Collector:    kind,
			Status:       model.CollectorFailed,
			ErrorMessage: "boom",
		}))
	}

	got, _, err := svc.GetRun(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, model.RunFailed, got.Status)
	assert.NotEmpty(t, got.ErrorMessage)
}

func TestCandidateDiscoveryRoutesToInspection(t *testing.T) {
	srv := okCollectors(t)
	defer srv.Close()
	svc := newTestService(t, srv, time.Hour)
	ctx := context.Background()

	run := createAndStart(t, svc, model.KindNetworkScanner)

	require.NoError(t, svc.IngestDiscovery(ctx, &model.Discovery{
		ScanRunID:           run.ID,
		Source:              model.KindNetworkScanner,
		EventType:           "service.discovered",
		DatabaseCandidate:   true,
		CandidateConfidence: 0.9,
	}))

	require.NoError(t, svc.HandleCompletion(ctx, CompletionUpdate{
		ScanID:         run.ID,
		Collector:      model.KindNetworkScanner,
		Status:         model.CollectorCompleted,
		DiscoveryCount: 1,
	}))

	got, _, err := svc.GetRun(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, model.RunAwaitingInspection, got.Status)
	assert.Equal(t, 1, got.TotalDiscoveries)

	// The user supplies targets; the run moves into inspecting.
	got, err = svc.TriggerInspection(ctx, run.ID, []InspectionTarget{
		{Host: "10.0.0.5", Port: 3306, Kind: "mysql", Username: "root", Password: "secret"},
	})
	require.NoError(t, err)
	assert.Equal(t, model.RunInspecting, got.Status)
	assert.Equal(t, model.PhaseRunning, got.Phases[model.PhaseInspection].Status)

	// Inspection completes; the run finishes.
	require.NoError(t, svc.HandleCompletion(ctx, CompletionUpdate{
		ScanID:    run.ID,
		Collector: model.KindDBInspector,
		Status:    model.CollectorCompleted,
	}))

	got, _, err = svc.GetRun(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, model.RunCompleted, got.Status)
	assert.Equal(t, model.PhaseCompleted, got.Phases[model.PhaseInspection].Status)
	// Phases that never ran settle as skipped.
	assert.Equal(t, model.PhaseSkipped, got.Phases[model.PhaseCorrelation].Status)
}

func TestFailedInspectionFailsRun(t *testing.T) {
	srv := okCollectors(t)
	defer srv.Close()
	svc := newTestService(t, srv, time.Hour)
	ctx := context.Background()

	run := createAndStart(t, svc, model.KindNetworkScanner)

	require.NoError(t, svc.IngestDiscovery(ctx, &model.Discovery{
		ScanRunID:         run.ID,
		Source:            model.KindNetworkScanner,
		EventType:         "service.discovered",
		DatabaseCandidate: true,
	}))
	require.NoError(t, svc.HandleCompletion(ctx, CompletionUpdate{
		ScanID:    run.ID,
		Collector: model.KindNetworkScanner,
		Status:    model.CollectorCompleted,
	}))

	_, err := svc.TriggerInspection(ctx, run.ID, []InspectionTarget{
		{Host: "10.0.0.5", Port: 5432, Kind: "postgresql"},
	})
	require.NoError(t, err)

	require.NoError(t, svc.HandleCompletion(ctx, CompletionUpdate{
		ScanID:       run.ID,
		Collector:    model.KindDBInspector,
		Status:       model.CollectorFailed,
		ErrorMessage: "authentication failed",
	}))

	got, _, err := svc.GetRun(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, model.RunFailed, got.Status)
	assert.Equal(t, "authentication failed", got.ErrorMessage)
}

func TestSkipInspection(t *testing.T) {
	srv := okCollectors(t)
	defer srv.Close()
	svc := newTestService(t, srv, time.Hour)
	ctx := context.Background()

	run := createAndStart(t, svc, model.KindNetworkScanner)

	require.NoError(t, svc.IngestDiscovery(ctx, &model.Discovery{
		ScanRunID:         run.ID,
		Source:            model.KindNetworkScanner,
		EventType:         "service.discovered",
		DatabaseCandidate: true,
	}))
	require.NoError(t, svc.HandleCompletion(ctx, CompletionUpdate{
		ScanID:    run.ID,
		Collector: model.KindNetworkScanner,
		Status:    model.CollectorCompleted,
	}))

	got, err := svc.SkipInspection(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, model.RunCompleted, got.Status)
	assert.Equal(t, model.PhaseSkipped, got.Phases[model.PhaseInspection].Status)
}

func TestInspectionRequiresAwaitingState(t *testing.T) {
	srv := okCollectors(t)
	defer srv.Close()
	svc := newTestService(t, srv, time.Hour)

	run := createAndStart(t, svc, model.KindNetworkScanner)

	_, err := svc.TriggerInspection(context.Background(), run.ID, []InspectionTarget{
		{Host: "10.0.0.5", Port: 3306, Kind: "mysql"},
	})
	var stateErr *StateError
	require.ErrorAs(t, err, &stateErr)
	assert.Equal(t, model.RunScanning, stateErr.Status)
}

func TestStopCancelsRunAndIgnoresLateCompletion(t *testing.T) {
	srv := okCollectors(t)
	defer srv.Close()
	svc := newTestService(t, srv, time.Hour)
	ctx := context.Background()

	run := createAndStart(t, svc, model.KindNetworkScanner)

	stopped, err := svc.Stop(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, model.RunCancelled, stopped.Status)
	assert.Equal(t, "cancelled by user", stopped.ErrorMessage)

	// A completion that races the stop is recorded on the collector but
	// never resurrects the run.
	require.NoError(t, svc.HandleCompletion(ctx, CompletionUpdate{
		ScanID:    run.ID,
		Collector: model.KindNetworkScanner,
		Status:    model.CollectorCompleted,
	}))

	got, _, err := svc.GetRun(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, model.RunCancelled, got.Status)
}

func TestCancelledCollectorRecordedAsFailure(t *testing.T) {
	srv := okCollectors(t)
	defer srv.Close()
	svc := newTestService(t, srv, time.Hour)
	ctx := context.Background()

	run := createAndStart(t, svc, model.KindNetworkScanner)

	require.NoError(t, svc.HandleCompletion(ctx, CompletionUpdate{
		ScanID:    run.ID,
		Collector: model.KindNetworkScanner,
		Status:    "cancelled",
	}))

	_, records, err := svc.GetRun(ctx, run.ID)
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, model.CollectorFailed, records[0].Status)
	assert.Equal(t, "collector cancelled", records[0].ErrorMessage)
}

func TestProgressUpdatesAggregatePhases(t *testing.T) {
	srv := okCollectors(t)
	defer srv.Close()
	svc := newTestService(t, srv, time.Hour)
	ctx := context.Background()

	run := createAndStart(t, svc, model.KindNetworkScanner, model.KindCloudDiscovery)

	require.NoError(t, svc.HandleProgress(ctx, ProgressUpdate{
		ScanID: run.ID, Collector: model.KindNetworkScanner, Sequence: 1, Progress: 40, DiscoveryCount: 3,
	}))
	require.NoError(t, svc.HandleProgress(ctx, ProgressUpdate{
		ScanID: run.ID, Collector: model.KindCloudDiscovery, Sequence: 1, Progress: 20, DiscoveryCount: 1,
	}))

	got, _, err := svc.GetRun(ctx, run.ID)
	require.NoError(t, err)
	enum := got.Phases[model.PhaseEnumeration]
	assert.Equal(t, model.PhaseRunning, enum.Status)
	assert.Equal(t, 30, enum.Progress)
	assert.Equal(t, 4, enum.DiscoveryCount)

	// A stale callback changes nothing.
	require.NoError(t, svc.HandleProgress(ctx, ProgressUpdate{
		ScanID: run.ID, Collector: model.KindNetworkScanner, Sequence: 1, Progress: 99,
	}))
	got, _, err = svc.GetRun(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, 30, got.Phases[model.PhaseEnumeration].Progress)
}

func TestTriggerFailureFailsCollector(t *testing.T) {
	// No collector endpoints configured at all.
	svc := newTestService(t, nil, time.Hour)
	ctx := context.Background()

	run, err := svc.CreateRun(ctx, "unreachable", model.ConfigSnapshot{
		Subnets:    []string{"10.0.0.0/24"},
		Collectors: []string{model.KindNetworkScanner},
	})
	require.NoError(t, err)

	got, err := svc.Start(ctx, run.ID)
	require.NoError(t, err)
	// The only collector could not be triggered, so the run fails outright.
	assert.Equal(t, model.RunFailed, got.Status)

	_, records, err := svc.GetRun(ctx, run.ID)
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, model.CollectorFailed, records[0].Status)
}

func TestSweepStuckRuns(t *testing.T) {
	srv := okCollectors(t)
	defer srv.Close()
	svc := newTestService(t, srv, 50*time.Millisecond)
	ctx := context.Background()

	run := createAndStart(t, svc, model.KindNetworkScanner)

	// The staleness window elapses with no heartbeat from any collector.
	time.Sleep(200 * time.Millisecond)
	require.NoError(t, svc.SweepStuckRuns(ctx))

	got, records, err := svc.GetRun(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, model.RunFailed, got.Status)
	assert.Contains(t, got.ErrorMessage, "no heartbeat")
	require.Len(t, records, 1)
	assert.Equal(t, model.CollectorTimeout, records[0].Status)
}

func TestSweepSparesRunsWithRecentHeartbeat(t *testing.T) {
	srv := okCollectors(t)
	defer srv.Close()
	svc := newTestService(t, srv, 50*time.Millisecond)
	ctx := context.Background()

	run := createAndStart(t, svc, model.KindNetworkScanner)

	time.Sleep(200 * time.Millisecond)
	// A heartbeat lands just before the sweep; the run stays alive.
	require.NoError(t, svc.HandleProgress(ctx, ProgressUpdate{
		ScanID: run.ID, Collector: model.KindNetworkScanner, Sequence: 1, Progress: 10,
	}))
	require.NoError(t, svc.SweepStuckRuns(ctx))

	got, _, err := svc.GetRun(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, model.RunScanning, got.Status)
}
