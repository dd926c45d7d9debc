package callback

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestReportProgressSequencesIncrease(t *testing.T) {
	var mu sync.Mutex
	var received []Progress
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "secret", r.Header.Get("X-Internal-API-Key"))
		var p Progress
		require.NoError(t, json.NewDecoder(r.Body).Decode(&p))
		mu.Lock()
		received = append(received, p)
		mu.Unlock()
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	r := NewReporter("run-1", srv.URL, srv.URL, "secret", zap.NewNop().Sugar())
	r.IncrementDiscoveryCount()
	r.IncrementDiscoveryCount()

	require.NoError(t, r.ReportProgress("enumeration", 10, "working"))
	require.NoError(t, r.ReportProgress("enumeration", 20, "still working"))

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, received, 2)
	assert.Equal(t, 1, received[0].Sequence)
	assert.Equal(t, 2, received[1].Sequence)
	assert.Equal(t, "run-1", received[0].ScanID)
	assert.Equal(t, CollectorName, received[0].Collector)
	assert.Equal(t, 2, received[0].DiscoveryCount)
}

func TestReportComplete(t *testing.T) {
	var got Completion
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	r := NewReporter("run-2", srv.URL, srv.URL, "", zap.NewNop().Sugar())
	require.NoError(t, r.ReportComplete("failed", "boom"))

	assert.Equal(t, "run-2", got.ScanID)
	assert.Equal(t, "failed", got.Status)
	assert.Equal(t, "boom", got.ErrorMessage)
}

func TestSendCallbackErrorStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	r := NewReporter("run-3", srv.URL, srv.URL, "", zap.NewNop().Sugar())
	err := r.ReportProgress("enumeration", 1, "")
	assert.Error(t, err)
}
