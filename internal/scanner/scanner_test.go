package scanner

import (
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aiforce-discovery-agent/discovery-core/internal/config"
)

func TestScanTargetUsableAfterStop(t *testing.T) {
	s := newTestScanner(config.ScannerConfig{
		Subnets:     []string{"127.0.0.1/32"},
		CommonPorts: []int{80, 81},
	})

	gate := make(chan struct{})
	dialing := make(chan struct{}, 1)
	s.dial = func(network, address string, timeout time.Duration) (net.Conn, error) {
		select {
		case dialing <- struct{}{}:
		default:
		}
		<-gate
		return nil, errRefused
	}

	require.NoError(t, s.Start())
	<-dialing

	go func() {
		time.Sleep(50 * time.Millisecond)
		close(gate)
	}()
	s.Stop()
	assert.False(t, s.IsRunning())

	// The stop must not poison later synchronous probes.
	dials := 0
	s.dial = func(network, address string, timeout time.Duration) (net.Conn, error) {
		dials++
		return nil, errRefused
	}
	_, err := s.ScanTarget("10.0.0.1")
	require.NoError(t, err)
	assert.Equal(t, 2, dials)
}
