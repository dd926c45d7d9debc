package scanner

import (
	"context"
	"fmt"
	"net"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"

	"github.com/aiforce-discovery-agent/discovery-core/internal/callback"
)

// Hard ceilings applied server-side regardless of what the caller requests.
const (
	maxConcurrentHosts   = 500
	maxDeadHostThreshold = 50
)

// OrchestratedScanConfig carries the per-run configuration delivered by the
// orchestrator's trigger request, including the two callback endpoints.
type OrchestratedScanConfig struct {
	ScanID             string
	Subnets            []string
	PortRanges         []string
	RateLimitPPS       int
	TimeoutMS          int
	MaxConcurrentHosts int
	DeadHostThreshold  int
	ProgressURL        string
	CompleteURL        string
	APIKey             string
}

// StartOrchestrated begins a scan on behalf of a run, reporting progress and
// completion to the supplied callback URLs. Returns an error if a scan is
// already active; requests are never queued.
func (s *Scanner) StartOrchestrated(cfg OrchestratedScanConfig) error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return fmt.Errorf("scanner already running")
	}
	s.running = true

	// Fresh cancellation token for this run.
	s.ctx, s.cancel = context.WithCancel(context.Background())

	if len(cfg.Subnets) > 0 {
		s.config.Subnets = cfg.Subnets
	}
	if len(cfg.PortRanges) > 0 {
		s.config.PortRanges = cfg.PortRanges
	}
	if cfg.RateLimitPPS > 0 {
		s.config.RateLimit = cfg.RateLimitPPS
		s.limiter = rate.NewLimiter(rate.Limit(cfg.RateLimitPPS), cfg.RateLimitPPS)
	}
	if cfg.TimeoutMS > 0 {
		s.config.Timeout = cfg.TimeoutMS
	}
	if cfg.MaxConcurrentHosts > 0 {
		if cfg.MaxConcurrentHosts > maxConcurrentHosts {
			s.logger.Warnw("MaxConcurrentHosts exceeds limit, capping",
				"requested", cfg.MaxConcurrentHosts, "max", maxConcurrentHosts)
			cfg.MaxConcurrentHosts = maxConcurrentHosts
		}
		s.config.Concurrency = cfg.MaxConcurrentHosts
	}
	if cfg.DeadHostThreshold > 0 {
		if cfg.DeadHostThreshold > maxDeadHostThreshold {
			s.logger.Warnw("DeadHostThreshold exceeds limit, capping",
				"requested", cfg.DeadHostThreshold, "max", maxDeadHostThreshold)
			cfg.DeadHostThreshold = maxDeadHostThreshold
		}
		s.config.DeadHostThreshold = cfg.DeadHostThreshold
	}

	s.reporter = callback.NewReporter(cfg.ScanID, cfg.ProgressURL, cfg.CompleteURL, cfg.APIKey, s.logger)
	s.mu.Unlock()

	s.logger.Infow("Starting orchestrated network scan",
		"scan_id", cfg.ScanID,
		"subnets", cfg.Subnets,
		"port_ranges", cfg.PortRanges,
	)

	if err := s.reporter.ReportProgress("enumeration", 0, "Starting network scan"); err != nil {
		s.logger.Warnw("Failed to report initial progress", "error", err)
	}

	s.wg.Add(1)
	go s.runOrchestratedScan()

	return nil
}

func (s *Scanner) runOrchestratedScan() {
	defer s.wg.Done()

	// Total address count across all ranges, for progress percentages.
	var totalIPs int64
	for _, subnet := range s.config.Subnets {
		_, ipNet, err := net.ParseCIDR(subnet)
		if err != nil {
			continue
		}
		ones, bits := ipNet.Mask.Size()
		totalIPs += 1 << uint(bits-ones)
	}
	var scannedIPs int64

	progressDone := make(chan struct{})
	go s.reportPeriodically(&scannedIPs, totalIPs, progressDone)

	for _, subnet := range s.config.Subnets {
		select {
		case <-s.ctx.Done():
			close(progressDone)
			s.finishOrchestratedScan("cancelled", "Scan was cancelled")
			return
		default:
		}

		s.scanRange(subnet, &scannedIPs)
	}

	close(progressDone)

	// A stop during the final range cancels the context without another
	// loop iteration to notice; the outcome is still a cancellation.
	if s.ctx.Err() != nil {
		s.finishOrchestratedScan("cancelled", "Scan was cancelled")
		return
	}

	if rep := s.currentReporter(); rep != nil && rep.DiscoveryCount() == 0 {
		s.logger.Warnw("Scan completed with zero published discoveries")
	}
	s.finishOrchestratedScan("completed", "")
}

// reportPeriodically emits a progress callback on a fixed interval,
// independent of queue activity. Reported progress is capped at 99:
// 100 is reserved for the completion callback.
func (s *Scanner) reportPeriodically(scannedIPs *int64, totalIPs int64, done <-chan struct{}) {
	ticker := time.NewTicker(10 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			rep := s.currentReporter()
			if rep == nil {
				return
			}
			scanned := atomic.LoadInt64(scannedIPs)
			progress := 0
			if totalIPs > 0 {
				progress = int((scanned * 100) / totalIPs)
			}
			if progress > 99 {
				progress = 99
			}
			msg := fmt.Sprintf("Scanned %d/%d hosts", scanned, totalIPs)
			_ = rep.ReportProgress("enumeration", progress, msg)
		case <-done:
			return
		case <-s.ctx.Done():
			return
		}
	}
}

func (s *Scanner) finishOrchestratedScan(status string, errorMsg string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.running = false

	if s.reporter != nil {
		if err := s.reporter.ReportComplete(status, errorMsg); err != nil {
			s.logger.Errorw("Failed to report completion", "error", err)
		}
		s.logger.Infow("Orchestrated scan finished",
			"status", status,
			"discovery_count", s.reporter.DiscoveryCount(),
		)
		s.reporter = nil
	}
}
