// Package scanner implements the concurrent discovery engine.
package scanner

import (
	"context"
	"fmt"
	"net"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/aiforce-discovery-agent/discovery-core/internal/callback"
	"github.com/aiforce-discovery-agent/discovery-core/internal/config"
	"github.com/aiforce-discovery-agent/discovery-core/internal/publisher"
)

// dialFunc matches net.DialTimeout; swapped out in tests.
type dialFunc func(network, address string, timeout time.Duration) (net.Conn, error)

// Scanner performs network discovery operations. At most one scan is
// active per instance; a second start fails rather than queuing.
type Scanner struct {
	config        config.ScannerConfig
	publisher     publisher.DiscoveryPublisher
	logger        *zap.SugaredLogger
	limiter       *rate.Limiter
	fingerprinter *Fingerprinter
	cloud         *CloudDetector
	reporter      *callback.Reporter
	dial          dialFunc
	ctx           context.Context
	cancel        context.CancelFunc
	wg            sync.WaitGroup
	running       bool
	mu            sync.RWMutex
}

// New creates a new Scanner instance.
func New(cfg config.ScannerConfig, pub publisher.DiscoveryPublisher, logger *zap.SugaredLogger) *Scanner {
	ctx, cancel := context.WithCancel(context.Background())

	return &Scanner{
		config:        cfg,
		publisher:     pub,
		logger:        logger,
		limiter:       rate.NewLimiter(rate.Limit(cfg.RateLimit), cfg.RateLimit),
		fingerprinter: NewFingerprinter(),
		cloud:         NewCloudDetector(),
		dial:          net.DialTimeout,
		ctx:           ctx,
		cancel:        cancel,
	}
}

// Start begins scanning the subnets from the static configuration.
// This is the callback-free mode; orchestrated scans go through StartOrchestrated.
func (s *Scanner) Start() error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return fmt.Errorf("scanner already running")
	}
	s.running = true
	s.ctx, s.cancel = context.WithCancel(context.Background())
	s.mu.Unlock()

	s.logger.Info("Starting network scan")

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		var scanned int64
		for _, subnet := range s.config.Subnets {
			s.scanRange(subnet, &scanned)
		}
		s.mu.Lock()
		s.running = false
		s.mu.Unlock()
	}()

	return nil
}

// Stop cancels the active scan and waits for in-flight probes to finish.
func (s *Scanner) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.logger.Info("Stopping scanner")
	s.cancel()
	s.mu.Unlock()

	s.wg.Wait()

	s.mu.Lock()
	s.running = false
	// Replace the cancelled context so synchronous single-target probes
	// keep working between scans.
	s.ctx, s.cancel = context.WithCancel(context.Background())
	s.mu.Unlock()
	s.logger.Info("Scanner stopped")
}

// IsRunning returns whether a scan is currently active.
func (s *Scanner) IsRunning() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.running
}

// scanRange walks one CIDR range with a bounded worker pool. The feeder is
// the single producer; workers pull addresses off the shared channel.
// An invalid CIDR skips the range, not the scan.
func (s *Scanner) scanRange(subnet string, scanned *int64) {
	s.logger.Infow("Scanning range", "subnet", subnet)

	_, ipNet, err := net.ParseCIDR(subnet)
	if err != nil {
		s.logger.Errorw("Invalid subnet, skipping", "subnet", subnet, "error", err)
		return
	}

	numWorkers := s.config.Concurrency
	if numWorkers <= 0 {
		numWorkers = 100
	}

	ipChan := make(chan string, numWorkers*2)
	var workerWg sync.WaitGroup
	counters := newRangeCounters()

	for i := 0; i < numWorkers; i++ {
		workerWg.Add(1)
		go s.probeWorker(ipChan, counters, &workerWg)
	}

	s.feedRange(ipNet, ipChan, scanned)

	close(ipChan)
	workerWg.Wait()

	// Every open-port publish failing for a range indicates a systemic
	// publishing problem, not individual flakiness.
	if counters.allPublishesFailed() {
		s.logger.Errorw("All publish attempts failed for range",
			"subnet", subnet,
			"open_ports", counters.openPorts(),
			"failures", counters.publishFailures(),
		)
	}
}

// feedRange enumerates addresses in ascending order, dropping exclusions,
// and stops feeding once the scan is cancelled.
func (s *Scanner) feedRange(ipNet *net.IPNet, ipChan chan<- string, scanned *int64) {
	for ip := ipNet.IP.Mask(ipNet.Mask); ipNet.Contains(ip); incrementIP(ip) {
		select {
		case <-s.ctx.Done():
			return
		default:
		}

		// Copy the string before sending; incrementIP mutates the bytes.
		ipStr := ip.String()
		addScanned(scanned)

		if s.isExcluded(ipStr) {
			continue
		}

		select {
		case ipChan <- ipStr:
		case <-s.ctx.Done():
			return
		}
	}
}

func (s *Scanner) probeWorker(ipChan <-chan string, counters *rangeCounters, wg *sync.WaitGroup) {
	defer wg.Done()
	for ipStr := range ipChan {
		results, err := s.ScanTarget(ipStr)
		if err != nil {
			if err == context.Canceled {
				return
			}
			s.logger.Warnw("Scan error", "ip", ipStr, "error", err)
			continue
		}

		banners := make(map[int]string)
		for _, result := range results {
			if result.Banner != "" {
				banners[result.Port] = result.Banner
			}
		}
		osGuess := IdentifyOS(banners)

		for _, result := range results {
			counters.addOpenPort()
			if err := s.publishResult(result, osGuess); err != nil {
				counters.addPublishFailure()
				s.logger.Errorw("Failed to publish result", "ip", result.IP, "port", result.Port, "error", err)
			} else if rep := s.currentReporter(); rep != nil {
				rep.IncrementDiscoveryCount()
			}
		}
	}
}

func (s *Scanner) publishResult(result ScanResult, osGuess string) error {
	topology := s.cloud.Detect(result.IP)
	return s.publisher.PublishDiscovery(publisher.Discovery{
		ScanID:              s.currentScanID(),
		IP:                  result.IP,
		Port:                result.Port,
		Protocol:            result.Protocol,
		Service:             result.Service,
		Banner:              result.Banner,
		OS:                  osGuess,
		DatabaseCandidate:   result.DatabaseCandidate,
		CandidateConfidence: result.CandidateConfidence,
		CloudProvider:       string(topology.Provider),
		HostingModel:        string(topology.HostingModel),
		CloudConfidence:     topology.Confidence,
	})
}

func (s *Scanner) currentReporter() *callback.Reporter {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.reporter
}

func (s *Scanner) currentScanID() string {
	if rep := s.currentReporter(); rep != nil {
		return rep.ScanID()
	}
	return ""
}
