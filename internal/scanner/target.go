package scanner

import (
	"fmt"
	"net"
	"time"
)

// ScanResult represents the outcome of probing a single target.
type ScanResult struct {
	IP                  string
	Port                int
	Protocol            string
	Open                bool
	TimedOut            bool
	Service             string
	Banner              string
	DatabaseCandidate   bool
	CandidateConfidence float64
	Timestamp           time.Time
}

// ScanTarget probes a single IP address across the configured port set.
// Ports are probed in priority order (database ports first). A running
// count of consecutive timeouts short-circuits dead hosts: once the
// threshold is reached the remaining ports are abandoned. A successful
// connect or a refusal (host alive, port closed) resets the count.
func (s *Scanner) ScanTarget(ip string) ([]ScanResult, error) {
	var results []ScanResult
	ports := s.expandPortRanges()

	deadHostThreshold := s.config.DeadHostThreshold
	if deadHostThreshold <= 0 {
		deadHostThreshold = 5
	}

	consecutiveTimeouts := 0

	for _, port := range ports {
		select {
		case <-s.ctx.Done():
			return results, s.ctx.Err()
		default:
		}

		// Sole admission-control point: every probe waits for a token.
		if err := s.limiter.Wait(s.ctx); err != nil {
			return results, err
		}

		result := s.probePort(ip, port, "tcp")
		if result.Open {
			consecutiveTimeouts = 0
			results = append(results, result)
		} else if result.TimedOut {
			consecutiveTimeouts++
			if consecutiveTimeouts >= deadHostThreshold {
				s.logger.Debugw("Host appears dead, skipping remaining ports",
					"ip", ip,
					"consecutive_timeouts", consecutiveTimeouts,
					"last_port", port,
				)
				break
			}
		} else {
			// Connection refused (RST): host is alive, port is closed.
			consecutiveTimeouts = 0
		}
	}

	return results, nil
}

func (s *Scanner) probePort(ip string, port int, protocol string) ScanResult {
	result := ScanResult{
		IP:        ip,
		Port:      port,
		Protocol:  protocol,
		Timestamp: time.Now(),
	}

	address := net.JoinHostPort(ip, fmt.Sprintf("%d", port))
	timeout := time.Duration(s.config.Timeout) * time.Millisecond

	conn, err := s.dial(protocol, address, timeout)
	if err != nil {
		if netErr, ok := err.(net.Error); ok && netErr.Timeout() {
			result.TimedOut = true
		}
		return result
	}
	defer func() { _ = conn.Close() }()

	result.Open = true

	// Best-effort banner grab within the same timeout budget.
	if err := conn.SetReadDeadline(time.Now().Add(timeout)); err == nil {
		buffer := make([]byte, 1024)
		n, _ := conn.Read(buffer)
		if n > 0 {
			result.Banner = string(buffer[:n])
		}
	}

	fp := s.fingerprinter.Identify(port, result.Banner)
	result.Service = fp.Name
	result.DatabaseCandidate, result.CandidateConfidence = candidateScore(fp)

	return result
}

// candidateScore flags discoveries that look like databases. A banner
// match is stronger evidence than the port table alone.
func candidateScore(fp ServiceFingerprint) (bool, float64) {
	if !fp.Database {
		return false, 0
	}
	if fp.FromBanner {
		return true, 0.9
	}
	return true, 0.6
}
