package service

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/aiforce-discovery-agent/discovery-core/internal/orchestrator/model"
)

// InspectionTarget is one host a user asked to inspect in depth.
// Credentials exist only in the forwarded request body; they are never
// persisted and never logged.
type InspectionTarget struct {
	Host     string `json:"host" binding:"required"`
	Port     int    `json:"port" binding:"required"`
	Kind     string `json:"kind" binding:"required"` // declared database kind
	Username string `json:"username,omitempty"`
	Password string `json:"password,omitempty"`
}

// CollectorClient triggers and stops collectors over HTTP. Each collector
// kind gets its own request-body shape; shaping is a closed switch over the
// kind, one function per variant.
type CollectorClient struct {
	baseURLs    map[string]string
	apiKey      string
	progressURL string
	completeURL string
	client      *http.Client
	logger      *zap.SugaredLogger
}

// NewCollectorClient builds a trigger client from the configured kind->URL map.
func NewCollectorClient(baseURLs map[string]string, apiKey, progressURL, completeURL string, logger *zap.SugaredLogger) *CollectorClient {
	return &CollectorClient{
		baseURLs:    baseURLs,
		apiKey:      apiKey,
		progressURL: progressURL,
		completeURL: completeURL,
		client:      &http.Client{Timeout: 15 * time.Second},
		logger:      logger,
	}
}

// networkScanRequest is the trigger body for the port-scanning collector.
type networkScanRequest struct {
	ScanID             string   `json:"scan_id"`
	Subnets            []string `json:"subnets"`
	PortRanges         []string `json:"port_ranges,omitempty"`
	RateLimitPPS       int      `json:"rate_limit_pps,omitempty"`
	TimeoutMS          int      `json:"timeout_ms,omitempty"`
	MaxConcurrentHosts int      `json:"max_concurrent_hosts,omitempty"`
	DeadHostThreshold  int      `json:"dead_host_threshold,omitempty"`
	ProgressURL        string   `json:"progress_url"`
	CompleteURL        string   `json:"complete_url"`
}

// cloudDiscoveryRequest is the trigger body for the cloud inventory collector.
type cloudDiscoveryRequest struct {
	ScanID      string   `json:"scan_id"`
	Subnets     []string `json:"subnets"`
	ProgressURL string   `json:"progress_url"`
	CompleteURL string   `json:"complete_url"`
}

// repoScanRequest is the trigger body for the repository scanner.
type repoScanRequest struct {
	ScanID      string `json:"scan_id"`
	ProgressURL string `json:"progress_url"`
	CompleteURL string `json:"complete_url"`
}

// inspectionRequest is the trigger body for the deep database inspector.
type inspectionRequest struct {
	ScanID      string             `json:"scan_id"`
	Targets     []InspectionTarget `json:"targets"`
	ProgressURL string             `json:"progress_url"`
	CompleteURL string             `json:"complete_url"`
}

// correlationRequest is the trigger body for the correlation stage.
type correlationRequest struct {
	ScanID      string `json:"scan_id"`
	ProgressURL string `json:"progress_url"`
	CompleteURL string `json:"complete_url"`
}

// shapeRequest builds the collector-specific trigger body.
func (c *CollectorClient) shapeRequest(kind string, run *model.ScanRun, targets []InspectionTarget) (interface{}, error) {
	switch kind {
	case model.KindNetworkScanner:
		return networkScanRequest{
			ScanID:             run.ID,
			Subnets:            run.Config.Subnets,
			PortRanges:         run.Config.PortRanges,
			RateLimitPPS:       run.Config.RateLimitPPS,
			TimeoutMS:          run.Config.TimeoutMS,
			MaxConcurrentHosts: run.Config.MaxConcurrentHosts,
			DeadHostThreshold:  run.Config.DeadHostThreshold,
			ProgressURL:        c.progressURL,
			CompleteURL:        c.completeURL,
		}, nil
	case model.KindCloudDiscovery:
		return cloudDiscoveryRequest{
			ScanID:      run.ID,
			Subnets:     run.Config.Subnets,
			ProgressURL: c.progressURL,
			CompleteURL: c.completeURL,
		}, nil
	case model.KindRepoScanner:
		return repoScanRequest{
			ScanID:      run.ID,
			ProgressURL: c.progressURL,
			CompleteURL: c.completeURL,
		}, nil
	case model.KindDBInspector:
		return inspectionRequest{
			ScanID:      run.ID,
			Targets:     targets,
			ProgressURL: c.progressURL,
			CompleteURL: c.completeURL,
		}, nil
	case model.KindCorrelator:
		return correlationRequest{
			ScanID:      run.ID,
			ProgressURL: c.progressURL,
			CompleteURL: c.completeURL,
		}, nil
	default:
		return nil, fmt.Errorf("unknown collector kind %q", kind)
	}
}

// Trigger sends a start request to one collector. A failure here marks only
// that collector failed; the caller decides what it means for the run.
func (c *CollectorClient) Trigger(ctx context.Context, kind string, run *model.ScanRun, targets []InspectionTarget) error {
	base, ok := c.baseURLs[kind]
	if !ok {
		return fmt.Errorf("no endpoint configured for collector %q", kind)
	}

	payload, err := c.shapeRequest(kind, run, targets)
	if err != nil {
		return err
	}

	return c.post(ctx, base+"/api/v1/scan/start", payload, kind)
}

// Stop sends a best-effort stop request to one collector.
func (c *CollectorClient) Stop(ctx context.Context, kind, runID string) error {
	base, ok := c.baseURLs[kind]
	if !ok {
		return fmt.Errorf("no endpoint configured for collector %q", kind)
	}

	payload := map[string]string{"scan_id": runID}
	return c.post(ctx, base+"/api/v1/scan/stop", payload, kind)
}

func (c *CollectorClient) post(ctx context.Context, url string, payload interface{}, kind string) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to marshal trigger body: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, "POST", url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}

	req.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		req.Header.Set("X-Internal-API-Key", c.apiKey)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("collector %s unreachable: %w", kind, err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode >= 400 {
		return fmt.Errorf("collector %s returned status %d", kind, resp.StatusCode)
	}

	// The inspection body carries credentials; only the outcome is logged.
	c.logger.Debugw("Collector request sent", "collector", kind, "url", url, "status", resp.StatusCode)
	return nil
}
