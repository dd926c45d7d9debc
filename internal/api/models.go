// Package api provides the HTTP API for the scanner service.
package api

// StartScanRequest is the trigger body sent by the orchestrator.
type StartScanRequest struct {
	ScanID             string   `json:"scan_id" binding:"required,uuid"`
	Subnets            []string `json:"subnets" binding:"required,min=1"`
	PortRanges         []string `json:"port_ranges"`
	RateLimitPPS       int      `json:"rate_limit_pps"`
	TimeoutMS          int      `json:"timeout_ms"`
	MaxConcurrentHosts int      `json:"max_concurrent_hosts"`
	DeadHostThreshold  int      `json:"dead_host_threshold"`
	ProgressURL        string   `json:"progress_url" binding:"required,url"`
	CompleteURL        string   `json:"complete_url" binding:"required,url"`
}

// StopScanRequest is the body for stopping an orchestrated scan.
type StopScanRequest struct {
	ScanID string `json:"scan_id" binding:"required,uuid"`
}
