// Package scanner provides network scanning functionality.
// cloud.go implements cloud provider detection based on published IP ranges.
package scanner

import (
	_ "embed"
	"encoding/json"
	"net"
	"sync"
)

// CloudProvider represents a cloud provider name.
type CloudProvider string

const (
	CloudProviderAWS     CloudProvider = "aws"
	CloudProviderAzure   CloudProvider = "azure"
	CloudProviderGCP     CloudProvider = "gcp"
	CloudProviderOther   CloudProvider = "other"
	CloudProviderNone    CloudProvider = "none"
	CloudProviderUnknown CloudProvider = "unknown"
)

// HostingModel represents the inferred hosting model.
type HostingModel string

const (
	HostingModelCloud      HostingModel = "cloud"
	HostingModelOnPremises HostingModel = "on_premises"
	HostingModelUnknown    HostingModel = "unknown"
)

// CloudDetectionResult annotates a discovered IP with topology information.
// It never gates scanning.
type CloudDetectionResult struct {
	Provider     CloudProvider `json:"cloud_provider"`
	HostingModel HostingModel  `json:"hosting_model"`
	Region       string        `json:"region,omitempty"`
	Confidence   float64       `json:"confidence"`
}

type cloudIPRanges struct {
	AWS   []ipRange `json:"aws"`
	Azure []ipRange `json:"azure"`
	GCP   []ipRange `json:"gcp"`
}

type ipRange struct {
	CIDR   string `json:"cidr"`
	Region string `json:"region,omitempty"`
}

//go:embed data/cloud_ip_ranges.json
var cloudIPRangesData []byte

// CloudDetector classifies IP addresses against known provider ranges.
type CloudDetector struct {
	awsNets   []*net.IPNet
	azureNets []*net.IPNet
	gcpNets   []*net.IPNet
	regions   map[string]string // CIDR -> region
	mu        sync.RWMutex
	loaded    bool
}

// NewCloudDetector creates a new cloud detector from the embedded range data.
func NewCloudDetector() *CloudDetector {
	cd := &CloudDetector{
		regions: make(map[string]string),
	}
	cd.loadRanges()
	return cd
}

func (cd *CloudDetector) loadRanges() {
	cd.mu.Lock()
	defer cd.mu.Unlock()

	if cd.loaded {
		return
	}

	var ranges cloudIPRanges
	if len(cloudIPRangesData) > 0 {
		if err := json.Unmarshal(cloudIPRangesData, &ranges); err == nil {
			cd.parseRanges(ranges)
		}
	}
	cd.loaded = true
}

func (cd *CloudDetector) parseRanges(ranges cloudIPRanges) {
	for _, r := range ranges.AWS {
		if _, ipnet, err := net.ParseCIDR(r.CIDR); err == nil {
			cd.awsNets = append(cd.awsNets, ipnet)
			if r.Region != "" {
				cd.regions[r.CIDR] = r.Region
			}
		}
	}

	for _, r := range ranges.Azure {
		if _, ipnet, err := net.ParseCIDR(r.CIDR); err == nil {
			cd.azureNets = append(cd.azureNets, ipnet)
			if r.Region != "" {
				cd.regions[r.CIDR] = r.Region
			}
		}
	}

	for _, r := range ranges.GCP {
		if _, ipnet, err := net.ParseCIDR(r.CIDR); err == nil {
			cd.gcpNets = append(cd.gcpNets, ipnet)
			if r.Region != "" {
				cd.regions[r.CIDR] = r.Region
			}
		}
	}
}

// Detect classifies an IP as cloud-hosted, private, or other public.
func (cd *CloudDetector) Detect(ipStr string) CloudDetectionResult {
	ip := net.ParseIP(ipStr)
	if ip == nil {
		return CloudDetectionResult{
			Provider:     CloudProviderUnknown,
			HostingModel: HostingModelUnknown,
			Confidence:   0,
		}
	}

	cd.mu.RLock()
	defer cd.mu.RUnlock()

	if isPrivateIP(ip) {
		return CloudDetectionResult{
			Provider:     CloudProviderNone,
			HostingModel: HostingModelOnPremises,
			Confidence:   0.9,
		}
	}

	if provider, region := cd.matchProvider(ip); provider != CloudProviderNone {
		return CloudDetectionResult{
			Provider:     provider,
			HostingModel: HostingModelCloud,
			Region:       region,
			Confidence:   0.85,
		}
	}

	// Public IP outside any known cloud range.
	return CloudDetectionResult{
		Provider:     CloudProviderOther,
		HostingModel: HostingModelUnknown,
		Confidence:   0.5,
	}
}

func (cd *CloudDetector) matchProvider(ip net.IP) (CloudProvider, string) {
	for _, ipnet := range cd.awsNets {
		if ipnet.Contains(ip) {
			return CloudProviderAWS, cd.regions[ipnet.String()]
		}
	}

	for _, ipnet := range cd.azureNets {
		if ipnet.Contains(ip) {
			return CloudProviderAzure, cd.regions[ipnet.String()]
		}
	}

	for _, ipnet := range cd.gcpNets {
		if ipnet.Contains(ip) {
			return CloudProviderGCP, cd.regions[ipnet.String()]
		}
	}

	return CloudProviderNone, ""
}

var privateNets = func() []*net.IPNet {
	cidrs := []string{
		"10.0.0.0/8",
		"172.16.0.0/12",
		"192.168.0.0/16",
		"127.0.0.0/8",
		"169.254.0.0/16",
	}
	nets := make([]*net.IPNet, 0, len(cidrs))
	for _, cidr := range cidrs {
		if _, ipnet, err := net.ParseCIDR(cidr); err == nil {
			nets = append(nets, ipnet)
		}
	}
	return nets
}()

func isPrivateIP(ip net.IP) bool {
	for _, ipnet := range privateNets {
		if ipnet.Contains(ip) {
			return true
		}
	}
	return false
}
