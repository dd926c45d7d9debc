// Package scanner implements service fingerprinting functionality.
package scanner

import (
	"regexp"
	"strings"
)

// ServiceFingerprint contains fingerprint information for a service.
type ServiceFingerprint struct {
	Name       string
	Version    string
	Product    string
	Database   bool
	FromBanner bool
}

// Fingerprinter identifies services from banners and port numbers.
// Banner rules are tried in order; the port table is the fallback.
type Fingerprinter struct {
	signatures []signature
}

type signature struct {
	pattern  *regexp.Regexp
	database bool
	extract  func([]string) ServiceFingerprint
}

// NewFingerprinter creates a new service fingerprinter.
func NewFingerprinter() *Fingerprinter {
	f := &Fingerprinter{}
	f.loadSignatures()
	return f
}

// Identify attempts to identify a service from port and banner.
// Returns Unknown when neither matches.
func (f *Fingerprinter) Identify(port int, banner string) ServiceFingerprint {
	if banner != "" {
		for _, sig := range f.signatures {
			if matches := sig.pattern.FindStringSubmatch(banner); matches != nil {
				fp := sig.extract(matches)
				fp.Database = sig.database
				fp.FromBanner = true
				return fp
			}
		}
	}

	return f.identifyByPort(port)
}

func (f *Fingerprinter) loadSignatures() {
	f.signatures = []signature{
		// SSH
		{
			pattern: regexp.MustCompile(`SSH-(\d+\.\d+)-(\S+)`),
			extract: func(m []string) ServiceFingerprint {
				return ServiceFingerprint{Name: "SSH", Version: m[1], Product: m[2]}
			},
		},
		// HTTP servers
		{
			pattern: regexp.MustCompile(`(?i)HTTP/(\d+\.\d+)\s+\d+`),
			extract: func(m []string) ServiceFingerprint {
				return ServiceFingerprint{Name: "HTTP", Version: m[1]}
			},
		},
		// Apache
		{
			pattern: regexp.MustCompile(`(?i)Apache[/ ](\d+\.\d+(?:\.\d+)?)`),
			extract: func(m []string) ServiceFingerprint {
				return ServiceFingerprint{Name: "HTTP", Version: m[1], Product: "Apache"}
			},
		},
		// nginx
		{
			pattern: regexp.MustCompile(`(?i)nginx[/ ](\d+\.\d+(?:\.\d+)?)`),
			extract: func(m []string) ServiceFingerprint {
				return ServiceFingerprint{Name: "HTTP", Version: m[1], Product: "nginx"}
			},
		},
		// MySQL
		{
			pattern:  regexp.MustCompile(`(\d+\.\d+\.\d+).*MySQL`),
			database: true,
			extract: func(m []string) ServiceFingerprint {
				return ServiceFingerprint{Name: "MySQL", Version: m[1], Product: "MySQL"}
			},
		},
		// PostgreSQL
		{
			pattern:  regexp.MustCompile(`PostgreSQL (\d+\.\d+)`),
			database: true,
			extract: func(m []string) ServiceFingerprint {
				return ServiceFingerprint{Name: "PostgreSQL", Version: m[1], Product: "PostgreSQL"}
			},
		},
		// Redis
		{
			pattern:  regexp.MustCompile(`-ERR.*redis|REDIS`),
			database: true,
			extract: func(m []string) ServiceFingerprint {
				return ServiceFingerprint{Name: "Redis", Product: "Redis"}
			},
		},
		// MongoDB
		{
			pattern:  regexp.MustCompile(`MongoDB|mongod`),
			database: true,
			extract: func(m []string) ServiceFingerprint {
				return ServiceFingerprint{Name: "MongoDB", Product: "MongoDB"}
			},
		},
		// Elasticsearch
		{
			pattern:  regexp.MustCompile(`(?i)elasticsearch`),
			database: true,
			extract: func(m []string) ServiceFingerprint {
				return ServiceFingerprint{Name: "Elasticsearch", Product: "Elasticsearch"}
			},
		},
		// RabbitMQ
		{
			pattern: regexp.MustCompile(`AMQP|RabbitMQ`),
			extract: func(m []string) ServiceFingerprint {
				return ServiceFingerprint{Name: "AMQP", Product: "RabbitMQ"}
			},
		},
		// FTP
		{
			pattern: regexp.MustCompile(`(?i)^220[- ].*FTP`),
			extract: func(m []string) ServiceFingerprint {
				return ServiceFingerprint{Name: "FTP"}
			},
		},
		// SMTP
		{
			pattern: regexp.MustCompile(`(?i)^220[- ].*SMTP|ESMTP`),
			extract: func(m []string) ServiceFingerprint {
				return ServiceFingerprint{Name: "SMTP"}
			},
		},
	}
}

// portServices maps well-known ports to service identities.
var portServices = map[int]ServiceFingerprint{
	21:    {Name: "FTP"},
	22:    {Name: "SSH"},
	23:    {Name: "Telnet"},
	25:    {Name: "SMTP"},
	53:    {Name: "DNS"},
	80:    {Name: "HTTP"},
	110:   {Name: "POP3"},
	143:   {Name: "IMAP"},
	443:   {Name: "HTTPS"},
	445:   {Name: "SMB"},
	465:   {Name: "SMTPS"},
	587:   {Name: "SMTP Submission"},
	993:   {Name: "IMAPS"},
	995:   {Name: "POP3S"},
	1433:  {Name: "MSSQL", Database: true},
	1521:  {Name: "Oracle", Database: true},
	3306:  {Name: "MySQL", Database: true},
	3389:  {Name: "RDP"},
	5432:  {Name: "PostgreSQL", Database: true},
	5672:  {Name: "AMQP", Product: "RabbitMQ"},
	5984:  {Name: "CouchDB", Database: true},
	6379:  {Name: "Redis", Database: true},
	8080:  {Name: "HTTP-Alt"},
	8443:  {Name: "HTTPS-Alt"},
	9042:  {Name: "Cassandra", Database: true},
	9200:  {Name: "Elasticsearch", Database: true},
	9300:  {Name: "Elasticsearch-Transport"},
	15672: {Name: "RabbitMQ-Management"},
	27017: {Name: "MongoDB", Database: true},
}

func (f *Fingerprinter) identifyByPort(port int) ServiceFingerprint {
	if fp, ok := portServices[port]; ok {
		return fp
	}
	return ServiceFingerprint{Name: "Unknown"}
}

// IdentifyOS attempts to identify the OS from collected banners.
func IdentifyOS(banners map[int]string) string {
	for _, banner := range banners {
		bannerLower := strings.ToLower(banner)

		if strings.Contains(bannerLower, "windows") ||
			strings.Contains(bannerLower, "microsoft") ||
			strings.Contains(bannerLower, "iis") {
			return "Windows"
		}

		if strings.Contains(bannerLower, "ubuntu") ||
			strings.Contains(bannerLower, "debian") ||
			strings.Contains(bannerLower, "centos") ||
			strings.Contains(bannerLower, "rhel") ||
			strings.Contains(bannerLower, "fedora") ||
			strings.Contains(bannerLower, "linux") {
			return "Linux"
		}

		if strings.Contains(bannerLower, "darwin") ||
			strings.Contains(bannerLower, "macos") {
			return "macOS"
		}

		if strings.Contains(bannerLower, "freebsd") {
			return "FreeBSD"
		}
	}

	return "Unknown"
}
