package scanner

import (
	"fmt"
	"net"
	"sort"
)

// databasePriorityPorts are scanned first to surface database candidates
// quickly and to trigger dead-host detection on the most informative probes.
var databasePriorityPorts = map[int]bool{
	1433:  true, // MSSQL
	1521:  true, // Oracle
	3306:  true, // MySQL
	5432:  true, // PostgreSQL
	5672:  true, // RabbitMQ
	5984:  true, // CouchDB
	6379:  true, // Redis
	9042:  true, // Cassandra
	9200:  true, // Elasticsearch
	27017: true, // MongoDB
}

// expandPortRanges builds the probe order: the union of explicit ports and
// ranges, deduplicated, partitioned with database ports first and ascending
// within each partition.
func (s *Scanner) expandPortRanges() []int {
	portSet := make(map[int]bool)

	for _, port := range s.config.CommonPorts {
		portSet[port] = true
	}

	for _, rangeStr := range s.config.PortRanges {
		var start, end int
		if n, _ := fmt.Sscanf(rangeStr, "%d-%d", &start, &end); n == 2 {
			for p := start; p <= end; p++ {
				portSet[p] = true
			}
		} else if n, _ := fmt.Sscanf(rangeStr, "%d", &start); n == 1 {
			portSet[start] = true
		}
	}

	priority := make([]int, 0)
	rest := make([]int, 0, len(portSet))
	for port := range portSet {
		if databasePriorityPorts[port] {
			priority = append(priority, port)
		} else {
			rest = append(rest, port)
		}
	}

	sort.Ints(priority)
	sort.Ints(rest)

	return append(priority, rest...)
}

func (s *Scanner) isExcluded(ip string) bool {
	parsedIP := net.ParseIP(ip)
	if parsedIP == nil {
		return false
	}

	for _, subnet := range s.config.ExcludeSubnets {
		_, ipNet, err := net.ParseCIDR(subnet)
		if err != nil {
			continue
		}
		if ipNet.Contains(parsedIP) {
			return true
		}
	}

	return false
}

func incrementIP(ip net.IP) {
	for j := len(ip) - 1; j >= 0; j-- {
		ip[j]++
		if ip[j] > 0 {
			break
		}
	}
}
