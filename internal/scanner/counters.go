package scanner

import "sync/atomic"

// rangeCounters tracks per-range probe outcomes across the worker pool.
type rangeCounters struct {
	open   int64
	failed int64
}

func newRangeCounters() *rangeCounters { return &rangeCounters{} }

func (c *rangeCounters) addOpenPort()       { atomic.AddInt64(&c.open, 1) }
func (c *rangeCounters) addPublishFailure() { atomic.AddInt64(&c.failed, 1) }

func (c *rangeCounters) openPorts() int64       { return atomic.LoadInt64(&c.open) }
func (c *rangeCounters) publishFailures() int64 { return atomic.LoadInt64(&c.failed) }

func (c *rangeCounters) allPublishesFailed() bool {
	open := c.openPorts()
	return open > 0 && c.publishFailures() == open
}

func addScanned(counter *int64) { atomic.AddInt64(counter, 1) }
