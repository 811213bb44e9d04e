package couchkv

import (
	"errors"
	"sync/atomic"
	"time"

	"github.com/pior/couchkv/topology"
)

// PoolStats contains statistics about the transport pool of a node.
//
// Struct is optimized to fit within a single cache line (64 bytes).
// Fields are ordered largest to smallest for optimal memory layout.
type PoolStats struct {
	// Lifetime counters
	AcquireCount      uint64 // Total acquire attempts
	AcquireWaitCount  uint64 // Acquires that had to wait
	CreatedConns      uint64 // Total connections created
	DestroyedConns    uint64 // Total connections destroyed
	AcquireErrors     uint64 // Failed acquire attempts
	AcquireWaitTimeNs uint64 // Total nanoseconds spent waiting

	// Current state gauges
	TotalConns  int32 // Total connections in pool (active + idle)
	IdleConns   int32 // Idle connections available
	ActiveConns int32 // Connections currently in use
	_           int32 // Padding to align to 64 bytes
}

// ClientStats contains statistics about client operations.
//
// Struct is padded to two cache lines (128 bytes).
//
// For Prometheus integration, expose these as counters; derive the hit rate
// as GetHits/Gets.
type ClientStats struct {
	Gets        uint64 // Get, GetAndTouch and MultiGet keys
	GetHits     uint64 // Gets that found the key
	Sets        uint64 // Set operations
	Adds        uint64 // Add operations
	Replaces    uint64 // Replace operations
	Deletes     uint64 // Remove operations
	Counters    uint64 // Increment and Decrement operations
	Appends     uint64 // Append and Prepend operations
	Touches     uint64 // Touch operations
	Errors      uint64 // Operations that returned an error
	Retries     uint64 // Extra attempts made by the router
	ShardMisses uint64 // not-my-vbucket responses seen
	Ambiguous   uint64 // Operations failed with ErrAmbiguousTimeout
	_           [3]uint64
}

// NodeStats describes one node known to the registry.
type NodeStats struct {
	Node                topology.NodeIdentity
	State               NodeState
	InFlight            int
	PoolStats           PoolStats
	CircuitBreakerState CircuitBreakerState
}

// RegistryStats contains lifetime counters of the node registry.
type RegistryStats struct {
	Connects        uint64 // Successful node connects
	ConnectFailures uint64 // Failed node connects
	Evictions       uint64 // Nodes drained and closed
	Replacements    uint64 // Nodes replaced after an address change
	FramingErrors   uint64 // Transports closed on a framing error
	_               [3]uint64
}

// poolStatsCollector provides internal methods for updating pool stats.
// Not exported - pools update their own stats.
type poolStatsCollector struct {
	stats *PoolStats
}

func newPoolStatsCollector() *poolStatsCollector {
	return &poolStatsCollector{
		stats: &PoolStats{},
	}
}

func (c *poolStatsCollector) recordAcquire() {
	atomic.AddUint64(&c.stats.AcquireCount, 1)
}

func (c *poolStatsCollector) recordAcquireWait(duration time.Duration) {
	atomic.AddUint64(&c.stats.AcquireWaitCount, 1)
	atomic.AddUint64(&c.stats.AcquireWaitTimeNs, uint64(duration.Nanoseconds()))
}

func (c *poolStatsCollector) recordCreate() {
	atomic.AddUint64(&c.stats.CreatedConns, 1)
	atomic.AddInt32(&c.stats.TotalConns, 1)
}

// recordDestroy records the removal of an active (acquired) or idle connection.
func (c *poolStatsCollector) recordDestroy(active bool) {
	atomic.AddUint64(&c.stats.DestroyedConns, 1)
	atomic.AddInt32(&c.stats.TotalConns, -1)
	if active {
		atomic.AddInt32(&c.stats.ActiveConns, -1)
	} else {
		atomic.AddInt32(&c.stats.IdleConns, -1)
	}
}

func (c *poolStatsCollector) recordAcquireError() {
	atomic.AddUint64(&c.stats.AcquireErrors, 1)
}

func (c *poolStatsCollector) recordAcquireFromIdle() {
	atomic.AddInt32(&c.stats.IdleConns, -1)
	atomic.AddInt32(&c.stats.ActiveConns, 1)
}

func (c *poolStatsCollector) recordActivate() {
	atomic.AddInt32(&c.stats.ActiveConns, 1)
}

func (c *poolStatsCollector) recordRelease() {
	atomic.AddInt32(&c.stats.IdleConns, 1)
	atomic.AddInt32(&c.stats.ActiveConns, -1)
}

func (c *poolStatsCollector) snapshot() PoolStats {
	return PoolStats{
		TotalConns:        atomic.LoadInt32(&c.stats.TotalConns),
		IdleConns:         atomic.LoadInt32(&c.stats.IdleConns),
		ActiveConns:       atomic.LoadInt32(&c.stats.ActiveConns),
		AcquireCount:      atomic.LoadUint64(&c.stats.AcquireCount),
		AcquireWaitCount:  atomic.LoadUint64(&c.stats.AcquireWaitCount),
		CreatedConns:      atomic.LoadUint64(&c.stats.CreatedConns),
		DestroyedConns:    atomic.LoadUint64(&c.stats.DestroyedConns),
		AcquireErrors:     atomic.LoadUint64(&c.stats.AcquireErrors),
		AcquireWaitTimeNs: atomic.LoadUint64(&c.stats.AcquireWaitTimeNs),
	}
}

// clientStatsCollector provides internal methods for updating client stats.
// Not exported - client updates its own stats.
type clientStatsCollector struct {
	stats *ClientStats
}

func newClientStatsCollector() *clientStatsCollector {
	return &clientStatsCollector{
		stats: &ClientStats{},
	}
}

func (c *clientStatsCollector) recordGet(found bool) {
	atomic.AddUint64(&c.stats.Gets, 1)
	if found {
		atomic.AddUint64(&c.stats.GetHits, 1)
	}
}

func (c *clientStatsCollector) recordSet()     { atomic.AddUint64(&c.stats.Sets, 1) }
func (c *clientStatsCollector) recordAdd()     { atomic.AddUint64(&c.stats.Adds, 1) }
func (c *clientStatsCollector) recordReplace() { atomic.AddUint64(&c.stats.Replaces, 1) }
func (c *clientStatsCollector) recordDelete()  { atomic.AddUint64(&c.stats.Deletes, 1) }
func (c *clientStatsCollector) recordCounter() { atomic.AddUint64(&c.stats.Counters, 1) }
func (c *clientStatsCollector) recordAppend()  { atomic.AddUint64(&c.stats.Appends, 1) }
func (c *clientStatsCollector) recordTouch()   { atomic.AddUint64(&c.stats.Touches, 1) }

func (c *clientStatsCollector) recordError(err error) {
	atomic.AddUint64(&c.stats.Errors, 1)
	if errors.Is(err, ErrAmbiguousTimeout) {
		atomic.AddUint64(&c.stats.Ambiguous, 1)
	}
}

func (c *clientStatsCollector) recordRetry() {
	atomic.AddUint64(&c.stats.Retries, 1)
}

func (c *clientStatsCollector) recordShardMiss() {
	atomic.AddUint64(&c.stats.ShardMisses, 1)
}

func (c *clientStatsCollector) snapshot() ClientStats {
	return ClientStats{
		Gets:        atomic.LoadUint64(&c.stats.Gets),
		GetHits:     atomic.LoadUint64(&c.stats.GetHits),
		Sets:        atomic.LoadUint64(&c.stats.Sets),
		Adds:        atomic.LoadUint64(&c.stats.Adds),
		Replaces:    atomic.LoadUint64(&c.stats.Replaces),
		Deletes:     atomic.LoadUint64(&c.stats.Deletes),
		Counters:    atomic.LoadUint64(&c.stats.Counters),
		Appends:     atomic.LoadUint64(&c.stats.Appends),
		Touches:     atomic.LoadUint64(&c.stats.Touches),
		Errors:      atomic.LoadUint64(&c.stats.Errors),
		Retries:     atomic.LoadUint64(&c.stats.Retries),
		ShardMisses: atomic.LoadUint64(&c.stats.ShardMisses),
		Ambiguous:   atomic.LoadUint64(&c.stats.Ambiguous),
	}
}

// registryStatsCollector provides internal methods for updating registry stats.
type registryStatsCollector struct {
	stats *RegistryStats
}

func newRegistryStatsCollector() *registryStatsCollector {
	return &registryStatsCollector{
		stats: &RegistryStats{},
	}
}

func (c *registryStatsCollector) recordConnect(err error) {
	if err != nil {
		atomic.AddUint64(&c.stats.ConnectFailures, 1)
		return
	}
	atomic.AddUint64(&c.stats.Connects, 1)
}

func (c *registryStatsCollector) recordEviction() {
	atomic.AddUint64(&c.stats.Evictions, 1)
}

func (c *registryStatsCollector) recordReplacement() {
	atomic.AddUint64(&c.stats.Replacements, 1)
}

func (c *registryStatsCollector) recordFramingError() {
	atomic.AddUint64(&c.stats.FramingErrors, 1)
}

func (c *registryStatsCollector) snapshot() RegistryStats {
	return RegistryStats{
		Connects:        atomic.LoadUint64(&c.stats.Connects),
		ConnectFailures: atomic.LoadUint64(&c.stats.ConnectFailures),
		Evictions:       atomic.LoadUint64(&c.stats.Evictions),
		Replacements:    atomic.LoadUint64(&c.stats.Replacements),
		FramingErrors:   atomic.LoadUint64(&c.stats.FramingErrors),
	}
}
