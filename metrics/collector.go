// Package metrics exposes couchkv client statistics to Prometheus.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/pior/couchkv"
	"github.com/pior/couchkv/topology"
)

const namespace = "couchkv"

// Source provides stats snapshots. *couchkv.Client implements it.
type Source interface {
	Stats() couchkv.ClientStats
	NodeStats() []couchkv.NodeStats
	RegistryStats() couchkv.RegistryStats
	TopologyStats() topology.StreamerStats
}

// Collector is a prometheus.Collector reading a Source on every scrape.
type Collector struct {
	source Source

	operations        *prometheus.Desc
	getHits           *prometheus.Desc
	errors            *prometheus.Desc
	retries           *prometheus.Desc
	shardMisses       *prometheus.Desc
	ambiguous         *prometheus.Desc
	nodeState         *prometheus.Desc
	nodeInFlight      *prometheus.Desc
	circuitState      *prometheus.Desc
	poolConnections   *prometheus.Desc
	poolCreated       *prometheus.Desc
	poolAcquireErrors *prometheus.Desc
	poolWaitSeconds   *prometheus.Desc
	registryEvents    *prometheus.Desc
	mapRevision       *prometheus.Desc
	mapUpdates        *prometheus.Desc
	streamState       *prometheus.Desc
}

// NewCollector creates a collector over source.
func NewCollector(source Source) *Collector {
	nodeLabels := []string{"node", "addr"}

	return &Collector{
		source: source,

		operations: prometheus.NewDesc(namespace+"_operations_total",
			"Total number of key-value operations", []string{"op"}, nil),
		getHits: prometheus.NewDesc(namespace+"_get_hits_total",
			"Total number of reads that found the key", nil, nil),
		errors: prometheus.NewDesc(namespace+"_errors_total",
			"Total number of operations that returned an error", nil, nil),
		retries: prometheus.NewDesc(namespace+"_retries_total",
			"Total number of extra attempts made by the router", nil, nil),
		shardMisses: prometheus.NewDesc(namespace+"_shard_misses_total",
			"Total number of not-my-vbucket responses", nil, nil),
		ambiguous: prometheus.NewDesc(namespace+"_ambiguous_timeouts_total",
			"Total number of mutations with an unknown outcome", nil, nil),

		nodeState: prometheus.NewDesc(namespace+"_node_state",
			"Node connection state (0=disconnected, 1=connecting, 2=ready, 3=draining, 4=closed)", nodeLabels, nil),
		nodeInFlight: prometheus.NewDesc(namespace+"_node_in_flight_requests",
			"Requests awaiting a response on the node", nodeLabels, nil),
		circuitState: prometheus.NewDesc(namespace+"_circuit_breaker_state",
			"Circuit breaker state (0=closed, 1=half-open, 2=open)", nodeLabels, nil),
		poolConnections: prometheus.NewDesc(namespace+"_pool_connections",
			"Transport pool connections", append(nodeLabels, "state"), nil),
		poolCreated: prometheus.NewDesc(namespace+"_pool_connections_created_total",
			"Total transports created", nodeLabels, nil),
		poolAcquireErrors: prometheus.NewDesc(namespace+"_pool_acquire_errors_total",
			"Total transport acquire errors", nodeLabels, nil),
		poolWaitSeconds: prometheus.NewDesc(namespace+"_pool_acquire_wait_seconds_total",
			"Total time spent waiting for a transport", nodeLabels, nil),

		registryEvents: prometheus.NewDesc(namespace+"_registry_events_total",
			"Node registry lifecycle events", []string{"event"}, nil),

		mapRevision: prometheus.NewDesc(namespace+"_cluster_map_revision",
			"Revision of the current cluster map", nil, nil),
		mapUpdates: prometheus.NewDesc(namespace+"_cluster_map_documents_total",
			"Configuration documents seen by the streamer", []string{"result"}, nil),
		streamState: prometheus.NewDesc(namespace+"_config_stream_state",
			"Config stream state (0=idle, 1=connecting, 2=streaming, 3=reconnecting, 4=closed)", nil, nil),
	}
}

// Describe implements prometheus.Collector.
func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	for _, d := range []*prometheus.Desc{
		c.operations, c.getHits, c.errors, c.retries, c.shardMisses, c.ambiguous,
		c.nodeState, c.nodeInFlight, c.circuitState,
		c.poolConnections, c.poolCreated, c.poolAcquireErrors, c.poolWaitSeconds,
		c.registryEvents, c.mapRevision, c.mapUpdates, c.streamState,
	} {
		ch <- d
	}
}

// Collect implements prometheus.Collector.
func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	c.collectClient(ch)
	c.collectNodes(ch)
	c.collectRegistry(ch)
	c.collectTopology(ch)
}

func (c *Collector) collectClient(ch chan<- prometheus.Metric) {
	s := c.source.Stats()

	for op, v := range map[string]uint64{
		"get":     s.Gets,
		"set":     s.Sets,
		"add":     s.Adds,
		"replace": s.Replaces,
		"delete":  s.Deletes,
		"counter": s.Counters,
		"append":  s.Appends,
		"touch":   s.Touches,
	} {
		ch <- prometheus.MustNewConstMetric(c.operations, prometheus.CounterValue, float64(v), op)
	}

	ch <- prometheus.MustNewConstMetric(c.getHits, prometheus.CounterValue, float64(s.GetHits))
	ch <- prometheus.MustNewConstMetric(c.errors, prometheus.CounterValue, float64(s.Errors))
	ch <- prometheus.MustNewConstMetric(c.retries, prometheus.CounterValue, float64(s.Retries))
	ch <- prometheus.MustNewConstMetric(c.shardMisses, prometheus.CounterValue, float64(s.ShardMisses))
	ch <- prometheus.MustNewConstMetric(c.ambiguous, prometheus.CounterValue, float64(s.Ambiguous))
}

func (c *Collector) collectNodes(ch chan<- prometheus.Metric) {
	for _, n := range c.source.NodeStats() {
		id, addr := n.Node.StableID, n.Node.Addr()
		p := n.PoolStats

		ch <- prometheus.MustNewConstMetric(c.nodeState, prometheus.GaugeValue, float64(n.State), id, addr)
		ch <- prometheus.MustNewConstMetric(c.nodeInFlight, prometheus.GaugeValue, float64(n.InFlight), id, addr)
		ch <- prometheus.MustNewConstMetric(c.circuitState, prometheus.GaugeValue, float64(n.CircuitBreakerState), id, addr)

		ch <- prometheus.MustNewConstMetric(c.poolConnections, prometheus.GaugeValue, float64(p.TotalConns), id, addr, "total")
		ch <- prometheus.MustNewConstMetric(c.poolConnections, prometheus.GaugeValue, float64(p.ActiveConns), id, addr, "active")
		ch <- prometheus.MustNewConstMetric(c.poolConnections, prometheus.GaugeValue, float64(p.IdleConns), id, addr, "idle")
		ch <- prometheus.MustNewConstMetric(c.poolCreated, prometheus.CounterValue, float64(p.CreatedConns), id, addr)
		ch <- prometheus.MustNewConstMetric(c.poolAcquireErrors, prometheus.CounterValue, float64(p.AcquireErrors), id, addr)
		ch <- prometheus.MustNewConstMetric(c.poolWaitSeconds, prometheus.CounterValue, float64(p.AcquireWaitTimeNs)/1e9, id, addr)
	}
}

func (c *Collector) collectRegistry(ch chan<- prometheus.Metric) {
	s := c.source.RegistryStats()

	for event, v := range map[string]uint64{
		"connect":         s.Connects,
		"connect_failure": s.ConnectFailures,
		"eviction":        s.Evictions,
		"replacement":     s.Replacements,
		"framing_error":   s.FramingErrors,
	} {
		ch <- prometheus.MustNewConstMetric(c.registryEvents, prometheus.CounterValue, float64(v), event)
	}
}

func (c *Collector) collectTopology(ch chan<- prometheus.Metric) {
	s := c.source.TopologyStats()

	ch <- prometheus.MustNewConstMetric(c.mapRevision, prometheus.GaugeValue, float64(s.Revision))
	ch <- prometheus.MustNewConstMetric(c.streamState, prometheus.GaugeValue, float64(s.State))

	for result, v := range map[string]uint64{
		"published": s.Published,
		"stale":     s.Stale,
		"malformed": s.Malformed,
		"offered":   s.Offered,
	} {
		ch <- prometheus.MustNewConstMetric(c.mapUpdates, prometheus.CounterValue, float64(v), result)
	}
}
