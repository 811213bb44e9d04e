package couchkv

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/pior/couchkv/frame"
	"github.com/pior/couchkv/topology"
)

// Dialer opens transport connections. *net.Dialer implements it; a dialer
// returning TLS connections works as well.
type Dialer interface {
	DialContext(ctx context.Context, network, address string) (net.Conn, error)
}

// RegistryConfig configures a Registry. Zero values select the defaults.
type RegistryConfig struct {
	// Dialer opens transports. Defaults to a net.Dialer.
	Dialer Dialer

	// KVConnections is the number of transports per node. Default 1.
	KVConnections int32

	// ConnectTimeout bounds a node connect, including the handshake. It is
	// further capped by the deadline of the operation that triggered it.
	ConnectTimeout time.Duration

	// DrainTimeout bounds how long an evicted node waits for its in-flight
	// requests.
	DrainTimeout time.Duration

	// HealthCheckInterval is how often idle transports are checked.
	// Zero disables health checks.
	HealthCheckInterval time.Duration

	// MaxConnLifetime and MaxConnIdleTime limit transports during health
	// checks. Zero means no limit.
	MaxConnLifetime time.Duration
	MaxConnIdleTime time.Duration

	// Pool creates the transport pool of a node. Defaults to NewChannelPool.
	Pool PoolFactory

	// NewCircuitBreaker creates the breaker of a node, keyed by stable id.
	// If nil, no circuit breaker is used.
	NewCircuitBreaker func(nodeID string) CircuitBreaker

	// Authenticator authenticates every new transport. Optional.
	Authenticator Authenticator

	// Bucket is selected on every new transport when not empty.
	Bucket string

	// ClientID identifies this client in HELLO.
	ClientID string

	Logger *slog.Logger
}

func (c *RegistryConfig) setDefaults() {
	if c.Dialer == nil {
		c.Dialer = &net.Dialer{}
	}
	if c.KVConnections <= 0 {
		c.KVConnections = DefaultKVConnections
	}
	if c.ConnectTimeout <= 0 {
		c.ConnectTimeout = DefaultConnectTimeout
	}
	if c.DrainTimeout <= 0 {
		c.DrainTimeout = DefaultDrainTimeout
	}
	if c.Pool == nil {
		c.Pool = NewChannelPool
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
}

// Registry owns the connections to the data nodes, keyed by stable id.
//
// Lookups of a Ready node take a read lock only. Concurrent connects to the
// same node collapse into one.
type Registry struct {
	config    RegistryConfig
	logger    *slog.Logger
	handshake handshakeConfig

	mu      sync.RWMutex
	nodes   map[string]*NodeConnection
	absent  map[string]*topology.ShardMap // first map each connected node was missing from
	applied *topology.ShardMap
	closed  bool

	connects singleflight.Group

	drains          sync.WaitGroup
	stopHealthCheck chan struct{}
	healthCheckDone chan struct{}

	stats *registryStatsCollector
}

// NewRegistry creates a registry and starts its health check loop if enabled.
func NewRegistry(config RegistryConfig) *Registry {
	config.setDefaults()

	r := &Registry{
		config: config,
		logger: config.Logger.With("component", "registry"),
		handshake: handshakeConfig{
			agent:    "couchkv/" + Version,
			clientID: config.ClientID,
			bucket:   config.Bucket,
			auth:     config.Authenticator,
		},
		nodes:           make(map[string]*NodeConnection),
		absent:          make(map[string]*topology.ShardMap),
		stopHealthCheck: make(chan struct{}),
		healthCheckDone: make(chan struct{}),
		stats:           newRegistryStatsCollector(),
	}

	if config.HealthCheckInterval > 0 {
		go r.healthCheckLoop()
	} else {
		close(r.healthCheckDone)
	}

	return r
}

// ConnectionFor returns the Ready connection to node, connecting on first use.
func (r *Registry) ConnectionFor(ctx context.Context, node topology.NodeIdentity) (*NodeConnection, error) {
	r.mu.RLock()
	nc, ok := r.nodes[node.StableID]
	closed := r.closed
	r.mu.RUnlock()

	if closed {
		return nil, ErrClientClosed
	}
	if ok && nc.State() == NodeReady && nc.node.SameAddress(node) {
		return nc, nil
	}

	ch := r.connects.DoChan(node.StableID, func() (any, error) {
		return r.connect(ctx, node)
	})

	select {
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Val.(*NodeConnection), nil
	case <-ctx.Done():
		return nil, fmt.Errorf("%w: connecting to %s: %w", ErrNodeUnavailable, node, ctx.Err())
	}
}

// connect runs at most once at a time per stable id.
func (r *Registry) connect(ctx context.Context, node topology.NodeIdentity) (*NodeConnection, error) {
	r.mu.RLock()
	existing, ok := r.nodes[node.StableID]
	r.mu.RUnlock()
	if ok && existing.State() == NodeReady && existing.node.SameAddress(node) {
		return existing, nil
	}

	// The connect outlives a caller that gives up: other callers may be
	// waiting on it. Its deadline still never exceeds the caller's.
	timeout := r.config.ConnectTimeout
	if deadline, ok := ctx.Deadline(); ok {
		timeout = min(timeout, time.Until(deadline))
	}
	connectCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), timeout)
	defer cancel()

	var breaker CircuitBreaker
	if r.config.NewCircuitBreaker != nil {
		breaker = r.config.NewCircuitBreaker(node.StableID)
	}

	logger := r.logger.With("node", node.String())
	nc := newNodeConnection(node, breaker, logger)
	nc.setState(NodeConnecting)

	pool, err := r.config.Pool(r.constructor(nc), r.config.KVConnections)
	if err != nil {
		return nil, err
	}
	nc.pool = pool

	start := time.Now()
	res, err := pool.Acquire(connectCtx)
	r.stats.recordConnect(err)
	if err != nil {
		nc.Close()
		logger.Warn("connect failed", "error", err, "duration", time.Since(start))
		if errors.Is(err, ErrAuthentication) {
			return nil, err
		}
		return nil, fmt.Errorf("%w: connect %s: %w", ErrNodeUnavailable, node, err)
	}
	res.Release()

	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		nc.Close()
		return nil, ErrClientClosed
	}
	old := r.nodes[node.StableID]
	r.nodes[node.StableID] = nc
	nc.setState(NodeReady)
	r.mu.Unlock()

	if old != nil {
		r.stats.recordReplacement()
		r.drain(old)
	}

	logger.Info("node connected", "duration", time.Since(start))
	return nc, nil
}

// constructor returns the function the node's pool uses to open a transport.
func (r *Registry) constructor(nc *NodeConnection) TransportConstructor {
	return func(ctx context.Context) (*Connection, error) {
		ctx, cancel := context.WithTimeout(ctx, r.config.ConnectTimeout)
		defer cancel()

		netConn, err := r.config.Dialer.DialContext(ctx, "tcp", nc.node.Addr())
		if err != nil {
			return nil, err
		}

		conn := NewConnection(netConn, nc.logger)
		if err := handshake(ctx, conn, r.handshake); err != nil {
			_ = conn.Close()
			return nil, err
		}
		if !nc.track(conn) {
			_ = conn.Close()
			return nil, ErrPoolClosed
		}
		conn.OnFatal(func(c *Connection, err error) {
			r.transportFailed(nc, c, err)
		})
		return conn, nil
	}
}

// transportFailed handles a transport that broke on its own. A framing error
// means the node's stream cannot be trusted: the node is removed and a fresh
// connection is made on next use.
func (r *Registry) transportFailed(nc *NodeConnection, conn *Connection, err error) {
	var fe *frame.FramingError
	if !errors.As(err, &fe) {
		nc.logger.Debug("transport closed", "addr", conn.Addr(), "error", err)
		return
	}

	r.stats.recordFramingError()
	nc.logger.Error("framing error, evicting node", "addr", conn.Addr(), "error", err)

	r.mu.Lock()
	if r.nodes[nc.node.StableID] == nc {
		delete(r.nodes, nc.node.StableID)
	}
	r.mu.Unlock()

	r.drain(nc)
}

// Send delivers req to node and returns the handle to await its response.
func (r *Registry) Send(ctx context.Context, node topology.NodeIdentity, req *frame.Request) (*PendingResponse, error) {
	nc, err := r.ConnectionFor(ctx, node)
	if err != nil {
		return nil, err
	}
	return nc.Send(ctx, req)
}

// Evict drains and closes the connection to node, if any. It returns
// immediately; the drain runs in the background.
func (r *Registry) Evict(node topology.NodeIdentity) {
	r.mu.Lock()
	nc, ok := r.nodes[node.StableID]
	if ok {
		delete(r.nodes, node.StableID)
	}
	delete(r.absent, node.StableID)
	r.mu.Unlock()

	if ok {
		r.drain(nc)
	}
}

func (r *Registry) drain(nc *NodeConnection) {
	r.stats.recordEviction()

	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		nc.Close()
		return
	}
	r.drains.Add(1)
	r.mu.Unlock()

	go func() {
		defer r.drains.Done()
		nc.drain(r.config.DrainTimeout)
		nc.logger.Info("node closed")
	}()
}

// Apply reconciles the registry with a newly published map. A node is evicted
// once it is missing from two maps: a later map than the first one that lacked
// it, or a map whose revision skips past the previously applied one. A node
// whose address changed is replaced right away.
func (r *Registry) Apply(m *topology.ShardMap) {
	present := make(map[string]topology.NodeIdentity)
	for _, n := range m.Nodes() {
		present[n.StableID] = n
	}

	var evict []*NodeConnection

	r.mu.Lock()
	prev := r.applied
	skipped := prev != nil && m.RevEpoch() == prev.RevEpoch() && m.Revision()-prev.Revision() > 1
	if m.Newer(prev) {
		r.applied = m
	}

	for id, nc := range r.nodes {
		if n, ok := present[id]; ok {
			delete(r.absent, id)
			if !nc.node.SameAddress(n) {
				r.logger.Info("node address changed", "node", id, "from", nc.node.Addr(), "to", n.Addr(), "rev", m.Revision())
				delete(r.nodes, id)
				r.stats.recordReplacement()
				evict = append(evict, nc)
			}
			continue
		}

		first, seen := r.absent[id]
		if !seen && !skipped {
			r.absent[id] = m
			continue
		}
		if !seen || m.Newer(first) {
			r.logger.Info("node left the cluster", "node", id, "rev", m.Revision())
			delete(r.nodes, id)
			delete(r.absent, id)
			evict = append(evict, nc)
		}
	}
	for id := range r.absent {
		if _, ok := r.nodes[id]; !ok {
			delete(r.absent, id)
		}
	}
	r.mu.Unlock()

	for _, nc := range evict {
		r.drain(nc)
	}
}

// Connected returns the Ready nodes.
func (r *Registry) Connected() []*NodeConnection {
	r.mu.RLock()
	defer r.mu.RUnlock()

	nodes := make([]*NodeConnection, 0, len(r.nodes))
	for _, nc := range r.nodes {
		if nc.State() == NodeReady {
			nodes = append(nodes, nc)
		}
	}
	return nodes
}

// Nodes returns stats for every node in the registry.
func (r *Registry) Nodes() []NodeStats {
	r.mu.RLock()
	nodes := make([]*NodeConnection, 0, len(r.nodes))
	for _, nc := range r.nodes {
		nodes = append(nodes, nc)
	}
	r.mu.RUnlock()

	stats := make([]NodeStats, 0, len(nodes))
	for _, nc := range nodes {
		stats = append(stats, nc.stats())
	}
	return stats
}

// Stats returns a snapshot of registry counters.
func (r *Registry) Stats() RegistryStats {
	return r.stats.snapshot()
}

// healthCheckLoop periodically checks idle transports for health and lifecycle limits.
func (r *Registry) healthCheckLoop() {
	defer close(r.healthCheckDone)

	ticker := time.NewTicker(r.config.HealthCheckInterval)
	defer ticker.Stop()

	for {
		select {
		case <-r.stopHealthCheck:
			return
		case <-ticker.C:
			for _, nc := range r.Connected() {
				r.checkPoolConnections(nc)
			}
		}
	}
}

// checkPoolConnections checks all idle transports of a node and destroys
// those that are stale or unhealthy.
func (r *Registry) checkPoolConnections(nc *NodeConnection) {
	now := time.Now()

	for _, res := range nc.pool.AcquireAllIdle() {
		if r.config.MaxConnLifetime > 0 && now.Sub(res.CreationTime()) > r.config.MaxConnLifetime {
			res.Destroy()
			continue
		}

		if r.config.MaxConnIdleTime > 0 && res.IdleDuration() > r.config.MaxConnIdleTime {
			res.Destroy()
			continue
		}

		ctx, cancel := context.WithTimeout(context.Background(), r.config.ConnectTimeout)
		err := res.Value().Ping(ctx)
		cancel()
		if err != nil {
			nc.logger.Warn("health check failed", "addr", res.Value().Addr(), "error", err)
			res.Destroy()
			continue
		}

		res.ReleaseUnused()
	}
}

// Close closes every node connection immediately and waits for running
// drains. Later calls fail with ErrClientClosed.
func (r *Registry) Close() {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return
	}
	r.closed = true
	nodes := r.nodes
	r.nodes = make(map[string]*NodeConnection)
	r.mu.Unlock()

	close(r.stopHealthCheck)
	<-r.healthCheckDone

	for _, nc := range nodes {
		nc.Close()
	}
	r.drains.Wait()
}
