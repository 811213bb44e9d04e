package couchkv

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pior/couchkv/frame"
	"github.com/pior/couchkv/topology"
)

// NodeState is the lifecycle state of a NodeConnection.
type NodeState int32

const (
	NodeDisconnected NodeState = iota
	NodeConnecting
	NodeReady
	NodeDraining
	NodeClosed
)

func (s NodeState) String() string {
	switch s {
	case NodeDisconnected:
		return "disconnected"
	case NodeConnecting:
		return "connecting"
	case NodeReady:
		return "ready"
	case NodeDraining:
		return "draining"
	case NodeClosed:
		return "closed"
	default:
		return fmt.Sprintf("NodeState(%d)", int32(s))
	}
}

// maxStaleTransports bounds how many dead pooled transports a single send
// skips before giving up.
const maxStaleTransports = 4

// drainPollInterval is how often a draining node checks its in-flight count.
const drainPollInterval = 5 * time.Millisecond

// NodeConnection is the logical connection to one data node. It owns a pool
// of transports and an optional circuit breaker.
type NodeConnection struct {
	node    topology.NodeIdentity
	pool    Pool
	breaker CircuitBreaker // nil if not configured
	logger  *slog.Logger

	state atomic.Int32

	mu         sync.Mutex
	transports map[*Connection]struct{}

	closeOnce sync.Once
}

func newNodeConnection(node topology.NodeIdentity, breaker CircuitBreaker, logger *slog.Logger) *NodeConnection {
	return &NodeConnection{
		node:       node,
		breaker:    breaker,
		logger:     logger,
		transports: make(map[*Connection]struct{}),
	}
}

// Node returns the identity the connection was opened for.
func (nc *NodeConnection) Node() topology.NodeIdentity {
	return nc.node
}

// State returns the lifecycle state.
func (nc *NodeConnection) State() NodeState {
	return NodeState(nc.state.Load())
}

func (nc *NodeConnection) setState(s NodeState) {
	nc.state.Store(int32(s))
}

// track registers a transport created by the pool. It returns false once the
// node is closed.
func (nc *NodeConnection) track(conn *Connection) bool {
	nc.mu.Lock()
	defer nc.mu.Unlock()
	if nc.State() == NodeClosed {
		return false
	}
	nc.transports[conn] = struct{}{}
	return true
}

// InFlight returns the number of requests awaiting a response on all
// transports of the node.
func (nc *NodeConnection) InFlight() int {
	nc.mu.Lock()
	defer nc.mu.Unlock()

	n := 0
	for conn := range nc.transports {
		if conn.IsClosed() {
			delete(nc.transports, conn)
			continue
		}
		n += conn.InFlight()
	}
	return n
}

// Send writes req on one of the node's transports and returns the handle to
// await its response. Only Ready nodes accept requests.
func (nc *NodeConnection) Send(ctx context.Context, req *frame.Request) (*PendingResponse, error) {
	if st := nc.State(); st != NodeReady {
		return nil, fmt.Errorf("%w: %s is %s", ErrNodeUnavailable, nc.node, st)
	}

	if nc.breaker == nil {
		return nc.send(ctx, req)
	}

	p, err := nc.breaker.Execute(func() (*PendingResponse, error) {
		return nc.send(ctx, req)
	})
	if isBreakerRejection(err) {
		return nil, fmt.Errorf("%w: %s: %w", ErrNodeUnavailable, nc.node, err)
	}
	return p, err
}

func (nc *NodeConnection) send(ctx context.Context, req *frame.Request) (*PendingResponse, error) {
	for range maxStaleTransports {
		res, err := nc.pool.Acquire(ctx)
		if err != nil {
			return nil, err
		}

		conn := res.Value()
		if conn.IsClosed() {
			res.Destroy()
			continue
		}

		p, err := conn.Send(req)
		if err != nil {
			if conn.IsClosed() {
				res.Destroy()
			} else {
				res.Release()
			}
			if errors.Is(err, ErrConnectionClosed) && !maybeWritten(err) {
				// lost a race with the reader, nothing was written
				continue
			}
			return nil, err
		}

		res.Release()
		return p, nil
	}

	return nil, fmt.Errorf("%w: no usable transport to %s", ErrNodeUnavailable, nc.node)
}

// ping sends a NOOP on every idle transport.
func (nc *NodeConnection) ping(ctx context.Context) error {
	var errs []error
	for _, res := range nc.pool.AcquireAllIdle() {
		if err := res.Value().Ping(ctx); err != nil {
			res.Destroy()
			errs = append(errs, err)
			continue
		}
		res.ReleaseUnused()
	}
	return errors.Join(errs...)
}

// drain stops accepting requests, waits for in-flight requests to complete
// or for timeout, then closes the node.
func (nc *NodeConnection) drain(timeout time.Duration) {
	nc.setState(NodeDraining)

	deadline := time.Now().Add(timeout)
	for nc.InFlight() > 0 && time.Now().Before(deadline) {
		time.Sleep(drainPollInterval)
	}

	if n := nc.InFlight(); n > 0 {
		nc.logger.Warn("drain timeout, failing in-flight requests", "node", nc.node.String(), "in_flight", n)
	}
	nc.Close()
}

// Close closes the pool and every transport. Pending requests fail with
// ErrConnectionClosed.
func (nc *NodeConnection) Close() {
	nc.closeOnce.Do(func() {
		nc.setState(NodeClosed)
		if nc.pool != nil {
			nc.pool.Close()
		}

		nc.mu.Lock()
		transports := nc.transports
		nc.transports = make(map[*Connection]struct{})
		nc.mu.Unlock()

		for conn := range transports {
			_ = conn.Close()
		}
	})
}

func (nc *NodeConnection) stats() NodeStats {
	s := NodeStats{
		Node:     nc.node,
		State:    nc.State(),
		InFlight: nc.InFlight(),
	}
	if nc.pool != nil {
		s.PoolStats = nc.pool.Stats()
	}
	if nc.breaker != nil {
		s.CircuitBreakerState = nc.breaker.State()
	}
	return s
}
