package couchkv

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/pior/couchkv/frame"
	"github.com/pior/couchkv/topology"
)

// MapSource provides the current cluster map. *topology.Streamer implements it.
type MapSource interface {
	Current() *topology.ShardMap
	WaitNewer(ctx context.Context, than *topology.ShardMap, grace time.Duration) (*topology.ShardMap, error)
	Offer(doc []byte, host string) bool
}

// Operation is one key-value request before routing.
type Operation struct {
	Opcode   frame.Opcode
	Key      []byte
	Extras   []byte
	Value    []byte
	CAS      uint64
	Datatype uint8
}

// Result is the response to an Operation.
type Result struct {
	Frame    frame.Frame
	Node     topology.NodeIdentity
	Attempts int
}

// RouterConfig configures a Router. Zero values select the defaults.
type RouterConfig struct {
	// MaxAttempts bounds the sends of one operation.
	MaxAttempts int

	// RetryGrace is how long a retry waits for a newer map.
	RetryGrace time.Duration

	// OperationTimeout applies when the caller's context has no deadline.
	OperationTimeout time.Duration

	// SelectServer picks the node of a key in shardless buckets.
	SelectServer ServerSelector

	Logger *slog.Logger
}

func (c *RouterConfig) setDefaults() {
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = DefaultMaxAttempts
	}
	if c.RetryGrace <= 0 {
		c.RetryGrace = DefaultRetryGrace
	}
	if c.OperationTimeout <= 0 {
		c.OperationTimeout = DefaultOperationTimeout
	}
	if c.SelectServer == nil {
		c.SelectServer = DefaultServerSelector
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
}

// Router sends operations to the node owning their key and retries when the
// cluster map moves under them.
type Router struct {
	maps     MapSource
	registry *Registry
	config   RouterConfig
	logger   *slog.Logger
	stats    *clientStatsCollector
}

func NewRouter(maps MapSource, registry *Registry, config RouterConfig) *Router {
	config.setDefaults()
	return &Router{
		maps:     maps,
		registry: registry,
		config:   config,
		logger:   config.Logger.With("component", "router"),
		stats:    newClientStatsCollector(),
	}
}

// Execute routes op and returns the response.
//
// The deadline covers every attempt. A not-my-vbucket response is retried
// once per newer map, never twice against the same map. A non-idempotent
// operation whose request may have reached the server is never resent: when
// its outcome is unknown it fails with ErrAmbiguousTimeout.
//
// A response with a failure status returns the Result together with an
// *OperationError.
func (r *Router) Execute(ctx context.Context, op Operation) (Result, error) {
	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.config.OperationTimeout)
		defer cancel()
	}

	e := &execution{router: r, op: op, idempotent: op.Opcode.Idempotent()}

	m := r.maps.Current()
	if m == nil {
		var err error
		m, err = r.maps.WaitNewer(ctx, nil, r.config.RetryGrace)
		if m == nil {
			return Result{}, e.fail(ErrNodeUnavailable, topology.NodeIdentity{}, 0, errors.Join(errors.New("no cluster map"), err))
		}
	}

	var lastErr error
	for e.attempts < r.config.MaxAttempts {
		node, shard, ok := r.route(m, op.Key)
		if !ok {
			lastErr = e.fail(ErrShardMiss, node, 0, nil)
			next, advanced := e.waitNewer(ctx, m)
			if !advanced {
				return Result{}, lastErr
			}
			m = next
			continue
		}

		e.attempts++
		if e.attempts > 1 {
			r.stats.recordRetry()
		}

		res, retry, err := e.attempt(ctx, node, shard)
		if !retry {
			return res, err
		}
		lastErr = err

		if errors.Is(err, ErrShardMiss) {
			// only a newer map can fix a shard miss
			next, advanced := e.waitNewer(ctx, m)
			if !advanced {
				if ctx.Err() != nil {
					return Result{}, e.fail(ErrDeadlineExceeded, node, frame.StatusNotMyVBucket, lastErr)
				}
				return Result{}, lastErr
			}
			m = next
			continue
		}

		// node unavailable: retry on a newer map or after the grace period
		m, _ = e.waitNewer(ctx, m)
		if ctx.Err() != nil {
			return Result{}, lastErr
		}
	}

	return Result{}, lastErr
}

// route picks the node of key on m.
func (r *Router) route(m *topology.ShardMap, key []byte) (topology.NodeIdentity, uint16, bool) {
	if m.Mode() == topology.ModeShardless {
		nodes := m.Nodes()
		if len(nodes) == 0 {
			return topology.NodeIdentity{}, 0, false
		}
		return nodes[r.config.SelectServer(key, len(nodes))], 0, true
	}
	return m.NodeFor(key)
}

// execution is the state of one Execute call.
type execution struct {
	router     *Router
	op         Operation
	idempotent bool
	attempts   int
}

// attempt sends the operation once. retry reports whether another attempt
// may be made.
func (e *execution) attempt(ctx context.Context, node topology.NodeIdentity, shard uint16) (res Result, retry bool, err error) {
	r := e.router
	req := &frame.Request{
		Opcode:   e.op.Opcode,
		Datatype: e.op.Datatype,
		VBucket:  shard,
		CAS:      e.op.CAS,
		Extras:   e.op.Extras,
		Key:      e.op.Key,
		Value:    e.op.Value,
	}

	p, err := r.registry.Send(ctx, node, req)
	if err != nil {
		written := maybeWritten(err)
		switch {
		case written && !e.idempotent:
			return Result{}, false, e.fail(ErrAmbiguousTimeout, node, 0, err)
		case ctx.Err() != nil:
			return Result{}, false, e.fail(ErrDeadlineExceeded, node, 0, err)
		case errors.Is(err, ErrAuthentication):
			return Result{}, false, e.fail(ErrAuthentication, node, 0, err)
		}

		kind := kindOf(err)
		if kind != ErrNodeUnavailable && kind != ErrFraming {
			return Result{}, false, e.fail(kind, node, 0, err)
		}
		r.logger.Debug("send failed", "node", node.String(), "attempt", e.attempts, "error", err)
		return Result{}, true, e.fail(ErrNodeUnavailable, node, 0, err)
	}

	f, err := p.Await(ctx)
	if err != nil {
		// the request was written, its outcome is unknown
		if !e.idempotent {
			return Result{}, false, e.fail(ErrAmbiguousTimeout, node, 0, err)
		}
		if ctx.Err() != nil {
			return Result{}, false, e.fail(ErrDeadlineExceeded, node, 0, err)
		}
		return Result{}, true, e.fail(kindOf(err), node, 0, err)
	}

	res = Result{Frame: f, Node: node, Attempts: e.attempts}

	if f.Status == frame.StatusNotMyVBucket {
		r.stats.recordShardMiss()
		if len(f.Value) > 0 {
			r.maps.Offer(f.Value, node.Host)
		}
		r.logger.Debug("not my vbucket", "node", node.String(), "vbucket", shard, "attempt", e.attempts)
		return Result{}, true, e.fail(ErrShardMiss, node, f.Status, nil)
	}

	if kind := statusKind(f.Status); kind != nil {
		var cause error
		if len(f.Value) > 0 {
			cause = &statusError{op: e.op.Opcode, status: f.Status, msg: string(f.Value)}
		}
		return res, false, e.fail(kind, node, f.Status, cause)
	}

	return res, false, nil
}

// waitNewer waits up to the retry grace for a map newer than m. It returns
// the map to use next and whether it is newer than m.
func (e *execution) waitNewer(ctx context.Context, m *topology.ShardMap) (*topology.ShardMap, bool) {
	next, err := e.router.maps.WaitNewer(ctx, m, e.router.config.RetryGrace)
	if err != nil || next == nil {
		return m, false
	}
	return next, true
}

func (e *execution) fail(kind error, node topology.NodeIdentity, status frame.Status, cause error) *OperationError {
	return &OperationError{
		Op:       e.op.Opcode,
		Key:      string(e.op.Key),
		Node:     node,
		Status:   status,
		Attempts: e.attempts,
		Err:      kind,
		Cause:    cause,
	}
}
