package couchkv

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/pior/couchkv/frame"
	"github.com/pior/couchkv/internal/testutils"
	"github.com/pior/couchkv/topology"
)

func newTestRegistry(t testing.TB, network *testutils.Network, opts ...func(*RegistryConfig)) *Registry {
	t.Helper()
	config := RegistryConfig{
		Dialer:         network,
		ConnectTimeout: time.Second,
		DrainTimeout:   200 * time.Millisecond,
		Bucket:         testBucket,
		ClientID:       "test-client",
		Logger:         discardLogger,
	}
	for _, opt := range opts {
		opt(&config)
	}
	r := NewRegistry(config)
	t.Cleanup(r.Close)
	return r
}

func testNode(host, id string) topology.NodeIdentity {
	return topology.NodeIdentity{Host: host, KVPort: testKVPort, StableID: id}
}

func shardlessMap(t testing.TB, rev int64, nodes ...topology.NodeIdentity) *topology.ShardMap {
	t.Helper()
	m, err := topology.NewShardMap(topology.ShardMapConfig{
		Bucket:   testBucket,
		Revision: rev,
		Mode:     topology.ModeShardless,
		Nodes:    nodes,
	})
	require.NoError(t, err)
	return m
}

func TestRegistryConcurrentConnectDialsOnce(t *testing.T) {
	network := testutils.NewNetwork()
	network.Listen("10.0.0.1:11210", testutils.NewFakeNode("n1"))
	network.SetDialDelay(50 * time.Millisecond)

	r := newTestRegistry(t, network)
	node := testNode("10.0.0.1", "n1")

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	const callers = 100
	results := make([]*NodeConnection, callers)
	errs := make([]error, callers)

	var wg sync.WaitGroup
	for i := range callers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			results[i], errs[i] = r.ConnectionFor(ctx, node)
		}()
	}
	wg.Wait()

	for i := range callers {
		require.NoError(t, errs[i])
		require.Same(t, results[0], results[i])
	}
	require.Equal(t, 1, network.Dials("10.0.0.1:11210"))
	require.Equal(t, NodeReady, results[0].State())
	require.EqualValues(t, 1, r.Stats().Connects)
}

func TestRegistryConnectFailure(t *testing.T) {
	network := testutils.NewNetwork()
	network.Listen("10.0.0.1:11210", testutils.NewFakeNode("n1"))
	network.SetDown("10.0.0.1:11210", true)

	r := newTestRegistry(t, network)
	node := testNode("10.0.0.1", "n1")

	_, err := r.ConnectionFor(context.Background(), node)
	require.ErrorIs(t, err, ErrNodeUnavailable)
	require.EqualValues(t, 1, r.Stats().ConnectFailures)
	require.Empty(t, r.Connected())

	// failures are not cached
	network.SetDown("10.0.0.1:11210", false)
	nc, err := r.ConnectionFor(context.Background(), node)
	require.NoError(t, err)
	require.Equal(t, NodeReady, nc.State())
	require.Equal(t, 2, network.Dials("10.0.0.1:11210"))
}

func TestRegistryConnectBoundedByCallerDeadline(t *testing.T) {
	network := testutils.NewNetwork()
	network.Listen("10.0.0.1:11210", testutils.NewFakeNode("n1"))
	network.SetDialDelay(time.Second)

	r := newTestRegistry(t, network)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()

	start := time.Now()
	_, err := r.ConnectionFor(ctx, testNode("10.0.0.1", "n1"))
	require.ErrorIs(t, err, ErrNodeUnavailable)
	require.Less(t, time.Since(start), 500*time.Millisecond)
}

func TestRegistryAuthentication(t *testing.T) {
	node := testutils.NewFakeNode("n1")
	node.RequireAuth("app", "secret")
	network := testutils.NewNetwork()
	network.Listen("10.0.0.1:11210", node)

	t.Run("rejected", func(t *testing.T) {
		r := newTestRegistry(t, network, func(c *RegistryConfig) {
			c.Authenticator = PlainAuthenticator{Username: "app", Password: "wrong"}
		})
		_, err := r.ConnectionFor(context.Background(), testNode("10.0.0.1", "n1"))
		require.ErrorIs(t, err, ErrAuthentication)
		require.NotErrorIs(t, err, ErrNodeUnavailable)
	})

	t.Run("accepted", func(t *testing.T) {
		r := newTestRegistry(t, network, func(c *RegistryConfig) {
			c.Authenticator = PlainAuthenticator{Username: "app", Password: "secret"}
		})
		_, err := r.ConnectionFor(context.Background(), testNode("10.0.0.1", "n1"))
		require.NoError(t, err)
		require.Positive(t, node.Count(frame.OpSASLAuth))
	})
}

func TestRegistrySelectsBucket(t *testing.T) {
	node := testutils.NewFakeNode("n1")
	node.RequireBucket("other")
	network := testutils.NewNetwork()
	network.Listen("10.0.0.1:11210", node)

	r := newTestRegistry(t, network)
	_, err := r.ConnectionFor(context.Background(), testNode("10.0.0.1", "n1"))
	require.ErrorIs(t, err, ErrAuthentication)

	requests := node.Requests()
	require.Len(t, requests, 2)
	require.Equal(t, frame.OpHello, requests[0].Opcode)
	require.Equal(t, frame.OpSelectBucket, requests[1].Opcode)
	require.Equal(t, testBucket, string(requests[1].Key))
}

func TestRegistryApplyEvictsAfterTwoAbsences(t *testing.T) {
	network := testutils.NewNetwork()
	network.Listen("10.0.0.1:11210", testutils.NewFakeNode("n1"))
	network.Listen("10.0.0.2:11210", testutils.NewFakeNode("n2"))

	r := newTestRegistry(t, network)
	n1, n2 := testNode("10.0.0.1", "n1"), testNode("10.0.0.2", "n2")

	_, err := r.ConnectionFor(context.Background(), n1)
	require.NoError(t, err)
	nc2, err := r.ConnectionFor(context.Background(), n2)
	require.NoError(t, err)

	r.Apply(shardlessMap(t, 2, n1))
	require.Equal(t, NodeReady, nc2.State(), "one absence is tolerated")

	// coming back resets the count
	r.Apply(shardlessMap(t, 3, n1, n2))
	r.Apply(shardlessMap(t, 4, n1))
	require.Equal(t, NodeReady, nc2.State())

	r.Apply(shardlessMap(t, 5, n1))
	require.Eventually(t, func() bool { return nc2.State() == NodeClosed }, time.Second, 5*time.Millisecond)
	require.Len(t, r.Connected(), 1)
	require.EqualValues(t, 1, r.Stats().Evictions)
}

func TestRegistryApplyEvictsAcrossSkippedMaps(t *testing.T) {
	network := testutils.NewNetwork()
	network.Listen("10.0.0.1:11210", testutils.NewFakeNode("n1"))
	network.Listen("10.0.0.2:11210", testutils.NewFakeNode("n2"))

	r := newTestRegistry(t, network)
	n1, n2 := testNode("10.0.0.1", "n1"), testNode("10.0.0.2", "n2")

	_, err := r.ConnectionFor(context.Background(), n1)
	require.NoError(t, err)
	nc2, err := r.ConnectionFor(context.Background(), n2)
	require.NoError(t, err)

	r.Apply(shardlessMap(t, 2, n1))
	require.Equal(t, NodeReady, nc2.State())

	// re-applying the same map is not a second absence
	r.Apply(shardlessMap(t, 2, n1))
	require.Equal(t, NodeReady, nc2.State())

	// rev 3 was dropped by the subscription; rev 4 still lacks the node
	r.Apply(shardlessMap(t, 4, n1))
	require.Eventually(t, func() bool { return nc2.State() == NodeClosed }, time.Second, 5*time.Millisecond)
	require.Len(t, r.Connected(), 1)
}

func TestRegistryApplyCountsSkippedRevisions(t *testing.T) {
	network := testutils.NewNetwork()
	network.Listen("10.0.0.1:11210", testutils.NewFakeNode("n1"))
	network.Listen("10.0.0.2:11210", testutils.NewFakeNode("n2"))
	network.Listen("10.0.0.3:11210", testutils.NewFakeNode("n3"))

	r := newTestRegistry(t, network)
	n1, n2, n3 := testNode("10.0.0.1", "n1"), testNode("10.0.0.2", "n2"), testNode("10.0.0.3", "n3")

	_, err := r.ConnectionFor(context.Background(), n1)
	require.NoError(t, err)
	nc2, err := r.ConnectionFor(context.Background(), n2)
	require.NoError(t, err)
	nc3, err := r.ConnectionFor(context.Background(), n3)
	require.NoError(t, err)

	r.Apply(shardlessMap(t, 1, n1, n2, n3))

	// rev 2 lacks n2 and is applied; rev 3 lacks n3 and is dropped; rev 4 lacks both
	r.Apply(shardlessMap(t, 2, n1, n3))
	r.Apply(shardlessMap(t, 4, n1))

	require.Eventually(t, func() bool { return nc2.State() == NodeClosed }, time.Second, 5*time.Millisecond)
	require.Eventually(t, func() bool { return nc3.State() == NodeClosed }, time.Second, 5*time.Millisecond)
	require.Len(t, r.Connected(), 1)
}

func TestRegistryApplyReplacesMovedNode(t *testing.T) {
	network := testutils.NewNetwork()
	network.Listen("10.0.0.1:11210", testutils.NewFakeNode("n1"))
	network.Listen("10.0.0.9:11210", testutils.NewFakeNode("n1-moved"))

	r := newTestRegistry(t, network)
	old, err := r.ConnectionFor(context.Background(), testNode("10.0.0.1", "n1"))
	require.NoError(t, err)

	moved := testNode("10.0.0.9", "n1")
	r.Apply(shardlessMap(t, 2, moved))
	require.Eventually(t, func() bool { return old.State() == NodeClosed }, time.Second, 5*time.Millisecond)

	nc, err := r.ConnectionFor(context.Background(), moved)
	require.NoError(t, err)
	require.NotSame(t, old, nc)
	require.Equal(t, "10.0.0.9", nc.Node().Host)
	require.Equal(t, 1, network.Dials("10.0.0.9:11210"))
	require.EqualValues(t, 1, r.Stats().Replacements)
}

func TestRegistryFramingErrorEvictsNode(t *testing.T) {
	node := testutils.NewFakeNode("n1")
	node.Garbage(frame.OpGet)
	network := testutils.NewNetwork()
	network.Listen("10.0.0.1:11210", node)

	r := newTestRegistry(t, network)
	n1 := testNode("10.0.0.1", "n1")

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	nc, err := r.ConnectionFor(ctx, n1)
	require.NoError(t, err)

	p, err := r.Send(ctx, n1, &frame.Request{Opcode: frame.OpGet, Key: []byte("k")})
	require.NoError(t, err)
	_, err = p.Await(ctx)
	var fe *frame.FramingError
	require.ErrorAs(t, err, &fe)

	require.Eventually(t, func() bool { return nc.State() == NodeClosed }, time.Second, 5*time.Millisecond)
	require.Empty(t, r.Connected())
	require.EqualValues(t, 1, r.Stats().FramingErrors)

	fresh, err := r.ConnectionFor(ctx, n1)
	require.NoError(t, err)
	require.NotSame(t, nc, fresh)
	require.Equal(t, 2, network.Dials("10.0.0.1:11210"))
}

func TestRegistryEvictDrainsInFlight(t *testing.T) {
	node := testutils.NewFakeNode("n1")
	network := testutils.NewNetwork()
	network.Listen("10.0.0.1:11210", node)

	r := newTestRegistry(t, network, func(c *RegistryConfig) {
		c.DrainTimeout = time.Second
	})
	n1 := testNode("10.0.0.1", "n1")

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	nc, err := r.ConnectionFor(ctx, n1)
	require.NoError(t, err)

	node.SetDelay(50 * time.Millisecond)
	p, err := nc.Send(ctx, &frame.Request{Opcode: frame.OpNoop})
	require.NoError(t, err)

	r.Evict(n1)
	require.Empty(t, r.Connected())
	require.Eventually(t, func() bool { return nc.State() == NodeDraining }, time.Second, time.Millisecond)

	_, err = nc.Send(ctx, &frame.Request{Opcode: frame.OpNoop})
	require.ErrorIs(t, err, ErrNodeUnavailable, "draining nodes take no new requests")

	f, err := p.Await(ctx)
	require.NoError(t, err)
	require.Equal(t, frame.StatusSuccess, f.Status)

	require.Eventually(t, func() bool { return nc.State() == NodeClosed }, time.Second, 5*time.Millisecond)
}

func TestRegistryDrainTimeoutFailsInFlight(t *testing.T) {
	node := testutils.NewFakeNode("n1")
	node.Hang(frame.OpGet)
	network := testutils.NewNetwork()
	network.Listen("10.0.0.1:11210", node)

	r := newTestRegistry(t, network, func(c *RegistryConfig) {
		c.DrainTimeout = 20 * time.Millisecond
	})
	n1 := testNode("10.0.0.1", "n1")

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	p, err := r.Send(ctx, n1, &frame.Request{Opcode: frame.OpGet, Key: []byte("k")})
	require.NoError(t, err)

	r.Evict(n1)

	_, err = p.Await(ctx)
	require.ErrorIs(t, err, ErrConnectionClosed)
}

func TestRegistryHealthCheck(t *testing.T) {
	node := testutils.NewFakeNode("n1")
	network := testutils.NewNetwork()
	network.Listen("10.0.0.1:11210", node)

	r := newTestRegistry(t, network, func(c *RegistryConfig) {
		c.HealthCheckInterval = 10 * time.Millisecond
	})

	nc, err := r.ConnectionFor(context.Background(), testNode("10.0.0.1", "n1"))
	require.NoError(t, err)

	require.Eventually(t, func() bool { return node.Count(frame.OpNoop) > 0 }, time.Second, 5*time.Millisecond)

	node.CloseConnections()
	require.Eventually(t, func() bool { return nc.pool.Stats().DestroyedConns > 0 }, time.Second, 5*time.Millisecond)
	require.Equal(t, NodeReady, nc.State(), "a closed transport does not evict the node")
}

func TestRegistryHealthCheckMaxLifetime(t *testing.T) {
	network := testutils.NewNetwork()
	network.Listen("10.0.0.1:11210", testutils.NewFakeNode("n1"))

	r := newTestRegistry(t, network, func(c *RegistryConfig) {
		c.HealthCheckInterval = 10 * time.Millisecond
		c.MaxConnLifetime = time.Millisecond
	})

	nc, err := r.ConnectionFor(context.Background(), testNode("10.0.0.1", "n1"))
	require.NoError(t, err)

	require.Eventually(t, func() bool { return nc.pool.Stats().DestroyedConns > 0 }, time.Second, 5*time.Millisecond)
}

func TestRegistryClose(t *testing.T) {
	network := testutils.NewNetwork()
	network.Listen("10.0.0.1:11210", testutils.NewFakeNode("n1"))

	r := newTestRegistry(t, network)
	nc, err := r.ConnectionFor(context.Background(), testNode("10.0.0.1", "n1"))
	require.NoError(t, err)

	r.Close()
	require.Equal(t, NodeClosed, nc.State())

	_, err = r.ConnectionFor(context.Background(), testNode("10.0.0.1", "n1"))
	require.ErrorIs(t, err, ErrClientClosed)

	r.Close()
}

func TestRegistryDrainAfterCloseClosesImmediately(t *testing.T) {
	network := testutils.NewNetwork()
	network.Listen("10.0.0.1:11210", testutils.NewFakeNode("n1"))

	r := newTestRegistry(t, network)
	nc, err := r.ConnectionFor(context.Background(), testNode("10.0.0.1", "n1"))
	require.NoError(t, err)

	// detached the way a concurrent eviction leaves it
	r.mu.Lock()
	delete(r.nodes, "n1")
	r.mu.Unlock()

	r.Close()
	require.Equal(t, NodeReady, nc.State())

	r.drain(nc)
	require.Equal(t, NodeClosed, nc.State())
}

func TestRegistryEvictConcurrentWithClose(t *testing.T) {
	network := testutils.NewNetwork()
	var nodes []topology.NodeIdentity
	for i := range 8 {
		host := fmt.Sprintf("10.0.0.%d", i+1)
		id := fmt.Sprintf("n%d", i+1)
		network.Listen(host+":11210", testutils.NewFakeNode(id))
		nodes = append(nodes, testNode(host, id))
	}

	r := newTestRegistry(t, network)
	var conns []*NodeConnection
	for _, n := range nodes {
		nc, err := r.ConnectionFor(context.Background(), n)
		require.NoError(t, err)
		conns = append(conns, nc)
	}

	var wg sync.WaitGroup
	for _, n := range nodes {
		wg.Add(1)
		go func() {
			defer wg.Done()
			r.Evict(n)
		}()
	}
	r.Close()
	wg.Wait()

	for _, nc := range conns {
		require.Eventually(t, func() bool { return nc.State() == NodeClosed }, time.Second, 5*time.Millisecond)
	}
}

func TestRegistryNodesStats(t *testing.T) {
	network := testutils.NewNetwork()
	network.Listen("10.0.0.1:11210", testutils.NewFakeNode("n1"))

	r := newTestRegistry(t, network, func(c *RegistryConfig) {
		c.KVConnections = 2
		c.Pool = NewPuddlePool
	})
	_, err := r.ConnectionFor(context.Background(), testNode("10.0.0.1", "n1"))
	require.NoError(t, err)

	stats := r.Nodes()
	require.Len(t, stats, 1)
	require.Equal(t, "n1", stats[0].Node.StableID)
	require.Equal(t, NodeReady, stats[0].State)
	require.EqualValues(t, 1, stats[0].PoolStats.CreatedConns)
}
