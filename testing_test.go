package couchkv

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/pior/couchkv/internal/testutils"
	"github.com/pior/couchkv/topology"
)

const (
	testBucket = "default"
	testKVPort = 11210
	testMgmt   = 8091
)

var discardLogger = slog.New(slog.DiscardHandler)

// testCluster is an in-memory cluster: fake data nodes behind a fake network
// and a fake config stream.
type testCluster struct {
	t       testing.TB
	source  *testutils.FakeConfigSource
	network *testutils.Network
	nodes   []*testutils.FakeNode
	config  testutils.BucketConfig
	stream  *testutils.ConfigStream
}

func newTestCluster(t testing.TB, nodeCount, shards int) *testCluster {
	t.Helper()

	c := &testCluster{
		t:       t,
		source:  testutils.NewFakeConfigSource(),
		network: testutils.NewNetwork(),
		config:  testutils.BucketConfig{Name: testBucket, Rev: 1},
	}

	for i := range nodeCount {
		host := fmt.Sprintf("10.0.0.%d", i+1)
		node := testutils.NewFakeNode("n" + strconv.Itoa(i+1))
		c.nodes = append(c.nodes, node)
		c.network.Listen(net.JoinHostPort(host, strconv.Itoa(testKVPort)), node)
		c.config.Nodes = append(c.config.Nodes, testutils.NodeConfig{
			Host:     host,
			KVPort:   testKVPort,
			MgmtPort: testMgmt,
			UUID:     node.Name,
		})
	}
	if shards > 0 {
		c.config.VBucketMap = testutils.UniformVBucketMap(shards, nodeCount)
	}
	return c
}

func (c *testCluster) addr(i int) string {
	n := c.config.Nodes[i]
	return net.JoinHostPort(n.Host, strconv.Itoa(n.KVPort))
}

func (c *testCluster) identity(i int) topology.NodeIdentity {
	n := c.config.Nodes[i]
	return topology.NodeIdentity{Host: n.Host, KVPort: n.KVPort, MgmtPort: n.MgmtPort, StableID: n.UUID}
}

// clientConfig returns a configuration pointing at the cluster.
func (c *testCluster) clientConfig() Config {
	return Config{
		Bucket:           testBucket,
		Bootstrap:        []string{net.JoinHostPort(c.config.Nodes[0].Host, strconv.Itoa(testMgmt))},
		ConfigSource:     c.source,
		Dialer:           c.network,
		ConnectTimeout:   time.Second,
		OperationTimeout: time.Second,
		RetryGrace:       100 * time.Millisecond,
		DrainTimeout:     100 * time.Millisecond,
		Logger:           discardLogger,
	}
}

// client starts a client on the cluster and serves it the current config.
func (c *testCluster) client(opts ...func(*Config)) *Client {
	c.t.Helper()

	config := c.clientConfig()
	for _, opt := range opts {
		opt(&config)
	}

	streams := make(chan *testutils.ConfigStream, 1)
	go func() {
		s, err := c.source.NextStream(5 * time.Second)
		if err == nil {
			_ = s.Send(c.config.JSON())
		}
		streams <- s
	}()

	client, err := NewClient(context.Background(), config)
	require.NoError(c.t, err)
	c.t.Cleanup(client.Close)

	c.stream = <-streams
	require.NotNil(c.t, c.stream)
	return client
}

// publish bumps the revision, sends the config on the stream and waits for
// the client to see it.
func (c *testCluster) publish(client *Client) {
	c.t.Helper()

	c.config.Rev++
	require.NoError(c.t, c.stream.Send(c.config.JSON()))
	require.Eventually(c.t, func() bool {
		m := client.ClusterMap()
		return m != nil && m.Revision() == c.config.Rev
	}, 2*time.Second, 5*time.Millisecond)
}

// shardMap builds a ShardMap from a rendered config.
func shardMap(t testing.TB, config testutils.BucketConfig) *topology.ShardMap {
	t.Helper()
	m, err := topology.ParseDocument(config.JSON(), "")
	require.NoError(t, err)
	return m
}

// staticMaps is a MapSource serving one map and accepting offered documents.
type staticMaps struct {
	streamer *topology.Streamer
}

func newStaticMaps(t testing.TB, m *topology.ShardMap) *staticMaps {
	t.Helper()
	s, err := topology.NewStreamer(topology.StreamerConfig{
		Bucket:    testBucket,
		Bootstrap: []string{"127.0.0.1:8091"},
		Source:    testutils.NewFakeConfigSource(),
		Logger:    discardLogger,
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	if m != nil {
		require.True(t, s.Publish(m))
	}
	return &staticMaps{streamer: s}
}

func (s *staticMaps) Current() *topology.ShardMap { return s.streamer.Current() }

func (s *staticMaps) WaitNewer(ctx context.Context, than *topology.ShardMap, grace time.Duration) (*topology.ShardMap, error) {
	return s.streamer.WaitNewer(ctx, than, grace)
}

func (s *staticMaps) Offer(doc []byte, host string) bool { return s.streamer.Offer(doc, host) }

func requireOperationError(t testing.TB, err error, kind error) *OperationError {
	t.Helper()
	require.ErrorIs(t, err, kind)
	var opErr *OperationError
	require.ErrorAs(t, err, &opErr)
	return opErr
}
