package testutils

import (
	"context"
	"fmt"
	"io"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/goccy/go-json"
)

// ConfigStream is one open streaming response of a FakeConfigSource.
type ConfigStream struct {
	Endpoint string
	Bucket   string

	w *io.PipeWriter
}

// Send writes one document followed by the stream delimiter. It blocks until
// the reader consumes it.
func (s *ConfigStream) Send(doc []byte) error {
	buf := make([]byte, 0, len(doc)+4)
	buf = append(buf, doc...)
	buf = append(buf, "\n\n\n\n"...)
	_, err := s.w.Write(buf)
	return err
}

// Close ends the stream as if the server closed the response.
func (s *ConfigStream) Close() error {
	return s.w.Close()
}

// Fail ends the stream with a read error.
func (s *ConfigStream) Fail(err error) error {
	return s.w.CloseWithError(err)
}

// FakeConfigSource hands out in-memory config streams.
type FakeConfigSource struct {
	streams chan *ConfigStream

	mu       sync.Mutex
	opened   []string
	failures map[string]error
}

func NewFakeConfigSource() *FakeConfigSource {
	return &FakeConfigSource{
		streams:  make(chan *ConfigStream, 64),
		failures: make(map[string]error),
	}
}

// Open implements the streamer's config source.
func (f *FakeConfigSource) Open(ctx context.Context, endpoint, bucket string) (io.ReadCloser, error) {
	f.mu.Lock()
	f.opened = append(f.opened, endpoint)
	err := f.failures[endpoint]
	f.mu.Unlock()

	if err != nil {
		return nil, err
	}
	if ctx.Err() != nil {
		return nil, ctx.Err()
	}

	pr, pw := io.Pipe()
	f.streams <- &ConfigStream{Endpoint: endpoint, Bucket: bucket, w: pw}
	return pr, nil
}

// FailEndpoint makes every Open against endpoint fail with err. A nil err
// clears the failure.
func (f *FakeConfigSource) FailEndpoint(endpoint string, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err == nil {
		delete(f.failures, endpoint)
		return
	}
	f.failures[endpoint] = err
}

// Opened returns every endpoint Open was called with, in order.
func (f *FakeConfigSource) Opened() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.opened...)
}

// NextStream waits for the next successful Open.
func (f *FakeConfigSource) NextStream(timeout time.Duration) (*ConfigStream, error) {
	select {
	case s := <-f.streams:
		return s, nil
	case <-time.After(timeout):
		return nil, fmt.Errorf("no config stream opened within %s", timeout)
	}
}

// NodeConfig describes one node of a BucketConfig.
type NodeConfig struct {
	Host     string
	KVPort   int
	MgmtPort int
	UUID     string
}

// BucketConfig renders cluster configuration documents.
type BucketConfig struct {
	Name     string
	Rev      int64
	RevEpoch int64
	Nodes    []NodeConfig
	// VBucketMap lists node indexes per shard. Nil renders a memcached
	// (shardless) bucket.
	VBucketMap [][]int
}

// JSON renders the document the way the server's streaming endpoint does.
func (c BucketConfig) JSON() []byte {
	type nodeExt struct {
		Hostname string         `json:"hostname"`
		Services map[string]int `json:"services"`
		NodeUUID string         `json:"nodeUUID,omitempty"`
	}
	type serverMap struct {
		HashAlgorithm string   `json:"hashAlgorithm"`
		NumReplicas   int      `json:"numReplicas"`
		ServerList    []string `json:"serverList"`
		VBucketMap    [][]int  `json:"vBucketMap"`
	}
	type document struct {
		Rev              int64      `json:"rev"`
		RevEpoch         int64      `json:"revEpoch,omitempty"`
		Name             string     `json:"name"`
		NodeLocator      string     `json:"nodeLocator"`
		NodesExt         []nodeExt  `json:"nodesExt"`
		VBucketServerMap *serverMap `json:"vBucketServerMap,omitempty"`
	}

	doc := document{Rev: c.Rev, RevEpoch: c.RevEpoch, Name: c.Name, NodeLocator: "ketama"}
	servers := make([]string, 0, len(c.Nodes))
	for _, n := range c.Nodes {
		services := map[string]int{"kv": n.KVPort}
		if n.MgmtPort != 0 {
			services["mgmt"] = n.MgmtPort
		}
		doc.NodesExt = append(doc.NodesExt, nodeExt{Hostname: n.Host, Services: services, NodeUUID: n.UUID})
		servers = append(servers, net.JoinHostPort(n.Host, strconv.Itoa(n.KVPort)))
	}

	if c.VBucketMap != nil {
		doc.NodeLocator = "vbucket"
		replicas := 0
		if len(c.VBucketMap) > 0 {
			replicas = len(c.VBucketMap[0]) - 1
		}
		doc.VBucketServerMap = &serverMap{
			HashAlgorithm: "CRC",
			NumReplicas:   replicas,
			ServerList:    servers,
			VBucketMap:    c.VBucketMap,
		}
	}

	out, err := json.Marshal(doc)
	if err != nil {
		panic(err)
	}
	return out
}

// UniformVBucketMap assigns shards round robin over nodes, without replicas.
func UniformVBucketMap(shards, nodes int) [][]int {
	m := make([][]int, shards)
	for i := range m {
		m[i] = []int{i % nodes}
	}
	return m
}

// WithOwner returns a copy of vbmap where shard is owned by node.
func WithOwner(vbmap [][]int, shard, node int) [][]int {
	out := make([][]int, len(vbmap))
	for i, row := range vbmap {
		out[i] = append([]int(nil), row...)
	}
	out[shard][0] = node
	return out
}
