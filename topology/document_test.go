package topology

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pior/couchkv/internal/testutils"
)

const serverDocument = `{
  "rev": 1073,
  "revEpoch": 2,
  "name": "travel-sample",
  "nodeLocator": "vbucket",
  "uuid": "b0f2b0c1a4b3",
  "nodesExt": [
    {"services": {"mgmt": 8091, "kv": 11210, "n1ql": 8093}, "thisNode": true, "hostname": "$HOST", "nodeUUID": "aaa"},
    {"services": {"mgmt": 8091, "kv": 11210}, "hostname": "10.0.0.2", "nodeUUID": "bbb"},
    {"services": {"mgmt": 8091, "n1ql": 8093}, "hostname": "10.0.0.3", "nodeUUID": "ccc"}
  ],
  "vBucketServerMap": {
    "hashAlgorithm": "CRC",
    "numReplicas": 1,
    "serverList": ["$HOST:11210", "10.0.0.2:11210"],
    "vBucketMap": [[0, 1], [1, 0], [0, -1], [1, -1]]
  }
}`

func TestParseDocument(t *testing.T) {
	m, err := ParseDocument([]byte(serverDocument), "10.0.0.1")
	require.NoError(t, err)

	assert.Equal(t, "travel-sample", m.Bucket())
	assert.Equal(t, int64(1073), m.Revision())
	assert.Equal(t, int64(2), m.RevEpoch())
	assert.Equal(t, ModeSharded, m.Mode())
	assert.Equal(t, 4, m.ShardCount())

	nodes := m.Nodes()
	require.Len(t, nodes, 2, "query-only node is not a data node")
	assert.Equal(t, NodeIdentity{Host: "10.0.0.1", KVPort: 11210, MgmtPort: 8091, StableID: "aaa"}, nodes[0])
	assert.Equal(t, "bbb", nodes[1].StableID)

	p, ok := m.Primary(1)
	require.True(t, ok)
	assert.Equal(t, "bbb", p.StableID)
	assert.Equal(t, []NodeIdentity{nodes[0]}, m.Replicas(1))
	assert.Empty(t, m.Replicas(2))
}

func TestParseDocumentLegacyNodes(t *testing.T) {
	doc := `{"rev": 7, "name": "default", "nodeLocator": "vbucket",
	  "nodes": [{"hostname": "$HOST:8091", "ports": {"direct": 11210}}],
	  "vBucketServerMap": {"serverList": ["$HOST:11210"], "vBucketMap": [[0], [0]]}}`

	m, err := ParseDocument([]byte(doc), "db1")
	require.NoError(t, err)
	require.Len(t, m.Nodes(), 1)
	n := m.Nodes()[0]
	assert.Equal(t, "db1", n.Host)
	assert.Equal(t, 8091, n.MgmtPort)
	assert.Equal(t, 11210, n.KVPort)
}

func TestParseDocumentServerNotInNodeList(t *testing.T) {
	doc := `{"rev": 1, "nodeLocator": "vbucket", "nodesExt": [],
	  "vBucketServerMap": {"serverList": ["h1:11210", "h2:11210"], "vBucketMap": [[1, 0]]}}`

	m, err := ParseDocument([]byte(doc), "")
	require.NoError(t, err)
	p, _ := m.Primary(0)
	assert.Equal(t, "h2:11210", p.Addr())
}

func TestParseDocumentShardless(t *testing.T) {
	doc := testutils.BucketConfig{
		Name: "cache",
		Rev:  4,
		Nodes: []testutils.NodeConfig{
			{Host: "m1", KVPort: 11210, MgmtPort: 8091},
			{Host: "m2", KVPort: 11210, MgmtPort: 8091},
		},
	}.JSON()

	m, err := ParseDocument(doc, "m1")
	require.NoError(t, err)
	assert.Equal(t, ModeShardless, m.Mode())
	assert.Len(t, m.Nodes(), 2)
}

func TestParseDocumentMalformed(t *testing.T) {
	tests := map[string]string{
		"not json":            `{"rev": `,
		"missing rev":         `{"name": "x", "nodeLocator": "ketama", "nodesExt": [{"hostname": "h", "services": {"kv": 1}}]}`,
		"unassigned primary":  `{"rev": 1, "nodeLocator": "vbucket", "vBucketServerMap": {"serverList": ["h:1"], "vBucketMap": [[-1]]}}`,
		"server out of range": `{"rev": 1, "nodeLocator": "vbucket", "vBucketServerMap": {"serverList": ["h:1"], "vBucketMap": [[3]]}}`,
		"bad server address":  `{"rev": 1, "nodeLocator": "vbucket", "vBucketServerMap": {"serverList": ["nope"], "vBucketMap": [[0]]}}`,
		"unknown hash":        `{"rev": 1, "nodeLocator": "vbucket", "vBucketServerMap": {"hashAlgorithm": "MD5", "serverList": ["h:1"], "vBucketMap": [[0]]}}`,
		"locator without map": `{"rev": 1, "nodeLocator": "vbucket", "nodesExt": [{"hostname": "h", "services": {"kv": 1}}]}`,
		"empty vbucket map":   `{"rev": 1, "nodeLocator": "vbucket", "vBucketServerMap": {"serverList": ["h:1"], "vBucketMap": []}}`,
		"shardless no nodes":  `{"rev": 1, "nodeLocator": "ketama"}`,
	}

	for name, doc := range tests {
		t.Run(name, func(t *testing.T) {
			_, err := ParseDocument([]byte(doc), "h")
			require.ErrorIs(t, err, ErrMalformedMap)
		})
	}
}

func TestParseDocumentFromBucketConfig(t *testing.T) {
	cfg := testutils.BucketConfig{
		Name:       "default",
		Rev:        9,
		Nodes:      []testutils.NodeConfig{{Host: "a", KVPort: 11210, MgmtPort: 8091, UUID: "A"}, {Host: "b", KVPort: 11210, MgmtPort: 8091, UUID: "B"}},
		VBucketMap: testutils.UniformVBucketMap(1024, 2),
	}

	m, err := ParseDocument(cfg.JSON(), "a")
	require.NoError(t, err)
	assert.Equal(t, 1024, m.ShardCount())

	node, shard, ok := m.NodeFor([]byte("user:42"))
	require.True(t, ok)
	assert.Equal(t, uint16(111), shard)
	assert.Equal(t, "B", node.StableID)
}
