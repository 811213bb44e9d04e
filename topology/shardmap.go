package topology

import (
	"errors"
	"fmt"
	"hash/crc32"
	"net"
	"strconv"
)

// ErrMalformedMap is returned for maps that cannot be routed with.
var ErrMalformedMap = errors.New("topology: malformed shard map")

// Mode selects how keys are routed.
type Mode uint8

const (
	// ModeSharded routes every key through the vbucket map.
	ModeSharded Mode = iota
	// ModeShardless has no vbucket map: keys are spread over the nodes by the
	// client (memcached buckets).
	ModeShardless
)

func (m Mode) String() string {
	switch m {
	case ModeSharded:
		return "sharded"
	case ModeShardless:
		return "shardless"
	default:
		return fmt.Sprintf("Mode(%d)", uint8(m))
	}
}

// NodeIdentity names a data node.
// StableID survives address changes; two identities with the same StableID
// are the same node.
type NodeIdentity struct {
	Host     string
	KVPort   int
	MgmtPort int
	StableID string
}

// Addr is the key-value service address.
func (n NodeIdentity) Addr() string {
	return net.JoinHostPort(n.Host, strconv.Itoa(n.KVPort))
}

// MgmtAddr is the management (config streaming) address, empty when unknown.
func (n NodeIdentity) MgmtAddr() string {
	if n.MgmtPort == 0 {
		return ""
	}
	return net.JoinHostPort(n.Host, strconv.Itoa(n.MgmtPort))
}

// SameAddress reports whether both identities point at the same KV endpoint.
func (n NodeIdentity) SameAddress(other NodeIdentity) bool {
	return n.Host == other.Host && n.KVPort == other.KVPort
}

func (n NodeIdentity) String() string {
	if n.StableID == "" || n.StableID == n.Addr() {
		return n.Addr()
	}
	return n.StableID + "@" + n.Addr()
}

// ShardMapConfig is the raw material of a ShardMap.
type ShardMapConfig struct {
	Bucket   string
	Revision int64
	RevEpoch int64
	Mode     Mode
	Nodes    []NodeIdentity
	// Shards[i] lists node indexes for shard i: the primary first, then
	// replicas. -1 marks an unassigned replica. At most MaxShards entries.
	Shards [][]int
}

// MaxShards is the largest shard count a map may have. The vbucket hash keeps
// 15 bits, so higher shards could never own a key.
const MaxShards = 1 << 15

// ShardMap is an immutable, validated cluster map.
// Every method is safe for concurrent use.
type ShardMap struct {
	bucket   string
	revision int64
	revEpoch int64
	mode     Mode

	nodes     []NodeIdentity
	byID      map[string]int
	primaries []int
	replicas  [][]int

	// generation per StableID: the revision at which the node appeared at its
	// current address
	generations map[string]int64
}

// NewShardMap validates cfg and builds a map. Node StableIDs default to the
// KV address. A sharded map must assign a primary to every shard.
func NewShardMap(cfg ShardMapConfig) (*ShardMap, error) {
	m := &ShardMap{
		bucket:      cfg.Bucket,
		revision:    cfg.Revision,
		revEpoch:    cfg.RevEpoch,
		mode:        cfg.Mode,
		nodes:       make([]NodeIdentity, len(cfg.Nodes)),
		byID:        make(map[string]int, len(cfg.Nodes)),
		generations: make(map[string]int64, len(cfg.Nodes)),
	}

	if cfg.Revision < 0 {
		return nil, fmt.Errorf("%w: negative revision %d", ErrMalformedMap, cfg.Revision)
	}

	for i, n := range cfg.Nodes {
		if n.Host == "" || n.KVPort <= 0 || n.KVPort > 65535 {
			return nil, fmt.Errorf("%w: node %d has invalid address %q", ErrMalformedMap, i, n.Addr())
		}
		if n.StableID == "" {
			n.StableID = n.Addr()
		}
		if _, dup := m.byID[n.StableID]; dup {
			return nil, fmt.Errorf("%w: duplicate node %s", ErrMalformedMap, n.StableID)
		}
		m.nodes[i] = n
		m.byID[n.StableID] = i
		m.generations[n.StableID] = cfg.Revision
	}

	switch cfg.Mode {
	case ModeShardless:
		if len(m.nodes) == 0 {
			return nil, fmt.Errorf("%w: no nodes", ErrMalformedMap)
		}
		if len(cfg.Shards) != 0 {
			return nil, fmt.Errorf("%w: shardless map with %d shards", ErrMalformedMap, len(cfg.Shards))
		}
		return m, nil
	case ModeSharded:
	default:
		return nil, fmt.Errorf("%w: unknown mode %d", ErrMalformedMap, cfg.Mode)
	}

	if len(cfg.Shards) == 0 {
		return nil, fmt.Errorf("%w: no shards", ErrMalformedMap)
	}
	if len(cfg.Shards) > MaxShards {
		return nil, fmt.Errorf("%w: %d shards exceed the vbucket hash range of %d", ErrMalformedMap, len(cfg.Shards), MaxShards)
	}

	m.primaries = make([]int, len(cfg.Shards))
	m.replicas = make([][]int, len(cfg.Shards))
	for shard, owners := range cfg.Shards {
		if len(owners) == 0 || owners[0] < 0 || owners[0] >= len(m.nodes) {
			return nil, fmt.Errorf("%w: shard %d has no valid primary", ErrMalformedMap, shard)
		}
		m.primaries[shard] = owners[0]

		for _, r := range owners[1:] {
			if r == -1 {
				continue
			}
			if r < 0 || r >= len(m.nodes) {
				return nil, fmt.Errorf("%w: shard %d has invalid replica %d", ErrMalformedMap, shard, r)
			}
			m.replicas[shard] = append(m.replicas[shard], r)
		}
	}

	return m, nil
}

func (m *ShardMap) Bucket() string  { return m.bucket }
func (m *ShardMap) Revision() int64 { return m.revision }
func (m *ShardMap) RevEpoch() int64 { return m.revEpoch }
func (m *ShardMap) Mode() Mode      { return m.mode }

// ShardCount is zero for shardless maps.
func (m *ShardMap) ShardCount() int { return len(m.primaries) }

// Nodes returns a copy of the node list.
func (m *ShardMap) Nodes() []NodeIdentity {
	out := make([]NodeIdentity, len(m.nodes))
	copy(out, m.nodes)
	return out
}

// Node looks a node up by StableID.
func (m *ShardMap) Node(stableID string) (NodeIdentity, bool) {
	i, ok := m.byID[stableID]
	if !ok {
		return NodeIdentity{}, false
	}
	return m.nodes[i], true
}

// Primary returns the node owning shard.
func (m *ShardMap) Primary(shard int) (NodeIdentity, bool) {
	if shard < 0 || shard >= len(m.primaries) {
		return NodeIdentity{}, false
	}
	return m.nodes[m.primaries[shard]], true
}

// Replicas returns the replica nodes of shard, skipping unassigned slots.
func (m *ShardMap) Replicas(shard int) []NodeIdentity {
	if shard < 0 || shard >= len(m.replicas) {
		return nil
	}
	out := make([]NodeIdentity, 0, len(m.replicas[shard]))
	for _, r := range m.replicas[shard] {
		out = append(out, m.nodes[r])
	}
	return out
}

// ShardFor returns the vbucket of key. The hash is fixed by the server: the
// upper half of the CRC32 (IEEE) of the key, masked to 15 bits.
// Shardless maps always return 0.
func (m *ShardMap) ShardFor(key []byte) uint16 {
	if len(m.primaries) == 0 {
		return 0
	}
	return VBucketHash(key, len(m.primaries))
}

// VBucketHash maps key onto one of shardCount vbuckets.
func VBucketHash(key []byte, shardCount int) uint16 {
	crc := crc32.ChecksumIEEE(key)
	return uint16(((crc >> 16) & 0x7fff) % uint32(shardCount))
}

// NodeFor returns the primary owner of key and its shard. It reports false
// for shardless maps, whose nodes are picked by the caller.
func (m *ShardMap) NodeFor(key []byte) (NodeIdentity, uint16, bool) {
	if m.mode != ModeSharded {
		return NodeIdentity{}, 0, false
	}
	shard := m.ShardFor(key)
	return m.nodes[m.primaries[shard]], shard, true
}

// Newer reports whether m supersedes other. Maps are ordered by
// (RevEpoch, Revision); any map is newer than nil.
func (m *ShardMap) Newer(other *ShardMap) bool {
	if other == nil {
		return true
	}
	if m.revEpoch != other.revEpoch {
		return m.revEpoch > other.revEpoch
	}
	return m.revision > other.revision
}

// GenerationOf returns the revision at which the node with stableID was first
// seen at its current address, or false if the node is not in the map.
func (m *ShardMap) GenerationOf(stableID string) (int64, bool) {
	g, ok := m.generations[stableID]
	return g, ok
}

// WithGenerations returns a copy of m whose node generations carry over
// from prev for nodes that kept their StableID and address.
func (m *ShardMap) WithGenerations(prev *ShardMap) *ShardMap {
	if prev == nil {
		return m
	}

	out := *m
	out.generations = make(map[string]int64, len(m.nodes))
	for _, n := range m.nodes {
		gen := m.revision
		if old, ok := prev.Node(n.StableID); ok && old.SameAddress(n) {
			if g, ok := prev.generations[n.StableID]; ok {
				gen = g
			}
		}
		out.generations[n.StableID] = gen
	}
	return &out
}

// MgmtAddrs returns the management addresses of the map's nodes.
func (m *ShardMap) MgmtAddrs() []string {
	addrs := make([]string, 0, len(m.nodes))
	for _, n := range m.nodes {
		if a := n.MgmtAddr(); a != "" {
			addrs = append(addrs, a)
		}
	}
	return addrs
}

func (m *ShardMap) String() string {
	return fmt.Sprintf("ShardMap{bucket=%s epoch=%d rev=%d mode=%s nodes=%d shards=%d}",
		m.bucket, m.revEpoch, m.revision, m.mode, len(m.nodes), len(m.primaries))
}
