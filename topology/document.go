package topology

import (
	"bytes"
	"fmt"
	"net"
	"strconv"
	"strings"

	"github.com/goccy/go-json"
)

// hostPlaceholder is how the server refers to the address the client used to
// reach it.
var hostPlaceholder = []byte("$HOST")

type configDocument struct {
	Rev              *int64            `json:"rev"`
	RevEpoch         int64             `json:"revEpoch"`
	Name             string            `json:"name"`
	NodeLocator      string            `json:"nodeLocator"`
	Nodes            []nodeDocument    `json:"nodes"`
	NodesExt         []nodeExtDocument `json:"nodesExt"`
	VBucketServerMap *vbucketServerMap `json:"vBucketServerMap"`
}

type nodeDocument struct {
	Hostname string         `json:"hostname"`
	Ports    map[string]int `json:"ports"`
}

type nodeExtDocument struct {
	Hostname string         `json:"hostname"`
	Services map[string]int `json:"services"`
	ThisNode bool           `json:"thisNode"`
	NodeUUID string         `json:"nodeUUID"`
}

type vbucketServerMap struct {
	HashAlgorithm string   `json:"hashAlgorithm"`
	NumReplicas   int      `json:"numReplicas"`
	ServerList    []string `json:"serverList"`
	VBucketMap    [][]int  `json:"vBucketMap"`
}

// ParseDocument parses one bucket configuration document as served by the
// cluster. host is the address the document was fetched from; it replaces
// $HOST placeholders and fills in empty hostnames.
func ParseDocument(doc []byte, host string) (*ShardMap, error) {
	if host != "" {
		doc = bytes.ReplaceAll(doc, hostPlaceholder, []byte(host))
	}

	var d configDocument
	if err := json.Unmarshal(doc, &d); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrMalformedMap, err)
	}
	if d.Rev == nil {
		return nil, fmt.Errorf("%w: missing rev", ErrMalformedMap)
	}

	nodes, err := d.kvNodes(host)
	if err != nil {
		return nil, err
	}

	cfg := ShardMapConfig{
		Bucket:   d.Name,
		Revision: *d.Rev,
		RevEpoch: d.RevEpoch,
		Nodes:    nodes,
	}

	if d.VBucketServerMap == nil && d.NodeLocator != "vbucket" {
		cfg.Mode = ModeShardless
		return NewShardMap(cfg)
	}

	cfg.Mode = ModeSharded
	if d.VBucketServerMap == nil {
		return nil, fmt.Errorf("%w: vbucket locator without vBucketServerMap", ErrMalformedMap)
	}

	sm := d.VBucketServerMap
	if sm.HashAlgorithm != "" && !strings.EqualFold(sm.HashAlgorithm, "CRC") {
		return nil, fmt.Errorf("%w: unsupported hash algorithm %q", ErrMalformedMap, sm.HashAlgorithm)
	}

	// serverList indexes are translated to indexes into cfg.Nodes, adding
	// servers the node list did not describe.
	serverIndex := make([]int, len(sm.ServerList))
	for i, server := range sm.ServerList {
		h, p, err := splitHostPort(server)
		if err != nil {
			return nil, fmt.Errorf("%w: server %q: %w", ErrMalformedMap, server, err)
		}
		serverIndex[i] = -1
		for j, n := range cfg.Nodes {
			if n.Host == h && n.KVPort == p {
				serverIndex[i] = j
				break
			}
		}
		if serverIndex[i] == -1 {
			cfg.Nodes = append(cfg.Nodes, NodeIdentity{Host: h, KVPort: p})
			serverIndex[i] = len(cfg.Nodes) - 1
		}
	}

	cfg.Shards = make([][]int, len(sm.VBucketMap))
	for shard, owners := range sm.VBucketMap {
		row := make([]int, len(owners))
		for k, idx := range owners {
			switch {
			case idx == -1:
				row[k] = -1
			case idx >= 0 && idx < len(serverIndex):
				row[k] = serverIndex[idx]
			default:
				return nil, fmt.Errorf("%w: shard %d references server %d of %d", ErrMalformedMap, shard, idx, len(serverIndex))
			}
		}
		cfg.Shards[shard] = row
	}

	return NewShardMap(cfg)
}

// kvNodes lists nodes running the key-value service. nodesExt is preferred;
// the older nodes list is used when it is absent.
func (d *configDocument) kvNodes(fallbackHost string) ([]NodeIdentity, error) {
	var nodes []NodeIdentity

	if len(d.NodesExt) > 0 {
		for _, n := range d.NodesExt {
			kv, ok := n.Services["kv"]
			if !ok {
				continue
			}
			h := n.Hostname
			if h == "" {
				h = hostOnly(fallbackHost)
			}
			nodes = append(nodes, NodeIdentity{
				Host:     h,
				KVPort:   kv,
				MgmtPort: n.Services["mgmt"],
				StableID: n.NodeUUID,
			})
		}
		return nodes, nil
	}

	for _, n := range d.Nodes {
		kv, ok := n.Ports["direct"]
		if !ok {
			continue
		}
		h, mgmt, err := splitHostPort(n.Hostname)
		if err != nil {
			return nil, fmt.Errorf("%w: node %q: %w", ErrMalformedMap, n.Hostname, err)
		}
		nodes = append(nodes, NodeIdentity{Host: h, KVPort: kv, MgmtPort: mgmt})
	}
	return nodes, nil
}

func splitHostPort(addr string) (string, int, error) {
	h, p, err := net.SplitHostPort(addr)
	if err != nil {
		return "", 0, err
	}
	port, err := strconv.Atoi(p)
	if err != nil {
		return "", 0, fmt.Errorf("invalid port %q", p)
	}
	return h, port, nil
}

func hostOnly(addr string) string {
	if h, _, err := net.SplitHostPort(addr); err == nil {
		return h
	}
	return addr
}
