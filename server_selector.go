package couchkv

import "github.com/pior/couchkv/internal"

// ServerSelector picks the node for a key in a shardless bucket.
// It receives the key and the number of data nodes in the current map and
// returns an index in [0, nodeCount).
type ServerSelector func(key []byte, nodeCount int) int

// DefaultServerSelector uses Jump Hash over xxh3 for consistent node selection.
func DefaultServerSelector(key []byte, nodeCount int) int {
	return internal.NodeIndex(key, nodeCount)
}
