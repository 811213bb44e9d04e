package couchkv

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestDefaultServerSelector(t *testing.T) {
	t.Run("consistency", func(t *testing.T) {
		first := DefaultServerSelector([]byte("test-key-123"), 10)
		for range 5 {
			require.Equal(t, first, DefaultServerSelector([]byte("test-key-123"), 10))
		}
	})

	t.Run("bounds", func(t *testing.T) {
		keys := []string{"key1", "key2", "key3", "long-key-with-many-characters"}
		nodeCounts := []int{1, 2, 5, 10, 100}

		for _, key := range keys {
			for _, count := range nodeCounts {
				result := DefaultServerSelector([]byte(key), count)
				require.True(t, result >= 0 && result < count, "out of bounds: key=%s, nodeCount=%d, result=%d", key, count, result)
			}
		}
	})

	t.Run("single node", func(t *testing.T) {
		require.Equal(t, 0, DefaultServerSelector([]byte("anything"), 1))
		require.Equal(t, 0, DefaultServerSelector([]byte("anything"), 0))
	})

	t.Run("distribution", func(t *testing.T) {
		nodeCount := 10
		distribution := make(map[int]int)

		for i := range 100 {
			key := fmt.Sprintf("key-%d", i)
			distribution[DefaultServerSelector([]byte(key), nodeCount)]++
		}

		require.True(t, len(distribution) >= 5, "poor distribution: only %d nodes used out of %d", len(distribution), nodeCount)
		for node, count := range distribution {
			require.True(t, count <= 30, "unbalanced distribution: node %d has %d%% of keys", node, count)
		}
	})

	t.Run("few keys move when a node is added", func(t *testing.T) {
		moved := 0
		for i := range 1000 {
			key := []byte(fmt.Sprintf("key-%d", i))
			if DefaultServerSelector(key, 4) != DefaultServerSelector(key, 5) {
				moved++
			}
		}
		// ideal is 1/5 of the keys
		require.Less(t, moved, 300)
	})
}

func TestStaticSelector(t *testing.T) {
	sel := staticSelector(3)
	require.Equal(t, 3, sel([]byte("a"), 4))
	require.Equal(t, 1, sel([]byte("a"), 2))
}

// staticSelector always selects the same node.
func staticSelector(index int) ServerSelector {
	return func(key []byte, nodeCount int) int {
		return index % nodeCount
	}
}
