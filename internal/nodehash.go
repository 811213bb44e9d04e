// Package internal holds helpers shared by the couchkv packages.
package internal

import "github.com/zeebo/xxh3"

// NodeIndex maps a key to one of nodes data nodes with Jump Hash over xxh3.
// Adding a node moves about 1/n of the keys.
func NodeIndex(key []byte, nodes int) int {
	if nodes <= 1 {
		return 0
	}
	return jumpHash(xxh3.Hash(key), nodes)
}

// jumpHash is Google's "Jump" consistent hash (https://arxiv.org/abs/1406.2294).
func jumpHash(key uint64, buckets int) int {
	var b, j int64 = -1, 0
	for j < int64(buckets) {
		b = j
		key = key*2862933555777941757 + 1
		j = int64(float64(b+1) * (float64(int64(1)<<31) / float64((key>>33)+1)))
	}
	return int(b)
}
