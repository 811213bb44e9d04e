// Package topology tracks which cluster node owns which key.
//
// A ShardMap is an immutable snapshot of the cluster configuration: the data
// nodes and, for sharded buckets, the owner of each vbucket. The Streamer
// keeps a long-lived connection to the management API, turns every streamed
// configuration document into a ShardMap and publishes it when it is strictly
// newer than the current one.
//
//	s, _ := topology.NewStreamer(topology.StreamerConfig{
//		Bucket:    "default",
//		Bootstrap: []string{"10.0.0.1:8091"},
//		Source:    topology.NewHTTPSource("user", "pass"),
//	})
//	s.Start(ctx)
//	defer s.Close()
//
//	m, err := s.WaitNewer(ctx, nil, 5*time.Second)
//	node, vbucket, _ := m.NodeFor([]byte("user:42"))
package topology
