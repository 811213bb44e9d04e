package couchkv

import (
	"context"
	"testing"

	"github.com/pior/couchkv/internal/testutils"
)

func benchConstructor(ctx context.Context) (*Connection, error) {
	return NewConnection(testutils.NewConnectionMock(), discardLogger), nil
}

// BenchmarkPool_Acquire_Creation benchmarks acquiring a connection when pool is empty (creation path)
func BenchmarkPool_Acquire_Creation(b *testing.B) {
	for _, pf := range poolFactories {
		b.Run(pf.name, func(b *testing.B) {
			ctx := context.Background()

			for b.Loop() {
				pool, err := pf.fn(benchConstructor, 1)
				if err != nil {
					b.Fatal(err)
				}

				res, err := pool.Acquire(ctx)
				if err != nil {
					b.Fatal(err)
				}

				res.Destroy()
				pool.Close()
			}
		})
	}
}

// BenchmarkPool_Acquire_FastPath benchmarks acquiring a connection from idle pool (fast path)
func BenchmarkPool_Acquire_FastPath(b *testing.B) {
	for _, pf := range poolFactories {
		b.Run(pf.name, func(b *testing.B) {
			ctx := context.Background()

			pool, err := pf.fn(benchConstructor, 1)
			if err != nil {
				b.Fatal(err)
			}
			defer pool.Close()

			// populate the pool
			res, err := pool.Acquire(ctx)
			if err != nil {
				b.Fatal(err)
			}
			res.Release()

			for b.Loop() {
				res, err := pool.Acquire(ctx)
				if err != nil {
					b.Fatal(err)
				}
				res.Release()
			}
		})
	}
}

// BenchmarkPool_Concurrent benchmarks concurrent access to the pool
func BenchmarkPool_Concurrent(b *testing.B) {
	for _, pf := range poolFactories {
		b.Run(pf.name, func(b *testing.B) {
			ctx := context.Background()

			pool, err := pf.fn(benchConstructor, 10)
			if err != nil {
				b.Fatal(err)
			}
			defer pool.Close()

			b.ResetTimer()
			b.RunParallel(func(pb *testing.PB) {
				for pb.Next() {
					res, err := pool.Acquire(ctx)
					if err != nil {
						b.Error(err)
						return
					}
					res.Release()
				}
			})
		})
	}
}

// BenchmarkPool_AcquireAllIdle benchmarks acquiring all idle connections
func BenchmarkPool_AcquireAllIdle(b *testing.B) {
	for _, pf := range poolFactories {
		b.Run(pf.name, func(b *testing.B) {
			ctx := context.Background()

			pool, err := pf.fn(benchConstructor, 10)
			if err != nil {
				b.Fatal(err)
			}
			defer pool.Close()

			resources := make([]Resource, 10)
			for i := range 10 {
				res, err := pool.Acquire(ctx)
				if err != nil {
					b.Fatal(err)
				}
				resources[i] = res
			}
			for _, res := range resources {
				res.Release()
			}

			for b.Loop() {
				for _, res := range pool.AcquireAllIdle() {
					res.ReleaseUnused()
				}
			}
		})
	}
}

// BenchmarkPool_HighContention benchmarks pool under high contention with limited pool size
func BenchmarkPool_HighContention(b *testing.B) {
	for _, pf := range poolFactories {
		b.Run(pf.name, func(b *testing.B) {
			ctx := context.Background()

			pool, err := pf.fn(benchConstructor, 2)
			if err != nil {
				b.Fatal(err)
			}
			defer pool.Close()

			b.ResetTimer()
			b.RunParallel(func(pb *testing.PB) {
				for pb.Next() {
					res, err := pool.Acquire(ctx)
					if err != nil {
						b.Error(err)
						return
					}
					res.Release()
				}
			})
		})
	}
}
