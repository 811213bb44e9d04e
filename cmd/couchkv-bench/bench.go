package main

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pior/couchkv"
)

// operation is one benchmark workload. step runs one unit of work for a
// worker and reports how many operations it made.
type operation struct {
	name  string
	setup func(ctx context.Context, client *couchkv.Client) error
	step  func(ctx context.Context, client *couchkv.Client, worker, i int) (ops int, err error)
}

var errMismatch = errors.New("value mismatch")

var operations = []operation{
	{
		// 1 set then 100 get
		name: "cache-hit",
		setup: func(ctx context.Context, client *couchkv.Client) error {
			_, err := client.Set(ctx, couchkv.Item{Key: "cache-hit-key", Value: []byte("cache-hit-value"), TTL: time.Hour})
			return err
		},
		step: func(ctx context.Context, client *couchkv.Client, worker, i int) (int, error) {
			for j := range 100 {
				item, err := client.Get(ctx, "cache-hit-key")
				if err != nil {
					return j + 1, err
				}
				if string(item.Value) != "cache-hit-value" {
					return j + 1, errMismatch
				}
			}
			return 100, nil
		},
	},
	{
		// 1 set then 1 get
		name: "dynamic-value",
		step: func(ctx context.Context, client *couchkv.Client, worker, i int) (int, error) {
			key := fmt.Sprintf("dynamic-key-%d-%d", worker, i)
			value := fmt.Sprintf("dynamic-value-%d-%d", worker, i)
			if _, err := client.Set(ctx, couchkv.Item{Key: key, Value: []byte(value), TTL: time.Hour}); err != nil {
				return 1, err
			}
			item, err := client.Get(ctx, key)
			if err != nil {
				return 2, err
			}
			if string(item.Value) != value {
				return 2, errMismatch
			}
			return 2, nil
		},
	},
	{
		// 1 get on a missing key
		name: "cache-miss",
		step: func(ctx context.Context, client *couchkv.Client, worker, i int) (int, error) {
			item, err := client.Get(ctx, fmt.Sprintf("nonexistent-key-%d-%d", worker, i))
			if err != nil {
				return 1, err
			}
			if item.Found {
				return 1, errors.New("expected cache miss but got value")
			}
			return 1, nil
		},
	},
	{
		// 100 increments per worker counter
		name: "increment",
		step: func(ctx context.Context, client *couchkv.Client, worker, i int) (int, error) {
			key := fmt.Sprintf("increment-key-%d", worker)
			var last uint64
			for j := range 100 {
				v, err := client.Increment(ctx, key, couchkv.DefaultCounterOptions)
				if err != nil {
					return j + 1, err
				}
				if last != 0 && v != last+1 {
					return j + 1, fmt.Errorf("counter went from %d to %d", last, v)
				}
				last = v
			}
			return 100, nil
		},
	},
	{
		// 1 set then 1 delete
		name: "delete",
		step: func(ctx context.Context, client *couchkv.Client, worker, i int) (int, error) {
			key := fmt.Sprintf("delete-key-%d-%d", worker, i)
			if _, err := client.Set(ctx, couchkv.Item{Key: key, Value: []byte("v"), TTL: time.Hour}); err != nil {
				return 1, err
			}
			if err := client.Remove(ctx, key, 0); err != nil && !errors.Is(err, couchkv.ErrKeyNotFound) {
				return 2, err
			}
			return 2, nil
		},
	},
	{
		// 1 multi-get of 16 keys spread over the cluster
		name: "multi-get",
		setup: func(ctx context.Context, client *couchkv.Client) error {
			for _, key := range multiGetKeys {
				if _, err := client.Set(ctx, couchkv.Item{Key: key, Value: []byte(key), TTL: time.Hour}); err != nil {
					return err
				}
			}
			return nil
		},
		step: func(ctx context.Context, client *couchkv.Client, worker, i int) (int, error) {
			items, err := client.MultiGet(ctx, multiGetKeys)
			if err != nil {
				return 1, err
			}
			for _, key := range multiGetKeys {
				if !items[key].Found {
					return 1, errMismatch
				}
			}
			return 1, nil
		},
	},
}

var multiGetKeys = func() []string {
	keys := make([]string, 16)
	for i := range keys {
		keys[i] = fmt.Sprintf("multi-get-key-%d", i)
	}
	return keys
}()

func operationNames() []string {
	names := make([]string, 0, len(operations))
	for _, op := range operations {
		names = append(names, op.name)
	}
	return names
}

func lookupOperation(name string) (operation, bool) {
	i := slices.IndexFunc(operations, func(op operation) bool { return op.name == name })
	if i < 0 {
		return operation{}, false
	}
	return operations[i], true
}

// BenchmarkResult summarizes one workload run.
type BenchmarkResult struct {
	Operation    string
	Duration     time.Duration
	TotalOps     int64
	Steps        int64
	Failures     int64
	AvgLatency   time.Duration // per step
	OpsPerSecond float64
	Correctness  bool
	ErrorMessage string
}

func runOperation(ctx context.Context, client *couchkv.Client, op operation, duration time.Duration, concurrency int) *BenchmarkResult {
	result := &BenchmarkResult{Operation: op.name, Correctness: true}

	if op.setup != nil {
		if err := op.setup(ctx, client); err != nil {
			result.Correctness = false
			result.ErrorMessage = fmt.Sprintf("Setup failed: %v", err)
			return result
		}
	}

	var totalOps, steps, failures, totalLatency atomic.Int64
	var mu sync.Mutex

	startTime := time.Now()
	var wg sync.WaitGroup

	for worker := range concurrency {
		wg.Add(1)
		go func() {
			defer wg.Done()

			for i := 0; time.Since(startTime) < duration; i++ {
				stepStart := time.Now()
				ops, err := op.step(ctx, client, worker, i)
				totalLatency.Add(int64(time.Since(stepStart)))
				totalOps.Add(int64(ops))
				steps.Add(1)

				if err != nil {
					failures.Add(1)
					if errors.Is(err, errMismatch) || !isTransient(err) {
						mu.Lock()
						result.Correctness = false
						result.ErrorMessage = err.Error()
						mu.Unlock()
					}
				}
			}
		}()
	}

	wg.Wait()

	result.Duration = time.Since(startTime)
	result.TotalOps = totalOps.Load()
	result.Steps = steps.Load()
	result.Failures = failures.Load()

	if result.Steps > 0 {
		result.AvgLatency = time.Duration(totalLatency.Load() / result.Steps)
		result.OpsPerSecond = float64(result.TotalOps) / result.Duration.Seconds()
	}

	return result
}

// isTransient reports errors caused by the cluster state rather than by the
// client.
func isTransient(err error) bool {
	return errors.Is(err, couchkv.ErrNodeUnavailable) ||
		errors.Is(err, couchkv.ErrDeadlineExceeded) ||
		errors.Is(err, couchkv.ErrAmbiguousTimeout) ||
		errors.Is(err, couchkv.ErrTemporaryFailure) ||
		errors.Is(err, couchkv.ErrShardMiss)
}

func printResult(result *BenchmarkResult) {
	fmt.Printf("Operation: %s\n", result.Operation)
	fmt.Printf("Duration: %v\n", result.Duration)
	fmt.Printf("Total Operations: %d\n", result.TotalOps)
	fmt.Printf("Failures: %d\n", result.Failures)
	if result.Steps > 0 {
		fmt.Printf("Success Rate: %.2f%%\n", float64(result.Steps-result.Failures)/float64(result.Steps)*100)
		fmt.Printf("Ops/sec: %.2f\n", result.OpsPerSecond)
		fmt.Printf("Avg Latency: %v\n", result.AvgLatency)
	}
	fmt.Printf("Correctness: %t\n", result.Correctness)
	if result.ErrorMessage != "" {
		fmt.Printf("Error: %s\n", result.ErrorMessage)
	}
	fmt.Println()
}
