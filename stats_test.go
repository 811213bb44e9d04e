package couchkv

import (
	"context"
	"errors"
	"testing"
	"time"
	"unsafe"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pior/couchkv/internal/testutils"
)

func TestPoolStats_ChannelPool(t *testing.T) {
	pool, err := NewChannelPool(func(ctx context.Context) (*Connection, error) {
		return NewConnection(testutils.NewConnectionMock(), discardLogger), nil
	}, 5)
	require.NoError(t, err)
	defer pool.Close()

	ctx := context.Background()

	stats := pool.Stats()
	assert.EqualValues(t, 0, stats.TotalConns)
	assert.EqualValues(t, 0, stats.AcquireCount)

	res, err := pool.Acquire(ctx)
	require.NoError(t, err)

	stats = pool.Stats()
	assert.EqualValues(t, 1, stats.TotalConns)
	assert.EqualValues(t, 1, stats.ActiveConns)
	assert.EqualValues(t, 0, stats.IdleConns)
	assert.EqualValues(t, 1, stats.AcquireCount)
	assert.EqualValues(t, 1, stats.CreatedConns)

	res.Release()

	stats = pool.Stats()
	assert.EqualValues(t, 1, stats.TotalConns)
	assert.EqualValues(t, 0, stats.ActiveConns)
	assert.EqualValues(t, 1, stats.IdleConns)

	// reuses the idle connection
	res, err = pool.Acquire(ctx)
	require.NoError(t, err)

	stats = pool.Stats()
	assert.EqualValues(t, 2, stats.AcquireCount)
	assert.EqualValues(t, 1, stats.CreatedConns)

	res.Destroy()

	stats = pool.Stats()
	assert.EqualValues(t, 0, stats.TotalConns)
	assert.EqualValues(t, 0, stats.ActiveConns)
	assert.EqualValues(t, 1, stats.DestroyedConns)
}

func TestPoolStats_AverageWaitTime(t *testing.T) {
	stats := &PoolStats{
		AcquireWaitCount:  3,
		AcquireWaitTimeNs: uint64((100 * time.Millisecond).Nanoseconds()),
	}

	var avg time.Duration
	if stats.AcquireWaitCount > 0 {
		avg = time.Duration(stats.AcquireWaitTimeNs / stats.AcquireWaitCount)
	}
	assert.InDelta(t, float64(100*time.Millisecond/3), float64(avg), float64(time.Nanosecond))
}

func TestStatsLayout(t *testing.T) {
	assert.EqualValues(t, 64, unsafe.Sizeof(PoolStats{}))
	assert.EqualValues(t, 128, unsafe.Sizeof(ClientStats{}))
	assert.EqualValues(t, 64, unsafe.Sizeof(RegistryStats{}))
}

func TestClientStatsCollector(t *testing.T) {
	c := newClientStatsCollector()

	c.recordGet(true)
	c.recordGet(false)
	c.recordSet()
	c.recordCounter()
	c.recordRetry()
	c.recordShardMiss()
	c.recordError(errors.New("boom"))
	c.recordError(&OperationError{Err: ErrAmbiguousTimeout})

	s := c.snapshot()
	assert.EqualValues(t, 2, s.Gets)
	assert.EqualValues(t, 1, s.GetHits)
	assert.EqualValues(t, 1, s.Sets)
	assert.EqualValues(t, 1, s.Counters)
	assert.EqualValues(t, 1, s.Retries)
	assert.EqualValues(t, 1, s.ShardMisses)
	assert.EqualValues(t, 2, s.Errors)
	assert.EqualValues(t, 1, s.Ambiguous)
}

func TestRegistryStatsCollector(t *testing.T) {
	c := newRegistryStatsCollector()

	c.recordConnect(nil)
	c.recordConnect(errors.New("refused"))
	c.recordEviction()
	c.recordReplacement()
	c.recordFramingError()

	assert.Equal(t, RegistryStats{
		Connects:        1,
		ConnectFailures: 1,
		Evictions:       1,
		Replacements:    1,
		FramingErrors:   1,
	}, c.snapshot())
}
