// Package coarsetime is a clock refreshed every 50ms, for idle and lifetime
// bookkeeping of pooled transports where time.Now is too hot.
package coarsetime

import (
	"sync/atomic"
	"time"
)

// Resolution is the refresh interval of the clock.
const Resolution = 50 * time.Millisecond

var nowNanos atomic.Int64

func init() {
	nowNanos.Store(time.Now().UnixNano())

	ticker := time.NewTicker(Resolution)
	go func() {
		for t := range ticker.C {
			nowNanos.Store(t.UnixNano())
		}
	}()
}

// Now returns the current time, late by at most Resolution.
func Now() time.Time {
	return time.Unix(0, nowNanos.Load())
}

// Since returns the coarse time elapsed since t, never negative.
func Since(t time.Time) time.Duration {
	d := Now().Sub(t)
	if d < 0 {
		return 0
	}
	return d
}
