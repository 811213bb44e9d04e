package coarsetime

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestNowIsCoarse(t *testing.T) {
	exact := time.Now()
	coarse := Now()
	require.WithinDuration(t, exact, coarse, 2*Resolution)
}

func TestNowAdvances(t *testing.T) {
	start := Now()
	require.Eventually(t, func() bool { return Now().After(start) }, time.Second, Resolution/5)
}

func TestSinceNeverNegative(t *testing.T) {
	require.Zero(t, Since(time.Now().Add(time.Hour)))
	require.GreaterOrEqual(t, Since(time.Now().Add(-time.Hour)), 59*time.Minute)
}

func BenchmarkNow(b *testing.B) {
	var t time.Time

	b.Run("time", func(b *testing.B) {
		for b.Loop() {
			t = time.Now()
		}
	})

	b.Run("coarsetime", func(b *testing.B) {
		for b.Loop() {
			t = Now()
		}
	})

	_ = t
}
