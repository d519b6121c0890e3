package dedup

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"option-risk-alerts/internal/timeseries"
)

var key = timeseries.Key{Entity: "dvol", Metric: "value"}

func TestGateCooldown(t *testing.T) {
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	gate := New(5 * time.Minute)

	assert.True(t, gate.Allow(key, now), "first event for a key always passes")
	assert.False(t, gate.Allow(key, now.Add(time.Minute)), "within cooldown")
	assert.False(t, gate.Allow(key, now.Add(5*time.Minute-time.Second)), "just inside cooldown")
	assert.True(t, gate.Allow(key, now.Add(5*time.Minute)), "cooldown fully elapsed")

	other := timeseries.Key{Entity: "BTC-27JUN25-100000-C", Metric: "gamma"}
	assert.True(t, gate.Allow(other, now.Add(time.Minute)), "keys cool down independently")
}

func TestGateSingleInFlightDecision(t *testing.T) {
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	gate := New(5 * time.Minute)

	var passed int64
	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if gate.Allow(key, now) {
				atomic.AddInt64(&passed, 1)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int64(1), passed, "concurrent evaluations of one key pass exactly once")
}

func TestGateSeedAndSnapshot(t *testing.T) {
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	gate := New(5 * time.Minute)
	gate.Seed(map[timeseries.Key]time.Time{key: now.Add(-time.Minute)})

	assert.False(t, gate.Allow(key, now), "seeded fire time enforces the cooldown across restarts")

	snap := gate.Snapshot()
	require.Len(t, snap, 1)
	assert.True(t, snap[key].Equal(now.Add(-time.Minute)))

	snap[key] = now
	last, ok := gate.LastFired(key)
	require.True(t, ok)
	assert.True(t, last.Equal(now.Add(-time.Minute)), "snapshot is a copy")
}
