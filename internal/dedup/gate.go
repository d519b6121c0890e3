package dedup

import (
	"sync"
	"time"

	"option-risk-alerts/internal/timeseries"
)

// Gate suppresses repeat alerts for the same (entity, metric) key within a
// cooldown period. A passing decision records its timestamp before returning,
// so overlapping evaluations of one key can never both pass. A later sink
// failure does not roll the record back; re-arming on failure would turn a
// flapping metric with an unreliable sink into an alert storm.
type Gate struct {
	cooldown time.Duration

	mu        sync.Mutex
	lastFired map[timeseries.Key]time.Time
}

// New constructs a gate with the given cooldown.
func New(cooldown time.Duration) *Gate {
	return &Gate{
		cooldown:  cooldown,
		lastFired: make(map[timeseries.Key]time.Time),
	}
}

// Allow reports whether an alert for key may fire at now. The first decision
// for a key always passes; afterwards the cooldown must have fully elapsed.
func (g *Gate) Allow(key timeseries.Key, now time.Time) bool {
	g.mu.Lock()
	defer g.mu.Unlock()

	last, seen := g.lastFired[key]
	if seen && now.Sub(last) < g.cooldown {
		return false
	}
	g.lastFired[key] = now
	return true
}

// LastFired returns the recorded fire time for key.
func (g *Gate) LastFired(key timeseries.Key) (time.Time, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	last, ok := g.lastFired[key]
	return last, ok
}

// Snapshot copies the fire times for persistence.
func (g *Gate) Snapshot() map[timeseries.Key]time.Time {
	g.mu.Lock()
	defer g.mu.Unlock()
	out := make(map[timeseries.Key]time.Time, len(g.lastFired))
	for key, ts := range g.lastFired {
		out[key] = ts
	}
	return out
}

// Seed replaces the fire times from a persisted snapshot.
func (g *Gate) Seed(times map[timeseries.Key]time.Time) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.lastFired = make(map[timeseries.Key]time.Time, len(times))
	for key, ts := range times {
		g.lastFired[key] = ts
	}
}
