package timeseries

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// Key identifies one tracked metric series as (entity, metric).
// The entity is an instrument name or the index singleton "dvol".
type Key struct {
	Entity string
	Metric string
}

// String renders the canonical "entity:metric" form used in the persisted snapshot.
func (k Key) String() string {
	return k.Entity + ":" + k.Metric
}

// ParseKey parses the canonical "entity:metric" form.
func ParseKey(s string) (Key, error) {
	idx := strings.LastIndex(s, ":")
	if idx <= 0 || idx == len(s)-1 {
		return Key{}, fmt.Errorf("invalid series key %q", s)
	}
	return Key{Entity: s[:idx], Metric: s[idx+1:]}, nil
}

// Sample is a single immutable observation.
type Sample struct {
	Timestamp time.Time       `json:"ts"`
	Value     decimal.Decimal `json:"value"`
}

// Store keeps a bounded rolling history of samples per key. It is owned by a
// single poll cycle at a time and performs no internal locking.
type Store struct {
	retention time.Duration
	series    map[Key][]Sample
}

// NewStore constructs an empty store with the given retention horizon.
func NewStore(retention time.Duration) *Store {
	if retention <= 0 {
		retention = time.Hour
	}
	return &Store{
		retention: retention,
		series:    make(map[Key][]Sample),
	}
}

// Retention returns the configured retention horizon.
func (s *Store) Retention() time.Duration {
	return s.retention
}

// Append inserts a sample in time order and prunes the series afterwards.
// A duplicate timestamp is kept with the newest sample appended last.
func (s *Store) Append(key Key, sample Sample) {
	samples := s.series[key]

	idx := len(samples)
	for idx > 0 && samples[idx-1].Timestamp.After(sample.Timestamp) {
		idx--
	}
	samples = append(samples, Sample{})
	copy(samples[idx+1:], samples[idx:])
	samples[idx] = sample

	s.series[key] = samples
	s.Prune(key, sample.Timestamp)
}

// Lookback returns the latest sample whose timestamp is at or before
// now - window. The second return is false when no such baseline exists.
func (s *Store) Lookback(key Key, now time.Time, window time.Duration) (Sample, bool) {
	horizon := now.Add(-window)
	samples := s.series[key]
	for i := len(samples) - 1; i >= 0; i-- {
		if !samples[i].Timestamp.After(horizon) {
			return samples[i], true
		}
	}
	return Sample{}, false
}

// Window returns all samples with timestamps in [now-window, now], oldest first.
// An unknown key yields an empty slice.
func (s *Store) Window(key Key, now time.Time, window time.Duration) []Sample {
	from := now.Add(-window)
	var out []Sample
	for _, sample := range s.series[key] {
		if sample.Timestamp.Before(from) || sample.Timestamp.After(now) {
			continue
		}
		out = append(out, sample)
	}
	return out
}

// Latest returns the newest sample for key.
func (s *Store) Latest(key Key) (Sample, bool) {
	samples := s.series[key]
	if len(samples) == 0 {
		return Sample{}, false
	}
	return samples[len(samples)-1], true
}

// Prune drops samples older than now - retention. An emptied series is removed.
func (s *Store) Prune(key Key, now time.Time) {
	cutoff := now.Add(-s.retention)
	samples := s.series[key]

	idx := 0
	for idx < len(samples) && samples[idx].Timestamp.Before(cutoff) {
		idx++
	}
	if idx == 0 {
		return
	}
	if idx == len(samples) {
		delete(s.series, key)
		return
	}
	s.series[key] = append(samples[:0:0], samples[idx:]...)
}

// PruneAll applies Prune to every key, dropping series no longer reported.
func (s *Store) PruneAll(now time.Time) {
	for key := range s.series {
		s.Prune(key, now)
	}
}

// Keys lists tracked keys in canonical order.
func (s *Store) Keys() []Key {
	keys := make([]Key, 0, len(s.series))
	for key := range s.series {
		keys = append(keys, key)
	}
	sort.Slice(keys, func(i, j int) bool {
		return keys[i].String() < keys[j].String()
	})
	return keys
}

// Series returns a copy of the full retained history for key.
func (s *Store) Series(key Key) []Sample {
	samples := s.series[key]
	return append([]Sample(nil), samples...)
}

// Seed replaces the history for key, used when loading a persisted snapshot.
// Samples are normalised into time order.
func (s *Store) Seed(key Key, samples []Sample) {
	if len(samples) == 0 {
		delete(s.series, key)
		return
	}
	sorted := append([]Sample(nil), samples...)
	sort.SliceStable(sorted, func(i, j int) bool {
		return sorted[i].Timestamp.Before(sorted[j].Timestamp)
	})
	s.series[key] = sorted
}
