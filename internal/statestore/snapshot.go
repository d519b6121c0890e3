package statestore

import (
	"encoding/json"
	"fmt"
	"time"

	"option-risk-alerts/internal/dedup"
	"option-risk-alerts/internal/timeseries"
)

// Snapshot is the persisted state document: ordered sample histories keyed by
// "entity:metric", plus the last-alert timestamps the cooldown gate needs
// across restarts. It is rewritten whole after each cycle.
type Snapshot struct {
	Series     map[string][]timeseries.Sample `json:"series"`
	LastAlerts map[string]time.Time           `json:"last_alerts"`
}

// NewSnapshot returns an empty but fully initialised document.
func NewSnapshot() *Snapshot {
	return &Snapshot{
		Series:     make(map[string][]timeseries.Sample),
		LastAlerts: make(map[string]time.Time),
	}
}

// Encode renders the canonical byte form. Map keys marshal sorted and decimal
// values keep their input scale, so load followed by save is byte-identical.
func Encode(snap *Snapshot) ([]byte, error) {
	data, err := json.MarshalIndent(snap, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("encode snapshot: %w", err)
	}
	return append(data, '\n'), nil
}

// Decode parses the canonical byte form.
func Decode(data []byte) (*Snapshot, error) {
	snap := NewSnapshot()
	if err := json.Unmarshal(data, snap); err != nil {
		return nil, fmt.Errorf("decode snapshot: %w", err)
	}
	if snap.Series == nil {
		snap.Series = make(map[string][]timeseries.Sample)
	}
	if snap.LastAlerts == nil {
		snap.LastAlerts = make(map[string]time.Time)
	}
	return snap, nil
}

// Capture builds a snapshot of the in-memory store and gate state. It runs on
// the cycle's own goroutine so the copy is consistent; only the write happens
// asynchronously.
func Capture(store *timeseries.Store, gate *dedup.Gate) *Snapshot {
	snap := NewSnapshot()
	for _, key := range store.Keys() {
		snap.Series[key.String()] = store.Series(key)
	}
	for key, ts := range gate.Snapshot() {
		snap.LastAlerts[key.String()] = ts
	}
	return snap
}

// Apply seeds the store and gate from a loaded snapshot.
func Apply(snap *Snapshot, store *timeseries.Store, gate *dedup.Gate) error {
	for raw, samples := range snap.Series {
		key, err := timeseries.ParseKey(raw)
		if err != nil {
			return fmt.Errorf("apply snapshot: %w", err)
		}
		store.Seed(key, samples)
	}

	times := make(map[timeseries.Key]time.Time, len(snap.LastAlerts))
	for raw, ts := range snap.LastAlerts {
		key, err := timeseries.ParseKey(raw)
		if err != nil {
			return fmt.Errorf("apply snapshot: %w", err)
		}
		times[key] = ts
	}
	gate.Seed(times)
	return nil
}
