package statestore

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"option-risk-alerts/internal/dedup"
	"option-risk-alerts/internal/timeseries"
)

var base = time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

func seededState(t *testing.T) (*timeseries.Store, *dedup.Gate) {
	t.Helper()
	store := timeseries.NewStore(time.Hour)
	gate := dedup.New(5 * time.Minute)

	dvol := timeseries.Key{Entity: "dvol", Metric: "value"}
	gamma := timeseries.Key{Entity: "BTC-27JUN25-100000-C", Metric: "gamma"}

	store.Append(dvol, timeseries.Sample{Timestamp: base, Value: decimal.RequireFromString("60.50")})
	store.Append(dvol, timeseries.Sample{Timestamp: base.Add(time.Minute), Value: decimal.RequireFromString("61")})
	store.Append(gamma, timeseries.Sample{Timestamp: base, Value: decimal.RequireFromString("0.00012")})
	require.True(t, gate.Allow(dvol, base))

	return store, gate
}

func TestFileStoreRoundTripIsByteIdentical(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "state.json")
	fs := NewFileStore(path, zerolog.Nop())
	ctx := context.Background()

	store, gate := seededState(t)
	require.NoError(t, fs.Save(ctx, Capture(store, gate)))

	first, err := os.ReadFile(path)
	require.NoError(t, err)

	// Load, perform zero cycles, save again: bytes must not change.
	loaded, err := fs.Load(ctx)
	require.NoError(t, err)
	require.NoError(t, fs.Save(ctx, loaded))

	second, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, first, second)
}

func TestFileStoreMissingFileYieldsEmptySnapshot(t *testing.T) {
	fs := NewFileStore(filepath.Join(t.TempDir(), "absent.json"), zerolog.Nop())
	snap, err := fs.Load(context.Background())
	require.NoError(t, err)
	assert.Empty(t, snap.Series)
	assert.Empty(t, snap.LastAlerts)
}

func TestFileStoreLeavesNoTempFileBehind(t *testing.T) {
	dir := t.TempDir()
	fs := NewFileStore(filepath.Join(dir, "state.json"), zerolog.Nop())
	store, gate := seededState(t)
	require.NoError(t, fs.Save(context.Background(), Capture(store, gate)))

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "state.json", entries[0].Name())
}

func TestCaptureApplyRestoresState(t *testing.T) {
	store, gate := seededState(t)
	snap := Capture(store, gate)

	restoredStore := timeseries.NewStore(time.Hour)
	restoredGate := dedup.New(5 * time.Minute)
	require.NoError(t, Apply(snap, restoredStore, restoredGate))

	dvol := timeseries.Key{Entity: "dvol", Metric: "value"}
	series := restoredStore.Series(dvol)
	require.Len(t, series, 2)
	assert.True(t, series[0].Value.Equal(decimal.RequireFromString("60.50")))

	last, ok := restoredGate.LastFired(dvol)
	require.True(t, ok)
	assert.True(t, last.Equal(base))

	assert.Len(t, restoredStore.Keys(), 2)
}

func TestApplyRejectsMalformedKeys(t *testing.T) {
	snap := NewSnapshot()
	snap.Series["notakey"] = nil

	err := Apply(snap, timeseries.NewStore(time.Hour), dedup.New(time.Minute))
	assert.Error(t, err)
}

func TestDecodeTolerantOfNullSections(t *testing.T) {
	snap, err := Decode([]byte(`{}`))
	require.NoError(t, err)
	assert.NotNil(t, snap.Series)
	assert.NotNil(t, snap.LastAlerts)
}
