package detector

import (
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"option-risk-alerts/internal/timeseries"
)

var when = time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

func dec(v float64) decimal.Decimal { return decimal.NewFromFloat(v) }

func decPtr(v float64) *decimal.Decimal {
	d := decimal.NewFromFloat(v)
	return &d
}

func sample(v float64) timeseries.Sample {
	return timeseries.Sample{Timestamp: when, Value: dec(v)}
}

func newDetector(change map[string]Rule) *Detector {
	return New(change, nil, IndexRule{}, zerolog.Nop())
}

func TestEvaluatePctThreshold(t *testing.T) {
	d := newDetector(map[string]Rule{"iv": {PctChange5m: decPtr(0.10)}})
	key := timeseries.Key{Entity: "BTC-27JUN25-100000-C", Metric: "iv"}

	event, fired := d.Evaluate(key, sample(111), sample(100))
	require.True(t, fired, "11% move must clear a 10% threshold")
	assert.Equal(t, TriggeredPct, event.Triggered)
	require.NotNil(t, event.PctChange)
	assert.True(t, event.PctChange.Equal(dec(0.11)))
	assert.True(t, event.AbsChange.Equal(dec(11)))

	_, fired = d.Evaluate(key, sample(109), sample(100))
	assert.False(t, fired, "9% move stays below a 10% threshold")
}

func TestEvaluateZeroPreviousSkipsPct(t *testing.T) {
	d := newDetector(map[string]Rule{"gamma": {PctChange5m: decPtr(0.10), AbsChange5m: decPtr(3)}})
	key := timeseries.Key{Entity: "BTC-27JUN25-100000-C", Metric: "gamma"}

	event, fired := d.Evaluate(key, sample(5), sample(0))
	require.True(t, fired)
	assert.Equal(t, TriggeredAbs, event.Triggered, "only the absolute check applies when previous is zero")
	assert.Nil(t, event.PctChange)
	assert.True(t, event.AbsChange.Equal(dec(5)))
}

func TestEvaluateTieBreakReportsPct(t *testing.T) {
	d := newDetector(map[string]Rule{"value": {PctChange5m: decPtr(0.05), AbsChange5m: decPtr(1)}})
	key := timeseries.Key{Entity: "dvol", Metric: "value"}

	event, fired := d.Evaluate(key, sample(66), sample(60))
	require.True(t, fired)
	assert.Equal(t, TriggeredPct, event.Triggered, "percentage is evaluated first when both thresholds clear")
}

func TestEvaluateNegativeMoveUsesMagnitude(t *testing.T) {
	d := newDetector(map[string]Rule{"value": {AbsChange5m: decPtr(5)}})
	key := timeseries.Key{Entity: "dvol", Metric: "value"}

	event, fired := d.Evaluate(key, sample(54), sample(60))
	require.True(t, fired)
	assert.True(t, event.AbsChange.Equal(dec(-6)), "the signed change is preserved in the event")
}

func TestEvaluateWithoutRule(t *testing.T) {
	d := newDetector(map[string]Rule{"iv": {PctChange5m: decPtr(0.10)}})
	key := timeseries.Key{Entity: "BTC-27JUN25-100000-C", Metric: "delta"}

	_, fired := d.Evaluate(key, sample(100), sample(1))
	assert.False(t, fired, "metrics without a configured rule are tracked but never evaluated")
}

func TestEvaluateEmptyRuleNeverFires(t *testing.T) {
	d := newDetector(map[string]Rule{"iv": {}})
	key := timeseries.Key{Entity: "BTC-27JUN25-100000-C", Metric: "iv"}

	_, fired := d.Evaluate(key, sample(1000), sample(1))
	assert.False(t, fired)
}

func TestEvaluateFullKeyRuleOverridesMetricRule(t *testing.T) {
	d := newDetector(map[string]Rule{
		"value":      {AbsChange5m: decPtr(100)},
		"dvol:value": {AbsChange5m: decPtr(5)},
	})
	key := timeseries.Key{Entity: "dvol", Metric: "value"}

	_, fired := d.Evaluate(key, sample(66), sample(60))
	assert.True(t, fired, "the entity-scoped rule takes precedence")
}

func TestEvaluateLevelPicksHighestTier(t *testing.T) {
	levels := map[string]LevelRule{
		"gamma": {Light: dec(0.0001), Medium: dec(0.0005), Heavy: dec(0.001)},
	}
	d := New(nil, levels, IndexRule{}, zerolog.Nop())
	key := timeseries.Key{Entity: "BTC-27JUN25-100000-C", Metric: "gamma"}

	event, fired := d.EvaluateLevel(key, sample(-0.0012))
	require.True(t, fired)
	assert.Equal(t, SeverityHeavy, event.Severity, "classification uses the absolute value")
	assert.Equal(t, "gamma_level_heavy", event.DedupKey().Metric)

	event, fired = d.EvaluateLevel(key, sample(0.0002))
	require.True(t, fired)
	assert.Equal(t, SeverityLight, event.Severity)

	_, fired = d.EvaluateLevel(key, sample(0.00005))
	assert.False(t, fired)
}

func TestEvaluateIndexRules(t *testing.T) {
	rule := IndexRule{
		AbsValue:          dec(60),
		SpecificValues:    []decimal.Decimal{dec(65), dec(80)},
		SpecificTolerance: dec(0.5),
	}
	d := New(nil, nil, rule, zerolog.Nop())
	key := timeseries.Key{Entity: "dvol", Metric: "value"}

	events := d.EvaluateIndex(key, sample(65.3))
	require.Len(t, events, 2, "both the specific match and the ceiling fire")
	assert.Equal(t, IndexSpecific, events[0].Kind)
	assert.True(t, events[0].Target.Equal(dec(65)))
	assert.Equal(t, "specific_65", events[0].DedupKey().Metric)
	assert.Equal(t, IndexAbsValue, events[1].Kind)

	events = d.EvaluateIndex(key, sample(42))
	assert.Empty(t, events)
}
