package detector

import (
	"sort"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"option-risk-alerts/internal/timeseries"
)

// TriggeredRule names which threshold produced an anomaly event.
type TriggeredRule string

const (
	// TriggeredPct marks a percentage-change trigger.
	TriggeredPct TriggeredRule = "pct"
	// TriggeredAbs marks an absolute-change trigger.
	TriggeredAbs TriggeredRule = "abs"
)

// Rule is a 5-minute change rule for one metric. A nil field disables that
// check; a rule with both fields nil never fires.
type Rule struct {
	PctChange5m *decimal.Decimal
	AbsChange5m *decimal.Decimal
}

// Event is an anomalous 5-minute move for one metric key.
type Event struct {
	Key       timeseries.Key
	Current   decimal.Decimal
	Previous  decimal.Decimal
	PctChange *decimal.Decimal // nil when the previous value was zero
	AbsChange decimal.Decimal
	Triggered TriggeredRule
	Timestamp time.Time
}

// DedupKey returns the (entity, metric) pair the cooldown gate tracks.
func (e Event) DedupKey() timeseries.Key {
	return e.Key
}

// Detector evaluates current samples against configured rules. Change rules
// are resolved first by full "entity:metric" key, then by bare metric name,
// so a dvol-specific rule can coexist with a rule shared by all instruments.
type Detector struct {
	changeRules map[string]Rule
	levelRules  map[string]LevelRule
	indexRule   IndexRule
	logger      zerolog.Logger
}

// New constructs a detector from the configured rule sets.
func New(changeRules map[string]Rule, levelRules map[string]LevelRule, indexRule IndexRule, logger zerolog.Logger) *Detector {
	if changeRules == nil {
		changeRules = map[string]Rule{}
	}
	if levelRules == nil {
		levelRules = map[string]LevelRule{}
	}
	return &Detector{
		changeRules: changeRules,
		levelRules:  levelRules,
		indexRule:   indexRule,
		logger:      logger.With().Str("component", "detector").Logger(),
	}
}

func (d *Detector) ruleFor(key timeseries.Key) (Rule, bool) {
	if rule, ok := d.changeRules[key.String()]; ok {
		return rule, ok
	}
	rule, ok := d.changeRules[key.Metric]
	return rule, ok
}

// Evaluate compares a current sample against its 5-minute baseline. The
// percentage check runs first; when the previous value is zero it is skipped
// and only the absolute check applies. Metrics without a rule are never
// evaluated.
func (d *Detector) Evaluate(key timeseries.Key, current, previous timeseries.Sample) (Event, bool) {
	rule, ok := d.ruleFor(key)
	if !ok {
		return Event{}, false
	}

	var pctChange *decimal.Decimal
	if !previous.Value.IsZero() {
		pct := current.Value.Sub(previous.Value).Div(previous.Value)
		pctChange = &pct
	}
	absChange := current.Value.Sub(previous.Value)

	var triggered TriggeredRule
	switch {
	case rule.PctChange5m != nil && pctChange != nil && pctChange.Abs().GreaterThanOrEqual(*rule.PctChange5m):
		triggered = TriggeredPct
	case rule.AbsChange5m != nil && absChange.Abs().GreaterThanOrEqual(*rule.AbsChange5m):
		triggered = TriggeredAbs
	default:
		return Event{}, false
	}

	return Event{
		Key:       key,
		Current:   current.Value,
		Previous:  previous.Value,
		PctChange: pctChange,
		AbsChange: absChange,
		Triggered: triggered,
		Timestamp: current.Timestamp,
	}, true
}

// Severity is a staged level-alert tier.
type Severity string

const (
	SeverityLight  Severity = "light"
	SeverityMedium Severity = "medium"
	SeverityHeavy  Severity = "heavy"
)

// LevelRule stages absolute-value thresholds for one greek. Tiers must be
// ascending; a zero tier disables it.
type LevelRule struct {
	Light  decimal.Decimal
	Medium decimal.Decimal
	Heavy  decimal.Decimal
}

// LevelEvent reports a greek sitting at or above a staged threshold.
type LevelEvent struct {
	Key       timeseries.Key
	Value     decimal.Decimal // absolute value of the greek
	Severity  Severity
	Threshold decimal.Decimal
	Timestamp time.Time
}

// DedupKey folds the severity into the metric so each tier cools down
// independently, matching one alert stream per (instrument, greek, tier).
func (e LevelEvent) DedupKey() timeseries.Key {
	return timeseries.Key{Entity: e.Key.Entity, Metric: e.Key.Metric + "_level_" + string(e.Severity)}
}

// EvaluateLevel classifies the current absolute value of a greek against its
// staged thresholds. The highest matching tier wins.
func (d *Detector) EvaluateLevel(key timeseries.Key, current timeseries.Sample) (LevelEvent, bool) {
	rule, ok := d.levelRules[key.Metric]
	if !ok {
		return LevelEvent{}, false
	}

	value := current.Value.Abs()
	var severity Severity
	var threshold decimal.Decimal
	switch {
	case !rule.Heavy.IsZero() && value.GreaterThanOrEqual(rule.Heavy):
		severity, threshold = SeverityHeavy, rule.Heavy
	case !rule.Medium.IsZero() && value.GreaterThanOrEqual(rule.Medium):
		severity, threshold = SeverityMedium, rule.Medium
	case !rule.Light.IsZero() && value.GreaterThanOrEqual(rule.Light):
		severity, threshold = SeverityLight, rule.Light
	default:
		return LevelEvent{}, false
	}

	return LevelEvent{
		Key:       key,
		Value:     value,
		Severity:  severity,
		Threshold: threshold,
		Timestamp: current.Timestamp,
	}, true
}

// IndexRule holds value-based alerts for the volatility index: an absolute
// ceiling and a set of watched specific values with a matching tolerance.
type IndexRule struct {
	AbsValue          decimal.Decimal // fire when the index is at or above; zero disables
	SpecificValues    []decimal.Decimal
	SpecificTolerance decimal.Decimal
}

// IndexEventKind distinguishes the two index value alerts.
type IndexEventKind string

const (
	IndexAbsValue IndexEventKind = "abs_value"
	IndexSpecific IndexEventKind = "specific"
)

// IndexEvent reports the index sitting at a watched level.
type IndexEvent struct {
	Key       timeseries.Key
	Kind      IndexEventKind
	Current   decimal.Decimal
	Target    decimal.Decimal // the ceiling or the matched specific value
	Tolerance decimal.Decimal // populated for specific-value matches
	Timestamp time.Time
}

// DedupKey gives each watched level its own cooldown stream.
func (e IndexEvent) DedupKey() timeseries.Key {
	metric := string(e.Kind)
	if e.Kind == IndexSpecific {
		metric = metric + "_" + e.Target.String()
	}
	return timeseries.Key{Entity: e.Key.Entity, Metric: metric}
}

// EvaluateIndex checks the current index value against the absolute ceiling
// and the watched specific values. The closest matching specific value wins.
func (d *Detector) EvaluateIndex(key timeseries.Key, current timeseries.Sample) []IndexEvent {
	var events []IndexEvent

	if matched, ok := d.matchSpecific(current.Value); ok {
		events = append(events, IndexEvent{
			Key:       key,
			Kind:      IndexSpecific,
			Current:   current.Value,
			Target:    matched,
			Tolerance: d.indexRule.SpecificTolerance,
			Timestamp: current.Timestamp,
		})
	}

	if !d.indexRule.AbsValue.IsZero() && current.Value.GreaterThanOrEqual(d.indexRule.AbsValue) {
		events = append(events, IndexEvent{
			Key:       key,
			Kind:      IndexAbsValue,
			Current:   current.Value,
			Target:    d.indexRule.AbsValue,
			Timestamp: current.Timestamp,
		})
	}

	return events
}

func (d *Detector) matchSpecific(value decimal.Decimal) (decimal.Decimal, bool) {
	if len(d.indexRule.SpecificValues) == 0 || d.indexRule.SpecificTolerance.IsNegative() {
		return decimal.Decimal{}, false
	}

	candidates := append([]decimal.Decimal(nil), d.indexRule.SpecificValues...)
	sort.Slice(candidates, func(i, j int) bool {
		return value.Sub(candidates[i]).Abs().LessThan(value.Sub(candidates[j]).Abs())
	})

	closest := candidates[0]
	if value.Sub(closest).Abs().LessThanOrEqual(d.indexRule.SpecificTolerance) {
		return closest, true
	}
	return decimal.Decimal{}, false
}
