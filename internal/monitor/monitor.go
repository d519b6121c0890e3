package monitor

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"option-risk-alerts/internal/alerting"
	"option-risk-alerts/internal/config"
	"option-risk-alerts/internal/dedup"
	"option-risk-alerts/internal/detector"
	"option-risk-alerts/internal/fetcher"
	"option-risk-alerts/internal/metrics"
	"option-risk-alerts/internal/scheduler"
	"option-risk-alerts/internal/statestore"
	"option-risk-alerts/internal/timeseries"
)

// CycleState tracks the poll cycle state machine.
type CycleState string

const (
	StateIdle        CycleState = "idle"
	StateFetching    CycleState = "fetching"
	StateRecording   CycleState = "recording"
	StateDetecting   CycleState = "detecting"
	StateDispatching CycleState = "dispatching"
	StateFailedFetch CycleState = "failed_fetch"
)

// IndexEntity is the singleton entity key for the volatility index.
const IndexEntity = "dvol"

// Monitor orchestrates one poll cycle at a time: fetch snapshots, record
// them, detect anomalies, gate alerts through the cooldown, dispatch, and
// persist the state document. All mutation of the shared store and gate
// happens on the cycle's goroutine.
type Monitor struct {
	scheduler *scheduler.Scheduler
	positions fetcher.PositionsFetcher
	index     fetcher.IndexFetcher
	notifier  alerting.Notifier
	state     statestore.Store
	locker    statestore.AdvisoryLocker
	logger    zerolog.Logger

	store *timeseries.Store
	gate  *dedup.Gate
	det   *detector.Detector

	lookback    time.Duration
	alertsOn    bool
	lockKey     int64
	saveTimeout time.Duration

	cycleState CycleState
	saveBusy   atomic.Bool
	saveWG     sync.WaitGroup
}

// New constructs the monitor from configuration and collaborators.
func New(cfg *config.Config, sched *scheduler.Scheduler, positions fetcher.PositionsFetcher, index fetcher.IndexFetcher, state statestore.Store, notifier alerting.Notifier, logger zerolog.Logger) *Monitor {
	log := logger.With().Str("component", "monitor").Logger()

	var locker statestore.AdvisoryLocker
	if l, ok := state.(statestore.AdvisoryLocker); ok {
		locker = l
	}

	return &Monitor{
		scheduler:   sched,
		positions:   positions,
		index:       index,
		notifier:    notifier,
		state:       state,
		locker:      locker,
		logger:      log,
		store:       timeseries.NewStore(cfg.Alerting.RetentionWindow),
		gate:        dedup.New(cfg.Alerting.Cooldown),
		det:         detector.New(cfg.Alerting.ChangeRuleSet(), cfg.Alerting.LevelRuleSet(), cfg.Alerting.IndexRuleSet(), log),
		lookback:    cfg.Alerting.LookbackWindow,
		alertsOn:    cfg.Alerting.Enabled && notifier != nil,
		lockKey:     cfg.Scheduler.AdvisoryLockKey,
		saveTimeout: cfg.State.SaveTimeout,
		cycleState:  StateIdle,
	}
}

// Restore seeds the in-memory store and cooldown gate from the persisted
// snapshot. Called once before the first cycle.
func (m *Monitor) Restore(ctx context.Context) error {
	if m.state == nil {
		return nil
	}
	snap, err := m.state.Load(ctx)
	if err != nil {
		return fmt.Errorf("restore state: %w", err)
	}
	if err := statestore.Apply(snap, m.store, m.gate); err != nil {
		return fmt.Errorf("restore state: %w", err)
	}
	m.logger.Info().Int("series", len(snap.Series)).Int("last_alerts", len(snap.LastAlerts)).Msg("state restored")
	return nil
}

// Run begins the polling loop and blocks until ctx is cancelled. An in-flight
// snapshot write is awaited before returning so shutdown never tears a
// persisted document.
func (m *Monitor) Run(ctx context.Context) error {
	if m.scheduler == nil {
		return fmt.Errorf("scheduler not configured")
	}
	err := m.scheduler.Run(ctx, m.ProcessTick)
	m.saveWG.Wait()
	return err
}

// ProcessTick 执行单个轮询周期。
func (m *Monitor) ProcessTick(ctx context.Context, tick time.Time) error {
	unlock, proceed, err := m.acquireLock(ctx)
	if err != nil {
		return err
	}
	if !proceed {
		m.logger.Debug().Time("tick", tick).Msg("skip tick because advisory lock held elsewhere")
		return nil
	}
	if unlock != nil {
		defer unlock()
	}

	return m.executeCycle(ctx, tick)
}

// recorded is a metric key whose current sample landed this cycle.
type recorded struct {
	key     timeseries.Key
	current timeseries.Sample
}

// firing is an alert that passed detection and awaits the cooldown gate.
type firing struct {
	dedupKey  timeseries.Key
	alertType string
	message   alerting.Message
}

func (m *Monitor) executeCycle(ctx context.Context, tick time.Time) error {
	now := tick.UTC()

	m.transition(StateFetching)
	positions, posErr := m.fetchPositions(ctx)
	indexTick, idxErr := m.fetchIndex(ctx)

	if posErr != nil && idxErr != nil {
		m.transition(StateFailedFetch)
		m.transition(StateIdle)
		metrics.CyclesTotal.WithLabelValues("failed_fetch").Inc()
		return fmt.Errorf("both sub-fetches failed: positions: %v; index: %v", posErr, idxErr)
	}

	m.transition(StateRecording)
	var current []recorded
	if posErr == nil {
		current = append(current, m.recordPositions(positions, now)...)
	}
	if idxErr == nil {
		current = append(current, m.recordIndex(indexTick, now)...)
	}
	m.store.PruneAll(now)

	m.transition(StateDetecting)
	firings := m.detect(positions, posErr == nil, indexTick, idxErr == nil, current, now)

	m.transition(StateDispatching)
	m.dispatch(ctx, firings, now)

	m.persist(now)
	m.transition(StateIdle)
	outcome := "ok"
	if posErr != nil || idxErr != nil {
		outcome = "partial"
	}
	metrics.CyclesTotal.WithLabelValues(outcome).Inc()
	return nil
}

func (m *Monitor) transition(next CycleState) {
	m.logger.Debug().Str("from", string(m.cycleState)).Str("to", string(next)).Msg("cycle state")
	m.cycleState = next
}

// State returns the current cycle state.
func (m *Monitor) State() CycleState {
	return m.cycleState
}

func (m *Monitor) fetchPositions(ctx context.Context) ([]fetcher.OptionPosition, error) {
	var positions []fetcher.OptionPosition
	err := m.withRetry(ctx, "positions", func() error {
		var fetchErr error
		positions, fetchErr = m.positions.FetchPositions(ctx)
		return fetchErr
	})
	if err != nil {
		m.logger.Warn().Err(err).Msg("positions sub-fetch skipped this cycle")
		return nil, err
	}
	return positions, nil
}

func (m *Monitor) fetchIndex(ctx context.Context) (fetcher.IndexTick, error) {
	var tick fetcher.IndexTick
	err := m.withRetry(ctx, "index", func() error {
		var fetchErr error
		tick, fetchErr = m.index.FetchIndex(ctx)
		return fetchErr
	})
	if err != nil {
		m.logger.Warn().Err(err).Msg("index sub-fetch skipped this cycle")
		return fetcher.IndexTick{}, err
	}
	return tick, nil
}

// withRetry runs op with bounded exponential backoff. Only transient venue
// failures are retried; auth, rate-limit, and malformed responses fail the
// sub-fetch immediately.
func (m *Monitor) withRetry(ctx context.Context, source string, op func() error) error {
	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = time.Second
	policy.Multiplier = 2
	policy.MaxElapsedTime = 15 * time.Second

	attempt := func() error {
		err := op()
		if err == nil {
			return nil
		}
		var kind fetcher.ErrorKind = fetcher.KindUnavailable
		for _, k := range []fetcher.ErrorKind{fetcher.KindAuth, fetcher.KindRateLimited, fetcher.KindMalformed} {
			if fetcher.IsKind(err, k) {
				kind = k
				break
			}
		}
		metrics.FetchFailuresTotal.WithLabelValues(source, string(kind)).Inc()
		if kind != fetcher.KindUnavailable {
			return backoff.Permanent(err)
		}
		return err
	}

	return backoff.Retry(attempt, backoff.WithContext(backoff.WithMaxRetries(policy, 2), ctx))
}

func (m *Monitor) recordPositions(positions []fetcher.OptionPosition, now time.Time) []recorded {
	var out []recorded
	for _, pos := range positions {
		for metric, value := range map[string]decimal.Decimal{
			"iv":    pos.MarkIV,
			"gamma": pos.Gamma,
			"vega":  pos.Vega,
			"delta": pos.Delta,
		} {
			key := timeseries.Key{Entity: pos.InstrumentName, Metric: metric}
			sample := timeseries.Sample{Timestamp: now, Value: value}
			m.store.Append(key, sample)
			out = append(out, recorded{key: key, current: sample})
		}
	}
	return out
}

func (m *Monitor) recordIndex(tick fetcher.IndexTick, now time.Time) []recorded {
	var out []recorded

	valueKey := timeseries.Key{Entity: IndexEntity, Metric: "value"}
	valueSample := timeseries.Sample{Timestamp: now, Value: tick.Value}
	m.store.Append(valueKey, valueSample)
	out = append(out, recorded{key: valueKey, current: valueSample})

	// Percentile rank of the current index value within the retained window.
	// The window always contains the sample appended above, but the guard
	// stays: with no samples there is no defined rank to record.
	window := m.store.Window(valueKey, now, m.store.Retention())
	rank, ok := timeseries.Rank(tick.Value, window)
	if !ok {
		m.logger.Debug().Msg("empty percentile window, skipping dvol:percentile this cycle")
		return out
	}

	rankKey := timeseries.Key{Entity: IndexEntity, Metric: "percentile"}
	rankSample := timeseries.Sample{Timestamp: now, Value: decimal.NewFromFloat(rank).Round(4)}
	m.store.Append(rankKey, rankSample)
	out = append(out, recorded{key: rankKey, current: rankSample})

	m.logger.Info().
		Str("dvol", tick.Value.StringFixed(2)).
		Float64("percentile", rank).
		Msg("[DVOL 监控] 指数已记录")
	return out
}

func (m *Monitor) detect(positions []fetcher.OptionPosition, havePositions bool, indexTick fetcher.IndexTick, haveIndex bool, current []recorded, now time.Time) []firing {
	var firings []firing

	// Change detection against the 5-minute baseline, one key at a time; a
	// key without a baseline is skipped without affecting the others.
	for _, rec := range current {
		previous, ok := m.store.Lookback(rec.key, now, m.lookback)
		if !ok {
			m.logger.Debug().Str("key", rec.key.String()).Msg("no 5m baseline yet, detection skipped")
			continue
		}
		event, fired := m.det.Evaluate(rec.key, rec.current, previous)
		if !fired {
			continue
		}
		metrics.AnomaliesTotal.WithLabelValues("change").Inc()
		firings = append(firings, firing{
			dedupKey:  event.DedupKey(),
			alertType: "change",
			message:   alerting.RenderChange(event),
		})
	}

	// Staged level alerts act on current absolute values only.
	if havePositions {
		for _, pos := range positions {
			for metric, value := range map[string]decimal.Decimal{"gamma": pos.Gamma, "vega": pos.Vega} {
				key := timeseries.Key{Entity: pos.InstrumentName, Metric: metric}
				sample := timeseries.Sample{Timestamp: now, Value: value}
				event, fired := m.det.EvaluateLevel(key, sample)
				if !fired {
					continue
				}
				metrics.AnomaliesTotal.WithLabelValues("level").Inc()
				firings = append(firings, firing{
					dedupKey:  event.DedupKey(),
					alertType: "level",
					message:   alerting.RenderLevel(event),
				})
			}
		}
	}

	if haveIndex {
		key := timeseries.Key{Entity: IndexEntity, Metric: "value"}
		sample := timeseries.Sample{Timestamp: now, Value: indexTick.Value}
		for _, event := range m.det.EvaluateIndex(key, sample) {
			metrics.AnomaliesTotal.WithLabelValues("index").Inc()
			firings = append(firings, firing{
				dedupKey:  event.DedupKey(),
				alertType: "index",
				message:   alerting.RenderIndex(event),
			})
		}
	}

	return firings
}

func (m *Monitor) dispatch(ctx context.Context, firings []firing, now time.Time) {
	for _, f := range firings {
		if !m.alertsOn {
			m.logger.Info().Str("key", f.dedupKey.String()).Str("type", f.alertType).Msg("[告警已禁用] 异常事件仅记录")
			continue
		}
		if !m.gate.Allow(f.dedupKey, now) {
			metrics.AlertsSuppressedTotal.Inc()
			m.logger.Debug().Str("key", f.dedupKey.String()).Msg("在冷却期内，跳过告警")
			continue
		}

		// The gate recorded this fire before the send; a sink failure is
		// logged but never re-arms the cooldown.
		metrics.AlertsSentTotal.Inc()
		if err := m.notifier.Send(ctx, f.message); err != nil {
			m.logger.Error().Err(err).Str("key", f.dedupKey.String()).Msg("failed to dispatch alert")
			continue
		}
		m.logger.Warn().Str("key", f.dedupKey.String()).Str("type", f.alertType).Msg("告警已发送")
	}
}

// persist captures the snapshot synchronously and writes it in the
// background, bounded by the save timeout so a slow backend can never delay
// the next cycle. If the previous write is still in flight this cycle's
// write is skipped; the next one carries the full state anyway.
func (m *Monitor) persist(now time.Time) {
	if m.state == nil {
		return
	}
	snap := statestore.Capture(m.store, m.gate)

	if !m.saveBusy.CompareAndSwap(false, true) {
		m.logger.Warn().Msg("previous snapshot write still in flight, skipping this cycle's write")
		return
	}

	m.saveWG.Add(1)
	go func() {
		defer m.saveWG.Done()
		defer m.saveBusy.Store(false)

		ctx, cancel := context.WithTimeout(context.Background(), m.saveTimeout)
		defer cancel()

		if err := m.state.Save(ctx, snap); err != nil {
			metrics.PersistFailuresTotal.Inc()
			m.logger.Error().Err(err).Msg("snapshot write failed, in-memory state retained")
		}
	}()
}

func (m *Monitor) acquireLock(ctx context.Context) (func(), bool, error) {
	if m.lockKey == 0 || m.locker == nil {
		return nil, true, nil
	}
	unlock, acquired, err := m.locker.TryAdvisoryLock(ctx, m.lockKey)
	if err != nil {
		return nil, false, fmt.Errorf("acquire advisory lock: %w", err)
	}
	if !acquired {
		return nil, false, nil
	}
	return unlock, true, nil
}
