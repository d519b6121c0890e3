package monitor

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"option-risk-alerts/internal/alerting"
	"option-risk-alerts/internal/config"
	"option-risk-alerts/internal/fetcher"
	"option-risk-alerts/internal/statestore"
	"option-risk-alerts/internal/timeseries"
)

type staticPositions struct {
	positions []fetcher.OptionPosition
	err       error
}

func (s *staticPositions) FetchPositions(ctx context.Context) ([]fetcher.OptionPosition, error) {
	return s.positions, s.err
}

type staticIndex struct {
	value decimal.Decimal
	err   error
}

func (s *staticIndex) FetchIndex(ctx context.Context) (fetcher.IndexTick, error) {
	if s.err != nil {
		return fetcher.IndexTick{}, s.err
	}
	return fetcher.IndexTick{Value: s.value, Timestamp: time.Now().UTC()}, nil
}

type recordingNotifier struct {
	mu       sync.Mutex
	messages []alerting.Message
	sendErr  error
}

func (r *recordingNotifier) Send(ctx context.Context, msg alerting.Message) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.messages = append(r.messages, msg)
	return r.sendErr
}

func (r *recordingNotifier) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.messages)
}

func floatPtr(f float64) *float64 { return &f }

func testConfig() *config.Config {
	return &config.Config{
		Scheduler: config.SchedulerConfig{Interval: time.Minute},
		Alerting: config.AlertingConfig{
			Enabled:         true,
			Cooldown:        5 * time.Minute,
			LookbackWindow:  5 * time.Minute,
			RetentionWindow: time.Hour,
			ChangeRules: map[string]config.ChangeRule{
				"dvol:value": {AbsChange5m: floatPtr(5.0)},
			},
		},
		State: config.StateConfig{SaveTimeout: 10 * time.Second},
	}
}

func newTestMonitor(cfg *config.Config, index fetcher.IndexFetcher, positions fetcher.PositionsFetcher, notifier alerting.Notifier, state statestore.Store) *Monitor {
	if positions == nil {
		positions = &staticPositions{}
	}
	return New(cfg, nil, positions, index, state, notifier, zerolog.Nop())
}

func TestIndexChangeAlertFlow(t *testing.T) {
	index := &staticIndex{value: decimal.NewFromInt(60)}
	notifier := &recordingNotifier{}
	m := newTestMonitor(testConfig(), index, nil, notifier, nil)

	t0 := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	// 第一个周期没有 5 分钟基准，不应触发告警
	require.NoError(t, m.ProcessTick(context.Background(), t0))
	require.Equal(t, 0, notifier.count(), "首个周期缺少基准值，不应发送告警")

	// 5 分钟后指数 60 -> 66，超过绝对阈值 5.0
	index.value = decimal.NewFromInt(66)
	require.NoError(t, m.ProcessTick(context.Background(), t0.Add(5*time.Minute)))
	require.Equal(t, 1, notifier.count(), "越过绝对阈值后应发送一条告警")
	require.Contains(t, notifier.messages[0].Body, "+6.000000")

	// 再过 1 分钟仍在冷却期内，即使再次越限也应被抑制
	index.value = decimal.NewFromInt(72)
	require.NoError(t, m.ProcessTick(context.Background(), t0.Add(6*time.Minute)))
	require.Equal(t, 1, notifier.count(), "冷却期内重复告警应被抑制")
}

func TestBothSubFetchesFailingAbortsCycle(t *testing.T) {
	index := &staticIndex{err: &fetcher.Error{Kind: fetcher.KindAuth, Op: "index"}}
	positions := &staticPositions{err: &fetcher.Error{Kind: fetcher.KindAuth, Op: "positions"}}
	m := newTestMonitor(testConfig(), index, positions, &recordingNotifier{}, nil)

	err := m.ProcessTick(context.Background(), time.Now().UTC())
	require.Error(t, err, "两个子抓取均失败时周期应报错")
	require.Empty(t, m.store.Keys(), "失败周期不应记录任何样本")
	require.Equal(t, StateIdle, m.State())
}

func TestSingleSubFetchFailureIsolated(t *testing.T) {
	index := &staticIndex{value: decimal.NewFromInt(55)}
	positions := &staticPositions{err: &fetcher.Error{Kind: fetcher.KindAuth, Op: "positions"}}
	m := newTestMonitor(testConfig(), index, positions, &recordingNotifier{}, nil)

	require.NoError(t, m.ProcessTick(context.Background(), time.Now().UTC()))

	keys := m.store.Keys()
	require.NotEmpty(t, keys, "指数子抓取成功时应照常记录")
	for _, key := range keys {
		require.Equal(t, IndexEntity, key.Entity, "持仓抓取失败时不应出现持仓序列")
	}
}

func TestSinkFailureDoesNotRearmCooldown(t *testing.T) {
	index := &staticIndex{value: decimal.NewFromInt(60)}
	notifier := &recordingNotifier{sendErr: fmt.Errorf("webhook unavailable")}
	m := newTestMonitor(testConfig(), index, nil, notifier, nil)

	t0 := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	require.NoError(t, m.ProcessTick(context.Background(), t0))

	index.value = decimal.NewFromInt(66)
	require.NoError(t, m.ProcessTick(context.Background(), t0.Add(5*time.Minute)))
	require.Equal(t, 1, notifier.count())

	// 发送失败不回滚冷却记录：紧随其后的再次越限仍应被抑制
	index.value = decimal.NewFromInt(72)
	require.NoError(t, m.ProcessTick(context.Background(), t0.Add(6*time.Minute)))
	require.Equal(t, 1, notifier.count(), "发送失败不应重新武装冷却门")
}

func TestPercentileRecordedEachCycle(t *testing.T) {
	index := &staticIndex{value: decimal.NewFromInt(60)}
	m := newTestMonitor(testConfig(), index, nil, &recordingNotifier{}, nil)

	t0 := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	require.NoError(t, m.ProcessTick(context.Background(), t0))

	index.value = decimal.NewFromInt(70)
	require.NoError(t, m.ProcessTick(context.Background(), t0.Add(time.Minute)))

	rankKey := timeseries.Key{Entity: IndexEntity, Metric: "percentile"}
	latest, ok := m.store.Latest(rankKey)
	require.True(t, ok, "每个周期都应记录百分位样本")
	require.True(t, latest.Value.Equal(decimal.NewFromInt(100)), "窗口内最大值的百分位应为 100, 实际 %s", latest.Value)
}

func TestLevelAlertForGreeks(t *testing.T) {
	cfg := testConfig()
	cfg.Alerting.LevelRules = map[string]config.LevelRule{
		"gamma": {Light: 0.5, Medium: 1.0, Heavy: 2.0},
	}
	positions := &staticPositions{positions: []fetcher.OptionPosition{{
		InstrumentName: "BTC-27MAR26-100000-C",
		Currency:       "BTC",
		Direction:      "buy",
		Size:           decimal.NewFromInt(10),
		Gamma:          decimal.NewFromFloat(1.2),
	}}}
	index := &staticIndex{value: decimal.NewFromInt(55)}
	notifier := &recordingNotifier{}
	m := newTestMonitor(cfg, index, positions, notifier, nil)

	require.NoError(t, m.ProcessTick(context.Background(), time.Now().UTC()))
	require.Equal(t, 1, notifier.count(), "gamma 达到中度阈值应触发一条预警")
	require.Contains(t, notifier.messages[0].Title, "中度")
}

func TestIndexValueAlerts(t *testing.T) {
	cfg := testConfig()
	cfg.Alerting.ChangeRules = nil
	cfg.Alerting.Index = config.IndexRule{
		AbsThreshold:           60,
		SpecificValues:         []float64{65},
		SpecificValueTolerance: 0.5,
	}
	index := &staticIndex{value: decimal.NewFromFloat(65.3)}
	notifier := &recordingNotifier{}
	m := newTestMonitor(cfg, index, nil, notifier, nil)

	require.NoError(t, m.ProcessTick(context.Background(), time.Now().UTC()))
	require.Equal(t, 2, notifier.count(), "特定值与绝对数值预警应各触发一条")
}

func TestSnapshotPersistedAfterCycle(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "state_store.json")
	store := statestore.NewFileStore(path, zerolog.Nop())

	index := &staticIndex{value: decimal.NewFromInt(60)}
	m := newTestMonitor(testConfig(), index, nil, &recordingNotifier{}, store)

	require.NoError(t, m.ProcessTick(context.Background(), time.Now().UTC()))
	m.saveWG.Wait()

	snap, err := store.Load(context.Background())
	require.NoError(t, err)
	require.Contains(t, snap.Series, "dvol:value", "周期结束后快照应包含指数序列")
}

func TestRestoreSeedsBaseline(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "state_store.json")
	store := statestore.NewFileStore(path, zerolog.Nop())

	t0 := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	snap := statestore.NewSnapshot()
	snap.Series["dvol:value"] = []timeseries.Sample{{Timestamp: t0, Value: decimal.NewFromInt(60)}}
	require.NoError(t, store.Save(context.Background(), snap))

	index := &staticIndex{value: decimal.NewFromInt(66)}
	notifier := &recordingNotifier{}
	m := newTestMonitor(testConfig(), index, nil, notifier, store)
	require.NoError(t, m.Restore(context.Background()))

	// 重启后恢复的历史立即可用作 5 分钟基准
	require.NoError(t, m.ProcessTick(context.Background(), t0.Add(5*time.Minute)))
	m.saveWG.Wait()
	require.Equal(t, 1, notifier.count(), "恢复的基准应支撑首个周期的变动检测")
}
