package app

import (
	"context"
	"errors"
	"time"

	"github.com/shopspring/decimal"

	"option-risk-alerts/internal/fetcher"
	"option-risk-alerts/internal/monitor"
)

// SimulateAlert 以给定的前后 DVOL 值模拟一次完整的告警流程：先用 before
// 播种 5 分钟基准，再以 after 执行一个检测周期。不触碰持久化状态。
func (a *App) SimulateAlert(ctx context.Context, before, after decimal.Decimal) error {
	if !a.Config.Alerting.Enabled {
		return errors.New("alerting 未启用")
	}

	notifier := a.newNotifier()
	if notifier == nil {
		return errors.New("未配置任何告警通道")
	}

	index := &staticIndexFetcher{value: before}
	positions := &staticPositionsFetcher{}

	mon := monitor.New(a.Config, nil, positions, index, nil, notifier, a.Logger)

	now := time.Now().UTC().Truncate(a.Config.Scheduler.Interval)
	baseline := now.Add(-a.Config.Alerting.LookbackWindow)
	if err := mon.ProcessTick(ctx, baseline); err != nil {
		return err
	}

	index.value = after
	return mon.ProcessTick(ctx, now)
}

type staticIndexFetcher struct {
	value decimal.Decimal
}

func (s *staticIndexFetcher) FetchIndex(ctx context.Context) (fetcher.IndexTick, error) {
	return fetcher.IndexTick{Value: s.value, Timestamp: time.Now().UTC()}, nil
}

type staticPositionsFetcher struct{}

func (s *staticPositionsFetcher) FetchPositions(ctx context.Context) ([]fetcher.OptionPosition, error) {
	return nil, nil
}

var _ fetcher.IndexFetcher = (*staticIndexFetcher)(nil)
var _ fetcher.PositionsFetcher = (*staticPositionsFetcher)(nil)
