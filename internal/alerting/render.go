package alerting

import (
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"option-risk-alerts/internal/detector"
)

const indexEntity = "dvol"

var severityLabels = map[detector.Severity]string{
	detector.SeverityLight:  "轻度",
	detector.SeverityMedium: "中度",
	detector.SeverityHeavy:  "重度",
}

func entityLabel(entity string) string {
	if entity == indexEntity {
		return "DVOL 指数"
	}
	return entity
}

func titleMetric(metric string) string {
	if metric == "" {
		return metric
	}
	return strings.ToUpper(metric[:1]) + metric[1:]
}

func signed(d decimal.Decimal, places int32) string {
	if d.Sign() >= 0 {
		return "+" + d.StringFixed(places)
	}
	return d.StringFixed(places)
}

// RenderChange formats a 5-minute move alert. When both thresholds fired,
// the percentage change is reported first; the wording is the only thing the
// tie-break affects.
func RenderChange(event detector.Event) Message {
	title := fmt.Sprintf("⚠️ %s %s 异动告警", entityLabel(event.Key.Entity), strings.ToUpper(event.Key.Metric))

	builder := strings.Builder{}
	fmt.Fprintf(&builder, "对象: %s\n", entityLabel(event.Key.Entity))
	fmt.Fprintf(&builder, "指标: %s\n", event.Key.Metric)
	fmt.Fprintf(&builder, "当前值: %s\n", event.Current.String())
	fmt.Fprintf(&builder, "5 分钟前: %s\n", event.Previous.String())

	if event.Triggered == detector.TriggeredPct && event.PctChange != nil {
		fmt.Fprintf(&builder, "5 分钟变化: %s%% (%s)\n",
			signed(event.PctChange.Mul(decimal.NewFromInt(100)), 2), signed(event.AbsChange, 6))
		builder.WriteString("触发规则: 百分比阈值\n")
	} else {
		fmt.Fprintf(&builder, "5 分钟变化: %s", signed(event.AbsChange, 6))
		if event.PctChange != nil {
			fmt.Fprintf(&builder, " (%s%%)", signed(event.PctChange.Mul(decimal.NewFromInt(100)), 2))
		}
		builder.WriteString("\n触发规则: 绝对值阈值\n")
	}

	fmt.Fprintf(&builder, "时间: %s", event.Timestamp.UTC().Format(time.RFC3339))
	return Message{Title: title, Body: builder.String()}
}

// RenderLevel formats a staged greek level alert.
func RenderLevel(event detector.LevelEvent) Message {
	label := severityLabels[event.Severity]
	title := fmt.Sprintf("🚨 %s %s预警 - %s", titleMetric(event.Key.Metric), label, event.Key.Entity)

	builder := strings.Builder{}
	fmt.Fprintf(&builder, "合约: %s\n", event.Key.Entity)
	fmt.Fprintf(&builder, "当前 %s: %s\n", titleMetric(event.Key.Metric), event.Value.String())
	fmt.Fprintf(&builder, "预警级别: %s\n", label)
	fmt.Fprintf(&builder, "触发阈值: %s\n", event.Threshold.String())
	fmt.Fprintf(&builder, "时间: %s", event.Timestamp.UTC().Format(time.RFC3339))
	return Message{Title: title, Body: builder.String()}
}

// RenderIndex formats a volatility index value alert.
func RenderIndex(event detector.IndexEvent) Message {
	builder := strings.Builder{}
	var title string

	switch event.Kind {
	case detector.IndexSpecific:
		title = fmt.Sprintf("🚨 DVOL 特定值预警 - %s", event.Target.String())
		fmt.Fprintf(&builder, "DVOL 当前值: %s\n", event.Current.StringFixed(2))
		fmt.Fprintf(&builder, "预警目标值: %s\n", event.Target.String())
		fmt.Fprintf(&builder, "容差范围: ±%s\n", event.Tolerance.String())
	default:
		title = "🚨 DVOL 绝对数值预警"
		fmt.Fprintf(&builder, "DVOL 当前值: %s\n", event.Current.StringFixed(2))
		fmt.Fprintf(&builder, "预警阈值: %s\n", event.Target.StringFixed(2))
	}

	fmt.Fprintf(&builder, "时间: %s", event.Timestamp.UTC().Format(time.RFC3339))
	return Message{Title: title, Body: builder.String()}
}
