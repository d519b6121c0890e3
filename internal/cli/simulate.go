package cli

import (
	"errors"

	"github.com/shopspring/decimal"
	"github.com/spf13/cobra"
)

var (
	simulateBefore float64
	simulateAfter  float64
)

var simulateCmd = &cobra.Command{
	Use:   "simulate-alert",
	Short: "模拟一次 DVOL 异动并触发告警",
	RunE: func(cmd *cobra.Command, args []string) error {
		if simulateBefore <= 0 || simulateAfter <= 0 {
			return errors.New("--before 与 --after 必须大于 0")
		}

		before := decimal.NewFromFloat(simulateBefore)
		after := decimal.NewFromFloat(simulateAfter)
		return getApp().SimulateAlert(cmd.Context(), before, after)
	},
}

func init() {
	simulateCmd.Flags().Float64Var(&simulateBefore, "before", 0, "5 分钟前的 DVOL 值")
	simulateCmd.Flags().Float64Var(&simulateAfter, "after", 0, "当前 DVOL 值")
}
