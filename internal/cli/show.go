package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"option-risk-alerts/internal/app"
)

var (
	showKey   string
	showLimit int
)

var showCmd = &cobra.Command{
	Use:   "show",
	Short: "Display recorded series from the persisted state",
	RunE: func(cmd *cobra.Command, args []string) error {
		if showLimit <= 0 {
			return fmt.Errorf("--limit must be greater than zero")
		}

		opts := app.ShowOptions{
			Key:   showKey,
			Limit: showLimit,
		}

		return getApp().Show(cmd.Context(), opts)
	},
}

func init() {
	showCmd.Flags().StringVar(&showKey, "key", "", "Series key (entity:metric); empty lists all series")
	showCmd.Flags().IntVar(&showLimit, "limit", 20, "Number of samples to display")
}
