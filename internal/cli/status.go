package cli

import (
	"context"

	"github.com/spf13/cobra"

	"github.com/monorkin/telemetry-gateway/internal/globals"
)

// statusCmd represents the status command
var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show store reachability and device liveness",
	Args:  cobra.NoArgs,
	Run: func(cmd *cobra.Command, args []string) {
		report := newHealthChecker(globals.Settings).Check(context.Background())
		printJSON(report)
	},
}

func init() {
	rootCmd.AddCommand(statusCmd)
}
