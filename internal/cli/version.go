package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/monorkin/telemetry-gateway/internal/version"
)

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the version",
	Args:  cobra.NoArgs,

	// No settings or database needed
	PersistentPreRun:  func(cmd *cobra.Command, args []string) {},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {},
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Println(version.Describe())
	},
}

func init() {
	rootCmd.AddCommand(versionCmd)
}
