package cli

import (
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/monorkin/telemetry-gateway/internal/globals"
)

var (
	verbose      bool
	settingsPath string
	dbPath       string
)

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "telemetry-gateway",
	Short: "IoT telemetry store and tool gateway",
	Long: `Collects readings from a Bluetooth LE environmental sensor and a Wi-Fi
microcontroller, keeps the last few minutes of them in a local database, and
exposes them to AI agents as JSON-RPC tools.

Run "serve" for the ingestion side and "gateway" for the agent-facing side.
Both share the same database file.`,
	SilenceUsage: true,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		initializeApp(os.Stdout)
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		if err := globals.Shutdown(); err != nil {
			globals.Logger.Warn("Failed to close database", "error", err)
		}
	},
}

// Execute adds all child commands to the root command and sets flags appropriately.
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	// Global flags
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Enable verbose (debug) logging")
	rootCmd.PersistentFlags().StringVar(&settingsPath, "settings", "", "Path to the settings file (default: $XDG_CONFIG_HOME/telemetry-gateway/settings.json)")
	rootCmd.PersistentFlags().StringVar(&dbPath, "db", "", "Path to the telemetry database (default: $TELEMETRY_GATEWAY_DB_PATH or the data directory)")
}

// initializeApp loads settings and opens the database for CLI commands
func initializeApp(logOutput io.Writer) {
	err := globals.Initialize(globals.Options{
		Verbose:      verbose,
		SettingsPath: settingsPath,
		DBPath:       dbPath,
		LogOutput:    logOutput,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func exitWithError(format string, args ...any) {
	fmt.Fprintf(os.Stderr, "Error: "+format+"\n", args...)
	os.Exit(1)
}
