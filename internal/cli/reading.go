package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/monorkin/telemetry-gateway/internal/globals"
)

var readingWindow time.Duration

// readingCmd represents the reading command
var readingCmd = &cobra.Command{
	Use:     "reading",
	Aliases: []string{"r", "readings"},
	Short:   "Inspect retained readings",
	Long:    `Commands for reading the telemetry store directly, without going through the gateway.`,
}

var readingSensorsCmd = &cobra.Command{
	Use:   "sensors",
	Short: "List sensors with readings inside the retention window",
	Args:  cobra.NoArgs,
	Run:   runReadingSensors,
}

var readingLatestCmd = &cobra.Command{
	Use:   "latest <sensor>",
	Short: "Get the latest reading of a sensor",
	Long: `Get the most recent retained reading of a sensor.

Examples:
  telemetry-gateway reading latest Temperature
  telemetry-gateway reading latest dht11_temp`,
	Args: cobra.ExactArgs(1),
	Run:  runReadingLatest,
}

var readingQueryCmd = &cobra.Command{
	Use:   "query <sensor>",
	Short: "Get the readings of a sensor from a recent window",
	Long: `Get the readings of a sensor from the last --window, oldest first.

Examples:
  telemetry-gateway reading query Humidity --window 2m`,
	Args: cobra.ExactArgs(1),
	Run:  runReadingQuery,
}

func runReadingSensors(cmd *cobra.Command, args []string) {
	sensors, err := globals.Store.ListSensors(context.Background())
	if err != nil {
		globals.Logger.Error("Failed to list sensors", "error", err)
		exitWithError("Failed to list sensors: %v", err)
	}

	if len(sensors) == 0 {
		fmt.Println("No sensors found.")
		return
	}

	for _, sensor := range sensors {
		fmt.Println(sensor)
	}
}

func runReadingLatest(cmd *cobra.Command, args []string) {
	sensor := args[0]
	globals.Logger.Debug("Getting latest reading", "sensor", sensor)

	reading, found, err := globals.Store.Latest(context.Background(), sensor)
	if err != nil {
		globals.Logger.Error("Failed to fetch latest reading", "sensor", sensor, "error", err)
		exitWithError("Failed to fetch latest reading: %v", err)
	}

	if !found {
		fmt.Printf("No readings found for sensor: %s\n", sensor)
		return
	}

	printJSON(reading)
}

func runReadingQuery(cmd *cobra.Command, args []string) {
	sensor := args[0]
	if readingWindow <= 0 {
		exitWithError("--window must be positive, got %s", readingWindow)
	}

	since := time.Now().Add(-readingWindow).UTC()
	globals.Logger.Debug("Querying readings", "sensor", sensor, "since", since)

	readings, err := globals.Store.Query(context.Background(), sensor, since)
	if err != nil {
		globals.Logger.Error("Failed to query readings", "sensor", sensor, "error", err)
		exitWithError("Failed to query readings: %v", err)
	}

	printJSON(readings)
}

func printJSON(value any) {
	jsonData, err := json.MarshalIndent(value, "", "  ")
	if err != nil {
		globals.Logger.Error("Failed to marshal JSON", "error", err)
		exitWithError("Failed to format output: %v", err)
	}

	fmt.Println(string(jsonData))
}

func init() {
	rootCmd.AddCommand(readingCmd)

	readingCmd.AddCommand(readingSensorsCmd)
	readingCmd.AddCommand(readingLatestCmd)
	readingCmd.AddCommand(readingQueryCmd)

	readingQueryCmd.Flags().DurationVarP(&readingWindow, "window", "w", time.Minute, "How far back to look")
}
