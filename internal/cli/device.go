package cli

import (
	"context"
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/monorkin/telemetry-gateway/esp32/api"
	"github.com/monorkin/telemetry-gateway/internal/globals"
)

const DISCOVERY_TIMEOUT = 5 * time.Second

var (
	discoverSave    bool
	discoverTimeout time.Duration
)

// deviceCmd represents the device command
var deviceCmd = &cobra.Command{
	Use:     "device",
	Aliases: []string{"d", "devices"},
	Short:   "Manage and list devices",
	Long:    `Commands for listing monitored devices and finding the microcontroller on the network.`,
}

// deviceListCmd represents the device list command
var deviceListCmd = &cobra.Command{
	Use:     "list",
	Aliases: []string{"ls"},
	Short:   "List monitored devices",
	Long:    `List the monitored devices with their liveness, last-known address, and last seen timestamp.`,
	Args:    cobra.NoArgs,
	Run:     runDeviceList,
}

var deviceDiscoverCmd = &cobra.Command{
	Use:   "discover",
	Short: "Find microcontrollers on the local network over mDNS",
	Long: `Browse the local network for ESP32 boards. With --save the first one
found becomes the known address of the push device, so actuator commands
can reach it before it pushes its first reading.`,
	Args: cobra.NoArgs,
	Run:  runDeviceDiscover,
}

func runDeviceList(cmd *cobra.Command, args []string) {
	globals.Logger.Debug("Checking devices")

	report := newHealthChecker(globals.Settings).Check(context.Background())
	if report.Error != "" {
		fmt.Fprintf(os.Stderr, "Warning: %s\n", report.Error)
	}

	if len(report.Devices) == 0 {
		fmt.Println("No devices found.")
		return
	}

	// Create tabwriter for aligned output
	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	defer w.Flush()

	fmt.Fprintln(w, "DEVICE\tSTATUS\tADDRESS\tLAST SEEN")
	fmt.Fprintln(w, "------\t------\t-------\t---------")

	for _, device := range report.Devices {
		status := "down"
		if device.Up {
			status = "up"
		}

		address := device.Address
		if address == "" {
			address = "-"
		}

		lastSeen := "never"
		if device.LastSeen != nil {
			lastSeen = device.LastSeen.Format(time.RFC3339)
		}

		fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", device.Name, status, address, lastSeen)
	}

	globals.Logger.Debug("Device list completed", "count", len(report.Devices))
}

func runDeviceDiscover(cmd *cobra.Command, args []string) {
	client := api.NewClientWithLogger(globals.Logger.With("component", "esp32"))

	devices, err := client.DiscoverDevices(context.Background(), discoverTimeout)
	if err != nil {
		globals.Logger.Error("Discovery failed", "error", err)
		exitWithError("Discovery failed: %v", err)
	}

	if len(devices) == 0 {
		fmt.Println("No devices found.")
		return
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "HOSTNAME\tADDRESS")
	fmt.Fprintln(w, "--------\t-------")
	for _, device := range devices {
		fmt.Fprintf(w, "%s\t%s\n", device.Hostname, device.Address())
	}
	w.Flush()

	if !discoverSave {
		return
	}

	address := devices[0].Address()
	if _, err := globals.Registry.Update(globals.Settings.PushDeviceID, address); err != nil {
		exitWithError("Failed to save address: %v", err)
	}
	fmt.Printf("Saved %s as the address of %s\n", address, globals.Settings.PushDeviceID)
}

func init() {
	rootCmd.AddCommand(deviceCmd)

	deviceCmd.AddCommand(deviceListCmd)
	deviceCmd.AddCommand(deviceDiscoverCmd)

	deviceDiscoverCmd.Flags().BoolVar(&discoverSave, "save", false, "Remember the first device found as the push device")
	deviceDiscoverCmd.Flags().DurationVar(&discoverTimeout, "timeout", DISCOVERY_TIMEOUT, "How long to browse")
}
