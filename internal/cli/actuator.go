package cli

import (
	"context"
	"strings"

	"github.com/spf13/cobra"

	"github.com/monorkin/telemetry-gateway/esp32/api"
	"github.com/monorkin/telemetry-gateway/internal/actuator"
	"github.com/monorkin/telemetry-gateway/internal/globals"
)

var actuatorCmd = &cobra.Command{
	Use:   "actuator",
	Short: "Control actuators",
}

var actuatorSetCmd = &cobra.Command{
	Use:   "set <device> <actuator> <on|off>",
	Short: "Switch an actuator on or off",
	Long: `Send one command to the device at its last-known address. The command
is not retried.

Examples:
  telemetry-gateway actuator set ESP32 LED on`,
	Args: cobra.ExactArgs(3),
	Run:  runActuatorSet,
}

func parseSwitch(value string) (bool, bool) {
	switch strings.ToLower(value) {
	case "on", "true", "1":
		return true, true
	case "off", "false", "0":
		return false, true
	default:
		return false, false
	}
}

func runActuatorSet(cmd *cobra.Command, args []string) {
	settings := globals.Settings
	device, name := args[0], args[1]

	on, ok := parseSwitch(args[2])
	if !ok {
		exitWithError("Value must be on or off, got %q", args[2])
	}
	if device != settings.PushDeviceID || name != settings.ActuatorName {
		exitWithError("Unsupported actuator %s/%s, only %s/%s can be set",
			device, name, settings.PushDeviceID, settings.ActuatorName)
	}

	client := api.NewClientWithTimeout(settings.CommandTimeout.Std(), globals.Logger.With("component", "esp32"))
	dispatcher := actuator.NewDispatcher(globals.Registry, client, globals.Logger.With("component", "actuator"))

	outcome := dispatcher.SetActuator(context.Background(), device, on)
	printJSON(outcome)

	if !outcome.Delivered() {
		exitWithError("%s/%s was not switched: %s", device, name, outcome.Status)
	}
}

func init() {
	rootCmd.AddCommand(actuatorCmd)

	actuatorCmd.AddCommand(actuatorSetCmd)
}
