package cli

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/monorkin/telemetry-gateway/internal/config"
	"github.com/monorkin/telemetry-gateway/internal/dbusservice"
	"github.com/monorkin/telemetry-gateway/internal/globals"
	"github.com/monorkin/telemetry-gateway/internal/health"
	"github.com/monorkin/telemetry-gateway/internal/ingest"
	"github.com/monorkin/telemetry-gateway/internal/radio"
)

var (
	serveNoRadio   bool
	serveAdvertise bool
	serveDBus      bool
)

// serveCmd represents the serve command
var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Collect readings from the sensors",
	Long: `Start the ingestion side: the HTTP listener the microcontroller pushes
readings to and, unless disabled, the Bluetooth LE listener for the
environmental sensor. Runs until interrupted.`,
	Args: cobra.NoArgs,
	Run:  runServe,
}

func runServe(cmd *cobra.Command, args []string) {
	globals.MustBeInitialized()
	settings := globals.Settings
	logger := globals.Logger

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	group, ctx := errgroup.WithContext(ctx)

	handler := ingest.NewHandler(globals.Store, globals.Registry, ingest.HandlerConfig{
		DeviceID:      settings.PushDeviceID,
		DefaultSensor: settings.PushDefaultSensor,
		Logger:        logger.With("component", "ingest"),
	})
	server := ingest.NewServer(
		settings.IngestAddress,
		handler.Routes(),
		settings.AdvertiseIngest || serveAdvertise,
		logger.With("component", "ingest"),
	)
	group.Go(func() error {
		return server.Run(ctx)
	})

	if settings.Radio.Enabled && !serveNoRadio {
		listener := radio.NewListener(
			radio.NewBluetoothAdapter(logger.With("component", "radio")),
			globals.Store,
			radioConfig(settings),
		)
		// Losing the radio leaves the push device and the gateway working, so
		// its failure is logged instead of stopping the group.
		group.Go(func() error {
			err := listener.Run(ctx)
			switch {
			case err == nil:
			case radio.IsDiscoveryFailure(err):
				logger.Error("Sensor not found, continuing without the radio listener", "error", err)
			default:
				logger.Error("Radio listener stopped", "error", err)
			}
			return nil
		})
	}

	if settings.DBusService || serveDBus {
		startDBusService(ctx, group, settings)
	}

	logger.Info("Serving", "ingest", settings.IngestAddress, "radio", settings.Radio.Enabled && !serveNoRadio)

	if err := group.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		exitWithError("%v", err)
	}

	logger.Info("Stopped")
}

func radioConfig(settings *config.Settings) radio.Config {
	return radio.Config{
		PeripheralName:  settings.Radio.PeripheralName,
		DeviceID:        settings.Radio.DeviceID,
		TemperatureUUID: settings.Radio.TemperatureUUID,
		HumidityUUID:    settings.Radio.HumidityUUID,
		ScanTimeout:     settings.Radio.ScanTimeout.Std(),
		IdleTimeout:     settings.Radio.IdleTimeout.Std(),
		MaxBackoff:      settings.Radio.MaxBackoff.Std(),
		GiveUpAfter:     settings.Radio.GiveUpAfter.Std(),
		Logger:          globals.Logger.With("component", "radio"),
	}
}

func newHealthChecker(settings *config.Settings) *health.Checker {
	return health.NewChecker(globals.Store, settings.MonitoredDevices,
		health.WithThreshold(settings.LivenessThreshold.Std()),
		health.WithAddresses(globals.Registry),
		health.WithLogger(globals.Logger.With("component", "health")),
	)
}

// startDBusService is best effort: a machine without a session bus still
// serves everything else.
func startDBusService(ctx context.Context, group *errgroup.Group, settings *config.Settings) {
	service, err := dbusservice.New(newHealthChecker(settings), globals.Store, globals.Logger.With("component", "dbus"))
	if err != nil {
		globals.Logger.Warn("D-Bus service unavailable", "error", err)
		return
	}

	group.Go(func() error {
		return service.Run(ctx, dbusservice.UPDATE_INTERVAL)
	})
}

func init() {
	rootCmd.AddCommand(serveCmd)

	serveCmd.Flags().BoolVar(&serveNoRadio, "no-radio", false, "Do not start the Bluetooth LE listener")
	serveCmd.Flags().BoolVar(&serveAdvertise, "advertise", false, "Advertise the ingest endpoint over mDNS")
	serveCmd.Flags().BoolVar(&serveDBus, "dbus", false, "Publish status on the D-Bus session bus")
}
