package cli

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/monorkin/telemetry-gateway/esp32/api"
	"github.com/monorkin/telemetry-gateway/internal/actuator"
	"github.com/monorkin/telemetry-gateway/internal/config"
	"github.com/monorkin/telemetry-gateway/internal/gateway"
	"github.com/monorkin/telemetry-gateway/internal/globals"
)

var (
	gatewayStdio bool
	gatewayDBus  bool
)

// gatewayCmd represents the gateway command
var gatewayCmd = &cobra.Command{
	Use:     "gateway",
	Aliases: []string{"mcp"},
	Short:   "Expose readings and actuators as JSON-RPC tools",
	Long: `Start the agent-facing tool gateway. By default it serves JSON-RPC over
HTTP (HTTP/1.1 and cleartext HTTP/2) at the configured address and path.
With --stdio it reads one request per line from stdin and writes responses
to stdout, logging to stderr.`,
	Args: cobra.NoArgs,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		if gatewayStdio {
			initializeApp(os.Stderr)
			return
		}
		initializeApp(os.Stdout)
	},
	Run: runGateway,
}

func newGatewayServer(settings *config.Settings) *gateway.Server {
	client := api.NewClientWithTimeout(settings.CommandTimeout.Std(), globals.Logger.With("component", "esp32"))
	dispatcher := actuator.NewDispatcher(globals.Registry, client, globals.Logger.With("component", "actuator"))

	return gateway.NewServer(globals.Store, dispatcher, newHealthChecker(settings), gateway.Config{
		ActuatorDevice: settings.PushDeviceID,
		ActuatorName:   settings.ActuatorName,
		Logger:         globals.Logger.With("component", "gateway"),
	})
}

func runGateway(cmd *cobra.Command, args []string) {
	globals.MustBeInitialized()
	settings := globals.Settings
	logger := globals.Logger

	signalCtx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	server := newGatewayServer(settings)
	group, ctx := errgroup.WithContext(signalCtx)

	if gatewayStdio {
		logger.Info("Serving tools over stdio", "tools", server.ToolNames())
		group.Go(func() error {
			// The client closing stdin ends the session.
			defer stop()
			return server.Run(ctx, os.Stdin, os.Stdout)
		})
	} else {
		httpServer := gateway.NewHTTPServer(settings.GatewayAddress, server.Routes(settings.GatewayPath), logger.With("component", "gateway"))
		logger.Info("Serving tools over HTTP", "address", settings.GatewayAddress, "path", settings.GatewayPath, "tools", server.ToolNames())
		group.Go(func() error {
			return httpServer.Run(ctx)
		})
	}

	if settings.DBusService || gatewayDBus {
		startDBusService(ctx, group, settings)
	}

	if err := group.Wait(); err != nil && signalCtx.Err() == nil {
		exitWithError("%v", err)
	}
}

func init() {
	rootCmd.AddCommand(gatewayCmd)

	gatewayCmd.Flags().BoolVar(&gatewayStdio, "stdio", false, "Serve newline-delimited JSON-RPC on stdin/stdout")
	gatewayCmd.Flags().BoolVar(&gatewayDBus, "dbus", false, "Publish status on the D-Bus session bus")
}
