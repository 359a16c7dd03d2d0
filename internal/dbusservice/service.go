// Package dbusservice publishes system status and the latest readings on the
// session bus, so desktop widgets can show them without speaking JSON-RPC.
package dbusservice

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/godbus/dbus/v5"
	"github.com/godbus/dbus/v5/introspect"

	"github.com/monorkin/telemetry-gateway/internal/health"
	"github.com/monorkin/telemetry-gateway/internal/models"
)

const (
	DBUS_NAME       = "io.stanko.TelemetryGateway"
	DBUS_PATH       = "/io/stanko/TelemetryGateway"
	DBUS_INTERFACE  = "io.stanko.TelemetryGateway"
	UPDATE_INTERVAL = 30 * time.Second
)

type StatusChecker interface {
	Check(ctx context.Context) health.Report
}

type LatestReader interface {
	Latest(ctx context.Context, sensor string) (models.Reading, bool, error)
}

// Service is exported on the bus at DBUS_PATH. Its exported methods are the
// D-Bus methods.
type Service struct {
	conn     *dbus.Conn
	status   StatusChecker
	readings LatestReader
	logger   *slog.Logger
}

func newService(status StatusChecker, readings LatestReader, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}

	return &Service{
		status:   status,
		readings: readings,
		logger:   logger,
	}
}

// New connects to the session bus and claims DBUS_NAME.
func New(status StatusChecker, readings LatestReader, logger *slog.Logger) (*Service, error) {
	conn, err := dbus.ConnectSessionBus()
	if err != nil {
		return nil, fmt.Errorf("failed to connect to session bus: %w", err)
	}

	service := newService(status, readings, logger)
	service.conn = conn

	if err := conn.Export(service, dbus.ObjectPath(DBUS_PATH), DBUS_INTERFACE); err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to export service: %w", err)
	}

	introspectable := introspect.NewIntrospectable(introspectionNode())
	if err := conn.Export(introspectable, dbus.ObjectPath(DBUS_PATH), "org.freedesktop.DBus.Introspectable"); err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to export introspection: %w", err)
	}

	reply, err := conn.RequestName(DBUS_NAME, dbus.NameFlagDoNotQueue)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to request bus name: %w", err)
	}
	if reply != dbus.RequestNameReplyPrimaryOwner {
		conn.Close()
		return nil, fmt.Errorf("bus name %s already taken", DBUS_NAME)
	}

	service.logger.Info("D-Bus service registered", "name", DBUS_NAME, "path", DBUS_PATH)
	return service, nil
}

func introspectionNode() *introspect.Node {
	return &introspect.Node{
		Name: DBUS_PATH,
		Interfaces: []introspect.Interface{
			introspect.IntrospectData,
			{
				Name: DBUS_INTERFACE,
				Methods: []introspect.Method{
					{
						Name: "GetStatus",
						Args: []introspect.Arg{
							{Name: "status", Direction: "out", Type: "a{sv}"},
						},
					},
					{
						Name: "GetLatest",
						Args: []introspect.Arg{
							{Name: "sensor", Direction: "in", Type: "s"},
							{Name: "reading", Direction: "out", Type: "a{sv}"},
						},
					},
				},
				Signals: []introspect.Signal{
					{
						Name: "StatusUpdated",
						Args: []introspect.Arg{
							{Name: "status", Type: "a{sv}"},
						},
					},
				},
			},
		},
	}
}

// GetStatus returns the current health report.
func (s *Service) GetStatus() (map[string]dbus.Variant, *dbus.Error) {
	return statusVariants(s.status.Check(context.Background())), nil
}

// GetLatest returns the newest retained reading of sensor. The "found" entry
// is false when there is none.
func (s *Service) GetLatest(sensor string) (map[string]dbus.Variant, *dbus.Error) {
	reading, found, err := s.readings.Latest(context.Background(), sensor)
	if err != nil {
		s.logger.Warn("D-Bus GetLatest failed", "sensor", sensor, "error", err)
		return nil, dbus.MakeFailedError(err)
	}
	return readingVariants(sensor, reading, found), nil
}

// EmitStatusUpdated sends the current health report as a signal.
func (s *Service) EmitStatusUpdated(ctx context.Context) error {
	report := s.status.Check(ctx)
	return s.conn.Emit(dbus.ObjectPath(DBUS_PATH), DBUS_INTERFACE+".StatusUpdated", statusVariants(report))
}

// Run emits StatusUpdated every interval until ctx is cancelled, then closes
// the connection.
func (s *Service) Run(ctx context.Context, interval time.Duration) error {
	if interval <= 0 {
		interval = UPDATE_INTERVAL
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	defer s.Close()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if err := s.EmitStatusUpdated(ctx); err != nil {
				s.logger.Warn("Failed to emit status update", "error", err)
			}
		}
	}
}

func (s *Service) Close() error {
	if s.conn != nil {
		return s.conn.Close()
	}
	return nil
}

func statusVariants(report health.Report) map[string]dbus.Variant {
	variants := map[string]dbus.Variant{
		"timestamp":   dbus.MakeVariant(report.Timestamp.Unix()),
		"database_up": dbus.MakeVariant(report.DatabaseUp),
		"system_up":   dbus.MakeVariant(report.SystemUp),
	}
	if report.Error != "" {
		variants["error"] = dbus.MakeVariant(report.Error)
	}

	for _, device := range report.Devices {
		prefix := "device." + device.Name + "."
		variants[prefix+"up"] = dbus.MakeVariant(device.Up)
		if device.LastSeen != nil {
			variants[prefix+"last_seen"] = dbus.MakeVariant(device.LastSeen.Unix())
		}
		if device.Address != "" {
			variants[prefix+"address"] = dbus.MakeVariant(device.Address)
		}
	}

	return variants
}

func readingVariants(sensor string, reading models.Reading, found bool) map[string]dbus.Variant {
	variants := map[string]dbus.Variant{
		"sensor": dbus.MakeVariant(sensor),
		"found":  dbus.MakeVariant(found),
	}
	if !found {
		return variants
	}

	variants["device"] = dbus.MakeVariant(reading.Device)
	variants["value"] = dbus.MakeVariant(reading.Value)
	variants["timestamp"] = dbus.MakeVariant(reading.Timestamp.Unix())
	return variants
}
