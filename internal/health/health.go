// Package health aggregates store reachability and per-device liveness into
// one status report.
package health

import (
	"context"
	"log/slog"
	"time"

	"github.com/monorkin/telemetry-gateway/internal/clock"
	"github.com/monorkin/telemetry-gateway/internal/models"
)

const DEFAULT_LIVENESS_THRESHOLD = 10 * time.Second

type Source interface {
	Ping(ctx context.Context) error
	LastSeen(ctx context.Context, device string) (time.Time, bool, error)
}

// AddressBook is optional. When set, reported devices carry their last-known
// network address.
type AddressBook interface {
	Lookup(device string) (string, bool)
}

type Report struct {
	Timestamp  time.Time       `json:"timestamp"`
	DatabaseUp bool            `json:"database_up"`
	Devices    []models.Device `json:"devices"`
	SystemUp   bool            `json:"system_up"`
	Error      string          `json:"error,omitempty"`
}

// Device returns the entry for name, if it was checked.
func (r Report) Device(name string) (models.Device, bool) {
	for _, device := range r.Devices {
		if device.Name == name {
			return device, true
		}
	}
	return models.Device{}, false
}

type Checker struct {
	source    Source
	devices   []string
	threshold time.Duration
	addresses AddressBook
	clock     clock.Clock
	logger    *slog.Logger
}

type Option func(*Checker)

func WithThreshold(threshold time.Duration) Option {
	return func(c *Checker) {
		if threshold > 0 {
			c.threshold = threshold
		}
	}
}

func WithClock(clk clock.Clock) Option {
	return func(c *Checker) {
		c.clock = clk
	}
}

func WithAddresses(addresses AddressBook) Option {
	return func(c *Checker) {
		c.addresses = addresses
	}
}

func WithLogger(logger *slog.Logger) Option {
	return func(c *Checker) {
		c.logger = logger
	}
}

// NewChecker monitors the given devices in the given order.
func NewChecker(source Source, devices []string, options ...Option) *Checker {
	c := &Checker{
		source:    source,
		devices:   append([]string{}, devices...),
		threshold: DEFAULT_LIVENESS_THRESHOLD,
		clock:     clock.Real(),
		logger:    slog.Default(),
	}
	for _, option := range options {
		option(c)
	}
	return c
}

// Check never fails. A store error marks the database down, is reported in
// Error and leaves every device down.
func (c *Checker) Check(ctx context.Context) Report {
	now := c.clock.Now()
	report := Report{
		Timestamp: now.UTC(),
		Devices:   make([]models.Device, 0, len(c.devices)),
	}

	for _, name := range c.devices {
		device := models.Device{Name: name}
		if c.addresses != nil {
			device.Address, _ = c.addresses.Lookup(name)
		}
		report.Devices = append(report.Devices, device)
	}

	if err := c.source.Ping(ctx); err != nil {
		c.logger.Warn("Status check could not reach the store", "error", err)
		report.Error = err.Error()
		return report
	}
	report.DatabaseUp = true

	allUp := true
	for i := range report.Devices {
		device := &report.Devices[i]

		lastSeen, ok, err := c.source.LastSeen(ctx, device.Name)
		if err != nil {
			c.logger.Warn("Status check failed for device", "device", device.Name, "error", err)
			report.Error = err.Error()
			allUp = false
			continue
		}
		if !ok {
			allUp = false
			continue
		}

		lastSeen = lastSeen.UTC()
		device.LastSeen = &lastSeen
		device.Up = now.Sub(lastSeen) < c.threshold
		allUp = allUp && device.Up
	}

	report.SystemUp = report.DatabaseUp && allUp
	return report
}
