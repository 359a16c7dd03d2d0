// Package actuator delivers best-effort commands to devices at their
// last-known address.
package actuator

import (
	"context"
	"log/slog"
)

type Status string

const (
	StatusSent           Status = "sent"
	StatusAddressUnknown Status = "address_unknown"
	StatusSendFailed     Status = "send_failed"
)

// Outcome describes what happened to a command. Dispatch never fails with a
// Go error; an undelivered command is reported here instead.
type Outcome struct {
	Device  string `json:"device_id"`
	Address string `json:"address,omitempty"`
	Value   bool   `json:"value"`
	Status  Status `json:"status"`
	Detail  string `json:"detail,omitempty"`
}

func (o Outcome) Delivered() bool {
	return o.Status == StatusSent
}

type AddressBook interface {
	Lookup(device string) (string, bool)
}

type Sender interface {
	SetActuator(ctx context.Context, address string, on bool) error
}

type Dispatcher struct {
	addresses AddressBook
	sender    Sender
	logger    *slog.Logger
}

func NewDispatcher(addresses AddressBook, sender Sender, logger *slog.Logger) *Dispatcher {
	if logger == nil {
		logger = slog.Default()
	}

	return &Dispatcher{
		addresses: addresses,
		sender:    sender,
		logger:    logger,
	}
}

// SetActuator sends one command to device. It is never retried.
func (d *Dispatcher) SetActuator(ctx context.Context, device string, on bool) Outcome {
	outcome := Outcome{Device: device, Value: on}

	address, ok := d.addresses.Lookup(device)
	if !ok {
		d.logger.Warn("Device address unknown, command not sent", "device", device, "value", on)
		outcome.Status = StatusAddressUnknown
		outcome.Detail = "address unknown"
		return outcome
	}
	outcome.Address = address

	if err := d.sender.SetActuator(ctx, address, on); err != nil {
		d.logger.Error("Actuator command failed", "device", device, "address", address, "error", err)
		outcome.Status = StatusSendFailed
		outcome.Detail = err.Error()
		return outcome
	}

	d.logger.Info("Actuator command sent", "device", device, "address", address, "value", on)
	outcome.Status = StatusSent
	return outcome
}
