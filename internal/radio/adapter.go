// Package radio subscribes to notifications from a Bluetooth LE sensor
// peripheral and records every decoded value as a reading.
package radio

import (
	"context"
	"errors"
	"strings"
	"time"
)

var (
	ErrPeripheralNotFound = errors.New("peripheral not found")
	ErrConnectionLost     = errors.New("connection lost")
	ErrNoCharacteristics  = errors.New("no subscribed characteristics found")
	ErrGaveUp             = errors.New("gave up reconnecting to peripheral")
	ErrInvalidPayload     = errors.New("invalid notification payload")
)

// Notification is one value change pushed by the peripheral.
type Notification struct {
	Characteristic string
	Payload        []byte
}

// Adapter is the host side of the radio. The production implementation talks
// to BlueZ; tests use a scripted fake.
type Adapter interface {
	Enable() error
	// Scan looks for a peripheral advertising name and returns its address.
	// It returns ErrPeripheralNotFound when the timeout passes first.
	Scan(ctx context.Context, name string, timeout time.Duration) (string, error)
	Connect(ctx context.Context, address string) (Peripheral, error)
}

// Peripheral is a connected device.
type Peripheral interface {
	// Subscribe enables notifications on every characteristic in uuids that
	// the peripheral exposes. notify may be called from any goroutine.
	Subscribe(uuids []string, notify func(Notification)) error
	// Done is closed when the adapter learns the connection dropped. A nil
	// channel means the adapter never reports drops.
	Done() <-chan struct{}
	Disconnect() error
}

// NormalizeUUID lower-cases a UUID so the textual forms reported by different
// adapters compare equal.
func NormalizeUUID(uuid string) string {
	return strings.ToLower(strings.TrimSpace(uuid))
}
