package radio

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/godbus/dbus/v5"
	"tinygo.org/x/bluetooth"
)

const (
	BLUEZ_DEVICE_INTERFACE = "org.bluez.Device1"
	BLUEZ_NAMESPACE        = "/org/bluez"
	PROPERTIES_CHANGED     = "org.freedesktop.DBus.Properties.PropertiesChanged"
)

// BluetoothAdapter drives the host controller through tinygo's bluetooth
// package, which uses BlueZ over D-Bus on Linux.
type BluetoothAdapter struct {
	adapter *bluetooth.Adapter
	logger  *slog.Logger

	mu        sync.Mutex
	seen      map[string]bluetooth.Address
	connected map[string]*bluetoothPeripheral
}

func NewBluetoothAdapter(logger *slog.Logger) *BluetoothAdapter {
	if logger == nil {
		logger = slog.Default()
	}

	a := &BluetoothAdapter{
		adapter:   bluetooth.DefaultAdapter,
		logger:    logger,
		seen:      make(map[string]bluetooth.Address),
		connected: make(map[string]*bluetoothPeripheral),
	}
	// The BlueZ backend never calls this; watchLinkLoss covers Linux.
	a.adapter.SetConnectHandler(func(device bluetooth.Device, connected bool) {
		a.connectionChanged(device.Address.String(), connected)
	})
	return a
}

// connectionChanged ends the session of the peripheral at address when the
// link goes down.
func (a *BluetoothAdapter) connectionChanged(address string, connected bool) {
	if connected {
		return
	}

	a.mu.Lock()
	peripheral, ok := a.connected[address]
	delete(a.connected, address)
	a.mu.Unlock()

	if ok {
		peripheral.lost()
	}
}

// watchLinkLoss follows BlueZ's Connected property of the device at address
// and reports a drop through connectionChanged. It returns a stop function.
func (a *BluetoothAdapter) watchLinkLoss(address string) (func(), error) {
	conn, err := dbus.SystemBus()
	if err != nil {
		return nil, fmt.Errorf("failed to connect to system bus: %w", err)
	}

	options := []dbus.MatchOption{
		dbus.WithMatchInterface("org.freedesktop.DBus.Properties"),
		dbus.WithMatchMember("PropertiesChanged"),
		dbus.WithMatchPathNamespace(dbus.ObjectPath(BLUEZ_NAMESPACE)),
	}
	if err := conn.AddMatchSignal(options...); err != nil {
		return nil, fmt.Errorf("failed to watch %s: %w", address, err)
	}

	signals := make(chan *dbus.Signal, 16)
	conn.Signal(signals)

	stop := make(chan struct{})
	go func() {
		for {
			select {
			case <-stop:
				return
			case signal := <-signals:
				if linkDropped(signal, address) {
					a.connectionChanged(address, false)
				}
			}
		}
	}()

	var once sync.Once
	return func() {
		once.Do(func() {
			conn.RemoveSignal(signals)
			conn.RemoveMatchSignal(options...)
			close(stop)
		})
	}, nil
}

// linkDropped reports whether signal is BlueZ marking the device at address
// as disconnected.
func linkDropped(signal *dbus.Signal, address string) bool {
	if signal == nil || signal.Name != PROPERTIES_CHANGED || len(signal.Body) < 2 {
		return false
	}
	if !strings.HasSuffix(string(signal.Path), "/dev_"+strings.ReplaceAll(strings.ToUpper(address), ":", "_")) {
		return false
	}
	if iface, ok := signal.Body[0].(string); !ok || iface != BLUEZ_DEVICE_INTERFACE {
		return false
	}

	changes, ok := signal.Body[1].(map[string]dbus.Variant)
	if !ok {
		return false
	}
	variant, ok := changes["Connected"]
	if !ok {
		return false
	}
	connected, ok := variant.Value().(bool)
	return ok && !connected
}

func (a *BluetoothAdapter) Enable() error {
	if err := a.adapter.Enable(); err != nil {
		return fmt.Errorf("failed to enable bluetooth adapter: %w", err)
	}
	return nil
}

func (a *BluetoothAdapter) Scan(ctx context.Context, name string, timeout time.Duration) (string, error) {
	found := make(chan bluetooth.ScanResult, 1)
	scanDone := make(chan error, 1)

	go func() {
		scanDone <- a.adapter.Scan(func(adapter *bluetooth.Adapter, result bluetooth.ScanResult) {
			if result.LocalName() != name {
				return
			}
			select {
			case found <- result:
				adapter.StopScan()
			default:
			}
		})
	}()

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	var result bluetooth.ScanResult
	select {
	case result = <-found:
		<-scanDone
	case err := <-scanDone:
		select {
		case result = <-found:
		default:
			if err != nil {
				return "", fmt.Errorf("scan failed: %w", err)
			}
			return "", ErrPeripheralNotFound
		}
	case <-timer.C:
		a.adapter.StopScan()
		<-scanDone
		return "", fmt.Errorf("%w: no %q within %s", ErrPeripheralNotFound, name, timeout)
	case <-ctx.Done():
		a.adapter.StopScan()
		<-scanDone
		return "", ctx.Err()
	}

	address := result.Address.String()
	a.mu.Lock()
	a.seen[address] = result.Address
	a.mu.Unlock()

	a.logger.Debug("Found peripheral", "name", name, "address", address, "rssi", result.RSSI)
	return address, nil
}

func (a *BluetoothAdapter) Connect(ctx context.Context, address string) (Peripheral, error) {
	a.mu.Lock()
	target, ok := a.seen[address]
	a.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s was not seen in a scan", ErrPeripheralNotFound, address)
	}

	if err := ctx.Err(); err != nil {
		return nil, err
	}

	device, err := a.adapter.Connect(target, bluetooth.ConnectionParams{})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to %s: %w", address, err)
	}

	peripheral := &bluetoothPeripheral{
		address: address,
		done:    make(chan struct{}),
		logger:  a.logger,
	}

	peripheral.subscribe = func(uuids []string, notify func(Notification)) error {
		wanted := make(map[string]bool, len(uuids))
		for _, uuid := range uuids {
			wanted[NormalizeUUID(uuid)] = true
		}

		services, err := device.DiscoverServices(nil)
		if err != nil {
			return fmt.Errorf("failed to discover services: %w", err)
		}

		subscribed := 0
		for _, service := range services {
			characteristics, err := service.DiscoverCharacteristics(nil)
			if err != nil {
				return fmt.Errorf("failed to discover characteristics: %w", err)
			}

			for _, characteristic := range characteristics {
				uuid := NormalizeUUID(characteristic.UUID().String())
				if !wanted[uuid] {
					continue
				}

				err := characteristic.EnableNotifications(func(buf []byte) {
					payload := make([]byte, len(buf))
					copy(payload, buf)
					notify(Notification{Characteristic: uuid, Payload: payload})
				})
				if err != nil {
					return fmt.Errorf("failed to subscribe to %s: %w", uuid, err)
				}
				subscribed++
			}
		}

		if subscribed == 0 {
			return ErrNoCharacteristics
		}
		return nil
	}

	stopWatching, err := a.watchLinkLoss(address)
	if err != nil {
		a.logger.Debug("Link loss falls back to the idle timeout", "address", address, "error", err)
		stopWatching = func() {}
	}

	peripheral.disconnect = func() error {
		stopWatching()
		a.mu.Lock()
		if a.connected[address] == peripheral {
			delete(a.connected, address)
		}
		a.mu.Unlock()
		return device.Disconnect()
	}

	a.mu.Lock()
	a.connected[address] = peripheral
	a.mu.Unlock()

	return peripheral, nil
}

type bluetoothPeripheral struct {
	address    string
	subscribe  func([]string, func(Notification)) error
	disconnect func() error
	logger     *slog.Logger

	doneOnce sync.Once
	done     chan struct{}
	closed   sync.Once
}

func (p *bluetoothPeripheral) Subscribe(uuids []string, notify func(Notification)) error {
	return p.subscribe(uuids, notify)
}

// Done is closed when the link drops or Disconnect is called.
func (p *bluetoothPeripheral) Done() <-chan struct{} {
	return p.done
}

func (p *bluetoothPeripheral) lost() {
	p.doneOnce.Do(func() {
		p.logger.Warn("Peripheral link dropped", "address", p.address)
		close(p.done)
	})
}

func (p *bluetoothPeripheral) Disconnect() error {
	var err error
	p.closed.Do(func() {
		err = p.disconnect()
		p.doneOnce.Do(func() {
			close(p.done)
		})
		p.logger.Debug("Disconnected peripheral", "address", p.address)
	})
	return err
}
