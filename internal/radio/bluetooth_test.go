package radio

import (
	"log/slog"
	"testing"

	"github.com/godbus/dbus/v5"
	"tinygo.org/x/bluetooth"
)

const testAddress = "C2:8A:11:40:9F:03"

func propertiesChanged(path string, iface string, changes map[string]dbus.Variant) *dbus.Signal {
	return &dbus.Signal{
		Path: dbus.ObjectPath(path),
		Name: PROPERTIES_CHANGED,
		Body: []interface{}{iface, changes, []string{}},
	}
}

func TestLinkDropped(t *testing.T) {
	devicePath := "/org/bluez/hci0/dev_C2_8A_11_40_9F_03"
	disconnected := map[string]dbus.Variant{"Connected": dbus.MakeVariant(false)}

	tests := []struct {
		name     string
		signal   *dbus.Signal
		expected bool
	}{
		{"disconnected", propertiesChanged(devicePath, BLUEZ_DEVICE_INTERFACE, disconnected), true},
		{"second adapter", propertiesChanged("/org/bluez/hci1/dev_C2_8A_11_40_9F_03", BLUEZ_DEVICE_INTERFACE, disconnected), true},
		{"connected", propertiesChanged(devicePath, BLUEZ_DEVICE_INTERFACE, map[string]dbus.Variant{"Connected": dbus.MakeVariant(true)}), false},
		{"rssi only", propertiesChanged(devicePath, BLUEZ_DEVICE_INTERFACE, map[string]dbus.Variant{"RSSI": dbus.MakeVariant(int16(-60))}), false},
		{"other device", propertiesChanged("/org/bluez/hci0/dev_00_11_22_33_44_55", BLUEZ_DEVICE_INTERFACE, disconnected), false},
		{"characteristic", propertiesChanged(devicePath+"/service000a/char000b", "org.bluez.GattCharacteristic1", disconnected), false},
		{"other signal", &dbus.Signal{Path: dbus.ObjectPath(devicePath), Name: "org.freedesktop.DBus.ObjectManager.InterfacesRemoved"}, false},
		{"nil", nil, false},
	}

	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			if got := linkDropped(test.signal, testAddress); got != test.expected {
				t.Errorf("Expected %v, got %v", test.expected, got)
			}
		})
	}
}

func TestLinkDropped_LowercaseAddress(t *testing.T) {
	signal := propertiesChanged("/org/bluez/hci0/dev_C2_8A_11_40_9F_03", BLUEZ_DEVICE_INTERFACE,
		map[string]dbus.Variant{"Connected": dbus.MakeVariant(false)})

	if !linkDropped(signal, "c2:8a:11:40:9f:03") {
		t.Error("Expected address matching to ignore case")
	}
}

func newTestBluetoothAdapter() *BluetoothAdapter {
	return &BluetoothAdapter{
		logger:    slog.Default(),
		seen:      make(map[string]bluetooth.Address),
		connected: make(map[string]*bluetoothPeripheral),
	}
}

func TestConnectionChanged_ClosesDone(t *testing.T) {
	a := newTestBluetoothAdapter()

	disconnects := 0
	peripheral := &bluetoothPeripheral{
		address:    testAddress,
		done:       make(chan struct{}),
		logger:     slog.Default(),
		disconnect: func() error { disconnects++; return nil },
	}
	a.connected[testAddress] = peripheral

	a.connectionChanged(testAddress, true)
	select {
	case <-peripheral.Done():
		t.Fatal("Expected a connect event to keep the session open")
	default:
	}

	a.connectionChanged(testAddress, false)
	select {
	case <-peripheral.Done():
	default:
		t.Fatal("Expected a link drop to close Done")
	}

	// A second drop event and the listener's own Disconnect must not panic.
	a.connectionChanged(testAddress, false)
	if err := peripheral.Disconnect(); err != nil {
		t.Fatal(err)
	}
	if err := peripheral.Disconnect(); err != nil {
		t.Fatal(err)
	}
	if disconnects != 1 {
		t.Errorf("Expected one disconnect call, got %d", disconnects)
	}
}

func TestConnectionChanged_UnknownAddress(t *testing.T) {
	a := newTestBluetoothAdapter()
	peripheral := &bluetoothPeripheral{
		address: testAddress,
		done:    make(chan struct{}),
		logger:  slog.Default(),
	}
	a.connected[testAddress] = peripheral

	a.connectionChanged("00:11:22:33:44:55", false)

	select {
	case <-peripheral.Done():
		t.Error("Expected another device's drop to leave this session open")
	default:
	}
}
