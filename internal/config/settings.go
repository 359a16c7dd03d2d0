package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

const (
	DEFAULT_PUSH_DEVICE_ID     = "ESP32"
	DEFAULT_PUSH_SENSOR        = "ESP_Temp"
	DEFAULT_PERIPHERAL_NAME    = "Thingy_Sensor"
	DEFAULT_RADIO_DEVICE_ID    = "Thingy"
	DEFAULT_TEMPERATURE_UUID   = "00002a6e-0000-1000-8000-00805f9b34fb"
	DEFAULT_HUMIDITY_UUID      = "00002a6f-0000-1000-8000-00805f9b34fb"
	DEFAULT_INGEST_ADDRESS     = ":8000"
	DEFAULT_GATEWAY_ADDRESS    = ":4200"
	DEFAULT_GATEWAY_PATH       = "/mcp"
	DEFAULT_ACTUATOR_NAME      = "LED"
	DEFAULT_RETENTION          = 5 * time.Minute
	DEFAULT_LIVENESS_THRESHOLD = 10 * time.Second
	DEFAULT_COMMAND_TIMEOUT    = 1 * time.Second
	DEFAULT_SCAN_TIMEOUT       = 10 * time.Second
	DEFAULT_IDLE_TIMEOUT       = 60 * time.Second
	DEFAULT_MAX_BACKOFF        = 30 * time.Second
)

// Duration is a time.Duration that reads and writes as "5m", "10s" in the
// settings file.
type Duration time.Duration

func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(time.Duration(d).String())
}

func (d *Duration) UnmarshalJSON(data []byte) error {
	var text string
	if err := json.Unmarshal(data, &text); err == nil {
		parsed, err := time.ParseDuration(text)
		if err != nil {
			return fmt.Errorf("invalid duration %q: %w", text, err)
		}
		*d = Duration(parsed)
		return nil
	}

	var seconds float64
	if err := json.Unmarshal(data, &seconds); err != nil {
		return fmt.Errorf("duration must be a string like \"10s\" or a number of seconds")
	}
	*d = Duration(seconds * float64(time.Second))
	return nil
}

func (d Duration) Std() time.Duration {
	return time.Duration(d)
}

type RadioSettings struct {
	Enabled         bool     `json:"enabled"`
	PeripheralName  string   `json:"peripheral_name"`
	DeviceID        string   `json:"device_id"`
	TemperatureUUID string   `json:"temperature_uuid"`
	HumidityUUID    string   `json:"humidity_uuid"`
	ScanTimeout     Duration `json:"scan_timeout"`
	IdleTimeout     Duration `json:"idle_timeout"`
	MaxBackoff      Duration `json:"max_backoff"`
	// GiveUpAfter of zero keeps reconnecting for as long as the process runs.
	GiveUpAfter Duration `json:"give_up_after"`
}

type Settings struct {
	IngestAddress     string        `json:"ingest_address"`
	GatewayAddress    string        `json:"gateway_address"`
	GatewayPath       string        `json:"gateway_path"`
	PushDeviceID      string        `json:"push_device_id"`
	PushDefaultSensor string        `json:"push_default_sensor"`
	ActuatorName      string        `json:"actuator_name"`
	Retention         Duration      `json:"retention"`
	LivenessThreshold Duration      `json:"liveness_threshold"`
	CommandTimeout    Duration      `json:"command_timeout"`
	MonitoredDevices  []string      `json:"monitored_devices"`
	AdvertiseIngest   bool          `json:"advertise_ingest"`
	DBusService       bool          `json:"dbus_service"`
	Radio             RadioSettings `json:"radio"`
}

func DefaultSettings() *Settings {
	return &Settings{
		IngestAddress:     DEFAULT_INGEST_ADDRESS,
		GatewayAddress:    DEFAULT_GATEWAY_ADDRESS,
		GatewayPath:       DEFAULT_GATEWAY_PATH,
		PushDeviceID:      DEFAULT_PUSH_DEVICE_ID,
		PushDefaultSensor: DEFAULT_PUSH_SENSOR,
		ActuatorName:      DEFAULT_ACTUATOR_NAME,
		Retention:         Duration(DEFAULT_RETENTION),
		LivenessThreshold: Duration(DEFAULT_LIVENESS_THRESHOLD),
		CommandTimeout:    Duration(DEFAULT_COMMAND_TIMEOUT),
		MonitoredDevices:  []string{DEFAULT_RADIO_DEVICE_ID, DEFAULT_PUSH_DEVICE_ID},
		Radio: RadioSettings{
			Enabled:         true,
			PeripheralName:  DEFAULT_PERIPHERAL_NAME,
			DeviceID:        DEFAULT_RADIO_DEVICE_ID,
			TemperatureUUID: DEFAULT_TEMPERATURE_UUID,
			HumidityUUID:    DEFAULT_HUMIDITY_UUID,
			ScanTimeout:     Duration(DEFAULT_SCAN_TIMEOUT),
			IdleTimeout:     Duration(DEFAULT_IDLE_TIMEOUT),
			MaxBackoff:      Duration(DEFAULT_MAX_BACKOFF),
		},
	}
}

func DefaultSettingsPath() string {
	return filepath.Join(ConfigDir(), "settings.json")
}

func LoadOrInitializeSettingsFromDefaultLocation() (bool, *Settings) {
	return LoadOrInitializeSettings(DefaultSettingsPath())
}

func LoadOrInitializeSettings(path string) (bool, *Settings) {
	if settings, err := LoadSettings(path); err == nil {
		return false, settings
	}

	return true, DefaultSettings()
}

func LoadSettings(path string) (*Settings, error) {
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return nil, err
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	settings := DefaultSettings()
	if err := json.Unmarshal(data, settings); err != nil {
		return nil, err
	}
	settings.applyDefaults()

	return settings, nil
}

// applyDefaults fills fields an older or hand-edited settings file left blank.
func (s *Settings) applyDefaults() {
	defaults := DefaultSettings()

	if s.IngestAddress == "" {
		s.IngestAddress = defaults.IngestAddress
	}
	if s.GatewayAddress == "" {
		s.GatewayAddress = defaults.GatewayAddress
	}
	if s.GatewayPath == "" {
		s.GatewayPath = defaults.GatewayPath
	}
	if s.PushDeviceID == "" {
		s.PushDeviceID = defaults.PushDeviceID
	}
	if s.PushDefaultSensor == "" {
		s.PushDefaultSensor = defaults.PushDefaultSensor
	}
	if s.ActuatorName == "" {
		s.ActuatorName = defaults.ActuatorName
	}
	if s.Retention <= 0 {
		s.Retention = defaults.Retention
	}
	if s.LivenessThreshold <= 0 {
		s.LivenessThreshold = defaults.LivenessThreshold
	}
	if s.CommandTimeout <= 0 {
		s.CommandTimeout = defaults.CommandTimeout
	}
	if s.Radio.PeripheralName == "" {
		s.Radio.PeripheralName = defaults.Radio.PeripheralName
	}
	if s.Radio.DeviceID == "" {
		s.Radio.DeviceID = defaults.Radio.DeviceID
	}
	if s.Radio.TemperatureUUID == "" {
		s.Radio.TemperatureUUID = defaults.Radio.TemperatureUUID
	}
	if s.Radio.HumidityUUID == "" {
		s.Radio.HumidityUUID = defaults.Radio.HumidityUUID
	}
	if s.Radio.ScanTimeout <= 0 {
		s.Radio.ScanTimeout = defaults.Radio.ScanTimeout
	}
	if s.Radio.IdleTimeout <= 0 {
		s.Radio.IdleTimeout = defaults.Radio.IdleTimeout
	}
	if s.Radio.MaxBackoff <= 0 {
		s.Radio.MaxBackoff = defaults.Radio.MaxBackoff
	}
}

func (s *Settings) Save() error {
	return s.SaveTo(DefaultSettingsPath())
}

func (s *Settings) SaveTo(path string) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return err
	}

	data, err := json.MarshalIndent(s, "", "  ")
	if err != nil {
		return err
	}

	return os.WriteFile(path, data, 0644)
}
