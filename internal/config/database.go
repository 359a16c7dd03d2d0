package config

import (
	"os"
	"path/filepath"
)

const (
	DB_NAME          = "sensor_data.sqlite"
	DEVICE_FILE_NAME = "esp32.conf"
)

// DBPath is shared by the ingestion and gateway processes, so both must resolve
// to the same file.
func DBPath() string {
	if dbPath := os.Getenv("TELEMETRY_GATEWAY_DB_PATH"); dbPath != "" {
		return dbPath
	}

	return filepath.Join(DataDir(), DB_NAME)
}

func DeviceAddressPath() string {
	if devicePath := os.Getenv("TELEMETRY_GATEWAY_DEVICE_FILE"); devicePath != "" {
		return devicePath
	}

	return filepath.Join(DataDir(), DEVICE_FILE_NAME)
}
