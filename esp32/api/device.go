package api

import (
	"strconv"
	"strings"
)

const (
	ESP32_HOSTNAME_PREFIX = "esp32"
)

type Device struct {
	IP       string
	Hostname string
	Port     int
}

// Address is the host:port the device's HTTP server listens on.
func (device *Device) Address() string {
	if device.Port == 0 || device.Port == 80 {
		return device.IP
	}

	return device.IP + ":" + strconv.Itoa(device.Port)
}

func IsESP32Hostname(hostname string) bool {
	if len(hostname) < len(ESP32_HOSTNAME_PREFIX) {
		return false
	}

	return strings.EqualFold(hostname[:len(ESP32_HOSTNAME_PREFIX)], ESP32_HOSTNAME_PREFIX)
}
