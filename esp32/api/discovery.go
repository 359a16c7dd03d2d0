package api

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/grandcat/zeroconf"
)

const (
	DISCOVERY_TIMEOUT = 5 * time.Second
	SERVICE_TYPE      = "_http._tcp"
	SERVICE_DOMAIN    = "local."
)

// DiscoverDevices browses mDNS for HTTP services whose host name looks like an
// ESP32 and returns them once the timeout passes or ctx is done.
func (client *Client) DiscoverDevices(ctx context.Context, timeout time.Duration) ([]*Device, error) {
	if timeout <= 0 {
		timeout = DISCOVERY_TIMEOUT
	}

	resolver, err := zeroconf.NewResolver(nil)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize resolver: %w", err)
	}

	browseCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	entries := make(chan *zeroconf.ServiceEntry)
	if err := resolver.Browse(browseCtx, SERVICE_TYPE, SERVICE_DOMAIN, entries); err != nil {
		return nil, fmt.Errorf("failed to browse for devices: %w", err)
	}

	var devices []*Device
	seen := make(map[string]bool)

loop:
	for {
		select {
		case entry, ok := <-entries:
			if !ok {
				break loop
			}

			device := deviceFromEntry(entry)
			if device == nil || seen[device.Address()] {
				continue
			}
			seen[device.Address()] = true

			client.log(slog.LevelDebug, "Device discovered", "ip", device.IP, "hostname", device.Hostname)
			devices = append(devices, device)
		case <-browseCtx.Done():
			break loop
		}
	}

	return devices, nil
}

func deviceFromEntry(entry *zeroconf.ServiceEntry) *Device {
	if entry == nil || !IsESP32Hostname(entry.HostName) || len(entry.AddrIPv4) == 0 {
		return nil
	}

	return &Device{
		IP:       entry.AddrIPv4[0].String(),
		Hostname: entry.HostName,
		Port:     entry.Port,
	}
}
