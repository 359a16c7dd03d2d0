// Package registry tracks the last-known network address of each push-style
// device. The address of the persisted device survives restarts through a
// one-line file, which is also how a gateway in another process learns it.
package registry

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
)

type Registry struct {
	mu              sync.RWMutex
	addresses       map[string]string
	path            string
	persistedDevice string
	logger          *slog.Logger

	// fileInfo describes the address file as last read or written.
	fileInfo os.FileInfo
}

// New returns a registry whose persistedDevice address is stored at path.
// An empty path keeps everything in memory.
func New(path, persistedDevice string, logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}

	return &Registry{
		addresses:       make(map[string]string),
		path:            path,
		persistedDevice: persistedDevice,
		logger:          logger,
	}
}

// Load reads the address file. A missing file is not an error.
func (r *Registry) Load() error {
	address, info, err := r.readFile()
	if err != nil {
		return err
	}

	r.mu.Lock()
	r.fileInfo = info
	previous := r.addresses[r.persistedDevice]
	if address != "" {
		r.addresses[r.persistedDevice] = address
	}
	r.mu.Unlock()

	if address != "" && address != previous {
		r.logger.Info("Restored device address", "device", r.persistedDevice, "address", address)
	}
	return nil
}

// Lookup returns the address of device. The persisted device's file is
// re-read whenever it changed since it was last seen, since another process
// may have written it.
func (r *Registry) Lookup(device string) (string, bool) {
	if device == r.persistedDevice && r.path != "" && r.fileChanged() {
		if err := r.Load(); err != nil {
			r.logger.Warn("Could not read device address file", "path", r.path, "error", err)
		}
	}

	r.mu.RLock()
	defer r.mu.RUnlock()
	address, ok := r.addresses[device]
	return address, ok
}

// fileChanged reports whether the address file was replaced or modified
// since it was last read or written. A missing file counts as unchanged.
func (r *Registry) fileChanged() bool {
	info, err := os.Stat(r.path)
	if err != nil {
		return false
	}

	r.mu.RLock()
	defer r.mu.RUnlock()

	if r.fileInfo == nil {
		return true
	}
	return !os.SameFile(r.fileInfo, info) || !info.ModTime().Equal(r.fileInfo.ModTime())
}

// Update records address for device. It reports whether the address changed.
// A changed address of the persisted device is written to disk; a write
// failure is returned but the in-memory entry is kept.
func (r *Registry) Update(device, address string) (bool, error) {
	address = strings.TrimSpace(address)
	if device == "" || address == "" {
		return false, errors.New("device and address must be non-empty")
	}

	r.mu.Lock()
	if r.addresses[device] == address {
		r.mu.Unlock()
		return false, nil
	}
	r.addresses[device] = address
	r.mu.Unlock()

	r.logger.Info("Device address changed", "device", device, "address", address)

	if device != r.persistedDevice || r.path == "" {
		return true, nil
	}

	if err := r.writeFile(address); err != nil {
		return true, fmt.Errorf("failed to persist address of %s: %w", device, err)
	}

	return true, nil
}

// Snapshot returns a copy of all known addresses.
func (r *Registry) Snapshot() map[string]string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	snapshot := make(map[string]string, len(r.addresses))
	for device, address := range r.addresses {
		snapshot[device] = address
	}
	return snapshot
}

func (r *Registry) readFile() (string, os.FileInfo, error) {
	if r.path == "" {
		return "", nil, nil
	}

	file, err := os.Open(r.path)
	if errors.Is(err, os.ErrNotExist) {
		return "", nil, nil
	}
	if err != nil {
		return "", nil, err
	}
	defer file.Close()

	info, err := file.Stat()
	if err != nil {
		return "", nil, err
	}

	data, err := io.ReadAll(file)
	if err != nil {
		return "", nil, err
	}

	return strings.TrimSpace(string(data)), info, nil
}

// writeFile replaces the file through a rename so a concurrent reader never
// sees a half-written address.
func (r *Registry) writeFile(address string) error {
	dir := filepath.Dir(r.path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}

	tmp, err := os.CreateTemp(dir, filepath.Base(r.path)+".*")
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.WriteString(address + "\n"); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}

	if err := os.Rename(tmp.Name(), r.path); err != nil {
		return err
	}

	if info, err := os.Stat(r.path); err == nil {
		r.mu.Lock()
		r.fileInfo = info
		r.mu.Unlock()
	}
	return nil
}
