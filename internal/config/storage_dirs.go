package config

import (
	"os"
	"path/filepath"
)

const (
	APP_DIR_NAME = "telemetry-gateway"
)

// DataDir holds the database and the device address file.
func DataDir() string {
	return appDir("XDG_DATA_HOME", filepath.Join(".local", "share"), true)
}

// ConfigDir holds settings.json.
func ConfigDir() string {
	return appDir("XDG_CONFIG_HOME", ".config", false)
}

// appDir resolves the application directory under the XDG base named by
// xdgVar. Without it the base is homeBase inside the home directory, or a
// dot directory in home when homeBase does not exist. Without a home
// directory, services keep data in the working directory when useWorkDir is
// set and in "." otherwise.
func appDir(xdgVar, homeBase string, useWorkDir bool) string {
	if base := os.Getenv(xdgVar); base != "" {
		return filepath.Join(base, APP_DIR_NAME)
	}

	home, err := os.UserHomeDir()
	if err != nil {
		if useWorkDir {
			if workDir, err := os.Getwd(); err == nil {
				return workDir
			}
		}
		return "."
	}

	if info, err := os.Stat(filepath.Join(home, homeBase)); err == nil && info.IsDir() {
		return filepath.Join(home, homeBase, APP_DIR_NAME)
	}
	return filepath.Join(home, "."+APP_DIR_NAME)
}
