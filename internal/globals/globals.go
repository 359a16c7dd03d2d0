package globals

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sync"

	"gorm.io/gorm"

	"github.com/monorkin/telemetry-gateway/internal/config"
	"github.com/monorkin/telemetry-gateway/internal/database"
	"github.com/monorkin/telemetry-gateway/internal/registry"
	"github.com/monorkin/telemetry-gateway/internal/store"
)

var (
	// Global instances
	Settings *config.Settings
	Logger   *slog.Logger
	DB       *gorm.DB
	Store    *store.Store
	Registry *registry.Registry

	// Ensure initialization happens only once
	initOnce sync.Once
	initErr  error
)

type Options struct {
	Verbose      bool
	SettingsPath string
	DBPath       string
	// LogOutput defaults to stdout. The stdio gateway logs to stderr so the
	// protocol stream stays clean.
	LogOutput io.Writer
}

// Initialize sets up global instances exactly once
func Initialize(options Options) error {
	initOnce.Do(func() {
		initErr = initialize(options)
	})
	return initErr
}

func initialize(options Options) error {
	setupLogger(options.Verbose, options.LogOutput)

	Logger.Debug("Initializing global instances")

	settingsPath := options.SettingsPath
	if settingsPath == "" {
		settingsPath = config.DefaultSettingsPath()
	}

	newSettings, settingsLoaded := config.LoadOrInitializeSettings(settingsPath)
	Settings = settingsLoaded
	if newSettings {
		Logger.Debug("Created new settings file", "path", settingsPath)
		if err := Settings.SaveTo(settingsPath); err != nil {
			Logger.Error("Failed to save new settings", "error", err)
		}
	} else {
		Logger.Debug("Loaded existing settings", "path", settingsPath)
	}

	dbPath := options.DBPath
	if dbPath == "" {
		dbPath = config.DBPath()
	}

	db, err := database.Open(dbPath, options.Verbose)
	if err != nil {
		return fmt.Errorf("failed to open database %s: %w", dbPath, err)
	}
	DB = db
	Logger.Debug("Database initialized", "path", dbPath)

	Store = store.New(DB,
		store.WithRetention(Settings.Retention.Std()),
		store.WithLogger(Logger),
	)

	Registry = registry.New(config.DeviceAddressPath(), Settings.PushDeviceID, Logger)
	if err := Registry.Load(); err != nil {
		Logger.Warn("Failed to load device address", "error", err)
	}

	Logger.Info("Global initialization completed", "verbose", options.Verbose)
	return nil
}

// Shutdown closes the database. It is safe to call when Initialize failed.
func Shutdown() error {
	if DB == nil {
		return nil
	}
	return database.Close(DB)
}

// setupLogger configures the global logger
func setupLogger(verbose bool, output io.Writer) {
	level := slog.LevelInfo
	if verbose {
		level = slog.LevelDebug
	}
	if output == nil {
		output = os.Stdout
	}

	Logger = slog.New(slog.NewTextHandler(output, &slog.HandlerOptions{
		Level: level,
	}))

	// Set as default logger
	slog.SetDefault(Logger)
}

// MustBeInitialized panics if globals haven't been initialized
func MustBeInitialized() {
	if Settings == nil || Logger == nil || Store == nil {
		panic(errors.New("globals not initialized - call globals.Initialize() first"))
	}
}
