// Package store is the retained time series of sensor readings. Every method
// runs as one short statement or transaction so that the listeners and a
// gateway in another process can share the SQLite file.
package store

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"gorm.io/gorm"

	"github.com/monorkin/telemetry-gateway/internal/clock"
	"github.com/monorkin/telemetry-gateway/internal/models"
)

const DEFAULT_RETENTION = 5 * time.Minute

// Error wraps a storage failure with the store operation that hit it.
type Error struct {
	Op  string
	Err error
}

func (e *Error) Error() string {
	return fmt.Sprintf("store %s: %v", e.Op, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// IsStoreError reports whether err originated in the store.
func IsStoreError(err error) bool {
	var storeErr *Error
	return errors.As(err, &storeErr)
}

// Recorder is the only way listeners write readings.
type Recorder interface {
	Record(ctx context.Context, reading models.Reading) bool
}

type Store struct {
	db        *gorm.DB
	clock     clock.Clock
	retention time.Duration
	logger    *slog.Logger
}

type Option func(*Store)

func WithClock(c clock.Clock) Option {
	return func(s *Store) {
		s.clock = c
	}
}

func WithRetention(retention time.Duration) Option {
	return func(s *Store) {
		if retention > 0 {
			s.retention = retention
		}
	}
}

func WithLogger(logger *slog.Logger) Option {
	return func(s *Store) {
		s.logger = logger
	}
}

func New(db *gorm.DB, options ...Option) *Store {
	s := &Store{
		db:        db,
		clock:     clock.Real(),
		retention: DEFAULT_RETENTION,
		logger:    slog.Default(),
	}
	for _, option := range options {
		option(s)
	}
	return s
}

func (s *Store) Retention() time.Duration {
	return s.retention
}

// cutoff is the oldest timestamp still inside the retention window.
func (s *Store) cutoff() time.Time {
	return s.clock.Now().Add(-s.retention).UTC()
}

// Append inserts reading and prunes everything older than the retention
// window in the same transaction. A zero timestamp is stamped with now.
func (s *Store) Append(ctx context.Context, reading models.Reading) error {
	if reading.Timestamp.IsZero() {
		reading.Timestamp = s.clock.Now()
	}
	// Timestamps are compared as text by SQLite, so every row uses one zone.
	reading.Timestamp = reading.Timestamp.UTC()
	reading.ID = 0

	cutoff := s.cutoff()

	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(&reading).Error; err != nil {
			return err
		}

		return tx.Where("timestamp < ?", cutoff).Delete(&models.Reading{}).Error
	})
	if err != nil {
		return &Error{Op: "append", Err: err}
	}

	return nil
}

// Record appends reading, logging and dropping it on failure. Ingestion never
// fails because of a transient write error.
func (s *Store) Record(ctx context.Context, reading models.Reading) bool {
	if err := s.Append(ctx, reading); err != nil {
		s.logger.Error("Dropping reading",
			"device", reading.Device,
			"sensor", reading.Sensor,
			"value", reading.Value,
			"error", err,
		)
		return false
	}

	s.logger.Debug("Reading recorded", "device", reading.Device, "sensor", reading.Sensor, "value", reading.Value)
	return true
}

// Query returns the readings of sensor at or after since, oldest first.
func (s *Store) Query(ctx context.Context, sensor string, since time.Time) ([]models.Reading, error) {
	since = since.UTC()
	if cutoff := s.cutoff(); since.Before(cutoff) {
		since = cutoff
	}

	var readings []models.Reading
	err := s.db.WithContext(ctx).
		Where("sensor = ? AND timestamp >= ?", sensor, since).
		Order("timestamp ASC").
		Order("id ASC").
		Find(&readings).Error
	if err != nil {
		return nil, &Error{Op: "query", Err: err}
	}

	return readings, nil
}

// Latest returns the newest retained reading of sensor. The boolean is false
// when the sensor has no retained readings.
func (s *Store) Latest(ctx context.Context, sensor string) (models.Reading, bool, error) {
	var readings []models.Reading
	err := s.db.WithContext(ctx).
		Where("sensor = ? AND timestamp >= ?", sensor, s.cutoff()).
		Order("timestamp DESC").
		Order("id DESC").
		Limit(1).
		Find(&readings).Error
	if err != nil {
		return models.Reading{}, false, &Error{Op: "latest", Err: err}
	}

	if len(readings) == 0 {
		return models.Reading{}, false, nil
	}

	return readings[0], true, nil
}

// ListSensors returns the distinct sensor names with at least one retained
// reading, sorted by name.
func (s *Store) ListSensors(ctx context.Context) ([]string, error) {
	sensors := []string{}
	err := s.db.WithContext(ctx).
		Model(&models.Reading{}).
		Where("timestamp >= ?", s.cutoff()).
		Distinct("sensor").
		Order("sensor ASC").
		Pluck("sensor", &sensors).Error
	if err != nil {
		return nil, &Error{Op: "list sensors", Err: err}
	}

	return sensors, nil
}

// LastSeen returns the timestamp of the newest retained reading from device.
func (s *Store) LastSeen(ctx context.Context, device string) (time.Time, bool, error) {
	var readings []models.Reading
	err := s.db.WithContext(ctx).
		Select("timestamp").
		Where("device = ? AND timestamp >= ?", device, s.cutoff()).
		Order("timestamp DESC").
		Limit(1).
		Find(&readings).Error
	if err != nil {
		return time.Time{}, false, &Error{Op: "last seen", Err: err}
	}

	if len(readings) == 0 {
		return time.Time{}, false, nil
	}

	return readings[0].Timestamp, true, nil
}

// Ping checks the store is reachable and the schema is readable.
func (s *Store) Ping(ctx context.Context) error {
	var count int64
	if err := s.db.WithContext(ctx).Model(&models.Reading{}).Count(&count).Error; err != nil {
		return &Error{Op: "ping", Err: err}
	}

	return nil
}
