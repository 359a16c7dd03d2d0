package radio

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/cenkalti/backoff"

	"github.com/monorkin/telemetry-gateway/internal/clock"
	"github.com/monorkin/telemetry-gateway/internal/models"
	"github.com/monorkin/telemetry-gateway/internal/store"
)

const (
	NOTIFICATION_BUFFER  = 64
	INITIAL_BACKOFF      = 500 * time.Millisecond
	DEFAULT_SCAN_TIMEOUT = 10 * time.Second
	DEFAULT_IDLE_TIMEOUT = 60 * time.Second
)

type State int

const (
	StateDisconnected State = iota
	StateScanning
	StateConnected
	StateReconnecting
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateScanning:
		return "scanning"
	case StateConnected:
		return "connected"
	case StateReconnecting:
		return "reconnecting"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

type Config struct {
	PeripheralName  string
	DeviceID        string
	TemperatureUUID string
	HumidityUUID    string
	ScanTimeout     time.Duration
	IdleTimeout     time.Duration
	MaxBackoff      time.Duration
	// GiveUpAfter of zero retries forever.
	GiveUpAfter time.Duration
	Clock       clock.Clock
	Logger      *slog.Logger
}

type Listener struct {
	adapter  Adapter
	recorder store.Recorder
	config   Config
	sensors  map[string]string
	clock    clock.Clock
	logger   *slog.Logger

	mu        sync.RWMutex
	state     State
	listeners []func(State)
}

func NewListener(adapter Adapter, recorder store.Recorder, config Config) *Listener {
	if config.Clock == nil {
		config.Clock = clock.Real()
	}
	if config.Logger == nil {
		config.Logger = slog.Default()
	}
	if config.ScanTimeout <= 0 {
		config.ScanTimeout = DEFAULT_SCAN_TIMEOUT
	}
	if config.IdleTimeout <= 0 {
		config.IdleTimeout = DEFAULT_IDLE_TIMEOUT
	}

	return &Listener{
		adapter:  adapter,
		recorder: recorder,
		config:   config,
		sensors: map[string]string{
			NormalizeUUID(config.TemperatureUUID): models.SensorTemperature,
			NormalizeUUID(config.HumidityUUID):    models.SensorHumidity,
		},
		clock:  config.Clock,
		logger: config.Logger.With("peripheral", config.PeripheralName),
		state:  StateDisconnected,
	}
}

func (l *Listener) State() State {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.state
}

// OnStateChange registers fn to be called after every transition.
func (l *Listener) OnStateChange(fn func(State)) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.listeners = append(l.listeners, fn)
}

func (l *Listener) setState(state State) {
	l.mu.Lock()
	previous := l.state
	l.state = state
	listeners := append([]func(State){}, l.listeners...)
	l.mu.Unlock()

	if previous == state {
		return
	}

	l.logger.Debug("Radio state changed", "from", previous.String(), "to", state.String())
	for _, fn := range listeners {
		fn(state)
	}
}

func (l *Listener) newBackOff() *backoff.ExponentialBackOff {
	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = INITIAL_BACKOFF
	if l.config.MaxBackoff > 0 {
		policy.MaxInterval = l.config.MaxBackoff
		if policy.InitialInterval > policy.MaxInterval {
			policy.InitialInterval = policy.MaxInterval
		}
	}
	policy.MaxElapsedTime = l.config.GiveUpAfter
	policy.Clock = l.clock
	policy.Reset()
	return policy
}

// Run scans, connects and records notifications until ctx is cancelled. A
// lost connection sends the listener back to scanning after a backoff. Run
// returns ErrGaveUp once GiveUpAfter passes without a successful connection.
func (l *Listener) Run(ctx context.Context) error {
	defer l.setState(StateDisconnected)

	if err := l.adapter.Enable(); err != nil {
		return err
	}

	policy := l.newBackOff()

	for {
		l.setState(StateScanning)

		connected, err := l.session(ctx)
		if ctx.Err() != nil {
			return nil
		}
		if connected {
			policy.Reset()
		}

		l.setState(StateReconnecting)

		wait := policy.NextBackOff()
		if wait == backoff.Stop {
			l.logger.Error("Giving up on peripheral", "after", l.config.GiveUpAfter, "error", err)
			return fmt.Errorf("%w: %v", ErrGaveUp, err)
		}

		l.logger.Warn("Peripheral unavailable, retrying", "in", wait, "error", err)

		select {
		case <-ctx.Done():
			return nil
		case <-l.clock.After(wait):
		}
	}
}

// session runs one scan, connect and subscribe cycle and then records
// notifications until the connection is lost. It reports whether a
// connection was established.
func (l *Listener) session(ctx context.Context) (bool, error) {
	address, err := l.adapter.Scan(ctx, l.config.PeripheralName, l.config.ScanTimeout)
	if err != nil {
		return false, err
	}

	peripheral, err := l.adapter.Connect(ctx, address)
	if err != nil {
		return false, err
	}
	defer func() {
		if err := peripheral.Disconnect(); err != nil {
			l.logger.Debug("Disconnect failed", "address", address, "error", err)
		}
	}()

	notifications := make(chan Notification, NOTIFICATION_BUFFER)
	uuids := make([]string, 0, len(l.sensors))
	for uuid := range l.sensors {
		uuids = append(uuids, uuid)
	}

	err = peripheral.Subscribe(uuids, func(notification Notification) {
		select {
		case notifications <- notification:
		default:
			l.logger.Warn("Notification queue full, dropping", "characteristic", notification.Characteristic)
		}
	})
	if err != nil {
		return false, err
	}

	l.setState(StateConnected)
	l.logger.Info("Connected to peripheral", "address", address)

	for {
		select {
		case <-ctx.Done():
			return true, ctx.Err()
		case <-peripheral.Done():
			return true, ErrConnectionLost
		case <-l.clock.After(l.config.IdleTimeout):
			return true, fmt.Errorf("%w: no notification for %s", ErrConnectionLost, l.config.IdleTimeout)
		case notification := <-notifications:
			l.handle(ctx, notification)
		}
	}
}

func (l *Listener) handle(ctx context.Context, notification Notification) {
	sensor, ok := l.sensors[NormalizeUUID(notification.Characteristic)]
	if !ok {
		l.logger.Debug("Ignoring notification", "characteristic", notification.Characteristic)
		return
	}

	value, err := Decode(notification.Payload)
	if err != nil {
		l.logger.Warn("Skipping undecodable notification", "sensor", sensor, "payload", fmt.Sprintf("% x", notification.Payload), "error", err)
		return
	}

	l.recorder.Record(ctx, models.Reading{
		Device:    l.config.DeviceID,
		Sensor:    sensor,
		Value:     value,
		Timestamp: l.clock.Now(),
	})
}

// IsDiscoveryFailure reports whether err means the peripheral could not be
// found or kept.
func IsDiscoveryFailure(err error) bool {
	return errors.Is(err, ErrPeripheralNotFound) ||
		errors.Is(err, ErrConnectionLost) ||
		errors.Is(err, ErrNoCharacteristics) ||
		errors.Is(err, ErrGaveUp)
}
