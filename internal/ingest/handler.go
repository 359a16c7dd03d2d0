// Package ingest accepts readings pushed over HTTP by a network-attached
// device and learns that device's address as a side effect.
package ingest

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math"
	"net"
	"net/http"
	"strconv"
	"strings"

	"github.com/monorkin/telemetry-gateway/internal/clock"
	"github.com/monorkin/telemetry-gateway/internal/models"
	"github.com/monorkin/telemetry-gateway/internal/store"
)

const (
	INGEST_PATH   = "/ingest"
	MAX_BODY_SIZE = 64 << 10
)

// ErrInvalidPayload marks a request the listener rejects with 400.
var ErrInvalidPayload = errors.New("invalid payload")

type AddressRecorder interface {
	Update(device, address string) (bool, error)
}

type Handler struct {
	recorder      store.Recorder
	addresses     AddressRecorder
	deviceID      string
	defaultSensor string
	clock         clock.Clock
	logger        *slog.Logger
}

type HandlerConfig struct {
	DeviceID      string
	DefaultSensor string
	Clock         clock.Clock
	Logger        *slog.Logger
}

func NewHandler(recorder store.Recorder, addresses AddressRecorder, config HandlerConfig) *Handler {
	if config.Clock == nil {
		config.Clock = clock.Real()
	}
	if config.Logger == nil {
		config.Logger = slog.Default()
	}

	return &Handler{
		recorder:      recorder,
		addresses:     addresses,
		deviceID:      config.DeviceID,
		defaultSensor: config.DefaultSensor,
		clock:         config.Clock,
		logger:        config.Logger,
	}
}

// Routes mounts the handler on a mux. Methods other than POST get 405.
func (h *Handler) Routes() *http.ServeMux {
	mux := http.NewServeMux()
	mux.Handle("POST "+INGEST_PATH, h)
	return mux
}

type payload struct {
	SensorID *string          `json:"sensor_id"`
	Value    *json.RawMessage `json:"value"`
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, MAX_BODY_SIZE))
	if err != nil {
		h.reject(w, r, fmt.Errorf("%w: %v", ErrInvalidPayload, err))
		return
	}

	sensor, value, err := h.parse(body)
	if err != nil {
		h.reject(w, r, err)
		return
	}

	h.trackAddress(r.RemoteAddr)

	h.recorder.Record(r.Context(), models.Reading{
		Device:    h.deviceID,
		Sensor:    sensor,
		Value:     value,
		Timestamp: h.clock.Now(),
	})
	h.logger.Info("Reading ingested", "device", h.deviceID, "sensor", sensor, "value", value)

	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	io.WriteString(w, "OK")
}

func (h *Handler) reject(w http.ResponseWriter, r *http.Request, err error) {
	h.logger.Warn("Rejected ingest request", "remote", r.RemoteAddr, "error", err)
	http.Error(w, err.Error(), http.StatusBadRequest)
}

func (h *Handler) parse(body []byte) (string, float64, error) {
	decoder := json.NewDecoder(bytes.NewReader(body))
	decoder.UseNumber()

	var p payload
	if err := decoder.Decode(&p); err != nil {
		return "", 0, fmt.Errorf("%w: body must be a JSON object: %v", ErrInvalidPayload, err)
	}
	if err := decoder.Decode(&struct{}{}); !errors.Is(err, io.EOF) {
		return "", 0, fmt.Errorf("%w: unexpected data after the JSON object", ErrInvalidPayload)
	}

	sensor := h.defaultSensor
	if p.SensorID != nil && strings.TrimSpace(*p.SensorID) != "" {
		sensor = strings.TrimSpace(*p.SensorID)
	}

	if p.Value == nil {
		return "", 0, fmt.Errorf("%w: missing value", ErrInvalidPayload)
	}

	value, err := CoerceValue(*p.Value)
	if err != nil {
		return "", 0, err
	}

	return sensor, value, nil
}

// CoerceValue accepts a JSON number or a numeric string.
func CoerceValue(raw json.RawMessage) (float64, error) {
	var number json.Number
	decoder := json.NewDecoder(bytes.NewReader(raw))
	decoder.UseNumber()

	var decoded any
	if err := decoder.Decode(&decoded); err != nil {
		return 0, fmt.Errorf("%w: value: %v", ErrInvalidPayload, err)
	}

	switch v := decoded.(type) {
	case json.Number:
		number = v
	case string:
		number = json.Number(strings.TrimSpace(v))
	case nil:
		return 0, fmt.Errorf("%w: value is null", ErrInvalidPayload)
	default:
		return 0, fmt.Errorf("%w: value must be a number, got %s", ErrInvalidPayload, string(raw))
	}

	value, err := strconv.ParseFloat(number.String(), 64)
	if err != nil {
		return 0, fmt.Errorf("%w: could not convert value to float: %q", ErrInvalidPayload, number.String())
	}
	if math.IsNaN(value) || math.IsInf(value, 0) {
		return 0, fmt.Errorf("%w: value must be finite", ErrInvalidPayload)
	}

	return value, nil
}

func (h *Handler) trackAddress(remoteAddr string) {
	host, _, err := net.SplitHostPort(remoteAddr)
	if err != nil {
		host = remoteAddr
	}
	if host == "" {
		return
	}

	changed, err := h.addresses.Update(h.deviceID, host)
	if err != nil {
		h.logger.Error("Failed to persist device address", "device", h.deviceID, "address", host, "error", err)
		return
	}
	if changed {
		h.logger.Info("Device connected from new address", "device", h.deviceID, "address", host)
	}
}
