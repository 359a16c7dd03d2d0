package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/monorkin/telemetry-gateway/internal/actuator"
	"github.com/monorkin/telemetry-gateway/internal/health"
	"github.com/monorkin/telemetry-gateway/internal/models"
)

const (
	TOOL_SENSORS_LIST   = "sensors.list"
	TOOL_SENSORS_LATEST = "sensors.latest"
	TOOL_SENSORS_QUERY  = "sensors.query"
	TOOL_ACTUATORS_SET  = "actuators.set"
	TOOL_SYSTEM_STATUS  = "system.status"
)

type Readings interface {
	ListSensors(ctx context.Context) ([]string, error)
	Latest(ctx context.Context, sensor string) (models.Reading, bool, error)
	Query(ctx context.Context, sensor string, since time.Time) ([]models.Reading, error)
}

type Actuators interface {
	SetActuator(ctx context.Context, device string, on bool) actuator.Outcome
}

type StatusChecker interface {
	Check(ctx context.Context) health.Report
}

// tool is one callable entry of tools/list. call returns the structured result
// and, for a failed call, an error. Both may be set.
type tool struct {
	name        string
	title       string
	description string
	inputSchema *Schema
	annotations *toolAnnotations
	call        func(ctx context.Context, arguments json.RawMessage) (any, error)
}

var readOnly = &toolAnnotations{ReadOnlyHint: true, IdempotentHint: true}

func (s *Server) buildTools() []tool {
	return []tool{
		{
			name:        TOOL_SENSORS_LIST,
			title:       "List sensors",
			description: "List the sensors that have readings inside the retention window.",
			inputSchema: objectSchema(nil),
			annotations: readOnly,
			call:        s.sensorsList,
		},
		{
			name:        TOOL_SENSORS_LATEST,
			title:       "Latest reading",
			description: "Get the most recent reading of a sensor.",
			inputSchema: objectSchema(map[string]*Schema{
				"sensor_id": stringProperty("Sensor name, as returned by sensors.list"),
			}, "sensor_id"),
			annotations: readOnly,
			call:        s.sensorsLatest,
		},
		{
			name:        TOOL_SENSORS_QUERY,
			title:       "Query readings",
			description: "Get the readings of a sensor from the last window_seconds, oldest first.",
			inputSchema: objectSchema(map[string]*Schema{
				"sensor_id":      stringProperty("Sensor name, as returned by sensors.list"),
				"window_seconds": integerProperty("How far back to look, in seconds", 1),
			}, "sensor_id", "window_seconds"),
			annotations: readOnly,
			call:        s.sensorsQuery,
		},
		{
			name:        TOOL_ACTUATORS_SET,
			title:       "Set actuator",
			description: "Switch an actuator on a network device on or off. The command is sent once and not retried.",
			inputSchema: objectSchema(map[string]*Schema{
				"device_id": stringProperty("Device that owns the actuator", s.actuatorDevice),
				"actuator":  stringProperty("Actuator name", s.actuatorName),
				"value":     booleanProperty("true switches the actuator on"),
			}, "device_id", "actuator", "value"),
			annotations: &toolAnnotations{IdempotentHint: true, OpenWorldHint: true},
			call:        s.actuatorsSet,
		},
		{
			name:        TOOL_SYSTEM_STATUS,
			title:       "System status",
			description: "Report store reachability and whether each monitored device sent a reading recently.",
			inputSchema: objectSchema(nil),
			annotations: readOnly,
			call:        s.systemStatus,
		},
	}
}

// validator is implemented by every typed tool request.
type validator interface {
	validate() error
}

// decodeArguments fills target from the raw arguments and validates it.
// Missing arguments decode as an empty object.
func decodeArguments(arguments json.RawMessage, target validator) error {
	trimmed := bytes.TrimSpace(arguments)
	if len(trimmed) > 0 && string(trimmed) != "null" {
		if err := json.Unmarshal(trimmed, target); err != nil {
			return Validation("invalid arguments: %v", err)
		}
	}
	return target.validate()
}

type emptyRequest struct{}

func (emptyRequest) validate() error { return nil }

type sensorsListResult struct {
	Sensors []string `json:"sensors"`
}

func (s *Server) sensorsList(ctx context.Context, arguments json.RawMessage) (any, error) {
	if err := decodeArguments(arguments, &emptyRequest{}); err != nil {
		return nil, err
	}

	sensors, err := s.readings.ListSensors(ctx)
	if err != nil {
		return nil, Internal("failed to list sensors: %w", err)
	}
	if sensors == nil {
		sensors = []string{}
	}

	return sensorsListResult{Sensors: sensors}, nil
}

type latestRequest struct {
	SensorID string `json:"sensor_id"`
}

func (r *latestRequest) validate() error {
	r.SensorID = strings.TrimSpace(r.SensorID)
	if r.SensorID == "" {
		return Validation("sensor_id is required")
	}
	return nil
}

type latestResult struct {
	SensorID string          `json:"sensor_id"`
	Found    bool            `json:"found"`
	Reading  *models.Reading `json:"reading,omitempty"`
}

func (s *Server) sensorsLatest(ctx context.Context, arguments json.RawMessage) (any, error) {
	var req latestRequest
	if err := decodeArguments(arguments, &req); err != nil {
		return nil, err
	}

	reading, found, err := s.readings.Latest(ctx, req.SensorID)
	if err != nil {
		return nil, Internal("failed to read latest %s: %w", req.SensorID, err)
	}

	result := latestResult{SensorID: req.SensorID, Found: found}
	if found {
		result.Reading = &reading
	}
	return result, nil
}

type queryRequest struct {
	SensorID      string          `json:"sensor_id"`
	WindowSeconds json.RawMessage `json:"window_seconds"`

	window time.Duration
}

func (r *queryRequest) validate() error {
	r.SensorID = strings.TrimSpace(r.SensorID)
	if r.SensorID == "" {
		return Validation("sensor_id is required")
	}

	raw := bytes.TrimSpace(r.WindowSeconds)
	if len(raw) == 0 || string(raw) == "null" {
		return Validation("window_seconds is required")
	}

	window, err := parseWindowSeconds(raw)
	if err != nil {
		return err
	}
	r.window = window
	return nil
}

// parseWindowSeconds accepts a JSON number with no fractional part, so 60 and
// 60.0 are the same window. Windows beyond the time.Duration range are
// clamped.
func parseWindowSeconds(raw json.RawMessage) (time.Duration, error) {
	if raw[0] == '"' {
		return 0, Validation("window_seconds must be a number, got %s", raw)
	}

	var number json.Number
	if err := json.Unmarshal(raw, &number); err != nil {
		return 0, Validation("window_seconds must be a number, got %s", raw)
	}

	seconds, err := number.Float64()
	if err != nil && !errors.Is(err, strconv.ErrRange) {
		return 0, Validation("window_seconds must be a number, got %s", raw)
	}
	if seconds != math.Trunc(seconds) {
		return 0, Validation("window_seconds must be a whole number of seconds, got %s", raw)
	}
	if seconds <= 0 {
		return 0, Validation("window_seconds must be a positive integer, got %s", raw)
	}

	if seconds >= float64(math.MaxInt64/int64(time.Second)) {
		return time.Duration(math.MaxInt64), nil
	}
	return time.Duration(seconds) * time.Second, nil
}

type queryResult struct {
	SensorID string           `json:"sensor_id"`
	Since    time.Time        `json:"since"`
	Readings []models.Reading `json:"readings"`
}

func (s *Server) sensorsQuery(ctx context.Context, arguments json.RawMessage) (any, error) {
	var req queryRequest
	if err := decodeArguments(arguments, &req); err != nil {
		return nil, err
	}

	since := s.clock.Now().Add(-req.window).UTC()
	readings, err := s.readings.Query(ctx, req.SensorID, since)
	if err != nil {
		return nil, Internal("failed to query %s: %w", req.SensorID, err)
	}
	if readings == nil {
		readings = []models.Reading{}
	}

	return queryResult{SensorID: req.SensorID, Since: since, Readings: readings}, nil
}

type actuatorRequest struct {
	DeviceID string `json:"device_id"`
	Actuator string `json:"actuator"`
	Value    *bool  `json:"value"`

	supportedDevice   string
	supportedActuator string
}

func (r *actuatorRequest) validate() error {
	if r.DeviceID == "" {
		return Validation("device_id is required")
	}
	if r.Actuator == "" {
		return Validation("actuator is required")
	}
	if r.Value == nil {
		return Validation("value is required")
	}
	if r.DeviceID != r.supportedDevice || r.Actuator != r.supportedActuator {
		return Validation("unsupported actuator %s/%s, only %s/%s can be set",
			r.DeviceID, r.Actuator, r.supportedDevice, r.supportedActuator)
	}
	return nil
}

type actuatorResult struct {
	actuator.Outcome
	Actuator  string `json:"actuator"`
	Delivered bool   `json:"delivered"`
}

func (s *Server) actuatorsSet(ctx context.Context, arguments json.RawMessage) (any, error) {
	req := actuatorRequest{
		supportedDevice:   s.actuatorDevice,
		supportedActuator: s.actuatorName,
	}
	if err := decodeArguments(arguments, &req); err != nil {
		return nil, err
	}

	outcome := s.actuators.SetActuator(ctx, req.DeviceID, *req.Value)
	result := actuatorResult{
		Outcome:   outcome,
		Actuator:  req.Actuator,
		Delivered: outcome.Delivered(),
	}

	if !result.Delivered {
		return result, Transient("%s/%s was not switched: %s", req.DeviceID, req.Actuator, outcome.Status)
	}
	return result, nil
}

func (s *Server) systemStatus(ctx context.Context, arguments json.RawMessage) (any, error) {
	if err := decodeArguments(arguments, &emptyRequest{}); err != nil {
		return nil, err
	}
	return s.status.Check(ctx), nil
}
