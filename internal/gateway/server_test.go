package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/monorkin/telemetry-gateway/internal/actuator"
	"github.com/monorkin/telemetry-gateway/internal/clock"
	"github.com/monorkin/telemetry-gateway/internal/database"
	"github.com/monorkin/telemetry-gateway/internal/health"
	"github.com/monorkin/telemetry-gateway/internal/ingest"
	"github.com/monorkin/telemetry-gateway/internal/models"
	"github.com/monorkin/telemetry-gateway/internal/registry"
	"github.com/monorkin/telemetry-gateway/internal/store"
)

type testResponse struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id"`
	Result  json.RawMessage `json:"result"`
	Error   *testRPCError   `json:"error"`
}

type testRPCError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Data    *struct {
		Category string `json:"category"`
	} `json:"data"`
}

type testCallResult struct {
	Content []struct {
		Type string `json:"type"`
		Text string `json:"text"`
	} `json:"content"`
	StructuredContent json.RawMessage `json:"structuredContent"`
	IsError           bool            `json:"isError"`
	ErrorInfo         *struct {
		Category  string `json:"category"`
		Retryable bool   `json:"retryable"`
	} `json:"errorInfo"`
}

type mockSender struct {
	mu    sync.Mutex
	calls []string
	err   error
}

func (m *mockSender) SetActuator(_ context.Context, address string, on bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = append(m.calls, fmt.Sprintf("%s=%v", address, on))
	return m.err
}

func (m *mockSender) Calls() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string{}, m.calls...)
}

var testNow = time.Date(2026, 9, 1, 10, 0, 0, 0, time.UTC)

type fixture struct {
	server   *Server
	store    *store.Store
	registry *registry.Registry
	sender   *mockSender
	clock    *clock.FakeClock
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	db, err := database.Open(filepath.Join(t.TempDir(), "telemetry.sqlite"), false)
	if err != nil {
		t.Fatalf("Failed to open database: %v", err)
	}
	t.Cleanup(func() { _ = database.Close(db) })

	fake := clock.Fake(testNow)
	s := store.New(db, store.WithClock(fake))
	reg := registry.New(filepath.Join(t.TempDir(), "esp32.conf"), "ESP32", nil)
	sender := &mockSender{}
	dispatcher := actuator.NewDispatcher(reg, sender, nil)
	checker := health.NewChecker(s, []string{"Thingy", "ESP32"}, health.WithClock(fake))

	server := NewServer(s, dispatcher, checker, Config{
		ActuatorDevice: "ESP32",
		ActuatorName:   "LED",
		Clock:          fake,
	})

	return &fixture{server: server, store: s, registry: reg, sender: sender, clock: fake}
}

func (f *fixture) rpc(t *testing.T, method string, params any) testResponse {
	t.Helper()

	message := map[string]any{"jsonrpc": "2.0", "id": 1, "method": method}
	if params != nil {
		message["params"] = params
	}
	data, err := json.Marshal(message)
	if err != nil {
		t.Fatal(err)
	}

	resp := f.server.handle(context.Background(), data)
	if resp == nil {
		t.Fatalf("Expected a response to %s", method)
	}

	encoded, err := json.Marshal(resp)
	if err != nil {
		t.Fatal(err)
	}

	var decoded testResponse
	if err := json.Unmarshal(encoded, &decoded); err != nil {
		t.Fatal(err)
	}
	return decoded
}

func (f *fixture) call(t *testing.T, name string, arguments any) (testCallResult, *testRPCError) {
	t.Helper()

	resp := f.rpc(t, "tools/call", map[string]any{"name": name, "arguments": arguments})
	if resp.Error != nil {
		return testCallResult{}, resp.Error
	}

	var result testCallResult
	if err := json.Unmarshal(resp.Result, &result); err != nil {
		t.Fatalf("Failed to decode tool result: %v", err)
	}
	return result, nil
}

func mustCall(t *testing.T, f *fixture, name string, arguments any, target any) testCallResult {
	t.Helper()

	result, rpcErr := f.call(t, name, arguments)
	if rpcErr != nil {
		t.Fatalf("%s returned JSON-RPC error %d: %s", name, rpcErr.Code, rpcErr.Message)
	}
	if target != nil {
		if err := json.Unmarshal(result.StructuredContent, target); err != nil {
			t.Fatalf("Failed to decode structured content %s: %v", result.StructuredContent, err)
		}
	}
	return result
}

func TestInitialize(t *testing.T) {
	f := newFixture(t)

	resp := f.rpc(t, "initialize", map[string]any{
		"protocolVersion": "2024-11-05",
		"capabilities":    map[string]any{},
		"clientInfo":      map[string]any{"name": "agent", "version": "1.0"},
	})
	if resp.Error != nil {
		t.Fatalf("initialize failed: %s", resp.Error.Message)
	}

	var result initializeResult
	if err := json.Unmarshal(resp.Result, &result); err != nil {
		t.Fatal(err)
	}
	if result.ProtocolVersion != PROTOCOL_VERSION {
		t.Errorf("Expected protocol %s, got %s", PROTOCOL_VERSION, result.ProtocolVersion)
	}
	if result.ServerInfo.Name != SERVER_NAME || result.Capabilities.Tools == nil {
		t.Errorf("Unexpected initialize result %+v", result)
	}

	if resp := f.rpc(t, "initialize", nil); resp.Error == nil || resp.Error.Code != codeInvalidParams {
		t.Errorf("Expected -32602 for initialize without params, got %+v", resp.Error)
	}
}

func TestPingAndUnknownMethod(t *testing.T) {
	f := newFixture(t)

	if resp := f.rpc(t, "ping", nil); resp.Error != nil || string(resp.Result) != "{}" {
		t.Errorf("Expected empty ping result, got %s %+v", resp.Result, resp.Error)
	}

	resp := f.rpc(t, "resources/list", nil)
	if resp.Error == nil || resp.Error.Code != codeMethodNotFound {
		t.Errorf("Expected method not found, got %+v", resp.Error)
	}
}

func TestToolsList(t *testing.T) {
	f := newFixture(t)

	resp := f.rpc(t, "tools/list", nil)
	if resp.Error != nil {
		t.Fatalf("tools/list failed: %s", resp.Error.Message)
	}

	var result struct {
		Tools []struct {
			Name        string `json:"name"`
			Description string `json:"description"`
			InputSchema Schema `json:"inputSchema"`
		} `json:"tools"`
	}
	if err := json.Unmarshal(resp.Result, &result); err != nil {
		t.Fatal(err)
	}

	expected := []string{TOOL_SENSORS_LIST, TOOL_SENSORS_LATEST, TOOL_SENSORS_QUERY, TOOL_ACTUATORS_SET, TOOL_SYSTEM_STATUS}
	if len(result.Tools) != len(expected) {
		t.Fatalf("Expected %d tools, got %d", len(expected), len(result.Tools))
	}
	for i, name := range expected {
		tool := result.Tools[i]
		if tool.Name != name {
			t.Errorf("Tool %d: expected %s, got %s", i, name, tool.Name)
		}
		if tool.Description == "" || tool.InputSchema.Type != "object" {
			t.Errorf("Tool %s is missing description or object schema", tool.Name)
		}
	}

	query := result.Tools[2].InputSchema
	if query.Properties["window_seconds"].Type != "integer" {
		t.Errorf("Expected integer window_seconds, got %+v", query.Properties["window_seconds"])
	}
	if strings.Join(query.Required, ",") != "sensor_id,window_seconds" {
		t.Errorf("Unexpected required list %v", query.Required)
	}
}

func TestToolsCall_UnknownTool(t *testing.T) {
	f := newFixture(t)

	_, rpcErr := f.call(t, "sensors.delete", map[string]any{})
	if rpcErr == nil {
		t.Fatal("Expected an error for an unknown tool")
	}
	if rpcErr.Code != codeInvalidParams {
		t.Errorf("Expected code %d, got %d", codeInvalidParams, rpcErr.Code)
	}
	if rpcErr.Data == nil || rpcErr.Data.Category != string(CategoryNotFound) {
		t.Errorf("Expected not_found category, got %+v", rpcErr.Data)
	}

	// The server keeps answering.
	if resp := f.rpc(t, "ping", nil); resp.Error != nil {
		t.Errorf("Expected ping to succeed after unknown tool, got %+v", resp.Error)
	}
}

func TestToolsCall_ValidationErrors(t *testing.T) {
	tests := []struct {
		name      string
		tool      string
		arguments any
	}{
		{"latest without sensor", TOOL_SENSORS_LATEST, map[string]any{}},
		{"latest with blank sensor", TOOL_SENSORS_LATEST, map[string]any{"sensor_id": "  "}},
		{"latest with numeric sensor", TOOL_SENSORS_LATEST, map[string]any{"sensor_id": 7}},
		{"query without window", TOOL_SENSORS_QUERY, map[string]any{"sensor_id": "Temperature"}},
		{"query with zero window", TOOL_SENSORS_QUERY, map[string]any{"sensor_id": "Temperature", "window_seconds": 0}},
		{"query with negative window", TOOL_SENSORS_QUERY, map[string]any{"sensor_id": "Temperature", "window_seconds": -30}},
		{"query with fractional window", TOOL_SENSORS_QUERY, map[string]any{"sensor_id": "Temperature", "window_seconds": 1.5}},
		{"query with string window", TOOL_SENSORS_QUERY, map[string]any{"sensor_id": "Temperature", "window_seconds": "60"}},
		{"query with half-second window", TOOL_SENSORS_QUERY, json.RawMessage(`{"sensor_id":"Temperature","window_seconds":60.5}`)},
		{"query with boolean window", TOOL_SENSORS_QUERY, map[string]any{"sensor_id": "Temperature", "window_seconds": true}},
		{"query with null window", TOOL_SENSORS_QUERY, json.RawMessage(`{"sensor_id":"Temperature","window_seconds":null}`)},
		{"actuator without value", TOOL_ACTUATORS_SET, map[string]any{"device_id": "ESP32", "actuator": "LED"}},
		{"actuator with unsupported device", TOOL_ACTUATORS_SET, map[string]any{"device_id": "Thingy", "actuator": "LED", "value": true}},
		{"actuator with unsupported actuator", TOOL_ACTUATORS_SET, map[string]any{"device_id": "ESP32", "actuator": "Fan", "value": true}},
		{"list with array arguments", TOOL_SENSORS_LIST, []int{1}},
	}

	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			f := newFixture(t)

			_, rpcErr := f.call(t, test.tool, test.arguments)
			if rpcErr == nil {
				t.Fatal("Expected a validation error")
			}
			if rpcErr.Code != codeInvalidParams {
				t.Errorf("Expected code %d, got %d", codeInvalidParams, rpcErr.Code)
			}
			if rpcErr.Data == nil || rpcErr.Data.Category != string(CategoryValidation) {
				t.Errorf("Expected validation category, got %+v", rpcErr.Data)
			}
			if len(f.sender.Calls()) != 0 {
				t.Error("Expected nothing to be sent for invalid arguments")
			}
		})
	}
}

func TestSensorsTools(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	var list sensorsListResult
	mustCall(t, f, TOOL_SENSORS_LIST, nil, &list)
	if list.Sensors == nil || len(list.Sensors) != 0 {
		t.Errorf("Expected an empty sensor list, got %#v", list.Sensors)
	}

	for _, r := range []models.Reading{
		{Device: "Thingy", Sensor: "Temperature", Value: 21.0, Timestamp: testNow.Add(-90 * time.Second)},
		{Device: "Thingy", Sensor: "Temperature", Value: 21.5, Timestamp: testNow.Add(-30 * time.Second)},
		{Device: "Thingy", Sensor: "Humidity", Value: 44.0, Timestamp: testNow.Add(-10 * time.Second)},
	} {
		if err := f.store.Append(ctx, r); err != nil {
			t.Fatal(err)
		}
	}

	mustCall(t, f, TOOL_SENSORS_LIST, map[string]any{}, &list)
	if strings.Join(list.Sensors, ",") != "Humidity,Temperature" {
		t.Errorf("Unexpected sensors %v", list.Sensors)
	}

	var query queryResult
	mustCall(t, f, TOOL_SENSORS_QUERY, map[string]any{"sensor_id": "Temperature", "window_seconds": 60}, &query)
	if len(query.Readings) != 1 || query.Readings[0].Value != 21.5 {
		t.Errorf("Expected only the reading inside 60s, got %+v", query.Readings)
	}
	if !query.Since.Equal(testNow.Add(-60 * time.Second)) {
		t.Errorf("Expected since %v, got %v", testNow.Add(-60*time.Second), query.Since)
	}

	mustCall(t, f, TOOL_SENSORS_QUERY, map[string]any{"sensor_id": "Temperature", "window_seconds": 120}, &query)
	if len(query.Readings) != 2 || query.Readings[0].Value != 21.0 {
		t.Errorf("Expected both readings oldest first, got %+v", query.Readings)
	}

	mustCall(t, f, TOOL_SENSORS_QUERY, map[string]any{"sensor_id": "Pressure", "window_seconds": 120}, &query)
	if query.Readings == nil || len(query.Readings) != 0 {
		t.Errorf("Expected empty readings for unknown sensor, got %#v", query.Readings)
	}

	var latest latestResult
	result := mustCall(t, f, TOOL_SENSORS_LATEST, map[string]any{"sensor_id": "Pressure"}, &latest)
	if latest.Found || latest.Reading != nil || result.IsError {
		t.Errorf("Expected not found without error, got %+v", latest)
	}
}

func TestSensorsQuery_WholeNumberWindows(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	for _, r := range []models.Reading{
		{Device: "Thingy", Sensor: "Temperature", Value: 21.0, Timestamp: testNow.Add(-90 * time.Second)},
		{Device: "Thingy", Sensor: "Temperature", Value: 21.5, Timestamp: testNow.Add(-30 * time.Second)},
	} {
		if err := f.store.Append(ctx, r); err != nil {
			t.Fatal(err)
		}
	}

	tests := []struct {
		name      string
		arguments string
		since     time.Time
		count     int
	}{
		{"float notation", `{"sensor_id":"Temperature","window_seconds":60.0}`, testNow.Add(-60 * time.Second), 1},
		{"exponent notation", `{"sensor_id":"Temperature","window_seconds":1.2e2}`, testNow.Add(-120 * time.Second), 2},
		{"beyond duration range", `{"sensor_id":"Temperature","window_seconds":1e30}`, testNow.Add(-time.Duration(math.MaxInt64)), 2},
	}

	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			var query queryResult
			mustCall(t, f, TOOL_SENSORS_QUERY, json.RawMessage(test.arguments), &query)

			if len(query.Readings) != test.count {
				t.Errorf("Expected %d readings, got %+v", test.count, query.Readings)
			}
			if !query.Since.Equal(test.since) {
				t.Errorf("Expected since %v, got %v", test.since, query.Since)
			}
		})
	}
}

func TestScenario_IngestThenLatest(t *testing.T) {
	f := newFixture(t)

	handler := ingest.NewHandler(f.store, f.registry, ingest.HandlerConfig{
		DeviceID:      "ESP32",
		DefaultSensor: "ESP_Temp",
		Clock:         f.clock,
	})

	request := httptest.NewRequest(http.MethodPost, ingest.INGEST_PATH, strings.NewReader(`{"sensor_id":"dht11_temp","value":21.4}`))
	request.RemoteAddr = "192.168.1.50:40000"
	recorder := httptest.NewRecorder()
	handler.Routes().ServeHTTP(recorder, request)

	if recorder.Code != http.StatusOK {
		t.Fatalf("Ingest failed: %d %s", recorder.Code, recorder.Body.String())
	}
	if address, _ := f.registry.Lookup("ESP32"); address != "192.168.1.50" {
		t.Errorf("Expected registry to hold 192.168.1.50, got %q", address)
	}

	var latest latestResult
	result := mustCall(t, f, TOOL_SENSORS_LATEST, map[string]any{"sensor_id": "dht11_temp"}, &latest)
	if !latest.Found || latest.Reading == nil {
		t.Fatalf("Expected the ingested reading, got %+v", latest)
	}
	if latest.Reading.Device != "ESP32" || latest.Reading.Sensor != "dht11_temp" || latest.Reading.Value != 21.4 {
		t.Errorf("Unexpected reading %+v", latest.Reading)
	}
	if len(result.Content) == 0 || !strings.Contains(result.Content[0].Text, `"dht11_temp"`) {
		t.Errorf("Expected the JSON text block to mirror the structured result, got %+v", result.Content)
	}
}

func TestScenario_ActuatorWithEmptyRegistry(t *testing.T) {
	f := newFixture(t)

	result, rpcErr := f.call(t, TOOL_ACTUATORS_SET, map[string]any{"device_id": "ESP32", "actuator": "LED", "value": true})
	if rpcErr != nil {
		t.Fatalf("Unexpected JSON-RPC error: %s", rpcErr.Message)
	}

	if len(f.sender.Calls()) != 0 {
		t.Errorf("Expected nothing to be sent, got %v", f.sender.Calls())
	}
	if !result.IsError {
		t.Error("Expected the undelivered command to be reported as an error")
	}
	if result.ErrorInfo == nil || result.ErrorInfo.Category != string(CategoryTransient) || !result.ErrorInfo.Retryable {
		t.Errorf("Expected transient retryable errorInfo, got %+v", result.ErrorInfo)
	}

	var outcome struct {
		Device    string `json:"device_id"`
		Status    string `json:"status"`
		Delivered bool   `json:"delivered"`
		Actuator  string `json:"actuator"`
	}
	if err := json.Unmarshal(result.StructuredContent, &outcome); err != nil {
		t.Fatal(err)
	}
	if outcome.Status != string(actuator.StatusAddressUnknown) || outcome.Delivered || outcome.Device != "ESP32" || outcome.Actuator != "LED" {
		t.Errorf("Unexpected outcome %+v", outcome)
	}
}

func TestActuatorsSet_Delivered(t *testing.T) {
	f := newFixture(t)
	if _, err := f.registry.Update("ESP32", "192.168.1.50"); err != nil {
		t.Fatal(err)
	}

	var outcome actuatorResult
	result := mustCall(t, f, TOOL_ACTUATORS_SET, map[string]any{"device_id": "ESP32", "actuator": "LED", "value": false}, &outcome)

	if result.IsError || !outcome.Delivered || outcome.Status != actuator.StatusSent {
		t.Errorf("Expected delivered command, got %+v", outcome)
	}
	if calls := f.sender.Calls(); len(calls) != 1 || calls[0] != "192.168.1.50=false" {
		t.Errorf("Expected one command to 192.168.1.50, got %v", calls)
	}
}

func TestActuatorsSet_SendFailed(t *testing.T) {
	f := newFixture(t)
	f.sender.err = errors.New("connection refused")
	if _, err := f.registry.Update("ESP32", "192.168.1.50"); err != nil {
		t.Fatal(err)
	}

	var outcome actuatorResult
	result := mustCall(t, f, TOOL_ACTUATORS_SET, map[string]any{"device_id": "ESP32", "actuator": "LED", "value": true}, &outcome)

	if !result.IsError || outcome.Status != actuator.StatusSendFailed {
		t.Errorf("Expected send_failed error result, got %+v", outcome)
	}
	if len(f.sender.Calls()) != 1 {
		t.Errorf("Expected exactly one attempt, got %d", len(f.sender.Calls()))
	}
}

func TestSystemStatus(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	if err := f.store.Append(ctx, models.Reading{Device: "Thingy", Sensor: "Temperature", Value: 22, Timestamp: testNow.Add(-2 * time.Second)}); err != nil {
		t.Fatal(err)
	}

	var report health.Report
	mustCall(t, f, TOOL_SYSTEM_STATUS, nil, &report)

	if !report.DatabaseUp || report.SystemUp {
		t.Errorf("Expected database up and system down, got %+v", report)
	}
	thingy, _ := report.Device("Thingy")
	esp, _ := report.Device("ESP32")
	if !thingy.Up || esp.Up {
		t.Errorf("Expected Thingy up and ESP32 down, got %+v", report.Devices)
	}

	if err := f.store.Append(ctx, models.Reading{Device: "ESP32", Sensor: "dht11_temp", Value: 22, Timestamp: testNow}); err != nil {
		t.Fatal(err)
	}
	mustCall(t, f, TOOL_SYSTEM_STATUS, map[string]any{}, &report)
	if !report.SystemUp {
		t.Errorf("Expected system up, got %+v", report)
	}
}

type failingReadings struct{}

func (failingReadings) ListSensors(context.Context) ([]string, error) {
	return nil, &store.Error{Op: "list sensors", Err: errors.New("disk I/O error")}
}

func (failingReadings) Latest(context.Context, string) (models.Reading, bool, error) {
	return models.Reading{}, false, &store.Error{Op: "latest", Err: errors.New("disk I/O error")}
}

func (failingReadings) Query(context.Context, string, time.Time) ([]models.Reading, error) {
	return nil, &store.Error{Op: "query", Err: errors.New("disk I/O error")}
}

func TestToolsCall_StoreFailure(t *testing.T) {
	server := NewServer(failingReadings{}, nil, nil, Config{ActuatorDevice: "ESP32", ActuatorName: "LED"})
	f := &fixture{server: server}

	for _, call := range []struct {
		tool      string
		arguments any
	}{
		{TOOL_SENSORS_LIST, nil},
		{TOOL_SENSORS_LATEST, map[string]any{"sensor_id": "Temperature"}},
		{TOOL_SENSORS_QUERY, map[string]any{"sensor_id": "Temperature", "window_seconds": 10}},
	} {
		result, rpcErr := f.call(t, call.tool, call.arguments)
		if rpcErr != nil {
			t.Fatalf("%s: expected a tool result, got JSON-RPC error %s", call.tool, rpcErr.Message)
		}
		if !result.IsError || result.ErrorInfo == nil || result.ErrorInfo.Category != string(CategoryInternal) {
			t.Errorf("%s: expected internal error result, got %+v", call.tool, result)
		}
		if result.ErrorInfo != nil && result.ErrorInfo.Retryable {
			t.Errorf("%s: internal errors are not retryable", call.tool)
		}
	}
}

func TestRun_Stdio(t *testing.T) {
	f := newFixture(t)

	input := strings.Join([]string{
		`{"jsonrpc":"2.0","id":1,"method":"initialize","params":{"protocolVersion":"2025-06-18","capabilities":{},"clientInfo":{"name":"test"}}}`,
		`{"jsonrpc":"2.0","method":"notifications/initialized"}`,
		``,
		`not json`,
		`{"jsonrpc":"1.0","id":2,"method":"ping"}`,
		`{"jsonrpc":"2.0","id":3,"method":"tools/call","params":{"name":"sensors.list"}}`,
	}, "\n") + "\n"

	var output bytes.Buffer
	if err := f.server.Run(context.Background(), strings.NewReader(input), &output); err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	lines := strings.Split(strings.TrimSpace(output.String()), "\n")
	if len(lines) != 4 {
		t.Fatalf("Expected 4 responses, got %d:\n%s", len(lines), output.String())
	}

	var responses []testResponse
	for _, line := range lines {
		var resp testResponse
		if err := json.Unmarshal([]byte(line), &resp); err != nil {
			t.Fatalf("Invalid response line %q: %v", line, err)
		}
		responses = append(responses, resp)
	}

	if responses[0].Error != nil || string(responses[0].ID) != "1" {
		t.Errorf("Expected initialize result, got %+v", responses[0])
	}
	if responses[1].Error == nil || responses[1].Error.Code != codeParseError || string(responses[1].ID) != "null" {
		t.Errorf("Expected parse error with null id, got %+v", responses[1])
	}
	if responses[2].Error == nil || responses[2].Error.Code != codeInvalidRequest {
		t.Errorf("Expected invalid request for JSON-RPC 1.0, got %+v", responses[2])
	}
	if responses[3].Error != nil || string(responses[3].ID) != "3" {
		t.Errorf("Expected tool result, got %+v", responses[3])
	}
}
