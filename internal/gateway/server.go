// Package gateway exposes the telemetry store, the actuator dispatcher and the
// health check as tools over JSON-RPC 2.0, on HTTP or newline-delimited stdio.
//
// Every request is dispatched on its own. The initialize handshake is
// answered but leaves no state behind, so any request may arrive on any
// connection.
package gateway

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"

	"github.com/monorkin/telemetry-gateway/internal/clock"
	"github.com/monorkin/telemetry-gateway/internal/version"
)

const (
	SERVER_NAME      = "telemetry-gateway"
	MAX_MESSAGE_SIZE = 1 << 20
)

type Server struct {
	readings  Readings
	actuators Actuators
	status    StatusChecker

	actuatorDevice string
	actuatorName   string

	clock  clock.Clock
	logger *slog.Logger

	tools       []tool
	toolsByName map[string]*tool
}

type Config struct {
	// ActuatorDevice and ActuatorName are the only pair actuators.set accepts.
	ActuatorDevice string
	ActuatorName   string
	Clock          clock.Clock
	Logger         *slog.Logger
}

func NewServer(readings Readings, actuators Actuators, status StatusChecker, config Config) *Server {
	if config.Clock == nil {
		config.Clock = clock.Real()
	}
	if config.Logger == nil {
		config.Logger = slog.Default()
	}

	s := &Server{
		readings:       readings,
		actuators:      actuators,
		status:         status,
		actuatorDevice: config.ActuatorDevice,
		actuatorName:   config.ActuatorName,
		clock:          config.Clock,
		logger:         config.Logger,
	}

	s.tools = s.buildTools()
	s.toolsByName = make(map[string]*tool, len(s.tools))
	for i := range s.tools {
		s.toolsByName[s.tools[i].name] = &s.tools[i]
	}

	return s
}

// ToolNames lists the tools in the order tools/list reports them.
func (s *Server) ToolNames() []string {
	names := make([]string, 0, len(s.tools))
	for _, t := range s.tools {
		names = append(names, t.name)
	}
	return names
}

// handle processes one JSON-RPC message. It returns nil when no response is
// due, which is the case for notifications.
func (s *Server) handle(ctx context.Context, message []byte) *response {
	var req request
	if err := json.Unmarshal(message, &req); err != nil {
		return errorResponse(json.RawMessage("null"), codeParseError, "parse error: "+err.Error(), nil)
	}

	if req.JSONRPC != "2.0" {
		if req.isNotification() {
			return nil
		}
		return errorResponse(req.ID, codeInvalidRequest, "unsupported JSON-RPC version", nil)
	}

	if req.isNotification() {
		s.logger.Debug("Notification received", "method", req.Method)
		return nil
	}

	if req.Method == "" {
		return errorResponse(req.ID, codeInvalidRequest, "method is required", nil)
	}

	return s.dispatch(ctx, &req)
}

func (s *Server) dispatch(ctx context.Context, req *request) (resp *response) {
	defer func() {
		if recovered := recover(); recovered != nil {
			s.logger.Error("Request handler panicked", "method", req.Method, "panic", recovered)
			resp = errorResponse(req.ID, codeInternalError, "internal error",
				&errorInfo{Category: string(CategoryInternal)})
		}
	}()

	switch req.Method {
	case "initialize":
		return s.handleInitialize(req)
	case "ping":
		return resultResponse(req.ID, map[string]any{})
	case "tools/list":
		return s.handleToolsList(req)
	case "tools/call":
		return s.handleToolsCall(ctx, req)
	default:
		return errorResponse(req.ID, codeMethodNotFound, "unknown method: "+req.Method, nil)
	}
}

func (s *Server) handleInitialize(req *request) *response {
	if len(req.Params) == 0 {
		return errorResponse(req.ID, codeInvalidParams, "params required for initialize", nil)
	}

	var params initializeParams
	if err := json.Unmarshal(req.Params, &params); err != nil {
		return errorResponse(req.ID, codeInvalidParams, "invalid initialize params: "+err.Error(), nil)
	}

	s.logger.Info("Client initialized",
		"client", params.ClientInfo.Name,
		"client_version", params.ClientInfo.Version,
		"requested_protocol", params.ProtocolVersion,
	)

	return resultResponse(req.ID, initializeResult{
		ProtocolVersion: PROTOCOL_VERSION,
		Capabilities: serverCapabilities{
			Tools: &toolCapability{},
		},
		ServerInfo: serverInfo{
			Name:    SERVER_NAME,
			Version: version.GetVersion(),
		},
	})
}

func (s *Server) handleToolsList(req *request) *response {
	descriptions := make([]toolDescription, 0, len(s.tools))
	for _, t := range s.tools {
		descriptions = append(descriptions, toolDescription{
			Name:        t.name,
			Title:       t.title,
			Description: t.description,
			InputSchema: t.inputSchema,
			Annotations: t.annotations,
		})
	}
	return resultResponse(req.ID, toolsListResult{Tools: descriptions})
}

func (s *Server) handleToolsCall(ctx context.Context, req *request) *response {
	if len(req.Params) == 0 {
		return errorResponse(req.ID, codeInvalidParams, "params required for tools/call", nil)
	}

	var params toolsCallParams
	if err := json.Unmarshal(req.Params, &params); err != nil {
		return errorResponse(req.ID, codeInvalidParams, "invalid tools/call params: "+err.Error(), nil)
	}

	t, ok := s.toolsByName[params.Name]
	if !ok {
		s.logger.Warn("Unknown tool requested", "tool", params.Name)
		return errorResponse(req.ID, codeInvalidParams, "unknown tool: "+params.Name,
			&errorInfo{Category: string(CategoryNotFound)})
	}

	value, err := t.call(ctx, params.Arguments)

	var toolErr *ToolError
	if errors.As(err, &toolErr) && toolErr.Category == CategoryValidation {
		s.logger.Debug("Rejected tool arguments", "tool", t.name, "error", err)
		return errorResponse(req.ID, codeInvalidParams, err.Error(),
			&errorInfo{Category: string(CategoryValidation)})
	}

	if err != nil {
		s.logger.Warn("Tool call failed", "tool", t.name, "error", err)
	} else {
		s.logger.Debug("Tool call completed", "tool", t.name)
	}

	return resultResponse(req.ID, buildToolResult(value, err))
}

// buildToolResult serializes value into both structuredContent and a text
// block. A failed call appends the error text and its category.
func buildToolResult(value any, callErr error) toolsCallResult {
	result := toolsCallResult{}

	if value != nil {
		encoded, err := json.Marshal(value)
		if err != nil {
			callErr = errors.Join(callErr, Internal("failed to encode result: %w", err))
		} else {
			result.StructuredContent = value
			result.Content = append(result.Content, contentBlock{Type: "text", Text: string(encoded)})
		}
	}

	if callErr != nil {
		result.IsError = true
		result.Content = append(result.Content, contentBlock{Type: "text", Text: callErr.Error()})
		result.ErrorInfo = classifyError(callErr)
	}

	if len(result.Content) == 0 {
		result.Content = []contentBlock{{Type: "text", Text: ""}}
	}
	return result
}

func resultResponse(id json.RawMessage, result any) *response {
	return &response{JSONRPC: "2.0", ID: id, Result: result}
}

func errorResponse(id json.RawMessage, code int, message string, data *errorInfo) *response {
	return &response{
		JSONRPC: "2.0",
		ID:      id,
		Error:   &rpcError{Code: code, Message: message, Data: data},
	}
}

// Run reads one JSON-RPC message per line from input and writes responses to
// output until input reaches EOF or ctx is cancelled.
func (s *Server) Run(ctx context.Context, input io.Reader, output io.Writer) error {
	scanner := bufio.NewScanner(input)
	scanner.Buffer(make([]byte, 0, 64*1024), MAX_MESSAGE_SIZE)

	encoder := json.NewEncoder(output)

	for scanner.Scan() {
		if err := ctx.Err(); err != nil {
			return nil
		}

		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}

		resp := s.handle(ctx, line)
		if resp == nil {
			continue
		}

		if err := encoder.Encode(resp); err != nil {
			return fmt.Errorf("failed to write response: %w", err)
		}
	}

	return scanner.Err()
}
