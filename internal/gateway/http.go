package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"time"

	"golang.org/x/net/http2"
	"golang.org/x/net/http2/h2c"
)

const SHUTDOWN_TIMEOUT = 5 * time.Second

// ServeHTTP answers one JSON-RPC message per POST. Notifications get 202 with
// no body.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, MAX_MESSAGE_SIZE))
	if err != nil {
		s.writeJSON(w, http.StatusRequestEntityTooLarge,
			errorResponse(json.RawMessage("null"), codeInvalidRequest, "request body too large", nil))
		return
	}

	resp := s.handle(r.Context(), body)
	if resp == nil {
		w.WriteHeader(http.StatusAccepted)
		return
	}

	s.writeJSON(w, http.StatusOK, resp)
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, value any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(value); err != nil {
		s.logger.Debug("Failed to write response", "error", err)
	}
}

// Routes mounts the server at path. Methods other than POST get 405.
func (s *Server) Routes(path string) *http.ServeMux {
	mux := http.NewServeMux()
	mux.Handle("POST "+path, s)
	return mux
}

type HTTPServer struct {
	address string
	handler http.Handler
	logger  *slog.Logger
	ready   chan net.Addr
}

// NewHTTPServer serves handler over HTTP/1.1 and cleartext HTTP/2.
func NewHTTPServer(address string, handler http.Handler, logger *slog.Logger) *HTTPServer {
	if logger == nil {
		logger = slog.Default()
	}

	return &HTTPServer{
		address: address,
		handler: handler,
		logger:  logger,
		ready:   make(chan net.Addr, 1),
	}
}

// Ready delivers the bound address once the listener is accepting.
func (s *HTTPServer) Ready() <-chan net.Addr {
	return s.ready
}

func (s *HTTPServer) Run(ctx context.Context) error {
	listener, err := net.Listen("tcp", s.address)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.address, err)
	}

	server := &http.Server{
		Handler:           h2c.NewHandler(s.handler, &http2.Server{}),
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- server.Serve(listener)
	}()

	s.logger.Info("Tool gateway listening", "address", listener.Addr().String())
	s.ready <- listener.Addr()

	select {
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("tool gateway failed: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	s.logger.Info("Shutting down tool gateway")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), SHUTDOWN_TIMEOUT)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("failed to shut down tool gateway: %w", err)
	}

	return nil
}
