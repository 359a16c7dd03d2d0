package ingest

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/grandcat/zeroconf"
)

const (
	SERVICE_TYPE     = "_telemetry._tcp"
	SERVICE_DOMAIN   = "local."
	SHUTDOWN_TIMEOUT = 5 * time.Second
)

type Server struct {
	address   string
	handler   http.Handler
	advertise bool
	logger    *slog.Logger
	ready     chan net.Addr
}

func NewServer(address string, handler http.Handler, advertise bool, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}

	return &Server{
		address:   address,
		handler:   handler,
		advertise: advertise,
		logger:    logger,
		ready:     make(chan net.Addr, 1),
	}
}

// Ready delivers the bound address once the listener is accepting.
func (s *Server) Ready() <-chan net.Addr {
	return s.ready
}

// Run serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	listener, err := net.Listen("tcp", s.address)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.address, err)
	}

	server := &http.Server{
		Handler:           s.handler,
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}

	if s.advertise {
		if port, ok := listener.Addr().(*net.TCPAddr); ok {
			if shutdown := s.register(port.Port); shutdown != nil {
				defer shutdown()
			}
		}
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- server.Serve(listener)
	}()

	s.logger.Info("Ingestion listener started", "address", listener.Addr().String(), "path", INGEST_PATH)
	s.ready <- listener.Addr()

	select {
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("ingestion listener failed: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	s.logger.Info("Shutting down ingestion listener")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), SHUTDOWN_TIMEOUT)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("failed to shut down ingestion listener: %w", err)
	}

	return nil
}

// register announces the ingest endpoint over mDNS so devices need no
// hard-coded address. Failure only disables the announcement.
func (s *Server) register(port int) func() {
	server, err := zeroconf.Register(
		"telemetry-gateway",
		SERVICE_TYPE,
		SERVICE_DOMAIN,
		port,
		[]string{"path=" + INGEST_PATH},
		nil,
	)
	if err != nil {
		s.logger.Warn("Failed to advertise ingestion listener", "error", err)
		return nil
	}

	s.logger.Info("Advertising ingestion listener", "service", SERVICE_TYPE, "port", port)
	return server.Shutdown
}
