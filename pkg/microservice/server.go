// Package microservice hosts the HTTP server and the JSON API of the package
// comparison service.
package microservice

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/rs/zerolog"
)

// Service defines the lifecycle of an HTTP service.
type Service interface {
	Start() error
	Run(ctx context.Context, grace time.Duration) error
	Shutdown(ctx context.Context) error
	Mux() *http.ServeMux
	GetHTTPPort() string
}

// BaseServer is an http.Server with a health endpoint and request logging.
type BaseServer struct {
	Logger     zerolog.Logger
	HTTPPort   string
	httpServer *http.Server
	mux        *http.ServeMux
	listener   net.Listener
	serveErr   chan error
}

// NewBaseServer creates a BaseServer listening on httpPort (e.g. ":8080").
func NewBaseServer(logger zerolog.Logger, httpPort string) *BaseServer {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", HealthzHandler)

	logger = logger.With().Str("component", "HTTPServer").Logger()
	return &BaseServer{
		Logger:   logger,
		HTTPPort: httpPort,
		mux:      mux,
		serveErr: make(chan error, 1),
		httpServer: &http.Server{
			Addr:              httpPort,
			Handler:           RequestLogger(logger, mux),
			ReadHeaderTimeout: 10 * time.Second,
		},
	}
}

// Start binds the port and serves in the background. A serve failure after
// Start returns is reported by Run.
func (s *BaseServer) Start() error {
	listener, err := net.Listen("tcp", s.HTTPPort)
	if err != nil {
		return fmt.Errorf("failed to listen on port %s: %w", s.HTTPPort, err)
	}
	s.listener = listener
	s.Logger.Info().Str("address", listener.Addr().String()).Msg("Serving package comparisons.")

	go func() {
		err := s.httpServer.Serve(listener)
		if errors.Is(err, http.ErrServerClosed) {
			err = nil
		}
		s.serveErr <- err
	}()
	return nil
}

// Run starts the server and blocks until ctx is done or serving fails. In-flight
// requests get up to grace to complete.
func (s *BaseServer) Run(ctx context.Context, grace time.Duration) error {
	if err := s.Start(); err != nil {
		return err
	}
	select {
	case err := <-s.serveErr:
		if err != nil {
			s.Logger.Error().Err(err).Msg("HTTP server failed.")
		}
		return err
	case <-ctx.Done():
		s.Logger.Info().Msg("Received shutdown signal.")
	}

	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), grace)
	defer cancel()
	return s.Shutdown(shutdownCtx)
}

// Shutdown stops accepting connections and waits for in-flight queries until
// ctx expires.
func (s *BaseServer) Shutdown(ctx context.Context) error {
	if err := s.httpServer.Shutdown(ctx); err != nil {
		s.Logger.Error().Err(err).Msg("Queries still running at shutdown deadline.")
		return err
	}
	s.Logger.Info().Msg("HTTP server stopped.")
	return nil
}

// GetHTTPPort returns the bound port as ":<port>", which differs from
// HTTPPort when ":0" was requested.
func (s *BaseServer) GetHTTPPort() string {
	if s.listener == nil {
		return s.HTTPPort
	}
	return ":" + strconv.Itoa(s.listener.Addr().(*net.TCPAddr).Port)
}

// Mux returns the underlying ServeMux.
func (s *BaseServer) Mux() *http.ServeMux {
	return s.mux
}

// HealthzHandler responds to health check probes.
func HealthzHandler(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("OK"))
}
