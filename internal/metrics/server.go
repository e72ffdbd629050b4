package metrics

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"

	"github.com/cuemby/agent/internal/log"
	"github.com/rs/zerolog"
)

// Server exposes the /metrics endpoint over plain TCP, separate from the
// get_deployed socket API, so it can be scraped without touching the
// device-local Unix socket.
type Server struct {
	addr   string
	http   *http.Server
	logger zerolog.Logger
}

// NewServer constructs a Server listening on addr once Start is called.
func NewServer(addr string) *Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", Handler())

	return &Server{
		addr:   addr,
		http:   &http.Server{Handler: mux},
		logger: log.WithComponent("metrics-server"),
	}
}

// Start binds the listener and begins serving in a new goroutine. The
// returned channel receives at most one error: nil on a clean Shutdown, or
// whatever Serve returned otherwise.
func (s *Server) Start() (<-chan error, error) {
	listener, err := net.Listen("tcp", s.addr)
	if err != nil {
		return nil, fmt.Errorf("metrics: listen on %q: %w", s.addr, err)
	}

	errCh := make(chan error, 1)
	go func() {
		err := s.http.Serve(listener)
		if errors.Is(err, http.ErrServerClosed) {
			err = nil
		}
		errCh <- err
	}()

	s.logger.Info().Str("addr", s.addr).Msg("metrics server listening")
	return errCh, nil
}

// Shutdown implements app.Handle.
func (s *Server) Shutdown(ctx context.Context) error {
	if err := s.http.Shutdown(ctx); err != nil {
		return fmt.Errorf("metrics: shutdown: %w", err)
	}
	return nil
}
