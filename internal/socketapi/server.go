package socketapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"time"

	"github.com/cuemby/agent/internal/errs"
	"github.com/cuemby/agent/internal/log"
	"github.com/cuemby/agent/internal/metrics"
	"github.com/rs/zerolog"
)

// Server exposes Service.GetDeployed to local clients over a Unix-domain
// socket. The socket path is removed and recreated on Start; listeners
// left behind by an unclean shutdown are cleaned up automatically.
type Server struct {
	service    *Service
	socketPath string
	http       *http.Server
	listener   net.Listener
	logger     zerolog.Logger
}

// NewServer constructs a Server bound to socketPath. Call Start to begin
// accepting connections.
func NewServer(service *Service, socketPath string) *Server {
	s := &Server{
		service:    service,
		socketPath: socketPath,
		logger:     log.WithComponent("socket-api"),
	}
	mux := http.NewServeMux()
	mux.HandleFunc("/get_deployed", s.handleGetDeployed)
	s.http = &http.Server{Handler: mux}
	return s
}

// Start removes any stale socket file, binds the listener, and begins
// serving in a new goroutine. errCh receives the single terminal error from
// Serve, if any, once the server stops for a reason other than Shutdown.
func (s *Server) Start() (errCh <-chan error, err error) {
	if err := os.Remove(s.socketPath); err != nil && !os.IsNotExist(err) {
		return nil, fmt.Errorf("socketapi: remove stale socket: %w", err)
	}

	listener, err := net.Listen("unix", s.socketPath)
	if err != nil {
		return nil, fmt.Errorf("socketapi: listen on %s: %w", s.socketPath, err)
	}
	s.listener = listener

	ch := make(chan error, 1)
	go func() {
		if serveErr := s.http.Serve(listener); serveErr != nil && !errors.Is(serveErr, http.ErrServerClosed) {
			ch <- serveErr
			return
		}
		close(ch)
	}()
	return ch, nil
}

// Shutdown implements app.Handle: it gracefully stops the HTTP server and
// removes the socket file.
func (s *Server) Shutdown(ctx context.Context) error {
	if err := s.http.Shutdown(ctx); err != nil {
		return fmt.Errorf("socketapi: shutdown: %w", err)
	}
	if err := os.Remove(s.socketPath); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("socketapi: remove socket: %w", err)
	}
	return nil
}

type getDeployedRequest struct {
	DeviceID           string `json:"device_id"`
	ConfigTypeSlug     string `json:"config_type_slug"`
	ConfigSchemaDigest string `json:"config_schema_digest"`
}

type errorResponse struct {
	Kind    string `json:"kind"`
	Message string `json:"message"`
}

func (s *Server) handleGetDeployed(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	start := time.Now()

	var req getDeployedRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		metrics.SocketAPIRequestsTotal.WithLabelValues("Decode").Inc()
		writeError(w, http.StatusBadRequest, "Decode", err.Error())
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), 30*time.Second)
	defer cancel()

	deployed, err := s.service.GetDeployed(ctx, req.DeviceID, req.ConfigTypeSlug, req.ConfigSchemaDigest)
	metrics.SocketAPIRequestDuration.Observe(time.Since(start).Seconds())
	if err != nil {
		s.writeServiceError(w, err)
		return
	}

	metrics.SocketAPIRequestsTotal.WithLabelValues("OK").Inc()
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(deployed); err != nil {
		s.logger.Error().Err(err).Msg("failed to encode get_deployed response")
	}
}

func (s *Server) writeServiceError(w http.ResponseWriter, err error) {
	var schemaNotFound *errs.ConfigSchemaNotFound
	var instanceNotFound *errs.DeployedInstanceNotFound
	switch {
	case errors.As(err, &schemaNotFound):
		metrics.SocketAPIRequestsTotal.WithLabelValues("ConfigSchemaNotFound").Inc()
		writeError(w, http.StatusNotFound, "ConfigSchemaNotFound", err.Error())
	case errors.As(err, &instanceNotFound):
		metrics.SocketAPIRequestsTotal.WithLabelValues("DeployedInstanceNotFound").Inc()
		writeError(w, http.StatusNotFound, "DeployedInstanceNotFound", err.Error())
	default:
		metrics.SocketAPIRequestsTotal.WithLabelValues("Internal").Inc()
		s.logger.Error().Err(err).Msg("get_deployed failed")
		writeError(w, http.StatusInternalServerError, "Internal", err.Error())
	}
}

func writeError(w http.ResponseWriter, status int, kind, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(errorResponse{Kind: kind, Message: message})
}
