package hackhttp

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"

	"github.com/rs/zerolog"
)

// UnixServer serves the router over the trusted local socket.
type UnixServer struct {
	socketPath string
	httpServer *http.Server
	log        zerolog.Logger
}

// NewUnixServer wraps handler so every request carries the local-peer
// mark.
func NewUnixServer(socketPath string, handler http.Handler, log zerolog.Logger) *UnixServer {
	wrapped := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		handler.ServeHTTP(w, r.WithContext(WithLocalPeer(r.Context())))
	})
	return &UnixServer{
		socketPath: socketPath,
		httpServer: &http.Server{Handler: wrapped},
		log:        log,
	}
}

// Start binds the socket and serves in the background. A leftover
// socket file from a crashed daemon is removed first; liveness is
// decided by the pid file, not the socket.
func (s *UnixServer) Start() error {
	if _, err := os.Stat(s.socketPath); err == nil {
		if err := os.Remove(s.socketPath); err != nil {
			return fmt.Errorf("removing stale socket: %w", err)
		}
		s.log.Debug().Str("socket", s.socketPath).Msg("removed stale socket")
	}

	listener, err := net.Listen("unix", s.socketPath)
	if err != nil {
		return fmt.Errorf("binding socket %s: %w", s.socketPath, err)
	}
	if err := os.Chmod(s.socketPath, 0o600); err != nil {
		listener.Close()
		return fmt.Errorf("restricting socket permissions: %w", err)
	}

	go func() {
		if err := s.httpServer.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.log.Error().Err(err).Msg("unix socket server stopped")
		}
	}()

	s.log.Info().Str("socket", s.socketPath).Msg("local API listening")
	return nil
}

// Shutdown stops the server and removes the socket file.
func (s *UnixServer) Shutdown(ctx context.Context) error {
	err := s.httpServer.Shutdown(ctx)
	if removeErr := os.Remove(s.socketPath); removeErr != nil && !errors.Is(removeErr, os.ErrNotExist) {
		s.log.Warn().Err(removeErr).Msg("socket file not removed")
	}
	return err
}
