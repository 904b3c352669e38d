// Geofenced - Real-Time Geofencing Engine for Tourist Safety
// Copyright 2026 TourSafe Labs
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/toursafe/geofenced

package api

import (
	"context"
	"errors"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/rs/zerolog"

	"github.com/toursafe/geofenced/internal/config"
)

// shutdownGrace bounds how long in-flight requests get after the supervisor
// cancels the server.
const shutdownGrace = 10 * time.Second

// Server runs the HTTP listener under supervision.
type Server struct {
	srv *http.Server
	log zerolog.Logger
}

// NewServer builds the listener over the router.
func NewServer(handler http.Handler, cfg config.ServerConfig, log zerolog.Logger) *Server {
	return &Server{
		srv: &http.Server{
			Addr:         net.JoinHostPort(cfg.Host, strconv.Itoa(cfg.Port)),
			Handler:      handler,
			ReadTimeout:  cfg.Timeout,
			WriteTimeout: cfg.Timeout,
		},
		log: log.With().Str("component", "http").Logger(),
	}
}

// Serve listens until the context is canceled, then drains in-flight requests.
func (s *Server) Serve(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		s.log.Info().Str("addr", s.srv.Addr).Msg("http server listening")
		errCh <- s.srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
		graceCtx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
		defer cancel()
		if err := s.srv.Shutdown(graceCtx); err != nil {
			s.log.Warn().Err(err).Msg("http shutdown incomplete")
		}
		<-errCh
		return ctx.Err()
	}
}

func (s *Server) String() string { return "http-server" }
