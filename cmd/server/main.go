// Geofenced - Real-Time Geofencing Engine for Tourist Safety
// Copyright 2026 TourSafe Labs
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/toursafe/geofenced

// Command server runs the geofencing engine: the spatial index pool, the
// location pipeline, webhook delivery, and the HTTP API, all under one
// supervision tree.
package main

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/toursafe/geofenced/internal/api"
	"github.com/toursafe/geofenced/internal/config"
	"github.com/toursafe/geofenced/internal/engine"
	"github.com/toursafe/geofenced/internal/logging"
	"github.com/toursafe/geofenced/internal/supervisor"
)

// shutdownTimeout bounds the drain of queues and in-flight deliveries after
// the supervision tree stops.
const shutdownTimeout = 30 * time.Second

func main() {
	if err := run(); err != nil {
		logging.Err(err).Msg("server exited with error")
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}

	logging.Init(logging.Config{
		Level:  cfg.Logging.Level,
		Format: cfg.Logging.Format,
		Caller: cfg.Logging.Caller,
	})
	log := logging.Logger()
	log.Info().
		Str("environment", cfg.Environment).
		Str("index", cfg.Index.Host).
		Msg("starting geofencing engine")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	eng, err := engine.NewBuilder(cfg, log).Build(ctx)
	if err != nil {
		return err
	}

	tree := supervisor.NewTree(logging.NewSlogLogger(), supervisor.DefaultTreeConfig())
	services := eng.Services()
	for _, svc := range services.Index {
		tree.AddIndexService(svc)
	}
	for _, svc := range services.Pipeline {
		tree.AddPipelineService(svc)
	}
	tree.AddPipelineService(supervisor.NewObserverService(eng.Bus(), log))
	for _, svc := range services.Delivery {
		tree.AddDeliveryService(svc)
	}

	handler := api.NewHandler(eng, log)
	tree.AddAPIService(api.NewServer(api.NewRouter(handler, cfg.Server), cfg.Server, log))

	err = tree.Serve(ctx)
	if err != nil && !errors.Is(err, context.Canceled) {
		log.Error().Err(err).Msg("supervision tree stopped")
	}

	drainCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	eng.Shutdown(drainCtx)
	log.Info().Msg("shutdown complete")

	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}
