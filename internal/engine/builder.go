// Geofenced - Real-Time Geofencing Engine for Tourist Safety
// Copyright 2026 TourSafe Labs
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/toursafe/geofenced

package engine

import (
	"context"
	"net"
	"strconv"

	"github.com/rs/zerolog"

	"github.com/toursafe/geofenced/internal/cache"
	"github.com/toursafe/geofenced/internal/config"
	"github.com/toursafe/geofenced/internal/detector"
	"github.com/toursafe/geofenced/internal/governor"
	"github.com/toursafe/geofenced/internal/locations"
	"github.com/toursafe/geofenced/internal/observe"
	"github.com/toursafe/geofenced/internal/tile38"
	"github.com/toursafe/geofenced/internal/webhook"
	"github.com/toursafe/geofenced/internal/zones"
)

// Builder constructs a fully wired engine. Initialization is synchronous:
// Build returns only after the index pool is ready and the zone inventory is
// loaded, or with an error.
type Builder struct {
	cfg  *config.Config
	log  zerolog.Logger
	dial tile38.DialFunc
}

// NewBuilder starts a builder with the given configuration.
func NewBuilder(cfg *config.Config, log zerolog.Logger) *Builder {
	return &Builder{cfg: cfg, log: log}
}

// WithDial overrides how index connections are established.
func (b *Builder) WithDial(dial tile38.DialFunc) *Builder {
	b.dial = dial
	return b
}

// Build wires the subsystems in dependency order: pool, governor, cache,
// zones, locations, webhooks, detector, bulk processor. The returned engine
// is initialized; its Services still need a supervisor to run.
func (b *Builder) Build(ctx context.Context) (*Engine, error) {
	cfg := b.cfg
	bus := observe.NewBus()

	dial := b.dial
	if dial == nil {
		dial = tile38.DefaultDial(cfg.Index.ConnectTimeout)
	}
	primary := net.JoinHostPort(cfg.Index.Host, strconv.Itoa(cfg.Index.Port))
	pool := tile38.NewPool(cfg.Index, primary, dial, bus, b.log)

	readyCtx, cancel := context.WithTimeout(ctx, cfg.Index.ReadyTimeout)
	defer cancel()
	if err := pool.Ready(readyCtx); err != nil {
		pool.Close()
		return nil, err
	}

	gov := governor.New(pool, cfg.Governor, cfg.Index.MaxConcurrentQueries, bus, b.log)

	var store *cache.Cache
	if cfg.Cache.Enabled {
		store = cache.New(cfg.Cache.LocationTTL)
	}

	// Zone traffic is low-volume admin work and must be usable before the
	// governor starts serving (the startup load below), so the manager talks
	// to the pool directly. High-volume location and detection traffic goes
	// through the governor.
	zm := zones.NewManager(pool, store, cfg.Zones, cfg.Index.Collections, b.log)

	ix := locations.NewIndexer(gov, pool, store, cfg.Locations, cfg.Cache, cfg.Index.Collections, bus, b.log)
	hooks := webhook.NewDispatcher(cfg.Webhooks, zm, gov, cfg.Index.Collections, bus, b.log)
	det := detector.New(gov, zm, hooks, cfg.Detector, cfg.Index.Collections, bus, b.log)
	bulk := locations.NewProcessor(ix, det, hooks, cfg.Bulk, bus, b.log)

	e := newEngine(cfg, pool, gov, gov, store, zm, ix, bulk, det, hooks, bus, b.log)
	e.services = ServiceSet{
		Index: []Service{
			tile38.NewProbeService(pool),
			gov,
		},
		Pipeline: []Service{
			locations.NewFlushService(ix),
			bulk,
			detector.NewSweepService(det),
		},
		Delivery: []Service{
			webhook.NewDrainService(hooks),
		},
	}

	if err := zm.Load(ctx); err != nil {
		pool.Close()
		return nil, err
	}

	e.initialized.Store(true)
	b.log.Info().
		Str("primary", primary).
		Int("replicas", len(cfg.Index.Replicas)).
		Bool("cache", cfg.Cache.Enabled).
		Msg("engine initialized")
	return e, nil
}
