// Geofenced - Real-Time Geofencing Engine for Tourist Safety
// Copyright 2026 TourSafe Labs
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/toursafe/geofenced

// Package engine wires the geofencing subsystems together and exposes the
// unified operation surface: location ingestion (synchronous and bulk), zone
// CRUD, spatial queries, pure distance math, webhook management, health
// aggregation, and coordinated shutdown.
//
// Every public operation fails with NotInitialized until Build completes and
// after Shutdown begins.
package engine

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog"

	"github.com/toursafe/geofenced/internal/cache"
	"github.com/toursafe/geofenced/internal/config"
	"github.com/toursafe/geofenced/internal/detector"
	"github.com/toursafe/geofenced/internal/errs"
	"github.com/toursafe/geofenced/internal/geo"
	"github.com/toursafe/geofenced/internal/governor"
	"github.com/toursafe/geofenced/internal/locations"
	"github.com/toursafe/geofenced/internal/models"
	"github.com/toursafe/geofenced/internal/observe"
	"github.com/toursafe/geofenced/internal/tile38"
	"github.com/toursafe/geofenced/internal/validation"
	"github.com/toursafe/geofenced/internal/webhook"
	"github.com/toursafe/geofenced/internal/zones"
)

// indexPool is the slice of the connection pool the engine needs for health
// reporting and shutdown.
type indexPool interface {
	Health() []tile38.ConnectionStatus
	PrimaryConnected() bool
	Close() error
}

// Service is a long-running activity the supervision tree schedules.
type Service interface {
	Serve(ctx context.Context) error
	String() string
}

// ServiceSet groups the engine's long-running activities by supervision
// layer.
type ServiceSet struct {
	Index    []Service // connection probes, governor
	Pipeline []Service // batch flusher, bulk processor, detector sweep
	Delivery []Service // webhook drainer
}

// ZoneQuery selects the region for a users-in-zone lookup. Exactly one of
// ZoneID, Ring, or Bounds must be set; ZoneID wins when several are.
type ZoneQuery struct {
	ZoneID string              `json:"zoneId,omitempty"`
	Ring   []models.Coordinate `json:"ring,omitempty"`
	Bounds *models.BoundingBox `json:"bounds,omitempty"`
	Limit  int                 `json:"limit,omitempty"`
}

// Engine is the wired orchestrator.
type Engine struct {
	cfg   *config.Config
	pool  indexPool
	gov   *governor.Governor
	exec  tile38.Executor
	store *cache.Cache
	zones *zones.Manager
	ix    *locations.Indexer
	bulk  *locations.Processor
	det   *detector.Detector
	hooks *webhook.Dispatcher
	bus   *observe.Bus
	log   zerolog.Logger

	services ServiceSet

	initialized  atomic.Bool
	shutdownOnce sync.Once

	syncProcessed atomic.Int64
	syncFailed    atomic.Int64

	distHaversine atomic.Int64
	distVincenty  atomic.Int64
	distAuto      atomic.Int64
	distMatrix    atomic.Int64
	distNearest   atomic.Int64
}

// newEngine assembles an engine from already-constructed parts. Build is the
// production path; tests wire fakes through here.
func newEngine(cfg *config.Config, pool indexPool, gov *governor.Governor, exec tile38.Executor, store *cache.Cache, zm *zones.Manager, ix *locations.Indexer, bulk *locations.Processor, det *detector.Detector, hooks *webhook.Dispatcher, bus *observe.Bus, log zerolog.Logger) *Engine {
	return &Engine{
		cfg:   cfg,
		pool:  pool,
		gov:   gov,
		exec:  exec,
		store: store,
		zones: zm,
		ix:    ix,
		bulk:  bulk,
		det:   det,
		hooks: hooks,
		bus:   bus,
		log:   log.With().Str("component", "engine").Logger(),
	}
}

func (e *Engine) guard() error {
	if !e.initialized.Load() {
		return errs.New(errs.KindNotInitialized, "engine not initialized")
	}
	return nil
}

// Bus exposes the observation bus for external subscribers.
func (e *Engine) Bus() *observe.Bus { return e.bus }

// Services returns the long-running activities the supervision tree should
// schedule, grouped by layer.
func (e *Engine) Services() ServiceSet { return e.services }

// UpdateLocation is the synchronous ingestion path: index the point, check
// zone intersections, and hand resulting events to the webhook dispatcher.
// The returned events are what this update produced.
func (e *Engine) UpdateLocation(ctx context.Context, upd models.LocationUpdate) ([]*models.GeofenceEvent, error) {
	if err := e.guard(); err != nil {
		return nil, err
	}
	if err := e.ix.IndexNow(ctx, upd); err != nil {
		e.syncFailed.Add(1)
		return nil, err
	}
	events, err := e.det.CheckLocation(ctx, upd)
	if err != nil {
		e.syncFailed.Add(1)
		return nil, err
	}
	e.hooks.EnqueueEvents(events)
	e.syncProcessed.Add(1)
	return events, nil
}

// ProcessGeofenceEvent accepts an event built by an external producer and
// routes it through enrichment and webhook delivery.
func (e *Engine) ProcessGeofenceEvent(ctx context.Context, event *models.GeofenceEvent) error {
	if err := e.guard(); err != nil {
		return err
	}
	return e.det.ProcessEvent(ctx, event)
}

// QueueLocationUpdate enqueues one update for the bulk processor.
func (e *Engine) QueueLocationUpdate(upd models.LocationUpdate) error {
	if err := e.guard(); err != nil {
		return err
	}
	if err := validation.ValidateStruct(upd); err != nil {
		return err
	}
	e.bulk.Enqueue(upd)
	return nil
}

// ProcessBulkLocations validates a batch and enqueues it whole. The whole
// batch is rejected when any element is invalid. Returns the number queued.
func (e *Engine) ProcessBulkLocations(upds []models.LocationUpdate) (int, error) {
	if err := e.guard(); err != nil {
		return 0, err
	}
	if len(upds) == 0 {
		return 0, errs.New(errs.KindValidation, "empty location batch")
	}
	for i, upd := range upds {
		if err := validation.ValidateStruct(upd); err != nil {
			return 0, errs.Wrap(errs.KindValidation, "invalid location in batch", err).
				WithDetail("index", i).
				WithDetail("userId", upd.UserID)
		}
	}
	e.bulk.Enqueue(upds...)
	return len(upds), nil
}

// GetUserLocation returns the last known location for a user.
func (e *Engine) GetUserLocation(ctx context.Context, userID string) (*models.LocationUpdate, error) {
	if err := e.guard(); err != nil {
		return nil, err
	}
	if userID == "" {
		return nil, errs.New(errs.KindValidation, "userId must not be empty")
	}
	return e.ix.GetCurrent(ctx, userID)
}

// FindNearbyUsers runs a radius query around a center point.
func (e *Engine) FindNearbyUsers(ctx context.Context, center models.Coordinate, radiusM float64, limit int) ([]models.UserPosition, error) {
	if err := e.guard(); err != nil {
		return nil, err
	}
	return e.ix.FindNearby(ctx, center, radiusM, limit)
}

// FindUsersInZone returns the users currently inside the queried region.
func (e *Engine) FindUsersInZone(ctx context.Context, q ZoneQuery) ([]models.UserPosition, error) {
	if err := e.guard(); err != nil {
		return nil, err
	}
	var ring []models.Coordinate
	switch {
	case q.ZoneID != "":
		zone, err := e.zones.Get(ctx, q.ZoneID)
		if err != nil {
			return nil, err
		}
		ring = zone.Coordinates
	case len(q.Ring) > 0:
		ring = q.Ring
	case q.Bounds != nil:
		ring = ringFromBounds(*q.Bounds)
	default:
		return nil, errs.New(errs.KindValidation, "zone query requires a zoneId, ring, or bounds")
	}
	return e.ix.FindWithin(ctx, ring, q.Limit)
}

// RemoveUserLocation erases a user's live position, for logout or offline.
func (e *Engine) RemoveUserLocation(ctx context.Context, userID string) error {
	if err := e.guard(); err != nil {
		return err
	}
	if userID == "" {
		return errs.New(errs.KindValidation, "userId must not be empty")
	}
	return e.ix.Remove(ctx, userID)
}

// CreateZone validates and persists a new zone.
func (e *Engine) CreateZone(ctx context.Context, in zones.CreateInput) (*models.Zone, error) {
	if err := e.guard(); err != nil {
		return nil, err
	}
	return e.zones.Create(ctx, in)
}

// UpdateZone applies a partial update to a zone.
func (e *Engine) UpdateZone(ctx context.Context, id string, in zones.UpdateInput) (*models.Zone, error) {
	if err := e.guard(); err != nil {
		return nil, err
	}
	return e.zones.Update(ctx, id, in)
}

// DeleteZone removes a zone; deleting an absent zone is a no-op.
func (e *Engine) DeleteZone(ctx context.Context, id string) error {
	if err := e.guard(); err != nil {
		return err
	}
	return e.zones.Delete(ctx, id)
}

// GetZone returns one zone by ID.
func (e *Engine) GetZone(ctx context.Context, id string) (*models.Zone, error) {
	if err := e.guard(); err != nil {
		return nil, err
	}
	return e.zones.Get(ctx, id)
}

// SearchZones runs a filtered zone search.
func (e *Engine) SearchZones(ctx context.Context, f zones.SearchFilter) ([]*models.Zone, error) {
	if err := e.guard(); err != nil {
		return nil, err
	}
	return e.zones.Search(ctx, f)
}

// GetZoneStats summarizes the zone inventory.
func (e *Engine) GetZoneStats() (zones.Stats, error) {
	if err := e.guard(); err != nil {
		return zones.Stats{}, err
	}
	return e.zones.GetStats(), nil
}

// CalculateDistance computes the distance between two points.
func (e *Engine) CalculateDistance(a, b models.Coordinate, unit geo.Unit, alg geo.Algorithm) (float64, error) {
	if err := e.guard(); err != nil {
		return 0, err
	}
	unit, alg = distanceDefaults(unit, alg)
	d, err := geo.Distance(a, b, unit, alg)
	if err != nil {
		return 0, err
	}
	e.countAlgorithm(alg)
	return d, nil
}

// CalculateDistanceMatrix computes pairwise distances between the points.
func (e *Engine) CalculateDistanceMatrix(points []models.Coordinate, unit geo.Unit, alg geo.Algorithm) ([][]float64, error) {
	if err := e.guard(); err != nil {
		return nil, err
	}
	unit, alg = distanceDefaults(unit, alg)
	m, err := geo.DistanceMatrix(points, unit, alg)
	if err != nil {
		return nil, err
	}
	e.distMatrix.Add(1)
	return m, nil
}

// FindNearestPoint returns the index of and distance to the candidate nearest
// the origin.
func (e *Engine) FindNearestPoint(origin models.Coordinate, candidates []models.Coordinate, unit geo.Unit, alg geo.Algorithm) (int, float64, error) {
	if err := e.guard(); err != nil {
		return 0, 0, err
	}
	unit, alg = distanceDefaults(unit, alg)
	i, d, err := geo.Nearest(origin, candidates, unit, alg)
	if err != nil {
		return 0, 0, err
	}
	e.distNearest.Add(1)
	return i, d, nil
}

func distanceDefaults(unit geo.Unit, alg geo.Algorithm) (geo.Unit, geo.Algorithm) {
	if unit == "" {
		unit = geo.UnitMeters
	}
	if alg == "" {
		alg = geo.AlgorithmAuto
	}
	return unit, alg
}

func (e *Engine) countAlgorithm(alg geo.Algorithm) {
	switch alg {
	case geo.AlgorithmHaversine:
		e.distHaversine.Add(1)
	case geo.AlgorithmVincenty:
		e.distVincenty.Add(1)
	default:
		e.distAuto.Add(1)
	}
}

// RegisterWebhook validates and registers a subscriber.
func (e *Engine) RegisterWebhook(ctx context.Context, in webhook.RegisterInput) (*models.WebhookConfig, error) {
	if err := e.guard(); err != nil {
		return nil, err
	}
	return e.hooks.Register(ctx, in)
}

// UpdateWebhook applies a partial update to a subscriber.
func (e *Engine) UpdateWebhook(ctx context.Context, id string, in webhook.UpdateInput) (*models.WebhookConfig, error) {
	if err := e.guard(); err != nil {
		return nil, err
	}
	return e.hooks.Update(ctx, id, in)
}

// RemoveWebhook deletes a subscriber; removing an absent one is a no-op.
func (e *Engine) RemoveWebhook(ctx context.Context, id string) error {
	if err := e.guard(); err != nil {
		return err
	}
	return e.hooks.Remove(ctx, id)
}

// GetWebhook returns one subscriber by ID.
func (e *Engine) GetWebhook(id string) (*models.WebhookConfig, error) {
	if err := e.guard(); err != nil {
		return nil, err
	}
	return e.hooks.Get(id)
}

// ListWebhooks returns every subscriber.
func (e *Engine) ListWebhooks() ([]*models.WebhookConfig, error) {
	if err := e.guard(); err != nil {
		return nil, err
	}
	return e.hooks.List(), nil
}

// TestWebhook sends a synthetic event to one subscriber.
func (e *Engine) TestWebhook(ctx context.Context, id string) error {
	if err := e.guard(); err != nil {
		return err
	}
	return e.hooks.Test(ctx, id)
}

// GetWebhookStatistics snapshots delivery counters.
func (e *Engine) GetWebhookStatistics() (webhook.Statistics, error) {
	if err := e.guard(); err != nil {
		return webhook.Statistics{}, err
	}
	return e.hooks.GetStatistics(), nil
}

// RewriteAOF asks the index to compact its append-only file. Maintenance
// operation for a periodic task.
func (e *Engine) RewriteAOF(ctx context.Context) error {
	if err := e.guard(); err != nil {
		return err
	}
	_, err := e.exec.ExecuteWrite(ctx, tile38.RewriteAOF())
	return err
}

// Shutdown stops the engine: the bulk processor stops accepting and drains,
// the indexer flushes its buffer, the webhook dispatcher drains its queue,
// the governor rejects pending requests, then connections close. Safe to call
// more than once.
func (e *Engine) Shutdown(ctx context.Context) {
	e.shutdownOnce.Do(func() {
		e.initialized.Store(false)
		e.log.Info().Msg("engine shutting down")

		if e.bulk != nil {
			e.bulk.Drain(ctx)
			e.bulk.Stop()
		}
		if e.ix != nil {
			if err := e.ix.Flush(ctx); err != nil {
				e.log.Warn().Err(err).Msg("final location flush failed")
			}
		}
		if e.hooks != nil {
			e.hooks.Close(ctx)
		}
		if e.gov != nil {
			e.gov.Close()
		}
		e.store.Close()
		if e.pool != nil {
			if err := e.pool.Close(); err != nil {
				e.log.Warn().Err(err).Msg("closing index pool failed")
			}
		}
		e.log.Info().Msg("engine stopped")
	})
}

// ringFromBounds builds the closed rectangle ring of a bounding box.
func ringFromBounds(b models.BoundingBox) []models.Coordinate {
	return []models.Coordinate{
		{Latitude: b.MinLat, Longitude: b.MinLon},
		{Latitude: b.MinLat, Longitude: b.MaxLon},
		{Latitude: b.MaxLat, Longitude: b.MaxLon},
		{Latitude: b.MaxLat, Longitude: b.MinLon},
		{Latitude: b.MinLat, Longitude: b.MinLon},
	}
}
