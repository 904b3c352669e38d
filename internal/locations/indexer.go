// Geofenced - Real-Time Geofencing Engine for Tourist Safety
// Copyright 2026 TourSafe Labs
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/toursafe/geofenced

// Package locations indexes tourist location updates and answers proximity
// queries.
//
// Writes are batched: updates buffer in memory and flush to the spatial index
// as one pipelined round trip, either when the buffer fills or on the flush
// interval. Reads go through the governor and a lookaside cache.
package locations

import (
	"context"
	"strconv"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/tidwall/gjson"

	"github.com/toursafe/geofenced/internal/cache"
	"github.com/toursafe/geofenced/internal/config"
	"github.com/toursafe/geofenced/internal/errs"
	"github.com/toursafe/geofenced/internal/metrics"
	"github.com/toursafe/geofenced/internal/models"
	"github.com/toursafe/geofenced/internal/observe"
	"github.com/toursafe/geofenced/internal/tile38"
	"github.com/toursafe/geofenced/internal/validation"
)

// Radius bounds for proximity queries, in meters.
const (
	MinRadiusM = 1.0
	MaxRadiusM = 100000.0
)

// Pipeliner flushes a command batch in one round trip. Satisfied by
// *tile38.Pool.
type Pipeliner interface {
	PipelineWrite(ctx context.Context, cmds []tile38.Command) ([]gjson.Result, []error, error)
}

// IndexerStats counts indexing activity.
type IndexerStats struct {
	Indexed   int64     `json:"indexed"`
	Failed    int64     `json:"failed"`
	Batches   int64     `json:"batches"`
	Buffered  int       `json:"buffered"`
	LastFlush time.Time `json:"lastFlush"`
}

// Indexer buffers location updates and writes them to the index in pipelined
// batches.
type Indexer struct {
	exec tile38.Executor
	pipe Pipeliner

	store *cache.Cache
	cfg   config.LocationsConfig
	cache config.CacheConfig
	coll  config.CollectionsConfig

	bus *observe.Bus
	log zerolog.Logger

	mu        sync.Mutex
	buffer    []models.LocationUpdate
	indexed   int64
	failed    int64
	batches   int64
	lastFlush time.Time
}

// NewIndexer builds an indexer. exec serves single queries through the
// governor; pipe bypasses it for batch flushes.
func NewIndexer(exec tile38.Executor, pipe Pipeliner, store *cache.Cache, cfg config.LocationsConfig, cacheCfg config.CacheConfig, coll config.CollectionsConfig, bus *observe.Bus, log zerolog.Logger) *Indexer {
	return &Indexer{
		exec:   exec,
		pipe:   pipe,
		store:  store,
		cfg:    cfg,
		cache:  cacheCfg,
		coll:   coll,
		bus:    bus,
		log:    log.With().Str("component", "locations").Logger(),
		buffer: make([]models.LocationUpdate, 0, cfg.BatchSize),
	}
}

// Index validates one update and buffers it for the next flush. A full buffer
// flushes inline.
func (ix *Indexer) Index(ctx context.Context, upd models.LocationUpdate) error {
	if err := validateUpdate(&upd); err != nil {
		return err
	}

	ix.mu.Lock()
	ix.buffer = append(ix.buffer, upd)
	full := len(ix.buffer) >= ix.cfg.BatchSize
	ix.mu.Unlock()

	if full {
		return ix.Flush(ctx)
	}
	return nil
}

// IndexNow validates and writes one update immediately, skipping the buffer.
// The synchronous ingestion path uses this so geofence checks see the write.
func (ix *Indexer) IndexNow(ctx context.Context, upd models.LocationUpdate) error {
	if err := validateUpdate(&upd); err != nil {
		return err
	}
	if _, err := ix.exec.ExecuteWrite(ctx, ix.setCommand(upd)); err != nil {
		ix.mu.Lock()
		ix.failed++
		ix.mu.Unlock()
		return err
	}
	ix.afterWrite(upd, 1)
	return nil
}

// Flush writes the buffered updates as one pipelined batch. Per-update
// failures are reported as observations; a transport failure returns the
// whole batch to the buffer head for the next flush.
func (ix *Indexer) Flush(ctx context.Context) error {
	ix.mu.Lock()
	if len(ix.buffer) == 0 {
		ix.mu.Unlock()
		return nil
	}
	batch := ix.buffer
	ix.buffer = make([]models.LocationUpdate, 0, ix.cfg.BatchSize)
	ix.mu.Unlock()

	cmds := make([]tile38.Command, 0, len(batch)*2)
	for _, upd := range batch {
		cmds = append(cmds, ix.setCommand(upd))
		if ix.cfg.EnableHistory {
			cmds = append(cmds, ix.historyCommand(upd))
		}
	}

	_, cmdErrs, err := ix.pipe.PipelineWrite(ctx, cmds)
	if err != nil {
		ix.mu.Lock()
		ix.buffer = append(batch, ix.buffer...)
		ix.mu.Unlock()
		return err
	}

	perUpdate := 1
	if ix.cfg.EnableHistory {
		perUpdate = 2
	}
	succeeded := 0
	for i, upd := range batch {
		if e := cmdErrs[i*perUpdate]; e != nil {
			ix.bus.Emit(observe.TypeLocationFailed, "locations", map[string]any{
				"userId": upd.UserID,
				"error":  e.Error(),
			})
			ix.mu.Lock()
			ix.failed++
			ix.mu.Unlock()
			continue
		}
		ix.cacheUpdate(upd)
		succeeded++
	}

	ix.mu.Lock()
	ix.indexed += int64(succeeded)
	ix.batches++
	ix.lastFlush = time.Now()
	ix.mu.Unlock()

	metrics.LocationsIndexed.Add(float64(succeeded))
	metrics.BatchFlushSize.Observe(float64(len(batch)))
	ix.log.Debug().Int("batch", len(batch)).Int("succeeded", succeeded).Msg("location batch flushed")
	return nil
}

// GetCurrent returns a user's last indexed position, cache first.
func (ix *Indexer) GetCurrent(ctx context.Context, userID string) (*models.LocationUpdate, error) {
	if userID == "" {
		return nil, errs.New(errs.KindValidation, "userId must not be empty")
	}

	var cached models.LocationUpdate
	if ix.store.GetJSON(cache.LocationKey(userID), &cached) {
		metrics.CacheHits.WithLabelValues("location").Inc()
		return &cached, nil
	}
	metrics.CacheMisses.WithLabelValues("location").Inc()

	result, err := ix.exec.ExecuteRead(ctx, tile38.Get(ix.coll.Tourists, userID, true))
	if err != nil {
		return nil, err
	}
	upd := decodeLocation(userID, result)
	ix.cacheUpdate(*upd)
	return upd, nil
}

// FindNearby returns users within radiusM meters of center, closest first as
// reported by the index.
func (ix *Indexer) FindNearby(ctx context.Context, center models.Coordinate, radiusM float64, limit int) ([]models.UserPosition, error) {
	if !center.Valid() {
		return nil, errs.New(errs.KindValidation, "center out of WGS-84 range")
	}
	if radiusM < MinRadiusM || radiusM > MaxRadiusM {
		return nil, errs.Newf(errs.KindValidation, "radius %.1f m out of range [%.0f, %.0f]", radiusM, MinRadiusM, MaxRadiusM)
	}
	if limit <= 0 || limit > ix.cfg.NearbyLimit {
		limit = ix.cfg.NearbyLimit
	}

	key := cache.NearbyKey(center.Latitude, center.Longitude, radiusM)
	var cached []models.UserPosition
	if ix.store.GetJSON(key, &cached) {
		metrics.CacheHits.WithLabelValues("nearby").Inc()
		return cached, nil
	}
	metrics.CacheMisses.WithLabelValues("nearby").Inc()

	result, err := ix.exec.ExecuteRead(ctx, tile38.Nearby(ix.coll.Tourists, limit, center, radiusM))
	if err != nil {
		return nil, err
	}
	positions := decodePositions(result)
	ix.store.SetJSON(key, positions, ix.cache.NearbyTTL)
	return positions, nil
}

// FindWithin returns users inside the polygon ring.
func (ix *Indexer) FindWithin(ctx context.Context, ring []models.Coordinate, limit int) ([]models.UserPosition, error) {
	geoJSON, err := tile38.PolygonJSON(ring)
	if err != nil {
		return nil, errs.Wrap(errs.KindValidation, "encoding query polygon", err)
	}
	if limit <= 0 || limit > ix.cfg.NearbyLimit {
		limit = ix.cfg.NearbyLimit
	}
	result, err := ix.exec.ExecuteRead(ctx, tile38.WithinPolygon(ix.coll.Tourists, limit, geoJSON))
	if err != nil {
		return nil, err
	}
	return decodePositions(result), nil
}

// Remove deletes a user's position from the index and cache.
func (ix *Indexer) Remove(ctx context.Context, userID string) error {
	ix.store.Delete(cache.LocationKey(userID))
	if _, err := ix.exec.ExecuteWrite(ctx, tile38.Del(ix.coll.Tourists, userID)); err != nil && errs.KindOf(err) != errs.KindNotFound {
		return err
	}
	return nil
}

// GetStats snapshots indexing counters.
func (ix *Indexer) GetStats() IndexerStats {
	ix.mu.Lock()
	defer ix.mu.Unlock()
	return IndexerStats{
		Indexed:   ix.indexed,
		Failed:    ix.failed,
		Batches:   ix.batches,
		Buffered:  len(ix.buffer),
		LastFlush: ix.lastFlush,
	}
}

// setCommand builds the current-position write for one update.
func (ix *Indexer) setCommand(upd models.LocationUpdate) tile38.Command {
	return tile38.SetPoint(ix.coll.Tourists, upd.UserID, updateFields(upd), ix.cfg.TTL, upd.Coordinate)
}

// historyCommand appends an immutable reading to the history lane.
func (ix *Indexer) historyCommand(upd models.LocationUpdate) tile38.Command {
	id := upd.UserID + ":" + strconv.FormatInt(upd.Timestamp.UnixMilli(), 10)
	return tile38.SetPoint(ix.coll.Tourists+":history", id, updateFields(upd), ix.cfg.HistoryTTL, upd.Coordinate)
}

func (ix *Indexer) afterWrite(upd models.LocationUpdate, n int) {
	ix.cacheUpdate(upd)
	ix.mu.Lock()
	ix.indexed += int64(n)
	ix.mu.Unlock()
	metrics.LocationsIndexed.Add(float64(n))
}

func (ix *Indexer) cacheUpdate(upd models.LocationUpdate) {
	ix.store.SetJSON(cache.LocationKey(upd.UserID), upd, ix.cache.LocationTTL)
}

// validateUpdate applies field constraints and stamps a missing timestamp.
func validateUpdate(upd *models.LocationUpdate) error {
	if err := validation.ValidateStruct(upd); err != nil {
		return err
	}
	if !upd.Coordinate.Valid() {
		return errs.New(errs.KindValidation, "coordinate out of WGS-84 range").
			WithDetail("latitude", upd.Coordinate.Latitude).
			WithDetail("longitude", upd.Coordinate.Longitude)
	}
	if upd.Timestamp.IsZero() {
		upd.Timestamp = time.Now().UTC()
	}
	return nil
}

// updateFields encodes the numeric side fields stored with a position.
func updateFields(upd models.LocationUpdate) []tile38.Field {
	fields := []tile38.Field{
		{Name: "ts", Value: strconv.FormatInt(upd.Timestamp.UnixMilli(), 10)},
	}
	if upd.Accuracy > 0 {
		fields = append(fields, tile38.Field{Name: "accuracy", Value: formatFloat(upd.Accuracy)})
	}
	if upd.Battery > 0 {
		fields = append(fields, tile38.Field{Name: "battery", Value: formatFloat(upd.Battery)})
	}
	if upd.Speed > 0 {
		fields = append(fields, tile38.Field{Name: "speed", Value: formatFloat(upd.Speed)})
	}
	if upd.Bearing > 0 {
		fields = append(fields, tile38.Field{Name: "bearing", Value: formatFloat(upd.Bearing)})
	}
	return fields
}

func formatFloat(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}

// decodeLocation rebuilds an update from a GET reply.
func decodeLocation(userID string, result gjson.Result) *models.LocationUpdate {
	coords := result.Get("object.coordinates")
	upd := &models.LocationUpdate{
		UserID: userID,
		Coordinate: models.Coordinate{
			Longitude: coords.Get("0").Float(),
			Latitude:  coords.Get("1").Float(),
		},
		Accuracy: result.Get("fields.accuracy").Float(),
		Battery:  result.Get("fields.battery").Float(),
		Speed:    result.Get("fields.speed").Float(),
		Bearing:  result.Get("fields.bearing").Float(),
	}
	if ts := result.Get("fields.ts").Int(); ts > 0 {
		upd.Timestamp = time.UnixMilli(ts).UTC()
	}
	return upd
}

// decodePositions rebuilds user positions from a NEARBY/WITHIN reply.
func decodePositions(result gjson.Result) []models.UserPosition {
	var out []models.UserPosition
	result.Get("objects").ForEach(func(_, obj gjson.Result) bool {
		coords := obj.Get("object.coordinates")
		out = append(out, models.UserPosition{
			UserID: obj.Get("id").String(),
			Coordinate: models.Coordinate{
				Longitude: coords.Get("0").Float(),
				Latitude:  coords.Get("1").Float(),
			},
			DistanceM: obj.Get("distance").Float(),
		})
		return true
	})
	return out
}

// FlushService flushes the buffer on the configured interval. It plugs into
// the supervision tree.
type FlushService struct {
	ix *Indexer
}

// NewFlushService wraps the indexer for supervision.
func NewFlushService(ix *Indexer) *FlushService {
	return &FlushService{ix: ix}
}

// Serve runs the flush loop until the context is canceled, then performs a
// final drain.
func (s *FlushService) Serve(ctx context.Context) error {
	ticker := time.NewTicker(s.ix.cfg.FlushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			drainCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := s.ix.Flush(drainCtx); err != nil {
				s.ix.log.Warn().Err(err).Msg("final location flush failed")
			}
			return ctx.Err()
		case <-ticker.C:
			if err := s.ix.Flush(ctx); err != nil {
				s.ix.log.Warn().Err(err).Msg("location flush failed")
			}
		}
	}
}

func (s *FlushService) String() string { return "location-flush" }
