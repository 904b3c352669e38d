// Geofenced - Real-Time Geofencing Engine for Tourist Safety
// Copyright 2026 TourSafe Labs
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/toursafe/geofenced

// Package zones manages the lifecycle of geofence zones: polygon validation,
// overlap enforcement against active zones, persistence to the spatial index,
// and point/region lookups.
//
// The manager keeps an authoritative in-memory replica of every zone. The
// spatial index holds the geometry for spatial narrowing plus a metadata
// document per zone so the replica survives restarts.
package zones

import (
	"context"
	"strconv"
	"sync"
	"time"

	"github.com/goccy/go-json"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/tidwall/gjson"

	"github.com/toursafe/geofenced/internal/cache"
	"github.com/toursafe/geofenced/internal/config"
	"github.com/toursafe/geofenced/internal/errs"
	"github.com/toursafe/geofenced/internal/geo"
	"github.com/toursafe/geofenced/internal/metrics"
	"github.com/toursafe/geofenced/internal/models"
	"github.com/toursafe/geofenced/internal/tile38"
	"github.com/toursafe/geofenced/internal/validation"
)

// metaSuffix names the collection carrying zone metadata documents.
const metaSuffix = ":meta"

// loadScanLimit bounds one SCAN page during startup load.
const loadScanLimit = 10000

// CreateInput is the caller-supplied portion of a new zone.
type CreateInput struct {
	Name              string              `json:"name" validate:"required,zonename"`
	Type              models.ZoneType     `json:"type" validate:"required"`
	Description       string              `json:"description,omitempty"`
	Coordinates       []models.Coordinate `json:"coordinates" validate:"required"`
	RiskLevel         int                 `json:"riskLevel,omitempty" validate:"omitempty,min=1,max=10"`
	AlertMessage      string              `json:"alertMessage,omitempty"`
	EmergencyContacts []string            `json:"emergencyContacts,omitempty"`
	CreatedBy         string              `json:"createdBy,omitempty"`
}

// UpdateInput is a partial zone update; nil fields keep their current value.
type UpdateInput struct {
	Name              *string              `json:"name,omitempty"`
	Type              *models.ZoneType     `json:"type,omitempty"`
	Status            *models.ZoneStatus   `json:"status,omitempty"`
	Description       *string              `json:"description,omitempty"`
	Coordinates       *[]models.Coordinate `json:"coordinates,omitempty"`
	RiskLevel         *int                 `json:"riskLevel,omitempty"`
	AlertMessage      *string              `json:"alertMessage,omitempty"`
	EmergencyContacts *[]string            `json:"emergencyContacts,omitempty"`
}

// SearchFilter narrows a zone search. Point and Bounds are spatial filters
// answered by the index; the rest post-filter in memory.
type SearchFilter struct {
	Point     *models.Coordinate  `json:"point,omitempty"`
	Bounds    *models.BoundingBox `json:"bounds,omitempty"`
	Types     []models.ZoneType   `json:"types,omitempty"`
	Statuses  []models.ZoneStatus `json:"statuses,omitempty"`
	MinRisk   int                 `json:"minRisk,omitempty"`
	MaxRisk   int                 `json:"maxRisk,omitempty"`
	CreatedBy string              `json:"createdBy,omitempty"`
	Limit     int                 `json:"limit,omitempty"`
}

// Stats summarizes the zone inventory.
type Stats struct {
	Total    int            `json:"total"`
	Active   int            `json:"active"`
	ByType   map[string]int `json:"byType"`
	ByStatus map[string]int `json:"byStatus"`
}

// Manager owns the zone inventory.
type Manager struct {
	exec  tile38.Executor
	cache *cache.Cache
	cfg   config.ZonesConfig

	geomColl string
	metaColl string

	log zerolog.Logger

	mu    sync.RWMutex
	zones map[string]*models.Zone
}

// NewManager builds an empty manager. Call Load to hydrate from the index.
func NewManager(exec tile38.Executor, c *cache.Cache, cfg config.ZonesConfig, coll config.CollectionsConfig, log zerolog.Logger) *Manager {
	return &Manager{
		exec:     exec,
		cache:    c,
		cfg:      cfg,
		geomColl: coll.Zones,
		metaColl: coll.Zones + metaSuffix,
		log:      log.With().Str("component", "zones").Logger(),
		zones:    make(map[string]*models.Zone),
	}
}

// Load hydrates the in-memory inventory from the index's metadata collection.
// A missing collection is an empty inventory, not an error.
func (m *Manager) Load(ctx context.Context) error {
	result, err := m.exec.ExecuteRead(ctx, tile38.Scan(m.metaColl, loadScanLimit, false))
	if err != nil {
		if errs.KindOf(err) == errs.KindNotFound {
			return nil
		}
		return err
	}

	loaded := 0
	var firstErr error
	result.Get("objects").ForEach(func(_, obj gjson.Result) bool {
		var z models.Zone
		if err := json.Unmarshal([]byte(obj.Get("object").String()), &z); err != nil {
			if firstErr == nil {
				firstErr = errs.Wrap(errs.KindInternal, "decoding zone "+obj.Get("id").String(), err)
			}
			return true
		}
		m.mu.Lock()
		m.zones[z.ID] = &z
		m.mu.Unlock()
		loaded++
		return true
	})
	m.log.Info().Int("zones", loaded).Msg("zone inventory loaded")
	return firstErr
}

// Create validates and persists a new zone.
//
// Geometry rules: ring auto-closed, 3-100 distinct valid vertices, no
// self-intersection, area within [100 m², 10⁹ m²], and no overlap with any
// active zone.
func (m *Manager) Create(ctx context.Context, in CreateInput) (*models.Zone, error) {
	if err := validation.ValidateStruct(in); err != nil {
		return nil, err
	}
	if !in.Type.Valid() {
		return nil, errs.Newf(errs.KindZoneValidation, "unknown zone type %q", in.Type)
	}

	ring, err := normalizeRing(in.Coordinates, m.cfg.SimplifyToleranceDeg)
	if err != nil {
		return nil, err
	}
	bbox := geo.BoundingBoxOf(ring)

	m.mu.RLock()
	existing := m.snapshotLocked()
	m.mu.RUnlock()
	if err := checkOverlap(ring, bbox, existing, ""); err != nil {
		return nil, err
	}

	risk := in.RiskLevel
	if risk == 0 {
		risk = in.Type.DefaultRiskLevel()
	}
	now := time.Now().UTC()
	zone := &models.Zone{
		ID:                uuid.NewString(),
		Name:              in.Name,
		Type:              in.Type,
		Status:            models.ZoneStatusActive,
		Description:       in.Description,
		Coordinates:       ring,
		BoundingBox:       bbox,
		RiskLevel:         risk,
		AlertMessage:      in.AlertMessage,
		EmergencyContacts: in.EmergencyContacts,
		CreatedBy:         in.CreatedBy,
		CreatedAt:         now,
		UpdatedAt:         now,
	}

	if err := m.persist(ctx, zone); err != nil {
		return nil, err
	}

	m.mu.Lock()
	m.zones[zone.ID] = zone
	m.mu.Unlock()
	m.cacheZone(zone)
	m.log.Info().Str("zoneId", zone.ID).Str("name", zone.Name).Str("type", string(zone.Type)).Msg("zone created")
	return zone, nil
}

// Update applies a partial update, re-running geometry and overlap checks
// when the ring or status changes.
func (m *Manager) Update(ctx context.Context, id string, in UpdateInput) (*models.Zone, error) {
	m.mu.RLock()
	current, ok := m.zones[id]
	existing := m.snapshotLocked()
	m.mu.RUnlock()
	if !ok {
		return nil, errs.Newf(errs.KindNotFound, "zone %s not found", id)
	}

	updated := *current
	if in.Name != nil {
		updated.Name = *in.Name
	}
	if in.Type != nil {
		if !in.Type.Valid() {
			return nil, errs.Newf(errs.KindZoneValidation, "unknown zone type %q", *in.Type)
		}
		updated.Type = *in.Type
	}
	if in.Status != nil {
		if !in.Status.Valid() {
			return nil, errs.Newf(errs.KindZoneValidation, "unknown zone status %q", *in.Status)
		}
		updated.Status = *in.Status
	}
	if in.Description != nil {
		updated.Description = *in.Description
	}
	if in.RiskLevel != nil {
		if *in.RiskLevel < 1 || *in.RiskLevel > 10 {
			return nil, errs.Newf(errs.KindZoneValidation, "risk level %d out of range [1,10]", *in.RiskLevel)
		}
		updated.RiskLevel = *in.RiskLevel
	}
	if in.AlertMessage != nil {
		updated.AlertMessage = *in.AlertMessage
	}
	if in.EmergencyContacts != nil {
		updated.EmergencyContacts = *in.EmergencyContacts
	}
	if in.Coordinates != nil {
		ring, err := normalizeRing(*in.Coordinates, m.cfg.SimplifyToleranceDeg)
		if err != nil {
			return nil, err
		}
		updated.Coordinates = ring
		updated.BoundingBox = geo.BoundingBoxOf(ring)
	}
	if err := validation.ValidateStruct(&updated); err != nil {
		return nil, err
	}

	// Geometry or reactivation can introduce a fresh conflict.
	if updated.Active() && (in.Coordinates != nil || in.Status != nil) {
		if err := checkOverlap(updated.Coordinates, updated.BoundingBox, existing, id); err != nil {
			return nil, err
		}
	}

	updated.UpdatedAt = time.Now().UTC()
	if err := m.persist(ctx, &updated); err != nil {
		return nil, err
	}

	m.mu.Lock()
	m.zones[id] = &updated
	m.mu.Unlock()
	m.cacheZone(&updated)
	m.log.Info().Str("zoneId", id).Msg("zone updated")
	return &updated, nil
}

// Delete removes a zone. Deleting an absent zone is a no-op.
func (m *Manager) Delete(ctx context.Context, id string) error {
	m.mu.Lock()
	_, existed := m.zones[id]
	delete(m.zones, id)
	m.mu.Unlock()
	m.cache.Delete(cache.ZoneKey(id))

	if _, err := m.exec.ExecuteWrite(ctx, tile38.Del(m.geomColl, id)); err != nil && errs.KindOf(err) != errs.KindNotFound {
		return err
	}
	if _, err := m.exec.ExecuteWrite(ctx, tile38.Del(m.metaColl, id)); err != nil && errs.KindOf(err) != errs.KindNotFound {
		return err
	}
	if existed {
		m.log.Info().Str("zoneId", id).Msg("zone deleted")
	}
	return nil
}

// Get returns one zone by ID.
func (m *Manager) Get(ctx context.Context, id string) (*models.Zone, error) {
	var cached models.Zone
	if m.cache.GetJSON(cache.ZoneKey(id), &cached) {
		metrics.CacheHits.WithLabelValues("zone").Inc()
		return &cached, nil
	}
	metrics.CacheMisses.WithLabelValues("zone").Inc()

	m.mu.RLock()
	zone, ok := m.zones[id]
	m.mu.RUnlock()
	if !ok {
		return nil, errs.Newf(errs.KindNotFound, "zone %s not found", id)
	}
	m.cacheZone(zone)
	return zone, nil
}

// Search filters the inventory, using the index for spatial narrowing when a
// point or bounds filter is present.
func (m *Manager) Search(ctx context.Context, f SearchFilter) ([]*models.Zone, error) {
	var candidates []*models.Zone

	switch {
	case f.Point != nil:
		if !f.Point.Valid() {
			return nil, errs.New(errs.KindValidation, "search point out of WGS-84 range")
		}
		ids, err := m.spatialIDs(ctx, tile38.IntersectsPoint(m.geomColl, *f.Point))
		if err != nil {
			return nil, err
		}
		candidates = m.byIDs(ids)
	case f.Bounds != nil:
		ids, err := m.spatialIDs(ctx, tile38.WithinBounds(m.geomColl, 0, *f.Bounds))
		if err != nil {
			return nil, err
		}
		candidates = m.byIDs(ids)
	default:
		m.mu.RLock()
		candidates = m.snapshotLocked()
		m.mu.RUnlock()
	}

	out := make([]*models.Zone, 0, len(candidates))
	for _, z := range candidates {
		if !matchFilter(z, f) {
			continue
		}
		out = append(out, z)
		if f.Limit > 0 && len(out) >= f.Limit {
			break
		}
	}
	return out, nil
}

// ZonesAt returns the active zones whose polygon contains the point, answered
// entirely from the in-memory inventory.
func (m *Manager) ZonesAt(p models.Coordinate) []*models.Zone {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []*models.Zone
	for _, z := range m.zones {
		if !z.Active() || !z.BoundingBox.Contains(p) {
			continue
		}
		if geo.PointInPolygon(p, z.Coordinates) {
			out = append(out, z)
		}
	}
	return out
}

// ZoneByID is a lock-only lookup for hot paths that cannot afford the cache
// round trip.
func (m *Manager) ZoneByID(id string) (*models.Zone, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	z, ok := m.zones[id]
	return z, ok
}

// ActiveZones returns every active zone.
func (m *Manager) ActiveZones() []*models.Zone {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]*models.Zone, 0, len(m.zones))
	for _, z := range m.zones {
		if z.Active() {
			out = append(out, z)
		}
	}
	return out
}

// GetStats summarizes the inventory.
func (m *Manager) GetStats() Stats {
	m.mu.RLock()
	defer m.mu.RUnlock()

	s := Stats{
		Total:    len(m.zones),
		ByType:   make(map[string]int),
		ByStatus: make(map[string]int),
	}
	for _, z := range m.zones {
		if z.Active() {
			s.Active++
		}
		s.ByType[string(z.Type)]++
		s.ByStatus[string(z.Status)]++
	}
	return s
}

// persist writes geometry and metadata for one zone to the index.
func (m *Manager) persist(ctx context.Context, zone *models.Zone) error {
	geoJSON, err := tile38.PolygonJSON(zone.Coordinates)
	if err != nil {
		return errs.Wrap(errs.KindInternal, "encoding zone polygon", err)
	}
	fields := []tile38.Field{{Name: "risk", Value: strconv.Itoa(zone.RiskLevel)}}
	if _, err := m.exec.ExecuteWrite(ctx, tile38.SetObject(m.geomColl, zone.ID, fields, geoJSON)); err != nil {
		return err
	}

	meta, err := json.Marshal(zone)
	if err != nil {
		return errs.Wrap(errs.KindInternal, "encoding zone metadata", err)
	}
	if _, err := m.exec.ExecuteWrite(ctx, tile38.SetString(m.metaColl, zone.ID, string(meta))); err != nil {
		return err
	}
	return nil
}

func (m *Manager) cacheZone(zone *models.Zone) {
	m.cache.SetJSON(cache.ZoneKey(zone.ID), zone, m.cfg.CacheTTL)
}

// spatialIDs runs a spatial query and extracts the matching object IDs.
func (m *Manager) spatialIDs(ctx context.Context, cmd tile38.Command) ([]string, error) {
	result, err := m.exec.ExecuteRead(ctx, cmd)
	if err != nil {
		if errs.KindOf(err) == errs.KindNotFound {
			return nil, nil
		}
		return nil, err
	}
	var ids []string
	result.Get("objects").ForEach(func(_, obj gjson.Result) bool {
		ids = append(ids, obj.Get("id").String())
		return true
	})
	return ids, nil
}

func (m *Manager) byIDs(ids []string) []*models.Zone {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*models.Zone, 0, len(ids))
	for _, id := range ids {
		if z, ok := m.zones[id]; ok {
			out = append(out, z)
		}
	}
	return out
}

// snapshotLocked copies the zone pointers; caller holds at least a read lock.
func (m *Manager) snapshotLocked() []*models.Zone {
	out := make([]*models.Zone, 0, len(m.zones))
	for _, z := range m.zones {
		out = append(out, z)
	}
	return out
}

func matchFilter(z *models.Zone, f SearchFilter) bool {
	if len(f.Types) > 0 && !containsType(f.Types, z.Type) {
		return false
	}
	if len(f.Statuses) > 0 && !containsStatus(f.Statuses, z.Status) {
		return false
	}
	if f.MinRisk > 0 && z.RiskLevel < f.MinRisk {
		return false
	}
	if f.MaxRisk > 0 && z.RiskLevel > f.MaxRisk {
		return false
	}
	if f.CreatedBy != "" && z.CreatedBy != f.CreatedBy {
		return false
	}
	return true
}

func containsType(list []models.ZoneType, t models.ZoneType) bool {
	for _, v := range list {
		if v == t {
			return true
		}
	}
	return false
}

func containsStatus(list []models.ZoneStatus, s models.ZoneStatus) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
