// Geofenced - Real-Time Geofencing Engine for Tourist Safety
// Copyright 2026 TourSafe Labs
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/toursafe/geofenced

// Package detector derives geofence events from tourist positions.
//
// Two paths feed it: a periodic sweep that asks the spatial index which users
// are inside each active zone, and a synchronous per-update check used by the
// ingestion pipeline. Both diff the result against per-user zone membership,
// so crossings surface as enter/exit pairs rather than raw containment.
package detector

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/goccy/go-json"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/tidwall/gjson"

	"github.com/toursafe/geofenced/internal/config"
	"github.com/toursafe/geofenced/internal/errs"
	"github.com/toursafe/geofenced/internal/governor"
	"github.com/toursafe/geofenced/internal/locations"
	"github.com/toursafe/geofenced/internal/metrics"
	"github.com/toursafe/geofenced/internal/models"
	"github.com/toursafe/geofenced/internal/observe"
	"github.com/toursafe/geofenced/internal/tile38"
)

// ZoneSource supplies the zone inventory. Implemented by the zone manager.
type ZoneSource interface {
	ActiveZones() []*models.Zone
	ZonesAt(p models.Coordinate) []*models.Zone
	ZoneByID(id string) (*models.Zone, bool)
}

// priorityExecutor lets sweep queries run below interactive traffic.
type priorityExecutor interface {
	ExecuteReadPriority(ctx context.Context, cmd tile38.Command, p governor.Priority) (gjson.Result, error)
}

// Event sources recorded in event metadata.
const (
	sourceSweep    = "sweep"
	sourceRealtime = "realtime"
	sourceExternal = "external"
)

// persisted events expire from the index after this long.
const eventRetention = 24 * time.Hour

// memberState tracks one user's presence inside one zone.
type memberState struct {
	since time.Time
	last  models.Coordinate
}

// Stats counts detector activity.
type Stats struct {
	Sweeps        int64 `json:"sweeps"`
	ZonesChecked  int64 `json:"zonesChecked"`
	EventsEmitted int64 `json:"eventsEmitted"`
	ActiveMembers int   `json:"activeMembers"`
}

// Detector owns zone membership state and emits geofence events.
type Detector struct {
	exec   tile38.Executor
	source ZoneSource
	sink   locations.EventSink
	cfg    config.DetectorConfig
	coll   config.CollectionsConfig

	bus *observe.Bus
	log zerolog.Logger

	mu sync.Mutex
	// byZone[zoneID][userID] tracks who is inside which zone.
	byZone map[string]map[string]*memberState
	// byUser[userID] is the reverse index over byZone.
	byUser map[string]map[string]struct{}
	cursor int

	sweeps        int64
	zonesChecked  int64
	eventsEmitted int64
}

// New builds a detector. sink may be nil; sweep events are then only
// published on the bus.
func New(exec tile38.Executor, source ZoneSource, sink locations.EventSink, cfg config.DetectorConfig, coll config.CollectionsConfig, bus *observe.Bus, log zerolog.Logger) *Detector {
	return &Detector{
		exec:   exec,
		source: source,
		sink:   sink,
		cfg:    cfg,
		coll:   coll,
		bus:    bus,
		log:    log.With().Str("component", "detector").Logger(),
		byZone: make(map[string]map[string]*memberState),
		byUser: make(map[string]map[string]struct{}),
	}
}

// CheckLocation evaluates one position against the zone inventory and
// returns the resulting events. Used by the synchronous ingestion path; the
// caller forwards events to the sink.
func (d *Detector) CheckLocation(ctx context.Context, upd models.LocationUpdate) ([]*models.GeofenceEvent, error) {
	zonesNow := d.source.ZonesAt(upd.Coordinate)
	now := upd.Timestamp
	if now.IsZero() {
		now = time.Now().UTC()
	}

	currentIDs := make(map[string]*models.Zone, len(zonesNow))
	for _, z := range zonesNow {
		currentIDs[z.ID] = z
	}

	var events []*models.GeofenceEvent

	d.mu.Lock()
	prev := d.byUser[upd.UserID]

	// Exits: zones the user was in but is no longer.
	for zoneID := range prev {
		if _, still := currentIDs[zoneID]; still {
			continue
		}
		state := d.byZone[zoneID][upd.UserID]
		d.removeMemberLocked(zoneID, upd.UserID)
		zone, _ := d.source.ZoneByID(zoneID)
		events = append(events, d.buildEventLocked(zoneID, zone, upd.UserID, upd.Coordinate, models.EventExit, now, sourceRealtime, state))
	}

	// Enters and insides.
	for zoneID, zone := range currentIDs {
		if _, was := prev[zoneID]; was {
			state := d.byZone[zoneID][upd.UserID]
			state.last = upd.Coordinate
			events = append(events, d.buildEventLocked(zoneID, zone, upd.UserID, upd.Coordinate, models.EventInside, now, sourceRealtime, state))
			continue
		}
		state := &memberState{since: now, last: upd.Coordinate}
		d.addMemberLocked(zoneID, upd.UserID, state)
		events = append(events, d.buildEventLocked(zoneID, zone, upd.UserID, upd.Coordinate, models.EventEnter, now, sourceRealtime, state))
	}
	d.mu.Unlock()

	d.finishEvents(ctx, events)
	return events, nil
}

// ProcessEvent accepts an externally produced event, validates it, fills the
// derived fields the producer left blank, and hands it to the delivery sink.
// It does not touch membership state; crossings the external producer saw are
// taken at face value.
func (d *Detector) ProcessEvent(ctx context.Context, e *models.GeofenceEvent) error {
	if e == nil {
		return errs.New(errs.KindValidation, "event is required")
	}
	if e.UserID == "" {
		return errs.New(errs.KindValidation, "event userId is required")
	}
	if e.ZoneID == "" {
		return errs.New(errs.KindValidation, "event zoneId is required")
	}
	if !e.EventType.Valid() {
		return errs.Newf(errs.KindValidation, "unknown event type %q", e.EventType)
	}
	if !e.Coordinate.Valid() {
		return errs.New(errs.KindValidation, "event coordinate out of range")
	}

	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now().UTC()
	}
	if e.Metadata.EventSource == "" {
		e.Metadata.EventSource = sourceExternal
	}
	if zone, ok := d.source.ZoneByID(e.ZoneID); ok {
		if e.ZoneName == "" {
			e.ZoneName = zone.Name
		}
		if e.ZoneType == "" {
			e.ZoneType = zone.Type
		}
		if e.Metadata.AlertLevel == "" {
			e.Metadata.AlertLevel = models.AlertLevelForRisk(zone.RiskLevel)
		}
	} else if e.Metadata.AlertLevel == "" {
		e.Metadata.AlertLevel = models.AlertLow
	}

	events := []*models.GeofenceEvent{e}
	d.finishEvents(ctx, events)
	if d.sink != nil {
		d.sink.EnqueueEvents(events)
	}
	return nil
}

// Sweep runs one detector tick: the next window of active zones is queried
// for contained users and membership diffs become events.
func (d *Detector) Sweep(ctx context.Context) {
	start := time.Now()
	zones := d.source.ActiveZones()
	sort.Slice(zones, func(i, j int) bool { return zones[i].ID < zones[j].ID })
	d.pruneStale(zones)

	if len(zones) == 0 {
		return
	}

	d.mu.Lock()
	if d.cursor >= len(zones) {
		d.cursor = 0
	}
	from := d.cursor
	to := from + d.cfg.BatchSize
	if to > len(zones) {
		to = len(zones)
	}
	d.cursor = to % len(zones)
	d.sweeps++
	d.mu.Unlock()

	var events []*models.GeofenceEvent
	for _, zone := range zones[from:to] {
		zoneEvents, err := d.sweepZone(ctx, zone)
		if err != nil {
			d.log.Warn().Str("zoneId", zone.ID).Err(err).Msg("zone sweep failed")
			continue
		}
		events = append(events, zoneEvents...)
		d.mu.Lock()
		d.zonesChecked++
		d.mu.Unlock()
	}

	d.finishEvents(ctx, events)
	if d.sink != nil && len(events) > 0 {
		d.sink.EnqueueEvents(events)
	}
	metrics.DetectorSweepDuration.Observe(time.Since(start).Seconds())
}

// sweepZone queries one zone's current occupants and diffs membership.
func (d *Detector) sweepZone(ctx context.Context, zone *models.Zone) ([]*models.GeofenceEvent, error) {
	geoJSON, err := tile38.PolygonJSON(zone.Coordinates)
	if err != nil {
		return nil, err
	}

	cmd := tile38.WithinPolygon(d.coll.Tourists, 0, geoJSON)
	var result gjson.Result
	if pe, ok := d.exec.(priorityExecutor); ok {
		result, err = pe.ExecuteReadPriority(ctx, cmd, governor.PriorityLow)
	} else {
		result, err = d.exec.ExecuteRead(ctx, cmd)
	}
	if err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	current := make(map[string]models.Coordinate)
	result.Get("objects").ForEach(func(_, obj gjson.Result) bool {
		coords := obj.Get("object.coordinates")
		current[obj.Get("id").String()] = models.Coordinate{
			Longitude: coords.Get("0").Float(),
			Latitude:  coords.Get("1").Float(),
		}
		return true
	})

	var events []*models.GeofenceEvent

	d.mu.Lock()
	prev := d.byZone[zone.ID]

	for userID, state := range prev {
		if _, still := current[userID]; still {
			continue
		}
		coord := state.last
		d.removeMemberLocked(zone.ID, userID)
		events = append(events, d.buildEventLocked(zone.ID, zone, userID, coord, models.EventExit, now, sourceSweep, state))
	}
	for userID, coord := range current {
		if state, was := prev[userID]; was {
			state.last = coord
			events = append(events, d.buildEventLocked(zone.ID, zone, userID, coord, models.EventInside, now, sourceSweep, state))
			continue
		}
		state := &memberState{since: now, last: coord}
		d.addMemberLocked(zone.ID, userID, state)
		events = append(events, d.buildEventLocked(zone.ID, zone, userID, coord, models.EventEnter, now, sourceSweep, state))
	}
	d.mu.Unlock()

	return events, nil
}

// buildEventLocked assembles one event. zone may be nil when the zone has
// vanished from the inventory; the event then carries only its ID.
func (d *Detector) buildEventLocked(zoneID string, zone *models.Zone, userID string, coord models.Coordinate, et models.EventType, at time.Time, source string, state *memberState) *models.GeofenceEvent {
	e := &models.GeofenceEvent{
		ID:         uuid.NewString(),
		UserID:     userID,
		ZoneID:     zoneID,
		EventType:  et,
		Coordinate: coord,
		Timestamp:  at,
		Metadata: models.EventMetadata{
			EventSource: source,
		},
	}
	if zone != nil {
		e.ZoneName = zone.Name
		e.ZoneType = zone.Type
		e.Metadata.AlertLevel = models.AlertLevelForRisk(zone.RiskLevel)
	} else {
		e.Metadata.AlertLevel = models.AlertLow
	}
	if state != nil && (et == models.EventExit || et == models.EventInside) {
		e.Metadata.TimeInZoneSec = at.Sub(state.since).Seconds()
	}
	return e
}

// finishEvents publishes, counts, and optionally persists events.
func (d *Detector) finishEvents(ctx context.Context, events []*models.GeofenceEvent) {
	if len(events) == 0 {
		return
	}
	d.mu.Lock()
	d.eventsEmitted += int64(len(events))
	d.mu.Unlock()

	for _, e := range events {
		metrics.GeofenceEvents.WithLabelValues(string(e.EventType), string(e.Metadata.AlertLevel)).Inc()
		d.bus.Emit(observe.TypeGeofenceEvent, "detector", map[string]any{
			"eventId":   e.ID,
			"userId":    e.UserID,
			"zoneId":    e.ZoneID,
			"eventType": string(e.EventType),
			"alert":     string(e.Metadata.AlertLevel),
		})
		if d.cfg.PersistEvents {
			d.persistEvent(ctx, e)
		}
	}
}

// persistEvent stores the event as a point in the events collection so it can
// be queried spatially until retention expires.
func (d *Detector) persistEvent(ctx context.Context, e *models.GeofenceEvent) {
	doc, err := json.Marshal(e)
	if err != nil {
		return
	}
	if _, err := d.exec.ExecuteWrite(ctx, tile38.SetString(d.coll.Events+":doc", e.ID, string(doc))); err != nil {
		d.log.Warn().Str("eventId", e.ID).Err(err).Msg("event doc persist failed")
	}
	if _, err := d.exec.ExecuteWrite(ctx, tile38.SetPoint(d.coll.Events, e.ID, nil, eventRetention, e.Coordinate)); err != nil {
		d.log.Warn().Str("eventId", e.ID).Err(err).Msg("event point persist failed")
	}
}

// pruneStale drops membership for zones that left the active set.
func (d *Detector) pruneStale(active []*models.Zone) {
	activeIDs := make(map[string]struct{}, len(active))
	for _, z := range active {
		activeIDs[z.ID] = struct{}{}
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	for zoneID, members := range d.byZone {
		if _, ok := activeIDs[zoneID]; ok {
			continue
		}
		for userID := range members {
			d.removeMemberLocked(zoneID, userID)
		}
	}
}

func (d *Detector) addMemberLocked(zoneID, userID string, state *memberState) {
	if d.byZone[zoneID] == nil {
		d.byZone[zoneID] = make(map[string]*memberState)
	}
	d.byZone[zoneID][userID] = state
	if d.byUser[userID] == nil {
		d.byUser[userID] = make(map[string]struct{})
	}
	d.byUser[userID][zoneID] = struct{}{}
}

func (d *Detector) removeMemberLocked(zoneID, userID string) {
	if members := d.byZone[zoneID]; members != nil {
		delete(members, userID)
		if len(members) == 0 {
			delete(d.byZone, zoneID)
		}
	}
	if zones := d.byUser[userID]; zones != nil {
		delete(zones, zoneID)
		if len(zones) == 0 {
			delete(d.byUser, userID)
		}
	}
}

// UserZones returns the IDs of zones the user is currently inside.
func (d *Detector) UserZones(userID string) []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]string, 0, len(d.byUser[userID]))
	for zoneID := range d.byUser[userID] {
		out = append(out, zoneID)
	}
	sort.Strings(out)
	return out
}

// GetStats snapshots detector counters.
func (d *Detector) GetStats() Stats {
	d.mu.Lock()
	defer d.mu.Unlock()
	members := 0
	for _, m := range d.byZone {
		members += len(m)
	}
	return Stats{
		Sweeps:        d.sweeps,
		ZonesChecked:  d.zonesChecked,
		EventsEmitted: d.eventsEmitted,
		ActiveMembers: members,
	}
}

// SweepService runs periodic sweeps. It plugs into the supervision tree.
type SweepService struct {
	d *Detector
}

// NewSweepService wraps the detector for supervision.
func NewSweepService(d *Detector) *SweepService {
	return &SweepService{d: d}
}

// Serve sweeps on the configured interval until the context is canceled.
func (s *SweepService) Serve(ctx context.Context) error {
	ticker := time.NewTicker(s.d.cfg.CheckInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			s.d.Sweep(ctx)
		}
	}
}

func (s *SweepService) String() string { return "detector-sweep" }
