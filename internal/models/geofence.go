// Geofenced - Real-Time Geofencing Engine for Tourist Safety
// Copyright 2026 TourSafe Labs
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/toursafe/geofenced

// Package models defines the shared data model of the geofencing engine:
// coordinates, zones, location updates, geofence events, and webhook
// subscriber records.
package models

import (
	"time"
)

// Coordinate is a WGS-84 point. Stored as (lat, lon); the wire protocols of
// the spatial index exchange (lon, lat) and conversion happens only at that
// boundary.
type Coordinate struct {
	Latitude  float64 `json:"latitude" validate:"min=-90,max=90"`
	Longitude float64 `json:"longitude" validate:"min=-180,max=180"`
}

// Valid reports whether the coordinate lies within the WGS-84 ranges.
func (c Coordinate) Valid() bool {
	return c.Latitude >= -90 && c.Latitude <= 90 &&
		c.Longitude >= -180 && c.Longitude <= 180
}

// BoundingBox is the axis-aligned envelope of a polygon.
// Invariant: min <= max on both axes.
type BoundingBox struct {
	MinLat float64 `json:"minLat"`
	MaxLat float64 `json:"maxLat"`
	MinLon float64 `json:"minLon"`
	MaxLon float64 `json:"maxLon"`
}

// Contains reports whether the point lies inside the box (inclusive).
func (b BoundingBox) Contains(c Coordinate) bool {
	return c.Latitude >= b.MinLat && c.Latitude <= b.MaxLat &&
		c.Longitude >= b.MinLon && c.Longitude <= b.MaxLon
}

// ZoneType classifies a zone's safety category.
type ZoneType string

// Zone types.
const (
	ZoneTypeSafe            ZoneType = "safe"
	ZoneTypeCaution         ZoneType = "caution"
	ZoneTypeRestricted      ZoneType = "restricted"
	ZoneTypeHighRisk        ZoneType = "high_risk"
	ZoneTypeEmergency       ZoneType = "emergency"
	ZoneTypeTouristFriendly ZoneType = "tourist_friendly"
)

// Valid reports whether the zone type is one of the known categories.
func (t ZoneType) Valid() bool {
	switch t {
	case ZoneTypeSafe, ZoneTypeCaution, ZoneTypeRestricted,
		ZoneTypeHighRisk, ZoneTypeEmergency, ZoneTypeTouristFriendly:
		return true
	}
	return false
}

// DefaultRiskLevel returns the risk level assigned when a zone is created
// without an explicit one.
func (t ZoneType) DefaultRiskLevel() int {
	switch t {
	case ZoneTypeSafe:
		return 2
	case ZoneTypeTouristFriendly:
		return 3
	case ZoneTypeCaution:
		return 5
	case ZoneTypeRestricted:
		return 7
	case ZoneTypeHighRisk:
		return 9
	case ZoneTypeEmergency:
		return 10
	default:
		return 5
	}
}

// ZoneStatus is the lifecycle status of a zone. Only active zones participate
// in overlap checks and geofence detection.
type ZoneStatus string

// Zone statuses.
const (
	ZoneStatusActive      ZoneStatus = "active"
	ZoneStatusInactive    ZoneStatus = "inactive"
	ZoneStatusMaintenance ZoneStatus = "maintenance"
)

// Valid reports whether the status is known.
func (s ZoneStatus) Valid() bool {
	switch s {
	case ZoneStatusActive, ZoneStatusInactive, ZoneStatusMaintenance:
		return true
	}
	return false
}

// Zone is a persistent polygonal region with a safety classification.
//
// Invariants enforced at creation/update time: the ring has at least 3 and at
// most 100 distinct vertices (auto-closed), no self-intersection, area within
// [100 m², 10⁹ m²], and no overlap with another active zone.
type Zone struct {
	ID                string       `json:"id"`
	Name              string       `json:"name" validate:"required,zonename"`
	Type              ZoneType     `json:"type"`
	Status            ZoneStatus   `json:"status"`
	Description       string       `json:"description,omitempty"`
	Coordinates       []Coordinate `json:"coordinates"`
	BoundingBox       BoundingBox  `json:"boundingBox"`
	RiskLevel         int          `json:"riskLevel" validate:"min=1,max=10"`
	AlertMessage      string       `json:"alertMessage,omitempty"`
	EmergencyContacts []string     `json:"emergencyContacts,omitempty"`
	CreatedBy         string       `json:"createdBy,omitempty"`
	CreatedAt         time.Time    `json:"createdAt"`
	UpdatedAt         time.Time    `json:"updatedAt"`
}

// Active reports whether the zone participates in detection and overlap
// checks.
func (z *Zone) Active() bool {
	return z.Status == ZoneStatusActive
}

// LocationUpdate is one point reading for one user. Identity is
// (UserID, Timestamp); a newer timestamp supersedes prior readings.
type LocationUpdate struct {
	UserID      string     `json:"userId" validate:"required"`
	Coordinate  Coordinate `json:"coordinate"`
	Timestamp   time.Time  `json:"timestamp"`
	Accuracy    float64    `json:"accuracy,omitempty" validate:"omitempty,min=0,max=10000"`
	Battery     float64    `json:"battery,omitempty" validate:"omitempty,min=0,max=100"`
	Speed       float64    `json:"speed,omitempty" validate:"omitempty,min=0"`
	Bearing     float64    `json:"bearing,omitempty" validate:"omitempty,min=0,max=360"`
	DeviceID    string     `json:"deviceId,omitempty"`
	NetworkType string     `json:"networkType,omitempty"`
	AppVersion  string     `json:"appVersion,omitempty"`
}

// UserPosition is a decoded spatial-query result: a user and where the index
// last saw them. DistanceM is populated for radius queries.
type UserPosition struct {
	UserID     string     `json:"userId"`
	Coordinate Coordinate `json:"coordinate"`
	DistanceM  float64    `json:"distanceM,omitempty"`
}

// EventType classifies a geofence event.
type EventType string

// Geofence event types. Enter and exit are derived by diffing per-user zone
// membership between detector ticks; inside is re-emitted while membership is
// retained.
const (
	EventEnter   EventType = "enter"
	EventExit    EventType = "exit"
	EventInside  EventType = "inside"
	EventOutside EventType = "outside"
)

// Valid reports whether the event type is known.
func (t EventType) Valid() bool {
	switch t {
	case EventEnter, EventExit, EventInside, EventOutside:
		return true
	}
	return false
}

// AlertLevel grades the urgency of a geofence event.
type AlertLevel string

// Alert levels derived from zone risk levels.
const (
	AlertLow      AlertLevel = "low"
	AlertMedium   AlertLevel = "medium"
	AlertHigh     AlertLevel = "high"
	AlertCritical AlertLevel = "critical"
)

// AlertLevelForRisk maps a zone risk level to an alert level:
// >=9 critical, >=7 high, >=5 medium, else low.
func AlertLevelForRisk(risk int) AlertLevel {
	switch {
	case risk >= 9:
		return AlertCritical
	case risk >= 7:
		return AlertHigh
	case risk >= 5:
		return AlertMedium
	default:
		return AlertLow
	}
}

// EventMetadata carries derived context for a geofence event.
type EventMetadata struct {
	AlertLevel     AlertLevel `json:"alertLevel"`
	EventSource    string     `json:"eventSource,omitempty"`
	PreviousZoneID string     `json:"previousZoneId,omitempty"`
	TimeInZoneSec  float64    `json:"timeInZone,omitempty"`
}

// GeofenceEvent is a detected intersection between a user's current point and
// a zone's polygon.
type GeofenceEvent struct {
	ID               string        `json:"id"`
	UserID           string        `json:"userId"`
	ZoneID           string        `json:"zoneId"`
	ZoneName         string        `json:"zoneName"`
	ZoneType         ZoneType      `json:"zoneType"`
	EventType        EventType     `json:"eventType"`
	Coordinate       Coordinate    `json:"coordinate"`
	Timestamp        time.Time     `json:"timestamp"`
	Processed        bool          `json:"processed"`
	WebhookDelivered bool          `json:"webhookDelivered"`
	Metadata         EventMetadata `json:"metadata"`
}
