// Geofenced - Real-Time Geofencing Engine for Tourist Safety
// Copyright 2026 TourSafe Labs
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/toursafe/geofenced

package cache

import (
	"fmt"
	"math"
)

// Key prefixes per cached entry class.
const (
	PrefixLocation = "location:"
	PrefixZone     = "zone:"
	PrefixNearby   = "nearby:"
	PrefixGeofence = "geofence:"
)

// quantize6 rounds a coordinate to 6 decimal places (~0.11m at the equator)
// so that keys built from floats are stable.
func quantize6(v float64) string {
	return fmt.Sprintf("%.6f", math.Round(v*1e6)/1e6)
}

// LocationKey builds the cache key for a user's last known location.
func LocationKey(userID string) string {
	return PrefixLocation + userID
}

// ZoneKey builds the cache key for a zone record.
func ZoneKey(zoneID string) string {
	return PrefixZone + zoneID
}

// NearbyKey builds the cache key for a radius query. The radius is quantized
// to whole meters and kept in the key so queries with the same center but
// different radii never collide.
func NearbyKey(lat, lon, radiusM float64) string {
	return fmt.Sprintf("%s%s:%s:%d", PrefixNearby, quantize6(lat), quantize6(lon), int64(math.Round(radiusM)))
}

// GeofenceKey builds the cache key for a per-user geofence check at a point.
func GeofenceKey(userID string, lat, lon float64) string {
	return fmt.Sprintf("%s%s:%s:%s", PrefixGeofence, userID, quantize6(lat), quantize6(lon))
}
