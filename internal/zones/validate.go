// Geofenced - Real-Time Geofencing Engine for Tourist Safety
// Copyright 2026 TourSafe Labs
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/toursafe/geofenced

package zones

import (
	"github.com/toursafe/geofenced/internal/errs"
	"github.com/toursafe/geofenced/internal/geo"
	"github.com/toursafe/geofenced/internal/models"
)

// Geometry bounds enforced at create/update time.
const (
	minVertices = 3
	maxVertices = 100
	minAreaM2   = 100.0
	maxAreaM2   = 1e9
)

// normalizeRing validates a zone ring and returns it closed. The input may
// arrive open or closed; distinct-vertex count must land in [3, 100], every
// vertex must be a valid WGS-84 point, and the ring must not self-intersect.
func normalizeRing(ring []models.Coordinate, simplifyToleranceDeg float64) ([]models.Coordinate, error) {
	if simplifyToleranceDeg > 0 {
		ring = geo.Simplify(ring, simplifyToleranceDeg)
	}

	closed := geo.CloseRing(ring)
	distinct := len(closed) - 1
	if distinct < minVertices {
		return nil, errs.Newf(errs.KindZoneValidation, "polygon needs at least %d distinct vertices, got %d", minVertices, distinct)
	}
	if distinct > maxVertices {
		return nil, errs.Newf(errs.KindZoneValidation, "polygon exceeds %d vertices: %d", maxVertices, distinct)
	}
	for i, c := range closed {
		if !c.Valid() {
			return nil, errs.Newf(errs.KindZoneValidation, "vertex %d out of WGS-84 range", i).
				WithDetail("latitude", c.Latitude).
				WithDetail("longitude", c.Longitude)
		}
	}
	if geo.SelfIntersects(closed) {
		return nil, errs.New(errs.KindZoneValidation, "polygon is self-intersecting")
	}

	area := geo.SphericalArea(closed)
	if area < minAreaM2 {
		return nil, errs.Newf(errs.KindZoneValidation, "zone area %.1f m² below minimum %.0f m²", area, minAreaM2).
			WithDetail("areaM2", area)
	}
	if area > maxAreaM2 {
		return nil, errs.Newf(errs.KindZoneValidation, "zone area %.0f m² above maximum %.0f m²", area, maxAreaM2).
			WithDetail("areaM2", area)
	}
	return closed, nil
}

// checkOverlap rejects a ring overlapping any active zone other than self.
func checkOverlap(ring []models.Coordinate, bbox models.BoundingBox, existing []*models.Zone, selfID string) error {
	for _, z := range existing {
		if z.ID == selfID || !z.Active() {
			continue
		}
		// Cheap envelope rejection before the exact test.
		if !boxesOverlap(bbox, z.BoundingBox) {
			continue
		}
		if geo.PolygonsOverlap(ring, z.Coordinates) {
			return errs.Newf(errs.KindZoneOverlap, "zone overlaps active zone %q", z.Name).
				WithDetail("conflictingZoneId", z.ID)
		}
	}
	return nil
}

func boxesOverlap(a, b models.BoundingBox) bool {
	return a.MinLat <= b.MaxLat && a.MaxLat >= b.MinLat &&
		a.MinLon <= b.MaxLon && a.MaxLon >= b.MinLon
}
