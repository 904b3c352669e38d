// Geofenced - Real-Time Geofencing Engine for Tourist Safety
// Copyright 2026 TourSafe Labs
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/toursafe/geofenced

package geo

import (
	"math"

	"github.com/toursafe/geofenced/internal/models"
)

// CloseRing returns the ring with the first vertex appended when the ring is
// not already closed. The input slice is not modified.
func CloseRing(ring []models.Coordinate) []models.Coordinate {
	if len(ring) == 0 {
		return ring
	}
	if ring[0] == ring[len(ring)-1] {
		return ring
	}
	closed := make([]models.Coordinate, 0, len(ring)+1)
	closed = append(closed, ring...)
	closed = append(closed, ring[0])
	return closed
}

// openRing strips a trailing duplicate of the first vertex, if present.
func openRing(ring []models.Coordinate) []models.Coordinate {
	if len(ring) > 1 && ring[0] == ring[len(ring)-1] {
		return ring[:len(ring)-1]
	}
	return ring
}

// BoundingBoxOf computes the axis-aligned envelope of a ring.
func BoundingBoxOf(ring []models.Coordinate) models.BoundingBox {
	if len(ring) == 0 {
		return models.BoundingBox{}
	}
	box := models.BoundingBox{
		MinLat: ring[0].Latitude, MaxLat: ring[0].Latitude,
		MinLon: ring[0].Longitude, MaxLon: ring[0].Longitude,
	}
	for _, c := range ring[1:] {
		box.MinLat = math.Min(box.MinLat, c.Latitude)
		box.MaxLat = math.Max(box.MaxLat, c.Latitude)
		box.MinLon = math.Min(box.MinLon, c.Longitude)
		box.MaxLon = math.Max(box.MaxLon, c.Longitude)
	}
	return box
}

// Centroid returns the arithmetic mean of the ring's distinct vertices.
func Centroid(ring []models.Coordinate) models.Coordinate {
	open := openRing(ring)
	if len(open) == 0 {
		return models.Coordinate{}
	}
	var lat, lon float64
	for _, c := range open {
		lat += c.Latitude
		lon += c.Longitude
	}
	n := float64(len(open))
	return models.Coordinate{Latitude: lat / n, Longitude: lon / n}
}

// SphericalArea computes the polygon area in square meters using the
// spherical shoelace formula on the WGS-84 sphere.
func SphericalArea(ring []models.Coordinate) float64 {
	open := openRing(ring)
	if len(open) < 3 {
		return 0
	}

	var total float64
	for i := range open {
		j := (i + 1) % len(open)
		lon1 := open[i].Longitude * math.Pi / 180
		lat1 := open[i].Latitude * math.Pi / 180
		lon2 := open[j].Longitude * math.Pi / 180
		lat2 := open[j].Latitude * math.Pi / 180
		total += (lon2 - lon1) * (2 + math.Sin(lat1) + math.Sin(lat2))
	}
	return math.Abs(total * earthRadiusM * earthRadiusM / 2)
}

// PointInPolygon reports whether the point is inside the ring, using ray
// casting on (lon, lat).
func PointInPolygon(p models.Coordinate, ring []models.Coordinate) bool {
	open := openRing(ring)
	if len(open) < 3 {
		return false
	}

	inside := false
	j := len(open) - 1
	for i := 0; i < len(open); i++ {
		xi, yi := open[i].Longitude, open[i].Latitude
		xj, yj := open[j].Longitude, open[j].Latitude

		if (yi > p.Latitude) != (yj > p.Latitude) &&
			p.Longitude < (xj-xi)*(p.Latitude-yi)/(yj-yi)+xi {
			inside = !inside
		}
		j = i
	}
	return inside
}

// SelfIntersects reports whether any two non-adjacent edges of the ring
// intersect.
func SelfIntersects(ring []models.Coordinate) bool {
	closed := CloseRing(ring)
	n := len(closed) - 1 // number of edges
	if n < 3 {
		return false
	}

	for i := 0; i < n; i++ {
		for j := i + 1; j < n; j++ {
			// Skip adjacent edges (shared vertex), including the
			// wrap-around pair (first, last).
			if j == i+1 || (i == 0 && j == n-1) {
				continue
			}
			if segmentsIntersect(closed[i], closed[i+1], closed[j], closed[j+1]) {
				return true
			}
		}
	}
	return false
}

// PolygonsOverlap reports whether two rings overlap: any vertex of one inside
// the other, or any edge pair intersecting.
func PolygonsOverlap(a, b []models.Coordinate) bool {
	ca, cb := CloseRing(a), CloseRing(b)
	if len(ca) < 4 || len(cb) < 4 {
		return false
	}

	for _, v := range openRing(ca) {
		if PointInPolygon(v, cb) {
			return true
		}
	}
	for _, v := range openRing(cb) {
		if PointInPolygon(v, ca) {
			return true
		}
	}
	for i := 0; i < len(ca)-1; i++ {
		for j := 0; j < len(cb)-1; j++ {
			if segmentsIntersect(ca[i], ca[i+1], cb[j], cb[j+1]) {
				return true
			}
		}
	}
	return false
}

// Simplify removes intermediate vertices closer than tolerance (in degrees)
// to the line between their neighbors. A tolerance of 0 disables
// simplification. Distances are measured in degree space, which is
// approximate; use only for small zones.
func Simplify(ring []models.Coordinate, toleranceDeg float64) []models.Coordinate {
	open := openRing(ring)
	if toleranceDeg <= 0 || len(open) <= 4 {
		return ring
	}

	kept := []models.Coordinate{open[0]}
	for i := 1; i < len(open)-1; i++ {
		if perpendicularDistanceDeg(open[i], open[i-1], open[i+1]) >= toleranceDeg {
			kept = append(kept, open[i])
		}
	}
	kept = append(kept, open[len(open)-1])
	if len(kept) < 3 {
		return ring
	}
	return CloseRing(kept)
}

// perpendicularDistanceDeg computes the distance from p to segment (a, b) in
// degree space.
func perpendicularDistanceDeg(p, a, b models.Coordinate) float64 {
	dx := b.Longitude - a.Longitude
	dy := b.Latitude - a.Latitude
	if dx == 0 && dy == 0 {
		dx = p.Longitude - a.Longitude
		dy = p.Latitude - a.Latitude
		return math.Sqrt(dx*dx + dy*dy)
	}
	t := ((p.Longitude-a.Longitude)*dx + (p.Latitude-a.Latitude)*dy) / (dx*dx + dy*dy)
	t = math.Max(0, math.Min(1, t))
	px := a.Longitude + t*dx
	py := a.Latitude + t*dy
	ddx := p.Longitude - px
	ddy := p.Latitude - py
	return math.Sqrt(ddx*ddx + ddy*ddy)
}

// segmentsIntersect reports whether segments (p1, p2) and (p3, p4) intersect,
// including collinear overlap.
func segmentsIntersect(p1, p2, p3, p4 models.Coordinate) bool {
	d1 := cross(p3, p4, p1)
	d2 := cross(p3, p4, p2)
	d3 := cross(p1, p2, p3)
	d4 := cross(p1, p2, p4)

	if ((d1 > 0 && d2 < 0) || (d1 < 0 && d2 > 0)) &&
		((d3 > 0 && d4 < 0) || (d3 < 0 && d4 > 0)) {
		return true
	}

	// Collinear cases: endpoint on the other segment.
	if d1 == 0 && onSegment(p3, p4, p1) {
		return true
	}
	if d2 == 0 && onSegment(p3, p4, p2) {
		return true
	}
	if d3 == 0 && onSegment(p1, p2, p3) {
		return true
	}
	if d4 == 0 && onSegment(p1, p2, p4) {
		return true
	}
	return false
}

// cross returns the cross product of (b-a) x (c-a) in (lon, lat) space.
func cross(a, b, c models.Coordinate) float64 {
	return (b.Longitude-a.Longitude)*(c.Latitude-a.Latitude) -
		(b.Latitude-a.Latitude)*(c.Longitude-a.Longitude)
}

// onSegment reports whether c lies within the bounding box of segment (a, b).
// Assumes c is collinear with (a, b).
func onSegment(a, b, c models.Coordinate) bool {
	return math.Min(a.Longitude, b.Longitude) <= c.Longitude &&
		c.Longitude <= math.Max(a.Longitude, b.Longitude) &&
		math.Min(a.Latitude, b.Latitude) <= c.Latitude &&
		c.Latitude <= math.Max(a.Latitude, b.Latitude)
}
