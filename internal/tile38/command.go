// Geofenced - Real-Time Geofencing Engine for Tourist Safety
// Copyright 2026 TourSafe Labs
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/toursafe/geofenced

// Package tile38 provides a typed client for the Tile38 spatial index:
// strongly typed command constructors serializing to the Redis-family wire
// format, and a connection pool with primary/replica failover and health
// tracking.
package tile38

import (
	"strconv"
	"time"

	"github.com/goccy/go-json"

	"github.com/toursafe/geofenced/internal/models"
)

// Command is a fully built index command ready to execute. Args hold the
// positional arguments in wire order.
type Command struct {
	Name string
	Args []interface{}
}

// geoJSONPolygon is the GeoJSON object stored for zones. Coordinates are in
// (lon, lat) order per the GeoJSON spec; this is the only boundary where the
// engine's (lat, lon) convention is converted.
type geoJSONPolygon struct {
	Type        string         `json:"type"`
	Coordinates [][][2]float64 `json:"coordinates"`
}

// PolygonJSON serializes a closed ring to a GeoJSON Polygon object.
func PolygonJSON(ring []models.Coordinate) (string, error) {
	outer := make([][2]float64, len(ring))
	for i, c := range ring {
		outer[i] = [2]float64{c.Longitude, c.Latitude}
	}
	data, err := json.Marshal(geoJSONPolygon{Type: "Polygon", Coordinates: [][][2]float64{outer}})
	if err != nil {
		return "", err
	}
	return string(data), nil
}

// Ping builds a PING command.
func Ping() Command {
	return Command{Name: "PING"}
}

// Server builds a SERVER command.
func Server() Command {
	return Command{Name: "SERVER"}
}

// Output builds an OUTPUT command selecting the reply encoding.
func Output(format string) Command {
	return Command{Name: "OUTPUT", Args: []interface{}{format}}
}

// SetPoint builds a SET ... POINT command with optional side fields and TTL.
// Field iteration order is stable (sorted by the caller when it matters for
// tests).
func SetPoint(coll, id string, fields []Field, ttl time.Duration, c models.Coordinate) Command {
	args := []interface{}{coll, id}
	for _, f := range fields {
		args = append(args, "FIELD", f.Name, f.Value)
	}
	if ttl > 0 {
		args = append(args, "EX", int64(ttl.Seconds()))
	}
	args = append(args, "POINT", formatCoord(c.Latitude), formatCoord(c.Longitude))
	return Command{Name: "SET", Args: args}
}

// SetObject builds a SET ... OBJECT command storing a GeoJSON object with
// optional side fields.
func SetObject(coll, id string, fields []Field, geoJSON string) Command {
	args := []interface{}{coll, id}
	for _, f := range fields {
		args = append(args, "FIELD", f.Name, f.Value)
	}
	args = append(args, "OBJECT", geoJSON)
	return Command{Name: "SET", Args: args}
}

// Field is a named side value attached to an index object.
type Field struct {
	Name  string
	Value string
}

// SetString builds a SET ... STRING command storing an opaque value. Used
// for metadata documents that ride alongside geometry collections.
func SetString(coll, id, value string) Command {
	return Command{Name: "SET", Args: []interface{}{coll, id, "STRING", value}}
}

// Get builds a GET command, optionally requesting side fields.
func Get(coll, id string, withFields bool) Command {
	args := []interface{}{coll, id}
	if withFields {
		args = append(args, "WITHFIELDS")
	}
	return Command{Name: "GET", Args: args}
}

// Del builds a DEL command.
func Del(coll, id string) Command {
	return Command{Name: "DEL", Args: []interface{}{coll, id}}
}

// Nearby builds a NEARBY radius query around a point. Radius is in meters.
func Nearby(coll string, limit int, c models.Coordinate, radiusM float64) Command {
	args := []interface{}{coll}
	if limit > 0 {
		args = append(args, "LIMIT", limit)
	}
	args = append(args, "POINT", formatCoord(c.Latitude), formatCoord(c.Longitude), formatCoord(radiusM))
	return Command{Name: "NEARBY", Args: args}
}

// WithinBounds builds a WITHIN query over a bounding box.
func WithinBounds(coll string, limit int, b models.BoundingBox) Command {
	args := []interface{}{coll}
	if limit > 0 {
		args = append(args, "LIMIT", limit)
	}
	args = append(args, "BOUNDS",
		formatCoord(b.MinLat), formatCoord(b.MinLon),
		formatCoord(b.MaxLat), formatCoord(b.MaxLon))
	return Command{Name: "WITHIN", Args: args}
}

// WithinPolygon builds a WITHIN query over a GeoJSON polygon object.
func WithinPolygon(coll string, limit int, geoJSON string) Command {
	args := []interface{}{coll}
	if limit > 0 {
		args = append(args, "LIMIT", limit)
	}
	args = append(args, "OBJECT", geoJSON)
	return Command{Name: "WITHIN", Args: args}
}

// IntersectsPoint builds an INTERSECTS query for objects containing a point.
// Tile38 expects a zero-extent bounds for point intersection.
func IntersectsPoint(coll string, c models.Coordinate) Command {
	return Command{Name: "INTERSECTS", Args: []interface{}{
		coll, "BOUNDS",
		formatCoord(c.Latitude), formatCoord(c.Longitude),
		formatCoord(c.Latitude), formatCoord(c.Longitude),
	}}
}

// IntersectsPolygon builds an INTERSECTS query against a GeoJSON polygon.
func IntersectsPolygon(coll string, geoJSON string) Command {
	return Command{Name: "INTERSECTS", Args: []interface{}{coll, "OBJECT", geoJSON}}
}

// SetHook builds a SETHOOK command installing a server-side geofence trigger
// that POSTs to the endpoint for objects entering the polygon.
func SetHook(name, endpoint, coll, geoJSON string) Command {
	return Command{Name: "SETHOOK", Args: []interface{}{name, endpoint, "WITHIN", coll, "FENCE", "OBJECT", geoJSON}}
}

// DelHookPattern builds a PDELHOOK command removing hooks matching a glob
// pattern.
func DelHookPattern(pattern string) Command {
	return Command{Name: "PDELHOOK", Args: []interface{}{pattern}}
}

// Stats builds a STATS command for a collection.
func Stats(coll string) Command {
	return Command{Name: "STATS", Args: []interface{}{coll}}
}

// Scan builds a SCAN command over a collection.
func Scan(coll string, limit int, withFields bool) Command {
	args := []interface{}{coll}
	if limit > 0 {
		args = append(args, "LIMIT", limit)
	}
	if withFields {
		args = append(args, "WITHFIELDS")
	}
	return Command{Name: "SCAN", Args: args}
}

// RewriteAOF builds a BGREWRITEAOF maintenance command.
func RewriteAOF() Command {
	return Command{Name: "BGREWRITEAOF"}
}

// formatCoord renders a float without exponent notation, which the index
// protocol requires.
func formatCoord(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}
