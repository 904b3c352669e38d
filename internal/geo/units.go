// Geofenced - Real-Time Geofencing Engine for Tourist Safety
// Copyright 2026 TourSafe Labs
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/toursafe/geofenced

// Package geo provides the pure geospatial primitives of the engine:
// great-circle and ellipsoidal distance, unit conversion, polygon area,
// self-intersection and overlap tests, and point-in-polygon.
//
// All functions are side-effect free. Polygon predicates operate in
// (lon, lat) degree space, which is geometrically approximate and acceptable
// for the small zones this engine manages; the simplification tolerance is
// configurable for the same reason.
package geo

import (
	"github.com/toursafe/geofenced/internal/errs"
)

// Unit is a supported length unit.
type Unit string

// Supported length units.
const (
	UnitMeters        Unit = "m"
	UnitKilometers    Unit = "km"
	UnitMiles         Unit = "mi"
	UnitFeet          Unit = "ft"
	UnitNauticalMiles Unit = "nmi"
)

// metersPer maps each unit to its length in meters.
var metersPer = map[Unit]float64{
	UnitMeters:        1,
	UnitKilometers:    1000,
	UnitMiles:         1609.344,
	UnitFeet:          0.3048,
	UnitNauticalMiles: 1852,
}

// MetersPerUnit returns the meter length of one unit.
func MetersPerUnit(u Unit) (float64, error) {
	m, ok := metersPer[u]
	if !ok {
		return 0, errs.Newf(errs.KindValidation, "unsupported unit %q", u)
	}
	return m, nil
}

// Convert converts a distance between units.
func Convert(d float64, from, to Unit) (float64, error) {
	mf, err := MetersPerUnit(from)
	if err != nil {
		return 0, err
	}
	mt, err := MetersPerUnit(to)
	if err != nil {
		return 0, err
	}
	return d * mf / mt, nil
}
