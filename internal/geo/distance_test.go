// Geofenced - Real-Time Geofencing Engine for Tourist Safety
// Copyright 2026 TourSafe Labs
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/toursafe/geofenced

package geo

import (
	"math"
	"testing"

	"github.com/toursafe/geofenced/internal/models"
)

var (
	delhiA = models.Coordinate{Latitude: 28.6139, Longitude: 77.2090}
	delhiB = models.Coordinate{Latitude: 28.6149, Longitude: 77.2100}
)

func TestHaversineKnownDistance(t *testing.T) {
	// Two points ~148m apart in central Delhi.
	d := Haversine(delhiA, delhiB)
	if math.Abs(d-148) > 1 {
		t.Errorf("expected ~148m, got %.3f", d)
	}
}

func TestDistanceSymmetry(t *testing.T) {
	pairs := []struct{ a, b models.Coordinate }{
		{delhiA, delhiB},
		{models.Coordinate{Latitude: 51.5, Longitude: -0.12}, models.Coordinate{Latitude: 48.85, Longitude: 2.35}},
		{models.Coordinate{Latitude: -33.86, Longitude: 151.2}, models.Coordinate{Latitude: 35.68, Longitude: 139.69}},
	}
	for _, alg := range []Algorithm{AlgorithmHaversine, AlgorithmVincenty, AlgorithmAuto} {
		for _, p := range pairs {
			ab, err := Distance(p.a, p.b, UnitMeters, alg)
			if err != nil {
				t.Fatalf("distance: %v", err)
			}
			ba, err := Distance(p.b, p.a, UnitMeters, alg)
			if err != nil {
				t.Fatalf("distance: %v", err)
			}
			if math.Abs(ab-ba) > 1e-6*ab {
				t.Errorf("%s: distance not symmetric: %f vs %f", alg, ab, ba)
			}
		}
	}
}

func TestTriangleInequality(t *testing.T) {
	a := models.Coordinate{Latitude: 10, Longitude: 10}
	b := models.Coordinate{Latitude: 11, Longitude: 11}
	c := models.Coordinate{Latitude: 10.5, Longitude: 12}

	ab := Haversine(a, b)
	bc := Haversine(b, c)
	ac := Haversine(a, c)
	if ac > (ab+bc)*(1+1e-6) {
		t.Errorf("triangle inequality violated: ac=%f ab+bc=%f", ac, ab+bc)
	}
}

func TestVincentyAgreesWithHaversine(t *testing.T) {
	// On short distances the ellipsoidal and spherical results should agree
	// to well under a percent.
	h := Haversine(delhiA, delhiB)
	v := Vincenty(delhiA, delhiB)
	if math.Abs(h-v)/h > 0.01 {
		t.Errorf("haversine %.3f and vincenty %.3f diverge", h, v)
	}
}

func TestVincentyZeroDistance(t *testing.T) {
	if d := Vincenty(delhiA, delhiA); d != 0 {
		t.Errorf("expected 0 for coincident points, got %f", d)
	}
}

func TestDistanceUnits(t *testing.T) {
	meters, err := Distance(delhiA, delhiB, UnitMeters, AlgorithmHaversine)
	if err != nil {
		t.Fatalf("distance: %v", err)
	}
	km, err := Distance(delhiA, delhiB, UnitKilometers, AlgorithmHaversine)
	if err != nil {
		t.Fatalf("distance: %v", err)
	}
	if math.Abs(meters/1000-km) > 1e-9 {
		t.Errorf("unit mismatch: %fm vs %fkm", meters, km)
	}
}

func TestDistanceRejectsInvalidCoordinates(t *testing.T) {
	bad := models.Coordinate{Latitude: 91, Longitude: 0}
	if _, err := Distance(bad, delhiB, UnitMeters, AlgorithmHaversine); err == nil {
		t.Error("expected validation error for latitude 91")
	}
}

func TestDistanceAcceptsBoundaryCoordinates(t *testing.T) {
	a := models.Coordinate{Latitude: 90, Longitude: 180}
	b := models.Coordinate{Latitude: -90, Longitude: -180}
	if _, err := Distance(a, b, UnitMeters, AlgorithmHaversine); err != nil {
		t.Errorf("boundary coordinates rejected: %v", err)
	}
}

func TestUnitConversionRoundTrip(t *testing.T) {
	units := []Unit{UnitMeters, UnitKilometers, UnitMiles, UnitFeet, UnitNauticalMiles}
	for _, u1 := range units {
		for _, u2 := range units {
			const d = 1234.5678
			conv, err := Convert(d, u1, u2)
			if err != nil {
				t.Fatalf("convert %s->%s: %v", u1, u2, err)
			}
			back, err := Convert(conv, u2, u1)
			if err != nil {
				t.Fatalf("convert %s->%s: %v", u2, u1, err)
			}
			if math.Abs(back-d)/d > 1e-9 {
				t.Errorf("%s<->%s round trip drifted: %f", u1, u2, back)
			}
		}
	}
}

func TestConvertRejectsUnknownUnit(t *testing.T) {
	if _, err := Convert(1, Unit("furlong"), UnitMeters); err == nil {
		t.Error("expected error for unknown unit")
	}
}

func TestDistanceMatrix(t *testing.T) {
	points := []models.Coordinate{
		delhiA,
		delhiB,
		{Latitude: 28.62, Longitude: 77.21},
	}
	m, err := DistanceMatrix(points, UnitMeters, AlgorithmHaversine)
	if err != nil {
		t.Fatalf("matrix: %v", err)
	}
	for i := range m {
		if m[i][i] != 0 {
			t.Errorf("diagonal [%d][%d] = %f, want 0", i, i, m[i][i])
		}
		for j := range m {
			if m[i][j] != m[j][i] {
				t.Errorf("matrix not symmetric at (%d,%d)", i, j)
			}
		}
	}

	if _, err := DistanceMatrix(points[:1], UnitMeters, AlgorithmHaversine); err == nil {
		t.Error("expected error for single-point matrix")
	}
}

func TestNearest(t *testing.T) {
	candidates := []models.Coordinate{
		{Latitude: 28.7, Longitude: 77.3},
		delhiB,
		{Latitude: 29.0, Longitude: 78.0},
	}
	idx, dist, err := Nearest(delhiA, candidates, UnitMeters, AlgorithmAuto)
	if err != nil {
		t.Fatalf("nearest: %v", err)
	}
	if idx != 1 {
		t.Errorf("expected index 1, got %d", idx)
	}
	if math.Abs(dist-148) > 2 {
		t.Errorf("expected ~148m, got %f", dist)
	}

	if _, _, err := Nearest(delhiA, nil, UnitMeters, AlgorithmAuto); err == nil {
		t.Error("expected error for empty candidates")
	}
}
