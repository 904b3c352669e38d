// Geofenced - Real-Time Geofencing Engine for Tourist Safety
// Copyright 2026 TourSafe Labs
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/toursafe/geofenced

package geo

import (
	"math"

	"github.com/toursafe/geofenced/internal/errs"
	"github.com/toursafe/geofenced/internal/models"
)

// Earth model constants.
const (
	// earthRadiusM is the equatorial radius used for spherical formulas.
	earthRadiusM = 6378137.0

	// WGS-84 ellipsoid parameters for the Vincenty inverse formula.
	wgs84A = 6378137.0
	wgs84B = 6356752.314245
	wgs84F = 1.0 / 298.257223563

	vincentyMaxIterations = 100
	vincentyTolerance     = 1e-12
)

// Algorithm selects the distance formula.
type Algorithm string

// Distance algorithms. Auto selects by rough distance: under 100 m the
// spherical error is negligible so Haversine is used; otherwise Vincenty.
const (
	AlgorithmHaversine Algorithm = "haversine"
	AlgorithmVincenty  Algorithm = "vincenty"
	AlgorithmAuto      Algorithm = "auto"
)

// Valid reports whether the algorithm is known.
func (a Algorithm) Valid() bool {
	switch a {
	case AlgorithmHaversine, AlgorithmVincenty, AlgorithmAuto:
		return true
	}
	return false
}

// Haversine returns the great-circle distance between two points in meters.
func Haversine(a, b models.Coordinate) float64 {
	lat1 := a.Latitude * math.Pi / 180
	lat2 := b.Latitude * math.Pi / 180
	dLat := (b.Latitude - a.Latitude) * math.Pi / 180
	dLon := (b.Longitude - a.Longitude) * math.Pi / 180

	sinLat := math.Sin(dLat / 2)
	sinLon := math.Sin(dLon / 2)
	h := sinLat*sinLat + math.Cos(lat1)*math.Cos(lat2)*sinLon*sinLon

	return 2 * earthRadiusM * math.Asin(math.Min(1, math.Sqrt(h)))
}

// Vincenty returns the geodesic distance on the WGS-84 ellipsoid in meters.
// Falls back to Haversine when the iteration does not converge (antipodal
// points).
func Vincenty(a, b models.Coordinate) float64 {
	if a == b {
		return 0
	}

	lat1 := a.Latitude * math.Pi / 180
	lat2 := b.Latitude * math.Pi / 180
	dLon := (b.Longitude - a.Longitude) * math.Pi / 180

	u1 := math.Atan((1 - wgs84F) * math.Tan(lat1))
	u2 := math.Atan((1 - wgs84F) * math.Tan(lat2))
	sinU1, cosU1 := math.Sincos(u1)
	sinU2, cosU2 := math.Sincos(u2)

	lambda := dLon
	var sinSigma, cosSigma, sigma, cos2Alpha, cos2SigmaM float64

	converged := false
	for i := 0; i < vincentyMaxIterations; i++ {
		sinLambda, cosLambda := math.Sincos(lambda)
		sinSigma = math.Sqrt(math.Pow(cosU2*sinLambda, 2) +
			math.Pow(cosU1*sinU2-sinU1*cosU2*cosLambda, 2))
		if sinSigma == 0 {
			return 0 // coincident points
		}
		cosSigma = sinU1*sinU2 + cosU1*cosU2*cosLambda
		sigma = math.Atan2(sinSigma, cosSigma)

		sinAlpha := cosU1 * cosU2 * sinLambda / sinSigma
		cos2Alpha = 1 - sinAlpha*sinAlpha
		if cos2Alpha == 0 {
			cos2SigmaM = 0 // equatorial line
		} else {
			cos2SigmaM = cosSigma - 2*sinU1*sinU2/cos2Alpha
		}

		c := wgs84F / 16 * cos2Alpha * (4 + wgs84F*(4-3*cos2Alpha))
		prev := lambda
		lambda = dLon + (1-c)*wgs84F*sinAlpha*
			(sigma+c*sinSigma*(cos2SigmaM+c*cosSigma*(-1+2*cos2SigmaM*cos2SigmaM)))

		if math.Abs(lambda-prev) < vincentyTolerance {
			converged = true
			break
		}
	}
	if !converged {
		return Haversine(a, b)
	}

	u2sq := cos2Alpha * (wgs84A*wgs84A - wgs84B*wgs84B) / (wgs84B * wgs84B)
	bigA := 1 + u2sq/16384*(4096+u2sq*(-768+u2sq*(320-175*u2sq)))
	bigB := u2sq / 1024 * (256 + u2sq*(-128+u2sq*(74-47*u2sq)))
	deltaSigma := bigB * sinSigma * (cos2SigmaM + bigB/4*
		(cosSigma*(-1+2*cos2SigmaM*cos2SigmaM)-
			bigB/6*cos2SigmaM*(-3+4*sinSigma*sinSigma)*(-3+4*cos2SigmaM*cos2SigmaM)))

	return wgs84B * bigA * (sigma - deltaSigma)
}

// Distance computes the distance between two points in the given unit using
// the given algorithm. AlgorithmAuto picks Haversine for rough distances under
// 100 m and Vincenty otherwise.
func Distance(a, b models.Coordinate, unit Unit, alg Algorithm) (float64, error) {
	if !a.Valid() || !b.Valid() {
		return 0, errs.New(errs.KindValidation, "coordinates out of range")
	}
	if alg == "" {
		alg = AlgorithmAuto
	}
	if !alg.Valid() {
		return 0, errs.Newf(errs.KindValidation, "unsupported algorithm %q", alg)
	}

	var meters float64
	switch alg {
	case AlgorithmHaversine:
		meters = Haversine(a, b)
	case AlgorithmVincenty:
		meters = Vincenty(a, b)
	case AlgorithmAuto:
		if rough := Haversine(a, b); rough < 100 {
			meters = rough
		} else {
			meters = Vincenty(a, b)
		}
	}

	if unit == "" || unit == UnitMeters {
		return meters, nil
	}
	return Convert(meters, UnitMeters, unit)
}

// DistanceMatrix computes the pairwise distance matrix for the given points.
// The result is symmetric with a zero diagonal.
func DistanceMatrix(points []models.Coordinate, unit Unit, alg Algorithm) ([][]float64, error) {
	if len(points) < 2 {
		return nil, errs.New(errs.KindValidation, "distance matrix requires at least 2 points")
	}
	matrix := make([][]float64, len(points))
	for i := range matrix {
		matrix[i] = make([]float64, len(points))
	}
	for i := 0; i < len(points); i++ {
		for j := i + 1; j < len(points); j++ {
			d, err := Distance(points[i], points[j], unit, alg)
			if err != nil {
				return nil, err
			}
			matrix[i][j] = d
			matrix[j][i] = d
		}
	}
	return matrix, nil
}

// Nearest returns the index of the candidate closest to origin and the
// distance to it.
func Nearest(origin models.Coordinate, candidates []models.Coordinate, unit Unit, alg Algorithm) (int, float64, error) {
	if len(candidates) == 0 {
		return -1, 0, errs.New(errs.KindValidation, "no candidate points")
	}
	best := -1
	bestDist := math.MaxFloat64
	for i, c := range candidates {
		d, err := Distance(origin, c, unit, alg)
		if err != nil {
			return -1, 0, err
		}
		if d < bestDist {
			best = i
			bestDist = d
		}
	}
	return best, bestDist, nil
}
