// Geofenced - Real-Time Geofencing Engine for Tourist Safety
// Copyright 2026 TourSafe Labs
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/toursafe/geofenced

package engine

import (
	"github.com/toursafe/geofenced/internal/cache"
	"github.com/toursafe/geofenced/internal/detector"
	"github.com/toursafe/geofenced/internal/governor"
	"github.com/toursafe/geofenced/internal/locations"
	"github.com/toursafe/geofenced/internal/webhook"
	"github.com/toursafe/geofenced/internal/zones"
)

// ProcessingStats reports ingestion and detection throughput.
type ProcessingStats struct {
	SyncProcessed int64                   `json:"syncProcessed"`
	SyncFailed    int64                   `json:"syncFailed"`
	Indexer       locations.IndexerStats  `json:"indexer"`
	Bulk          locations.ProcessorStats `json:"bulk"`
	Detector      detector.Stats          `json:"detector"`
	Zones         zones.Stats             `json:"zones"`
}

// PerformanceStats reports index-side and delivery-side performance.
type PerformanceStats struct {
	Governor            governor.Stats      `json:"governor"`
	Connections         []ConnectionStatus  `json:"connections,omitempty"`
	Webhooks            webhook.Statistics  `json:"webhooks"`
	ObservationsDropped int64               `json:"observationsDropped"`
}

// DistanceStats counts distance-math usage per algorithm.
type DistanceStats struct {
	Haversine      int64 `json:"haversine"`
	Vincenty       int64 `json:"vincenty"`
	Auto           int64 `json:"auto"`
	MatrixQueries  int64 `json:"matrixQueries"`
	NearestQueries int64 `json:"nearestQueries"`
}

// GetProcessingStats snapshots the ingestion pipeline counters.
func (e *Engine) GetProcessingStats() (ProcessingStats, error) {
	if err := e.guard(); err != nil {
		return ProcessingStats{}, err
	}
	return ProcessingStats{
		SyncProcessed: e.syncProcessed.Load(),
		SyncFailed:    e.syncFailed.Load(),
		Indexer:       e.ix.GetStats(),
		Bulk:          e.bulk.GetStats(),
		Detector:      e.det.GetStats(),
		Zones:         e.zones.GetStats(),
	}, nil
}

// GetPerformanceStats snapshots governor, pool, and webhook performance.
func (e *Engine) GetPerformanceStats() (PerformanceStats, error) {
	if err := e.guard(); err != nil {
		return PerformanceStats{}, err
	}
	stats := PerformanceStats{
		Webhooks: e.hooks.GetStatistics(),
	}
	if e.gov != nil {
		stats.Governor = e.gov.GetStats()
	}
	if e.pool != nil {
		for _, m := range e.pool.Health() {
			stats.Connections = append(stats.Connections, ConnectionStatus(m))
		}
	}
	if e.bus != nil {
		stats.ObservationsDropped = e.bus.Dropped()
	}
	return stats, nil
}

// GetCacheStats snapshots the lookaside cache counters.
func (e *Engine) GetCacheStats() (cache.Stats, error) {
	if err := e.guard(); err != nil {
		return cache.Stats{}, err
	}
	return e.store.GetStats(), nil
}

// GetDistanceStats snapshots the distance-math usage counters.
func (e *Engine) GetDistanceStats() (DistanceStats, error) {
	if err := e.guard(); err != nil {
		return DistanceStats{}, err
	}
	return DistanceStats{
		Haversine:      e.distHaversine.Load(),
		Vincenty:       e.distVincenty.Load(),
		Auto:           e.distAuto.Load(),
		MatrixQueries:  e.distMatrix.Load(),
		NearestQueries: e.distNearest.Load(),
	}, nil
}
