// Geofenced - Real-Time Geofencing Engine for Tourist Safety
// Copyright 2026 TourSafe Labs
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/toursafe/geofenced

// Package config defines the engine configuration and loads it by layering
// struct defaults, an optional YAML file, and environment variables.
package config

import (
	"time"
)

// Config is the root configuration for the geofencing engine.
type Config struct {
	// Environment selects the profile: development, test, or production.
	Environment string `koanf:"environment"`

	Logging   LoggingConfig   `koanf:"logging"`
	Index     IndexConfig     `koanf:"index"`
	Governor  GovernorConfig  `koanf:"governor"`
	Cache     CacheConfig     `koanf:"cache"`
	Zones     ZonesConfig     `koanf:"zones"`
	Locations LocationsConfig `koanf:"locations"`
	Bulk      BulkConfig      `koanf:"bulk"`
	Detector  DetectorConfig  `koanf:"detector"`
	Webhooks  WebhooksConfig  `koanf:"webhooks"`
	Server    ServerConfig    `koanf:"server"`
}

// LoggingConfig configures the zerolog backend.
type LoggingConfig struct {
	Level  string `koanf:"level"`
	Format string `koanf:"format"`
	Caller bool   `koanf:"caller"`
}

// IndexConfig configures the spatial-index connection pool.
type IndexConfig struct {
	Host     string   `koanf:"host"`
	Port     int      `koanf:"port"`
	Replicas []string `koanf:"replicas"` // host:port list

	Collections CollectionsConfig `koanf:"collections"`

	QueryTimeout   time.Duration `koanf:"queryTimeout"`
	ConnectTimeout time.Duration `koanf:"connectTimeout"`
	ReadyTimeout   time.Duration `koanf:"readyTimeout"`
	ProbeInterval  time.Duration `koanf:"probeInterval"`

	MaxConcurrentQueries int `koanf:"maxConcurrentQueries"`
}

// CollectionsConfig names the index collections.
type CollectionsConfig struct {
	Tourists string `koanf:"tourists"`
	Zones    string `koanf:"zones"`
	Events   string `koanf:"events"`
}

// GovernorConfig configures the request governor fronting the index.
type GovernorConfig struct {
	MaxRequestsPerSecond int           `koanf:"maxRequestsPerSecond"`
	WindowSize           time.Duration `koanf:"windowSize"`
	RetryAttempts        int           `koanf:"retryAttempts"`
	RetryDelay           time.Duration `koanf:"retryDelay"`
	QueueWarnDepth       int           `koanf:"queueWarnDepth"`
}

// CacheConfig configures the lookaside cache TTLs.
type CacheConfig struct {
	Enabled     bool          `koanf:"enabled"`
	LocationTTL time.Duration `koanf:"locationTTL"`
	ZoneTTL     time.Duration `koanf:"zoneTTL"`
	NearbyTTL   time.Duration `koanf:"nearbyTTL"`
	EventTTL    time.Duration `koanf:"eventTTL"`
}

// ZonesConfig configures the zone manager.
type ZonesConfig struct {
	CacheTTL time.Duration `koanf:"cacheTTL"`

	// SimplifyToleranceDeg enables degree-space polygon simplification when
	// positive. Degree-space distance is approximate; acceptable only for
	// small zones.
	SimplifyToleranceDeg float64 `koanf:"simplifyToleranceDeg"`
}

// LocationsConfig configures the location indexing pipeline.
type LocationsConfig struct {
	BatchSize     int           `koanf:"batchSize"`
	FlushInterval time.Duration `koanf:"flushInterval"`
	TTL           time.Duration `koanf:"ttl"`
	EnableHistory bool          `koanf:"enableHistory"`
	HistoryTTL    time.Duration `koanf:"historyTTL"`
	NearbyLimit   int           `koanf:"nearbyLimit"`
}

// BulkConfig configures the bulk location processor.
type BulkConfig struct {
	BatchSize      int           `koanf:"batchSize"`
	FlushInterval  time.Duration `koanf:"flushInterval"`
	Concurrency    int           `koanf:"concurrency"`
	MaxRetries     int           `koanf:"maxRetries"`
	QueueWarnDepth int           `koanf:"queueWarnDepth"`
}

// DetectorConfig configures the geofence event detector sweep.
type DetectorConfig struct {
	CheckInterval time.Duration `koanf:"checkInterval"`
	BatchSize     int           `koanf:"batchSize"`
	PersistEvents bool          `koanf:"persistEvents"`
}

// WebhooksConfig configures the webhook dispatcher.
type WebhooksConfig struct {
	Timeout          time.Duration `koanf:"timeout"`
	PreflightTimeout time.Duration `koanf:"preflightTimeout"`
	DrainInterval    time.Duration `koanf:"drainInterval"`
	BatchSize        int           `koanf:"batchSize"`
	MaxRetries       int           `koanf:"maxRetries"`
	RetryDelay       time.Duration `koanf:"retryDelay"`
	QueueWarnDepth   int           `koanf:"queueWarnDepth"`
	RatePerSecond    float64       `koanf:"ratePerSecond"`
	SyncIndexHooks   bool          `koanf:"syncIndexHooks"`
}

// ServerConfig configures the HTTP surface.
type ServerConfig struct {
	Host            string        `koanf:"host"`
	Port            int           `koanf:"port"`
	Timeout         time.Duration `koanf:"timeout"`
	RateLimitReqs   int           `koanf:"rateLimitReqs"`
	RateLimitWindow time.Duration `koanf:"rateLimitWindow"`
	CORSOrigins     []string      `koanf:"corsOrigins"`
}

// defaultConfig returns the development defaults. Profiles and environment
// variables override these.
func defaultConfig() *Config {
	return &Config{
		Environment: "development",
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
		Index: IndexConfig{
			Host: "127.0.0.1",
			Port: 9851,
			Collections: CollectionsConfig{
				Tourists: "tourists",
				Zones:    "zones",
				Events:   "events",
			},
			QueryTimeout:         5 * time.Second,
			ConnectTimeout:       5 * time.Second,
			ReadyTimeout:         30 * time.Second,
			ProbeInterval:        30 * time.Second,
			MaxConcurrentQueries: 64,
		},
		Governor: GovernorConfig{
			MaxRequestsPerSecond: 1000,
			WindowSize:           time.Second,
			RetryAttempts:        3,
			RetryDelay:           100 * time.Millisecond,
			QueueWarnDepth:       100,
		},
		Cache: CacheConfig{
			Enabled:     true,
			LocationTTL: 300 * time.Second,
			ZoneTTL:     300 * time.Second,
			NearbyTTL:   300 * time.Second,
			EventTTL:    60 * time.Second,
		},
		Zones: ZonesConfig{
			CacheTTL:             5 * time.Minute,
			SimplifyToleranceDeg: 0,
		},
		Locations: LocationsConfig{
			BatchSize:     1000,
			FlushInterval: time.Second,
			TTL:           time.Hour,
			EnableHistory: false,
			HistoryTTL:    24 * time.Hour,
			NearbyLimit:   100,
		},
		Bulk: BulkConfig{
			BatchSize:      100,
			FlushInterval:  time.Second,
			Concurrency:    5,
			MaxRetries:     3,
			QueueWarnDepth: 1000,
		},
		Detector: DetectorConfig{
			CheckInterval: time.Second,
			BatchSize:     100,
			PersistEvents: false,
		},
		Webhooks: WebhooksConfig{
			Timeout:          10 * time.Second,
			PreflightTimeout: 5 * time.Second,
			DrainInterval:    100 * time.Millisecond,
			BatchSize:        50,
			MaxRetries:       3,
			RetryDelay:       time.Second,
			QueueWarnDepth:   100,
			RatePerSecond:    0, // unlimited
			SyncIndexHooks:   false,
		},
		Server: ServerConfig{
			Host:            "0.0.0.0",
			Port:            8080,
			Timeout:         30 * time.Second,
			RateLimitReqs:   100,
			RateLimitWindow: time.Minute,
		},
	}
}

// applyProfile adjusts timeouts per environment profile.
func applyProfile(cfg *Config) {
	switch cfg.Environment {
	case "production", "prod":
		cfg.Index.QueryTimeout = 3 * time.Second
		cfg.Webhooks.Timeout = 5 * time.Second
	case "test":
		cfg.Index.QueryTimeout = time.Second
		cfg.Webhooks.Timeout = time.Second
		cfg.Index.ProbeInterval = 5 * time.Second
	}
}
