// Geofenced - Real-Time Geofencing Engine for Tourist Safety
// Copyright 2026 TourSafe Labs
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/toursafe/geofenced

package config

import (
	"fmt"
	"os"
	"strings"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/structs"
	"github.com/knadh/koanf/v2"

	"github.com/toursafe/geofenced/internal/errs"
)

// DefaultConfigPaths lists where config files are searched, in priority
// order. The first file found wins.
var DefaultConfigPaths = []string{
	"config.yaml",
	"config.yml",
	"/etc/geofenced/config.yaml",
	"/etc/geofenced/config.yml",
}

// ConfigPathEnvVar overrides the config file path when set.
const ConfigPathEnvVar = "CONFIG_PATH"

// envPrefix namespaces the engine's environment variables, e.g.
// GEOFENCED_INDEX__HOST maps to index.host.
const envPrefix = "GEOFENCED_"

// Load builds the configuration by layering defaults, an optional YAML file,
// and environment variables, then applies the environment profile and
// validates the result.
func Load() (*Config, error) {
	k := koanf.New(".")

	if err := k.Load(structs.Provider(defaultConfig(), "koanf"), nil); err != nil {
		return nil, fmt.Errorf("loading defaults: %w", err)
	}

	if path := findConfigFile(); path != "" {
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("loading config file %s: %w", path, err)
		}
	}

	envProvider := env.Provider(envPrefix, ".", func(s string) string {
		// GEOFENCED_INDEX__QUERY_TIMEOUT -> index.queryTimeout
		s = strings.TrimPrefix(s, envPrefix)
		parts := strings.Split(s, "__")
		for i, p := range parts {
			parts[i] = camelize(p)
		}
		return strings.Join(parts, ".")
	})
	if err := k.Load(envProvider, nil); err != nil {
		return nil, fmt.Errorf("loading environment: %w", err)
	}

	var cfg Config
	if err := k.Unmarshal("", &cfg); err != nil {
		return nil, fmt.Errorf("unmarshaling config: %w", err)
	}

	applyProfile(&cfg)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// findConfigFile resolves the config file path from the environment or the
// default search list. Returns "" when no file exists.
func findConfigFile() string {
	if path := os.Getenv(ConfigPathEnvVar); path != "" {
		return path
	}
	for _, path := range DefaultConfigPaths {
		if _, err := os.Stat(path); err == nil {
			return path
		}
	}
	return ""
}

// camelize converts SNAKE_CASE to camelCase: QUERY_TIMEOUT -> queryTimeout.
func camelize(s string) string {
	parts := strings.Split(strings.ToLower(s), "_")
	for i := 1; i < len(parts); i++ {
		if parts[i] == "" {
			continue
		}
		parts[i] = strings.ToUpper(parts[i][:1]) + parts[i][1:]
	}
	return strings.Join(parts, "")
}

// Validate checks the configuration for values the engine cannot run with.
func (c *Config) Validate() error {
	if c.Index.Host == "" {
		return errs.New(errs.KindValidation, "index.host must not be empty")
	}
	if c.Index.Port <= 0 || c.Index.Port > 65535 {
		return errs.Newf(errs.KindValidation, "index.port %d out of range", c.Index.Port)
	}
	for _, r := range c.Index.Replicas {
		if !strings.Contains(r, ":") {
			return errs.Newf(errs.KindValidation, "replica %q must be host:port", r)
		}
	}
	if c.Governor.MaxRequestsPerSecond <= 0 {
		return errs.New(errs.KindValidation, "governor.maxRequestsPerSecond must be positive")
	}
	if c.Locations.BatchSize <= 0 {
		return errs.New(errs.KindValidation, "locations.batchSize must be positive")
	}
	if c.Bulk.Concurrency <= 0 {
		return errs.New(errs.KindValidation, "bulk.concurrency must be positive")
	}
	if c.Detector.BatchSize <= 0 {
		return errs.New(errs.KindValidation, "detector.batchSize must be positive")
	}
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return errs.Newf(errs.KindValidation, "server.port %d out of range", c.Server.Port)
	}
	return nil
}

// IndexAddr returns the primary index address as host:port.
func (c *Config) IndexAddr() string {
	return fmt.Sprintf("%s:%d", c.Index.Host, c.Index.Port)
}

// ServerAddr returns the HTTP listen address as host:port.
func (c *Config) ServerAddr() string {
	return fmt.Sprintf("%s:%d", c.Server.Host, c.Server.Port)
}
