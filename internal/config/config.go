// Package config provides configuration loading for tempovec.
//
// Configuration is loaded from a YAML file and environment variables with
// sensible defaults for every field.
package config

import (
	"fmt"
	"math"
	"time"

	"github.com/fyrsmithlabs/tempovec/internal/metric"
)

// Config holds the complete tempovec configuration.
type Config struct {
	Store         StoreConfig         `koanf:"store"`
	Server        ServerConfig        `koanf:"server"`
	Observability ObservabilityConfig `koanf:"observability"`
	Maintenance   MaintenanceConfig   `koanf:"maintenance"`
}

// StoreConfig holds the vector store parameters.
type StoreConfig struct {
	// Dimensions is the fixed vector dimensionality of the store.
	Dimensions int `koanf:"dimensions"`
	// Metric is one of cosine, euclidean, dot.
	Metric string `koanf:"metric"`

	M              int `koanf:"m"`
	EfConstruction int `koanf:"ef_construction"`
	EfSearch       int `koanf:"ef_search"`

	TemporalWeight float64 `koanf:"temporal_weight"`
	FrequencyBoost bool    `koanf:"frequency_boost"`
	BaseDecayRate  float64 `koanf:"base_decay_rate"`
	EvictionFloor  float64 `koanf:"eviction_floor"`

	// MaxRecords is a soft cap; cleanup evicts the lowest-importance records
	// until under it. Zero disables the cap.
	MaxRecords int `koanf:"max_records"`

	// ContextScanThreshold is the context size above which context
	// searches switch from a linear scan to a filtered graph search.
	ContextScanThreshold int `koanf:"context_scan_threshold"`
}

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	Port            int      `koanf:"http_port"`
	ShutdownTimeout Duration `koanf:"shutdown_timeout"`
}

// ObservabilityConfig holds OpenTelemetry configuration.
type ObservabilityConfig struct {
	EnableTelemetry bool   `koanf:"enable_telemetry"`
	ServiceName     string `koanf:"service_name"`
}

// MaintenanceConfig holds the background maintenance loop configuration.
type MaintenanceConfig struct {
	Interval       Duration `koanf:"interval"`
	Consolidate    bool     `koanf:"consolidate"`
	MergeThreshold float64  `koanf:"merge_threshold"`
}

// DefaultBaseDecayRate halves importance every seven days.
var DefaultBaseDecayRate = math.Ln2 / (7 * 24 * 3600)

// DefaultMergeThreshold is the cosine distance under which two records in
// a context are considered duplicates.
const DefaultMergeThreshold = 0.02

// ApplyDefaults fills every zero-valued field with its default.
func (c *Config) ApplyDefaults() {
	applyDefaults(c)
}

func applyDefaults(cfg *Config) {
	if cfg.Store.Dimensions == 0 {
		cfg.Store.Dimensions = 384
	}
	if cfg.Store.Metric == "" {
		cfg.Store.Metric = string(metric.Cosine)
	}
	if cfg.Store.M == 0 {
		cfg.Store.M = 16
	}
	if cfg.Store.EfConstruction == 0 {
		cfg.Store.EfConstruction = 100
	}
	if cfg.Store.EfSearch == 0 {
		cfg.Store.EfSearch = 50
	}
	if cfg.Store.TemporalWeight == 0 {
		cfg.Store.TemporalWeight = 0.3
	}
	if cfg.Store.BaseDecayRate == 0 {
		cfg.Store.BaseDecayRate = DefaultBaseDecayRate
	}
	if cfg.Store.EvictionFloor == 0 {
		cfg.Store.EvictionFloor = 1e-3
	}
	if cfg.Store.ContextScanThreshold == 0 {
		cfg.Store.ContextScanThreshold = 1024
	}

	if cfg.Server.Port == 0 {
		cfg.Server.Port = 8080
	}
	if cfg.Server.ShutdownTimeout == 0 {
		cfg.Server.ShutdownTimeout = Duration(10 * time.Second)
	}

	if cfg.Observability.ServiceName == "" {
		cfg.Observability.ServiceName = "tempovec"
	}

	if cfg.Maintenance.Interval == 0 {
		cfg.Maintenance.Interval = Duration(time.Minute)
	}
	if cfg.Maintenance.MergeThreshold == 0 {
		cfg.Maintenance.MergeThreshold = DefaultMergeThreshold
	}
}

// Validate checks the configuration for invalid values.
func (c *Config) Validate() error {
	s := &c.Store
	if s.Dimensions <= 0 {
		return fmt.Errorf("store.dimensions must be positive, got %d", s.Dimensions)
	}
	if _, err := metric.ParseKind(s.Metric); err != nil {
		return fmt.Errorf("store.metric: %w", err)
	}
	if s.M < 2 {
		return fmt.Errorf("store.m must be at least 2, got %d", s.M)
	}
	if s.EfConstruction < s.M {
		return fmt.Errorf("store.ef_construction (%d) must be at least store.m (%d)", s.EfConstruction, s.M)
	}
	if s.EfSearch <= 0 {
		return fmt.Errorf("store.ef_search must be positive, got %d", s.EfSearch)
	}
	if s.TemporalWeight < 0 || s.TemporalWeight > 1 {
		return fmt.Errorf("store.temporal_weight must be in [0,1], got %g", s.TemporalWeight)
	}
	if s.BaseDecayRate < 0 {
		return fmt.Errorf("store.base_decay_rate cannot be negative, got %g", s.BaseDecayRate)
	}
	if s.EvictionFloor < 0 || s.EvictionFloor >= 1 {
		return fmt.Errorf("store.eviction_floor must be in [0,1), got %g", s.EvictionFloor)
	}
	if s.MaxRecords < 0 {
		return fmt.Errorf("store.max_records cannot be negative, got %d", s.MaxRecords)
	}
	if s.ContextScanThreshold <= 0 {
		return fmt.Errorf("store.context_scan_threshold must be positive, got %d", s.ContextScanThreshold)
	}

	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return fmt.Errorf("server.http_port must be in [1,65535], got %d", c.Server.Port)
	}

	if c.Maintenance.MergeThreshold < 0 {
		return fmt.Errorf("maintenance.merge_threshold cannot be negative, got %g", c.Maintenance.MergeThreshold)
	}
	return nil
}

// Default returns the configuration with every field at its default.
func Default() *Config {
	var cfg Config
	applyDefaults(&cfg)
	return &cfg
}
