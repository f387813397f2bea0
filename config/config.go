// Package config loads and validates the engine configuration file. The file
// is YAML with one section per subsystem; every field has a working default
// so a missing file yields a usable configuration for synthetic runs.
package config

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// Config is the complete engine configuration.
type Config struct {
	Constants         ConstantsConfig         `yaml:"constants"`
	Terrain           TerrainConfig           `yaml:"terrain"`
	HAAT              HAATConfig              `yaml:"haat"`
	Model             ModelConfig             `yaml:"model"`
	CoordinateConvert CoordinateConvertConfig `yaml:"coordinate_convert"`
	LandCover         LandCoverConfig         `yaml:"land_cover"`
	Study             StudyConfig             `yaml:"study"`
	Cache             CacheConfig             `yaml:"cache"`
}

// ConstantsConfig holds physical constants shared across components.
type ConstantsConfig struct {
	KilometersPerDegree float64 `yaml:"kilometers_per_degree"`
	EarthRadiusKm       float64 `yaml:"earth_radius_km"`
	DipoleCenterMHz     float64 `yaml:"dipole_center_mhz"`
}

// TerrainConfig controls the terrain database and profile extraction.
type TerrainConfig struct {
	DatabaseDir      string  `yaml:"database_dir"`
	ProfileSpacingKm float64 `yaml:"profile_spacing_km"`
	// ShortfallSlackPoints is the number of trailing profile points that may
	// be missing before a short profile is treated as a terrain gap.
	ShortfallSlackPoints int `yaml:"shortfall_slack_points"`
}

// HAATConfig controls height-above-average-terrain derivation.
type HAATConfig struct {
	RadialCount   int     `yaml:"radial_count"`
	MinDistanceKm float64 `yaml:"min_distance_km"`
	MaxDistanceKm float64 `yaml:"max_distance_km"`
}

// ModelConfig selects the default propagation model and its statistical
// parameters, plus the per-point error policy.
type ModelConfig struct {
	Default           string  `yaml:"default"`
	ErrorPolicy       string  `yaml:"error_policy"`
	Climate           int     `yaml:"climate"`
	GroundEpsilon     float64 `yaml:"ground_epsilon"`
	GroundSigma       float64 `yaml:"ground_sigma"`
	PercentTime       float64 `yaml:"percent_time"`
	PercentLocation   float64 `yaml:"percent_location"`
	PercentConfidence float64 `yaml:"percent_confidence"`
}

// CoordinateConvertConfig sets the datum assumed for raw facility records.
type CoordinateConvertConfig struct {
	DefaultDatum string `yaml:"default_datum"`
}

// LandCoverConfig controls the land-cover database lookup.
type LandCoverConfig struct {
	DatabaseDir     string `yaml:"database_dir"`
	DefaultCategory string `yaml:"default_category"`
}

// StudyConfig controls grid construction and the process-level run model.
type StudyConfig struct {
	CellSizeKm     float64 `yaml:"cell_size_km"`
	GridType       string  `yaml:"grid_type"`
	MaxProcesses   int     `yaml:"max_processes"`
	MemoryFraction float64 `yaml:"memory_fraction"`
}

// CacheConfig tunes the pebble-backed field cache.
type CacheConfig struct {
	Dir               string `yaml:"dir"`
	CacheSizeBytes    int64  `yaml:"cache_size_bytes"`
	BloomBitsPerKey   int    `yaml:"bloom_bits_per_key"`
	MemTableSizeBytes uint64 `yaml:"mem_table_size_bytes"`
}

// Default returns a configuration with every field set to its default.
func Default() *Config {
	return &Config{
		Constants: ConstantsConfig{
			KilometersPerDegree: 111.15,
			EarthRadiusKm:       6370.996,
			DipoleCenterMHz:     615.0,
		},
		Terrain: TerrainConfig{
			DatabaseDir:          "data/terrain",
			ProfileSpacingKm:     0.1,
			ShortfallSlackPoints: 1,
		},
		HAAT: HAATConfig{
			RadialCount:   8,
			MinDistanceKm: 3.2,
			MaxDistanceKm: 16.1,
		},
		Model: ModelConfig{
			Default:           "longley-rice",
			ErrorPolicy:       "unserved",
			Climate:           5,
			GroundEpsilon:     15.0,
			GroundSigma:       0.005,
			PercentTime:       50,
			PercentLocation:   50,
			PercentConfidence: 50,
		},
		CoordinateConvert: CoordinateConvertConfig{DefaultDatum: "nad83"},
		LandCover: LandCoverConfig{
			DatabaseDir:     "data/landcover",
			DefaultCategory: "open-land",
		},
		Study: StudyConfig{
			CellSizeKm:     2.0,
			GridType:       "local",
			MaxProcesses:   4,
			MemoryFraction: 0.25,
		},
		Cache: CacheConfig{
			Dir:               "data/cache",
			CacheSizeBytes:    64 << 20,
			BloomBitsPerKey:   10,
			MemTableSizeBytes: 32 << 20,
		},
	}
}

// Load reads a YAML configuration file over the defaults and validates it.
func Load(filename string) (*Config, error) {
	cfg := Default()
	data, err := os.ReadFile(filename)
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", filename, err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("config: parse %s: %w", filename, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks every field that would otherwise fail deep inside a run.
// A bad value aborts at startup with a message naming the key.
func (c *Config) Validate() error {
	if c.Constants.KilometersPerDegree <= 0 {
		return fmt.Errorf("config: constants.kilometers_per_degree must be positive, got %g", c.Constants.KilometersPerDegree)
	}
	if c.Constants.EarthRadiusKm <= 0 {
		return fmt.Errorf("config: constants.earth_radius_km must be positive, got %g", c.Constants.EarthRadiusKm)
	}
	if c.Constants.DipoleCenterMHz <= 0 {
		return fmt.Errorf("config: constants.dipole_center_mhz must be positive, got %g", c.Constants.DipoleCenterMHz)
	}
	if c.Terrain.ProfileSpacingKm <= 0 {
		return fmt.Errorf("config: terrain.profile_spacing_km must be positive, got %g", c.Terrain.ProfileSpacingKm)
	}
	if c.Terrain.ShortfallSlackPoints < 0 {
		return fmt.Errorf("config: terrain.shortfall_slack_points must not be negative, got %d", c.Terrain.ShortfallSlackPoints)
	}
	if c.HAAT.RadialCount < 1 || c.HAAT.RadialCount > 360 {
		return fmt.Errorf("config: haat.radial_count must be in [1,360], got %d", c.HAAT.RadialCount)
	}
	if c.HAAT.MinDistanceKm <= 0 || c.HAAT.MaxDistanceKm <= c.HAAT.MinDistanceKm {
		return fmt.Errorf("config: haat window [%g,%g] km is invalid", c.HAAT.MinDistanceKm, c.HAAT.MaxDistanceKm)
	}
	switch strings.ToLower(c.Model.ErrorPolicy) {
	case "ignore", "served", "unserved":
	default:
		return fmt.Errorf("config: model.error_policy must be ignore, served or unserved, got %q", c.Model.ErrorPolicy)
	}
	if c.Model.Default == "" {
		return fmt.Errorf("config: model.default must not be empty")
	}
	for _, p := range []struct {
		name  string
		value float64
	}{
		{"percent_time", c.Model.PercentTime},
		{"percent_location", c.Model.PercentLocation},
		{"percent_confidence", c.Model.PercentConfidence},
	} {
		if p.value <= 0 || p.value >= 100 {
			return fmt.Errorf("config: model.%s must be in (0,100), got %g", p.name, p.value)
		}
	}
	switch strings.ToLower(c.CoordinateConvert.DefaultDatum) {
	case "nad27", "nad83", "wgs84":
	default:
		return fmt.Errorf("config: coordinate_convert.default_datum %q is unknown", c.CoordinateConvert.DefaultDatum)
	}
	if c.Study.CellSizeKm <= 0 {
		return fmt.Errorf("config: study.cell_size_km must be positive, got %g", c.Study.CellSizeKm)
	}
	switch strings.ToLower(c.Study.GridType) {
	case "local", "global", "points":
	default:
		return fmt.Errorf("config: study.grid_type must be local, global or points, got %q", c.Study.GridType)
	}
	if c.Study.MaxProcesses < 1 {
		return fmt.Errorf("config: study.max_processes must be at least 1, got %d", c.Study.MaxProcesses)
	}
	if c.Study.MemoryFraction <= 0 || c.Study.MemoryFraction > 1 {
		return fmt.Errorf("config: study.memory_fraction must be in (0,1], got %g", c.Study.MemoryFraction)
	}
	return nil
}
