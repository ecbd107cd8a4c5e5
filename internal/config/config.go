// Package config loads and validates the engine configuration.
//
// Fields omitted from the JSON file retain their defaults, so partial
// configs are safe.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// Default values for every tunable. These are the single source of truth;
// the Get* accessors fall back to them whenever a field is absent.
const (
	DefaultSegmentationURL   = "http://localhost:9401/segment"
	DefaultIdentificationURL = "http://localhost:9402/identify"
	DefaultCarbonURL         = "http://localhost:9403/sequestration"
	DefaultPersistenceURL    = "http://localhost:9404/records"

	DefaultWoodDensityKgM3    = 600.0
	DefaultQuotaWarnThreshold = 50
	DefaultPlacementCooldown  = 300 * time.Millisecond
	DefaultReferenceObjectM   = 0.210 // A4 paper, long edge in portrait width
	DefaultFallbackFocal35    = 28.0
	DefaultFallbackFOVDeg     = 70.0
	DefaultMaxUploadEdgePx    = 2048
	DefaultRemoteCallTimeout  = 30 * time.Second
)

// EngineConfig represents the root configuration for the measurement engine.
type EngineConfig struct {
	// Remote collaborators
	SegmentationURL   *string `json:"segmentation_url,omitempty"`
	IdentificationURL *string `json:"identification_url,omitempty"`
	CarbonURL         *string `json:"carbon_url,omitempty"`
	PersistenceURL    *string `json:"persistence_url,omitempty"`
	RemoteCallTimeout *string `json:"remote_call_timeout,omitempty"` // duration string like "30s"

	// Measurement params
	DefaultWoodDensityKgM3 *float64 `json:"default_wood_density_kg_m3,omitempty"`
	QuotaWarnThreshold     *int     `json:"quota_warn_threshold,omitempty"`
	PlacementCooldown      *string  `json:"placement_cooldown,omitempty"` // duration string like "300ms"
	ReferenceObjectWidthM  *float64 `json:"reference_object_width_m,omitempty"`
	FallbackFocalLength35  *float64 `json:"fallback_focal_length_35mm,omitempty"`
	FallbackFOVDeg         *float64 `json:"fallback_fov_horizontal_deg,omitempty"`
	MaxUploadEdgePx        *int     `json:"max_upload_edge_px,omitempty"`

	// Peripherals (optional; empty disables)
	RangefinderPort *string `json:"rangefinder_port,omitempty"`
	RangefinderBaud *int    `json:"rangefinder_baud,omitempty"`
	GPSPort         *string `json:"gps_port,omitempty"`
	GPSBaud         *int    `json:"gps_baud,omitempty"`

	// Telemetry (optional; empty broker disables)
	MQTTBroker *string `json:"mqtt_broker,omitempty"`
	MQTTTopic  *string `json:"mqtt_topic,omitempty"`
}

// Empty returns an EngineConfig with all fields unset.
func Empty() *EngineConfig {
	return &EngineConfig{}
}

// Load reads an EngineConfig from a JSON file. The file must have a .json
// extension and be under 1MB.
func Load(path string) (*EngineConfig, error) {
	cleanPath := filepath.Clean(path)
	if ext := filepath.Ext(cleanPath); ext != ".json" {
		return nil, fmt.Errorf("config file must have .json extension, got %q", ext)
	}

	fileInfo, err := os.Stat(cleanPath)
	if err != nil {
		return nil, fmt.Errorf("failed to stat config file: %w", err)
	}
	const maxFileSize = 1 * 1024 * 1024
	if fileInfo.Size() > maxFileSize {
		return nil, fmt.Errorf("config file too large: %d bytes (max %d)", fileInfo.Size(), maxFileSize)
	}

	data, err := os.ReadFile(cleanPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := Empty()
	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config JSON: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// Validate checks that all provided values are in range.
func (c *EngineConfig) Validate() error {
	if c.DefaultWoodDensityKgM3 != nil && *c.DefaultWoodDensityKgM3 <= 0 {
		return fmt.Errorf("default_wood_density_kg_m3 must be > 0, got %v", *c.DefaultWoodDensityKgM3)
	}
	if c.QuotaWarnThreshold != nil && *c.QuotaWarnThreshold < 0 {
		return fmt.Errorf("quota_warn_threshold must be >= 0, got %d", *c.QuotaWarnThreshold)
	}
	if c.ReferenceObjectWidthM != nil && *c.ReferenceObjectWidthM <= 0 {
		return fmt.Errorf("reference_object_width_m must be > 0, got %v", *c.ReferenceObjectWidthM)
	}
	if c.FallbackFocalLength35 != nil && *c.FallbackFocalLength35 <= 0 {
		return fmt.Errorf("fallback_focal_length_35mm must be > 0, got %v", *c.FallbackFocalLength35)
	}
	if c.FallbackFOVDeg != nil && (*c.FallbackFOVDeg <= 0 || *c.FallbackFOVDeg >= 180) {
		return fmt.Errorf("fallback_fov_horizontal_deg must be in (0, 180), got %v", *c.FallbackFOVDeg)
	}
	if c.MaxUploadEdgePx != nil && *c.MaxUploadEdgePx < 256 {
		return fmt.Errorf("max_upload_edge_px must be >= 256, got %d", *c.MaxUploadEdgePx)
	}
	if c.PlacementCooldown != nil {
		if _, err := time.ParseDuration(*c.PlacementCooldown); err != nil {
			return fmt.Errorf("placement_cooldown is not a valid duration: %w", err)
		}
	}
	if c.RemoteCallTimeout != nil {
		if _, err := time.ParseDuration(*c.RemoteCallTimeout); err != nil {
			return fmt.Errorf("remote_call_timeout is not a valid duration: %w", err)
		}
	}
	return nil
}

func (c *EngineConfig) GetSegmentationURL() string {
	if c.SegmentationURL != nil {
		return *c.SegmentationURL
	}
	return DefaultSegmentationURL
}

func (c *EngineConfig) GetIdentificationURL() string {
	if c.IdentificationURL != nil {
		return *c.IdentificationURL
	}
	return DefaultIdentificationURL
}

func (c *EngineConfig) GetCarbonURL() string {
	if c.CarbonURL != nil {
		return *c.CarbonURL
	}
	return DefaultCarbonURL
}

func (c *EngineConfig) GetPersistenceURL() string {
	if c.PersistenceURL != nil {
		return *c.PersistenceURL
	}
	return DefaultPersistenceURL
}

func (c *EngineConfig) GetRemoteCallTimeout() time.Duration {
	if c.RemoteCallTimeout != nil {
		if d, err := time.ParseDuration(*c.RemoteCallTimeout); err == nil {
			return d
		}
	}
	return DefaultRemoteCallTimeout
}

func (c *EngineConfig) GetDefaultWoodDensity() float64 {
	if c.DefaultWoodDensityKgM3 != nil {
		return *c.DefaultWoodDensityKgM3
	}
	return DefaultWoodDensityKgM3
}

func (c *EngineConfig) GetQuotaWarnThreshold() int {
	if c.QuotaWarnThreshold != nil {
		return *c.QuotaWarnThreshold
	}
	return DefaultQuotaWarnThreshold
}

func (c *EngineConfig) GetPlacementCooldown() time.Duration {
	if c.PlacementCooldown != nil {
		if d, err := time.ParseDuration(*c.PlacementCooldown); err == nil {
			return d
		}
	}
	return DefaultPlacementCooldown
}

func (c *EngineConfig) GetReferenceObjectWidth() float64 {
	if c.ReferenceObjectWidthM != nil {
		return *c.ReferenceObjectWidthM
	}
	return DefaultReferenceObjectM
}

func (c *EngineConfig) GetFallbackFocalLength35() float64 {
	if c.FallbackFocalLength35 != nil {
		return *c.FallbackFocalLength35
	}
	return DefaultFallbackFocal35
}

func (c *EngineConfig) GetFallbackFOVDeg() float64 {
	if c.FallbackFOVDeg != nil {
		return *c.FallbackFOVDeg
	}
	return DefaultFallbackFOVDeg
}

func (c *EngineConfig) GetMaxUploadEdgePx() int {
	if c.MaxUploadEdgePx != nil {
		return *c.MaxUploadEdgePx
	}
	return DefaultMaxUploadEdgePx
}

func (c *EngineConfig) GetRangefinderPort() string {
	if c.RangefinderPort != nil {
		return *c.RangefinderPort
	}
	return ""
}

func (c *EngineConfig) GetRangefinderBaud() int {
	if c.RangefinderBaud != nil {
		return *c.RangefinderBaud
	}
	return 19200
}

func (c *EngineConfig) GetGPSPort() string {
	if c.GPSPort != nil {
		return *c.GPSPort
	}
	return ""
}

func (c *EngineConfig) GetGPSBaud() int {
	if c.GPSBaud != nil {
		return *c.GPSBaud
	}
	return 9600
}

func (c *EngineConfig) GetMQTTBroker() string {
	if c.MQTTBroker != nil {
		return *c.MQTTBroker
	}
	return ""
}

func (c *EngineConfig) GetMQTTTopic() string {
	if c.MQTTTopic != nil {
		return *c.MQTTTopic
	}
	return "treemetric/measurements"
}
