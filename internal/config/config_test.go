package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeTempConfig(t *testing.T, contents string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "engine.json")
	require.NoError(t, os.WriteFile(path, []byte(contents), 0o644))
	return path
}

func TestEmptyConfigUsesDefaults(t *testing.T) {
	t.Parallel()

	cfg := Empty()
	assert.Equal(t, DefaultSegmentationURL, cfg.GetSegmentationURL())
	assert.Equal(t, DefaultWoodDensityKgM3, cfg.GetDefaultWoodDensity())
	assert.Equal(t, DefaultQuotaWarnThreshold, cfg.GetQuotaWarnThreshold())
	assert.Equal(t, DefaultPlacementCooldown, cfg.GetPlacementCooldown())
	assert.Equal(t, DefaultReferenceObjectM, cfg.GetReferenceObjectWidth())
	assert.Equal(t, "", cfg.GetRangefinderPort())
	assert.Equal(t, "", cfg.GetMQTTBroker())
}

func TestLoadPartialConfig(t *testing.T) {
	t.Parallel()

	path := writeTempConfig(t, `{
		"segmentation_url": "http://field-gw:9401/segment",
		"placement_cooldown": "450ms",
		"quota_warn_threshold": 10
	}`)

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "http://field-gw:9401/segment", cfg.GetSegmentationURL())
	assert.Equal(t, 450*time.Millisecond, cfg.GetPlacementCooldown())
	assert.Equal(t, 10, cfg.GetQuotaWarnThreshold())
	// untouched fields keep defaults
	assert.Equal(t, DefaultPersistenceURL, cfg.GetPersistenceURL())
}

func TestLoadRejectsBadValues(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		json string
	}{
		{"negative density", `{"default_wood_density_kg_m3": -1}`},
		{"fov out of range", `{"fallback_fov_horizontal_deg": 200}`},
		{"bad cooldown", `{"placement_cooldown": "soon"}`},
		{"tiny upload edge", `{"max_upload_edge_px": 16}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			_, err := Load(writeTempConfig(t, tt.json))
			assert.Error(t, err)
		})
	}
}

func TestLoadRejectsNonJSONExtension(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "engine.yaml")
	require.NoError(t, os.WriteFile(path, []byte("{}"), 0o644))
	_, err := Load(path)
	assert.Error(t, err)
}
