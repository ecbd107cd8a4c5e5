package services

import (
	"context"
	"fmt"
	"time"

	"github.com/arborsight/treemetric/internal/httputil"
)

// CarbonClient calls the remote CO2 sequestration formula service.
type CarbonClient struct {
	client  httputil.HTTPClient
	url     string
	timeout time.Duration
}

type carbonRequest struct {
	HeightM         float64 `json:"height_m"`
	CanopyM         float64 `json:"canopy_m"`
	DBHCm           float64 `json:"dbh_cm"`
	WoodDensityKgM3 float64 `json:"wood_density_kg_m3"`
}

type carbonResponse struct {
	SequesteredKg float64 `json:"sequestered_kg"`
}

// Sequestration computes the CO2 sequestered by a tree with the given
// dimensions and wood density. Callers must not invoke this with zero height
// or DBH — those signal an upstream scale-factor error, not a small tree.
func (c *CarbonClient) Sequestration(ctx context.Context, metrics Metrics, woodDensityKgM3 float64) (float64, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	req := carbonRequest{
		HeightM:         metrics.HeightM,
		CanopyM:         metrics.CanopyM,
		DBHCm:           metrics.DBHCm,
		WoodDensityKgM3: woodDensityKgM3,
	}
	var resp carbonResponse
	if err := httputil.PostJSON(ctx, c.client, c.url, req, &resp); err != nil {
		return 0, fmt.Errorf("sequestration call failed: %w", err)
	}
	return resp.SequesteredKg, nil
}
