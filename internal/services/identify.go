package services

import (
	"context"
	"encoding/base64"
	"fmt"
	"time"

	"github.com/arborsight/treemetric/internal/httputil"
)

// IdentificationClient calls the remote species identification service.
type IdentificationClient struct {
	client  httputil.HTTPClient
	url     string
	timeout time.Duration
}

type identifyRequest struct {
	Image string `json:"image"`
	Organ string `json:"organ"` // hint: leaf, bark, fruit, flower, habit
}

// WoodDensity is an optional density value returned alongside a species
// match, with its unit and the region the source measurement comes from.
type WoodDensity struct {
	Value  float64 `json:"value"`
	Unit   string  `json:"unit"`
	Region string  `json:"region,omitempty"`
}

// Identification is the best species match for a submitted frame.
type Identification struct {
	Species        string       `json:"species"`
	Score          float64      `json:"score"`
	CommonNames    []string     `json:"common_names,omitempty"`
	WoodDensity    *WoodDensity `json:"wood_density,omitempty"`
	RemainingQuota *int         `json:"remaining_quota,omitempty"`
}

// Identify submits the frame with an organ hint and returns the best match.
func (c *IdentificationClient) Identify(ctx context.Context, frame []byte, organ string) (Identification, error) {
	if organ == "" {
		organ = "habit"
	}
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	var resp Identification
	req := identifyRequest{Image: base64.StdEncoding.EncodeToString(frame), Organ: organ}
	if err := httputil.PostJSON(ctx, c.client, c.url, req, &resp); err != nil {
		return Identification{}, fmt.Errorf("identification call failed: %w", err)
	}
	return resp, nil
}
