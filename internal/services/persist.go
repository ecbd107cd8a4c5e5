package services

import (
	"context"
	"encoding/base64"
	"fmt"
	"time"

	"github.com/arborsight/treemetric/internal/httputil"
)

// PersistenceClient hands finished sessions to the external persistence
// collaborator. The engine itself never stores measurement results.
type PersistenceClient struct {
	client  httputil.HTTPClient
	url     string
	timeout time.Duration
}

// QuickRecord is the minimal capture: image, distance, scale factor, heading,
// location, optional metadata form.
type QuickRecord struct {
	Image       []byte  `json:"-"`
	ImageBase64 string  `json:"image"`
	DistanceM   float64 `json:"distance_m"`
	ScaleFactor float64 `json:"scale_factor"`
	HeadingDeg  float64 `json:"heading_deg"`
	Lat         float64 `json:"lat"`
	Lon         float64 `json:"lon"`
	Remarks     string  `json:"remarks,omitempty"`
}

// FullRecord is the complete analysis result.
type FullRecord struct {
	QuickRecord
	Metrics         Metrics      `json:"metrics"`
	Species         string       `json:"species,omitempty"`
	SpeciesScore    float64      `json:"species_score,omitempty"`
	WoodDensity     *WoodDensity `json:"wood_density,omitempty"`
	SequesteredKg   *float64     `json:"sequestered_kg,omitempty"`
	Condition       string       `json:"condition,omitempty"`
	Ownership       string       `json:"ownership,omitempty"`
	DiagnosticNote  string       `json:"diagnostic_note,omitempty"`
	MaskImageBase64 string       `json:"mask_image,omitempty"`
}

// SavedRecord is the collaborator's acknowledgement.
type SavedRecord struct {
	ID        string `json:"id"`
	Kind      string `json:"kind"` // "quick" or "full"
	CreatedAt string `json:"created_at"`
}

// SaveQuick persists a quick-capture record.
func (c *PersistenceClient) SaveQuick(ctx context.Context, rec QuickRecord) (SavedRecord, error) {
	rec.ImageBase64 = base64.StdEncoding.EncodeToString(rec.Image)
	return c.post(ctx, struct {
		Kind string `json:"kind"`
		QuickRecord
	}{Kind: "quick", QuickRecord: rec})
}

// SaveFull persists a full analysis record.
func (c *PersistenceClient) SaveFull(ctx context.Context, rec FullRecord) (SavedRecord, error) {
	rec.ImageBase64 = base64.StdEncoding.EncodeToString(rec.Image)
	return c.post(ctx, struct {
		Kind string `json:"kind"`
		FullRecord
	}{Kind: "full", FullRecord: rec})
}

func (c *PersistenceClient) post(ctx context.Context, req interface{}) (SavedRecord, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	var saved SavedRecord
	if err := httputil.PostJSON(ctx, c.client, c.url, req, &saved); err != nil {
		return SavedRecord{}, fmt.Errorf("persistence call failed: %w", err)
	}
	return saved, nil
}
