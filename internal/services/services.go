// Package services holds the HTTP clients for the engine's remote
// collaborators: tree segmentation, species identification, CO2
// sequestration, and record persistence. All four are consumed, never owned;
// only their interface boundary is modelled here.
package services

import (
	"time"

	"github.com/arborsight/treemetric/internal/httputil"
)

// DefaultTimeout bounds each remote call when the caller supplies no
// tighter context deadline.
const DefaultTimeout = 30 * time.Second

// Metrics are the physical tree dimensions returned by segmentation.
type Metrics struct {
	HeightM float64 `json:"height_m"`
	CanopyM float64 `json:"canopy_m"`
	DBHCm   float64 `json:"dbh_cm"`
}

// Clients bundles the four collaborator clients the orchestrator needs.
type Clients struct {
	Segmentation   *SegmentationClient
	Identification *IdentificationClient
	Carbon         *CarbonClient
	Persistence    *PersistenceClient
}

// NewClients builds the bundle over one shared HTTP client.
func NewClients(hc httputil.HTTPClient, segURL, idURL, carbonURL, persistURL string, timeout time.Duration) *Clients {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Clients{
		Segmentation:   &SegmentationClient{client: hc, url: segURL, timeout: timeout},
		Identification: &IdentificationClient{client: hc, url: idURL, timeout: timeout},
		Carbon:         &CarbonClient{client: hc, url: carbonURL, timeout: timeout},
		Persistence:    &PersistenceClient{client: hc, url: persistURL, timeout: timeout},
	}
}
