package services

import (
	"context"
	"encoding/base64"
	"fmt"
	"time"

	"github.com/arborsight/treemetric/internal/httputil"
)

// SegmentationClient calls the remote segmentation service that turns a
// tapped point plus an image into a pixel mask and dimension metrics.
type SegmentationClient struct {
	client  httputil.HTTPClient
	url     string
	timeout time.Duration
}

type segmentationRequest struct {
	Image       string  `json:"image"`
	DistanceM   float64 `json:"distance_m"`
	ScaleFactor float64 `json:"scale_factor"`
	ClickX      uint32  `json:"click_x"`
	ClickY      uint32  `json:"click_y"`
}

// RefinePoint is one labelled point in the interactive refinement variant.
type RefinePoint struct {
	X        uint32 `json:"x"`
	Y        uint32 `json:"y"`
	Positive bool   `json:"positive"`
}

type refineRequest struct {
	Image       string        `json:"image"`
	Points      []RefinePoint `json:"points"`
	ScaleFactor float64       `json:"scale_factor"`
}

type segmentationResponse struct {
	Status            string  `json:"status"`
	Message           string  `json:"message,omitempty"`
	Metrics           Metrics `json:"metrics"`
	ResultImageBase64 string  `json:"result_image_base64"`
}

// SegmentationResult is a successful segmentation: dimension metrics plus the
// mask PNG.
type SegmentationResult struct {
	Metrics Metrics
	MaskPNG []byte
}

// Segment submits the frozen frame, the first tap point, and the derived
// scale to the segmentation service. A response body with status other than
// "success" is a hard failure regardless of the HTTP status code.
func (c *SegmentationClient) Segment(ctx context.Context, frame []byte, distanceM, scaleFactor float64, clickX, clickY uint32) (SegmentationResult, error) {
	req := segmentationRequest{
		Image:       base64.StdEncoding.EncodeToString(frame),
		DistanceM:   distanceM,
		ScaleFactor: scaleFactor,
		ClickX:      clickX,
		ClickY:      clickY,
	}
	return c.post(ctx, req)
}

// Refine submits the points+scale variant used for interactive mask
// refinement after an initial segmentation.
func (c *SegmentationClient) Refine(ctx context.Context, frame []byte, points []RefinePoint, scaleFactor float64) (SegmentationResult, error) {
	req := refineRequest{
		Image:       base64.StdEncoding.EncodeToString(frame),
		Points:      points,
		ScaleFactor: scaleFactor,
	}
	return c.post(ctx, req)
}

func (c *SegmentationClient) post(ctx context.Context, req interface{}) (SegmentationResult, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	var resp segmentationResponse
	if err := httputil.PostJSON(ctx, c.client, c.url, req, &resp); err != nil {
		return SegmentationResult{}, fmt.Errorf("segmentation call failed: %w", err)
	}
	if resp.Status != "success" {
		return SegmentationResult{}, fmt.Errorf("segmentation rejected: status %q %s", resp.Status, resp.Message)
	}

	var mask []byte
	if resp.ResultImageBase64 != "" {
		decoded, err := base64.StdEncoding.DecodeString(resp.ResultImageBase64)
		if err != nil {
			return SegmentationResult{}, fmt.Errorf("segmentation returned undecodable mask: %w", err)
		}
		mask = decoded
	}
	return SegmentationResult{Metrics: resp.Metrics, MaskPNG: mask}, nil
}
