// Package calibration derives and persists per-device camera calibrations.
//
// A calibration maps pixel measurements to angular field of view so that a
// known subject distance can be converted into a millimeters-per-pixel scale
// factor. Calibrations come from ranked sources (EXIF metadata, live stream
// capability negotiation, a user-measured reference object) and are stored
// per device fingerprint.
package calibration

import (
	"crypto/sha256"
	"encoding/hex"
	"math"
	"strings"
)

// Method records where a calibration came from. The ranking governs trust:
// exif > api > reference > none.
type Method string

const (
	MethodExif      Method = "exif"      // embedded photo metadata
	MethodAPI       Method = "api"       // live stream capability negotiation
	MethodReference Method = "reference" // user-assisted reference object
	MethodNone      Method = "none"      // hardcoded last-resort default
)

// Full-frame (35mm film equivalent) sensor dimensions in millimeters. All
// focal lengths are normalised to this convention for cross-device comparison.
const (
	FullFrameWidthMM  = 36.0
	FullFrameHeightMM = 24.0
)

// CameraCalibration is one device's pixel-to-angle mapping.
type CameraCalibration struct {
	FocalLength35mm  *float64 `json:"focal_length_35mm,omitempty"`
	FOVHorizontalDeg *float64 `json:"fov_horizontal_deg,omitempty"`
	FOVVerticalDeg   *float64 `json:"fov_vertical_deg,omitempty"`
	SensorWidthMM    *float64 `json:"sensor_width_mm,omitempty"`
	SensorHeightMM   *float64 `json:"sensor_height_mm,omitempty"`

	// Resolution the calibration was derived against.
	ImageWidthPx  uint32 `json:"image_width_px"`
	ImageHeightPx uint32 `json:"image_height_px"`

	Method Method `json:"method"`

	// Approximate marks calibrations built from a fixed FOV guess rather
	// than a negotiated or measured focal length.
	Approximate bool `json:"approximate,omitempty"`

	// DeviceID is a best-effort fingerprint hash of platform signals, not a
	// hardware serial.
	DeviceID  string `json:"device_id"`
	Timestamp int64  `json:"timestamp"`
}

// Usable reports whether the record carries enough information for scale
// factor computation: at least one of the 35mm focal length or the horizontal
// field of view.
func (c CameraCalibration) Usable() bool {
	return c.FocalLength35mm != nil || c.FOVHorizontalDeg != nil
}

// LowConfidence reports whether the record is the hardcoded default that
// callers must treat as advisory only.
func (c CameraCalibration) LowConfidence() bool {
	return c.Method == MethodNone
}

// FOVFromFocal35 computes the horizontal and vertical field of view, in
// degrees, for a 35mm-equivalent focal length on the full-frame sensor model.
func FOVFromFocal35(focal35 float64) (fovHDeg, fovVDeg float64) {
	fovHDeg = 2 * math.Atan(FullFrameWidthMM/(2*focal35)) * 180 / math.Pi
	fovVDeg = 2 * math.Atan(FullFrameHeightMM/(2*focal35)) * 180 / math.Pi
	return fovHDeg, fovVDeg
}

// Focal35FromFOV inverts FOVFromFocal35 for the horizontal axis.
func Focal35FromFOV(fovHDeg float64) float64 {
	return FullFrameWidthMM / (2 * math.Tan(fovHDeg*math.Pi/360))
}

// DeviceFingerprint hashes a set of platform signals (model name, OS string,
// screen geometry, whatever is available) into a stable device identifier.
func DeviceFingerprint(signals ...string) string {
	sum := sha256.Sum256([]byte(strings.Join(signals, "|")))
	return hex.EncodeToString(sum[:])[:16]
}

func ptrFloat64(v float64) *float64 { return &v }
