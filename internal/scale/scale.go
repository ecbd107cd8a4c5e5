// Package scale converts a baseline distance plus a camera calibration into a
// millimeters-per-pixel scale factor for a captured image.
package scale

import (
	"errors"
	"math"

	"github.com/arborsight/treemetric/internal/calibration"
	"github.com/arborsight/treemetric/internal/units"
)

// ErrCalibrationMissing is returned when the calibration carries neither a
// focal length nor a field of view. Callers must prompt for recalibration
// rather than substituting a guessed constant in this path.
var ErrCalibrationMissing = errors.New("calibration missing: no focal length or field of view available")

// Compute returns the millimeters of real-world size represented by one pixel
// of the captured image.
//
// The camera constant is 36/focal_35mm when the focal length is known, and
// 2*tan(fov_h/2) otherwise; on a full-frame sensor model the two are the same
// quantity, so both paths yield the same physical unit. The reference axis is
// max(width, height) rather than strictly the horizontal one — a deliberate
// simplification shared with the remote segmentation service, which expects
// this exact convention. Distance must be positive; callers validate it
// before reaching this point.
func Compute(distanceM float64, cal calibration.CameraCalibration, imageWidthPx, imageHeightPx uint32) (float64, error) {
	constant, err := cameraConstant(cal)
	if err != nil {
		return 0, err
	}

	distanceMM := units.MetersToMillimeters(distanceM)
	referencePx := imageWidthPx
	if imageHeightPx > referencePx {
		referencePx = imageHeightPx
	}

	return distanceMM * constant / float64(referencePx), nil
}

func cameraConstant(cal calibration.CameraCalibration) (float64, error) {
	if cal.FocalLength35mm != nil && *cal.FocalLength35mm > 0 {
		return calibration.FullFrameWidthMM / *cal.FocalLength35mm, nil
	}
	if cal.FOVHorizontalDeg != nil && *cal.FOVHorizontalDeg > 0 {
		return 2 * math.Tan(*cal.FOVHorizontalDeg*math.Pi/360), nil
	}
	return 0, ErrCalibrationMissing
}
