package scale

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/arborsight/treemetric/internal/calibration"
)

func ptr(v float64) *float64 { return &v }

func focalCal(f35 float64) calibration.CameraCalibration {
	return calibration.CameraCalibration{FocalLength35mm: ptr(f35), Method: calibration.MethodExif}
}

func TestComputeKnownScenario(t *testing.T) {
	t.Parallel()

	// 10m at 28mm equivalent on a 4032x3024 frame:
	// constant = 36/28, scale = 10000 * (36/28) / 4032 ≈ 3.189 mm/px
	got, err := Compute(10, focalCal(28), 4032, 3024)
	require.NoError(t, err)
	assert.InDelta(t, 3.189, got, 0.001)
}

func TestComputeUsesLongestAxis(t *testing.T) {
	t.Parallel()

	landscape, err := Compute(10, focalCal(28), 4032, 3024)
	require.NoError(t, err)
	portrait, err := Compute(10, focalCal(28), 3024, 4032)
	require.NoError(t, err)

	assert.Equal(t, landscape, portrait, "orientation must not change the scale factor")
}

func TestComputeFOVPathMatchesFocalPath(t *testing.T) {
	t.Parallel()

	// A calibration expressed as FOV must yield the same scale factor as the
	// focal length it was derived from.
	fovH, _ := calibration.FOVFromFocal35(28)
	fovCal := calibration.CameraCalibration{FOVHorizontalDeg: ptr(fovH), Method: calibration.MethodAPI}

	fromFocal, err := Compute(10, focalCal(28), 4032, 3024)
	require.NoError(t, err)
	fromFOV, err := Compute(10, fovCal, 4032, 3024)
	require.NoError(t, err)

	assert.InDelta(t, fromFocal, fromFOV, 1e-9)
}

func TestComputeMonotonicInDistance(t *testing.T) {
	t.Parallel()

	prev := 0.0
	for _, d := range []float64{0.5, 1, 2, 5, 10, 25, 100} {
		got, err := Compute(d, focalCal(28), 4032, 3024)
		require.NoError(t, err)
		assert.Greater(t, got, prev, "scale factor must increase with distance")
		prev = got
	}
}

func TestComputeMonotonicDecreasingInResolution(t *testing.T) {
	t.Parallel()

	prev := 1e18
	for _, w := range []uint32{640, 1920, 4032, 8064} {
		got, err := Compute(10, focalCal(28), w, w*3/4)
		require.NoError(t, err)
		assert.Less(t, got, prev, "scale factor must decrease as resolution grows")
		prev = got
	}
}

func TestComputeCalibrationMissing(t *testing.T) {
	t.Parallel()

	// Fails iff neither focal length nor FOV is available.
	_, err := Compute(10, calibration.CameraCalibration{}, 4032, 3024)
	assert.ErrorIs(t, err, ErrCalibrationMissing)

	_, err = Compute(10, focalCal(28), 4032, 3024)
	assert.NoError(t, err)

	fovOnly := calibration.CameraCalibration{FOVHorizontalDeg: ptr(70)}
	_, err = Compute(10, fovOnly, 4032, 3024)
	assert.NoError(t, err)
}
