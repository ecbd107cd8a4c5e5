package calibration

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func fixedNow() time.Time { return time.Unix(1700000000, 0) }

func newTestEstimator(store *Store) *Estimator {
	return NewEstimator(store, "device-test", EstimatorOptions{Now: fixedNow})
}

func TestEstimateFallsThroughToStreamTier(t *testing.T) {
	t.Parallel()

	// A payload with no EXIF metadata must not yield a partially-populated
	// tier 1 record; the stream tier should win instead.
	photo := []byte{0xFF, 0xD8, 0xFF, 0xD9}
	focal := 4.25
	caps := &StreamCapabilities{FocalLengthMM: &focal, ImageWidthPx: 4032, ImageHeightPx: 3024}

	cal := newTestEstimator(nil).Estimate(photo, caps, nil)
	assert.Equal(t, MethodAPI, cal.Method)
	require.NotNil(t, cal.FocalLength35mm)
	// 4.25mm on a 5.5mm-diagonal 4:3 sensor is ~34.8mm equivalent
	assert.InDelta(t, 34.78, *cal.FocalLength35mm, 0.05)
	assert.False(t, cal.Approximate)
	assert.Equal(t, "device-test", cal.DeviceID)
	assert.Equal(t, fixedNow().Unix(), cal.Timestamp)
}

func TestStreamTierResolutionOnly(t *testing.T) {
	t.Parallel()

	caps := &StreamCapabilities{ImageWidthPx: 1920, ImageHeightPx: 1080}
	cal := newTestEstimator(nil).Estimate(nil, caps, nil)

	assert.Equal(t, MethodAPI, cal.Method)
	assert.True(t, cal.Approximate, "fixed-FOV estimate must be flagged approximate")
	assert.Nil(t, cal.FocalLength35mm)
	require.NotNil(t, cal.FOVHorizontalDeg)
	assert.InDelta(t, 70.0, *cal.FOVHorizontalDeg, 1e-9)
}

func TestReferenceTier(t *testing.T) {
	t.Parallel()

	// 1000px object, 2.1m away, 0.21m wide -> focal 10000px.
	// On a 4000px-wide image: fov = 2*atan(4000/20000), f35 = 36/(2*0.2) = 90.
	ref := ReferenceObservation{
		ObjectWidthPx: 1000,
		DistanceM:     2.1,
		ImageWidthPx:  4000,
		ImageHeightPx: 3000,
	}
	cal, err := newTestEstimator(nil).FromReference(ref)
	require.NoError(t, err)

	assert.Equal(t, MethodReference, cal.Method)
	require.NotNil(t, cal.FocalLength35mm)
	assert.InDelta(t, 90.0, *cal.FocalLength35mm, 1e-9)
}

func TestReferenceTierRejectsIncompleteObservation(t *testing.T) {
	t.Parallel()

	_, err := newTestEstimator(nil).FromReference(ReferenceObservation{
		ObjectWidthPx: 0, DistanceM: 2, ImageWidthPx: 4000, ImageHeightPx: 3000,
	})
	assert.Error(t, err)

	_, err = newTestEstimator(nil).FromReference(ReferenceObservation{
		ObjectWidthPx: 1000, DistanceM: -1, ImageWidthPx: 4000, ImageHeightPx: 3000,
	})
	assert.Error(t, err)
}

func TestAllTiersFailYieldsTaggedDefault(t *testing.T) {
	t.Parallel()

	settings := newMemSettings()
	store := NewStore(settings)
	cal := newTestEstimator(store).Estimate(nil, nil, nil)

	assert.Equal(t, MethodNone, cal.Method)
	assert.True(t, cal.LowConfidence())
	require.NotNil(t, cal.FocalLength35mm)
	assert.Equal(t, 28.0, *cal.FocalLength35mm)
	require.NotNil(t, cal.FOVHorizontalDeg)
	assert.Equal(t, 70.0, *cal.FOVHorizontalDeg)

	// The default must never reach the store.
	records, err := store.List()
	require.NoError(t, err)
	assert.Empty(t, records)
}

func TestSuccessfulEstimateIsPersisted(t *testing.T) {
	t.Parallel()

	store := NewStore(newMemSettings())
	focal := 4.25
	caps := &StreamCapabilities{FocalLengthMM: &focal, ImageWidthPx: 4032, ImageHeightPx: 3024}

	newTestEstimator(store).Estimate(nil, caps, nil)

	got, ok, err := store.Get("device-test")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, MethodAPI, got.Method)
}
