package calibration

import (
	"fmt"
	"math"
	"time"

	"github.com/arborsight/treemetric/internal/monitoring"
)

// smallSensorDiagonalMM is the sensor-diagonal heuristic used when a live
// stream exposes a physical focal length but no sensor geometry. 5.5mm is
// typical for small phone/webcam sensors.
const smallSensorDiagonalMM = 5.5

// StreamCapabilities is whatever the active camera stream exposed during
// capability negotiation. Fields are nil/zero when the platform hides them.
type StreamCapabilities struct {
	FocalLengthMM *float64 `json:"focal_length_mm,omitempty"`
	ImageWidthPx  uint32   `json:"image_width_px"`
	ImageHeightPx uint32   `json:"image_height_px"`
}

// ReferenceObservation is a user-assisted tier 3 measurement: the on-screen
// pixel width of a known-size reference object at a known distance.
type ReferenceObservation struct {
	ObjectWidthPx float64 `json:"object_width_px"`
	ObjectWidthM  float64 `json:"object_width_m,omitempty"` // 0 means the configured default
	DistanceM     float64 `json:"distance_m"`
	ImageWidthPx  uint32  `json:"image_width_px"`
	ImageHeightPx uint32  `json:"image_height_px"`
}

// EstimatorOptions carries the tunables the estimator needs. Zero values fall
// back to the engine defaults.
type EstimatorOptions struct {
	ReferenceObjectWidthM float64 // default 0.210 (A4 paper)
	FallbackFocal35       float64 // default 28
	FallbackFOVDeg        float64 // default 70
	Now                   func() time.Time
}

// Estimator produces CameraCalibration records from ranked sources and
// persists successful non-default results.
type Estimator struct {
	store    *Store // may be nil (estimate-only mode)
	deviceID string
	opts     EstimatorOptions
	logf     func(format string, v ...interface{})
}

// NewEstimator builds an estimator for one device. store may be nil when
// persistence is not wanted (e.g. the calibrate CLI's dry-run mode).
func NewEstimator(store *Store, deviceID string, opts EstimatorOptions) *Estimator {
	if opts.ReferenceObjectWidthM <= 0 {
		opts.ReferenceObjectWidthM = 0.210
	}
	if opts.FallbackFocal35 <= 0 {
		opts.FallbackFocal35 = 28
	}
	if opts.FallbackFOVDeg <= 0 {
		opts.FallbackFOVDeg = 70
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Estimator{
		store:    store,
		deviceID: deviceID,
		opts:     opts,
		logf:     monitoring.Scoped("calibration"),
	}
}

// Estimate tries the ranked sources in strict order and returns the first
// success. Any of the inputs may be nil/absent; with none usable the
// hardcoded default is returned tagged MethodNone, which callers must treat
// as advisory only.
func (e *Estimator) Estimate(photo []byte, caps *StreamCapabilities, ref *ReferenceObservation) CameraCalibration {
	if len(photo) > 0 {
		if cal, err := fromEXIF(photo); err == nil {
			return e.finish(cal)
		} else {
			e.logf("exif tier failed: %v", err)
		}
	}

	if caps != nil {
		if cal, err := e.fromStream(*caps); err == nil {
			return e.finish(cal)
		} else {
			e.logf("stream tier failed: %v", err)
		}
	}

	if ref != nil {
		if cal, err := e.FromReference(*ref); err == nil {
			return cal // FromReference already finished it
		} else {
			e.logf("reference tier failed: %v", err)
		}
	}

	return e.defaultCalibration()
}

// FromReference computes a calibration from a reference-object measurement:
// focal_px = object_px * distance / object_width, FOV from the image width.
// It is exported separately because the observation arrives from its own UI
// flow rather than alongside a photo.
func (e *Estimator) FromReference(ref ReferenceObservation) (CameraCalibration, error) {
	objectWidthM := ref.ObjectWidthM
	if objectWidthM <= 0 {
		objectWidthM = e.opts.ReferenceObjectWidthM
	}
	if ref.ObjectWidthPx <= 0 || ref.DistanceM <= 0 || ref.ImageWidthPx == 0 || ref.ImageHeightPx == 0 {
		return CameraCalibration{}, fmt.Errorf("reference observation incomplete: px=%0.1f distance=%0.2f image=%dx%d",
			ref.ObjectWidthPx, ref.DistanceM, ref.ImageWidthPx, ref.ImageHeightPx)
	}

	focalPx := ref.ObjectWidthPx * ref.DistanceM / objectWidthM
	fovH := 2 * math.Atan(float64(ref.ImageWidthPx)/(2*focalPx)) * 180 / math.Pi
	fovV := 2 * math.Atan(float64(ref.ImageHeightPx)/(2*focalPx)) * 180 / math.Pi
	focal35 := Focal35FromFOV(fovH)

	return e.finish(CameraCalibration{
		FocalLength35mm:  ptrFloat64(focal35),
		FOVHorizontalDeg: ptrFloat64(fovH),
		FOVVerticalDeg:   ptrFloat64(fovV),
		ImageWidthPx:     ref.ImageWidthPx,
		ImageHeightPx:    ref.ImageHeightPx,
		Method:           MethodReference,
	}), nil
}

// fromStream is the tier 2 extraction over negotiated stream capabilities.
func (e *Estimator) fromStream(caps StreamCapabilities) (CameraCalibration, error) {
	if caps.ImageWidthPx == 0 || caps.ImageHeightPx == 0 {
		return CameraCalibration{}, fmt.Errorf("stream exposed no resolution")
	}

	if caps.FocalLengthMM != nil && *caps.FocalLengthMM > 0 {
		// Physical focal length on an assumed 5.5mm-diagonal sensor,
		// converted to the 35mm-equivalent for storage consistency.
		w := float64(caps.ImageWidthPx)
		h := float64(caps.ImageHeightPx)
		diagPx := math.Hypot(w, h)
		sensorW := smallSensorDiagonalMM * w / diagPx
		sensorH := smallSensorDiagonalMM * h / diagPx

		fovH := 2 * math.Atan(sensorW/(2**caps.FocalLengthMM)) * 180 / math.Pi
		fovV := 2 * math.Atan(sensorH/(2**caps.FocalLengthMM)) * 180 / math.Pi
		return CameraCalibration{
			FocalLength35mm:  ptrFloat64(Focal35FromFOV(fovH)),
			FOVHorizontalDeg: ptrFloat64(fovH),
			FOVVerticalDeg:   ptrFloat64(fovV),
			SensorWidthMM:    ptrFloat64(sensorW),
			SensorHeightMM:   ptrFloat64(sensorH),
			ImageWidthPx:     caps.ImageWidthPx,
			ImageHeightPx:    caps.ImageHeightPx,
			Method:           MethodAPI,
		}, nil
	}

	// Resolution only: conservative fixed FOV estimate, flagged approximate.
	fov := e.opts.FallbackFOVDeg
	return CameraCalibration{
		FOVHorizontalDeg: ptrFloat64(fov),
		ImageWidthPx:     caps.ImageWidthPx,
		ImageHeightPx:    caps.ImageHeightPx,
		Method:           MethodAPI,
		Approximate:      true,
	}, nil
}

// defaultCalibration is the last-resort record. It is NOT persisted; callers
// must prompt for manual calibration before trusting measurements made with it.
func (e *Estimator) defaultCalibration() CameraCalibration {
	return CameraCalibration{
		FocalLength35mm:  ptrFloat64(e.opts.FallbackFocal35),
		FOVHorizontalDeg: ptrFloat64(e.opts.FallbackFOVDeg),
		Method:           MethodNone,
		Approximate:      true,
		DeviceID:         e.deviceID,
		Timestamp:        e.opts.Now().Unix(),
	}
}

// finish stamps identity/time onto a successful extraction and persists it.
func (e *Estimator) finish(cal CameraCalibration) CameraCalibration {
	cal.DeviceID = e.deviceID
	cal.Timestamp = e.opts.Now().Unix()
	if e.store != nil {
		if err := e.store.Put(cal); err != nil {
			e.logf("failed to persist calibration for device %s: %v", cal.DeviceID, err)
		}
	}
	return cal
}
