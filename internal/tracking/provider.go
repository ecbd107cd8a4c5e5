// Package tracking wraps a platform augmented-reality surface-tracking
// facility behind a Provider interface and drives the two-marker distance
// measurement session over it.
package tracking

import (
	"context"
	"errors"

	"gonum.org/v1/gonum/spatial/r3"
)

// Support is the result of a capability probe. Probing never acquires camera
// or AR resources and never triggers a permission prompt; only starting a
// session may.
type Support string

const (
	SupportSupported   Support = "supported"
	SupportUnsupported Support = "unsupported"
	SupportUnknown     Support = "unknown"
)

// ReferenceSpace names the coordinate space a tracking session is anchored
// in. The session requests the primary space and falls back to the viewer
// space once before giving up.
type ReferenceSpace string

const (
	SpaceLocalFloor ReferenceSpace = "local-floor"
	SpaceViewer     ReferenceSpace = "viewer"
)

// Provider start errors. Anything else is treated as a platform rejection of
// the session itself.
var (
	// ErrUnsupported means the platform has no surface-tracking hardware or
	// API for this device.
	ErrUnsupported = errors.New("surface tracking unsupported on this device")
	// ErrSpaceRejected means the session started but the requested reference
	// space or hit-test source was refused.
	ErrSpaceRejected = errors.New("reference space rejected")
	// ErrPermissionDenied means the user refused the camera or AR permission
	// prompt. Retrying another reference space is pointless.
	ErrPermissionDenied = errors.New("camera or tracking permission denied")
)

// Frame is one per-frame raycast result from the platform. UnixNanos is the
// platform frame clock; the placement cooldown is measured against it rather
// than against the wall clock so behaviour is deterministic under test.
type Frame struct {
	UnixNanos  int64  `json:"unix_nanos"`
	HasSurface bool   `json:"has_surface"`
	Pose       r3.Vec `json:"pose"`
}

// Provider is the platform surface-tracking facility. Implementations must
// close the Frames channel when the session ends, whether by Stop or by an
// external interruption (app backgrounded, platform teardown).
type Provider interface {
	// Probe reports device capability without acquiring any resources.
	Probe() Support
	// Start begins a tracking session in the given reference space.
	Start(ctx context.Context, space ReferenceSpace) error
	// Frames delivers per-frame raycast results after a successful Start.
	Frames() <-chan Frame
	// Stop ends the session and releases the AR resource.
	Stop() error
}
