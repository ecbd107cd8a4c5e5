package measure

import (
	"errors"
	"fmt"
)

// Engine error taxonomy. Everything above ValidationError surfaces to the
// user with a remedial action; ValidationError is handled inline without
// leaving the current state.
var (
	// ErrPermissionDenied: camera/location/motion refused. Not retryable
	// without an OS-level settings change.
	ErrPermissionDenied = errors.New("permission denied")

	// ErrDeviceUnsupported: no AR hardware or API. Expected on many devices;
	// routes silently to manual distance entry rather than surfacing.
	ErrDeviceUnsupported = errors.New("surface tracking not supported on this device")

	// ErrTrackingUnavailable: AR supported but failed at runtime. Retryable
	// by re-attempting the AR flow or falling back to manual.
	ErrTrackingUnavailable = errors.New("surface tracking unavailable")

	// ErrCalibrationMissing: the scale factor cannot be computed. Blocks
	// progression; the user must recalibrate rather than proceed on a
	// guessed constant.
	ErrCalibrationMissing = errors.New("camera calibration missing")

	// ErrRemoteCallFailed: network or service error on an external call.
	// Retryable; session data is preserved.
	ErrRemoteCallFailed = errors.New("remote call failed")

	// ErrInvalidTransition: a state-machine transition that the current
	// state does not permit (double submit, back during processing).
	ErrInvalidTransition = errors.New("invalid state transition")
)

// ValidationError is a local, immediate, non-fatal input problem: a bad
// manual distance, too few tap points. The state machine does not move.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

// IsValidation reports whether err is a ValidationError.
func IsValidation(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}
