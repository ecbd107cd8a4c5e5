// Package measure drives the multi-step capture/measurement workflow as a
// deterministic state machine: capability check, distance acquisition,
// path choice, point-tap collection, remote analysis, persistence handoff.
package measure

import (
	"context"
	"encoding/base64"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/arborsight/treemetric/internal/calibration"
	"github.com/arborsight/treemetric/internal/frame"
	"github.com/arborsight/treemetric/internal/monitoring"
	"github.com/arborsight/treemetric/internal/scale"
	"github.com/arborsight/treemetric/internal/services"
	"github.com/arborsight/treemetric/internal/tracking"
)

// Rangefinder is an optional external laser distance meter.
type Rangefinder interface {
	Measure(ctx context.Context) (float64, error)
}

// Position is a GPS fix with compass heading, attached to saved records.
type Position struct {
	Lat        float64 `json:"lat"`
	Lon        float64 `json:"lon"`
	HeadingDeg float64 `json:"heading_deg"`
}

// LocationSource supplies the most recent position fix, if any.
type LocationSource interface {
	Fix() (Position, bool)
}

// EventSink receives measurement lifecycle events (telemetry). May be nil.
type EventSink interface {
	Publish(event string, payload interface{})
}

// DiagnosticsSink records anomalies for later inspection, such as
// zero-valued dimensions that signal a propagated scale-factor error.
type DiagnosticsSink interface {
	RecordDiagnostic(kind, detail string) error
}

// Deps are the orchestrator's collaborators. Clients, Store, Estimator,
// DeviceID and NewTrackingProvider are required; the rest are optional.
type Deps struct {
	Clients             *services.Clients
	Store               *calibration.Store
	Estimator           *calibration.Estimator
	DeviceID            string
	NewTrackingProvider func() tracking.Provider
	Rangefinder         Rangefinder
	Location            LocationSource
	Events              EventSink
	Diagnostics         DiagnosticsSink
}

// Options are the workflow tunables.
type Options struct {
	PlacementCooldown      time.Duration
	DefaultWoodDensityKgM3 float64
	QuotaWarnThreshold     int
	MaxUploadEdgePx        int
}

// Result is emitted on Done so the caller can refresh its own result list.
type Result struct {
	Kind  string // "quick" or "full"
	Saved services.SavedRecord
}

// Orchestrator owns one measurement session at a time. Every mutation — UI
// commands, tracking callbacks, async service completions — enters under one
// mutex, and async completions additionally carry the session generation
// captured at launch so orphaned responses arriving after cancellation are
// dropped rather than mutating a torn-down session.
type Orchestrator struct {
	mu   sync.Mutex
	deps Deps
	opts Options
	logf func(format string, v ...interface{})

	support       tracking.Support // resolved once, cached for the orchestrator's lifetime
	supportProbed bool

	state      State
	sess       *Session
	generation uint64

	// Camera and AR session are mutually exclusive resources; never both.
	arSession  *tracking.Session
	cameraHeld bool

	result         *Result
	lastErr        error
	cancelInFlight context.CancelFunc
}

// New builds an orchestrator. It holds no resources until a session starts.
func New(deps Deps, opts Options) *Orchestrator {
	if opts.DefaultWoodDensityKgM3 <= 0 {
		opts.DefaultWoodDensityKgM3 = 600
	}
	if opts.QuotaWarnThreshold <= 0 {
		opts.QuotaWarnThreshold = 50
	}
	return &Orchestrator{
		deps:  deps,
		opts:  opts,
		logf:  monitoring.Scoped("measure"),
		state: StateDone, // no active session yet
	}
}

// StartSession begins a fresh measurement attempt, discarding any previous
// session. The capability check is a pure probe: no camera or AR resource is
// acquired and no permission prompt can fire; only entering the AR flow may.
func (o *Orchestrator) StartSession() (*Session, error) {
	o.mu.Lock()
	defer o.mu.Unlock()

	o.teardownLocked()
	o.generation++
	o.sess = newSession(o.generation)
	o.result = nil
	o.lastErr = nil
	o.state = StateCapabilityCheck

	if !o.supportProbed {
		o.support = tracking.SupportUnknown
		if o.deps.NewTrackingProvider != nil {
			o.support = o.deps.NewTrackingProvider().Probe()
		}
		o.supportProbed = true
	}

	o.transitionLocked(StateDistanceChoice)
	o.publish("session_started", o.sess.ID)
	return o.sess.clone(), nil
}

// Support returns the cached capability probe result.
func (o *Orchestrator) Support() tracking.Support {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.support
}

// State returns the current workflow state.
func (o *Orchestrator) State() State {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.state
}

// Session returns a copy of the active session, or nil. A copy is handed out
// so callers can read it (or encode it to JSON) while the async pipeline
// mutates the live struct under the lock.
func (o *Orchestrator) Session() *Session {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.sess.clone()
}

// Result returns the Done result, if the workflow finished.
func (o *Orchestrator) Result() *Result {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.result
}

// Err returns the most recent surfaced error.
func (o *Orchestrator) Err() error {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.lastErr
}

// BeginAR enters the AR distance flow. The user must have explicitly chosen
// it; AR is never silently forced, so a permission prompt only ever follows a
// deliberate gesture.
func (o *Orchestrator) BeginAR(ctx context.Context) error {
	o.mu.Lock()
	if err := o.requireLocked(StateDistanceChoice); err != nil {
		o.mu.Unlock()
		return err
	}
	if o.support == tracking.SupportUnsupported {
		o.mu.Unlock()
		return ErrDeviceUnsupported
	}
	provider := o.deps.NewTrackingProvider()
	sess := tracking.NewSession(provider, o.opts.PlacementCooldown)
	o.mu.Unlock()

	// Start outside the lock: the platform may block on permission prompts.
	if err := sess.Start(ctx); err != nil {
		switch sess.Failure() {
		case tracking.FailureUnsupported:
			return fmt.Errorf("%w: %v", ErrDeviceUnsupported, err)
		case tracking.FailurePermissionDenied:
			return fmt.Errorf("%w: %v", ErrPermissionDenied, err)
		default:
			return fmt.Errorf("%w: %v", ErrTrackingUnavailable, err)
		}
	}

	o.mu.Lock()
	defer o.mu.Unlock()
	if o.state != StateDistanceChoice {
		// Cancelled or navigated away while the session was starting.
		sess.Stop()
		return ErrInvalidTransition
	}
	o.arSession = sess
	o.transitionLocked(StateARFlow)
	return nil
}

// Tracking returns the live AR session during the AR flow.
func (o *Orchestrator) Tracking() *tracking.Session {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.arSession
}

// ConfirmARDistance adopts the AR-measured distance and moves to the path
// choice. The AR session is torn down first: the camera for subsequent photo
// capture is acquired fresh afterwards, never concurrently with AR.
func (o *Orchestrator) ConfirmARDistance() error {
	o.mu.Lock()
	if err := o.requireLocked(StateARFlow); err != nil {
		o.mu.Unlock()
		return err
	}
	sess := o.arSession
	o.mu.Unlock()

	if sess == nil {
		return ErrInvalidTransition
	}
	if sess.State() == tracking.StateFailed {
		return fmt.Errorf("%w: %s", ErrTrackingUnavailable, sess.Failure())
	}
	d, ok := sess.DistanceM()
	if !ok {
		return &ValidationError{Field: "distance", Reason: "both markers must be placed first"}
	}
	sess.Stop()

	o.mu.Lock()
	defer o.mu.Unlock()
	if o.state != StateARFlow {
		return ErrInvalidTransition
	}
	o.arSession = nil
	o.sess.DistanceM = &d
	o.sess.DistanceFrom = SourceAR
	o.tryScaleFromStoredCalibrationLocked()
	o.transitionLocked(StatePathChoice)
	return nil
}

// BeginManual enters the manual distance flow, opening a plain camera preview.
func (o *Orchestrator) BeginManual() error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if err := o.requireLocked(StateDistanceChoice); err != nil {
		return err
	}
	o.cameraHeld = true
	o.transitionLocked(StateManualFlow)
	return nil
}

// SetManualDistance validates and adopts a typed distance. Non-positive or
// non-finite values are rejected inline without leaving the manual flow and
// without any camera or session interaction.
func (o *Orchestrator) SetManualDistance(distanceM float64) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if err := o.requireLocked(StateManualFlow); err != nil {
		return err
	}
	if math.IsNaN(distanceM) || math.IsInf(distanceM, 0) || distanceM <= 0 {
		return &ValidationError{Field: "distance", Reason: fmt.Sprintf("must be a positive number of meters, got %v", distanceM)}
	}
	o.sess.DistanceM = &distanceM
	o.sess.DistanceFrom = SourceManual
	o.tryScaleFromStoredCalibrationLocked()
	o.transitionLocked(StatePathChoice)
	return nil
}

// BeginRangefinder reads one distance from the external laser rangefinder.
func (o *Orchestrator) BeginRangefinder(ctx context.Context) error {
	o.mu.Lock()
	if err := o.requireLocked(StateDistanceChoice); err != nil {
		o.mu.Unlock()
		return err
	}
	rf := o.deps.Rangefinder
	if rf == nil {
		o.mu.Unlock()
		return ErrDeviceUnsupported
	}
	o.transitionLocked(StateRangefinderFlow)
	gen := o.sess.Generation
	o.mu.Unlock()

	d, err := rf.Measure(ctx)

	o.mu.Lock()
	defer o.mu.Unlock()
	if o.sess == nil || o.sess.Generation != gen || o.state != StateRangefinderFlow {
		return ErrInvalidTransition
	}
	if err != nil {
		o.transitionLocked(StateDistanceChoice)
		return fmt.Errorf("%w: rangefinder: %v", ErrTrackingUnavailable, err)
	}
	if d <= 0 {
		o.transitionLocked(StateDistanceChoice)
		return &ValidationError{Field: "distance", Reason: fmt.Sprintf("rangefinder returned %v", d)}
	}
	o.sess.DistanceM = &d
	o.sess.DistanceFrom = SourceRangefinder
	o.tryScaleFromStoredCalibrationLocked()
	o.transitionLocked(StatePathChoice)
	return nil
}

// ChooseQuickSave selects the minimal capture path.
func (o *Orchestrator) ChooseQuickSave() error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if err := o.requireLocked(StatePathChoice); err != nil {
		return err
	}
	o.cameraHeld = true
	o.transitionLocked(StateQuickCapture)
	return nil
}

// ChooseFullAnalysis selects the complete dimension + species + carbon path.
func (o *Orchestrator) ChooseFullAnalysis() error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if err := o.requireLocked(StatePathChoice); err != nil {
		return err
	}
	o.cameraHeld = true
	o.transitionLocked(StatePointCollection)
	return nil
}

// FreezeFrame captures the still frame all subsequent taps are relative to.
// The frame must be frozen before any tap is accepted so that device motion
// between tap and analysis cannot invalidate pixel coordinates. In the point
// collection state the frame may only be replaced while no taps exist.
func (o *Orchestrator) FreezeFrame(img []byte) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.state != StateQuickCapture && o.state != StatePointCollection {
		return ErrInvalidTransition
	}
	if len(o.sess.Taps) > 0 {
		return &ValidationError{Field: "frame", Reason: "cannot replace the frozen frame after taps were collected"}
	}

	w, h, err := frame.Dimensions(img)
	if err != nil {
		return &ValidationError{Field: "frame", Reason: err.Error()}
	}
	o.sess.Frame = img
	o.sess.FrameW = w
	o.sess.FrameH = h

	return o.ensureScaleLocked()
}

// AddTap appends one ordered tap on the frozen frame.
func (o *Orchestrator) AddTap(xPx, yPx uint32) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if err := o.requireLocked(StatePointCollection); err != nil {
		return err
	}
	if len(o.sess.Frame) == 0 {
		return &ValidationError{Field: "tap", Reason: "no frozen frame: capture the still before tapping"}
	}
	if len(o.sess.Taps) >= MaxTapPoints {
		return &ValidationError{Field: "tap", Reason: fmt.Sprintf("at most %d points", MaxTapPoints)}
	}
	if xPx >= o.sess.FrameW || yPx >= o.sess.FrameH {
		return &ValidationError{Field: "tap", Reason: fmt.Sprintf("point (%d,%d) outside %dx%d frame", xPx, yPx, o.sess.FrameW, o.sess.FrameH)}
	}
	o.sess.Taps = append(o.sess.Taps, TapPoint{XPx: xPx, YPx: yPx, Ordinal: uint32(len(o.sess.Taps))})
	return nil
}

// ClearTaps discards collected taps without leaving point collection.
func (o *Orchestrator) ClearTaps() error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if err := o.requireLocked(StatePointCollection); err != nil {
		return err
	}
	o.sess.Taps = nil
	return nil
}

// SetForm attaches the optional metadata form. Accepted in any non-terminal,
// non-processing state.
func (o *Orchestrator) SetForm(form FormData) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.sess == nil || o.state.Terminal() || o.state.Processing() {
		return ErrInvalidTransition
	}
	o.sess.Form = form
	return nil
}

// Submit starts the full analysis pipeline. Submissions with fewer than two
// tap points are rejected locally before any remote call is issued, and a
// second submit while one is in flight is rejected by the state machine.
func (o *Orchestrator) Submit(ctx context.Context) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if err := o.requireLocked(StatePointCollection); err != nil {
		return err
	}
	if len(o.sess.Taps) < MinTapPoints {
		return &ValidationError{Field: "taps", Reason: fmt.Sprintf("need at least %d points, have %d", MinTapPoints, len(o.sess.Taps))}
	}
	if o.sess.ScaleFactorMMPerPx == nil {
		return ErrCalibrationMissing
	}

	gen := o.sess.Generation
	upload, tapX, tapY, err := o.uploadFrameLocked()
	if err != nil {
		return err
	}
	distance := *o.sess.DistanceM
	scaleFactor := *o.sess.ScaleFactorMMPerPx

	callCtx, cancel := context.WithCancel(ctx)
	o.cancelInFlight = cancel
	o.transitionLocked(StateSegmenting)

	go o.runAnalysis(callCtx, gen, upload, distance, scaleFactor, tapX, tapY)
	return nil
}

// uploadFrameLocked downscales the frozen frame for upload and maps the first
// tap onto the downscaled geometry.
func (o *Orchestrator) uploadFrameLocked() ([]byte, uint32, uint32, error) {
	first := o.sess.Taps[0]
	upload, upW, _, err := frame.Downscale(o.sess.Frame, o.opts.MaxUploadEdgePx)
	if err != nil {
		return nil, 0, 0, &ValidationError{Field: "frame", Reason: err.Error()}
	}
	x, y := frame.ScaleTap(first.XPx, first.YPx, o.sess.FrameW, upW)
	return upload, x, y, nil
}

// runAnalysis executes segmentation, then identification, then the CO2 call,
// strictly in that order: sequencing avoids doubling outstanding requests
// against rate-limited backends even though identification does not consume
// segmentation's output.
func (o *Orchestrator) runAnalysis(ctx context.Context, gen uint64, upload []byte, distance, scaleFactor float64, tapX, tapY uint32) {
	seg, err := o.deps.Clients.Segmentation.Segment(ctx, upload, distance, scaleFactor, tapX, tapY)
	if err != nil {
		o.failAnalysis(gen, StateSegmenting, fmt.Errorf("%w: %v", ErrRemoteCallFailed, err))
		return
	}
	if !o.advance(gen, StateSegmenting, StateIdentifying, func(s *Session) {
		metrics := seg.Metrics
		s.Metrics = &metrics
		s.MaskPNG = seg.MaskPNG
	}) {
		return
	}

	id, err := o.deps.Clients.Identification.Identify(ctx, upload, "habit")
	if err != nil {
		o.failAnalysis(gen, StateIdentifying, fmt.Errorf("%w: %v", ErrRemoteCallFailed, err))
		return
	}

	// Zero-valued height or DBH means a propagated scale-factor error; the
	// result is stored for inspection but CO2 is skipped entirely rather
	// than disguised as a legitimate zero.
	var sequestered *float64
	var diagnostic string
	if seg.Metrics.HeightM == 0 || seg.Metrics.DBHCm == 0 {
		diagnostic = fmt.Sprintf("zero dimension from segmentation (height_m=%v dbh_cm=%v): suspected scale-factor error, co2 skipped",
			seg.Metrics.HeightM, seg.Metrics.DBHCm)
		o.logf("%s", diagnostic)
		if o.deps.Diagnostics != nil {
			if derr := o.deps.Diagnostics.RecordDiagnostic("zero_dimension", diagnostic); derr != nil {
				o.logf("failed to record diagnostic: %v", derr)
			}
		}
	} else {
		density := o.opts.DefaultWoodDensityKgM3
		if id.WoodDensity != nil && id.WoodDensity.Value > 0 {
			density = id.WoodDensity.Value
		}
		kg, err := o.deps.Clients.Carbon.Sequestration(ctx, seg.Metrics, density)
		if err != nil {
			o.failAnalysis(gen, StateIdentifying, fmt.Errorf("%w: %v", ErrRemoteCallFailed, err))
			return
		}
		sequestered = &kg
	}

	quotaWarn := id.RemainingQuota != nil && *id.RemainingQuota < o.opts.QuotaWarnThreshold
	o.advance(gen, StateIdentifying, StateReadyToSave, func(s *Session) {
		idCopy := id
		s.Identification = &idCopy
		s.SequesteredKg = sequestered
		s.DiagnosticNote = diagnostic
		s.QuotaWarning = quotaWarn
		if quotaWarn {
			o.logf("identification quota low: %d remaining", *id.RemainingQuota)
		}
	})
	o.publish("analysis_complete", o.snapshotID())
}

// Save hands the session to the persistence collaborator. On failure the
// workflow returns to the pre-persistence state with all session data
// retained so the user can retry without recapturing.
func (o *Orchestrator) Save(ctx context.Context) error {
	o.mu.Lock()
	defer o.mu.Unlock()

	var kind string
	var revertTo State
	switch o.state {
	case StateQuickCapture:
		kind, revertTo = "quick", StateQuickCapture
	case StateReadyToSave:
		kind, revertTo = "full", StateReadyToSave
	default:
		return ErrInvalidTransition
	}

	if len(o.sess.Frame) == 0 {
		return &ValidationError{Field: "frame", Reason: "capture a still frame before saving"}
	}
	if o.sess.DistanceM == nil {
		return &ValidationError{Field: "distance", Reason: "no baseline distance"}
	}
	if o.sess.ScaleFactorMMPerPx == nil {
		return ErrCalibrationMissing
	}

	gen := o.sess.Generation
	rec := o.buildRecordLocked()

	callCtx, cancel := context.WithCancel(ctx)
	o.cancelInFlight = cancel
	o.transitionLocked(StatePersisting)

	go o.runPersist(callCtx, gen, kind, revertTo, rec)
	return nil
}

func (o *Orchestrator) buildRecordLocked() services.FullRecord {
	quick := services.QuickRecord{
		Image:       o.sess.Frame,
		DistanceM:   *o.sess.DistanceM,
		ScaleFactor: *o.sess.ScaleFactorMMPerPx,
		Remarks:     o.sess.Form.Remarks,
	}
	if o.deps.Location != nil {
		if pos, ok := o.deps.Location.Fix(); ok {
			quick.Lat, quick.Lon, quick.HeadingDeg = pos.Lat, pos.Lon, pos.HeadingDeg
		}
	}

	rec := services.FullRecord{
		QuickRecord:    quick,
		Condition:      o.sess.Form.Condition,
		Ownership:      o.sess.Form.Ownership,
		DiagnosticNote: o.sess.DiagnosticNote,
		SequesteredKg:  o.sess.SequesteredKg,
	}
	if o.sess.Metrics != nil {
		rec.Metrics = *o.sess.Metrics
	}
	if o.sess.Identification != nil {
		rec.Species = o.sess.Identification.Species
		rec.SpeciesScore = o.sess.Identification.Score
		rec.WoodDensity = o.sess.Identification.WoodDensity
	}
	if len(o.sess.MaskPNG) > 0 {
		rec.MaskImageBase64 = base64.StdEncoding.EncodeToString(o.sess.MaskPNG)
	}
	return rec
}

func (o *Orchestrator) runPersist(ctx context.Context, gen uint64, kind string, revertTo State, rec services.FullRecord) {
	var saved services.SavedRecord
	var err error
	if kind == "quick" {
		saved, err = o.deps.Clients.Persistence.SaveQuick(ctx, rec.QuickRecord)
	} else {
		saved, err = o.deps.Clients.Persistence.SaveFull(ctx, rec)
	}
	if err != nil {
		o.mu.Lock()
		if o.sess == nil || o.sess.Generation != gen || o.state != StatePersisting {
			o.mu.Unlock()
			o.logf("dropping stale persistence failure (gen %d): %v", gen, err)
			return
		}
		o.lastErr = fmt.Errorf("%w: %v", ErrRemoteCallFailed, err)
		o.logf("persistence failed, returning to %s: %v", revertTo, err)
		o.transitionLocked(revertTo)
		o.mu.Unlock()
		return
	}

	o.mu.Lock()
	if o.sess == nil || o.sess.Generation != gen || o.state != StatePersisting {
		o.mu.Unlock()
		o.logf("dropping stale persistence completion (gen %d)", gen)
		return
	}
	o.result = &Result{Kind: kind, Saved: saved}
	o.releaseResourcesLocked()
	o.transitionLocked(StateDone)
	id := o.sess.ID
	o.mu.Unlock()
	o.publish("saved", id)
}

// Back navigates to the immediate predecessor state with well-defined data
// retention. Processing states reject it: the UI disables the control, and
// the state machine refuses it defensively as well.
func (o *Orchestrator) Back() error {
	o.mu.Lock()
	defer o.mu.Unlock()

	if o.state.Processing() {
		return ErrInvalidTransition
	}
	target, ok := backTargets[o.state]
	if !ok {
		return ErrInvalidTransition
	}

	switch o.state {
	case StateARFlow:
		if o.arSession != nil {
			sess := o.arSession
			o.arSession = nil
			go sess.Stop()
		}
		o.clearDistanceLocked()
	case StateManualFlow, StateRangefinderFlow:
		o.cameraHeld = false
		o.clearDistanceLocked()
	case StatePathChoice:
		// distance and scale factor are retained
	case StateQuickCapture:
		o.cameraHeld = false
		o.sess.Frame = nil
		o.sess.FrameW, o.sess.FrameH = 0, 0
	case StatePointCollection:
		o.cameraHeld = false
		o.sess.Taps = nil
		o.sess.Frame = nil
		o.sess.FrameW, o.sess.FrameH = 0, 0
		o.clearAnalysisLocked()
	case StateReadyToSave:
		// Taps and frame are retained so the user can adjust and resubmit.
		o.clearAnalysisLocked()
	}

	o.transitionLocked(target)
	return nil
}

// Cancel ends the session from any non-terminal state, releasing whichever
// camera/AR resource is held. The generation bump orphans every in-flight
// remote call: late responses compare generations and are ignored.
func (o *Orchestrator) Cancel() error {
	o.mu.Lock()
	if o.state.Terminal() {
		o.mu.Unlock()
		return ErrInvalidTransition
	}
	o.generation++
	id := ""
	if o.sess != nil {
		id = o.sess.ID
	}
	o.releaseResourcesLocked()
	o.sess = nil
	o.state = StateCancelled
	o.logf("session %s cancelled", id)
	o.mu.Unlock()

	o.publish("cancelled", id)
	return nil
}

// --- internals ---

// requireLocked validates the current state for an operation.
func (o *Orchestrator) requireLocked(want State) error {
	if o.sess == nil || o.state != want {
		return fmt.Errorf("%w: %s not allowed in state %s", ErrInvalidTransition, want, o.state)
	}
	return nil
}

// transitionLocked applies a table-validated state change.
func (o *Orchestrator) transitionLocked(to State) {
	if o.state != to && !canTransition(o.state, to) {
		// Table violations are programming errors; log loudly and refuse.
		o.logf("BUG: rejected transition %s -> %s", o.state, to)
		return
	}
	o.logf("state %s -> %s", o.state, to)
	o.state = to
}

// advance is the generation-guarded transition used by async completions.
func (o *Orchestrator) advance(gen uint64, from, to State, apply func(*Session)) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.sess == nil || o.sess.Generation != gen || o.state != from {
		o.logf("dropping stale completion for gen %d (state %s)", gen, o.state)
		return false
	}
	if apply != nil {
		apply(o.sess)
	}
	o.transitionLocked(to)
	return true
}

// failAnalysis reverts an in-flight remote state to its failure target with
// session data retained, surfacing the error for retry.
func (o *Orchestrator) failAnalysis(gen uint64, from State, err error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.sess == nil || o.sess.Generation != gen || o.state != from {
		o.logf("dropping stale failure for gen %d: %v", gen, err)
		return
	}
	o.lastErr = err
	o.logf("remote step failed in %s: %v", from, err)
	switch from {
	case StateSegmenting, StateIdentifying:
		o.transitionLocked(StatePointCollection)
	case StatePersisting:
		o.transitionLocked(StateReadyToSave)
	}
}

// tryScaleFromStoredCalibrationLocked computes the scale factor eagerly when
// a trusted stored calibration exists. Otherwise derivation is deferred until
// frame capture, where the photo's own metadata is available.
func (o *Orchestrator) tryScaleFromStoredCalibrationLocked() {
	if o.sess.ScaleFactorMMPerPx != nil || o.sess.DistanceM == nil || o.deps.Store == nil {
		return
	}
	cal, ok, err := o.deps.Store.Get(o.deps.DeviceID)
	if err != nil || !ok || !cal.Usable() || cal.ImageWidthPx == 0 {
		return
	}
	sf, err := scale.Compute(*o.sess.DistanceM, cal, cal.ImageWidthPx, cal.ImageHeightPx)
	if err != nil {
		return
	}
	o.sess.ScaleFactorMMPerPx = &sf
}

// ensureScaleLocked derives the scale factor at frame capture time if it is
// not already fixed for the session. A calibration that is absent or
// low-confidence blocks with ErrCalibrationMissing: measurement never
// proceeds on a silently guessed constant.
func (o *Orchestrator) ensureScaleLocked() error {
	if o.sess.ScaleFactorMMPerPx != nil {
		return nil
	}
	if o.sess.DistanceM == nil {
		return &ValidationError{Field: "distance", Reason: "no baseline distance"}
	}

	var cal calibration.CameraCalibration
	if o.deps.Store != nil {
		if stored, ok, err := o.deps.Store.Get(o.deps.DeviceID); err == nil && ok && stored.Usable() {
			cal = stored
		}
	}
	if !cal.Usable() && o.deps.Estimator != nil {
		cal = o.deps.Estimator.Estimate(o.sess.Frame, nil, nil)
	}
	if !cal.Usable() || cal.LowConfidence() {
		return fmt.Errorf("%w: calibrate this device before measuring", ErrCalibrationMissing)
	}

	sf, err := scale.Compute(*o.sess.DistanceM, cal, o.sess.FrameW, o.sess.FrameH)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrCalibrationMissing, err)
	}
	o.sess.ScaleFactorMMPerPx = &sf
	return nil
}

func (o *Orchestrator) clearDistanceLocked() {
	o.sess.DistanceM = nil
	o.sess.DistanceFrom = ""
	o.sess.ScaleFactorMMPerPx = nil
}

func (o *Orchestrator) clearAnalysisLocked() {
	o.sess.Metrics = nil
	o.sess.MaskPNG = nil
	o.sess.Identification = nil
	o.sess.SequesteredKg = nil
	o.sess.DiagnosticNote = ""
	o.sess.QuotaWarning = false
}

// releaseResourcesLocked drops whichever camera/AR handle is held and cancels
// any in-flight remote call.
func (o *Orchestrator) releaseResourcesLocked() {
	if o.arSession != nil {
		sess := o.arSession
		o.arSession = nil
		go sess.Stop()
	}
	o.cameraHeld = false
	if o.cancelInFlight != nil {
		o.cancelInFlight()
		o.cancelInFlight = nil
	}
}

func (o *Orchestrator) teardownLocked() {
	o.releaseResourcesLocked()
	o.sess = nil
}

func (o *Orchestrator) snapshotID() string {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.sess == nil {
		return ""
	}
	return o.sess.ID
}

func (o *Orchestrator) publish(event, sessionID string) {
	if o.deps.Events == nil {
		return
	}
	o.deps.Events.Publish(event, map[string]string{"session_id": sessionID})
}
