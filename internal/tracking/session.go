package tracking

import (
	"context"
	"sync"
	"time"

	"gonum.org/v1/gonum/spatial/r3"

	"github.com/arborsight/treemetric/internal/monitoring"
)

// State is the surface-tracking session lifecycle.
type State string

const (
	StateScanning            State = "scanning"
	StateReadyForFirstPoint  State = "ready_first"
	StateReadyForSecondPoint State = "ready_second"
	StateComplete            State = "complete"
	StateFailed              State = "failed"
)

// FailureReason distinguishes Failed transitions so the orchestrator can
// choose between retrying AR and dropping to manual distance entry.
type FailureReason string

const (
	FailureNone                FailureReason = ""
	FailureUnsupported         FailureReason = "unsupported"
	FailurePermissionDenied    FailureReason = "permission_denied"
	FailureTrackingUnavailable FailureReason = "tracking_unavailable"
	FailureInterrupted         FailureReason = "interrupted"
)

// DefaultPlacementCooldown suppresses a second spurious placement from a
// rapid second frame or tap after a UI-button-driven placement.
const DefaultPlacementCooldown = 300 * time.Millisecond

// Session is the two-marker AR distance measurement. All mutation — frames
// from the provider, marker placements from the UI — enters under one mutex,
// so a tap and a frame update interleaved within the same tick behave
// deterministically.
type Session struct {
	mu sync.Mutex

	provider Provider
	cooldown time.Duration
	logf     func(format string, v ...interface{})

	state  State
	reason FailureReason

	// Per-frame raycast result; the reticle follows it while a surface pose
	// is available.
	reticle     r3.Vec
	hasSurface  bool
	frameNanos  int64
	framesSeen  int
	markers     []r3.Vec
	distanceM   *float64
	started     bool
	stopped     bool
	stopOnce    sync.Once
	consumeDone chan struct{}

	// Placement debounce: the frame clock of the last accepted placement
	// plus a generation counter invalidated on each new placement.
	lastPlacementNanos int64
	placementGen       uint64
}

// NewSession wraps a provider. cooldown <= 0 selects the default.
func NewSession(provider Provider, cooldown time.Duration) *Session {
	if cooldown <= 0 {
		cooldown = DefaultPlacementCooldown
	}
	return &Session{
		provider:    provider,
		cooldown:    cooldown,
		logf:        monitoring.Scoped("tracking"),
		state:       StateScanning,
		consumeDone: make(chan struct{}),
	}
}

// Start begins the platform session and the frame consumer. The primary
// reference space is requested first; if the platform rejects it, the viewer
// space is attempted once before the session fails with TrackingUnavailable.
// A platform that rejects the session outright fails with Unsupported; a
// refused permission prompt fails with PermissionDenied and is not retried.
func (s *Session) Start(ctx context.Context) error {
	s.mu.Lock()
	s.started = true
	s.mu.Unlock()

	err := s.provider.Start(ctx, SpaceLocalFloor)
	if err == ErrSpaceRejected {
		s.logf("primary reference space rejected, retrying with %s", SpaceViewer)
		err = s.provider.Start(ctx, SpaceViewer)
	}
	if err != nil {
		s.mu.Lock()
		s.state = StateFailed
		switch err {
		case ErrUnsupported:
			s.reason = FailureUnsupported
		case ErrPermissionDenied:
			s.reason = FailurePermissionDenied
		default:
			s.reason = FailureTrackingUnavailable
		}
		s.mu.Unlock()
		close(s.consumeDone)
		return err
	}

	go s.consume()
	return nil
}

// consume drains provider frames until the channel closes. A close that the
// session did not initiate is an external interruption.
func (s *Session) consume() {
	defer close(s.consumeDone)
	for frame := range s.provider.Frames() {
		s.handleFrame(frame)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.stopped && s.state != StateComplete && s.state != StateFailed {
		s.logf("session interrupted externally in state %s", s.state)
		s.state = StateFailed
		s.reason = FailureInterrupted
	}
}

func (s *Session) handleFrame(frame Frame) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state == StateFailed {
		return
	}

	s.framesSeen++
	s.frameNanos = frame.UnixNanos
	s.hasSurface = frame.HasSurface
	if frame.HasSurface {
		s.reticle = frame.Pose
		if s.state == StateScanning {
			s.state = StateReadyForFirstPoint
		}
	}
}

// PlaceMarker records the current raycast pose as the next marker. It
// returns true when a marker was actually placed; placements during the
// cooldown window, without a surface pose, or in a state that accepts no
// marker are suppressed without error — the same user gesture must never be
// double-counted.
func (s *Session) PlaceMarker() bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state != StateReadyForFirstPoint && s.state != StateReadyForSecondPoint {
		return false
	}
	if !s.hasSurface {
		return false
	}
	if s.lastPlacementNanos != 0 && s.frameNanos-s.lastPlacementNanos < s.cooldown.Nanoseconds() {
		return false
	}

	s.markers = append(s.markers, s.reticle)
	s.lastPlacementNanos = s.frameNanos
	s.placementGen++

	switch s.state {
	case StateReadyForFirstPoint:
		s.state = StateReadyForSecondPoint
	case StateReadyForSecondPoint:
		s.state = StateComplete
		// Raw 3D distance between the two hit-test poses; ground-plane
		// projection is intentionally not applied.
		d := r3.Norm(r3.Sub(s.markers[1], s.markers[0]))
		s.distanceM = &d
	}
	return true
}

// Undo discards the most recent marker: Complete reverts to
// ReadyForSecondPoint, ReadyForSecondPoint reverts to ReadyForFirstPoint.
func (s *Session) Undo() bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	switch s.state {
	case StateComplete:
		s.markers = s.markers[:1]
		s.distanceM = nil
		s.state = StateReadyForSecondPoint
	case StateReadyForSecondPoint:
		s.markers = nil
		s.state = StateReadyForFirstPoint
	default:
		return false
	}
	s.placementGen++
	return true
}

// Reset discards all markers and returns to ReadyForFirstPoint so both
// points can be re-placed.
func (s *Session) Reset() bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state != StateComplete && s.state != StateReadyForSecondPoint {
		return false
	}
	s.markers = nil
	s.distanceM = nil
	s.state = StateReadyForFirstPoint
	s.placementGen++
	return true
}

// Stop tears down the platform session. Safe to call more than once; after
// Stop the session ignores any frames still in flight.
func (s *Session) Stop() {
	s.mu.Lock()
	started := s.started
	s.stopped = true
	s.mu.Unlock()

	s.stopOnce.Do(func() {
		if err := s.provider.Stop(); err != nil {
			s.logf("provider stop: %v", err)
		}
	})
	if started {
		<-s.consumeDone
	}
}

// State returns the current lifecycle state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Failure returns the failure reason, or FailureNone.
func (s *Session) Failure() FailureReason {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.reason
}

// DistanceM returns the measured distance once both markers are placed.
func (s *Session) DistanceM() (float64, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.distanceM == nil {
		return 0, false
	}
	return *s.distanceM, true
}

// Markers returns a copy of the placed marker positions.
func (s *Session) Markers() []r3.Vec {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]r3.Vec, len(s.markers))
	copy(out, s.markers)
	return out
}

// FramesSeen reports how many frames the session has consumed. Tests use it
// to synchronise with the frame consumer.
func (s *Session) FramesSeen() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.framesSeen
}

// Reticle returns the current raycast pose and whether a surface is under it.
func (s *Session) Reticle() (r3.Vec, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.reticle, s.hasSurface
}
