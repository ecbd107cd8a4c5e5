package measure

import (
	"github.com/google/uuid"

	"github.com/arborsight/treemetric/internal/services"
)

// DistanceSource tags where the baseline distance came from.
type DistanceSource string

const (
	SourceAR          DistanceSource = "ar"
	SourceManual      DistanceSource = "manual"
	SourceRangefinder DistanceSource = "rangefinder"
)

// TapPoint is one ordered tap on the frozen frame. The first two taps mark
// the trunk; a third, if present, marks the canopy.
type TapPoint struct {
	XPx     uint32 `json:"x_px"`
	YPx     uint32 `json:"y_px"`
	Ordinal uint32 `json:"ordinal"`
}

// MinTapPoints must be collected before a full-analysis submission.
const MinTapPoints = 2

// MaxTapPoints bounds the collection (trunk pair plus canopy).
const MaxTapPoints = 3

// FormData is the optional user-entered metadata attached before saving.
type FormData struct {
	Condition string `json:"condition,omitempty"`
	Ownership string `json:"ownership,omitempty"`
	Remarks   string `json:"remarks,omitempty"`
}

// Session is one user-initiated measurement attempt. It is ephemeral: created
// when the user starts a measurement, discarded on cancel or after a
// successful persistence handoff, and never reused across attempts.
type Session struct {
	ID string `json:"id"`

	// Generation guards against orphaned async responses: every remote call
	// captures it at launch and its completion is dropped if the session has
	// since been cancelled or replaced.
	Generation uint64 `json:"generation"`

	DistanceM    *float64       `json:"distance_m,omitempty"`
	DistanceFrom DistanceSource `json:"distance_from,omitempty"`

	// ScaleFactor is immutable once set for this session.
	ScaleFactorMMPerPx *float64 `json:"scale_factor_mm_per_px,omitempty"`

	// Frame is the frozen still the taps are relative to. It must be
	// captured before any taps are accepted.
	Frame  []byte     `json:"-"`
	FrameW uint32     `json:"frame_w,omitempty"`
	FrameH uint32     `json:"frame_h,omitempty"`
	Taps   []TapPoint `json:"taps,omitempty"`

	// Full-analysis results.
	Metrics        *services.Metrics        `json:"metrics,omitempty"`
	MaskPNG        []byte                   `json:"-"`
	Identification *services.Identification `json:"identification,omitempty"`
	SequesteredKg  *float64                 `json:"sequestered_kg,omitempty"`
	DiagnosticNote string                   `json:"diagnostic_note,omitempty"`
	QuotaWarning   bool                     `json:"quota_warning,omitempty"`

	Form FormData `json:"form"`
}

func newSession(generation uint64) *Session {
	return &Session{
		ID:         uuid.NewString(),
		Generation: generation,
	}
}

// clone returns a deep copy of the session. The orchestrator hands copies to
// callers so reads (the API snapshot encoder in particular) never touch the
// struct the async pipeline mutates under the orchestrator lock.
func (s *Session) clone() *Session {
	if s == nil {
		return nil
	}
	out := *s
	out.DistanceM = cloneFloat(s.DistanceM)
	out.ScaleFactorMMPerPx = cloneFloat(s.ScaleFactorMMPerPx)
	out.SequesteredKg = cloneFloat(s.SequesteredKg)
	out.Frame = append([]byte(nil), s.Frame...)
	out.MaskPNG = append([]byte(nil), s.MaskPNG...)
	out.Taps = append([]TapPoint(nil), s.Taps...)
	if s.Metrics != nil {
		m := *s.Metrics
		out.Metrics = &m
	}
	if s.Identification != nil {
		id := *s.Identification
		id.CommonNames = append([]string(nil), s.Identification.CommonNames...)
		if s.Identification.WoodDensity != nil {
			wd := *s.Identification.WoodDensity
			id.WoodDensity = &wd
		}
		if s.Identification.RemainingQuota != nil {
			q := *s.Identification.RemainingQuota
			id.RemainingQuota = &q
		}
		out.Identification = &id
	}
	return &out
}

func cloneFloat(v *float64) *float64 {
	if v == nil {
		return nil
	}
	c := *v
	return &c
}
