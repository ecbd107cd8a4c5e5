// Package api exposes the measurement engine to the device UI over local
// HTTP: session workflow commands, a websocket feed for AR tracking frames,
// calibration management, and a debug report page.
package api

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/arborsight/treemetric/internal/calibration"
	"github.com/arborsight/treemetric/internal/db"
	"github.com/arborsight/treemetric/internal/measure"
	"github.com/arborsight/treemetric/internal/monitoring"
	"github.com/arborsight/treemetric/internal/tracking"
	"github.com/arborsight/treemetric/internal/version"
)

// ANSI escape codes for request log colouring
const colorCyan = "\033[36m"
const colorReset = "\033[0m"
const colorYellow = "\033[33m"
const colorBoldGreen = "\033[1;32m"
const colorBoldRed = "\033[1;31m"

// maxFrameUpload bounds a single still-frame upload.
const maxFrameUpload = 32 << 20

type Server struct {
	orch      *measure.Orchestrator
	db        *db.DB
	store     *calibration.Store
	estimator *calibration.Estimator
	hub       *FrameHub
	deviceID  string
}

func NewServer(orch *measure.Orchestrator, database *db.DB, store *calibration.Store, estimator *calibration.Estimator, hub *FrameHub, deviceID string) *Server {
	return &Server{
		orch:      orch,
		db:        database,
		store:     store,
		estimator: estimator,
		hub:       hub,
		deviceID:  deviceID,
	}
}

type loggingResponseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (lrw *loggingResponseWriter) WriteHeader(code int) {
	lrw.statusCode = code
	lrw.ResponseWriter.WriteHeader(code)
}

func (lrw *loggingResponseWriter) Flush() {
	if flusher, ok := lrw.ResponseWriter.(http.Flusher); ok {
		flusher.Flush()
	}
}

// Hijack hands over the underlying connection; the websocket upgrade on
// /ws/tracking needs it even when the request came through the middleware.
func (lrw *loggingResponseWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	hj, ok := lrw.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, fmt.Errorf("response writer does not support hijacking")
	}
	return hj.Hijack()
}

func statusCodeColor(statusCode int) string {
	switch {
	case statusCode >= 200 && statusCode < 300:
		return colorBoldGreen + strconv.Itoa(statusCode) + colorReset
	case statusCode >= 300 && statusCode < 400:
		return colorYellow + strconv.Itoa(statusCode) + colorReset
	default:
		return colorBoldRed + strconv.Itoa(statusCode) + colorReset
	}
}

// LoggingMiddleware logs method, path, status, and duration.
func LoggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		lrw := &loggingResponseWriter{w, http.StatusOK}
		next.ServeHTTP(lrw, r)
		monitoring.Logf(
			"[%s] %s %s%s%s %vms",
			statusCodeColor(lrw.statusCode), r.Method,
			colorCyan, r.RequestURI, colorReset,
			float64(time.Since(start).Nanoseconds())/1e6,
		)
	})
}

func (s *Server) ServeMux() *http.ServeMux {
	mux := http.NewServeMux()

	mux.HandleFunc("/api/session", s.showSession)
	mux.HandleFunc("/api/session/start", s.startSession)
	mux.HandleFunc("/api/session/ar/start", s.arStart)
	mux.HandleFunc("/api/session/ar/place", s.arPlace)
	mux.HandleFunc("/api/session/ar/undo", s.arUndo)
	mux.HandleFunc("/api/session/ar/reset", s.arReset)
	mux.HandleFunc("/api/session/ar/confirm", s.arConfirm)
	mux.HandleFunc("/api/session/manual/start", s.manualStart)
	mux.HandleFunc("/api/session/manual/distance", s.manualDistance)
	mux.HandleFunc("/api/session/rangefinder", s.rangefinderMeasure)
	mux.HandleFunc("/api/session/path", s.choosePath)
	mux.HandleFunc("/api/session/frame", s.freezeFrame)
	mux.HandleFunc("/api/session/tap", s.addTap)
	mux.HandleFunc("/api/session/taps/clear", s.clearTaps)
	mux.HandleFunc("/api/session/form", s.setForm)
	mux.HandleFunc("/api/session/submit", s.submit)
	mux.HandleFunc("/api/session/save", s.save)
	mux.HandleFunc("/api/session/back", s.back)
	mux.HandleFunc("/api/session/cancel", s.cancel)

	mux.HandleFunc("/api/calibrations", s.listCalibrations)
	mux.HandleFunc("/api/calibrations/reference", s.calibrateFromReference)
	mux.HandleFunc("/api/diagnostics", s.listDiagnostics)
	mux.HandleFunc("/api/version", s.showVersion)

	mux.HandleFunc("/report", s.showReport)
	mux.HandleFunc("/ws/tracking", s.trackingSocket)

	return mux
}

func (s *Server) writeJSONError(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"error": msg})
}

// writeWorkflowError maps the engine error taxonomy onto HTTP statuses.
func (s *Server) writeWorkflowError(w http.ResponseWriter, err error) {
	switch {
	case measure.IsValidation(err):
		s.writeJSONError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, measure.ErrInvalidTransition):
		s.writeJSONError(w, http.StatusConflict, err.Error())
	case errors.Is(err, measure.ErrCalibrationMissing):
		s.writeJSONError(w, http.StatusPreconditionFailed, err.Error())
	case errors.Is(err, measure.ErrPermissionDenied):
		s.writeJSONError(w, http.StatusForbidden, err.Error())
	case errors.Is(err, measure.ErrDeviceUnsupported),
		errors.Is(err, measure.ErrTrackingUnavailable):
		s.writeJSONError(w, http.StatusServiceUnavailable, err.Error())
	case errors.Is(err, measure.ErrRemoteCallFailed):
		s.writeJSONError(w, http.StatusBadGateway, err.Error())
	default:
		s.writeJSONError(w, http.StatusInternalServerError, err.Error())
	}
}

func requirePost(w http.ResponseWriter, r *http.Request) bool {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return false
	}
	return true
}

// snapshot is the UI's single polling view of the workflow.
type snapshot struct {
	State    measure.State    `json:"state"`
	Support  tracking.Support `json:"support"`
	Session  *measure.Session `json:"session,omitempty"`
	Tracking *trackingView    `json:"tracking,omitempty"`
	Result   *measure.Result  `json:"result,omitempty"`
	Error    string           `json:"error,omitempty"`
}

type trackingView struct {
	State      tracking.State `json:"state"`
	Markers    int            `json:"markers"`
	FramesSeen int            `json:"frames_seen"`
	HasSurface bool           `json:"has_surface"`
	DistanceM  *float64       `json:"distance_m,omitempty"`
}

func (s *Server) buildSnapshot() snapshot {
	snap := snapshot{
		State:   s.orch.State(),
		Support: s.orch.Support(),
		Session: s.orch.Session(),
		Result:  s.orch.Result(),
	}
	if err := s.orch.Err(); err != nil {
		snap.Error = err.Error()
	}
	if ts := s.orch.Tracking(); ts != nil {
		_, hasSurface := ts.Reticle()
		view := trackingView{
			State:      ts.State(),
			Markers:    len(ts.Markers()),
			FramesSeen: ts.FramesSeen(),
			HasSurface: hasSurface,
		}
		if d, ok := ts.DistanceM(); ok {
			view.DistanceM = &d
		}
		snap.Tracking = &view
	}
	return snap
}

func (s *Server) writeSnapshot(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(s.buildSnapshot()); err != nil {
		s.writeJSONError(w, http.StatusInternalServerError, "failed to write session snapshot")
	}
}

func (s *Server) showSession(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	s.writeSnapshot(w)
}

func (s *Server) startSession(w http.ResponseWriter, r *http.Request) {
	if !requirePost(w, r) {
		return
	}
	if _, err := s.orch.StartSession(); err != nil {
		s.writeWorkflowError(w, err)
		return
	}
	s.writeSnapshot(w)
}

func (s *Server) arStart(w http.ResponseWriter, r *http.Request) {
	if !requirePost(w, r) {
		return
	}
	if err := s.orch.BeginAR(r.Context()); err != nil {
		s.writeWorkflowError(w, err)
		return
	}
	s.writeSnapshot(w)
}

// trackingSession fetches the live AR session or reports the conflict.
func (s *Server) trackingSession(w http.ResponseWriter) *tracking.Session {
	ts := s.orch.Tracking()
	if ts == nil {
		s.writeJSONError(w, http.StatusConflict, "no tracking session active")
	}
	return ts
}

func (s *Server) arPlace(w http.ResponseWriter, r *http.Request) {
	if !requirePost(w, r) {
		return
	}
	ts := s.trackingSession(w)
	if ts == nil {
		return
	}
	placed := ts.PlaceMarker()
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]bool{"placed": placed})
}

func (s *Server) arUndo(w http.ResponseWriter, r *http.Request) {
	if !requirePost(w, r) {
		return
	}
	ts := s.trackingSession(w)
	if ts == nil {
		return
	}
	ts.Undo()
	s.writeSnapshot(w)
}

func (s *Server) arReset(w http.ResponseWriter, r *http.Request) {
	if !requirePost(w, r) {
		return
	}
	ts := s.trackingSession(w)
	if ts == nil {
		return
	}
	ts.Reset()
	s.writeSnapshot(w)
}

func (s *Server) arConfirm(w http.ResponseWriter, r *http.Request) {
	if !requirePost(w, r) {
		return
	}
	if err := s.orch.ConfirmARDistance(); err != nil {
		s.writeWorkflowError(w, err)
		return
	}
	s.writeSnapshot(w)
}

func (s *Server) manualStart(w http.ResponseWriter, r *http.Request) {
	if !requirePost(w, r) {
		return
	}
	if err := s.orch.BeginManual(); err != nil {
		s.writeWorkflowError(w, err)
		return
	}
	s.writeSnapshot(w)
}

func (s *Server) manualDistance(w http.ResponseWriter, r *http.Request) {
	if !requirePost(w, r) {
		return
	}
	var req struct {
		DistanceM float64 `json:"distance_m"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeJSONError(w, http.StatusBadRequest, fmt.Sprintf("invalid request body: %v", err))
		return
	}
	if err := s.orch.SetManualDistance(req.DistanceM); err != nil {
		s.writeWorkflowError(w, err)
		return
	}
	s.writeSnapshot(w)
}

func (s *Server) rangefinderMeasure(w http.ResponseWriter, r *http.Request) {
	if !requirePost(w, r) {
		return
	}
	if err := s.orch.BeginRangefinder(r.Context()); err != nil {
		s.writeWorkflowError(w, err)
		return
	}
	s.writeSnapshot(w)
}

func (s *Server) choosePath(w http.ResponseWriter, r *http.Request) {
	if !requirePost(w, r) {
		return
	}
	var req struct {
		Path string `json:"path"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeJSONError(w, http.StatusBadRequest, fmt.Sprintf("invalid request body: %v", err))
		return
	}

	var err error
	switch req.Path {
	case "quick":
		err = s.orch.ChooseQuickSave()
	case "full":
		err = s.orch.ChooseFullAnalysis()
	default:
		s.writeJSONError(w, http.StatusBadRequest, fmt.Sprintf("unknown path %q (want quick or full)", req.Path))
		return
	}
	if err != nil {
		s.writeWorkflowError(w, err)
		return
	}
	s.writeSnapshot(w)
}

func (s *Server) freezeFrame(w http.ResponseWriter, r *http.Request) {
	if !requirePost(w, r) {
		return
	}
	img, err := io.ReadAll(io.LimitReader(r.Body, maxFrameUpload))
	if err != nil {
		s.writeJSONError(w, http.StatusBadRequest, fmt.Sprintf("failed to read frame: %v", err))
		return
	}
	if err := s.orch.FreezeFrame(img); err != nil {
		s.writeWorkflowError(w, err)
		return
	}
	s.writeSnapshot(w)
}

func (s *Server) addTap(w http.ResponseWriter, r *http.Request) {
	if !requirePost(w, r) {
		return
	}
	var req struct {
		XPx uint32 `json:"x_px"`
		YPx uint32 `json:"y_px"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeJSONError(w, http.StatusBadRequest, fmt.Sprintf("invalid request body: %v", err))
		return
	}
	if err := s.orch.AddTap(req.XPx, req.YPx); err != nil {
		s.writeWorkflowError(w, err)
		return
	}
	s.writeSnapshot(w)
}

func (s *Server) clearTaps(w http.ResponseWriter, r *http.Request) {
	if !requirePost(w, r) {
		return
	}
	if err := s.orch.ClearTaps(); err != nil {
		s.writeWorkflowError(w, err)
		return
	}
	s.writeSnapshot(w)
}

func (s *Server) setForm(w http.ResponseWriter, r *http.Request) {
	if !requirePost(w, r) {
		return
	}
	var form measure.FormData
	if err := json.NewDecoder(r.Body).Decode(&form); err != nil {
		s.writeJSONError(w, http.StatusBadRequest, fmt.Sprintf("invalid request body: %v", err))
		return
	}
	if err := s.orch.SetForm(form); err != nil {
		s.writeWorkflowError(w, err)
		return
	}
	s.writeSnapshot(w)
}

func (s *Server) submit(w http.ResponseWriter, r *http.Request) {
	if !requirePost(w, r) {
		return
	}
	if err := s.orch.Submit(r.Context()); err != nil {
		s.writeWorkflowError(w, err)
		return
	}
	s.writeSnapshot(w)
}

func (s *Server) save(w http.ResponseWriter, r *http.Request) {
	if !requirePost(w, r) {
		return
	}
	if err := s.orch.Save(r.Context()); err != nil {
		s.writeWorkflowError(w, err)
		return
	}
	s.writeSnapshot(w)
}

func (s *Server) back(w http.ResponseWriter, r *http.Request) {
	if !requirePost(w, r) {
		return
	}
	if err := s.orch.Back(); err != nil {
		s.writeWorkflowError(w, err)
		return
	}
	s.writeSnapshot(w)
}

func (s *Server) cancel(w http.ResponseWriter, r *http.Request) {
	if !requirePost(w, r) {
		return
	}
	if err := s.orch.Cancel(); err != nil {
		s.writeWorkflowError(w, err)
		return
	}
	s.writeSnapshot(w)
}

func (s *Server) listCalibrations(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	records, err := s.store.List()
	if err != nil {
		s.writeJSONError(w, http.StatusInternalServerError, fmt.Sprintf("failed to list calibrations: %v", err))
		return
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(records)
}

func (s *Server) calibrateFromReference(w http.ResponseWriter, r *http.Request) {
	if !requirePost(w, r) {
		return
	}
	var ref calibration.ReferenceObservation
	if err := json.NewDecoder(r.Body).Decode(&ref); err != nil {
		s.writeJSONError(w, http.StatusBadRequest, fmt.Sprintf("invalid request body: %v", err))
		return
	}
	cal, err := s.estimator.FromReference(ref)
	if err != nil {
		s.writeJSONError(w, http.StatusBadRequest, err.Error())
		return
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(cal)
}

func (s *Server) showVersion(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]string{
		"version":    version.Version,
		"git_sha":    version.GitSHA,
		"build_time": version.BuildTime,
	})
}

func (s *Server) listDiagnostics(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	limit := 100
	if l := r.URL.Query().Get("limit"); l != "" {
		parsed, err := strconv.Atoi(l)
		if err != nil || parsed < 1 {
			s.writeJSONError(w, http.StatusBadRequest, "Invalid 'limit' parameter")
			return
		}
		limit = parsed
	}
	entries, err := s.db.Diagnostics(limit)
	if err != nil {
		s.writeJSONError(w, http.StatusInternalServerError, fmt.Sprintf("failed to list diagnostics: %v", err))
		return
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(entries)
}
