package api

import (
	"bytes"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/arborsight/treemetric/internal/calibration"
	"github.com/arborsight/treemetric/internal/db"
	"github.com/arborsight/treemetric/internal/httputil"
	"github.com/arborsight/treemetric/internal/measure"
	"github.com/arborsight/treemetric/internal/services"
	"github.com/arborsight/treemetric/internal/testutil"
	"github.com/arborsight/treemetric/internal/tracking"
)

func TestMain(m *testing.M) {
	restore := testutil.MuteLogs()
	code := m.Run()
	restore()
	os.Exit(code)
}

type testServer struct {
	ts       *httptest.Server
	hub      *FrameHub
	database *db.DB
	store    *calibration.Store
	http     *httputil.MockHTTPClient
}

func newTestServer(t *testing.T, withCalibration bool) *testServer {
	t.Helper()

	database, err := db.Open(filepath.Join(t.TempDir(), "api.db"))
	require.NoError(t, err)
	t.Cleanup(func() { database.Close() })

	store := calibration.NewStore(database)
	if withCalibration {
		f35 := 28.0
		require.NoError(t, store.Put(calibration.CameraCalibration{
			FocalLength35mm: &f35,
			ImageWidthPx:    4032,
			ImageHeightPx:   3024,
			Method:          calibration.MethodExif,
			DeviceID:        "dev-1",
			Timestamp:       1000,
		}))
	}
	estimator := calibration.NewEstimator(store, "dev-1", calibration.EstimatorOptions{})

	hc := httputil.NewMockHTTPClient()
	clients := services.NewClients(hc, "http://seg.test", "http://id.test", "http://co2.test", "http://save.test", time.Second)

	hub := NewFrameHub()
	orch := measure.New(measure.Deps{
		Clients:             clients,
		Store:               store,
		Estimator:           estimator,
		DeviceID:            "dev-1",
		NewTrackingProvider: hub.NewProvider,
		Diagnostics:         database,
	}, measure.Options{MaxUploadEdgePx: 2048})

	srv := NewServer(orch, database, store, estimator, hub, "dev-1")
	ts := httptest.NewServer(LoggingMiddleware(srv.ServeMux()))
	t.Cleanup(ts.Close)

	return &testServer{ts: ts, hub: hub, database: database, store: store, http: hc}
}

func (s *testServer) post(t *testing.T, path string, body interface{}) (int, snapshot) {
	t.Helper()
	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(payload)
	}
	resp, err := http.Post(s.ts.URL+path, "application/json", reader)
	require.NoError(t, err)
	defer resp.Body.Close()

	var snap snapshot
	_ = json.NewDecoder(resp.Body).Decode(&snap)
	return resp.StatusCode, snap
}

func (s *testServer) get(t *testing.T, path string) (int, snapshot) {
	t.Helper()
	resp, err := http.Get(s.ts.URL + path)
	require.NoError(t, err)
	defer resp.Body.Close()

	var snap snapshot
	_ = json.NewDecoder(resp.Body).Decode(&snap)
	return resp.StatusCode, snap
}

func TestSessionLifecycleOverHTTP(t *testing.T) {
	t.Parallel()
	s := newTestServer(t, true)

	code, snap := s.post(t, "/api/session/start", nil)
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, measure.StateDistanceChoice, snap.State)
	require.NotNil(t, snap.Session)
	assert.NotEmpty(t, snap.Session.ID)

	code, _ = s.post(t, "/api/session/manual/start", nil)
	require.Equal(t, http.StatusOK, code)

	code, snap = s.post(t, "/api/session/manual/distance", map[string]float64{"distance_m": 10})
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, measure.StatePathChoice, snap.State)
	require.NotNil(t, snap.Session.ScaleFactorMMPerPx)
	assert.InDelta(t, 3.1888, *snap.Session.ScaleFactorMMPerPx, 0.001)

	code, snap = s.get(t, "/api/session")
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, measure.StatePathChoice, snap.State)
}

func TestManualDistanceRejectedOverHTTP(t *testing.T) {
	t.Parallel()
	s := newTestServer(t, true)
	s.post(t, "/api/session/start", nil)
	s.post(t, "/api/session/manual/start", nil)

	code, _ := s.post(t, "/api/session/manual/distance", map[string]float64{"distance_m": -1})
	assert.Equal(t, http.StatusBadRequest, code)

	// still in the manual flow
	_, snap := s.get(t, "/api/session")
	assert.Equal(t, measure.StateManualFlow, snap.State)
}

func TestWorkflowErrorStatusMapping(t *testing.T) {
	t.Parallel()
	s := newTestServer(t, true)
	s.post(t, "/api/session/start", nil)

	// wrong state: distance before manual/start
	code, _ := s.post(t, "/api/session/manual/distance", map[string]float64{"distance_m": 5})
	assert.Equal(t, http.StatusConflict, code)

	// method not allowed
	resp, err := http.Get(s.ts.URL + "/api/session/start")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusMethodNotAllowed, resp.StatusCode)
}

func TestFreezeFrameAndTapOverHTTP(t *testing.T) {
	t.Parallel()
	s := newTestServer(t, true)
	s.post(t, "/api/session/start", nil)
	s.post(t, "/api/session/manual/start", nil)
	s.post(t, "/api/session/manual/distance", map[string]float64{"distance_m": 10})
	code, _ := s.post(t, "/api/session/path", map[string]string{"path": "full"})
	require.Equal(t, http.StatusOK, code)

	resp, err := http.Post(s.ts.URL+"/api/session/frame", "image/jpeg", bytes.NewReader(testutil.EncodeJPEG(t, 640, 480)))
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	code, snap := s.post(t, "/api/session/tap", map[string]uint32{"x_px": 320, "y_px": 400})
	require.Equal(t, http.StatusOK, code)
	assert.Len(t, snap.Session.Taps, 1)

	code, _ = s.post(t, "/api/session/tap", map[string]uint32{"x_px": 9000, "y_px": 1})
	assert.Equal(t, http.StatusBadRequest, code, "out-of-frame tap")

	code, snap = s.post(t, "/api/session/taps/clear", nil)
	require.Equal(t, http.StatusOK, code)
	assert.Empty(t, snap.Session.Taps)
}

func TestChoosePathValidation(t *testing.T) {
	t.Parallel()
	s := newTestServer(t, true)
	s.post(t, "/api/session/start", nil)
	s.post(t, "/api/session/manual/start", nil)
	s.post(t, "/api/session/manual/distance", map[string]float64{"distance_m": 10})

	code, _ := s.post(t, "/api/session/path", map[string]string{"path": "sideways"})
	assert.Equal(t, http.StatusBadRequest, code)
}

func TestCalibrationEndpoints(t *testing.T) {
	t.Parallel()
	s := newTestServer(t, true)

	resp, err := http.Get(s.ts.URL + "/api/calibrations")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var records []calibration.CameraCalibration
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&records))
	require.Len(t, records, 1)
	assert.Equal(t, "dev-1", records[0].DeviceID)

	// reference-object calibration round trip
	ref := calibration.ReferenceObservation{
		ObjectWidthPx: 500,
		ObjectWidthM:  0.210,
		DistanceM:     2.0,
		ImageWidthPx:  4032,
		ImageHeightPx: 3024,
	}
	payload, _ := json.Marshal(ref)
	resp2, err := http.Post(s.ts.URL+"/api/calibrations/reference", "application/json", bytes.NewReader(payload))
	require.NoError(t, err)
	defer resp2.Body.Close()
	require.Equal(t, http.StatusOK, resp2.StatusCode)

	var cal calibration.CameraCalibration
	require.NoError(t, json.NewDecoder(resp2.Body).Decode(&cal))
	assert.Equal(t, calibration.MethodReference, cal.Method)
	assert.True(t, cal.Usable())

	// incomplete observation
	resp3, err := http.Post(s.ts.URL+"/api/calibrations/reference", "application/json", strings.NewReader(`{"object_width_px":0}`))
	require.NoError(t, err)
	resp3.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp3.StatusCode)
}

func TestDiagnosticsEndpoint(t *testing.T) {
	t.Parallel()
	s := newTestServer(t, true)
	require.NoError(t, s.database.RecordDiagnostic("zero_dimension", "height_m=0"))

	resp, err := http.Get(s.ts.URL + "/api/diagnostics")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var entries []db.Diagnostic
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&entries))
	require.Len(t, entries, 1)
	assert.Equal(t, "zero_dimension", entries[0].Kind)

	resp2, err := http.Get(s.ts.URL + "/api/diagnostics?limit=zero")
	require.NoError(t, err)
	resp2.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp2.StatusCode)
}

func TestReportPage(t *testing.T) {
	t.Parallel()
	s := newTestServer(t, true)

	resp, err := http.Get(s.ts.URL + "/report")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, resp.Header.Get("Content-Type"), "text/html")

	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Contains(t, string(body), "mm per pixel")
}

func TestReportUnitsParam(t *testing.T) {
	t.Parallel()
	s := newTestServer(t, true)

	resp, err := http.Get(s.ts.URL + "/report?units=ft")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	// 10 m converts to 32.81 ft on the distance axis.
	assert.Contains(t, string(body), "32.81ft")
	assert.Contains(t, string(body), "distance (ft)")

	resp2, err := http.Get(s.ts.URL + "/report?units=furlong")
	require.NoError(t, err)
	defer resp2.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp2.StatusCode)
	body2, err := io.ReadAll(resp2.Body)
	require.NoError(t, err)
	assert.Contains(t, string(body2), "m, cm, mm, ft, in")
}

func TestReportWithoutCalibration(t *testing.T) {
	t.Parallel()
	s := newTestServer(t, false)

	resp, err := http.Get(s.ts.URL + "/report")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestWebsocketUpgradeThroughLoggingMiddleware(t *testing.T) {
	t.Parallel()
	s := newTestServer(t, true)

	// newTestServer serves through LoggingMiddleware; the upgrade must still
	// be able to hijack the connection behind the wrapped response writer.
	wsURL := "ws" + strings.TrimPrefix(s.ts.URL, "http") + "/ws/tracking"
	conn, resp, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	defer conn.Close()
	assert.Equal(t, http.StatusSwitchingProtocols, resp.StatusCode)
}

func TestARFlowOverWebsocket(t *testing.T) {
	t.Parallel()
	s := newTestServer(t, true)

	wsURL := "ws" + strings.TrimPrefix(s.ts.URL, "http") + "/ws/tracking"
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	defer conn.Close()

	require.NoError(t, conn.WriteJSON(map[string]interface{}{"type": "support", "support": "supported"}))
	require.Eventually(t, func() bool { return s.hub.Support() == tracking.SupportSupported },
		time.Second, 5*time.Millisecond)

	code, snap := s.post(t, "/api/session/start", nil)
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, tracking.SupportSupported, snap.Support)

	code, snap = s.post(t, "/api/session/ar/start", nil)
	require.Equal(t, http.StatusOK, code)
	require.Equal(t, measure.StateARFlow, snap.State)

	tick := int64(time.Second)
	sendFrame := func(nanos int64, x, y float64) {
		require.NoError(t, conn.WriteJSON(map[string]interface{}{
			"type": "frame", "unix_nanos": nanos, "has_surface": true,
			"pose": map[string]float64{"x": x, "y": y, "z": 0},
		}))
	}
	waitFrames := func(n int) {
		require.Eventually(t, func() bool {
			_, snap := s.get(t, "/api/session")
			return snap.Tracking != nil && snap.Tracking.FramesSeen >= n
		}, 2*time.Second, 5*time.Millisecond)
	}

	sendFrame(1*tick, 0, 0)
	waitFrames(1)
	code, _ = s.post(t, "/api/session/ar/place", nil)
	require.Equal(t, http.StatusOK, code)

	sendFrame(2*tick, 3, 4)
	waitFrames(2)
	code, _ = s.post(t, "/api/session/ar/place", nil)
	require.Equal(t, http.StatusOK, code)

	_, snap = s.get(t, "/api/session")
	require.NotNil(t, snap.Tracking)
	require.NotNil(t, snap.Tracking.DistanceM)
	assert.InDelta(t, 5.0, *snap.Tracking.DistanceM, 1e-9)

	code, snap = s.post(t, "/api/session/ar/confirm", nil)
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, measure.StatePathChoice, snap.State)
	require.NotNil(t, snap.Session.DistanceM)
	assert.InDelta(t, 5.0, *snap.Session.DistanceM, 1e-9)
}

func TestARStartPermissionRefusedOverWebsocket(t *testing.T) {
	t.Parallel()
	s := newTestServer(t, true)

	wsURL := "ws" + strings.TrimPrefix(s.ts.URL, "http") + "/ws/tracking"
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	defer conn.Close()

	require.NoError(t, conn.WriteJSON(map[string]interface{}{"type": "support", "support": "supported"}))
	require.Eventually(t, func() bool { return s.hub.Support() == tracking.SupportSupported },
		time.Second, 5*time.Millisecond)

	code, _ := s.post(t, "/api/session/start", nil)
	require.Equal(t, http.StatusOK, code)

	// The UI reports the refused prompt; the next AR start must fail fast
	// with 403 instead of waiting on frames that will never come.
	require.NoError(t, conn.WriteJSON(map[string]interface{}{"type": "permission_denied"}))
	require.Eventually(t, func() bool { return s.hub.PermissionDenied() },
		time.Second, 5*time.Millisecond)

	code, snap := s.post(t, "/api/session/ar/start", nil)
	assert.Equal(t, http.StatusForbidden, code)
	assert.NotEqual(t, measure.StateARFlow, snap.State)

	// Manual distance entry stays available after the refusal.
	code, _ = s.post(t, "/api/session/manual/start", nil)
	require.Equal(t, http.StatusOK, code)

	// A fresh capability declaration clears the refusal.
	require.NoError(t, conn.WriteJSON(map[string]interface{}{"type": "support", "support": "supported"}))
	require.Eventually(t, func() bool { return !s.hub.PermissionDenied() },
		time.Second, 5*time.Millisecond)
}

func TestFrameHub(t *testing.T) {
	t.Parallel()
	hub := NewFrameHub()

	assert.False(t, hub.Push(tracking.Frame{}), "no active provider")

	p1 := hub.NewProvider()
	assert.True(t, hub.Push(tracking.Frame{UnixNanos: 1}))

	// a second provider supersedes the first, whose channel closes
	p2 := hub.NewProvider()
	requireClosed(t, p1.Frames())

	assert.True(t, hub.Push(tracking.Frame{UnixNanos: 2}))
	require.NoError(t, p2.Stop())
	assert.False(t, hub.Push(tracking.Frame{UnixNanos: 3}), "stopped provider must release the hub")
}

// requireClosed drains buffered frames until the channel closes.
func requireClosed(t *testing.T, ch <-chan tracking.Frame) {
	t.Helper()
	for {
		select {
		case _, open := <-ch:
			if !open {
				return
			}
		case <-time.After(time.Second):
			t.Fatal("channel never closed")
		}
	}
}
