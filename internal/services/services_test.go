package services

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/arborsight/treemetric/internal/httputil"
)

func newTestClients(mock *httputil.MockHTTPClient) *Clients {
	return NewClients(mock,
		"http://svc.test/segment",
		"http://svc.test/identify",
		"http://svc.test/carbon",
		"http://svc.test/records",
		0)
}

func TestSegmentSuccess(t *testing.T) {
	t.Parallel()

	mask := base64.StdEncoding.EncodeToString([]byte("png-bytes"))
	mock := httputil.NewMockHTTPClient()
	mock.AddResponse(200, `{"status":"success","metrics":{"height_m":12.4,"canopy_m":6.1,"dbh_cm":38.2},"result_image_base64":"`+mask+`"}`)

	result, err := newTestClients(mock).Segmentation.Segment(
		context.Background(), []byte{0xFF, 0xD8}, 10, 3.189, 2016, 1500)
	require.NoError(t, err)
	assert.Equal(t, 12.4, result.Metrics.HeightM)
	assert.Equal(t, 38.2, result.Metrics.DBHCm)
	assert.Equal(t, []byte("png-bytes"), result.MaskPNG)

	var sent map[string]interface{}
	require.NoError(t, json.Unmarshal(mock.Bodies[0], &sent))
	assert.Equal(t, 10.0, sent["distance_m"])
	assert.Equal(t, 3.189, sent["scale_factor"])
	assert.Equal(t, float64(2016), sent["click_x"])
	assert.NotEmpty(t, sent["image"])
}

func TestSegmentStatusErrorIsHardFailure(t *testing.T) {
	t.Parallel()

	// HTTP 200 with a non-success body must still fail.
	mock := httputil.NewMockHTTPClient()
	mock.AddResponse(200, `{"status":"error","message":"no tree found at click point"}`)

	_, err := newTestClients(mock).Segmentation.Segment(
		context.Background(), []byte{1}, 10, 3.2, 100, 100)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no tree found")
}

func TestSegmentTransportError(t *testing.T) {
	t.Parallel()

	mock := httputil.NewMockHTTPClient()
	mock.AddErrorResponse(errors.New("dial tcp: timeout"))

	_, err := newTestClients(mock).Segmentation.Segment(
		context.Background(), []byte{1}, 10, 3.2, 100, 100)
	assert.Error(t, err)
}

func TestRefineSendsPoints(t *testing.T) {
	t.Parallel()

	mock := httputil.NewMockHTTPClient()
	mock.AddResponse(200, `{"status":"success","metrics":{"height_m":9,"canopy_m":4,"dbh_cm":22}}`)

	points := []RefinePoint{{X: 10, Y: 20, Positive: true}, {X: 50, Y: 60, Positive: false}}
	_, err := newTestClients(mock).Segmentation.Refine(context.Background(), []byte{1}, points, 2.5)
	require.NoError(t, err)

	var sent map[string]interface{}
	require.NoError(t, json.Unmarshal(mock.Bodies[0], &sent))
	assert.Len(t, sent["points"], 2)
	assert.Equal(t, 2.5, sent["scale_factor"])
}

func TestIdentify(t *testing.T) {
	t.Parallel()

	mock := httputil.NewMockHTTPClient()
	mock.AddResponse(200, `{
		"species": "Quercus robur",
		"score": 0.91,
		"common_names": ["English oak"],
		"wood_density": {"value": 670, "unit": "kg/m3", "region": "Europe"},
		"remaining_quota": 12
	}`)

	id, err := newTestClients(mock).Identification.Identify(context.Background(), []byte{1}, "bark")
	require.NoError(t, err)
	assert.Equal(t, "Quercus robur", id.Species)
	require.NotNil(t, id.WoodDensity)
	assert.Equal(t, 670.0, id.WoodDensity.Value)
	require.NotNil(t, id.RemainingQuota)
	assert.Equal(t, 12, *id.RemainingQuota)

	var sent map[string]interface{}
	require.NoError(t, json.Unmarshal(mock.Bodies[0], &sent))
	assert.Equal(t, "bark", sent["organ"])
}

func TestIdentifyDefaultsOrganHint(t *testing.T) {
	t.Parallel()

	mock := httputil.NewMockHTTPClient()
	mock.AddResponse(200, `{"species":"Tilia cordata","score":0.5}`)

	_, err := newTestClients(mock).Identification.Identify(context.Background(), []byte{1}, "")
	require.NoError(t, err)

	var sent map[string]interface{}
	require.NoError(t, json.Unmarshal(mock.Bodies[0], &sent))
	assert.Equal(t, "habit", sent["organ"])
}

func TestSequestration(t *testing.T) {
	t.Parallel()

	mock := httputil.NewMockHTTPClient()
	mock.AddResponse(200, `{"sequestered_kg": 842.5}`)

	kg, err := newTestClients(mock).Carbon.Sequestration(
		context.Background(), Metrics{HeightM: 12.4, CanopyM: 6.1, DBHCm: 38.2}, 670)
	require.NoError(t, err)
	assert.Equal(t, 842.5, kg)

	var sent map[string]interface{}
	require.NoError(t, json.Unmarshal(mock.Bodies[0], &sent))
	assert.Equal(t, 670.0, sent["wood_density_kg_m3"])
	assert.Equal(t, 38.2, sent["dbh_cm"])
}

func TestSaveQuickAndFull(t *testing.T) {
	t.Parallel()

	mock := httputil.NewMockHTTPClient()
	mock.AddResponse(200, `{"id":"rec-1","kind":"quick","created_at":"2026-08-23T10:00:00Z"}`)
	mock.AddResponse(200, `{"id":"rec-2","kind":"full","created_at":"2026-08-23T10:05:00Z"}`)

	clients := newTestClients(mock)

	saved, err := clients.Persistence.SaveQuick(context.Background(), QuickRecord{
		Image: []byte{1, 2}, DistanceM: 10, ScaleFactor: 3.19, HeadingDeg: 140, Lat: 51.4, Lon: -0.3,
	})
	require.NoError(t, err)
	assert.Equal(t, "rec-1", saved.ID)

	kg := 842.5
	saved, err = clients.Persistence.SaveFull(context.Background(), FullRecord{
		QuickRecord:   QuickRecord{Image: []byte{1, 2}, DistanceM: 10, ScaleFactor: 3.19},
		Metrics:       Metrics{HeightM: 12.4, CanopyM: 6.1, DBHCm: 38.2},
		Species:       "Quercus robur",
		SequesteredKg: &kg,
		Condition:     "healthy",
	})
	require.NoError(t, err)
	assert.Equal(t, "rec-2", saved.ID)

	var quick map[string]interface{}
	require.NoError(t, json.Unmarshal(mock.Bodies[0], &quick))
	assert.Equal(t, "quick", quick["kind"])
	assert.NotEmpty(t, quick["image"])

	var full map[string]interface{}
	require.NoError(t, json.Unmarshal(mock.Bodies[1], &full))
	assert.Equal(t, "full", full["kind"])
	assert.Equal(t, "Quercus robur", full["species"])
}
