package calibration

import (
	"fmt"
	"sync"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// memSettings is an in-memory Settings implementation for tests.
type memSettings struct {
	mu   sync.Mutex
	data map[string][]byte
}

func newMemSettings() *memSettings {
	return &memSettings{data: make(map[string][]byte)}
}

func (m *memSettings) GetSetting(key string) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.data[key], nil
}

func (m *memSettings) PutSetting(key string, value []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.data[key] = value
	return nil
}

func usableCal(deviceID string, ts int64) CameraCalibration {
	return CameraCalibration{
		FocalLength35mm: ptrFloat64(28),
		ImageWidthPx:    4032,
		ImageHeightPx:   3024,
		Method:          MethodExif,
		DeviceID:        deviceID,
		Timestamp:       ts,
	}
}

func TestStorePutGetRoundTrip(t *testing.T) {
	t.Parallel()

	store := NewStore(newMemSettings())
	want := usableCal("device-a", 100)
	require.NoError(t, store.Put(want))

	got, ok, err := store.Get("device-a")
	require.NoError(t, err)
	require.True(t, ok)
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("stored calibration mismatch (-want +got):\n%s", diff)
	}
}

func TestStoreGetMissingDevice(t *testing.T) {
	t.Parallel()

	store := NewStore(newMemSettings())
	_, ok, err := store.Get("nope")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestStoreUpsertReplacesSameDevice(t *testing.T) {
	t.Parallel()

	store := NewStore(newMemSettings())
	require.NoError(t, store.Put(usableCal("device-a", 100)))

	updated := usableCal("device-a", 200)
	updated.FocalLength35mm = ptrFloat64(35)
	require.NoError(t, store.Put(updated))

	records, err := store.List()
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, 35.0, *records[0].FocalLength35mm)
}

func TestStoreEvictsOldestBeyondBound(t *testing.T) {
	t.Parallel()

	store := NewStore(newMemSettings())
	for i := 0; i < MaxStoredDevices; i++ {
		require.NoError(t, store.Put(usableCal(fmt.Sprintf("device-%d", i), int64(100+i))))
	}

	// A sixth device calibrates successfully: the oldest record is evicted
	// and exactly five remain.
	require.NoError(t, store.Put(usableCal("device-new", 999)))

	records, err := store.List()
	require.NoError(t, err)
	require.Len(t, records, MaxStoredDevices)

	for _, rec := range records {
		assert.NotEqual(t, "device-0", rec.DeviceID, "oldest record should have been evicted")
	}
	_, ok, err := store.Get("device-new")
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestStoreRejectsUnusableAndDefaultRecords(t *testing.T) {
	t.Parallel()

	store := NewStore(newMemSettings())

	assert.Error(t, store.Put(CameraCalibration{DeviceID: "d", Method: MethodExif}),
		"record with neither focal length nor fov must be rejected")

	low := usableCal("d", 1)
	low.Method = MethodNone
	assert.Error(t, store.Put(low), "low-confidence default must never be persisted")

	noID := usableCal("", 1)
	assert.Error(t, store.Put(noID))
}

func TestStoreDelete(t *testing.T) {
	t.Parallel()

	store := NewStore(newMemSettings())
	require.NoError(t, store.Put(usableCal("device-a", 100)))
	require.NoError(t, store.Delete("device-a"))

	_, ok, err := store.Get("device-a")
	require.NoError(t, err)
	assert.False(t, ok)

	// deleting again is a no-op
	require.NoError(t, store.Delete("device-a"))
}
