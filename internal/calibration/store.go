package calibration

import (
	"encoding/json"
	"fmt"
	"sort"
	"sync"
)

// SettingsKey is the fixed key the calibration list is serialized under.
const SettingsKey = "camera_calibrations"

// MaxStoredDevices bounds the calibration cache. The oldest record (by
// timestamp) is evicted when a new device would exceed the bound.
const MaxStoredDevices = 5

// Settings is the durable key/value blob storage the store writes through.
// internal/db implements it over sqlite; tests use an in-memory map.
type Settings interface {
	GetSetting(key string) ([]byte, error)
	PutSetting(key string, value []byte) error
}

// Store persists one calibration record per physical device, keyed by device
// fingerprint, as a single serialized blob read wholesale and filtered in
// memory. The bound is small enough that partial access is never needed.
type Store struct {
	mu       sync.Mutex
	settings Settings
}

// NewStore creates a Store over the given settings storage.
func NewStore(settings Settings) *Store {
	return &Store{settings: settings}
}

// Get returns the calibration for the given device, or ok=false if none is
// stored.
func (s *Store) Get(deviceID string) (CameraCalibration, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	records, err := s.load()
	if err != nil {
		return CameraCalibration{}, false, err
	}
	for _, rec := range records {
		if rec.DeviceID == deviceID {
			return rec, true, nil
		}
	}
	return CameraCalibration{}, false, nil
}

// List returns all stored calibrations, most recent first.
func (s *Store) List() ([]CameraCalibration, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	records, err := s.load()
	if err != nil {
		return nil, err
	}
	sort.Slice(records, func(i, j int) bool { return records[i].Timestamp > records[j].Timestamp })
	return records, nil
}

// Put upserts a calibration by device ID, evicting the oldest record when the
// device bound would be exceeded. Unusable and low-confidence records are
// rejected so a guessed default can never overwrite a measured calibration.
func (s *Store) Put(cal CameraCalibration) error {
	if cal.DeviceID == "" {
		return fmt.Errorf("calibration has no device id")
	}
	if !cal.Usable() {
		return fmt.Errorf("calibration for device %s is unusable (no focal length or fov)", cal.DeviceID)
	}
	if cal.LowConfidence() {
		return fmt.Errorf("refusing to persist low-confidence default calibration for device %s", cal.DeviceID)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	records, err := s.load()
	if err != nil {
		return err
	}

	replaced := false
	for i, rec := range records {
		if rec.DeviceID == cal.DeviceID {
			records[i] = cal
			replaced = true
			break
		}
	}
	if !replaced {
		records = append(records, cal)
	}

	// Evict oldest-by-timestamp until within bound.
	for len(records) > MaxStoredDevices {
		oldest := 0
		for i, rec := range records {
			if rec.Timestamp < records[oldest].Timestamp {
				oldest = i
			}
		}
		records = append(records[:oldest], records[oldest+1:]...)
	}

	return s.save(records)
}

// Delete removes the record for a device. Deleting an absent device is a no-op.
func (s *Store) Delete(deviceID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	records, err := s.load()
	if err != nil {
		return err
	}
	kept := records[:0]
	for _, rec := range records {
		if rec.DeviceID != deviceID {
			kept = append(kept, rec)
		}
	}
	return s.save(kept)
}

func (s *Store) load() ([]CameraCalibration, error) {
	blob, err := s.settings.GetSetting(SettingsKey)
	if err != nil {
		return nil, fmt.Errorf("failed to read calibration blob: %w", err)
	}
	if len(blob) == 0 {
		return nil, nil
	}
	var records []CameraCalibration
	if err := json.Unmarshal(blob, &records); err != nil {
		return nil, fmt.Errorf("corrupt calibration blob: %w", err)
	}
	return records, nil
}

func (s *Store) save(records []CameraCalibration) error {
	blob, err := json.Marshal(records)
	if err != nil {
		return fmt.Errorf("failed to serialize calibrations: %w", err)
	}
	if err := s.settings.PutSetting(SettingsKey, blob); err != nil {
		return fmt.Errorf("failed to write calibration blob: %w", err)
	}
	return nil
}
