// Package testutil provides shared test fixtures.
package testutil

import (
	"bytes"
	"image"
	"image/jpeg"
	"log"
	"testing"

	"github.com/arborsight/treemetric/internal/monitoring"
)

// EncodeJPEG returns a decodable JPEG of the given dimensions. It carries no
// EXIF metadata, so it doubles as the "camera exposed nothing" fixture.
func EncodeJPEG(t *testing.T, w, h int) []byte {
	t.Helper()
	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, image.NewRGBA(image.Rect(0, 0, w, h)), nil); err != nil {
		t.Fatalf("failed to encode fixture jpeg: %v", err)
	}
	return buf.Bytes()
}

// MuteLogs silences monitoring output and returns a restore function. Call it
// from TestMain: the logger is package-global, so muting per-test races with
// parallel subtests.
func MuteLogs() func() {
	monitoring.SetLogger(func(format string, v ...interface{}) {})
	return func() { monitoring.SetLogger(log.Printf) }
}
