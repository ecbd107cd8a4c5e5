// Package location maintains the latest GPS fix from an NMEA receiver on a
// serial line. Saved measurement records pick up whatever fix is current; a
// missing or stale fix degrades to no location, never to an error.
package location

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/adrianmo/go-nmea"
	"go.bug.st/serial"

	"github.com/arborsight/treemetric/internal/monitoring"
)

// DefaultBaud is the ubiquitous NMEA-0183 line rate.
const DefaultBaud = 9600

// staleAfter is how long a fix stays usable without a fresh RMC sentence.
const staleAfter = 30 * time.Second

// Fix is one position solution.
type Fix struct {
	Lat        float64   `json:"lat"`
	Lon        float64   `json:"lon"`
	HeadingDeg float64   `json:"heading_deg"`
	Time       time.Time `json:"time"`
}

// Receiver consumes NMEA sentences and keeps the most recent valid fix.
type Receiver struct {
	mu   sync.Mutex
	port io.ReadCloser
	logf func(format string, v ...interface{})
	now  func() time.Time

	fix    Fix
	hasFix bool
}

// Open opens a receiver on a real serial port.
func Open(path string, baud int) (*Receiver, error) {
	if baud <= 0 {
		baud = DefaultBaud
	}
	port, err := serial.Open(path, &serial.Mode{
		BaudRate: baud,
		DataBits: 8,
		Parity:   serial.NoParity,
		StopBits: serial.OneStopBit,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open gps port %s: %w", path, err)
	}
	return NewReceiver(port), nil
}

// NewReceiver wraps an already-open sentence stream.
func NewReceiver(port io.ReadCloser) *Receiver {
	return &Receiver{
		port: port,
		logf: monitoring.Scoped("location"),
		now:  time.Now,
	}
}

// Run reads sentences until the context ends or the stream closes. Individual
// malformed sentences are logged and skipped; receivers emit plenty of noise.
func (r *Receiver) Run(ctx context.Context) error {
	defer r.port.Close()

	scan := bufio.NewScanner(r.port)
	for scan.Scan() {
		select {
		case <-ctx.Done():
			return nil
		default:
		}

		line := scan.Text()
		if line == "" {
			continue
		}
		sentence, err := nmea.Parse(line)
		if err != nil {
			r.logf("skipping malformed sentence: %v", err)
			continue
		}
		r.handle(sentence)
	}
	return scan.Err()
}

func (r *Receiver) handle(sentence nmea.Sentence) {
	r.mu.Lock()
	defer r.mu.Unlock()

	switch s := sentence.(type) {
	case nmea.RMC:
		if s.Validity != nmea.ValidRMC {
			return
		}
		r.fix.Lat = s.Latitude
		r.fix.Lon = s.Longitude
		// Course over ground stands in for heading until an HDT arrives.
		if s.Course != 0 || !r.hasFix {
			r.fix.HeadingDeg = s.Course
		}
		r.fix.Time = r.now()
		r.hasFix = true
	case nmea.HDT:
		r.fix.HeadingDeg = s.Heading
	}
}

// Fix returns the latest position, or ok=false if none has arrived or the
// last one went stale.
func (r *Receiver) Fix() (Fix, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.hasFix || r.now().Sub(r.fix.Time) > staleAfter {
		return Fix{}, false
	}
	return r.fix, true
}
