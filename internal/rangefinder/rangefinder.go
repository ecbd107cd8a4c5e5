// Package rangefinder drives an external laser distance meter over a serial
// line. The device answers a trigger command with a single ASCII line
// containing the measured distance in meters.
package rangefinder

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"strconv"
	"strings"
	"sync"

	"go.bug.st/serial"

	"github.com/arborsight/treemetric/internal/monitoring"
)

// Porter is the minimal serial interface the device needs. The abstraction
// enables unit testing without real hardware.
type Porter interface {
	io.ReadWriter
	io.Closer
}

// DefaultBaud matches the common laser rangefinder line rate.
const DefaultBaud = 19200

// triggerCommand requests a single distance measurement.
const triggerCommand = "D\r\n"

// Device is a triggered laser distance meter. One measurement is in flight at
// a time; concurrent Measure calls are serialized.
type Device struct {
	mu     sync.Mutex
	port   Porter
	reader *bufio.Reader
	logf   func(format string, v ...interface{})
}

// Open opens the rangefinder on a real serial port.
func Open(path string, baud int) (*Device, error) {
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
		return nil, fmt.Errorf("failed to open rangefinder port %s: %w", path, err)
	}
	return NewDevice(port), nil
}

// NewDevice wraps an already-open port.
func NewDevice(port Porter) *Device {
	return &Device{
		port:   port,
		reader: bufio.NewReader(port),
		logf:   monitoring.Scoped("rangefinder"),
	}
}

// Measure triggers one reading and returns the distance in meters. The serial
// read itself cannot be interrupted, so cancellation abandons the in-flight
// read; its result is discarded when it eventually completes.
func (d *Device) Measure(ctx context.Context) (float64, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if _, err := d.port.Write([]byte(triggerCommand)); err != nil {
		return 0, fmt.Errorf("failed to trigger rangefinder: %w", err)
	}

	type reading struct {
		line string
		err  error
	}
	ch := make(chan reading, 1)
	go func() {
		line, err := d.reader.ReadString('\n')
		ch <- reading{line: line, err: err}
	}()

	select {
	case <-ctx.Done():
		return 0, ctx.Err()
	case r := <-ch:
		if r.err != nil {
			return 0, fmt.Errorf("rangefinder read failed: %w", r.err)
		}
		return parseDistance(r.line)
	}
}

// Close closes the serial port.
func (d *Device) Close() error {
	return d.port.Close()
}

// parseDistance accepts the line formats seen across rangefinder firmwares:
// "12.345", "12.345m", "D: 12.345 m". Lines starting with "E" are device
// error codes.
func parseDistance(line string) (float64, error) {
	s := strings.TrimSpace(line)
	if s == "" {
		return 0, fmt.Errorf("rangefinder returned an empty line")
	}
	if strings.HasPrefix(s, "E") {
		return 0, fmt.Errorf("rangefinder error code %s", s)
	}

	s = strings.TrimPrefix(s, "D:")
	s = strings.TrimSuffix(strings.TrimSpace(s), "m")
	s = strings.TrimSpace(s)

	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0, fmt.Errorf("rangefinder returned unparseable line %q", line)
	}
	if v <= 0 {
		return 0, fmt.Errorf("rangefinder returned non-positive distance %v", v)
	}
	return v, nil
}
