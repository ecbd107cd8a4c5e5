package tracking

import (
	"context"
	"sync"
)

// MockProvider is a scriptable Provider for tests and dev mode. Frames are
// pushed by the test; start behaviour per reference space is configurable.
type MockProvider struct {
	mu        sync.Mutex
	support   Support
	startErrs map[ReferenceSpace]error
	starts    []ReferenceSpace
	frames    chan Frame
	closeOnce sync.Once
}

// NewMockProvider returns a provider that probes as supported and accepts
// every reference space.
func NewMockProvider() *MockProvider {
	return &MockProvider{
		support:   SupportSupported,
		startErrs: make(map[ReferenceSpace]error),
		frames:    make(chan Frame, 64),
	}
}

// SetSupport overrides the capability probe result.
func (m *MockProvider) SetSupport(s Support) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.support = s
}

// FailStart configures Start to return err for the given reference space.
func (m *MockProvider) FailStart(space ReferenceSpace, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.startErrs[space] = err
}

// Starts returns the reference spaces Start was called with, in order.
func (m *MockProvider) Starts() []ReferenceSpace {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]ReferenceSpace, len(m.starts))
	copy(out, m.starts)
	return out
}

// PushFrame delivers one raycast frame to the session.
func (m *MockProvider) PushFrame(f Frame) {
	m.frames <- f
}

// Interrupt simulates the platform ending the session externally.
func (m *MockProvider) Interrupt() {
	m.closeOnce.Do(func() { close(m.frames) })
}

func (m *MockProvider) Probe() Support {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.support
}

func (m *MockProvider) Start(_ context.Context, space ReferenceSpace) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.starts = append(m.starts, space)
	return m.startErrs[space]
}

func (m *MockProvider) Frames() <-chan Frame {
	return m.frames
}

func (m *MockProvider) Stop() error {
	m.closeOnce.Do(func() { close(m.frames) })
	return nil
}
