package api

import (
	"context"
	"net/http"
	"sync"

	"github.com/gorilla/websocket"
	"gonum.org/v1/gonum/spatial/r3"

	"github.com/arborsight/treemetric/internal/monitoring"
	"github.com/arborsight/treemetric/internal/tracking"
)

// FrameHub bridges the device UI's websocket to the orchestrator's tracking
// provider: the UI streams raycast frames in, the hub forwards them to
// whichever provider the current AR session owns. At most one provider is
// active; frames arriving with none active are dropped.
type FrameHub struct {
	mu               sync.Mutex
	support          tracking.Support
	permissionDenied bool
	active           *FrameProvider
	logf             func(format string, v ...interface{})
}

func NewFrameHub() *FrameHub {
	return &FrameHub{
		support: tracking.SupportUnknown,
		logf:    monitoring.Scoped("framehub"),
	}
}

// SetSupport records the UI's capability declaration. Sent once per websocket
// connection, before any frames. A fresh declaration clears an earlier
// permission refusal; the user may have changed the setting between sessions.
func (h *FrameHub) SetSupport(s tracking.Support) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.support = s
	h.permissionDenied = false
}

// SetPermissionDenied records that the user refused the camera or AR
// permission prompt. While set, starting a tracking session fails without
// prompting again.
func (h *FrameHub) SetPermissionDenied() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.permissionDenied = true
}

// Support returns the UI's last capability declaration.
func (h *FrameHub) Support() tracking.Support {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.support
}

// PermissionDenied reports whether the UI declared a refused permission
// prompt since its last capability declaration.
func (h *FrameHub) PermissionDenied() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.permissionDenied
}

// NewProvider creates a provider and makes it the active frame sink. The
// orchestrator calls this once per AR flow entry.
func (h *FrameHub) NewProvider() tracking.Provider {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.active != nil {
		h.active.close()
	}
	p := &FrameProvider{hub: h, frames: make(chan tracking.Frame, 64)}
	h.active = p
	return p
}

// Push forwards one frame to the active provider. Frames are dropped rather
// than queued when the consumer lags; only the latest raycast matters.
func (h *FrameHub) Push(f tracking.Frame) bool {
	h.mu.Lock()
	p := h.active
	h.mu.Unlock()
	if p == nil {
		return false
	}
	return p.push(f)
}

func (h *FrameHub) release(p *FrameProvider) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.active == p {
		h.active = nil
	}
}

// FrameProvider implements tracking.Provider over hub-forwarded frames.
type FrameProvider struct {
	hub       *FrameHub
	frames    chan tracking.Frame
	closeOnce sync.Once

	mu     sync.Mutex
	closed bool
	space  tracking.ReferenceSpace
}

func (p *FrameProvider) Probe() tracking.Support {
	p.hub.mu.Lock()
	defer p.hub.mu.Unlock()
	return p.hub.support
}

func (p *FrameProvider) Start(_ context.Context, space tracking.ReferenceSpace) error {
	p.hub.mu.Lock()
	denied := p.hub.permissionDenied
	p.hub.mu.Unlock()
	if denied {
		return tracking.ErrPermissionDenied
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.space = space
	return nil
}

func (p *FrameProvider) Frames() <-chan tracking.Frame {
	return p.frames
}

func (p *FrameProvider) Stop() error {
	p.close()
	p.hub.release(p)
	return nil
}

func (p *FrameProvider) close() {
	p.closeOnce.Do(func() {
		p.mu.Lock()
		p.closed = true
		p.mu.Unlock()
		close(p.frames)
	})
}

func (p *FrameProvider) push(f tracking.Frame) bool {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return false
	}
	select {
	case p.frames <- f:
		p.mu.Unlock()
		return true
	default:
		p.mu.Unlock()
		return false
	}
}

// wsMessage is the UI -> engine websocket protocol.
type wsMessage struct {
	Type       string           `json:"type"` // "support", "frame" or "permission_denied"
	Support    tracking.Support `json:"support,omitempty"`
	UnixNanos  int64            `json:"unix_nanos,omitempty"`
	HasSurface bool             `json:"has_surface,omitempty"`
	Pose       struct {
		X float64 `json:"x"`
		Y float64 `json:"y"`
		Z float64 `json:"z"`
	} `json:"pose"`
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	// The engine binds to loopback; the UI webview is the only client.
	CheckOrigin: func(r *http.Request) bool { return true },
}

// trackingSocket receives the UI's raycast frame stream.
func (s *Server) trackingSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		monitoring.Logf("api: websocket upgrade error: %v", err)
		return
	}
	defer conn.Close()

	for {
		var msg wsMessage
		if err := conn.ReadJSON(&msg); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				monitoring.Logf("api: websocket error: %v", err)
			}
			return
		}

		switch msg.Type {
		case "support":
			s.hub.SetSupport(msg.Support)
		case "permission_denied":
			s.hub.SetPermissionDenied()
		case "frame":
			s.hub.Push(tracking.Frame{
				UnixNanos:  msg.UnixNanos,
				HasSurface: msg.HasSurface,
				Pose:       r3.Vec{X: msg.Pose.X, Y: msg.Pose.Y, Z: msg.Pose.Z},
			})
		default:
			monitoring.Logf("api: unknown websocket message type %q", msg.Type)
		}
	}
}
