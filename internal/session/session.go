package session

import (
	"sync"
	"time"
)

// State tracks where a session is in its one-directional lifecycle. There is
// no resurrection: a reconnecting device gets a fresh token and session.
type State string

const (
	StateAuthenticated State = "authenticated"
	StateStreaming     State = "streaming"
)

// sendBufferSize bounds the per-session outbound queue. Control events are
// fire-and-forget; when the transport cannot drain fast enough the newest
// event is dropped rather than blocking the relay.
const sendBufferSize = 32

// ClientInfo is the metadata a peer declares when authenticating.
type ClientInfo struct {
	Device       string `json:"device"`
	UserAgent    string `json:"user_agent"`
	ScreenWidth  int    `json:"screen_width"`
	ScreenHeight int    `json:"screen_height"`
}

// ScreenSize is the peer's reported display geometry.
type ScreenSize struct {
	Width  int `json:"width"`
	Height int `json:"height"`
}

// Session is the live, authenticated binding between one transport
// connection and one peer. It exclusively owns its FrameBuffer, which is
// discarded with it.
type Session struct {
	ID          string
	TokenID     string
	Device      string
	UserAgent   string
	ConnectedAt time.Time
	Frames      *FrameBuffer

	mu            sync.Mutex
	state         State
	screen        *ScreenSize
	lastHeartbeat time.Time
	send          chan any
	closed        bool
}

// State returns the session's lifecycle state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// MarkStreaming transitions the session to StateStreaming. Called on the
// first frame ingest; later calls are no-ops.
func (s *Session) MarkStreaming() {
	s.mu.Lock()
	s.state = StateStreaming
	s.mu.Unlock()
}

// Touch refreshes the heartbeat timestamp.
func (s *Session) Touch() {
	s.mu.Lock()
	s.lastHeartbeat = time.Now()
	s.mu.Unlock()
}

// LastHeartbeat returns the time of the most recent heartbeat or frame.
func (s *Session) LastHeartbeat() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastHeartbeat
}

// SetScreenSize records the peer's reported geometry.
func (s *Session) SetScreenSize(width, height int) {
	if width <= 0 || height <= 0 {
		return
	}
	s.mu.Lock()
	s.screen = &ScreenSize{Width: width, Height: height}
	s.mu.Unlock()
}

// Screen returns a copy of the reported geometry, or nil if unknown.
func (s *Session) Screen() *ScreenSize {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.screen == nil {
		return nil
	}
	cp := *s.screen
	return &cp
}

// Deliver queues msg for the transport writer. It never blocks: delivery is
// at-most-once and the message is dropped when the session is closed or its
// outbound queue is full. The return value reports whether the message was
// queued.
func (s *Session) Deliver(msg any) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	select {
	case s.send <- msg:
		return true
	default:
		return false
	}
}

// Outbox returns the channel the transport writer drains. The channel is
// closed when the session is torn down.
func (s *Session) Outbox() <-chan any {
	return s.send
}

// close marks the session closed and shuts its outbound channel. Safe to
// call more than once and to race with in-flight Deliver calls.
func (s *Session) close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	close(s.send)
}
