package session

import (
	"errors"
	"sync"
	"time"

	"github.com/gaspardpetit/mirrx/core/logx"
)

// ErrAlreadyRegistered is returned when a session id is promoted while a
// live session already holds it. Ids are transport connection identifiers
// and must map to at most one session at any instant.
var ErrAlreadyRegistered = errors.New("session id already registered")

// Summary is the externally visible view of a live session. It deliberately
// excludes the FrameBuffer and outbound channel.
type Summary struct {
	SID         string      `json:"sid"`
	Device      string      `json:"device"`
	ConnectedAt time.Time   `json:"connected_at"`
	ScreenSize  *ScreenSize `json:"screen_size"`
	State       State       `json:"state"`
}

// Registry owns the set of live authenticated sessions. All mutation is
// serialized by a single mutex; hold times are map operations only.
type Registry struct {
	mu         sync.RWMutex
	sessions   map[string]*Session
	frameDepth int
}

// NewRegistry returns an empty Registry whose sessions buffer up to
// frameDepth pending frames each.
func NewRegistry(frameDepth int) *Registry {
	if frameDepth <= 0 {
		frameDepth = 1
	}
	return &Registry{
		sessions:   make(map[string]*Session),
		frameDepth: frameDepth,
	}
}

// Promote constructs a session for an authenticated peer and registers it
// under sid. The caller must have validated the token immediately before.
// Reusing a live sid is an explicit error, never a silent overwrite.
func (r *Registry) Promote(sid, tokenID string, info ClientInfo) (*Session, error) {
	now := time.Now()
	s := &Session{
		ID:            sid,
		TokenID:       tokenID,
		Device:        info.Device,
		UserAgent:     info.UserAgent,
		ConnectedAt:   now,
		Frames:        NewFrameBuffer(r.frameDepth),
		state:         StateAuthenticated,
		lastHeartbeat: now,
		send:          make(chan any, sendBufferSize),
	}
	if info.ScreenWidth > 0 && info.ScreenHeight > 0 {
		s.screen = &ScreenSize{Width: info.ScreenWidth, Height: info.ScreenHeight}
	}
	r.mu.Lock()
	if _, exists := r.sessions[sid]; exists {
		r.mu.Unlock()
		return nil, ErrAlreadyRegistered
	}
	r.sessions[sid] = s
	r.mu.Unlock()
	logx.Log.Info().Str("sid", sid).Str("device", info.Device).Msg("session registered")
	return s, nil
}

// Remove deregisters the session and closes its outbound channel, releasing
// the FrameBuffer with it. Idempotent; reports whether a session was
// actually removed. Concurrent readers either observe the intact session or
// none at all.
func (r *Registry) Remove(sid string) bool {
	r.mu.Lock()
	s, ok := r.sessions[sid]
	if ok {
		delete(r.sessions, sid)
	}
	r.mu.Unlock()
	if !ok {
		return false
	}
	s.close()
	logx.Log.Info().Str("sid", sid).Str("device", s.Device).Msg("session removed")
	return true
}

// Get returns the live session for sid, if any.
func (r *Registry) Get(sid string) (*Session, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.sessions[sid]
	return s, ok
}

// Count returns the number of live sessions.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}

// ListActive returns a point-in-time snapshot of all live sessions.
func (r *Registry) ListActive() []Summary {
	r.mu.RLock()
	sessions := make([]*Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		sessions = append(sessions, s)
	}
	r.mu.RUnlock()

	out := make([]Summary, 0, len(sessions))
	for _, s := range sessions {
		out = append(out, Summary{
			SID:         s.ID,
			Device:      s.Device,
			ConnectedAt: s.ConnectedAt,
			ScreenSize:  s.Screen(),
			State:       s.State(),
		})
	}
	return out
}

// UpdateScreenSize records the reported geometry for sid. Unknown ids are
// ignored.
func (r *Registry) UpdateScreenSize(sid string, width, height int) {
	if s, ok := r.Get(sid); ok {
		s.SetScreenSize(width, height)
	}
}

// UpdateHeartbeat refreshes the heartbeat for sid. Unknown ids are ignored.
func (r *Registry) UpdateHeartbeat(sid string) {
	if s, ok := r.Get(sid); ok {
		s.Touch()
	}
}
