package broker

import (
	"context"
	"errors"
	"time"

	"github.com/gaspardpetit/mirrx/core/logx"
	"github.com/gaspardpetit/mirrx/internal/metrics"
	"github.com/gaspardpetit/mirrx/internal/relay"
	"github.com/gaspardpetit/mirrx/internal/serverstate"
	"github.com/gaspardpetit/mirrx/internal/session"
	"github.com/gaspardpetit/mirrx/internal/token"
)

var (
	// ErrInvalidToken rejects authentication with an unknown or expired
	// token. The two cases are deliberately indistinguishable to callers.
	ErrInvalidToken = errors.New("invalid or expired token")
	// ErrSessionNotFound reports an operation against a stale or absent
	// session id.
	ErrSessionNotFound = errors.New("session not found")
	// ErrSessionLimit rejects authentication beyond the configured
	// session cap.
	ErrSessionLimit = errors.New("session limit reached")
	// ErrFrameTooLarge rejects a frame exceeding the configured size cap.
	ErrFrameTooLarge = errors.New("frame too large")
)

// Config carries the broker's tunables.
type Config struct {
	// TokenExpiry is the sliding expiry window for pairing tokens.
	TokenExpiry time.Duration
	// TokenSweepInterval is how often expired tokens are collected.
	TokenSweepInterval time.Duration
	// FrameDepth is the per-session frame buffer depth.
	FrameDepth int
	// MaxFrameBytes caps a single ingested frame; 0 disables the cap.
	MaxFrameBytes int
	// MaxSessions caps concurrent live sessions; 0 disables the cap.
	MaxSessions int
}

// Broker wires the token registry, session registry and control relay
// together and is the sole entry point for the transport layer. It owns no
// state beyond its components.
type Broker struct {
	cfg      Config
	tokens   *token.Registry
	sessions *session.Registry
	relay    *relay.Relay
}

// New constructs a Broker and its registries. Nothing is process-global;
// tests construct isolated brokers freely.
func New(cfg Config) *Broker {
	tokens := token.NewRegistry(cfg.TokenExpiry)
	sessions := session.NewRegistry(cfg.FrameDepth)
	return &Broker{
		cfg:      cfg,
		tokens:   tokens,
		sessions: sessions,
		relay:    relay.New(sessions),
	}
}

// IssueToken creates a pairing token bound to the requesting peer's
// metadata. It never fails.
func (b *Broker) IssueToken(meta token.Metadata) token.Token {
	t := b.tokens.Issue(meta)
	metrics.SetTokensActive(b.tokens.Count())
	return t
}

// Authenticate promotes a validated token into a live session registered
// under the transport connection id. The token stays valid for further
// connections until it expires.
func (b *Broker) Authenticate(sid, tokenID string, info session.ClientInfo) (*session.Session, error) {
	if !b.tokens.Validate(tokenID) {
		return nil, ErrInvalidToken
	}
	if b.cfg.MaxSessions > 0 && b.sessions.Count() >= b.cfg.MaxSessions {
		return nil, ErrSessionLimit
	}
	s, err := b.sessions.Promote(sid, tokenID, info)
	if err != nil {
		return nil, err
	}
	if b.sessions.Count() == 1 {
		serverstate.SetState("ready")
	}
	metrics.SetSessionsActive(b.sessions.Count())
	return s, nil
}

// IngestFrame stores the newest frame for the session, evicting staler
// buffered frames as needed, and refreshes the session's heartbeat. The
// optional screen geometry is recorded when present.
func (b *Broker) IngestFrame(sid string, frame []byte, screen *session.ScreenSize) error {
	if b.cfg.MaxFrameBytes > 0 && len(frame) > b.cfg.MaxFrameBytes {
		return ErrFrameTooLarge
	}
	s, ok := b.sessions.Get(sid)
	if !ok {
		return ErrSessionNotFound
	}
	if len(frame) == 0 {
		return nil
	}
	s.MarkStreaming()
	s.Touch()
	if screen != nil {
		s.SetScreenSize(screen.Width, screen.Height)
	}
	dropped := s.Frames.Push(frame)
	metrics.RecordFrameIngested(len(frame))
	metrics.RecordFramesDropped(dropped)
	return nil
}

// PullFrame removes and returns the freshest undelivered frame for the
// session. An empty buffer is a normal polling outcome, reported by the
// boolean; only an unknown session is an error.
func (b *Broker) PullFrame(sid string) ([]byte, bool, error) {
	s, ok := b.sessions.Get(sid)
	if !ok {
		return nil, false, ErrSessionNotFound
	}
	frame, ok := s.Frames.Pull()
	if ok {
		metrics.RecordFrameServed()
	}
	return frame, ok, nil
}

// ValidatePairingToken reports whether a live pairing token with the given
// id exists. A successful check refreshes the token's sliding expiry.
func (b *Broker) ValidatePairingToken(id string) bool {
	return b.tokens.Validate(id)
}

// HasSession reports whether a live session exists for sid.
func (b *Broker) HasSession(sid string) bool {
	_, ok := b.sessions.Get(sid)
	return ok
}

// Heartbeat refreshes the session's liveness timestamp. Unknown ids are
// ignored.
func (b *Broker) Heartbeat(sid string) {
	b.sessions.UpdateHeartbeat(sid)
}

// UpdateScreenSize records the peer's reported geometry. Unknown ids are
// ignored.
func (b *Broker) UpdateScreenSize(sid string, width, height int) {
	b.sessions.UpdateScreenSize(sid, width, height)
}

// ListDevices returns a snapshot of live sessions for display.
func (b *Broker) ListDevices() []session.Summary {
	return b.sessions.ListActive()
}

// SessionCount returns the number of live sessions.
func (b *Broker) SessionCount() int {
	return b.sessions.Count()
}

// TokenCount returns the number of stored pairing tokens.
func (b *Broker) TokenCount() int {
	return b.tokens.Count()
}

// Disconnect tears the session down: the frame buffer is released and the
// id deregistered atomically with respect to concurrent readers. Idempotent.
func (b *Broker) Disconnect(sid string) {
	if !b.sessions.Remove(sid) {
		return
	}
	if b.sessions.Count() == 0 {
		serverstate.SetState("not_ready")
	}
	metrics.SetSessionsActive(b.sessions.Count())
}

// RelayMouse forwards a pointer event to the addressed session.
func (b *Broker) RelayMouse(sid string, ev relay.MouseEvent) {
	b.relay.DispatchMouse(sid, ev)
}

// RelayKeyboard forwards a key event to the addressed session.
func (b *Broker) RelayKeyboard(sid string, ev relay.KeyboardEvent) {
	b.relay.DispatchKeyboard(sid, ev)
}

// RelayTouch forwards a touch gesture to the addressed session.
func (b *Broker) RelayTouch(sid string, ev relay.TouchEvent) {
	b.relay.DispatchTouch(sid, ev)
}

// RelayCommand forwards a system command to the addressed session.
func (b *Broker) RelayCommand(sid, command string) error {
	return b.relay.DispatchCommand(sid, command)
}

// RunTokenSweeper collects expired tokens on the configured interval until
// ctx is canceled. One sweep runs immediately on startup.
func (b *Broker) RunTokenSweeper(ctx context.Context) {
	interval := b.cfg.TokenSweepInterval
	if interval <= 0 {
		interval = token.DefaultSweepInterval
	}
	sweep := func() {
		if removed := b.tokens.SweepExpired(); removed > 0 {
			logx.Log.Info().Int("removed", removed).Msg("expired tokens collected")
		}
		metrics.SetTokensActive(b.tokens.Count())
	}
	sweep()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			sweep()
		}
	}
}
