package broker

import (
	"bytes"
	"errors"
	"testing"
	"time"

	"github.com/gaspardpetit/mirrx/internal/relay"
	"github.com/gaspardpetit/mirrx/internal/session"
	"github.com/gaspardpetit/mirrx/internal/token"
)

func testConfig() Config {
	return Config{
		TokenExpiry:        time.Hour,
		TokenSweepInterval: time.Minute,
		FrameDepth:         1,
		MaxFrameBytes:      8 << 20,
	}
}

func TestPairStreamControlLifecycle(t *testing.T) {
	b := New(testConfig())

	issued := time.Now()
	tok := b.IssueToken(token.Metadata{Device: "Pixel"})
	if len(tok.ID) != 32 {
		t.Fatalf("token ID length = %d; want 32", len(tok.ID))
	}
	if !b.ValidatePairingToken(tok.ID) {
		t.Fatalf("freshly issued token did not validate")
	}

	sess, err := b.Authenticate("s1", tok.ID, session.ClientInfo{Device: "Pixel"})
	if err != nil {
		t.Fatalf("Authenticate: %v", err)
	}
	if sess.State() != session.StateAuthenticated {
		t.Fatalf("state = %v; want %v", sess.State(), session.StateAuthenticated)
	}

	for _, f := range [][]byte{[]byte("F1"), []byte("F2"), []byte("F3")} {
		if err := b.IngestFrame("s1", f, nil); err != nil {
			t.Fatalf("IngestFrame(%q): %v", f, err)
		}
	}
	frame, ok, err := b.PullFrame("s1")
	if err != nil || !ok {
		t.Fatalf("PullFrame = %v, %v; want frame", ok, err)
	}
	if !bytes.Equal(frame, []byte("F3")) {
		t.Fatalf("frame = %q; want F3 (latest wins at depth 1)", frame)
	}
	if sess.State() != session.StateStreaming {
		t.Fatalf("state after first frame = %v; want %v", sess.State(), session.StateStreaming)
	}

	b.RelayMouse("s1", relay.MouseEvent{Event: relay.MouseDown, X: 10, Y: 20, Button: "left"})
	msg, ok := recvOutbox(t, sess)
	if !ok {
		t.Fatalf("no control event delivered")
	}
	ev := msg.Data
	if ev.Type != relay.KindMouse || ev.Event != relay.MouseDown {
		t.Fatalf("event = %s/%s; want mouse/down", ev.Type, ev.Event)
	}
	if ev.X == nil || *ev.X != 10 || ev.Y == nil || *ev.Y != 20 {
		t.Fatalf("coordinates not carried through")
	}
	if ev.Timestamp < issued.UnixMilli() {
		t.Fatalf("timestamp %d predates dispatch", ev.Timestamp)
	}

	b.Disconnect("s1")
	if b.HasSession("s1") {
		t.Fatalf("session survived Disconnect")
	}
	if _, _, err := b.PullFrame("s1"); !errors.Is(err, ErrSessionNotFound) {
		t.Fatalf("PullFrame after disconnect = %v; want ErrSessionNotFound", err)
	}
}

func recvOutbox(t *testing.T, s *session.Session) (relay.Message, bool) {
	t.Helper()
	select {
	case msg := <-s.Outbox():
		m, ok := msg.(relay.Message)
		if !ok {
			t.Fatalf("outbox carried %T; want relay.Message", msg)
		}
		return m, true
	case <-time.After(time.Second):
		return relay.Message{}, false
	}
}

func TestAuthenticateUnknownToken(t *testing.T) {
	b := New(testConfig())
	if _, err := b.Authenticate("s1", "deadbeef", session.ClientInfo{}); !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("err = %v; want ErrInvalidToken", err)
	}
	if b.SessionCount() != 0 {
		t.Fatalf("failed auth left a session behind")
	}
}

func TestAuthenticateDuplicateSID(t *testing.T) {
	b := New(testConfig())
	tok := b.IssueToken(token.Metadata{})
	if _, err := b.Authenticate("s1", tok.ID, session.ClientInfo{}); err != nil {
		t.Fatalf("first Authenticate: %v", err)
	}
	tok2 := b.IssueToken(token.Metadata{})
	if _, err := b.Authenticate("s1", tok2.ID, session.ClientInfo{}); !errors.Is(err, session.ErrAlreadyRegistered) {
		t.Fatalf("err = %v; want ErrAlreadyRegistered", err)
	}
}

func TestSessionLimit(t *testing.T) {
	cfg := testConfig()
	cfg.MaxSessions = 1
	b := New(cfg)
	tok := b.IssueToken(token.Metadata{})
	if _, err := b.Authenticate("s1", tok.ID, session.ClientInfo{}); err != nil {
		t.Fatalf("first Authenticate: %v", err)
	}
	tok2 := b.IssueToken(token.Metadata{})
	if _, err := b.Authenticate("s2", tok2.ID, session.ClientInfo{}); !errors.Is(err, ErrSessionLimit) {
		t.Fatalf("err = %v; want ErrSessionLimit", err)
	}
	b.Disconnect("s1")
	if _, err := b.Authenticate("s2", tok2.ID, session.ClientInfo{}); err != nil {
		t.Fatalf("Authenticate after slot freed: %v", err)
	}
}

func TestIngestFrameTooLarge(t *testing.T) {
	cfg := testConfig()
	cfg.MaxFrameBytes = 16
	b := New(cfg)
	tok := b.IssueToken(token.Metadata{})
	if _, err := b.Authenticate("s1", tok.ID, session.ClientInfo{}); err != nil {
		t.Fatalf("Authenticate: %v", err)
	}
	if err := b.IngestFrame("s1", make([]byte, 17), nil); !errors.Is(err, ErrFrameTooLarge) {
		t.Fatalf("err = %v; want ErrFrameTooLarge", err)
	}
	if err := b.IngestFrame("s1", make([]byte, 16), nil); err != nil {
		t.Fatalf("frame at the cap rejected: %v", err)
	}
}

func TestIngestFrameScreenInfo(t *testing.T) {
	b := New(testConfig())
	tok := b.IssueToken(token.Metadata{})
	sess, err := b.Authenticate("s1", tok.ID, session.ClientInfo{})
	if err != nil {
		t.Fatalf("Authenticate: %v", err)
	}
	if err := b.IngestFrame("s1", []byte("jpeg"), &session.ScreenSize{Width: 1080, Height: 2400}); err != nil {
		t.Fatalf("IngestFrame: %v", err)
	}
	if sz := sess.Screen(); sz.Width != 1080 || sz.Height != 2400 {
		t.Fatalf("screen = %+v; want 1080x2400", sz)
	}
}

func TestDisconnectIdempotent(t *testing.T) {
	b := New(testConfig())
	tok := b.IssueToken(token.Metadata{})
	if _, err := b.Authenticate("s1", tok.ID, session.ClientInfo{}); err != nil {
		t.Fatalf("Authenticate: %v", err)
	}
	b.Disconnect("s1")
	b.Disconnect("s1")
	if b.SessionCount() != 0 {
		t.Fatalf("SessionCount = %d; want 0", b.SessionCount())
	}
}
