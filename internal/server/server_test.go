package server

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gaspardpetit/mirrx/internal/broker"
	"github.com/gaspardpetit/mirrx/internal/config"
	"github.com/gaspardpetit/mirrx/internal/session"
	"github.com/gaspardpetit/mirrx/internal/token"
)

func testSetup(t *testing.T) (*broker.Broker, http.Handler) {
	t.Helper()
	var cfg config.ServerConfig
	cfg.SetDefaults()
	b := broker.New(broker.Config{
		TokenExpiry:        cfg.TokenExpiry,
		TokenSweepInterval: cfg.TokenSweep,
		FrameDepth:         cfg.FrameDepth,
		MaxFrameBytes:      cfg.MaxFrameBytes,
		MaxSessions:        cfg.MaxSessions,
	})
	return b, New(cfg, b, "test")
}

func tokenMeta() token.Metadata {
	return token.Metadata{Device: "Pixel", UserAgent: "test", RemoteAddr: "127.0.0.1"}
}

func authSession(t *testing.T, b *broker.Broker, sid string) *session.Session {
	t.Helper()
	tok := b.IssueToken(token.Metadata{Device: "Pixel"})
	s, err := b.Authenticate(sid, tok.ID, session.ClientInfo{Device: "Pixel"})
	if err != nil {
		t.Fatalf("Authenticate: %v", err)
	}
	return s
}

func TestHandlePair(t *testing.T) {
	_, h := testSetup(t)
	req := httptest.NewRequest(http.MethodPost, "/api/pair", bytes.NewBufferString(`{"device":"Pixel 7"}`))
	req.Header.Set("Content-Type", "application/json")
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d; want 200", rr.Code)
	}
	var resp struct {
		Success       bool   `json:"success"`
		Token         string `json:"token"`
		ConnectionURL string `json:"connection_url"`
	}
	if err := json.Unmarshal(rr.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if !resp.Success || len(resp.Token) != 32 {
		t.Fatalf("resp = %+v; want success with 32-char token", resp)
	}
	if resp.ConnectionURL == "" {
		t.Fatalf("connection_url missing")
	}
}

func TestHandleDevices(t *testing.T) {
	b, h := testSetup(t)
	authSession(t, b, "s1")

	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/api/devices", nil))
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d; want 200", rr.Code)
	}
	var resp struct {
		Success bool              `json:"success"`
		Devices []session.Summary `json:"devices"`
		Count   int               `json:"count"`
	}
	if err := json.Unmarshal(rr.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.Count != 1 || len(resp.Devices) != 1 {
		t.Fatalf("count = %d, devices = %d; want 1", resp.Count, len(resp.Devices))
	}
	if resp.Devices[0].SID != "s1" || resp.Devices[0].Device != "Pixel" {
		t.Fatalf("device = %+v; want s1/Pixel", resp.Devices[0])
	}
}

func TestHandleFrame(t *testing.T) {
	b, h := testSetup(t)

	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/api/frame/nope", nil))
	if rr.Code != http.StatusNotFound {
		t.Fatalf("unknown sid status = %d; want 404", rr.Code)
	}

	authSession(t, b, "s1")
	rr = httptest.NewRecorder()
	h.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/api/frame/s1", nil))
	if rr.Code != http.StatusNoContent {
		t.Fatalf("empty buffer status = %d; want 204", rr.Code)
	}

	if err := b.IngestFrame("s1", []byte("jpegbytes"), nil); err != nil {
		t.Fatalf("IngestFrame: %v", err)
	}
	rr = httptest.NewRecorder()
	h.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/api/frame/s1", nil))
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d; want 200", rr.Code)
	}
	if ct := rr.Header().Get("Content-Type"); ct != "image/jpeg" {
		t.Fatalf("Content-Type = %q; want image/jpeg", ct)
	}
	if rr.Body.String() != "jpegbytes" {
		t.Fatalf("body = %q; want raw frame", rr.Body.String())
	}
}

func TestHandleStreamZeroFrameRate(t *testing.T) {
	// A frame_rate of 0 in the config file or flags must not break the
	// stream pacing interval; the handler serves at the normalized rate.
	var cfg config.ServerConfig
	cfg.SetDefaults()
	cfg.FrameRate = 0
	b := broker.New(broker.Config{
		TokenExpiry:   cfg.TokenExpiry,
		FrameDepth:    cfg.FrameDepth,
		MaxFrameBytes: cfg.MaxFrameBytes,
	})
	h := New(cfg, b, "test")
	authSession(t, b, "s1")
	if err := b.IngestFrame("s1", []byte("jpegbytes"), nil); err != nil {
		t.Fatalf("IngestFrame: %v", err)
	}

	srv := httptest.NewServer(h)
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, srv.URL+"/api/stream/s1", nil)
	if err != nil {
		t.Fatal(err)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("stream request: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d; want 200", resp.StatusCode)
	}
	buf := make([]byte, 256)
	n, err := resp.Body.Read(buf)
	if err != nil {
		t.Fatalf("read stream: %v", err)
	}
	if !strings.Contains(string(buf[:n]), "--frame") {
		t.Fatalf("stream start = %q; want multipart frame boundary", buf[:n])
	}
}

func TestHandleCommand(t *testing.T) {
	b, h := testSetup(t)
	sess := authSession(t, b, "s1")

	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, httptest.NewRequest(http.MethodPost, "/api/command/s1", bytes.NewBufferString(`{"command":"home"}`)))
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d; want 200", rr.Code)
	}
	select {
	case <-sess.Outbox():
	case <-time.After(time.Second):
		t.Fatalf("command never reached the session outbox")
	}

	rr = httptest.NewRecorder()
	h.ServeHTTP(rr, httptest.NewRequest(http.MethodPost, "/api/command/s1", bytes.NewBufferString(`{"command":"explode"}`)))
	if rr.Code != http.StatusBadRequest {
		t.Fatalf("unknown command status = %d; want 400", rr.Code)
	}
}

func TestHandleConnect(t *testing.T) {
	b, h := testSetup(t)
	tok := b.IssueToken(token.Metadata{})

	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/connect?token="+tok.ID, nil))
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d; want 200", rr.Code)
	}

	rr = httptest.NewRecorder()
	h.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/connect?token=bogus", nil))
	if rr.Code != http.StatusForbidden {
		t.Fatalf("bogus token status = %d; want 403", rr.Code)
	}
}

func TestHandleHealthz(t *testing.T) {
	_, h := testSetup(t)
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d; want 200", rr.Code)
	}
}

func TestAPIKeyMiddleware(t *testing.T) {
	var cfg config.ServerConfig
	cfg.SetDefaults()
	cfg.APIKey = "sekret"
	b := broker.New(broker.Config{TokenExpiry: time.Hour, FrameDepth: 1, MaxFrameBytes: 1 << 20})
	h := New(cfg, b, "test")

	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/api/devices", nil))
	if rr.Code != http.StatusUnauthorized {
		t.Fatalf("missing key status = %d; want 401", rr.Code)
	}

	req := httptest.NewRequest(http.MethodGet, "/api/devices", nil)
	req.Header.Set("Authorization", "Bearer sekret")
	rr = httptest.NewRecorder()
	h.ServeHTTP(rr, req)
	if rr.Code != http.StatusOK {
		t.Fatalf("valid key status = %d; want 200", rr.Code)
	}

	// Probes stay open.
	rr = httptest.NewRecorder()
	h.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	if rr.Code != http.StatusOK {
		t.Fatalf("healthz behind api key: %d", rr.Code)
	}
}

func TestHandleState(t *testing.T) {
	_, h := testSetup(t)
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/api/state", nil))
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d; want 200", rr.Code)
	}
	body, _ := io.ReadAll(rr.Body)
	var resp map[string]any
	if err := json.Unmarshal(body, &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if _, ok := resp["status"]; !ok {
		t.Fatalf("state response missing status: %s", body)
	}
}
