package server

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/coder/websocket"
	"github.com/google/uuid"

	"github.com/gaspardpetit/mirrx/core/logx"
	"github.com/gaspardpetit/mirrx/core/secret"
	"github.com/gaspardpetit/mirrx/internal/broker"
	"github.com/gaspardpetit/mirrx/internal/relay"
	"github.com/gaspardpetit/mirrx/internal/serverstate"
	"github.com/gaspardpetit/mirrx/internal/session"
)

type authenticateMessage struct {
	Type       string             `json:"type"`
	Token      string             `json:"token"`
	ClientData session.ClientInfo `json:"client_data"`
}

type screenDataMessage struct {
	Type       string              `json:"type"`
	Frame      string              `json:"frame"`
	ScreenInfo *session.ScreenSize `json:"screen_info"`
}

type controlMessage struct {
	Type string          `json:"type"`
	SID  string          `json:"sid"`
	Kind string          `json:"kind"`
	Data json.RawMessage `json:"data"`
}

type authenticatedMessage struct {
	Type    string `json:"type"`
	Success bool   `json:"success"`
	SID     string `json:"sid,omitempty"`
	Message string `json:"message"`
}

type pongMessage struct {
	Type string `json:"type"`
}

// WSHandler handles peer and controller websocket connections. A peer's
// first meaningful message is `authenticate`; until then the connection may
// still relay control events and ping, which is how desktop controllers use
// the socket.
func WSHandler(b *broker.Broker, maxFrameBytes int, allowedOrigins []string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if serverstate.IsDraining() {
			http.Error(w, "draining", http.StatusServiceUnavailable)
			return
		}
		opts := &websocket.AcceptOptions{OriginPatterns: allowedOrigins}
		c, err := websocket.Accept(w, r, opts)
		if err != nil {
			return
		}
		// Base64-encoded frames blow well past the library default read
		// limit. A zero cap means unbounded frames, so the limit goes too.
		if maxFrameBytes > 0 {
			c.SetReadLimit(int64(maxFrameBytes)*2 + 64*1024)
		} else {
			c.SetReadLimit(-1)
		}

		ctx := r.Context()
		sid := uuid.NewString()
		var sess *session.Session
		defer func() {
			if sess != nil {
				b.Disconnect(sid)
			}
			_ = c.Close(websocket.StatusInternalError, "server error")
		}()

		for {
			_, data, err := c.Read(ctx)
			if err != nil {
				var ce websocket.CloseError
				if errors.As(err, &ce) && ce.Code == websocket.StatusNormalClosure {
					logx.Log.Info().Str("sid", sid).Msg("disconnected")
				} else {
					logx.Log.Debug().Err(err).Str("sid", sid).Msg("disconnected")
				}
				return
			}
			var env struct {
				Type string `json:"type"`
			}
			if err := json.Unmarshal(data, &env); err != nil {
				// One malformed event never tears the connection down.
				logx.Log.Warn().Str("sid", sid).Msg("malformed message discarded")
				continue
			}
			switch env.Type {
			case "authenticate":
				var m authenticateMessage
				if err := json.Unmarshal(data, &m); err != nil {
					continue
				}
				if sess != nil {
					writeMessage(ctx, c, authenticatedMessage{Type: "authenticated", Success: true, SID: sid, Message: "already authenticated"})
					continue
				}
				s, err := b.Authenticate(sid, m.Token, m.ClientData)
				if err != nil {
					logx.Log.Info().Str("token", secret.Mask(m.Token)).Err(err).Msg("authentication refused")
					writeMessage(ctx, c, authenticatedMessage{Type: "authenticated", Success: false, Message: "Invalid token"})
					continue
				}
				// Ack before the writer goroutine takes over the socket.
				writeMessage(ctx, c, authenticatedMessage{Type: "authenticated", Success: true, SID: sid, Message: "Authentication successful"})
				sess = s
				go writeLoop(ctx, c, s)
			case "screen_data":
				if sess == nil {
					logx.Log.Debug().Str("sid", sid).Msg("screen_data before authentication")
					continue
				}
				var m screenDataMessage
				if err := json.Unmarshal(data, &m); err != nil {
					continue
				}
				frame, err := decodeFrame(m.Frame)
				if err != nil {
					logx.Log.Warn().Err(err).Str("sid", sid).Msg("undecodable frame discarded")
					continue
				}
				if err := b.IngestFrame(sid, frame, m.ScreenInfo); err != nil {
					logx.Log.Debug().Err(err).Str("sid", sid).Msg("frame rejected")
				}
			case "control":
				var m controlMessage
				if err := json.Unmarshal(data, &m); err != nil || m.SID == "" {
					continue
				}
				dispatchControl(b, m)
			case "ping":
				if sess != nil {
					b.Heartbeat(sid)
					sess.Deliver(pongMessage{Type: "pong"})
				} else {
					writeMessage(ctx, c, pongMessage{Type: "pong"})
				}
			case "disconnect":
				_ = c.Close(websocket.StatusNormalClosure, "client requested disconnect")
				return
			}
		}
	}
}

// writeLoop drains the session outbox onto the socket. It owns all writes
// once the session is authenticated; the channel closing on disconnect ends
// the loop.
func writeLoop(ctx context.Context, c *websocket.Conn, s *session.Session) {
	for msg := range s.Outbox() {
		b, err := json.Marshal(msg)
		if err != nil {
			continue
		}
		if err := c.Write(ctx, websocket.MessageText, b); err != nil {
			return
		}
	}
	_ = c.Close(websocket.StatusNormalClosure, "session closed")
}

// writeMessage is used only before the session writer starts, or on
// connections that never authenticate.
func writeMessage(ctx context.Context, c *websocket.Conn, msg any) {
	b, err := json.Marshal(msg)
	if err != nil {
		return
	}
	_ = c.Write(ctx, websocket.MessageText, b)
}

func dispatchControl(b *broker.Broker, m controlMessage) {
	switch m.Kind {
	case relay.KindMouse:
		var ev relay.MouseEvent
		if err := json.Unmarshal(m.Data, &ev); err != nil {
			return
		}
		b.RelayMouse(m.SID, ev)
	case relay.KindKeyboard:
		var ev relay.KeyboardEvent
		if err := json.Unmarshal(m.Data, &ev); err != nil {
			return
		}
		b.RelayKeyboard(m.SID, ev)
	case relay.KindTouch:
		var ev relay.TouchEvent
		if err := json.Unmarshal(m.Data, &ev); err != nil {
			return
		}
		b.RelayTouch(m.SID, ev)
	case relay.KindCommand:
		var d struct {
			Command string `json:"command"`
		}
		if err := json.Unmarshal(m.Data, &d); err != nil {
			return
		}
		if err := b.RelayCommand(m.SID, d.Command); err != nil {
			logx.Log.Warn().Str("sid", m.SID).Str("command", d.Command).Msg("unknown command discarded")
		}
	default:
		logx.Log.Warn().Str("sid", m.SID).Str("kind", m.Kind).Msg("unknown control kind discarded")
	}
}

// decodeFrame accepts raw base64 or a data URL and returns the image bytes.
func decodeFrame(s string) ([]byte, error) {
	if s == "" {
		return nil, errors.New("empty frame")
	}
	if strings.HasPrefix(s, "data:") {
		i := strings.IndexByte(s, ',')
		if i < 0 {
			return nil, errors.New("malformed data URL")
		}
		s = s[i+1:]
	}
	return base64.StdEncoding.DecodeString(s)
}
