package relay

import (
	"errors"
	"time"

	"github.com/gaspardpetit/mirrx/core/logx"
	"github.com/gaspardpetit/mirrx/internal/metrics"
	"github.com/gaspardpetit/mirrx/internal/session"
)

// ErrUnknownCommand is returned when a command name is not in the supported
// set.
var ErrUnknownCommand = errors.New("unknown command")

// commands is the closed set of system commands a controller may send.
var commands = map[string]bool{
	"home":        true,
	"back":        true,
	"recent":      true,
	"power":       true,
	"volume_up":   true,
	"volume_down": true,
}

// Relay validates control events, stamps them with a server timestamp and
// forwards them to the addressed session's transport channel. Delivery is
// fire-and-forget with at-most-once semantics; a missing or saturated target
// drops the event without failing the caller.
type Relay struct {
	sessions *session.Registry
	now      func() time.Time
}

// New returns a Relay dispatching through reg.
func New(reg *session.Registry) *Relay {
	return &Relay{sessions: reg, now: time.Now}
}

// DispatchMouse relays a pointer event to sid.
func (r *Relay) DispatchMouse(sid string, ev MouseEvent) {
	switch ev.Event {
	case MouseDown, MouseMove, MouseUp, MouseWheel:
	default:
		r.dropMalformed(sid, KindMouse, "event", ev.Event)
		return
	}
	x, y := clampPercent(ev.X), clampPercent(ev.Y)
	r.deliver(sid, ControlEvent{
		Type:   KindMouse,
		Event:  ev.Event,
		X:      &x,
		Y:      &y,
		Button: ev.Button,
	})
}

// DispatchKeyboard relays a key event to sid.
func (r *Relay) DispatchKeyboard(sid string, ev KeyboardEvent) {
	switch ev.Event {
	case KeyDown, KeyUp:
	default:
		r.dropMalformed(sid, KindKeyboard, "event", ev.Event)
		return
	}
	r.deliver(sid, ControlEvent{
		Type:  KindKeyboard,
		Event: ev.Event,
		Key:   ev.Key,
		Text:  ev.Text,
	})
}

// DispatchTouch relays a touch gesture to sid.
func (r *Relay) DispatchTouch(sid string, ev TouchEvent) {
	if ev.Action == "" {
		ev.Action = "tap"
	}
	x, y := clampPercent(ev.X), clampPercent(ev.Y)
	r.deliver(sid, ControlEvent{
		Type:   KindTouch,
		Action: ev.Action,
		X:      &x,
		Y:      &y,
	})
}

// DispatchCommand relays a system command to sid. Command names outside the
// supported set are rejected with ErrUnknownCommand.
func (r *Relay) DispatchCommand(sid, command string) error {
	if !commands[command] {
		return ErrUnknownCommand
	}
	r.deliver(sid, ControlEvent{Type: KindCommand, Command: command})
	return nil
}

func (r *Relay) deliver(sid string, ev ControlEvent) {
	s, ok := r.sessions.Get(sid)
	if !ok {
		// Controllers routinely target devices that just disconnected;
		// this is a non-fatal outcome, not an error.
		logx.Log.Debug().Str("sid", sid).Str("kind", ev.Type).Msg("control target not found")
		metrics.RecordControlDropped("target_not_found")
		return
	}
	ev.Timestamp = r.now().UnixMilli()
	if !s.Deliver(Message{Type: "control_event", Data: ev}) {
		logx.Log.Debug().Str("sid", sid).Str("kind", ev.Type).Msg("control outbox full; event dropped")
		metrics.RecordControlDropped("outbox_full")
		return
	}
	metrics.RecordControlEvent(ev.Type)
}

func (r *Relay) dropMalformed(sid, kind, field, value string) {
	logx.Log.Warn().Str("sid", sid).Str("kind", kind).Str(field, value).Msg("malformed control event discarded")
	metrics.RecordControlDropped("malformed")
}

func clampPercent(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 100 {
		return 100
	}
	return v
}
