package relay

// Control event kinds.
const (
	KindMouse    = "mouse"
	KindKeyboard = "keyboard"
	KindTouch    = "touch"
	KindCommand  = "command"
)

// Mouse event variants.
const (
	MouseDown  = "down"
	MouseMove  = "move"
	MouseUp    = "up"
	MouseWheel = "wheel"
)

// Keyboard event variants.
const (
	KeyDown = "down"
	KeyUp   = "up"
)

// MouseEvent is a pointer event addressed to one session. Coordinates are
// percentages of the tracked screen (0-100), so the relay never interprets
// pixel space.
type MouseEvent struct {
	Event  string  `json:"event"`
	X      float64 `json:"x"`
	Y      float64 `json:"y"`
	Button string  `json:"button,omitempty"`
}

// KeyboardEvent is a key press or release, optionally carrying committed
// text for IME-style input.
type KeyboardEvent struct {
	Event string `json:"event"`
	Key   string `json:"key,omitempty"`
	Text  string `json:"text,omitempty"`
}

// TouchEvent is a touch gesture with normalized coordinates.
type TouchEvent struct {
	Action string  `json:"action"`
	X      float64 `json:"x"`
	Y      float64 `json:"y"`
}

// ControlEvent is the normalized payload delivered to the peer. Exactly one
// kind's fields are populated; Timestamp is assigned server-side at dispatch.
type ControlEvent struct {
	Type      string   `json:"type"`
	Event     string   `json:"event,omitempty"`
	Action    string   `json:"action,omitempty"`
	X         *float64 `json:"x,omitempty"`
	Y         *float64 `json:"y,omitempty"`
	Button    string   `json:"button,omitempty"`
	Key       string   `json:"key,omitempty"`
	Text      string   `json:"text,omitempty"`
	Command   string   `json:"command,omitempty"`
	Timestamp int64    `json:"timestamp"`
}

// Message is the transport envelope wrapping a control event on its way to
// the peer connection.
type Message struct {
	Type string       `json:"type"`
	Data ControlEvent `json:"data"`
}
