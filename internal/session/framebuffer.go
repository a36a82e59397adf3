package session

// FrameBuffer holds the most recent undelivered screen frames for one
// session. It is a bounded latest-wins queue: a push never blocks the
// producer and evicts the oldest pending frame when full, so a slow viewer
// can never back-pressure the streaming peer and a fast peer can never grow
// memory without bound.
//
// The buffer tolerates one concurrent producer and one concurrent consumer
// without caller-side locking.
type FrameBuffer struct {
	frames chan []byte
}

// NewFrameBuffer returns a buffer holding at most depth pending frames.
// A non-positive depth defaults to 1.
func NewFrameBuffer(depth int) *FrameBuffer {
	if depth <= 0 {
		depth = 1
	}
	return &FrameBuffer{frames: make(chan []byte, depth)}
}

// Push appends frame, evicting the oldest pending frames as needed. It never
// blocks and returns the number of frames evicted.
func (b *FrameBuffer) Push(frame []byte) int {
	dropped := 0
	for {
		select {
		case b.frames <- frame:
			return dropped
		default:
		}
		select {
		case <-b.frames:
			dropped++
		default:
		}
	}
}

// Pull removes and returns the oldest pending frame. The second return value
// is false when the buffer is empty; callers poll at their own cadence and
// sleep between empty pulls.
func (b *FrameBuffer) Pull() ([]byte, bool) {
	select {
	case f := <-b.frames:
		return f, true
	default:
		return nil, false
	}
}

// Len returns the number of pending frames.
func (b *FrameBuffer) Len() int {
	return len(b.frames)
}
