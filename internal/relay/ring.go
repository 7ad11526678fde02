package relay

// ringCapacity bounds the per-session replay history. Conversational
// messages only; task lists are kept as last-value alongside.
const ringCapacity = 100

// messageRing is a fixed-capacity circular buffer of message frames.
type messageRing struct {
	buf []Message
	pos int
}

func newMessageRing() *messageRing {
	return &messageRing{buf: make([]Message, 0, ringCapacity)}
}

// add appends a frame, overwriting the oldest once full. O(1).
func (r *messageRing) add(m Message) {
	if len(r.buf) < cap(r.buf) {
		r.buf = append(r.buf, m)
	} else {
		r.buf[r.pos] = m
	}
	r.pos = (r.pos + 1) % cap(r.buf)
}

// list returns buffered frames oldest to newest.
func (r *messageRing) list() []Message {
	n := len(r.buf)
	if n == 0 || r.pos == 0 || n < cap(r.buf) {
		return append([]Message(nil), r.buf...)
	}
	out := make([]Message, n)
	copy(out, r.buf[r.pos:])
	copy(out[n-r.pos:], r.buf[:r.pos])
	return out
}
