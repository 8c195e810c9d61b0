package job

// TruncationMarker is prepended to the visible output once old content has
// been dropped. It appears at most once per job.
const TruncationMarker = "[output truncated]\n"

// OutputBuffer is an append-only byte buffer bounded by a maximum size. When
// an append would exceed the bound, the oldest bytes are dropped so the tail
// of the child's output is always retained. Not safe for concurrent use on
// its own; the job store serialises access under the per-job lock.
type OutputBuffer struct {
	max       int
	buf       []byte
	truncated bool
}

// NewOutputBuffer returns a buffer bounded to max bytes. max <= 0 means
// unbounded.
func NewOutputBuffer(max int) *OutputBuffer {
	return &OutputBuffer{max: max}
}

// Append adds chunk to the buffer, dropping the oldest content on overflow.
func (b *OutputBuffer) Append(chunk []byte) {
	if len(chunk) == 0 {
		return
	}
	b.buf = append(b.buf, chunk...)
	if b.max > 0 && len(b.buf) > b.max {
		drop := len(b.buf) - b.max
		b.buf = append(b.buf[:0], b.buf[drop:]...)
		b.truncated = true
	}
}

// String renders the visible output: the truncation marker, if any content
// was ever dropped, followed by the retained tail.
func (b *OutputBuffer) String() string {
	if b.truncated {
		return TruncationMarker + string(b.buf)
	}
	return string(b.buf)
}

// Len returns the number of retained bytes, excluding the marker.
func (b *OutputBuffer) Len() int {
	return len(b.buf)
}

// Truncated reports whether any content has been dropped.
func (b *OutputBuffer) Truncated() bool {
	return b.truncated
}
