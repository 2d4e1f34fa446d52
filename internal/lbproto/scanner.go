package lbproto

// Receive buffer bounds. When no frame can be found and the buffer grows past
// BufCeiling bytes, everything but the newest BufKeep bytes is discarded.
const (
	BufKeep    = 2048
	BufCeiling = BufKeep * 4
)

// FindFirstValid slides a FrameLen window over buf from offset 0 and returns
// the first position whose window decodes. The protocol has no delimiters,
// so the checksum is the only sync signal; a random window passing the check
// is possible and accepted.
func FindFirstValid(buf []byte) (int, Status, bool) {
	for i := 0; i+FrameLen <= len(buf); i++ {
		if s, ok := Decode(buf[i : i+FrameLen]); ok {
			return i, s, true
		}
	}
	return 0, Status{}, false
}

// Buffer accumulates raw bytes from the link and yields decoded frames in
// stream order. It is not safe for concurrent use.
type Buffer struct {
	data    []byte
	keep    int
	ceiling int
}

// NewBuffer returns a Buffer using the default BufKeep/BufCeiling bounds.
func NewBuffer() *Buffer {
	return NewBufferSize(BufKeep, BufCeiling)
}

// NewBufferSize returns a Buffer that trims down to keep bytes once it holds
// more than ceiling bytes. keep is clamped to at least FrameLen so the buffer
// can always resynchronise.
func NewBufferSize(keep, ceiling int) *Buffer {
	if keep < FrameLen {
		keep = FrameLen
	}
	if ceiling < keep {
		ceiling = keep
	}
	return &Buffer{
		data:    make([]byte, 0, keep),
		keep:    keep,
		ceiling: ceiling,
	}
}

// Append adds received bytes to the tail.
func (b *Buffer) Append(p []byte) {
	b.data = append(b.data, p...)
}

// Next extracts the first valid frame, dropping it together with any garbage
// in front of it. Bytes after the frame stay buffered.
func (b *Buffer) Next() (Status, bool) {
	off, s, ok := FindFirstValid(b.data)
	if !ok {
		return Status{}, false
	}
	end := off + FrameLen
	if end > len(b.data) {
		b.data = b.data[:0]
		return Status{}, false
	}
	b.drop(end)
	return s, true
}

// Trim enforces the size bound and reports how many bytes were discarded.
func (b *Buffer) Trim() int {
	if len(b.data) <= b.ceiling {
		return 0
	}
	n := len(b.data) - b.keep
	b.drop(n)
	return n
}

// Len returns the number of buffered bytes.
func (b *Buffer) Len() int { return len(b.data) }

// Bytes returns the buffered bytes. The slice is only valid until the next
// mutating call.
func (b *Buffer) Bytes() []byte { return b.data }

// Reset discards everything.
func (b *Buffer) Reset() { b.data = b.data[:0] }

func (b *Buffer) drop(n int) {
	if n <= 0 {
		return
	}
	if n >= len(b.data) {
		b.data = b.data[:0]
		return
	}
	rest := copy(b.data, b.data[n:])
	b.data = b.data[:rest]
}
