package s7

import (
	"encoding/binary"
	"fmt"
)

// reader walks a borrowed byte slice with bounds checking. The first
// failure is sticky: later reads return zero values and the original
// error is reported by err().
type reader struct {
	buf   []byte
	pos   int
	layer string
	fail  error
}

func newReader(layer string, buf []byte) *reader {
	return &reader{buf: buf, layer: layer}
}

func (r *reader) err() error { return r.fail }

func (r *reader) offset() int { return r.pos }

func (r *reader) remaining() int { return len(r.buf) - r.pos }

// failf records a malformed-datagram error at the current offset.
func (r *reader) failf(format string, args ...any) {
	if r.fail == nil {
		r.fail = &MalformedError{Layer: r.layer, Offset: r.pos, Reason: fmt.Sprintf(format, args...)}
	}
}

func (r *reader) need(n int, what string) bool {
	if r.fail != nil {
		return false
	}
	if n < 0 || r.remaining() < n {
		r.failf("%s needs %d bytes, %d remaining", what, n, r.remaining())
		return false
	}
	return true
}

func (r *reader) u8(what string) byte {
	if !r.need(1, what) {
		return 0
	}
	b := r.buf[r.pos]
	r.pos++
	return b
}

func (r *reader) u16(what string) uint16 {
	if !r.need(2, what) {
		return 0
	}
	v := binary.BigEndian.Uint16(r.buf[r.pos:])
	r.pos += 2
	return v
}

func (r *reader) i16(what string) int16 {
	return int16(r.u16(what))
}

// bytes returns an owned copy of the next n bytes.
func (r *reader) bytes(n int, what string) []byte {
	if !r.need(n, what) {
		return nil
	}
	out := make([]byte, n)
	copy(out, r.buf[r.pos:r.pos+n])
	r.pos += n
	return out
}

func (r *reader) skip(n int, what string) {
	if r.need(n, what) {
		r.pos += n
	}
}

// writer appends big-endian fields to a byte slice. The backing slice
// may come from a pool, so callers use len() as the valid length.
type writer struct {
	buf []byte
}

func newWriter(buf []byte) *writer {
	return &writer{buf: buf[:0]}
}

func (w *writer) len() int { return len(w.buf) }

func (w *writer) u8(v byte) { w.buf = append(w.buf, v) }

func (w *writer) u16(v uint16) { w.buf = binary.BigEndian.AppendUint16(w.buf, v) }

func (w *writer) i16(v int16) { w.u16(uint16(v)) }

func (w *writer) raw(b []byte) { w.buf = append(w.buf, b...) }

func (w *writer) zeros(n int) {
	for i := 0; i < n; i++ {
		w.buf = append(w.buf, 0)
	}
}

// putU16 overwrites a previously written field.
func (w *writer) putU16(off int, v uint16) {
	binary.BigEndian.PutUint16(w.buf[off:], v)
}
