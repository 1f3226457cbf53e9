package classfile

import (
	"encoding/binary"
	"fmt"
)

// reader is a big-endian cursor with a sticky error: once a read runs past
// the end every later read returns zero and Err keeps the first failure.
type reader struct {
	b   []byte
	off int
	err error
}

func newReader(b []byte) *reader {
	return &reader{b: b}
}

func (r *reader) take(n int) []byte {
	if r.err != nil {
		return nil
	}
	if n < 0 || r.off+n > len(r.b) {
		r.err = fmt.Errorf("%w: unexpected end of data at offset %d (need %d bytes)", ErrMalformed, r.off, n)
		return nil
	}
	b := r.b[r.off : r.off+n]
	r.off += n
	return b
}

func (r *reader) u1() uint8 {
	b := r.take(1)
	if b == nil {
		return 0
	}
	return b[0]
}

func (r *reader) u2() uint16 {
	b := r.take(2)
	if b == nil {
		return 0
	}
	return binary.BigEndian.Uint16(b)
}

func (r *reader) u4() uint32 {
	b := r.take(4)
	if b == nil {
		return 0
	}
	return binary.BigEndian.Uint32(b)
}

func (r *reader) u8() uint64 {
	b := r.take(8)
	if b == nil {
		return 0
	}
	return binary.BigEndian.Uint64(b)
}

func (r *reader) bytes(n int) []byte {
	b := r.take(n)
	if b == nil {
		return nil
	}
	out := make([]byte, n)
	copy(out, b)
	return out
}

func (r *reader) remaining() int {
	return len(r.b) - r.off
}

// writer accumulates big-endian output.
type writer struct {
	b []byte
}

func (w *writer) u1(v uint8) {
	w.b = append(w.b, v)
}

func (w *writer) u2(v uint16) {
	w.b = binary.BigEndian.AppendUint16(w.b, v)
}

func (w *writer) u4(v uint32) {
	w.b = binary.BigEndian.AppendUint32(w.b, v)
}

func (w *writer) u8(v uint64) {
	w.b = binary.BigEndian.AppendUint64(w.b, v)
}

func (w *writer) raw(b []byte) {
	w.b = append(w.b, b...)
}

// patch4 overwrites a u4 previously reserved at off.
func (w *writer) patch4(off int, v uint32) {
	binary.BigEndian.PutUint32(w.b[off:], v)
}
