// Package wire implements the canonical, length-prefixed binary codec
// used both on the wire and as input to transcript hashes and signatures.
// Every message type in the parent package implements Marshal/Unmarshal in
// terms of the primitives here rather than delegating to a reflection-based
// codec, so that the specific failure modes below are distinguishable by
// callers instead of hidden behind a generic decode error.
package wire

import (
	"encoding/binary"
	"fmt"
)

// ErrKind distinguishes the codec's three named failure modes.
type ErrKind int

const (
	// TruncatedInput is returned when a read would underflow the buffer.
	TruncatedInput ErrKind = iota
	// LengthOverflow is returned when a declared length prefix exceeds
	// what remains in the buffer, or does not fit in its declared width.
	LengthOverflow
	// UnknownVariant is returned when a tagged union's discriminator
	// does not match any known variant.
	UnknownVariant
)

func (k ErrKind) String() string {
	switch k {
	case TruncatedInput:
		return "TruncatedInput"
	case LengthOverflow:
		return "LengthOverflow"
	case UnknownVariant:
		return "UnknownVariant"
	default:
		return "UnknownWireError"
	}
}

// Error is the error type returned by every Reader/Writer method that can
// fail.
type Error struct {
	Kind ErrKind
	Msg  string
}

func (e *Error) Error() string {
	return fmt.Sprintf("wire: %s: %s", e.Kind, e.Msg)
}

func truncated(msg string) *Error    { return &Error{Kind: TruncatedInput, Msg: msg} }
func overflow(msg string) *Error     { return &Error{Kind: LengthOverflow, Msg: msg} }
func unknownVariant(msg string) *Error { return &Error{Kind: UnknownVariant, Msg: msg} }

// Writer accumulates a canonical encoding. The zero value is ready to use.
type Writer struct {
	buf []byte
}

// NewWriter returns an empty Writer.
func NewWriter() *Writer {
	return &Writer{}
}

// Bytes returns the accumulated encoding.
func (w *Writer) Bytes() []byte {
	return w.buf
}

// Append writes raw bytes with no length prefix.
func (w *Writer) Append(data []byte) {
	w.buf = append(w.buf, data...)
}

// WriteUint8 writes a single big-endian byte.
func (w *Writer) WriteUint8(v uint8) {
	w.buf = append(w.buf, v)
}

// WriteUint16 writes a 2-byte big-endian integer.
func (w *Writer) WriteUint16(v uint16) {
	var b [2]byte
	binary.BigEndian.PutUint16(b[:], v)
	w.buf = append(w.buf, b[:]...)
}

// WriteUint32 writes a 4-byte big-endian integer.
func (w *Writer) WriteUint32(v uint32) {
	var b [4]byte
	binary.BigEndian.PutUint32(b[:], v)
	w.buf = append(w.buf, b[:]...)
}

// WriteUint64 writes an 8-byte big-endian integer.
func (w *Writer) WriteUint64(v uint64) {
	var b [8]byte
	binary.BigEndian.PutUint64(b[:], v)
	w.buf = append(w.buf, b[:]...)
}

// WriteOpaque writes a length-prefixed byte string, with a length prefix
// of lenWidth bytes (1, 2, 3, or 4).
func (w *Writer) WriteOpaque(data []byte, lenWidth int) *Error {
	if err := checkLengthFits(len(data), lenWidth); err != nil {
		return err
	}
	w.writeLen(uint64(len(data)), lenWidth)
	w.buf = append(w.buf, data...)
	return nil
}

// WriteVector writes a vector of elements with a length prefix giving the
// total byte length of the concatenated element encodings (not the element
// count), per the codec's canonical vector format. write is called once to
// populate the element bytes.
func (w *Writer) WriteVector(lenWidth int, write func(*Writer)) *Error {
	inner := NewWriter()
	write(inner)
	return w.WriteOpaque(inner.Bytes(), lenWidth)
}

func (w *Writer) writeLen(n uint64, lenWidth int) {
	switch lenWidth {
	case 1:
		w.WriteUint8(uint8(n))
	case 2:
		w.WriteUint16(uint16(n))
	case 3:
		var b [3]byte
		b[0] = byte(n >> 16)
		b[1] = byte(n >> 8)
		b[2] = byte(n)
		w.buf = append(w.buf, b[:]...)
	case 4:
		w.WriteUint32(uint32(n))
	default:
		panic("wire: invalid length prefix width")
	}
}

func checkLengthFits(n, lenWidth int) *Error {
	var max uint64
	switch lenWidth {
	case 1:
		max = 1<<8 - 1
	case 2:
		max = 1<<16 - 1
	case 3:
		max = 1<<24 - 1
	case 4:
		max = 1<<32 - 1
	default:
		panic("wire: invalid length prefix width")
	}
	if uint64(n) > max {
		return overflow(fmt.Sprintf("length %d does not fit in a %d-byte prefix", n, lenWidth))
	}
	return nil
}

// Reader consumes a canonical encoding left to right.
type Reader struct {
	buf    []byte
	cursor int
}

// NewReader wraps data for sequential reading.
func NewReader(data []byte) *Reader {
	return &Reader{buf: data}
}

// Position returns the number of bytes consumed so far.
func (r *Reader) Position() int {
	return r.cursor
}

// Remaining returns the number of unconsumed bytes.
func (r *Reader) Remaining() int {
	return len(r.buf) - r.cursor
}

// Done reports whether every byte has been consumed. The outermost decode
// of any message type must call Done and fail if it is false, per the
// codec's "never swallows trailing bytes" requirement.
func (r *Reader) Done() bool {
	return r.cursor == len(r.buf)
}

func (r *Reader) take(n int) ([]byte, *Error) {
	if n < 0 || r.Remaining() < n {
		return nil, truncated(fmt.Sprintf("need %d bytes, have %d", n, r.Remaining()))
	}
	out := r.buf[r.cursor : r.cursor+n]
	r.cursor += n
	return out, nil
}

// ReadUint8 reads a single byte.
func (r *Reader) ReadUint8() (uint8, *Error) {
	b, err := r.take(1)
	if err != nil {
		return 0, err
	}
	return b[0], nil
}

// ReadUint16 reads a 2-byte big-endian integer.
func (r *Reader) ReadUint16() (uint16, *Error) {
	b, err := r.take(2)
	if err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint16(b), nil
}

// ReadUint32 reads a 4-byte big-endian integer.
func (r *Reader) ReadUint32() (uint32, *Error) {
	b, err := r.take(4)
	if err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint32(b), nil
}

// ReadUint64 reads an 8-byte big-endian integer.
func (r *Reader) ReadUint64() (uint64, *Error) {
	b, err := r.take(8)
	if err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint64(b), nil
}

func (r *Reader) readLen(lenWidth int) (uint64, *Error) {
	switch lenWidth {
	case 1:
		v, err := r.ReadUint8()
		return uint64(v), err
	case 2:
		v, err := r.ReadUint16()
		return uint64(v), err
	case 3:
		b, err := r.take(3)
		if err != nil {
			return 0, err
		}
		return uint64(b[0])<<16 | uint64(b[1])<<8 | uint64(b[2]), nil
	case 4:
		v, err := r.ReadUint32()
		return uint64(v), err
	default:
		panic("wire: invalid length prefix width")
	}
}

// ReadOpaque reads a length-prefixed byte string with a prefix of
// lenWidth bytes. Fails with LengthOverflow if the declared length exceeds
// what remains in the buffer.
func (r *Reader) ReadOpaque(lenWidth int) ([]byte, *Error) {
	n, err := r.readLen(lenWidth)
	if err != nil {
		return nil, err
	}
	if n > uint64(r.Remaining()) {
		return nil, overflow(fmt.Sprintf("declared length %d exceeds remaining %d bytes", n, r.Remaining()))
	}
	return r.take(int(n))
}

// ReadVector reads a length-prefixed vector and returns a sub-Reader
// scoped exactly to its contents; the caller loops element reads off that
// sub-Reader until Done() to recover the element count.
func (r *Reader) ReadVector(lenWidth int) (*Reader, *Error) {
	data, err := r.ReadOpaque(lenWidth)
	if err != nil {
		return nil, err
	}
	return NewReader(data), nil
}

// UnknownVariantError constructs an UnknownVariant failure for a tagged
// union discriminator value that does not match any known variant.
func UnknownVariantError(discriminator interface{}) *Error {
	return unknownVariant(fmt.Sprintf("no variant for discriminator %v", discriminator))
}
