// Package bitio implements the MSB-first bit writer and reader used for the
// small OBU headers the control plane emits, plus LEB128 helpers.
package bitio

import (
	"encoding/binary"
	"errors"
)

const (
	// writerBits is the number of bits flushed at a time.
	writerBits = 32
	// writerBytes is the number of bytes written per flush.
	writerBytes = 4
)

var (
	errTooManyBits = errors.New("bitio: more than 32 bits in one write")
	errUnaligned   = errors.New("bitio: byte write on unaligned position")
)

// Writer is an accumulator-based bit writer. Bits are packed most
// significant first and flushed 32 bits at a time in big-endian order,
// which is the AV1 bitstream order.
type Writer struct {
	bits uint64 // bit accumulator, right-aligned
	used int    // number of valid bits in accumulator
	buf  []byte // output buffer
	cur  int    // current write position in buf
	err  error
}

// NewWriter creates a Writer with space pre-allocated for expectedSize bytes.
func NewWriter(expectedSize int) *Writer {
	if expectedSize < 64 {
		expectedSize = 64
	}
	return &Writer{buf: make([]byte, expectedSize)}
}

// WriteBits writes the low nBits (0..32) of v.
func (w *Writer) WriteBits(v uint32, nBits int) {
	if nBits == 0 || w.err != nil {
		return
	}
	if nBits > writerBits {
		w.err = errTooManyBits
		return
	}
	v &= uint32(uint64(1)<<uint(nBits) - 1)
	w.bits = w.bits<<uint(nBits) | uint64(v)
	w.used += nBits
	if w.used >= writerBits {
		w.flushBits()
	}
}

// WriteBit writes a single flag bit.
func (w *Writer) WriteBit(b bool) {
	if b {
		w.WriteBits(1, 1)
	} else {
		w.WriteBits(0, 1)
	}
}

// flushBits moves the oldest 32 bits of the accumulator to the buffer.
func (w *Writer) flushBits() {
	w.grow(writerBytes)
	shift := uint(w.used - writerBits)
	binary.BigEndian.PutUint32(w.buf[w.cur:], uint32(w.bits>>shift))
	w.cur += writerBytes
	w.used -= writerBits
	w.bits &= uint64(1)<<uint(w.used) - 1
}

// grow ensures at least n bytes of capacity remain at w.cur.
func (w *Writer) grow(n int) {
	if w.cur+n <= len(w.buf) {
		return
	}
	newSize := len(w.buf) * 2
	if need := w.cur + n; newSize < need {
		newSize = need
	}
	tmp := make([]byte, newSize)
	copy(tmp, w.buf[:w.cur])
	w.buf = tmp
}

// ByteAlign pads with zero bits up to the next byte boundary.
func (w *Writer) ByteAlign() {
	if r := w.used & 7; r != 0 {
		w.WriteBits(0, 8-r)
	}
}

// Aligned reports whether the write position is on a byte boundary.
func (w *Writer) Aligned() bool {
	return w.used&7 == 0
}

// WriteBytes appends whole bytes. The writer must be byte aligned.
func (w *Writer) WriteBytes(p []byte) {
	if w.err != nil {
		return
	}
	if !w.Aligned() {
		w.err = errUnaligned
		return
	}
	for _, b := range p {
		w.WriteBits(uint32(b), 8)
	}
}

// BitsWritten returns the number of bits written so far.
func (w *Writer) BitsWritten() int {
	return w.cur*8 + w.used
}

// Finish flushes the accumulator, zero-padding the last byte, and
// returns the encoded bytes.
func (w *Writer) Finish() []byte {
	w.grow((w.used + 7) >> 3)
	for w.used >= 8 {
		w.used -= 8
		w.buf[w.cur] = byte(w.bits >> uint(w.used))
		w.cur++
	}
	if w.used > 0 {
		w.buf[w.cur] = byte(w.bits << uint(8-w.used))
		w.cur++
	}
	w.bits, w.used = 0, 0
	return w.buf[:w.cur]
}

// NumBytes returns the number of encoded bytes, including any partial
// byte in the accumulator.
func (w *Writer) NumBytes() int {
	return w.cur + (w.used+7)/8
}

// Err returns the first error encountered during writing, if any.
func (w *Writer) Err() error {
	return w.err
}
