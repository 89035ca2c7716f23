package bitio

import "errors"

// ErrEndOfData is returned when a read runs past the input.
var ErrEndOfData = errors.New("bitio: read past end of data")

// Reader reads MSB-first bits from a byte slice.
type Reader struct {
	data []byte
	pos  int // bit position
	err  error
}

// NewReader returns a Reader over data.
func NewReader(data []byte) *Reader {
	return &Reader{data: data}
}

// ReadBits reads nBits (0..32) and returns them right-aligned. Reads past
// the end return zero bits and latch ErrEndOfData.
func (r *Reader) ReadBits(nBits int) uint32 {
	var v uint32
	for i := 0; i < nBits; i++ {
		v <<= 1
		if r.pos >= len(r.data)*8 {
			r.err = ErrEndOfData
			continue
		}
		v |= uint32(r.data[r.pos>>3]>>(7-uint(r.pos&7))) & 1
		r.pos++
	}
	return v
}

// ReadBit reads one flag bit.
func (r *Reader) ReadBit() bool {
	return r.ReadBits(1) == 1
}

// ByteAlign skips to the next byte boundary.
func (r *Reader) ByteAlign() {
	r.pos = (r.pos + 7) &^ 7
}

// BitPos returns the number of bits consumed.
func (r *Reader) BitPos() int {
	return r.pos
}

// Err returns ErrEndOfData if any read ran past the input.
func (r *Reader) Err() error {
	return r.err
}
