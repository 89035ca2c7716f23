package bitio

import "errors"

// MaxLEB128Bytes is the longest LEB128 value AV1 allows.
const MaxLEB128Bytes = 8

var (
	// ErrLEB128Overflow is returned when a value needs more bytes than allowed.
	ErrLEB128Overflow = errors.New("bitio: leb128 value does not fit")
	// ErrLEB128Truncated is returned when the input ends inside a value.
	ErrLEB128Truncated = errors.New("bitio: truncated leb128 value")
)

// AppendLEB128 appends the minimal LEB128 encoding of v.
func AppendLEB128(dst []byte, v uint64) []byte {
	for {
		b := byte(v & 0x7f)
		v >>= 7
		if v == 0 {
			return append(dst, b)
		}
		dst = append(dst, b|0x80)
	}
}

// AppendFixedLEB128 appends v encoded in exactly n bytes, padding with
// continuation bytes. A zero value in 4 bytes is 80 80 80 00.
func AppendFixedLEB128(dst []byte, v uint64, n int) ([]byte, error) {
	if n < 1 || n > MaxLEB128Bytes || v>>(7*uint(n)) != 0 {
		return dst, ErrLEB128Overflow
	}
	for i := 0; i < n; i++ {
		b := byte(v & 0x7f)
		v >>= 7
		if i < n-1 {
			b |= 0x80
		}
		dst = append(dst, b)
	}
	return dst, nil
}

// PutFixedLEB128 overwrites len(dst) bytes with v in fixed-size form.
func PutFixedLEB128(dst []byte, v uint64) error {
	_, err := AppendFixedLEB128(dst[:0], v, len(dst))
	return err
}

// ReadLEB128 decodes a LEB128 value of at most MaxLEB128Bytes bytes and
// returns it with the number of bytes consumed.
func ReadLEB128(b []byte) (uint64, int, error) {
	var v uint64
	for i := 0; i < MaxLEB128Bytes; i++ {
		if i >= len(b) {
			return 0, 0, ErrLEB128Truncated
		}
		v |= uint64(b[i]&0x7f) << (7 * uint(i))
		if b[i]&0x80 == 0 {
			return v, i + 1, nil
		}
	}
	return 0, 0, ErrLEB128Overflow
}
