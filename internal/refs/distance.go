package refs

// OrderHint describes the cyclic display-order counter of a sequence.
type OrderHint struct {
	Enabled bool
	Bits    int
}

// RelativeDist returns the signed distance a-b under the order hint's
// modulus. It is zero when order hints are off or either operand is out
// of range.
func (o OrderHint) RelativeDist(a, b uint32) int {
	if !o.Enabled || o.Bits < 1 || o.Bits > 31 {
		return 0
	}
	limit := uint32(1) << uint(o.Bits)
	if a >= limit || b >= limit {
		return 0
	}
	diff := int(a) - int(b)
	m := 1 << uint(o.Bits-1)
	return (diff & (m - 1)) - (diff & m)
}
