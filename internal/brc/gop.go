package brc

// infiniteGOP is reported for every level of an open-ended GOP.
const infiniteGOP = 9999

// GOP holds the per-level frame counts of one intra period.
type GOP struct {
	P  int
	B  int
	B1 int
	B2 int
	B3 int
}

// Total returns the number of frames the levels account for.
func (g GOP) Total() int {
	return g.P + g.B + g.B1 + g.B2 + g.B3
}

// ComputeGOP splits one intra period of gopPicSize frames into hierarchy
// levels for a B distance of refDist. gopPicSize 0 means no periodic
// intra frame. fourLevel enables the B3 level used by 16-frame quality
// pyramids.
//
// The period excluding the intra frame is rounded up to whole mini-GOPs,
// so the level counts always sum to that rounded period.
func ComputeGOP(gopPicSize, refDist int, fourLevel bool) GOP {
	period := gopPicSize - 1
	if refDist <= 1 {
		if gopPicSize == 0 {
			return GOP{P: infiniteGOP}
		}
		return GOP{P: period}
	}
	if period < 0 {
		return GOP{P: infiniteGOP, B: infiniteGOP}
	}
	period = (period + refDist - 1) / refDist * refDist

	var g GOP
	g.P = period / refDist
	g.B = period / refDist
	if g.P+g.B != period {
		g.B1 = g.P * 2
	}
	g.B2 = period - g.P - g.B - g.B1
	if fourLevel {
		g.B2 = 0
		if g.P+g.B+g.B1 != period {
			g.B2 = g.B1 * 2
		}
		g.B3 = period - g.P - g.B - g.B1 - g.B2
	}
	return g
}

// MaxLevel returns the deepest hierarchy level for a B distance.
func MaxLevel(refDist int, fourLevel bool) int {
	switch {
	case refDist == 16 && fourLevel:
		return 4
	case refDist == 8:
		return 3
	case refDist == 4:
		return 2
	case refDist == 2:
		return 1
	}
	return 0
}
