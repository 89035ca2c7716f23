package refs

import (
	"github.com/deepteams/av1ctl/internal/hw"
	"github.com/deepteams/av1ctl/internal/params"
)

// Slot is one entry of the reference pool. A slot is overwritten in place
// each time its frame index is reused.
type Slot struct {
	FrameIdx            int
	UsedAsRef           bool
	Width, Height       int
	OrderHint           uint32
	MiCols, MiRows      int
	SegmentationEnabled bool
	DisplayOrder        int
	// Generation counts how many pictures the slot has held.
	Generation uint64
	// RefList holds the deduplicated frame indices the picture referenced.
	RefList []int

	Buffers
}

// Buffers are the device buffers a slot owns. SegmentMap is nil while the
// picture codes without segmentation.
type Buffers struct {
	Recon         hw.Buffer
	MotionVectors hw.Buffer
	CDF           hw.Buffer
	SegmentMap    hw.Buffer
}

// replaced returns the buffers of b that n does not carry over.
func (b Buffers) replaced(n Buffers) Buffers {
	var out Buffers
	if b.Recon != nil && b.Recon != n.Recon {
		out.Recon = b.Recon
	}
	if b.MotionVectors != nil && b.MotionVectors != n.MotionVectors {
		out.MotionVectors = b.MotionVectors
	}
	if b.CDF != nil && b.CDF != n.CDF {
		out.CDF = b.CDF
	}
	if b.SegmentMap != nil && b.SegmentMap != n.SegmentMap {
		out.SegmentMap = b.SegmentMap
	}
	return out
}

// Each calls fn for every non-nil buffer of b.
func (b Buffers) Each(fn func(hw.Buffer)) {
	for _, buf := range []hw.Buffer{b.Recon, b.MotionVectors, b.CDF, b.SegmentMap} {
		if buf != nil {
			fn(buf)
		}
	}
}

// Written reports whether the slot has ever held a picture.
func (s *Slot) Written() bool {
	return s.Generation > 0
}

// Pool is the fixed-capacity arena of reference slots keyed by frame index.
type Pool struct {
	slots [params.NumSlots]Slot
}

// Slot returns the slot for frame index idx, or nil when idx is out of range.
func (p *Pool) Slot(idx int) *Slot {
	if idx < 0 || idx >= len(p.slots) {
		return nil
	}
	return &p.slots[idx]
}

// Each calls fn for every slot that has held a picture.
func (p *Pool) Each(fn func(*Slot)) {
	for i := range p.slots {
		if p.slots[i].Written() {
			fn(&p.slots[i])
		}
	}
}

// Reset clears every slot. Buffer handles are dropped; the caller owns
// their release.
func (p *Pool) Reset() {
	p.slots = [params.NumSlots]Slot{}
}

// MiDims returns the mode-info grid of a frame, aligned to whole 64x64
// superblocks.
func MiDims(width, height int) (cols, rows int) {
	cols = params.Align(2*((width+7)>>3), 16)
	rows = params.Align(2*((height+7)>>3), 16)
	return cols, rows
}
