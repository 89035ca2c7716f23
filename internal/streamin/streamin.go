// Package streamin builds the per-32x32-block encoder guidance buffer and
// merges segment ids into it.
package streamin

import (
	"errors"
	"fmt"
	"log/slog"
	"math"

	"github.com/deepteams/av1ctl/internal/params"
	"github.com/deepteams/av1ctl/internal/segment"
)

// ErrGridMismatch is returned when the tile grid does not cover the frame's
// superblocks.
var ErrGridMismatch = errors.New("streamin: tile grid does not cover the frame")

// BlockBytes is the size of one block record in the hardware buffer.
const BlockBytes = 64

// CuSize is a coding or transform unit size code.
type CuSize uint8

const (
	Cu8x8 CuSize = iota
	Cu16x16
	Cu32x32
	Cu64x64
)

func (s CuSize) String() string {
	switch s {
	case Cu8x8:
		return "8x8"
	case Cu16x16:
		return "16x16"
	case Cu32x32:
		return "32x32"
	case Cu64x64:
		return "64x64"
	}
	return fmt.Sprintf("CuSize(%d)", int(s))
}

// Merge candidate indexes, largest unit first.
const (
	Merge64 = iota
	Merge32
	Merge16
	Merge8
)

// Preset holds the per-block search defaults of one speed point.
type Preset struct {
	MergeCandidates  [4]uint8
	NumImePredictors uint8
}

var (
	presetQuality = Preset{MergeCandidates: [4]uint8{3, 3, 3, 3}, NumImePredictors: 12}
	presetNormal  = Preset{MergeCandidates: [4]uint8{3, 3, 2, 2}, NumImePredictors: 8}
	presetSpeed   = Preset{MergeCandidates: [4]uint8{2, 2, 1, 2}, NumImePredictors: 4}
	// presetIntraWA is forced on intra frames while the merge candidate
	// erratum workaround is active.
	presetIntraWA = Preset{MergeCandidates: [4]uint8{0, 0, 0, 2}}
)

// Defaults returns the preset of a target usage. Only 1, 2, 4 and 7 are
// defined; any other value is a programming error and panics.
func Defaults(targetUsage int) Preset {
	switch targetUsage {
	case 1, 2:
		return presetQuality
	case 4:
		return presetNormal
	case 7:
		return presetSpeed
	}
	panic(fmt.Sprintf("streamin: unsupported target usage %d", targetUsage))
}

// Block is the guidance record of one 32x32 block.
type Block struct {
	MaxTuSize          CuSize
	MaxCuSize          CuSize
	NumMergeCandidates [4]uint8
	NumImePredictors   uint8

	SegIDEnable bool
	// SegID carries the segment id in each of its four nibbles.
	SegID         uint16
	ForceQP       bool
	QP            uint8
	ForceGlobalMV bool
}

// Input describes one frame to the builder.
type Input struct {
	Width, Height int
	TargetUsage   int
	Intra         bool
	KeyFrame      bool
	// IntraWorkaround enables the intra merge candidate erratum path.
	IntraWorkaround bool
	// TileColumnWidths and TileRowHeights are in superblocks. Empty means
	// one tile across that axis.
	TileColumnWidths []int
	TileRowHeights   []int
	Segmentation     *segment.Result
	// UpdateMap and TemporalUpdate mirror the picture's segmentation flags.
	UpdateMap      bool
	TemporalUpdate bool
}

// Guidance is the stream-in buffer of one frame plus the frame-level
// segmentation state the hardware reads alongside it.
type Guidance struct {
	// Cols and Rows count 32x32 blocks over the superblock-aligned frame.
	Cols, Rows int
	// Blocks are in buffer order, tile-major.
	Blocks []Block
	Preset Preset

	StreamInEnable    bool
	EnableSeg         bool
	StreamInSegEnable bool
	SegMapUpdateCycle uint32
	SegTemporalUpdate bool
	SegmentRef        [params.MaxSegments]int
	SegmentSkip       [params.MaxSegments]bool
	SegmentGlobalMV   [params.MaxSegments]bool

	lut []int
}

// Bytes returns the hardware buffer size the guidance occupies.
func (g *Guidance) Bytes() int {
	return len(g.Blocks) * BlockBytes
}

// Index returns the buffer position of the block at raster position (x, y).
func (g *Guidance) Index(x, y int) int {
	return g.lut[y*g.Cols+x]
}

// At returns the block at raster position (x, y).
func (g *Guidance) At(x, y int) *Block {
	return &g.Blocks[g.Index(x, y)]
}

// Builder produces guidance buffers. It caches address tables per
// resolution and tile grid; it is safe for use by one session at a time.
type Builder struct {
	luts *lutCache
	log  *slog.Logger
}

// NewBuilder returns a Builder logging to log, or slog.Default when nil.
func NewBuilder(log *slog.Logger) *Builder {
	if log == nil {
		log = slog.Default()
	}
	return &Builder{luts: newLUTCache(), log: log}
}

// Build returns the guidance buffer for in.
func (b *Builder) Build(in *Input) (*Guidance, error) {
	sbCols := params.CeilDiv(in.Width, params.SuperblockSize)
	sbRows := params.CeilDiv(in.Height, params.SuperblockSize)
	colWidths, err := axis(in.TileColumnWidths, sbCols)
	if err != nil {
		return nil, fmt.Errorf("%w: columns: %v", ErrGridMismatch, err)
	}
	rowHeights, err := axis(in.TileRowHeights, sbRows)
	if err != nil {
		return nil, fmt.Errorf("%w: rows: %v", ErrGridMismatch, err)
	}

	preset := Defaults(in.TargetUsage)
	if in.Intra && in.IntraWorkaround {
		preset = presetIntraWA
	}

	g := &Guidance{
		Cols:           sbCols * 2,
		Rows:           sbRows * 2,
		Preset:         preset,
		StreamInEnable: true,
		lut:            b.luts.get(in.Width, in.Height, colWidths, rowHeights),
	}
	g.Blocks = make([]Block, g.Cols*g.Rows)
	for i := range g.Blocks {
		g.Blocks[i] = Block{
			MaxTuSize:          Cu32x32,
			MaxCuSize:          Cu64x64,
			NumMergeCandidates: preset.MergeCandidates,
			NumImePredictors:   preset.NumImePredictors,
		}
	}

	seg := in.Segmentation
	if seg == nil || !seg.Enabled {
		return g, nil
	}
	if len(seg.Map) != g.Cols*g.Rows {
		return nil, fmt.Errorf("%w: segment map has %d blocks, want %d",
			segment.ErrSegmentationMapTooSmall, len(seg.Map), g.Cols*g.Rows)
	}
	g.EnableSeg = true
	g.StreamInSegEnable = true
	for i := range g.SegmentRef {
		g.SegmentRef[i] = -1
	}
	if !in.KeyFrame {
		g.SegMapUpdateCycle = math.MaxUint32
		if in.UpdateMap {
			g.SegMapUpdateCycle = 1
		}
		g.SegTemporalUpdate = in.TemporalUpdate
	}

	// Blocks past the right or bottom frame edge take the id of the last
	// block inside the frame.
	lastX := params.CeilDiv(in.Width, segment.BlockSize) - 1
	lastY := params.CeilDiv(in.Height, segment.BlockSize) - 1
	for y := 0; y < g.Rows; y++ {
		sy := min(y, lastY)
		for x := 0; x < g.Cols; x++ {
			id := seg.Map[sy*g.Cols+min(x, lastX)]
			blk := g.At(x, y)
			blk.SegIDEnable = true
			blk.SegID = nibbles(id)
			s := &seg.Segments[id]
			if s.Features.AltQ {
				blk.ForceQP = true
				blk.QP = uint8(s.QIndex)
			}
			blk.ForceGlobalMV = s.Features.GlobalMV
		}
	}
	if !in.Intra {
		restrictMixedUnits(g)
	}
	b.log.Debug("streamin: segment ids merged", "blocks", len(g.Blocks), "provenance", seg.Provenance)
	return g, nil
}

// nibbles replicates a segment id into all four nibbles of a word.
func nibbles(id byte) uint16 {
	v := uint16(id & 0xf)
	return v | v<<4 | v<<8 | v<<12
}

// restrictMixedUnits limits a 64x64 unit to 32x32 coding units when its
// four blocks do not share a segment id.
func restrictMixedUnits(g *Guidance) {
	for y := 0; y < g.Rows; y += 2 {
		for x := 0; x < g.Cols; x += 2 {
			tl, tr, bl, br := g.At(x, y), g.At(x+1, y), g.At(x, y+1), g.At(x+1, y+1)
			if tl.SegID == tr.SegID && tl.SegID == bl.SegID && tl.SegID == br.SegID {
				continue
			}
			for _, blk := range [...]*Block{tl, tr, bl, br} {
				blk.MaxCuSize = Cu32x32
			}
		}
	}
}

// axis returns sizes, or a single entry spanning total when sizes is empty,
// and checks that sizes sum to total.
func axis(sizes []int, total int) ([]int, error) {
	if len(sizes) == 0 {
		return []int{total}, nil
	}
	sum := 0
	for i, s := range sizes {
		if s <= 0 {
			return nil, params.At("tile", i, errors.New("empty tile"))
		}
		sum += s
	}
	if sum != total {
		return nil, fmt.Errorf("sum %d superblocks, frame has %d", sum, total)
	}
	return sizes, nil
}
