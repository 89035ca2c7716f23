// Package tile partitions a frame into tiles, lays out the per-tile
// hardware buffers, writes tile group headers and stitches per-pipe
// output back into one frame.
package tile

import (
	"errors"
	"fmt"

	"github.com/deepteams/av1ctl/internal/params"
)

var (
	ErrInvalidTileGeometry = errors.New("tile: invalid tile geometry")
	ErrTileTooLarge        = errors.New("tile: tile too large")
)

// Bitstream profile limits, in superblocks unless noted.
const (
	MaxTileCols    = 64
	MaxTileRows    = 64
	MaxTileWidthSB = 4096 / params.SuperblockSize
	// MaxTileAreaSB is the 4096x2304 pixel tile area limit.
	MaxTileAreaSB = 4096 * 2304 / (params.SuperblockSize * params.SuperblockSize)
)

const (
	CachelineSize = 64
	PageSize      = 4096

	// pakDWordsPerSB and dwordsPerCU size the per-superblock PAK object
	// streamout; a 64x64 superblock holds at most 64 8x8 coding units.
	pakDWordsPerSB = 5
	dwordsPerCU    = 8
	cusPerSB       = (params.SuperblockSize / params.MinCbSize) * (params.SuperblockSize / params.MinCbSize)
)

// Descriptor is the geometry and buffer placement of one tile.
type Descriptor struct {
	Index    int
	Row, Col int

	// StartX, StartY, Width and Height are in superblocks.
	StartX, StartY int
	Width, Height  int
	NumSB          int
	// X, Y, PixelWidth and PixelHeight are clipped to the frame.
	X, Y                    int
	PixelWidth, PixelHeight int
	WidthInMinCbMinus1      int
	HeightInMinCbMinus1     int

	FirstOfFrame bool
	LastOfRow    bool
	LastOfColumn bool
	LastOfFrame  bool

	GroupID       int
	FirstOfGroup  bool
	LastOfGroup   bool
	TileInGroup   int
	HeaderPresent bool

	PakStatsOffset           int
	TileSizeStreamoutOffset  int
	CumulativeCUOffset       int // cachelines
	CULevelStreamoutOffset   int // cachelines
	LCUStreamoutOffset       int // cachelines
	SliceSizeStreamoutOffset int
	SBAddrStart, SBAddrEnd   int
	StreamInOffset           int // cachelines
	BitstreamOffset          int // cachelines
	BitstreamByteOffset      int
}

// Layout is the tile partition of one frame.
type Layout struct {
	Width, Height  int
	SBCols, SBRows int
	ColWidths      []int
	RowHeights     []int
	Tiles          []Descriptor
	Groups         []Group
	// BitstreamSize is the buffer the per-tile reservations divide.
	BitstreamSize int
}

// NumTiles returns the tile count.
func (l *Layout) NumTiles() int { return len(l.Tiles) }

// TotalSB returns the frame's superblock count.
func (l *Layout) TotalSB() int { return l.SBCols * l.SBRows }

// Partition splits a width by height frame into the tile grid given by
// colWidths and rowHeights (in superblocks) and reserves bitstreamSize
// bytes across the tiles in proportion to their superblock counts. Empty
// slices mean one tile across that axis.
func Partition(width, height int, colWidths, rowHeights []int, bitstreamSize int) (*Layout, error) {
	if width <= 0 || height <= 0 {
		return nil, fmt.Errorf("%w: frame %dx%d", ErrInvalidTileGeometry, width, height)
	}
	l := &Layout{
		Width:         width,
		Height:        height,
		SBCols:        params.CeilDiv(width, params.SuperblockSize),
		SBRows:        params.CeilDiv(height, params.SuperblockSize),
		BitstreamSize: bitstreamSize,
	}
	if len(colWidths) == 0 {
		colWidths = []int{l.SBCols}
	}
	if len(rowHeights) == 0 {
		rowHeights = []int{l.SBRows}
	}
	l.ColWidths, l.RowHeights = colWidths, rowHeights
	if err := l.check(); err != nil {
		return nil, err
	}
	l.layout()
	l.Groups = []Group{singleGroup(len(l.Tiles))}
	l.markGroups()
	return l, nil
}

func (l *Layout) check() error {
	cols, rows := len(l.ColWidths), len(l.RowHeights)
	if cols > MaxTileCols || rows > MaxTileRows {
		return fmt.Errorf("%w: %dx%d tiles exceeds %dx%d", ErrInvalidTileGeometry, cols, rows, MaxTileCols, MaxTileRows)
	}
	if cols*rows > l.TotalSB() {
		return fmt.Errorf("%w: %d tiles for %d superblocks", ErrInvalidTileGeometry, cols*rows, l.TotalSB())
	}

	sum := 0
	for i, w := range l.ColWidths {
		if w <= 0 {
			return params.At("tile column", i, ErrInvalidTileGeometry)
		}
		if w > MaxTileWidthSB {
			return params.At("tile column", i, fmt.Errorf("%w: %d superblocks wide", ErrTileTooLarge, w))
		}
		sum += w
	}
	if sum != l.SBCols {
		return fmt.Errorf("%w: columns sum to %d superblocks, frame has %d", ErrInvalidTileGeometry, sum, l.SBCols)
	}
	sum = 0
	for i, h := range l.RowHeights {
		if h <= 0 {
			return params.At("tile row", i, ErrInvalidTileGeometry)
		}
		sum += h
	}
	if sum != l.SBRows {
		return fmt.Errorf("%w: rows sum to %d superblocks, frame has %d", ErrInvalidTileGeometry, sum, l.SBRows)
	}

	for r, h := range l.RowHeights {
		for c, w := range l.ColWidths {
			if w*h > MaxTileAreaSB {
				return params.At("tile", r*cols+c, fmt.Errorf("%w: %d superblocks", ErrTileTooLarge, w*h))
			}
		}
	}
	return nil
}

func (l *Layout) layout() {
	cols, rows := len(l.ColWidths), len(l.RowHeights)
	widthInMinCb := params.CeilDiv(l.Width, params.MinCbSize)
	heightInMinCb := params.CeilDiv(l.Height, params.MinCbSize)
	const ratio = params.SuperblockSize / params.MinCbSize
	total := l.TotalSB()

	l.Tiles = make([]Descriptor, cols*rows)
	var (
		sbAddr      int
		cumCUBytes  int
		lcuBytes    int
		cuLevel     int
		bsCacheline int
	)
	startY := 0
	for r, h := range l.RowHeights {
		startX := 0
		for c, w := range l.ColWidths {
			idx := r*cols + c
			d := &l.Tiles[idx]
			d.Index, d.Row, d.Col = idx, r, c
			d.StartX, d.StartY = startX, startY
			d.Width, d.Height = w, h
			d.NumSB = w * h

			d.LastOfRow = c == cols-1
			d.LastOfColumn = r == rows-1
			d.FirstOfFrame = idx == 0
			d.LastOfFrame = idx == cols*rows-1
			if d.LastOfRow {
				d.WidthInMinCbMinus1 = widthInMinCb - startX*ratio - 1
			} else {
				d.WidthInMinCbMinus1 = w*ratio - 1
			}
			if d.LastOfColumn {
				d.HeightInMinCbMinus1 = heightInMinCb - startY*ratio - 1
			} else {
				d.HeightInMinCbMinus1 = h*ratio - 1
			}

			d.X = startX * params.SuperblockSize
			d.Y = startY * params.SuperblockSize
			d.PixelWidth = min(w*params.SuperblockSize, l.Width-d.X)
			d.PixelHeight = min(h*params.SuperblockSize, l.Height-d.Y)

			d.PakStatsOffset = 8 * idx
			d.TileSizeStreamoutOffset = idx
			d.CumulativeCUOffset = cumCUBytes / CachelineSize
			d.LCUStreamoutOffset = lcuBytes / CachelineSize
			d.CULevelStreamoutOffset = cuLevel
			d.BitstreamOffset = bsCacheline
			d.BitstreamByteOffset = params.Align(bsCacheline*CachelineSize, PageSize)
			d.SliceSizeStreamoutOffset = sbAddr
			d.SBAddrStart = sbAddr
			d.SBAddrEnd = sbAddr + d.NumSB - 1
			// Four cachelines of stream-in per superblock, tile-major.
			d.StreamInOffset = 4 * (startY*l.SBCols + startX*h)

			sbAddr += d.NumSB
			cumCUBytes = params.Align(cumCUBytes+d.NumSB*2, CachelineSize)
			lcuBytes = params.Align(lcuBytes+2*4*d.NumSB*(pakDWordsPerSB+cusPerSB*dwordsPerCU), CachelineSize)
			cuLevel += (d.WidthInMinCbMinus1 + 1) * (d.HeightInMinCbMinus1 + 1) * 16 / CachelineSize
			share := int((int64(l.BitstreamSize)*int64(d.NumSB) + int64(total) - 1) / int64(total))
			bsCacheline += params.Align(share, CachelineSize) / CachelineSize

			startX += w
		}
		startY += h
	}
}

// UniformSizes splits sbCount superblocks into 1<<log2 tiles the way
// uniform tile spacing does: equal tiles rounded up, with the remainder in
// the last one. Fewer tiles result when the rounded size covers the frame
// early.
func UniformSizes(sbCount, log2 int) []int {
	size := (sbCount + (1 << log2) - 1) >> log2
	if size <= 0 {
		return nil
	}
	var sizes []int
	for left := sbCount; left > 0; left -= size {
		sizes = append(sizes, min(size, left))
	}
	return sizes
}

// TileLog2 returns the smallest k with blkSize<<k >= target.
func TileLog2(blkSize, target int) int {
	k := 0
	for blkSize<<k < target {
		k++
	}
	return k
}

// CeilLog2 returns the smallest k with 1<<k >= x.
func CeilLog2(x int) int {
	k := 0
	for x > 1<<k {
		k++
	}
	return k
}

// StatsLayout places the PAK and VDEnc statistics in the frame and tile
// statistics buffers.
type StatsLayout struct {
	PakSize   int
	VdencSize int

	FramePakOffset   int
	FrameVdencOffset int
	FrameSize        int

	TilePakOffset   int
	TileVdencOffset int
	TileSize        int

	TileRecordSize int
}

// NewStatsLayout computes the statistics placement for numTiles tiles of
// pakSize and vdencSize statistics each.
func NewStatsLayout(numTiles, pakSize, vdencSize int) StatsLayout {
	s := StatsLayout{PakSize: pakSize, VdencSize: vdencSize}
	s.FrameVdencOffset = params.Align(s.FramePakOffset+pakSize, PageSize)
	s.FrameSize = params.Align(s.FrameVdencOffset+vdencSize*numTiles, PageSize)
	s.TileVdencOffset = params.Align(s.TilePakOffset+pakSize*numTiles, PageSize)
	s.TileSize = params.Align(s.TileVdencOffset+vdencSize*numTiles, PageSize)
	s.TileRecordSize = CachelineSize * numTiles
	return s
}
