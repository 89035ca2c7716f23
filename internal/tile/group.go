package tile

import (
	"fmt"

	"github.com/deepteams/av1ctl/internal/bitio"
	"github.com/deepteams/av1ctl/internal/params"
)

const (
	obuTileGroup = 4
	// obuSizeBytes is the fixed LEB128 width of the size placeholder.
	obuSizeBytes = 4
)

// Group is one tile group and, once written, its header bytes.
type Group struct {
	ID         int
	Start, End int

	// Header is nil when the frame carries no tile group header.
	Header []byte
	// SizeOffset locates the obu_size placeholder in Header, or -1 when
	// the header has no OBU framing.
	SizeOffset int
	// PayloadHeaderSize counts the header bytes after the OBU framing;
	// they belong to the OBU payload.
	PayloadHeaderSize int
}

// NumTiles returns the tiles in the group.
func (g *Group) NumTiles() int { return g.End - g.Start + 1 }

// SetGroups replaces the layout's tile groups. Groups must be ordered,
// contiguous and cover every tile; an empty list means one group.
func (l *Layout) SetGroups(groups []params.TileGroup) error {
	n := len(l.Tiles)
	if len(groups) == 0 {
		l.Groups = []Group{singleGroup(n)}
		l.markGroups()
		return nil
	}
	next := 0
	out := make([]Group, len(groups))
	for i, g := range groups {
		if g.Start != next || g.End < g.Start || g.End >= n {
			return params.At("tile group", i, fmt.Errorf("%w: tiles %d-%d, expected start %d of %d",
				ErrInvalidTileGeometry, g.Start, g.End, next, n))
		}
		out[i] = Group{ID: i, Start: g.Start, End: g.End, SizeOffset: -1}
		next = g.End + 1
	}
	if next != n {
		return fmt.Errorf("%w: tile groups cover %d of %d tiles", ErrInvalidTileGeometry, next, n)
	}
	l.Groups = out
	l.markGroups()
	return nil
}

func singleGroup(numTiles int) Group {
	return Group{ID: 0, Start: 0, End: numTiles - 1, SizeOffset: -1}
}

func (l *Layout) markGroups() {
	for gi := range l.Groups {
		g := &l.Groups[gi]
		for i := g.Start; i <= g.End; i++ {
			d := &l.Tiles[i]
			d.GroupID = g.ID
			d.TileInGroup = i - g.Start
			d.FirstOfGroup = i == g.Start
			d.LastOfGroup = i == g.End
			d.HeaderPresent = d.FirstOfGroup
		}
	}
}

// HeaderOptions controls tile group OBU framing.
type HeaderOptions struct {
	// FrameOBU frames carry the tile group inside the frame OBU, so the
	// group header has no OBU header or size of its own.
	FrameOBU   bool
	Extension  bool
	TemporalID int
	SpatialID  int
}

// WriteHeaders writes the header of every tile group. A single-tile frame
// carried in a frame OBU has no header at all.
func (l *Layout) WriteHeaders(opts HeaderOptions) error {
	if opts.FrameOBU && len(l.Tiles) == 1 {
		for i := range l.Groups {
			l.Groups[i].Header = nil
			l.Groups[i].SizeOffset = -1
			l.Groups[i].PayloadHeaderSize = 0
		}
		return nil
	}
	for i := range l.Groups {
		if err := l.writeHeader(&l.Groups[i], opts); err != nil {
			return params.At("tile group", i, err)
		}
	}
	return nil
}

func (l *Layout) writeHeader(g *Group, opts HeaderOptions) error {
	w := bitio.NewWriter(16)
	g.SizeOffset = -1
	if !opts.FrameOBU {
		w.WriteBit(false) // forbidden
		w.WriteBits(obuTileGroup, 4)
		w.WriteBit(opts.Extension)
		w.WriteBit(true) // has_size_field
		w.WriteBit(false)
		if opts.Extension {
			w.WriteBits(uint32(opts.TemporalID), 3)
			w.WriteBits(uint32(opts.SpatialID), 2)
			w.WriteBits(0, 3)
		}
		g.SizeOffset = w.NumBytes()
		placeholder, err := bitio.AppendFixedLEB128(nil, 0, obuSizeBytes)
		if err != nil {
			return err
		}
		w.WriteBytes(placeholder)
	}

	payloadStart := w.BitsWritten()
	if len(l.Tiles) > 1 {
		present := len(l.Groups) > 1
		w.WriteBit(present)
		if present {
			bits := CeilLog2(len(l.RowHeights)) + CeilLog2(len(l.ColWidths))
			w.WriteBits(uint32(g.Start), bits)
			w.WriteBits(uint32(g.End), bits)
		}
	}
	w.ByteAlign()
	if err := w.Err(); err != nil {
		return err
	}
	g.PayloadHeaderSize = (w.BitsWritten() - payloadStart) / 8
	g.Header = append([]byte(nil), w.Finish()...)
	return nil
}

// PatchSize writes the group's obu_size once tileBytes of tile data
// follow the header.
func (g *Group) PatchSize(tileBytes int) error {
	if g.SizeOffset < 0 {
		return nil
	}
	return PatchOBUSize(g.Header, g.SizeOffset, uint64(g.PayloadHeaderSize+tileBytes))
}

// PatchOBUSize rewrites the fixed-width size placeholder at offset in hdr.
func PatchOBUSize(hdr []byte, offset int, size uint64) error {
	if offset < 0 || offset+obuSizeBytes > len(hdr) {
		return fmt.Errorf("tile: obu size offset %d outside %d byte header", offset, len(hdr))
	}
	return bitio.PutFixedLEB128(hdr[offset:offset+obuSizeBytes], size)
}
