package tile

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"

	"golang.org/x/sync/errgroup"

	"github.com/deepteams/av1ctl/internal/params"
	"github.com/deepteams/av1ctl/internal/pool"
)

var (
	ErrIncompleteTile    = errors.New("tile: incomplete tile")
	ErrBitstreamOverflow = errors.New("tile: bitstream overflow")
	ErrStatisticsSize    = errors.New("tile: statistics region size mismatch")
	ErrSizeRecord        = errors.New("tile: tile-size record too short")
)

// StitchMode selects how multi-pipe output is merged.
type StitchMode int

const (
	StitchHardware StitchMode = iota
	StitchSoftware
)

func (m StitchMode) String() string {
	switch m {
	case StitchHardware:
		return "hardware"
	case StitchSoftware:
		return "software"
	}
	return fmt.Sprintf("StitchMode(%d)", int(m))
}

// PipeAssignment is the tile range one hardware pipe encodes.
type PipeAssignment struct {
	Pipe      int
	FirstTile int
	NumTiles  int
	// RecordOffset is the pipe's byte offset in the tile-size record.
	RecordOffset int
	// StatsOffset is the pipe's byte offset in the tile statistics buffer.
	StatsOffset int
}

// StitchParams configures the stitch step of one frame.
type StitchParams struct {
	Enabled bool
	Mode    StitchMode
	Pipes   []PipeAssignment

	// CmdTotalSize and CmdOffset locate the tile sizes the stitch
	// command reads from the tile-size record.
	CmdTotalSize  int
	CmdOffset     int
	LastTileStart int
}

// PlanStitch assigns tiles to pipes and fills the stitch parameters.
// Tiles that do not divide evenly go to pipe 0.
func PlanStitch(l *Layout, pipes int, mode StitchMode, stats StatsLayout) StitchParams {
	n := len(l.Tiles)
	pipes = params.Clamp(pipes, 1, n)
	sp := StitchParams{
		Enabled:      pipes > 1,
		Mode:         mode,
		Pipes:        make([]PipeAssignment, pipes),
		CmdTotalSize: n * CachelineSize,
		CmdOffset:    (n-1)*CachelineSize + 8,
	}
	base, extra := n/pipes, n%pipes
	first := 0
	for p := range sp.Pipes {
		count := base
		if p == 0 {
			count += extra
		}
		sp.Pipes[p] = PipeAssignment{
			Pipe:         p,
			FirstTile:    first,
			NumTiles:     count,
			RecordOffset: first * CachelineSize,
			StatsOffset:  first * stats.PakSize,
		}
		first += count
	}
	sp.LastTileStart = l.Tiles[n-1].BitstreamByteOffset
	return sp
}

// TileResult is what the hardware reports for one tile.
type TileResult struct {
	Size int
	QP   int
}

// Status is the outcome of one stitched frame.
type Status struct {
	// Complete is set only when every tile finished; BitstreamSize and
	// AverageQP are meaningful only then.
	Complete       bool
	TilesCompleted int
	BitstreamSize  int
	AverageQP      float64
	TileSizes      []int
}

// Collect checks the per-tile results against the layout. A tile that
// reports no bytes did not finish and yields ErrIncompleteTile; a total
// beyond bufferSize yields ErrBitstreamOverflow. The returned Status is
// non-nil in both cases.
func Collect(l *Layout, results []TileResult, bufferSize int) (*Status, error) {
	st := &Status{TileSizes: make([]int, len(l.Tiles))}
	if len(results) != len(l.Tiles) {
		return st, fmt.Errorf("%w: %d results for %d tiles", ErrIncompleteTile, len(results), len(l.Tiles))
	}
	firstMissing := -1
	total, weighted := 0, 0
	for i, r := range results {
		st.TileSizes[i] = r.Size
		if r.Size <= 0 {
			if firstMissing < 0 {
				firstMissing = i
			}
			continue
		}
		st.TilesCompleted++
		total += r.Size
		weighted += r.QP * l.Tiles[i].NumSB
	}
	if firstMissing >= 0 {
		return st, params.At("tile", firstMissing, ErrIncompleteTile)
	}
	if total > bufferSize {
		return st, fmt.Errorf("%w: %d bytes in a %d byte buffer", ErrBitstreamOverflow, total, bufferSize)
	}
	st.Complete = true
	st.BitstreamSize = total
	st.AverageQP = float64(weighted) / float64(l.TotalSB())
	return st, nil
}

// sizeRecordOffset returns the byte offset of the tile's tile-size record
// entry. An entry is one cacheline; its first dword is the tile's coded
// size in bytes, little-endian.
func sizeRecordOffset(d *Descriptor) int {
	return d.TileSizeStreamoutOffset * CachelineSize
}

// PutTileSize writes size into tile i's entry of the tile-size record rec.
func PutTileSize(l *Layout, rec []byte, i, size int) error {
	if i < 0 || i >= len(l.Tiles) {
		return params.At("tile", i, ErrSizeRecord)
	}
	off := sizeRecordOffset(&l.Tiles[i])
	if off+4 > len(rec) {
		return params.At("tile", i, fmt.Errorf("%w: %d bytes", ErrSizeRecord, len(rec)))
	}
	binary.LittleEndian.PutUint32(rec[off:], uint32(size))
	return nil
}

// ReadSizeRecord merges the tile-size record rec into results. A non-zero
// entry replaces the size in results; a zero entry leaves it. When results
// is empty one result per tile is built from the record alone, with a zero
// QP. Results of the wrong length are returned as is for Collect to reject.
func ReadSizeRecord(l *Layout, rec []byte, results []TileResult) ([]TileResult, error) {
	n := len(l.Tiles)
	if len(results) != 0 && len(results) != n {
		return results, nil
	}
	if need := sizeRecordOffset(&l.Tiles[n-1]) + 4; len(rec) < need {
		return nil, fmt.Errorf("%w: %d bytes, want %d", ErrSizeRecord, len(rec), need)
	}
	out := make([]TileResult, n)
	copy(out, results)
	for i := range l.Tiles {
		off := sizeRecordOffset(&l.Tiles[i])
		if sz := binary.LittleEndian.Uint32(rec[off:]); sz != 0 {
			out[i].Size = int(sz)
		}
	}
	return out, nil
}

// SoftwareStitch packs the tiles of bs, written at their reserved
// offsets, into one contiguous run at the start of bs and zeroes the
// rest. sizes are the true tile lengths. Each pipe's tiles are copied
// concurrently. It returns the packed size.
func SoftwareStitch(ctx context.Context, l *Layout, sp StitchParams, bs []byte, sizes []int) (int, error) {
	if len(sizes) != len(l.Tiles) {
		return 0, fmt.Errorf("%w: %d sizes for %d tiles", ErrIncompleteTile, len(sizes), len(l.Tiles))
	}
	dst := make([]int, len(sizes))
	total := 0
	for i, sz := range sizes {
		if sz <= 0 {
			return 0, params.At("tile", i, ErrIncompleteTile)
		}
		start := l.Tiles[i].BitstreamByteOffset
		end := len(bs)
		if i+1 < len(l.Tiles) {
			end = l.Tiles[i+1].BitstreamByteOffset
		}
		if start+sz > end || start+sz > len(bs) {
			return 0, params.At("tile", i, fmt.Errorf("%w: %d bytes past its reservation", ErrBitstreamOverflow, start+sz-end))
		}
		dst[i] = total
		total += sz
	}

	scratch := pool.Get(total)
	defer pool.Put(scratch)

	pipes := sp.Pipes
	if len(pipes) == 0 {
		pipes = []PipeAssignment{{NumTiles: len(l.Tiles)}}
	}
	g, ctx := errgroup.WithContext(ctx)
	for _, p := range pipes {
		g.Go(func() error {
			for i := p.FirstTile; i < p.FirstTile+p.NumTiles; i++ {
				if err := ctx.Err(); err != nil {
					return err
				}
				src := l.Tiles[i].BitstreamByteOffset
				copy(scratch[dst[i]:dst[i]+sizes[i]], bs[src:src+sizes[i]])
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return 0, err
	}
	copy(bs, scratch)
	clear(bs[total:])
	return total, nil
}

// GatherStatistics copies each pipe's statistics region into the frame
// statistics buffer at the pipe's offset. regions[p] must hold exactly
// the PAK statistics of pipe p's tiles.
func GatherStatistics(ctx context.Context, sp StitchParams, stats StatsLayout, dst []byte, regions [][]byte) error {
	if len(regions) != len(sp.Pipes) {
		return fmt.Errorf("%w: %d regions for %d pipes", ErrStatisticsSize, len(regions), len(sp.Pipes))
	}
	for i, p := range sp.Pipes {
		want := p.NumTiles * stats.PakSize
		if len(regions[i]) != want {
			return params.At("pipe", i, fmt.Errorf("%w: %d bytes, want %d", ErrStatisticsSize, len(regions[i]), want))
		}
		if p.StatsOffset+want > len(dst) {
			return params.At("pipe", i, fmt.Errorf("%w: destination holds %d bytes", ErrStatisticsSize, len(dst)))
		}
	}

	g, ctx := errgroup.WithContext(ctx)
	for i, p := range sp.Pipes {
		g.Go(func() error {
			if err := ctx.Err(); err != nil {
				return err
			}
			copy(dst[p.StatsOffset:], regions[i])
			return nil
		})
	}
	return g.Wait()
}
