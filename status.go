package av1ctl

import (
	"fmt"

	"github.com/google/uuid"

	"github.com/deepteams/av1ctl/internal/hw"
	"github.com/deepteams/av1ctl/internal/tile"
)

// StatusCode is the outcome of one executed frame.
type StatusCode int

const (
	StatusSuccess StatusCode = iota
	// StatusIncomplete means at least one tile did not finish.
	StatusIncomplete
	// StatusError covers every other failure after execution, including
	// bitstream overflow.
	StatusError
)

func (c StatusCode) String() string {
	switch c {
	case StatusSuccess:
		return "success"
	case StatusIncomplete:
		return "incomplete"
	case StatusError:
		return "error"
	}
	return fmt.Sprintf("StatusCode(%d)", int(c))
}

// Status is the completion record of one frame.
type Status struct {
	Session uuid.UUID
	Frame   int
	Code    StatusCode

	// BitstreamSize and AverageQP are set only for StatusSuccess.
	BitstreamSize  int
	TilesCompleted int
	AverageQP      float64
	TileSizes      []int

	// Stitched reports that Complete repacked the bitstream in software.
	Stitched bool
	// Fullness is the rate-control buffer fullness after the frame, in
	// bits. It is zero when rate control is off.
	Fullness int64

	Err error
}

// OK reports whether the frame completed.
func (s *Status) OK() bool {
	return s.Code == StatusSuccess
}

// FrameBuffers are the session buffers one frame uses. They are reused
// across frames and grow when a frame needs more.
type FrameBuffers struct {
	StreamIn       hw.Buffer
	TileStatistics hw.Buffer
	// TileSizeRecord holds one cacheline per tile; the first dword of
	// each is the tile's coded size. Complete reads it back.
	TileSizeRecord hw.Buffer
	// Bitstream is the session bitstream buffer. The software stitch
	// repacks it when the execution result carries no bitstream.
	Bitstream hw.Buffer
}

// FramePlan is everything ProcessFrame computed for one frame before
// hardware execution.
type FramePlan struct {
	Session uuid.UUID
	// Frame counts the frames the session has planned, from 0.
	Frame         int
	Width, Height int
	Picture       Picture

	Refs         *FrameRefs
	RateInit     *InitRecord
	RateUpdate   *UpdateRecord
	Segmentation *Segments
	// StreamIn is nil when the session runs without stream-in.
	StreamIn *Guidance
	Layout   *TileLayout
	Stats    tile.StatsLayout
	Stitch   tile.StitchParams

	Slot    SlotBuffers
	Buffers FrameBuffers

	completed bool
}

// ExecutionResult is what the hardware produced for a planned frame.
type ExecutionResult struct {
	// Tiles holds one result per tile, in tile raster order. A tile whose
	// entry in the tile-size record is non-zero takes its size from there.
	// Tiles may be empty when the record carries every size.
	Tiles []TileResult
	// Bitstream is the shared bitstream buffer with every tile at its
	// reserved offset. It is repacked in place by the software stitch.
	// When nil the session bitstream buffer is stitched instead.
	Bitstream []byte
	// PipeStatistics holds each pipe's PAK statistics. When set together
	// with Statistics, Complete gathers them into Statistics.
	PipeStatistics [][]byte
	Statistics     []byte
}
