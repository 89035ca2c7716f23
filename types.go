package av1ctl

import (
	"github.com/deepteams/av1ctl/internal/brc"
	"github.com/deepteams/av1ctl/internal/hw"
	"github.com/deepteams/av1ctl/internal/params"
	"github.com/deepteams/av1ctl/internal/refs"
	"github.com/deepteams/av1ctl/internal/segment"
	"github.com/deepteams/av1ctl/internal/streamin"
	"github.com/deepteams/av1ctl/internal/tile"
)

// Parameter records.
type (
	Sequence        = params.Sequence
	Picture         = params.Picture
	DPBEntry        = params.DPBEntry
	RefCtrl         = params.RefCtrl
	Segmentation    = params.Segmentation
	SegmentFeatures = params.SegmentFeatures
	TileGroup       = params.TileGroup
	FrameType       = params.FrameType
	RefRole         = params.RefRole
	RateControl     = params.RateControl
)

// Per-frame results of the components.
type (
	FrameRefs    = refs.FrameRefs
	InitRecord   = brc.InitRecord
	UpdateRecord = brc.UpdateRecord
	RateState    = brc.State
	Segments     = segment.Result
	Guidance     = streamin.Guidance
	TileLayout   = tile.Layout
	StitchParams = tile.StitchParams
	StatsLayout  = tile.StatsLayout
	TileResult   = tile.TileResult
)

// Buffer allocation boundary.
type (
	// SlotBuffers are the buffers of the reference slot a frame writes.
	SlotBuffers = refs.Buffers
	Buffer      = hw.Buffer
	BufferRole  = hw.BufferRole
	Allocator   = hw.Allocator
)

const (
	KeyFrame       = params.KeyFrame
	InterFrame     = params.InterFrame
	IntraOnlyFrame = params.IntraOnlyFrame
	SwitchFrame    = params.SwitchFrame

	PrimaryRefNone = params.PrimaryRefNone
)

// NewMemoryAllocator returns an allocator backed by process memory.
func NewMemoryAllocator() *hw.MemoryAllocator {
	return hw.NewMemoryAllocator()
}

// ParamSetter receives the parameter records of each frame, one method per
// record type, in the order ProcessFrame computes them. An implementation
// translates the records into the command encoding of one hardware
// generation. A returned error aborts the frame.
type ParamSetter interface {
	SetReferences(frame int, r *refs.FrameRefs) error
	SetRateControlInit(frame int, r *brc.InitRecord) error
	SetRateControlUpdate(frame int, r *brc.UpdateRecord) error
	SetSegmentation(frame int, r *segment.Result) error
	SetStreamIn(frame int, g *streamin.Guidance) error
	SetTiles(frame int, l *tile.Layout, stats tile.StatsLayout) error
	SetStitch(frame int, sp *tile.StitchParams) error
}

// NopParamSetter discards every record.
type NopParamSetter struct{}

func (NopParamSetter) SetReferences(int, *refs.FrameRefs) error           { return nil }
func (NopParamSetter) SetRateControlInit(int, *brc.InitRecord) error      { return nil }
func (NopParamSetter) SetRateControlUpdate(int, *brc.UpdateRecord) error  { return nil }
func (NopParamSetter) SetSegmentation(int, *segment.Result) error         { return nil }
func (NopParamSetter) SetStreamIn(int, *streamin.Guidance) error          { return nil }
func (NopParamSetter) SetTiles(int, *tile.Layout, tile.StatsLayout) error { return nil }
func (NopParamSetter) SetStitch(int, *tile.StitchParams) error            { return nil }
