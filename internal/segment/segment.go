// Package segment resolves the per-frame segmentation state: segment
// quantizers, lossless legality and where the segment id map comes from.
package segment

import (
	"errors"
	"fmt"
	"log/slog"

	"github.com/deepteams/av1ctl/internal/params"
)

var (
	ErrInvalidSegmentationParameters  = errors.New("segment: invalid segmentation parameters")
	ErrTemporalUpdateWithoutMapUpdate = errors.New("segment: temporal update requested without map update")
	ErrSegmentationMapTooSmall        = errors.New("segment: segmentation map too small")
)

// BlockSize is the edge of one guidance block; resolved maps carry one id
// per BlockSize block.
const BlockSize = 32

// DefaultMapBlockSize applies when the picture does not name one.
const DefaultMapBlockSize = 16

// Provenance says where the frame's segment map came from.
type Provenance int

const (
	ProvenanceNone Provenance = iota
	// ProvenanceFresh is a map supplied with this frame.
	ProvenanceFresh
	// ProvenanceTemporal is a supplied map coded as a prediction from the
	// primary reference's map.
	ProvenanceTemporal
	// ProvenanceInherited reuses the primary reference's map.
	ProvenanceInherited
	// ProvenanceUniform is the all-zero map used when inheritance fails.
	ProvenanceUniform
)

func (p Provenance) String() string {
	switch p {
	case ProvenanceNone:
		return "none"
	case ProvenanceFresh:
		return "fresh"
	case ProvenanceTemporal:
		return "temporal"
	case ProvenanceInherited:
		return "inherited"
	case ProvenanceUniform:
		return "uniform"
	}
	return fmt.Sprintf("Provenance(%d)", int(p))
}

// Segment is the resolved state of one segment.
type Segment struct {
	QIndex   int
	Lossless bool
	Features params.SegmentFeatures
}

// Primary describes the map the primary reference can hand down.
type Primary struct {
	// Inheritable is set when the primary slot matches the frame's mode
	// info grid and was coded with segmentation.
	Inheritable bool
	Map         []byte
}

// Result is the segmentation state of one frame.
type Result struct {
	Enabled          bool
	NumSegments      int
	Segments         [params.MaxSegments]Segment
	HasZeroQPSegment bool
	Provenance       Provenance

	// Map holds one id per 32x32 block, MapCols by MapRows, row-major.
	Map              []byte
	MapCols, MapRows int
	// PredictionMap is the primary reference's map for temporal updates.
	PredictionMap []byte
}

// MapDims returns the 32x32 block grid of a frame, covering whole
// superblocks.
func MapDims(width, height int) (cols, rows int) {
	return params.Align(width, params.SuperblockSize) / BlockSize,
		params.Align(height, params.SuperblockSize) / BlockSize
}

// Manager resolves segmentation per frame. It holds no frame state.
type Manager struct {
	log *slog.Logger
}

// NewManager returns a Manager logging to log, or slog.Default when nil.
func NewManager(log *slog.Logger) *Manager {
	if log == nil {
		log = slog.Default()
	}
	return &Manager{log: log}
}

// Setup validates pic's segmentation and resolves its map for a frame of
// width by height pixels.
func (m *Manager) Setup(pic *params.Picture, width, height int, primary Primary) (*Result, error) {
	seg := &pic.Segmentation
	if !seg.Enabled {
		return &Result{}, nil
	}
	if pic.Lossless() {
		return nil, fmt.Errorf("%w: segmentation on a lossless frame", ErrInvalidSegmentationParameters)
	}
	if seg.NumSegments < 1 || seg.NumSegments > params.MaxSegments {
		return nil, params.At("segment count", seg.NumSegments, ErrInvalidSegmentationParameters)
	}

	r := &Result{Enabled: true, NumSegments: seg.NumSegments}
	for i := 0; i < seg.NumSegments; i++ {
		f := seg.Features[i]
		q := pic.BaseQIndex
		if f.AltQ {
			q += f.QIndexDelta
		}
		q = params.Clamp(q, 0, params.MaxQIndex)
		if f.AltRef && (f.RefFrame < params.RoleIntra || f.RefFrame > params.RoleAlt) {
			return nil, params.At("segment", i, ErrInvalidSegmentationParameters)
		}
		r.Segments[i] = Segment{QIndex: q, Features: f}
		if q != 0 {
			continue
		}
		r.HasZeroQPSegment = true
		if pic.DeltasZero() {
			return nil, params.At("segment", i, fmt.Errorf("%w: lossless segment", ErrInvalidSegmentationParameters))
		}
	}

	if seg.TemporalUpdate && !seg.UpdateMap {
		return nil, ErrTemporalUpdateWithoutMapUpdate
	}
	r.MapCols, r.MapRows = MapDims(width, height)

	if !seg.UpdateMap {
		if primary.Inheritable && len(primary.Map) == r.MapCols*r.MapRows {
			r.Provenance = ProvenanceInherited
			r.Map = m.inherit(primary.Map, seg.NumSegments)
			return r, nil
		}
		m.log.Debug("segment: primary map unusable, using uniform map",
			"inheritable", primary.Inheritable, "len", len(primary.Map))
		r.Provenance = ProvenanceUniform
		r.Map = make([]byte, r.MapCols*r.MapRows)
		return r, nil
	}

	var err error
	r.Map, err = Rescale(seg.Map, seg.MapBlockSize, seg.NumSegments, width, height)
	if err != nil {
		return nil, err
	}
	r.Provenance = ProvenanceFresh
	if seg.TemporalUpdate {
		if primary.Inheritable && len(primary.Map) == len(r.Map) {
			r.Provenance = ProvenanceTemporal
			r.PredictionMap = m.inherit(primary.Map, seg.NumSegments)
		} else {
			m.log.Debug("segment: no primary map to predict from, coding map fresh")
		}
	}
	return r, nil
}

// inherit copies a primary reference's map, clamping ids the frame's
// segment count cannot address to its last segment.
func (m *Manager) inherit(src []byte, numSegments int) []byte {
	out := make([]byte, len(src))
	last := byte(numSegments - 1)
	clamped := 0
	for i, id := range src {
		if id > last {
			id = last
			clamped++
		}
		out[i] = id
	}
	if clamped > 0 {
		m.log.Debug("segment: clamped inherited segment ids", "blocks", clamped, "segments", numSegments)
	}
	return out
}

// Rescale converts a map of one id per blockSize block into the 32x32
// guidance grid by sampling each block's origin. Blocks past the frame
// edge repeat the last column or row.
func Rescale(src []byte, blockSize, numSegments, width, height int) ([]byte, error) {
	if blockSize == 0 {
		blockSize = DefaultMapBlockSize
	}
	switch blockSize {
	case 8, 16, 32, 64:
	default:
		return nil, fmt.Errorf("%w: map block size %d", ErrInvalidSegmentationParameters, blockSize)
	}
	srcCols := params.CeilDiv(width, blockSize)
	srcRows := params.CeilDiv(height, blockSize)
	if need := srcCols * srcRows; len(src) < need {
		return nil, fmt.Errorf("%w: %d bytes, need %d", ErrSegmentationMapTooSmall, len(src), need)
	}
	for i, id := range src[:srcCols*srcRows] {
		if int(id) >= numSegments {
			return nil, params.At("map block", i, ErrInvalidSegmentationParameters)
		}
	}

	cols, rows := MapDims(width, height)
	out := make([]byte, cols*rows)
	for by := 0; by < rows; by++ {
		sy := min(by*BlockSize/blockSize, srcRows-1)
		for bx := 0; bx < cols; bx++ {
			sx := min(bx*BlockSize/blockSize, srcCols-1)
			out[by*cols+bx] = src[sy*srcCols+sx]
		}
	}
	return out, nil
}
