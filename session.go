package av1ctl

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/google/uuid"
	"github.com/hashicorp/go-multierror"

	"github.com/deepteams/av1ctl/internal/brc"
	"github.com/deepteams/av1ctl/internal/hw"
	"github.com/deepteams/av1ctl/internal/metrics"
	"github.com/deepteams/av1ctl/internal/params"
	"github.com/deepteams/av1ctl/internal/refs"
	"github.com/deepteams/av1ctl/internal/segment"
	"github.com/deepteams/av1ctl/internal/streamin"
	"github.com/deepteams/av1ctl/internal/tile"
)

const (
	// cdfTableBytes bounds one set of AV1 CDF tables.
	cdfTableBytes = 22 * 1024
	// mvBytesPerSB is the temporal motion-vector storage of a 64x64
	// superblock.
	mvBytesPerSB = 4 * 64
	// pakStatsBytes and vdencStatsBytes are the per-tile statistics sizes.
	pakStatsBytes   = 8 * 64
	vdencStatsBytes = 16 * 64
	// maxTileLog2 is log2 of the 64 tile columns or rows AV1 allows.
	maxTileLog2 = 6
)

// Session is the control plane of one encode session. Frames are planned
// with ProcessFrame in submission order, executed by the caller and then
// handed back to Complete. A Session is safe for concurrent use; calls are
// serialised.
type Session struct {
	mu     sync.Mutex
	id     uuid.UUID
	cfg    SessionConfig
	res    resolved
	log    *slog.Logger
	m      *metrics.Metrics
	alloc  hw.Allocator
	setter ParamSetter

	refs     *refs.Manager
	brc      *brc.Controller
	segments *segment.Manager
	streamin *streamin.Builder

	buffers FrameBuffers
	frames  int
	newSeq  bool
	closed  bool
}

// New validates cfg and creates a session. cfg is copied.
func New(cfg *SessionConfig) (*Session, error) {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	s := &Session{
		id:     uuid.New(),
		cfg:    *cfg,
		res:    cfg.resolve(),
		alloc:  cfg.Allocator,
		setter: cfg.Setter,
		newSeq: true,
	}
	log := cfg.Logger
	if log == nil {
		log = slog.Default()
	}
	s.log = log.With("session", s.id.String())
	if s.alloc == nil {
		s.alloc = hw.NewMemoryAllocator()
	}
	if s.setter == nil {
		s.setter = NopParamSetter{}
	}
	s.m = metrics.New(cfg.Registerer, cfg.MetricsNamespace, s.id.String())
	s.refs = refs.NewManager(s.res.concealment, s.log)
	s.brc = brc.New(s.res.passes, s.log)
	s.segments = segment.NewManager(s.log)
	s.streamin = streamin.NewBuilder(s.log)

	s.log.Info("session: created",
		"width", cfg.Sequence.Width, "height", cfg.Sequence.Height,
		"rate_control", cfg.Sequence.RateControl, "pipes", s.res.pipes,
		"passes", s.res.passes, "stitch", s.res.stitch)
	return s, nil
}

// ID returns the session identity carried in logs, metrics and status.
func (s *Session) ID() uuid.UUID { return s.id }

// Frames returns the number of frames planned so far.
func (s *Session) Frames() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.frames
}

// RateState returns a snapshot of the rate-control buffer model.
func (s *Session) RateState() RateState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.brc.State()
}

// UpdateSequence replaces the sequence record. The next frame starts a
// new sequence: rate control is initialised again.
func (s *Session) UpdateSequence(seq *Sequence) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrSessionClosed
	}
	cfg := s.cfg
	cfg.Sequence = *seq
	if err := cfg.Validate(); err != nil {
		return err
	}
	s.cfg = cfg
	s.res = cfg.resolve()
	s.newSeq = true
	s.log.Info("session: sequence updated", "width", seq.Width, "height", seq.Height,
		"rate_control", seq.RateControl)
	return nil
}

// Reset restarts the rate-control model; the next frame carries a reset
// init record. Modes without feedback cannot be reset.
func (s *Session) Reset() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrSessionClosed
	}
	if err := s.brc.RequestReset(); err != nil {
		return err
	}
	s.log.Info("session: rate control reset requested")
	return nil
}

// ProcessFrame computes the plan of the next frame. It runs the
// reference manager, the rate controller, the segmentation manager, the
// stream-in builder and the tile partitioner in that order, hands each
// record to the ParamSetter and aborts on the first error. ctx is checked
// between stages.
func (s *Session) ProcessFrame(ctx context.Context, pic *Picture) (*FramePlan, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, ErrSessionClosed
	}
	frame := s.frames
	plan, stage, err := s.plan(ctx, frame, pic)
	if err != nil {
		s.m.FrameFailed(string(stage))
		s.log.Warn("session: frame aborted", "frame", frame, "stage", stage, "err", err)
		return nil, &FrameError{Stage: stage, Frame: frame, Err: err}
	}
	s.frames++
	s.m.FramePlanned(plan.Refs.PictureType.String(), plan.Layout.NumTiles(), plan.Refs.Concealed)
	s.log.Debug("session: frame planned",
		"frame", frame, "type", plan.Refs.PictureType, "slot", pic.FrameIdx,
		"tiles", plan.Layout.NumTiles(), "low_delay", plan.Refs.LowDelay)
	return plan, nil
}

func (s *Session) plan(ctx context.Context, frame int, pic *Picture) (_ *FramePlan, _ Stage, err error) {
	if err := s.checkPicture(pic); err != nil {
		return nil, StageValidate, err
	}
	seq := &s.cfg.Sequence
	p := &FramePlan{
		Session: s.id,
		Frame:   frame,
		Width:   pic.Width,
		Height:  pic.Height,
		Picture: *pic,
	}
	if p.Width == 0 || p.Height == 0 {
		p.Width, p.Height = seq.Width, seq.Height
	}

	layout, err := s.partition(p)
	if err != nil {
		return nil, StageTile, err
	}
	p.Layout = layout

	if err := ctx.Err(); err != nil {
		return nil, StageRefs, err
	}
	// The frame enters the reference pool only once every stage below has
	// succeeded. Buffers allocated on the way are released on failure.
	fr, err := s.refs.Resolve(seq, &p.Picture)
	if err != nil {
		return nil, StageRefs, err
	}
	p.Refs = fr
	var fresh []hw.Buffer
	defer func() {
		if err != nil {
			for _, b := range fresh {
				s.release(b)
			}
		}
	}()
	if p.Slot, err = s.slotBuffers(s.refs.Pool().Slot(pic.FrameIdx), p, &fresh); err != nil {
		return nil, StageRefs, err
	}
	if err := s.setter.SetReferences(frame, fr); err != nil {
		return nil, StageSetter, err
	}

	if err := ctx.Err(); err != nil {
		return nil, StageBRC, err
	}
	if stage, err := s.rateControl(p); err != nil {
		return nil, stage, err
	}

	if err := ctx.Err(); err != nil {
		return nil, StageSegment, err
	}
	if stage, err := s.segmentation(p, &fresh); err != nil {
		return nil, stage, err
	}

	if s.cfg.EnableStreamIn {
		if err := ctx.Err(); err != nil {
			return nil, StageStreamIn, err
		}
		p.StreamIn, err = s.streamin.Build(&streamin.Input{
			Width:            p.Width,
			Height:           p.Height,
			TargetUsage:      seq.TargetUsage,
			Intra:            fr.Intra(),
			KeyFrame:         pic.FrameType == params.KeyFrame,
			IntraWorkaround:  s.cfg.WorkaroundIntraStreamIn,
			TileColumnWidths: layout.ColWidths,
			TileRowHeights:   layout.RowHeights,
			Segmentation:     p.Segmentation,
			UpdateMap:        pic.Segmentation.UpdateMap,
			TemporalUpdate:   pic.Segmentation.TemporalUpdate,
		})
		if err != nil {
			return nil, StageStreamIn, err
		}
		if s.buffers.StreamIn, err = s.ensure(s.buffers.StreamIn, hw.RoleStreamIn, p.StreamIn.Bytes()); err != nil {
			return nil, StageStreamIn, err
		}
		if err := s.setter.SetStreamIn(frame, p.StreamIn); err != nil {
			return nil, StageSetter, err
		}
	}

	if err := ctx.Err(); err != nil {
		return nil, StageTile, err
	}
	if err := layout.WriteHeaders(tile.HeaderOptions{
		FrameOBU:   pic.FrameOBU,
		Extension:  pic.ObuExtension,
		TemporalID: pic.TemporalID,
		SpatialID:  pic.SpatialID,
	}); err != nil {
		return nil, StageTile, err
	}
	p.Stats = tile.NewStatsLayout(layout.NumTiles(), pakStatsBytes, vdencStatsBytes)
	if s.buffers.TileStatistics, err = s.ensure(s.buffers.TileStatistics, hw.RoleTileStatistics, p.Stats.TileSize); err != nil {
		return nil, StageTile, err
	}
	if err := s.clearSizeRecord(p.Stats.TileRecordSize); err != nil {
		return nil, StageTile, err
	}
	if s.buffers.Bitstream, err = s.ensure(s.buffers.Bitstream, hw.RoleBitstream, layout.BitstreamSize); err != nil {
		return nil, StageTile, err
	}
	p.Buffers = s.buffers
	if err := s.setter.SetTiles(frame, layout, p.Stats); err != nil {
		return nil, StageSetter, err
	}

	p.Stitch = tile.PlanStitch(layout, s.res.pipes, s.res.stitch, p.Stats)
	if err := s.setter.SetStitch(frame, &p.Stitch); err != nil {
		return nil, StageSetter, err
	}

	old, err := s.refs.Commit(fr, p.Slot)
	if err != nil {
		return nil, StageRefs, err
	}
	old.Each(s.release)
	return p, "", nil
}

// segmentation resolves the frame's segment map against the primary
// reference and copies it into a new segment-map buffer.
func (s *Session) segmentation(p *FramePlan, fresh *[]hw.Buffer) (Stage, error) {
	fr := p.Refs
	primary := segment.Primary{Inheritable: fr.SegmentMapInheritable}
	if fr.SegmentMapInheritable {
		m, err := s.readBuffer(fr.InheritedSegmentMap)
		if err != nil {
			return StageSegment, err
		}
		primary.Map = m
	}
	var err error
	if p.Segmentation, err = s.segments.Setup(&p.Picture, p.Width, p.Height, primary); err != nil {
		return StageSegment, err
	}
	if p.Segmentation.Enabled && len(p.Segmentation.Map) > 0 {
		b, err := s.alloc.Allocate(hw.RoleSegmentMap, len(p.Segmentation.Map))
		if err != nil {
			return StageSegment, err
		}
		*fresh = append(*fresh, b)
		if err := s.writeBuffer(b, p.Segmentation.Map); err != nil {
			return StageSegment, err
		}
		p.Slot.SegmentMap = b
	}
	if err := s.setter.SetSegmentation(p.Frame, p.Segmentation); err != nil {
		return StageSetter, err
	}
	return "", nil
}

// readBuffer returns a copy of the contents of b.
func (s *Session) readBuffer(b hw.Buffer) ([]byte, error) {
	data, err := s.alloc.Lock(b, hw.LockRead)
	if err != nil {
		return nil, err
	}
	out := append([]byte(nil), data[:b.Size()]...)
	return out, s.alloc.Unlock(b)
}

// writeBuffer copies src to the start of b.
func (s *Session) writeBuffer(b hw.Buffer, src []byte) error {
	data, err := s.alloc.Lock(b, hw.LockWrite)
	if err != nil {
		return err
	}
	copy(data, src)
	return s.alloc.Unlock(b)
}

// clearSizeRecord makes sure the tile-size record holds size bytes and
// zeroes it, so entries the hardware does not write read as missing.
func (s *Session) clearSizeRecord(size int) error {
	var err error
	if s.buffers.TileSizeRecord, err = s.ensure(s.buffers.TileSizeRecord, hw.RoleTileSizeRecord, size); err != nil {
		return err
	}
	data, err := s.alloc.Lock(s.buffers.TileSizeRecord, hw.LockWrite)
	if err != nil {
		return err
	}
	clear(data)
	return s.alloc.Unlock(s.buffers.TileSizeRecord)
}

// checkPicture reports every field of pic that contradicts the session.
func (s *Session) checkPicture(pic *Picture) error {
	if pic == nil {
		return fmt.Errorf("%w: nil picture", ErrInvalidFrameParams)
	}
	var result *multierror.Error
	fail := func(format string, args ...any) {
		result = multierror.Append(result, fmt.Errorf("%w: "+format, append([]any{ErrInvalidFrameParams}, args...)...))
	}
	seq := &s.cfg.Sequence
	if pic.FrameType < params.KeyFrame || pic.FrameType > params.SwitchFrame {
		fail("frame type %d", int(pic.FrameType))
	}
	if pic.Width < 0 || pic.Height < 0 || pic.Width > seq.Width || pic.Height > seq.Height {
		fail("frame %dx%d in a %dx%d sequence", pic.Width, pic.Height, seq.Width, seq.Height)
	}
	if pic.BaseQIndex < 0 || pic.BaseQIndex > params.MaxQIndex {
		fail("base qindex %d", pic.BaseQIndex)
	}
	if pic.TileLog2Cols < 0 || pic.TileLog2Rows < 0 ||
		pic.TileLog2Cols > maxTileLog2 || pic.TileLog2Rows > maxTileLog2 {
		fail("tile log2 %dx%d outside [0, %d]", pic.TileLog2Cols, pic.TileLog2Rows, maxTileLog2)
	}
	if seq.EnableOrderHint && pic.OrderHint >= 1<<seq.OrderHintBits {
		fail("order hint %d exceeds %d bits", pic.OrderHint, seq.OrderHintBits)
	}
	return result.ErrorOrNil()
}

// partition builds the tile layout of the frame.
func (s *Session) partition(p *FramePlan) (*tile.Layout, error) {
	pic := &p.Picture
	cols, rows := pic.TileColumnWidths, pic.TileRowHeights
	if len(cols) == 0 && len(rows) == 0 && pic.UniformTiles {
		cols = tile.UniformSizes(params.CeilDiv(p.Width, params.SuperblockSize), pic.TileLog2Cols)
		rows = tile.UniformSizes(params.CeilDiv(p.Height, params.SuperblockSize), pic.TileLog2Rows)
	}
	l, err := tile.Partition(p.Width, p.Height, cols, rows, s.res.bitstreamSize)
	if err != nil {
		return nil, err
	}
	if err := l.SetGroups(pic.TileGroups); err != nil {
		return nil, err
	}
	return l, nil
}

// rateControl configures the controller for the frame and fills the
// init and first-pass update records.
func (s *Session) rateControl(p *FramePlan) (Stage, error) {
	if err := s.brc.Configure(&s.cfg.Sequence, s.newSeq, p.Width, p.Height); err != nil {
		return StageBRC, err
	}
	s.newSeq = false
	if init := s.brc.InitRecord(); init != nil {
		p.RateInit = init
		s.m.RateResets.Inc()
		if err := s.setter.SetRateControlInit(p.Frame, init); err != nil {
			return StageSetter, err
		}
	}
	if !s.brc.Enabled() {
		return "", nil
	}
	upd, err := s.brc.Update(s.frameInput(p, 0))
	if err != nil {
		return StageBRC, err
	}
	p.RateUpdate = upd
	if err := s.setter.SetRateControlUpdate(p.Frame, upd); err != nil {
		return StageSetter, err
	}
	return "", nil
}

func (s *Session) frameInput(p *FramePlan, pass int) *brc.FrameInput {
	return &brc.FrameInput{
		Picture:  &p.Picture,
		Intra:    p.Refs.Intra(),
		LowDelay: p.Refs.LowDelay,
		Pass:     pass,
		FrameNum: p.Frame,
		CDFBytes: cdfTableBytes,
	}
}

// slotBuffers returns the buffers the frame writes into its slot: the
// slot's own where their size still fits, new ones otherwise. New buffers
// are appended to fresh. The slot itself is not modified.
func (s *Session) slotBuffers(slot *refs.Slot, p *FramePlan, fresh *[]hw.Buffer) (SlotBuffers, error) {
	reuse := func(cur hw.Buffer, role hw.BufferRole, size int) (hw.Buffer, error) {
		if cur != nil && cur.Size() == size {
			return cur, nil
		}
		b, err := s.alloc.Allocate(role, size)
		if err != nil {
			return nil, err
		}
		*fresh = append(*fresh, b)
		return b, nil
	}
	var b SlotBuffers
	var err error
	if b.Recon, err = reuse(slot.Recon, hw.RoleReconstructed, rawFrameSize(p.Width, p.Height, s.cfg.Sequence.BitDepth)); err != nil {
		return SlotBuffers{}, err
	}
	if b.MotionVectors, err = reuse(slot.MotionVectors, hw.RoleMotionVectors, mvBytesPerSB*p.Layout.TotalSB()); err != nil {
		return SlotBuffers{}, err
	}
	if b.CDF, err = reuse(slot.CDF, hw.RoleCDF, params.Align(cdfTableBytes, tile.PageSize)); err != nil {
		return SlotBuffers{}, err
	}
	return b, nil
}

// release frees b, logging allocator failures.
func (s *Session) release(b hw.Buffer) {
	if err := s.alloc.Release(b); err != nil {
		s.log.Warn("session: buffer release failed", "role", b.Role(), "err", err)
	}
}

// ensure returns b when it holds size bytes and a new buffer otherwise.
func (s *Session) ensure(b hw.Buffer, role hw.BufferRole, size int) (hw.Buffer, error) {
	if b != nil && b.Size() >= size {
		return b, nil
	}
	if b != nil {
		if err := s.alloc.Release(b); err != nil {
			return nil, err
		}
	}
	return s.alloc.Allocate(role, size)
}

// UpdatePass returns the rate-control update record of a later PAK pass
// of plan. It returns nil when rate control is off.
func (s *Session) UpdatePass(ctx context.Context, plan *FramePlan, pass int) (*UpdateRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, ErrSessionClosed
	}
	if err := s.checkPlan(plan); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, &FrameError{Stage: StageBRC, Frame: plan.Frame, Err: err}
	}
	if !s.brc.Enabled() {
		return nil, nil
	}
	upd, err := s.brc.Update(s.frameInput(plan, pass))
	if err != nil {
		return nil, &FrameError{Stage: StageBRC, Frame: plan.Frame, Err: err}
	}
	if err := s.setter.SetRateControlUpdate(plan.Frame, upd); err != nil {
		return nil, &FrameError{Stage: StageSetter, Frame: plan.Frame, Err: err}
	}
	return upd, nil
}

func (s *Session) checkPlan(plan *FramePlan) error {
	if plan == nil || plan.Session != s.id {
		return fmt.Errorf("%w: plan of another session", ErrInvalidFrameParams)
	}
	if plan.completed {
		return fmt.Errorf("%w: frame %d already completed", ErrInvalidFrameParams, plan.Frame)
	}
	return nil
}

// Complete checks the hardware result of plan and folds the frame size
// back into rate control. With software stitching across several pipes
// the bitstream in res is repacked in place. Hardware failures return a
// Status carrying the same error.
func (s *Session) Complete(ctx context.Context, plan *FramePlan, res *ExecutionResult) (*Status, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, ErrSessionClosed
	}
	if err := s.checkPlan(plan); err != nil {
		return nil, err
	}
	if res == nil {
		res = &ExecutionResult{}
	}

	st := &Status{Session: s.id, Frame: plan.Frame}
	results, err := s.tileResults(plan, res.Tiles)
	if err != nil {
		return s.fail(plan, st, err)
	}
	ts, err := tile.Collect(plan.Layout, results, plan.Layout.BitstreamSize)
	st.TilesCompleted, st.TileSizes = ts.TilesCompleted, ts.TileSizes
	if err == nil {
		err = s.finish(ctx, plan, res, ts, st)
	}
	if err != nil {
		return s.fail(plan, st, err)
	}

	plan.completed = true
	s.brc.Complete(int64(st.BitstreamSize) * 8)
	if s.brc.Enabled() {
		st.Fullness = s.brc.State().HRDFullness
	}
	s.m.FrameCompleted(true, st.BitstreamSize, float64(st.Fullness))
	s.log.Debug("session: frame completed", "frame", plan.Frame,
		"bytes", st.BitstreamSize, "qp", st.AverageQP, "stitched", st.Stitched)
	return st, nil
}

// tileResults merges the tile-size record of plan into results.
func (s *Session) tileResults(plan *FramePlan, results []TileResult) ([]TileResult, error) {
	rec := plan.Buffers.TileSizeRecord
	if rec == nil {
		return results, nil
	}
	data, err := s.alloc.Lock(rec, hw.LockRead)
	if err != nil {
		return nil, err
	}
	out, err := tile.ReadSizeRecord(plan.Layout, data, results)
	if uerr := s.alloc.Unlock(rec); err == nil {
		err = uerr
	}
	return out, err
}

// finish stitches, gathers statistics and patches the tile group sizes of
// a frame whose tiles all completed.
func (s *Session) finish(ctx context.Context, plan *FramePlan, res *ExecutionResult, ts *tile.Status, st *Status) error {
	if plan.Stitch.Enabled && plan.Stitch.Mode == tile.StitchSoftware {
		stitched, err := s.stitch(ctx, plan, res.Bitstream, ts.TileSizes)
		if err != nil {
			return err
		}
		st.Stitched = stitched
	}
	if res.Statistics != nil && len(res.PipeStatistics) > 0 {
		if err := tile.GatherStatistics(ctx, plan.Stitch, plan.Stats, res.Statistics, res.PipeStatistics); err != nil {
			return err
		}
	}
	for i := range plan.Layout.Groups {
		g := &plan.Layout.Groups[i]
		n := 0
		for t := g.Start; t <= g.End; t++ {
			n += ts.TileSizes[t]
		}
		if err := g.PatchSize(n); err != nil {
			return params.At("tile group", i, err)
		}
	}
	st.Code = StatusSuccess
	st.BitstreamSize = ts.BitstreamSize
	st.AverageQP = ts.AverageQP
	return nil
}

// stitch repacks bs, or the session bitstream buffer when bs is nil.
func (s *Session) stitch(ctx context.Context, plan *FramePlan, bs []byte, sizes []int) (bool, error) {
	if bs != nil {
		_, err := tile.SoftwareStitch(ctx, plan.Layout, plan.Stitch, bs, sizes)
		return err == nil, err
	}
	buf := plan.Buffers.Bitstream
	if buf == nil {
		return false, nil
	}
	data, err := s.alloc.Lock(buf, hw.LockWrite)
	if err != nil {
		return false, err
	}
	_, err = tile.SoftwareStitch(ctx, plan.Layout, plan.Stitch, data, sizes)
	if uerr := s.alloc.Unlock(buf); err == nil {
		err = uerr
	}
	return err == nil, err
}

func (s *Session) fail(plan *FramePlan, st *Status, err error) (*Status, error) {
	st.Code = StatusError
	if errors.Is(err, tile.ErrIncompleteTile) {
		st.Code = StatusIncomplete
	}
	st.Err = &FrameError{Stage: StageStitch, Frame: plan.Frame, Err: err}
	s.m.FrameFailed(string(StageStitch))
	s.m.FrameCompleted(false, 0, 0)
	s.log.Warn("session: frame not completed", "frame", plan.Frame,
		"code", st.Code, "tiles_completed", st.TilesCompleted, "err", err)
	return st, st.Err
}

// Close releases every buffer the session allocated. Later calls return
// ErrSessionClosed.
func (s *Session) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrSessionClosed
	}
	s.closed = true

	var result *multierror.Error
	release := func(b hw.Buffer) {
		if b == nil {
			return
		}
		if err := s.alloc.Release(b); err != nil {
			result = multierror.Append(result, err)
		}
	}
	s.refs.Pool().Each(func(slot *refs.Slot) {
		slot.Buffers.Each(release)
	})
	release(s.buffers.StreamIn)
	release(s.buffers.TileStatistics)
	release(s.buffers.TileSizeRecord)
	release(s.buffers.Bitstream)
	s.buffers = FrameBuffers{}
	s.refs.Reset()
	s.log.Info("session: closed", "frames", s.frames)
	return result.ErrorOrNil()
}
