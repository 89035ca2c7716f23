package av1ctl

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"slices"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/deepteams/av1ctl/internal/brc"
	"github.com/deepteams/av1ctl/internal/hw"
	"github.com/deepteams/av1ctl/internal/params"
	"github.com/deepteams/av1ctl/internal/refs"
	"github.com/deepteams/av1ctl/internal/segment"
	"github.com/deepteams/av1ctl/internal/tile"
)

var errSetter = errors.New("setter failed")

// recorder is a ParamSetter that logs the records it receives. It fails
// the failOn record of every frame from failFrom on.
type recorder struct {
	calls    []string
	failOn   string
	failFrom int
}

func (r *recorder) call(frame int, name string) error {
	r.calls = append(r.calls, name)
	if name == r.failOn && frame >= r.failFrom {
		return errSetter
	}
	return nil
}

func (r *recorder) SetReferences(f int, _ *refs.FrameRefs) error          { return r.call(f, "refs") }
func (r *recorder) SetRateControlInit(f int, _ *brc.InitRecord) error     { return r.call(f, "rc-init") }
func (r *recorder) SetRateControlUpdate(f int, _ *brc.UpdateRecord) error { return r.call(f, "rc-update") }
func (r *recorder) SetSegmentation(f int, _ *segment.Result) error        { return r.call(f, "segment") }
func (r *recorder) SetStreamIn(f int, _ *Guidance) error                  { return r.call(f, "streamin") }
func (r *recorder) SetTiles(f int, _ *TileLayout, _ StatsLayout) error    { return r.call(f, "tiles") }
func (r *recorder) SetStitch(f int, _ *StitchParams) error                { return r.call(f, "stitch") }

// testConfig is a 256x128 CBR session: 4x2 superblocks.
func testConfig() *SessionConfig {
	cfg := DefaultConfig()
	cfg.Sequence.Width, cfg.Sequence.Height = 256, 128
	cfg.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	cfg.Registerer = prometheus.NewRegistry()
	return cfg
}

func newTestSession(t *testing.T, cfg *SessionConfig) *Session {
	t.Helper()
	s, err := New(cfg)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return s
}

func keyPic(idx int) *Picture {
	return &Picture{FrameType: KeyFrame, FrameIdx: idx, PrimaryRefFrame: PrimaryRefNone, BaseQIndex: 100}
}

// interPic references slot ref through LAST.
func interPic(idx int, oh uint32, ref int) *Picture {
	pic := &Picture{
		FrameType:       InterFrame,
		FrameIdx:        idx,
		OrderHint:       oh,
		PrimaryRefFrame: PrimaryRefNone,
		BaseQIndex:      100,
		RefCtrlL0:       RefCtrl{params.RoleLast},
	}
	pic.RefFrameList[0] = DPBEntry{FrameIdx: ref, Valid: true}
	return pic
}

func TestSession_KeyThenInter(t *testing.T) {
	cfg := testConfig()
	rec := &recorder{}
	alloc := hw.NewMemoryAllocator()
	cfg.Setter, cfg.Allocator = rec, alloc
	s := newTestSession(t, cfg)
	ctx := context.Background()

	plan, err := s.ProcessFrame(ctx, keyPic(0))
	if err != nil {
		t.Fatal(err)
	}
	want := []string{"refs", "rc-init", "rc-update", "segment", "streamin", "tiles", "stitch"}
	if !slices.Equal(rec.calls, want) {
		t.Errorf("setter calls = %v, want %v", rec.calls, want)
	}
	if plan.Refs.PictureType != refs.PictureI || plan.Frame != 0 || plan.Session != s.ID() {
		t.Errorf("plan = frame %d type %v", plan.Frame, plan.Refs.PictureType)
	}
	if plan.RateInit == nil || plan.RateInit.Function != brc.FunctionInit || plan.RateUpdate == nil {
		t.Fatalf("rate records init=%v update=%v", plan.RateInit, plan.RateUpdate)
	}
	if plan.Layout.NumTiles() != 1 || plan.StreamIn.Cols != 8 || plan.StreamIn.Rows != 4 {
		t.Errorf("tiles = %d stream-in %dx%d", plan.Layout.NumTiles(), plan.StreamIn.Cols, plan.StreamIn.Rows)
	}
	if plan.Slot.Recon == nil || plan.Slot.MotionVectors == nil || plan.Slot.CDF == nil {
		t.Errorf("slot buffers = %+v", plan.Slot)
	}
	if got := alloc.BytesFor(hw.RoleReconstructed); got != 49152 {
		t.Errorf("recon bytes = %d, want 49152", got)
	}
	if got := alloc.BytesFor(hw.RoleMotionVectors); got != 8*mvBytesPerSB {
		t.Errorf("motion vector bytes = %d", got)
	}

	st, err := s.Complete(ctx, plan, &ExecutionResult{Tiles: []TileResult{{Size: 1200, QP: 40}}})
	if err != nil {
		t.Fatal(err)
	}
	if !st.OK() || st.BitstreamSize != 1200 || st.AverageQP != 40 || st.Fullness <= 0 {
		t.Errorf("status = %+v", st)
	}
	// obu_size patched to the 1200 tile bytes.
	if hdr := plan.Layout.Groups[0].Header; !bytes.Equal(hdr, []byte{0x22, 0xb0, 0x89, 0x80, 0x00}) {
		t.Errorf("group header = % x", hdr)
	}
	if _, err := s.Complete(ctx, plan, &ExecutionResult{Tiles: []TileResult{{Size: 1}}}); !errors.Is(err, ErrInvalidFrameParams) {
		t.Errorf("second Complete err = %v", err)
	}

	rec.calls = nil
	plan, err = s.ProcessFrame(ctx, interPic(1, 1, 0))
	if err != nil {
		t.Fatal(err)
	}
	if plan.Refs.PictureType != refs.PictureP || plan.RateInit != nil || plan.Frame != 1 {
		t.Errorf("inter plan type %v init %v frame %d", plan.Refs.PictureType, plan.RateInit, plan.Frame)
	}
	if slices.Contains(rec.calls, "rc-init") {
		t.Errorf("init record sent again: %v", rec.calls)
	}
	if s.Frames() != 2 {
		t.Errorf("Frames = %d", s.Frames())
	}
	if got := testutil.ToFloat64(s.m.FramesProcessed.WithLabelValues("P")); got != 1 {
		t.Errorf("P frames metric = %v", got)
	}
	if got := testutil.ToFloat64(s.m.RateResets); got != 1 {
		t.Errorf("rate resets metric = %v", got)
	}
}

func TestSession_IncompleteTile(t *testing.T) {
	s := newTestSession(t, testConfig())
	ctx := context.Background()
	pic := keyPic(0)
	pic.TileColumnWidths = []int{2, 2}
	pic.TileRowHeights = []int{1, 1}
	plan, err := s.ProcessFrame(ctx, pic)
	if err != nil {
		t.Fatal(err)
	}
	res := &ExecutionResult{Tiles: []TileResult{{Size: 10}, {Size: 10}, {Size: 0}, {Size: 10}}}
	st, err := s.Complete(ctx, plan, res)
	if !errors.Is(err, ErrIncompleteTile) {
		t.Fatalf("err = %v, want ErrIncompleteTile", err)
	}
	var fe *FrameError
	if !errors.As(err, &fe) || fe.Stage != StageStitch {
		t.Errorf("err = %v, want stitch FrameError", err)
	}
	var ie *IndexedError
	if !errors.As(err, &ie) || ie.Index != 2 {
		t.Errorf("err = %v, want tile 2", err)
	}
	if st == nil || st.Code != StatusIncomplete || st.BitstreamSize != 0 || st.TilesCompleted != 3 || st.Err != err {
		t.Errorf("status = %+v", st)
	}
	if Class(err) != ClassHardware {
		t.Errorf("Class = %v", Class(err))
	}
	if got := testutil.ToFloat64(s.m.IncompleteFrames); got != 1 {
		t.Errorf("incomplete metric = %v", got)
	}
	if got := testutil.ToFloat64(s.m.FrameErrors.WithLabelValues("stitch")); got != 1 {
		t.Errorf("stitch error metric = %v", got)
	}
}

func TestSession_Overflow(t *testing.T) {
	cfg := testConfig()
	cfg.BitstreamBufferSize = 4096
	s := newTestSession(t, cfg)
	ctx := context.Background()
	plan, err := s.ProcessFrame(ctx, keyPic(0))
	if err != nil {
		t.Fatal(err)
	}
	st, err := s.Complete(ctx, plan, &ExecutionResult{Tiles: []TileResult{{Size: 5000}}})
	if !errors.Is(err, ErrBitstreamOverflow) || st.Code != StatusError {
		t.Errorf("err = %v code = %v", err, st.Code)
	}
}

func TestSession_SoftwareStitch(t *testing.T) {
	cfg := testConfig()
	cfg.Pipes = 2
	cfg.StitchMode = "software"
	s := newTestSession(t, cfg)
	ctx := context.Background()
	pic := keyPic(0)
	pic.TileColumnWidths = []int{2, 2}
	plan, err := s.ProcessFrame(ctx, pic)
	if err != nil {
		t.Fatal(err)
	}
	if !plan.Stitch.Enabled || len(plan.Stitch.Pipes) != 2 {
		t.Fatalf("stitch = %+v", plan.Stitch)
	}
	second := plan.Layout.Tiles[1].BitstreamByteOffset
	if second != 24576 {
		t.Fatalf("second tile offset = %d, want 24576", second)
	}

	bs := make([]byte, plan.Layout.BitstreamSize)
	copy(bs, []byte{1, 2, 3})
	copy(bs[second:], []byte{9, 9})
	pipeStats := [][]byte{
		bytes.Repeat([]byte{1}, plan.Stats.PakSize),
		bytes.Repeat([]byte{2}, plan.Stats.PakSize),
	}
	frameStats := make([]byte, plan.Stats.TileSize)
	res := &ExecutionResult{
		Tiles:          []TileResult{{Size: 3, QP: 20}, {Size: 2, QP: 30}},
		Bitstream:      bs,
		PipeStatistics: pipeStats,
		Statistics:     frameStats,
	}
	st, err := s.Complete(ctx, plan, res)
	if err != nil {
		t.Fatal(err)
	}
	if !st.Stitched || st.BitstreamSize != 5 || st.AverageQP != 25 {
		t.Errorf("status = %+v", st)
	}
	if !bytes.Equal(bs[:5], []byte{1, 2, 3, 9, 9}) || bytes.ContainsAny(bs[5:], "\x09") {
		t.Errorf("stitched = % x", bs[:8])
	}
	if frameStats[0] != 1 || frameStats[plan.Stats.PakSize] != 2 {
		t.Errorf("statistics not gathered: %d %d", frameStats[0], frameStats[plan.Stats.PakSize])
	}
}

func TestSession_SoftwareStitchSessionBuffer(t *testing.T) {
	cfg := testConfig()
	cfg.Pipes = 2
	cfg.StitchMode = "software"
	alloc := hw.NewMemoryAllocator()
	cfg.Allocator = alloc
	s := newTestSession(t, cfg)
	ctx := context.Background()
	pic := keyPic(0)
	pic.TileColumnWidths = []int{2, 2}
	plan, err := s.ProcessFrame(ctx, pic)
	if err != nil {
		t.Fatal(err)
	}
	if plan.Buffers.Bitstream == nil || plan.Buffers.Bitstream.Size() != plan.Layout.BitstreamSize {
		t.Fatalf("bitstream buffer = %v", plan.Buffers.Bitstream)
	}
	bs, err := alloc.Lock(plan.Buffers.Bitstream, hw.LockWrite)
	if err != nil {
		t.Fatal(err)
	}
	copy(bs, []byte{1, 2, 3})
	copy(bs[plan.Layout.Tiles[1].BitstreamByteOffset:], []byte{9, 9})
	if err := alloc.Unlock(plan.Buffers.Bitstream); err != nil {
		t.Fatal(err)
	}

	st, err := s.Complete(ctx, plan, &ExecutionResult{Tiles: []TileResult{{Size: 3, QP: 20}, {Size: 2, QP: 30}}})
	if err != nil {
		t.Fatal(err)
	}
	if !st.Stitched || st.BitstreamSize != 5 {
		t.Errorf("status = %+v", st)
	}
	bs, err = alloc.Lock(plan.Buffers.Bitstream, hw.LockRead)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(bs[:6], []byte{1, 2, 3, 9, 9, 0}) {
		t.Errorf("stitched = % x", bs[:6])
	}
	if err := alloc.Unlock(plan.Buffers.Bitstream); err != nil {
		t.Fatal(err)
	}
}

func TestSession_Segmentation(t *testing.T) {
	cfg := testConfig()
	alloc := hw.NewMemoryAllocator()
	cfg.Allocator = alloc
	s := newTestSession(t, cfg)
	ctx := context.Background()
	seg := params.Segmentation{
		Enabled:      true,
		UpdateMap:    true,
		NumSegments:  2,
		MapBlockSize: 64,
		Map:          []byte{0, 1, 0, 1, 0, 1, 0, 1},
	}
	seg.Features[1] = params.SegmentFeatures{AltQ: true, QIndexDelta: -20}
	pic := keyPic(0)
	pic.Segmentation = seg
	plan, err := s.ProcessFrame(ctx, pic)
	if err != nil {
		t.Fatal(err)
	}
	if plan.Segmentation.Provenance != segment.ProvenanceFresh || plan.Segmentation.Segments[1].QIndex != 80 {
		t.Errorf("segmentation = %v q1 = %d", plan.Segmentation.Provenance, plan.Segmentation.Segments[1].QIndex)
	}
	if !plan.StreamIn.EnableSeg {
		t.Error("stream-in segmentation not enabled")
	}
	if m := s.refs.Pool().Slot(0).SegmentMap; m == nil || m.Size() != 32 || m != plan.Slot.SegmentMap {
		t.Fatalf("stored map = %v, want a 32 byte buffer", m)
	}
	stored, err := alloc.Lock(plan.Slot.SegmentMap, hw.LockRead)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(stored, plan.Segmentation.Map) {
		t.Errorf("stored map = %v, want %v", stored, plan.Segmentation.Map)
	}
	if err := alloc.Unlock(plan.Slot.SegmentMap); err != nil {
		t.Fatal(err)
	}

	inter := interPic(1, 1, 0)
	inter.PrimaryRefFrame = 0
	inter.Segmentation = seg
	inter.Segmentation.UpdateMap = false
	inter.Segmentation.Map = nil
	plan, err = s.ProcessFrame(ctx, inter)
	if err != nil {
		t.Fatal(err)
	}
	if plan.Segmentation.Provenance != segment.ProvenanceInherited {
		t.Errorf("provenance = %v, want inherited", plan.Segmentation.Provenance)
	}
	if plan.Segmentation.Map[1] != 0 || plan.Segmentation.Map[2] != 1 {
		t.Errorf("inherited map = %v", plan.Segmentation.Map[:4])
	}
	if got := alloc.BytesFor(hw.RoleSegmentMap); got != 64 {
		t.Errorf("segment map bytes = %d, want 64", got)
	}

	// Overwriting slot 0 without segmentation frees its map.
	if _, err := s.ProcessFrame(ctx, keyPic(0)); err != nil {
		t.Fatal(err)
	}
	if s.refs.Pool().Slot(0).SegmentMap != nil {
		t.Error("slot 0 keeps a segment map")
	}
	if got := alloc.BytesFor(hw.RoleSegmentMap); got != 32 {
		t.Errorf("segment map bytes = %d, want 32", got)
	}
}

func TestSession_FrameErrors(t *testing.T) {
	lossless := keyPic(0)
	lossless.BaseQIndex = 0
	lossless.Segmentation = params.Segmentation{Enabled: true, NumSegments: 1}
	badTiles := keyPic(0)
	badTiles.TileColumnWidths = []int{3}
	tooWide := keyPic(0)
	tooWide.Width = 4000
	noRefs := interPic(1, 1, 5)
	manyTiles := keyPic(0)
	manyTiles.UniformTiles = true
	manyTiles.TileLog2Cols = 64

	tests := []struct {
		name  string
		pic   *Picture
		stage Stage
		want  error
	}{
		{"nil picture", nil, StageValidate, ErrInvalidFrameParams},
		{"frame too wide", tooWide, StageValidate, ErrInvalidFrameParams},
		{"tile sums", badTiles, StageTile, ErrInvalidTileGeometry},
		{"lossless segmentation", lossless, StageSegment, ErrInvalidSegmentationParameters},
		{"no references", noRefs, StageRefs, ErrNoReferencesAvailable},
		{"tile log2 too large", manyTiles, StageValidate, ErrInvalidFrameParams},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := newTestSession(t, testConfig())
			_, err := s.ProcessFrame(context.Background(), tt.pic)
			if !errors.Is(err, tt.want) {
				t.Fatalf("err = %v, want %v", err, tt.want)
			}
			var fe *FrameError
			if !errors.As(err, &fe) || fe.Stage != tt.stage || fe.Frame != 0 {
				t.Errorf("err = %v, want stage %s", err, tt.stage)
			}
			if s.Frames() != 0 {
				t.Errorf("Frames = %d after failure", s.Frames())
			}
			if got := testutil.ToFloat64(s.m.FrameErrors.WithLabelValues(string(tt.stage))); got != 1 {
				t.Errorf("error metric = %v", got)
			}
		})
	}
}

func TestSession_AbortedFrameLeavesPool(t *testing.T) {
	badTiles := interPic(1, 1, 0)
	badTiles.TileRowHeights = []int{1}
	lossless := interPic(1, 1, 0)
	lossless.BaseQIndex = 0
	lossless.Segmentation = params.Segmentation{Enabled: true, NumSegments: 1}

	tests := []struct {
		name   string
		pic    *Picture
		failOn string
		want   error
	}{
		{"tile geometry", badTiles, "", ErrInvalidTileGeometry},
		{"segmentation", lossless, "", ErrInvalidSegmentationParameters},
		{"rate control update", interPic(1, 1, 0), "rc-update", errSetter},
		{"stitch", interPic(1, 1, 0), "stitch", errSetter},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := testConfig()
			alloc := hw.NewMemoryAllocator()
			cfg.Allocator = alloc
			cfg.Setter = &recorder{failOn: tt.failOn, failFrom: 1}
			s := newTestSession(t, cfg)
			ctx := context.Background()
			if _, err := s.ProcessFrame(ctx, keyPic(0)); err != nil {
				t.Fatal(err)
			}
			live := alloc.Live()

			if _, err := s.ProcessFrame(ctx, tt.pic); !errors.Is(err, tt.want) {
				t.Fatalf("err = %v, want %v", err, tt.want)
			}
			if s.refs.Pool().Slot(1).Written() {
				t.Error("slot written by an aborted frame")
			}
			if got := alloc.Live(); got != live {
				t.Errorf("%d buffers live after the abort, want %d", got, live)
			}
			// The aborted frame's slot cannot be predicted from.
			if _, err := s.ProcessFrame(ctx, interPic(2, 2, 1)); !errors.Is(err, ErrNoReferencesAvailable) {
				t.Errorf("frame referencing the aborted slot: err = %v", err)
			}
			if _, err := s.ProcessFrame(ctx, interPic(1, 1, 0)); tt.failOn == "" && err != nil {
				t.Errorf("retry: %v", err)
			}
		})
	}
}

func TestSession_TileSizeRecord(t *testing.T) {
	cfg := testConfig()
	alloc := hw.NewMemoryAllocator()
	cfg.Allocator = alloc
	s := newTestSession(t, cfg)
	ctx := context.Background()
	pic := keyPic(0)
	pic.TileColumnWidths = []int{2, 2}
	plan, err := s.ProcessFrame(ctx, pic)
	if err != nil {
		t.Fatal(err)
	}
	rec, err := alloc.Lock(plan.Buffers.TileSizeRecord, hw.LockWrite)
	if err != nil {
		t.Fatal(err)
	}
	for i, sz := range []int{700, 300} {
		if err := tile.PutTileSize(plan.Layout, rec, i, sz); err != nil {
			t.Fatal(err)
		}
	}
	if err := alloc.Unlock(plan.Buffers.TileSizeRecord); err != nil {
		t.Fatal(err)
	}
	st, err := s.Complete(ctx, plan, &ExecutionResult{Tiles: []TileResult{{QP: 40}, {Size: 1, QP: 60}}})
	if err != nil {
		t.Fatal(err)
	}
	if st.BitstreamSize != 1000 || st.AverageQP != 50 || !slices.Equal(st.TileSizes, []int{700, 300}) {
		t.Errorf("status = %+v", st)
	}

	// The record is cleared for the next frame.
	plan, err = s.ProcessFrame(ctx, interPic(1, 1, 0))
	if err != nil {
		t.Fatal(err)
	}
	st, err = s.Complete(ctx, plan, &ExecutionResult{Tiles: []TileResult{{Size: 500, QP: 30}}})
	if err != nil {
		t.Fatal(err)
	}
	if st.BitstreamSize != 500 {
		t.Errorf("bytes = %d, want 500", st.BitstreamSize)
	}

	plan, err = s.ProcessFrame(ctx, interPic(2, 2, 1))
	if err != nil {
		t.Fatal(err)
	}
	if _, err := alloc.Lock(plan.Buffers.TileSizeRecord, hw.LockWrite); err != nil {
		t.Fatal(err)
	}
	if _, err := s.Complete(ctx, plan, &ExecutionResult{Tiles: []TileResult{{Size: 500}}}); !errors.Is(err, hw.ErrLocked) {
		t.Errorf("record still locked: err = %v", err)
	}
}

func TestSession_SetterError(t *testing.T) {
	cfg := testConfig()
	cfg.Setter = &recorder{failOn: "tiles"}
	s := newTestSession(t, cfg)
	_, err := s.ProcessFrame(context.Background(), keyPic(0))
	var fe *FrameError
	if !errors.Is(err, errSetter) || !errors.As(err, &fe) || fe.Stage != StageSetter {
		t.Errorf("err = %v", err)
	}
}

func TestSession_Cancelled(t *testing.T) {
	s := newTestSession(t, testConfig())
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := s.ProcessFrame(ctx, keyPic(0))
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("err = %v", err)
	}
	if Class(err) != ClassOther {
		t.Errorf("Class = %v", Class(err))
	}
}

func TestSession_Reset(t *testing.T) {
	s := newTestSession(t, testConfig())
	ctx := context.Background()
	if err := s.Reset(); !errors.Is(err, brc.ErrNotConfigured) {
		t.Errorf("Reset before first frame = %v", err)
	}
	if _, err := s.ProcessFrame(ctx, keyPic(0)); err != nil {
		t.Fatal(err)
	}
	if err := s.Reset(); err != nil {
		t.Fatal(err)
	}
	plan, err := s.ProcessFrame(ctx, interPic(1, 1, 0))
	if err != nil {
		t.Fatal(err)
	}
	if plan.RateInit == nil || plan.RateInit.Function != brc.FunctionReset {
		t.Errorf("init after reset = %+v", plan.RateInit)
	}
	if s.RateState().Resets != 1 {
		t.Errorf("Resets = %d", s.RateState().Resets)
	}

	cfg := testConfig()
	cfg.Sequence.RateControl = params.RateControlCQP
	cqp := newTestSession(t, cfg)
	plan, err = cqp.ProcessFrame(ctx, keyPic(0))
	if err != nil {
		t.Fatal(err)
	}
	if plan.RateInit != nil || plan.RateUpdate != nil {
		t.Error("CQP frame carries rate-control records")
	}
	if err := cqp.Reset(); !errors.Is(err, ErrInvalidRateControlConfig) {
		t.Errorf("CQP Reset = %v", err)
	}
	if upd, err := cqp.UpdatePass(ctx, plan, 0); upd != nil || err != nil {
		t.Errorf("CQP UpdatePass = %v, %v", upd, err)
	}
}

func TestSession_UpdatePass(t *testing.T) {
	cfg := testConfig()
	cfg.NumPasses = 2
	s := newTestSession(t, cfg)
	ctx := context.Background()
	plan, err := s.ProcessFrame(ctx, keyPic(0))
	if err != nil {
		t.Fatal(err)
	}
	upd, err := s.UpdatePass(ctx, plan, 1)
	if err != nil {
		t.Fatal(err)
	}
	if upd.Pass != 1 || upd.MaxPasses != 2 {
		t.Errorf("update = pass %d of %d", upd.Pass, upd.MaxPasses)
	}
	if _, err := s.UpdatePass(ctx, plan, 2); !errors.Is(err, ErrInvalidRateControlConfig) {
		t.Errorf("pass 2 err = %v", err)
	}
	other := newTestSession(t, testConfig())
	if _, err := other.UpdatePass(ctx, plan, 1); !errors.Is(err, ErrInvalidFrameParams) {
		t.Errorf("foreign plan err = %v", err)
	}
}

func TestSession_UpdateSequence(t *testing.T) {
	cfg := testConfig()
	alloc := hw.NewMemoryAllocator()
	cfg.Allocator = alloc
	s := newTestSession(t, cfg)
	ctx := context.Background()
	if _, err := s.ProcessFrame(ctx, keyPic(0)); err != nil {
		t.Fatal(err)
	}

	seq := cfg.Sequence
	seq.Width = 128
	if err := s.UpdateSequence(&seq); err != nil {
		t.Fatal(err)
	}
	plan, err := s.ProcessFrame(ctx, keyPic(0))
	if err != nil {
		t.Fatal(err)
	}
	if plan.RateInit == nil {
		t.Error("no init record after a sequence change")
	}
	if got := alloc.BytesFor(hw.RoleReconstructed); got != 24576 {
		t.Errorf("recon bytes = %d, want 24576 after resize", got)
	}

	bad := seq
	bad.TargetUsage = 3
	if err := s.UpdateSequence(&bad); !errors.Is(err, ErrInvalidConfig) {
		t.Errorf("invalid sequence err = %v", err)
	}
}

func TestSession_Close(t *testing.T) {
	cfg := testConfig()
	alloc := hw.NewMemoryAllocator()
	cfg.Allocator = alloc
	s := newTestSession(t, cfg)
	ctx := context.Background()
	if _, err := s.ProcessFrame(ctx, keyPic(0)); err != nil {
		t.Fatal(err)
	}
	if _, err := s.ProcessFrame(ctx, interPic(1, 1, 0)); err != nil {
		t.Fatal(err)
	}
	if alloc.Live() == 0 {
		t.Fatal("no buffers allocated")
	}
	if err := s.Close(); err != nil {
		t.Fatal(err)
	}
	if alloc.Live() != 0 {
		t.Errorf("%d buffers live after Close", alloc.Live())
	}
	if _, err := s.ProcessFrame(ctx, keyPic(0)); !errors.Is(err, ErrSessionClosed) {
		t.Errorf("ProcessFrame after Close = %v", err)
	}
	if err := s.Close(); !errors.Is(err, ErrSessionClosed) {
		t.Errorf("second Close = %v", err)
	}
}

func BenchmarkProcessFrame(b *testing.B) {
	cfg := DefaultConfig()
	cfg.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	cfg.Sequence.GopPicSize = 0
	cfg.Registerer = prometheus.NewRegistry()
	s, err := New(cfg)
	if err != nil {
		b.Fatal(err)
	}
	ctx := context.Background()
	if _, err := s.ProcessFrame(ctx, keyPic(0)); err != nil {
		b.Fatal(err)
	}
	res := &ExecutionResult{Tiles: []TileResult{{Size: 20000, QP: 100}}}
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		plan, err := s.ProcessFrame(ctx, interPic(1, uint32(i%254+1), 0))
		if err != nil {
			b.Fatal(err)
		}
		if _, err := s.Complete(ctx, plan, res); err != nil {
			b.Fatal(err)
		}
	}
}
