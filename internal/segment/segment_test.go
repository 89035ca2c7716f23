package segment

import (
	"errors"
	"io"
	"log/slog"
	"testing"

	"github.com/deepteams/av1ctl/internal/params"
)

func newTestManager() *Manager {
	return NewManager(slog.New(slog.NewTextHandler(io.Discard, nil)))
}

func segPic(base, numSegments int) *params.Picture {
	pic := &params.Picture{
		FrameType:  params.InterFrame,
		BaseQIndex: base,
	}
	pic.Segmentation = params.Segmentation{
		Enabled:     true,
		UpdateMap:   true,
		UpdateData:  true,
		NumSegments: numSegments,
	}
	return pic
}

func TestSetup_Disabled(t *testing.T) {
	pic := &params.Picture{BaseQIndex: 0}
	r, err := newTestManager().Setup(pic, 128, 128, Primary{})
	if err != nil {
		t.Fatalf("Setup: %v", err)
	}
	if r.Enabled || r.Map != nil || r.Provenance != ProvenanceNone {
		t.Errorf("disabled segmentation resolved to %+v", r)
	}
}

func TestSetup_QIndexClamp(t *testing.T) {
	pic := segPic(100, 4)
	pic.Segmentation.MapBlockSize = 64
	pic.Segmentation.Map = []byte{0, 1, 2, 3}
	deltas := []int{-200, -10, 40, 300}
	for i, d := range deltas {
		pic.Segmentation.Features[i] = params.SegmentFeatures{AltQ: true, QIndexDelta: d}
	}
	pic.YDcDeltaQ = 2

	r, err := newTestManager().Setup(pic, 128, 128, Primary{})
	if err != nil {
		t.Fatalf("Setup: %v", err)
	}
	want := []int{0, 90, 140, 255}
	for i, q := range want {
		if got := r.Segments[i].QIndex; got != q {
			t.Errorf("segment %d qindex = %d, want %d", i, got, q)
		}
	}
	if !r.HasZeroQPSegment {
		t.Error("HasZeroQPSegment = false, want true")
	}
}

func TestSetup_AltQDisabledKeepsBase(t *testing.T) {
	pic := segPic(60, 2)
	pic.Segmentation.Map = make([]byte, 64)
	pic.Segmentation.Features[0] = params.SegmentFeatures{QIndexDelta: -60}
	r, err := newTestManager().Setup(pic, 128, 128, Primary{})
	if err != nil {
		t.Fatalf("Setup: %v", err)
	}
	if r.Segments[0].QIndex != 60 || r.HasZeroQPSegment {
		t.Errorf("segment 0 = %+v, zero=%v; delta without AltQ must not apply", r.Segments[0], r.HasZeroQPSegment)
	}
}

func TestSetup_Invalid(t *testing.T) {
	tests := []struct {
		name  string
		mod   func(*params.Picture)
		want  error
		index int
	}{
		{
			name: "lossless_frame",
			mod:  func(p *params.Picture) { p.BaseQIndex = 0 },
			want: ErrInvalidSegmentationParameters, index: -1,
		},
		{
			name: "lossless_segment",
			mod: func(p *params.Picture) {
				p.Segmentation.Features[1] = params.SegmentFeatures{AltQ: true, QIndexDelta: -255}
			},
			want: ErrInvalidSegmentationParameters, index: 1,
		},
		{
			name: "no_segments",
			mod:  func(p *params.Picture) { p.Segmentation.NumSegments = 0 },
			want: ErrInvalidSegmentationParameters, index: 0,
		},
		{
			name: "nine_segments",
			mod:  func(p *params.Picture) { p.Segmentation.NumSegments = 9 },
			want: ErrInvalidSegmentationParameters, index: 9,
		},
		{
			name: "bad_ref_role",
			mod: func(p *params.Picture) {
				p.Segmentation.Features[2] = params.SegmentFeatures{AltRef: true, RefFrame: 8}
			},
			want: ErrInvalidSegmentationParameters, index: 2,
		},
		{
			name: "temporal_without_update",
			mod: func(p *params.Picture) {
				p.Segmentation.UpdateMap = false
				p.Segmentation.TemporalUpdate = true
			},
			want: ErrTemporalUpdateWithoutMapUpdate, index: -1,
		},
		{
			name: "missing_map",
			mod:  func(p *params.Picture) { p.Segmentation.Map = nil },
			want: ErrSegmentationMapTooSmall, index: -1,
		},
		{
			name: "short_map",
			mod:  func(p *params.Picture) { p.Segmentation.Map = make([]byte, 63) },
			want: ErrSegmentationMapTooSmall, index: -1,
		},
		{
			name: "bad_block_size",
			mod:  func(p *params.Picture) { p.Segmentation.MapBlockSize = 24 },
			want: ErrInvalidSegmentationParameters, index: -1,
		},
		{
			name: "id_out_of_range",
			mod:  func(p *params.Picture) { p.Segmentation.Map[5] = 4 },
			want: ErrInvalidSegmentationParameters, index: 5,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			pic := segPic(80, 4)
			// 128x128 at the default 16 px block size.
			pic.Segmentation.Map = make([]byte, 64)
			tt.mod(pic)
			_, err := newTestManager().Setup(pic, 128, 128, Primary{})
			if !errors.Is(err, tt.want) {
				t.Fatalf("err = %v, want %v", err, tt.want)
			}
			var ie *params.IndexedError
			hasIndex := errors.As(err, &ie)
			if tt.index < 0 {
				if hasIndex {
					t.Errorf("unexpected index in %v", err)
				}
				return
			}
			if !hasIndex || ie.Index != tt.index {
				t.Errorf("err = %v, want index %d", err, tt.index)
			}
		})
	}
}

func TestSetup_Provenance(t *testing.T) {
	cols, rows := MapDims(128, 128)
	inherited := make([]byte, cols*rows)
	for i := range inherited {
		inherited[i] = byte(i % 3)
	}

	tests := []struct {
		name      string
		update    bool
		temporal  bool
		primary   Primary
		want      Provenance
		wantMap0  byte
		predicted bool
	}{
		{"fresh", true, false, Primary{}, ProvenanceFresh, 2, false},
		{"temporal", true, true, Primary{Inheritable: true, Map: inherited}, ProvenanceTemporal, 2, true},
		{"temporal_no_primary", true, true, Primary{}, ProvenanceFresh, 2, false},
		{"inherited", false, false, Primary{Inheritable: true, Map: inherited}, ProvenanceInherited, 0, false},
		{"uniform_not_inheritable", false, false, Primary{Map: inherited}, ProvenanceUniform, 0, false},
		{"uniform_size_mismatch", false, false, Primary{Inheritable: true, Map: inherited[:3]}, ProvenanceUniform, 0, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			pic := segPic(80, 3)
			pic.Segmentation.UpdateMap = tt.update
			pic.Segmentation.TemporalUpdate = tt.temporal
			pic.Segmentation.MapBlockSize = 32
			pic.Segmentation.Map = make([]byte, cols*rows)
			for i := range pic.Segmentation.Map {
				pic.Segmentation.Map[i] = 2
			}
			r, err := newTestManager().Setup(pic, 128, 128, tt.primary)
			if err != nil {
				t.Fatalf("Setup: %v", err)
			}
			if r.Provenance != tt.want {
				t.Fatalf("provenance = %v, want %v", r.Provenance, tt.want)
			}
			if len(r.Map) != cols*rows {
				t.Fatalf("map len = %d, want %d", len(r.Map), cols*rows)
			}
			if r.Map[0] != tt.wantMap0 {
				t.Errorf("map[0] = %d, want %d", r.Map[0], tt.wantMap0)
			}
			if (r.PredictionMap != nil) != tt.predicted {
				t.Errorf("PredictionMap set = %v, want %v", r.PredictionMap != nil, tt.predicted)
			}
			if tt.want == ProvenanceInherited && &r.Map[0] == &inherited[0] {
				t.Error("inherited map aliases the primary slot's map")
			}
		})
	}
}

func TestSetup_InheritedIDsClamped(t *testing.T) {
	cols, rows := MapDims(128, 128)
	wide := make([]byte, cols*rows)
	for i := range wide {
		wide[i] = byte(i % 8)
	}
	primary := Primary{Inheritable: true, Map: wide}

	pic := segPic(80, 2)
	pic.Segmentation.UpdateMap = false
	r, err := newTestManager().Setup(pic, 128, 128, primary)
	if err != nil {
		t.Fatal(err)
	}
	if r.Provenance != ProvenanceInherited {
		t.Fatalf("provenance = %v", r.Provenance)
	}
	for i, id := range r.Map {
		if int(id) >= r.NumSegments {
			t.Fatalf("map[%d] = %d with %d segments", i, id, r.NumSegments)
		}
	}
	if r.Map[0] != 0 || r.Map[1] != 1 || r.Map[5] != 1 {
		t.Errorf("map = %v", r.Map[:8])
	}
	if wide[5] != 5 {
		t.Error("primary map modified")
	}

	pic = segPic(80, 3)
	pic.Segmentation.TemporalUpdate = true
	pic.Segmentation.MapBlockSize = 32
	pic.Segmentation.Map = make([]byte, cols*rows)
	r, err = newTestManager().Setup(pic, 128, 128, primary)
	if err != nil {
		t.Fatal(err)
	}
	if r.Provenance != ProvenanceTemporal || r.PredictionMap[7] != 2 {
		t.Errorf("provenance = %v prediction[7] = %d", r.Provenance, r.PredictionMap[7])
	}
}

func TestRescale(t *testing.T) {
	t.Run("16px", func(t *testing.T) {
		// 96x64 at 16 px: 6x4 source blocks; 32x32 grid is 4x2.
		src := make([]byte, 6*4)
		for y := 0; y < 4; y++ {
			for x := 0; x < 6; x++ {
				src[y*6+x] = byte((x + y) % 5)
			}
		}
		got, err := Rescale(src, 16, 8, 96, 64)
		if err != nil {
			t.Fatalf("Rescale: %v", err)
		}
		// Origins at source (0,0) (2,0) (4,0) (5,0) and (0,2) (2,2) (4,2) (5,2);
		// the fourth column lies past the frame and repeats the last one.
		want := []byte{0, 2, 4, 0, 2, 4, 1, 2}
		if string(got) != string(want) {
			t.Errorf("Rescale = %v, want %v", got, want)
		}
	})
	t.Run("64px", func(t *testing.T) {
		src := []byte{1, 2, 3, 4}
		got, err := Rescale(src, 64, 8, 128, 128)
		if err != nil {
			t.Fatalf("Rescale: %v", err)
		}
		want := []byte{
			1, 1, 2, 2,
			1, 1, 2, 2,
			3, 3, 4, 4,
			3, 3, 4, 4,
		}
		if string(got) != string(want) {
			t.Errorf("Rescale = %v, want %v", got, want)
		}
	})
	t.Run("default_block_size", func(t *testing.T) {
		if _, err := Rescale(make([]byte, 64), 0, 1, 128, 128); err != nil {
			t.Errorf("Rescale with block size 0: %v", err)
		}
		if _, err := Rescale(make([]byte, 15), 0, 1, 64, 64); !errors.Is(err, ErrSegmentationMapTooSmall) {
			t.Errorf("err = %v, want %v", err, ErrSegmentationMapTooSmall)
		}
	})
}

func TestMapDims(t *testing.T) {
	tests := []struct {
		w, h       int
		cols, rows int
	}{
		{64, 64, 2, 2},
		{65, 64, 4, 2},
		{1920, 1080, 60, 34},
		{16, 16, 2, 2},
	}
	for _, tt := range tests {
		cols, rows := MapDims(tt.w, tt.h)
		if cols != tt.cols || rows != tt.rows {
			t.Errorf("MapDims(%d, %d) = %d, %d, want %d, %d", tt.w, tt.h, cols, rows, tt.cols, tt.rows)
		}
	}
}

func TestProvenanceString(t *testing.T) {
	if s := ProvenanceTemporal.String(); s != "temporal" {
		t.Errorf("String = %q", s)
	}
	if s := Provenance(42).String(); s != "Provenance(42)" {
		t.Errorf("String = %q", s)
	}
}
