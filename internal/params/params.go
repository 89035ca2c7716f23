// Package params holds the plain per-sequence and per-picture records that
// every stage of the control plane reads. The records carry no bit-packing;
// hardware field layouts are the emitter's concern.
package params

import (
	"fmt"
	"strings"
)

const (
	// NumSlots is the capacity of the reference slot pool.
	NumSlots = 127
	// NumRefFrames is the size of the decoded picture buffer.
	NumRefFrames = 8
	// RefsPerFrame is the number of named reference roles.
	RefsPerFrame = 7
	// PrimaryRefNone marks a picture with no primary reference.
	PrimaryRefNone = 7
	// MaxSegments is the number of segmentation segments.
	MaxSegments = 8
	// SuperblockSize is the superblock edge in pixels.
	SuperblockSize = 64
	// MinCbSize is the minimum coding block edge in pixels.
	MinCbSize = 8
	// MaxQIndex is the largest AV1 quantizer index.
	MaxQIndex = 255
)

// FrameType is the AV1 frame_type.
type FrameType int

const (
	KeyFrame FrameType = iota
	InterFrame
	IntraOnlyFrame
	SwitchFrame
)

// IsIntra reports whether the frame type codes without references.
func (t FrameType) IsIntra() bool {
	return t == KeyFrame || t == IntraOnlyFrame
}

func (t FrameType) String() string {
	switch t {
	case KeyFrame:
		return "key"
	case InterFrame:
		return "inter"
	case IntraOnlyFrame:
		return "intra-only"
	case SwitchFrame:
		return "switch"
	}
	return fmt.Sprintf("FrameType(%d)", int(t))
}

// RefRole names a reference frame role. RoleIntra (0) is not a reference.
type RefRole int

const (
	RoleIntra RefRole = iota
	RoleLast
	RoleLast2
	RoleLast3
	RoleGolden
	RoleBwd
	RoleAlt2
	RoleAlt
)

var roleNames = [...]string{"INTRA", "LAST", "LAST2", "LAST3", "GOLDEN", "BWD", "ALT2", "ALT"}

func (r RefRole) String() string {
	if r >= 0 && int(r) < len(roleNames) {
		return roleNames[r]
	}
	return fmt.Sprintf("RefRole(%d)", int(r))
}

// Valid reports whether r is one of the seven reference roles.
func (r RefRole) Valid() bool {
	return r >= RoleLast && r <= RoleAlt
}

// Bit returns the role's bit in a reference flag mask (LAST is bit 0).
func (r RefRole) Bit() uint8 {
	if !r.Valid() {
		return 0
	}
	return 1 << uint(r-1)
}

// RefCtrl lists roles in motion-search order. A zero entry ends the list.
type RefCtrl [RefsPerFrame]RefRole

// Mask returns the reference flag mask of every role named in c.
func (c RefCtrl) Mask() uint8 {
	var m uint8
	for _, r := range c {
		m |= r.Bit()
	}
	return m
}

// Empty reports whether c names no role.
func (c RefCtrl) Empty() bool {
	return c.Mask() == 0
}

// RateControl selects the rate-control mode.
type RateControl int

const (
	RateControlCQP RateControl = iota
	RateControlCBR
	RateControlVBR
	RateControlAVBR
	RateControlCQL
	RateControlQVBR
)

var rateControlNames = [...]string{"cqp", "cbr", "vbr", "avbr", "cql", "qvbr"}

func (m RateControl) String() string {
	if m >= 0 && int(m) < len(rateControlNames) {
		return rateControlNames[m]
	}
	return fmt.Sprintf("RateControl(%d)", int(m))
}

// Feedback reports whether the mode runs the closed-loop controller.
func (m RateControl) Feedback() bool {
	switch m {
	case RateControlCBR, RateControlVBR, RateControlAVBR, RateControlCQL, RateControlQVBR:
		return true
	}
	return false
}

// ParseRateControl parses a mode name such as "cbr".
func ParseRateControl(s string) (RateControl, error) {
	for i, n := range rateControlNames {
		if strings.EqualFold(s, n) {
			return RateControl(i), nil
		}
	}
	return 0, fmt.Errorf("params: unknown rate control mode %q", s)
}

// MarshalText implements encoding.TextMarshaler.
func (m RateControl) MarshalText() ([]byte, error) { return []byte(m.String()), nil }

// UnmarshalText implements encoding.TextUnmarshaler.
func (m *RateControl) UnmarshalText(b []byte) error {
	v, err := ParseRateControl(string(b))
	if err != nil {
		return err
	}
	*m = v
	return nil
}

// Tolerance is the frame size tolerance requested by the application.
type Tolerance int

const (
	ToleranceNormal Tolerance = iota
	ToleranceLow
	ToleranceExtremelyLow
)

// Scenario is the target-frame-size rate-control usage hint.
type Scenario int

const (
	ScenarioRemoteGaming Scenario = iota
	ScenarioVideoConference
)

// Sequence is the sequence-level parameter record.
type Sequence struct {
	Width    int `yaml:"width" toml:"width" validate:"min=16,max=16384"`
	Height   int `yaml:"height" toml:"height" validate:"min=16,max=16384"`
	BitDepth int `yaml:"bit_depth" toml:"bit_depth" validate:"oneof=8 10"`

	GopPicSize   int  `yaml:"gop_pic_size" toml:"gop_pic_size" validate:"min=0"`
	GopRefDist   int  `yaml:"gop_ref_dist" toml:"gop_ref_dist" validate:"min=0,max=16"`
	Hierarchical bool `yaml:"hierarchical" toml:"hierarchical"`

	RateControl       RateControl `yaml:"rate_control" toml:"rate_control"`
	TargetBitRate     uint32      `yaml:"target_bitrate_kbps" toml:"target_bitrate_kbps"`
	MaxBitRate        uint32      `yaml:"max_bitrate_kbps" toml:"max_bitrate_kbps"`
	MinBitRate        uint32      `yaml:"min_bitrate_kbps" toml:"min_bitrate_kbps"`
	InitVBVFullness   uint32      `yaml:"init_vbv_fullness_bits" toml:"init_vbv_fullness_bits"`
	VBVBufferSize     uint32      `yaml:"vbv_buffer_size_bits" toml:"vbv_buffer_size_bits"`
	LowerVBVThreshold uint32      `yaml:"lower_vbv_threshold_bits" toml:"lower_vbv_threshold_bits"`
	UpperVBVThreshold uint32      `yaml:"upper_vbv_threshold_bits" toml:"upper_vbv_threshold_bits"`
	FrameRateNum      uint32      `yaml:"frame_rate_num" toml:"frame_rate_num"`
	FrameRateDen      uint32      `yaml:"frame_rate_den" toml:"frame_rate_den"`
	ICQQualityFactor  int         `yaml:"icq_quality_factor" toml:"icq_quality_factor" validate:"min=0"`
	NumTemporalLayers int         `yaml:"temporal_layers" toml:"temporal_layers" validate:"min=0,max=8"`

	EnableOrderHint bool `yaml:"enable_order_hint" toml:"enable_order_hint"`
	OrderHintBits   int  `yaml:"order_hint_bits" toml:"order_hint_bits" validate:"min=0,max=8"`

	UserMaxIFrameSize          uint32    `yaml:"user_max_i_frame_size" toml:"user_max_i_frame_size"`
	UserMaxPBFrameSize         uint32    `yaml:"user_max_pb_frame_size" toml:"user_max_pb_frame_size"`
	MinBaseQIndex              int       `yaml:"min_base_qindex" toml:"min_base_qindex" validate:"min=0,max=255"`
	MaxBaseQIndex              int       `yaml:"max_base_qindex" toml:"max_base_qindex" validate:"min=0,max=255"`
	SlidingWindowSize          uint32    `yaml:"sliding_window_size" toml:"sliding_window_size" validate:"max=255"`
	MaxBitRatePerSlidingWindow uint32    `yaml:"max_bitrate_per_sliding_window" toml:"max_bitrate_per_sliding_window"`
	FrameSizeTolerance         Tolerance `yaml:"frame_size_tolerance" toml:"frame_size_tolerance" validate:"min=0,max=2"`
	TCBRCScenario              Scenario  `yaml:"tcbrc_scenario" toml:"tcbrc_scenario" validate:"min=0,max=1"`

	TargetUsage int  `yaml:"target_usage" toml:"target_usage" validate:"oneof=1 2 4 7"`
	EnableCDEF  bool `yaml:"enable_cdef" toml:"enable_cdef"`
	ResetBRC    bool `yaml:"-" toml:"-"`
}

// DPBEntry is one decoded picture buffer entry. When HasOrderHint is set
// the slot must still hold a picture with that order hint.
type DPBEntry struct {
	FrameIdx     int
	Valid        bool
	OrderHint    uint32
	HasOrderHint bool
}

// Picture is the picture-level parameter record supplied once per frame.
type Picture struct {
	FrameType FrameType
	// FrameIdx is the slot key of the picture being encoded.
	FrameIdx  int
	OrderHint uint32

	// NonReference pictures are never used as references later.
	NonReference bool

	// Width and Height default to the sequence size when zero.
	Width, Height int

	RefFrameList [NumRefFrames]DPBEntry
	// RefFrameIdx maps role-1 to a RefFrameList index.
	RefFrameIdx  [RefsPerFrame]int
	RefCtrlL0    RefCtrl
	RefCtrlL1    RefCtrl

	PrimaryRefFrame          int
	DisableFrameEndUpdateCDF bool

	BaseQIndex int
	YDcDeltaQ  int
	UDcDeltaQ  int
	UAcDeltaQ  int
	VDcDeltaQ  int
	VAcDeltaQ  int

	Segmentation Segmentation

	TemporalID         int
	SpatialID          int
	ObuExtension       bool
	HierarchLevelPlus1 int
	TargetFrameSize    uint32
	AllowIntraBC       bool
	FrameOBU           bool

	// TileColumnWidths and TileRowHeights are in superblocks. When both
	// are empty and UniformTiles is set, the log2 counts below are used.
	TileColumnWidths []int
	TileRowHeights   []int
	UniformTiles     bool
	TileLog2Cols     int
	TileLog2Rows     int
	TileGroups       []TileGroup
}

// Lossless reports whether the picture's quantizer makes it lossless.
func (p *Picture) Lossless() bool {
	return p.BaseQIndex == 0 && p.DeltasZero()
}

// DeltasZero reports whether every per-plane quantizer delta is zero.
func (p *Picture) DeltasZero() bool {
	return p.YDcDeltaQ == 0 && p.UDcDeltaQ == 0 && p.UAcDeltaQ == 0 &&
		p.VDcDeltaQ == 0 && p.VAcDeltaQ == 0
}

// TileGroup spans tiles Start..End inclusive, in tile raster order.
type TileGroup struct {
	Start int
	End   int
}

// SegmentFeatures are the per-segment feature enables and values.
type SegmentFeatures struct {
	AltQ        bool
	QIndexDelta int
	AltLF       bool
	LFDelta     int
	AltRef      bool
	RefFrame    RefRole
	Skip        bool
	GlobalMV    bool
}

// Segmentation is the per-frame segmentation record.
type Segmentation struct {
	Enabled        bool
	UpdateMap      bool
	TemporalUpdate bool
	UpdateData     bool
	NumSegments    int
	Features       [MaxSegments]SegmentFeatures
	// MapBlockSize is the pixel edge of one id in Map (8, 16, 32 or 64).
	MapBlockSize int
	// Map holds one segment id per MapBlockSize block, row-major.
	Map []byte
}

// CeilDiv returns ceil(a/b) for positive b.
func CeilDiv(a, b int) int {
	return (a + b - 1) / b
}

// Align rounds v up to a multiple of a power-of-two alignment.
func Align(v, a int) int {
	return (v + a - 1) &^ (a - 1)
}

// Clamp limits v to [lo, hi].
func Clamp(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
