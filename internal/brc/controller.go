// Package brc implements the closed-loop bitrate controller of an AV1
// encode session. It keeps the virtual buffer model between frames and
// emits the init and per-pass update records the rate-control firmware
// consumes.
package brc

import (
	"errors"
	"fmt"
	"log/slog"
	"math"

	"github.com/deepteams/av1ctl/internal/params"
)

var (
	// ErrInvalidRateControlConfig is returned for rate-control settings
	// the controller cannot run with.
	ErrInvalidRateControlConfig = errors.New("brc: invalid rate control configuration")
	// ErrUnrepresentableRate is returned when the bitrate or buffer
	// settings leave no finite per-frame budget.
	ErrUnrepresentableRate = errors.New("brc: unrepresentable rate configuration")
	// ErrNotConfigured is returned by Update before Configure succeeded.
	ErrNotConfigured = errors.New("brc: controller not configured")
)

const (
	// MaxICQQualityFactor bounds the QVBR quality factor.
	MaxICQQualityFactor = 255
	kbps                = 1000
	goldenFrameInterval = 14
	cachelineSize       = 64
)

// icqFactorLookup maps the CQL quality level to the firmware factor.
var icqFactorLookup = [...]int{
	0, 1, 1, 1, 1, 2, 3, 4, 6, 7, 9, 11, 13, 16, 18, 23,
	26, 30, 34, 39, 46, 52, 59, 68, 77, 87, 98, 104, 112, 120, 127, 134,
	142, 149, 157, 164, 171, 178, 186, 193, 200, 207, 213, 219, 225, 230, 235, 240,
	245, 249, 252, 255,
}

// Function selects what an init record asks the firmware to do.
type Function int

const (
	FunctionInit  Function = 0
	FunctionReset Function = 2
)

// FrameClass is the rate-control class of a frame.
type FrameClass int

const (
	ClassPOrLowDelayB FrameClass = iota
	ClassB
	ClassI
	ClassB1
	ClassB2
	ClassB3
)

func (c FrameClass) String() string {
	switch c {
	case ClassPOrLowDelayB:
		return "P"
	case ClassB:
		return "B"
	case ClassI:
		return "I"
	case ClassB1:
		return "B1"
	case ClassB2:
		return "B2"
	case ClassB3:
		return "B3"
	}
	return fmt.Sprintf("FrameClass(%d)", int(c))
}

var levelClass = map[int]FrameClass{
	1: ClassPOrLowDelayB,
	2: ClassB,
	3: ClassB1,
	4: ClassB2,
	5: ClassB3,
}

// brcFlag returns the firmware mode flag.
func brcFlag(m params.RateControl) uint16 {
	switch m {
	case params.RateControlCBR:
		return 0x10
	case params.RateControlVBR, params.RateControlQVBR:
		return 0x20
	case params.RateControlAVBR:
		return 0x40
	case params.RateControlCQL:
		return 0x80
	}
	return 0
}

// InitRecord starts or restarts the firmware controller.
type InitRecord struct {
	Function             Function
	ProfileLevelMaxFrame uint32
	TargetBitRate        uint64
	MaxRate              uint64
	MinRate              uint64
	FrameRateM           uint32
	FrameRateD           uint32
	InitBufFullness      uint32
	BufSize              uint32
	BRCFlag              uint16
	GOP                  GOP
	FrameWidth           int
	FrameHeight          int
	MinQP                int
	MaxQP                int
	LevelQP              int
	GoldenFrameInterval  int
	InstRateThreshI      [4]int8
	InstRateThreshP      [4]int8
	DevThreshPB          [numDevThresholds]int8
	DevThreshI           [numDevThresholds]int8
	DevThreshVBR         [numDevThresholds]int8
	InitQPI              int
	InitQPP              int
	TotalLevel           int
	SlidingWindow        bool
	SlidingWindowSize    uint8
	OvershootCBRPercent  uint16
}

// FrameInput is what the controller needs to know about the frame being
// updated.
type FrameInput struct {
	Picture  *params.Picture
	Intra    bool
	LowDelay bool
	Pass     int
	FrameNum int
	// CDFBytes is the size of one CDF table set.
	CDFBytes int
}

// UpdateRecord carries the per-pass targets of one frame.
type UpdateRecord struct {
	Pass              int
	MaxPasses         int
	FrameNum          int
	Overflow          bool
	TargetBufFullness uint32
	CDFBufferSize     int
	HRDFullness       uint32
	HRDLower          uint32
	HRDUpper          uint32
	UserMaxFrame      uint32
	UserMaxFramePB    uint32
	CurWidth          int
	CurHeight         int
	MaxBRCLevel       int
	Class             FrameClass
	TemporalLevel     int
	LowDelay          bool
	TRTargetSize      uint32
	TCBRCScenario     params.Scenario
	SegOn             bool
	IsFrameOBU        bool
	EnableCDEFUpdate  bool
	EnableLFUpdate    bool
	DisableCdfUpdate  bool

	Tables    *Tables
	ModeCosts []uint32
}

// State is a snapshot of the virtual buffer model.
type State struct {
	Enabled           bool
	Mode              params.RateControl
	TargetFullness    float64
	HRDFullness       int64
	BufferSize        int64
	InputBitsPerFrame float64
	FrameRate100      int
	GOP               GOP
	Resets            int
}

// Controller is the rate controller of one session. It is not safe for
// concurrent use.
type Controller struct {
	log    *slog.Logger
	tables *Tables
	passes int

	seq        params.Sequence
	configured bool
	enabled    bool
	mode       params.RateControl
	initNeeded bool
	reset      bool
	width      int
	height     int

	delay             int64
	vbvSize           int64
	frameRate100      int
	inputBitsPerFrame float64
	targetFullness    float64
	gop               GOP
	resets            int
	// credited is set once the current frame's target credit is applied.
	credited bool
}

// New returns a controller for a session running passes PAK passes per
// frame (1 or 2).
func New(passes int, log *slog.Logger) *Controller {
	if log == nil {
		log = slog.Default()
	}
	if passes < 1 {
		passes = 1
	}
	return &Controller{log: log, tables: DefaultTables(), passes: passes}
}

// frameRate returns the sequence frame rate, 30/1 when unset.
func frameRate(seq *params.Sequence) (num, den uint32) {
	if seq.FrameRateNum == 0 || seq.FrameRateDen == 0 {
		return 30, 1
	}
	return seq.FrameRateNum, seq.FrameRateDen
}

// ValidateSequence reports the rate-control settings of seq that no frame
// can be encoded with.
func ValidateSequence(seq *params.Sequence) error {
	mode := seq.RateControl
	switch mode {
	case params.RateControlCQL:
		if seq.ICQQualityFactor < 0 || seq.ICQQualityFactor >= len(icqFactorLookup) {
			return fmt.Errorf("%w: CQL quality %d outside [0, %d]",
				ErrInvalidRateControlConfig, seq.ICQQualityFactor, len(icqFactorLookup)-1)
		}
	case params.RateControlQVBR:
		if seq.ICQQualityFactor > MaxICQQualityFactor {
			return fmt.Errorf("%w: ICQ quality factor %d above %d",
				ErrInvalidRateControlConfig, seq.ICQQualityFactor, MaxICQQualityFactor)
		}
	}
	if seq.ResetBRC && (!mode.Feedback() || mode == params.RateControlCQL) {
		return fmt.Errorf("%w: reset not allowed in %v mode", ErrInvalidRateControlConfig, mode)
	}
	if seq.NumTemporalLayers > 1 {
		return fmt.Errorf("%w: %d temporal layers", ErrInvalidRateControlConfig, seq.NumTemporalLayers)
	}
	return nil
}

// Configure applies the sequence for the frame about to be encoded.
// newSeq forces a fresh init; a change of width or height re-inits a
// feedback controller. A reset requested through seq.ResetBRC restarts
// the model on the next init record.
func (c *Controller) Configure(seq *params.Sequence, newSeq bool, width, height int) error {
	if !newSeq && c.configured && seq.RateControl != params.RateControlCQL &&
		width == c.width && height == c.height && !seq.ResetBRC {
		return nil
	}
	if err := ValidateSequence(seq); err != nil {
		return err
	}
	s := *seq
	mode := s.RateControl
	switch mode {
	case params.RateControlCQL:
		target := uint32(width * height * 8 / 1000)
		s.ICQQualityFactor = icqFactorLookup[s.ICQQualityFactor]
		s.TargetBitRate = target
		s.MaxBitRate = (target << 4) / 10
		s.MinBitRate = 0
		s.InitVBVFullness = satBits(8000 * uint64(target<<3) / 10)
		s.VBVBufferSize = satBits(8000 * uint64(target<<1))
	}

	enabled := mode.Feedback()
	resized := !c.configured || width != c.width || height != c.height
	initNeeded := enabled && (newSeq || resized)
	reset := enabled && s.ResetBRC && c.configured

	if initNeeded || reset {
		if err := c.setupModel(&s); err != nil {
			return err
		}
	}

	c.seq = s
	c.configured = true
	c.enabled = enabled
	c.mode = mode
	c.width, c.height = width, height
	c.initNeeded = c.initNeeded || initNeeded || reset
	c.reset = c.reset || reset
	if reset {
		c.resets++
	}
	return nil
}

// setupModel derives the virtual buffer model from the sequence.
func (c *Controller) setupModel(s *params.Sequence) error {
	num, den := frameRate(s)
	frameRate100 := int(float64(num) * 100 / float64(den))
	maxBits := float64(s.MaxBitRate) * kbps
	if frameRate100 == 0 || maxBits == 0 || s.TargetBitRate == 0 {
		return fmt.Errorf("%w: target %d kbps, max %d kbps at %d/%d fps",
			ErrUnrepresentableRate, s.TargetBitRate, s.MaxBitRate, num, den)
	}
	input := maxBits * 100 / float64(frameRate100)

	vbv := int64(s.VBVBufferSize)
	if vbv < int64(input*4) {
		vbv = int64(input * 4)
	}
	delay := int64(s.InitVBVFullness)
	if delay == 0 {
		delay = 7 * vbv / 8
	}
	if delay < int64(input*2) {
		delay = int64(input * 2)
	}
	if delay > vbv {
		delay = vbv
	}

	c.delay = delay
	c.vbvSize = vbv
	c.frameRate100 = frameRate100
	c.inputBitsPerFrame = input
	c.gop = ComputeGOP(s.GopPicSize, s.GopRefDist, s.RateControl == params.RateControlCQL && s.GopRefDist == 16)
	return nil
}

// Enabled reports whether the sequence runs a feedback mode.
func (c *Controller) Enabled() bool { return c.enabled }

// InitRequired reports whether the next frame must carry an init record.
func (c *Controller) InitRequired() bool { return c.enabled && c.initNeeded }

// RequestReset restarts the model on the next Configure of a feedback
// mode, as if the sequence carried ResetBRC.
func (c *Controller) RequestReset() error {
	if !c.configured {
		return ErrNotConfigured
	}
	if !c.enabled || c.mode == params.RateControlCQL {
		return fmt.Errorf("%w: reset not allowed in %v mode", ErrInvalidRateControlConfig, c.mode)
	}
	s := c.seq
	if err := c.setupModel(&s); err != nil {
		return err
	}
	c.initNeeded, c.reset = true, true
	c.resets++
	return nil
}

// InitRecord returns the init record for the pending (re)start and clears
// the request. It returns nil when no init is pending.
func (c *Controller) InitRecord() *InitRecord {
	if !c.InitRequired() {
		return nil
	}
	s := &c.seq
	num, den := frameRate(s)
	r := &InitRecord{
		Function:             FunctionInit,
		ProfileLevelMaxFrame: maxFrameSize(c.width, c.height, s.UserMaxIFrameSize),
		TargetBitRate:        uint64(s.TargetBitRate) * kbps,
		MaxRate:              uint64(s.MaxBitRate) * kbps,
		MinRate:              uint64(s.MinBitRate) * kbps,
		FrameRateM:           num,
		FrameRateD:           den,
		InitBufFullness:      min(s.InitVBVFullness, s.VBVBufferSize),
		BufSize:              uint32(c.vbvSize),
		BRCFlag:              brcFlag(c.mode),
		GOP:                  c.gop,
		FrameWidth:           c.width,
		FrameHeight:          c.height,
		MinQP:                s.MinBaseQIndex,
		MaxQP:                s.MaxBaseQIndex,
		LevelQP:              s.ICQQualityFactor,
		GoldenFrameInterval:  goldenFrameInterval,
		InstRateThreshI:      c.tables.InstRateThreshI,
		InstRateThreshP:      c.tables.InstRateThreshP,
		TotalLevel:           max(s.NumTemporalLayers, 1),
	}
	if c.reset {
		r.Function = FunctionReset
	}
	if r.MaxQP == 0 {
		r.MaxQP = params.MaxQIndex
	}
	input := float64(r.MaxRate) * float64(den) / float64(num)
	r.DevThreshPB, r.DevThreshI, r.DevThreshVBR = deviationThresholds(input, float64(r.BufSize))
	r.InitQPI, r.InitQPP = InitQP(c.width, c.height, s.BitDepth == 10, num, den, s.TargetBitRate, c.gop.P)

	if s.SlidingWindowSize != 0 {
		r.SlidingWindow = true
		r.SlidingWindowSize = uint8(s.SlidingWindowSize)
		if s.TargetBitRate > 0 {
			r.OvershootCBRPercent = uint16(uint64(s.MaxBitRatePerSlidingWindow) * 100 / uint64(s.TargetBitRate))
		}
	}

	c.targetFullness = float64(min(int64(s.InitVBVFullness), c.vbvSize))
	c.initNeeded, c.reset = false, false
	c.log.Info("brc: model initialised",
		"mode", c.mode, "function", int(r.Function), "buffer", r.BufSize,
		"fullness", c.delay, "qp_i", r.InitQPI, "qp_p", r.InitQPP)
	return r
}

// satBits saturates a bit count to the record width.
func satBits(v uint64) uint32 {
	if v > math.MaxUint32 {
		return math.MaxUint32
	}
	return uint32(v)
}

// maxFrameSize caps a frame at one byte per pixel, or the user limit when
// that is smaller.
func maxFrameSize(width, height int, user uint32) uint32 {
	calc := uint32(width * height)
	if user > 0 && user < calc {
		return user
	}
	return calc
}

// classify maps the frame to its rate-control class.
func (c *Controller) classify(in *FrameInput) FrameClass {
	if in.Intra {
		return ClassI
	}
	s := &c.seq
	if s.Hierarchical && s.GopRefDist != 3 {
		lvl := in.Picture.HierarchLevelPlus1
		if lvl <= 0 {
			return ClassPOrLowDelayB
		}
		cls, ok := levelClass[lvl]
		if !ok || (in.LowDelay && cls == ClassB2) {
			c.log.Debug("brc: invalid hierarchy level, using B2",
				"level", lvl, "low_delay", in.LowDelay)
			return ClassB2
		}
		return cls
	}
	if in.LowDelay {
		return ClassPOrLowDelayB
	}
	return ClassB
}

// Update builds the update record for one pass of a frame.
func (c *Controller) Update(in *FrameInput) (*UpdateRecord, error) {
	if !c.configured {
		return nil, ErrNotConfigured
	}
	if in.Pass < 0 || in.Pass >= c.passes {
		return nil, fmt.Errorf("%w: pass %d of %d", ErrInvalidRateControlConfig, in.Pass, c.passes)
	}
	s := &c.seq
	pic := in.Picture

	r := &UpdateRecord{
		Pass:      in.Pass,
		MaxPasses: c.passes,
		FrameNum:  in.FrameNum,
	}
	if c.targetFullness > float64(c.vbvSize) && in.Pass == 0 {
		r.Overflow = true
		c.targetFullness -= float64(c.vbvSize)
	}
	r.TargetBufFullness = uint32(c.targetFullness)
	r.CDFBufferSize = params.Align(in.CDFBytes, cachelineSize)
	r.HRDFullness = uint32(c.delay)
	r.HRDLower = s.LowerVBVThreshold
	r.HRDUpper = s.UpperVBVThreshold

	r.UserMaxFrame = maxFrameSize(c.width, c.height, s.UserMaxIFrameSize)
	r.UserMaxFramePB = maxFrameSize(c.width, c.height, s.UserMaxPBFrameSize)
	r.CurWidth, r.CurHeight = c.width, c.height
	r.MaxBRCLevel = MaxLevel(s.GopRefDist, c.mode == params.RateControlCQL)
	r.Class = c.classify(in)

	r.TemporalLevel = pic.TemporalID
	r.LowDelay = s.FrameSizeTolerance == params.ToleranceExtremelyLow ||
		float64(s.InitVBVFullness) <= c.inputBitsPerFrame*2
	r.TRTargetSize = pic.TargetFrameSize << 3
	if pic.TargetFrameSize > 0 {
		r.TCBRCScenario = s.TCBRCScenario
	}
	r.SegOn = pic.Segmentation.Enabled
	r.IsFrameOBU = pic.FrameOBU
	r.EnableCDEFUpdate = s.EnableCDEF
	r.EnableLFUpdate = true
	r.DisableCdfUpdate = pic.PrimaryRefFrame != params.PrimaryRefNone
	if pic.AllowIntraBC && pic.FrameType.IsIntra() {
		r.EnableCDEFUpdate = false
		r.EnableLFUpdate = false
	}

	r.Tables = c.tables
	r.ModeCosts = ModeCosts(in.Intra)

	if in.Pass == 0 {
		c.credited = false
	}
	if in.Pass == 1 && !c.credited {
		c.targetFullness += c.inputBitsPerFrame
		c.credited = true
	}
	return r, nil
}

// Complete folds the encoded size of a finished frame back into the
// model. Frames that never reached a second pass get their target
// credit here.
func (c *Controller) Complete(frameBits int64) {
	if !c.enabled {
		return
	}
	c.delay += int64(c.inputBitsPerFrame) - frameBits
	if c.delay < 0 {
		c.delay = 0
	}
	if c.delay > c.vbvSize {
		c.delay = c.vbvSize
	}
	if !c.credited {
		c.targetFullness += c.inputBitsPerFrame
	}
	c.credited = false
}

// State returns a snapshot of the buffer model.
func (c *Controller) State() State {
	return State{
		Enabled:           c.enabled,
		Mode:              c.mode,
		TargetFullness:    c.targetFullness,
		HRDFullness:       c.delay,
		BufferSize:        c.vbvSize,
		InputBitsPerFrame: c.inputBitsPerFrame,
		FrameRate100:      c.frameRate100,
		GOP:               c.gop,
		Resets:            c.resets,
	}
}

// Sequence returns the effective sequence, after CQL rewriting.
func (c *Controller) Sequence() params.Sequence { return c.seq }
