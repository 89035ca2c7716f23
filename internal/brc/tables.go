package brc

// Tables are the constant tuning tables handed to the rate-control
// firmware with every update. They are copied out verbatim.
type Tables struct {
	InstRateThreshI            [4]int8
	InstRateThreshP            [4]int8
	QPThresholds               [4]uint8
	StartGlobalAdjustFrame     [4]uint16
	GlobalRateRatioThreshold   [6]uint8
	GlobalRateRatioThresholdQP [7]int8
	StartGlobalAdjustMult      [5]uint8
	StartGlobalAdjustDiv       [5]uint8
	DistortionThreshI          [9]uint8
	DistortionThreshP          [9]uint8
	DistortionThreshB          [9]uint8
	MaxFrameThreshI            [5]uint8
	MaxFrameThreshP            [5]uint8
	MaxFrameThreshB            [5]uint8

	DeltaQPI     [9][5]int8
	DeltaQPP     [9][5]int8
	DeltaQPB     [9][5]int8
	DistDeltaQPI [9][9]int8
	DistDeltaQPP [9][9]int8
	DistDeltaQPB [9][9]int8

	LoopFilterLevelLuma   [256]uint8
	LoopFilterLevelChroma [256]uint8
}

// Deviation threshold curves. Each entry is raised to the bits-per-frame
// ratio of the stream and scaled by the matching multiplier.
var (
	devThreshNegI  = [4]float64{0.80, 0.60, 0.34, 0.2}
	devThreshPosI  = [4]float64{0.2, 0.4, 0.66, 0.9}
	devThreshNegPB = [4]float64{0.90, 0.66, 0.46, 0.3}
	devThreshPosPB = [4]float64{0.3, 0.46, 0.70, 0.90}
	devThreshNegVB = [4]float64{0.90, 0.70, 0.50, 0.3}
	devThreshPosVB = [4]float64{0.4, 0.5, 0.75, 0.90}
)

const (
	numDevThresholds = 8
	devStdFPS        = 30
	bpsRatioLow      = 0.1
	bpsRatioHigh     = 3.5
	negMultPB        = -50
	posMultPB        = 50
	negMultVBR       = -50
	posMultVBR       = 100
)

var deltaQPI = [9][5]int8{
	{2, 6, 10, 14, 18},
	{2, 4, 6, 10, 14},
	{0, 0, 2, 4, 8},
	{0, 0, 0, 2, 4},
	{-2, 0, 0, 0, 2},
	{-6, -4, -2, 0, 0},
	{-10, -8, -4, -2, 0},
	{-14, -12, -8, -4, -2},
	{-18, -14, -10, -4, -2},
}

var deltaQPP = [9][5]int8{
	{2, 4, 10, 16, 20},
	{2, 4, 8, 12, 16},
	{0, 2, 4, 8, 12},
	{0, 0, 0, 2, 4},
	{-2, 0, 0, 0, 2},
	{-4, -2, -2, 0, 0},
	{-6, -4, -2, -2, 0},
	{-10, -6, -4, -2, 0},
	{-14, -12, -8, -4, -2},
}

var distDeltaQPI = [9][9]int8{
	{0, 0, 0, 0, 0, 8, 12, 16, 20},
	{0, 0, 0, 0, 0, 6, 10, 14, 18},
	{-2, 0, 0, 0, 0, 6, 8, 12, 14},
	{-4, -2, 0, 0, 0, 2, 4, 6, 10},
	{-6, -4, -2, 0, 0, 0, 2, 6, 10},
	{-8, -4, -2, 0, 0, 0, 2, 6, 10},
	{-10, -6, -4, -2, 0, 0, 2, 6, 10},
	{-12, -8, -4, -2, 0, 0, 2, 6, 10},
	{-12, -8, -4, -2, 0, 0, 2, 6, 10},
}

var distDeltaQPP = [9][9]int8{
	{0, 0, 0, 0, 0, 6, 10, 14, 18},
	{0, 0, 0, 0, 0, 6, 10, 12, 16},
	{-2, 0, 0, 0, 0, 6, 10, 14, 16},
	{-4, -2, 0, 0, 0, 4, 8, 10, 12},
	{-6, -4, -2, 0, 0, 0, 2, 8, 10},
	{-8, -4, -2, 0, 0, 0, 2, 8, 10},
	{-8, -4, -2, -2, 0, 0, 0, 8, 10},
	{-8, -6, -4, -2, 0, 0, 0, 2, 10},
	{-10, -8, -4, -2, 0, 0, 0, 2, 8},
}

var loopFilterLuma = [256]uint8{
	0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0,
	0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0,
	0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0,
	0, 0, 0, 0, 0, 0, 0, 0, 0, 1, 1, 1, 1, 1, 1, 2,
	2, 2, 2, 2, 2, 2, 3, 3, 3, 3, 3, 3, 3, 4, 4, 4,
	4, 4, 4, 4, 5, 5, 5, 5, 5, 5, 5, 6, 6, 6, 6, 6,
	6, 7, 7, 7, 8, 8, 8, 8, 9, 9, 9, 9, 10, 10, 10, 10,
	11, 11, 11, 11, 12, 12, 12, 12, 13, 13, 13, 14, 14, 14, 15, 15,
	15, 16, 16, 16, 17, 17, 17, 17, 18, 18, 18, 19, 19, 20, 20, 20,
	21, 21, 21, 22, 22, 22, 23, 23, 24, 24, 24, 25, 25, 25, 26, 26,
	27, 27, 27, 28, 28, 29, 29, 29, 30, 30, 31, 31, 31, 32, 32, 33,
	33, 34, 34, 34, 35, 35, 36, 36, 37, 37, 38, 38, 39, 39, 40, 41,
	41, 42, 42, 43, 44, 45, 45, 46, 47, 48, 49, 50, 51, 52, 53, 55,
	56, 58, 59, 61, 63, 63, 63, 63, 63, 63, 63, 63, 63, 63, 63, 63,
	63, 63, 63, 63, 63, 63, 63, 63, 63, 63, 63, 63, 63, 63, 63, 63,
	63, 63, 63, 63, 63, 63, 63, 63, 63, 63, 63, 63, 63, 63, 63, 63,
}

var loopFilterChroma = [256]uint8{
	0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0,
	0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0,
	0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0,
	0, 0, 0, 0, 0, 0, 0, 1, 1, 1, 1, 1, 1, 1, 1, 2,
	2, 2, 2, 2, 2, 2, 2, 2, 2, 3, 3, 3, 3, 3, 3, 3,
	3, 3, 3, 4, 4, 4, 4, 4, 4, 4, 4, 4, 4, 4, 4, 4,
	5, 5, 5, 5, 5, 5, 5, 5, 6, 6, 6, 6, 6, 6, 6, 6,
	6, 6, 7, 7, 7, 7, 7, 7, 7, 7, 7, 7, 7, 7, 8, 8,
	8, 8, 8, 8, 8, 8, 8, 8, 9, 9, 9, 9, 9, 9, 9, 10,
	10, 10, 10, 10, 11, 11, 11, 11, 12, 12, 13, 13, 14, 14, 15, 15,
	16, 17, 18, 19, 20, 21, 22, 24, 25, 26, 28, 30, 31, 31, 31, 31,
	31, 31, 31, 31, 31, 31, 31, 31, 31, 31, 31, 31, 31, 31, 31, 31,
	31, 31, 31, 31, 31, 31, 31, 31, 31, 31, 31, 31, 31, 31, 31, 31,
	31, 31, 31, 31, 31, 31, 31, 31, 31, 31, 31, 31, 31, 31, 31, 31,
	31, 31, 31, 31, 31, 31, 31, 31, 31, 31, 31, 31, 31, 31, 31, 31,
	31, 31, 31, 31, 31, 31, 31, 31, 31, 31, 31, 31, 31, 31, 31, 31,
}

var distortionThresh = [9]uint8{4, 30, 60, 80, 120, 140, 200, 255, 0}

// DefaultTables returns the tuning tables. B frames reuse the P curves.
func DefaultTables() *Tables {
	return &Tables{
		InstRateThreshI:            [4]int8{30, 50, 90, 115},
		InstRateThreshP:            [4]int8{30, 50, 70, 120},
		QPThresholds:               [4]uint8{40, 80, 120, 180},
		StartGlobalAdjustFrame:     [4]uint16{10, 50, 100, 150},
		GlobalRateRatioThreshold:   [6]uint8{40, 75, 97, 103, 125, 160},
		GlobalRateRatioThresholdQP: [7]int8{-6, -4, -2, 0, 2, 4, 6},
		StartGlobalAdjustMult:      [5]uint8{1, 1, 3, 2, 1},
		StartGlobalAdjustDiv:       [5]uint8{40, 5, 5, 3, 1},
		DistortionThreshI:          distortionThresh,
		DistortionThreshP:          distortionThresh,
		DistortionThreshB:          [9]uint8{2, 20, 40, 70, 130, 160, 200, 255, 0},
		MaxFrameThreshI:            [5]uint8{8, 9, 10, 11, 12},
		MaxFrameThreshP:            [5]uint8{4, 5, 6, 6, 7},
		MaxFrameThreshB:            [5]uint8{4, 5, 6, 6, 7},

		DeltaQPI:     deltaQPI,
		DeltaQPP:     deltaQPP,
		DeltaQPB:     deltaQPP,
		DistDeltaQPI: distDeltaQPI,
		DistDeltaQPP: distDeltaQPP,
		DistDeltaQPB: distDeltaQPP,

		LoopFilterLevelLuma:   loopFilterLuma,
		LoopFilterLevelChroma: loopFilterChroma,
	}
}

// Mode cost tables: one six-word row per QP bucket.
const modeCostRows = 52

var (
	modeCostsI [modeCostRows * 6]uint32
	modeCostsP [modeCostRows * 6]uint32
)

func init() {
	for i := 0; i < modeCostRows; i++ {
		modeCostsP[i*6] = 0x10102f1e
		modeCostsP[i*6+1] = 0x001e1515
	}
}

// ModeCosts returns the mode cost table for intra or inter frames. The
// returned slice must not be modified.
func ModeCosts(intra bool) []uint32 {
	if intra {
		return modeCostsI[:]
	}
	return modeCostsP[:]
}
