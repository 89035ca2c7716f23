package brc

import (
	"math"

	"github.com/deepteams/av1ctl/internal/params"
)

const (
	minInitQP = 1
	maxInitQP = 200
	// interQPOffset separates the initial inter QP from the intra one.
	interQPOffset = 20
)

// InitQP estimates the starting intra and inter QP from the bits per
// pixel the target bitrate affords. gopP is the P count of the GOP; long
// GOPs get a larger intra boost.
func InitQP(width, height int, highBitDepth bool, fpsNum, fpsDen uint32, targetKbps uint32, gopP int) (qpI, qpP int) {
	frameSize := float64((width * height * 3) >> 1)
	if highBitDepth {
		frameSize = float64((int(frameSize) * 10) >> 3)
	}
	const x0, y0, x1, y1 = 0, 1.19, 1.75, 1.75

	bpp := frameSize * 2 / 3 * float64(fpsNum) / (float64(targetKbps) * 1000 * float64(fpsDen))
	est := int(1/1.2*math.Pow(10, (math.Log10(bpp)-x0)*(y1-y0)/(x1-x0)+y0) + 0.5)
	est = est*5 - 20
	est = params.Clamp(est, minInitQP, maxInitQP)

	qpI = est
	if est > 4 {
		qpI = est - 4
	}
	boost := params.Clamp(gopP/30-1, 10, 20)
	qpI = params.Clamp(qpI-boost, minInitQP, maxInitQP)
	return qpI, qpI + interQPOffset
}

// deviationThresholds scales the deviation curves by the ratio of the
// per-frame bit budget to the buffer drained per frame at 30 fps.
func deviationThresholds(inputBitsPerFrame, bufSize float64) (pb, intra, vbr [numDevThresholds]int8) {
	ratio := inputBitsPerFrame / (bufSize / devStdFPS)
	ratio = math.Max(bpsRatioLow, math.Min(ratio, bpsRatioHigh))
	half := numDevThresholds / 2
	for i := 0; i < half; i++ {
		pb[i] = int8(negMultPB * math.Pow(devThreshNegPB[i], ratio))
		pb[i+half] = int8(posMultPB * math.Pow(devThreshPosPB[i], ratio))
		intra[i] = int8(negMultPB * math.Pow(devThreshNegI[i], ratio))
		intra[i+half] = int8(posMultPB * math.Pow(devThreshPosI[i], ratio))
		vbr[i] = int8(negMultVBR * math.Pow(devThreshNegVB[i], ratio))
		vbr[i+half] = int8(posMultVBR * math.Pow(devThreshPosVB[i], ratio))
	}
	return pb, intra, vbr
}
