package av1ctl

import (
	"errors"
	"fmt"
	"strings"

	"github.com/deepteams/av1ctl/internal/brc"
	"github.com/deepteams/av1ctl/internal/params"
	"github.com/deepteams/av1ctl/internal/refs"
	"github.com/deepteams/av1ctl/internal/segment"
	"github.com/deepteams/av1ctl/internal/streamin"
	"github.com/deepteams/av1ctl/internal/tile"
)

// Errors reported by the components. Use errors.Is to test for them; the
// returned errors wrap these with the offending values.
var (
	ErrNoReferencesAvailable          = refs.ErrNoReferencesAvailable
	ErrInvalidReferenceConfiguration  = refs.ErrInvalidReferenceConfiguration
	ErrInvalidRateControlConfig       = brc.ErrInvalidRateControlConfig
	ErrUnrepresentableRate            = brc.ErrUnrepresentableRate
	ErrInvalidSegmentationParameters  = segment.ErrInvalidSegmentationParameters
	ErrTemporalUpdateWithoutMapUpdate = segment.ErrTemporalUpdateWithoutMapUpdate
	ErrSegmentationMapTooSmall        = segment.ErrSegmentationMapTooSmall
	ErrStreamInGridMismatch           = streamin.ErrGridMismatch
	ErrInvalidTileGeometry            = tile.ErrInvalidTileGeometry
	ErrTileTooLarge                   = tile.ErrTileTooLarge
	ErrBitstreamOverflow              = tile.ErrBitstreamOverflow
	ErrIncompleteTile                 = tile.ErrIncompleteTile
	ErrStatisticsSize                 = tile.ErrStatisticsSize
)

var (
	// ErrInvalidConfig is returned by Validate and New for a session
	// configuration that cannot run.
	ErrInvalidConfig = errors.New("av1ctl: invalid configuration")
	// ErrSessionClosed is returned by every call after Close.
	ErrSessionClosed = errors.New("av1ctl: session closed")
	// ErrInvalidFrameParams is returned for a picture record that
	// contradicts the session.
	ErrInvalidFrameParams = errors.New("av1ctl: invalid frame parameters")
)

// IndexedError names the tile, slot, role, segment or pipe a failure
// refers to.
type IndexedError = params.IndexedError

// Stage names the part of the frame pipeline that failed.
type Stage string

const (
	StageValidate Stage = "validate"
	StageRefs     Stage = "refs"
	StageBRC      Stage = "brc"
	StageSegment  Stage = "segment"
	StageStreamIn Stage = "streamin"
	StageTile     Stage = "tile"
	StageStitch   Stage = "stitch"
	StageSetter   Stage = "setter"
)

// FrameError is the error of one frame. It unwraps to the component
// error.
type FrameError struct {
	Stage Stage
	Frame int
	Err   error
}

// Error names the stage only when the component error does not already
// carry it as a prefix.
func (e *FrameError) Error() string {
	msg := e.Err.Error()
	if e.Stage == "" || strings.Contains(msg, string(e.Stage)+": ") {
		return fmt.Sprintf("av1ctl: frame %d: %s", e.Frame, msg)
	}
	return fmt.Sprintf("av1ctl: frame %d: %s: %s", e.Frame, e.Stage, msg)
}

func (e *FrameError) Unwrap() error { return e.Err }

// ErrorClass groups errors by how the caller should react to them.
type ErrorClass int

const (
	// ClassNone is the class of a nil error.
	ClassNone ErrorClass = iota
	// ClassConfiguration errors break a static session invariant. They
	// are fatal and never retried.
	ClassConfiguration
	// ClassConsistency errors come from reference state that cannot be
	// concealed.
	ClassConsistency
	// ClassHardware errors are detected after execution; the caller may
	// retry the frame.
	ClassHardware
	// ClassNumeric errors mean the stream configuration has no finite
	// derivation. They are fatal like configuration errors.
	ClassNumeric
	// ClassOther covers cancellation, closed sessions and allocator
	// failures.
	ClassOther
)

func (c ErrorClass) String() string {
	switch c {
	case ClassNone:
		return "none"
	case ClassConfiguration:
		return "configuration"
	case ClassConsistency:
		return "consistency"
	case ClassHardware:
		return "hardware"
	case ClassNumeric:
		return "numeric"
	}
	return "other"
}

// Fatal reports whether errors of the class end the session.
func (c ErrorClass) Fatal() bool {
	return c == ClassConfiguration || c == ClassNumeric
}

var errorClasses = []struct {
	err   error
	class ErrorClass
}{
	{ErrUnrepresentableRate, ClassNumeric},
	{ErrNoReferencesAvailable, ClassConsistency},
	{ErrIncompleteTile, ClassHardware},
	{ErrBitstreamOverflow, ClassHardware},
	{ErrStatisticsSize, ClassHardware},
	{ErrInvalidReferenceConfiguration, ClassConfiguration},
	{ErrInvalidRateControlConfig, ClassConfiguration},
	{ErrInvalidSegmentationParameters, ClassConfiguration},
	{ErrTemporalUpdateWithoutMapUpdate, ClassConfiguration},
	{ErrSegmentationMapTooSmall, ClassConfiguration},
	{ErrStreamInGridMismatch, ClassConfiguration},
	{ErrInvalidTileGeometry, ClassConfiguration},
	{ErrTileTooLarge, ClassConfiguration},
	{ErrInvalidConfig, ClassConfiguration},
	{ErrInvalidFrameParams, ClassConfiguration},
}

// Class returns the class of err.
func Class(err error) ErrorClass {
	if err == nil {
		return ClassNone
	}
	for _, c := range errorClasses {
		if errors.Is(err, c.err) {
			return c.class
		}
	}
	return ClassOther
}
