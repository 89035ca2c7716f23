package av1ctl

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/goccy/go-yaml"
	"github.com/hashicorp/go-multierror"
	"github.com/pelletier/go-toml/v2"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/deepteams/av1ctl/internal/brc"
	"github.com/deepteams/av1ctl/internal/hw"
	"github.com/deepteams/av1ctl/internal/params"
	"github.com/deepteams/av1ctl/internal/refs"
	"github.com/deepteams/av1ctl/internal/tile"
)

// MaxPipes is the largest number of hardware pipes a session can split
// tiles across.
const MaxPipes = 4

// SessionConfig controls an encode session.
type SessionConfig struct {
	// Sequence is the sequence-level parameter record. It can be replaced
	// between frames with UpdateSequence.
	Sequence params.Sequence `yaml:"sequence" toml:"sequence"`

	// Pipes is the number of hardware pipes tiles are spread over
	// (1-4, default 1). The default value -1 is treated as 1.
	Pipes int `yaml:"pipes" toml:"pipes" validate:"min=-1,max=4"`

	// StitchMode selects how multi-pipe output is merged: "hardware"
	// (default) issues a copy command, "software" repacks the bitstream
	// in Complete.
	StitchMode string `yaml:"stitch_mode" toml:"stitch_mode" validate:"omitempty,oneof=hardware software"`

	// Concealment picks the substitute for a stale reference:
	// "first-valid" (default) or "nearest" in display order.
	Concealment string `yaml:"concealment" toml:"concealment" validate:"omitempty,oneof=first-valid nearest"`

	// NumPasses is the number of PAK passes per frame (1-2, default 1).
	// The default value -1 is treated as 1.
	NumPasses int `yaml:"passes" toml:"passes" validate:"min=-1,max=2"`

	// BitstreamBufferSize is the byte size of the bitstream buffer the
	// tiles' reservations divide. The default value -1 is treated as the
	// raw 4:2:0 frame size rounded up to a page.
	BitstreamBufferSize int `yaml:"bitstream_buffer_size" toml:"bitstream_buffer_size" validate:"min=-1"`

	// EnableStreamIn builds per-block guidance for every frame.
	EnableStreamIn bool `yaml:"stream_in" toml:"stream_in"`

	// WorkaroundIntraStreamIn restricts the merge candidates of intra
	// frames on hardware that needs it.
	WorkaroundIntraStreamIn bool `yaml:"workaround_intra_stream_in" toml:"workaround_intra_stream_in"`

	// MetricsNamespace prefixes the session's metric names. Empty means
	// "av1ctl".
	MetricsNamespace string `yaml:"metrics_namespace" toml:"metrics_namespace"`

	// Logger receives the session's diagnostics. Nil means slog.Default().
	Logger *slog.Logger `yaml:"-" toml:"-" validate:"-"`
	// Registerer receives the session's collectors. Nil keeps them in a
	// private registry.
	Registerer prometheus.Registerer `yaml:"-" toml:"-" validate:"-"`
	// Allocator provides the per-slot buffers. Nil means an in-memory
	// allocator.
	Allocator hw.Allocator `yaml:"-" toml:"-" validate:"-"`
	// Setter receives the per-frame parameter records. Nil discards them.
	Setter ParamSetter `yaml:"-" toml:"-" validate:"-"`
}

// DefaultConfig returns a 1920x1080 30 fps CBR configuration at 5 Mbps
// with a 60 frame intra period and no B frames.
func DefaultConfig() *SessionConfig {
	return &SessionConfig{
		Sequence: params.Sequence{
			Width:           1920,
			Height:          1080,
			BitDepth:        8,
			GopPicSize:      60,
			GopRefDist:      1,
			RateControl:     params.RateControlCBR,
			TargetBitRate:   5000,
			MaxBitRate:      5000,
			VBVBufferSize:   10_000_000,
			InitVBVFullness: 5_000_000,
			FrameRateNum:    30,
			FrameRateDen:    1,
			EnableOrderHint: true,
			OrderHintBits:   8,
			TargetUsage:     4,
			EnableCDEF:      true,
		},
		Pipes:               -1, // sentinel: treated as 1
		NumPasses:           -1, // sentinel: treated as 1
		BitstreamBufferSize: -1, // sentinel: raw frame size
		EnableStreamIn:      true,
	}
}

// LoadConfig reads a configuration file on top of DefaultConfig. The
// format follows the extension: .yaml, .yml or .toml.
func LoadConfig(path string) (*SessionConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("av1ctl: read config: %w", err)
	}
	cfg := DefaultConfig()
	switch ext := strings.ToLower(filepath.Ext(path)); ext {
	case ".yaml", ".yml":
		err = yaml.Unmarshal(data, cfg)
	case ".toml":
		err = toml.Unmarshal(data, cfg)
	default:
		return nil, fmt.Errorf("%w: unknown config format %q", ErrInvalidConfig, ext)
	}
	if err != nil {
		return nil, fmt.Errorf("%w: parse %s: %v", ErrInvalidConfig, path, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

var validate = validator.New(validator.WithRequiredStructEnabled())

// Validate checks the configuration and returns every violation found.
// The result wraps ErrInvalidConfig.
func (c *SessionConfig) Validate() error {
	var result *multierror.Error
	if err := validate.Struct(c); err != nil {
		var verrs validator.ValidationErrors
		if !errors.As(err, &verrs) {
			return fmt.Errorf("%w: %v", ErrInvalidConfig, err)
		}
		for _, fe := range verrs {
			result = multierror.Append(result, fmt.Errorf("%w: %s: %v fails %s=%s",
				ErrInvalidConfig, fe.Namespace(), fe.Value(), fe.Tag(), fe.Param()))
		}
	}

	s := &c.Sequence
	fail := func(format string, args ...any) {
		result = multierror.Append(result, fmt.Errorf("%w: "+format, append([]any{ErrInvalidConfig}, args...)...))
	}
	if c.BitstreamBufferSize == 0 {
		fail("empty bitstream buffer")
	}
	if s.RateControl < params.RateControlCQP || s.RateControl > params.RateControlQVBR {
		fail("unknown rate control mode %d", int(s.RateControl))
	}
	if s.RateControl.Feedback() && s.RateControl != params.RateControlCQL {
		if s.TargetBitRate == 0 {
			fail("%v needs a target bitrate", s.RateControl)
		}
		if s.MaxBitRate < s.TargetBitRate {
			fail("max bitrate %d below target %d", s.MaxBitRate, s.TargetBitRate)
		}
		if s.MinBitRate > s.TargetBitRate {
			fail("min bitrate %d above target %d", s.MinBitRate, s.TargetBitRate)
		}
	}
	if (s.FrameRateNum == 0) != (s.FrameRateDen == 0) {
		fail("frame rate %d/%d", s.FrameRateNum, s.FrameRateDen)
	}
	if s.MaxBaseQIndex != 0 && s.MinBaseQIndex > s.MaxBaseQIndex {
		fail("qindex range [%d, %d]", s.MinBaseQIndex, s.MaxBaseQIndex)
	}
	if s.GopPicSize > 0 && s.GopRefDist > s.GopPicSize {
		fail("reference distance %d exceeds intra period %d", s.GopRefDist, s.GopPicSize)
	}
	if s.EnableOrderHint && s.OrderHintBits == 0 {
		fail("order hints enabled with zero bits")
	}
	if s.LowerVBVThreshold > s.UpperVBVThreshold && s.UpperVBVThreshold != 0 {
		fail("vbv thresholds [%d, %d]", s.LowerVBVThreshold, s.UpperVBVThreshold)
	}
	if err := brc.ValidateSequence(s); err != nil {
		result = multierror.Append(result, fmt.Errorf("%w: %w", ErrInvalidConfig, err))
	}
	return result.ErrorOrNil()
}

// resolved is a configuration with every sentinel replaced.
type resolved struct {
	pipes         int
	passes        int
	bitstreamSize int
	stitch        tile.StitchMode
	concealment   refs.Concealment
}

func (c *SessionConfig) resolve() resolved {
	r := resolved{
		pipes:         resolvePipes(c.Pipes),
		passes:        resolvePasses(c.NumPasses),
		bitstreamSize: c.BitstreamBufferSize,
	}
	if r.bitstreamSize < 0 {
		r.bitstreamSize = rawFrameSize(c.Sequence.Width, c.Sequence.Height, c.Sequence.BitDepth)
	}
	if c.StitchMode == "software" {
		r.stitch = tile.StitchSoftware
	}
	if c.Concealment == "nearest" {
		r.concealment = refs.ConcealNearest
	}
	return r
}

// resolvePipes returns the effective pipe count. Negative values
// (sentinels) map to 1.
func resolvePipes(v int) int {
	if v <= 0 {
		return 1
	}
	return min(v, MaxPipes)
}

// resolvePasses returns the effective PAK pass count. Negative values
// (sentinels) map to 1.
func resolvePasses(v int) int {
	if v <= 0 {
		return 1
	}
	return v
}

// rawFrameSize is the 4:2:0 frame size in bytes, page aligned.
func rawFrameSize(width, height, bitDepth int) int {
	n := width * height * 3 / 2
	if bitDepth > 8 {
		n *= 2
	}
	return params.Align(n, tile.PageSize)
}
