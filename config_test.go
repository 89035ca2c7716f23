package av1ctl

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/hashicorp/go-multierror"

	"github.com/deepteams/av1ctl/internal/params"
	"github.com/deepteams/av1ctl/internal/refs"
	"github.com/deepteams/av1ctl/internal/tile"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("default config invalid: %v", err)
	}
	r := cfg.resolve()
	if r.pipes != 1 || r.passes != 1 {
		t.Errorf("pipes = %d passes = %d", r.pipes, r.passes)
	}
	if r.bitstreamSize != 3112960 {
		t.Errorf("bitstream size = %d, want 3112960", r.bitstreamSize)
	}
	if r.stitch != tile.StitchHardware || r.concealment != refs.ConcealFirstValid {
		t.Errorf("stitch = %v concealment = %v", r.stitch, r.concealment)
	}
}

func TestResolve(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Pipes = 3
	cfg.NumPasses = 2
	cfg.BitstreamBufferSize = 1 << 20
	cfg.StitchMode = "software"
	cfg.Concealment = "nearest"
	cfg.Sequence.BitDepth = 10
	r := cfg.resolve()
	if r.pipes != 3 || r.passes != 2 || r.bitstreamSize != 1<<20 {
		t.Errorf("resolved = %+v", r)
	}
	if r.stitch != tile.StitchSoftware || r.concealment != refs.ConcealNearest {
		t.Errorf("stitch = %v concealment = %v", r.stitch, r.concealment)
	}
	if got := rawFrameSize(64, 64, 10); got != 12288 {
		t.Errorf("rawFrameSize 10-bit = %d", got)
	}
}

func TestValidate_Aggregates(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Pipes = 5
	cfg.StitchMode = "dma"
	cfg.Sequence.TargetUsage = 3
	cfg.Sequence.TargetBitRate = 6000

	err := cfg.Validate()
	if !errors.Is(err, ErrInvalidConfig) {
		t.Fatalf("err = %v, want ErrInvalidConfig", err)
	}
	var merr *multierror.Error
	if !errors.As(err, &merr) {
		t.Fatalf("err = %T, want *multierror.Error", err)
	}
	if len(merr.Errors) != 4 {
		t.Errorf("%d errors, want 4:\n%v", len(merr.Errors), err)
	}
	if Class(err) != ClassConfiguration {
		t.Errorf("Class = %v", Class(err))
	}
}

func TestValidate_Cases(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*SessionConfig)
	}{
		{"zero width", func(c *SessionConfig) { c.Sequence.Width = 0 }},
		{"bit depth", func(c *SessionConfig) { c.Sequence.BitDepth = 12 }},
		{"passes", func(c *SessionConfig) { c.NumPasses = 3 }},
		{"concealment", func(c *SessionConfig) { c.Concealment = "last" }},
		{"empty bitstream", func(c *SessionConfig) { c.BitstreamBufferSize = 0 }},
		{"no bitrate", func(c *SessionConfig) { c.Sequence.TargetBitRate = 0 }},
		{"min above target", func(c *SessionConfig) { c.Sequence.MinBitRate = 9000 }},
		{"half frame rate", func(c *SessionConfig) { c.Sequence.FrameRateDen = 0 }},
		{"qindex range", func(c *SessionConfig) { c.Sequence.MinBaseQIndex, c.Sequence.MaxBaseQIndex = 200, 100 }},
		{"ref dist past period", func(c *SessionConfig) { c.Sequence.GopPicSize, c.Sequence.GopRefDist = 4, 8 }},
		{"order hint bits", func(c *SessionConfig) { c.Sequence.OrderHintBits = 0 }},
		{"vbv thresholds", func(c *SessionConfig) { c.Sequence.LowerVBVThreshold, c.Sequence.UpperVBVThreshold = 10, 5 }},
		{"rate control mode", func(c *SessionConfig) { c.Sequence.RateControl = params.RateControl(9) }},
		{"cql quality", func(c *SessionConfig) {
			c.Sequence.RateControl, c.Sequence.ICQQualityFactor = params.RateControlCQL, 60
		}},
		{"qvbr quality", func(c *SessionConfig) {
			c.Sequence.RateControl, c.Sequence.ICQQualityFactor = params.RateControlQVBR, 256
		}},
		{"temporal layers", func(c *SessionConfig) { c.Sequence.NumTemporalLayers = 2 }},
		{"cqp reset", func(c *SessionConfig) {
			c.Sequence.RateControl, c.Sequence.ResetBRC = params.RateControlCQP, true
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(cfg)
			if err := cfg.Validate(); !errors.Is(err, ErrInvalidConfig) {
				t.Errorf("err = %v, want ErrInvalidConfig", err)
			}
		})
	}

	cqp := DefaultConfig()
	cqp.Sequence.RateControl = params.RateControlCQP
	cqp.Sequence.TargetBitRate = 0
	if err := cqp.Validate(); err != nil {
		t.Errorf("CQP without bitrate: %v", err)
	}

	cql := DefaultConfig()
	cql.Sequence.RateControl, cql.Sequence.ICQQualityFactor = params.RateControlCQL, 60
	if _, err := New(cql); !errors.Is(err, ErrInvalidConfig) || !errors.Is(err, ErrInvalidRateControlConfig) {
		t.Errorf("New with CQL quality 60: err = %v", err)
	}
}

func writeFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestLoadConfig_YAML(t *testing.T) {
	path := writeFile(t, "session.yaml", `
sequence:
  width: 1280
  height: 720
  bit_depth: 8
  target_usage: 4
  rate_control: vbr
  target_bitrate_kbps: 3000
  max_bitrate_kbps: 4500
pipes: 2
stitch_mode: software
concealment: nearest
`)
	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatal(err)
	}
	s := cfg.Sequence
	if s.Width != 1280 || s.Height != 720 || s.RateControl != params.RateControlVBR || s.MaxBitRate != 4500 {
		t.Errorf("sequence = %+v", s)
	}
	if cfg.Pipes != 2 || cfg.StitchMode != "software" || cfg.Concealment != "nearest" {
		t.Errorf("config = %+v", cfg)
	}
}

func TestLoadConfig_TOML(t *testing.T) {
	path := writeFile(t, "session.toml", `
pipes = 3
passes = 2

[sequence]
width = 640
height = 480
bit_depth = 10
target_usage = 7
rate_control = "cqp"
`)
	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Sequence.Width != 640 || cfg.Sequence.BitDepth != 10 || cfg.Sequence.RateControl != params.RateControlCQP {
		t.Errorf("sequence = %+v", cfg.Sequence)
	}
	if cfg.Pipes != 3 || cfg.NumPasses != 2 {
		t.Errorf("pipes = %d passes = %d", cfg.Pipes, cfg.NumPasses)
	}
}

func TestLoadConfig_Errors(t *testing.T) {
	tests := []struct {
		name, file, content string
	}{
		{"unknown extension", "session.json", "{}"},
		{"bad yaml", "bad.yaml", "sequence: [1, 2"},
		{"bad mode", "mode.toml", "[sequence]\nrate_control = \"abr\"\n"},
		{"invalid values", "pipes.yml", "pipes: 9\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := LoadConfig(writeFile(t, tt.file, tt.content))
			if !errors.Is(err, ErrInvalidConfig) {
				t.Errorf("err = %v, want ErrInvalidConfig", err)
			}
		})
	}
	if _, err := LoadConfig(filepath.Join(t.TempDir(), "missing.yaml")); err == nil || errors.Is(err, ErrInvalidConfig) {
		t.Errorf("missing file err = %v", err)
	}
}
