// Command av1ctl drives the AV1 encoder control plane from the command
// line.
//
// Usage:
//
//	av1ctl plan [options]                 Plan a synthetic GOP and print per-frame summaries
//	av1ctl tiles -w W -h H [options]      Print a tile partition and its group headers
//	av1ctl gop -intra N -bdist M [opts]   Print GOP level counts and the initial QP
//	av1ctl refs -bits B a b               Print the cyclic order hint distance a-b
//	av1ctl version                        Print the version
package main

import (
	"context"
	"encoding/hex"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strconv"
	"strings"

	"github.com/goccy/go-json"

	"github.com/deepteams/av1ctl"
	"github.com/deepteams/av1ctl/internal/brc"
	"github.com/deepteams/av1ctl/internal/hw"
	"github.com/deepteams/av1ctl/internal/params"
	"github.com/deepteams/av1ctl/internal/refs"
	"github.com/deepteams/av1ctl/internal/tile"
)

var version = "dev"

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	var err error
	switch os.Args[1] {
	case "plan":
		err = runPlan(os.Args[2:], os.Stdout)
	case "tiles":
		err = runTiles(os.Args[2:], os.Stdout)
	case "gop":
		err = runGOP(os.Args[2:], os.Stdout)
	case "refs":
		err = runRefs(os.Args[2:], os.Stdout)
	case "version":
		fmt.Println("av1ctl", version)
		return
	case "-h", "-help", "--help", "help":
		printUsage()
		return
	default:
		fmt.Fprintf(os.Stderr, "av1ctl: unknown command %q\n\n", os.Args[1])
		printUsage()
		os.Exit(1)
	}

	if err != nil {
		fmt.Fprintf(os.Stderr, "av1ctl: %v\n", err)
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Fprintf(os.Stderr, `Usage:
  av1ctl plan [-config f] [-frames n] [-json]
  av1ctl tiles -w W -h H [-cols a,b] [-rows c,d] [-groups s-e,...] [-json]
  av1ctl gop -intra N -bdist M [-hier] [-mode cbr]
  av1ctl refs -bits B a b
  av1ctl version

Run "av1ctl <command> -h" for command-specific options.
`)
}

// parseInts parses a comma-separated list such as "5,5,6".
func parseInts(s string) ([]int, error) {
	if s == "" {
		return nil, nil
	}
	parts := strings.Split(s, ",")
	out := make([]int, len(parts))
	for i, p := range parts {
		v, err := strconv.Atoi(strings.TrimSpace(p))
		if err != nil {
			return nil, fmt.Errorf("bad list element %q", p)
		}
		out[i] = v
	}
	return out, nil
}

// parseGroups parses tile group ranges such as "0-3,4-7".
func parseGroups(s string) ([]params.TileGroup, error) {
	if s == "" {
		return nil, nil
	}
	var groups []params.TileGroup
	for _, r := range strings.Split(s, ",") {
		lo, hi, ok := strings.Cut(strings.TrimSpace(r), "-")
		if !ok {
			return nil, fmt.Errorf("bad tile group %q (want start-end)", r)
		}
		start, err1 := strconv.Atoi(lo)
		end, err2 := strconv.Atoi(hi)
		if err1 != nil || err2 != nil {
			return nil, fmt.Errorf("bad tile group %q", r)
		}
		groups = append(groups, params.TileGroup{Start: start, End: end})
	}
	return groups, nil
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// --- plan ---

type frameSummary struct {
	Frame     int     `json:"frame"`
	Type      string  `json:"type"`
	Slot      int     `json:"slot"`
	OrderHint uint32  `json:"order_hint"`
	Concealed int     `json:"concealed"`
	Init      bool    `json:"rate_init"`
	Tiles     int     `json:"tiles"`
	Stitched  bool    `json:"stitched"`
	Bytes     int     `json:"bytes"`
	QP        float64 `json:"qp"`
	Fullness  int64   `json:"vbv_fullness_bits"`
}

func runPlan(args []string, w io.Writer) error {
	fs := flag.NewFlagSet("plan", flag.ContinueOnError)
	configPath := fs.String("config", "", "session config file (.yaml or .toml)")
	frames := fs.Int("frames", 8, "frames to plan")
	qindex := fs.Int("q", 128, "base qindex of every frame")
	log2Cols := fs.Int("tile_cols", 0, "log2 of the uniform tile column count")
	verbose := fs.Bool("v", false, "log session events to stderr")
	asJSON := fs.Bool("json", false, "print JSON")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *frames < 1 {
		return fmt.Errorf("plan: -frames must be positive")
	}

	cfg := av1ctl.DefaultConfig()
	if *configPath != "" {
		var err error
		if cfg, err = av1ctl.LoadConfig(*configPath); err != nil {
			return fmt.Errorf("plan: %w", err)
		}
	}
	level := slog.LevelWarn
	if *verbose {
		level = slog.LevelDebug
	}
	cfg.Logger = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
	alloc := av1ctl.NewMemoryAllocator()
	cfg.Allocator = alloc

	s, err := av1ctl.New(cfg)
	if err != nil {
		return fmt.Errorf("plan: %w", err)
	}
	defer s.Close()

	summaries, err := simulate(context.Background(), s, alloc, &cfg.Sequence, *frames, *qindex, *log2Cols)
	if err != nil {
		return fmt.Errorf("plan: %w", err)
	}
	if *asJSON {
		return writeJSON(w, summaries)
	}
	fmt.Fprintf(w, "%-5s %-4s %-4s %-5s %-5s %-8s %-6s\t%s\n",
		"frame", "type", "slot", "tiles", "init", "bytes", "qp", "vbv")
	for _, f := range summaries {
		fmt.Fprintf(w, "%-5d %-4s %-4d %-5d %-5v %-8d %-6.1f\t%d\n",
			f.Frame, f.Type, f.Slot, f.Tiles, f.Init, f.Bytes, f.QP, f.Fullness)
	}
	return nil
}

// simulate plans frames pictures of a low-delay GOP. Every intra period
// starts with a key frame and every other frame references the previous
// one through LAST. The simulated hardware spends bytes on each tile in
// proportion to its superblocks and reports them in the tile-size record.
func simulate(ctx context.Context, s *av1ctl.Session, alloc av1ctl.Allocator, seq *av1ctl.Sequence, frames, qindex, log2Cols int) ([]frameSummary, error) {
	period := seq.GopPicSize
	if period <= 0 {
		period = frames
	}
	modulus := uint32(1) << 31
	if seq.EnableOrderHint {
		modulus = uint32(1) << uint(seq.OrderHintBits)
	}

	out := make([]frameSummary, 0, frames)
	for i := 0; i < frames; i++ {
		slot := i % params.NumRefFrames
		pic := &av1ctl.Picture{
			FrameType:       av1ctl.KeyFrame,
			FrameIdx:        slot,
			OrderHint:       uint32(i) % modulus,
			PrimaryRefFrame: av1ctl.PrimaryRefNone,
			BaseQIndex:      qindex,
			UniformTiles:    true,
			TileLog2Cols:    log2Cols,
		}
		if i%period != 0 {
			pic.FrameType = av1ctl.InterFrame
			pic.RefCtrlL0 = av1ctl.RefCtrl{params.RoleLast}
			pic.RefFrameList[0] = av1ctl.DPBEntry{FrameIdx: (i - 1) % params.NumRefFrames, Valid: true}
		}

		plan, err := s.ProcessFrame(ctx, pic)
		if err != nil {
			return out, err
		}
		res := &av1ctl.ExecutionResult{Tiles: make([]av1ctl.TileResult, plan.Layout.NumTiles())}
		if err := writeSizeRecord(alloc, plan, qindex); err != nil {
			return out, err
		}
		for t := range res.Tiles {
			res.Tiles[t].QP = qindex
		}
		st, err := s.Complete(ctx, plan, res)
		if err != nil {
			return out, err
		}
		out = append(out, frameSummary{
			Frame:     plan.Frame,
			Type:      plan.Refs.PictureType.String(),
			Slot:      slot,
			OrderHint: pic.OrderHint,
			Concealed: plan.Refs.Concealed,
			Init:      plan.RateInit != nil,
			Tiles:     plan.Layout.NumTiles(),
			Stitched:  st.Stitched,
			Bytes:     st.BitstreamSize,
			QP:        st.AverageQP,
			Fullness:  st.Fullness,
		})
	}
	return out, nil
}

// writeSizeRecord fills the tile-size record of plan the way the PAK
// engine does after a frame.
func writeSizeRecord(alloc av1ctl.Allocator, plan *av1ctl.FramePlan, qindex int) error {
	rec, err := alloc.Lock(plan.Buffers.TileSizeRecord, hw.LockWrite)
	if err != nil {
		return err
	}
	for t, d := range plan.Layout.Tiles {
		if err = tile.PutTileSize(plan.Layout, rec, t, d.NumSB*(256-qindex/2+1)); err != nil {
			break
		}
	}
	if uerr := alloc.Unlock(plan.Buffers.TileSizeRecord); err == nil {
		err = uerr
	}
	return err
}

// --- tiles ---

type tileSummary struct {
	Index  int `json:"index"`
	Row    int `json:"row"`
	Col    int `json:"col"`
	X      int `json:"x"`
	Y      int `json:"y"`
	Width  int `json:"width"`
	Height int `json:"height"`
	SBs    int `json:"superblocks"`
	Group  int `json:"group"`
	Offset int `json:"bitstream_offset"`
}

type groupSummary struct {
	ID     int    `json:"id"`
	Start  int    `json:"start"`
	End    int    `json:"end"`
	Header string `json:"header,omitempty"`
}

type layoutSummary struct {
	SBCols int            `json:"sb_cols"`
	SBRows int            `json:"sb_rows"`
	Tiles  []tileSummary  `json:"tiles"`
	Groups []groupSummary `json:"groups"`
}

func runTiles(args []string, w io.Writer) error {
	fs := flag.NewFlagSet("tiles", flag.ContinueOnError)
	width := fs.Int("w", 0, "frame width in pixels")
	height := fs.Int("h", 0, "frame height in pixels")
	colsFlag := fs.String("cols", "", "tile column widths in superblocks (default: one column)")
	rowsFlag := fs.String("rows", "", "tile row heights in superblocks (default: one row)")
	groupsFlag := fs.String("groups", "", "tile groups as start-end ranges")
	frameOBU := fs.Bool("frame_obu", false, "carry the first tile group in the frame OBU")
	asJSON := fs.Bool("json", false, "print JSON")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *width <= 0 || *height <= 0 {
		return fmt.Errorf("tiles: -w and -h are required")
	}
	cols, err := parseInts(*colsFlag)
	if err != nil {
		return fmt.Errorf("tiles: -cols: %w", err)
	}
	rows, err := parseInts(*rowsFlag)
	if err != nil {
		return fmt.Errorf("tiles: -rows: %w", err)
	}
	groups, err := parseGroups(*groupsFlag)
	if err != nil {
		return fmt.Errorf("tiles: %w", err)
	}

	l, err := tile.Partition(*width, *height, cols, rows, params.Align(*width**height*3/2, tile.PageSize))
	if err != nil {
		return fmt.Errorf("tiles: %w", err)
	}
	if err := l.SetGroups(groups); err != nil {
		return fmt.Errorf("tiles: %w", err)
	}
	if err := l.WriteHeaders(tile.HeaderOptions{FrameOBU: *frameOBU}); err != nil {
		return fmt.Errorf("tiles: %w", err)
	}

	sum := layoutSummary{SBCols: l.SBCols, SBRows: l.SBRows}
	for _, d := range l.Tiles {
		sum.Tiles = append(sum.Tiles, tileSummary{
			Index: d.Index, Row: d.Row, Col: d.Col,
			X: d.X, Y: d.Y, Width: d.PixelWidth, Height: d.PixelHeight,
			SBs: d.NumSB, Group: d.GroupID, Offset: d.BitstreamByteOffset,
		})
	}
	for _, g := range l.Groups {
		sum.Groups = append(sum.Groups, groupSummary{ID: g.ID, Start: g.Start, End: g.End, Header: hex.EncodeToString(g.Header)})
	}
	if *asJSON {
		return writeJSON(w, sum)
	}

	fmt.Fprintf(w, "%dx%d superblocks, %d tiles, %d groups\n", l.SBCols, l.SBRows, len(sum.Tiles), len(sum.Groups))
	for _, t := range sum.Tiles {
		fmt.Fprintf(w, "tile %d (%d,%d): %dx%d at %d,%d sbs=%d group=%d offset=%d\n",
			t.Index, t.Row, t.Col, t.Width, t.Height, t.X, t.Y, t.SBs, t.Group, t.Offset)
	}
	for _, g := range sum.Groups {
		hdr := g.Header
		if hdr == "" {
			hdr = "-"
		}
		fmt.Fprintf(w, "group %d: tiles %d-%d header=%s\n", g.ID, g.Start, g.End, hdr)
	}
	return nil
}

// --- gop ---

const maxRefDist = 16

func runGOP(args []string, w io.Writer) error {
	fs := flag.NewFlagSet("gop", flag.ContinueOnError)
	intra := fs.Int("intra", 60, "intra period in frames (0 = no periodic intra frame)")
	bdist := fs.Int("bdist", 1, "B distance (1 = no B frames)")
	hier := fs.Bool("hier", false, "four-level hierarchy")
	mode := fs.String("mode", "cbr", "rate control mode: cqp/cbr/vbr/avbr/cql/qvbr")
	width := fs.Int("w", 1920, "frame width")
	height := fs.Int("h", 1080, "frame height")
	kbps := fs.Uint("kbps", 5000, "target bitrate in kbit/s")
	fps := fs.Uint("fps", 30, "frame rate")
	highBitDepth := fs.Bool("10bit", false, "10-bit input")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *intra < 0 || *bdist < 0 || *bdist > maxRefDist {
		return fmt.Errorf("gop: -intra must be >= 0 and -bdist in 0..%d", maxRefDist)
	}
	rc, err := params.ParseRateControl(*mode)
	if err != nil {
		return fmt.Errorf("gop: %w", err)
	}

	g := brc.ComputeGOP(*intra, *bdist, *hier)
	fmt.Fprintf(w, "P=%d B=%d B1=%d B2=%d B3=%d total=%d max_level=%d\n",
		g.P, g.B, g.B1, g.B2, g.B3, g.Total(), brc.MaxLevel(*bdist, *hier))
	if !rc.Feedback() {
		fmt.Fprintf(w, "mode %s: no initial QP\n", rc)
		return nil
	}
	qpI, qpP := brc.InitQP(*width, *height, *highBitDepth, uint32(*fps), 1, uint32(*kbps), g.P)
	fmt.Fprintf(w, "mode %s: qp_i=%d qp_p=%d\n", rc, qpI, qpP)
	return nil
}

// --- refs ---

func runRefs(args []string, w io.Writer) error {
	fs := flag.NewFlagSet("refs", flag.ContinueOnError)
	bits := fs.Int("bits", 8, "order hint bits 1-31")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if fs.NArg() != 2 {
		return fmt.Errorf("refs: want two order hints\nUsage: av1ctl refs -bits B a b")
	}
	if *bits < 1 || *bits > 31 {
		return fmt.Errorf("refs: -bits must be in 1..31")
	}
	var hints [2]uint32
	for i := range hints {
		v, err := strconv.ParseUint(fs.Arg(i), 10, 32)
		if err != nil || v >= 1<<uint(*bits) {
			return fmt.Errorf("refs: order hint %q out of range for %d bits", fs.Arg(i), *bits)
		}
		hints[i] = uint32(v)
	}
	oh := refs.OrderHint{Enabled: true, Bits: *bits}
	fmt.Fprintln(w, oh.RelativeDist(hints[0], hints[1]))
	return nil
}
