// Package av1ctl is the per-frame control plane of an AV1 hardware
// encoder.
//
// A Session owns the state that lives across frames: the reference slot
// pool and the rate-control buffer model. For every frame it computes,
// before the hardware runs:
//   - the reference set, its forward and backward lists and the primary
//     reference that CDF tables and the segmentation map are inherited from
//   - the rate-control init and update records
//   - the per-segment quantizers and the resolved segmentation map
//   - the per-32x32 stream-in guidance
//   - the tile partition, buffer offsets, tile group headers and pipe
//     assignment
//
// After execution, Complete checks the per-tile results, stitches
// multi-pipe output and feeds the frame size back into rate control.
//
// Basic usage:
//
//	s, err := av1ctl.New(av1ctl.DefaultConfig())
//	plan, err := s.ProcessFrame(ctx, pic)
//	// run the hardware with plan
//	st, err := s.Complete(ctx, plan, result)
//
// The bit-exact command encoding of a hardware generation is done by a
// ParamSetter, which receives every record as it is computed.
package av1ctl
